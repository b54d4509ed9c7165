package trainconfig

import (
	"fmt"
	"path/filepath"
)

// Sweep expands a hyperparameter grid into one JobConfig per point.
type Sweep struct {
	Model      string
	Dataset    string
	OutputBase string

	LearningRates []float64
	LoraRanks     []int
	BatchSizes    []int
	Epochs        []float64
}

// SweepPoint is a single grid point with a stable name used for config
// files and output directories.
type SweepPoint struct {
	Name   string
	Config JobConfig
}

func (s *Sweep) defaults() {
	if len(s.LearningRates) == 0 {
		s.LearningRates = []float64{1e-4, 5e-5}
	}
	if len(s.LoraRanks) == 0 {
		s.LoraRanks = []int{8, 16}
	}
	if len(s.BatchSizes) == 0 {
		s.BatchSizes = []int{2}
	}
	if len(s.Epochs) == 0 {
		s.Epochs = []float64{3.0}
	}
}

// Expand generates the full cartesian product of the grid. Each point gets
// a distinct output directory under OutputBase.
func (s *Sweep) Expand() []SweepPoint {
	s.defaults()

	var points []SweepPoint
	for _, lr := range s.LearningRates {
		for _, rank := range s.LoraRanks {
			for _, batch := range s.BatchSizes {
				for _, epochs := range s.Epochs {
					name := fmt.Sprintf("lr%g_rank%d_bs%d_ep%g", lr, rank, batch, epochs)
					outputDir := filepath.Join(s.OutputBase, name)

					cfg := NewSFTConfig(s.Model, s.Dataset, outputDir, lr, rank,
						WithBatchSize(batch), WithEpochs(epochs))
					points = append(points, SweepPoint{Name: name, Config: cfg})
				}
			}
		}
	}
	return points
}

// Size returns the number of grid points Expand will produce.
func (s *Sweep) Size() int {
	s.defaults()
	return len(s.LearningRates) * len(s.LoraRanks) * len(s.BatchSizes) * len(s.Epochs)
}
