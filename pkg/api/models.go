// Package api holds the request and response shapes of the HTTP API so
// external clients can import them without pulling in server internals.
package api

import (
	"time"

	"github.com/google/uuid"
)

type Experiment struct {
	Id     uuid.UUID
	Name   string
	Status string

	BaseModel    string
	Dataset      string
	Stage        string
	LearningRate float64
	LoraRank     int
	BatchSize    int
	Epochs       float64
	OutputDir    string

	FinalLoss  *float64 `json:"FinalLoss,omitempty"`
	BestLoss   *float64 `json:"BestLoss,omitempty"`
	TotalSteps int

	Tags  []string `json:"Tags,omitempty"`
	Notes string   `json:"Notes,omitempty"`

	CreationTime   time.Time
	CompletionTime *time.Time `json:"CompletionTime,omitempty"`
}

type TrainRequest struct {
	Name    string
	Model   string
	Dataset string
	Stage   string

	LearningRate float64
	LoraRank     int
	BatchSize    int
	Epochs       float64
	MaxSamples   int

	QuantizationBit int

	OutputDir  string
	DatasetKey string

	Tags  []string
	Notes string
}

type TrainSubmitResponse struct {
	Message      string
	ExperimentId uuid.UUID
}

type SweepRequest struct {
	Name    string
	Model   string
	Dataset string

	OutputBase    string
	LearningRates []float64
	LoraRanks     []int
	BatchSizes    []int
	Epochs        []float64

	Tags []string
}

type SweepSubmitResponse struct {
	Message string
	SweepId uuid.UUID
	Runs    int
}

type SweepStatus struct {
	Id            uuid.UUID
	Name          string
	TotalRuns     int
	CompletedRuns int
	FailedRuns    int
	Done          bool
}

type ExportRequest struct {
	ExportDir string
}

type ExportSubmitResponse struct {
	Message      string
	ExportTaskId uuid.UUID
}

type ListExperimentsQuery struct {
	Status string `schema:"status"`
	Tag    string `schema:"tag"`
}

type CompareRequest struct {
	ExperimentIds []uuid.UUID
}

type ValidateDatasetRequest struct {
	Records []DatasetRecord

	// KeywordWarnings maps a keyword to the warning emitted when a
	// record output lacks it. A leading '!' warns on presence instead.
	KeywordWarnings map[string]string `json:"KeywordWarnings,omitempty"`
}

type AuditDatasetRequest struct {
	Records   []DatasetRecord
	Inventory []string `json:"Inventory,omitempty"`
}

type DatasetRecord struct {
	Instruction  string `json:"instruction"`
	Input        string `json:"input,omitempty"`
	Output       string `json:"output"`
	System       string `json:"system,omitempty"`
	Category     string `json:"category,omitempty"`
	QualityScore int    `json:"quality_score,omitempty"`
}
