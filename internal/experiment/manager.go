package experiment

import (
	"context"
	"database/sql"
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"strconv"
	"time"

	"llmtune/internal/database"
	"llmtune/internal/monitor"
	"llmtune/internal/trainconfig"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

var ErrNotFound = errors.New("experiment not found")

// Manager is the bookkeeping layer over training runs. Every launched
// run gets an experiment row so results stay comparable after the fact.
type Manager struct {
	db *gorm.DB
}

func NewManager(db *gorm.DB) *Manager {
	return &Manager{db: db}
}

// Create registers a new experiment for the given config. The config is
// snapshotted as JSON so the exact run can be reproduced later.
func (m *Manager) Create(ctx context.Context, name string, cfg trainconfig.JobConfig, tags []string, notes string) (*database.Experiment, error) {
	snapshot, err := json.Marshal(cfg)
	if err != nil {
		return nil, fmt.Errorf("could not snapshot config: %w", err)
	}

	exp := database.Experiment{
		Id:           uuid.New(),
		Name:         name,
		Status:       database.ExperimentQueued,
		BaseModel:    cfg.Model.ModelNameOrPath,
		Dataset:      cfg.Data.Dataset,
		Stage:        string(cfg.Method.Stage),
		LearningRate: cfg.Train.LearningRate,
		LoraRank:     cfg.Method.LoraRank,
		BatchSize:    cfg.Train.PerDeviceTrainBatchSize,
		Epochs:       cfg.Train.NumTrainEpochs,
		OutputDir:    cfg.Output.OutputDir,
		Config:       snapshot,
		Notes:        notes,
		CreationTime: time.Now().UTC(),
		TrainTask: &database.TrainTask{
			Status:       database.JobQueued,
			CreationTime: time.Now().UTC(),
		},
	}
	for _, tag := range tags {
		exp.Tags = append(exp.Tags, database.ExperimentTag{ExperimentId: exp.Id, Tag: tag})
	}

	if err := m.db.WithContext(ctx).Create(&exp).Error; err != nil {
		return nil, fmt.Errorf("could not create experiment: %w", err)
	}

	slog.Info("created experiment", "experiment_id", exp.Id, "name", name)
	return &exp, nil
}

func (m *Manager) Get(ctx context.Context, id uuid.UUID) (*database.Experiment, error) {
	var exp database.Experiment
	err := m.db.WithContext(ctx).Preload("Tags").Preload("TrainTask").First(&exp, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("could not load experiment %s: %w", id, err)
	}
	return &exp, nil
}

func (m *Manager) GetByName(ctx context.Context, name string) (*database.Experiment, error) {
	var exp database.Experiment
	err := m.db.WithContext(ctx).Preload("Tags").Preload("TrainTask").First(&exp, "name = ?", name).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("could not load experiment %s: %w", name, err)
	}
	return &exp, nil
}

// ListFilter narrows List. Zero values mean no filtering.
type ListFilter struct {
	Status string
	Tag    string
}

func (m *Manager) List(ctx context.Context, filter ListFilter) ([]database.Experiment, error) {
	query := m.db.WithContext(ctx).Preload("Tags").Order("creation_time desc")
	if filter.Status != "" {
		query = query.Where("status = ?", filter.Status)
	}
	if filter.Tag != "" {
		query = query.Where("id IN (?)",
			m.db.Model(&database.ExperimentTag{}).Select("experiment_id").Where("tag = ?", filter.Tag))
	}

	var exps []database.Experiment
	if err := query.Find(&exps).Error; err != nil {
		return nil, fmt.Errorf("could not list experiments: %w", err)
	}
	return exps, nil
}

func (m *Manager) UpdateStatus(ctx context.Context, id uuid.UUID, status string) error {
	return database.UpdateExperimentStatus(ctx, m.db, id, status)
}

func (m *Manager) SetNotes(ctx context.Context, id uuid.UUID, notes string) error {
	return m.db.WithContext(ctx).Model(&database.Experiment{Id: id}).Update("notes", notes).Error
}

// AttachResults reads the trainer log from the experiment's output
// directory and stores the headline losses on the row.
func (m *Manager) AttachResults(ctx context.Context, id uuid.UUID) error {
	exp, err := m.Get(ctx, id)
	if err != nil {
		return err
	}

	series, err := monitor.ParseLogFile(monitor.TrainerLogPath(exp.OutputDir))
	if err != nil {
		return fmt.Errorf("could not read results for experiment %s: %w", id, err)
	}

	summary, ok := monitor.Summarize(series)
	if !ok {
		return fmt.Errorf("trainer log for experiment %s has no metrics", id)
	}

	updates := map[string]any{
		"final_loss":  sql.NullFloat64{Float64: summary.FinalLoss, Valid: true},
		"best_loss":   sql.NullFloat64{Float64: summary.BestLoss, Valid: true},
		"total_steps": summary.TotalSteps,
	}
	if err := m.db.WithContext(ctx).Model(&database.Experiment{Id: id}).Updates(updates).Error; err != nil {
		return fmt.Errorf("could not save results for experiment %s: %w", id, err)
	}

	slog.Info("attached experiment results", "experiment_id", id, "final_loss", summary.FinalLoss, "steps", summary.TotalSteps)
	return nil
}

// Config unpacks the stored config snapshot.
func (m *Manager) Config(ctx context.Context, id uuid.UUID) (trainconfig.JobConfig, error) {
	exp, err := m.Get(ctx, id)
	if err != nil {
		return trainconfig.JobConfig{}, err
	}

	var cfg trainconfig.JobConfig
	if err := json.Unmarshal(exp.Config, &cfg); err != nil {
		return cfg, fmt.Errorf("corrupt config snapshot for experiment %s: %w", id, err)
	}
	return cfg, nil
}

// Best returns the completed experiment with the lowest final loss.
func (m *Manager) Best(ctx context.Context) (*database.Experiment, error) {
	var exp database.Experiment
	err := m.db.WithContext(ctx).
		Where("status = ? AND final_loss IS NOT NULL", database.ExperimentCompleted).
		Order("final_loss asc").
		First(&exp).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("could not find best experiment: %w", err)
	}
	return &exp, nil
}

// Comparison lines up experiments by loss with the hyperparameters that
// differ between them.
type Comparison struct {
	Ranking     []RankedExperiment  `json:"ranking"`
	ConfigDiffs map[string][]string `json:"config_diffs"`
}

type RankedExperiment struct {
	Id        uuid.UUID `json:"id"`
	Name      string    `json:"name"`
	Status    string    `json:"status"`
	FinalLoss *float64  `json:"final_loss,omitempty"`
}

// Compare ranks the given experiments by final loss, incomplete runs
// last, and reports which config fields vary across them.
func (m *Manager) Compare(ctx context.Context, ids []uuid.UUID) (*Comparison, error) {
	if len(ids) < 2 {
		return nil, fmt.Errorf("need at least two experiments to compare")
	}

	exps := make([]*database.Experiment, 0, len(ids))
	for _, id := range ids {
		exp, err := m.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		exps = append(exps, exp)
	}

	comparison := &Comparison{ConfigDiffs: map[string][]string{}}

	fields := map[string]func(*database.Experiment) string{
		"model":         func(e *database.Experiment) string { return e.BaseModel },
		"dataset":       func(e *database.Experiment) string { return e.Dataset },
		"stage":         func(e *database.Experiment) string { return e.Stage },
		"learning_rate": func(e *database.Experiment) string { return strconv.FormatFloat(e.LearningRate, 'g', -1, 64) },
		"lora_rank":     func(e *database.Experiment) string { return strconv.Itoa(e.LoraRank) },
		"batch_size":    func(e *database.Experiment) string { return strconv.Itoa(e.BatchSize) },
		"epochs":        func(e *database.Experiment) string { return strconv.FormatFloat(e.Epochs, 'g', -1, 64) },
	}
	for field, get := range fields {
		values := make([]string, len(exps))
		same := true
		for i, exp := range exps {
			values[i] = get(exp)
			if values[i] != values[0] {
				same = false
			}
		}
		if !same {
			comparison.ConfigDiffs[field] = values
		}
	}

	for _, exp := range exps {
		ranked := RankedExperiment{Id: exp.Id, Name: exp.Name, Status: exp.Status}
		if exp.FinalLoss.Valid {
			loss := exp.FinalLoss.Float64
			ranked.FinalLoss = &loss
		}
		comparison.Ranking = append(comparison.Ranking, ranked)
	}
	sort.SliceStable(comparison.Ranking, func(i, j int) bool {
		a, b := comparison.Ranking[i], comparison.Ranking[j]
		switch {
		case a.FinalLoss != nil && b.FinalLoss != nil:
			return *a.FinalLoss < *b.FinalLoss
		case a.FinalLoss != nil:
			return true
		default:
			return false
		}
	})

	return comparison, nil
}

// ExportCSV writes all experiments as CSV for spreadsheet analysis.
func (m *Manager) ExportCSV(ctx context.Context, w io.Writer) error {
	exps, err := m.List(ctx, ListFilter{})
	if err != nil {
		return err
	}

	writer := csv.NewWriter(w)
	header := []string{"name", "status", "model", "dataset", "stage", "learning_rate", "lora_rank", "batch_size", "epochs", "final_loss", "best_loss", "total_steps", "created"}
	if err := writer.Write(header); err != nil {
		return fmt.Errorf("could not write csv: %w", err)
	}

	for _, exp := range exps {
		finalLoss, bestLoss := "", ""
		if exp.FinalLoss.Valid {
			finalLoss = strconv.FormatFloat(exp.FinalLoss.Float64, 'f', 4, 64)
		}
		if exp.BestLoss.Valid {
			bestLoss = strconv.FormatFloat(exp.BestLoss.Float64, 'f', 4, 64)
		}
		row := []string{
			exp.Name,
			exp.Status,
			exp.BaseModel,
			exp.Dataset,
			exp.Stage,
			strconv.FormatFloat(exp.LearningRate, 'g', -1, 64),
			strconv.Itoa(exp.LoraRank),
			strconv.Itoa(exp.BatchSize),
			strconv.FormatFloat(exp.Epochs, 'g', -1, 64),
			finalLoss,
			bestLoss,
			strconv.Itoa(exp.TotalSteps),
			exp.CreationTime.Format(time.RFC3339),
		}
		if err := writer.Write(row); err != nil {
			return fmt.Errorf("could not write csv: %w", err)
		}
	}

	writer.Flush()
	return writer.Error()
}
