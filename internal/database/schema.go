package database

import (
	"database/sql"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
)

const (
	ExperimentQueued    string = "QUEUED"
	ExperimentRunning   string = "RUNNING"
	ExperimentCompleted string = "COMPLETED"
	ExperimentFailed    string = "FAILED"
	ExperimentStopped   string = "STOPPED"
)

type Experiment struct {
	Id uuid.UUID `gorm:"type:uuid;primaryKey"`

	Name   string `gorm:"not null;uniqueIndex"`
	Status string `gorm:"size:20;not null"`

	BaseModel    string
	Dataset      string
	Stage        string `gorm:"size:10"`
	LearningRate float64
	LoraRank     int
	BatchSize    int
	Epochs       float64
	OutputDir    string

	// Config holds the full trainer YAML args as JSON for exact reruns.
	Config datatypes.JSON `gorm:"type:jsonb"`

	FinalLoss  sql.NullFloat64
	BestLoss   sql.NullFloat64
	TotalSteps int `gorm:"default:0"`

	Notes string

	CreationTime   time.Time
	StartTime      sql.NullTime
	CompletionTime sql.NullTime

	Tags []ExperimentTag `gorm:"foreignKey:ExperimentId;constraint:OnDelete:CASCADE"`

	TrainTask *TrainTask `gorm:"foreignKey:ExperimentId;constraint:OnDelete:CASCADE"`
}

type ExperimentTag struct {
	ExperimentId uuid.UUID `gorm:"type:uuid;primaryKey"`
	Tag          string    `gorm:"primaryKey"`
}

const (
	JobQueued    string = "QUEUED"
	JobRunning   string = "RUNNING"
	JobCompleted string = "COMPLETED"
	JobFailed    string = "FAILED"
)

type TrainTask struct {
	ExperimentId uuid.UUID   `gorm:"type:uuid;primaryKey"`
	Experiment   *Experiment `gorm:"foreignKey:ExperimentId;constraint:OnDelete:CASCADE"`

	Status         string `gorm:"size:20;not null"`
	CreationTime   time.Time
	StartTime      sql.NullTime
	CompletionTime sql.NullTime

	Error string
}

type ExportTask struct {
	Id           uuid.UUID   `gorm:"type:uuid;primaryKey"`
	ExperimentId uuid.UUID   `gorm:"type:uuid"`
	Experiment   *Experiment `gorm:"foreignKey:ExperimentId"`

	Status         string `gorm:"size:20;not null"`
	ExportDir      string
	CreationTime   time.Time
	CompletionTime sql.NullTime

	Error string
}

// Sweep groups the experiments expanded from one hyperparameter grid.
type Sweep struct {
	Id   uuid.UUID `gorm:"type:uuid;primaryKey"`
	Name string    `gorm:"not null"`

	TotalRuns     int `gorm:"default:0"`
	CompletedRuns int `gorm:"default:0"`
	FailedRuns    int `gorm:"default:0"`

	CreationTime   time.Time
	CompletionTime sql.NullTime

	Experiments []SweepExperiment `gorm:"foreignKey:SweepId;constraint:OnDelete:CASCADE"`
}

type SweepExperiment struct {
	SweepId      uuid.UUID `gorm:"type:uuid;primaryKey"`
	ExperimentId uuid.UUID `gorm:"type:uuid;primaryKey"`
}
