package messaging

import (
	"context"
	"time"

	"github.com/google/uuid"
)

const (
	TrainQueue      = "train_queue"
	ExportQueue     = "export_queue"
	RetryDelay      = 5 * time.Second
	MaxConnectRetry = 5
)

type Task interface {
	Type() string

	Payload() []byte

	Ack() error

	Nack() error

	Reject() error
}

type TrainTaskPayload struct {
	ExperimentId uuid.UUID

	// SweepId is set when this run belongs to a hyperparameter sweep.
	SweepId uuid.NullUUID

	// DatasetKey points at the dataset in the object store. Empty means
	// the dataset named in the config is already local.
	DatasetKey string
}

type ExportTaskPayload struct {
	ExportTaskId uuid.UUID
	ExperimentId uuid.UUID
}

type Publisher interface {
	PublishTrainTask(ctx context.Context, payload TrainTaskPayload) error

	PublishExportTask(ctx context.Context, payload ExportTaskPayload) error

	Close()
}

type Reciever interface {
	Tasks() <-chan Task

	Close()
}
