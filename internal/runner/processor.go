package runner

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"llmtune/internal/database"
	"llmtune/internal/experiment"
	"llmtune/internal/launcher"
	"llmtune/internal/messaging"
	"llmtune/internal/monitor"
	"llmtune/internal/storage"
	"llmtune/internal/trainconfig"

	"gorm.io/gorm"
)

// TaskProcessor consumes train and export tasks from the queue and
// drives them through the external trainer.
type TaskProcessor struct {
	db          *gorm.DB
	storage     storage.ObjectStore
	publisher   messaging.Publisher
	reciever    messaging.Reciever
	experiments *experiment.Manager
	launcher    *launcher.Launcher

	localDataDir  string
	datasetBucket string
	adapterBucket string
}

func NewTaskProcessor(db *gorm.DB, store storage.ObjectStore, publisher messaging.Publisher, reciever messaging.Reciever, l *launcher.Launcher, localDataDir, datasetBucket, adapterBucket string) *TaskProcessor {
	return &TaskProcessor{
		db:            db,
		storage:       store,
		publisher:     publisher,
		reciever:      reciever,
		experiments:   experiment.NewManager(db),
		launcher:      l,
		localDataDir:  localDataDir,
		datasetBucket: datasetBucket,
		adapterBucket: adapterBucket,
	}
}

func (proc *TaskProcessor) Start() {
	slog.Info("starting task processor")

	for task := range proc.reciever.Tasks() {
		proc.ProcessTask(task)
	}
}

func (proc *TaskProcessor) Stop() {
	slog.Info("stopping task processor")

	proc.publisher.Close()
	proc.reciever.Close()
}

func (proc *TaskProcessor) ProcessTask(task messaging.Task) {
	ctx := context.Background()

	var err error
	switch task.Type() {

	case messaging.TrainQueue:
		var payload messaging.TrainTaskPayload
		if err = json.Unmarshal(task.Payload(), &payload); err != nil {
			slog.Error("error unmarshalling train task", "error", err)
			if err := task.Reject(); err != nil { // Discard malformed message
				slog.Error("error rejecting message from queue", "error", err)
			}
			return
		}
		err = proc.processTrainTask(ctx, payload)

	case messaging.ExportQueue:
		var payload messaging.ExportTaskPayload
		if err = json.Unmarshal(task.Payload(), &payload); err != nil {
			slog.Error("error unmarshalling export task", "error", err)
			if err := task.Reject(); err != nil { // Discard malformed message
				slog.Error("error rejecting message from queue", "error", err)
			}
			return
		}
		err = proc.processExportTask(ctx, payload)

	default:
		slog.Error("received unknown task type", "queue", task.Type())
		if err := task.Reject(); err != nil { // reject unknown message type
			slog.Error("error rejecting message from queue", "error", err)
		}
		return
	}

	if err != nil {
		slog.Error("error processing task", "queue", task.Type(), "error", err)
		if err := task.Nack(); err != nil {
			slog.Error("error reporting processing failure on message from queue", "error", err)
		}
	} else {
		slog.Info("successfully processed task", "queue", task.Type())
		if err := task.Ack(); err != nil {
			slog.Error("error acknowledging message from queue", "error", err)
		}
	}
}

func (proc *TaskProcessor) processTrainTask(ctx context.Context, payload messaging.TrainTaskPayload) error {
	slog.Info("processing train task", "experiment_id", payload.ExperimentId)

	cfg, err := proc.experiments.Config(ctx, payload.ExperimentId)
	if err != nil {
		return err
	}

	if err := database.UpdateTrainTaskStatus(ctx, proc.db, payload.ExperimentId, database.JobRunning); err != nil {
		return err
	}
	if err := proc.experiments.UpdateStatus(ctx, payload.ExperimentId, database.ExperimentRunning); err != nil {
		return err
	}

	runErr := proc.runTraining(ctx, payload, cfg)
	if runErr != nil {
		database.SaveTrainTaskError(ctx, proc.db, payload.ExperimentId, runErr.Error())
		if err := proc.experiments.UpdateStatus(ctx, payload.ExperimentId, database.ExperimentFailed); err != nil {
			slog.Error("error marking experiment failed", "experiment_id", payload.ExperimentId, "error", err)
		}
	} else {
		if err := database.UpdateTrainTaskStatus(ctx, proc.db, payload.ExperimentId, database.JobCompleted); err != nil {
			slog.Error("error marking train task completed", "experiment_id", payload.ExperimentId, "error", err)
		}
		if err := proc.experiments.UpdateStatus(ctx, payload.ExperimentId, database.ExperimentCompleted); err != nil {
			slog.Error("error marking experiment completed", "experiment_id", payload.ExperimentId, "error", err)
		}
	}

	if payload.SweepId.Valid {
		if err := database.RecordSweepResult(ctx, proc.db, payload.SweepId.UUID, runErr != nil); err != nil {
			slog.Error("error recording sweep result", "sweep_id", payload.SweepId.UUID, "error", err)
		}
	}

	return runErr
}

func (proc *TaskProcessor) runTraining(ctx context.Context, payload messaging.TrainTaskPayload, cfg trainconfig.JobConfig) error {
	if payload.DatasetKey != "" {
		localPath := filepath.Join(proc.localDataDir, payload.ExperimentId.String(), filepath.Base(payload.DatasetKey))
		if err := proc.storage.DownloadObject(ctx, proc.datasetBucket, payload.DatasetKey, localPath); err != nil {
			return fmt.Errorf("failed to fetch dataset: %w", err)
		}
		cfg.Data.Dataset = localPath
	}

	watchCtx, stopWatch := context.WithCancel(ctx)
	defer stopWatch()
	watcher := monitor.NewWatcher(cfg.Output.OutputDir, 10*time.Second)
	watcher.OnMetrics(monitor.ConsoleCallback())
	go watcher.Run(watchCtx)

	if err := proc.launcher.Train(ctx, cfg, launcher.RunOptions{}); err != nil {
		return err
	}
	stopWatch()

	if err := proc.experiments.AttachResults(ctx, payload.ExperimentId); err != nil {
		slog.Warn("training succeeded but results could not be read", "experiment_id", payload.ExperimentId, "error", err)
	}

	if proc.adapterBucket != "" {
		prefix := payload.ExperimentId.String()
		if err := proc.storage.UploadDir(ctx, proc.adapterBucket, prefix, cfg.Output.OutputDir); err != nil {
			return fmt.Errorf("failed to upload adapter: %w", err)
		}
		slog.Info("uploaded adapter", "experiment_id", payload.ExperimentId, "bucket", proc.adapterBucket, "prefix", prefix)
	}

	return nil
}

func (proc *TaskProcessor) processExportTask(ctx context.Context, payload messaging.ExportTaskPayload) error {
	slog.Info("processing export task", "export_task_id", payload.ExportTaskId, "experiment_id", payload.ExperimentId)

	var exportTask database.ExportTask
	if err := proc.db.WithContext(ctx).First(&exportTask, "id = ?", payload.ExportTaskId).Error; err != nil {
		return fmt.Errorf("could not load export task %s: %w", payload.ExportTaskId, err)
	}

	cfg, err := proc.experiments.Config(ctx, payload.ExperimentId)
	if err != nil {
		return err
	}

	setStatus := func(status, errMsg string) {
		updates := map[string]any{"status": status, "error": errMsg}
		if status == database.JobCompleted || status == database.JobFailed {
			updates["completion_time"] = time.Now().UTC()
		}
		if err := proc.db.WithContext(ctx).Model(&database.ExportTask{Id: payload.ExportTaskId}).Updates(updates).Error; err != nil {
			slog.Error("error updating export task status", "export_task_id", payload.ExportTaskId, "error", err)
		}
	}

	setStatus(database.JobRunning, "")

	// The adapter may live in shared storage rather than on this host
	if _, statErr := os.Stat(cfg.Output.OutputDir); statErr != nil && proc.adapterBucket != "" {
		if err := proc.storage.DownloadDir(ctx, proc.adapterBucket, payload.ExperimentId.String(), cfg.Output.OutputDir, true); err != nil {
			setStatus(database.JobFailed, err.Error())
			return fmt.Errorf("failed to fetch adapter: %w", err)
		}
	}

	exportCfg := trainconfig.NewExportConfig(cfg, exportTask.ExportDir)
	if err := proc.launcher.Export(ctx, exportCfg); err != nil {
		setStatus(database.JobFailed, err.Error())
		return err
	}

	setStatus(database.JobCompleted, "")
	return nil
}
