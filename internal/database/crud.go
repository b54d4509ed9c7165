package database

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

func UpdateExperimentStatus(ctx context.Context, txn *gorm.DB, experimentId uuid.UUID, status string) error {
	updates := map[string]any{"status": status}
	switch status {
	case ExperimentRunning:
		updates["start_time"] = time.Now().UTC()
	case ExperimentCompleted, ExperimentFailed, ExperimentStopped:
		updates["completion_time"] = time.Now().UTC()
	}

	if err := txn.WithContext(ctx).Model(&Experiment{Id: experimentId}).Updates(updates).Error; err != nil {
		slog.Error("error updating experiment status", "experiment_id", experimentId, "status", status, "error", err)
		return err
	}
	return nil
}

func UpdateTrainTaskStatus(ctx context.Context, txn *gorm.DB, experimentId uuid.UUID, status string) error {
	updates := map[string]any{"status": status}
	if status == JobRunning {
		updates["start_time"] = time.Now().UTC()
	}
	if status == JobCompleted || status == JobFailed {
		updates["completion_time"] = time.Now().UTC()
	}

	if err := txn.WithContext(ctx).Model(&TrainTask{ExperimentId: experimentId}).Updates(updates).Error; err != nil {
		slog.Error("error updating train task status", "experiment_id", experimentId, "status", status, "error", err)
		return err
	}
	return nil
}

func SaveTrainTaskError(ctx context.Context, txn *gorm.DB, experimentId uuid.UUID, errorMessage string) {
	err := txn.WithContext(ctx).
		Model(&TrainTask{ExperimentId: experimentId}).
		Updates(map[string]any{"status": JobFailed, "error": errorMessage, "completion_time": time.Now().UTC()}).
		Error
	if err != nil {
		slog.Error("error saving train task error", "experiment_id", experimentId, "error", err)
	}
}

func SetExperimentTags(ctx context.Context, db *gorm.DB, experimentId uuid.UUID, tags []string) error {
	newTags := make([]ExperimentTag, len(tags))
	for i, t := range tags {
		newTags[i] = ExperimentTag{ExperimentId: experimentId, Tag: t}
	}

	if err := db.WithContext(ctx).
		Where("experiment_id = ?", experimentId).
		Delete(&ExperimentTag{}).
		Error; err != nil {
		return fmt.Errorf("could not clear old tags: %w", err)
	}

	if len(newTags) > 0 {
		if err := db.WithContext(ctx).
			Create(&newTags).
			Error; err != nil {
			return fmt.Errorf("could not add new tags: %w", err)
		}
	}
	return nil
}

func RecordSweepResult(ctx context.Context, db *gorm.DB, sweepId uuid.UUID, failed bool) error {
	column := "completed_runs"
	if failed {
		column = "failed_runs"
	}

	return db.WithContext(ctx).Transaction(func(txn *gorm.DB) error {
		if err := txn.Model(&Sweep{Id: sweepId}).
			Update(column, gorm.Expr(column+" + 1")).Error; err != nil {
			return fmt.Errorf("could not record sweep result: %w", err)
		}

		var sweep Sweep
		if err := txn.First(&sweep, "id = ?", sweepId).Error; err != nil {
			return err
		}
		if sweep.CompletedRuns+sweep.FailedRuns >= sweep.TotalRuns {
			if err := txn.Model(&Sweep{Id: sweepId}).
				Update("completion_time", time.Now().UTC()).Error; err != nil {
				return err
			}
		}
		return nil
	})
}
