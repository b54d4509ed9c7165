package runner

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"llmtune/internal/database"
	"llmtune/internal/experiment"
	"llmtune/internal/launcher"
	"llmtune/internal/messaging"
	"llmtune/internal/trainconfig"
	"llmtune/internal/utils"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// SweepCoordinator expands a hyperparameter grid into experiments and
// dispatches them for training.
type SweepCoordinator struct {
	db          *gorm.DB
	experiments *experiment.Manager
	publisher   messaging.Publisher
}

func NewSweepCoordinator(db *gorm.DB, publisher messaging.Publisher) *SweepCoordinator {
	return &SweepCoordinator{
		db:          db,
		experiments: experiment.NewManager(db),
		publisher:   publisher,
	}
}

// Enqueue registers the sweep and publishes one train task per grid
// point. Workers pick them up from the queue.
func (c *SweepCoordinator) Enqueue(ctx context.Context, name string, sweep trainconfig.Sweep, tags []string) (*database.Sweep, error) {
	points := sweep.Expand()
	if len(points) == 0 {
		return nil, fmt.Errorf("sweep expands to zero runs")
	}

	record := database.Sweep{
		Id:           uuid.New(),
		Name:         name,
		TotalRuns:    len(points),
		CreationTime: time.Now().UTC(),
	}
	if err := c.db.WithContext(ctx).Create(&record).Error; err != nil {
		return nil, fmt.Errorf("could not create sweep: %w", err)
	}

	for _, point := range points {
		exp, err := c.experiments.Create(ctx, name+"/"+point.Name, point.Config, tags, "")
		if err != nil {
			return nil, err
		}

		link := database.SweepExperiment{SweepId: record.Id, ExperimentId: exp.Id}
		if err := c.db.WithContext(ctx).Create(&link).Error; err != nil {
			return nil, fmt.Errorf("could not link sweep experiment: %w", err)
		}

		payload := messaging.TrainTaskPayload{
			ExperimentId: exp.Id,
			SweepId:      uuid.NullUUID{UUID: record.Id, Valid: true},
		}
		if err := c.publisher.PublishTrainTask(ctx, payload); err != nil {
			return nil, fmt.Errorf("could not publish train task for %s: %w", point.Name, err)
		}
	}

	slog.Info("enqueued sweep", "sweep_id", record.Id, "name", name, "runs", len(points))
	return &record, nil
}

// SweepRunResult is the outcome of one grid point in a local sweep.
type SweepRunResult struct {
	Name         string
	ExperimentId uuid.UUID
	Err          error
}

// RunLocal executes the sweep on this host with at most maxConcurrent
// trainer processes at once. A maxConcurrent of 1 runs the grid
// sequentially, which is the safe choice on a single GPU.
func (c *SweepCoordinator) RunLocal(ctx context.Context, name string, sweep trainconfig.Sweep, l *launcher.Launcher, maxConcurrent int) ([]SweepRunResult, error) {
	if maxConcurrent < 1 {
		maxConcurrent = 1
	}

	points := sweep.Expand()
	if len(points) == 0 {
		return nil, fmt.Errorf("sweep expands to zero runs")
	}

	record := database.Sweep{
		Id:           uuid.New(),
		Name:         name,
		TotalRuns:    len(points),
		CreationTime: time.Now().UTC(),
	}
	if err := c.db.WithContext(ctx).Create(&record).Error; err != nil {
		return nil, fmt.Errorf("could not create sweep: %w", err)
	}

	type job struct {
		point trainconfig.SweepPoint
		expId uuid.UUID
	}

	queue := make(chan job, len(points))
	for _, point := range points {
		exp, err := c.experiments.Create(ctx, name+"/"+point.Name, point.Config, nil, "")
		if err != nil {
			return nil, err
		}

		link := database.SweepExperiment{SweepId: record.Id, ExperimentId: exp.Id}
		if err := c.db.WithContext(ctx).Create(&link).Error; err != nil {
			return nil, fmt.Errorf("could not link sweep experiment: %w", err)
		}

		queue <- job{point: point, expId: exp.Id}
	}
	close(queue)

	worker := func(j job) (SweepRunResult, error) {
		result := SweepRunResult{Name: j.point.Name, ExperimentId: j.expId}

		if err := c.experiments.UpdateStatus(ctx, j.expId, database.ExperimentRunning); err != nil {
			result.Err = err
			return result, nil
		}

		runErr := l.Train(ctx, j.point.Config, launcher.RunOptions{})
		if runErr != nil {
			result.Err = runErr
			if err := c.experiments.UpdateStatus(ctx, j.expId, database.ExperimentFailed); err != nil {
				slog.Error("error marking sweep run failed", "experiment_id", j.expId, "error", err)
			}
		} else {
			if err := c.experiments.AttachResults(ctx, j.expId); err != nil {
				slog.Warn("sweep run finished but results could not be read", "experiment_id", j.expId, "error", err)
			}
			if err := c.experiments.UpdateStatus(ctx, j.expId, database.ExperimentCompleted); err != nil {
				slog.Error("error marking sweep run completed", "experiment_id", j.expId, "error", err)
			}
		}

		if err := database.RecordSweepResult(ctx, c.db, record.Id, runErr != nil); err != nil {
			slog.Error("error recording sweep result", "sweep_id", record.Id, "error", err)
		}
		return result, nil
	}

	completed := make(chan utils.CompletedTask[SweepRunResult], len(points))
	utils.RunInPool(worker, queue, completed, maxConcurrent)

	var results []SweepRunResult
	for done := range completed {
		results = append(results, done.Result)
		if done.Result.Err != nil {
			slog.Warn("sweep run failed", "run", done.Result.Name, "error", done.Result.Err)
		} else {
			slog.Info("sweep run finished", "run", done.Result.Name)
		}
	}
	return results, nil
}
