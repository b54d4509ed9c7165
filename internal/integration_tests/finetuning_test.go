package integrationtests

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"testing"
	"time"

	backend "llmtune/internal/api"
	"llmtune/internal/database"
	"llmtune/internal/launcher"
	"llmtune/internal/messaging"
	"llmtune/internal/runner"
	"llmtune/internal/storage"
	"llmtune/pkg/api"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

type testEnv struct {
	db     *gorm.DB
	store  *storage.LocalObjectStore
	queue  *messaging.InMemoryQueue
	router http.Handler
	worker *runner.TaskProcessor
}

func setup(t *testing.T) *testEnv {
	db := createDB(t)

	store, err := storage.NewLocalObjectStore(t.TempDir())
	require.NoError(t, err)
	require.NoError(t, store.CreateBucket(context.Background(), datasetBucket))
	require.NoError(t, store.CreateBucket(context.Background(), adapterBucket))

	queue := messaging.NewInMemoryQueue()
	t.Cleanup(queue.Close)

	service := backend.NewBackendService(db, queue, t.TempDir())
	router := chi.NewRouter()
	service.AddRoutes(router)

	trainer := &launcher.Launcher{DryRun: true}
	worker := runner.NewTaskProcessor(db, store, queue, queue, trainer, t.TempDir(), datasetBucket, adapterBucket)

	go worker.Start()
	t.Cleanup(worker.Stop)

	return &testEnv{db: db, store: store, queue: queue, router: router, worker: worker}
}

func uploadDataset(t *testing.T, env *testEnv, key string) {
	records := `[{"instruction": "List all active users", "output": "SELECT name FROM users WHERE active = 1"}]`
	require.NoError(t, env.store.PutObject(context.Background(), datasetBucket, key, strings.NewReader(records)))
}

func waitForExperiment(t *testing.T, env *testEnv, id uuid.UUID, status string) api.Experiment {
	var exp api.Experiment

	for i := 0; i < 40; i++ {
		time.Sleep(250 * time.Millisecond)
		err := httpRequest(env.router, "GET", fmt.Sprintf("/experiments/%s", id), nil, &exp)
		require.NoError(t, err)

		if exp.Status == status {
			return exp
		}
		if exp.Status == database.ExperimentFailed && status != database.ExperimentFailed {
			t.Fatalf("experiment failed while waiting for status %s", status)
		}
	}

	t.Fatalf("timeout reached before experiment reached status %s, last status %s", status, exp.Status)
	return exp
}

func TestTrainingWorkflow(t *testing.T) {
	env := setup(t)
	uploadDataset(t, env, "sql_dataset.json")

	var submitted api.TrainSubmitResponse
	err := httpRequest(env.router, "POST", "/train", api.TrainRequest{
		Name:       "workflow-test",
		Model:      "llama3-8b",
		Dataset:    "sql_dataset",
		DatasetKey: "sql_dataset.json",
		Tags:       []string{"integration"},
	}, &submitted)
	require.NoError(t, err)

	exp := waitForExperiment(t, env, submitted.ExperimentId, database.ExperimentCompleted)
	assert.Equal(t, "workflow-test", exp.Name)
	assert.Contains(t, exp.Tags, "integration")

	// the dry-run trainer still writes its config, which gets uploaded as
	// the run's adapter artifacts
	objects, err := env.store.ListObjects(context.Background(), adapterBucket, submitted.ExperimentId.String())
	require.NoError(t, err)
	assert.NotEmpty(t, objects)
}

func TestTrainingWorkflowMissingDataset(t *testing.T) {
	env := setup(t)

	var submitted api.TrainSubmitResponse
	err := httpRequest(env.router, "POST", "/train", api.TrainRequest{
		Name:       "missing-dataset",
		Model:      "llama3-8b",
		Dataset:    "nope",
		DatasetKey: "does-not-exist.json",
	}, &submitted)
	require.NoError(t, err)

	exp := waitForExperiment(t, env, submitted.ExperimentId, database.ExperimentFailed)
	assert.Equal(t, database.ExperimentFailed, exp.Status)
}

func TestSweepWorkflow(t *testing.T) {
	env := setup(t)

	var submitted api.SweepSubmitResponse
	err := httpRequest(env.router, "POST", "/sweeps/", api.SweepRequest{
		Name:          "grid-test",
		Model:         "llama3-8b",
		Dataset:       "sql_dataset",
		LearningRates: []float64{1e-4, 5e-5},
		LoraRanks:     []int{8},
		BatchSizes:    []int{2},
		Epochs:        []float64{1},
	}, &submitted)
	require.NoError(t, err)
	require.Equal(t, 2, submitted.Runs)

	var status api.SweepStatus
	for i := 0; i < 40; i++ {
		time.Sleep(250 * time.Millisecond)
		require.NoError(t, httpRequest(env.router, "GET", fmt.Sprintf("/sweeps/%s", submitted.SweepId), nil, &status))
		if status.Done {
			break
		}
	}
	require.True(t, status.Done, "sweep did not finish")
	assert.Equal(t, 2, status.CompletedRuns)
	assert.Equal(t, 0, status.FailedRuns)

	var exps []api.Experiment
	require.NoError(t, httpRequest(env.router, "GET", "/experiments/?status="+database.ExperimentCompleted, nil, &exps))
	assert.Len(t, exps, 2)
}

func TestExportWorkflow(t *testing.T) {
	env := setup(t)
	uploadDataset(t, env, "sql_dataset.json")

	var submitted api.TrainSubmitResponse
	err := httpRequest(env.router, "POST", "/train", api.TrainRequest{
		Name:       "export-test",
		Model:      "llama3-8b",
		Dataset:    "sql_dataset",
		DatasetKey: "sql_dataset.json",
	}, &submitted)
	require.NoError(t, err)

	waitForExperiment(t, env, submitted.ExperimentId, database.ExperimentCompleted)

	var exported api.ExportSubmitResponse
	err = httpRequest(env.router, "POST", fmt.Sprintf("/experiments/%s/export", submitted.ExperimentId), api.ExportRequest{
		ExportDir: t.TempDir(),
	}, &exported)
	require.NoError(t, err)

	var task database.ExportTask
	for i := 0; i < 40; i++ {
		time.Sleep(250 * time.Millisecond)
		require.NoError(t, env.db.First(&task, "id = ?", exported.ExportTaskId).Error)
		if task.Status == database.JobCompleted || task.Status == database.JobFailed {
			break
		}
	}
	assert.Equal(t, database.JobCompleted, task.Status)
}

func TestTrainingTaskSurvivesRestart(t *testing.T) {
	db := createDB(t)

	store, err := storage.NewLocalObjectStore(t.TempDir())
	require.NoError(t, err)
	require.NoError(t, store.CreateBucket(context.Background(), datasetBucket))
	require.NoError(t, store.CreateBucket(context.Background(), adapterBucket))

	// submit with no worker running, the task stays queued in the DB
	idleQueue := messaging.NewInMemoryQueue()
	service := backend.NewBackendService(db, idleQueue, t.TempDir())
	router := chi.NewRouter()
	service.AddRoutes(router)

	var submitted api.TrainSubmitResponse
	require.NoError(t, httpRequest(router, "POST", "/train", api.TrainRequest{
		Name:    "restart-test",
		Model:   "llama3-8b",
		Dataset: "sql_dataset",
	}, &submitted))
	idleQueue.Close()

	var task database.TrainTask
	require.NoError(t, db.First(&task, "experiment_id = ?", submitted.ExperimentId).Error)
	require.Equal(t, database.JobQueued, task.Status)

	// a fresh queue re-publishes queued tasks, as the local binary does on
	// startup
	queue := messaging.NewInMemoryQueue()
	defer queue.Close()

	var queued []database.TrainTask
	require.NoError(t, db.Where("status = ?", database.JobQueued).Find(&queued).Error)
	for _, pending := range queued {
		require.NoError(t, queue.PublishTrainTask(context.Background(), messaging.TrainTaskPayload{ExperimentId: pending.ExperimentId}))
	}

	received := <-queue.Tasks()
	var payload messaging.TrainTaskPayload
	require.NoError(t, json.Unmarshal(received.Payload(), &payload))
	assert.Equal(t, submitted.ExperimentId, payload.ExperimentId)
}
