package api_test

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	backend "llmtune/internal/api"
	"llmtune/internal/database"
	"llmtune/internal/messaging"
	"llmtune/pkg/api"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

func createDB(t *testing.T, create ...any) *gorm.DB {
	db, err := gorm.Open(sqlite.Open("file::memory:"), &gorm.Config{})
	require.NoError(t, err)

	require.NoError(t, database.GetMigrator(db).Migrate())

	for _, c := range create {
		require.NoError(t, db.Create(c).Error)
	}

	return db
}

func createService(t *testing.T, db *gorm.DB) (*chi.Mux, *messaging.InMemoryQueue) {
	queue := messaging.NewInMemoryQueue()
	t.Cleanup(queue.Close)

	service := backend.NewBackendService(db, queue, t.TempDir())
	router := chi.NewRouter()
	service.AddRoutes(router)
	return router, queue
}

func doJSON(t *testing.T, router http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func seedExperiment(name, status string, loss float64) *database.Experiment {
	exp := &database.Experiment{
		Id:           uuid.New(),
		Name:         name,
		Status:       status,
		BaseModel:    "meta-llama/Meta-Llama-3-8B-Instruct",
		Dataset:      "my_dataset",
		Stage:        "sft",
		LearningRate: 1e-4,
		LoraRank:     8,
		BatchSize:    2,
		Epochs:       3,
		OutputDir:    "/runs/" + name,
		Config:       []byte(`{}`),
		CreationTime: time.Now(),
	}
	if loss > 0 {
		exp.FinalLoss = sql.NullFloat64{Float64: loss, Valid: true}
	}
	return exp
}

func TestHealth(t *testing.T) {
	router, _ := createService(t, createDB(t))
	rec := doJSON(t, router, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestSubmitTrainingJob(t *testing.T) {
	db := createDB(t)
	router, queue := createService(t, db)

	rec := doJSON(t, router, http.MethodPost, "/train", api.TrainRequest{
		Name:    "baseline",
		Model:   "llama3-8b",
		Dataset: "my_dataset",
		Tags:    []string{"v1"},
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var resp api.TrainSubmitResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.NotEqual(t, uuid.Nil, resp.ExperimentId)

	// the experiment row exists and a task was queued
	var exp database.Experiment
	require.NoError(t, db.First(&exp, "id = ?", resp.ExperimentId).Error)
	assert.Equal(t, database.ExperimentQueued, exp.Status)

	task := <-queue.Tasks()
	assert.Equal(t, messaging.TrainQueue, task.Type())

	var payload messaging.TrainTaskPayload
	require.NoError(t, json.Unmarshal(task.Payload(), &payload))
	assert.Equal(t, resp.ExperimentId, payload.ExperimentId)
}

func TestSubmitTrainingJobValidation(t *testing.T) {
	router, _ := createService(t, createDB(t))

	rec := doJSON(t, router, http.MethodPost, "/train", api.TrainRequest{Name: "x"})
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)

	rec = doJSON(t, router, http.MethodPost, "/train", api.TrainRequest{
		Name: "bad name!", Model: "llama3-8b", Dataset: "my_dataset",
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = doJSON(t, router, http.MethodPost, "/train", api.TrainRequest{
		Name: "x", Model: "llama3-8b", Dataset: "my_dataset", Stage: "pretrain",
	})
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
}

func TestListExperimentsWithFilter(t *testing.T) {
	done := seedExperiment("exp-done", database.ExperimentCompleted, 1.2)
	db := createDB(t,
		done,
		seedExperiment("exp-running", database.ExperimentRunning, 0),
	)
	router, _ := createService(t, db)

	rec := doJSON(t, router, http.MethodGet, "/experiments/", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var all []api.Experiment
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &all))
	assert.Len(t, all, 2)

	rec = doJSON(t, router, http.MethodGet, "/experiments/?status="+database.ExperimentCompleted, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var completed []api.Experiment
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &completed))
	require.Len(t, completed, 1)
	assert.Equal(t, "exp-done", completed[0].Name)
	require.NotNil(t, completed[0].FinalLoss)
	assert.InDelta(t, 1.2, *completed[0].FinalLoss, 1e-9)
}

func TestGetExperiment(t *testing.T) {
	exp := seedExperiment("exp-a", database.ExperimentCompleted, 1.2)
	router, _ := createService(t, createDB(t, exp))

	rec := doJSON(t, router, http.MethodGet, "/experiments/"+exp.Id.String(), nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var out api.Experiment
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	assert.Equal(t, exp.Id, out.Id)
	assert.Equal(t, "exp-a", out.Name)

	rec = doJSON(t, router, http.MethodGet, "/experiments/"+uuid.NewString(), nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = doJSON(t, router, http.MethodGet, "/experiments/not-a-uuid", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestGetBestExperiment(t *testing.T) {
	db := createDB(t,
		seedExperiment("exp-worse", database.ExperimentCompleted, 2.0),
		seedExperiment("exp-best", database.ExperimentCompleted, 0.8),
		seedExperiment("exp-running", database.ExperimentRunning, 0),
	)
	router, _ := createService(t, db)

	rec := doJSON(t, router, http.MethodGet, "/experiments/best", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var out api.Experiment
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	assert.Equal(t, "exp-best", out.Name)
}

func TestCompareExperiments(t *testing.T) {
	a := seedExperiment("exp-a", database.ExperimentCompleted, 1.5)
	b := seedExperiment("exp-b", database.ExperimentCompleted, 0.9)
	b.LearningRate = 5e-5
	router, _ := createService(t, createDB(t, a, b))

	rec := doJSON(t, router, http.MethodPost, "/experiments/compare", api.CompareRequest{
		ExperimentIds: []uuid.UUID{a.Id, b.Id},
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var out struct {
		Ranking []struct {
			Name string `json:"name"`
		} `json:"ranking"`
		ConfigDiffs map[string][]string `json:"config_diffs"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	require.Len(t, out.Ranking, 2)
	assert.Equal(t, "exp-b", out.Ranking[0].Name)
	assert.Contains(t, out.ConfigDiffs, "learning_rate")
}

func TestExportExperimentsCSV(t *testing.T) {
	router, _ := createService(t, createDB(t, seedExperiment("exp-a", database.ExperimentCompleted, 1.5)))

	rec := doJSON(t, router, http.MethodGet, "/experiments/export", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "text/csv", rec.Header().Get("Content-Type"))
	assert.Contains(t, rec.Body.String(), "exp-a")
}

func TestSubmitExportJob(t *testing.T) {
	exp := seedExperiment("exp-a", database.ExperimentCompleted, 1.2)
	db := createDB(t, exp)
	router, queue := createService(t, db)

	rec := doJSON(t, router, http.MethodPost, fmt.Sprintf("/experiments/%s/export", exp.Id), api.ExportRequest{
		ExportDir: "/exports/exp-a",
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	task := <-queue.Tasks()
	assert.Equal(t, messaging.ExportQueue, task.Type())

	var exportTask database.ExportTask
	require.NoError(t, db.First(&exportTask, "experiment_id = ?", exp.Id).Error)
	assert.Equal(t, database.JobQueued, exportTask.Status)
}

func TestSubmitExportJobRequiresCompletion(t *testing.T) {
	exp := seedExperiment("exp-a", database.ExperimentRunning, 0)
	router, _ := createService(t, createDB(t, exp))

	rec := doJSON(t, router, http.MethodPost, fmt.Sprintf("/experiments/%s/export", exp.Id), api.ExportRequest{
		ExportDir: "/exports/exp-a",
	})
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestSubmitSweep(t *testing.T) {
	db := createDB(t)
	router, queue := createService(t, db)

	rec := doJSON(t, router, http.MethodPost, "/sweeps/", api.SweepRequest{
		Name:          "grid",
		Model:         "llama3-8b",
		Dataset:       "my_dataset",
		LearningRates: []float64{1e-4, 5e-5},
		LoraRanks:     []int{8},
		BatchSizes:    []int{2},
		Epochs:        []float64{1},
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var resp api.SweepSubmitResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, 2, resp.Runs)

	for i := 0; i < 2; i++ {
		task := <-queue.Tasks()
		assert.Equal(t, messaging.TrainQueue, task.Type())
	}

	statusRec := doJSON(t, router, http.MethodGet, "/sweeps/"+resp.SweepId.String(), nil)
	require.Equal(t, http.StatusOK, statusRec.Code)

	var status api.SweepStatus
	require.NoError(t, json.Unmarshal(statusRec.Body.Bytes(), &status))
	assert.Equal(t, 2, status.TotalRuns)
	assert.False(t, status.Done)

	// worker-side bookkeeping completes the sweep
	require.NoError(t, database.RecordSweepResult(context.Background(), db, resp.SweepId, false))
	require.NoError(t, database.RecordSweepResult(context.Background(), db, resp.SweepId, true))

	statusRec = doJSON(t, router, http.MethodGet, "/sweeps/"+resp.SweepId.String(), nil)
	require.NoError(t, json.Unmarshal(statusRec.Body.Bytes(), &status))
	assert.Equal(t, 1, status.CompletedRuns)
	assert.Equal(t, 1, status.FailedRuns)
	assert.True(t, status.Done)
}

func TestValidateDatasetEndpoint(t *testing.T) {
	router, _ := createService(t, createDB(t))

	rec := doJSON(t, router, http.MethodPost, "/datasets/validate", api.ValidateDatasetRequest{
		Records: []api.DatasetRecord{
			{Instruction: "Write a query listing active users", Output: "SELECT name FROM users WHERE active = 1"},
			{Instruction: "", Output: "orphan"},
		},
	})
	require.Equal(t, http.StatusOK, rec.Code)

	var report struct {
		TotalRecords   int `json:"total_records"`
		InvalidRecords int `json:"invalid_records"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &report))
	assert.Equal(t, 2, report.TotalRecords)
	assert.Equal(t, 1, report.InvalidRecords)

	rec = doJSON(t, router, http.MethodPost, "/datasets/validate", api.ValidateDatasetRequest{})
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
}

func TestValidateDatasetEndpointKeywordWarnings(t *testing.T) {
	router, _ := createService(t, createDB(t))

	rec := doJSON(t, router, http.MethodPost, "/datasets/validate", api.ValidateDatasetRequest{
		Records: []api.DatasetRecord{
			{Instruction: "Write a query listing active users", Output: "SELECT name FROM users WITH (NOLOCK) WHERE active = 1"},
		},
		KeywordWarnings: map[string]string{"!nolock": "output uses NOLOCK hint"},
	})
	require.Equal(t, http.StatusOK, rec.Code)

	var report struct {
		Warnings []struct {
			Message string `json:"message"`
		} `json:"warnings"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &report))

	found := false
	for _, w := range report.Warnings {
		if w.Message == "output uses NOLOCK hint" {
			found = true
		}
	}
	assert.True(t, found, "expected the configured keyword warning in %v", report.Warnings)
}

func TestAuditDatasetEndpoint(t *testing.T) {
	router, _ := createService(t, createDB(t))

	rec := doJSON(t, router, http.MethodPost, "/datasets/audit", api.AuditDatasetRequest{
		Records: []api.DatasetRecord{
			{Instruction: "Describe the users table", Output: "The users table stores accounts."},
		},
		Inventory: []string{"users", "orders"},
	})
	require.Equal(t, http.StatusOK, rec.Code)

	var report struct {
		TotalRecords int      `json:"total_records"`
		Missing      []string `json:"missing"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &report))
	assert.Equal(t, 1, report.TotalRecords)
	assert.Equal(t, []string{"orders"}, report.Missing)
}
