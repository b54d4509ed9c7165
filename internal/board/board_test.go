package board_test

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"llmtune/internal/board"
	"llmtune/internal/trainconfig"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v2"
)

func testConfig() trainconfig.JobConfig {
	return trainconfig.NewSFTConfig("llama3-8b", "my_dataset", "/runs/test", 1e-4, 8)
}

func TestStartTraining(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api/train", r.URL.Path)

		raw, err := io.ReadAll(r.Body)
		require.NoError(t, err)

		var body map[string]any
		require.NoError(t, yaml.Unmarshal(raw, &body))
		assert.Equal(t, "my_dataset", body["dataset"])
		assert.Equal(t, "sft", body["stage"])

		json.NewEncoder(w).Encode(map[string]string{"run_id": "run-1"})
	}))
	defer server.Close()

	client := board.NewClient(server.URL)
	runId, err := client.StartTraining(context.Background(), testConfig())
	require.NoError(t, err)
	assert.Equal(t, "run-1", runId)
}

func TestStartTrainingRejected(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer server.Close()

	client := board.NewClient(server.URL)
	_, err := client.StartTraining(context.Background(), testConfig())
	assert.ErrorIs(t, err, board.ErrRunRejected)
}

func TestStartTrainingInvalidConfig(t *testing.T) {
	client := board.NewClient("http://localhost:1")

	cfg := testConfig()
	cfg.Data.Dataset = ""
	_, err := client.StartTraining(context.Background(), cfg)
	assert.Error(t, err)
}

func TestStopTraining(t *testing.T) {
	var stopped atomic.Bool
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/stop":
			stopped.Store(true)
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer server.Close()

	client := board.NewClient(server.URL)
	require.NoError(t, client.StopTraining(context.Background()))
	assert.True(t, stopped.Load())
}

func TestStopTrainingNoActiveRun(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer server.Close()

	client := board.NewClient(server.URL)
	assert.ErrorIs(t, client.StopTraining(context.Background()), board.ErrNoActiveRun)
}

func TestGetStatusParsesLogTail(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{
			"running":    true,
			"run_id":     "run-1",
			"percentage": 42.0,
			"log_tail":   "starting up\n{\"current_steps\": 120, \"total_steps\": 500, \"loss\": 0.8421, \"epoch\": 0.72, \"lr\": 9.5e-05}\n",
		})
	}))
	defer server.Close()

	client := board.NewClient(server.URL)
	status, err := client.GetStatus(context.Background())
	require.NoError(t, err)
	assert.True(t, status.Running)
	assert.Equal(t, 120, status.Metrics.Step)
	assert.InDelta(t, 0.8421, status.Metrics.Loss, 1e-9)
}

func TestWaitForCompletion(t *testing.T) {
	var polls atomic.Int64
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := polls.Add(1)
		running := n < 3
		json.NewEncoder(w).Encode(map[string]any{
			"running":  running,
			"log_tail": "{\"current_steps\": 500, \"total_steps\": 500, \"loss\": 0.61}",
		})
	}))
	defer server.Close()

	client := board.NewClient(server.URL)
	metrics, err := client.WaitForCompletion(context.Background(), 10*time.Millisecond)
	require.NoError(t, err)
	assert.InDelta(t, 0.61, metrics.Loss, 1e-9)
	assert.GreaterOrEqual(t, polls.Load(), int64(3))
}

func TestMonitorMaxDuration(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{"running": true})
	}))
	defer server.Close()

	client := board.NewClient(server.URL)
	err := client.Monitor(context.Background(), 5*time.Millisecond, 50*time.Millisecond, func(board.Status) {})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
