package experiment_test

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"llmtune/internal/database"
	"llmtune/internal/experiment"
	"llmtune/internal/trainconfig"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

func createDB(t *testing.T) *gorm.DB {
	db, err := gorm.Open(sqlite.Open("file::memory:"), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, database.GetMigrator(db).Migrate())
	return db
}

func createExperiment(t *testing.T, m *experiment.Manager, name string, lr float64, tags ...string) *database.Experiment {
	cfg := trainconfig.NewSFTConfig("llama3-8b", "my_dataset", filepath.Join(t.TempDir(), name), lr, 8)
	exp, err := m.Create(context.Background(), name, cfg, tags, "")
	require.NoError(t, err)
	return exp
}

func TestCreateAndGet(t *testing.T) {
	m := experiment.NewManager(createDB(t))

	exp := createExperiment(t, m, "baseline", 1e-4, "sql", "v1")

	loaded, err := m.Get(context.Background(), exp.Id)
	require.NoError(t, err)
	assert.Equal(t, "baseline", loaded.Name)
	assert.Equal(t, database.ExperimentQueued, loaded.Status)
	assert.Equal(t, "meta-llama/Meta-Llama-3-8B-Instruct", loaded.BaseModel)
	assert.Len(t, loaded.Tags, 2)
	require.NotNil(t, loaded.TrainTask)
	assert.Equal(t, database.JobQueued, loaded.TrainTask.Status)

	byName, err := m.GetByName(context.Background(), "baseline")
	require.NoError(t, err)
	assert.Equal(t, exp.Id, byName.Id)
}

func TestGetMissing(t *testing.T) {
	m := experiment.NewManager(createDB(t))
	_, err := m.Get(context.Background(), uuid.New())
	assert.ErrorIs(t, err, experiment.ErrNotFound)
}

func TestListFilters(t *testing.T) {
	m := experiment.NewManager(createDB(t))
	ctx := context.Background()

	a := createExperiment(t, m, "exp-a", 1e-4, "sql")
	createExperiment(t, m, "exp-b", 5e-5, "chat")
	require.NoError(t, m.UpdateStatus(ctx, a.Id, database.ExperimentCompleted))

	all, err := m.List(ctx, experiment.ListFilter{})
	require.NoError(t, err)
	assert.Len(t, all, 2)

	completed, err := m.List(ctx, experiment.ListFilter{Status: database.ExperimentCompleted})
	require.NoError(t, err)
	require.Len(t, completed, 1)
	assert.Equal(t, "exp-a", completed[0].Name)

	tagged, err := m.List(ctx, experiment.ListFilter{Tag: "chat"})
	require.NoError(t, err)
	require.Len(t, tagged, 1)
	assert.Equal(t, "exp-b", tagged[0].Name)
}

func TestAttachResultsAndBest(t *testing.T) {
	m := experiment.NewManager(createDB(t))
	ctx := context.Background()

	a := createExperiment(t, m, "exp-a", 1e-4)
	b := createExperiment(t, m, "exp-b", 5e-5)

	writeLog(t, a.OutputDir, "{\"current_steps\": 100, \"loss\": 1.5, \"epoch\": 1}\n")
	writeLog(t, b.OutputDir, "{\"current_steps\": 50, \"loss\": 2.0, \"epoch\": 0.5}\n{\"current_steps\": 100, \"loss\": 0.9, \"epoch\": 1}\n")

	require.NoError(t, m.AttachResults(ctx, a.Id))
	require.NoError(t, m.AttachResults(ctx, b.Id))
	require.NoError(t, m.UpdateStatus(ctx, a.Id, database.ExperimentCompleted))
	require.NoError(t, m.UpdateStatus(ctx, b.Id, database.ExperimentCompleted))

	best, err := m.Best(ctx)
	require.NoError(t, err)
	assert.Equal(t, b.Id, best.Id)
	assert.InDelta(t, 0.9, best.FinalLoss.Float64, 1e-9)
	assert.Equal(t, 100, best.TotalSteps)
}

func TestCompare(t *testing.T) {
	m := experiment.NewManager(createDB(t))
	ctx := context.Background()

	a := createExperiment(t, m, "exp-a", 1e-4)
	b := createExperiment(t, m, "exp-b", 5e-5)

	writeLog(t, a.OutputDir, "{\"current_steps\": 100, \"loss\": 1.5, \"epoch\": 1}\n")
	require.NoError(t, m.AttachResults(ctx, a.Id))

	comparison, err := m.Compare(ctx, []uuid.UUID{a.Id, b.Id})
	require.NoError(t, err)

	// the run with a loss ranks above the one without
	require.Len(t, comparison.Ranking, 2)
	assert.Equal(t, "exp-a", comparison.Ranking[0].Name)
	assert.Equal(t, "exp-b", comparison.Ranking[1].Name)

	assert.Contains(t, comparison.ConfigDiffs, "learning_rate")
	assert.NotContains(t, comparison.ConfigDiffs, "model")
}

func TestCompareNeedsTwo(t *testing.T) {
	m := experiment.NewManager(createDB(t))
	a := createExperiment(t, m, "exp-a", 1e-4)
	_, err := m.Compare(context.Background(), []uuid.UUID{a.Id})
	assert.Error(t, err)
}

func TestConfigRoundTrip(t *testing.T) {
	m := experiment.NewManager(createDB(t))

	exp := createExperiment(t, m, "baseline", 1e-4)
	cfg, err := m.Config(context.Background(), exp.Id)
	require.NoError(t, err)
	assert.Equal(t, "my_dataset", cfg.Data.Dataset)
	assert.InDelta(t, 1e-4, cfg.Train.LearningRate, 1e-12)
	assert.Equal(t, 8, cfg.Method.LoraRank)
}

func TestExportCSV(t *testing.T) {
	m := experiment.NewManager(createDB(t))
	createExperiment(t, m, "exp-a", 1e-4)

	var buf bytes.Buffer
	require.NoError(t, m.ExportCSV(context.Background(), &buf))

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 2)
	assert.Contains(t, lines[0], "final_loss")
	assert.Contains(t, lines[1], "exp-a")
}

func writeLog(t *testing.T, outputDir, content string) {
	require.NoError(t, os.MkdirAll(outputDir, 0755))
	require.NoError(t, os.WriteFile(filepath.Join(outputDir, "trainer_log.jsonl"), []byte(content), 0644))
}
