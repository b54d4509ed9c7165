package monitor

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLineJSON(t *testing.T) {
	m, ok := ParseLine(`{"current_steps": 30, "total_steps": 500, "loss": 1.2345, "epoch": 0.18, "lr": 9.5e-05}`)
	require.True(t, ok)
	assert.Equal(t, 30, m.Step)
	assert.Equal(t, 500, m.Total)
	assert.InDelta(t, 1.2345, m.Loss, 1e-9)
	assert.InDelta(t, 0.18, m.Epoch, 1e-9)
	assert.InDelta(t, 9.5e-05, m.LR, 1e-12)
}

func TestParseLineFallback(t *testing.T) {
	m, ok := ParseLine("{'loss': 0.8421, 'learning_rate': 4.7e-05, 'epoch': 1.25, 'step': 210}")
	require.True(t, ok)
	assert.InDelta(t, 0.8421, m.Loss, 1e-9)
	assert.Equal(t, 210, m.Step)
	assert.InDelta(t, 1.25, m.Epoch, 1e-9)
	assert.InDelta(t, 4.7e-05, m.LR, 1e-12)
}

func TestParseLineNoMetrics(t *testing.T) {
	_, ok := ParseLine("loading checkpoint shards: 100%")
	assert.False(t, ok)
}

func TestParseLogFileAndSummarize(t *testing.T) {
	dir := t.TempDir()
	log := "{\"current_steps\": 10, \"loss\": 2.1, \"epoch\": 0.1}\n" +
		"not a metrics line\n" +
		"{\"current_steps\": 20, \"loss\": 1.4, \"epoch\": 0.2}\n" +
		"{\"current_steps\": 30, \"loss\": 1.6, \"epoch\": 0.3}\n"
	require.NoError(t, os.WriteFile(TrainerLogPath(dir), []byte(log), 0644))

	series, err := ParseLogFile(TrainerLogPath(dir))
	require.NoError(t, err)
	require.Len(t, series, 3)

	summary, ok := Summarize(series)
	require.True(t, ok)
	assert.InDelta(t, 1.6, summary.FinalLoss, 1e-9)
	assert.InDelta(t, 1.4, summary.BestLoss, 1e-9)
	assert.Equal(t, 30, summary.TotalSteps)
	assert.InDelta(t, 0.3, summary.LastEpoch, 1e-9)
}

func TestSummarizeEmpty(t *testing.T) {
	_, ok := Summarize(nil)
	assert.False(t, ok)
}

func TestSummarizeTrailingEvalEntry(t *testing.T) {
	// LLaMA-Factory appends eval entries without a train loss. They
	// still carry steps but must not zero out the loss summary.
	series := []Metrics{
		{Step: 10, Loss: 2.0, Epoch: 0.5},
		{Step: 20, Loss: 1.5, Epoch: 1.0},
		{Step: 20, Epoch: 1.0},
	}

	summary, ok := Summarize(series)
	require.True(t, ok)
	assert.InDelta(t, 1.5, summary.FinalLoss, 1e-9)
	assert.InDelta(t, 1.5, summary.BestLoss, 1e-9)
	assert.Equal(t, 20, summary.TotalSteps)
	assert.InDelta(t, 1.0, summary.LastEpoch, 1e-9)
}

func TestWatcherReportsOnlyNewSteps(t *testing.T) {
	dir := t.TempDir()
	logPath := TrainerLogPath(dir)
	require.NoError(t, os.WriteFile(logPath, []byte("{\"current_steps\": 10, \"loss\": 2.0}\n"), 0644))

	w := NewWatcher(dir, 10*time.Millisecond)

	var mu sync.Mutex
	var steps []int
	w.OnMetrics(func(m Metrics) {
		mu.Lock()
		steps = append(steps, m.Step)
		mu.Unlock()
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		w.Run(ctx)
	}()

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(steps) == 1
	}, time.Second, 5*time.Millisecond)

	f, err := os.OpenFile(logPath, os.O_APPEND|os.O_WRONLY, 0644)
	require.NoError(t, err)
	_, err = f.WriteString("{\"current_steps\": 20, \"loss\": 1.5}\n")
	require.NoError(t, err)
	require.NoError(t, f.Close())

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(steps) == 2
	}, time.Second, 5*time.Millisecond)

	cancel()
	<-done

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []int{10, 20}, steps)

	latest, seen := w.Latest()
	assert.True(t, seen)
	assert.Equal(t, 20, latest.Step)
}

func TestWatcherMissingLogIsQuiet(t *testing.T) {
	w := NewWatcher(filepath.Join(t.TempDir(), "nope"), time.Millisecond)
	w.poll()
	_, seen := w.Latest()
	assert.False(t, seen)
}

func TestParseGPUCSV(t *testing.T) {
	raw := "0, NVIDIA A100-SXM4-80GB, 97, 61234, 81920, 64\n" +
		"1, NVIDIA A100-SXM4-80GB, 12, 1024, 81920, 41\n"

	stats, err := parseGPUCSV(raw)
	require.NoError(t, err)
	require.Len(t, stats, 2)
	assert.Equal(t, 0, stats[0].Index)
	assert.Equal(t, "NVIDIA A100-SXM4-80GB", stats[0].Name)
	assert.InDelta(t, 97, stats[0].UtilPct, 1e-9)
	assert.InDelta(t, 61234, stats[0].MemUsedMB, 1e-9)
	assert.Equal(t, 1, stats[1].Index)
}

func TestSnapshotWarnings(t *testing.T) {
	s := ResourceSnapshot{
		MemPct:  95,
		DiskPct: 50,
		GPUs:    []GPUStat{{Index: 0, MemUsedMB: 80000, MemTotalMB: 81920}},
	}
	warnings := s.Warnings()
	require.Len(t, warnings, 2)
	assert.Contains(t, warnings[0], "host memory")
	assert.Contains(t, warnings[1], "OOM")
}

func TestJSONLCallback(t *testing.T) {
	var buf bytes.Buffer
	cb := JSONLCallback(&buf)

	cb(Metrics{Step: 10, Total: 100, Loss: 1.5, Epoch: 0.1, LR: 1e-4})
	cb(Metrics{Step: 20, Total: 100, Loss: 1.2, Epoch: 0.2, LR: 9e-5})

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 2)

	m, ok := ParseLine(lines[1])
	require.True(t, ok)
	assert.Equal(t, 20, m.Step)
	assert.InDelta(t, 1.2, m.Loss, 1e-9)
}
