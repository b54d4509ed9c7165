package monitor

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"os"
	"sync"
	"time"
)

// Callback receives each new metrics observation as it appears in the
// trainer log.
type Callback func(Metrics)

// Watcher tails a run's trainer log by polling, invoking callbacks for
// observations it has not reported before.
type Watcher struct {
	logPath  string
	interval time.Duration

	mu        sync.Mutex
	callbacks []Callback
	lastStep  int
	latest    Metrics
	seen      bool
}

// NewWatcher watches the trainer log inside outputDir. A non-positive
// interval defaults to 5 seconds.
func NewWatcher(outputDir string, interval time.Duration) *Watcher {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	return &Watcher{logPath: TrainerLogPath(outputDir), interval: interval}
}

// OnMetrics registers a callback. Callbacks run on the polling goroutine
// and must not block.
func (w *Watcher) OnMetrics(cb Callback) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.callbacks = append(w.callbacks, cb)
}

// Latest returns the most recent observation, ok false before the first.
func (w *Watcher) Latest() (Metrics, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.latest, w.seen
}

// Run polls until the context is cancelled. The log not existing yet is
// normal, the trainer creates it after warmup.
func (w *Watcher) Run(ctx context.Context) {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			w.poll()
			return
		case <-ticker.C:
			w.poll()
		}
	}
}

func (w *Watcher) poll() {
	if _, err := os.Stat(w.logPath); err != nil {
		return
	}

	series, err := ParseLogFile(w.logPath)
	if err != nil {
		slog.Warn("failed to read trainer log", "path", w.logPath, "error", err)
		return
	}

	w.mu.Lock()
	var fresh []Metrics
	for _, m := range series {
		if m.Step > w.lastStep {
			fresh = append(fresh, m)
			w.lastStep = m.Step
		}
	}
	if len(fresh) > 0 {
		w.latest = fresh[len(fresh)-1]
		w.seen = true
	}
	callbacks := w.callbacks
	w.mu.Unlock()

	for _, m := range fresh {
		for _, cb := range callbacks {
			cb(m)
		}
	}
}

// ConsoleCallback logs each observation through slog.
func ConsoleCallback() Callback {
	return func(m Metrics) {
		slog.Info("training progress", "step", m.Step, "epoch", m.Epoch, "loss", m.Loss, "lr", m.LR)
	}
}

// JSONLCallback appends each observation to w as one JSON object per
// line, the same shape the trainer writes.
func JSONLCallback(w io.Writer) Callback {
	enc := json.NewEncoder(w)
	return func(m Metrics) {
		if err := enc.Encode(m); err != nil {
			slog.Warn("error writing metrics line", "error", err)
		}
	}
}
