// Package board drives the trainer's web UI backend over HTTP. It is an
// alternative to launching the trainer CLI directly, useful when a board
// instance is already running on a shared GPU machine.
package board

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"llmtune/internal/monitor"
	"llmtune/internal/trainconfig"

	"github.com/go-resty/resty/v2"
	"gopkg.in/yaml.v2"
)

var (
	ErrBoardUnavailable = errors.New("trainer board is not reachable")
	ErrRunRejected      = errors.New("trainer board rejected the run")
	ErrNoActiveRun      = errors.New("trainer board has no active run")
)

type Client struct {
	client *resty.Client
}

func NewClient(baseURL string) *Client {
	return &Client{
		client: resty.New().SetBaseURL(baseURL).SetTimeout(30 * time.Second),
	}
}

type startResponse struct {
	RunId string `json:"run_id"`
	Error string `json:"error"`
}

// StartTraining submits a run to the board and returns the board's run id.
func (c *Client) StartTraining(ctx context.Context, cfg trainconfig.JobConfig) (string, error) {
	if err := cfg.Validate(); err != nil {
		return "", err
	}

	// The board consumes the same flat YAML document as the trainer CLI.
	body, err := yaml.Marshal(cfg)
	if err != nil {
		return "", fmt.Errorf("error serializing config: %w", err)
	}

	res, err := c.client.R().
		SetContext(ctx).
		SetHeader("Content-Type", "application/yaml").
		SetBody(body).
		Post("/api/train")
	if err != nil {
		slog.Error("unable to reach trainer board", "error", err)
		return "", ErrBoardUnavailable
	}

	if !res.IsSuccess() {
		slog.Error("trainer board returned error", "status_code", res.StatusCode(), "body", res.String())
		return "", fmt.Errorf("%w: status %d", ErrRunRejected, res.StatusCode())
	}

	var started startResponse
	if err := json.Unmarshal(res.Body(), &started); err != nil {
		return "", fmt.Errorf("error parsing board response: %w", err)
	}
	if started.Error != "" {
		return "", fmt.Errorf("%w: %s", ErrRunRejected, started.Error)
	}

	return started.RunId, nil
}

func (c *Client) StopTraining(ctx context.Context) error {
	res, err := c.client.R().SetContext(ctx).Post("/api/stop")
	if err != nil {
		return ErrBoardUnavailable
	}
	if res.StatusCode() == 404 {
		return ErrNoActiveRun
	}
	if !res.IsSuccess() {
		return fmt.Errorf("trainer board returned status %d", res.StatusCode())
	}
	return nil
}

type Status struct {
	Running    bool    `json:"running"`
	RunId      string  `json:"run_id"`
	Percentage float64 `json:"percentage"`
	LogTail    string  `json:"log_tail"`

	// Metrics is parsed locally from LogTail, it is not part of the
	// board's response body.
	Metrics monitor.Metrics `json:"-"`
}

func (c *Client) GetStatus(ctx context.Context) (Status, error) {
	res, err := c.client.R().SetContext(ctx).Get("/api/status")
	if err != nil {
		return Status{}, ErrBoardUnavailable
	}
	if !res.IsSuccess() {
		return Status{}, fmt.Errorf("trainer board returned status %d", res.StatusCode())
	}

	var status Status
	if err := json.Unmarshal(res.Body(), &status); err != nil {
		return Status{}, fmt.Errorf("error parsing board status: %w", err)
	}

	// The board reports progress as raw log text, scan the tail backwards
	// for the most recent line with metrics in it.
	lines := strings.Split(status.LogTail, "\n")
	for i := len(lines) - 1; i >= 0; i-- {
		if metrics, ok := monitor.ParseLine(lines[i]); ok {
			status.Metrics = metrics
			break
		}
	}

	return status, nil
}

// Monitor polls the board at the given interval and invokes cb for each
// status snapshot until the run stops, the context is cancelled, or
// maxDuration elapses. A zero maxDuration means no limit.
func (c *Client) Monitor(ctx context.Context, interval, maxDuration time.Duration, cb func(Status)) error {
	if maxDuration > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, maxDuration)
		defer cancel()
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			status, err := c.GetStatus(ctx)
			if err != nil {
				slog.Warn("error polling trainer board", "error", err)
				continue
			}
			cb(status)
			if !status.Running {
				return nil
			}
		}
	}
}

// WaitForCompletion blocks until the board reports the run stopped, then
// returns the last metrics observed.
func (c *Client) WaitForCompletion(ctx context.Context, interval time.Duration) (monitor.Metrics, error) {
	var last monitor.Metrics
	err := c.Monitor(ctx, interval, 0, func(status Status) {
		if status.Metrics.Loss > 0 || status.Metrics.Step > 0 {
			last = status.Metrics
		}
	})
	return last, err
}
