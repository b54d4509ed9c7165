package launcher

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"llmtune/internal/trainconfig"
)

const DefaultTrainerBinary = "llamafactory-cli"

var ErrTrainerNotFound = errors.New("trainer binary not found on PATH")

// Launcher writes job configs to disk and drives the external trainer
// CLI. It never interprets training itself, only the process around it.
type Launcher struct {
	// Binary is the trainer executable, DefaultTrainerBinary when empty.
	Binary string
	// Env entries are appended to the trainer's environment, "K=V" form.
	Env []string
	// DryRun prints the command instead of executing it.
	DryRun bool
	// Stdout and Stderr default to the run log when nil.
	Stdout io.Writer
	Stderr io.Writer
}

// RunOptions adjusts a single launch without mutating the saved config.
type RunOptions struct {
	// Model and Dataset override the config values when non-empty.
	Model   string
	Dataset string
	// Resume continues from the last checkpoint in the output directory.
	Resume bool
}

func (l *Launcher) binary() string {
	if l.Binary != "" {
		return l.Binary
	}
	return DefaultTrainerBinary
}

// Preflight verifies the trainer can actually start: the binary is on
// PATH and the dataset file, when it is a local path, exists. It returns
// the resolved binary path.
func (l *Launcher) Preflight(cfg trainconfig.JobConfig) (string, error) {
	path, err := exec.LookPath(l.binary())
	if err != nil {
		return "", fmt.Errorf("%w: %s", ErrTrainerNotFound, l.binary())
	}

	if dataset := cfg.Data.Dataset; strings.Contains(dataset, string(os.PathSeparator)) || strings.HasSuffix(dataset, ".json") {
		if _, err := os.Stat(dataset); err != nil {
			return "", fmt.Errorf("dataset file %s not readable: %w", dataset, err)
		}
	}

	return path, nil
}

// Command builds the trainer invocation for a config already saved at
// configPath.
func (l *Launcher) Command(ctx context.Context, configPath string) *exec.Cmd {
	return exec.CommandContext(ctx, l.binary(), "train", configPath)
}

// Train saves the config into the output directory, then runs the
// trainer to completion. Stdout and stderr are captured in train.log in
// the output directory unless custom writers are set. Cancelling the
// context kills the trainer process.
func (l *Launcher) Train(ctx context.Context, cfg trainconfig.JobConfig, opts RunOptions) error {
	if opts.Model != "" {
		cfg.Model = trainconfig.ResolveModel(opts.Model)
		cfg.Data.Template = trainconfig.TemplateForModel(opts.Model)
	}
	if opts.Dataset != "" {
		cfg.Data.Dataset = opts.Dataset
	}
	if opts.Resume {
		cfg.Train.ResumeFromCheckpoint = true
	}

	configPath := filepath.Join(cfg.Output.OutputDir, "train_config.yaml")
	if err := cfg.Save(configPath); err != nil {
		return err
	}

	cmd := l.Command(ctx, configPath)
	cmd.Env = append(os.Environ(), l.Env...)

	if l.DryRun {
		slog.Info("dry run, not launching trainer", "command", strings.Join(cmd.Args, " "))
		return nil
	}

	if _, err := l.Preflight(cfg); err != nil {
		return err
	}

	stdout, stderr := l.Stdout, l.Stderr
	if stdout == nil || stderr == nil {
		logFile, err := os.Create(filepath.Join(cfg.Output.OutputDir, "train.log"))
		if err != nil {
			return fmt.Errorf("failed to create train log: %w", err)
		}
		defer logFile.Close()
		if stdout == nil {
			stdout = logFile
		}
		if stderr == nil {
			stderr = logFile
		}
	}
	cmd.Stdout = stdout
	cmd.Stderr = stderr

	slog.Info("launching trainer", "binary", l.binary(), "config", configPath, "output_dir", cfg.Output.OutputDir)
	start := time.Now()

	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return fmt.Errorf("training cancelled after %s: %w", time.Since(start).Round(time.Second), ctx.Err())
		}
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return fmt.Errorf("trainer exited with code %d, see %s", exitErr.ExitCode(), filepath.Join(cfg.Output.OutputDir, "train.log"))
		}
		return fmt.Errorf("failed to run trainer: %w", err)
	}

	slog.Info("training finished", "output_dir", cfg.Output.OutputDir, "duration", time.Since(start).Round(time.Second).String())
	return nil
}

// Export merges a trained adapter into a standalone model using the
// trainer's export subcommand.
func (l *Launcher) Export(ctx context.Context, cfg trainconfig.ExportConfig) error {
	configPath := filepath.Join(cfg.ExportDir, "export_config.yaml")
	if err := cfg.Save(configPath); err != nil {
		return err
	}

	cmd := exec.CommandContext(ctx, l.binary(), "export", configPath)
	cmd.Env = append(os.Environ(), l.Env...)

	if l.DryRun {
		slog.Info("dry run, not launching export", "command", strings.Join(cmd.Args, " "))
		return nil
	}

	if _, err := exec.LookPath(l.binary()); err != nil {
		return fmt.Errorf("%w: %s", ErrTrainerNotFound, l.binary())
	}

	out, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("export failed: %w: %s", err, tail(string(out), 500))
	}

	slog.Info("export finished", "export_dir", cfg.ExportDir)
	return nil
}

// HasGPU reports whether nvidia-smi is available, a cheap proxy for CUDA
// being usable on this host.
func HasGPU() bool {
	_, err := exec.LookPath("nvidia-smi")
	return err == nil
}

func tail(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[len(s)-n:]
}
