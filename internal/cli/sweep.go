package cli

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"

	"llmtune/internal/launcher"
	"llmtune/internal/runner"
	"llmtune/internal/trainconfig"

	"github.com/spf13/cobra"
)

var (
	sweepName          string
	sweepModel         string
	sweepDataset       string
	sweepOutputBase    string
	sweepLRs           []float64
	sweepRanks         []int
	sweepBatchSizes    []int
	sweepEpochs        []float64
	sweepBinary        string
	sweepDryRun        bool
	sweepMaxConcurrent int
)

var sweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "Run a hyperparameter grid sequentially or with bounded concurrency",
	Long: `Expand a grid over learning rates, LoRA ranks, batch sizes, and epochs
into one run per point, execute them with at most --max-concurrent trainers
at a time, and record each run as an experiment. The default of 1 runs the
grid sequentially, which is what a single-GPU machine wants.`,
	RunE: runSweep,
}

func init() {
	rootCmd.AddCommand(sweepCmd)

	sweepCmd.Flags().StringVarP(&sweepName, "name", "n", "", "Sweep name (required)")
	sweepCmd.Flags().StringVarP(&sweepModel, "model", "m", "", "Base model preset or path (required)")
	sweepCmd.Flags().StringVarP(&sweepDataset, "dataset", "d", "", "Dataset name or local json file (required)")
	sweepCmd.Flags().StringVarP(&sweepOutputBase, "output", "o", "", "Base output directory (default: ./runs/<name>)")
	sweepCmd.Flags().Float64SliceVar(&sweepLRs, "lr", nil, "Learning rates to try")
	sweepCmd.Flags().IntSliceVar(&sweepRanks, "lora-rank", nil, "LoRA ranks to try")
	sweepCmd.Flags().IntSliceVar(&sweepBatchSizes, "batch-size", nil, "Batch sizes to try")
	sweepCmd.Flags().Float64SliceVar(&sweepEpochs, "epochs", nil, "Epoch counts to try")
	sweepCmd.Flags().StringVar(&sweepBinary, "binary", "", "Trainer binary (default: "+launcher.DefaultTrainerBinary+")")
	sweepCmd.Flags().BoolVar(&sweepDryRun, "dry-run", false, "Write configs and print commands without launching")
	sweepCmd.Flags().IntVar(&sweepMaxConcurrent, "max-concurrent", 1, "Maximum trainers running at once")

	sweepCmd.MarkFlagRequired("name")
	sweepCmd.MarkFlagRequired("model")
	sweepCmd.MarkFlagRequired("dataset")
}

func runSweep(cmd *cobra.Command, args []string) error {
	outputBase := sweepOutputBase
	if outputBase == "" {
		outputBase = "./runs/" + sweepName
	}

	sweep := trainconfig.Sweep{
		Model:         sweepModel,
		Dataset:       sweepDataset,
		OutputBase:    outputBase,
		LearningRates: sweepLRs,
		LoraRanks:     sweepRanks,
		BatchSizes:    sweepBatchSizes,
		Epochs:        sweepEpochs,
	}

	fmt.Printf("Sweep %s: %d runs, max %d concurrent\n", sweepName, sweep.Size(), sweepMaxConcurrent)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db := openDatabase()
	coordinator := runner.NewSweepCoordinator(db, nil)

	trainer := &launcher.Launcher{Binary: sweepBinary, DryRun: sweepDryRun}

	results, err := coordinator.RunLocal(ctx, sweepName, sweep, trainer, sweepMaxConcurrent)
	if err != nil {
		return err
	}

	failed := 0
	for _, result := range results {
		if result.Err != nil {
			failed++
			fmt.Printf("  %s: FAILED (%v)\n", result.Name, result.Err)
		} else {
			fmt.Printf("  %s: ok\n", result.Name)
		}
	}

	if failed > 0 {
		return fmt.Errorf("%d of %d runs failed", failed, len(results))
	}

	fmt.Printf("All %d runs completed. Use 'llmtune experiments best' to pick a winner.\n", len(results))
	return nil
}
