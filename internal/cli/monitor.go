package cli

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"llmtune/internal/monitor"

	"github.com/spf13/cobra"
)

var monitorInterval time.Duration

var monitorCmd = &cobra.Command{
	Use:   "monitor <output-dir>",
	Short: "Follow the trainer log of a running or finished run",
	Long: `Poll the trainer log in the given output directory and print new
metrics as they appear. Ctrl+C stops following and prints a summary of
the run so far.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		outputDir := args[0]

		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		watcher := monitor.NewWatcher(outputDir, monitorInterval)
		watcher.OnMetrics(func(m monitor.Metrics) {
			fmt.Println(m)
		})
		watcher.Run(ctx)

		series, err := monitor.ParseLogFile(monitor.TrainerLogPath(outputDir))
		if err != nil {
			return fmt.Errorf("could not read trainer log: %w", err)
		}
		if summary, ok := monitor.Summarize(series); ok {
			fmt.Printf("\nSteps %d, final loss %.4f, best loss %.4f, epoch %.2f\n",
				summary.TotalSteps, summary.FinalLoss, summary.BestLoss, summary.LastEpoch)
		}
		return nil
	},
}

var resourcesDataDir string

var resourcesCmd = &cobra.Command{
	Use:   "resources",
	Short: "Show host and GPU utilization",
	RunE: func(cmd *cobra.Command, args []string) error {
		snapshot, err := monitor.Snapshot(resourcesDataDir)
		if err != nil {
			return err
		}

		fmt.Printf("CPU:  %.1f%%\n", snapshot.CPUPct)
		fmt.Printf("Mem:  %.1f%% (%.1f / %.1f GB)\n", snapshot.MemPct, snapshot.MemUsedGB, snapshot.MemTotalGB)
		fmt.Printf("Disk: %.1f%%\n", snapshot.DiskPct)

		if len(snapshot.GPUs) == 0 {
			fmt.Println("No GPUs visible (nvidia-smi not found or returned nothing)")
		}
		for _, gpu := range snapshot.GPUs {
			fmt.Printf("GPU %d %s: %.0f%% util, %.0f / %.0f MB, %.0f C\n",
				gpu.Index, gpu.Name, gpu.UtilPct, gpu.MemUsedMB, gpu.MemTotalMB, gpu.Temperature)
		}

		for _, warning := range snapshot.Warnings() {
			fmt.Printf("WARNING: %s\n", warning)
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(monitorCmd)
	rootCmd.AddCommand(resourcesCmd)

	monitorCmd.Flags().DurationVar(&monitorInterval, "interval", 5*time.Second, "Poll interval")
	resourcesCmd.Flags().StringVar(&resourcesDataDir, "data-dir", ".", "Directory whose disk usage to report")
}
