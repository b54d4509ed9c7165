package cli

import (
	"context"
	"fmt"
	"os/signal"
	"path/filepath"
	"syscall"

	"llmtune/internal/launcher"
	"llmtune/internal/trainconfig"

	"github.com/spf13/cobra"
)

var (
	exportBinary string
	exportDryRun bool
)

var exportModelCmd = &cobra.Command{
	Use:   "export-model <run-dir> <export-dir>",
	Short: "Merge a trained adapter into the base model",
	Long: `Read the train_config.yaml saved in a finished run directory and run
the trainer's export step, merging the LoRA adapter into the base model
under the export directory.`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		runDir, exportDir := args[0], args[1]

		trainCfg, err := trainconfig.Load(filepath.Join(runDir, "train_config.yaml"))
		if err != nil {
			return fmt.Errorf("could not read run config: %w", err)
		}

		cfg := trainconfig.NewExportConfig(trainCfg, exportDir)

		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		trainer := &launcher.Launcher{Binary: exportBinary, DryRun: exportDryRun}
		if err := trainer.Export(ctx, cfg); err != nil {
			return err
		}

		fmt.Printf("Exported merged model to %s\n", exportDir)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(exportModelCmd)

	exportModelCmd.Flags().StringVar(&exportBinary, "binary", "", "Trainer binary (default: "+launcher.DefaultTrainerBinary+")")
	exportModelCmd.Flags().BoolVar(&exportDryRun, "dry-run", false, "Write the config and print the command without launching")
}
