package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"llmtune/internal/database"
	"llmtune/internal/experiment"
	"llmtune/internal/launcher"
	"llmtune/internal/monitor"
	"llmtune/internal/trainconfig"

	"github.com/spf13/cobra"
)

var (
	trainName       string
	trainModel      string
	trainDataset    string
	trainStage      string
	trainLR         float64
	trainLoraRank   int
	trainBatchSize  int
	trainEpochs     float64
	trainMaxSamples int
	trainQuantBits  int
	trainOutputDir  string
	trainTags       []string
	trainNotes      string
	trainBinary     string
	trainDryRun     bool
	trainResume     bool
	trainConfigOnly string
)

var trainCmd = &cobra.Command{
	Use:   "train",
	Short: "Launch a fine-tuning run and record it as an experiment",
	Long: `Build a trainer config from the given hyperparameters, record the run
in the experiments database, launch the external trainer, and stream
progress until it finishes. With --config-only the config is written to
the given path and nothing is launched.`,
	RunE: runTrain,
}

func init() {
	rootCmd.AddCommand(trainCmd)

	trainCmd.Flags().StringVarP(&trainName, "name", "n", "", "Experiment name (default: derived from model and dataset)")
	trainCmd.Flags().StringVarP(&trainModel, "model", "m", "", "Base model preset or path (required)")
	trainCmd.Flags().StringVarP(&trainDataset, "dataset", "d", "", "Dataset name or local json file (required)")
	trainCmd.Flags().StringVar(&trainStage, "stage", "sft", "Training stage: sft, dpo, or kto")
	trainCmd.Flags().Float64Var(&trainLR, "lr", 1e-4, "Learning rate")
	trainCmd.Flags().IntVar(&trainLoraRank, "lora-rank", 8, "LoRA rank")
	trainCmd.Flags().IntVar(&trainBatchSize, "batch-size", 0, "Per-device batch size (0 = trainer default)")
	trainCmd.Flags().Float64Var(&trainEpochs, "epochs", 0, "Training epochs (0 = trainer default)")
	trainCmd.Flags().IntVar(&trainMaxSamples, "max-samples", 0, "Cap the number of training samples (0 = no cap)")
	trainCmd.Flags().IntVar(&trainQuantBits, "quantization", 0, "QLoRA quantization bits (0 = disabled)")
	trainCmd.Flags().StringVarP(&trainOutputDir, "output", "o", "", "Output directory (default: ./runs/<name>)")
	trainCmd.Flags().StringSliceVar(&trainTags, "tag", nil, "Tags to attach to the experiment")
	trainCmd.Flags().StringVar(&trainNotes, "notes", "", "Free-form notes for the experiment")
	trainCmd.Flags().StringVar(&trainBinary, "binary", "", "Trainer binary (default: "+launcher.DefaultTrainerBinary+")")
	trainCmd.Flags().BoolVar(&trainDryRun, "dry-run", false, "Write the config and print the command without launching")
	trainCmd.Flags().BoolVar(&trainResume, "resume", false, "Resume from the last checkpoint in the output directory")
	trainCmd.Flags().StringVar(&trainConfigOnly, "config-only", "", "Write the config to this path and exit")

	trainCmd.MarkFlagRequired("model")
	trainCmd.MarkFlagRequired("dataset")
}

func buildTrainConfig() (trainconfig.JobConfig, error) {
	name := trainName
	if name == "" {
		name = fmt.Sprintf("%s-%s-%s", trainModel, trainStage, time.Now().Format("20060102-150405"))
		trainName = name
	}

	outputDir := trainOutputDir
	if outputDir == "" {
		outputDir = "./runs/" + name
	}

	var opts []trainconfig.Option
	if trainBatchSize > 0 {
		opts = append(opts, trainconfig.WithBatchSize(trainBatchSize))
	}
	if trainEpochs > 0 {
		opts = append(opts, trainconfig.WithEpochs(trainEpochs))
	}
	if trainMaxSamples > 0 {
		opts = append(opts, trainconfig.WithMaxSamples(trainMaxSamples))
	}
	if trainQuantBits > 0 {
		opts = append(opts, trainconfig.WithQuantization(trainQuantBits))
	}

	var cfg trainconfig.JobConfig
	switch trainStage {
	case string(trainconfig.StageSFT):
		cfg = trainconfig.NewSFTConfig(trainModel, trainDataset, outputDir, trainLR, trainLoraRank, opts...)
	case string(trainconfig.StageDPO):
		cfg = trainconfig.NewDPOConfig(trainModel, trainDataset, outputDir, trainLR, trainLoraRank, opts...)
	case string(trainconfig.StageKTO):
		cfg = trainconfig.NewKTOConfig(trainModel, trainDataset, outputDir, trainLR, trainLoraRank, opts...)
	default:
		return cfg, fmt.Errorf("unknown stage %q, expected sft, dpo, or kto", trainStage)
	}

	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func runTrain(cmd *cobra.Command, args []string) error {
	cfg, err := buildTrainConfig()
	if err != nil {
		return err
	}

	if trainConfigOnly != "" {
		if err := cfg.Save(trainConfigOnly); err != nil {
			return err
		}
		fmt.Printf("Wrote trainer config to %s\n", trainConfigOnly)
		return nil
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db := openDatabase()
	experiments := experiment.NewManager(db)

	exp, err := experiments.Create(ctx, trainName, cfg, trainTags, trainNotes)
	if err != nil {
		return fmt.Errorf("failed to record experiment: %w", err)
	}
	fmt.Printf("Experiment %s (%s)\n", exp.Name, exp.Id)

	trainer := &launcher.Launcher{Binary: trainBinary, DryRun: trainDryRun}
	if !trainDryRun {
		if _, err := trainer.Preflight(cfg); err != nil {
			return err
		}
	}

	if err := experiments.UpdateStatus(ctx, exp.Id, database.ExperimentRunning); err != nil {
		return err
	}

	watchCtx, stopWatch := context.WithCancel(ctx)
	defer stopWatch()
	watcher := monitor.NewWatcher(cfg.Output.OutputDir, 5*time.Second)
	watcher.OnMetrics(func(m monitor.Metrics) {
		fmt.Printf("  %s\n", m)
	})
	go watcher.Run(watchCtx)

	runErr := trainer.Train(ctx, cfg, launcher.RunOptions{Resume: trainResume})
	stopWatch()

	if runErr != nil {
		experiments.UpdateStatus(context.Background(), exp.Id, database.ExperimentFailed)
		return runErr
	}

	if err := experiments.UpdateStatus(ctx, exp.Id, database.ExperimentCompleted); err != nil {
		return err
	}
	if err := experiments.AttachResults(ctx, exp.Id); err != nil {
		fmt.Fprintf(os.Stderr, "warning: could not read training results: %v\n", err)
		return nil
	}

	final, _ := experiments.Get(ctx, exp.Id)
	if final != nil && final.FinalLoss.Valid {
		fmt.Printf("Training finished, final loss %.4f\n", final.FinalLoss.Float64)
	} else {
		fmt.Println("Training finished")
	}
	return nil
}
