package trainconfig

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v2"
)

// Stage is the training stage understood by the external trainer CLI.
type Stage string

const (
	StageSFT Stage = "sft"
	StageDPO Stage = "dpo"
	StageKTO Stage = "kto"
)

// ModelSection selects the base model.
type ModelSection struct {
	ModelNameOrPath string `yaml:"model_name_or_path"`
	AdapterPath     string `yaml:"adapter_name_or_path,omitempty"`
	QuantizationBit int    `yaml:"quantization_bit,omitempty"`
	TrustRemoteCode bool   `yaml:"trust_remote_code,omitempty"`
}

// MethodSection selects the fine-tuning method and stage.
type MethodSection struct {
	Stage          Stage   `yaml:"stage"`
	DoTrain        bool    `yaml:"do_train"`
	FinetuningType string  `yaml:"finetuning_type"`
	LoraRank       int     `yaml:"lora_rank,omitempty"`
	LoraAlpha      int     `yaml:"lora_alpha,omitempty"`
	LoraDropout    float64 `yaml:"lora_dropout,omitempty"`
	LoraTarget     string  `yaml:"lora_target,omitempty"`
	PrefBeta       float64 `yaml:"pref_beta,omitempty"`
}

// DataSection selects the dataset and prompt template.
type DataSection struct {
	Dataset    string  `yaml:"dataset"`
	DatasetDir string  `yaml:"dataset_dir,omitempty"`
	Template   string  `yaml:"template"`
	CutoffLen  int     `yaml:"cutoff_len"`
	MaxSamples int     `yaml:"max_samples,omitempty"`
	ValSize    float64 `yaml:"val_size,omitempty"`
}

// TrainSection holds the optimizer hyperparameters.
type TrainSection struct {
	LearningRate              float64 `yaml:"learning_rate"`
	NumTrainEpochs            float64 `yaml:"num_train_epochs"`
	PerDeviceTrainBatchSize   int     `yaml:"per_device_train_batch_size"`
	GradientAccumulationSteps int     `yaml:"gradient_accumulation_steps"`
	LRSchedulerType           string  `yaml:"lr_scheduler_type,omitempty"`
	WarmupRatio               float64 `yaml:"warmup_ratio,omitempty"`
	BF16                      bool    `yaml:"bf16,omitempty"`
	ResumeFromCheckpoint      bool    `yaml:"resume_from_checkpoint,omitempty"`
}

// OutputSection controls checkpointing and logging.
type OutputSection struct {
	OutputDir          string `yaml:"output_dir"`
	LoggingSteps       int    `yaml:"logging_steps"`
	SaveSteps          int    `yaml:"save_steps"`
	PlotLoss           bool   `yaml:"plot_loss,omitempty"`
	OverwriteOutputDir bool   `yaml:"overwrite_output_dir,omitempty"`
}

// JobConfig is the full configuration consumed by the external trainer.
// The sections are inlined so the YAML on disk is the flat key set the
// trainer expects.
type JobConfig struct {
	Model  ModelSection  `yaml:",inline"`
	Method MethodSection `yaml:",inline"`
	Data   DataSection   `yaml:",inline"`
	Train  TrainSection  `yaml:",inline"`
	Output OutputSection `yaml:",inline"`
}

// Option mutates a JobConfig built by one of the New*Config constructors.
type Option func(*JobConfig)

func WithBatchSize(n int) Option {
	return func(c *JobConfig) { c.Train.PerDeviceTrainBatchSize = n }
}

func WithMaxSamples(n int) Option {
	return func(c *JobConfig) { c.Data.MaxSamples = n }
}

func WithEpochs(epochs float64) Option {
	return func(c *JobConfig) { c.Train.NumTrainEpochs = epochs }
}

func WithQuantization(bits int) Option {
	return func(c *JobConfig) { c.Model.QuantizationBit = bits }
}

func WithCutoffLen(n int) Option {
	return func(c *JobConfig) { c.Data.CutoffLen = n }
}

// NewSFTConfig builds a LoRA supervised fine-tuning config. The model
// argument may be a preset name or a raw model path.
func NewSFTConfig(model, dataset, outputDir string, learningRate float64, loraRank int, opts ...Option) JobConfig {
	cfg := JobConfig{
		Model: ResolveModel(model),
		Method: MethodSection{
			Stage:          StageSFT,
			DoTrain:        true,
			FinetuningType: "lora",
			LoraRank:       loraRank,
			LoraAlpha:      2 * loraRank,
			LoraTarget:     "all",
		},
		Data: DataSection{
			Dataset:   dataset,
			Template:  TemplateForModel(model),
			CutoffLen: 2048,
		},
		Train: TrainSection{
			LearningRate:              learningRate,
			NumTrainEpochs:            3.0,
			PerDeviceTrainBatchSize:   2,
			GradientAccumulationSteps: 4,
			LRSchedulerType:           "cosine",
			WarmupRatio:               0.1,
			BF16:                      true,
		},
		Output: OutputSection{
			OutputDir:          outputDir,
			LoggingSteps:       10,
			SaveSteps:          500,
			PlotLoss:           true,
			OverwriteOutputDir: true,
		},
	}

	for _, opt := range opts {
		opt(&cfg)
	}
	return cfg
}

// NewDPOConfig builds a preference-optimization config over chosen/rejected pairs.
func NewDPOConfig(model, dataset, outputDir string, learningRate float64, loraRank int, opts ...Option) JobConfig {
	cfg := NewSFTConfig(model, dataset, outputDir, learningRate, loraRank, opts...)
	cfg.Method.Stage = StageDPO
	cfg.Method.PrefBeta = 0.1
	return cfg
}

// NewKTOConfig builds a binary-feedback config over true/false labeled records.
func NewKTOConfig(model, dataset, outputDir string, learningRate float64, loraRank int, opts ...Option) JobConfig {
	cfg := NewSFTConfig(model, dataset, outputDir, learningRate, loraRank, opts...)
	cfg.Method.Stage = StageKTO
	return cfg
}

// NewQLoRAConfig is an SFT config with weight quantization enabled.
func NewQLoRAConfig(model, dataset, outputDir string, quantizationBit int, opts ...Option) JobConfig {
	cfg := NewSFTConfig(model, dataset, outputDir, 1e-4, 8, opts...)
	cfg.Model.QuantizationBit = quantizationBit
	return cfg
}

// Validate checks that the config carries every field the trainer requires.
func (c *JobConfig) Validate() error {
	if c.Model.ModelNameOrPath == "" {
		return fmt.Errorf("missing model_name_or_path")
	}
	if c.Data.Dataset == "" {
		return fmt.Errorf("missing dataset")
	}
	if c.Data.Template == "" {
		return fmt.Errorf("missing template")
	}
	if c.Output.OutputDir == "" {
		return fmt.Errorf("missing output_dir")
	}
	switch c.Method.Stage {
	case StageSFT, StageDPO, StageKTO:
	default:
		return fmt.Errorf("invalid stage %q", c.Method.Stage)
	}
	if c.Method.FinetuningType == "lora" && c.Method.LoraRank <= 0 {
		return fmt.Errorf("lora_rank must be positive for lora finetuning")
	}
	if c.Train.LearningRate <= 0 {
		return fmt.Errorf("learning_rate must be positive")
	}
	if c.Train.NumTrainEpochs <= 0 {
		return fmt.Errorf("num_train_epochs must be positive")
	}
	return nil
}

// Save writes the config as YAML, creating parent directories as needed.
func (c *JobConfig) Save(path string) error {
	if err := c.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(path), os.ModePerm); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config %s: %w", path, err)
	}
	return nil
}

// Load reads a trainer YAML config from disk.
func Load(path string) (JobConfig, error) {
	var cfg JobConfig

	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("failed to read config %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("failed to parse config %s: %w", path, err)
	}
	return cfg, nil
}
