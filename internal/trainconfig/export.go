package trainconfig

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v2"
)

// ExportConfig merges a trained adapter back into the base model weights.
type ExportConfig struct {
	ModelNameOrPath string `yaml:"model_name_or_path"`
	AdapterPath     string `yaml:"adapter_name_or_path"`
	Template        string `yaml:"template"`
	ExportDir       string `yaml:"export_dir"`
	ExportSize      int    `yaml:"export_size,omitempty"`
	ExportLegacy    bool   `yaml:"export_legacy_format,omitempty"`
}

// NewExportConfig builds a merge config from a completed training config.
func NewExportConfig(train JobConfig, exportDir string) ExportConfig {
	return ExportConfig{
		ModelNameOrPath: train.Model.ModelNameOrPath,
		AdapterPath:     train.Output.OutputDir,
		Template:        train.Data.Template,
		ExportDir:       exportDir,
	}
}

func (c *ExportConfig) Validate() error {
	if c.ModelNameOrPath == "" {
		return fmt.Errorf("missing model_name_or_path")
	}
	if c.AdapterPath == "" {
		return fmt.Errorf("missing adapter_name_or_path")
	}
	if c.ExportDir == "" {
		return fmt.Errorf("missing export_dir")
	}
	return nil
}

func (c *ExportConfig) Save(path string) error {
	if err := c.Validate(); err != nil {
		return fmt.Errorf("invalid export config: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal export config: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(path), os.ModePerm); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write export config %s: %w", path, err)
	}
	return nil
}
