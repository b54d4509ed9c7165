// Package cli implements the llmtune operator CLI. Commands that need
// experiment bookkeeping open the same sqlite database used by the local
// service binary, so CLI runs and service runs share one history.
package cli

import (
	"log"
	"os"
	"path/filepath"

	"llmtune/internal/database"

	"github.com/spf13/cobra"
	"gorm.io/gorm"
)

var dbPath string

var rootCmd = &cobra.Command{
	Use:   "llmtune",
	Short: "Fine-tuning orchestration for the external trainer CLI",
	Long: `llmtune generates trainer configs, launches and monitors fine-tuning
runs, audits datasets before training, and keeps a history of experiments
for comparison.`,
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&dbPath, "db", "./llmtune-local/db/llmtune.db", "Path to the experiments database")
	rootCmd.CompletionOptions.HiddenDefaultCmd = false

	// cobra prints its own error and usage text
	log.SetFlags(0)
}

func openDatabase() *gorm.DB {
	if err := os.MkdirAll(filepath.Dir(dbPath), os.ModePerm); err != nil {
		log.Fatalf("failed to create database directory: %v", err)
	}

	db, err := database.NewDatabase("sqlite://" + dbPath)
	if err != nil {
		log.Fatalf("failed to open database %s: %v", dbPath, err)
	}
	return db
}
