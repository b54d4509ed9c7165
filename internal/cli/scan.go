package cli

import (
	"fmt"
	"io/fs"
	"path/filepath"

	"llmtune/internal/scan"

	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"
)

var scanCmd = &cobra.Command{
	Use:   "scan [dir]",
	Short: "Scan config and data trees for leaked credentials",
	Long: `Walk the given directory (default: current directory) and flag lines
that look like API keys, tokens, or connection strings, so secrets do
not end up inside training data or committed run configs. Exits
non-zero when anything is found.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runScan,
}

func init() {
	rootCmd.AddCommand(scanCmd)
}

func runScan(cmd *cobra.Command, args []string) error {
	root := "."
	if len(args) > 0 {
		root = args[0]
	}

	var total int
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err == nil && !d.IsDir() {
			total++
		}
		return nil
	})
	if err != nil {
		return err
	}

	bar := progressbar.NewOptions(total,
		progressbar.OptionSetDescription("scanning"),
		progressbar.OptionSetWidth(30),
		progressbar.OptionClearOnFinish(),
	)

	scanner := scan.NewScanner()
	scanner.Progress = func() { _ = bar.Add(1) }

	findings, err := scanner.ScanDir(root)
	if err != nil {
		return err
	}

	if len(findings) == 0 {
		fmt.Printf("Scanned %s: no secrets found\n", root)
		return nil
	}

	for _, finding := range findings {
		fmt.Printf("%s:%d [%s] %s\n", finding.File, finding.Line, finding.Kind, finding.Excerpt)
	}
	return fmt.Errorf("found %d potential secrets", len(findings))
}
