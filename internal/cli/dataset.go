package cli

import (
	"fmt"
	"os"
	"regexp"
	"strings"

	"llmtune/internal/dataset"

	"github.com/spf13/cobra"
)

var (
	reportDir        string
	validateKeywords []string
	auditKeywords    []string
	auditInvPath     string
)

var validateCmd = &cobra.Command{
	Use:   "validate <dataset.json>",
	Short: "Check a dataset for defects before training on it",
	Long: `Validate an instruction dataset: empty fields, duplicates, truncated
outputs, and configured keyword checks. Writes validation.json and
validation.md into the report directory and exits non-zero when the
dataset fails.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		records, err := dataset.LoadRecords(args[0])
		if err != nil {
			return err
		}

		validator := dataset.NewValidator()
		validator.KeywordWarnings, err = parseKeywordWarnings(validateKeywords)
		if err != nil {
			return err
		}

		report := validator.Validate(records)
		markdown := dataset.RenderValidationMarkdown(report)

		if err := dataset.WriteReport(reportDir, "validation", report, markdown); err != nil {
			return err
		}
		fmt.Printf("Checked %d records: %d invalid, %d duplicates. Report in %s\n",
			report.TotalRecords, report.InvalidRecords, report.DuplicateCount, reportDir)

		if !report.Passed() {
			return fmt.Errorf("dataset failed validation")
		}
		return nil
	},
}

var auditCmd = &cobra.Command{
	Use:   "audit <dataset.json>",
	Short: "Report distributions and coverage for a dataset",
	Long: `Audit an instruction dataset: category and question-type distributions,
output length histogram, keyword mentions, and coverage against an
inventory file (one expected keyword per line). Writes audit.json and
audit.md into the report directory.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		records, err := dataset.LoadRecords(args[0])
		if err != nil {
			return err
		}

		auditor := &dataset.Auditor{}
		for _, keyword := range auditKeywords {
			pattern, err := regexp.Compile(keyword)
			if err != nil {
				return fmt.Errorf("invalid keyword pattern %q: %w", keyword, err)
			}
			auditor.KeywordPatterns = append(auditor.KeywordPatterns, pattern)
		}
		if auditInvPath != "" {
			inventory, err := loadInventory(auditInvPath)
			if err != nil {
				return err
			}
			auditor.Inventory = inventory
		}

		report := auditor.Audit(records)
		markdown := dataset.RenderAuditMarkdown(report)

		if err := dataset.WriteReport(reportDir, "audit", report, markdown); err != nil {
			return err
		}

		fmt.Printf("Audited %d records. Report in %s\n", report.TotalRecords, reportDir)
		if report.InventorySize > 0 {
			fmt.Printf("Inventory coverage: %.1f%% (%d of %d missing)\n",
				report.CoveragePct, report.MissingCount, report.InventorySize)
		}
		return nil
	},
}

var (
	prepValRatio float64
	prepSeed     int64
	prepBalance  bool
	prepSystem   string
	prepOut      string
	prepShareGPT bool
)

var prepareCmd = &cobra.Command{
	Use:   "prepare <dataset.json>",
	Short: "Clean, deduplicate, and split a dataset for training",
	Long: `Prepare a dataset: trim whitespace, drop empty records and duplicates,
optionally upsample under-represented categories, then shuffle with a
fixed seed and split into train and validation files. With --sharegpt
the output is written in conversation format instead.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		records, err := dataset.LoadRecords(args[0])
		if err != nil {
			return err
		}

		result, err := dataset.Prepare(records, dataset.PrepareOptions{
			ValRatio:     prepValRatio,
			Seed:         prepSeed,
			Balance:      prepBalance,
			SystemPrompt: prepSystem,
		})
		if err != nil {
			return err
		}

		trainPath := prepOut + "_train.json"
		valPath := prepOut + "_val.json"

		if prepShareGPT {
			if err := dataset.SaveConversations(trainPath, dataset.ToConversations(result.TrainRecords, prepSystem)); err != nil {
				return err
			}
			if err := dataset.SaveConversations(valPath, dataset.ToConversations(result.ValRecords, prepSystem)); err != nil {
				return err
			}
		} else {
			if err := dataset.SaveRecords(trainPath, result.TrainRecords); err != nil {
				return err
			}
			if err := dataset.SaveRecords(valPath, result.ValRecords); err != nil {
				return err
			}
		}

		fmt.Printf("Input %d records: dropped %d empty, %d duplicates, upsampled %d\n",
			result.InputRecords, result.DroppedEmpty, result.DroppedDupes, result.Upsampled)
		fmt.Printf("Wrote %d train records to %s\n", len(result.TrainRecords), trainPath)
		fmt.Printf("Wrote %d validation records to %s\n", len(result.ValRecords), valPath)
		return nil
	},
}

// parseKeywordWarnings turns "keyword=message" pairs into the validator's
// advisory checks. A bare keyword gets a default message, and a leading
// '!' warns when the keyword is present instead of absent.
func parseKeywordWarnings(pairs []string) (map[string]string, error) {
	if len(pairs) == 0 {
		return nil, nil
	}
	warnings := make(map[string]string, len(pairs))
	for _, pair := range pairs {
		keyword, message, found := strings.Cut(pair, "=")
		keyword = strings.TrimSpace(keyword)
		if keyword == "" || keyword == "!" {
			return nil, fmt.Errorf("invalid keyword warning %q, expected keyword=message", pair)
		}
		if !found || strings.TrimSpace(message) == "" {
			if strings.HasPrefix(keyword, "!") {
				message = fmt.Sprintf("output mentions %q", keyword[1:])
			} else {
				message = fmt.Sprintf("output does not mention %q", keyword)
			}
		}
		warnings[keyword] = strings.TrimSpace(message)
	}
	return warnings, nil
}

func loadInventory(path string) ([]string, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var inventory []string
	for _, line := range strings.Split(string(raw), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		inventory = append(inventory, line)
	}
	return inventory, nil
}

func init() {
	rootCmd.AddCommand(validateCmd)
	rootCmd.AddCommand(auditCmd)
	rootCmd.AddCommand(prepareCmd)

	for _, c := range []*cobra.Command{validateCmd, auditCmd} {
		c.Flags().StringVar(&reportDir, "report-dir", "./reports", "Directory for report output")
	}
	validateCmd.Flags().StringSliceVar(&validateKeywords, "keyword-warn", nil,
		"Advisory checks as keyword=message pairs, '!keyword' warns on presence")
	auditCmd.Flags().StringSliceVar(&auditKeywords, "keyword", nil, "Regex patterns to count mentions of")
	auditCmd.Flags().StringVar(&auditInvPath, "inventory", "", "File of expected keywords, one per line")

	prepareCmd.Flags().Float64Var(&prepValRatio, "val-ratio", 0.1, "Fraction of records held out for validation")
	prepareCmd.Flags().Int64Var(&prepSeed, "seed", 42, "Shuffle seed for reproducible splits")
	prepareCmd.Flags().BoolVar(&prepBalance, "balance", false, "Upsample under-represented categories")
	prepareCmd.Flags().StringVar(&prepSystem, "system", "", "System prompt to attach to every record")
	prepareCmd.Flags().StringVarP(&prepOut, "output", "o", "dataset", "Output path prefix")
	prepareCmd.Flags().BoolVar(&prepShareGPT, "sharegpt", false, "Write conversation format instead of instruction format")
}
