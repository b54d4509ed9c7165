package cli

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"

	"llmtune/internal/experiment"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
)

var (
	listStatus string
	listTag    string
)

var experimentsCmd = &cobra.Command{
	Use:   "experiments",
	Short: "Inspect and compare recorded fine-tuning runs",
}

var experimentsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List experiments, optionally filtered by status or tag",
	RunE: func(cmd *cobra.Command, args []string) error {
		experiments := experiment.NewManager(openDatabase())

		exps, err := experiments.List(context.Background(), experiment.ListFilter{Status: listStatus, Tag: listTag})
		if err != nil {
			return err
		}
		if len(exps) == 0 {
			fmt.Println("No experiments recorded.")
			return nil
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tNAME\tSTATUS\tMODEL\tLR\tRANK\tFINAL LOSS")
		for _, exp := range exps {
			loss := "-"
			if exp.FinalLoss.Valid {
				loss = fmt.Sprintf("%.4f", exp.FinalLoss.Float64)
			}
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%g\t%d\t%s\n",
				exp.Id, exp.Name, exp.Status, exp.BaseModel, exp.LearningRate, exp.LoraRank, loss)
		}
		return w.Flush()
	},
}

var experimentsBestCmd = &cobra.Command{
	Use:   "best",
	Short: "Show the completed experiment with the lowest final loss",
	RunE: func(cmd *cobra.Command, args []string) error {
		experiments := experiment.NewManager(openDatabase())

		best, err := experiments.Best(context.Background())
		if err != nil {
			return err
		}

		fmt.Printf("%s (%s)\n", best.Name, best.Id)
		fmt.Printf("  model:         %s\n", best.BaseModel)
		fmt.Printf("  dataset:       %s\n", best.Dataset)
		fmt.Printf("  learning rate: %g\n", best.LearningRate)
		fmt.Printf("  lora rank:     %d\n", best.LoraRank)
		fmt.Printf("  final loss:    %.4f\n", best.FinalLoss.Float64)
		if best.BestLoss.Valid {
			fmt.Printf("  best loss:     %.4f\n", best.BestLoss.Float64)
		}
		fmt.Printf("  output dir:    %s\n", best.OutputDir)
		return nil
	},
}

var experimentsCompareCmd = &cobra.Command{
	Use:   "compare <id> <id> [id...]",
	Short: "Compare experiments by loss and show which settings differed",
	Args:  cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		ids := make([]uuid.UUID, len(args))
		for i, arg := range args {
			id, err := uuid.Parse(arg)
			if err != nil {
				return fmt.Errorf("invalid experiment id %q: %w", arg, err)
			}
			ids[i] = id
		}

		experiments := experiment.NewManager(openDatabase())

		comparison, err := experiments.Compare(context.Background(), ids)
		if err != nil {
			return err
		}

		fmt.Println("Ranking (best first):")
		for i, ranked := range comparison.Ranking {
			loss := "no loss recorded"
			if ranked.FinalLoss != nil {
				loss = fmt.Sprintf("final loss %.4f", *ranked.FinalLoss)
			}
			fmt.Printf("  %d. %s [%s] %s\n", i+1, ranked.Name, ranked.Status, loss)
		}

		if len(comparison.ConfigDiffs) == 0 {
			fmt.Println("All compared runs used identical settings.")
			return nil
		}

		fmt.Println("Differing settings:")
		for field, values := range comparison.ConfigDiffs {
			fmt.Printf("  %s: %v\n", field, values)
		}
		return nil
	},
}

var exportCSVPath string

var experimentsExportCmd = &cobra.Command{
	Use:   "export",
	Short: "Export the experiment history as CSV",
	RunE: func(cmd *cobra.Command, args []string) error {
		experiments := experiment.NewManager(openDatabase())

		out := os.Stdout
		if exportCSVPath != "" {
			f, err := os.Create(exportCSVPath)
			if err != nil {
				return err
			}
			defer f.Close()
			out = f
		}

		if err := experiments.ExportCSV(context.Background(), out); err != nil {
			return err
		}
		if exportCSVPath != "" {
			fmt.Printf("Wrote %s\n", exportCSVPath)
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(experimentsCmd)
	experimentsCmd.AddCommand(experimentsListCmd)
	experimentsCmd.AddCommand(experimentsBestCmd)
	experimentsCmd.AddCommand(experimentsCompareCmd)
	experimentsCmd.AddCommand(experimentsExportCmd)

	experimentsListCmd.Flags().StringVar(&listStatus, "status", "", "Filter by status")
	experimentsListCmd.Flags().StringVar(&listTag, "tag", "", "Filter by tag")
	experimentsExportCmd.Flags().StringVarP(&exportCSVPath, "output", "o", "", "Write CSV here instead of stdout")
}
