package cli

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"llmtune/internal/board"

	"github.com/spf13/cobra"
)

var boardURL string

var boardCmd = &cobra.Command{
	Use:   "board",
	Short: "Drive a running trainer board instance",
}

var boardStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the board's current run",
	RunE: func(cmd *cobra.Command, args []string) error {
		client := board.NewClient(boardURL)

		status, err := client.GetStatus(context.Background())
		if err != nil {
			return err
		}

		if !status.Running {
			fmt.Println("No run in progress")
			return nil
		}

		fmt.Printf("Run %s: %.1f%% complete\n", status.RunId, status.Percentage)
		if status.Metrics.Step > 0 || status.Metrics.Loss > 0 {
			fmt.Println(status.Metrics)
		}
		return nil
	},
}

var boardStopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the board's current run",
	RunE: func(cmd *cobra.Command, args []string) error {
		client := board.NewClient(boardURL)

		if err := client.StopTraining(context.Background()); err != nil {
			return err
		}
		fmt.Println("Stop requested")
		return nil
	},
}

var boardWatchInterval time.Duration

var boardWatchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Follow the board's run until it finishes",
	RunE: func(cmd *cobra.Command, args []string) error {
		client := board.NewClient(boardURL)

		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		metrics, err := client.WaitForCompletion(ctx, boardWatchInterval)
		if err != nil {
			return err
		}

		fmt.Printf("Run finished: %s\n", metrics)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(boardCmd)
	boardCmd.AddCommand(boardStatusCmd)
	boardCmd.AddCommand(boardStopCmd)
	boardCmd.AddCommand(boardWatchCmd)

	boardCmd.PersistentFlags().StringVar(&boardURL, "url", "http://localhost:7860", "Base URL of the trainer board")
	boardWatchCmd.Flags().DurationVar(&boardWatchInterval, "interval", 5*time.Second, "Poll interval")
}
