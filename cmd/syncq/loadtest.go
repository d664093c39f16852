package main

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/schoolhub/syncq/internal/syncq/loadtest"
)

var loadtestCmd = &cobra.Command{
	Use:     "loadtest",
	GroupID: "sync",
	Short:   "Stress a scratch queue against a local fake API",
	Long: `Run concurrent producers against a throwaway queue while it drains into
an in-process fake API, then report enqueue latency and whether every task
arrived exactly once and in order.

The configured queue is never touched.

Example:
  syncq loadtest --producers 50 --tasks 20 --fail-every 10`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		producers, _ := cmd.Flags().GetInt("producers")
		tasks, _ := cmd.Flags().GetInt("tasks")
		failEvery, _ := cmd.Flags().GetInt("fail-every")
		delay, _ := cmd.Flags().GetDuration("server-delay")
		memory, _ := cmd.Flags().GetBool("memory")

		config := loadtest.Config{
			Producers:        producers,
			TasksPerProducer: tasks,
			FailEvery:        failEvery,
			ServerDelay:      delay,
		}
		if !memory {
			dir, err := os.MkdirTemp("", "syncq-loadtest-")
			if err != nil {
				return fmt.Errorf("failed to create scratch dir: %w", err)
			}
			defer os.RemoveAll(dir)
			config.DataDir = dir
		}

		fmt.Printf("Running %d producers x %d tasks...\n", producers, tasks)
		report, err := loadtest.Run(cmd.Context(), config)
		if err != nil {
			return err
		}
		report.Print(os.Stdout)

		if !report.OK(producers * tasks) {
			return fmt.Errorf("queue guarantees violated")
		}
		out.Printf("%s all %d tasks delivered in order\n", out.Status("done"), producers*tasks)
		return nil
	},
}

func init() {
	loadtestCmd.Flags().Int("producers", 20, "Concurrent producers")
	loadtestCmd.Flags().Int("tasks", 50, "Tasks per producer")
	loadtestCmd.Flags().Int("fail-every", 0, "Answer every Nth request with 503")
	loadtestCmd.Flags().Duration("server-delay", time.Millisecond, "Fake API latency per request")
	loadtestCmd.Flags().Bool("memory", false, "Use the in-memory store instead of SQLite")

	rootCmd.AddCommand(loadtestCmd)
}
