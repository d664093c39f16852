package main

import (
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/spf13/cobra"

	"github.com/schoolhub/syncq/internal/agent"
	"github.com/schoolhub/syncq/internal/syncq/importer"
)

var importCmd = &cobra.Command{
	Use:     "import <file.jsonl>",
	GroupID: "queue",
	Short:   "Queue tasks from a JSONL file",
	Long: `Queue one task per line of a JSONL file. Each line is either

  {"endpoint": "/attendance/uploads", "method": "POST", "body": {...}}
  {"endpoint": "/support/school-1/incidents", "method": "POST", "prompt": "..."}

Prompt lines need agent.api_key; the agent turns the text into a body.
Invalid lines are reported and skipped. Use "-" to read stdin.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) (err error) {
		ctx := cmd.Context()

		eng, err := openEngine(ctx, false)
		if err != nil {
			return err
		}
		defer teardown(eng, &err)

		parser, err := newParser(ctx, cfg)
		if err != nil {
			return err
		}
		if a, ok := parser.(*agent.Agent); ok {
			waitReady(a, 30*time.Second)
		}

		im := importer.New(eng, parser, logs.Logger("import"))

		var res importer.Result
		if args[0] == "-" {
			res, err = im.Import(ctx, os.Stdin)
		} else {
			res, err = im.ImportFile(ctx, args[0])
		}
		for _, le := range res.Errors {
			fmt.Fprintf(os.Stderr, "Warning: %v\n", le)
		}
		if err != nil {
			return err
		}

		out.Printf("Queued %d tasks", len(res.Enqueued))
		if len(res.Errors) > 0 {
			out.Printf(", %d lines rejected", len(res.Errors))
		}
		out.Printf("\n")
		if len(res.Errors) > 0 && len(res.Enqueued) == 0 {
			return errors.New("no lines could be imported")
		}
		return nil
	},
}

// waitReady blocks until the agent is ready, has fallen back to idle, or
// timeout passes.
func waitReady(a *agent.Agent, timeout time.Duration) {
	done := make(chan struct{})
	var once sync.Once
	unsubscribe := a.Subscribe(func(ev agent.StatusEvent) {
		if ev.Status != agent.StatusLoading {
			once.Do(func() { close(done) })
		}
	})
	defer unsubscribe()

	if a.Status().Status != agent.StatusLoading {
		return
	}
	select {
	case <-done:
	case <-time.After(timeout):
	}
}

func init() {
	rootCmd.AddCommand(importCmd)
}
