package main

import (
	"context"
	"fmt"
	"sync"

	"github.com/spf13/cobra"

	"github.com/schoolhub/syncq/internal/agent"
	"github.com/schoolhub/syncq/internal/config"
	"github.com/schoolhub/syncq/internal/syncq"
	"github.com/schoolhub/syncq/internal/syncq/connectivity"
	"github.com/schoolhub/syncq/internal/syncq/dashboard"
	"github.com/schoolhub/syncq/internal/syncq/importer"
)

var runCmd = &cobra.Command{
	Use:     "run",
	GroupID: "sync",
	Short:   "Replay the queue continuously (foreground)",
	Long: `Run the dispatcher in the foreground until interrupted.

The queue is drained on startup, whenever the API becomes reachable again,
and every dispatch.interval as a safety net. Optional parts:

  connectivity.probe_url   heartbeat that flips the queue offline/online
  dashboard.enabled        read-only WebSocket view at ws://host:port/ws
  import.spool_dir         *.jsonl files dropped here are queued
  agent.api_key            lets spool files carry free-text "prompt" lines

While run holds the queue, other syncq commands cannot open it. With
import.spool_dir set, enqueue, retry and discard are handed to run through
the spool dir; without it, stop run first.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) (err error) {
		eng, err := openEngine(cmd.Context(), true)
		if err != nil {
			return err
		}
		defer teardown(eng, &err)

		var wg sync.WaitGroup
		defer wg.Wait()

		ctx, cancel := context.WithCancel(cmd.Context())
		defer cancel()

		if cfg.Connectivity.ProbeURL != "" {
			prober, err := connectivity.NewProber(eng.Monitor(), connectivity.ProberConfig{
				URL:              cfg.Connectivity.ProbeURL,
				Interval:         cfg.Connectivity.ProbeInterval,
				Timeout:          cfg.Connectivity.ProbeTimeout,
				MinServerVersion: cfg.Connectivity.MinServerVersion,
				Logger:           logs.Logger("probe"),
			})
			if err != nil {
				return err
			}
			wg.Add(1)
			go func() {
				defer wg.Done()
				prober.Run(ctx)
			}()
		}

		if cfg.Dashboard.Enabled {
			srv, err := startDashboard(eng)
			if err != nil {
				return err
			}
			defer func() { _ = srv.Stop() }()
		}

		if cfg.Import.SpoolDir != "" {
			w, err := startSpool(ctx, eng, cfg)
			if err != nil {
				return err
			}
			defer func() { _ = w.Stop() }()
		}

		out.Printf("%s\n", out.Banner(eng.Projection().Counts(), eng.Monitor().IsOnline()))
		out.Printf("Replaying to %s. Press Ctrl+C to stop...\n", cfg.API.BaseURL)

		return eng.Run(ctx)
	},
}

func startDashboard(eng *syncq.Engine) (*dashboard.Server, error) {
	srv, err := dashboard.NewServer(eng.Projection(), &dashboard.Config{
		Host:   cfg.Dashboard.Host,
		Port:   cfg.Dashboard.Port,
		Online: eng.Monitor().IsOnline,
		Logger: logs.Logger("dashboard"),
	})
	if err != nil {
		return nil, err
	}
	// connectivity is part of every snapshot
	eng.Monitor().OnChange(func(bool) { srv.Notify() })

	if err := srv.Start(); err != nil {
		return nil, err
	}
	out.Printf("Dashboard: http://%s/  (WebSocket ws://%s/ws)\n", srv.Addr(), srv.Addr())
	return srv, nil
}

func startSpool(ctx context.Context, eng *syncq.Engine, c *config.Config) (*importer.SpoolWatcher, error) {
	parser, err := newParser(ctx, c)
	if err != nil {
		return nil, err
	}

	im := importer.New(eng, parser, logs.Logger("import"))
	im.SetController(daemonControl{eng: eng})
	w, err := importer.NewSpoolWatcher(c.Import.SpoolDir, im, &importer.WatcherConfig{
		Logger: logs.Logger("spool"),
	})
	if err != nil {
		return nil, err
	}
	if err := w.Start(ctx); err != nil {
		return nil, err
	}
	return w, nil
}

// daemonControl applies spool control lines to the running queue. Ids may
// be unique prefixes, as with the retry and discard commands.
type daemonControl struct {
	eng *syncq.Engine
}

func (d daemonControl) Retry(ctx context.Context, ref string) error {
	id, err := resolveID(d.eng.Projection().Snapshot(), ref)
	if err != nil {
		return err
	}
	return d.eng.Dispatcher().Retry(ctx, id)
}

func (d daemonControl) RetryAll(ctx context.Context) (int, error) {
	return d.eng.Dispatcher().RetryAll(ctx)
}

func (d daemonControl) Discard(ctx context.Context, ref string) error {
	id, err := resolveID(d.eng.Projection().Snapshot(), ref)
	if err != nil {
		return err
	}
	return d.eng.Dispatcher().Discard(ctx, id)
}

// newParser returns the agent used for prompt lines, or nil when no agent
// is configured. The model is loaded in the background.
func newParser(ctx context.Context, c *config.Config) (importer.Parser, error) {
	if c.Agent.APIKey == "" {
		return nil, nil
	}
	backend, err := agent.NewAnthropicBackend(agent.AnthropicConfig{
		APIKey:    c.Agent.APIKey,
		Model:     c.Agent.Model,
		MaxTokens: c.Agent.MaxTokens,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create agent: %w", err)
	}

	a := agent.New(backend, logs.Logger("agent"))
	a.LoadModel(ctx)
	return a, nil
}

func init() {
	rootCmd.AddCommand(runCmd)
}
