// Command syncq manages the offline mutation queue: it enqueues deferred
// writes, shows what is waiting, and replays the queue against the API.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/schoolhub/syncq/internal/config"
	"github.com/schoolhub/syncq/internal/logging"
	"github.com/schoolhub/syncq/internal/syncq"
	"github.com/schoolhub/syncq/internal/syncq/dispatch"
	"github.com/schoolhub/syncq/internal/syncq/importer"
	"github.com/schoolhub/syncq/internal/syncq/store"
	"github.com/schoolhub/syncq/internal/syncq/transport"
	"github.com/schoolhub/syncq/internal/ui"
)

var (
	configFile string

	// set by PersistentPreRunE
	vp   = config.New()
	cfg  *config.Config
	logs *logging.Output
	out  = ui.NewPrinter(os.Stdout)
)

var rootCmd = &cobra.Command{
	Use:   "syncq",
	Short: "Offline-first mutation queue",
	Long: `syncq records writes that could not reach the server and replays them,
oldest first, once the server is reachable again.

Queued tasks survive restarts. A task the server rejects stays in the queue
as failed and holds back everything behind it until it is retried or
discarded.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		c, err := config.LoadWith(vp, configFile)
		if err != nil {
			return err
		}
		cfg = c
		logs = logging.Open(logging.Options{
			File:       c.Log.File,
			MaxSizeMB:  c.Log.MaxSizeMB,
			MaxBackups: c.Log.MaxBackups,
			MaxAgeDays: c.Log.MaxAgeDays,
			Compress:   c.Log.Compress,
			Stderr:     c.Log.Stderr,
		})
		return nil
	},
	PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
		if logs != nil {
			return logs.Close()
		}
		return nil
	},
}

func init() {
	rootCmd.AddGroup(
		&cobra.Group{ID: "queue", Title: "Queue Commands:"},
		&cobra.Group{ID: "sync", Title: "Sync Commands:"},
	)

	rootCmd.PersistentFlags().StringVar(&configFile, "config", "", "Config file (default: ./syncq.yaml or ~/.syncq/syncq.yaml)")
	rootCmd.PersistentFlags().String("data-dir", "", "Directory holding the queue database")
	rootCmd.PersistentFlags().String("api", "", "Base URL tasks are replayed against")
	_ = vp.BindPFlag("data_dir", rootCmd.PersistentFlags().Lookup("data-dir"))
	_ = vp.BindPFlag("api.base_url", rootCmd.PersistentFlags().Lookup("api"))
}

// openEngine opens the queue in the configured data dir. requireAPI is set
// by commands that replay tasks.
func openEngine(ctx context.Context, requireAPI bool) (*syncq.Engine, error) {
	if requireAPI && cfg.API.BaseURL == "" {
		return nil, fmt.Errorf("api.base_url is not set (use --api, SYNCQ_API_BASE_URL or the config file)")
	}

	sender, err := newSender(cfg)
	if err != nil {
		return nil, err
	}

	eng, err := syncq.Init(ctx, syncq.Options{
		DataDir:  cfg.DataDir,
		Sender:   sender,
		Dispatch: dispatchConfig(cfg),
		Logs:     logs,
	})
	if errors.Is(err, store.ErrLocked) {
		return nil, fmt.Errorf("%w: stop the running 'syncq run', set import.spool_dir to hand it writes, or use another --data-dir", err)
	}
	return eng, err
}

func newSender(c *config.Config) (*transport.Client, error) {
	var creds transport.Credentials
	if c.API.Token != "" {
		creds = transport.StaticToken{Token: c.API.Token, HeaderName: c.API.AuthHeader}
	}
	return transport.New(transport.Config{
		BaseURL:     c.API.BaseURL,
		Timeout:     c.API.Timeout,
		Credentials: creds,
	})
}

func dispatchConfig(c *config.Config) *dispatch.Config {
	d := dispatch.DefaultConfig()
	d.Interval = c.Dispatch.Interval
	d.MaxAttempts = c.Dispatch.MaxAttempts
	d.Backoff = dispatch.Backoff{Base: c.Dispatch.BackoffBase, Max: c.Dispatch.BackoffMax}
	d.Logger = logs.Logger("dispatch")
	return d
}

// handOff passes lines to the 'syncq run' that holds the queue lock, through
// its spool dir. Any other openErr is returned unchanged.
func handOff(openErr error, lines ...importer.Line) error {
	if !canHandOff(openErr) {
		return openErr
	}
	path, err := importer.WriteSpoolFile(cfg.Import.SpoolDir, lines...)
	if err != nil {
		return err
	}
	out.Printf("Queue is held by 'syncq run'; handed over as %s\n", filepath.Base(path))
	return nil
}

func canHandOff(openErr error) bool {
	return errors.Is(openErr, store.ErrLocked) && cfg.Import.SpoolDir != ""
}

// teardown releases the engine, keeping the first error.
func teardown(eng *syncq.Engine, err *error) {
	if terr := eng.Teardown(); terr != nil && *err == nil {
		*err = terr
	}
}

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := rootCmd.ExecuteContext(ctx)
	cancel()
	if err != nil {
		os.Exit(1)
	}
}
