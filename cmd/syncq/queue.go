package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/olebedev/when"
	"github.com/olebedev/when/rules/common"
	"github.com/olebedev/when/rules/en"
	"github.com/spf13/cobra"

	"github.com/schoolhub/syncq/internal/syncq/dispatch"
	"github.com/schoolhub/syncq/internal/syncq/importer"
	"github.com/schoolhub/syncq/internal/syncq/projection"
	"github.com/schoolhub/syncq/internal/syncq/task"
	"github.com/schoolhub/syncq/internal/ui"
)

var enqueueCmd = &cobra.Command{
	Use:     "enqueue <method> <endpoint>",
	GroupID: "queue",
	Short:   "Queue a write for later replay",
	Long: `Queue a write. The task is stored durably and replayed by 'syncq run'
or 'syncq drain'. Nothing is sent immediately.

While 'syncq run' holds the queue, the write is handed to it through
import.spool_dir when that is set.

Examples:
  syncq enqueue POST /support/school-1/incidents --body '{"category":"Safety"}'
  syncq enqueue DELETE /fees/invoices/9`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) (err error) {
		method, err := task.ParseMethod(args[0])
		if err != nil {
			return err
		}

		var body any
		raw, _ := cmd.Flags().GetString("body")
		if raw != "" {
			if !json.Valid([]byte(raw)) {
				return fmt.Errorf("--body is not valid JSON")
			}
			body = json.RawMessage(raw)
		}

		eng, err := openEngine(cmd.Context(), false)
		if err != nil {
			line := importer.Line{Endpoint: args[1], Method: string(method)}
			if raw != "" {
				line.Body = json.RawMessage(raw)
			}
			return handOff(err, line)
		}
		defer teardown(eng, &err)

		id, err := eng.EnqueueTask(cmd.Context(), args[1], body, method)
		if err != nil {
			return err
		}
		out.Printf("%s %s %s queued as %s\n", out.Status(task.StatusPending), method, args[1], id)
		return nil
	},
}

var listCmd = &cobra.Command{
	Use:     "list",
	GroupID: "queue",
	Short:   "List queued tasks",
	Long: `List queued tasks in replay order.

--since accepts a duration ("90m") or a natural expression
("2 hours ago", "yesterday", "last monday").`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) (err error) {
		statusFlag, _ := cmd.Flags().GetStringSlice("status")
		prefix, _ := cmd.Flags().GetString("prefix")
		sinceFlag, _ := cmd.Flags().GetString("since")

		now := time.Now()
		var preds []projection.Predicate
		if len(statusFlag) > 0 {
			statuses := make([]task.Status, 0, len(statusFlag))
			for _, s := range statusFlag {
				st := task.Status(strings.ToLower(s))
				if !st.Valid() {
					return fmt.Errorf("unknown status %q", s)
				}
				statuses = append(statuses, st)
			}
			preds = append(preds, projection.StatusIn(statuses...))
		}
		if prefix != "" {
			preds = append(preds, projection.EndpointPrefix(prefix))
		}
		if sinceFlag != "" {
			since, err := parseSince(sinceFlag, now)
			if err != nil {
				return err
			}
			cutoff := since.UnixMilli()
			preds = append(preds, func(t task.Task) bool { return t.CreatedAt >= cutoff })
		}

		eng, err := openEngine(cmd.Context(), false)
		if err != nil {
			return err
		}
		defer teardown(eng, &err)

		tasks := eng.Projection().Filter(projection.And(preds...))
		out.Printf("%s", out.TaskTable(tasks, now))
		return nil
	},
}

// parseSince accepts a Go duration or a natural-language time.
func parseSince(text string, now time.Time) (time.Time, error) {
	if d, err := time.ParseDuration(text); err == nil {
		return now.Add(-d), nil
	}

	w := when.New(nil)
	w.Add(en.All...)
	w.Add(common.All...)

	r, err := w.Parse(text, now)
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to parse --since %q: %w", text, err)
	}
	if r == nil {
		return time.Time{}, fmt.Errorf("could not understand --since %q", text)
	}
	return r.Time, nil
}

var statusCmd = &cobra.Command{
	Use:     "status",
	GroupID: "queue",
	Short:   "Show queue summary",
	Args:    cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) (err error) {
		eng, err := openEngine(cmd.Context(), false)
		if err != nil {
			return err
		}
		defer teardown(eng, &err)

		counts := eng.Projection().Counts()
		out.Printf("%s\n", out.Banner(counts, eng.Monitor().IsOnline()))

		failed := eng.Projection().Filter(projection.StatusIn(task.StatusFailed))
		if len(failed) > 0 {
			out.Printf("\nFailed tasks block everything queued after them:\n")
			out.Printf("%s", out.TaskTable(failed, time.Now()))
			out.Printf("\nRun 'syncq retry <id>' or 'syncq discard <id>' to continue.\n")
		}
		if cfg.File() != "" {
			out.Printf("\nConfig: %s\n", cfg.File())
		}
		return nil
	},
}

var drainCmd = &cobra.Command{
	Use:     "drain",
	GroupID: "sync",
	Short:   "Replay the queue once and exit",
	Args:    cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) (err error) {
		eng, err := openEngine(cmd.Context(), true)
		if err != nil {
			return err
		}
		defer teardown(eng, &err)

		res := eng.Dispatcher().Drain(cmd.Context(), dispatch.TriggerManual)
		out.Printf("Sent %d of %d attempted in %v\n",
			res.Succeeded, res.Attempted, res.Duration.Round(time.Millisecond))

		switch res.Stop {
		case dispatch.StopEmpty:
			out.Printf("%s queue is empty\n", out.Status(task.StatusDone))
		case dispatch.StopBlocked, dispatch.StopPermanent, dispatch.StopExhausted:
			out.Printf("%s blocked by %s\n", out.Status(task.StatusFailed), res.BlockedBy)
		default:
			out.Printf("Stopped: %s\n", res.Stop)
		}
		out.Printf("%s\n", out.Banner(eng.Projection().Counts(), eng.Monitor().IsOnline()))
		return nil
	},
}

var retryCmd = &cobra.Command{
	Use:     "retry [id]",
	GroupID: "queue",
	Short:   "Move failed tasks back to pending",
	Long: `Move a failed task, or every failed task with --all, back to pending.

While 'syncq run' holds the queue, the request is handed to it through
import.spool_dir when that is set.`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) (err error) {
		all, _ := cmd.Flags().GetBool("all")
		if all == (len(args) == 1) {
			return fmt.Errorf("pass a task id or --all")
		}

		eng, err := openEngine(cmd.Context(), false)
		if err != nil {
			line := importer.Line{Control: importer.ControlRetry, All: all}
			if !all {
				line.ID = args[0]
			}
			return handOff(err, line)
		}
		defer teardown(eng, &err)

		if all {
			n, err := eng.Dispatcher().RetryAll(cmd.Context())
			if err != nil {
				return err
			}
			out.Printf("Retrying %d tasks\n", n)
			return nil
		}

		id, err := resolveID(eng.Projection().Snapshot(), args[0])
		if err != nil {
			return err
		}
		if err := eng.Dispatcher().Retry(cmd.Context(), id); err != nil {
			return err
		}
		out.Printf("Retrying %s\n", ui.ShortID(id))
		return nil
	},
}

var discardCmd = &cobra.Command{
	Use:     "discard <id>",
	GroupID: "queue",
	Short:   "Drop a failed task",
	Long: `Drop a failed task from the queue. The write it holds is lost.

Asks for confirmation unless --yes is given. While 'syncq run' holds the
queue, the request is handed to it through import.spool_dir when that is set.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) (err error) {
		yes, _ := cmd.Flags().GetBool("yes")

		eng, err := openEngine(cmd.Context(), false)
		if canHandOff(err) {
			if !yes {
				ok, cerr := confirmDiscard(fmt.Sprintf("Discard task %s in the running queue?", args[0]))
				if cerr != nil {
					return cerr
				}
				if !ok {
					out.Printf("Kept %s\n", args[0])
					return nil
				}
			}
			return handOff(err, importer.Line{Control: importer.ControlDiscard, ID: args[0]})
		}
		if err != nil {
			return err
		}
		defer teardown(eng, &err)

		id, err := resolveID(eng.Projection().Snapshot(), args[0])
		if err != nil {
			return err
		}
		t, err := eng.Store().Get(cmd.Context(), id)
		if err != nil {
			return err
		}

		if !yes {
			ok, err := confirmDiscard(fmt.Sprintf("Discard %s %s?", t.Method, t.Endpoint))
			if err != nil {
				return err
			}
			if !ok {
				out.Printf("Kept %s\n", ui.ShortID(id))
				return nil
			}
		}

		if err := eng.Dispatcher().Discard(cmd.Context(), id); err != nil {
			return err
		}
		out.Printf("Discarded %s\n", ui.ShortID(id))
		return nil
	},
}

func confirmDiscard(title string) (bool, error) {
	ok, err := ui.Confirm(title, "The queued write will not be sent.")
	if errors.Is(err, ui.ErrNotInteractive) {
		return false, fmt.Errorf("refusing to discard without --yes: %w", err)
	}
	return ok, err
}

// resolveID expands a unique id prefix, as printed by list.
func resolveID(tasks []task.Task, prefix string) (string, error) {
	var match string
	for _, t := range tasks {
		if t.ID == prefix {
			return t.ID, nil
		}
		if strings.HasPrefix(t.ID, prefix) {
			if match != "" {
				return "", fmt.Errorf("task id %q is ambiguous", prefix)
			}
			match = t.ID
		}
	}
	if match == "" {
		return "", fmt.Errorf("no task with id %q", prefix)
	}
	return match, nil
}

func init() {
	enqueueCmd.Flags().String("body", "", "JSON request body")

	listCmd.Flags().StringSlice("status", nil, "Only show these statuses (pending, inflight, failed)")
	listCmd.Flags().String("prefix", "", "Only show endpoints starting with this path")
	listCmd.Flags().String("since", "", "Only show tasks queued after this time")

	retryCmd.Flags().Bool("all", false, "Retry every failed task")
	discardCmd.Flags().BoolP("yes", "y", false, "Do not ask for confirmation")

	rootCmd.AddCommand(enqueueCmd, listCmd, statusCmd, drainCmd, retryCmd, discardCmd)
}
