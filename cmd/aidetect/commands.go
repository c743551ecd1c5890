package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/dshills/aidetect/internal/patterns"
	"github.com/dshills/aidetect/internal/render"
	"github.com/dshills/aidetect/internal/runner"
	"github.com/dshills/aidetect/internal/schema"
)

// reconcilePollInterval paces the wait loop for outstanding LLM batches.
const reconcilePollInterval = 2 * time.Second

func newDetectCmd(configPath *string) *cobra.Command {
	var (
		format string
		wait   bool
	)
	cmd := &cobra.Command{
		Use:   "detect [record.json ...]",
		Short: "Run detection on change records ('-' reads a record from stdin)",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(*configPath, true)
			if err != nil {
				return err
			}
			defer a.close()

			ctx := cmd.Context()
			var results []*schema.DetectionResult
			for _, arg := range args {
				rec, err := readRecord(arg)
				if err != nil {
					return err
				}
				if err := a.db.PutChangeRecord(rec); err != nil {
					return err
				}
				res, err := a.runner.ProcessIncremental(ctx, rec)
				if err != nil {
					return err
				}
				results = append(results, res)
			}

			if err := a.runner.FlushLLM(); err != nil {
				return err
			}
			if wait {
				if err := waitForReconcile(ctx, a); err != nil {
					return err
				}
				for i, res := range results {
					got, _, err := a.db.GetResult(res.ChangeID)
					if err != nil {
						return err
					}
					results[i] = got
				}
			}

			for _, res := range results {
				if err := emit(cmd.OutOrStdout(), res, format); err != nil {
					return err
				}
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&format, "format", "markdown", "output format: markdown or json")
	cmd.Flags().BoolVar(&wait, "wait", false, "wait for the semantic verdict before printing")
	return cmd
}

func newBackfillCmd(configPath *string) *cobra.Command {
	var (
		runID    string
		forceLLM bool
	)
	cmd := &cobra.Command{
		Use:   "backfill",
		Short: "Re-run detection over all stored change records",
		Long: `Re-runs detection over every stored change record, picking up pattern
registry changes. Stored LLM verdicts are reused unless --force-llm is given.
The run checkpoints after every batch; interrupting it (SIGINT/SIGTERM) is
safe, and re-running with the same --run-id resumes where it stopped.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(*configPath, true)
			if err != nil {
				return err
			}
			defer a.close()

			if runID == "" {
				runID = "backfill-" + a.reg.Version()
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			stats, err := a.runner.Backfill(ctx, runner.BackfillOptions{
				RunID:     runID,
				BatchSize: a.cfg.Backfill.BatchSize,
				Workers:   a.cfg.Backfill.Workers,
				ForceLLM:  forceLLM,
			})
			if err != nil {
				if ctx.Err() != nil {
					fmt.Fprintf(cmd.OutOrStdout(),
						"interrupted after %d records; re-run with --run-id %s to resume\n",
						stats.Processed, runID)
					return nil
				}
				return err
			}

			if err := a.runner.FlushLLM(); err != nil {
				return err
			}
			if err := waitForReconcile(ctx, a); err != nil && ctx.Err() == nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "backfill %s complete: %d records, pattern version %s\n",
				runID, stats.Processed, a.reg.Version())
			return nil
		},
	}
	cmd.Flags().StringVar(&runID, "run-id", "", "run identifier for checkpointing (default derived from the pattern version)")
	cmd.Flags().BoolVar(&forceLLM, "force-llm", false, "re-run semantic detection even for records with stored verdicts")
	return cmd
}

func newReconcileCmd(configPath *string) *cobra.Command {
	var wait bool
	cmd := &cobra.Command{
		Use:   "reconcile",
		Short: "Fold completed LLM verdicts into stored detection results",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(*configPath, true)
			if err != nil {
				return err
			}
			defer a.close()

			ctx := cmd.Context()
			if wait {
				return waitForReconcile(ctx, a)
			}
			return a.runner.Reconcile(ctx)
		},
	}
	cmd.Flags().BoolVar(&wait, "wait", false, "keep polling until no batches remain pending")
	return cmd
}

func newPatternsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "patterns",
		Short: "Inspect and export the built-in pattern registry",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print the built-in pattern registry version",
		RunE: func(cmd *cobra.Command, args []string) error {
			reg, err := patterns.Builtin()
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), reg.Version())
			return nil
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "export",
		Short: "Write the built-in rules as YAML, a starting point for a custom rule file",
		RunE: func(cmd *cobra.Command, args []string) error {
			b, err := patterns.Export(patterns.BuiltinRules())
			if err != nil {
				return err
			}
			_, err = cmd.OutOrStdout().Write(b)
			return err
		},
	})
	return cmd
}

// waitForReconcile polls until every persisted batch has resolved.
func waitForReconcile(ctx context.Context, a *app) error {
	for {
		if err := a.runner.Reconcile(ctx); err != nil {
			return err
		}
		pending, err := a.db.PendingBatches()
		if err != nil {
			return err
		}
		if len(pending) == 0 {
			return nil
		}
		a.log.Info("waiting on llm batches", zap.Int("pending", len(pending)))
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(reconcilePollInterval):
		}
	}
}

func readRecord(path string) (*schema.ChangeRecord, error) {
	var data []byte
	var err error
	if path == "-" {
		data, err = io.ReadAll(os.Stdin)
	} else {
		data, err = os.ReadFile(path)
	}
	if err != nil {
		return nil, fmt.Errorf("read record: %w", err)
	}
	var rec schema.ChangeRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("parse record %s: %w", path, err)
	}
	if rec.ID == "" {
		return nil, fmt.Errorf("record %s has no id", path)
	}
	return &rec, nil
}

func emit(w io.Writer, res *schema.DetectionResult, format string) error {
	switch format {
	case "json":
		b, err := render.RenderJSON(res)
		if err != nil {
			return err
		}
		_, err = fmt.Fprintln(w, string(b))
		return err
	case "markdown":
		_, err := fmt.Fprint(w, render.RenderMarkdown(res))
		return err
	default:
		return fmt.Errorf("unknown format %q", format)
	}
}
