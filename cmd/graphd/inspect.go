package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"text/tabwriter"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/fyrsmithlabs/graphd/internal/config"
	"github.com/fyrsmithlabs/graphd/internal/logging"
	"github.com/fyrsmithlabs/graphd/internal/services"
	"github.com/fyrsmithlabs/graphd/pkg/checkpoint"
	"github.com/fyrsmithlabs/graphd/pkg/state"
)

func init() {
	rootCmd.AddCommand(inspectCmd)
	inspectCmd.AddCommand(inspectRunsCmd)
	inspectCmd.AddCommand(inspectLatestCmd)
	inspectCmd.AddCommand(inspectHistoryCmd)
	inspectCmd.AddCommand(inspectReplayCmd)
	inspectCmd.AddCommand(inspectViolationsCmd)
}

var inspectCmd = &cobra.Command{
	Use:   "inspect",
	Short: "Inspect runs in the checkpoint log",
	Long: `Inspect runs recorded in a SQLite checkpoint log. No inspect command
appends checkpoints.

Examples:
  # List every run with its latest status
  graphd inspect runs --db /var/lib/graphd/runs.db

  # Show the latest state of a run
  graphd inspect latest 0b7e... --db runs.db

  # List a run's checkpoints and rebuild it as of sequence 3
  graphd inspect history 0b7e... --db runs.db
  graphd inspect replay 0b7e... 3 --db runs.db --json

  # Show recorded authorization violations
  graphd inspect violations --db runs.db`,
}

var inspectRunsCmd = &cobra.Command{
	Use:   "runs",
	Short: "List runs and their latest status",
	Args:  cobra.NoArgs,
	RunE:  runInspectRuns,
}

var inspectLatestCmd = &cobra.Command{
	Use:   "latest <run-id>",
	Short: "Show the most recent checkpoint of a run",
	Args:  cobra.ExactArgs(1),
	RunE:  runInspectLatest,
}

var inspectHistoryCmd = &cobra.Command{
	Use:   "history <run-id>",
	Short: "List every checkpoint of a run",
	Args:  cobra.ExactArgs(1),
	RunE:  runInspectHistory,
}

var inspectReplayCmd = &cobra.Command{
	Use:   "replay <run-id> <sequence>",
	Short: "Rebuild a run as of a checkpoint sequence",
	Args:  cobra.ExactArgs(2),
	RunE:  runInspectReplay,
}

var inspectViolationsCmd = &cobra.Command{
	Use:   "violations [run-id]",
	Short: "List recorded authorization violations",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runInspectViolations,
}

// runSummary is one row of `inspect runs`.
type runSummary struct {
	ID              string       `json:"id"`
	Parent          string       `json:"parent,omitempty"`
	Status          state.Status `json:"status"`
	Step            int          `json:"step"`
	Steps           int          `json:"steps"`
	BudgetRemaining int64        `json:"budget_remaining"`
	Version         int64        `json:"version"`
	CreatedAt       time.Time    `json:"created_at"`
}

func runInspectRuns(cmd *cobra.Command, _ []string) error {
	svc, err := openInspect()
	if err != nil {
		return err
	}
	defer svc.Close()

	ctx := cmd.Context()
	log := svc.Checkpoints()
	ids, err := log.Runs(ctx)
	if err != nil {
		return fmt.Errorf("failed to list runs: %w", err)
	}

	rows := make([]runSummary, 0, len(ids))
	for _, id := range ids {
		run, err := log.Latest(ctx, id)
		if err != nil {
			return fmt.Errorf("failed to load run %s: %w", id, err)
		}
		row := runSummary{
			ID:              run.ID,
			Status:          run.Status,
			Step:            run.Cursor,
			Steps:           len(run.Plan),
			BudgetRemaining: run.BudgetRemaining,
			Version:         run.Version,
			CreatedAt:       run.CreatedAt,
		}
		if run.Parent != nil {
			row.Parent = run.Parent.RunID
		}
		rows = append(rows, row)
	}

	out := cmd.OutOrStdout()
	if outputJSONFlag {
		return outputJSON(out, rows)
	}
	if len(rows) == 0 {
		fmt.Fprintln(out, "No runs found")
		return nil
	}

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "RUN\tSTATUS\tSTEP\tBUDGET\tVERSION\tCREATED")
	for _, r := range rows {
		fmt.Fprintf(w, "%s\t%s\t%d/%d\t%d\t%d\t%s\n",
			truncate(r.ID, 48),
			r.Status,
			r.Step, r.Steps,
			r.BudgetRemaining,
			r.Version,
			r.CreatedAt.Format("2006-01-02 15:04:05"),
		)
	}
	return w.Flush()
}

func runInspectLatest(cmd *cobra.Command, args []string) error {
	svc, err := openInspect()
	if err != nil {
		return err
	}
	defer svc.Close()

	run, err := svc.Checkpoints().Latest(cmd.Context(), args[0])
	if err != nil {
		return fmt.Errorf("failed to load run %s: %w", args[0], err)
	}
	return printRun(cmd.OutOrStdout(), run)
}

func runInspectHistory(cmd *cobra.Command, args []string) error {
	svc, err := openInspect()
	if err != nil {
		return err
	}
	defer svc.Close()

	var cps []checkpoint.Checkpoint
	for cp, err := range svc.Checkpoints().History(cmd.Context(), args[0]) {
		if err != nil {
			return fmt.Errorf("failed to read history of %s: %w", args[0], err)
		}
		cp.Snapshot = nil
		cps = append(cps, cp)
	}

	out := cmd.OutOrStdout()
	if outputJSONFlag {
		return outputJSON(out, cps)
	}
	if len(cps) == 0 {
		return fmt.Errorf("run %s: %w", args[0], checkpoint.ErrNotFound)
	}

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "SEQ\tVERSION\tSTATUS\tCREATED")
	for _, cp := range cps {
		fmt.Fprintf(w, "%d\t%d\t%s\t%s\n",
			cp.Sequence, cp.Version, cp.Status,
			cp.CreatedAt.Format("2006-01-02 15:04:05.000"))
	}
	return w.Flush()
}

func runInspectReplay(cmd *cobra.Command, args []string) error {
	seq, err := strconv.ParseInt(args[1], 10, 64)
	if err != nil || seq < 1 {
		return fmt.Errorf("invalid sequence %q: must be a positive integer", args[1])
	}

	svc, err := openInspect()
	if err != nil {
		return err
	}
	defer svc.Close()

	run, err := svc.Checkpoints().ReplayTo(cmd.Context(), args[0], seq)
	if err != nil {
		return fmt.Errorf("failed to replay %s to %d: %w", args[0], seq, err)
	}
	return printRun(cmd.OutOrStdout(), run)
}

func runInspectViolations(cmd *cobra.Command, args []string) error {
	svc, err := openInspect()
	if err != nil {
		return err
	}
	defer svc.Close()

	var runID string
	if len(args) == 1 {
		runID = args[0]
	}
	vs, err := svc.Violations().Violations(cmd.Context(), runID)
	if err != nil {
		return fmt.Errorf("failed to list violations: %w", err)
	}

	out := cmd.OutOrStdout()
	if outputJSONFlag {
		return outputJSON(out, vs)
	}
	if len(vs) == 0 {
		fmt.Fprintln(out, "No violations found")
		return nil
	}

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "TIME\tRUN\tROLE\tDOMAIN\tACTION\tREASON")
	for _, v := range vs {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
			v.Timestamp.Format("2006-01-02 15:04:05"),
			truncate(v.RunID, 48),
			v.RequestedBy,
			v.TargetDomain,
			v.Action,
			truncate(v.Reason, 60),
		)
	}
	return w.Flush()
}

func printRun(out io.Writer, run state.Run) error {
	if outputJSONFlag {
		return outputJSON(out, run)
	}

	fmt.Fprintf(out, "Run:       %s\n", run.ID)
	if run.Parent != nil {
		fmt.Fprintf(out, "Parent:    %s (step %d, %s)\n", run.Parent.RunID, run.Parent.Step, run.Parent.WorkerID)
	}
	fmt.Fprintf(out, "Objective: %s\n", run.Objective.Description)
	fmt.Fprintf(out, "Status:    %s\n", run.Status)
	if run.FailureReason != "" {
		fmt.Fprintf(out, "Reason:    %s\n", run.FailureReason)
	}
	fmt.Fprintf(out, "Step:      %d/%d\n", run.Cursor, len(run.Plan))
	fmt.Fprintf(out, "Budget:    %d of %d\n", run.BudgetRemaining, run.Objective.Constraints.BudgetCeiling)
	fmt.Fprintf(out, "Version:   %d\n", run.Version)

	if len(run.Outputs) > 0 {
		fmt.Fprintln(out, "\nOutputs:")
		w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "STEP\tWORKER\tCOST\tSUMMARY")
		for _, o := range run.Outputs {
			fmt.Fprintf(w, "%d\t%s\t%d\t%s\n", o.Step, o.WorkerID, o.Cost, truncate(o.Summary, 60))
		}
		if err := w.Flush(); err != nil {
			return err
		}
	}
	if len(run.PendingApprovals) > 0 {
		fmt.Fprintln(out, "\nPending approvals:")
		w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tWORKER\tRISK\tCOST\tACTION")
		for _, a := range run.PendingApprovals {
			fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\n", a.ID, a.WorkerID, a.RiskLevel, a.EstimatedCost, truncate(a.ActionDescription, 60))
		}
		if err := w.Flush(); err != nil {
			return err
		}
	}
	return nil
}

// openInspect opens the configured SQLite log with every event sink off.
func openInspect() (*services.Services, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	if cfg.Checkpoint.Backend != config.BackendSQLite {
		return nil, errors.New("inspect needs a sqlite checkpoint log: pass --db or set checkpoint.backend")
	}
	if _, err := os.Stat(cfg.Checkpoint.SQLitePath); err != nil {
		return nil, fmt.Errorf("checkpoint log %s: %w", cfg.Checkpoint.SQLitePath, err)
	}
	cfg.Events.Log = false
	cfg.Events.Prometheus = false
	cfg.Events.NATS.Enabled = false

	logCfg, err := loggingConfig(cfg, true)
	if err != nil {
		return nil, err
	}
	logger, err := logging.NewLogger(logCfg, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create logger: %w", err)
	}

	return services.New(cfg, services.Options{Registerer: prometheus.NewRegistry()}, logger.Underlying())
}
