package cli

import (
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/roach88/sqfstream/internal/journal"
)

// JournalOptions holds flags for the journal command.
type JournalOptions struct {
	*RootOptions
	Database string
	Status   string // optional - filter plans by status
}

// JournalListResult lists journaled plans.
type JournalListResult struct {
	Plans []journal.PlanRecord `json:"plans"`

	display string
}

func (r JournalListResult) String() string { return r.display }

// JournalPlanResult is one plan with its step history.
type JournalPlanResult struct {
	Plan  journal.PlanRecord   `json:"plan"`
	Steps []journal.StepRecord `json:"steps"`

	display string
}

func (r JournalPlanResult) String() string { return r.display }

// NewJournalCommand creates the journal command.
func NewJournalCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &JournalOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "journal [plan-id]",
		Short: "Inspect the session journal",
		Long: `List journaled plans, or show one plan's step history.

Every step transition the executor reports is recorded with a
monotonic sequence number, so a plan's history reads in order.

The journal is in memory by default. Writing it to a file with
"simulate --journal" is a debugging aid: this command reads that file
back for inspection only, and no other command resumes from it.

Examples:
  sqfstream journal --db ./sqfstream.db
  sqfstream journal --db ./sqfstream.db --status failed
  sqfstream journal --db ./sqfstream.db plan-1 --format json`,
		Args:          cobra.MaximumNArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runJournal(opts, args, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Database, "db", "", "path to the journal database (default journal.path)")
	cmd.Flags().StringVar(&opts.Status, "status", "", "only list plans with this status")

	return cmd
}

func runJournal(opts *JournalOptions, args []string, cmd *cobra.Command) error {
	out := opts.formatter(cmd)

	path := opts.Database
	if path == "" {
		path = opts.config().Journal.Path
	}
	if path == "" || path == journal.MemoryPath {
		return NewExitError(ExitCommandError, "an in-memory journal cannot be inspected: pass --db or set journal.path")
	}

	j, err := journal.Open(path, opts.logger())
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to open journal", err)
	}
	defer j.Close()

	ctx := cmd.Context()
	if len(args) == 1 {
		rec, err := j.Plan(ctx, args[0])
		if errors.Is(err, journal.ErrPlanNotFound) {
			return out.Fail(ExitCommandError, "unknown plan", err)
		}
		if err != nil {
			return WrapExitError(ExitFailure, "failed to read plan", err)
		}
		steps, err := j.Steps(ctx, rec.ID)
		if err != nil {
			return WrapExitError(ExitFailure, "failed to read steps", err)
		}
		if steps == nil {
			steps = []journal.StepRecord{}
		}
		return out.Success(JournalPlanResult{Plan: rec, Steps: steps, display: planText(rec, steps)})
	}

	plans, err := j.Plans(ctx)
	if err != nil {
		return WrapExitError(ExitFailure, "failed to read plans", err)
	}
	filtered := make([]journal.PlanRecord, 0, len(plans))
	for _, p := range plans {
		if opts.Status == "" || p.Status == opts.Status {
			filtered = append(filtered, p)
		}
	}

	var b strings.Builder
	if len(filtered) == 0 {
		b.WriteString("No plans found.\n")
	}
	for _, p := range filtered {
		fmt.Fprintf(&b, "%-40s %-10s %d steps\n", p.ID, p.Status, p.TotalSteps)
	}
	return out.Success(JournalListResult{Plans: filtered, display: b.String()})
}

func planText(rec journal.PlanRecord, steps []journal.StepRecord) string {
	var b strings.Builder
	fmt.Fprintf(&b, "plan %s (%s)\n", rec.ID, rec.Status)
	fmt.Fprintf(&b, "digest %s\n", rec.Digest)
	if rec.FailedStep != nil {
		fmt.Fprintf(&b, "failed at step %d: %s\n", *rec.FailedStep, rec.Reason)
	}
	for _, s := range steps {
		line := fmt.Sprintf("  [%d] step %d %s %s", s.Seq, s.StepIndex, s.Label, s.Status)
		if s.Error != "" {
			line += ": " + s.Error
		}
		b.WriteString(line + "\n")
	}
	return b.String()
}
