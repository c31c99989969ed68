package cli

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/roach88/sqfstream/internal/executor"
	"github.com/roach88/sqfstream/internal/journal"
	"github.com/roach88/sqfstream/internal/plan"
	"github.com/roach88/sqfstream/internal/scenario"
)

// SimulateOptions holds flags for the simulate command.
type SimulateOptions struct {
	*RootOptions
	Filter  string // scenario filter (glob pattern)
	Update  bool   // regenerate golden files
	Trace   bool   // include traces in the output
	Journal string // journal path, overrides journal.path
}

// ScenarioResult holds the result of a single scenario run.
type ScenarioResult struct {
	Name   string           `json:"name"`
	Pass   bool             `json:"pass"`
	Errors []string         `json:"errors,omitempty"`
	Trace  []scenario.Event `json:"trace,omitempty"`
}

// SimulateResult holds the overall simulation result.
type SimulateResult struct {
	Scenarios []ScenarioResult   `json:"scenarios"`
	Passed    int                `json:"passed"`
	Failed    int                `json:"failed"`
	Total     int                `json:"total"`
	Metrics   map[string]float64 `json:"metrics,omitempty"`
}

// NewSimulateCommand creates the simulate command.
func NewSimulateCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &SimulateOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "simulate <scenario-file-or-dir>...",
		Short: "Run scenarios against the chain simulator",
		Long: `Run scenario files end to end: quotes, plans and their execution
against an in-memory chain with scripted failures.

A scenario passes when every expectation holds and, if a golden file
exists at golden/<name>.golden next to it, its trace matches.

Exit codes:
  0 - All scenarios passed
  1 - One or more scenarios failed
  2 - Command error (invalid paths, etc.)

Examples:
  sqfstream simulate ./scenarios
  sqfstream simulate ./scenarios --filter "wrap-*"
  sqfstream simulate ./scenarios --update
  sqfstream simulate open-and-close.yaml --trace --format json`,
		Args:          cobra.MinimumNArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSimulate(opts, args, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Filter, "filter", "", "filter scenarios by glob pattern")
	cmd.Flags().BoolVar(&opts.Update, "update", false, "regenerate golden files")
	cmd.Flags().BoolVar(&opts.Trace, "trace", false, "print each scenario's trace")
	cmd.Flags().StringVar(&opts.Journal, "journal", "", "write the session journal to this file for inspection (default journal.path)")

	return cmd
}

func runSimulate(opts *SimulateOptions, paths []string, cmd *cobra.Command) error {
	out := opts.formatter(cmd)

	var files []string
	for _, p := range paths {
		if _, err := os.Stat(p); err != nil {
			return NewExitError(ExitCommandError, fmt.Sprintf("scenario path not found: %s", p))
		}
		found, err := findScenarioFiles(p, opts.Filter)
		if err != nil {
			return WrapExitError(ExitCommandError, "failed to find scenarios", err)
		}
		files = append(files, found...)
	}

	cfg := opts.config()
	params, err := cfg.Params()
	if err != nil {
		return WrapExitError(ExitCommandError, "invalid matching constants", err)
	}
	minGas, err := cfg.MinGasBalance()
	if err != nil {
		return WrapExitError(ExitCommandError, "invalid gas balance", err)
	}
	journalPath := cfg.Journal.Path
	if opts.Journal != "" {
		journalPath = opts.Journal
	}

	reg := prometheus.NewRegistry()
	runOpts := scenario.Options{
		Logger:        opts.logger(),
		JournalPath:   journalPath,
		Metrics:       executor.NewMetrics(reg, cfg.Metrics.Namespace),
		StepTimeout:   cfg.Executor.StepTimeout,
		Params:        params,
		MinGasBalance: minGas,
	}

	result := SimulateResult{Scenarios: make([]ScenarioResult, 0, len(files)), Total: len(files)}
	if len(files) == 0 {
		if opts.Format != "json" {
			fmt.Fprintln(cmd.OutOrStdout(), "No scenarios found.")
			return nil
		}
		return out.Success(result)
	}

	for _, file := range files {
		res := simulateScenario(cmd, opts, file, runOpts)
		result.Scenarios = append(result.Scenarios, res)
		if res.Pass {
			result.Passed++
		} else {
			result.Failed++
		}
	}

	result.Metrics, err = metricsSummary(reg)
	if err != nil {
		return WrapExitError(ExitFailure, "failed to gather metrics", err)
	}

	if opts.Format == "json" {
		if err := out.Success(result); err != nil {
			return err
		}
	} else {
		printSimulateText(cmd, opts, result)
	}

	if result.Failed > 0 {
		return NewExitError(ExitFailure, fmt.Sprintf("%d of %d scenarios failed", result.Failed, result.Total))
	}
	return nil
}

// findScenarioFiles returns the YAML files under path, or path itself when it
// is a file. filter matches base names without extension.
func findScenarioFiles(path string, filter string) ([]string, error) {
	var files []string

	err := filepath.WalkDir(path, func(p string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if p != path && d.Name() == "golden" {
				return filepath.SkipDir
			}
			return nil
		}

		ext := filepath.Ext(p)
		if ext != ".yaml" && ext != ".yml" {
			return nil
		}
		if filter != "" {
			name := strings.TrimSuffix(filepath.Base(p), ext)
			matched, err := filepath.Match(filter, name)
			if err != nil {
				return fmt.Errorf("invalid filter pattern: %w", err)
			}
			if !matched {
				return nil
			}
		}

		files = append(files, p)
		return nil
	})

	return files, err
}

func simulateScenario(cmd *cobra.Command, opts *SimulateOptions, file string, runOpts scenario.Options) ScenarioResult {
	sc, err := scenario.Load(file)
	if err != nil {
		return ScenarioResult{
			Name:   filepath.Base(file),
			Errors: []string{fmt.Sprintf("failed to load scenario: %v", err)},
		}
	}

	// Plan IDs stay deterministic in memory; a shared journal file needs them unique.
	inMemory := runOpts.JournalPath == "" || runOpts.JournalPath == journal.MemoryPath
	if !inMemory {
		runOpts.PlanPrefix = sc.Name + "-" + plan.UUIDv7Generator{}.Generate()
	}

	res, err := scenario.Run(cmd.Context(), sc, runOpts)
	if err != nil {
		return ScenarioResult{
			Name:   sc.Name,
			Errors: []string{fmt.Sprintf("execution failed: %v", err)},
		}
	}

	out := ScenarioResult{Name: sc.Name, Pass: res.Pass, Errors: res.Errors}
	if opts.Trace {
		out.Trace = res.Trace
	}

	if !inMemory {
		opts.formatter(cmd).VerboseLog("%s: golden comparison skipped with a journal file", sc.Name)
		return out
	}

	rendered, err := scenario.Render(res)
	if err != nil {
		out.Pass = false
		out.Errors = append(out.Errors, fmt.Sprintf("failed to render trace: %v", err))
		return out
	}
	goldenPath := goldenFilePath(file, sc.Name)

	if opts.Update {
		if err := os.MkdirAll(filepath.Dir(goldenPath), 0755); err != nil {
			out.Pass = false
			out.Errors = append(out.Errors, fmt.Sprintf("failed to create golden directory: %v", err))
			return out
		}
		if err := os.WriteFile(goldenPath, rendered, 0644); err != nil {
			out.Pass = false
			out.Errors = append(out.Errors, fmt.Sprintf("failed to write golden file: %v", err))
		}
		return out
	}

	golden, err := os.ReadFile(goldenPath)
	if os.IsNotExist(err) {
		return out
	}
	if err != nil {
		out.Pass = false
		out.Errors = append(out.Errors, fmt.Sprintf("failed to read golden file: %v", err))
		return out
	}
	if !bytes.Equal(golden, rendered) {
		out.Pass = false
		out.Errors = append(out.Errors, "trace does not match golden file (run with --update to regenerate)")
	}
	return out
}

// goldenFilePath returns golden/<name>.golden beside the scenario file.
func goldenFilePath(scenarioFile, name string) string {
	return filepath.Join(filepath.Dir(scenarioFile), "golden", name+".golden")
}

func printSimulateText(cmd *cobra.Command, opts *SimulateOptions, result SimulateResult) {
	w := cmd.OutOrStdout()
	for _, sc := range result.Scenarios {
		if sc.Pass {
			fmt.Fprintf(w, "✓ %s\n", sc.Name)
		} else {
			fmt.Fprintf(w, "✗ %s\n", sc.Name)
		}
		for _, e := range sc.Errors {
			fmt.Fprintf(w, "  %s\n", e)
		}
		if opts.Trace {
			rendered, err := scenario.Render(&scenario.Result{Trace: sc.Trace})
			if err == nil {
				for _, line := range strings.Split(strings.TrimSuffix(string(rendered), "\n"), "\n") {
					fmt.Fprintf(w, "    %s\n", line)
				}
			}
		}
	}
	fmt.Fprintf(w, "\n%d passed, %d failed, %d total\n", result.Passed, result.Failed, result.Total)
	if opts.Verbose {
		names := make([]string, 0, len(result.Metrics))
		for name := range result.Metrics {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			fmt.Fprintf(w, "  %s %g\n", name, result.Metrics[name])
		}
	}
}

// metricsSummary flattens the registry into name{labels} -> value. Histograms
// report their sample count.
func metricsSummary(reg *prometheus.Registry) (map[string]float64, error) {
	families, err := reg.Gather()
	if err != nil {
		return nil, err
	}
	out := make(map[string]float64)
	for _, mf := range families {
		for _, m := range mf.GetMetric() {
			var labels []string
			for _, lp := range m.GetLabel() {
				labels = append(labels, lp.GetName()+"="+lp.GetValue())
			}
			key := mf.GetName()
			if len(labels) > 0 {
				key += "{" + strings.Join(labels, ",") + "}"
			}
			switch {
			case m.GetCounter() != nil:
				out[key] = m.GetCounter().GetValue()
			case m.GetGauge() != nil:
				out[key] = m.GetGauge().GetValue()
			case m.GetHistogram() != nil:
				out[key+"_count"] = float64(m.GetHistogram().GetSampleCount())
			}
		}
	}
	return out, nil
}
