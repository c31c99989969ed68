package cli

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/roach88/sqfstream/internal/config"
	"github.com/roach88/sqfstream/internal/scenario"
)

// ValidateOptions holds flags for the validate command.
type ValidateOptions struct {
	*RootOptions
	Kind string // "scenario" | "config"
}

// FileResult is the validation outcome of one file.
type FileResult struct {
	Path  string `json:"path"`
	Valid bool   `json:"valid"`
	Error string `json:"error,omitempty"`
}

// ValidationResult holds validation results.
type ValidationResult struct {
	Valid bool         `json:"valid"`
	Files []FileResult `json:"files"`

	display string
}

func (r ValidationResult) String() string { return r.display }

// NewValidateCommand creates the validate command.
func NewValidateCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ValidateOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "validate <file-or-dir>...",
		Short: "Validate scenario or configuration files",
		Long: `Validate files without running anything.

Scenarios are checked for unknown keys and malformed steps. Configuration
files are checked against the configuration schema after environment
overrides are applied.

Examples:
  sqfstream validate ./scenarios
  sqfstream validate --kind config sqfstream.yaml`,
		Args:          cobra.MinimumNArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runValidate(opts, args, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Kind, "kind", "scenario", "file kind (scenario|config)")

	return cmd
}

func runValidate(opts *ValidateOptions, paths []string, cmd *cobra.Command) error {
	out := opts.formatter(cmd)

	var check func(path string) error
	switch opts.Kind {
	case "scenario":
		check = func(path string) error {
			_, err := scenario.Load(path)
			return err
		}
	case "config":
		check = func(path string) error {
			_, err := config.Load(path)
			return err
		}
	default:
		return NewExitError(ExitCommandError, fmt.Sprintf("invalid kind %q: must be scenario or config", opts.Kind))
	}

	var files []string
	for _, p := range paths {
		found, err := findScenarioFiles(p, "")
		if err != nil {
			return WrapExitError(ExitCommandError, "failed to find files", err)
		}
		files = append(files, found...)
	}

	result := ValidationResult{Valid: true, Files: make([]FileResult, 0, len(files))}
	var b strings.Builder
	for _, f := range files {
		out.VerboseLog("Validating %s", f)
		fr := FileResult{Path: f, Valid: true}
		if err := check(f); err != nil {
			fr.Valid = false
			fr.Error = err.Error()
			result.Valid = false
			fmt.Fprintf(&b, "✗ %s\n  %s\n", filepath.ToSlash(f), err)
		} else {
			fmt.Fprintf(&b, "✓ %s\n", filepath.ToSlash(f))
		}
		result.Files = append(result.Files, fr)
	}
	if len(files) == 0 {
		b.WriteString("No files found.\n")
	}
	result.display = b.String()

	if err := out.Success(result); err != nil {
		return err
	}
	if !result.Valid {
		return NewExitError(ExitFailure, "validation failed")
	}
	return nil
}
