package cli

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/roach88/offq/internal/config"
)

// ValidationError is one problem found in a config file.
type ValidationError struct {
	Path    string `json:"path,omitempty"`
	Message string `json:"message"`
}

// ValidationResult holds validation results.
type ValidationResult struct {
	File   string            `json:"file"`
	Valid  bool              `json:"valid"`
	Errors []ValidationError `json:"errors,omitempty"`
}

// NewValidateCommand creates the validate command.
func NewValidateCommand(rootOpts *RootOptions) *cobra.Command {
	var printConfig bool

	cmd := &cobra.Command{
		Use:   "validate [config-file]",
		Short: "Check a config file without opening the queue",
		Long: `Validate a config file against the offq schema.

Checks field types and ranges, cross-field constraints, the remote
base URL and any payload schemas. Defaults to --config.`,
		Args:          cobra.MaximumNArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			path := rootOpts.Config
			if len(args) == 1 {
				path = args[0]
			}
			return runValidate(rootOpts, path, printConfig, cmd)
		},
	}

	cmd.Flags().BoolVar(&printConfig, "print", false, "print the effective config as YAML")

	return cmd
}

func runValidate(opts *RootOptions, path string, printConfig bool, cmd *cobra.Command) error {
	formatter := newFormatter(opts, cmd)

	if _, err := os.Stat(path); err != nil {
		return formatter.Fail(ExitCommandError, ErrCodeConfig, "config file not readable", err)
	}

	result := ValidationResult{File: path, Valid: true}
	cfg, err := config.Load(path)
	if err == nil && cfg.Remote.BaseURL != "" {
		_, err = buildTransport(cfg)
	}
	if err != nil {
		result.Valid = false
		result.Errors = []ValidationError{toValidationError(err)}
	}

	if opts.Format == "json" {
		if err := formatter.Success(result); err != nil {
			return err
		}
	} else {
		outputValidateText(formatter, result)
		if result.Valid && printConfig {
			data, err := config.Marshal(cfg)
			if err != nil {
				return formatter.Fail(ExitFailure, ErrCodeGeneric, "failed to render config", err)
			}
			fmt.Fprint(formatter.Writer, string(data))
		}
	}

	if !result.Valid {
		return reported(NewExitError(ExitFailure, fmt.Sprintf("%s is invalid", path)))
	}
	return nil
}

func toValidationError(err error) ValidationError {
	var schemaErr *config.SchemaError
	if errors.As(err, &schemaErr) {
		return ValidationError{Path: schemaErr.Path, Message: schemaErr.Message}
	}
	return ValidationError{Message: err.Error()}
}

func outputValidateText(formatter *OutputFormatter, result ValidationResult) {
	w := formatter.Writer
	if result.Valid {
		fmt.Fprintf(w, "✓ %s is valid\n", result.File)
		return
	}
	fmt.Fprintf(w, "✗ %s\n", result.File)
	for _, e := range result.Errors {
		if e.Path != "" {
			fmt.Fprintf(w, "  %s: %s\n", e.Path, e.Message)
		} else {
			fmt.Fprintf(w, "  %s\n", e.Message)
		}
	}
}
