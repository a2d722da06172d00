package cli

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/roach88/tillsync/internal/config"
	"github.com/roach88/tillsync/internal/outbox"
)

// ValidationResult holds config validation results.
type ValidationResult struct {
	Valid       bool     `json:"valid"`
	File        string   `json:"file"`
	Tenants     []string `json:"tenants,omitempty"`
	EntityTypes []string `json:"entity_types,omitempty"`
	Schemas     int      `json:"schemas"`
	Errors      []string `json:"errors,omitempty"`
}

// NewValidateCommand creates the validate command.
func NewValidateCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate [config-file]",
		Short: "Validate a config file without touching the database",
		Long: `Validate a YAML config file against the built-in schema, check the
constraints spanning several keys, and compile every referenced payload
JSON Schema. Without an argument the --config file is validated.

Exit codes:
  0 - Config valid
  1 - Config invalid
  2 - Command error (file not given)`,
		Args:          cobra.MaximumNArgs(1),
		SilenceUsage:  true, // Don't print usage on errors
		SilenceErrors: true, // Don't print errors - we handle our own error output
		RunE: func(cmd *cobra.Command, args []string) error {
			path := rootOpts.Config
			if len(args) == 1 {
				path = args[0]
			}
			return runValidate(rootOpts, path, cmd)
		},
	}

	return cmd
}

func runValidate(opts *RootOptions, path string, cmd *cobra.Command) error {
	formatter := &OutputFormatter{
		Format:    opts.Format,
		Writer:    cmd.OutOrStdout(),
		ErrWriter: cmd.ErrOrStderr(),
		Verbose:   opts.Verbose,
	}
	if path == "" {
		return outputValidateError(formatter, ErrCodeInvalidInput, "no config file: pass a path or --config", nil)
	}

	formatter.VerboseLog("Validating %s", path)
	result := ValidationResult{File: path}

	cfg, err := config.Load(path)
	if err == nil {
		var reg *outbox.SchemaRegistry
		if reg, err = cfg.SchemaRegistry(); err == nil {
			result.Schemas = reg.Len()
		}
	}
	if err != nil {
		var verr *config.ValidationError
		if errors.As(err, &verr) {
			result.Errors = append(result.Errors, verr.Details)
		} else {
			result.Errors = append(result.Errors, err.Error())
		}
		return outputValidationErrors(formatter, result)
	}

	result.Valid = true
	result.Tenants = cfg.Tenants
	result.EntityTypes = cfg.EntityTypes
	return outputValidateSuccess(formatter, result)
}

// outputValidateSuccess outputs successful validation results.
func outputValidateSuccess(formatter *OutputFormatter, result ValidationResult) error {
	if formatter.Format == "json" {
		return formatter.Success(result)
	}

	fmt.Fprintf(formatter.Writer, "\u2713 %s is valid (%d tenant(s), %d entity type(s), %d schema(s))\n",
		result.File, len(result.Tenants), len(result.EntityTypes), result.Schemas)
	return nil
}

// outputValidateError outputs a single command error.
func outputValidateError(formatter *OutputFormatter, code, message string, details any) error {
	_ = formatter.Error(code, message, details)
	return NewExitError(ExitCommandError, fmt.Sprintf("%s: %s", code, message))
}

// outputValidationErrors outputs the problems found in a config file.
func outputValidationErrors(formatter *OutputFormatter, result ValidationResult) error {
	if formatter.Format == "json" {
		_ = formatter.Error(ErrCodeConfig, fmt.Sprintf("%s is invalid", result.File), result)
	} else {
		fmt.Fprintf(formatter.Writer, "\u2717 %s is invalid\n\n", result.File)
		for _, e := range result.Errors {
			fmt.Fprintf(formatter.Writer, "  %s\n", e)
		}
	}

	// Validation failures = exit code 1
	return NewExitError(ExitFailure, fmt.Sprintf("config validation failed with %d error(s)", len(result.Errors)))
}
