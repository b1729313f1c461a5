package cli

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/roach88/memsync/internal/config"
	"github.com/roach88/memsync/internal/schema"
)

// ValidateOptions holds flags for the validate command.
type ValidateOptions struct {
	*RootOptions
	Print bool // print the built-in schema source
}

// ValidationIssue is one problem found by validate.
type ValidationIssue struct {
	Source  string `json:"source"` // "schema" or "config"
	Field   string `json:"field,omitempty"`
	Message string `json:"message"`
	Line    int    `json:"line,omitempty"`
}

// KindSummary describes one compiled kind.
type KindSummary struct {
	Name       string `json:"name"`
	Collection string `json:"collection"`
	IDField    string `json:"id_field"`
	Counter    string `json:"counter,omitempty"`
}

// ValidationResult holds validation results.
type ValidationResult struct {
	Valid  bool              `json:"valid"`
	Kinds  []KindSummary     `json:"kinds,omitempty"`
	Errors []ValidationIssue `json:"errors,omitempty"`
}

// NewValidateCommand creates the validate command.
func NewValidateCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ValidateOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "validate [schema.cue]",
		Short: "Validate an entity schema and config file",
		Long: `Compile a CUE entity schema and report every problem with its position.

Without an argument the schema named by the config file (or the built-in
membership schema) is checked. When --config is given the file is validated
as well.

Examples:
  memsync validate ./entities.cue
  memsync validate --config ./memsync.yaml
  memsync validate --print > entities.cue`,
		Args:          cobra.MaximumNArgs(1),
		SilenceUsage:  true, // Don't print usage on errors
		SilenceErrors: true, // Don't print errors - we handle our own error output
		RunE: func(cmd *cobra.Command, args []string) error {
			return runValidate(opts, args, cmd)
		},
	}

	cmd.Flags().BoolVar(&opts.Print, "print", false, "print the built-in schema source and exit")

	return cmd
}

func runValidate(opts *ValidateOptions, args []string, cmd *cobra.Command) error {
	formatter := &OutputFormatter{
		Format:    opts.Format,
		Writer:    cmd.OutOrStdout(),
		ErrWriter: cmd.ErrOrStderr(), // Verbose logs go to stderr to avoid corrupting JSON
		Verbose:   opts.Verbose,
	}

	if opts.Print {
		fmt.Fprint(formatter.Writer, schema.DefaultSource())
		return nil
	}

	var issues []ValidationIssue

	schemaPath := ""
	if opts.Config != "" {
		formatter.VerboseLog("Validating config %s", opts.Config)
		cfg, err := config.LoadFile(opts.Config)
		if err != nil {
			issues = append(issues, configIssues(err)...)
		} else {
			schemaPath = cfg.Schema
		}
	}
	if len(args) == 1 {
		schemaPath = args[0]
	}

	var s *schema.Schema
	if schemaPath == "" {
		formatter.VerboseLog("Validating built-in schema")
		s = schema.Default()
	} else {
		formatter.VerboseLog("Validating schema %s", schemaPath)
		var err error
		s, err = schema.LoadFile(schemaPath)
		if err != nil {
			issues = append(issues, schemaIssue(err))
		}
	}

	if len(issues) > 0 {
		return outputValidationErrors(formatter, issues)
	}
	return outputValidateSuccess(formatter, s)
}

func schemaIssue(err error) ValidationIssue {
	var le *schema.LoadError
	if errors.As(err, &le) {
		issue := ValidationIssue{Source: "schema", Field: le.Field, Message: le.Message}
		if le.Pos.IsValid() {
			issue.Line = le.Pos.Line()
		}
		return issue
	}
	return ValidationIssue{Source: "schema", Message: err.Error()}
}

// configIssues splits a joined config error into one issue per field.
func configIssues(err error) []ValidationIssue {
	var issues []ValidationIssue
	for _, e := range flatten(err) {
		issues = append(issues, ValidationIssue{Source: "config", Message: e.Error()})
	}
	return issues
}

func flatten(err error) []error {
	if joined, ok := err.(interface{ Unwrap() []error }); ok {
		var out []error
		for _, e := range joined.Unwrap() {
			out = append(out, flatten(e)...)
		}
		return out
	}
	if inner := errors.Unwrap(err); inner != nil {
		if _, ok := inner.(interface{ Unwrap() []error }); ok {
			return flatten(inner)
		}
	}
	return []error{err}
}

// outputValidateSuccess outputs successful validation results.
func outputValidateSuccess(formatter *OutputFormatter, s *schema.Schema) error {
	result := ValidationResult{Valid: true}
	for _, k := range s.Kinds() {
		result.Kinds = append(result.Kinds, KindSummary{
			Name:       k.Name,
			Collection: k.Collection,
			IDField:    k.IDField,
			Counter:    k.Counter,
		})
	}

	if formatter.Format == "json" {
		return formatter.Success(result)
	}

	fmt.Fprintf(formatter.Writer, "✓ Schema valid (%d kinds)\n", len(result.Kinds))
	if formatter.Verbose {
		for _, k := range result.Kinds {
			fmt.Fprintf(formatter.Writer, "  %-10s /%s id=%s\n", k.Name, k.Collection, k.IDField)
		}
	}
	return nil
}

// outputValidationErrors outputs multiple validation errors.
func outputValidationErrors(formatter *OutputFormatter, issues []ValidationIssue) error {
	if formatter.Format == "json" {
		result := ValidationResult{
			Valid:  false,
			Errors: issues,
		}

		response := CLIResponse{
			Status: "error",
			Data:   result,
			Error: &CLIError{
				Code:    issueCode(issues[0]),
				Message: issues[0].Message,
			},
		}

		encoder := json.NewEncoder(formatter.Writer)
		encoder.SetIndent("", "  ")
		if err := encoder.Encode(response); err != nil {
			return err
		}

		// Validation failures = exit code 1 (test/validation failure)
		return NewExitError(ExitFailure, fmt.Sprintf("validation failed with %d error(s)", len(issues)))
	}

	// Text format
	fmt.Fprintln(formatter.Writer, "✗ Validation failed")
	fmt.Fprintln(formatter.Writer)

	for _, issue := range issues {
		if issue.Line > 0 {
			fmt.Fprintf(formatter.Writer, "line %d\n", issue.Line)
		}
		fmt.Fprintf(formatter.Writer, "  %s: %s\n\n", issueCode(issue), issue.Message)
	}

	// Validation failures = exit code 1 (test/validation failure)
	return NewExitError(ExitFailure, fmt.Sprintf("validation failed with %d error(s)", len(issues)))
}

func issueCode(issue ValidationIssue) string {
	if issue.Source == "config" {
		return ErrCodeConfig
	}
	return ErrCodeSchema
}
