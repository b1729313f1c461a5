package cli

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/roach88/memsync/internal/record"
	"github.com/roach88/memsync/internal/store"
)

// HistoryOptions holds flags for the history command.
type HistoryOptions struct {
	*RootOptions
	Database string
	Kind     string
	ID       string
	After    int64
}

// HistoryEntry is one journaled change.
type HistoryEntry struct {
	Seq      int64  `json:"seq"`
	Kind     string `json:"kind"`
	Change   string `json:"change"`
	EntityID string `json:"entity_id"`
	Source   string `json:"source"`
	Payload  any    `json:"payload,omitempty"`
}

// HistoryResult holds the history command output.
type HistoryResult struct {
	Kind    string         `json:"kind,omitempty"`
	ID      string         `json:"id,omitempty"`
	Changes []HistoryEntry `json:"changes"`
}

// NewHistoryCommand creates the history command.
func NewHistoryCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &HistoryOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "history",
		Short: "List journaled changes",
		Long: `List the changes recorded in the journal, oldest first.

--kind limits the output to one entity kind and --id (with --kind) to one
entity. With --after, only changes with a greater seq are shown.

Examples:
  memsync history --db ./memsync.db
  memsync history --db ./memsync.db --kind member --id 64f1c2
  memsync history --db ./memsync.db --after 120 --format json`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runHistory(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Database, "db", "", "path to SQLite journal (required)")
	_ = cmd.MarkFlagRequired("db")
	cmd.Flags().StringVar(&opts.Kind, "kind", "", "only changes to this entity kind")
	cmd.Flags().StringVar(&opts.ID, "id", "", "only changes to this entity (requires --kind)")
	cmd.Flags().Int64Var(&opts.After, "after", 0, "only changes after this seq")

	return cmd
}

func runHistory(opts *HistoryOptions, cmd *cobra.Command) error {
	ctx := commandContext(cmd)

	if opts.ID != "" && opts.Kind == "" {
		return NewExitError(ExitCommandError, "--id requires --kind")
	}
	if err := requireFile(opts.Database, "journal"); err != nil {
		return err
	}
	st, err := store.Open(opts.Database)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to open journal", err)
	}
	defer st.Close()

	var changes []store.Change
	if opts.ID != "" {
		changes, err = st.ReadEntityHistory(ctx, opts.Kind, opts.ID)
	} else {
		changes, err = st.ReadChanges(ctx, opts.After)
	}
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to read journal", err)
	}

	result := HistoryResult{Kind: opts.Kind, ID: opts.ID, Changes: []HistoryEntry{}}
	for _, c := range changes {
		if c.Seq <= opts.After || (opts.Kind != "" && c.Kind != opts.Kind) {
			continue
		}
		entry := HistoryEntry{
			Seq:      c.Seq,
			Kind:     c.Kind,
			Change:   c.Change,
			EntityID: c.EntityID,
			Source:   c.Source,
		}
		if opts.Verbose || opts.Format == "json" {
			entry.Payload = record.ToAny(c.Payload)
		}
		result.Changes = append(result.Changes, entry)
	}

	if opts.Format == "json" {
		encoder := json.NewEncoder(cmd.OutOrStdout())
		encoder.SetIndent("", "  ")
		return encoder.Encode(result)
	}

	out := cmd.OutOrStdout()
	if len(result.Changes) == 0 {
		if opts.ID != "" {
			fmt.Fprintf(out, "No changes found for %s %s\n", opts.Kind, opts.ID)
		} else {
			fmt.Fprintln(out, "No changes found.")
		}
		return nil
	}

	for _, e := range result.Changes {
		fmt.Fprintf(out, "[%d] %s %s %s (%s)\n", e.Seq, e.Change, e.Kind, e.EntityID, e.Source)
		if e.Payload != nil {
			if v, err := record.FromAny(e.Payload); err == nil {
				if data, err := record.MarshalCanonical(v); err == nil {
					fmt.Fprintf(out, "      %s\n", data)
				}
			}
		}
	}
	return nil
}
