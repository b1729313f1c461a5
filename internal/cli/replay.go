package cli

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/roach88/memsync/internal/identity"
	"github.com/roach88/memsync/internal/snapshot"
	"github.com/roach88/memsync/internal/store"
)

// ReplayOptions holds flags for the replay command.
type ReplayOptions struct {
	*RootOptions
	Database string
	State    bool // print the restored canonical state
	Compact  bool // drop changes covered by checkpoints afterwards
}

// ReplayKindResult summarizes one restored collection.
type ReplayKindResult struct {
	Kind    string `json:"kind"`
	Records int    `json:"records"`
}

// ReplayResult holds the overall replay result.
type ReplayResult struct {
	LastSeq       int64              `json:"last_seq"`
	Applied       int                `json:"applied"`
	Skipped       int                `json:"skipped"`
	Changes       int64              `json:"changes"`
	Snapshots     int64              `json:"snapshots"`
	Kinds         []ReplayKindResult `json:"kinds"`
	Counters      map[string]int64   `json:"counters"`
	Deterministic bool               `json:"deterministic"`
	Compacted     int64              `json:"compacted,omitempty"`
	State         json.RawMessage    `json:"state,omitempty"`
}

// NewReplayCommand creates the replay command.
func NewReplayCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ReplayOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "replay",
		Short: "Restore state from the journal and verify determinism",
		Long: `Restore the local mirror from the journal's latest checkpoints plus every
later change. The journal is replayed twice and the canonical encodings of
both results are compared byte for byte.

Exit codes:
  0 - Replay is deterministic
  1 - Determinism verification failed (differences detected)
  2 - Command error (journal not found, etc.)

Examples:
  memsync replay --db ./memsync.db
  memsync replay --db ./memsync.db --state --format json
  memsync replay --db ./memsync.db --compact`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runReplay(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Database, "db", "", "path to SQLite journal (required)")
	_ = cmd.MarkFlagRequired("db")
	cmd.Flags().BoolVar(&opts.State, "state", false, "print the restored state as canonical JSON")
	cmd.Flags().BoolVar(&opts.Compact, "compact", false, "delete changes already covered by checkpoints")

	return cmd
}

func runReplay(opts *ReplayOptions, cmd *cobra.Command) error {
	ctx := commandContext(cmd)

	rt, err := loadRuntime(opts.RootOptions, cmd.ErrOrStderr())
	if err != nil {
		return err
	}

	if err := requireFile(opts.Database, "journal"); err != nil {
		return err
	}
	st, err := store.Open(opts.Database)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to open journal", err)
	}
	defer st.Close()

	res := identity.New(rt.schema)

	// Replay twice into independent stores
	first := snapshot.New()
	rr, err := st.Replay(ctx, res, first)
	if err != nil {
		return WrapExitError(ExitCommandError, "first replay failed", err)
	}
	second := snapshot.New()
	if _, err := st.Replay(ctx, res, second); err != nil {
		return WrapExitError(ExitCommandError, "second replay failed", err)
	}

	a, err := first.Canonical()
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to encode state", err)
	}
	b, err := second.Canonical()
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to encode state", err)
	}

	stats, err := st.Stats(ctx)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to read journal stats", err)
	}

	result := ReplayResult{
		LastSeq:       rr.LastSeq,
		Applied:       rr.Applied,
		Skipped:       rr.Skipped,
		Changes:       stats.Changes,
		Snapshots:     stats.Snapshots,
		Counters:      first.Counters(),
		Deterministic: bytes.Equal(a, b),
	}
	for _, kind := range rt.schema.Names() {
		result.Kinds = append(result.Kinds, ReplayKindResult{Kind: kind, Records: first.Len(kind)})
	}
	if opts.State {
		result.State = a
	}

	if opts.Compact && result.Deterministic {
		n, err := st.Compact(ctx)
		if err != nil {
			return WrapExitError(ExitCommandError, "failed to compact journal", err)
		}
		result.Compacted = n
	}

	// Output results
	if opts.Format == "json" {
		if err := outputReplayJSON(cmd, result); err != nil {
			return err
		}
	} else {
		outputReplayText(cmd, result)
	}

	if !result.Deterministic {
		return NewExitError(ExitFailure, "replay is not deterministic")
	}
	return nil
}

// outputReplayJSON outputs replay results as JSON.
func outputReplayJSON(cmd *cobra.Command, result ReplayResult) error {
	encoder := json.NewEncoder(cmd.OutOrStdout())
	encoder.SetIndent("", "  ")
	return encoder.Encode(result)
}

// outputReplayText outputs replay results as human-readable text.
func outputReplayText(cmd *cobra.Command, result ReplayResult) {
	out := cmd.OutOrStdout()

	if result.Changes == 0 && result.Snapshots == 0 {
		fmt.Fprintln(out, "Journal is empty.")
		return
	}

	fmt.Fprintf(out, "Replayed journal up to seq %d (%d changes applied, %d skipped)\n",
		result.LastSeq, result.Applied, result.Skipped)
	fmt.Fprintln(out)
	for _, k := range result.Kinds {
		fmt.Fprintf(out, "  %-10s %d records\n", k.Kind, k.Records)
	}
	for _, name := range sortedKeys(result.Counters) {
		fmt.Fprintf(out, "  %-10s %d\n", name, result.Counters[name])
	}
	fmt.Fprintln(out)

	if result.Deterministic {
		fmt.Fprintln(out, "✓ Replay is deterministic")
	} else {
		fmt.Fprintln(out, "✗ Replay differs between runs")
	}
	if result.Compacted > 0 {
		fmt.Fprintf(out, "Compacted %d changes\n", result.Compacted)
	}
	if len(result.State) > 0 {
		fmt.Fprintf(out, "\n%s\n", result.State)
	}
}
