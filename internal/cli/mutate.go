package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/roach88/memsync/internal/engine"
	"github.com/roach88/memsync/internal/record"
	"github.com/roach88/memsync/internal/syncerr"
)

// Mutation operations.
const (
	opCreate = "create"
	opUpdate = "update"
	opDelete = "delete"
)

// MutateOptions holds flags shared by the mutate subcommands.
type MutateOptions struct {
	*RootOptions
	Data     string // inline JSON object
	DataFile string // path to a JSON object, "-" for stdin
	Journal  string
}

// MutationResult is the output of a successful mutation.
type MutationResult struct {
	Op     string `json:"op"`
	Kind   string `json:"kind"`
	ID     string `json:"id"`
	Record any    `json:"record,omitempty"`
}

// NewMutateCommand creates the mutate command and its subcommands.
func NewMutateCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &MutateOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "mutate",
		Short: "Create, update or delete one record",
		Long: `Send one mutation through the sync engine.

The change is applied optimistically, sent to the server and confirmed or
rolled back. Server rejections are reported with the server's message.

Exit codes:
  0 - Mutation confirmed
  1 - Mutation rejected or failed
  2 - Command error (bad config, invalid data, etc.)

Examples:
  memsync mutate create member --data '{"name":"Jane Doe","email":"jane@example.com"}'
  memsync mutate update invoice 64f1c2 --data '{"status":"Paid"}'
  memsync mutate delete donation 64f1c9`,
	}

	cmd.PersistentFlags().StringVar(&opts.Journal, "journal", "", "journal the change to this SQLite file")

	create := &cobra.Command{
		Use:           "create <kind>",
		Short:         "Create a record",
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runMutate(opts, opCreate, args[0], "", cmd)
		},
	}
	update := &cobra.Command{
		Use:           "update <kind> <id>",
		Short:         "Patch a record",
		Args:          cobra.ExactArgs(2),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runMutate(opts, opUpdate, args[0], args[1], cmd)
		},
	}
	del := &cobra.Command{
		Use:           "delete <kind> <id>",
		Short:         "Delete a record",
		Args:          cobra.ExactArgs(2),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runMutate(opts, opDelete, args[0], args[1], cmd)
		},
	}
	for _, c := range []*cobra.Command{create, update} {
		c.Flags().StringVar(&opts.Data, "data", "", "record fields as a JSON object")
		c.Flags().StringVar(&opts.DataFile, "data-file", "", "read the JSON object from a file (- for stdin)")
		c.MarkFlagsMutuallyExclusive("data", "data-file")
		c.MarkFlagsOneRequired("data", "data-file")
	}

	cmd.AddCommand(create, update, del)
	return cmd
}

func runMutate(opts *MutateOptions, op, kindArg, id string, cmd *cobra.Command) error {
	formatter := &OutputFormatter{
		Format:    opts.Format,
		Writer:    cmd.OutOrStdout(),
		ErrWriter: cmd.ErrOrStderr(),
		Verbose:   opts.Verbose,
	}

	rt, err := loadRuntime(opts.RootOptions, cmd.ErrOrStderr())
	if err != nil {
		return err
	}
	kinds, err := rt.kinds([]string{kindArg})
	if err != nil {
		return err
	}
	kind := kinds[0]

	var data record.Object
	if op != opDelete {
		data, err = readData(opts, cmd)
		if err != nil {
			return WrapExitError(ExitCommandError, "invalid --data", err)
		}
	}

	client, err := rt.newAPIClient()
	if err != nil {
		return err
	}

	ctx := commandContext(cmd)
	var engOpts []engine.Option
	if path := firstNonEmpty(opts.Journal, rt.cfg.Journal.Path); path != "" {
		st, warm, err := openJournal(ctx, path, rt.schema)
		if err != nil {
			return err
		}
		defer st.Close()
		engOpts = append(engOpts, warm...)
	}
	eng := engine.New(rt.schema, client, engOpts...)
	h := eng.Kind(kind)

	var (
		result record.Object
		opErr  error
	)
	err = withEngine(ctx, eng, func(ctx context.Context) error {
		formatter.VerboseLog("Sending %s %s...", op, kind)
		switch op {
		case opCreate:
			result, opErr = h.Create(ctx, data)
		case opUpdate:
			result, opErr = h.Update(ctx, id, data)
		case opDelete:
			opErr = h.Delete(ctx, id)
		}
		return nil
	})
	if err != nil {
		return WrapExitError(ExitFailure, "engine error", err)
	}

	if opErr != nil {
		if err := formatter.SyncError(opErr); err != nil {
			return err
		}
		return WrapExitError(ExitFailure, fmt.Sprintf("%s %s failed", op, kind), opErr)
	}

	out := MutationResult{Op: op, Kind: kind, ID: id}
	if result != nil {
		if k, ok := rt.schema.Kind(kind); ok {
			out.ID, _ = k.ID(result)
		}
		out.Record = record.ToAny(result)
	}
	if opts.Format == "json" {
		return formatter.Success(out)
	}

	fmt.Fprintf(formatter.Writer, "%s %s %s: ok\n", op, kind, out.ID)
	if result != nil {
		if data, err := record.MarshalCanonical(result); err == nil {
			fmt.Fprintf(formatter.Writer, "  %s\n", data)
		}
	}
	return nil
}

func readData(opts *MutateOptions, cmd *cobra.Command) (record.Object, error) {
	raw := []byte(opts.Data)
	switch opts.DataFile {
	case "":
	case "-":
		b, err := io.ReadAll(cmd.InOrStdin())
		if err != nil {
			return nil, err
		}
		raw = b
	default:
		b, err := os.ReadFile(opts.DataFile)
		if err != nil {
			return nil, err
		}
		raw = b
	}
	obj, err := record.DecodeObject(raw)
	if err != nil {
		return nil, err
	}
	if len(obj) == 0 {
		return nil, errors.New("data must be a non-empty JSON object")
	}
	return obj, nil
}

// userFacing returns the message to show for a sync error.
func userFacing(err error) string {
	var se *syncerr.Error
	if errors.As(err, &se) {
		return se.UserMessage()
	}
	return err.Error()
}
