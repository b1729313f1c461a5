package cli

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/roach88/memsync/internal/engine"
	"github.com/roach88/memsync/internal/record"
	"github.com/roach88/memsync/internal/schema"
	"github.com/roach88/memsync/internal/status"
)

// LoadOptions holds flags for the load command.
type LoadOptions struct {
	*RootOptions
	Journal string
	Records bool
}

// CollectionSummary is one loaded collection.
type CollectionSummary struct {
	Kind    string `json:"kind"`
	Count   int    `json:"count"`
	Counter *int64 `json:"counter,omitempty"`
	Records []any  `json:"records,omitempty"`
	Error   string `json:"error,omitempty"`
}

// InvoiceStatus is an invoice with its derived status.
type InvoiceStatus struct {
	ID      string `json:"id"`
	Number  string `json:"number,omitempty"`
	Stored  string `json:"stored"`
	Status  string `json:"status"`
	Payment string `json:"payment,omitempty"`
}

// LoadResult holds the load command output.
type LoadResult struct {
	Collections []CollectionSummary `json:"collections"`
	Invoices    []InvoiceStatus     `json:"invoices,omitempty"`
}

// NewLoadCommand creates the load command.
func NewLoadCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &LoadOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "load [kind...]",
		Short: "Fetch collections once and print them",
		Long: `Fetch the named collections (every kind when none is given) with the
configured retry policy and print a summary. Invoices are listed with their
effective status derived from the loaded payments.

Exit codes:
  0 - Every collection loaded
  1 - One or more collections failed to load
  2 - Command error (bad config, unknown kind, etc.)

Examples:
  memsync load --config ./memsync.yaml
  memsync load --config ./memsync.yaml member invoices
  memsync load --config ./memsync.yaml --records --format json`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runLoad(opts, args, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Journal, "journal", "", "journal the loaded state to this SQLite file")
	cmd.Flags().BoolVar(&opts.Records, "records", false, "include every record in the output")

	return cmd
}

func runLoad(opts *LoadOptions, args []string, cmd *cobra.Command) error {
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
	kinds, err := rt.kinds(args)
	if err != nil {
		return err
	}
	client, err := rt.newAPIClient()
	if err != nil {
		return err
	}

	ctx := commandContext(cmd)
	engOpts := []engine.Option{engine.WithRetryPolicy(rt.retryPolicy())}
	if path := firstNonEmpty(opts.Journal, rt.cfg.Journal.Path); path != "" {
		st, warm, err := openJournal(ctx, path, rt.schema)
		if err != nil {
			return err
		}
		defer st.Close()
		engOpts = append(engOpts, warm...)
	}
	eng := engine.New(rt.schema, client, engOpts...)

	loadErrs := make(map[string]error, len(kinds))
	err = withEngine(ctx, eng, func(ctx context.Context) error {
		for _, kind := range kinds {
			formatter.VerboseLog("Loading %s...", kind)
			if err := eng.Load(ctx, kind); err != nil {
				loadErrs[kind] = err
			}
		}
		return nil
	})
	if err != nil {
		return WrapExitError(ExitFailure, "engine error", err)
	}

	result := summarize(eng, kinds, loadErrs, opts.Records)
	if opts.Format == "json" {
		if err := formatter.Success(result); err != nil {
			return err
		}
	} else {
		writeLoadText(formatter.Writer, result)
	}

	if len(loadErrs) > 0 {
		return NewExitError(ExitFailure, fmt.Sprintf("%d of %d collections failed to load", len(loadErrs), len(kinds)))
	}
	return nil
}

func summarize(eng *engine.Engine, kinds []string, loadErrs map[string]error, withRecords bool) LoadResult {
	var result LoadResult
	loadedPayments := false

	for _, kind := range kinds {
		k, _ := eng.Schema().Kind(kind)
		coll := eng.Snapshot(kind)
		sum := CollectionSummary{Kind: kind, Count: len(coll)}
		if k.Counter != "" {
			n := eng.Counter(k.Counter)
			sum.Counter = &n
		}
		if err := loadErrs[kind]; err != nil {
			sum.Error = userFacing(err)
		}
		if withRecords {
			for _, e := range coll {
				sum.Records = append(sum.Records, record.ToAny(e.Fields))
			}
		}
		result.Collections = append(result.Collections, sum)
		if kind == schema.Payment {
			loadedPayments = true
		}
	}

	inv, ok := eng.Schema().Kind(schema.Invoice)
	if !ok || !loadedPayments {
		return result
	}
	for _, v := range eng.InvoiceViews() {
		result.Invoices = append(result.Invoices, invoiceStatus(eng, inv, v))
	}
	return result
}

func invoiceStatus(eng *engine.Engine, inv *schema.Kind, v status.View) InvoiceStatus {
	out := InvoiceStatus{Stored: v.Stored, Status: v.Status}
	out.ID, _ = inv.ID(v.Invoice)
	out.Number, _ = inv.Business(v.Invoice)
	if v.Payment != nil {
		if pk, ok := eng.Schema().Kind(schema.Payment); ok {
			out.Payment, _ = pk.ID(v.Payment)
		}
	}
	return out
}

func writeLoadText(w io.Writer, result LoadResult) {
	for _, c := range result.Collections {
		line := fmt.Sprintf("%-10s %d records", c.Kind, c.Count)
		if c.Counter != nil {
			line += fmt.Sprintf(" (counter=%d)", *c.Counter)
		}
		if c.Error != "" {
			line += " FAILED: " + c.Error
		}
		fmt.Fprintln(w, line)
		for _, r := range c.Records {
			v, err := record.FromAny(r)
			if err != nil {
				continue
			}
			if data, err := record.MarshalCanonical(v); err == nil {
				fmt.Fprintf(w, "  %s\n", data)
			}
		}
	}

	if len(result.Invoices) == 0 {
		return
	}
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Invoices:")
	for _, inv := range result.Invoices {
		label := inv.ID
		if inv.Number != "" {
			label = fmt.Sprintf("%s (%s)", inv.Number, inv.ID)
		}
		fmt.Fprintf(w, "  %-28s %s", label, inv.Status)
		if inv.Status != inv.Stored {
			fmt.Fprintf(w, " [stored: %s]", inv.Stored)
		}
		fmt.Fprintln(w)
	}
}

// withEngine runs eng for the duration of fn, then checkpoints and stops it.
func withEngine(ctx context.Context, eng *engine.Engine, fn func(ctx context.Context) error) error {
	engCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- eng.Run(engCtx) }()

	fnErr := fn(ctx)
	return errors.Join(fnErr, shutdownAfter(eng, done, nil))
}

func commandContext(cmd *cobra.Command) context.Context {
	if ctx := cmd.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
