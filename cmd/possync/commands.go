package main

import (
	"context"
	"fmt"
	"io"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"possync/internal/registry"
	"possync/internal/store/sqlite"
	"possync/internal/types"

	"github.com/spf13/cobra"
)

// Offline commands edit the durable store directly. A running process only
// sees the change after restart; use the admin API for live edits.

func openStore() (*sqlite.Store, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	return sqlite.NewSqliteStore(cfg.Store.Path)
}

func newRegistryCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "registry",
		Short: "Inspect or edit the active contract registry",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List active contracts",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRegistry(cmd.Context(), func(ctx context.Context, reg *registry.Registry) error {
				printActive(cmd.OutOrStdout(), reg.ListActive(), reg.Version())
				return nil
			})
		},
	})

	var (
		symbol, right, expiry, strategy string
		strike, multiplier              float64
	)
	add := &cobra.Command{
		Use:   "add <contract-id>",
		Short: "Register a contract for active management",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			contract, err := contractFromFlags(args[0], symbol, right, expiry, strike, multiplier)
			if err != nil {
				return err
			}
			return withRegistry(cmd.Context(), func(ctx context.Context, reg *registry.Registry) error {
				ac, err := reg.AddActive(ctx, contract, strategy)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "added %s (%s) version=%d\n", ac.ID, ac.Symbol, reg.Version())
				return nil
			})
		},
	}
	add.Flags().StringVar(&symbol, "symbol", "", "underlying symbol")
	add.Flags().StringVar(&right, "right", "", "C or P; empty for stock")
	add.Flags().StringVar(&expiry, "expiry", "", "expiry date YYYY-MM-DD")
	add.Flags().Float64Var(&strike, "strike", 0, "strike price")
	add.Flags().Float64Var(&multiplier, "multiplier", 0, "contract multiplier (default 100 for options)")
	add.Flags().StringVar(&strategy, "strategy", "", "owning strategy id")
	_ = add.MarkFlagRequired("symbol")
	cmd.AddCommand(add)

	cmd.AddCommand(&cobra.Command{
		Use:   "remove <contract-id>",
		Short: "Deregister a contract",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRegistry(cmd.Context(), func(ctx context.Context, reg *registry.Registry) error {
				if err := reg.RemoveActive(ctx, strings.TrimSpace(args[0])); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "removed %s version=%d\n", args[0], reg.Version())
				return nil
			})
		},
	})
	return cmd
}

func withRegistry(ctx context.Context, fn func(context.Context, *registry.Registry) error) error {
	if ctx == nil {
		ctx = context.Background()
	}
	st, err := openStore()
	if err != nil {
		return err
	}
	defer st.Close()
	reg := registry.New(st.Registry())
	if err := reg.Load(ctx); err != nil {
		return err
	}
	return fn(ctx, reg)
}

func contractFromFlags(id, symbol, right, expiry string, strike, multiplier float64) (types.Contract, error) {
	c := types.Contract{
		ID:         strings.TrimSpace(id),
		Symbol:     strings.ToUpper(strings.TrimSpace(symbol)),
		Strike:     strike,
		Multiplier: multiplier,
	}
	if strings.TrimSpace(right) != "" {
		c.Right = types.ParseRight(right)
		if c.Right == "" {
			return c, fmt.Errorf("--right must be C or P")
		}
	}
	if e := strings.TrimSpace(expiry); e != "" {
		t, err := time.Parse("2006-01-02", e)
		if err != nil {
			return c, fmt.Errorf("--expiry must be YYYY-MM-DD: %w", err)
		}
		c.Expiry = t
	}
	if c.Right != "" && c.Expiry.IsZero() {
		return c, fmt.Errorf("--expiry is required for options")
	}
	return c, nil
}

func printActive(w io.Writer, active []types.ActiveContract, version int64) {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "CONTRACT\tSYMBOL\tRIGHT\tSTRIKE\tEXPIRY\tSTRATEGY\tREGISTERED")
	for _, c := range active {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			c.ID, c.Symbol, dash(string(c.Right)), formatStrike(c.Strike), formatDate(c.Expiry), dash(c.StrategyID), c.RegisteredAt.Format(time.RFC3339))
	}
	tw.Flush()
	fmt.Fprintf(w, "%d active, version %d\n", len(active), version)
}

func newQueueCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "queue",
		Short: "Inspect the batch refresh queue",
	}
	var limit int
	failures := &cobra.Command{
		Use:   "failures",
		Short: "Print permanent failures, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := openStore()
			if err != nil {
				return err
			}
			defer st.Close()
			ctx := cmd.Context()
			if ctx == nil {
				ctx = context.Background()
			}
			list, err := st.Queue().ListFailures(ctx, limit)
			if err != nil {
				return err
			}
			printFailures(cmd.OutOrStdout(), list)
			return nil
		},
	}
	failures.Flags().IntVarP(&limit, "limit", "n", 50, "max rows")
	cmd.AddCommand(failures)

	cmd.AddCommand(&cobra.Command{
		Use:   "pending",
		Short: "Print queued items in drain order",
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := openStore()
			if err != nil {
				return err
			}
			defer st.Close()
			ctx := cmd.Context()
			if ctx == nil {
				ctx = context.Background()
			}
			items, err := st.Queue().LoadPending(ctx)
			if err != nil {
				return err
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "TIER\tCONTRACT\tSYMBOL\tRETRIES\tLAST_ERROR\tENQUEUED")
			for _, it := range items {
				fmt.Fprintf(tw, "%d\t%s\t%s\t%d\t%s\t%s\n", it.Tier, it.Contract.ID, it.Contract.Symbol, it.RetryCount, dash(it.LastErrorCategory), it.EnqueuedAt.Format(time.RFC3339))
			}
			return tw.Flush()
		},
	})
	return cmd
}

func printFailures(w io.Writer, list []types.QueueFailure) {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "FAILED_AT\tCONTRACT\tSYMBOL\tTIER\tRETRIES\tCATEGORY\tRETRYABLE\tERROR")
	for _, f := range list {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%d\t%s\t%t\t%s\n",
			f.FailedAt.Format(time.RFC3339), f.Contract.ID, f.Contract.Symbol, f.Tier, f.RetryCount, f.Category, f.Retryable, f.Error)
	}
	tw.Flush()
}

func dash(s string) string {
	if strings.TrimSpace(s) == "" {
		return "-"
	}
	return s
}

func formatStrike(v float64) string {
	if v == 0 {
		return "-"
	}
	return strconv.FormatFloat(v, 'f', -1, 64)
}

func formatDate(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.Format("2006-01-02")
}
