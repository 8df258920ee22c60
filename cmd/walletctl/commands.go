package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/808putnam/qtrade-relayer/jsonrpcserver"
	"github.com/808putnam/qtrade-relayer/keypool"
	"github.com/808putnam/qtrade-relayer/relayer"
	"github.com/flashbots/go-utils/cli"
	"github.com/gagliardetto/solana-go"
	"github.com/spf13/cobra"
	"github.com/ybbus/jsonrpc/v3"
)

var defaultEndpoint = cli.GetEnv("RELAYER_ENDPOINT", "http://127.0.0.1:8080")

// RootOptions holds global flags for all commands.
type RootOptions struct {
	Endpoint string
	Origin   string
	Format   string // "json" | "text"
	Timeout  time.Duration
}

func (o *RootOptions) client() jsonrpc.RPCClient {
	headers := map[string]string{jsonrpcserver.OriginHeader: o.Origin}
	return jsonrpc.NewClientWithOpts(o.Endpoint, &jsonrpc.RPCClientOpts{CustomHeaders: headers})
}

func (o *RootOptions) call(cmd *cobra.Command, out any, method string, params ...any) error {
	ctx, cancel := context.WithTimeout(cmd.Context(), o.Timeout)
	defer cancel()
	if err := o.client().CallFor(ctx, out, method, params...); err != nil {
		return fmt.Errorf("%s: %w", method, err)
	}
	return nil
}

func (o *RootOptions) print(w io.Writer, v any, text func(io.Writer)) error {
	if o.Format == "json" {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	}
	text(w)
	return nil
}

// NewRootCommand creates the walletctl command tree.
func NewRootCommand() *cobra.Command {
	opts := &RootOptions{}

	cmd := &cobra.Command{
		Use:           "walletctl",
		Short:         "Inspect and administer the relayer key and nonce pools",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if opts.Format != "text" && opts.Format != "json" {
				return fmt.Errorf("invalid format %q: must be text or json", opts.Format) //nolint:goerr113
			}
			return nil
		},
	}

	cmd.PersistentFlags().StringVarP(&opts.Endpoint, "endpoint", "e", defaultEndpoint, "relayer json-rpc endpoint")
	cmd.PersistentFlags().StringVar(&opts.Origin, "origin", "walletctl", "origin reported to the relayer")
	cmd.PersistentFlags().StringVar(&opts.Format, "format", "text", "output format (json|text)")
	cmd.PersistentFlags().DurationVar(&opts.Timeout, "timeout", time.Minute, "request timeout")

	cmd.AddCommand(
		newStatusCommand(opts),
		newBalanceCommand(opts),
		newAcquireCommand(opts),
		newReleaseCommand(opts),
		newProvidersCommand(opts),
		newAuditCommand(opts),
		newGenerateCommand(opts),
	)
	return cmd
}

func newStatusCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show nonce, key and provider pool status",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			var status relayer.PoolStatus
			if err := opts.call(cmd, &status, relayer.PoolStatusEndpointName); err != nil {
				return err
			}
			return opts.print(cmd.OutOrStdout(), status, func(w io.Writer) {
				fmt.Fprintf(w, "nonce accounts:\n")
				states := make([]string, 0, len(status.Nonces))
				for state := range status.Nonces {
					states = append(states, state)
				}
				sort.Strings(states)
				for _, state := range states {
					fmt.Fprintf(w, "  %-22s %d\n", state, status.Nonces[state])
				}
				fmt.Fprintf(w, "keys (%s):\n", status.Keys.Mode)
				tiers := make([]string, 0, len(status.Keys.Tiers))
				for tier := range status.Keys.Tiers {
					tiers = append(tiers, tier)
				}
				sort.Strings(tiers)
				for _, tier := range tiers {
					s := status.Keys.Tiers[tier]
					fmt.Fprintf(w, "  %-14s available=%d leased=%d retired=%d\n", tier, s.Available, s.Leased, s.Retired)
				}
				printProviders(w, status.Providers)
			})
		},
	}
}

func printProviders(w io.Writer, providers []relayer.HealthSnapshot) {
	fmt.Fprintf(w, "providers:\n")
	for _, p := range providers {
		active := " "
		if p.Active {
			active = "*"
		}
		fmt.Fprintf(w, "  %s %-14s score=%.2f success=%.2f avg_confirm_ms=%.0f", active, p.Name, p.Score, p.SuccessRate, p.AvgConfirmMs)
		if p.LastError != "" {
			fmt.Fprintf(w, " last_error=%q", p.LastError)
		}
		fmt.Fprintln(w)
	}
}

func newBalanceCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "balance",
		Short: "Run a key balancing pass now",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			var report keypool.BalanceReport
			if err := opts.call(cmd, &report, relayer.RebalanceEndpointName); err != nil {
				return err
			}
			return opts.print(cmd.OutOrStdout(), report, func(w io.Writer) {
				if report.Skipped {
					fmt.Fprintln(w, "skipped, another pass is running")
					return
				}
				fmt.Fprintf(w, "recovered=%d (%d lamports) removed=%d intermediates_funded=%d created=%d transfers=%d\n",
					report.Recovered, report.RecoveredLamports, report.Removed, report.IntermediatesFunded, report.Created, report.Transfers)
			})
		},
	}
}

func newAcquireCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "acquire",
		Short: "Lease a disposable key",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			var lease keypool.Lease
			if err := opts.call(cmd, &lease, relayer.AcquireDisposableEndpointName); err != nil {
				return err
			}
			return opts.print(cmd.OutOrStdout(), lease, func(w io.Writer) {
				fmt.Fprintf(w, "%s %s\n", lease.ID, lease.Token)
			})
		},
	}
}

func newReleaseCommand(opts *RootOptions) *cobra.Command {
	var keep bool
	cmd := &cobra.Command{
		Use:   "release <id> <token>",
		Short: "Release a key leased with acquire, retiring it unless --keep is set",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := solana.PublicKeyFromBase58(args[0])
			if err != nil {
				return fmt.Errorf("invalid key id %q: %w", args[0], err)
			}
			lease := keypool.Lease{ID: id, Token: args[1]}
			var res any
			if err := opts.call(cmd, &res, relayer.ReleaseDisposableEndpointName, lease, keep); err != nil {
				return err
			}
			status := "retired"
			if keep {
				status = "available"
			}
			return opts.print(cmd.OutOrStdout(), map[string]string{"id": id.String(), "status": status}, func(w io.Writer) {
				fmt.Fprintf(w, "%s %s\n", id, status)
			})
		},
	}
	cmd.Flags().BoolVar(&keep, "keep", false, "return the key to the pool instead of retiring it")
	return cmd
}

func newProvidersCommand(opts *RootOptions) *cobra.Command {
	var (
		check bool
		all   bool
	)
	cmd := &cobra.Command{
		Use:   "providers [name...]",
		Short: "Show provider health, or replace the active provider list",
		RunE: func(cmd *cobra.Command, args []string) error {
			if all && len(args) > 0 {
				return errors.New("--all can't be combined with provider names") //nolint:goerr113
			}
			if all || len(args) > 0 {
				names := args
				if all {
					names = []string{}
				}
				var active []string
				if err := opts.call(cmd, &active, relayer.SetActiveProvidersEndpointName, []any{names}); err != nil {
					return err
				}
				return opts.print(cmd.OutOrStdout(), active, func(w io.Writer) {
					fmt.Fprintf(w, "active: %s\n", strings.Join(active, ", "))
				})
			}

			var health []relayer.HealthSnapshot
			if err := opts.call(cmd, &health, relayer.ProviderHealthEndpointName, check); err != nil {
				return err
			}
			return opts.print(cmd.OutOrStdout(), health, func(w io.Writer) {
				printProviders(w, health)
			})
		},
	}
	cmd.Flags().BoolVar(&check, "check", false, "check every provider before reporting")
	cmd.Flags().BoolVar(&all, "all", false, "activate every registered provider")
	return cmd
}

func newAuditCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "audit <signature>",
		Short: "Look up the audit record of a confirmed submission",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var res relayer.AuditRecordResponse
			if err := opts.call(cmd, &res, relayer.GetAuditRecordEndpointName, args[0]); err != nil {
				return err
			}
			return opts.print(cmd.OutOrStdout(), res, func(w io.Writer) {
				rec := res.Record
				fmt.Fprintf(w, "signature:     %s\n", rec.Signature)
				fmt.Fprintf(w, "request:       %s\n", rec.RequestID)
				fmt.Fprintf(w, "provider:      %s\n", rec.Provider)
				fmt.Fprintf(w, "fee payer:     %s\n", rec.FeePayer)
				if rec.NonceAccount != "" {
					fmt.Fprintf(w, "nonce account: %s\n", rec.NonceAccount)
				}
				fmt.Fprintf(w, "expected:      %d (min %d)\n", rec.ExpectedOutcome, rec.MinOutcome)
				fmt.Fprintf(w, "confirmed at:  %s\n", rec.ConfirmedAt.Format(time.RFC3339))
				if res.Pending {
					fmt.Fprintln(w, "not in the audit store yet, retrying")
				}
			})
		},
	}
}

func newGenerateCommand(opts *RootOptions) *cobra.Command {
	var (
		count int
		out   string
	)
	cmd := &cobra.Command{
		Use:   "generate",
		Short: "Generate keypairs for the key pool configuration",
		Long: `Generate keypairs offline. Secret keys are written to --out as one comma separated
base58 list, ready for COLD_KEYS, INTERMEDIATE_KEYS or DISPOSABLE_KEYS. Only public keys are printed.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if count < 1 {
				return errors.New("--count must be greater than 0") //nolint:goerr113
			}
			if out == "" {
				return errors.New("--out is required") //nolint:goerr113
			}
			secrets := make([]string, 0, count)
			public := make([]string, 0, count)
			for i := 0; i < count; i++ {
				wallet := solana.NewWallet()
				secrets = append(secrets, wallet.PrivateKey.String())
				public = append(public, wallet.PublicKey().String())
			}
			f, err := os.OpenFile(out, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o600)
			if err != nil {
				return err
			}
			if _, err := f.WriteString(strings.Join(secrets, ",") + "\n"); err != nil {
				_ = f.Close()
				return err
			}
			if err := f.Close(); err != nil {
				return err
			}
			return opts.print(cmd.OutOrStdout(), public, func(w io.Writer) {
				for _, pk := range public {
					fmt.Fprintln(w, pk)
				}
			})
		},
	}
	cmd.Flags().IntVarP(&count, "count", "n", 1, "number of keypairs")
	cmd.Flags().StringVarP(&out, "out", "o", "", "file to write the secret keys to, must not exist")
	return cmd
}
