package cmd

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/qqbridge/internal/channels/qq"
	"github.com/nextlevelbuilder/qqbridge/internal/config"
	"github.com/nextlevelbuilder/qqbridge/internal/store"
)

func pairingCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "pairing",
		Short: "Manage DM pairing requests",
	}
	cmd.AddCommand(pairingListCmd())
	cmd.AddCommand(pairingApproveCmd())
	return cmd
}

func withPairingStore(fn func(ctx context.Context, cfg *config.Config, ps store.PairingStore) error) error {
	cfg, err := config.Load(resolveConfigPath())
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	ps, err := openPairingStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer ps.Close()
	return fn(ctx, cfg, ps)
}

func pairingListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List pending pairing requests",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withPairingStore(func(ctx context.Context, _ *config.Config, ps store.PairingStore) error {
				reqs, err := ps.ListRequests(ctx, qq.PairingChannel)
				if err != nil {
					return err
				}
				if len(reqs) == 0 {
					fmt.Println("No pending pairing requests.")
					return nil
				}
				tw := tabwriter.NewWriter(os.Stdout, 0, 2, 2, ' ', 0)
				fmt.Fprintln(tw, "CODE\tACCOUNT\tSENDER\tNAME\tEXPIRES")
				for _, r := range reqs {
					fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n",
						r.Code, r.Meta["account_id"], r.SenderID, r.Meta["name"],
						r.ExpiresAt.Local().Format(time.DateTime))
				}
				return tw.Flush()
			})
		},
	}
}

func pairingApproveCmd() *cobra.Command {
	var notify bool
	cmd := &cobra.Command{
		Use:   "approve <code>...",
		Short: "Approve pending pairing codes",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withPairingStore(func(ctx context.Context, cfg *config.Config, ps store.PairingStore) error {
				approved, err := ps.Approve(ctx, qq.PairingChannel, args...)
				if err != nil {
					return err
				}
				resolver := qq.NewResolver(cfg.QQ(), qq.LoadEnvFallback())
				tokens := qq.NewTokenCache(nil)
				for _, r := range approved {
					fmt.Printf("approved %s (account %s)\n", r.SenderID, r.Meta["account_id"])
					if !notify {
						continue
					}
					ch := qq.New(qq.Options{Account: resolver.Resolve(r.Meta["account_id"]), Tokens: tokens})
					if err := ch.NotifyApproved(ctx, r.SenderID); err != nil {
						fmt.Fprintf(os.Stderr, "  notice to %s failed: %v\n", r.SenderID, err)
					}
				}
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&notify, "notify", true, "send the approval notice to each sender")
	return cmd
}
