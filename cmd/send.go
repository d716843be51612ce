package cmd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/qqbridge/internal/channels/qq"
	"github.com/nextlevelbuilder/qqbridge/internal/config"
)

func sendCmd() *cobra.Command {
	var (
		accountID string
		mediaURL  string
		replyTo   string
	)
	cmd := &cobra.Command{
		Use:   "send <target> <text>",
		Short: "Send a message through a QQ account",
		Long:  "Target is user:<openid>, group:<openid> or a bare user openid; the qq: prefix is accepted.",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(resolveConfigPath())
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			resolver := qq.NewResolver(cfg.QQ(), qq.LoadEnvFallback())
			if accountID == "" {
				accountID = resolver.DefaultAccountID()
			}
			acct := resolver.Resolve(accountID)

			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()
			client := qq.NewAPIClient(acct.Credentials(), qq.NewTokenCache(nil))
			res := qq.SendMessage(ctx, client, args[0], strings.Join(args[1:], " "), qq.SendOptions{
				MediaURL: mediaURL,
				ReplyTo:  replyTo,
			})

			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			enc.Encode(res)
			if !res.OK {
				return errors.New(res.Error)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&accountID, "account", "", "account id (default: the default account)")
	cmd.Flags().StringVar(&mediaURL, "media", "", "media URL appended as an attachment line")
	cmd.Flags().StringVar(&replyTo, "reply-to", "", "inbound message id to reply to")
	return cmd
}
