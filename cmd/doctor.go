package cmd

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"runtime"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/nextlevelbuilder/qqbridge/internal/channels/qq"
	"github.com/nextlevelbuilder/qqbridge/internal/config"
	"github.com/nextlevelbuilder/qqbridge/internal/upgrade"
	"github.com/nextlevelbuilder/qqbridge/pkg/protocol"
)

func doctorCmd() *cobra.Command {
	var showConfig bool
	cmd := &cobra.Command{
		Use:   "doctor",
		Short: "Check configuration, database and QQ credentials",
		Run: func(cmd *cobra.Command, args []string) {
			runDoctor(showConfig)
		},
	}
	cmd.Flags().BoolVar(&showConfig, "show-config", false, "print the effective config with secrets masked")
	return cmd
}

func runDoctor(showConfig bool) {
	fmt.Println("qqbridge doctor")
	fmt.Printf("  Version:  %s (protocol %d)\n", Version, protocol.ProtocolVersion)
	fmt.Printf("  OS:       %s/%s\n", runtime.GOOS, runtime.GOARCH)
	fmt.Printf("  Go:       %s\n", runtime.Version())
	fmt.Println()

	cfgPath := resolveConfigPath()
	fmt.Printf("  Config:   %s", cfgPath)
	if _, err := os.Stat(cfgPath); err != nil {
		fmt.Println(" (NOT FOUND, using defaults and env)")
	} else {
		fmt.Println(" (OK)")
	}
	cfg, err := config.Load(cfgPath)
	if err != nil {
		fmt.Printf("  Config load error: %s\n", err)
		return
	}
	if showConfig {
		data, _ := json.MarshalIndent(cfg.MaskedCopy(), "  ", "  ")
		fmt.Printf("  %s\n", data)
	}

	fmt.Println()
	fmt.Println("  Database:")
	if cfg.IsManagedMode() {
		fmt.Printf("    %-12s managed (postgres)\n", "Mode:")
		checkManagedDB(cfg.Database.PostgresDSN)
	} else {
		fmt.Printf("    %-12s standalone (%s)\n", "Mode:", cfg.Database.Driver)
	}

	fmt.Println()
	fmt.Println("  QQ accounts:")
	resolver := qq.NewResolver(cfg.QQ(), qq.LoadEnvFallback())
	ids := resolver.AccountIDs()
	results := make([]qq.ProbeResult, len(ids))
	accounts := make([]qq.Account, len(ids))
	tokens := qq.NewTokenCache(nil)

	var g errgroup.Group
	g.SetLimit(4)
	for i, id := range ids {
		accounts[i] = resolver.Resolve(id)
		if !accounts[i].Enabled || !accounts[i].Configured() {
			continue
		}
		g.Go(func() error {
			client := qq.NewAPIClient(accounts[i].Credentials(), tokens)
			results[i] = qq.Probe(context.Background(), client, 0)
			return nil
		})
	}
	g.Wait()

	for i, a := range accounts {
		fmt.Printf("    %s  path=%s  secret=%s\n", a.AccountID, a.WebhookPath, a.SecretSource)
		switch {
		case !a.Enabled:
			fmt.Println("      disabled")
		case !a.Configured():
			fmt.Println("      NOT CONFIGURED (app id or secret missing)")
		case results[i].OK:
			fmt.Printf("      OK  bot=%s (%s)  %dms\n", results[i].Bot.Username, results[i].Bot.ID, results[i].ElapsedMs)
		default:
			fmt.Printf("      PROBE FAILED: %s\n", results[i].Error)
		}
	}
}

func checkManagedDB(dsn string) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		fmt.Printf("    %-12s CONNECT FAILED (%s)\n", "Status:", err)
		return
	}
	defer db.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		fmt.Printf("    %-12s CONNECT FAILED (%s)\n", "Status:", err)
		return
	}
	s, err := upgrade.CheckSchema(ctx, db)
	switch {
	case err != nil:
		fmt.Printf("    %-12s CHECK FAILED (%s)\n", "Schema:", err)
	case s.Compatible:
		fmt.Printf("    %-12s v%d (up to date)\n", "Schema:", s.CurrentVersion)
	default:
		fmt.Printf("    %-12s v%d, required v%d\n", "Schema:", s.CurrentVersion, s.RequiredVersion)
		fmt.Print(upgrade.FormatError(s))
	}
}
