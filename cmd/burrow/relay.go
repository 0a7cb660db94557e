package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/burrowhq/burrow/pkg/audit"
	"github.com/burrowhq/burrow/pkg/logger"
	"github.com/burrowhq/burrow/pkg/relay"
)

// newAuditStore builds the relay's history sink from cfg.HistoryDSN or
// cfg.AuditDir: a SQL store takes precedence when a DSN is set, then a
// JSONL file store, then NopStore when neither is configured.
func newAuditStore(historyDSN, auditDir string) (audit.Store, error) {
	if historyDSN != "" {
		return audit.NewStore(historyDSN)
	}
	if auditDir != "" {
		return audit.NewFileStore(auditDir), nil
	}
	return audit.NopStore{}, nil
}

func newRelayCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "relay",
		Short: "Run the relay server",
	}
	cmd.AddCommand(newRelayStartCmd())
	return cmd
}

func newRelayStartCmd() *cobra.Command {
	var (
		flagAddr       string
		flagMaxAgents  int
		flagHistoryDSN string
		flagAuditDir   string
	)

	cmd := &cobra.Command{
		Use:   "start",
		Short: "Start the relay server",
		Long: `Start the relay server that brokers connections between agents
and controllers.

Agents and controllers both connect outbound to this server — no inbound
port is required on either side.

Examples:
  burrow relay start
  burrow relay start --addr :7070
  burrow relay start --history-dsn sqlite:///var/lib/burrow/history.db`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}

			if flagAddr != "" {
				cfg.Relay.ListenAddr = flagAddr
			}
			if flagMaxAgents > 0 {
				cfg.Relay.MaxAgents = flagMaxAgents
			}
			if flagHistoryDSN != "" {
				cfg.Relay.HistoryDSN = flagHistoryDSN
			}
			if flagAuditDir != "" {
				cfg.Relay.AuditDir = flagAuditDir
			}

			slogger := logger.New(flagJSON)

			store, err := newAuditStore(cfg.Relay.HistoryDSN, cfg.Relay.AuditDir)
			if err != nil {
				return fmt.Errorf("open audit store: %w", err)
			}
			defer store.Close()

			srv := relay.NewServer(cfg.Relay, slogger, store)

			fmt.Printf("burrow relay listening on %s\n", cfg.Relay.ListenAddr)
			fmt.Printf("  max agents: %d\n", cfg.Relay.MaxAgents)
			fmt.Println("  press Ctrl+C to stop")

			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			return srv.Start(ctx)
		},
	}

	cmd.Flags().StringVar(&flagAddr, "addr", "", "listen address (default :7070)")
	cmd.Flags().IntVar(&flagMaxAgents, "max-agents", 0, "maximum connected agents")
	cmd.Flags().StringVar(&flagHistoryDSN, "history-dsn", "", "SQL history store DSN (sqlite:// or postgres://)")
	cmd.Flags().StringVar(&flagAuditDir, "audit-dir", "", "directory for JSONL audit log (ignored if --history-dsn is set)")

	return cmd
}
