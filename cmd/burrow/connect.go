package main

import (
	"context"
	"fmt"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/burrowhq/burrow/pkg/client"
	"github.com/burrowhq/burrow/pkg/logger"
	"github.com/burrowhq/burrow/pkg/tui"
)

func newConnectCmd() *cobra.Command {
	var (
		flagRelayURL  string
		flagTarget    string
		flagRemote    string
		flagLocalPort int
		flagNoTUI     bool
	)

	cmd := &cobra.Command{
		Use:   "connect",
		Short: "Run as a controller, opening tunnels into agents' services",
		Long: `Run the controller role: dial out to a relay and open tunnels into
services offered by connected agents.

With --target/--remote/--local-port, opens one tunnel immediately and then
either shows a live dashboard of it or, with --no-tui, stays in the
foreground logging events. Without those flags, drops into an interactive
shell for opening and closing tunnels by hand.

Examples:
  burrow connect --relay ws://relay.example.com:7070/ws
  burrow connect --target AB12-CD34 --remote localhost:5432 --local-port 15432`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if flagRelayURL != "" {
				cfg.Client.RelayURL = flagRelayURL
			}

			slogger := logger.New(flagJSON)
			sup := client.NewSupervisor(cfg.Client, client.RoleController, slogger)

			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			go sup.Run(ctx)

			fmt.Printf("burrow connect dialing %s\n", cfg.Client.RelayURL)
			waitForEvent(ctx, sup, client.EventConnectionStatus)

			if flagTarget == "" {
				return runInteractiveShell(ctx, sup)
			}

			host, port, err := splitRemote(flagRemote)
			if err != nil {
				return err
			}
			sessionID, err := sup.ConnectToAgent(ctx, flagTarget, host, port, flagLocalPort)
			if err != nil {
				return fmt.Errorf("connect to agent %s: %w", flagTarget, err)
			}
			fmt.Printf("tunnel open: session %s, forwarding 127.0.0.1:%d -> %s (agent %s)\n",
				sessionID, flagLocalPort, flagRemote, flagTarget)

			if flagNoTUI {
				logConnectEvents(ctx, sup)
				return nil
			}
			return tui.RunTunnelDashboard(ctx, sup)
		},
	}

	cmd.Flags().StringVar(&flagRelayURL, "relay", "", "relay websocket URL (default ws://127.0.0.1:7070/ws)")
	cmd.Flags().StringVar(&flagTarget, "target", "", "agent id to open a tunnel into")
	cmd.Flags().StringVar(&flagRemote, "remote", "", "host:port on the agent's side to reach (with --target)")
	cmd.Flags().IntVar(&flagLocalPort, "local-port", 0, "local port to forward to --remote (with --target)")
	cmd.Flags().BoolVar(&flagNoTUI, "no-tui", false, "print plain log lines instead of the tunnel dashboard")

	return cmd
}

func splitRemote(remote string) (host string, port uint16, err error) {
	idx := strings.LastIndex(remote, ":")
	if idx < 0 {
		return "", 0, fmt.Errorf("--remote must be host:port, got %q", remote)
	}
	host = remote[:idx]
	p, err := strconv.ParseUint(remote[idx+1:], 10, 16)
	if err != nil {
		return "", 0, fmt.Errorf("--remote port: %w", err)
	}
	return host, uint16(p), nil
}

// waitForEvent blocks until kind is observed or ctx is cancelled, so a CLI
// command started right after sup.Run doesn't race ahead of the first
// connection attempt.
func waitForEvent(ctx context.Context, sup *client.Supervisor, kind client.EventKind) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-sup.Events():
			if ev.Kind == kind {
				return
			}
		}
	}
}

func logConnectEvents(ctx context.Context, sup *client.Supervisor) {
	fmt.Println("press Ctrl+C to stop")
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-sup.Events():
			switch ev.Kind {
			case client.EventConnectionStatus:
				data := ev.Data.(client.ConnectionStatusData)
				if data.Connected {
					fmt.Println("connected to relay")
				} else {
					fmt.Println("disconnected from relay, reconnecting...")
				}
			case client.EventTunnelsUpdated:
				tunnels := ev.Data.([]client.Tunnel)
				fmt.Printf("tunnels: %d active\n", len(tunnels))
				for _, t := range tunnels {
					fmt.Printf("  %s  %s -> 127.0.0.1:%d  (%s, %s)\n", t.SessionID, t.RemoteHost, t.LocalPort, t.Direction, t.Status)
				}
			case client.EventServerError:
				data := ev.Data.(client.ServerErrorData)
				fmt.Printf("relay error: %s\n", data.Message)
			}
		}
	}
}
