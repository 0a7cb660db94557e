package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/burrowhq/burrow/pkg/client"
	"github.com/burrowhq/burrow/pkg/logger"
)

func newAgentCmd() *cobra.Command {
	var flagRelayURL string

	cmd := &cobra.Command{
		Use:   "agent",
		Short: "Run as an agent, offering local TCP services to the relay",
		Long: `Run the agent role: dial out to a relay and wait for controllers to
request tunnels into services reachable from this machine.

The agent never needs an inbound port of its own — every tunnel_request it
accepts is satisfied by an outbound dial from here (spec §4.4).

Examples:
  burrow agent --relay ws://relay.example.com:7070/ws
  BURROW_RELAY_URL=ws://relay.example.com:7070/ws burrow agent`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if flagRelayURL != "" {
				cfg.Client.RelayURL = flagRelayURL
			}

			slogger := logger.New(flagJSON)
			sup := client.NewSupervisor(cfg.Client, client.RoleAgent, slogger)

			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			go logAgentEvents(ctx, sup)

			fmt.Printf("burrow agent connecting to %s\n", cfg.Client.RelayURL)
			fmt.Println("  press Ctrl+C to stop")

			return sup.Run(ctx)
		},
	}

	cmd.Flags().StringVar(&flagRelayURL, "relay", "", "relay websocket URL (default ws://127.0.0.1:7070/ws)")

	return cmd
}

// logAgentEvents prints the supervisor's event stream until ctx is
// cancelled, giving an operator running the agent in a foreground
// terminal visibility into registration and connection-status changes
// without needing --debug.
func logAgentEvents(ctx context.Context, sup *client.Supervisor) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-sup.Events():
			switch ev.Kind {
			case client.EventRegistered:
				data := ev.Data.(client.RegisteredData)
				fmt.Printf("registered with relay, agent id: %s\n", data.AgentID)
			case client.EventConnectionStatus:
				data := ev.Data.(client.ConnectionStatusData)
				if data.Connected {
					fmt.Println("connected to relay")
				} else {
					fmt.Println("disconnected from relay, reconnecting...")
				}
			case client.EventServerError:
				data := ev.Data.(client.ServerErrorData)
				fmt.Printf("relay error: %s\n", data.Message)
			}
		}
	}
}
