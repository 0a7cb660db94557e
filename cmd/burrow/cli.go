package main

import (
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/burrowhq/burrow/pkg/config"
	"github.com/burrowhq/burrow/pkg/logger"
)

var (
	flagDebug      bool
	flagJSON       bool
	flagConfigPath string
)

func getConfigDir() string {
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".burrow")
}

func defaultConfigPath() string {
	return filepath.Join(getConfigDir(), "config.yaml")
}

func loadConfig() (*config.Config, error) {
	path := flagConfigPath
	if path == "" {
		path = defaultConfigPath()
	}
	return config.Load(path)
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "burrow",
		Short: "Burrow — a WebSocket relay for reaching TCP services behind NAT",
		Long: `Burrow brokers reverse TCP tunnels over WebSocket.

An agent dials out to a relay and offers TCP services it can reach locally.
A controller dials the same relay and asks it to connect one of those
services to a local port, the way "ssh -R" does, without either side
needing an inbound port of its own.`,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			if flagDebug {
				logger.SetLevel(logger.DEBUG)
			}
		},
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.PersistentFlags().BoolVarP(&flagDebug, "debug", "d", false, "enable debug logging")
	root.PersistentFlags().BoolVar(&flagJSON, "json", false, "log in JSON instead of text")
	root.PersistentFlags().StringVar(&flagConfigPath, "config", "", "config file path (default ~/.burrow/config.yaml)")

	root.AddCommand(
		newRelayCmd(),
		newAgentCmd(),
		newConnectCmd(),
		newVersionCmd(),
	)

	return root
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Run: func(cmd *cobra.Command, args []string) {
			printVersion()
		},
	}
}
