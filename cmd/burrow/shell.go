package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/chzyer/readline"

	"github.com/burrowhq/burrow/pkg/client"
)

// runInteractiveShell is the terminal stand-in for the controller-role
// command surface spec.md §6 leaves to an external UI: "tunnel", "list",
// "close <id>", and "quit". Built on chzyer/readline the way the teacher's
// cmd_agent.go REPL is, since bubbletea's full-screen mode doesn't compose
// with a line-at-a-time prompt.
func runInteractiveShell(ctx context.Context, sup *client.Supervisor) error {
	rl, err := readline.NewEx(&readline.Config{
		Prompt:          "\033[38;2;135;206;235mburrow❯\033[0m ",
		HistoryFile:     filepath.Join(os.TempDir(), ".burrow_history"),
		HistoryLimit:    500,
		InterruptPrompt: "^C",
		EOFPrompt:       "exit",
	})
	if err != nil {
		return fmt.Errorf("readline init: %w", err)
	}
	defer rl.Close()

	go printShellEvents(ctx, sup)

	printShellHelp()

	for {
		if ctx.Err() != nil {
			return nil
		}

		line, err := rl.Readline()
		if err != nil {
			if err == readline.ErrInterrupt || err == io.EOF {
				fmt.Println("goodbye")
				return nil
			}
			fmt.Println(err)
			continue
		}

		input := strings.TrimSpace(line)
		if input == "" {
			continue
		}

		fields := strings.Fields(input)
		switch fields[0] {
		case "quit", "exit":
			fmt.Println("goodbye")
			return nil

		case "help":
			printShellHelp()

		case "list":
			printTunnels(sup.GetTunnels())

		case "tunnel":
			if len(fields) != 4 {
				fmt.Println("usage: tunnel <agent-id> <remote-host:port> <local-port>")
				continue
			}
			localPort, err := strconv.Atoi(fields[3])
			if err != nil {
				fmt.Printf("invalid local port %q\n", fields[3])
				continue
			}
			host, port, err := splitRemote(fields[2])
			if err != nil {
				fmt.Println(err)
				continue
			}
			sessionID, err := sup.ConnectToAgent(ctx, fields[1], host, port, localPort)
			if err != nil {
				fmt.Printf("connect failed: %v\n", err)
				continue
			}
			fmt.Printf("tunnel open: session %s\n", sessionID)

		case "close":
			if len(fields) != 2 {
				fmt.Println("usage: close <session-id>")
				continue
			}
			sup.DisconnectTunnel(fields[1])
			fmt.Printf("closed %s\n", fields[1])

		default:
			fmt.Printf("unknown command %q, type 'help' for the command list\n", fields[0])
		}
	}
}

func printShellHelp() {
	fmt.Println("commands:")
	fmt.Println("  tunnel <agent-id> <remote-host:port> <local-port>   open a tunnel")
	fmt.Println("  list                                                 show open tunnels")
	fmt.Println("  close <session-id>                                  close a tunnel")
	fmt.Println("  quit                                                exit")
}

func printTunnels(tunnels []client.Tunnel) {
	if len(tunnels) == 0 {
		fmt.Println("no tunnels open")
		return
	}
	for _, t := range tunnels {
		fmt.Printf("  %-20s %-10s %s -> 127.0.0.1:%d  [%s/%s]\n",
			t.SessionID, t.AgentID, t.RemoteHost, t.LocalPort, t.Direction, t.Status)
	}
}

// printShellEvents mirrors relevant Supervisor events to the terminal
// without disturbing the readline prompt line; readline redraws its own
// line on the next keystroke, matching how the teacher's REPL lets plain
// fmt.Print calls interleave with readline.
func printShellEvents(ctx context.Context, sup *client.Supervisor) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-sup.Events():
			switch ev.Kind {
			case client.EventConnectionStatus:
				data := ev.Data.(client.ConnectionStatusData)
				if data.Connected {
					fmt.Println("\nconnected to relay")
				} else {
					fmt.Println("\ndisconnected from relay, reconnecting...")
				}
			case client.EventServerError:
				data := ev.Data.(client.ServerErrorData)
				fmt.Printf("\nrelay error: %s\n", data.Message)
			}
		}
	}
}
