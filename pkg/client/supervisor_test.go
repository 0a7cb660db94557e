package client

import (
	"context"
	"io"
	"net"
	"strconv"
	"testing"
	"time"

	"github.com/burrowhq/burrow/pkg/audit"
	"github.com/burrowhq/burrow/pkg/config"
	"github.com/burrowhq/burrow/pkg/logger"
	"github.com/burrowhq/burrow/pkg/relay"
)

func testRelay(t *testing.T) string {
	t.Helper()
	cfg := config.RelayConfig{
		ListenAddr:        "127.0.0.1:0",
		MaxAgents:         10,
		OutboundQueueSize: 64,
	}
	srv := relay.NewServer(cfg, logger.New(false), audit.NopStore{})

	ln, err := net.Listen("tcp", cfg.ListenAddr)
	if err != nil {
		t.Fatalf("listen: %v", err)
	}

	serveCtx, cancel := context.WithCancel(context.Background())
	go srv.Serve(serveCtx, ln)
	t.Cleanup(cancel)

	return "ws://" + ln.Addr().String() + "/ws"
}

func testClientConfig(url string) config.ClientConfig {
	return config.ClientConfig{
		RelayURL:            url,
		ReconnectDelay:      50 * time.Millisecond,
		HeartbeatInterval:   time.Hour,
		CircuitMaxFailures:  100,
		CircuitResetTimeout: 50 * time.Millisecond,
		OutboundQueueSize:   64,
	}
}

// echoListener accepts one connection and echoes whatever it reads back
// to the writer, simulating the target service an agent dials into.
func echoListener(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	t.Cleanup(func() { ln.Close() })

	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		io.Copy(conn, conn)
	}()

	return ln.Addr().String()
}

func waitForEvent(t *testing.T, events <-chan Event, kind EventKind, timeout time.Duration) Event {
	t.Helper()
	deadline := time.After(timeout)
	for {
		select {
		case ev := <-events:
			if ev.Kind == kind {
				return ev
			}
		case <-deadline:
			t.Fatalf("timed out waiting for event %s", kind)
		}
	}
}

func TestEndToEndTunnelAndEcho(t *testing.T) {
	relayURL := testRelay(t)
	target := echoListener(t)
	host, portStr, err := net.SplitHostPort(target)
	if err != nil {
		t.Fatalf("split target: %v", err)
	}
	portNum, err := strconv.Atoi(portStr)
	if err != nil {
		t.Fatalf("parse port: %v", err)
	}
	port := uint16(portNum)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	agentSup := NewSupervisor(testClientConfig(relayURL), RoleAgent, logger.New(false))
	go agentSup.Run(ctx)
	waitForEvent(t, agentSup.Events(), EventRegistered, 5*time.Second)

	agentID, _ := agentSup.GetAgentInfo()
	if agentID == "" {
		t.Fatal("agent never registered")
	}

	controllerSup := NewSupervisor(testClientConfig(relayURL), RoleController, logger.New(false))
	go controllerSup.Run(ctx)
	waitForEvent(t, controllerSup.Events(), EventConnectionStatus, 5*time.Second)

	localPort := freePort(t)
	sessionID, err := controllerSup.ConnectToAgent(ctx, agentID, host, port, localPort)
	if err != nil {
		t.Fatalf("ConnectToAgent: %v", err)
	}
	if sessionID == "" {
		t.Fatal("expected a non-empty session id")
	}

	// ConnectToAgent returns the placeholder id immediately; the real
	// listener isn't spawned until tunnel_ready comes back and
	// handleTunnelReady promotes the tunnel, so the first few dials here
	// are expected to fail until that round trip completes.
	var conn net.Conn
	for i := 0; i < 50; i++ {
		conn, err = net.Dial("tcp", net.JoinHostPort("127.0.0.1", strconv.Itoa(localPort)))
		if err == nil {
			break
		}
		time.Sleep(20 * time.Millisecond)
	}
	if err != nil {
		t.Fatalf("dial local tunnel port: %v", err)
	}
	defer conn.Close()

	want := []byte("hello through the tunnel")
	if _, err := conn.Write(want); err != nil {
		t.Fatalf("write: %v", err)
	}

	got := make([]byte, len(want))
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	if _, err := io.ReadFull(conn, got); err != nil {
		t.Fatalf("read echo: %v", err)
	}
	if string(got) != string(want) {
		t.Fatalf("echo mismatch: got %q, want %q", got, want)
	}
}

func freePort(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()
	return ln.Addr().(*net.TCPAddr).Port
}
