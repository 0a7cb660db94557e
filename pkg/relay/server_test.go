package relay

import (
	"context"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/burrowhq/burrow/pkg/audit"
	"github.com/burrowhq/burrow/pkg/config"
	"github.com/burrowhq/burrow/pkg/logger"
	"github.com/burrowhq/burrow/pkg/protocol"
)

func testServer(t *testing.T, cfg config.RelayConfig) (*Server, *httptest.Server) {
	t.Helper()
	if cfg.MaxAgents == 0 {
		cfg.MaxAgents = 100
	}
	if cfg.OutboundQueueSize == 0 {
		cfg.OutboundQueueSize = 16
	}
	s := NewServer(cfg, logger.New(false), audit.NopStore{})
	hs := httptest.NewServer(s.buildMux())
	t.Cleanup(hs.Close)
	return s, hs
}

func wsURL(hs *httptest.Server) string {
	return "ws" + strings.TrimPrefix(hs.URL, "http") + "/ws"
}

func dial(t *testing.T, ctx context.Context, hs *httptest.Server) *websocket.Conn {
	t.Helper()
	ws, _, err := websocket.Dial(ctx, wsURL(hs), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { ws.Close(websocket.StatusNormalClosure, "") })
	return ws
}

func send(t *testing.T, ctx context.Context, ws *websocket.Conn, msg *protocol.Message) {
	t.Helper()
	data, err := protocol.Marshal(msg)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if err := ws.Write(ctx, websocket.MessageText, data); err != nil {
		t.Fatalf("write: %v", err)
	}
}

func recv(t *testing.T, ctx context.Context, ws *websocket.Conn) *protocol.Message {
	t.Helper()
	_, data, err := ws.Read(ctx)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	msg, err := protocol.Unmarshal(data)
	if err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	return msg
}

func withTimeout(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func TestAgentRegister(t *testing.T) {
	_, hs := testServer(t, config.RelayConfig{})
	ctx := withTimeout(t)

	ws := dial(t, ctx, hs)
	send(t, ctx, ws, protocol.NewRegister())

	reply := recv(t, ctx, ws)
	if reply.Type != protocol.TypeRegisterOK {
		t.Fatalf("expected register_ok, got %s", reply.Type)
	}
	if len(reply.AgentID) != 9 || reply.AgentID[4] != '-' {
		t.Fatalf("unexpected agent id shape: %q", reply.AgentID)
	}
}

func TestConnectToUnknownAgentReturnsError(t *testing.T) {
	_, hs := testServer(t, config.RelayConfig{})
	ctx := withTimeout(t)

	controller := dial(t, ctx, hs)
	send(t, ctx, controller, protocol.NewConnect("NOPE-NOPE", "127.0.0.1", 22))

	reply := recv(t, ctx, controller)
	if reply.Type != protocol.TypeError {
		t.Fatalf("expected error, got %s", reply.Type)
	}
}

func registerAgent(t *testing.T, ctx context.Context, hs *httptest.Server) (*websocket.Conn, string) {
	t.Helper()
	ws := dial(t, ctx, hs)
	send(t, ctx, ws, protocol.NewRegister())
	reply := recv(t, ctx, ws)
	if reply.Type != protocol.TypeRegisterOK {
		t.Fatalf("expected register_ok, got %s", reply.Type)
	}
	return ws, reply.AgentID
}

func TestTunnelSetupAndDataRelay(t *testing.T) {
	_, hs := testServer(t, config.RelayConfig{})
	ctx := withTimeout(t)

	agentWS, agentID := registerAgent(t, ctx, hs)
	controllerWS := dial(t, ctx, hs)

	send(t, ctx, controllerWS, protocol.NewConnect(agentID, "127.0.0.1", 2222))

	req := recv(t, ctx, agentWS)
	if req.Type != protocol.TypeTunnelRequest {
		t.Fatalf("expected tunnel_request, got %s", req.Type)
	}
	if req.RemoteHost != "127.0.0.1" || req.RemotePort != 2222 {
		t.Fatalf("unexpected tunnel_request target: %+v", req)
	}

	send(t, ctx, agentWS, protocol.NewTunnelAccept(req.SessionID))

	ready := recv(t, ctx, controllerWS)
	if ready.Type != protocol.TypeTunnelReady {
		t.Fatalf("expected tunnel_ready, got %s", ready.Type)
	}
	if ready.SessionID != req.SessionID {
		t.Fatalf("session id mismatch: %s != %s", ready.SessionID, req.SessionID)
	}
	if ready.TargetAgentID != agentID {
		t.Fatalf("tunnel_ready target_agent_id = %q, want %q", ready.TargetAgentID, agentID)
	}

	streamID := "ef012345"
	send(t, ctx, controllerWS, protocol.NewStreamOpen(ready.SessionID, streamID))

	open := recv(t, ctx, agentWS)
	if open.Type != protocol.TypeStreamOpen || open.StreamID != streamID {
		t.Fatalf("unexpected stream_open forward: %+v", open)
	}

	send(t, ctx, agentWS, protocol.NewData(ready.SessionID, streamID, protocol.RoleAgent, "aGVsbG8="))
	data := recv(t, ctx, controllerWS)
	if data.Type != protocol.TypeData || data.Role != protocol.RoleAgent || data.Payload != "aGVsbG8=" {
		t.Fatalf("unexpected data forward: %+v", data)
	}

	send(t, ctx, controllerWS, protocol.NewStreamClose(ready.SessionID, streamID))
	closeMsg := recv(t, ctx, agentWS)
	if closeMsg.Type != protocol.TypeStreamClose || closeMsg.StreamID != streamID {
		t.Fatalf("unexpected stream_close forward: %+v", closeMsg)
	}
}

func TestAgentDisconnectNotifiesController(t *testing.T) {
	_, hs := testServer(t, config.RelayConfig{})
	ctx := withTimeout(t)

	agentWS, agentID := registerAgent(t, ctx, hs)
	controllerWS := dial(t, ctx, hs)

	send(t, ctx, controllerWS, protocol.NewConnect(agentID, "127.0.0.1", 2222))
	req := recv(t, ctx, agentWS)
	send(t, ctx, agentWS, protocol.NewTunnelAccept(req.SessionID))
	recv(t, ctx, controllerWS) // tunnel_ready

	agentWS.Close(websocket.StatusNormalClosure, "going away")

	closed := recv(t, ctx, controllerWS)
	if closed.Type != protocol.TypeTunnelClose {
		t.Fatalf("expected tunnel_close after agent disconnect, got %s", closed.Type)
	}
	if closed.SessionID != req.SessionID {
		t.Fatalf("tunnel_close session id mismatch: %s != %s", closed.SessionID, req.SessionID)
	}
}

func TestControllerDisconnectNotifiesAgent(t *testing.T) {
	_, hs := testServer(t, config.RelayConfig{})
	ctx := withTimeout(t)

	agentWS, agentID := registerAgent(t, ctx, hs)
	controllerWS := dial(t, ctx, hs)

	send(t, ctx, controllerWS, protocol.NewConnect(agentID, "127.0.0.1", 2222))
	req := recv(t, ctx, agentWS)
	send(t, ctx, agentWS, protocol.NewTunnelAccept(req.SessionID))
	recv(t, ctx, controllerWS) // tunnel_ready

	controllerWS.Close(websocket.StatusNormalClosure, "going away")

	closed := recv(t, ctx, agentWS)
	if closed.Type != protocol.TypeTunnelClose {
		t.Fatalf("expected tunnel_close after controller disconnect, got %s", closed.Type)
	}
}

func TestMaxAgentsCapacity(t *testing.T) {
	_, hs := testServer(t, config.RelayConfig{MaxAgents: 1})
	ctx := withTimeout(t)

	_, _ = registerAgent(t, ctx, hs)

	second := dial(t, ctx, hs)
	send(t, ctx, second, protocol.NewRegister())
	reply := recv(t, ctx, second)
	if reply.Type != protocol.TypeError {
		t.Fatalf("expected error at capacity, got %s", reply.Type)
	}
}

func TestPingPong(t *testing.T) {
	_, hs := testServer(t, config.RelayConfig{})
	ctx := withTimeout(t)

	ws, _ := registerAgent(t, ctx, hs)
	send(t, ctx, ws, protocol.NewPing())
	reply := recv(t, ctx, ws)
	if reply.Type != protocol.TypePong {
		t.Fatalf("expected pong, got %s", reply.Type)
	}
}
