package relay

// session is a single controller-to-agent tunnel: one pair of connections,
// bound together by the target address the controller asked to reach. Every
// stream opened on top of it is routed by session ID alone; the relay never
// inspects stream payloads.
type session struct {
	id         string
	agentID    string
	agentConn  *conn
	controllerConn *conn
	remoteHost string
	remotePort uint16
}

// registry holds the relay server's live state: connected agents and open
// sessions. It intentionally carries no history — closed sessions vanish
// the moment they're torn down, with any durable record left to the audit
// store (spec: no durable live session state).
type registry struct {
	agents   map[string]*conn    // agentID -> conn
	sessions map[string]*session // sessionID -> session
}

func newRegistry() *registry {
	return &registry{
		agents:   make(map[string]*conn),
		sessions: make(map[string]*session),
	}
}

func (r *registry) sessionsForAgent(c *conn) []*session {
	var out []*session
	for _, s := range r.sessions {
		if s.agentConn == c {
			out = append(out, s)
		}
	}
	return out
}

func (r *registry) sessionsForController(c *conn) []*session {
	var out []*session
	for _, s := range r.sessions {
		if s.controllerConn == c {
			out = append(out, s)
		}
	}
	return out
}
