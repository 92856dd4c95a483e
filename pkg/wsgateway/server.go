package wsgateway

import (
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	jsoniter "github.com/json-iterator/go"

	"chatgateway/pkg/authutil"
	"chatgateway/pkg/bus"
	"chatgateway/pkg/protocol"
	"chatgateway/pkg/router"
	"chatgateway/pkg/telemetry"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

const protocolVersion = 3

// Config is the subset of the public configuration surface the state
// machine needs directly (the rest lives in router.PublicConfig for
// config.get).
type Config struct {
	ServerVersion       string
	HandshakeTimeout    time.Duration
	MaxPayloadBytes     int64
	AuthToken           string
	AuthPassword        string
	InstanceHost        string
}

// Server owns the HTTP upgrade endpoint and drives every connection through
// the C5 state machine before handing authenticated requests to the
// router. Adapted from the teacher's pkg/channels/web/web_channel.go
// (gorilla upgrader with CheckOrigin always true — the gateway expects a
// reverse proxy in front of it).
type Server struct {
	Bus     *bus.Bus
	Router  *router.Router
	Config  Config
	Metrics *telemetry.Metrics // optional; nil means the gauge is skipped

	upgrader websocket.Upgrader
}

func NewServer(b *bus.Bus, r *router.Router, cfg Config) *Server {
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = 10 * time.Second
	}
	if cfg.MaxPayloadBytes <= 0 {
		cfg.MaxPayloadBytes = protocol.MaxPayloadBytes
	}
	return &Server{
		Bus:    b,
		Router: r,
		Config: cfg,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
}

func (s *Server) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	conn, err := s.upgrader.Upgrade(w, req, nil)
	if err != nil {
		return
	}
	c := newConnection(uuid.NewString(), conn, bus.DefaultOutboxSize)
	c.conn.SetReadLimit(s.Config.MaxPayloadBytes)
	go s.driveConnection(c)
}

// driveConnection owns one connection end to end: handshake, then routed
// requests, then cleanup. Grounded on the teacher's per-connection read
// loop in web_channel.go, generalized into the explicit fresh/challenged/
// authenticated states spec §4.3 names.
func (s *Server) driveConnection(c *Connection) {
	nonce := uuid.NewString()
	s.sendHandshakeGreeting(c, nonce)

	c.armHandshakeDeadline(s.Config.HandshakeTimeout, func() {
		c.Close(protocol.CloseHandshakeFailure, "handshake timeout")
	})

	authenticated := false
	defer func() {
		if authenticated {
			s.Bus.Unregister(c.ID())
			s.Bus.RemovePresence(c.ID())
			s.Bus.Broadcast("presence", map[string]any{"presence": s.Bus.ListPresence()}, presenceStateVersion(s.Bus), true)
			if s.Metrics != nil {
				s.Metrics.ActiveConnections.Dec()
			}
		}
		c.Close(websocket.CloseNormalClosure, "connection closed")
	}()

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			return
		}

		req, errBody := protocol.ParseFrame(data)
		if errBody != nil {
			frame, _ := protocol.EncodeResponse("", false, nil, errBody)
			c.TrySend(frame)
			c.Close(protocol.CloseHandshakeFailure, errBody.Message)
			return
		}

		if c.State() != StateAuthenticated {
			if req.Method != "connect" {
				frame, _ := protocol.EncodeResponse(req.ID, false, nil, &protocol.ErrorBody{
					Code: protocol.ErrInvalidRequest, Message: "expected connect as first request",
				})
				c.TrySend(frame)
				c.Close(protocol.CloseHandshakeFailure, "handshake protocol violation")
				return
			}
			if ok := s.handleConnect(c, nonce, req); !ok {
				return
			}
			authenticated = true
			if s.Metrics != nil {
				s.Metrics.ActiveConnections.Inc()
			}
			continue
		}

		payload, errBody := s.Router.Dispatch(c.ID(), req.Method, req.Params)
		var protoErr *protocol.ErrorBody
		if errBody != nil {
			protoErr = &protocol.ErrorBody{Code: errBody.Code, Message: errBody.Message}
		}
		frame, err := protocol.EncodeResponse(req.ID, errBody == nil, payload, protoErr)
		if err != nil {
			continue
		}
		c.TrySend(frame)
	}
}

func (s *Server) sendHandshakeGreeting(c *Connection, nonce string) {
	hello, _ := protocol.EncodeEvent(protocol.Event{
		Event:   "hello",
		Payload: map[string]any{"server": map[string]any{"version": s.Config.ServerVersion, "connId": c.ID()}},
	})
	c.TrySend(hello)

	challenge, _ := protocol.EncodeEvent(protocol.Event{
		Event:   "connect.challenge",
		Payload: map[string]any{"nonce": nonce, "ts": time.Now().UnixMilli()},
	})
	c.TrySend(challenge)
}

type connectParams struct {
	MinProtocol int                `json:"minProtocol"`
	MaxProtocol int                `json:"maxProtocol"`
	Client      ClientDescriptor   `json:"client"`
	Auth        *connectAuthParams `json:"auth,omitempty"`
}

type connectAuthParams struct {
	Token    string `json:"token,omitempty"`
	Password string `json:"password,omitempty"`
}

// handleConnect validates and completes the handshake (spec §4.3 steps
// 3-5). Returns false if the connection was closed (caller must stop
// reading).
func (s *Server) handleConnect(c *Connection, nonce string, req *protocol.Request) bool {
	var params connectParams
	if err := json.Unmarshal(req.Params, &params); err != nil {
		s.failHandshake(c, req.ID, "malformed connect params: "+err.Error())
		return false
	}
	if params.Client.ID == "" || params.Client.Version == "" {
		s.failHandshake(c, req.ID, "client.id and client.version are required")
		return false
	}
	if params.MinProtocol > protocolVersion || params.MaxProtocol < protocolVersion {
		s.failHandshake(c, req.ID, "unsupported protocol range")
		return false
	}

	authMode := s.authMode()
	if !s.checkAuth(params.Auth) {
		s.failHandshake(c, req.ID, "authentication failed")
		return false
	}

	// Roles/scopes are decoded from the auth token for display only (spec's
	// non-goal: "no true authorization model"); they are never enforced.
	var claims authutil.Claims
	if params.Auth != nil {
		claims = authutil.Decode(params.Auth.Token)
	}

	c.disarmHandshakeDeadline()
	c.setAuthenticated(params.Client, "", claims.Scopes)
	c.setState(StateAuthenticated)

	entry := bus.PresenceEntry{
		Host:     s.Config.InstanceHost,
		Version:  params.Client.Version,
		Platform: params.Client.Platform,
		Mode:     params.Client.Mode,
		Ts:       time.Now().UnixMilli(),
		Reason:   "connect",
		Roles:    claims.Roles,
		Scopes:   claims.Scopes,
	}
	s.Bus.Register(c)
	s.Bus.AddPresence(c.ID(), entry)

	snapshot := s.helloOkPayload(c, authMode)
	frame, _ := protocol.EncodeResponse(req.ID, true, snapshot, nil)
	c.TrySend(frame)

	s.Bus.Broadcast("presence", map[string]any{"presence": s.Bus.ListPresence()}, presenceStateVersion(s.Bus), true)

	return true
}

func (s *Server) failHandshake(c *Connection, reqID, message string) {
	frame, _ := protocol.EncodeResponse(reqID, false, nil, &protocol.ErrorBody{
		Code: protocol.ErrInvalidRequest, Message: message,
	})
	c.TrySend(frame)
	c.Close(protocol.CloseHandshakeFailure, message)
}

func (s *Server) authMode() string {
	switch {
	case s.Config.AuthToken != "":
		return "token"
	case s.Config.AuthPassword != "":
		return "password"
	default:
		return "none"
	}
}

func (s *Server) checkAuth(auth *connectAuthParams) bool {
	switch s.authMode() {
	case "token":
		return auth != nil && auth.Token == s.Config.AuthToken
	case "password":
		return auth != nil && auth.Password == s.Config.AuthPassword
	default:
		return true
	}
}

func (s *Server) helloOkPayload(c *Connection, authMode string) map[string]any {
	return map[string]any{
		"type":     "hello-ok",
		"protocol": protocolVersion,
		"server":   map[string]any{"version": s.Config.ServerVersion, "connId": c.ID()},
		"features": map[string]any{
			"methods": protocol.AllMethods(),
			"events":  protocol.KnownEvents,
		},
		"snapshot": map[string]any{
			"presence": s.Bus.ListPresence(),
			"health":   map[string]any{},
			"stateVersion": map[string]any{
				"presence": s.Bus.State.Presence.Load(),
				"health":   s.Bus.State.Health.Load(),
			},
			"uptimeMs":        0,
			"authMode":        authMode,
			"sessionDefaults": map[string]any{"mainSessionKey": "main"},
		},
		"policy": map[string]any{
			"maxPayload":     s.Config.MaxPayloadBytes,
			"maxBufferedBytes": bus.DefaultOutboxSize,
			"tickIntervalMs": 30000,
		},
	}
}

func presenceStateVersion(b *bus.Bus) any {
	return map[string]any{
		"presence": b.State.Presence.Load(),
		"health":   b.State.Health.Load(),
	}
}

// Shutdown implements C11: broadcast a shutdown event, cancel every running
// run, and close every socket with the server-restart close code.
func (s *Server) Shutdown(engine interface{ CancelAll() }) {
	s.Bus.Broadcast("shutdown", map[string]any{"reason": "server_stop"}, nil, false)
	if engine != nil {
		engine.CancelAll()
	}
	s.Bus.CloseAll(protocol.CloseServerRestart, "server shutting down")
}
