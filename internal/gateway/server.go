package gateway

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/basket/agentgw/internal/bus"
)

// pingInterval/pingTimeout govern the control plane's websocket heartbeat:
// a ping is sent every pingInterval, and the connection is torn down if the
// peer hasn't answered within pingTimeout.
const (
	pingInterval = 20 * time.Second
	pingTimeout  = 10 * time.Second
)

// client is one connected control plane websocket: an operator console, a
// channel adapter, or a test harness. Writes are serialized through mu
// because the read loop and the bus-forwarding pump both write frames.
type client struct {
	conn        *websocket.Conn
	mu          sync.Mutex
	handshaken  bool
	principalID string

	tailMu  sync.Mutex
	tailSub *bus.Subscription
	tailRun string
	cancel  context.CancelFunc
}

func (c *client) write(ctx context.Context, env Envelope) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	env.Ts = time.Now().UTC()
	return wsjson.Write(ctx, c.conn, env)
}

func (c *client) writeError(ctx context.Context, id, kind, message string) error {
	return c.write(ctx, Envelope{
		Type: ResError, ID: id,
		Payload: encodePayload(ErrorPayload{Kind: kind, Message: message}),
	})
}

// Server is the control plane: the websocket+HTTP frontend over a Core.
type Server struct {
	core   *Core
	logger *slog.Logger

	clientsMu sync.RWMutex
	clients   map[*client]struct{}
}

// NewServer builds a control plane Server over core.
func NewServer(core *Core) *Server {
	logger := core.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{core: core, logger: logger, clients: make(map[*client]struct{})}
}

// Handler builds the mux: /ws for the control plane protocol, /healthz and
// /metrics as plain HTTP (see http.go), everything wrapped in the
// configured CORS and request-size-limit middleware.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWS)
	mux.HandleFunc("/healthz", s.handleHealthz)
	mux.HandleFunc("/metrics", s.handleMetrics)

	cors := NewCORSMiddleware(s.core.Config.CORS)
	sizeLimited := RequestSizeLimitMiddleware(0)(mux)
	return cors(s.core.Auth.Wrap(sizeLimited))
}

func (s *Server) addClient(c *client) {
	s.clientsMu.Lock()
	defer s.clientsMu.Unlock()
	s.clients[c] = struct{}{}
}

func (s *Server) removeClient(c *client) {
	c.tailMu.Lock()
	if c.cancel != nil {
		c.cancel()
	}
	if c.tailSub != nil {
		s.core.Bus.Unsubscribe(c.tailSub)
	}
	c.tailMu.Unlock()

	s.clientsMu.Lock()
	defer s.clientsMu.Unlock()
	delete(s.clients, c)
}

// handleWS upgrades the connection and runs the control plane's per-client
// read loop: every frame is a req: envelope. The handshake request is
// dispatched inline (a client must not be treated as authenticated before
// its hello completes), but every request after that is dispatched
// concurrently, each answered with exactly one res: (or res:error)
// envelope correlated by id. evt: frames are pushed out-of-band by the
// bus-forwarding pump started from req:runs.tail. Writes to conn are
// serialized through client.write's mutex since responses and pumped
// events can now race each other.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: s.core.Config.CORS.AllowedOrigins,
	})
	if err != nil {
		return
	}
	c := &client{conn: conn}
	s.addClient(c)
	s.logger.Info("ws: client connected")
	defer func() {
		s.removeClient(c)
		s.logger.Info("ws: client disconnecting")
		_ = conn.Close(websocket.StatusNormalClosure, "bye")
	}()

	ctx := r.Context()
	go s.heartbeat(ctx, c)

	for {
		var env Envelope
		if err := wsjson.Read(ctx, conn, &env); err != nil {
			s.logger.Info("ws: read loop ended", "error", err)
			return
		}
		if !c.handshaken {
			if env.Type != ReqHello {
				_ = c.writeError(ctx, env.ID, ErrorUnauthenticated, "hello required before any other request")
				return
			}
			resp := s.dispatch(ctx, c, env)
			if err := c.write(ctx, *resp); err != nil {
				s.logger.Error("ws: write response failed", "type", env.Type, "error", err)
			}
			if resp.Type == ResError {
				return
			}
			continue
		}
		go s.dispatchAndWrite(ctx, c, env)
	}
}

// dispatchAndWrite runs dispatch for one already-handshaken request and
// writes its response, letting requests on the same connection run
// concurrently instead of blocking the read loop on a slow handler.
func (s *Server) dispatchAndWrite(ctx context.Context, c *client, env Envelope) {
	resp := s.dispatch(ctx, c, env)
	if resp == nil {
		return
	}
	if err := c.write(ctx, *resp); err != nil {
		s.logger.Error("ws: write response failed", "type", env.Type, "error", err)
	}
}

func (s *Server) heartbeat(ctx context.Context, c *client) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			pingCtx, cancel := context.WithTimeout(ctx, pingTimeout)
			err := c.conn.Ping(pingCtx)
			cancel()
			if err != nil {
				s.logger.Info("ws: ping failed, closing", "error", err)
				_ = c.conn.Close(websocket.StatusPolicyViolation, "ping timeout")
				return
			}
		}
	}
}

// dispatch routes one req: envelope to its handler. A response's Type is
// always a res: counterpart of the request (or res:error); nil is never
// returned for a req: frame.
func (s *Server) dispatch(ctx context.Context, c *client, env Envelope) *Envelope {
	if !c.handshaken {
		return s.handleHello(ctx, c, env)
	}

	switch env.Type {
	case ReqChannelsList:
		return s.handleChannelsList(ctx, env)
	case ReqChatList:
		return s.handleChatList(ctx, env)
	case ReqChatMessages:
		return s.handleChatMessages(ctx, env)
	case ReqAgentRun:
		return s.handleAgentRun(ctx, c, env)
	case ReqRunsTail:
		return s.handleRunsTail(ctx, c, env)
	case ReqConfigGet:
		return s.handleConfigGet(ctx, env)
	case ReqConfigSet:
		return s.handleConfigSet(ctx, env)
	case ReqApprovalGrant:
		return s.handleApprovalGrant(ctx, c, env)
	case ReqDoctorAudit:
		return s.handleDoctorAudit(ctx, env)
	default:
		return errEnvelope(env.ID, ErrorInvalidRequest, "unknown request type: "+env.Type)
	}
}

func errEnvelope(id, kind, message string) *Envelope {
	return &Envelope{Type: ResError, ID: id, Payload: encodePayload(ErrorPayload{Kind: kind, Message: message})}
}

func (s *Server) handleHello(ctx context.Context, c *client, env Envelope) *Envelope {
	if env.Type != ReqHello {
		return errEnvelope(env.ID, ErrorUnauthenticated, "hello required before any other request")
	}
	var req HelloRequest
	if err := decodePayload(env.Payload, &req); err != nil {
		return errEnvelope(env.ID, ErrorInvalidRequest, "malformed hello payload")
	}
	entry, ok := s.core.Auth.Authenticate(req.ClientKey)
	if !ok {
		return errEnvelope(env.ID, ErrorUnauthenticated, "invalid client_key")
	}
	c.handshaken = true
	if entry != nil {
		c.principalID = entry.PrincipalID
	}
	return &Envelope{
		Type: ResHello, ID: env.ID,
		Payload: encodePayload(HelloResponse{
			Server: "agentgw", Version: s.core.Version,
			InstanceID: s.core.Config.InstanceID,
			Features:   []string{"channels", "chat", "agent.run", "runs.tail", "config", "approval", "doctor"},
		}),
	}
}

func (s *Server) handleChannelsList(ctx context.Context, env Envelope) *Envelope {
	channels, err := s.core.ListChannels(ctx)
	if err != nil {
		return errEnvelope(env.ID, ErrorInternal, err.Error())
	}
	out := make([]ChannelSummary, 0, len(channels))
	for _, ch := range channels {
		out = append(out, ChannelSummary{ID: ch.ID, Kind: ch.Kind, Status: ch.Status, LastSeen: ch.LastSeen})
	}
	return &Envelope{Type: ResChannelsList, ID: env.ID, Payload: encodePayload(ChannelsListResponse{Channels: out})}
}

func (s *Server) handleChatList(ctx context.Context, env Envelope) *Envelope {
	var req ChatListRequest
	if err := decodePayload(env.Payload, &req); err != nil {
		return errEnvelope(env.ID, ErrorInvalidRequest, "malformed chat.list payload")
	}
	chats, err := s.core.ListChats(ctx, req.ChannelID)
	if err != nil {
		return errEnvelope(env.ID, ErrorInternal, err.Error())
	}
	out := make([]ChatSummary, 0, len(chats))
	for _, ch := range chats {
		out = append(out, ChatSummary{ID: ch.ID, ChannelID: ch.ChannelID, Title: ch.Title, CreatedAt: ch.CreatedAt})
	}
	return &Envelope{Type: ResChatList, ID: env.ID, Payload: encodePayload(ChatListResponse{Chats: out})}
}

func (s *Server) handleChatMessages(ctx context.Context, env Envelope) *Envelope {
	var req ChatMessagesRequest
	if err := decodePayload(env.Payload, &req); err != nil || req.ChatID == "" {
		return errEnvelope(env.ID, ErrorInvalidRequest, "chat_id required")
	}
	msgs, err := s.core.ListMessages(ctx, req.ChatID, req.Limit)
	if err != nil {
		return errEnvelope(env.ID, ErrorInternal, err.Error())
	}
	out := make([]MessageSummary, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, MessageSummary{ID: m.ID, Direction: m.Direction, SenderID: m.SenderID, Text: m.Text, Ts: m.Ts})
	}
	return &Envelope{Type: ResChatMessages, ID: env.ID, Payload: encodePayload(ChatMessagesResponse{Messages: out})}
}

func (s *Server) handleAgentRun(ctx context.Context, c *client, env Envelope) *Envelope {
	var req AgentRunRequest
	if err := decodePayload(env.Payload, &req); err != nil || req.ChatID == "" || req.Prompt == "" {
		return errEnvelope(env.ID, ErrorInvalidRequest, "chat_id and prompt required")
	}
	if req.RequestedBy == "" {
		req.RequestedBy = c.principalID
	}
	runID, err := s.core.StartRun(ctx, req)
	if err != nil {
		return errEnvelope(env.ID, ErrorRateLimited, err.Error())
	}
	return &Envelope{Type: ResAgentRun, ID: env.ID, Payload: encodePayload(AgentRunResponse{RunID: runID})}
}

// handleRunsTail replays persisted events after AfterSeq, then starts a
// background pump that forwards live bus events for the run as evt: frames
// until the connection's context ends.
func (s *Server) handleRunsTail(ctx context.Context, c *client, env Envelope) *Envelope {
	var req RunsTailRequest
	if err := decodePayload(env.Payload, &req); err != nil || req.RunID == "" {
		return errEnvelope(env.ID, ErrorInvalidRequest, "run_id required")
	}

	replay, err := s.core.ReplayEvents(ctx, req.RunID, req.AfterSeq)
	if err != nil {
		return errEnvelope(env.ID, ErrorInternal, err.Error())
	}

	c.tailMu.Lock()
	if c.tailSub != nil {
		s.core.Bus.Unsubscribe(c.tailSub)
		if c.cancel != nil {
			c.cancel()
		}
	}
	sub := s.core.Bus.SubscribeFilter(bus.Filter{RunID: req.RunID})
	pumpCtx, cancel := context.WithCancel(context.Background())
	c.tailSub = sub
	c.tailRun = req.RunID
	c.cancel = cancel
	c.tailMu.Unlock()

	go s.pumpRunEvents(pumpCtx, c, sub)

	for _, e := range replay {
		_ = c.write(ctx, Envelope{Type: eventTypeForTopic(e.Type), Payload: withSeq(e.Payload, e.Seq)})
	}

	return &Envelope{Type: ResRunsTail, ID: env.ID, Payload: encodePayload(RunsTailResponse{Subscribed: true})}
}

func (s *Server) pumpRunEvents(ctx context.Context, c *client, sub *bus.Subscription) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-sub.Ch():
			if !ok {
				return
			}
			payload := encodePayload(ev.Payload)
			env := Envelope{Type: eventTypeForTopic(ev.Topic), Payload: withSeq(payload, ev.Seq)}
			if err := c.write(ctx, env); err != nil {
				s.logger.Info("ws: run event push failed, stopping pump", "error", err)
				return
			}
		}
	}
}

func withSeq(payload json.RawMessage, seq uint64) json.RawMessage {
	var m map[string]any
	if len(payload) > 0 {
		_ = json.Unmarshal(payload, &m)
	}
	if m == nil {
		m = map[string]any{}
	}
	m["seq"] = seq
	out, err := json.Marshal(m)
	if err != nil {
		return payload
	}
	return out
}

func eventTypeForTopic(topic string) string {
	switch topic {
	case bus.TopicRunProgress:
		return EvtRunProgress
	case bus.TopicRunToolCall:
		return EvtRunToolCall
	case bus.TopicRunOutput:
		return EvtRunOutput
	case bus.TopicRunCompleted:
		return EvtRunCompleted
	case bus.TopicMessageInbound:
		return EvtMessageInbound
	case bus.TopicSecurityBlocked:
		return EvtSecurityBlocked
	case bus.TopicApprovalRequired:
		return EvtApprovalRequired
	case bus.TopicChannelStatus:
		return EvtChannelStatus
	default:
		return topic
	}
}

func (s *Server) handleConfigGet(ctx context.Context, env Envelope) *Envelope {
	pol, specs := s.core.GetConfig()
	return &Envelope{Type: ResConfigGet, ID: env.ID, Payload: encodePayload(ConfigGetResponse{
		Policy: encodePayload(pol),
		Tools:  encodePayload(specs),
	})}
}

func (s *Server) handleConfigSet(ctx context.Context, env Envelope) *Envelope {
	var req ConfigSetRequest
	if err := decodePayload(env.Payload, &req); err != nil {
		return errEnvelope(env.ID, ErrorInvalidRequest, "malformed config.set payload")
	}
	if err := s.core.SetConfig(req); err != nil {
		return errEnvelope(env.ID, ErrorInternal, err.Error())
	}
	return &Envelope{Type: ResConfigSet, ID: env.ID, Payload: encodePayload(ConfigSetResponse{Applied: true})}
}

func (s *Server) handleApprovalGrant(ctx context.Context, c *client, env Envelope) *Envelope {
	var req ApprovalGrantRequest
	if err := decodePayload(env.Payload, &req); err != nil || req.RunID == "" {
		return errEnvelope(env.ID, ErrorInvalidRequest, "run_id required")
	}
	if err := s.core.GrantApproval(req.RunID, c.principalID); err != nil {
		return errEnvelope(env.ID, ErrorNotFound, err.Error())
	}
	return &Envelope{Type: ResApprovalGrant, ID: env.ID, Payload: encodePayload(ApprovalGrantResponse{Granted: true})}
}

func (s *Server) handleDoctorAudit(ctx context.Context, env Envelope) *Envelope {
	resp := s.core.Audit(ctx)
	return &Envelope{Type: ResDoctorAudit, ID: env.ID, Payload: encodePayload(resp)}
}
