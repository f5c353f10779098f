// Package session maintains the bidirectional websocket exchange with
// the remote generation service: request/response correlation with
// timeouts, capped fixed-delay reconnection, heartbeats, and a standing
// subscription for pushed messages.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"github.com/nanlingyin/SoulLink-Live2D/internal/config"
	"github.com/nanlingyin/SoulLink-Live2D/internal/protocol"
)

var (
	// ErrTimeout reports that no matching response arrived in time.
	ErrTimeout = errors.New("request timed out")
	// ErrNotConnected reports a request issued outside the Connected state.
	ErrNotConnected = errors.New("session is not connected")
	// ErrDisconnected reports a connection lost while a request was pending.
	ErrDisconnected = errors.New("connection lost before a reply arrived")
	// ErrClosed reports use of a session after Close.
	ErrClosed = errors.New("session closed")
)

// ServerError carries an explicit error message from the service.
type ServerError struct {
	Message string
}

func (e *ServerError) Error() string {
	return fmt.Sprintf("server error: %s", e.Message)
}

// State is the connection state of the session.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	default:
		return "disconnected"
	}
}

const writeWait = 10 * time.Second

// replyTypes maps a request kind to the inbound types that settle it.
var replyTypes = map[string][]string{
	protocol.TypeChatWithReply:    {protocol.TypeChatResponse, protocol.TypeChatError},
	protocol.TypeUpdateParameters: {protocol.TypeParametersUpdated},
	protocol.TypePing:             {protocol.TypePong},
}

// pushTypes arrive unsolicited and go to the standing subscription.
var pushTypes = map[string]bool{
	protocol.TypeExpression: true,
	protocol.TypeReset:      true,
	protocol.TypeLoadModel:  true,
	protocol.TypeModelList:  true,
}

type settlement struct {
	msg protocol.Inbound
	err error
}

type pendingRequest struct {
	id     string
	kind   string
	wants  map[string]bool
	sentAt time.Time
	ch     chan settlement
	timer  *time.Timer
}

// Session is one logical, possibly-reconnecting exchange with the
// generation service.
type Session struct {
	cfg    config.SessionConfig
	logger *slog.Logger
	dialer *websocket.Dialer

	mu       sync.Mutex
	state    State
	conn     *websocket.Conn
	pending  map[string]*pendingRequest
	order    []string
	attempts int
	closed   bool

	writeMu sync.Mutex

	push   chan protocol.Inbound
	states chan State
	done   chan struct{}
	wg     sync.WaitGroup

	reconnects metric.Int64Counter
	timeouts   metric.Int64Counter
	latency    metric.Float64Histogram
}

// New creates a disconnected session. Call Connect to bring it up.
func New(cfg config.SessionConfig, logger *slog.Logger) *Session {
	s := &Session{
		cfg:     cfg,
		logger:  logger.With(slog.String("component", "session")),
		dialer:  websocket.DefaultDialer,
		pending: make(map[string]*pendingRequest),
		push:    make(chan protocol.Inbound, 32),
		states:  make(chan State, 8),
		done:    make(chan struct{}),
	}
	meter := otel.Meter("soullink/session")
	s.reconnects, _ = meter.Int64Counter("avatar_session_reconnects_total")
	s.timeouts, _ = meter.Int64Counter("avatar_session_timeouts_total")
	s.latency, _ = meter.Float64Histogram("avatar_session_request_ms")
	return s
}

// Push delivers unsolicited messages (expression, reset, load_model,
// model_list) pushed by the service.
func (s *Session) Push() <-chan protocol.Inbound { return s.push }

// States delivers connection state changes.
func (s *Session) States() <-chan State { return s.states }

// State returns the current connection state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Connect dials the endpoint. On failure (and on any later drop) the
// session retries after a fixed delay until the attempt budget is
// exhausted, after which it stays disconnected until Connect is called
// again.
func (s *Session) Connect(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	if s.state != StateDisconnected {
		s.mu.Unlock()
		return nil
	}
	s.setStateLocked(StateConnecting)
	endpoint := s.cfg.Endpoint
	s.mu.Unlock()

	conn, _, err := s.dialer.DialContext(ctx, endpoint, nil)
	if err != nil {
		s.mu.Lock()
		s.setStateLocked(StateDisconnected)
		s.scheduleReconnectLocked()
		s.mu.Unlock()
		return fmt.Errorf("dial %s: %w", endpoint, err)
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		conn.Close()
		return ErrClosed
	}
	s.conn = conn
	s.attempts = 0
	s.setStateLocked(StateConnected)
	s.mu.Unlock()

	s.logger.Info("session connected", slog.String("endpoint", endpoint))

	s.wg.Add(2)
	go s.readLoop(conn)
	go s.heartbeat(conn)
	return nil
}

// Reconnect resets the attempt budget and dials again. This is the
// explicit escape hatch once automatic attempts are exhausted.
func (s *Session) Reconnect(ctx context.Context) error {
	s.mu.Lock()
	s.attempts = 0
	s.mu.Unlock()
	return s.Connect(ctx)
}

// Close tears the session down and fails everything pending.
func (s *Session) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	conn := s.conn
	s.conn = nil
	s.failPendingLocked(ErrClosed)
	s.setStateLocked(StateDisconnected)
	s.mu.Unlock()

	close(s.done)
	if conn != nil {
		conn.Close()
	}
	s.wg.Wait()
}

// Send transmits a fire-and-forget message. A transport failure before
// the message leaves is returned synchronously.
func (s *Session) Send(kind string, payload any) error {
	s.mu.Lock()
	conn := s.conn
	connected := s.state == StateConnected
	s.mu.Unlock()
	if !connected || conn == nil {
		return ErrNotConnected
	}
	env, err := envelope(kind, "", payload)
	if err != nil {
		return err
	}
	return s.writeJSON(conn, env)
}

// Request sends a correlated message and waits for the matching reply,
// an explicit error, or a timeout. Each call carries an independent id,
// so concurrent requests of the same kind never corrupt each other.
func (s *Session) Request(ctx context.Context, kind string, payload any) (protocol.Inbound, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return protocol.Inbound{}, ErrClosed
	}
	conn := s.conn
	if s.state != StateConnected || conn == nil {
		s.mu.Unlock()
		return protocol.Inbound{}, ErrNotConnected
	}

	id := uuid.NewString()
	wants := make(map[string]bool)
	for _, t := range replyTypes[kind] {
		wants[t] = true
	}
	p := &pendingRequest{
		id:     id,
		kind:   kind,
		wants:  wants,
		sentAt: time.Now(),
		ch:     make(chan settlement, 1),
	}
	timeout := time.Duration(s.cfg.RequestTimeout) * time.Millisecond
	p.timer = time.AfterFunc(timeout, func() { s.expire(id) })
	s.pending[id] = p
	s.order = append(s.order, id)
	s.mu.Unlock()

	env, err := envelope(kind, id, payload)
	if err != nil {
		s.remove(id)
		return protocol.Inbound{}, err
	}
	if err := s.writeJSON(conn, env); err != nil {
		s.remove(id)
		return protocol.Inbound{}, err
	}

	select {
	case st := <-p.ch:
		if st.err == nil && s.latency != nil {
			s.latency.Record(context.Background(), float64(time.Since(p.sentAt).Milliseconds()))
		}
		return st.msg, st.err
	case <-ctx.Done():
		s.remove(id)
		return protocol.Inbound{}, ctx.Err()
	}
}

// envelope merges the payload's fields with the type discriminator and
// correlation id.
func envelope(kind, id string, payload any) (map[string]any, error) {
	env := map[string]any{}
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("encode %s message: %w", kind, err)
		}
		if err := json.Unmarshal(data, &env); err != nil {
			return nil, fmt.Errorf("encode %s message: %w", kind, err)
		}
	}
	env["type"] = kind
	if id != "" {
		env["id"] = id
	} else {
		delete(env, "id")
	}
	return env, nil
}

func (s *Session) writeJSON(conn *websocket.Conn, v any) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if err := conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		return fmt.Errorf("set write deadline: %w", err)
	}
	if err := conn.WriteJSON(v); err != nil {
		return fmt.Errorf("write message: %w", err)
	}
	return nil
}

func (s *Session) readLoop(conn *websocket.Conn) {
	defer s.wg.Done()
	for {
		var msg protocol.Inbound
		if err := conn.ReadJSON(&msg); err != nil {
			s.handleDrop(conn, err)
			return
		}
		s.dispatch(conn, msg)
	}
}

// dispatch routes one inbound message: heartbeat handled transparently,
// correlated replies settle their pending request, pushed messages go to
// the subscription, unknown types are logged and ignored.
func (s *Session) dispatch(conn *websocket.Conn, msg protocol.Inbound) {
	switch msg.Type {
	case protocol.TypePing:
		if err := s.writeJSON(conn, map[string]any{"type": protocol.TypePong}); err != nil {
			s.logger.Warn("failed to answer ping", slogError(err))
		}
		return
	case protocol.TypePong:
		if !s.settleByID(msg) {
			s.settleByType(msg)
		}
		return
	}

	if msg.ID != "" && s.settleByID(msg) {
		return
	}
	if s.settleByType(msg) {
		return
	}
	if pushTypes[msg.Type] {
		select {
		case s.push <- msg:
		default:
			s.logger.Warn("push subscription full, dropping message", slog.String("type", msg.Type))
		}
		return
	}
	if msg.Type == protocol.TypeError {
		s.logger.Warn("server error", slog.String("message", msg.Message))
		return
	}
	s.logger.Info("ignoring unrecognized message type", slog.String("type", msg.Type))
}

// settleByID resolves the pending request whose id the message echoes.
func (s *Session) settleByID(msg protocol.Inbound) bool {
	if msg.ID == "" {
		return false
	}
	s.mu.Lock()
	p, ok := s.pending[msg.ID]
	if ok {
		s.removeLocked(msg.ID)
	}
	s.mu.Unlock()
	if !ok {
		return false
	}
	p.ch <- makeSettlement(msg)
	return true
}

// settleByType resolves the oldest pending request expecting this reply
// type. The original service does not echo correlation ids, so this is
// the interop path.
func (s *Session) settleByType(msg protocol.Inbound) bool {
	s.mu.Lock()
	var p *pendingRequest
	for _, id := range s.order {
		cand := s.pending[id]
		if cand == nil {
			continue
		}
		if cand.wants[msg.Type] || (msg.Type == protocol.TypeError && len(cand.wants) > 0) {
			p = cand
			s.removeLocked(id)
			break
		}
	}
	s.mu.Unlock()
	if p == nil {
		return false
	}
	p.ch <- makeSettlement(msg)
	return true
}

func makeSettlement(msg protocol.Inbound) settlement {
	switch msg.Type {
	case protocol.TypeChatError:
		return settlement{msg: msg, err: &ServerError{Message: msg.Error}}
	case protocol.TypeError:
		return settlement{msg: msg, err: &ServerError{Message: msg.Message}}
	default:
		return settlement{msg: msg}
	}
}

func (s *Session) expire(id string) {
	s.mu.Lock()
	p, ok := s.pending[id]
	if ok {
		s.removeLocked(id)
	}
	s.mu.Unlock()
	if !ok {
		return
	}
	if s.timeouts != nil {
		s.timeouts.Add(context.Background(), 1)
	}
	s.logger.Warn("request timed out", slog.String("kind", p.kind), slog.String("id", id))
	p.ch <- settlement{err: ErrTimeout}
}

func (s *Session) remove(id string) {
	s.mu.Lock()
	s.removeLocked(id)
	s.mu.Unlock()
}

func (s *Session) removeLocked(id string) {
	p, ok := s.pending[id]
	if !ok {
		return
	}
	if p.timer != nil {
		p.timer.Stop()
	}
	delete(s.pending, id)
	for i, other := range s.order {
		if other == id {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
}

func (s *Session) failPendingLocked(err error) {
	for _, id := range s.order {
		if p := s.pending[id]; p != nil {
			if p.timer != nil {
				p.timer.Stop()
			}
			p.ch <- settlement{err: err}
		}
	}
	s.pending = make(map[string]*pendingRequest)
	s.order = nil
}

// handleDrop reacts to a read failure: pending requests fail, the state
// goes to disconnected, and a reconnect is scheduled within budget.
func (s *Session) handleDrop(conn *websocket.Conn, err error) {
	s.mu.Lock()
	if s.conn != conn {
		// A newer connection already took over.
		s.mu.Unlock()
		return
	}
	s.conn = nil
	closed := s.closed
	s.failPendingLocked(ErrDisconnected)
	s.setStateLocked(StateDisconnected)
	if !closed {
		s.logger.Warn("connection lost", slogError(err))
		s.scheduleReconnectLocked()
	}
	s.mu.Unlock()
	conn.Close()
}

// scheduleReconnectLocked arms one delayed reconnect attempt, up to the
// configured budget. Exhausting the budget leaves the session
// disconnected until an explicit Reconnect.
func (s *Session) scheduleReconnectLocked() {
	if s.closed || !s.cfg.AutoReconnect {
		return
	}
	if s.attempts >= s.cfg.MaxReconnectAttempts {
		s.logger.Error("reconnect attempts exhausted",
			slog.Int("attempts", s.attempts))
		return
	}
	s.attempts++
	attempt := s.attempts
	if s.reconnects != nil {
		s.reconnects.Add(context.Background(), 1)
	}
	delay := time.Duration(s.cfg.ReconnectDelay) * time.Millisecond
	s.logger.Info("scheduling reconnect",
		slog.Int("attempt", attempt),
		slog.Duration("delay", delay))

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		select {
		case <-s.done:
			return
		case <-time.After(delay):
		}
		if err := s.Connect(context.Background()); err != nil {
			s.logger.Warn("reconnect attempt failed", slog.Int("attempt", attempt), slogError(err))
		}
	}()
}

// heartbeat pings the service at the configured interval for as long as
// conn is the live connection.
func (s *Session) heartbeat(conn *websocket.Conn) {
	defer s.wg.Done()
	interval := time.Duration(s.cfg.HeartbeatInterval) * time.Millisecond
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
			s.mu.Lock()
			live := s.conn == conn
			s.mu.Unlock()
			if !live {
				return
			}
			if err := s.writeJSON(conn, map[string]any{"type": protocol.TypePing}); err != nil {
				s.logger.Warn("heartbeat failed", slogError(err))
				return
			}
		}
	}
}

// Attempts reports the consecutive failed reconnect attempts.
func (s *Session) Attempts() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.attempts
}

func (s *Session) setStateLocked(state State) {
	if s.state == state {
		return
	}
	s.state = state
	select {
	case s.states <- state:
	default:
	}
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
