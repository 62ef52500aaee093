// Package session is the client half of the bus: one authenticated
// bidirectional channel per participant, a dynamic set of room
// memberships replayed across reconnects, per-kind dispatch of inbound
// envelopes, optimistic local mutations with rollback, and a presence
// signal for the rendering layer.
//
// Everything a screen touches goes through Subscribe, Join/Leave,
// Publish, or the Reconciler; connection and room internals stay here.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/google/uuid"

	"github.com/DacKha/Bus-Tracking-System-sub001/pkg/event"
	"github.com/DacKha/Bus-Tracking-System-sub001/pkg/transport"
)

// State is the connection lifecycle: connecting -> open -> closed, with
// closed -> connecting on automatic retry. Closed is terminal once retries
// are exhausted or Close is called.
type State int32

const (
	StateConnecting State = iota
	StateOpen
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateClosed:
		return "closed"
	}
	return "unknown"
}

type Options struct {
	// URL is the websocket endpoint, e.g. "ws://host:8080/ws".
	URL string
	// Credential is the opaque bearer token presented at open time.
	Credential string

	HeartbeatInterval time.Duration // default 5s
	HeartbeatMisses   int           // consecutive misses before reconnect, default 2

	ReconnectAttempts int           // default 5
	BackoffBase       time.Duration // default 1s, doubles per attempt
	BackoffCap        time.Duration // default 30s

	// ConfirmWindow bounds how long an optimistic mutation stays trusted
	// without an authoritative echo. Default 12s.
	ConfirmWindow time.Duration

	SendBuffer  int
	DialTimeout time.Duration // default 10s
	Logger      *slog.Logger
}

func (o Options) withDefaults() Options {
	if o.HeartbeatInterval <= 0 {
		o.HeartbeatInterval = 5 * time.Second
	}
	if o.HeartbeatMisses <= 0 {
		o.HeartbeatMisses = 2
	}
	if o.ReconnectAttempts <= 0 {
		o.ReconnectAttempts = 5
	}
	if o.BackoffBase <= 0 {
		o.BackoffBase = time.Second
	}
	if o.BackoffCap <= 0 {
		o.BackoffCap = 30 * time.Second
	}
	if o.ConfirmWindow <= 0 {
		o.ConfirmWindow = 12 * time.Second
	}
	if o.DialTimeout <= 0 {
		o.DialTimeout = 10 * time.Second
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	return o
}

// Handler receives every inbound envelope of a subscribed kind, on the
// session's read goroutine. local is true when the envelope is the
// authoritative echo of this session's own optimistic mutation; its delta
// is already reflected in local state and must not be applied again.
type Handler func(env event.Envelope, local bool)

type subEntry struct {
	id int
	fn Handler
}

// Session owns one participant's channel to the bus. All handler
// invocations for a session are serialized; across sessions everything is
// concurrent.
type Session struct {
	opts   Options
	logger *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	state    atomic.Int32
	lastBeat atomic.Int64 // unix nanos of the last server heartbeat echo

	mu           sync.Mutex // guards conn, rooms, reconnecting, participant
	conn         *transport.Connection
	rooms        []event.RoomID
	roomSet      map[event.RoomID]bool
	reconnecting bool
	participant  string

	subMu   sync.RWMutex
	subs    map[event.Kind][]subEntry
	nextSub int

	stateMu      sync.Mutex
	stateSubs    map[int]func(State)
	nextStateSub int

	rec       *Reconciler
	closeOnce sync.Once
}

// Open dials the bus, performs the welcome handshake, and returns an open
// session. A 401/403 during the handshake yields ErrAuthRejected and no
// session; any other dial failure yields ErrNetworkUnavailable.
func Open(ctx context.Context, opts Options) (*Session, error) {
	opts = opts.withDefaults()
	sctx, cancel := context.WithCancel(context.Background())
	s := &Session{
		opts:      opts,
		logger:    opts.Logger.With(slog.String("component", "session")),
		ctx:       sctx,
		cancel:    cancel,
		roomSet:   make(map[event.RoomID]bool),
		subs:      make(map[event.Kind][]subEntry),
		stateSubs: make(map[int]func(State)),
	}
	s.rec = newReconciler(s, opts.ConfirmWindow)
	s.state.Store(int32(StateConnecting))

	ws, participant, err := s.dial(ctx)
	if err != nil {
		cancel()
		return nil, err
	}
	s.mu.Lock()
	s.participant = participant
	s.mu.Unlock()
	s.adopt(ws)
	s.setState(StateOpen)

	s.wg.Add(1)
	go s.heartbeatLoop()

	s.logger.Info("session open", slog.String("participant", participant))
	return s, nil
}

// dial establishes one fresh websocket and reads the welcome frame.
func (s *Session) dial(ctx context.Context) (*websocket.Conn, string, error) {
	dialCtx, cancel := context.WithTimeout(ctx, s.opts.DialTimeout)
	defer cancel()

	ws, resp, err := websocket.Dial(dialCtx, s.opts.URL, &websocket.DialOptions{
		HTTPHeader: http.Header{"Authorization": []string{"Bearer " + s.opts.Credential}},
	})
	if err != nil {
		if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
			return nil, "", fmt.Errorf("%w: http %d", ErrAuthRejected, resp.StatusCode)
		}
		return nil, "", fmt.Errorf("%w: %v", ErrNetworkUnavailable, err)
	}

	var frame event.Frame
	if err := wsjson.Read(dialCtx, ws, &frame); err != nil {
		ws.Close(websocket.StatusProtocolError, "no welcome")
		return nil, "", fmt.Errorf("%w: welcome read: %v", ErrNetworkUnavailable, err)
	}
	if frame.Op != event.OpWelcome {
		ws.Close(websocket.StatusProtocolError, "unexpected first frame")
		return nil, "", fmt.Errorf("%w: first frame was %q, not welcome", ErrNetworkUnavailable, frame.Op)
	}
	return ws, frame.Participant, nil
}

// adopt wraps a fresh websocket in a new transport connection instance and
// starts its pumps. Connections are never reused across reconnects.
func (s *Session) adopt(ws *websocket.Conn) {
	conn := transport.NewConnection(s.ctx, &s.wg, ws, transport.Config{
		// The server's heartbeat echo is the only guaranteed inbound
		// traffic on a quiet room, so the read deadline sits well past
		// the miss budget.
		ReadTimeout: s.opts.HeartbeatInterval * time.Duration(s.opts.HeartbeatMisses+2),
		SendBuffer:  s.opts.SendBuffer,
	}, s.handleFrame, s.handleClosed, s.logger)

	s.mu.Lock()
	s.conn = conn
	s.mu.Unlock()
	s.lastBeat.Store(time.Now().UnixNano())
	conn.Run()
}

func (s *Session) handleFrame(_ context.Context, _ uuid.UUID, raw []byte) {
	var frame event.Frame
	if err := json.Unmarshal(raw, &frame); err != nil {
		s.logger.Warn("undecodable frame dropped", slog.Any("error", err))
		return
	}
	switch frame.Op {
	case event.OpHeartbeat:
		s.lastBeat.Store(time.Now().UnixNano())
	case event.OpReject:
		s.rec.onReject(frame.Corr, frame.Code, frame.Message)
	case event.OpEvent:
		if frame.Envelope != nil {
			s.dispatch(*frame.Envelope)
		}
	default:
		s.logger.Debug("unexpected op from server", slog.String("op", string(frame.Op)))
	}
}

// dispatch hands one inbound envelope to the reconciler and then to every
// subscriber of its kind, in registration order. The router does not filter
// self-echoes; subscribers get them flagged as local instead.
func (s *Session) dispatch(env event.Envelope) {
	local := s.rec.observe(env)

	s.subMu.RLock()
	entries := make([]subEntry, len(s.subs[env.Kind]))
	copy(entries, s.subs[env.Kind])
	s.subMu.RUnlock()

	for _, e := range entries {
		e.fn(env, local)
	}
}

// Subscribe registers a handler for one envelope kind. All handlers for a
// kind run, in registration order. The returned func unsubscribes.
func (s *Session) Subscribe(kind event.Kind, fn Handler) func() {
	s.subMu.Lock()
	id := s.nextSub
	s.nextSub++
	s.subs[kind] = append(s.subs[kind], subEntry{id: id, fn: fn})
	s.subMu.Unlock()

	return func() {
		s.subMu.Lock()
		defer s.subMu.Unlock()
		entries := s.subs[kind]
		for i, e := range entries {
			if e.id == id {
				s.subs[kind] = append(entries[:i], entries[i+1:]...)
				return
			}
		}
	}
}

// Publish hands an envelope to the bus, fire-and-forget. Confirmation, when
// a caller needs it, is layered on top by the Reconciler via the
// application-level echo.
func (s *Session) Publish(env event.Envelope) error {
	if s.State() != StateOpen {
		return ErrNotConnected
	}
	return s.sendFrame(event.Frame{Op: event.OpPublish, Envelope: &env})
}

func (s *Session) sendFrame(frame event.Frame) error {
	raw, err := json.Marshal(frame)
	if err != nil {
		return fmt.Errorf("marshal frame: %w", err)
	}
	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}
	conn.Send(raw)
	return nil
}

func (s *Session) heartbeatLoop() {
	defer s.wg.Done()
	interval := s.opts.HeartbeatInterval
	deadline := interval*time.Duration(s.opts.HeartbeatMisses) + interval/2

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			if s.State() != StateOpen {
				continue
			}
			if time.Since(s.LastHeartbeat()) > deadline {
				s.logger.Warn("heartbeats missed, dropping connection")
				s.mu.Lock()
				conn := s.conn
				s.mu.Unlock()
				if conn != nil {
					conn.Close(errors.New("heartbeat deadline exceeded"))
				}
				continue
			}
			_ = s.sendFrame(event.Frame{Op: event.OpHeartbeat})
		}
	}
}

// handleClosed is the transport close callback. A deliberate Close ends the
// session; anything else schedules reconnection.
func (s *Session) handleClosed(_ uuid.UUID, err error) {
	if s.ctx.Err() != nil {
		return // session shut down deliberately
	}

	s.mu.Lock()
	if s.reconnecting {
		s.mu.Unlock()
		return
	}
	s.reconnecting = true
	s.mu.Unlock()

	s.setState(StateConnecting)
	s.logger.Warn("connection lost, reconnecting", slog.Any("reason", err))
	s.wg.Add(1)
	go s.reconnect()
}

// reconnect retries with capped exponential backoff. Room memberships are
// replayed onto the new connection before the session reports open again,
// so no fan-out window is silently lost after the state flips.
func (s *Session) reconnect() {
	defer s.wg.Done()
	defer func() {
		s.mu.Lock()
		s.reconnecting = false
		s.mu.Unlock()
	}()

	for attempt := 1; attempt <= s.opts.ReconnectAttempts; attempt++ {
		select {
		case <-time.After(backoffDelay(attempt, s.opts.BackoffBase, s.opts.BackoffCap)):
		case <-s.ctx.Done():
			return
		}

		ws, participant, err := s.dial(s.ctx)
		if errors.Is(err, ErrAuthRejected) {
			s.logger.Error("credential no longer accepted, giving up", slog.Any("error", err))
			break
		}
		if err != nil {
			s.logger.Warn("reconnect attempt failed",
				slog.Int("attempt", attempt), slog.Any("error", err))
			continue
		}

		s.mu.Lock()
		s.participant = participant
		s.mu.Unlock()
		s.adopt(ws)
		s.replayRooms()
		s.setState(StateOpen)
		if s.ctx.Err() != nil {
			// Close raced the redial; the session must end up closed, not
			// reporting open on a dead context.
			s.mu.Lock()
			conn := s.conn
			s.mu.Unlock()
			if conn != nil {
				conn.Close(errors.New("session closed during reconnect"))
			}
			s.setState(StateClosed)
			return
		}
		s.logger.Info("reconnected", slog.Int("attempts", attempt))
		return
	}

	s.logger.Error("reconnect attempts exhausted, session closed")
	s.terminate()
}

// backoffDelay is the wait before the given 1-based attempt: base doubling
// per attempt, capped.
func backoffDelay(attempt int, base, cap time.Duration) time.Duration {
	d := base
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= cap {
			return cap
		}
	}
	if d > cap {
		return cap
	}
	return d
}

func (s *Session) setState(st State) {
	old := State(s.state.Swap(int32(st)))
	if old == st {
		return
	}
	s.stateMu.Lock()
	cbs := make([]func(State), 0, len(s.stateSubs))
	for _, cb := range s.stateSubs {
		cbs = append(cbs, cb)
	}
	s.stateMu.Unlock()
	for _, cb := range cbs {
		cb(st)
	}
}

// OnStateChange registers a callback for lifecycle transitions; the
// returned func unregisters it. Used by presence consumers and screens
// that render a staleness indicator.
func (s *Session) OnStateChange(fn func(State)) func() {
	s.stateMu.Lock()
	id := s.nextStateSub
	s.nextStateSub++
	s.stateSubs[id] = fn
	s.stateMu.Unlock()
	return func() {
		s.stateMu.Lock()
		delete(s.stateSubs, id)
		s.stateMu.Unlock()
	}
}

func (s *Session) State() State {
	return State(s.state.Load())
}

// ParticipantID is the authenticated identity the server welcomed.
func (s *Session) ParticipantID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.participant
}

// LastHeartbeat is when the server last confirmed liveness.
func (s *Session) LastHeartbeat() time.Time {
	return time.Unix(0, s.lastBeat.Load())
}

// Reconciler returns the session's optimistic-mutation reconciler.
func (s *Session) Reconciler() *Reconciler {
	return s.rec
}

// terminate is the non-blocking half of Close; reconnect exhaustion uses it
// directly because that goroutine cannot wait on itself.
func (s *Session) terminate() {
	s.closeOnce.Do(func() {
		s.cancel()
		s.mu.Lock()
		conn := s.conn
		s.mu.Unlock()
		if conn != nil {
			conn.Close(errors.New("session closed"))
		}
		s.setState(StateClosed)
		s.rec.failAll(ErrNotConnected)
	})
}

// Close ends the session permanently and releases every resource. Room
// memberships die with the connection; a future session must re-join.
func (s *Session) Close() {
	s.terminate()
	s.wg.Wait()
}
