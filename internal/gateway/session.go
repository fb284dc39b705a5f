// ABOUTME: Resilient gateway session state machine, one per generation
// ABOUTME: Handshake, heartbeat, sequence tracking, reconnection, dispatch routing

package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/2389/muse-gateway/internal/artifact"
	"github.com/2389/muse-gateway/internal/dedupe"
	"github.com/2389/muse-gateway/internal/interactions"
	"github.com/2389/muse-gateway/internal/store"
)

// ErrConnection indicates a transport-level failure opening or holding the
// gateway connection.
var ErrConnection = errors.New("gateway connection failed")

// ErrReadyTimeout indicates the handshake never completed in time.
var ErrReadyTimeout = errors.New("timed out waiting for gateway ready")

// ErrAuth indicates the gateway rejected the credential. Not retried.
var ErrAuth = errors.New("gateway authentication failed")

const eventBufferSize = 32

// InteractionPoster sends outbound command payloads. Satisfied by
// *interactions.Client.
type InteractionPoster interface {
	Post(ctx context.Context, payload any) error
}

// ArtifactClient is the artifact store surface the handlers need.
// Satisfied by *artifact.Client.
type ArtifactClient interface {
	Download(ctx context.Context, url string) []byte
	Upload(ctx context.Context, path string, data []byte, opts artifact.UploadOptions) (string, error)
}

// Policy bounds the session's connection behavior.
type Policy struct {
	ConnectTimeout       time.Duration
	ReadyTimeout         time.Duration
	ReconnectDelay       time.Duration
	ReconnectMaxAttempts int
}

// SessionOptions configures a new Session.
type SessionOptions struct {
	GenerationID string
	GatewayURL   string
	Token        string
	BotID        string
	Target       interactions.Target
	Poster       InteractionPoster
	Records      store.Store
	Artifacts    ArtifactClient
	Policy       Policy
	Retry        RetryPolicy
	Logger       *slog.Logger
}

// Session owns one physical gateway connection for a single generation.
// It identifies, heartbeats, tracks the dispatch sequence, reconnects on
// recoverable close codes, and routes bot messages to the grid and upscale
// handlers. Consumers read typed events from Events().
type Session struct {
	generationID string
	gatewayURL   string
	token        string
	botID        string
	target       interactions.Target
	poster       InteractionPoster
	policy       Policy
	logger       *slog.Logger

	grid    *GridHandler
	upscale *UpscaleHandler

	events chan Event

	readyCh   chan struct{}
	readyOnce sync.Once
	failedCh  chan struct{}
	failOnce  sync.Once
	failErr   error

	cleaningUp atomic.Bool

	mu                sync.Mutex
	conn              *websocket.Conn
	sessionID         string
	sequence          *int64
	ready             bool
	reconnectAttempts int
	stopHeartbeat     chan struct{}
}

// NewSession wires a session and its two handlers for one generation id.
func NewSession(opts SessionOptions) *Session {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "gateway", "generation_id", opts.GenerationID)

	s := &Session{
		generationID: opts.GenerationID,
		gatewayURL:   opts.GatewayURL,
		token:        opts.Token,
		botID:        opts.BotID,
		target:       opts.Target,
		poster:       opts.Poster,
		policy:       opts.Policy,
		logger:       logger,
		events:       make(chan Event, eventBufferSize),
		readyCh:      make(chan struct{}),
		failedCh:     make(chan struct{}),
	}
	s.grid = NewGridHandler(opts.GenerationID, opts.Records, opts.Artifacts, dedupe.New(), s.emit, logger)
	s.upscale = NewUpscaleHandler(opts.GenerationID, opts.Records, opts.Artifacts, dedupe.New(), dedupe.New(), opts.Retry, s.emit, logger)
	return s
}

// Events returns the session's typed event stream.
func (s *Session) Events() <-chan Event {
	return s.events
}

// Connect opens the transport and sends the identification frame. It is a
// no-op when a connection is already open. It returns once identification
// is sent; readiness is signaled separately via AwaitReady.
func (s *Session) Connect(ctx context.Context) error {
	s.mu.Lock()
	open := s.conn != nil
	s.mu.Unlock()
	if open {
		return nil
	}
	return s.dial(ctx)
}

func (s *Session) dial(ctx context.Context) error {
	dialCtx, cancel := context.WithTimeout(ctx, s.policy.ConnectTimeout)
	defer cancel()

	conn, _, err := websocket.DefaultDialer.DialContext(dialCtx, s.gatewayURL, nil)
	if err != nil {
		return fmt.Errorf("%w: dial %s: %v", ErrConnection, s.gatewayURL, err)
	}
	if err := conn.WriteJSON(newIdentifyFrame(s.token)); err != nil {
		conn.Close()
		return fmt.Errorf("%w: send identify: %v", ErrConnection, err)
	}

	s.mu.Lock()
	s.conn = conn
	s.mu.Unlock()

	s.logger.Info("gateway connected, identify sent")
	go s.readLoop(conn)
	return nil
}

// AwaitReady blocks until the handshake completes, an error precedes
// readiness, the ready timeout elapses, or ctx is canceled.
func (s *Session) AwaitReady(ctx context.Context) error {
	timer := time.NewTimer(s.policy.ReadyTimeout)
	defer timer.Stop()

	select {
	case <-s.readyCh:
		return nil
	case <-s.failedCh:
		s.mu.Lock()
		err := s.failErr
		s.mu.Unlock()
		return err
	case <-timer.C:
		return ErrReadyTimeout
	case <-ctx.Done():
		return ctx.Err()
	}
}

// SendImagine posts the create command for the given prompt. Silently
// dropped when the session is not ready or is tearing down.
func (s *Session) SendImagine(ctx context.Context, prompt string) error {
	if !s.canSend() {
		s.logger.Warn("dropping imagine command, session not ready")
		return nil
	}
	return s.poster.Post(ctx, interactions.NewImaginePayload(s.target, prompt))
}

// ClickButton posts a component interaction for a captured button id.
// Silently dropped when the session is not ready or is tearing down.
func (s *Session) ClickButton(ctx context.Context, messageID, customID string) error {
	if !s.canSend() {
		s.logger.Warn("dropping button click, session not ready", "custom_id", customID)
		return nil
	}
	return s.poster.Post(ctx, interactions.NewClickPayload(s.target, messageID, customID))
}

func (s *Session) canSend() bool {
	if s.cleaningUp.Load() {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ready
}

// MarkForCleanup sets the teardown guard and disconnects. Inbound frames
// and outbound sends become no-ops from this point on. Monotonic.
func (s *Session) MarkForCleanup() {
	if s.cleaningUp.CompareAndSwap(false, true) {
		s.logger.Debug("session marked for cleanup")
		s.Disconnect()
	}
}

// Disconnect closes the transport and clears session identity. Idempotent.
func (s *Session) Disconnect() {
	s.mu.Lock()
	conn := s.conn
	s.conn = nil
	s.sessionID = ""
	s.sequence = nil
	s.ready = false
	if s.stopHeartbeat != nil {
		close(s.stopHeartbeat)
		s.stopHeartbeat = nil
	}
	s.mu.Unlock()

	if conn != nil {
		conn.Close()
		s.logger.Info("gateway disconnected")
	}
}

// readLoop consumes frames until the connection dies, then hands the close
// error to the reconnect path.
func (s *Session) readLoop(conn *websocket.Conn) {
	ctx := context.Background()
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			s.handleClose(err)
			return
		}
		var p payload
		if err := json.Unmarshal(data, &p); err != nil {
			s.logger.Warn("discarding malformed gateway frame", "error", err)
			continue
		}
		s.handleFrame(ctx, conn, &p)
	}
}

func (s *Session) handleFrame(ctx context.Context, conn *websocket.Conn, p *payload) {
	switch p.Op {
	case opHello:
		var hello helloData
		if err := json.Unmarshal(p.D, &hello); err != nil {
			s.logger.Warn("malformed hello frame", "error", err)
			return
		}
		s.startHeartbeat(conn, time.Duration(hello.HeartbeatInterval)*time.Millisecond)

	case opHeartbeatACK:
		s.logger.Debug("heartbeat acknowledged")

	case opDispatch:
		if p.S != nil {
			s.mu.Lock()
			s.sequence = p.S
			s.mu.Unlock()
		}
		s.handleDispatch(ctx, p)
	}
}

func (s *Session) handleDispatch(ctx context.Context, p *payload) {
	switch p.T {
	case eventReady:
		var ready readyData
		if err := json.Unmarshal(p.D, &ready); err != nil {
			s.logger.Warn("malformed ready dispatch", "error", err)
			return
		}
		s.mu.Lock()
		s.sessionID = ready.SessionID
		s.ready = true
		s.reconnectAttempts = 0
		s.mu.Unlock()
		s.logger.Info("gateway session ready", "session_id", ready.SessionID)
		s.readyOnce.Do(func() { close(s.readyCh) })
		s.emit(Event{Type: EventReady, GenerationID: s.generationID})

	case eventMessageCreate, eventMessageUpdate:
		if s.cleaningUp.Load() {
			return
		}
		var msg messageData
		if err := json.Unmarshal(p.D, &msg); err != nil {
			s.logger.Warn("malformed message dispatch", "error", err)
			return
		}
		s.routeMessage(ctx, &msg)
	}
}

func (s *Session) routeMessage(ctx context.Context, msg *messageData) {
	switch classify(msg, s.botID) {
	case kindError:
		s.logger.Warn("bot reported generation failure", "content", msg.Content)
		s.emit(Event{
			Type:         EventError,
			GenerationID: s.generationID,
			Err:          errors.New(msg.Content),
		})
	case kindUpscale:
		s.upscale.Handle(ctx, msg)
	case kindGrid:
		s.grid.Handle(ctx, msg)
	}
}

// startHeartbeat runs the heartbeat loop on the server-specified interval.
// Each tick carries the last-seen sequence number, null before any event.
func (s *Session) startHeartbeat(conn *websocket.Conn, interval time.Duration) {
	s.mu.Lock()
	if s.stopHeartbeat != nil {
		close(s.stopHeartbeat)
	}
	stop := make(chan struct{})
	s.stopHeartbeat = stop
	s.mu.Unlock()

	s.logger.Debug("starting heartbeat", "interval", interval)
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				s.mu.Lock()
				seq := s.sequence
				s.mu.Unlock()
				if err := conn.WriteJSON(heartbeatFrame{Op: opHeartbeat, D: seq}); err != nil {
					s.logger.Warn("heartbeat write failed", "error", err)
					return
				}
			}
		}
	}()
}

// handleClose classifies a dead connection and either gives up (fatal
// credential failure, teardown in progress) or schedules a reconnect.
func (s *Session) handleClose(err error) {
	s.mu.Lock()
	s.conn = nil
	s.ready = false
	s.sessionID = ""
	s.sequence = nil
	if s.stopHeartbeat != nil {
		close(s.stopHeartbeat)
		s.stopHeartbeat = nil
	}
	s.mu.Unlock()

	if s.cleaningUp.Load() {
		return
	}

	code := 0
	var ce *websocket.CloseError
	if errors.As(err, &ce) {
		code = ce.Code
	}

	if code == closeAuthFailed {
		s.logger.Error("gateway rejected credential, not retrying", "close_code", code)
		s.fail(ErrAuth)
		s.emit(Event{Type: EventError, GenerationID: s.generationID, Err: ErrAuth})
		return
	}

	switch code {
	case closeAlreadyIdentified, closeInvalidSession, closeInvalidSequence:
		s.logger.Warn("gateway session invalidated, reconnecting with fresh identify", "close_code", code)
	default:
		s.logger.Warn("gateway connection lost", "close_code", code, "error", err)
	}
	s.scheduleReconnect()
}

// scheduleReconnect retries the connection after a fixed delay, bounded by
// the policy's max attempts. Exceeding the budget is terminal.
func (s *Session) scheduleReconnect() {
	s.mu.Lock()
	s.reconnectAttempts++
	attempt := s.reconnectAttempts
	s.mu.Unlock()

	if attempt > s.policy.ReconnectMaxAttempts {
		err := fmt.Errorf("%w: giving up after %d reconnect attempts", ErrConnection, s.policy.ReconnectMaxAttempts)
		s.logger.Error("reconnect budget exhausted", "attempts", s.policy.ReconnectMaxAttempts)
		s.fail(err)
		s.emit(Event{Type: EventError, GenerationID: s.generationID, Err: err})
		return
	}

	s.logger.Info("scheduling reconnect", "attempt", attempt, "max_attempts", s.policy.ReconnectMaxAttempts, "delay", s.policy.ReconnectDelay)
	time.AfterFunc(s.policy.ReconnectDelay, func() {
		if s.cleaningUp.Load() {
			return
		}
		if err := s.dial(context.Background()); err != nil {
			s.logger.Warn("reconnect attempt failed", "attempt", attempt, "error", err)
			s.scheduleReconnect()
		}
	})
}

// fail records the first pre-ready error and unblocks AwaitReady.
func (s *Session) fail(err error) {
	s.failOnce.Do(func() {
		s.mu.Lock()
		s.failErr = err
		s.mu.Unlock()
		close(s.failedCh)
	})
}

// emit delivers an event without blocking the read loop. A full buffer
// drops the event with a warning.
func (s *Session) emit(ev Event) {
	select {
	case s.events <- ev:
	default:
		s.logger.Warn("event buffer full, dropping event", "event_type", ev.Type.String())
	}
}
