// Package session implements the control-channel session state machine:
// handshake, pairing, authorization gate, request dispatch, and the single
// writer goroutine every outbound frame passes through. It is the
// generalization of the teacher's rpc.Server/Router dispatch pattern and
// tunnel/server.Server's writer-queue discipline, applied to this agent's
// four-state handshake instead of a token-bearing attach protocol.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/capydeploy/agent/agenterr"
	"github.com/capydeploy/agent/observability"
	"github.com/capydeploy/agent/pairing"
	"github.com/capydeploy/agent/transport/wsconn"
	"github.com/capydeploy/agent/wire"
)

// State is a node in the UNAUTH -> AWAIT_PAIR -> AUTH -> CLOSED state machine.
type State int32

const (
	StateUnauth State = iota
	StateAwaitPair
	StateAuth
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateUnauth:
		return "UNAUTH"
	case StateAwaitPair:
		return "AWAIT_PAIR"
	case StateAuth:
		return "AUTH"
	case StateClosed:
		return "CLOSED"
	default:
		return "UNKNOWN"
	}
}

const (
	ProtocolCurrent      = 1
	ProtocolMinSupported = 1
)

var (
	ErrNotAuthorized  = errors.New("session: not authorized")
	ErrWriterStopped  = errors.New("session: writer stopped")
)

// Sink is what a request handler uses to talk back to the peer. Reply
// answers the specific request by id; Emit sends an unsolicited event.
type Sink interface {
	Reply(ctx context.Context, id, msgType string, payload any) error
	ReplyError(ctx context.Context, id string, e *agenterr.Error) error
	Emit(ctx context.Context, msgType string, payload any) error
}

// Handler processes one AUTH-state request. Handlers are registered by
// message type in a Server's Router.
type Handler func(ctx context.Context, sink Sink, peerID string, id string, payload json.RawMessage) error

// Router maps wire message types to handlers, used once a session reaches AUTH.
type Router struct {
	mu       sync.RWMutex
	handlers map[string]Handler
}

func NewRouter() *Router {
	return &Router{handlers: make(map[string]Handler)}
}

func (r *Router) Register(msgType string, h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[msgType] = h
}

func (r *Router) lookup(msgType string) (Handler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[msgType]
	return h, ok
}

// Lifecycle are the hooks the session drives on AUTH entry/exit — starting
// and stopping the telemetry/console-log pumps and running orphaned-upload
// cleanup, matching spec §4.3's handshake bullet and the disconnect
// sequence in §5.
type Lifecycle interface {
	OnAuth(ctx context.Context, peerID string, sink Sink)
	OnDisconnect(peerID string)
}

type outbound struct {
	text   []byte
	binary []byte
}

// Session is one control-channel connection and its state machine. A fresh
// Session, writer goroutine, and writer queue are created per connection
// and never shared — per spec §4.4, nothing is reused across reconnects.
type Session struct {
	conn Conn
	obs  observability.AgentObserver

	pairingAuthority *pairing.Authority
	router           *Router
	lifecycle        Lifecycle

	state   atomic.Int32
	peerID  string
	name    string
	platform string
	protocolVersion int

	writeCh   chan *outbound
	closeOnce sync.Once
	closed    chan struct{}

	writeTimeout time.Duration

	artworkHandler     BinaryHandler
	uploadChunkHandler BinaryHandler

	status StatusProvider
}

// AgentStatus is the payload of the agent_status response.
type AgentStatus struct {
	Name                string `json:"name"`
	Version             string `json:"version"`
	Platform            string `json:"platform"`
	AcceptConnections   bool   `json:"acceptConnections"`
	TelemetryEnabled    bool   `json:"telemetryEnabled"`
	TelemetryInterval   int    `json:"telemetryInterval"`
	ConsoleLogEnabled   bool   `json:"consoleLogEnabled"`
	ProtocolVersion     int    `json:"protocolVersion"`
}

// StatusProvider supplies the current agent identity/toggle snapshot.
type StatusProvider func() AgentStatus

// Conn is the minimal transport surface a Session needs; wsconn.Conn
// satisfies it, and tests use an in-memory fake.
type Conn interface {
	ReadMessage(ctx context.Context) (int, []byte, error)
	WriteMessage(ctx context.Context, messageType int, data []byte) error
	SetReadLimit(n int64)
	Close() error
}

const writerQueueDepth = 64

func New(conn Conn, pairingAuthority *pairing.Authority, router *Router, lifecycle Lifecycle, status StatusProvider, obs observability.AgentObserver) *Session {
	if obs == nil {
		obs = observability.Noop
	}
	s := &Session{
		conn:             conn,
		obs:              obs,
		pairingAuthority: pairingAuthority,
		router:           router,
		lifecycle:        lifecycle,
		status:           status,
		writeCh:          make(chan *outbound, writerQueueDepth),
		closed:           make(chan struct{}),
		writeTimeout:     10 * time.Second,
	}
	s.conn.SetReadLimit(wire.MaxFrameBytes)
	s.state.Store(int32(StateUnauth))
	return s
}

func (s *Session) State() State { return State(s.state.Load()) }
func (s *Session) PeerID() string { return s.peerID }

// Run drives the writer pump and read loop until the connection ends or ctx
// is cancelled. It always returns after fully tearing the session down.
func (s *Session) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		s.writerLoop(ctx)
	}()

	err := s.readLoop(ctx)
	s.stopWriter()
	wg.Wait()

	if s.lifecycle != nil {
		s.lifecycle.OnDisconnect(s.peerID)
	}
	s.obs.Close(closeReasonFor(err))
	s.state.Store(int32(StateClosed))
	_ = s.conn.Close()
	close(s.closed)
	return err
}

// Done is closed once Run has fully torn the session down.
func (s *Session) Done() <-chan struct{} { return s.closed }

// Close forces the underlying connection shut, unblocking Run's read loop
// so the session tears down. Used by Server to replace a stale connection
// per the replace-with-teardown policy.
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		_ = s.conn.Close()
	})
}

func closeReasonFor(err error) observability.CloseReason {
	switch {
	case err == nil:
		return observability.CloseReasonPeerClosed
	case errors.Is(err, wire.ErrFrameTooLarge):
		return observability.CloseReasonFrameTooLarge
	default:
		return observability.CloseReasonReadError
	}
}

func (s *Session) writerLoop(ctx context.Context) {
	for {
		select {
		case item, ok := <-s.writeCh:
			if !ok || item == nil {
				return
			}
			wctx, cancel := context.WithTimeout(ctx, s.writeTimeout)
			var err error
			if item.binary != nil {
				err = s.conn.WriteMessage(wctx, wsconn.BinaryMessage, item.binary)
			} else {
				err = s.conn.WriteMessage(wctx, wsconn.TextMessage, item.text)
			}
			cancel()
			if err != nil {
				s.obs.Close(observability.CloseReasonWriteError)
				return
			}
		case <-ctx.Done():
			return
		}
	}
}

// stopWriter enqueues the shutdown sentinel (nil) without blocking forever
// if the writer has already exited.
func (s *Session) stopWriter() {
	select {
	case s.writeCh <- nil:
	default:
	}
}

func (s *Session) enqueueText(b []byte) error {
	select {
	case s.writeCh <- &outbound{text: b}:
		return nil
	case <-s.closed:
		return ErrWriterStopped
	}
}

func (s *Session) enqueueBinary(b []byte) error {
	select {
	case s.writeCh <- &outbound{binary: b}:
		return nil
	case <-s.closed:
		return ErrWriterStopped
	}
}

// Reply implements Sink.
func (s *Session) Reply(_ context.Context, id, msgType string, payload any) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	b, err := wire.EncodeText(wire.TextFrame{ID: id, Type: msgType, Payload: raw})
	if err != nil {
		return err
	}
	return s.enqueueText(b)
}

// ReplyError implements Sink.
func (s *Session) ReplyError(_ context.Context, id string, e *agenterr.Error) error {
	b, err := wire.EncodeText(wire.TextFrame{
		ID:   id,
		Type: "error",
		Error: &wire.WireError{Code: int(e.Code), Message: e.WireMessage()},
	})
	if err != nil {
		return err
	}
	return s.enqueueText(b)
}

// Emit implements Sink.
func (s *Session) Emit(_ context.Context, msgType string, payload any) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	b, err := wire.EncodeText(wire.TextFrame{Type: msgType, Payload: raw})
	if err != nil {
		return err
	}
	return s.enqueueText(b)
}

// EmitBinary sends a raw binary frame (used by the artwork pipeline for
// update_artwork acknowledgements carrying image bytes back, if ever
// needed; currently unused by any handler but kept symmetrical with
// enqueueBinary for callers that build wire.BinaryHeader frames directly).
func (s *Session) EmitBinary(h wire.BinaryHeader, payload []byte) error {
	b, err := wire.EncodeBinary(h, payload)
	if err != nil {
		return err
	}
	return s.enqueueBinary(b)
}

func (s *Session) readLoop(ctx context.Context) error {
	for {
		mt, b, err := s.conn.ReadMessage(ctx)
		if err != nil {
			return err
		}
		switch mt {
		case wsconn.TextMessage:
			frame, err := wire.DecodeText(b)
			if err != nil {
				continue
			}
			s.handleTextFrame(ctx, frame)
		case wsconn.BinaryMessage:
			header, payload, err := wire.DecodeBinary(b)
			if err != nil {
				continue
			}
			s.handleBinaryFrame(ctx, header, payload)
		}
		if s.State() == StateClosed {
			return nil
		}
	}
}

func (s *Session) handleTextFrame(ctx context.Context, f wire.TextFrame) {
	switch s.State() {
	case StateUnauth:
		if f.Type == "hub_connected" {
			s.handleHubConnected(ctx, f)
			return
		}
		s.replyUnauthorized(ctx, f.ID)
	case StateAwaitPair:
		if f.Type == "pair_confirm" {
			s.handlePairConfirm(ctx, f)
			return
		}
		s.replyUnauthorized(ctx, f.ID)
	case StateAuth:
		s.dispatchAuthorized(ctx, f)
	}
}

func (s *Session) replyUnauthorized(ctx context.Context, id string) {
	_ = s.ReplyError(ctx, id, agenterr.New(agenterr.StageSession, agenterr.CodeUnauthorized, "Not authorized"))
}

func (s *Session) dispatchAuthorized(ctx context.Context, f wire.TextFrame) {
	switch f.Type {
	case "ping":
		_ = s.Reply(ctx, f.ID, "pong", struct{}{})
		return
	}
	h, ok := s.router.lookup(f.Type)
	if !ok {
		// Unknown types are logged and ignored, per spec §4.3.
		log.Printf("session: ignoring unknown message type %q", f.Type)
		return
	}
	if err := h(ctx, s, s.peerID, f.ID, f.Payload); err != nil {
		var ae *agenterr.Error
		if errors.As(err, &ae) {
			_ = s.ReplyError(ctx, f.ID, ae)
			return
		}
		_ = s.ReplyError(ctx, f.ID, agenterr.Wrap(agenterr.StageSession, agenterr.CodeBadRequest, "", err))
	}
}

// BinaryHandler processes one routed binary frame (artwork or upload chunk).
type BinaryHandler func(ctx context.Context, sink Sink, peerID string, header wire.BinaryHeader, payload []byte)

// SetBinaryHandlers wires the two binary frame routes. Must be called
// before Run.
func (s *Session) SetBinaryHandlers(artwork, uploadChunk BinaryHandler) {
	s.artworkHandler = artwork
	s.uploadChunkHandler = uploadChunk
}

func (s *Session) handleBinaryFrame(ctx context.Context, h wire.BinaryHeader, payload []byte) {
	if s.State() != StateAuth {
		return
	}
	if h.IsUploadChunk() {
		if s.uploadChunkHandler != nil {
			s.uploadChunkHandler(ctx, s, s.peerID, h, payload)
		}
		return
	}
	if s.artworkHandler != nil {
		s.artworkHandler(ctx, s, s.peerID, h, payload)
	}
}
