package live

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"logteewoop/internal/streamcache"
)

// Teardown reasons, also used as metric labels.
const (
	ReasonClosed     = "closed"
	ReasonTimeout    = "timeout"
	ReasonOverflow   = "overflow"
	ReasonShutdown   = "shutdown"
	ReasonWriteError = "write_error"
)

// Config controls liveness and buffering of a session.
type Config struct {
	HeartbeatInterval time.Duration
	ClientTimeout     time.Duration
	// SendBuffer is how many pushed updates may wait for the socket before
	// the session is considered too slow and disconnected.
	SendBuffer int
	WriteWait  time.Duration
}

// DefaultConfig returns the production liveness settings.
func DefaultConfig() Config {
	return Config{
		HeartbeatInterval: 5 * time.Second,
		ClientTimeout:     20 * time.Second,
		SendBuffer:        1024,
		WriteWait:         10 * time.Second,
	}
}

// Store is the part of the stream store a session talks to.
type Store interface {
	Subscribe(ctx context.Context, id uuid.UUID, sub streamcache.Subscriber) ([]streamcache.LogLine, error)
	Unsubscribe(ctx context.Context, id uuid.UUID, sub streamcache.Subscriber) error
	UnsubscribeAll(ctx context.Context, sub streamcache.Subscriber) (int, error)
}

type eventKind int

const (
	eventHeartbeat eventKind = iota
	eventText
)

type inboundEvent struct {
	kind eventKind
	data []byte
}

// Session is one live client connection. Run owns the heartbeat and the
// subscription set; a reader goroutine feeds it inbound frames and the store
// feeds it updates through Push.
type Session struct {
	id      uuid.UUID
	conn    *websocket.Conn
	store   Store
	cfg     Config
	metrics *Metrics

	updates      chan streamcache.Update
	overflow     chan struct{}
	overflowOnce sync.Once
	inbound      chan inboundEvent
	done         chan struct{}

	// owned by Run
	lastHeartbeat time.Time
	streams       map[uuid.UUID]struct{}
}

var _ streamcache.Subscriber = (*Session)(nil)

// NewSession wraps an upgraded connection. Call Run to serve it.
func NewSession(conn *websocket.Conn, store Store, cfg Config, metrics *Metrics) *Session {
	def := DefaultConfig()
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = def.HeartbeatInterval
	}
	if cfg.ClientTimeout <= 0 {
		cfg.ClientTimeout = def.ClientTimeout
	}
	if cfg.SendBuffer <= 0 {
		cfg.SendBuffer = def.SendBuffer
	}
	if cfg.WriteWait <= 0 {
		cfg.WriteWait = def.WriteWait
	}

	return &Session{
		id:       uuid.New(),
		conn:     conn,
		store:    store,
		cfg:      cfg,
		metrics:  metrics,
		updates:  make(chan streamcache.Update, cfg.SendBuffer),
		overflow: make(chan struct{}),
		inbound:  make(chan inboundEvent),
		done:     make(chan struct{}),
		streams:  make(map[uuid.UUID]struct{}),
	}
}

// ID identifies the session in logs.
func (s *Session) ID() uuid.UUID {
	return s.id
}

// Push queues an update for delivery without blocking. When the queue is
// full the session is marked as overflowed and Run disconnects it.
func (s *Session) Push(u streamcache.Update) {
	select {
	case s.updates <- u:
	default:
		s.overflowOnce.Do(func() { close(s.overflow) })
	}
}

// Run serves the connection until the peer goes away, stops answering
// heartbeats, falls too far behind, or ctx is cancelled. On return the
// session is unsubscribed from every stream and the connection is closed.
func (s *Session) Run(ctx context.Context) {
	s.metrics.sessionStarted()
	slog.Info("Live session started", "sessionID", s.id, "remote", s.conn.RemoteAddr().String())

	s.lastHeartbeat = time.Now()
	s.conn.SetPongHandler(func(string) error {
		s.heartbeat()
		return nil
	})
	s.conn.SetPingHandler(func(appData string) error {
		s.heartbeat()
		err := s.conn.WriteControl(websocket.PongMessage, []byte(appData), time.Now().Add(s.cfg.WriteWait))
		if errors.Is(err, websocket.ErrCloseSent) {
			return nil
		}
		return err
	})

	readerDone := make(chan struct{})
	go s.readLoop(readerDone)

	ticker := time.NewTicker(s.cfg.HeartbeatInterval)
	defer ticker.Stop()

	reason := s.loop(ctx, ticker.C)
	s.teardown(reason)
	<-readerDone
}

func (s *Session) loop(ctx context.Context, tick <-chan time.Time) string {
	for {
		select {
		case <-ctx.Done():
			return ReasonShutdown

		case ev, ok := <-s.inbound:
			if !ok {
				return ReasonClosed
			}
			switch ev.kind {
			case eventHeartbeat:
				s.lastHeartbeat = time.Now()
			case eventText:
				s.handleText(ctx, ev.data)
			}

		case u := <-s.updates:
			if err := s.send(u); err != nil {
				slog.Warn("Failed to write to live session", "sessionID", s.id, "error", err)
				return ReasonWriteError
			}

		case <-s.overflow:
			slog.Warn("Live session can't keep up, disconnecting", "sessionID", s.id, "buffer", s.cfg.SendBuffer)
			return ReasonOverflow

		case <-tick:
			if time.Since(s.lastHeartbeat) > s.cfg.ClientTimeout {
				return ReasonTimeout
			}
			if err := s.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(s.cfg.WriteWait)); err != nil {
				slog.Warn("Failed to ping live session", "sessionID", s.id, "error", err)
				return ReasonWriteError
			}
		}
	}
}

func (s *Session) handleText(ctx context.Context, data []byte) {
	req, err := ParseRequest(data)
	if err != nil {
		s.metrics.protocolError()
		slog.Warn("Rejected live-channel message", "sessionID", s.id, "error", err)
		return
	}

	switch req.Op {
	case OpSubscribe:
		snapshot, err := s.store.Subscribe(ctx, req.StreamID, s)
		if err != nil {
			slog.Error("Failed to subscribe", "sessionID", s.id, "streamID", req.StreamID, "error", err)
			return
		}
		s.streams[req.StreamID] = struct{}{}
		slog.Debug("Subscribed", "sessionID", s.id, "streamID", req.StreamID, "snapshotLines", len(snapshot))

	case OpUnsubscribe:
		if err := s.store.Unsubscribe(ctx, req.StreamID, s); err != nil {
			slog.Error("Failed to unsubscribe", "sessionID", s.id, "streamID", req.StreamID, "error", err)
			return
		}
		delete(s.streams, req.StreamID)
		slog.Debug("Unsubscribed", "sessionID", s.id, "streamID", req.StreamID)
	}
}

func (s *Session) send(u streamcache.Update) error {
	data, err := json.Marshal(NewTailResponse(u))
	if err != nil {
		return err
	}
	if err := s.conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteWait)); err != nil {
		return err
	}
	if err := s.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return err
	}
	s.metrics.messageSent(len(data))
	return nil
}

// heartbeat runs on the reader goroutine from inside the control frame
// handlers.
func (s *Session) heartbeat() {
	select {
	case s.inbound <- inboundEvent{kind: eventHeartbeat}:
	case <-s.done:
	}
}

func (s *Session) readLoop(done chan<- struct{}) {
	defer close(done)
	defer close(s.inbound)

	for {
		msgType, data, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseNoStatusReceived) {
				slog.Debug("Live session read error", "sessionID", s.id, "error", err)
			}
			return
		}
		if msgType != websocket.TextMessage {
			continue
		}
		select {
		case s.inbound <- inboundEvent{kind: eventText, data: data}:
		case <-s.done:
			return
		}
	}
}

func (s *Session) teardown(reason string) {
	close(s.done)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	removed, err := s.store.UnsubscribeAll(ctx, s)
	if err != nil && !errors.Is(err, streamcache.ErrClosed) {
		slog.Error("Failed to unsubscribe live session", "sessionID", s.id, "error", err)
	}

	code := websocket.CloseNormalClosure
	switch reason {
	case ReasonShutdown:
		code = websocket.CloseGoingAway
	case ReasonOverflow:
		code = websocket.CloseTryAgainLater
	case ReasonTimeout:
		code = websocket.ClosePolicyViolation
	}
	if reason != ReasonClosed && reason != ReasonWriteError {
		_ = s.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), time.Now().Add(time.Second))
	}
	if err := s.conn.Close(); err != nil {
		slog.Debug("Failed to close live session connection", "sessionID", s.id, "error", err)
	}

	s.metrics.sessionEnded(reason)
	slog.Info("Live session closed", "sessionID", s.id, "reason", reason, "streams", len(s.streams), "unsubscribed", removed)
}
