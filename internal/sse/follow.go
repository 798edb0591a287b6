// Package sse serves a single stream as Server-Sent Events, for clients that
// cannot speak the websocket protocol (curl -N, EventSource).
package sse

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"logteewoop/internal/live"
	"logteewoop/internal/streamcache"
	"logteewoop/pkg/httperror"
)

// ErrOverflow is returned by Follow when the client fell too far behind.
var ErrOverflow = errors.New("follower fell behind")

// Event represents an SSE event to send to clients
type Event struct {
	Type string // "tail"
	Data any    // JSON encoded
}

// FormatSSE formats an event for Server-Sent Events protocol
func FormatSSE(event Event) ([]byte, error) {
	dataJSON, err := json.Marshal(event.Data)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal event data: %w", err)
	}

	// event: <type>\ndata: <json>\n\n
	return []byte(fmt.Sprintf("event: %s\ndata: %s\n\n", event.Type, dataJSON)), nil
}

// Store is the part of the stream store a follower needs.
type Store interface {
	Subscribe(ctx context.Context, id uuid.UUID, sub streamcache.Subscriber) ([]streamcache.LogLine, error)
	Unsubscribe(ctx context.Context, id uuid.UUID, sub streamcache.Subscriber) error
}

// Follower is a store subscriber backed by a bounded queue. Like a live
// session it is dropped rather than allowed to block the store.
type Follower struct {
	ID       string
	events   chan streamcache.Update
	overflow chan struct{}
	once     sync.Once
}

func NewFollower(buffer int) *Follower {
	if buffer <= 0 {
		buffer = live.DefaultConfig().SendBuffer
	}
	return &Follower{
		ID:       uuid.NewString(),
		events:   make(chan streamcache.Update, buffer),
		overflow: make(chan struct{}),
	}
}

// Push implements streamcache.Subscriber. It never blocks.
func (f *Follower) Push(u streamcache.Update) {
	select {
	case f.events <- u:
	default:
		f.once.Do(func() { close(f.overflow) })
	}
}

// Follow subscribes to stream id and writes the snapshot and every later
// update to w until ctx is done, the client goes away or it overflows. A
// comment line is sent every heartbeat so dead clients are noticed.
//
// Errors returned before anything was written to w are httperror.HTTPError;
// any other error means the response is already under way.
func Follow(ctx context.Context, w http.ResponseWriter, store Store, id uuid.UUID, buffer int, heartbeat time.Duration) error {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return httperror.New(http.StatusInternalServerError, "streaming not supported")
	}

	f := NewFollower(buffer)
	if _, err := store.Subscribe(ctx, id, f); err != nil {
		if errors.Is(err, streamcache.ErrClosed) {
			return httperror.Wrap(err, http.StatusServiceUnavailable, "shutting down")
		}
		return httperror.Wrap(err, http.StatusInternalServerError, "failed to subscribe")
	}
	slog.Info("SSE client registered", "clientID", f.ID, "stream", id)
	defer func() {
		cleanupCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := store.Unsubscribe(cleanupCtx, id, f); err != nil && !errors.Is(err, streamcache.ErrClosed) {
			slog.Warn("Failed to unsubscribe SSE client", "clientID", f.ID, "error", err)
		}
		slog.Info("SSE client unregistered", "clientID", f.ID)
	}()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	if heartbeat <= 0 {
		heartbeat = live.DefaultConfig().HeartbeatInterval
	}
	ticker := time.NewTicker(heartbeat)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-f.overflow:
			slog.Warn("SSE client channel full, dropping client", "clientID", f.ID)
			return ErrOverflow
		case u := <-f.events:
			data, err := FormatSSE(Event{Type: string(live.OpTail), Data: live.NewTailResponse(u)})
			if err != nil {
				return err
			}
			if _, err := w.Write(data); err != nil {
				return nil
			}
			flusher.Flush()
		case <-ticker.C:
			if _, err := w.Write([]byte(": ping\n\n")); err != nil {
				return nil
			}
			flusher.Flush()
		}
	}
}
