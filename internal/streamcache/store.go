package streamcache

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

const (
	DefaultReapInterval  = 5 * time.Second
	DefaultStreamTimeout = 300 * time.Second
	DefaultSnapshotLines = 1000
)

var (
	// ErrClosed is returned by every operation once Close has been called.
	ErrClosed = errors.New("stream store closed")
	// ErrWriteFailed is returned when an ingest payload could not be read.
	ErrWriteFailed = errors.New("could not write chunk")
)

// Options configures a Store. Zero values fall back to the defaults above.
type Options struct {
	ReapInterval  time.Duration
	StreamTimeout time.Duration
	SnapshotLines int
	Now           func() time.Time
	Metrics       *Metrics
}

// Stats is a point-in-time summary of the store.
type Stats struct {
	Streams       int `json:"streams"`
	Lines         int `json:"lines"`
	Subscriptions int `json:"subscriptions"`
}

// Store owns every stream. All state is touched only by the goroutine started
// in New; public methods hand it a closure and wait for it to run, so each
// operation is atomic with respect to every other one, including the reaper.
type Store struct {
	opts Options

	streams       map[uuid.UUID]*logStream
	subscriptions int

	requests  chan func()
	quit      chan struct{}
	done      chan struct{}
	closeOnce sync.Once
}

// New creates a store and starts its owner goroutine and reaper.
func New(opts Options) *Store {
	if opts.ReapInterval <= 0 {
		opts.ReapInterval = DefaultReapInterval
	}
	if opts.StreamTimeout <= 0 {
		opts.StreamTimeout = DefaultStreamTimeout
	}
	if opts.SnapshotLines <= 0 {
		opts.SnapshotLines = DefaultSnapshotLines
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	s := &Store{
		opts:     opts,
		streams:  make(map[uuid.UUID]*logStream),
		requests: make(chan func()),
		quit:     make(chan struct{}),
		done:     make(chan struct{}),
	}
	go s.run()
	return s
}

func (s *Store) run() {
	defer close(s.done)

	ticker := time.NewTicker(s.opts.ReapInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.quit:
			return
		case req := <-s.requests:
			req()
		case <-ticker.C:
			s.reap(s.opts.Now())
		}
	}
}

// Close stops the owner goroutine and reaper. Streams are dropped with it.
func (s *Store) Close() {
	s.closeOnce.Do(func() { close(s.quit) })
	<-s.done
}

// do runs fn on the owner goroutine. Once the request is accepted it runs to
// completion even if ctx is cancelled meanwhile.
func (s *Store) do(ctx context.Context, fn func()) error {
	finished := make(chan struct{})
	req := func() {
		defer close(finished)
		fn()
	}

	select {
	case s.requests <- req:
	case <-ctx.Done():
		return ctx.Err()
	case <-s.quit:
		return ErrClosed
	}
	<-finished
	return nil
}

// Ingest appends a chunk of raw output to a stream, creating the stream if
// needed. Each touched line is pushed to the stream's subscribers as it
// changes. Empty chunks only refresh the idle timer.
func (s *Store) Ingest(ctx context.Context, id uuid.UUID, chunk []byte) error {
	return s.do(ctx, func() { s.ingest(id, chunk) })
}

// Subscribe registers sub on a stream and pushes it the current tail in the
// same step, so no line is missed or delivered twice. The snapshot is also
// returned to the caller and must not be modified.
func (s *Store) Subscribe(ctx context.Context, id uuid.UUID, sub Subscriber) ([]LogLine, error) {
	var snapshot []LogLine
	err := s.do(ctx, func() {
		stream := s.lookup(id, true)
		snapshot = stream.tail(s.opts.SnapshotLines)
		sub.Push(Update{StreamID: id, Lines: snapshot})
		if _, ok := stream.subscribers[sub]; !ok {
			stream.subscribers[sub] = struct{}{}
			s.subscriptions++
			s.opts.Metrics.addSubscriptions(1)
		}
	})
	return snapshot, err
}

// Unsubscribe removes sub from one stream. Unknown streams and non-members
// are ignored.
func (s *Store) Unsubscribe(ctx context.Context, id uuid.UUID, sub Subscriber) error {
	return s.do(ctx, func() {
		stream := s.lookup(id, false)
		if stream == nil {
			return
		}
		if _, ok := stream.subscribers[sub]; ok {
			delete(stream.subscribers, sub)
			s.subscriptions--
			s.opts.Metrics.addSubscriptions(-1)
		}
	})
}

// UnsubscribeAll removes sub from every stream and returns how many
// registrations were dropped.
func (s *Store) UnsubscribeAll(ctx context.Context, sub Subscriber) (int, error) {
	removed := 0
	err := s.do(ctx, func() {
		for _, stream := range s.streams {
			if _, ok := stream.subscribers[sub]; ok {
				delete(stream.subscribers, sub)
				removed++
			}
		}
		s.subscriptions -= removed
		s.opts.Metrics.addSubscriptions(-removed)
	})
	return removed, err
}

// Tail returns the last n lines of a stream. An unknown stream yields an
// empty slice.
func (s *Store) Tail(ctx context.Context, id uuid.UUID, n int) ([]LogLine, error) {
	lines := []LogLine{}
	err := s.do(ctx, func() {
		if stream := s.lookup(id, false); stream != nil {
			lines = stream.tail(n)
		}
	})
	return lines, err
}

// Sweep runs one reaper pass now and returns the number of removed streams.
func (s *Store) Sweep(ctx context.Context) (int, error) {
	var removed int
	err := s.do(ctx, func() { removed = s.reap(s.opts.Now()) })
	return removed, err
}

// Stats reports stream, line and subscription counts.
func (s *Store) Stats(ctx context.Context) (Stats, error) {
	var st Stats
	err := s.do(ctx, func() {
		st.Streams = len(s.streams)
		st.Subscriptions = s.subscriptions
		for _, stream := range s.streams {
			st.Lines += len(stream.lines)
		}
	})
	return st, err
}

func (s *Store) lookup(id uuid.UUID, create bool) *logStream {
	stream, ok := s.streams[id]
	if !ok && create {
		stream = newLogStream(s.opts.Now())
		s.streams[id] = stream
		s.opts.Metrics.setStreams(len(s.streams))
	}
	return stream
}

func (s *Store) ingest(id uuid.UUID, chunk []byte) {
	now := s.opts.Now()
	stream := s.lookup(id, true)
	stream.lastWrite = now

	if len(chunk) == 0 {
		s.opts.Metrics.recordWrite(0, 0, nil)
		return
	}

	firstIndex := stream.nextIndex
	for _, segment := range splitSegments(chunk) {
		line := stream.appendSegment(segment, now.UTC())
		for sub := range stream.subscribers {
			sub.Push(Update{StreamID: id, Lines: []LogLine{line}})
		}
	}
	s.opts.Metrics.recordWrite(len(chunk), int(stream.nextIndex-firstIndex), nil)
}

// reap drops every stream idle for longer than StreamTimeout, judged against
// a single now for the whole pass. Subscribers of a removed stream are not
// notified.
func (s *Store) reap(now time.Time) int {
	removed := 0
	for id, stream := range s.streams {
		if now.Sub(stream.lastWrite) > s.opts.StreamTimeout {
			s.subscriptions -= len(stream.subscribers)
			s.opts.Metrics.addSubscriptions(-len(stream.subscribers))
			delete(s.streams, id)
			removed++
		}
	}
	if removed > 0 {
		s.opts.Metrics.setStreams(len(s.streams))
		s.opts.Metrics.recordReaped(removed)
		slog.Info("Reaped idle streams", "removed", removed, "remaining", len(s.streams))
	}
	return removed
}
