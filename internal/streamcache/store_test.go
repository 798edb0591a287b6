package streamcache

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"testing"
	"testing/iotest"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingSubscriber struct {
	mu      sync.Mutex
	updates []Update
}

func (r *recordingSubscriber) Push(u Update) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.updates = append(r.updates, u)
}

func (r *recordingSubscriber) Updates() []Update {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Update(nil), r.updates...)
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newTestStore(t *testing.T, opts Options) *Store {
	t.Helper()
	s := New(opts)
	t.Cleanup(s.Close)
	return s
}

func texts(lines []LogLine) []string {
	out := make([]string, len(lines))
	for i, l := range lines {
		out[i] = l.Line
	}
	return out
}

func TestIngest_SplitsLines(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t, Options{})
	id := uuid.New()

	require.NoError(t, s.Ingest(ctx, id, []byte("a\nb\n")))

	lines, err := s.Tail(ctx, id, 10)
	require.NoError(t, err)
	require.Len(t, lines, 2)
	require.Equal(t, uint64(0), lines[0].Index)
	require.Equal(t, uint64(1), lines[1].Index)
	require.Equal(t, []string{"a\n", "b\n"}, texts(lines))
	require.True(t, lines[0].Closed())
}

func TestIngest_ContinuesOpenLine(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t, Options{})
	id := uuid.New()

	require.NoError(t, s.Ingest(ctx, id, []byte("abc")))
	require.NoError(t, s.Ingest(ctx, id, []byte("def\n")))
	require.NoError(t, s.Ingest(ctx, id, []byte("ghi")))

	lines, err := s.Tail(ctx, id, 10)
	require.NoError(t, err)
	require.Equal(t, []string{"abcdef\n", "ghi"}, texts(lines))
	require.Equal(t, uint64(1), lines[1].Index)
	require.False(t, lines[1].Closed())
}

func TestIngest_IndicesIndependentOfChunking(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t, Options{})

	input := "one\ntwo\nthree\nfour\nfive\n"
	whole := uuid.New()
	require.NoError(t, s.Ingest(ctx, whole, []byte(input)))

	split := uuid.New()
	for i := 0; i < len(input); i += 3 {
		end := min(i+3, len(input))
		require.NoError(t, s.Ingest(ctx, split, []byte(input[i:end])))
	}

	a, err := s.Tail(ctx, whole, 100)
	require.NoError(t, err)
	b, err := s.Tail(ctx, split, 100)
	require.NoError(t, err)

	require.Equal(t, texts(a), texts(b))
	for i, l := range b {
		require.Equal(t, uint64(i), l.Index)
	}
}

func TestIngest_EmptyChunk(t *testing.T) {
	ctx := context.Background()
	clock := &fakeClock{now: time.Date(2025, 1, 7, 12, 0, 0, 0, time.UTC)}
	s := newTestStore(t, Options{Now: clock.Now, StreamTimeout: time.Minute})
	id := uuid.New()

	require.NoError(t, s.Ingest(ctx, id, []byte("x\n")))
	clock.Advance(50 * time.Second)
	require.NoError(t, s.Ingest(ctx, id, nil))

	lines, err := s.Tail(ctx, id, 10)
	require.NoError(t, err)
	require.Len(t, lines, 1)

	// The empty write reset the idle timer.
	clock.Advance(50 * time.Second)
	removed, err := s.Sweep(ctx)
	require.NoError(t, err)
	require.Equal(t, 0, removed)

	require.NoError(t, s.Ingest(ctx, id, []byte("y")))
	lines, err = s.Tail(ctx, id, 10)
	require.NoError(t, err)
	require.Equal(t, uint64(1), lines[1].Index)
}

func TestIngest_InvalidUTF8IsReplaced(t *testing.T) {
	testCases := []struct {
		name  string
		input string
		want  string
	}{
		{"single bad byte", "ok\xff\n", "ok\uFFFD\n"},
		{"each bad byte replaced", "a\xff\xffb\n", "a\uFFFD\uFFFDb\n"},
		{"truncated sequence then ascii", "\xe2\x82A\n", "\uFFFDA\n"},
		{"truncated four-byte sequence", "x\xf0\x9f\x98\n", "x\uFFFD\n"},
		{"truncated at end of chunk", "x\xf0\x9f\x98", "x\uFFFD"},
		{"surrogate half", "\xed\xa0\x80\n", "\uFFFD\uFFFD\uFFFD\n"},
		{"overlong encoding", "\xc0\xaf\n", "\uFFFD\uFFFD\n"},
		{"encoded replacement char kept", "\uFFFD\n", "\uFFFD\n"},
		{"valid multibyte untouched", "h\u00e9\U0001F600\n", "h\u00e9\U0001F600\n"},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			ctx := context.Background()
			s := newTestStore(t, Options{})
			id := uuid.New()

			require.NoError(t, s.Ingest(ctx, id, []byte(tc.input)))

			lines, err := s.Tail(ctx, id, 1)
			require.NoError(t, err)
			require.Equal(t, tc.want, lines[0].Line)
		})
	}
}

func TestTail(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t, Options{})
	id := uuid.New()

	lines, err := s.Tail(ctx, id, 1000)
	require.NoError(t, err)
	require.NotNil(t, lines)
	require.Empty(t, lines)

	for i := 0; i < 5; i++ {
		require.NoError(t, s.Ingest(ctx, id, fmt.Appendf(nil, "line %d\n", i)))
	}

	lines, err = s.Tail(ctx, id, 1000)
	require.NoError(t, err)
	require.Len(t, lines, 5)

	lines, err = s.Tail(ctx, id, 2)
	require.NoError(t, err)
	require.Equal(t, []string{"line 3\n", "line 4\n"}, texts(lines))

	lines, err = s.Tail(ctx, id, 0)
	require.NoError(t, err)
	require.Empty(t, lines)

	// Tail on an unknown stream does not create it.
	st, err := s.Stats(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, st.Streams)
}

func TestSubscribe_SnapshotThenLive(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t, Options{SnapshotLines: 3})
	id := uuid.New()

	for i := 0; i < 5; i++ {
		require.NoError(t, s.Ingest(ctx, id, fmt.Appendf(nil, "%d\n", i)))
	}

	sub := &recordingSubscriber{}
	snapshot, err := s.Subscribe(ctx, id, sub)
	require.NoError(t, err)
	require.Equal(t, []string{"2\n", "3\n", "4\n"}, texts(snapshot))

	require.NoError(t, s.Ingest(ctx, id, []byte("par")))
	require.NoError(t, s.Ingest(ctx, id, []byte("tial\nnext\n")))

	updates := sub.Updates()
	require.Len(t, updates, 4)
	require.Equal(t, snapshot, updates[0].Lines)
	for _, u := range updates {
		require.Equal(t, id, u.StreamID)
	}
	for _, u := range updates[1:] {
		require.Len(t, u.Lines, 1)
	}
	require.Equal(t, "par", updates[1].Lines[0].Line)
	require.Equal(t, "partial\n", updates[2].Lines[0].Line)
	require.Equal(t, updates[1].Lines[0].Index, updates[2].Lines[0].Index)
	require.Equal(t, "next\n", updates[3].Lines[0].Line)
}

func TestSubscribe_CreatesStream(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t, Options{})
	id := uuid.New()

	sub := &recordingSubscriber{}
	snapshot, err := s.Subscribe(ctx, id, sub)
	require.NoError(t, err)
	require.Empty(t, snapshot)

	updates := sub.Updates()
	require.Len(t, updates, 1)
	require.Empty(t, updates[0].Lines)

	st, err := s.Stats(ctx)
	require.NoError(t, err)
	require.Equal(t, Stats{Streams: 1, Subscriptions: 1}, st)
}

func TestSubscribe_ConcurrentWritesNotLostOrDuplicated(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t, Options{})
	id := uuid.New()

	const total = 500
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < total; i++ {
			_ = s.Ingest(ctx, id, fmt.Appendf(nil, "%d\n", i))
		}
	}()

	sub := &recordingSubscriber{}
	_, err := s.Subscribe(ctx, id, sub)
	require.NoError(t, err)
	wg.Wait()

	var seen []uint64
	for _, u := range sub.Updates() {
		for _, l := range u.Lines {
			seen = append(seen, l.Index)
		}
	}

	all, err := s.Tail(ctx, id, total)
	require.NoError(t, err)
	require.Len(t, all, total)

	// Snapshot plus live lines is a gap-free, duplicate-free suffix.
	require.NotEmpty(t, seen)
	first := seen[0]
	for i, idx := range seen {
		require.Equal(t, first+uint64(i), idx)
	}
	require.Equal(t, uint64(total-1), seen[len(seen)-1])
}

func TestUnsubscribe(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t, Options{})
	a, b := uuid.New(), uuid.New()
	sub := &recordingSubscriber{}

	_, err := s.Subscribe(ctx, a, sub)
	require.NoError(t, err)
	_, err = s.Subscribe(ctx, b, sub)
	require.NoError(t, err)

	require.NoError(t, s.Unsubscribe(ctx, a, sub))
	require.NoError(t, s.Ingest(ctx, a, []byte("to a\n")))
	require.NoError(t, s.Ingest(ctx, b, []byte("to b\n")))

	updates := sub.Updates()
	require.Len(t, updates, 3)
	require.Equal(t, b, updates[2].StreamID)
	require.Equal(t, "to b\n", updates[2].Lines[0].Line)

	// Unknown stream and non-member are no-ops.
	require.NoError(t, s.Unsubscribe(ctx, uuid.New(), sub))
	require.NoError(t, s.Unsubscribe(ctx, a, sub))
}

func TestUnsubscribeAll(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t, Options{})
	sub := &recordingSubscriber{}
	other := &recordingSubscriber{}

	ids := []uuid.UUID{uuid.New(), uuid.New(), uuid.New()}
	for _, id := range ids {
		_, err := s.Subscribe(ctx, id, sub)
		require.NoError(t, err)
	}
	_, err := s.Subscribe(ctx, ids[0], other)
	require.NoError(t, err)

	removed, err := s.UnsubscribeAll(ctx, sub)
	require.NoError(t, err)
	require.Equal(t, 3, removed)

	before := len(sub.Updates())
	for _, id := range ids {
		require.NoError(t, s.Ingest(ctx, id, []byte("x\n")))
	}
	require.Len(t, sub.Updates(), before)
	require.Len(t, other.Updates(), 2)

	st, err := s.Stats(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, st.Subscriptions)
}

func TestSweep_RemovesIdleStreams(t *testing.T) {
	ctx := context.Background()
	clock := &fakeClock{now: time.Date(2025, 1, 7, 12, 0, 0, 0, time.UTC)}
	reg := prometheus.NewRegistry()
	s := newTestStore(t, Options{Now: clock.Now, Metrics: NewMetrics(reg)})

	idle, busy := uuid.New(), uuid.New()
	sub := &recordingSubscriber{}
	require.NoError(t, s.Ingest(ctx, idle, []byte("old\n")))
	_, err := s.Subscribe(ctx, idle, sub)
	require.NoError(t, err)

	clock.Advance(200 * time.Second)
	require.NoError(t, s.Ingest(ctx, busy, []byte("new\n")))

	clock.Advance(100 * time.Second)
	removed, err := s.Sweep(ctx)
	require.NoError(t, err)
	require.Equal(t, 0, removed, "exactly at the timeout is not past it")

	clock.Advance(time.Second)
	removed, err = s.Sweep(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, removed)

	lines, err := s.Tail(ctx, idle, 1000)
	require.NoError(t, err)
	require.Empty(t, lines)

	lines, err = s.Tail(ctx, busy, 1000)
	require.NoError(t, err)
	require.Len(t, lines, 1)

	st, err := s.Stats(ctx)
	require.NoError(t, err)
	require.Equal(t, Stats{Streams: 1, Lines: 1, Subscriptions: 0}, st)

	assert.Equal(t, 1.0, testutil.ToFloat64(s.opts.Metrics.reapedTotal))
	assert.Equal(t, 1.0, testutil.ToFloat64(s.opts.Metrics.streams))
	assert.Equal(t, 0.0, testutil.ToFloat64(s.opts.Metrics.subscriptions))

	// A reaped stream comes back empty, with indices starting over.
	require.NoError(t, s.Ingest(ctx, idle, []byte("again\n")))
	lines, err = s.Tail(ctx, idle, 1000)
	require.NoError(t, err)
	require.Equal(t, uint64(0), lines[0].Index)
}

func TestReaperRunsPeriodically(t *testing.T) {
	ctx := context.Background()
	clock := &fakeClock{now: time.Now()}
	s := newTestStore(t, Options{Now: clock.Now, ReapInterval: 10 * time.Millisecond, StreamTimeout: time.Second})
	id := uuid.New()

	require.NoError(t, s.Ingest(ctx, id, []byte("x\n")))
	clock.Advance(2 * time.Second)

	require.Eventually(t, func() bool {
		st, err := s.Stats(ctx)
		return err == nil && st.Streams == 0
	}, time.Second, 10*time.Millisecond)
}

func TestIngestReader(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t, Options{})
	id := uuid.New()

	// One byte per read splits the multi-byte rune.
	r := iotest.OneByteReader(strings.NewReader("héllo\nwörld"))
	require.NoError(t, s.IngestReader(ctx, id, r))

	lines, err := s.Tail(ctx, id, 10)
	require.NoError(t, err)
	require.Equal(t, []string{"héllo\n", "wörld"}, texts(lines))
}

func TestIngestReader_FailureKeepsEarlierBytes(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t, Options{})
	id := uuid.New()

	boom := errors.New("connection reset")
	r := io.MultiReader(strings.NewReader("kept\n"), iotest.ErrReader(boom))

	err := s.IngestReader(ctx, id, r)
	require.ErrorIs(t, err, ErrWriteFailed)
	require.ErrorIs(t, err, boom)

	lines, err := s.Tail(ctx, id, 10)
	require.NoError(t, err)
	require.Equal(t, []string{"kept\n"}, texts(lines))
}

func TestIngestReader_EmptyBodyCreatesStream(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t, Options{})

	require.NoError(t, s.IngestReader(ctx, uuid.New(), strings.NewReader("")))

	st, err := s.Stats(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, st.Streams)
	require.Equal(t, 0, st.Lines)
}

func TestIncompleteSuffix(t *testing.T) {
	require.Equal(t, 0, incompleteSuffix([]byte("abc")))
	require.Equal(t, 0, incompleteSuffix([]byte("é")))
	require.Equal(t, 1, incompleteSuffix([]byte("a\xc3")))
	require.Equal(t, 2, incompleteSuffix([]byte("a\xe2\x82")))
	require.Equal(t, 0, incompleteSuffix(nil))
}

func TestClose(t *testing.T) {
	s := New(Options{})
	s.Close()
	s.Close()

	ctx := context.Background()
	require.ErrorIs(t, s.Ingest(ctx, uuid.New(), []byte("x")), ErrClosed)
	_, err := s.Tail(ctx, uuid.New(), 1)
	require.ErrorIs(t, err, ErrClosed)
}

func TestCancelledContext(t *testing.T) {
	s := newTestStore(t, Options{})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	// The owner goroutine may still accept the request; either outcome is fine
	// but it must not hang.
	err := s.Ingest(ctx, uuid.New(), []byte("x"))
	if err != nil {
		require.ErrorIs(t, err, context.Canceled)
	}
}
