package streamcache

import (
	"bytes"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
)

// LogLine is one reconstructed line of a stream. Line keeps its trailing
// newline once the line has been terminated.
type LogLine struct {
	Index     uint64    `json:"idx"`
	Timestamp time.Time `json:"ts"`
	Line      string    `json:"line"`
}

// Closed reports whether the line has been terminated by a newline.
func (l LogLine) Closed() bool {
	return strings.HasSuffix(l.Line, "\n")
}

// Update is what the store pushes to subscribers: the initial tail on
// subscribe, then one line per change.
type Update struct {
	StreamID uuid.UUID
	Lines    []LogLine
}

// Subscriber receives pushed updates. Push is called from the store's owner
// goroutine and must not block.
type Subscriber interface {
	Push(Update)
}

type logStream struct {
	lines       []LogLine
	nextIndex   uint64
	created     time.Time
	lastWrite   time.Time
	subscribers map[Subscriber]struct{}
}

func newLogStream(now time.Time) *logStream {
	return &logStream{
		created:     now,
		lastWrite:   now,
		subscribers: make(map[Subscriber]struct{}),
	}
}

// tail returns a copy of the last n lines.
func (ls *logStream) tail(n int) []LogLine {
	if n <= 0 {
		return []LogLine{}
	}
	start := max(len(ls.lines)-n, 0)
	out := make([]LogLine, len(ls.lines)-start)
	copy(out, ls.lines[start:])
	return out
}

// appendSegment adds one newline-delimited segment and returns the line it
// landed on. A new line is opened when there is none yet or the last one is
// already terminated.
func (ls *logStream) appendSegment(segment string, ts time.Time) LogLine {
	if len(ls.lines) == 0 || ls.lines[len(ls.lines)-1].Closed() {
		ls.lines = append(ls.lines, LogLine{Index: ls.nextIndex, Timestamp: ts})
		ls.nextIndex++
	}
	last := &ls.lines[len(ls.lines)-1]
	last.Line += segment
	return *last
}

// splitSegments splits b after every '\n', keeping the delimiter. Invalid
// UTF-8 is replaced per segment, never rejected.
func splitSegments(b []byte) []string {
	var segments []string
	for len(b) > 0 {
		i := bytes.IndexByte(b, '\n')
		if i < 0 {
			segments = append(segments, decodeLossy(b))
			break
		}
		segments = append(segments, decodeLossy(b[:i+1]))
		b = b[i+1:]
	}
	return segments
}

// decodeLossy converts b to a string, replacing each maximal invalid
// subpart with one U+FFFD. A truncated but otherwise well-formed sequence
// counts as one subpart; any other bad byte is replaced on its own.
func decodeLossy(b []byte) string {
	if utf8.Valid(b) {
		return string(b)
	}

	var sb strings.Builder
	sb.Grow(len(b) + 2*utf8.UTFMax)
	for len(b) > 0 {
		r, size := utf8.DecodeRune(b)
		if r != utf8.RuneError || size > 1 {
			sb.Write(b[:size])
			b = b[size:]
			continue
		}
		sb.WriteRune(utf8.RuneError)
		b = b[invalidSubpart(b):]
	}
	return sb.String()
}

// invalidSubpart returns the length of the invalid sequence at the start of
// b: the lead byte plus every continuation byte that could still have
// completed it.
func invalidSubpart(b []byte) int {
	lo, hi := byte(0x80), byte(0xBF)
	var need int
	switch lead := b[0]; {
	case lead >= 0xC2 && lead <= 0xDF:
		need = 1
	case lead == 0xE0:
		need, lo = 2, 0xA0
	case lead == 0xED:
		need, hi = 2, 0x9F
	case lead >= 0xE1 && lead <= 0xEF:
		need = 2
	case lead == 0xF0:
		need, lo = 3, 0x90
	case lead == 0xF4:
		need, hi = 3, 0x8F
	case lead >= 0xF1 && lead <= 0xF3:
		need = 3
	default:
		return 1
	}

	n := 1
	for ; n <= need && n < len(b); n++ {
		if c := b[n]; c < lo || c > hi {
			break
		}
		lo, hi = 0x80, 0xBF
	}
	return n
}
