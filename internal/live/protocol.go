package live

import (
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"logteewoop/internal/streamcache"
)

// Op names the kind of a live-channel message.
type Op string

const (
	OpSubscribe   Op = "subscribe"
	OpUnsubscribe Op = "unsubscribe"
	OpTail        Op = "tail"
)

// Request is an inbound message from the peer.
type Request struct {
	Op       Op        `json:"op"`
	StreamID uuid.UUID `json:"streamId"`
}

// Response is an outbound message. It carries the initial tail on subscribe
// and then one line per live update.
type Response struct {
	Op       Op                    `json:"op"`
	StreamID uuid.UUID             `json:"streamId"`
	Lines    []streamcache.LogLine `json:"lines"`
}

// ProtocolError reports an inbound message that could not be understood.
// The connection stays open; only the message is rejected.
type ProtocolError struct {
	Payload string
	Reason  string
	Err     error
}

func (e *ProtocolError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("protocol error: %s: %v", e.Reason, e.Err)
	}
	return "protocol error: " + e.Reason
}

func (e *ProtocolError) Unwrap() error {
	return e.Err
}

// ParseRequest decodes one text frame into a Request.
func ParseRequest(data []byte) (Request, error) {
	var raw struct {
		Op       Op     `json:"op"`
		StreamID string `json:"streamId"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return Request{}, &ProtocolError{Payload: truncate(data), Reason: "invalid json", Err: err}
	}

	switch raw.Op {
	case OpSubscribe, OpUnsubscribe:
	case "":
		return Request{}, &ProtocolError{Payload: truncate(data), Reason: "missing op"}
	default:
		return Request{}, &ProtocolError{Payload: truncate(data), Reason: fmt.Sprintf("unknown op %q", raw.Op)}
	}

	id, err := uuid.Parse(raw.StreamID)
	if err != nil {
		return Request{}, &ProtocolError{Payload: truncate(data), Reason: "invalid streamId", Err: err}
	}
	return Request{Op: raw.Op, StreamID: id}, nil
}

// NewTailResponse builds the outbound message for a store update.
func NewTailResponse(u streamcache.Update) Response {
	lines := u.Lines
	if lines == nil {
		lines = []streamcache.LogLine{}
	}
	return Response{Op: OpTail, StreamID: u.StreamID, Lines: lines}
}

func truncate(data []byte) string {
	const maxPayload = 256
	if len(data) > maxPayload {
		return string(data[:maxPayload]) + "..."
	}
	return string(data)
}
