package teeclient

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"sync/atomic"

	"github.com/google/uuid"
)

const (
	// maxBatch caps how many queued bytes one POST carries.
	maxBatch = 256 * 1024
	// chunkQueue is how many writes may wait for the uploader.
	chunkQueue = 100
)

// Uploader is an io.Writer that ships everything written to it to a stream's
// write endpoint. A single goroutine owns the HTTP client, so chunks arrive
// in the order they were written. Up to chunkQueue writes are buffered;
// beyond that Write blocks until an upload finishes, which in turn stalls
// the command producing the output.
type Uploader struct {
	ctx    context.Context
	client *http.Client
	url    string
	chunks chan []byte
	done   chan struct{}

	failures atomic.Int64
}

var _ io.Writer = (*Uploader)(nil)

// NewUploader starts an uploader for stream id on server. The stream is
// created on the server right away, before any output is written.
func NewUploader(ctx context.Context, client *http.Client, server string, id uuid.UUID) (*Uploader, error) {
	writeURL, err := url.JoinPath(server, id.String(), "write")
	if err != nil {
		return nil, fmt.Errorf("invalid server url %q: %w", server, err)
	}
	if client == nil {
		client = http.DefaultClient
	}

	u := &Uploader{
		ctx:    ctx,
		client: client,
		url:    writeURL,
		chunks: make(chan []byte, chunkQueue),
		done:   make(chan struct{}),
	}
	go u.run()
	return u, nil
}

// Write queues a copy of p. It blocks while the queue is full.
func (u *Uploader) Write(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	u.chunks <- append([]byte(nil), p...)
	return len(p), nil
}

// Close flushes pending chunks and waits for the uploader goroutine to exit.
// Write must not be called after Close.
func (u *Uploader) Close() {
	close(u.chunks)
	<-u.done
}

// Failures reports how many POSTs did not succeed.
func (u *Uploader) Failures() int64 {
	return u.failures.Load()
}

func (u *Uploader) run() {
	defer close(u.done)

	u.post(nil)

	var buf bytes.Buffer
	for chunk := range u.chunks {
		buf.Reset()
		buf.Write(chunk)

		// Coalesce whatever else is already queued.
	drain:
		for buf.Len() < maxBatch {
			select {
			case more, ok := <-u.chunks:
				if !ok {
					break drain
				}
				buf.Write(more)
			default:
				break drain
			}
		}

		u.post(buf.Bytes())
	}
}

func (u *Uploader) post(body []byte) {
	if err := u.send(body); err != nil {
		u.failures.Add(1)
		slog.Warn("Failed to upload chunk", "url", u.url, "bytes", len(body), "error", err)
	}
}

func (u *Uploader) send(body []byte) error {
	req, err := http.NewRequestWithContext(u.ctx, http.MethodPost, u.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/octet-stream")

	resp, err := u.client.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("server returned %s", resp.Status)
	}
	return nil
}
