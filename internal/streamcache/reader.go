package streamcache

import (
	"context"
	"errors"
	"fmt"
	"io"
	"unicode/utf8"

	"github.com/google/uuid"
)

const readChunkSize = 32 * 1024

// IngestReader reads r until EOF and ingests what it reads. Bytes read
// before a failure stay ingested; the failure is returned wrapped in
// ErrWriteFailed. A rune split across two reads is carried over so it is
// not replaced.
func (s *Store) IngestReader(ctx context.Context, id uuid.UUID, r io.Reader) error {
	buf := make([]byte, readChunkSize)
	pending := 0
	wrote := false

	for {
		n, readErr := r.Read(buf[pending:])
		n += pending
		pending = 0

		if readErr == nil {
			pending = incompleteSuffix(buf[:n])
		}
		if n-pending > 0 {
			if err := s.Ingest(ctx, id, buf[:n-pending]); err != nil {
				return err
			}
			wrote = true
			copy(buf, buf[n-pending:n])
		}

		if readErr != nil {
			if errors.Is(readErr, io.EOF) {
				if !wrote {
					return s.Ingest(ctx, id, nil)
				}
				return nil
			}
			s.opts.Metrics.recordWrite(0, 0, readErr)
			return fmt.Errorf("%w: %w", ErrWriteFailed, readErr)
		}
	}
}

// incompleteSuffix returns how many trailing bytes of b start a rune that is
// not finished yet.
func incompleteSuffix(b []byte) int {
	for i := 1; i < utf8.UTFMax && i <= len(b); i++ {
		if utf8.RuneStart(b[len(b)-i]) {
			if utf8.FullRune(b[len(b)-i:]) {
				return 0
			}
			return i
		}
	}
	return 0
}
