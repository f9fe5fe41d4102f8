// Package memory provides in-memory implementations of outbound ports.
package memory

import (
	"context"
	"encoding/json"
	"io"
	"os"
	"sync"

	"github.com/toolgate/toolgate/internal/domain/audit"
)

const defaultRecentCap = 1000

// AuditStore implements audit.Store, writing one JSON line per entry to an
// output writer and keeping a bounded in-memory ring buffer for the Recent
// operational query.
type AuditStore struct {
	encoder *json.Encoder
	writer  io.Writer
	mu      sync.Mutex
	recent  []audit.Entry
	cap     int
}

func resolveCapacity(capacity ...int) int {
	if len(capacity) > 0 && capacity[0] > 0 {
		return capacity[0]
	}
	return defaultRecentCap
}

// NewAuditStore creates a new audit store writing to stdout.
func NewAuditStore(capacity ...int) *AuditStore {
	cap := resolveCapacity(capacity...)
	return &AuditStore{
		encoder: json.NewEncoder(os.Stdout),
		writer:  os.Stdout,
		recent:  make([]audit.Entry, 0, cap),
		cap:     cap,
	}
}

// NewAuditStoreWithWriter creates an audit store writing to the given writer.
func NewAuditStoreWithWriter(w io.Writer, capacity ...int) *AuditStore {
	cap := resolveCapacity(capacity...)
	return &AuditStore{
		encoder: json.NewEncoder(w),
		writer:  w,
		recent:  make([]audit.Entry, 0, cap),
		cap:     cap,
	}
}

// Append implements audit.Store, writing the entry as a JSON line and
// pushing it into the bounded ring buffer (oldest dropped on overflow).
func (s *AuditStore) Append(ctx context.Context, entry audit.Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.encoder.Encode(entry); err != nil {
		return err
	}
	if len(s.recent) >= s.cap {
		copy(s.recent, s.recent[1:])
		s.recent[len(s.recent)-1] = entry
	} else {
		s.recent = append(s.recent, entry)
	}
	return nil
}

// Recent implements audit.Store, returning the most recent entries for a
// session, newest first, bounded by limit.
func (s *AuditStore) Recent(ctx context.Context, sessionID string, limit int) ([]audit.Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var result []audit.Entry
	for i := len(s.recent) - 1; i >= 0 && len(result) < limit; i-- {
		if s.recent[i].SessionID == sessionID {
			result = append(result, s.recent[i])
		}
	}
	return result, nil
}

// Close implements audit.Store, releasing the underlying writer if it is a
// non-standard file.
func (s *AuditStore) Close() error {
	if f, ok := s.writer.(*os.File); ok && f != os.Stdout && f != os.Stderr {
		return f.Close()
	}
	return nil
}

// Compile-time interface verification.
var _ audit.Store = (*AuditStore)(nil)
