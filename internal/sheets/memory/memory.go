package memory

import (
	"context"
	"fmt"
	"sync"

	"finledger/internal/audit"
	"finledger/internal/core"
	ports "finledger/internal/sheets"
)

// Store keeps appended audit rows in memory. It stands in for the Google
// client in dry runs.
type Store struct {
	mu   sync.Mutex
	rows [][]string
}

var _ ports.AuditWriter = (*Store)(nil)

func New() *Store {
	return &Store{}
}

// AppendAuditEntries stores the rendered rows and returns a synthetic range
// reference covering them.
func (s *Store) AppendAuditEntries(_ context.Context, entries []core.AuditEntry) (string, error) {
	if len(entries) == 0 {
		return "", nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	first := len(s.rows) + 1
	for _, e := range entries {
		s.rows = append(s.rows, audit.Row(e))
	}
	return fmt.Sprintf("mem:%d:%d", first, len(s.rows)), nil
}

// Rows returns a copy of everything appended so far.
func (s *Store) Rows() [][]string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([][]string, len(s.rows))
	for i, r := range s.rows {
		out[i] = append([]string(nil), r...)
	}
	return out
}
