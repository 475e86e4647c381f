package memory

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"waveminer/internal/journal"
)

// Journal is a bounded in-memory ring of protocol entries. Oldest entries
// are dropped once the capacity is reached.
type Journal struct {
	mu      sync.Mutex
	entries []journal.Entry
	max     int
}

func NewJournal(max int) *Journal {
	if max <= 0 {
		max = 1024
	}
	return &Journal{entries: make([]journal.Entry, 0, 64), max: max}
}

func (j *Journal) Append(kind string, detail map[string]any) journal.Entry {
	entry := journal.Entry{
		ID:     uuid.NewString(),
		Time:   time.Now().UTC(),
		Kind:   kind,
		Detail: detail,
	}
	j.mu.Lock()
	defer j.mu.Unlock()
	j.entries = append(j.entries, entry)
	if len(j.entries) > j.max {
		j.entries = j.entries[len(j.entries)-j.max:]
	}
	return entry
}

// Tail returns up to limit entries, newest first.
func (j *Journal) Tail(limit int) []journal.Entry {
	j.mu.Lock()
	defer j.mu.Unlock()
	if limit <= 0 || limit > len(j.entries) {
		limit = len(j.entries)
	}
	out := make([]journal.Entry, 0, limit)
	for i := len(j.entries) - 1; i >= len(j.entries)-limit; i-- {
		out = append(out, j.entries[i])
	}
	return out
}
