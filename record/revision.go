package record

import (
	"sync"
	"time"

	"github.com/brunoga/deep"
	"github.com/google/uuid"
)

// Revision records one supersession of a record: the state before, the
// state after and a free-text reason. Entries are never edited after
// creation except for the Superseded mark.
type Revision struct {
	ID         string    `msgpack:"id"`
	RecordID   string    `msgpack:"record_id"`
	Old        Snapshot  `msgpack:"old"`
	New        Snapshot  `msgpack:"new"`
	Reason     string    `msgpack:"reason"`
	CreatedAt  time.Time `msgpack:"created_at"`
	Superseded bool      `msgpack:"superseded"`
}

// History is the per-record revision timeline.
type History struct {
	mu      sync.Mutex
	entries []Revision
}

func NewHistory(existing []Revision) *History {
	return &History{entries: deep.MustCopy(existing)}
}

// Commit appends a revision and marks the previous head superseded. It
// returns the new entry and, if there was one, the entry it superseded.
func (h *History) Commit(recordID string, old, new Snapshot, reason string, at time.Time) (Revision, *Revision) {
	rev := Revision{
		ID:        uuid.NewString(),
		RecordID:  recordID,
		Old:       deep.MustCopy(old),
		New:       deep.MustCopy(new),
		Reason:    reason,
		CreatedAt: at,
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	var prev *Revision
	if n := len(h.entries); n > 0 && !h.entries[n-1].Superseded {
		h.entries[n-1].Superseded = true
		p := h.entries[n-1]
		prev = &p
	}
	h.entries = append(h.entries, rev)
	return rev, prev
}

func (h *History) Entries() []Revision {
	h.mu.Lock()
	defer h.mu.Unlock()
	return deep.MustCopy(h.entries)
}

func (h *History) Head() (Revision, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.entries) == 0 {
		return Revision{}, false
	}
	return deep.MustCopy(h.entries[len(h.entries)-1]), true
}

func (h *History) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.entries)
}
