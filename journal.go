package girder

import (
	"sync"
	"time"
)

// ============================================================================
// Journal
// ============================================================================

// DefaultJournalCapacity bounds a journal created with capacity <= 0.
const DefaultJournalCapacity = 1024

// JournalEntry is one recorded notification.
type JournalEntry struct {
	Key          string
	Notification *Notification
	ReceivedAt   time.Time
}

// Journal records notifications as they are published, keeping the most
// recent entries up to a fixed capacity. It is useful for auditing what a
// stream delivered and for late subscribers that want recent history.
type Journal struct {
	mu      sync.RWMutex
	cap     int
	entries []JournalEntry
	subs    []*Subscription
	now     func() time.Time
}

// NewJournal creates a journal holding at most capacity entries.
func NewJournal(capacity int) *Journal {
	if capacity <= 0 {
		capacity = DefaultJournalCapacity
	}
	return &Journal{cap: capacity, now: time.Now}
}

// Attach subscribes the journal to every event and error publication on the
// hub. A journal can be attached to several hubs; Detach unbinds them all.
func (j *Journal) Attach(h *Hub) {
	record := func(key string, n *Notification) { j.record(key, n) }
	j.mu.Lock()
	defer j.mu.Unlock()
	j.subs = append(j.subs,
		h.On(EventKeyPrefix+"*", record),
		h.On(KeyError, record),
	)
}

// Detach unbinds the journal from every hub it was attached to.
func (j *Journal) Detach() {
	j.mu.Lock()
	subs := j.subs
	j.subs = nil
	j.mu.Unlock()
	for _, sub := range subs {
		sub.Off()
	}
}

func (j *Journal) record(key string, n *Notification) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.entries = append(j.entries, JournalEntry{
		Key:          key,
		Notification: n,
		ReceivedAt:   j.now(),
	})
	if len(j.entries) > j.cap {
		j.entries = append([]JournalEntry(nil), j.entries[len(j.entries)-j.cap:]...)
	}
}

// Len returns the number of recorded entries.
func (j *Journal) Len() int {
	j.mu.RLock()
	defer j.mu.RUnlock()
	return len(j.entries)
}

// Entries returns a copy of all recorded entries, oldest first.
func (j *Journal) Entries() []JournalEntry {
	j.mu.RLock()
	defer j.mu.RUnlock()
	return append([]JournalEntry(nil), j.entries...)
}

// ByType returns the recorded notifications of the given type.
func (j *Journal) ByType(notificationType string) []JournalEntry {
	j.mu.RLock()
	defer j.mu.RUnlock()
	var out []JournalEntry
	for _, e := range j.entries {
		if e.Notification != nil && e.Notification.Type == notificationType {
			out = append(out, e)
		}
	}
	return out
}

// Since returns the entries received at or after t.
func (j *Journal) Since(t time.Time) []JournalEntry {
	j.mu.RLock()
	defer j.mu.RUnlock()
	var out []JournalEntry
	for _, e := range j.entries {
		if !e.ReceivedAt.Before(t) {
			out = append(out, e)
		}
	}
	return out
}

// Clear discards all recorded entries.
func (j *Journal) Clear() {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.entries = nil
}
