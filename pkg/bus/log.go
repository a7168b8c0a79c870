package bus

import (
	"sync"
	"time"
)

// DefaultRingSize is the default diagnostic log capacity.
const DefaultRingSize = 1000

// Record is an event log entry. Failures are attached after delivery when
// subscribers error or panic.
type Record struct {
	Event      *Event    `json:"event"`
	LoggedAt   time.Time `json:"logged_at"`
	Failures   []string  `json:"failures,omitempty"`
	failMu     sync.Mutex
	sequenceID uint64
}

func (r *Record) addFailure(herr HandlerError) {
	r.failMu.Lock()
	defer r.failMu.Unlock()
	r.Failures = append(r.Failures, herr.Error())
}

// Failed reports whether any subscriber failed on this event.
func (r *Record) Failed() bool {
	r.failMu.Lock()
	defer r.failMu.Unlock()
	return len(r.Failures) > 0
}

// Query filters log records. Zero-valued fields match everything.
type Query struct {
	Type   string
	Source string
	Target string
	TaskID string
	Limit  int
}

// Log is a bounded in-memory event history. When full, the oldest record is
// overwritten.
type Log struct {
	mu      sync.RWMutex
	records []*Record
	next    int
	full    bool
	seq     uint64
}

// NewLog creates a log holding at most capacity records.
func NewLog(capacity int) *Log {
	if capacity <= 0 {
		capacity = DefaultRingSize
	}
	return &Log{records: make([]*Record, capacity)}
}

// Append stores ev and returns its record so delivery failures can be
// attached later.
func (l *Log) Append(ev *Event) *Record {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.seq++
	record := &Record{Event: ev, LoggedAt: time.Now(), sequenceID: l.seq}
	l.records[l.next] = record
	l.next = (l.next + 1) % len(l.records)
	if l.next == 0 {
		l.full = true
	}
	return record
}

// Len reports the number of retained records.
func (l *Log) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.full {
		return len(l.records)
	}
	return l.next
}

// Capacity reports the maximum number of retained records.
func (l *Log) Capacity() int {
	return len(l.records)
}

// Query returns matching records, newest first. A non-positive limit returns
// all matches.
func (l *Log) Query(q Query) []*Record {
	l.mu.RLock()
	defer l.mu.RUnlock()

	count := l.next
	if l.full {
		count = len(l.records)
	}

	out := make([]*Record, 0, count)
	for i := 0; i < count; i++ {
		// Walk backwards from the most recently written slot.
		idx := (l.next - 1 - i + len(l.records)) % len(l.records)
		record := l.records[idx]
		if record == nil || !matches(record.Event, q) {
			continue
		}
		out = append(out, record)
		if q.Limit > 0 && len(out) >= q.Limit {
			break
		}
	}
	return out
}

func matches(ev *Event, q Query) bool {
	if q.Type != "" && !MatchTopic(q.Type, ev.Type) {
		return false
	}
	if q.Source != "" && ev.Source != q.Source {
		return false
	}
	if q.Target != "" && ev.Subject != q.Target {
		return false
	}
	if q.TaskID != "" && ev.TaskID() != q.TaskID {
		return false
	}
	return true
}

// Clear drops all retained records.
func (l *Log) Clear() {
	l.mu.Lock()
	defer l.mu.Unlock()
	for i := range l.records {
		l.records[i] = nil
	}
	l.next = 0
	l.full = false
}
