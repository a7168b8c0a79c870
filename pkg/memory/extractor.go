package memory

import (
	"time"

	"github.com/google/uuid"
)

// ExtractorStrategy selects how L1 evictions are promoted into L2.
type ExtractorStrategy string

const (
	// ExtractImportance promotes messages whose importance clears a
	// threshold. Messages without a caller-assigned importance default
	// to 0.5.
	ExtractImportance ExtractorStrategy = "importance"

	// ExtractAccessCount promotes messages whose task was touched at
	// least AccessThreshold times.
	ExtractAccessCount ExtractorStrategy = "access_count"

	// ExtractTimeBased promotes messages older than RetentionHours.
	// With typical retention windows nothing qualifies at eviction time,
	// so L1 effectively just flushes.
	ExtractTimeBased ExtractorStrategy = "time"
)

const defaultImportance = 0.5

// extractor turns an evicted L1 message into zero or one L2 entries.
type extractor struct {
	strategy        ExtractorStrategy
	threshold       float64       // importance strategy
	accessThreshold int           // access-count strategy
	retention       time.Duration // time strategy

	accessCounts map[string]int // task id -> touches
}

func newExtractor(cfg Config) *extractor {
	return &extractor{
		strategy:        cfg.ExtractorStrategy,
		threshold:       cfg.PromoteThreshold,
		accessThreshold: cfg.AccessThreshold,
		retention:       time.Duration(cfg.RetentionHours) * time.Hour,
		accessCounts:    make(map[string]int),
	}
}

// touch records one access to a task, feeding the access-count strategy.
func (x *extractor) touch(taskID string) {
	if taskID != "" {
		x.accessCounts[taskID]++
	}
}

// extract decides whether the evicted message m earns a working-set entry.
func (x *extractor) extract(m MessageItem) (WorkingMemoryEntry, bool) {
	importance := m.Importance
	if importance == 0 {
		importance = defaultImportance
	}

	promote := false
	switch x.strategy {
	case ExtractAccessCount:
		promote = x.accessCounts[m.TaskID] >= x.accessThreshold
	case ExtractTimeBased:
		promote = time.Since(m.CreatedAt) >= x.retention
	default: // importance
		promote = importance >= x.threshold
	}
	if !promote {
		return WorkingMemoryEntry{}, false
	}

	return WorkingMemoryEntry{
		ID:         uuid.NewString(),
		TaskID:     m.TaskID,
		SessionID:  m.SessionID,
		Content:    m.Content,
		Importance: importance,
		TokenCount: m.TokenCount,
		EntryType:  entryTypeFor(m),
		CreatedAt:  m.CreatedAt,
	}, true
}

func entryTypeFor(m MessageItem) EntryType {
	switch m.Role {
	case RoleTool:
		return EntryObservation
	case RoleAssistant:
		return EntryDecision
	default:
		return EntryFact
	}
}
