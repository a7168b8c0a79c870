package memory

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/fractalhq/fractal/pkg/embedders"
	"github.com/fractalhq/fractal/pkg/observability"
	"github.com/fractalhq/fractal/pkg/tokenizer"
	"github.com/fractalhq/fractal/pkg/vector"
)

// Config sizes the tiers and tunes the promotion cascade.
type Config struct {
	// Token budgets per tier.
	L1Budget int `yaml:"l1_budget"`
	L2Budget int `yaml:"l2_budget"`
	L3Budget int `yaml:"l3_budget"`

	// L4 limits: vector count and TTL in hours (0 = no expiry).
	L4Budget   int `yaml:"l4_budget"`
	L4TTLHours int `yaml:"l4_ttl_hours"`

	// ExtractorStrategy selects the L1 -> L2 promotion rule.
	ExtractorStrategy ExtractorStrategy `yaml:"extractor_strategy"`

	// PromoteThreshold is the minimum importance for the importance
	// strategy. Default: 0.6.
	PromoteThreshold float64 `yaml:"promote_threshold"`

	// AccessThreshold is the minimum task access count for the
	// access-count strategy. Default: 3.
	AccessThreshold int `yaml:"access_threshold"`

	// RetentionHours is the minimum message age for the time strategy.
	RetentionHours int `yaml:"retention_hours"`

	// CompressThreshold triggers L2 -> L3 compression at this fraction of
	// the L2 budget; CompressTarget is the usage it compresses down to.
	// Defaults: 0.85 and 0.80.
	CompressThreshold float64 `yaml:"compress_threshold"`
	CompressTarget    float64 `yaml:"compress_target"`

	// VectorizeThreshold triggers L3 -> L4 vectorization at this fraction
	// of the L3 budget; VectorizeFraction is the share of oldest summaries
	// taken per cycle. Defaults: 0.90 and 0.20.
	VectorizeThreshold float64 `yaml:"vectorize_threshold"`
	VectorizeFraction  float64 `yaml:"vectorize_fraction"`

	// Model selects the tokenizer used for token accounting.
	Model string `yaml:"model"`
}

// SetDefaults applies default values.
func (c *Config) SetDefaults() {
	if c.L1Budget == 0 {
		c.L1Budget = 8000
	}
	if c.L2Budget == 0 {
		c.L2Budget = 4000
	}
	if c.L3Budget == 0 {
		c.L3Budget = 2000
	}
	if c.L4Budget == 0 {
		c.L4Budget = 10000
	}
	if c.ExtractorStrategy == "" {
		c.ExtractorStrategy = ExtractImportance
	}
	if c.PromoteThreshold == 0 {
		c.PromoteThreshold = 0.6
	}
	if c.AccessThreshold == 0 {
		c.AccessThreshold = 3
	}
	if c.RetentionHours == 0 {
		c.RetentionHours = 24
	}
	if c.CompressThreshold == 0 {
		c.CompressThreshold = 0.85
	}
	if c.CompressTarget == 0 {
		c.CompressTarget = 0.80
	}
	if c.VectorizeThreshold == 0 {
		c.VectorizeThreshold = 0.90
	}
	if c.VectorizeFraction == 0 {
		c.VectorizeFraction = 0.20
	}
	if c.Model == "" {
		c.Model = "gpt-4o"
	}
}

// Validate checks the configuration.
func (c *Config) Validate() error {
	if c.L1Budget < 0 || c.L2Budget < 0 || c.L3Budget < 0 || c.L4Budget < 0 {
		return fmt.Errorf("tier budgets cannot be negative")
	}
	if c.CompressTarget > c.CompressThreshold {
		return fmt.Errorf("compress_target %.2f above compress_threshold %.2f",
			c.CompressTarget, c.CompressThreshold)
	}
	switch c.ExtractorStrategy {
	case ExtractImportance, ExtractAccessCount, ExtractTimeBased:
	default:
		return fmt.Errorf("unknown extractor strategy: %q", c.ExtractorStrategy)
	}
	return nil
}

const summaryTruncateLen = 200

// Manager is the per-agent memory façade. It owns the four tiers, the
// authoritative task-id index, and the eviction cascade wiring between
// tiers. All mutations are serialized by one mutex: the owning agent is the
// only writer, with brief cross-session locks taken by the Controller.
type Manager struct {
	mu sync.Mutex

	agentID   string
	sessionID string
	cfg       Config
	counter   tokenizer.Counter

	l1 *fifoTier[MessageItem]
	l2 *workingSet
	l3 *fifoTier[TaskSummary]
	l4 *vectorTier

	extractor *extractor

	// index counts live L1/L2 items per task id. A task is reachable
	// while its count is positive.
	index map[string]int

	// pendingVec holds L3 evictions awaiting an embedding; retried on
	// every promotion cycle.
	pendingVec []TaskSummary
}

// NewManager builds a four-tier memory for one agent. store and embedder may
// be nil, which disables L4 (semantic search degrades to substring matching).
func NewManager(agentID, sessionID string, cfg Config, store vector.Store, embedder embedders.Embedder) (*Manager, error) {
	cfg.SetDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("memory config: %w", err)
	}

	m := &Manager{
		agentID:   agentID,
		sessionID: sessionID,
		cfg:       cfg,
		counter:   tokenizer.New(cfg.Model),
		l2:        newWorkingSet(cfg.L2Budget),
		extractor: newExtractor(cfg),
		index:     make(map[string]int),
	}
	m.l1 = newFIFOTier("L1", cfg.L1Budget, func(mi MessageItem) int { return mi.TokenCount })
	m.l3 = newFIFOTier("L3", cfg.L3Budget, func(s TaskSummary) int { return s.TokenCount })
	if store != nil && embedder != nil {
		m.l4 = newVectorTier(store, embedder, cfg.L4Budget, time.Duration(cfg.L4TTLHours)*time.Hour)
	}

	// L1 evictions flow through the extractor: promoted messages head to
	// L2, the rest are summarized straight into L3 so nothing is lost.
	m.l1.OnEviction(func(mi MessageItem) {
		m.release(mi.TaskID)
		observability.GetGlobalMetrics().RecordMemoryEviction(context.Background(), "l1", 1)
		if entry, ok := m.extractor.extract(mi); ok {
			observability.GetGlobalMetrics().RecordMemoryPromotion(context.Background(), "l1", "l2")
			m.storeEntry(entry)
			return
		}
		observability.GetGlobalMetrics().RecordMemoryPromotion(context.Background(), "l1", "l3")
		m.storeSummary(m.summarizeMessage(mi))
	})

	// L2 departures (evicted or rejected) are summarized into L3.
	m.l2.OnEviction(func(e WorkingMemoryEntry) {
		observability.GetGlobalMetrics().RecordMemoryEviction(context.Background(), "l2", 1)
		observability.GetGlobalMetrics().RecordMemoryPromotion(context.Background(), "l2", "l3")
		m.storeSummary(m.summarizeEntry(e))
	})

	// L3 evictions become vectorization jobs for L4.
	m.l3.OnEviction(func(s TaskSummary) {
		observability.GetGlobalMetrics().RecordMemoryEviction(context.Background(), "l3", 1)
		if m.l4.available() {
			observability.GetGlobalMetrics().RecordMemoryPromotion(context.Background(), "l3", "l4")
			m.pendingVec = append(m.pendingVec, s)
		}
	})

	return m, nil
}

// AgentID returns the owning agent's node id.
func (m *Manager) AgentID() string { return m.agentID }

// SessionID returns the session this memory belongs to.
func (m *Manager) SessionID() string { return m.sessionID }

// AddMessage records a conversation message in L1 and runs a promotion
// cycle. Missing IDs, session ids, timestamps and token counts are filled
// in. Insertion never fails; eviction always makes room.
func (m *Manager) AddMessage(ctx context.Context, msg MessageItem) MessageItem {
	m.mu.Lock()
	defer m.mu.Unlock()

	msg = m.normalize(msg)
	m.extractor.touch(msg.TaskID)
	if msg.TaskID != "" {
		m.index[msg.TaskID]++
	}
	m.l1.Add(msg, msg.TokenCount)
	m.promoteLocked(ctx)
	return msg
}

// AddEntry records a working-set entry directly in L2 (used by the
// manage_memory tool) and runs a promotion cycle.
func (m *Manager) AddEntry(ctx context.Context, e WorkingMemoryEntry) WorkingMemoryEntry {
	m.mu.Lock()
	defer m.mu.Unlock()

	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.SessionID == "" {
		e.SessionID = m.sessionID
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now()
	}
	if e.TokenCount == 0 {
		e.TokenCount = m.counter.Count(e.Content)
	}
	if e.EntryType == "" {
		e.EntryType = EntryOther
	}
	m.storeEntry(e)
	m.promoteLocked(ctx)
	return e
}

func (m *Manager) normalize(msg MessageItem) MessageItem {
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	if msg.SessionID == "" {
		msg.SessionID = m.sessionID
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now()
	}
	if msg.TokenCount == 0 {
		msg.TokenCount = m.counter.CountMessage(string(msg.Role), msg.Content)
	}
	return msg
}

// storeEntry inserts into L2 and keeps the task index consistent: entries
// that survive are counted, rejected arrivals are not, and displaced
// residents are released.
func (m *Manager) storeEntry(e WorkingMemoryEntry) {
	departed := m.l2.Add(e, e.TokenCount)

	rejected := false
	for _, d := range departed {
		if d.ID == e.ID {
			rejected = true
			continue
		}
		m.release(d.TaskID)
	}
	if !rejected && e.TaskID != "" {
		m.index[e.TaskID]++
	}
}

func (m *Manager) storeSummary(s TaskSummary) {
	m.l3.Add(s, s.TokenCount)
}

func (m *Manager) release(taskID string) {
	if taskID == "" {
		return
	}
	if m.index[taskID] > 0 {
		m.index[taskID]--
	}
	if m.index[taskID] == 0 {
		delete(m.index, taskID)
	}
}

// summarizeMessage compresses an L1 message that skipped L2 into a lossy
// summary.
func (m *Manager) summarizeMessage(mi MessageItem) TaskSummary {
	action := string(mi.Role)
	if mi.ToolName != "" {
		action = mi.ToolName
	}
	s := TaskSummary{
		ID:           uuid.NewString(),
		TaskID:       mi.TaskID,
		SessionID:    mi.SessionID,
		Action:       action,
		ParamSummary: truncate(mi.Content, summaryTruncateLen),
		Tags:         []string{action, "archived"},
		Importance:   mi.Importance,
		CreatedAt:    mi.CreatedAt,
	}
	s.TokenCount = m.counter.Count(s.Action + s.ParamSummary)
	return s
}

// summarizeEntry compresses a departing L2 entry into a summary. Tags
// default to the action and entry type when the entry carries none.
func (m *Manager) summarizeEntry(e WorkingMemoryEntry) TaskSummary {
	action := string(e.EntryType)
	tags := e.Tags
	if len(tags) == 0 {
		tags = []string{action, "compressed"}
	}
	s := TaskSummary{
		ID:            uuid.NewString(),
		TaskID:        e.TaskID,
		SessionID:     e.SessionID,
		Action:        action,
		ParamSummary:  truncate(e.Content, summaryTruncateLen),
		ResultSummary: "",
		Tags:          tags,
		Importance:    e.Importance,
		CreatedAt:     e.CreatedAt,
	}
	s.TokenCount = m.counter.Count(s.Action + s.ParamSummary)
	return s
}

// AddSummary records a task outcome directly in L3. Parameter and result
// representations are truncated; tags default to the action and status.
func (m *Manager) AddSummary(ctx context.Context, taskID, action, params, result, status string, importance float64, tags []string) TaskSummary {
	m.mu.Lock()
	defer m.mu.Unlock()

	if len(tags) == 0 {
		tags = []string{action, status}
	}
	s := TaskSummary{
		ID:            uuid.NewString(),
		TaskID:        taskID,
		SessionID:     m.sessionID,
		Action:        action,
		ParamSummary:  truncate(params, summaryTruncateLen),
		ResultSummary: truncate(result, summaryTruncateLen),
		Tags:          tags,
		Importance:    importance,
		CreatedAt:     time.Now(),
	}
	s.TokenCount = m.counter.Count(s.Action + s.ParamSummary + s.ResultSummary)
	m.storeSummary(s)
	m.promoteLocked(ctx)
	return s
}

// Promote runs one promotion cycle on demand. It also runs automatically
// after every insert.
func (m *Manager) Promote(ctx context.Context) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.promoteLocked(ctx)
}

func (m *Manager) promoteLocked(ctx context.Context) {
	m.compressL2(ctx)
	m.vectorizeL3(ctx)
	m.drainPending(ctx)
}

// compressL2 moves the lowest-importance working-set entries into L3 when
// usage crosses the compression threshold.
func (m *Manager) compressL2(_ context.Context) {
	if m.cfg.L2Budget <= 0 {
		return
	}
	_, tokens := m.l2.Size()
	if float64(tokens) < m.cfg.CompressThreshold*float64(m.cfg.L2Budget) {
		return
	}
	target := int(m.cfg.CompressTarget * float64(m.cfg.L2Budget))
	for _, e := range m.l2.takeLowest(target) {
		m.release(e.TaskID)
		m.storeSummary(m.summarizeEntry(e))
	}
}

// vectorizeL3 embeds the oldest summaries into L4 when usage crosses the
// vectorization threshold. On embedding failure summaries stay in L3 and
// the next cycle retries.
func (m *Manager) vectorizeL3(ctx context.Context) {
	if !m.l4.available() || m.cfg.L3Budget <= 0 {
		return
	}
	count, tokens := m.l3.Size()
	if float64(tokens) < m.cfg.VectorizeThreshold*float64(m.cfg.L3Budget) || count == 0 {
		return
	}

	n := int(m.cfg.VectorizeFraction * float64(count))
	if n < 1 {
		n = 1
	}
	victims := oldest(m.l3.Items(), func(s TaskSummary) time.Time { return s.CreatedAt }, n)
	for _, s := range victims {
		if err := m.l4.add(ctx, s); err != nil {
			slog.Warn("vectorization failed, summaries retained in L3",
				"agent", m.agentID, "summary", s.ID, "error", err)
			return
		}
		m.removeSummary(s.ID)
	}
}

func (m *Manager) removeSummary(id string) {
	for i, s := range m.l3.Items() {
		if s.ID == id {
			m.l3.removeAt(i)
			return
		}
	}
}

func (m *Manager) drainPending(ctx context.Context) {
	if !m.l4.available() || len(m.pendingVec) == 0 {
		return
	}
	remaining := m.pendingVec[:0]
	for _, s := range m.pendingVec {
		if err := m.l4.add(ctx, s); err != nil {
			remaining = append(remaining, s)
		}
	}
	m.pendingVec = remaining
}

// ============================================================================
// QUERIES
// ============================================================================

// Recent returns up to limit L1 messages in insertion order, newest last.
// An empty sessionID matches everything.
func (m *Manager) Recent(limit int, sessionID string) []MessageItem {
	m.mu.Lock()
	defer m.mu.Unlock()

	items := m.l1.Items()
	out := make([]MessageItem, 0, len(items))
	for _, it := range items {
		if sessionID == "" || it.SessionID == sessionID {
			out = append(out, it)
		}
	}
	if limit > 0 && len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out
}

// Important returns up to limit L2 entries sorted by importance descending.
func (m *Manager) Important(limit int, sessionID string) []WorkingMemoryEntry {
	m.mu.Lock()
	defer m.mu.Unlock()

	entries := m.l2.Items()
	out := make([]WorkingMemoryEntry, 0, len(entries))
	for _, e := range entries {
		if sessionID == "" || e.SessionID == sessionID {
			out = append(out, e)
		}
	}
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

// Summaries returns up to limit L3 summaries, most recent last.
func (m *Manager) Summaries(limit int, sessionID string) []TaskSummary {
	m.mu.Lock()
	defer m.mu.Unlock()

	items := m.l3.Items()
	out := make([]TaskSummary, 0, len(items))
	for _, s := range items {
		if sessionID == "" || s.SessionID == sessionID {
			out = append(out, s)
		}
	}
	if limit > 0 && len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out
}

// SemanticSearch embeds the query and searches L4, returning summaries in
// score-descending order. When L4 or the embedder is unavailable it degrades
// to a substring and tag scan over the in-process tiers.
func (m *Manager) SemanticSearch(ctx context.Context, query string, k int, sessionID string) ([]TaskSummary, error) {
	m.mu.Lock()
	l4 := m.l4
	m.mu.Unlock()

	if l4.available() {
		var filter vector.Filter
		if sessionID != "" {
			filter = vector.Filter{"session_id": sessionID}
		}
		hits, err := l4.search(ctx, query, k, filter)
		if err == nil {
			out := make([]TaskSummary, 0, len(hits))
			for _, h := range hits {
				out = append(out, summaryFromHit(h))
			}
			return out, nil
		}
		slog.Warn("semantic search degraded to substring scan",
			"agent", m.agentID, "error", err)
	}
	return m.scanSearch(query, k, sessionID), nil
}

func summaryFromHit(h vector.Result) TaskSummary {
	s := TaskSummary{ID: h.ID, ResultSummary: h.Content, CreatedAt: h.CreatedAt}
	if h.Metadata != nil {
		s.TaskID, _ = h.Metadata["task_id"].(string)
		s.SessionID, _ = h.Metadata["session_id"].(string)
		s.Action, _ = h.Metadata["action"].(string)
		if imp, ok := h.Metadata["importance"].(float64); ok {
			s.Importance = imp
		}
		if tags, ok := h.Metadata["tags"].([]string); ok {
			s.Tags = tags
		}
	}
	return s
}

// scanSearch is the degraded path: case-insensitive substring and tag match
// across L1, L2 and L3.
func (m *Manager) scanSearch(query string, k int, sessionID string) []TaskSummary {
	m.mu.Lock()
	defer m.mu.Unlock()

	needle := strings.ToLower(query)
	var out []TaskSummary

	match := func(s ...string) bool {
		for _, v := range s {
			if v != "" && strings.Contains(strings.ToLower(v), needle) {
				return true
			}
		}
		return false
	}

	for _, mi := range m.l1.Items() {
		if sessionID != "" && mi.SessionID != sessionID {
			continue
		}
		if match(mi.Content, mi.ToolName) {
			out = append(out, m.summarizeMessage(mi))
		}
	}
	for _, e := range m.l2.Items() {
		if sessionID != "" && e.SessionID != sessionID {
			continue
		}
		if match(append([]string{e.Content}, e.Tags...)...) {
			out = append(out, m.summarizeEntry(e))
		}
	}
	for _, s := range m.l3.Items() {
		if sessionID != "" && s.SessionID != sessionID {
			continue
		}
		if match(append([]string{s.ParamSummary, s.ResultSummary, s.Action}, s.Tags...)...) {
			out = append(out, s)
		}
	}

	if k > 0 && len(out) > k {
		out = out[:k]
	}
	return out
}

// HasTask reports whether any live L1 or L2 item belongs to taskID.
func (m *Manager) HasTask(taskID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.index[taskID] > 0
}

// Lookup returns all live L1 messages and L2 entries for taskID.
func (m *Manager) Lookup(taskID string) ([]MessageItem, []WorkingMemoryEntry) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.index[taskID] == 0 {
		return nil, nil
	}
	var msgs []MessageItem
	for _, mi := range m.l1.Items() {
		if mi.TaskID == taskID {
			msgs = append(msgs, mi)
		}
	}
	var entries []WorkingMemoryEntry
	for _, e := range m.l2.Items() {
		if e.TaskID == taskID {
			entries = append(entries, e)
		}
	}
	return msgs, entries
}

// Stats returns a point-in-time snapshot of all tier sizes.
func (m *Manager) Stats() TierStats {
	m.mu.Lock()
	defer m.mu.Unlock()

	var st TierStats
	st.L1Count, st.L1Tokens = m.l1.Size()
	st.L2Count, st.L2Tokens = m.l2.Size()
	st.L3Count, st.L3Tokens = m.l3.Size()
	if m.l4.available() {
		st.L4Count = m.l4.count()
	}
	return st
}

// Clear empties every tier and the task index. Eviction callbacks do not
// fire.
func (m *Manager) Clear(ctx context.Context) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.l1.Clear()
	m.l2.Clear()
	m.l3.Clear()
	if m.l4.available() {
		m.l4.clear(ctx)
	}
	m.index = make(map[string]int)
	m.pendingVec = nil
}

// importMessages bulk-copies messages into L1 under the manager lock. Used
// by the Controller's cross-session share; the copies get fresh IDs so they
// evolve independently of the source.
func (m *Manager) importMessages(ctx context.Context, msgs []MessageItem) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, msg := range msgs {
		msg.ID = uuid.NewString()
		msg = m.normalize(msg)
		if msg.TaskID != "" {
			m.index[msg.TaskID]++
		}
		m.l1.Add(msg, msg.TokenCount)
	}
	m.promoteLocked(ctx)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-3]) + "..."
}
