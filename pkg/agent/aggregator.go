package agent

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/fractalhq/fractal/pkg/llms"
)

// Call is one fully aggregated tool invocation. Args is nil when the streamed
// argument text was not valid JSON; Err then carries the parse failure and
// the call must not be executed.
type Call struct {
	ID    string
	Name  string
	Args  map[string]any
	Raw   string
	Index int
	Err   error
}

// pendingCall accumulates fragments for one stream index.
type pendingCall struct {
	id        string
	name      string
	fragments strings.Builder
	args      map[string]any
	raw       string
	err       error
	completed bool
}

// aggregator re-assembles tool calls from interleaved stream chunks keyed by
// index. Providers may interleave deltas for several calls; order of first
// appearance decides execution order.
type aggregator struct {
	calls map[int]*pendingCall
	order []int
}

func newAggregator() *aggregator {
	return &aggregator{calls: make(map[int]*pendingCall)}
}

func (a *aggregator) at(index int) *pendingCall {
	pc, ok := a.calls[index]
	if !ok {
		pc = &pendingCall{}
		a.calls[index] = pc
		a.order = append(a.order, index)
	}
	return pc
}

// feed consumes one tool-call chunk.
func (a *aggregator) feed(chunk llms.StreamChunk) {
	switch chunk.Type {
	case llms.ChunkToolCallStart:
		pc := a.at(chunk.Index)
		pc.id = chunk.ToolID
		pc.name = chunk.ToolName

	case llms.ChunkToolCallDelta:
		pc := a.at(chunk.Index)
		if !pc.completed {
			pc.fragments.WriteString(chunk.ArgumentsFragment)
		}

	case llms.ChunkToolCallComplete:
		pc := a.at(chunk.Index)
		pc.completed = true
		if chunk.ToolID != "" {
			pc.id = chunk.ToolID
		}
		if chunk.ToolName != "" {
			pc.name = chunk.ToolName
		}
		raw := chunk.RawArguments
		if raw == "" {
			raw = pc.fragments.String()
		}
		pc.raw = raw
		if chunk.Arguments != nil {
			pc.args = chunk.Arguments
			return
		}
		pc.args, pc.err = parseArguments(raw)
	}
}

// finish finalizes all calls in stream order. Calls that never saw a
// complete chunk are parsed from their accumulated fragments.
func (a *aggregator) finish() []Call {
	sort.Ints(a.order)

	out := make([]Call, 0, len(a.order))
	for _, index := range a.order {
		pc := a.calls[index]
		if !pc.completed {
			pc.raw = pc.fragments.String()
			pc.args, pc.err = parseArguments(pc.raw)
		}
		out = append(out, Call{
			ID:    pc.id,
			Name:  pc.name,
			Args:  pc.args,
			Raw:   pc.raw,
			Index: index,
			Err:   pc.err,
		})
	}
	return out
}

// parseArguments decodes the streamed argument text. Empty text means a
// no-argument call, not a parse failure.
func parseArguments(raw string) (map[string]any, error) {
	if strings.TrimSpace(raw) == "" {
		return map[string]any{}, nil
	}
	var args map[string]any
	if err := json.Unmarshal([]byte(raw), &args); err != nil {
		return nil, fmt.Errorf("invalid tool arguments %s: %w", truncateRaw(raw), err)
	}
	return args, nil
}

func truncateRaw(raw string) string {
	runes := []rune(raw)
	if len(runes) <= 120 {
		return raw
	}
	return string(runes[:120]) + "..."
}
