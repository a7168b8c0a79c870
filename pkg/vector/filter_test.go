package vector

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseFilter(t *testing.T) {
	conds, err := parseFilter(Filter{
		"status":          "done",
		"score__lt":       0.5,
		"kind__in":        []string{"fact", "plan"},
		"tags__contains":  "urgent",
		"weird__unknown":  1, // unknown suffix is part of the field name
		"nested__op__gte": 2,
	})
	require.NoError(t, err)
	require.Len(t, conds, 6)

	byField := map[string]condition{}
	for _, c := range conds {
		byField[c.field] = c
	}

	assert.Equal(t, OpEq, byField["status"].op)
	assert.Equal(t, OpLt, byField["score"].op)
	assert.Equal(t, OpIn, byField["kind"].op)
	assert.Equal(t, OpContains, byField["tags"].op)
	assert.Equal(t, OpEq, byField["weird__unknown"].op)
	assert.Equal(t, OpGte, byField["nested__op"].op)
}

func TestFilterMatching(t *testing.T) {
	metadata := map[string]any{
		"status":     "completed",
		"importance": 0.7,
		"attempts":   3,
		"tags":       []any{"search", "web"},
		"summary":    "fetched three pages",
	}

	tests := []struct {
		name   string
		filter Filter
		want   bool
	}{
		{"bare key equality", Filter{"status": "completed"}, true},
		{"bare key inequality", Filter{"status": "failed"}, false},
		{"explicit eq", Filter{"status__eq": "completed"}, true},
		{"numeric eq coerces", Filter{"attempts": 3.0}, true},
		{"lt true", Filter{"importance__lt": 0.8}, true},
		{"lt false", Filter{"importance__lt": 0.7}, false},
		{"lte boundary", Filter{"importance__lte": 0.7}, true},
		{"gt true", Filter{"attempts__gt": 2}, true},
		{"gte boundary", Filter{"attempts__gte": 3}, true},
		{"in hit", Filter{"status__in": []any{"failed", "completed"}}, true},
		{"in miss", Filter{"status__in": []any{"failed", "cancelled"}}, false},
		{"contains substring", Filter{"summary__contains": "three"}, true},
		{"contains substring miss", Filter{"summary__contains": "four"}, false},
		{"contains list element", Filter{"tags__contains": "web"}, true},
		{"contains list miss", Filter{"tags__contains": "email"}, false},
		{"missing field never matches", Filter{"owner": "x"}, false},
		{"conjunction", Filter{"status": "completed", "importance__gte": 0.5}, true},
		{"conjunction one fails", Filter{"status": "completed", "importance__gte": 0.9}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			conds, err := parseFilter(tt.filter)
			require.NoError(t, err)
			assert.Equal(t, tt.want, matchesAll(metadata, conds))
		})
	}
}
