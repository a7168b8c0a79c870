package tools

import (
	"sort"

	"github.com/fractalhq/fractal/pkg/registry"
)

// Registry maps tool names to executables.
type Registry struct {
	*registry.BaseRegistry[Tool]
}

// NewRegistry creates an empty tool registry.
func NewRegistry() *Registry {
	return &Registry{BaseRegistry: registry.NewBaseRegistry[Tool]()}
}

// Add registers a tool under its definition name.
func (r *Registry) Add(t Tool) error {
	return r.Register(t.Definition().Name, t)
}

// Definitions returns the definitions of every registered tool, sorted by
// name for stable advertisement to providers.
func (r *Registry) Definitions() []Definition {
	names := r.Names()
	defs := make([]Definition, 0, len(names))
	for _, name := range names {
		if t, ok := r.Get(name); ok {
			defs = append(defs, t.Definition())
		}
	}
	return defs
}

// Suggest returns up to five registered names closest to the unknown name by
// edit distance, nearest first.
func (r *Registry) Suggest(name string) []string {
	type scored struct {
		name string
		dist int
	}
	var candidates []scored
	for _, known := range r.Names() {
		d := editDistance(name, known)
		// Anything further than half the name away is noise.
		if d <= (len(known)+len(name))/2 {
			candidates = append(candidates, scored{known, d})
		}
	}
	sort.SliceStable(candidates, func(i, j int) bool { return candidates[i].dist < candidates[j].dist })

	out := make([]string, 0, 5)
	for _, c := range candidates {
		if len(out) == 5 {
			break
		}
		out = append(out, c.name)
	}
	return out
}

// editDistance is the Levenshtein distance between a and b.
func editDistance(a, b string) int {
	ra, rb := []rune(a), []rune(b)
	prev := make([]int, len(rb)+1)
	curr := make([]int, len(rb)+1)
	for j := range prev {
		prev[j] = j
	}

	for i := 1; i <= len(ra); i++ {
		curr[0] = i
		for j := 1; j <= len(rb); j++ {
			cost := 1
			if ra[i-1] == rb[j-1] {
				cost = 0
			}
			curr[j] = min3(prev[j]+1, curr[j-1]+1, prev[j-1]+cost)
		}
		prev, curr = curr, prev
	}
	return prev[len(rb)]
}

func min3(a, b, c int) int {
	if b < a {
		a = b
	}
	if c < a {
		a = c
	}
	return a
}
