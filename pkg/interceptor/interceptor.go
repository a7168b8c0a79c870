// Package interceptor provides the dispatcher chain: tracing, auth, budget,
// depth, timeout, human-in-the-loop approval, and adaptive recovery. Each
// interceptor implements bus.Interceptor; the chain order is fixed at
// startup.
package interceptor

import (
	"strings"
)

// sourcePrefix returns the first path segment of an event source. Node IDs
// use ":" for delegation lineage ("agent-1:worker-0-ab12cd34") and "/" for
// explicit paths; the prefix stops at either.
func sourcePrefix(source string) string {
	if i := strings.IndexAny(source, "/:"); i >= 0 {
		return source[:i]
	}
	return source
}
