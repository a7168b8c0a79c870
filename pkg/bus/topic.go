package bus

import "strings"

// MatchTopic reports whether a slash-delimited topic matches a pattern.
// Within a pattern, a segment of "**" matches any number of segments,
// including none, and "*" inside a segment matches any run of characters.
// Dots are ordinary characters, so the action family "node.request" is a
// single segment and "node.*" matches every action in that family.
func MatchTopic(pattern, topic string) bool {
	if pattern == topic {
		return true
	}
	return matchSegments(splitTopic(pattern), splitTopic(topic))
}

func splitTopic(s string) []string {
	s = strings.Trim(s, "/")
	if s == "" {
		return nil
	}
	return strings.Split(s, "/")
}

func matchSegments(pattern, topic []string) bool {
	if len(pattern) == 0 {
		return len(topic) == 0
	}

	head, rest := pattern[0], pattern[1:]
	if head == "**" {
		// Try consuming zero or more topic segments.
		for skip := 0; skip <= len(topic); skip++ {
			if matchSegments(rest, topic[skip:]) {
				return true
			}
		}
		return false
	}

	if len(topic) == 0 {
		return false
	}
	if !matchSegment(head, topic[0]) {
		return false
	}
	return matchSegments(rest, topic[1:])
}

// matchSegment matches one pattern segment against one topic segment, with
// "*" standing for any run of characters.
func matchSegment(pattern, segment string) bool {
	if pattern == "*" || pattern == segment {
		return true
	}
	if !strings.Contains(pattern, "*") {
		return false
	}
	parts := strings.Split(pattern, "*")
	if !strings.HasPrefix(segment, parts[0]) {
		return false
	}
	segment = segment[len(parts[0]):]
	last := len(parts) - 1
	for _, part := range parts[1:last] {
		idx := strings.Index(segment, part)
		if idx < 0 {
			return false
		}
		segment = segment[idx+len(part):]
	}
	return strings.HasSuffix(segment, parts[last])
}
