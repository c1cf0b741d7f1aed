package pubsub

import "strings"

// Family returns the first topic segment.
func Family(topic string) string {
	family, _, _ := strings.Cut(topic, ".")
	return family
}

// ValidTopic reports whether topic is a concrete, wildcard-free name.
func ValidTopic(topic string) bool {
	if topic == "" {
		return false
	}
	for seg := range strings.SplitSeq(topic, ".") {
		if seg == "" || seg == "*" || seg == "#" {
			return false
		}
	}
	return true
}

// ValidPattern requires a literal family segment followed by any mix of
// literal and wildcard segments.
func ValidPattern(pattern string) bool {
	if pattern == "" {
		return false
	}
	segs := strings.Split(pattern, ".")
	if segs[0] == "*" || segs[0] == "#" {
		return false
	}
	for _, seg := range segs {
		if seg == "" {
			return false
		}
	}
	return true
}

// Match reports whether topic satisfies pattern.
func Match(pattern, topic string) bool {
	return matchSegments(strings.Split(pattern, "."), strings.Split(topic, "."))
}

func matchSegments(pattern, topic []string) bool {
	for len(pattern) > 0 {
		switch pattern[0] {
		case "#":
			rest := pattern[1:]
			if len(rest) == 0 {
				return true
			}
			for i := 0; i <= len(topic); i++ {
				if matchSegments(rest, topic[i:]) {
					return true
				}
			}
			return false
		case "*":
			if len(topic) == 0 {
				return false
			}
		default:
			if len(topic) == 0 || pattern[0] != topic[0] {
				return false
			}
		}
		pattern, topic = pattern[1:], topic[1:]
	}
	return len(topic) == 0
}
