package allowlist

import "strings"

// Matches reports whether normalized notice content satisfies one rule.
// Exact rules compare by case-sensitive equality. Wildcard rules treat '*'
// as a run of zero or more characters, anchored at both ends of the
// content; every other character is literal. An empty rule value never
// matches anything.
func Matches(content string, rule Rule) bool {
	if rule.Value == "" {
		return false
	}
	switch rule.PatternType {
	case PatternTypeExact:
		return content == rule.Value
	case PatternTypeWildcard:
		return wildcardMatch(content, rule.Value)
	default:
		return false
	}
}

// MatchesAny reports whether content matches at least one rule. Matching
// is a pure predicate over the whole set; order carries no meaning.
func MatchesAny(content string, rules []Rule) bool {
	for _, rule := range rules {
		if Matches(content, rule) {
			return true
		}
	}
	return false
}

// wildcardMatch anchors the pattern to the full content and honors every
// '*' as an independent zero-or-more wildcard. Middle segments bind
// leftmost-first, which always leaves the longest possible tail for the
// anchored suffix.
func wildcardMatch(content, pattern string) bool {
	segments := strings.Split(pattern, "*")
	if len(segments) == 1 {
		return content == pattern
	}

	if !strings.HasPrefix(content, segments[0]) {
		return false
	}
	remaining := content[len(segments[0]):]

	suffix := segments[len(segments)-1]
	for _, segment := range segments[1 : len(segments)-1] {
		if segment == "" {
			continue
		}
		index := strings.Index(remaining, segment)
		if index < 0 {
			return false
		}
		remaining = remaining[index+len(segment):]
	}

	return strings.HasSuffix(remaining, suffix)
}
