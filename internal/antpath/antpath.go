// Package antpath implements ant-style glob matching for request paths and
// host names: '?' matches one character, '*' matches within one segment,
// '**' matches across segments.
package antpath

import (
	"strings"
)

const separator = "/"

// Match reports whether path matches the ant-style pattern.
func Match(pattern, path string) bool {
	if pattern == path {
		return true
	}
	if pattern == "" {
		return path == ""
	}

	// A pattern anchored at the separator only matches anchored paths and
	// vice versa.
	if strings.HasPrefix(pattern, separator) != strings.HasPrefix(path, separator) {
		return false
	}

	patParts := splitSegments(pattern)
	pathParts := splitSegments(path)
	return matchSegments(patParts, pathParts)
}

func splitSegments(s string) []string {
	s = strings.Trim(s, separator)
	if s == "" {
		return nil
	}
	return strings.Split(s, separator)
}

// matchSegments matches pattern segments against path segments with '**'
// spanning zero or more segments.
func matchSegments(pat, path []string) bool {
	for len(pat) > 0 {
		if pat[0] == "**" {
			// Collapse runs of '**'.
			for len(pat) > 0 && pat[0] == "**" {
				pat = pat[1:]
			}
			if len(pat) == 0 {
				return true
			}
			// Try to bind the remaining pattern at every suffix.
			for i := 0; i <= len(path); i++ {
				if matchSegments(pat, path[i:]) {
					return true
				}
			}
			return false
		}
		if len(path) == 0 {
			return false
		}
		if !matchSegment(pat[0], path[0]) {
			return false
		}
		pat = pat[1:]
		path = path[1:]
	}
	return len(path) == 0
}

// matchSegment matches a single segment with '*' and '?' wildcards.
func matchSegment(pat, seg string) bool {
	// Iterative glob with backtracking on the last '*'.
	var pi, si int
	starPat, starSeg := -1, 0
	for si < len(seg) {
		switch {
		case pi < len(pat) && (pat[pi] == '?' || pat[pi] == seg[si]):
			pi++
			si++
		case pi < len(pat) && pat[pi] == '*':
			starPat = pi
			starSeg = si
			pi++
		case starPat >= 0:
			pi = starPat + 1
			starSeg++
			si = starSeg
		default:
			return false
		}
	}
	for pi < len(pat) && pat[pi] == '*' {
		pi++
	}
	return pi == len(pat)
}
