/*************************************************************************
 * routerd - per-process split-tunnel route manager
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

// Package selection implements the Selection Set (C4): a user-controlled
// set of process-name patterns, matched case-insensitively, with '*'/'?'
// glob patterns matched by the classical two-pointer backtracking
// algorithm (grounded on original_source/src/service/ProcessManager.cpp's
// MatchesWildcard) and all other patterns matched as exact basename
// equality.
package selection

import (
	"strings"
	"sync"
)

// Set holds the currently selected process-name patterns.
type Set struct {
	mtx      sync.Mutex
	patterns []string // lower-cased
}

func New(patterns ...string) *Set {
	s := &Set{}
	s.Replace(patterns)
	return s
}

// Replace swaps in a brand new pattern list, discarding the old one.
func (s *Set) Replace(patterns []string) {
	lowered := make([]string, 0, len(patterns))
	for _, p := range patterns {
		if p = strings.TrimSpace(p); p != "" {
			lowered = append(lowered, strings.ToLower(p))
		}
	}
	s.mtx.Lock()
	s.patterns = lowered
	s.mtx.Unlock()
}

// Patterns returns a copy of the current pattern list (original case lost;
// callers that need the user-facing form should retain it themselves).
func (s *Set) Patterns() []string {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	out := make([]string, len(s.patterns))
	copy(out, s.patterns)
	return out
}

// Matches reports whether processName (an executable basename) matches any
// pattern currently in the set.
func (s *Set) Matches(processName string) bool {
	name := strings.ToLower(processName)
	s.mtx.Lock()
	patterns := s.patterns
	s.mtx.Unlock()
	for _, p := range patterns {
		if strings.ContainsAny(p, "*?") {
			if globMatch(name, p) {
				return true
			}
		} else if name == p {
			return true
		}
	}
	return false
}

// globMatch is the classical two-pointer glob algorithm with '*'-anchor
// rewind: '*' matches any run (including empty), '?' matches exactly one
// character. Both inputs must already be lower-cased. Returns true iff
// pattern fully consumes name.
func globMatch(name, pattern string) bool {
	var nameIdx, patIdx int
	starIdx := -1
	matchIdx := 0

	for nameIdx < len(name) {
		switch {
		case patIdx < len(pattern) && (pattern[patIdx] == name[nameIdx] || pattern[patIdx] == '?'):
			patIdx++
			nameIdx++
		case patIdx < len(pattern) && pattern[patIdx] == '*':
			starIdx = patIdx
			patIdx++
			matchIdx = nameIdx
		case starIdx != -1:
			patIdx = starIdx + 1
			matchIdx++
			nameIdx = matchIdx
		default:
			return false
		}
	}

	for patIdx < len(pattern) && pattern[patIdx] == '*' {
		patIdx++
	}

	return patIdx == len(pattern)
}
