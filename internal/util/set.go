// Package util holds small generic helpers shared across qik's components:
// set algebra, a counting semaphore, and runnable slug parsing.
package util

// StringSet is a set of strings with membership tests and set algebra.
// The selector (golang-set) and the scheduler (plain maps) do not use it.
type StringSet map[string]struct{}

// NewStringSet builds a StringSet from a slice, de-duplicating as it goes.
func NewStringSet(items []string) StringSet {
	s := make(StringSet, len(items))
	for _, item := range items {
		s.Add(item)
	}
	return s
}

// Add inserts v into the set.
func (s StringSet) Add(v string) {
	s[v] = struct{}{}
}

// Delete removes v from the set.
func (s StringSet) Delete(v string) {
	delete(s, v)
}

// Includes reports whether v is a member of the set.
func (s StringSet) Includes(v string) bool {
	_, ok := s[v]
	return ok
}

// Len returns the number of members.
func (s StringSet) Len() int {
	return len(s)
}

// List returns the set's members as a slice, in no particular order.
func (s StringSet) List() []string {
	out := make([]string, 0, len(s))
	for v := range s {
		out = append(out, v)
	}
	return out
}

// Intersection returns the set of members present in both s and other.
func (s StringSet) Intersection(other StringSet) StringSet {
	result := make(StringSet)
	small, big := s, other
	if len(other) < len(s) {
		small, big = other, s
	}
	for v := range small {
		if big.Includes(v) {
			result.Add(v)
		}
	}
	return result
}

// Union returns the set of members present in either s or other.
func (s StringSet) Union(other StringSet) StringSet {
	result := make(StringSet, len(s)+len(other))
	for v := range s {
		result.Add(v)
	}
	for v := range other {
		result.Add(v)
	}
	return result
}

// Difference returns the members of s that are not in other.
func (s StringSet) Difference(other StringSet) StringSet {
	result := make(StringSet)
	for v := range s {
		if other == nil || !other.Includes(v) {
			result.Add(v)
		}
	}
	return result
}
