// Package varstore implements the Plan VM's variable store: a key→value
// map with per-key reference counts, bulk save/load, and ${name}/${name.sub}
// textual interpolation.
package varstore

import (
	"fmt"
	"regexp"
	"strings"
	"sync"
)

// refPattern matches ${name} and ${name.subkey} references. Names are
// restricted to identifier characters; the optional subkey is a single
// dotted segment.
var refPattern = regexp.MustCompile(`\$\{([a-zA-Z_][a-zA-Z0-9_]*)(\.[a-zA-Z_][a-zA-Z0-9_]*)?\}`)

// Store is a synchronized variable store. The zero value is not usable;
// construct with New.
type Store struct {
	mu     sync.Mutex
	values map[string]any
	refs   map[string]int
}

// New constructs an empty Store.
func New() *Store {
	return &Store{values: make(map[string]any), refs: make(map[string]int)}
}

// Set stores value under name with the given initial reference count,
// replacing any prior value and count.
func (s *Store) Set(name string, value any, refs int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.values[name] = value
	s.refs[name] = refs
}

// Get returns the value stored under name, or (nil, false) if absent.
func (s *Store) Get(name string) (any, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.values[name]
	return v, ok
}

// SetReferenceCount overrides the reference count for name.
func (s *Store) SetReferenceCount(name string, n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.refs[name] = n
}

// DecreaseRefCount subtracts one from name's reference count. It never
// deletes the value; GarbageCollect does that.
func (s *Store) DecreaseRefCount(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.refs[name]; ok {
		s.refs[name]--
	}
}

// GarbageCollect deletes every name whose reference count is at most zero.
func (s *Store) GarbageCollect() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for name, n := range s.refs {
		if n <= 0 {
			delete(s.refs, name)
			delete(s.values, name)
		}
	}
}

// GetAll returns a snapshot copy of the values and reference counts,
// suitable for saving into a VM state.
func (s *Store) GetAll() (values map[string]any, refs map[string]int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	values = make(map[string]any, len(s.values))
	refs = make(map[string]int, len(s.refs))
	for k, v := range s.values {
		values[k] = v
	}
	for k, v := range s.refs {
		refs[k] = v
	}
	return values, refs
}

// SetAll replaces the entire store contents.
func (s *Store) SetAll(values map[string]any, refs map[string]int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.values = make(map[string]any, len(values))
	s.refs = make(map[string]int, len(refs))
	for k, v := range values {
		s.values[k] = v
	}
	for k, v := range refs {
		s.refs[k] = v
	}
}

// Interpolate substitutes every ${name} or ${name.sub} reference in text
// with the stringified variable value, in a single pass. A reference to an
// unknown name is left untouched.
func (s *Store) Interpolate(text string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return refPattern.ReplaceAllStringFunc(text, func(match string) string {
		sub := refPattern.FindStringSubmatch(match)
		name, subkey := sub[1], strings.TrimPrefix(sub[2], ".")
		v, ok := s.values[name]
		if !ok {
			return match
		}
		if subkey != "" {
			if m, ok := v.(map[string]any); ok {
				if sv, ok := m[subkey]; ok {
					return stringify(sv)
				}
			}
			return stringify(v)
		}
		return stringify(v)
	})
}

// FindRefs returns the set of top-level names referenced by ${name} or
// ${name.sub} patterns in text.
func (s *Store) FindRefs(text string) map[string]struct{} {
	out := make(map[string]struct{})
	for _, m := range refPattern.FindAllStringSubmatch(text, -1) {
		out[m[1]] = struct{}{}
	}
	return out
}

func stringify(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case fmt.Stringer:
		return t.String()
	default:
		return fmt.Sprintf("%v", t)
	}
}
