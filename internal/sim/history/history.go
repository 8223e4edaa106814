package history

import (
	"cmp"
	"log"
	"slices"
)

// Entry is one keyed value held by a History.
type Entry[K cmp.Ordered, T any] struct {
	Key   K
	Value T
}

// History is a bounded, key-ordered store of per-tick commands or state
// snapshots. Keys are ticks, command numbers or simulation times.
//
// A History is not safe for concurrent use; it is owned by the tick thread.
type History[K cmp.Ordered, T any] struct {
	maxSize int
	name    string
	log     *log.Logger

	keys          []K
	values        map[K]T
	authoritative map[K]struct{}
}

// New returns an empty History holding at most maxSize entries (0 = unbounded).
func New[K cmp.Ordered, T any](maxSize int) *History[K, T] {
	if maxSize < 0 {
		maxSize = 0
	}
	return &History[K, T]{
		maxSize:       maxSize,
		values:        make(map[K]T),
		authoritative: make(map[K]struct{}),
	}
}

// Named attaches a label and logger used for conflict warnings.
func (h *History[K, T]) Named(name string, logger *log.Logger) *History[K, T] {
	h.name = name
	h.log = logger
	return h
}

func (h *History[K, T]) MaxSize() int { return h.maxSize }
func (h *History[K, T]) Len() int     { return len(h.keys) }

// Keys returns a copy of the stored keys, oldest first.
func (h *History[K, T]) Keys() []K { return slices.Clone(h.keys) }

// Add inserts entry at key. An existing entry is never replaced: the conflict
// is logged and the stored entry returned unchanged. When the capacity is
// exceeded the oldest entries are evicted.
func (h *History[K, T]) Add(key K, entry T) T {
	if existing, ok := h.values[key]; ok {
		h.warnf("%s: duplicate key %v ignored", h.label(), key)
		return existing
	}
	idx, _ := slices.BinarySearch(h.keys, key)
	if idx < len(h.keys) {
		h.warnf("%s: out-of-order key %v (newest %v)", h.label(), key, h.keys[len(h.keys)-1])
	}
	h.keys = slices.Insert(h.keys, idx, key)
	h.values[key] = entry
	for h.maxSize > 0 && len(h.keys) > h.maxSize {
		h.Remove(h.keys[0])
	}
	return entry
}

// AddAuthoritative inserts like Add and flags the key as server confirmed.
func (h *History[K, T]) AddAuthoritative(key K, entry T) T {
	if _, dup := h.values[key]; dup {
		return h.Add(key, entry)
	}
	got := h.Add(key, entry)
	if _, kept := h.values[key]; kept {
		h.authoritative[key] = struct{}{}
	}
	return got
}

// Set replaces whatever is stored at key.
func (h *History[K, T]) Set(key K, entry T) {
	h.Remove(key)
	h.Add(key, entry)
}

// Overwrite replaces the entry at key only if one exists. The authoritative
// flag of the key is left as is.
func (h *History[K, T]) Overwrite(key K, entry T) bool {
	if _, ok := h.values[key]; !ok {
		return false
	}
	h.values[key] = entry
	return true
}

// SetAuthoritative flags or unflags an existing key.
func (h *History[K, T]) SetAuthoritative(key K, authoritative bool) {
	if _, ok := h.values[key]; !ok {
		return
	}
	if authoritative {
		h.authoritative[key] = struct{}{}
		return
	}
	delete(h.authoritative, key)
}

func (h *History[K, T]) IsAuthoritative(key K) bool {
	_, ok := h.authoritative[key]
	return ok
}

// Exact returns the entry stored at exactly key.
func (h *History[K, T]) Exact(key K) (T, bool) {
	v, ok := h.values[key]
	return v, ok
}

// Get returns the entry at key, or the nearest earlier entry. Keys before the
// oldest entry resolve to the oldest, keys after the newest to the newest.
// An empty history yields the zero value and false.
func (h *History[K, T]) Get(key K) (T, bool) {
	e, ok := h.Nearest(key)
	return e.Value, ok
}

// Nearest is Get returning the resolved key alongside the value.
func (h *History[K, T]) Nearest(key K) (Entry[K, T], bool) {
	if len(h.keys) == 0 {
		return Entry[K, T]{}, false
	}
	idx, found := slices.BinarySearch(h.keys, key)
	switch {
	case found:
	case idx == 0:
	default:
		idx--
	}
	k := h.keys[idx]
	return Entry[K, T]{Key: k, Value: h.values[k]}, true
}

// GetAround returns the entries bracketing key for interpolation. It fails
// with fewer than two entries or when key is older than the oldest entry.
// Keys at or past the newest entry return the newest entry twice.
func (h *History[K, T]) GetAround(key K) (before, after Entry[K, T], ok bool) {
	if len(h.keys) < 2 || key < h.keys[0] {
		return before, after, false
	}
	last := h.keys[len(h.keys)-1]
	if key >= last {
		e := Entry[K, T]{Key: last, Value: h.values[last]}
		return e, e, true
	}
	idx, _ := slices.BinarySearch(h.keys, key)
	// keys[idx] is the first key >= key; an exact hit brackets forward.
	if h.keys[idx] == key {
		idx++
	}
	lo, hi := h.keys[idx-1], h.keys[idx]
	return Entry[K, T]{Key: lo, Value: h.values[lo]}, Entry[K, T]{Key: hi, Value: h.values[hi]}, true
}

// GetAllAfter returns entries with keys strictly after key, oldest first.
func (h *History[K, T]) GetAllAfter(key K) []Entry[K, T] {
	idx, found := slices.BinarySearch(h.keys, key)
	if found {
		idx++
	}
	out := make([]Entry[K, T], 0, len(h.keys)-idx)
	for _, k := range h.keys[idx:] {
		out = append(out, Entry[K, T]{Key: k, Value: h.values[k]})
	}
	return out
}

// All returns every entry, oldest first.
func (h *History[K, T]) All() []Entry[K, T] {
	out := make([]Entry[K, T], 0, len(h.keys))
	for _, k := range h.keys {
		out = append(out, Entry[K, T]{Key: k, Value: h.values[k]})
	}
	return out
}

func (h *History[K, T]) Oldest() (Entry[K, T], bool) {
	if len(h.keys) == 0 {
		return Entry[K, T]{}, false
	}
	k := h.keys[0]
	return Entry[K, T]{Key: k, Value: h.values[k]}, true
}

func (h *History[K, T]) Newest() (Entry[K, T], bool) {
	if len(h.keys) == 0 {
		return Entry[K, T]{}, false
	}
	k := h.keys[len(h.keys)-1]
	return Entry[K, T]{Key: k, Value: h.values[k]}, true
}

// Find returns the oldest entry matching pred.
func (h *History[K, T]) Find(pred func(K, T) bool) (Entry[K, T], bool) {
	for _, k := range h.keys {
		if v := h.values[k]; pred(k, v) {
			return Entry[K, T]{Key: k, Value: v}, true
		}
	}
	return Entry[K, T]{}, false
}

// ClearAllBefore drops every entry with a key strictly before key.
func (h *History[K, T]) ClearAllBefore(key K) {
	idx, _ := slices.BinarySearch(h.keys, key)
	for _, k := range h.keys[:idx] {
		delete(h.values, k)
		delete(h.authoritative, k)
	}
	h.keys = slices.Delete(h.keys, 0, idx)
}

func (h *History[K, T]) Remove(key K) bool {
	idx, found := slices.BinarySearch(h.keys, key)
	if !found {
		return false
	}
	h.keys = slices.Delete(h.keys, idx, idx+1)
	delete(h.values, key)
	delete(h.authoritative, key)
	return true
}

func (h *History[K, T]) Clear() {
	h.keys = h.keys[:0]
	clear(h.values)
	clear(h.authoritative)
}

func (h *History[K, T]) label() string {
	if h.name == "" {
		return "history"
	}
	return h.name
}

func (h *History[K, T]) warnf(format string, args ...any) {
	l := h.log
	if l == nil {
		l = log.Default()
	}
	l.Printf("warn: "+format, args...)
}
