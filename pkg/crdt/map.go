package crdt

import "sort"

// Map is a string-keyed CRDT container. A key can hold the Deleted
// tombstone; public iteration and Len hide tombstones, but they remain
// present internally so a later merge can still see "this key was deleted
// at this point in history" (P5, P6).
type Map struct {
	entries map[string]Value
}

// NewMap returns an empty Map.
func NewMap() *Map {
	return &Map{entries: make(map[string]Value)}
}

// Get returns the value at key and whether it is present and not a
// tombstone. A tombstoned or missing key both report ok=false, matching P5.
func (m *Map) Get(key string) (Value, bool) {
	v, exists := m.entries[key]
	if !exists || v.IsDeleted() {
		return Value{}, false
	}
	return v, true
}

// Set stores v at key, overwriting any previous value or tombstone.
func (m *Map) Set(key string, v Value) {
	m.entries[key] = v
}

// Delete writes a tombstone at key (P5). A delete of a missing key still
// records the tombstone, since a later merge may need to out-rank a
// concurrent resurrection with an even later write.
func (m *Map) Delete(key string) {
	m.entries[key] = Deleted()
}

// IsTombstone reports whether key is present and explicitly Deleted.
func (m *Map) IsTombstone(key string) bool {
	v, exists := m.entries[key]
	return exists && v.IsDeleted()
}

// Keys returns the non-tombstoned keys, sorted for deterministic iteration.
func (m *Map) Keys() []string {
	keys := make([]string, 0, len(m.entries))
	for k, v := range m.entries {
		if !v.IsDeleted() {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys
}

// KeysWithTombstones returns every key, including tombstoned ones, for
// advanced callers that need to see deletion history (§4.2).
func (m *Map) KeysWithTombstones() []string {
	keys := make([]string, 0, len(m.entries))
	for k := range m.entries {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Len counts only non-tombstoned entries.
func (m *Map) Len() int {
	n := 0
	for _, v := range m.entries {
		if !v.IsDeleted() {
			n++
		}
	}
	return n
}

// Clone deep-copies the map and every value it holds.
func (m *Map) Clone() *Map {
	out := NewMap()
	for k, v := range m.entries {
		out.entries[k] = v.Clone()
	}
	return out
}

// rawGet returns the entry as stored, tombstone included, for merge's
// internal use.
func (m *Map) rawGet(key string) (Value, bool) {
	v, ok := m.entries[key]
	return v, ok
}

// mergeMaps implements the Map+Map rule: union of keys, recurse on
// collision, clone in keys unique to other.
func mergeMaps(self, other *Map) *Map {
	out := self.Clone()
	for _, key := range other.KeysWithTombstones() {
		ov, _ := other.rawGet(key)
		if sv, exists := out.rawGet(key); exists {
			out.entries[key] = Merge(sv, ov)
		} else {
			out.entries[key] = ov.Clone()
		}
	}
	return out
}
