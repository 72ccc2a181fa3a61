// Package subtree implements the typed views over a single named subtree's
// CRDT value: DocStore (a document map) and Table (an ordered,
// secondary-indexed collection built on top of one).
package subtree

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/opendag/opendag/pkg/crdt"
)

// Reader is the minimal read/write-through surface a subtree store needs
// from its owning transaction: the staged value for this subtree, and the
// historical value merged up to the transaction's snapshot tips. Both are
// supplied as already-resolved crdt.Values so DocStore/Table never need to
// know about transactions or storage directly.
type Reader interface {
	// Local returns the subtree's staged value, or Null if nothing has
	// been staged yet.
	Local() crdt.Value
	// Full returns Local merged on top of the historical state.
	Full() (crdt.Value, error)
	// Stage replaces the subtree's staged value.
	Stage(v crdt.Value)
}

// DocStore operates on a Map value: get/set/delete plus dot-separated path
// helpers. Reads are read-through: callers observe staged writes merged
// over historical state (§4.3).
type DocStore struct {
	r Reader
}

// NewDocStore wraps r as a document store.
func NewDocStore(r Reader) *DocStore {
	return &DocStore{r: r}
}

func (d *DocStore) fullMap() (*crdt.Map, error) {
	v, err := d.r.Full()
	if err != nil {
		return nil, err
	}
	if v.Kind() == crdt.KindNull {
		return crdt.NewMap(), nil
	}
	m, ok := v.AsMap()
	if !ok {
		return nil, fmt.Errorf("subtree: expected map, got %s", v.Kind())
	}
	return m, nil
}

func (d *DocStore) localMap() *crdt.Map {
	v := d.r.Local()
	if m, ok := v.AsMap(); ok {
		return m
	}
	return crdt.NewMap()
}

// Get returns the merged value at key.
func (d *DocStore) Get(key string) (crdt.Value, bool, error) {
	m, err := d.fullMap()
	if err != nil {
		return crdt.Value{}, false, err
	}
	v, ok := m.Get(key)
	return v, ok, nil
}

// GetAsText is the typed convenience accessor for string-valued keys.
func (d *DocStore) GetAsText(key string) (string, bool, error) {
	v, ok, err := d.Get(key)
	if err != nil || !ok {
		return "", ok, err
	}
	s, ok := v.AsText()
	return s, ok, nil
}

// GetAsInt is the typed convenience accessor for int-valued keys.
func (d *DocStore) GetAsInt(key string) (int64, bool, error) {
	v, ok, err := d.Get(key)
	if err != nil || !ok {
		return 0, ok, err
	}
	i, ok := v.AsInt()
	return i, ok, nil
}

// Set stages key = v on top of whatever else is staged.
func (d *DocStore) Set(key string, v crdt.Value) error {
	m := d.localMap().Clone()
	m.Set(key, v)
	d.r.Stage(crdt.FromMap(m))
	return nil
}

// Delete stages a tombstone at key.
func (d *DocStore) Delete(key string) error {
	m := d.localMap().Clone()
	m.Delete(key)
	d.r.Stage(crdt.FromMap(m))
	return nil
}

func splitPath(path string) []string {
	return strings.Split(path, ".")
}

// GetPath resolves a dot-separated path, parsing a List segment as a
// decimal index and skipping tombstones while counting positions.
func (d *DocStore) GetPath(path string) (crdt.Value, bool, error) {
	m, err := d.fullMap()
	if err != nil {
		return crdt.Value{}, false, err
	}
	return resolvePath(crdt.FromMap(m), splitPath(path))
}

func resolvePath(cur crdt.Value, segments []string) (crdt.Value, bool, error) {
	if len(segments) == 0 {
		return cur, !cur.IsDeleted(), nil
	}
	seg := segments[0]
	switch cur.Kind() {
	case crdt.KindMap:
		m, _ := cur.AsMap()
		next, ok := m.Get(seg)
		if !ok {
			return crdt.Value{}, false, nil
		}
		return resolvePath(next, segments[1:])
	case crdt.KindList:
		idx, err := strconv.Atoi(seg)
		if err != nil {
			return crdt.Value{}, false, fmt.Errorf("subtree: path segment %q is not a list index: %w", seg, err)
		}
		l, _ := cur.AsList()
		items := l.Items()
		if idx < 0 || idx >= len(items) {
			return crdt.Value{}, false, nil
		}
		return resolvePath(items[idx], segments[1:])
	default:
		return crdt.Value{}, false, nil
	}
}

// ContainsPath reports whether path resolves to a present, non-tombstoned value.
func (d *DocStore) ContainsPath(path string) (bool, error) {
	_, ok, err := d.GetPath(path)
	return ok, err
}

// SetPath stores v at path, creating intermediate maps along the way.
// Setting through a non-map intermediate (a scalar, or absent) replaces
// that intermediate with a fresh map — intentional, documented in §4.3.
func (d *DocStore) SetPath(path string, v crdt.Value) error {
	m := d.localMap().Clone()
	setPath(crdt.FromMap(m), splitPath(path), v)
	d.r.Stage(crdt.FromMap(m))
	return nil
}

func setPath(cur crdt.Value, segments []string, v crdt.Value) {
	m, ok := cur.AsMap()
	if !ok {
		return // caller guarantees cur is a map; see GetOrInsertPath for the non-map-intermediate case
	}
	if len(segments) == 1 {
		m.Set(segments[0], v)
		return
	}
	key := segments[0]
	child, ok := m.Get(key)
	if !ok || child.Kind() != crdt.KindMap {
		child = crdt.NewMapValue()
		m.Set(key, child)
	}
	setPath(child, segments[1:], v)
}

// GetOrInsertPath returns the merged value at path if it resolves;
// otherwise it stages a fresh empty Map at every missing intermediate
// (and at the leaf itself) and returns the leaf's empty Map, rather
// than failing — the original implementation's behavior, folded into the
// same "replace with fresh map" rule SetPath documents.
func (d *DocStore) GetOrInsertPath(path string) (crdt.Value, error) {
	if v, ok, err := d.GetPath(path); err != nil {
		return crdt.Value{}, err
	} else if ok {
		return v, nil
	}
	m := d.localMap().Clone()
	root := crdt.FromMap(m)
	v := getOrInsertPath(root, splitPath(path))
	d.r.Stage(root)
	return v, nil
}

func getOrInsertPath(cur crdt.Value, segments []string) crdt.Value {
	m, ok := cur.AsMap()
	if !ok {
		return cur
	}
	key := segments[0]
	child, exists := m.Get(key)
	if len(segments) == 1 {
		if !exists {
			child = crdt.NewMapValue()
			m.Set(key, child)
		}
		return child
	}
	if !exists || child.Kind() != crdt.KindMap {
		child = crdt.NewMapValue()
		m.Set(key, child)
	}
	return getOrInsertPath(child, segments[1:])
}

// ModifyPath applies fn to the existing value at path and stages the
// result; it is an error if path does not already resolve.
func (d *DocStore) ModifyPath(path string, fn func(crdt.Value) crdt.Value) error {
	cur, ok, err := d.GetPath(path)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("subtree: modify_path: %q does not exist", path)
	}
	return d.SetPath(path, fn(cur))
}

// ModifyOrInsertPath applies fn to the value at path (an empty Map if absent) and
// stages the result, creating intermediates as GetOrInsertPath does.
func (d *DocStore) ModifyOrInsertPath(path string, fn func(crdt.Value) crdt.Value) error {
	cur, err := d.GetOrInsertPath(path)
	if err != nil {
		return err
	}
	return d.SetPath(path, fn(cur))
}
