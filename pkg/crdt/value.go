package crdt

import (
	"github.com/jinzhu/copier"
)

// Kind discriminates the tagged union a Value holds.
type Kind uint8

const (
	KindNull Kind = iota
	KindBool
	KindInt
	KindText
	KindMap
	KindList
	KindDeleted
)

func (k Kind) String() string {
	switch k {
	case KindNull:
		return "null"
	case KindBool:
		return "bool"
	case KindInt:
		return "int"
	case KindText:
		return "text"
	case KindMap:
		return "map"
	case KindList:
		return "list"
	case KindDeleted:
		return "deleted"
	default:
		return "unknown"
	}
}

// Value is the recursive CRDT value tree: a tagged union of scalar leaves,
// the Deleted tombstone, and the two container kinds (Map, List) whose
// contents are themselves Values.
type Value struct {
	kind Kind
	b    bool
	i    int64
	s    string
	m    *Map
	l    *List
}

// Null returns the Null leaf.
func Null() Value { return Value{kind: KindNull} }

// Deleted returns the tombstone leaf.
func Deleted() Value { return Value{kind: KindDeleted} }

// Bool wraps a boolean leaf.
func Bool(v bool) Value { return Value{kind: KindBool, b: v} }

// Int wraps a signed 64-bit integer leaf.
func Int(v int64) Value { return Value{kind: KindInt, i: v} }

// Text wraps a UTF-8 string leaf.
func Text(v string) Value { return Value{kind: KindText, s: v} }

// FromMap wraps an existing Map as a container Value.
func FromMap(m *Map) Value { return Value{kind: KindMap, m: m} }

// FromList wraps an existing List as a container Value.
func FromList(l *List) Value { return Value{kind: KindList, l: l} }

// NewMapValue returns a Value holding a freshly allocated, empty Map.
func NewMapValue() Value { return FromMap(NewMap()) }

// NewListValue returns a Value holding a freshly allocated, empty List.
func NewListValue() Value { return FromList(NewList()) }

func (v Value) Kind() Kind { return v.kind }

func (v Value) IsDeleted() bool { return v.kind == KindDeleted }
func (v Value) IsNull() bool    { return v.kind == KindNull }
func (v Value) IsMap() bool     { return v.kind == KindMap }
func (v Value) IsList() bool    { return v.kind == KindList }

// AsBool returns the boolean leaf and whether v actually holds one.
func (v Value) AsBool() (bool, bool) { return v.b, v.kind == KindBool }

// AsInt returns the integer leaf and whether v actually holds one.
func (v Value) AsInt() (int64, bool) { return v.i, v.kind == KindInt }

// AsText returns the string leaf and whether v actually holds one.
func (v Value) AsText() (string, bool) { return v.s, v.kind == KindText }

// AsMap returns the underlying Map and whether v actually holds one.
func (v Value) AsMap() (*Map, bool) { return v.m, v.kind == KindMap }

// AsList returns the underlying List and whether v actually holds one.
func (v Value) AsList() (*List, bool) { return v.l, v.kind == KindList }

// Clone deep-copies v so that merging one entry's staged value into another
// never aliases mutable state between the two.
func (v Value) Clone() Value {
	switch v.kind {
	case KindMap:
		return FromMap(v.m.Clone())
	case KindList:
		return FromList(v.l.Clone())
	default:
		var out Value
		// Scalar leaves are flat (bool/int/text + kind tag), so copier's
		// reflection-based field copy is a faithful clone with no need for
		// hand-written field-by-field assignment.
		_ = copier.Copy(&out, &v)
		return out
	}
}

// Merge applies the CRDT merge rule for self against other, per the package
// doc: resurrection, tombstone-wins, recursive merge on matching
// containers, last-writer-wins on matching scalars, replace on mismatch.
// It returns the merged value; self is not mutated.
func Merge(self, other Value) Value {
	if self.kind == KindDeleted {
		return other.Clone()
	}
	if other.kind == KindDeleted {
		return Deleted()
	}
	if self.kind == KindMap && other.kind == KindMap {
		return FromMap(mergeMaps(self.m, other.m))
	}
	if self.kind == KindList && other.kind == KindList {
		return FromList(mergeLists(self.l, other.l))
	}
	// Same-kind scalars: last-writer-wins. Mismatched shapes: other wins too.
	return other.Clone()
}
