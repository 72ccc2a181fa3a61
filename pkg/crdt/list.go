package crdt

import (
	"github.com/google/btree"
)

// listItem is the btree element: a Position-keyed slot holding a Value
// (possibly the Deleted tombstone).
type listItem struct {
	pos Position
	val Value
}

func (a listItem) Less(than btree.Item) bool {
	return a.pos.Less(than.(listItem).pos)
}

// List is a Position-ordered CRDT container, tombstone-capable the same way
// Map is. Backing it with a btree keeps reads in sorted order without a
// full re-sort on every access, which matters once a list accumulates many
// concurrent inserts.
type List struct {
	tree *btree.BTree
	last Position // most recently appended position, for Push
}

// NewList returns an empty List.
func NewList() *List {
	return &List{tree: btree.New(32), last: Beginning}
}

// Push appends v after every existing item.
func (l *List) Push(v Value) Position {
	pos := NewPosition(l.last)
	l.Insert(pos, v)
	return pos
}

// Insert places v at pos, overwriting whatever (if anything) was already
// there.
func (l *List) Insert(pos Position, v Value) {
	l.tree.ReplaceOrInsert(listItem{pos: pos, val: v})
	if l.last.Less(pos) {
		l.last = pos
	}
}

// Delete writes a tombstone at pos.
func (l *List) Delete(pos Position) {
	l.Insert(pos, Deleted())
}

// Get returns the value at pos, hiding tombstones.
func (l *List) Get(pos Position) (Value, bool) {
	item := l.tree.Get(listItem{pos: pos})
	if item == nil {
		return Value{}, false
	}
	v := item.(listItem).val
	if v.IsDeleted() {
		return Value{}, false
	}
	return v, true
}

// Items returns the non-tombstoned values in Position order.
func (l *List) Items() []Value {
	out := make([]Value, 0, l.tree.Len())
	l.tree.Ascend(func(item btree.Item) bool {
		li := item.(listItem)
		if !li.val.IsDeleted() {
			out = append(out, li.val)
		}
		return true
	})
	return out
}

// ItemsWithTombstones returns every (Position, Value) pair in order,
// tombstones included, for advanced callers (§4.2).
func (l *List) ItemsWithTombstones() []struct {
	Pos Position
	Val Value
} {
	out := make([]struct {
		Pos Position
		Val Value
	}, 0, l.tree.Len())
	l.tree.Ascend(func(item btree.Item) bool {
		li := item.(listItem)
		out = append(out, struct {
			Pos Position
			Val Value
		}{Pos: li.pos, Val: li.val})
		return true
	})
	return out
}

// Len counts only non-tombstoned items.
func (l *List) Len() int {
	n := 0
	l.tree.Ascend(func(item btree.Item) bool {
		if !item.(listItem).val.IsDeleted() {
			n++
		}
		return true
	})
	return n
}

// Clone deep-copies the list and every value it holds.
func (l *List) Clone() *List {
	out := NewList()
	out.last = l.last
	l.tree.Ascend(func(item btree.Item) bool {
		li := item.(listItem)
		out.tree.ReplaceOrInsert(listItem{pos: li.pos, val: li.val.Clone()})
		return true
	})
	return out
}

// mergeLists implements the List+List rule: union of positions, recurse on
// collision, insert positions unique to other.
func mergeLists(self, other *List) *List {
	out := self.Clone()
	other.tree.Ascend(func(item btree.Item) bool {
		oi := item.(listItem)
		if existing := out.tree.Get(listItem{pos: oi.pos}); existing != nil {
			ei := existing.(listItem)
			out.tree.ReplaceOrInsert(listItem{pos: oi.pos, val: Merge(ei.val, oi.val)})
		} else {
			out.tree.ReplaceOrInsert(listItem{pos: oi.pos, val: oi.val.Clone()})
		}
		if out.last.Less(oi.pos) {
			out.last = oi.pos
		}
		return true
	})
	return out
}
