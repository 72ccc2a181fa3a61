package subtree

import (
	"fmt"

	"github.com/elliotchance/orderedmap/v2"
	"github.com/google/uuid"

	"github.com/opendag/opendag/pkg/crdt"
)

// Table is an ordered, secondary-indexed collection layered on a DocStore:
// each row is a Map value keyed by a synthetic, randomly generated row ID.
// Row IDs sort deterministically (plain string order), which is what gives
// every replica the same "stable order" for Search regardless of which
// order rows were inserted locally.
type Table struct {
	doc *DocStore
}

// NewTable wraps r as a table store.
func NewTable(r Reader) *Table {
	return &Table{doc: NewDocStore(r)}
}

// Insert stores row under a fresh synthetic ID and returns that ID.
func (t *Table) Insert(row crdt.Value) (string, error) {
	rowID := uuid.New().String()
	if err := t.doc.SetPath(rowID, row); err != nil {
		return "", fmt.Errorf("subtree: table insert: %w", err)
	}
	return rowID, nil
}

// Get returns the row stored under rowID.
func (t *Table) Get(rowID string) (crdt.Value, bool, error) {
	return t.doc.GetPath(rowID)
}

// Delete tombstones the row at rowID.
func (t *Table) Delete(rowID string) error {
	return t.doc.Delete(rowID)
}

// rows returns every live row as an ordered map from row ID to value, in
// ascending row-ID order, via the full merged state.
func (t *Table) rows() (*orderedmap.OrderedMap[string, crdt.Value], error) {
	m, err := t.doc.fullMap()
	if err != nil {
		return nil, err
	}
	out := orderedmap.NewOrderedMap[string, crdt.Value]()
	keys := m.Keys()
	// m.Keys() is already sorted ascending (crdt.Map.Keys' contract), so
	// insertion order here is the same deterministic row-ID order every
	// replica computes.
	for _, k := range keys {
		v, _ := m.Get(k)
		out.Set(k, v)
	}
	return out, nil
}

// Search returns every live row matching pred, in stable row-ID order.
func (t *Table) Search(pred func(rowID string, v crdt.Value) bool) ([]string, []crdt.Value, error) {
	rows, err := t.rows()
	if err != nil {
		return nil, nil, err
	}
	var ids []string
	var values []crdt.Value
	for el := rows.Front(); el != nil; el = el.Next() {
		if pred(el.Key, el.Value) {
			ids = append(ids, el.Key)
			values = append(values, el.Value)
		}
	}
	return ids, values, nil
}
