package crdt

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMapSetGetDelete(t *testing.T) {
	m := NewMap()
	m.Set("name", Text("Alice"))
	v, ok := m.Get("name")
	require.True(t, ok)
	s, _ := v.AsText()
	assert.Equal(t, "Alice", s)

	m.Delete("name")
	_, ok = m.Get("name")
	assert.False(t, ok)
	assert.True(t, m.IsTombstone("name"))
	assert.Equal(t, 0, m.Len())
}

func TestMergeResurrection(t *testing.T) {
	// P6: merge(Deleted, v) == v for non-Deleted v.
	other := Text("v2")
	got := Merge(Deleted(), other)
	s, ok := got.AsText()
	require.True(t, ok)
	assert.Equal(t, "v2", s)
}

func TestMergeDeletionWins(t *testing.T) {
	got := Merge(Text("v1"), Deleted())
	assert.True(t, got.IsDeleted())
}

func TestMergeMapUnionAndLWW(t *testing.T) {
	a := NewMap()
	a.Set("name", Text("Alice"))
	a.Set("age", Int(30))

	b := NewMap()
	b.Set("name", Text("Bob"))
	b.Set("city", Text("NYC"))

	merged := mergeMaps(a, b)
	name, _ := merged.Get("name")
	s, _ := name.AsText()
	assert.Equal(t, "Bob", s, "LWW: b (other) wins on scalar collision")

	age, ok := merged.Get("age")
	require.True(t, ok)
	i, _ := age.AsInt()
	assert.Equal(t, int64(30), i)

	city, ok := merged.Get("city")
	require.True(t, ok)
	s, _ = city.AsText()
	assert.Equal(t, "NYC", s)
}

func TestMergeAssociativityAndIdempotency(t *testing.T) {
	// P4: folding merge over the same set twice yields the same value.
	a := NewMap()
	a.Set("k", Text("v1"))
	b := NewMap()
	b.Set("k", Text("v2"))

	once := mergeMaps(a, b)
	twice := mergeMaps(mergeMaps(a, b), b)

	v1, _ := once.Get("k")
	v2, _ := twice.Get("k")
	s1, _ := v1.AsText()
	s2, _ := v2.AsText()
	assert.Equal(t, s1, s2)
}

func TestListPushAndInsertBetween(t *testing.T) {
	l := NewList()
	p1 := l.Push(Text("A"))
	p2 := l.Push(Text("C"))

	mid := Between(p1, p2)
	l.Insert(mid, Text("B"))

	items := l.Items()
	require.Len(t, items, 3)
	texts := make([]string, 3)
	for i, v := range items {
		texts[i], _ = v.AsText()
	}
	assert.Equal(t, []string{"A", "B", "C"}, texts)
}

func TestPositionDensity(t *testing.T) {
	// P7: for a < b, between(a,b) yields p with a < p < b.
	a := Position{Numerator: 0, Denominator: 1}
	b := Position{Numerator: 1, Denominator: 1}
	p := Between(a, b)
	assert.True(t, a.Less(p))
	assert.True(t, p.Less(b))
}

func TestProtoRoundTripPreservesTombstones(t *testing.T) {
	m := NewMap()
	m.Set("k", Text("v"))
	m.Delete("gone")
	val := FromMap(m)

	pv, err := ToProto(val)
	require.NoError(t, err)

	back, err := FromProto(pv)
	require.NoError(t, err)

	bm, ok := back.AsMap()
	require.True(t, ok)
	assert.True(t, bm.IsTombstone("gone"), "persisted encoding must preserve tombstones")
	assert.Equal(t, 1, bm.Len())
}

func TestJSONExportHidesTombstones(t *testing.T) {
	m := NewMap()
	m.Set("k", Text("v"))
	m.Delete("gone")
	val := FromMap(m)

	out, ok := ToJSON(val).(map[string]interface{})
	require.True(t, ok)
	_, present := out["gone"]
	assert.False(t, present, "JSON export must omit tombstoned keys")
	assert.Equal(t, "v", out["k"])
}
