package entry

import (
	"crypto/ed25519"
	"testing"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opendag/opendag/pkg/id"
)

func TestSignThenVerify(t *testing.T) {
	pub, priv, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)

	e := New("", mapset.NewSet[id.ID](), map[string]Subtree{
		"doc": {SubtreeParents: mapset.NewSet[id.ID](), Payload: []byte("payload")},
	})
	e.Sign("device", priv)

	assert.True(t, e.IsRoot())
	assert.NoError(t, e.Verify(pub))
}

func TestVerifyFailsOnTamper(t *testing.T) {
	pub, priv, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)

	e := New("", mapset.NewSet[id.ID](), map[string]Subtree{
		"doc": {SubtreeParents: mapset.NewSet[id.ID](), Payload: []byte("payload")},
	})
	e.Sign("device", priv)

	e.Subtrees["doc"] = Subtree{SubtreeParents: mapset.NewSet[id.ID](), Payload: []byte("tampered")}
	assert.Error(t, e.Verify(pub))
}

func TestCanonicalEncodingDeterministic(t *testing.T) {
	parents := mapset.NewSet[id.ID]("b", "a", "c")
	e1 := New("root", parents, map[string]Subtree{
		"z": {SubtreeParents: mapset.NewSet[id.ID]("p2", "p1"), Payload: []byte("z-payload")},
		"a": {SubtreeParents: mapset.NewSet[id.ID](), Payload: []byte("a-payload")},
	})
	e2 := New("root", mapset.NewSet[id.ID]("c", "b", "a"), map[string]Subtree{
		"a": {SubtreeParents: mapset.NewSet[id.ID](), Payload: []byte("a-payload")},
		"z": {SubtreeParents: mapset.NewSet[id.ID]("p1", "p2"), Payload: []byte("z-payload")},
	})

	assert.Equal(t, e1.CanonicalEncoding(), e2.CanonicalEncoding(),
		"encoding must be independent of set iteration order")
}
