package txn

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opendag/opendag/pkg/crdt"
	"github.com/opendag/opendag/pkg/entry"
	"github.com/opendag/opendag/pkg/id"
	"github.com/opendag/opendag/pkg/signer"
	"github.com/opendag/opendag/pkg/storage"
	"github.com/opendag/opendag/pkg/subtree"
)

// fakeCommitter routes commits straight to the backend, the same role
// pkg/instance.PutEntry plays in production but without callback dispatch.
type fakeCommitter struct {
	backend storage.Backend
}

func (c *fakeCommitter) PutEntry(ctx context.Context, root id.ID, v entry.Verification, e *entry.Entry, source entry.WriteSource) error {
	return c.backend.Put(ctx, v, e)
}

func newHarness(t *testing.T) (storage.Backend, *fakeCommitter, *signer.Signer) {
	t.Helper()
	backend := storage.NewMemoryBackend(storage.Config{})
	committer := &fakeCommitter{backend: backend}
	s, err := signer.Generate("device")
	require.NoError(t, err)
	return backend, committer, s
}

// TestScenarioS1SingleWriter reproduces S1: a single writer's key set is
// visible through a later transaction, and the database ends up with one
// tip.
func TestScenarioS1SingleWriter(t *testing.T) {
	ctx := context.Background()
	backend, committer, s := newHarness(t)

	tx1, err := Open(ctx, backend, committer, "", s)
	require.NoError(t, err)
	doc := subtree.NewDocStore(tx1.Subtree(ctx, "doc"))
	require.NoError(t, doc.Set("name", crdt.Text("Alice")))
	e1, err := tx1.Commit(ctx)
	require.NoError(t, err)

	root := e1.Root
	if root == "" {
		root = e1.ID()
	}

	tx2, err := Open(ctx, backend, committer, root, s)
	require.NoError(t, err)
	doc2 := subtree.NewDocStore(tx2.Subtree(ctx, "doc"))
	name, ok, err := doc2.GetAsText("name")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "Alice", name)

	tips, err := backend.GetTips(ctx, root)
	require.NoError(t, err)
	assert.Equal(t, 1, tips.Cardinality())
}

// TestScenarioS2ConcurrentWritesConverge reproduces S2: two concurrent
// writers' changes both become visible to a later reader, and a commit
// from their joint tips produces a single tip again.
func TestScenarioS2ConcurrentWritesConverge(t *testing.T) {
	ctx := context.Background()
	backend, committer, s := newHarness(t)

	tx1, err := Open(ctx, backend, committer, "", s)
	require.NoError(t, err)
	doc1 := subtree.NewDocStore(tx1.Subtree(ctx, "doc"))
	require.NoError(t, doc1.Set("name", crdt.Text("Alice")))
	e1, err := tx1.Commit(ctx)
	require.NoError(t, err)
	root := e1.ID()

	// Both writers open from the same tip {e1} before either commits.
	tx2, err := Open(ctx, backend, committer, root, s)
	require.NoError(t, err)
	tx3, err := Open(ctx, backend, committer, root, s)
	require.NoError(t, err)

	doc2 := subtree.NewDocStore(tx2.Subtree(ctx, "doc"))
	require.NoError(t, doc2.Set("age", crdt.Int(30)))
	_, err = tx2.Commit(ctx)
	require.NoError(t, err)

	doc3 := subtree.NewDocStore(tx3.Subtree(ctx, "doc"))
	require.NoError(t, doc3.Set("city", crdt.Text("NYC")))
	_, err = tx3.Commit(ctx)
	require.NoError(t, err)

	tx4, err := Open(ctx, backend, committer, root, s)
	require.NoError(t, err)
	doc4 := subtree.NewDocStore(tx4.Subtree(ctx, "doc"))
	name, _, err := doc4.GetAsText("name")
	require.NoError(t, err)
	age, _, err := doc4.GetAsInt("age")
	require.NoError(t, err)
	city, _, err := doc4.GetAsText("city")
	require.NoError(t, err)
	assert.Equal(t, "Alice", name)
	assert.Equal(t, int64(30), age)
	assert.Equal(t, "NYC", city)

	_, err = tx4.Commit(ctx)
	require.NoError(t, err)

	tips, err := backend.GetTips(ctx, root)
	require.NoError(t, err)
	assert.Equal(t, 1, tips.Cardinality())
}

func TestDoubleCommitFails(t *testing.T) {
	ctx := context.Background()
	backend, committer, s := newHarness(t)
	tx, err := Open(ctx, backend, committer, "", s)
	require.NoError(t, err)
	_, err = tx.Commit(ctx)
	require.NoError(t, err)
	_, err = tx.Commit(ctx)
	assert.Error(t, err)
}
