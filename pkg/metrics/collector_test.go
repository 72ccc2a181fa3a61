package metrics

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opendag/opendag/pkg/crdt"
	"github.com/opendag/opendag/pkg/entry"
	"github.com/opendag/opendag/pkg/id"
	"github.com/opendag/opendag/pkg/signer"
	"github.com/opendag/opendag/pkg/storage"
	"github.com/opendag/opendag/pkg/subtree"
	"github.com/opendag/opendag/pkg/txn"
)

// directCommitter routes commits straight to the backend, standing in for
// pkg/instance.Instance in tests that don't need callback dispatch.
type directCommitter struct{ backend storage.Backend }

func (c *directCommitter) PutEntry(ctx context.Context, root id.ID, v entry.Verification, e *entry.Entry, source entry.WriteSource) error {
	return c.backend.Put(ctx, v, e)
}

func TestCollectorSamplesTrackedRoot(t *testing.T) {
	ctx := context.Background()
	backend := storage.NewMemoryBackend(storage.Config{})
	s, err := signer.Generate("device")
	require.NoError(t, err)

	committer := &directCommitter{backend: backend}
	tx, err := txn.Open(ctx, backend, committer, "", s)
	require.NoError(t, err)
	doc := subtree.NewDocStore(tx.Subtree(ctx, "doc"))
	require.NoError(t, doc.Set("k", crdt.Text("v")))
	e, err := tx.Commit(ctx)
	require.NoError(t, err)

	c := NewCollector(10 * time.Millisecond)
	c.Track(e.ID(), backend)
	c.Start()
	defer c.Stop()

	assert.Eventually(t, func() bool {
		return testutil.ToFloat64(EntriesTotal.WithLabelValues(string(e.ID()))) == 1
	}, time.Second, 5*time.Millisecond)

	c.Untrack(e.ID())
}
