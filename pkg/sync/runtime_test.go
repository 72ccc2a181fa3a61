package sync

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opendag/opendag/pkg/crdt"
	"github.com/opendag/opendag/pkg/id"
	"github.com/opendag/opendag/pkg/instance"
	"github.com/opendag/opendag/pkg/subtree"
)

func TestRuntimeFansOutLocalWriteToSubscribedPeer(t *testing.T) {
	ctx := context.Background()
	transport := newLoopbackTransport()
	a := newNode(t, "a", "alice", transport)
	b := newNode(t, "b", "bob", transport)
	transport.register(a)
	transport.register(b)

	rootID := commitRoot(t, a)
	treeID := id.ID(rootID)

	aDB := a.inst.Database(treeID)
	require.NoError(t, aDB.AddAuthKey(ctx, a.s, b.s.Name, b.s.PublicKey, instance.Read()))

	// b bootstraps against a first, so it already holds the tree's root and
	// auth settings before any push-only entry arrives (a lone pushed entry
	// can't establish trust for a tree a receiver has never heard of).
	require.NoError(t, b.core.RequestSync(ctx, "a", treeID))
	baseline, err := b.inst.Database(treeID).Entries(ctx)
	require.NoError(t, err)
	baseCount := len(baseline)

	rt := NewRuntime(a.core)
	rt.Start(a.inst)
	defer rt.Stop()

	require.NoError(t, rt.ConnectToPeer(ctx, peerKey(b.s.PublicKey), "b"))
	require.NoError(t, a.core.Registry().Subscribe(ctx, b.s.PublicKey, treeID))

	tx, err := aDB.Open(ctx, a.s)
	require.NoError(t, err)
	doc := subtree.NewDocStore(tx.Subtree(ctx, "doc"))
	require.NoError(t, doc.Set("k2", crdt.Text("v2")))
	_, err = tx.Commit(ctx)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		require.NoError(t, rt.Flush(ctx))
		bEntries, err := b.inst.Database(treeID).Entries(ctx)
		if err != nil {
			return false
		}
		return len(bEntries) == baseCount+1
	}, 2*time.Second, 20*time.Millisecond)
}

func TestRuntimeFlushIsNoopWithNothingQueued(t *testing.T) {
	ctx := context.Background()
	transport := newLoopbackTransport()
	a := newNode(t, "a", "alice", transport)
	transport.register(a)

	rt := NewRuntime(a.core)
	rt.Start(a.inst)
	defer rt.Stop()

	assert.NoError(t, rt.Flush(ctx))
}

func TestRuntimeConnectToPeerIsIdempotent(t *testing.T) {
	ctx := context.Background()
	transport := newLoopbackTransport()
	a := newNode(t, "a", "alice", transport)
	b := newNode(t, "b", "bob", transport)
	transport.register(a)
	transport.register(b)

	rt := NewRuntime(a.core)
	rt.Start(a.inst)
	defer rt.Stop()

	require.NoError(t, rt.ConnectToPeer(ctx, peerKey(b.s.PublicKey), "b"))
	require.NoError(t, rt.ConnectToPeer(ctx, peerKey(b.s.PublicKey), "b-renamed"))
	assert.NoError(t, rt.Flush(ctx))
}
