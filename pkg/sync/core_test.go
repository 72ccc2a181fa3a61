package sync

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opendag/opendag/pkg/crdt"
	"github.com/opendag/opendag/pkg/dagerr"
	"github.com/opendag/opendag/pkg/id"
	"github.com/opendag/opendag/pkg/instance"
	"github.com/opendag/opendag/pkg/subtree"
)

func TestRequestSyncUnknownTreeReturnsError(t *testing.T) {
	ctx := context.Background()
	transport := newLoopbackTransport()
	a := newNode(t, "a", "alice", transport)
	b := newNode(t, "b", "bob", transport)
	transport.register(a)
	transport.register(b)

	err := a.core.RequestSync(ctx, "b", "does-not-exist")
	require.Error(t, err)
	assert.True(t, dagerr.Is(err, dagerr.InvalidEntry))
}

func TestRequestSyncBootstrapsAuthorizedKey(t *testing.T) {
	ctx := context.Background()
	transport := newLoopbackTransport()
	a := newNode(t, "a", "alice", transport)
	b := newNode(t, "b", "bob", transport)
	transport.register(a)
	transport.register(b)

	rootID := commitRoot(t, b)
	bDB := b.inst.Database(id.ID(rootID))
	require.NoError(t, bDB.AddAuthKey(ctx, b.s, a.s.Name, a.s.PublicKey, instance.Read()))

	req := &SyncTreeRequest{
		TreeID:              id.ID(rootID),
		OurTips:             nil,
		PeerPubkey:          a.s.PublicKey,
		RequestingKey:       a.s.PublicKey,
		RequestingKeyName:   a.s.Name,
		RequestedPermission: permPtr(instance.Read()),
	}
	resp := b.core.HandleSyncTree(ctx, req)
	require.Equal(t, RespBootstrap, resp.Kind)
	assert.NotEmpty(t, resp.AllEntries)
}

func TestRequestSyncPendingWhenUnauthorized(t *testing.T) {
	ctx := context.Background()
	transport := newLoopbackTransport()
	a := newNode(t, "a", "alice", transport)
	b := newNode(t, "b", "bob", transport)
	transport.register(a)
	transport.register(b)

	rootID := commitRoot(t, b)

	req := &SyncTreeRequest{
		TreeID:              id.ID(rootID),
		RequestingKey:       a.s.PublicKey,
		RequestingKeyName:   a.s.Name,
		RequestedPermission: permPtr(instance.Read()),
	}
	resp := b.core.HandleSyncTree(ctx, req)
	require.Equal(t, RespBootstrapPending, resp.Kind)
	assert.NotEmpty(t, resp.RequestID)

	pending, ok, err := b.core.Bootstrap().Get(ctx, resp.RequestID)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, RequestPending, pending.Status)
}

func TestRequestSyncIncrementalFetchesMissingEntries(t *testing.T) {
	ctx := context.Background()
	transport := newLoopbackTransport()
	a := newNode(t, "a", "alice", transport)
	b := newNode(t, "b", "bob", transport)
	transport.register(a)
	transport.register(b)

	rootID := commitRoot(t, b)
	treeID := id.ID(rootID)
	bDB := b.inst.Database(treeID)
	require.NoError(t, bDB.AddAuthKey(ctx, b.s, a.s.Name, a.s.PublicKey, instance.Read()))

	// First sync bootstraps a onto the tree: the root entry, the root
	// committer's own self-granted auth key, and alice's granted auth key.
	require.NoError(t, a.core.RequestSync(ctx, "b", treeID))
	aEntries, err := a.inst.Database(treeID).Entries(ctx)
	require.NoError(t, err)
	require.Len(t, aEntries, 3)

	// b commits another entry; a second sync should pick it up
	// incrementally (no bootstrap path, since a already has tips).
	tx, err := bDB.Open(ctx, b.s)
	require.NoError(t, err)
	doc := subtree.NewDocStore(tx.Subtree(ctx, "doc"))
	require.NoError(t, doc.Set("k2", crdt.Text("v2")))
	_, err = tx.Commit(ctx)
	require.NoError(t, err)

	require.NoError(t, a.core.RequestSync(ctx, "b", treeID))
	aEntries, err = a.inst.Database(treeID).Entries(ctx)
	require.NoError(t, err)
	assert.Len(t, aEntries, 4)
}

func permPtr(p instance.Permission) *instance.Permission { return &p }
