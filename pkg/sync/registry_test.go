package sync

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opendag/opendag/pkg/id"
	"github.com/opendag/opendag/pkg/instance"
	"github.com/opendag/opendag/pkg/signer"
	"github.com/opendag/opendag/pkg/storage"
)

func newTestRegistry(t *testing.T) (*Registry, *signer.Signer) {
	t.Helper()
	ctx := context.Background()
	backend := storage.NewMemoryBackend(storage.Config{})
	inst, err := instance.Open(backend, instance.Config{})
	require.NoError(t, err)
	s, err := signer.Generate("device")
	require.NoError(t, err)
	syncDB, err := inst.NamedDatabase(ctx, "_sync")
	require.NoError(t, err)
	return NewRegistry(syncDB, s), s
}

func TestRegistryUpsertAndGet(t *testing.T) {
	ctx := context.Background()
	r, _ := newTestRegistry(t)
	peerS, err := signer.Generate("peer-a")
	require.NoError(t, err)

	p := &PeerInfo{
		Pubkey:      peerS.PublicKey,
		DisplayName: "peer-a",
		Status:      PeerActive,
		Addresses:   map[string]bool{"10.0.0.1:9000": true},
		SubscribedRoots: map[id.ID]bool{
			"root1": true,
		},
	}
	require.NoError(t, r.Upsert(ctx, p))

	got, ok, err := r.Get(ctx, peerS.PublicKey)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "peer-a", got.DisplayName)
	assert.Equal(t, PeerActive, got.Status)
	assert.True(t, got.Addresses["10.0.0.1:9000"])
	assert.True(t, got.SubscribedRoots["root1"])
}

func TestRegistrySubscribeCreatesPendingPeer(t *testing.T) {
	ctx := context.Background()
	r, _ := newTestRegistry(t)
	peerS, err := signer.Generate("peer-b")
	require.NoError(t, err)

	require.NoError(t, r.Subscribe(ctx, peerS.PublicKey, id.ID("root2")))

	got, ok, err := r.Get(ctx, peerS.PublicKey)
	require.NoError(t, err)
	require.True(t, ok)
	assert.True(t, got.SubscribedRoots[id.ID("root2")])
}

func TestRegistryAddressesMergeAsSetAcrossConcurrentUpserts(t *testing.T) {
	ctx := context.Background()
	r, _ := newTestRegistry(t)
	peerS, err := signer.Generate("peer-c")
	require.NoError(t, err)

	p1 := &PeerInfo{
		Pubkey:          peerS.PublicKey,
		Addresses:       map[string]bool{"addr-a": true},
		SubscribedRoots: map[id.ID]bool{},
	}
	require.NoError(t, r.Upsert(ctx, p1))

	// Simulate a second replica learning of the same peer from a different
	// address, without first reading back p1 (the registry is itself a
	// CRDT so union happens on merge, not on read-modify-write).
	p2 := &PeerInfo{
		Pubkey:          peerS.PublicKey,
		Addresses:       map[string]bool{"addr-b": true},
		SubscribedRoots: map[id.ID]bool{},
	}
	require.NoError(t, r.Upsert(ctx, p2))

	got, ok, err := r.Get(ctx, peerS.PublicKey)
	require.NoError(t, err)
	require.True(t, ok)
	assert.True(t, got.Addresses["addr-a"])
	assert.True(t, got.Addresses["addr-b"])
}

func TestRegistryList(t *testing.T) {
	ctx := context.Background()
	r, _ := newTestRegistry(t)
	for i := 0; i < 3; i++ {
		s, err := signer.Generate("peer")
		require.NoError(t, err)
		require.NoError(t, r.Upsert(ctx, &PeerInfo{
			Pubkey:          s.PublicKey,
			Addresses:       map[string]bool{},
			SubscribedRoots: map[id.ID]bool{},
		}))
	}
	peers, err := r.List(ctx)
	require.NoError(t, err)
	assert.Len(t, peers, 3)
}
