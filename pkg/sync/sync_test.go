package sync

import (
	"context"
	"crypto/ed25519"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/opendag/opendag/pkg/crdt"
	"github.com/opendag/opendag/pkg/instance"
	"github.com/opendag/opendag/pkg/signer"
	"github.com/opendag/opendag/pkg/storage"
	"github.com/opendag/opendag/pkg/subtree"
)

// node bundles everything one simulated replica needs: its own Instance,
// its signer, and the Core driving its side of the protocol.
type node struct {
	addr string
	inst *instance.Instance
	s    *signer.Signer
	core *Core
}

// loopbackTransport routes SyncTree/SendEntries calls directly to the
// in-process Core registered under the target address, so tests exercise
// the real request/response plumbing without a network.
type loopbackTransport struct {
	nodes map[string]*node
}

func newLoopbackTransport() *loopbackTransport {
	return &loopbackTransport{nodes: make(map[string]*node)}
}

func (lt *loopbackTransport) register(n *node) { lt.nodes[n.addr] = n }

func (lt *loopbackTransport) SyncTree(ctx context.Context, addr string, req *SyncTreeRequest) (*SyncResponse, error) {
	return lt.nodes[addr].core.HandleSyncTree(ctx, req), nil
}

func (lt *loopbackTransport) SendEntries(ctx context.Context, addr string, req *SendEntriesRequest) (*SyncResponse, error) {
	return lt.nodes[addr].core.HandleSendEntries(ctx, req), nil
}

func (lt *loopbackTransport) Handshake(ctx context.Context, addr string) (ed25519.PublicKey, error) {
	return lt.nodes[addr].s.PublicKey, nil
}

func newNode(t *testing.T, addr, keyName string, transport Transport) *node {
	t.Helper()
	ctx := context.Background()
	backend := storage.NewMemoryBackend(storage.Config{})
	inst, err := instance.Open(backend, instance.Config{})
	require.NoError(t, err)
	s, err := signer.Generate(keyName)
	require.NoError(t, err)

	n := &node{addr: addr, inst: inst, s: s}
	core, err := NewCore(ctx, inst, transport, s)
	require.NoError(t, err)
	n.core = core
	return n
}

// commitRoot creates a brand-new database on n, owned by n's signer, with
// one key set in its "doc" subtree, and registers n's own key as Admin so
// its later commits to the same database validate. It returns the root ID.
func commitRoot(t *testing.T, n *node) string {
	t.Helper()
	ctx := context.Background()
	tx, err := n.inst.Database("").Open(ctx, n.s)
	require.NoError(t, err)
	doc := subtree.NewDocStore(tx.Subtree(ctx, "doc"))
	require.NoError(t, doc.Set("k", crdt.Text("v")))
	e, err := tx.Commit(ctx)
	require.NoError(t, err)

	db := n.inst.Database(e.ID())
	require.NoError(t, db.AddAuthKey(ctx, n.s, n.s.Name, n.s.PublicKey, instance.Admin()))
	return string(e.ID())
}
