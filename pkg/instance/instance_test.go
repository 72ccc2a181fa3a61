package instance

import (
	"context"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opendag/opendag/pkg/crdt"
	"github.com/opendag/opendag/pkg/entry"
	"github.com/opendag/opendag/pkg/signer"
	"github.com/opendag/opendag/pkg/storage"
	"github.com/opendag/opendag/pkg/subtree"
)

func newTestInstance(t *testing.T) (*Instance, *signer.Signer) {
	t.Helper()
	backend := storage.NewMemoryBackend(storage.Config{})
	inst, err := Open(backend, Config{})
	require.NoError(t, err)
	s, err := signer.Generate("alice")
	require.NoError(t, err)
	return inst, s
}

func TestDeviceSignerBootstrapsEphemeralWithoutDataDir(t *testing.T) {
	backend := storage.NewMemoryBackend(storage.Config{})
	inst, err := Open(backend, Config{})
	require.NoError(t, err)
	require.NotNil(t, inst.DeviceSigner())
	assert.Equal(t, "device", inst.DeviceSigner().Name)
}

func TestDeviceSignerPersistsAcrossOpen(t *testing.T) {
	dir := t.TempDir()
	backend1 := storage.NewMemoryBackend(storage.Config{})
	inst1, err := Open(backend1, Config{DataDir: dir})
	require.NoError(t, err)

	backend2 := storage.NewMemoryBackend(storage.Config{})
	inst2, err := Open(backend2, Config{DataDir: dir})
	require.NoError(t, err)

	assert.Equal(t, inst1.DeviceSigner().PrivateKey, inst2.DeviceSigner().PrivateKey)
}

func TestPutEntryPersistsAndDispatchesCallbacks(t *testing.T) {
	ctx := context.Background()
	inst, s := newTestInstance(t)

	var globalFired, scopedFired int32
	inst.OnWrite(entry.Local, func(ctx context.Context, e *entry.Entry, db *Database, i *Instance) error {
		atomic.AddInt32(&globalFired, 1)
		return nil
	})

	db := inst.Database("")
	tx, err := db.Open(ctx, s)
	require.NoError(t, err)
	doc := subtree.NewDocStore(tx.Subtree(ctx, "doc"))
	require.NoError(t, doc.Set("k", crdt.Text("v")))
	e, err := tx.Commit(ctx)
	require.NoError(t, err)

	root := e.ID()
	inst.OnDatabaseWrite(entry.Local, root, func(ctx context.Context, e *entry.Entry, db *Database, i *Instance) error {
		atomic.AddInt32(&scopedFired, 1)
		return nil
	})

	// A second commit on the now-established root exercises the per-database callback too.
	db2 := inst.Database(root)
	tx2, err := db2.Open(ctx, s)
	require.NoError(t, err)
	doc2 := subtree.NewDocStore(tx2.Subtree(ctx, "doc"))
	require.NoError(t, doc2.Set("k2", crdt.Text("v2")))
	_, err = tx2.Commit(ctx)
	require.NoError(t, err)

	assert.Equal(t, int32(2), atomic.LoadInt32(&globalFired))
	assert.Equal(t, int32(1), atomic.LoadInt32(&scopedFired))

	entries, err := db2.Entries(ctx)
	require.NoError(t, err)
	assert.Len(t, entries, 2)
}

func TestFailingCallbackDoesNotAbortWrite(t *testing.T) {
	ctx := context.Background()
	inst, s := newTestInstance(t)
	inst.OnWrite(entry.Local, func(ctx context.Context, e *entry.Entry, db *Database, i *Instance) error {
		return assert.AnError
	})

	db := inst.Database("")
	tx, err := db.Open(ctx, s)
	require.NoError(t, err)
	_, err = tx.Commit(ctx)
	assert.NoError(t, err)
}

func TestAuthKeyGrantAndLookup(t *testing.T) {
	ctx := context.Background()
	inst, s := newTestInstance(t)

	db := inst.Database("")
	tx, err := db.Open(ctx, s)
	require.NoError(t, err)
	doc := subtree.NewDocStore(tx.Subtree(ctx, "doc"))
	require.NoError(t, doc.Set("k", crdt.Text("v")))
	e, err := tx.Commit(ctx)
	require.NoError(t, err)

	root := inst.Database(e.ID())
	require.NoError(t, root.AddAuthKey(ctx, s, "bob", s.PublicKey, Write(5)))

	pub, perm, ok, err := root.AuthKey(ctx, "bob")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, s.PublicKey, pub)
	assert.Equal(t, PermissionWrite, perm.Kind)
	assert.Equal(t, 5, perm.Priority)
	assert.True(t, perm.Satisfies(Write(3)))
	assert.False(t, perm.Satisfies(Write(6)))
	assert.False(t, perm.Satisfies(Admin()))
}

func TestPermissionOrdering(t *testing.T) {
	assert.True(t, Admin().Satisfies(Write(100)))
	assert.True(t, Write(1).Satisfies(Read()))
	assert.False(t, Read().Satisfies(Write(0)))
}
