package sync

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opendag/opendag/pkg/dagerr"
	"github.com/opendag/opendag/pkg/instance"
	"github.com/opendag/opendag/pkg/signer"
	"github.com/opendag/opendag/pkg/storage"
)

// bootstrapFixture owns both the target database (being requested against)
// and the BootstrapStore persisting against the same instance's "_sync"
// database.
type bootstrapFixture struct {
	admin    *signer.Signer
	targetDB *instance.Database
	store    *BootstrapStore
}

func newBootstrapFixture(t *testing.T) *bootstrapFixture {
	t.Helper()
	ctx := context.Background()

	targetBackend := storage.NewMemoryBackend(storage.Config{})
	targetInst, err := instance.Open(targetBackend, instance.Config{})
	require.NoError(t, err)
	admin, err := signer.Generate("admin")
	require.NoError(t, err)

	tx, err := targetInst.Database("").Open(ctx, admin)
	require.NoError(t, err)
	rootEntry, err := tx.Commit(ctx)
	require.NoError(t, err)
	targetDB := targetInst.Database(rootEntry.ID())

	require.NoError(t, targetDB.AddAuthKey(ctx, admin, admin.Name, admin.PublicKey, instance.Admin()))

	syncDB, err := targetInst.NamedDatabase(ctx, "_sync")
	require.NoError(t, err)

	return &bootstrapFixture{
		admin:    admin,
		targetDB: targetDB,
		store:    NewBootstrapStore(syncDB, admin),
	}
}

func TestBootstrapRecordAndGet(t *testing.T) {
	ctx := context.Background()
	f := newBootstrapFixture(t)
	requester, err := signer.Generate("requester")
	require.NoError(t, err)

	r, err := f.store.Record(ctx, f.targetDB.Root(), requester.PublicKey, requester.Name, instance.Write(1), time.Now())
	require.NoError(t, err)
	assert.Equal(t, RequestPending, r.Status)

	got, ok, err := f.store.Get(ctx, r.ID)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, RequestPending, got.Status)
	assert.Equal(t, requester.Name, got.RequestingKeyName)
}

func TestBootstrapApproveGrantsAccess(t *testing.T) {
	ctx := context.Background()
	f := newBootstrapFixture(t)
	requester, err := signer.Generate("requester")
	require.NoError(t, err)

	r, err := f.store.Record(ctx, f.targetDB.Root(), requester.PublicKey, requester.Name, instance.Write(5), time.Now())
	require.NoError(t, err)

	approved, err := f.store.Approve(ctx, r.ID, f.admin, f.targetDB, time.Now())
	require.NoError(t, err)
	assert.Equal(t, RequestApproved, approved.Status)

	pub, perm, ok, err := f.targetDB.AuthKey(ctx, requester.Name)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, requester.PublicKey, pub)
	assert.True(t, perm.Satisfies(instance.Write(5)))
}

func TestBootstrapRejectDoesNotGrantAccess(t *testing.T) {
	ctx := context.Background()
	f := newBootstrapFixture(t)
	requester, err := signer.Generate("requester")
	require.NoError(t, err)

	r, err := f.store.Record(ctx, f.targetDB.Root(), requester.PublicKey, requester.Name, instance.Read(), time.Now())
	require.NoError(t, err)

	rejected, err := f.store.Reject(ctx, r.ID, f.admin, f.targetDB, time.Now())
	require.NoError(t, err)
	assert.Equal(t, RequestRejected, rejected.Status)

	_, _, ok, err := f.targetDB.AuthKey(ctx, requester.Name)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestBootstrapDoubleResolveFails(t *testing.T) {
	ctx := context.Background()
	f := newBootstrapFixture(t)
	requester, err := signer.Generate("requester")
	require.NoError(t, err)

	r, err := f.store.Record(ctx, f.targetDB.Root(), requester.PublicKey, requester.Name, instance.Read(), time.Now())
	require.NoError(t, err)

	_, err = f.store.Approve(ctx, r.ID, f.admin, f.targetDB, time.Now())
	require.NoError(t, err)

	_, err = f.store.Reject(ctx, r.ID, f.admin, f.targetDB, time.Now())
	require.Error(t, err)
	assert.True(t, dagerr.Is(err, dagerr.InvalidRequestState))
}

func TestBootstrapResolveRequiresAdmin(t *testing.T) {
	ctx := context.Background()
	f := newBootstrapFixture(t)
	requester, err := signer.Generate("requester")
	require.NoError(t, err)
	nonAdmin, err := signer.Generate("non-admin")
	require.NoError(t, err)
	require.NoError(t, f.targetDB.AddAuthKey(ctx, f.admin, nonAdmin.Name, nonAdmin.PublicKey, instance.Write(0)))

	r, err := f.store.Record(ctx, f.targetDB.Root(), requester.PublicKey, requester.Name, instance.Read(), time.Now())
	require.NoError(t, err)

	_, err = f.store.Approve(ctx, r.ID, nonAdmin, f.targetDB, time.Now())
	require.Error(t, err)
	assert.True(t, dagerr.Is(err, dagerr.InsufficientPermission))
}
