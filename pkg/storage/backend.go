// Package storage implements the content-addressed entry store: the
// thread-safe key/value surface keyed by Entry ID, with per-database tip
// and height indices and opaque CRDT-state cache slots.
package storage

import (
	"context"

	mapset "github.com/deckarep/golang-set/v2"

	"github.com/opendag/opendag/pkg/entry"
	"github.com/opendag/opendag/pkg/id"
)

// Backend is the dynamic-dispatch storage interface; concrete
// implementations (MemoryBackend, BoltBackend) are interchangeable behind
// it, matching the "backend is an interface" note in the design.
type Backend interface {
	// Put stores e, recording its verification status. Idempotent on ID.
	Put(ctx context.Context, v entry.Verification, e *entry.Entry) error
	// Get returns the stored entry, or a dagerr.NotFound error.
	Get(ctx context.Context, eid id.ID) (*entry.Entry, error)
	// GetVerificationStatus defaults to Verified if unset.
	GetVerificationStatus(ctx context.Context, eid id.ID) (entry.Verification, error)

	GetTips(ctx context.Context, root id.ID) (mapset.Set[id.ID], error)
	GetSubtreeTips(ctx context.Context, root id.ID, subtree string) (mapset.Set[id.ID], error)

	// GetTree and GetSubtree return entries in that context sorted by
	// (height ascending, ID ascending) — the order every CRDT merge
	// consumes.
	GetTree(ctx context.Context, root id.ID) ([]*entry.Entry, error)
	GetSubtree(ctx context.Context, root id.ID, subtree string) ([]*entry.Entry, error)

	GetTreeFromTips(ctx context.Context, root id.ID, tips mapset.Set[id.ID]) ([]*entry.Entry, error)
	GetSubtreeFromTips(ctx context.Context, root id.ID, subtree string, tips mapset.Set[id.ID]) ([]*entry.Entry, error)

	// FindLCA returns the least common ancestor of ids in the
	// subtree-parent DAG for subtree s (or the tree DAG if s == "").
	FindLCA(ctx context.Context, root id.ID, subtree string, ids []id.ID) (id.ID, error)

	CollectRootToTarget(ctx context.Context, root id.ID, subtree string, target id.ID) ([]*entry.Entry, error)
	GetPathFromTo(ctx context.Context, root id.ID, subtree string, from id.ID, to []id.ID) ([]*entry.Entry, error)
	GetSortedSubtreeParents(ctx context.Context, root id.ID, eid id.ID, subtree string) ([]id.ID, error)

	GetCachedCRDTState(ctx context.Context, eid id.ID, subtree string) ([]byte, bool)
	PutCachedCRDTState(ctx context.Context, eid id.ID, subtree string, data []byte)
	ClearCRDTCache()

	Close() error
}

// Config holds backend-agnostic tuning knobs. It is a plain struct built by
// the caller, never loaded from a file (configuration loading is out of
// scope).
type Config struct {
	// CRDTCacheSize bounds the CRDT-state LRU cache held by a backend; a
	// zero value uses DefaultCacheSize. HeightCacheSize is not read by
	// either backend: the height cache is an unbounded map.
	HeightCacheSize int
	CRDTCacheSize   int
}

// DefaultCacheSize is used when a Config leaves a cache size unset.
const DefaultCacheSize = 4096
