package storage

import (
	"context"
	"encoding/json"
	"fmt"

	mapset "github.com/deckarep/golang-set/v2"
	bolt "go.etcd.io/bbolt"

	"github.com/opendag/opendag/pkg/dagerr"
	"github.com/opendag/opendag/pkg/entry"
	"github.com/opendag/opendag/pkg/id"
	"github.com/opendag/opendag/pkg/log"
)

var (
	bucketEntries      = []byte("entries")
	bucketVerification = []byte("verification")
	bucketCRDTCache    = []byte("crdt_cache")
)

// storedEntry is the on-disk representation of an entry.Entry: bbolt
// buckets hold opaque bytes, so each value is JSON-encoded, mirroring the
// teacher's BoltStore (one bucket per entity kind, json.Marshal per Put).
type storedEntry struct {
	ID        id.ID                    `json:"id"`
	Root      id.ID                    `json:"root"`
	Parents   []id.ID                  `json:"parents"`
	Subtrees  map[string]storedSubtree `json:"subtrees"`
	KeyName   string                   `json:"key_name"`
	Signature []byte                   `json:"signature"`
}

type storedSubtree struct {
	SubtreeParents []id.ID `json:"subtree_parents"`
	Payload        []byte  `json:"payload"`
}

func toStoredEntry(e *entry.Entry) storedEntry {
	se := storedEntry{
		ID:        e.ID(),
		Root:      e.Root,
		KeyName:   e.KeyName,
		Signature: e.Signature,
		Subtrees:  make(map[string]storedSubtree, len(e.Subtrees)),
	}
	if e.Parents != nil {
		se.Parents = e.Parents.ToSlice()
	}
	for name, st := range e.Subtrees {
		var sp []id.ID
		if st.SubtreeParents != nil {
			sp = st.SubtreeParents.ToSlice()
		}
		se.Subtrees[name] = storedSubtree{SubtreeParents: sp, Payload: st.Payload}
	}
	return se
}

func (se storedEntry) toEntry() *entry.Entry {
	subtrees := make(map[string]entry.Subtree, len(se.Subtrees))
	for name, st := range se.Subtrees {
		subtrees[name] = entry.Subtree{
			SubtreeParents: mapset.NewSet[id.ID](st.SubtreeParents...),
			Payload:        st.Payload,
		}
	}
	e := entry.New(se.Root, mapset.NewSet[id.ID](se.Parents...), subtrees)
	e.KeyName = se.KeyName
	e.Signature = se.Signature
	e.SetID(se.ID)
	return e
}

// BoltBackend persists entries, their verification status and the opaque
// CRDT cache in a bbolt database, one bucket per concern, the same layout
// the teacher's BoltStore uses for cluster entities. Tips and heights are
// derived indices, never persisted (§6): they are rebuilt in-memory at
// Open by replaying every stored entry through the same logic MemoryBackend
// uses.
type BoltBackend struct {
	db    *bolt.DB
	index *MemoryBackend
}

// NewBoltBackend opens (creating if necessary) a bbolt database at path
// and rehydrates its derived indices.
func NewBoltBackend(path string, cfg Config) (*BoltBackend, error) {
	db, err := bolt.Open(path, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("storage: open bolt db %q: %w", path, err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, name := range [][]byte{bucketEntries, bucketVerification, bucketCRDTCache} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return fmt.Errorf("create bucket %s: %w", name, err)
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("storage: init buckets: %w", err)
	}

	b := &BoltBackend{db: db, index: NewMemoryBackend(cfg)}
	if err := b.rehydrate(); err != nil {
		return nil, err
	}
	return b, nil
}

func (b *BoltBackend) rehydrate() error {
	logger := log.WithComponent("storage")
	return b.db.View(func(tx *bolt.Tx) error {
		entries := tx.Bucket(bucketEntries)
		verif := tx.Bucket(bucketVerification)
		count := 0
		err := entries.ForEach(func(k, v []byte) error {
			var se storedEntry
			if err := json.Unmarshal(v, &se); err != nil {
				return fmt.Errorf("decode entry %s: %w", k, err)
			}
			e := se.toEntry()
			status := entry.Verified
			if raw := verif.Get(k); raw != nil {
				_ = json.Unmarshal(raw, &status)
			}
			b.index.entries[e.ID()] = e
			b.index.verification[e.ID()] = status
			b.index.maintainTipsLocked(e)
			count++
			return nil
		})
		if err != nil {
			return err
		}
		// Replay runs in key (ID) order, not parent-before-child, so a parent
		// loaded after its child was re-added as a tip; drop every named parent.
		for _, e := range b.index.entries {
			root := e.Root
			if root == "" {
				root = e.ID()
			}
			for p := range e.Parents.Iter() {
				b.index.tips[root].Remove(p)
			}
			for name, st := range e.Subtrees {
				for p := range st.SubtreeParents.Iter() {
					b.index.subtreeTips[root][name].Remove(p)
				}
			}
		}
		logger.Info().Int("count", count).Msg("rehydrated entries from disk")
		return nil
	})
}

func (b *BoltBackend) Put(ctx context.Context, v entry.Verification, e *entry.Entry) error {
	b.index.mu.Lock()
	_, exists := b.index.entries[e.ID()]
	b.index.mu.Unlock()
	if exists {
		return nil
	}

	se := toStoredEntry(e)
	data, err := json.Marshal(se)
	if err != nil {
		return fmt.Errorf("storage: encode entry %s: %w", e.ID(), err)
	}
	vdata, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("storage: encode verification for %s: %w", e.ID(), err)
	}

	err = b.db.Update(func(tx *bolt.Tx) error {
		if err := tx.Bucket(bucketEntries).Put([]byte(e.ID()), data); err != nil {
			return err
		}
		return tx.Bucket(bucketVerification).Put([]byte(e.ID()), vdata)
	})
	if err != nil {
		return dagerr.Wrap(dagerr.InvalidEntry, fmt.Sprintf("persist entry %s", e.ID()), err)
	}

	return b.index.Put(ctx, v, e)
}

func (b *BoltBackend) Get(ctx context.Context, eid id.ID) (*entry.Entry, error) {
	return b.index.Get(ctx, eid)
}

func (b *BoltBackend) GetVerificationStatus(ctx context.Context, eid id.ID) (entry.Verification, error) {
	return b.index.GetVerificationStatus(ctx, eid)
}

func (b *BoltBackend) GetTips(ctx context.Context, root id.ID) (mapset.Set[id.ID], error) {
	return b.index.GetTips(ctx, root)
}

func (b *BoltBackend) GetSubtreeTips(ctx context.Context, root id.ID, subtree string) (mapset.Set[id.ID], error) {
	return b.index.GetSubtreeTips(ctx, root, subtree)
}

func (b *BoltBackend) GetTree(ctx context.Context, root id.ID) ([]*entry.Entry, error) {
	return b.index.GetTree(ctx, root)
}

func (b *BoltBackend) GetSubtree(ctx context.Context, root id.ID, subtree string) ([]*entry.Entry, error) {
	return b.index.GetSubtree(ctx, root, subtree)
}

func (b *BoltBackend) GetTreeFromTips(ctx context.Context, root id.ID, tips mapset.Set[id.ID]) ([]*entry.Entry, error) {
	return b.index.GetTreeFromTips(ctx, root, tips)
}

func (b *BoltBackend) GetSubtreeFromTips(ctx context.Context, root id.ID, subtree string, tips mapset.Set[id.ID]) ([]*entry.Entry, error) {
	return b.index.GetSubtreeFromTips(ctx, root, subtree, tips)
}

func (b *BoltBackend) FindLCA(ctx context.Context, root id.ID, subtree string, ids []id.ID) (id.ID, error) {
	return b.index.FindLCA(ctx, root, subtree, ids)
}

func (b *BoltBackend) CollectRootToTarget(ctx context.Context, root id.ID, subtree string, target id.ID) ([]*entry.Entry, error) {
	return b.index.CollectRootToTarget(ctx, root, subtree, target)
}

func (b *BoltBackend) GetPathFromTo(ctx context.Context, root id.ID, subtree string, from id.ID, to []id.ID) ([]*entry.Entry, error) {
	return b.index.GetPathFromTo(ctx, root, subtree, from, to)
}

func (b *BoltBackend) GetSortedSubtreeParents(ctx context.Context, root id.ID, eid id.ID, subtree string) ([]id.ID, error) {
	return b.index.GetSortedSubtreeParents(ctx, root, eid, subtree)
}

func (b *BoltBackend) GetCachedCRDTState(ctx context.Context, eid id.ID, subtree string) ([]byte, bool) {
	if data, ok := b.index.GetCachedCRDTState(ctx, eid, subtree); ok {
		return data, true
	}
	var out []byte
	_ = b.db.View(func(tx *bolt.Tx) error {
		key := []byte(string(eid) + "/" + subtree)
		if v := tx.Bucket(bucketCRDTCache).Get(key); v != nil {
			out = append([]byte(nil), v...)
		}
		return nil
	})
	return out, out != nil
}

func (b *BoltBackend) PutCachedCRDTState(ctx context.Context, eid id.ID, subtree string, data []byte) {
	b.index.PutCachedCRDTState(ctx, eid, subtree, data)
	_ = b.db.Update(func(tx *bolt.Tx) error {
		key := []byte(string(eid) + "/" + subtree)
		return tx.Bucket(bucketCRDTCache).Put(key, data)
	})
}

func (b *BoltBackend) ClearCRDTCache() {
	b.index.ClearCRDTCache()
	_ = b.db.Update(func(tx *bolt.Tx) error {
		if err := tx.DeleteBucket(bucketCRDTCache); err != nil {
			return err
		}
		_, err := tx.CreateBucket(bucketCRDTCache)
		return err
	})
}

func (b *BoltBackend) Close() error {
	return b.db.Close()
}
