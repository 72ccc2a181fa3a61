package storage

import (
	"context"
	"fmt"
	"sync"

	mapset "github.com/deckarep/golang-set/v2"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/rs/zerolog"

	"github.com/opendag/opendag/pkg/dagerr"
	"github.com/opendag/opendag/pkg/entry"
	"github.com/opendag/opendag/pkg/id"
	"github.com/opendag/opendag/pkg/log"
)

// cacheKey identifies a cached CRDT fold result: an entry plus the subtree
// it was folded for.
type cacheKey struct {
	entry   id.ID
	subtree string
}

// heightKey scopes a cached height to its context, since an entry's height
// in the tree and its height in one of its subtrees are different numbers.
type heightKey struct {
	root    id.ID
	subtree string
	entry   id.ID
}

// MemoryBackend is an in-memory Backend, grounded on the reference
// implementation's in-memory store: everything lives in locked maps, there
// is no persistence, and every traversal helper from §4.1 is built on top
// of the same two locked collections (entries, tips).
type MemoryBackend struct {
	mu sync.RWMutex

	entries      map[id.ID]*entry.Entry
	verification map[id.ID]entry.Verification

	tips        map[id.ID]mapset.Set[id.ID]            // root -> tree tips
	subtreeTips map[id.ID]map[string]mapset.Set[id.ID]  // root -> subtree -> tips
	heights     map[heightKey]int

	crdtCache *lru.Cache[cacheKey, []byte]

	log zerolog.Logger
}

func NewMemoryBackend(cfg Config) *MemoryBackend {
	size := cfg.CRDTCacheSize
	if size <= 0 {
		size = DefaultCacheSize
	}
	cache, _ := lru.New[cacheKey, []byte](size)
	return &MemoryBackend{
		entries:      make(map[id.ID]*entry.Entry),
		verification: make(map[id.ID]entry.Verification),
		tips:         make(map[id.ID]mapset.Set[id.ID]),
		subtreeTips:  make(map[id.ID]map[string]mapset.Set[id.ID]),
		heights:      make(map[heightKey]int),
		crdtCache:    cache,
		log:          log.WithComponent("storage"),
	}
}

func (b *MemoryBackend) Put(_ context.Context, v entry.Verification, e *entry.Entry) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, exists := b.entries[e.ID()]; exists {
		return nil // idempotent on ID
	}
	b.entries[e.ID()] = e
	b.verification[e.ID()] = v

	b.maintainTipsLocked(e)
	b.maintainHeightLocked(e)
	return nil
}

func (b *MemoryBackend) maintainTipsLocked(e *entry.Entry) {
	root := e.Root
	if root == "" {
		root = e.ID() // a root entry is its own database root
	}
	tips, ok := b.tips[root]
	if !ok {
		tips = mapset.NewSet[id.ID]()
		b.tips[root] = tips
	}
	if e.Parents != nil {
		for p := range e.Parents.Iter() {
			tips.Remove(p)
		}
	}
	tips.Add(e.ID())

	if b.subtreeTips[root] == nil {
		b.subtreeTips[root] = make(map[string]mapset.Set[id.ID])
	}
	for name, st := range e.Subtrees {
		stTips, ok := b.subtreeTips[root][name]
		if !ok {
			stTips = mapset.NewSet[id.ID]()
			b.subtreeTips[root][name] = stTips
		}
		if st.SubtreeParents != nil {
			for p := range st.SubtreeParents.Iter() {
				stTips.Remove(p)
			}
		}
		stTips.Add(e.ID())
	}
}

// maintainHeightLocked fills in the new entry's height only when every
// parent's height is already cached (§4.1); otherwise it leaves the cache
// as-is and a later query recomputes for that context.
func (b *MemoryBackend) maintainHeightLocked(e *entry.Entry) {
	root := e.Root
	if root == "" {
		root = e.ID()
	}
	b.fillHeightLocked(root, "", e)
	for name := range e.Subtrees {
		b.fillHeightLocked(root, name, e)
	}
}

func (b *MemoryBackend) fillHeightLocked(root id.ID, subtree string, e *entry.Entry) {
	parents := contextParents(e, subtree)
	if parents == nil || parents.Cardinality() == 0 {
		b.heights[heightKey{root, subtree, e.ID()}] = 0
		return
	}
	maxHeight := -1
	for p := range parents.Iter() {
		h, ok := b.heights[heightKey{root, subtree, p}]
		if !ok {
			return // incomplete info, leave unfilled
		}
		if h > maxHeight {
			maxHeight = h
		}
	}
	b.heights[heightKey{root, subtree, e.ID()}] = maxHeight + 1
}

func (b *MemoryBackend) Get(_ context.Context, eid id.ID) (*entry.Entry, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	e, ok := b.entries[eid]
	if !ok {
		return nil, dagerr.New(dagerr.NotFound, fmt.Sprintf("entry %s", eid))
	}
	return e, nil
}

func (b *MemoryBackend) GetVerificationStatus(_ context.Context, eid id.ID) (entry.Verification, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if _, ok := b.entries[eid]; !ok {
		return entry.Verified, dagerr.New(dagerr.NotFound, fmt.Sprintf("entry %s", eid))
	}
	if v, ok := b.verification[eid]; ok {
		return v, nil
	}
	return entry.Verified, nil
}

func (b *MemoryBackend) GetTips(_ context.Context, root id.ID) (mapset.Set[id.ID], error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	tips, ok := b.tips[root]
	if !ok {
		return mapset.NewSet[id.ID](), nil
	}
	return tips.Clone(), nil
}

func (b *MemoryBackend) GetSubtreeTips(_ context.Context, root id.ID, subtree string) (mapset.Set[id.ID], error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	stTips, ok := b.subtreeTips[root]
	if !ok {
		return mapset.NewSet[id.ID](), nil
	}
	tips, ok := stTips[subtree]
	if !ok {
		return mapset.NewSet[id.ID](), nil
	}
	return tips.Clone(), nil
}

// rootEntriesLocked returns every stored entry sharing root.
func (b *MemoryBackend) rootEntriesLocked(root id.ID) map[id.ID]*entry.Entry {
	out := make(map[id.ID]*entry.Entry)
	for eid, e := range b.entries {
		r := e.Root
		if r == "" {
			r = e.ID()
		}
		if r == root {
			out[eid] = e
		}
	}
	return out
}

func (b *MemoryBackend) GetTree(_ context.Context, root id.ID) ([]*entry.Entry, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	all := b.rootEntriesLocked(root)
	height, err := computeHeights(all, "")
	if err != nil {
		b.log.Error().Err(err).Str("root", string(root)).Msg("height computation failed")
		return nil, err
	}
	entries := make([]*entry.Entry, 0, len(all))
	for _, e := range all {
		entries = append(entries, e)
	}
	sortByHeightThenID(entries, height)
	return entries, nil
}

func (b *MemoryBackend) GetSubtree(_ context.Context, root id.ID, subtree string) ([]*entry.Entry, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	ctx := filterContext(b.rootEntriesLocked(root), subtree)
	height, err := computeHeights(ctx, subtree)
	if err != nil {
		return nil, err
	}
	entries := make([]*entry.Entry, 0, len(ctx))
	for _, e := range ctx {
		entries = append(entries, e)
	}
	sortByHeightThenID(entries, height)
	return entries, nil
}

func (b *MemoryBackend) entriesFromTips(root id.ID, subtree string, tips mapset.Set[id.ID]) ([]*entry.Entry, map[id.ID]int, error) {
	all := b.rootEntriesLocked(root)
	ctx := filterContext(all, subtree)
	reachable := ancestorsOf(ctx, subtree, tips.ToSlice())
	filtered := make(map[id.ID]*entry.Entry, reachable.Cardinality())
	for eid := range reachable.Iter() {
		if e, ok := ctx[eid]; ok {
			filtered[eid] = e
		}
	}
	height, err := computeHeights(filtered, subtree)
	if err != nil {
		return nil, nil, err
	}
	entries := make([]*entry.Entry, 0, len(filtered))
	for _, e := range filtered {
		entries = append(entries, e)
	}
	sortByHeightThenID(entries, height)
	return entries, height, nil
}

func (b *MemoryBackend) GetTreeFromTips(_ context.Context, root id.ID, tips mapset.Set[id.ID]) ([]*entry.Entry, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	entries, _, err := b.entriesFromTips(root, "", tips)
	return entries, err
}

func (b *MemoryBackend) GetSubtreeFromTips(_ context.Context, root id.ID, subtree string, tips mapset.Set[id.ID]) ([]*entry.Entry, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	entries, _, err := b.entriesFromTips(root, subtree, tips)
	return entries, err
}

func (b *MemoryBackend) FindLCA(_ context.Context, root id.ID, subtree string, ids []id.ID) (id.ID, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	ctx := filterContext(b.rootEntriesLocked(root), subtree)
	return findLCA(ctx, subtree, ids)
}

func (b *MemoryBackend) CollectRootToTarget(_ context.Context, root id.ID, subtree string, target id.ID) ([]*entry.Entry, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	ctx := filterContext(b.rootEntriesLocked(root), subtree)
	height, err := computeHeights(ctx, subtree)
	if err != nil {
		return nil, err
	}
	return collectRootToTarget(ctx, subtree, target, height)
}

func (b *MemoryBackend) GetPathFromTo(_ context.Context, root id.ID, subtree string, from id.ID, to []id.ID) ([]*entry.Entry, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	ctx := filterContext(b.rootEntriesLocked(root), subtree)
	height, err := computeHeights(ctx, subtree)
	if err != nil {
		return nil, err
	}
	return ancestorSlice(ctx, subtree, from, to, height), nil
}

func (b *MemoryBackend) GetSortedSubtreeParents(_ context.Context, root id.ID, eid id.ID, subtree string) ([]id.ID, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	e, ok := b.entries[eid]
	if !ok {
		return nil, dagerr.New(dagerr.NotFound, fmt.Sprintf("entry %s", eid))
	}
	ctx := filterContext(b.rootEntriesLocked(root), subtree)
	height, err := computeHeights(ctx, subtree)
	if err != nil {
		return nil, err
	}
	parents := contextParents(e, subtree)
	if parents == nil {
		return nil, nil
	}
	ps := parents.ToSlice()
	sortIDsByHeight(ps, height)
	return ps, nil
}

func sortIDsByHeight(ids []id.ID, height map[id.ID]int) {
	for i := 1; i < len(ids); i++ {
		for j := i; j > 0; j-- {
			hi, hj := height[ids[j-1]], height[ids[j]]
			if hi < hj || (hi == hj && ids[j-1] <= ids[j]) {
				break
			}
			ids[j-1], ids[j] = ids[j], ids[j-1]
		}
	}
}

func (b *MemoryBackend) GetCachedCRDTState(_ context.Context, eid id.ID, subtree string) ([]byte, bool) {
	return b.crdtCache.Get(cacheKey{eid, subtree})
}

func (b *MemoryBackend) PutCachedCRDTState(_ context.Context, eid id.ID, subtree string, data []byte) {
	b.crdtCache.Add(cacheKey{eid, subtree}, data)
}

func (b *MemoryBackend) ClearCRDTCache() {
	b.crdtCache.Purge()
}

func (b *MemoryBackend) Close() error {
	return nil
}
