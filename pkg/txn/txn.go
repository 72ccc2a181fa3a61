// Package txn implements the atomic transaction layer: staged multi-subtree
// writes that compute parent sets from current tips, merge historical state
// with staged state on read, and commit as a single signed Entry.
package txn

import (
	"context"
	"fmt"
	"sort"
	"sync"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	"github.com/opendag/opendag/pkg/crdt"
	"github.com/opendag/opendag/pkg/dagerr"
	"github.com/opendag/opendag/pkg/entry"
	"github.com/opendag/opendag/pkg/id"
	"github.com/opendag/opendag/pkg/log"
	"github.com/opendag/opendag/pkg/metrics"
	"github.com/opendag/opendag/pkg/signer"
	"github.com/opendag/opendag/pkg/storage"
	"github.com/opendag/opendag/pkg/subtree"
)

// Committer is the single entry point transactions submit their sealed
// commit to. pkg/instance implements it; txn depends only on this narrow
// interface to avoid an import cycle.
type Committer interface {
	PutEntry(ctx context.Context, root id.ID, v entry.Verification, e *entry.Entry, source entry.WriteSource) error
}

// Transaction bundles the staged subtree writes that become a single
// Entry on Commit. Its tip snapshot is fixed at Open and never reconsulted,
// even if concurrent writes land before Commit (§4.4).
type Transaction struct {
	mu sync.Mutex

	backend   storage.Backend
	committer Committer
	signer    *signer.Signer

	root      id.ID // empty for a brand-new database, also after Commit
	newRoot   bool
	tips      mapset.Set[id.ID]
	staged    map[string]crdt.Value
	committed bool

	sf  singleflight.Group
	log zerolog.Logger
}

// Open snapshots root's current tips and binds the transaction to signer.
// A root of id.Empty starts a brand-new database: the eventual commit will
// be a root entry with an empty Root, which backends treat as the root of
// its own database (see Commit).
func Open(ctx context.Context, backend storage.Backend, committer Committer, root id.ID, s *signer.Signer) (*Transaction, error) {
	tx := &Transaction{
		backend:   backend,
		committer: committer,
		signer:    s,
		root:      root,
		newRoot:   root.IsEmpty(),
		staged:    make(map[string]crdt.Value),
		log:       log.WithComponent("txn"),
	}
	if tx.newRoot {
		tx.tips = mapset.NewSet[id.ID]()
		return tx, nil
	}
	tips, err := backend.GetTips(ctx, root)
	if err != nil {
		return nil, fmt.Errorf("txn: open: %w", err)
	}
	tx.tips = tips
	return tx, nil
}

// local returns the staged value for subtree, or Null if nothing staged.
func (tx *Transaction) local(subtree string) crdt.Value {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	v, ok := tx.staged[subtree]
	if !ok {
		return crdt.Null()
	}
	return v
}

// stage replaces the staged value for subtree.
func (tx *Transaction) stage(subtree string, v crdt.Value) {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	tx.staged[subtree] = v
}

// full returns historical_state(subtree, tips-at-open) merged with the
// staged value for subtree.
func (tx *Transaction) full(ctx context.Context, subtree string) (crdt.Value, error) {
	hist, err := tx.historicalState(ctx, subtree)
	if err != nil {
		return crdt.Value{}, err
	}
	tx.mu.Lock()
	staged, ok := tx.staged[subtree]
	tx.mu.Unlock()
	if !ok {
		return hist, nil
	}
	return crdt.Merge(hist, staged), nil
}

// historicalState loads every entry reachable in (tree? no: subtree)
// context from the transaction's snapshot tips, sorted by (height, ID),
// and folds Merge left-to-right from the empty value — short-circuiting
// through the per-entry CRDT-state cache where available. Concurrent
// callers asking for the same (root, subtree, tips) collapse onto one
// fold via singleflight.
func (tx *Transaction) historicalState(ctx context.Context, subtree string) (crdt.Value, error) {
	if tx.newRoot {
		return crdt.Null(), nil
	}
	key := tx.sfKey(subtree)
	v, err, _ := tx.sf.Do(key, func() (interface{}, error) {
		timer := metrics.NewTimer()
		defer timer.ObserveDuration(metrics.HistoricalStateFoldDuration)
		// A tree tip need not carry this subtree, so start the subtree walk
		// from every tree-reachable entry that does.
		treeEntries, err := tx.backend.GetTreeFromTips(ctx, tx.root, tx.tips)
		if err != nil {
			return nil, fmt.Errorf("txn: historical_state(%s): %w", subtree, err)
		}
		starts := mapset.NewSet[id.ID]()
		for _, e := range treeEntries {
			if _, ok := e.Subtrees[subtree]; ok {
				starts.Add(e.ID())
			}
		}
		entries, err := tx.backend.GetSubtreeFromTips(ctx, tx.root, subtree, starts)
		if err != nil {
			return nil, fmt.Errorf("txn: historical_state(%s): %w", subtree, err)
		}
		acc := crdt.Null()
		for _, e := range entries {
			if cached, ok := tx.backend.GetCachedCRDTState(ctx, e.ID(), subtree); ok {
				val, err := crdt.Deserialize(cached)
				if err != nil {
					return nil, fmt.Errorf("txn: decode cached state for %s: %w", e.ID(), err)
				}
				acc = val
				continue
			}
			st, ok := e.Subtrees[subtree]
			if !ok {
				continue
			}
			val, err := crdt.Deserialize(st.Payload)
			if err != nil {
				return nil, fmt.Errorf("txn: decode payload for %s/%s: %w", e.ID(), subtree, err)
			}
			acc = crdt.Merge(acc, val)
			if encoded, err := crdt.Serialize(acc); err == nil {
				tx.backend.PutCachedCRDTState(ctx, e.ID(), subtree, encoded)
			}
		}
		return acc, nil
	})
	if err != nil {
		return crdt.Value{}, err
	}
	return v.(crdt.Value), nil
}

func (tx *Transaction) sfKey(subtree string) string {
	tips := tx.tips.ToSlice()
	id.SortIDs(tips)
	return fmt.Sprintf("%s/%s/%v", tx.root, subtree, tips)
}

// subtreeHandle adapts a Transaction + bound subtree name to the
// pkg/subtree.Reader interface.
type subtreeHandle struct {
	tx   *Transaction
	ctx  context.Context
	name string
}

func (h *subtreeHandle) Local() crdt.Value { return h.tx.local(h.name) }
func (h *subtreeHandle) Full() (crdt.Value, error) {
	return h.tx.full(h.ctx, h.name)
}
func (h *subtreeHandle) Stage(v crdt.Value) { h.tx.stage(h.name, v) }

// Subtree returns a Reader bound to name, for wrapping in a pkg/subtree
// DocStore or Table.
func (tx *Transaction) Subtree(ctx context.Context, name string) subtree.Reader {
	return &subtreeHandle{tx: tx, ctx: ctx, name: name}
}

// Commit builds a new Entry from the staged subtrees, signs it, and
// submits it via the Committer. A transaction is consumed by Commit;
// calling Commit twice is an error.
func (tx *Transaction) Commit(ctx context.Context) (*entry.Entry, error) {
	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.CommitDuration)

	tx.mu.Lock()
	if tx.committed {
		tx.mu.Unlock()
		metrics.CommitsTotal.WithLabelValues("error").Inc()
		return nil, dagerr.New(dagerr.InvalidRequestState, "transaction already committed")
	}
	tx.committed = true
	staged := make(map[string]crdt.Value, len(tx.staged))
	for k, v := range tx.staged {
		staged[k] = v
	}
	tx.mu.Unlock()

	subtrees := make(map[string]entry.Subtree, len(staged))
	names := make([]string, 0, len(staged))
	for name := range staged {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		var subtreeTips mapset.Set[id.ID]
		if !tx.newRoot {
			t, err := tx.backend.GetSubtreeTips(ctx, tx.root, name)
			if err != nil {
				metrics.CommitsTotal.WithLabelValues("error").Inc()
				return nil, fmt.Errorf("txn: commit: subtree tips for %s: %w", name, err)
			}
			subtreeTips = t
		} else {
			subtreeTips = mapset.NewSet[id.ID]()
		}
		payload, err := crdt.Serialize(staged[name])
		if err != nil {
			metrics.CommitsTotal.WithLabelValues("error").Inc()
			return nil, fmt.Errorf("txn: commit: serialize %s: %w", name, err)
		}
		subtrees[name] = entry.Subtree{SubtreeParents: subtreeTips, Payload: payload}
	}

	// A brand-new database's root entry encodes Root as empty: it cannot
	// hash to its own ID (circular), so "self-referential" is realized by
	// convention instead — every backend treats an entry with an empty
	// Root as being the root of its own database (see storage's
	// rootEntriesLocked / maintainTipsLocked).
	e := entry.New(tx.root, tx.tips, subtrees)
	e.Sign(tx.signer.Name, tx.signer.PrivateKey)

	effectiveRoot := e.Root
	if tx.newRoot {
		effectiveRoot = e.ID()
	}
	if err := tx.committer.PutEntry(ctx, effectiveRoot, entry.Verified, e, entry.Local); err != nil {
		metrics.CommitsTotal.WithLabelValues("error").Inc()
		return nil, fmt.Errorf("txn: commit: %w", err)
	}
	metrics.CommitsTotal.WithLabelValues("success").Inc()
	tx.log.Info().Str("entry", string(e.ID())).Str("root", string(e.Root)).Msg("committed")
	return e, nil
}
