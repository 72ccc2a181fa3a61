// Package instance implements the Instance: the owner of a storage backend,
// the device signing identity, and the registry of write callbacks that
// every locally or remotely ingested Entry flows through.
package instance

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/opendag/opendag/pkg/entry"
	"github.com/opendag/opendag/pkg/id"
	"github.com/opendag/opendag/pkg/log"
	"github.com/opendag/opendag/pkg/metrics"
	"github.com/opendag/opendag/pkg/signer"
	"github.com/opendag/opendag/pkg/storage"
)

// WriteCallback observes an entry that has just been persisted. Its error
// is logged but never aborts the write or other callbacks.
type WriteCallback func(ctx context.Context, e *entry.Entry, db *Database, inst *Instance) error

// Config configures an Instance.
type Config struct {
	// DataDir, if non-empty, is where the device signing key is persisted
	// between runs. Empty means ephemeral (a fresh key every Open).
	DataDir string
	Storage storage.Config
}

// Instance owns one storage backend and the write-callback registry for
// every database within it (§4.6). It is the single chokepoint local
// commits and remotely ingested sync entries both flow through.
type Instance struct {
	mu sync.RWMutex

	dataDir      string
	backend      storage.Backend
	deviceSigner *signer.Signer

	namedRoots map[string]id.ID

	perRoot map[entry.WriteSource]map[id.ID][]WriteCallback
	global  map[entry.WriteSource][]WriteCallback

	tracked   map[id.ID]bool
	collector *metrics.Collector

	log zerolog.Logger
}

// Open constructs an Instance over backend, bootstrapping a device signing
// key if cfg.DataDir holds none yet, and starts the gauge collector that
// periodically samples entry/tip counts for every database PutEntry has
// touched.
func Open(backend storage.Backend, cfg Config) (*Instance, error) {
	s, err := loadOrCreateDeviceSigner(cfg.DataDir)
	if err != nil {
		metrics.RegisterComponent("storage", false, err.Error())
		return nil, err
	}
	collector := metrics.NewCollector(15 * time.Second)
	collector.Start()

	inst := &Instance{
		dataDir:      cfg.DataDir,
		backend:      backend,
		deviceSigner: s,
		namedRoots:   make(map[string]id.ID),
		perRoot:      make(map[entry.WriteSource]map[id.ID][]WriteCallback),
		global:       make(map[entry.WriteSource][]WriteCallback),
		tracked:      make(map[id.ID]bool),
		collector:    collector,
		log:          log.WithComponent("instance"),
	}
	metrics.RegisterComponent("storage", true, "")
	metrics.RegisterComponent("instance", true, "")
	return inst, nil
}

// Backend returns the owned storage backend.
func (inst *Instance) Backend() storage.Backend { return inst.backend }

// DeviceSigner returns the Instance's bootstrap signing identity.
func (inst *Instance) DeviceSigner() *signer.Signer { return inst.deviceSigner }

// Database opens a handle bound to root. It does no I/O itself; root need
// not exist yet (a handle for a not-yet-committed database is valid to
// hold, since the first commit through pkg/txn establishes it).
func (inst *Instance) Database(root id.ID) *Database {
	return &Database{inst: inst, root: root}
}

// OnWrite registers a global callback for every entry committed from
// source, across every database.
func (inst *Instance) OnWrite(source entry.WriteSource, cb WriteCallback) {
	inst.mu.Lock()
	defer inst.mu.Unlock()
	inst.global[source] = append(inst.global[source], cb)
}

// OnDatabaseWrite registers a callback scoped to entries committed to root
// from source.
func (inst *Instance) OnDatabaseWrite(source entry.WriteSource, root id.ID, cb WriteCallback) {
	inst.mu.Lock()
	defer inst.mu.Unlock()
	if inst.perRoot[source] == nil {
		inst.perRoot[source] = make(map[id.ID][]WriteCallback)
	}
	inst.perRoot[source][root] = append(inst.perRoot[source][root], cb)
}

// PutEntry is §4.6's put_entry: persist, then fan the entry out to every
// registered callback for source. A callback failure is logged and never
// aborts the write or its sibling callbacks.
func (inst *Instance) PutEntry(ctx context.Context, root id.ID, v entry.Verification, e *entry.Entry, source entry.WriteSource) error {
	if err := inst.backend.Put(ctx, v, e); err != nil {
		metrics.UpdateComponent("storage", false, err.Error())
		return fmt.Errorf("instance: put_entry: %w", err)
	}
	inst.trackForMetrics(root)

	inst.mu.RLock()
	var callbacks []WriteCallback
	callbacks = append(callbacks, inst.global[source]...)
	if perDB, ok := inst.perRoot[source]; ok {
		callbacks = append(callbacks, perDB[root]...)
	}
	inst.mu.RUnlock()

	if len(callbacks) == 0 {
		return nil
	}

	db := inst.Database(root)
	g, gctx := errgroup.WithContext(ctx)
	for _, cb := range callbacks {
		cb := cb
		g.Go(func() error {
			if err := cb(gctx, e, db, inst); err != nil {
				inst.log.Warn().Err(err).Str("entry", string(e.ID())).Msg("write callback failed")
			}
			return nil
		})
	}
	_ = g.Wait() // callbacks never propagate failure into put_entry's result
	return nil
}

// trackForMetrics registers root with the gauge collector the first time
// an entry is put to it.
func (inst *Instance) trackForMetrics(root id.ID) {
	if root.IsEmpty() {
		return
	}
	inst.mu.Lock()
	defer inst.mu.Unlock()
	if inst.tracked[root] {
		return
	}
	inst.tracked[root] = true
	inst.collector.Track(root, inst.backend)
}

// Close releases the backend and stops the gauge collector.
func (inst *Instance) Close() error {
	inst.collector.Stop()
	return inst.backend.Close()
}
