package sync

import (
	"context"
	"fmt"
	"time"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/opendag/opendag/pkg/dagerr"
	"github.com/opendag/opendag/pkg/entry"
	"github.com/opendag/opendag/pkg/id"
	"github.com/opendag/opendag/pkg/instance"
	"github.com/opendag/opendag/pkg/log"
	"github.com/opendag/opendag/pkg/metrics"
	"github.com/opendag/opendag/pkg/signer"
)

// Core drives both sides of the sync protocol for one Instance: the
// requester side (RequestSync) and the responder side (HandleSyncTree),
// plus the shared peer registry and bootstrap workflow both sides consult.
type Core struct {
	inst      *instance.Instance
	transport Transport
	registry  *Registry
	bootstrap *BootstrapStore
	signer    *signer.Signer
	log       zerolog.Logger
}

// NewCore builds a Core over inst, driving the wire through transport and
// persisting peer/bootstrap state in sync's dedicated "_sync" database
// (resolved to a stable root via Instance.NamedDatabase).
func NewCore(ctx context.Context, inst *instance.Instance, transport Transport, s *signer.Signer) (*Core, error) {
	syncDB, err := inst.NamedDatabase(ctx, "_sync")
	if err != nil {
		metrics.RegisterComponent("sync", false, err.Error())
		return nil, fmt.Errorf("sync: new_core: %w", err)
	}
	metrics.RegisterComponent("sync", true, "")
	return &Core{
		inst:      inst,
		transport: transport,
		registry:  NewRegistry(syncDB, s),
		bootstrap: NewBootstrapStore(syncDB, s),
		signer:    s,
		log:       log.WithComponent("sync"),
	}, nil
}

// Registry exposes the peer registry for callers that want to list or
// subscribe peers directly.
func (c *Core) Registry() *Registry { return c.registry }

// Bootstrap exposes the bootstrap request store for admin approval flows.
func (c *Core) Bootstrap() *BootstrapStore { return c.bootstrap }

// RequestSync drives the requester side of a bidirectional sync of treeID
// against the peer reachable at addr (§4.7, steps 1-6): it sends our tips,
// ingests whatever the responder sends back, and (for an established
// database) sends back anything the responder is missing.
func (c *Core) RequestSync(ctx context.Context, addr string, treeID id.ID) error {
	req, err := c.buildRequest(ctx, treeID)
	if err != nil {
		return err
	}
	resp, err := c.transport.SyncTree(ctx, addr, req)
	if err != nil {
		return fmt.Errorf("sync: request_sync %s: %w", treeID, err)
	}

	switch resp.Kind {
	case RespError:
		return dagerr.New(dagerr.InvalidEntry, resp.Err)
	case RespBootstrapPending:
		c.log.Info().Str("request_id", resp.RequestID).Msg("bootstrap request pending approval")
		return dagerr.Pending(resp.RequestID, resp.Message)
	case RespBootstrap:
		if err := c.ingest(ctx, treeID, resp.AllEntries); err != nil {
			return err
		}
	case RespIncremental:
		if err := c.ingest(ctx, treeID, resp.MissingEntries); err != nil {
			return err
		}
		if err := c.sendMissing(ctx, addr, treeID, resp.TheirTips); err != nil {
			return err
		}
	default:
		return fmt.Errorf("sync: request_sync %s: unexpected response kind %d", treeID, resp.Kind)
	}
	return nil
}

// buildRequest reports our current tips for treeID and, in case the
// responder needs to authorize us (an unknown tree, or a known tree where
// our tips no longer overlap), our signing identity and the permission
// we're asking for. A responder that already has overlapping tips ignores
// both fields.
func (c *Core) buildRequest(ctx context.Context, treeID id.ID) (*SyncTreeRequest, error) {
	backend := c.inst.Backend()
	tips, err := backend.GetTips(ctx, treeID)
	if err != nil && !dagerr.Is(err, dagerr.NotFound) {
		return nil, fmt.Errorf("sync: build_request %s: %w", treeID, err)
	}
	perm := instance.Read()
	req := &SyncTreeRequest{
		TreeID:              treeID,
		OurTips:             setToSlice(tips),
		PeerPubkey:          c.signer.PublicKey,
		RequestingKey:       c.signer.PublicKey,
		RequestingKeyName:   c.signer.Name,
		RequestedPermission: &perm,
	}
	return req, nil
}

func setToSlice(s mapset.Set[id.ID]) []id.ID {
	if s == nil {
		return nil
	}
	out := s.ToSlice()
	id.SortIDs(out)
	return out
}

// sendMissing ships every entry the responder's tips don't yet cover.
func (c *Core) sendMissing(ctx context.Context, addr string, treeID id.ID, theirTips []id.ID) error {
	backend := c.inst.Backend()
	ourTips, err := backend.GetTips(ctx, treeID)
	if err != nil {
		return fmt.Errorf("sync: send_missing %s: %w", treeID, err)
	}
	theirs := mapset.NewSet(theirTips...)
	missing, err := backend.GetTreeFromTips(ctx, treeID, ourTips.Difference(theirs))
	if err != nil {
		return fmt.Errorf("sync: send_missing %s: %w", treeID, err)
	}
	if len(missing) == 0 {
		return nil
	}
	resp, err := c.transport.SendEntries(ctx, addr, &SendEntriesRequest{TreeID: treeID, Entries: missing})
	if err != nil {
		return fmt.Errorf("sync: send_missing %s: %w", treeID, err)
	}
	if resp.Kind == RespError {
		return dagerr.New(dagerr.InvalidEntry, resp.Err)
	}
	return nil
}

// HandleSyncTree implements the responder side of §4.7: an unknown tree
// produces Error, empty/no-overlap tips trigger the bootstrap path (subject
// to authorization), and anything else is an incremental tip exchange.
func (c *Core) HandleSyncTree(ctx context.Context, req *SyncTreeRequest) *SyncResponse {
	backend := c.inst.Backend()
	ourTips, err := backend.GetTips(ctx, req.TreeID)
	if err != nil && !dagerr.Is(err, dagerr.NotFound) {
		return &SyncResponse{Kind: RespError, Err: err.Error()}
	}
	if err != nil || ourTips.Cardinality() == 0 {
		return &SyncResponse{Kind: RespError, Err: fmt.Sprintf("unknown tree %s", req.TreeID)}
	}

	overlap := mapset.NewSet(req.OurTips...).Intersect(ourTips).Cardinality() > 0
	if len(req.OurTips) == 0 || !overlap && req.RequestedPermission != nil {
		return c.handleBootstrap(ctx, req)
	}

	theirs := mapset.NewSet(req.OurTips...)
	missing, err := backend.GetTreeFromTips(ctx, req.TreeID, ourTips.Difference(theirs))
	if err != nil {
		return &SyncResponse{Kind: RespError, Err: err.Error()}
	}
	return &SyncResponse{
		Kind:           RespIncremental,
		MissingEntries: missing,
		TheirTips:      setToSlice(ourTips),
	}
}

// handleBootstrap either grants immediate access (if the requester already
// holds an authorized key) or records a pending BootstrapRequest for an
// administrator to resolve (§4.8).
func (c *Core) handleBootstrap(ctx context.Context, req *SyncTreeRequest) *SyncResponse {
	db := c.inst.Database(req.TreeID)

	if req.RequestedPermission == nil || len(req.RequestingKeyName) == 0 {
		return &SyncResponse{Kind: RespError, Err: "bootstrap requires a requesting key"}
	}

	if pub, perm, ok, err := db.AuthKey(ctx, req.RequestingKeyName); err == nil && ok {
		if len(pub) > 0 && perm.Satisfies(*req.RequestedPermission) {
			entries, err := db.Entries(ctx)
			if err != nil {
				return &SyncResponse{Kind: RespError, Err: err.Error()}
			}
			var root *entry.Entry
			for _, e := range entries {
				if e.IsRoot() {
					root = e
					break
				}
			}
			return &SyncResponse{Kind: RespBootstrap, RootEntry: root, AllEntries: entries}
		}
	}

	r, err := c.bootstrap.Record(ctx, req.TreeID, req.RequestingKey, req.RequestingKeyName, *req.RequestedPermission, time.Now())
	if err != nil {
		return &SyncResponse{Kind: RespError, Err: err.Error()}
	}
	return &SyncResponse{
		Kind:      RespBootstrapPending,
		RequestID: r.ID,
		Message:   fmt.Sprintf("bootstrap request %s pending administrator approval", r.ID),
	}
}

// HandleSendEntries implements the responder side of a push: validate and
// ingest each entry, then acknowledge how many were newly stored.
func (c *Core) HandleSendEntries(ctx context.Context, req *SendEntriesRequest) *SyncResponse {
	n, err := c.ingestCount(ctx, req.TreeID, req.Entries)
	if err != nil {
		return &SyncResponse{Kind: RespError, Err: err.Error()}
	}
	return &SyncResponse{Kind: RespCount, Count: n}
}

// ingest validates and stores entries via the Instance so write callbacks
// (including the local sync runtime's outbound fan-out) fire for each.
func (c *Core) ingest(ctx context.Context, treeID id.ID, entries []*entry.Entry) error {
	_, err := c.ingestCount(ctx, treeID, entries)
	return err
}

func (c *Core) ingestCount(ctx context.Context, treeID id.ID, entries []*entry.Entry) (int, error) {
	db := c.inst.Database(treeID)
	stored := 0

	g, gctx := errgroup.WithContext(ctx)
	results := make([]error, len(entries))
	for i, e := range entries {
		i, e := i, e
		g.Go(func() error {
			results[i] = c.validate(gctx, db, e)
			return nil
		})
	}
	_ = g.Wait()

	for i, e := range entries {
		if results[i] != nil {
			c.log.Warn().Err(results[i]).Str("entry", string(e.ID())).Msg("rejecting invalid entry during sync ingest")
			metrics.UpdateComponent("sync", false, results[i].Error())
			continue
		}
		if err := c.inst.PutEntry(ctx, e.Root, entry.Verified, e, entry.Remote); err != nil {
			return stored, fmt.Errorf("sync: ingest %s: %w", e.ID(), err)
		}
		stored++
	}
	return stored, nil
}

// validate re-hashes and checks the signature of e against its claimed
// signing key's public key in the target database's auth settings (§4.7's
// entry-validation step). The root entry of a brand-new database is
// exempt, since no auth settings exist yet to resolve its key against.
func (c *Core) validate(ctx context.Context, db *instance.Database, e *entry.Entry) error {
	if e.IsRoot() {
		if e.ComputedID() != e.ID() {
			return fmt.Errorf("entry %s: hash mismatch", e.ID())
		}
		return nil
	}
	pub, _, ok, err := db.AuthKey(ctx, e.KeyName)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("entry %s: unknown signing key %q", e.ID(), e.KeyName)
	}
	return e.Verify(pub)
}
