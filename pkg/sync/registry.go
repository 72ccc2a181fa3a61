package sync

import (
	"context"
	"crypto/ed25519"
	"encoding/hex"
	"fmt"

	"github.com/opendag/opendag/pkg/crdt"
	"github.com/opendag/opendag/pkg/id"
	"github.com/opendag/opendag/pkg/instance"
	"github.com/opendag/opendag/pkg/signer"
	"github.com/opendag/opendag/pkg/subtree"
)

const peersSubtree = "peers"

// PeerInfo is one entry in the peer registry: everything the sync core
// and runtime need to know about a peer, keyed by its public key.
type PeerInfo struct {
	Pubkey      ed25519.PublicKey
	DisplayName string
	Status      PeerStatus
	// Addresses and SubscribedRoots are CRDT sets (key presence =
	// membership), modeled as Map so additions from different replicas
	// merge by union rather than last-writer-wins (SPEC_FULL.md §12.3).
	Addresses       map[string]bool
	SubscribedRoots map[id.ID]bool
}

// Registry is the peer registry of §4.7, persisted inside a dedicated
// "_sync" database so peer state itself participates in CRDT semantics.
type Registry struct {
	db *instance.Database
	s  *signer.Signer
}

// NewRegistry binds a Registry to db, committing changes under s.
func NewRegistry(db *instance.Database, s *signer.Signer) *Registry {
	return &Registry{db: db, s: s}
}

func peerKey(pub ed25519.PublicKey) string { return hex.EncodeToString(pub) }

func encodePeer(p *PeerInfo) crdt.Value {
	v := crdt.NewMapValue()
	m, _ := v.AsMap()
	m.Set("pubkey", crdt.Text(hex.EncodeToString(p.Pubkey)))
	m.Set("display_name", crdt.Text(p.DisplayName))
	m.Set("status", crdt.Text(p.Status.String()))

	addrs := crdt.NewMapValue()
	am, _ := addrs.AsMap()
	for a := range p.Addresses {
		am.Set(a, crdt.Bool(true))
	}
	m.Set("addresses", addrs)

	roots := crdt.NewMapValue()
	rm, _ := roots.AsMap()
	for r := range p.SubscribedRoots {
		rm.Set(string(r), crdt.Bool(true))
	}
	m.Set("subscribed_roots", roots)
	return v
}

func decodePeer(v crdt.Value) (*PeerInfo, error) {
	m, ok := v.AsMap()
	if !ok {
		return nil, fmt.Errorf("sync: peer entry malformed")
	}
	pubHex, _ := textField(m, "pubkey")
	pub, err := hex.DecodeString(pubHex)
	if err != nil {
		return nil, fmt.Errorf("sync: peer pubkey: %w", err)
	}
	displayName, _ := textField(m, "display_name")
	statusStr, _ := textField(m, "status")

	p := &PeerInfo{
		Pubkey:          pub,
		DisplayName:     displayName,
		Status:          parseStatus(statusStr),
		Addresses:       map[string]bool{},
		SubscribedRoots: map[id.ID]bool{},
	}
	if addrVal, ok := m.Get("addresses"); ok {
		if am, ok := addrVal.AsMap(); ok {
			for _, k := range am.Keys() {
				p.Addresses[k] = true
			}
		}
	}
	if rootVal, ok := m.Get("subscribed_roots"); ok {
		if rm, ok := rootVal.AsMap(); ok {
			for _, k := range rm.Keys() {
				p.SubscribedRoots[id.ID(k)] = true
			}
		}
	}
	return p, nil
}

func textField(m *crdt.Map, key string) (string, bool) {
	v, ok := m.Get(key)
	if !ok {
		return "", false
	}
	return v.AsText()
}

func parseStatus(s string) PeerStatus {
	switch s {
	case "active":
		return PeerActive
	case "inactive":
		return PeerInactive
	default:
		return PeerPending
	}
}

// Upsert replaces (or creates) the registry entry for p.Pubkey.
func (r *Registry) Upsert(ctx context.Context, p *PeerInfo) error {
	tx, err := r.db.Open(ctx, r.s)
	if err != nil {
		return fmt.Errorf("sync: registry upsert: %w", err)
	}
	doc := subtree.NewDocStore(tx.Subtree(ctx, peersSubtree))
	if err := doc.SetPath(peerKey(p.Pubkey), encodePeer(p)); err != nil {
		return err
	}
	_, err = tx.Commit(ctx)
	return err
}

// Get looks up a peer by public key.
func (r *Registry) Get(ctx context.Context, pub ed25519.PublicKey) (*PeerInfo, bool, error) {
	tx, err := r.db.Open(ctx, r.s)
	if err != nil {
		return nil, false, err
	}
	doc := subtree.NewDocStore(tx.Subtree(ctx, peersSubtree))
	v, ok, err := doc.GetPath(peerKey(pub))
	if err != nil || !ok {
		return nil, ok, err
	}
	p, err := decodePeer(v)
	return p, true, err
}

// List returns every registered peer.
func (r *Registry) List(ctx context.Context) ([]*PeerInfo, error) {
	tx, err := r.db.Open(ctx, r.s)
	if err != nil {
		return nil, err
	}
	v, err := tx.Subtree(ctx, peersSubtree).Full()
	if err != nil {
		return nil, err
	}
	m, ok := v.AsMap()
	if !ok {
		return nil, nil
	}
	out := make([]*PeerInfo, 0, m.Len())
	for _, k := range m.Keys() {
		pv, _ := m.Get(k)
		p, err := decodePeer(pv)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, nil
}

// Subscribe records that peer should receive future commits to root,
// creating the peer entry (as Pending) if it isn't registered yet.
func (r *Registry) Subscribe(ctx context.Context, pub ed25519.PublicKey, root id.ID) error {
	p, ok, err := r.Get(ctx, pub)
	if err != nil {
		return err
	}
	if !ok {
		p = &PeerInfo{Pubkey: pub, Status: PeerPending, Addresses: map[string]bool{}, SubscribedRoots: map[id.ID]bool{}}
	}
	p.SubscribedRoots[root] = true
	return r.Upsert(ctx, p)
}
