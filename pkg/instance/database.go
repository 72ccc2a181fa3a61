package instance

import (
	"context"
	"crypto/ed25519"
	"encoding/hex"
	"fmt"

	"github.com/opendag/opendag/pkg/crdt"
	"github.com/opendag/opendag/pkg/entry"
	"github.com/opendag/opendag/pkg/id"
	"github.com/opendag/opendag/pkg/signer"
	"github.com/opendag/opendag/pkg/subtree"
	"github.com/opendag/opendag/pkg/txn"
)

// settingsSubtree is the reserved subtree every database carries its
// authentication policy in: key name -> {pubkey, permission}.
const settingsSubtree = "_settings"

// Database is a thin handle bound to one root: settings/auth lookup and
// entry traversal convenience wrapping the owning Instance's backend.
// It holds no state of its own, so handing one out is free.
type Database struct {
	inst *Instance
	root id.ID
}

// Root returns the database's root entry ID.
func (db *Database) Root() id.ID { return db.root }

// Open starts a new transaction against this database, signed by s.
func (db *Database) Open(ctx context.Context, s *signer.Signer) (*txn.Transaction, error) {
	return txn.Open(ctx, db.inst.backend, db.inst, db.root, s)
}

// Tips returns one of the database's current tree tips (an arbitrary one
// when there are several), or "" when it has none. The full tip set comes
// from the backend's GetTips.
func (db *Database) Tips(ctx context.Context) (id.ID, error) {
	tips, err := db.inst.backend.GetTips(ctx, db.root)
	if err != nil {
		return "", err
	}
	if tips.Cardinality() == 0 {
		return "", nil
	}
	for t := range tips.Iter() {
		return t, nil // arbitrary representative; callers wanting all tips use GetTips directly
	}
	return "", nil
}

// Entries returns every entry in this database, sorted by (height, ID).
func (db *Database) Entries(ctx context.Context) ([]*entry.Entry, error) {
	return db.inst.backend.GetTree(ctx, db.root)
}

// authSettings reads the merged settings map as of the database's current
// tips, via a throwaway read-only transaction (no signer needed: nothing is
// staged or committed).
func (db *Database) authSettings(ctx context.Context) (*crdt.Map, error) {
	tx, err := txn.Open(ctx, db.inst.backend, db.inst, db.root, nil)
	if err != nil {
		return nil, fmt.Errorf("instance: open settings read: %w", err)
	}
	v, err := tx.Subtree(ctx, settingsSubtree).Full()
	if err != nil {
		return nil, err
	}
	if v.Kind() != crdt.KindMap {
		return crdt.NewMap(), nil
	}
	m, _ := v.AsMap()
	return m, nil
}

// AuthKey resolves keyName against this database's authentication
// settings, returning the key's public key and granted permission.
func (db *Database) AuthKey(ctx context.Context, keyName string) (ed25519.PublicKey, Permission, bool, error) {
	settings, err := db.authSettings(ctx)
	if err != nil {
		return nil, Permission{}, false, err
	}
	entryVal, ok := settings.Get(keyName)
	if !ok {
		return nil, Permission{}, false, nil
	}
	m, ok := entryVal.AsMap()
	if !ok {
		return nil, Permission{}, false, fmt.Errorf("instance: auth entry %q malformed", keyName)
	}
	pubHex, _ := get(m, "pubkey")
	pub, err := hex.DecodeString(pubHex)
	if err != nil {
		return nil, Permission{}, false, fmt.Errorf("instance: auth entry %q: bad pubkey: %w", keyName, err)
	}
	perm, err := decodePermission(m)
	if err != nil {
		return nil, Permission{}, false, err
	}
	return ed25519.PublicKey(pub), perm, true, nil
}

// AddAuthKey grants pub the permission perm under keyName, committing a
// single-subtree transaction signed by s.
func (db *Database) AddAuthKey(ctx context.Context, s *signer.Signer, keyName string, pub ed25519.PublicKey, perm Permission) error {
	tx, err := db.Open(ctx, s)
	if err != nil {
		return err
	}
	doc := subtree.NewDocStore(tx.Subtree(ctx, settingsSubtree))
	entryVal := crdt.NewMapValue()
	em, _ := entryVal.AsMap()
	em.Set("pubkey", crdt.Text(hex.EncodeToString(pub)))
	em.Set("permission", encodePermission(perm))
	if err := doc.SetPath(keyName, crdt.FromMap(em)); err != nil {
		return err
	}
	_, err = tx.Commit(ctx)
	return err
}

func get(m *crdt.Map, key string) (string, bool) {
	v, ok := m.Get(key)
	if !ok {
		return "", false
	}
	s, ok := v.AsText()
	return s, ok
}

func encodePermission(p Permission) crdt.Value {
	v := crdt.NewMapValue()
	m, _ := v.AsMap()
	m.Set("kind", crdt.Text(p.Kind.String()))
	m.Set("priority", crdt.Int(int64(p.Priority)))
	return v
}

func decodePermission(entryMap *crdt.Map) (Permission, error) {
	permVal, ok := entryMap.Get("permission")
	if !ok {
		return Permission{}, fmt.Errorf("instance: auth entry missing permission")
	}
	pm, ok := permVal.AsMap()
	if !ok {
		return Permission{}, fmt.Errorf("instance: permission malformed")
	}
	kindStr, _ := get(pm, "kind")
	priority, _ := pm.Get("priority")
	pr, _ := priority.AsInt()
	switch kindStr {
	case "read":
		return Read(), nil
	case "write":
		return Write(int(pr)), nil
	case "admin":
		return Admin(), nil
	default:
		return Permission{}, fmt.Errorf("instance: unknown permission kind %q", kindStr)
	}
}
