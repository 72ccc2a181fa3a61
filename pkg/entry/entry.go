// Package entry implements the immutable, content-addressed Entry: the
// node type of the DAG every Database is built from.
package entry

import (
	"bytes"
	"crypto/ed25519"
	"encoding/binary"
	"fmt"
	"sort"

	mapset "github.com/deckarep/golang-set/v2"

	"github.com/opendag/opendag/pkg/id"
)

// Subtree is the per-entry payload slot for a named subtree: the subtree's
// own parent set (tips of that subtree at commit time) plus the serialized
// CRDT value.
type Subtree struct {
	SubtreeParents mapset.Set[id.ID]
	Payload        []byte
}

// Entry is immutable once constructed; every field is set at creation and
// never mutated afterward (I1-I5 are invariants over the stored set, not
// over any single Entry's mutability).
type Entry struct {
	id        id.ID
	Root      id.ID
	Parents   mapset.Set[id.ID]
	Subtrees  map[string]Subtree
	KeyName   string
	Signature []byte
}

// New constructs an unsigned Entry. Root, Parents and Subtrees must be
// fully populated by the caller (normally pkg/txn at commit time) before
// Sign is called; the ID is only meaningful after signing.
func New(root id.ID, parents mapset.Set[id.ID], subtrees map[string]Subtree) *Entry {
	if parents == nil {
		parents = mapset.NewSet[id.ID]()
	}
	if subtrees == nil {
		subtrees = make(map[string]Subtree)
	}
	return &Entry{Root: root, Parents: parents, Subtrees: subtrees}
}

// IsRoot reports whether this entry has no tree parents, i.e. it is the
// first entry of its database (I1).
func (e *Entry) IsRoot() bool {
	return e.Parents == nil || e.Parents.Cardinality() == 0
}

// SubtreeNames returns the names of subtrees this entry writes, sorted.
func (e *Entry) SubtreeNames() []string {
	names := make([]string, 0, len(e.Subtrees))
	for name := range e.Subtrees {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// sortedIDs returns the set's members as a sorted slice.
func sortedIDs(s mapset.Set[id.ID]) []id.ID {
	if s == nil {
		return nil
	}
	out := s.ToSlice()
	id.SortIDs(out)
	return out
}

// CanonicalEncoding returns the deterministic byte representation that is
// hashed to produce the Entry's ID and signed. It includes: the root ID,
// sorted tree parents, sorted subtree entries (each with sorted
// subtree_parents and the verbatim payload), and the signing-key name. The
// signature itself is never part of this encoding.
func (e *Entry) CanonicalEncoding() []byte {
	var buf bytes.Buffer
	writeField(&buf, []byte(e.Root))

	parents := sortedIDs(e.Parents)
	writeUvarint(&buf, uint64(len(parents)))
	for _, p := range parents {
		writeField(&buf, []byte(p))
	}

	names := e.SubtreeNames()
	writeUvarint(&buf, uint64(len(names)))
	for _, name := range names {
		st := e.Subtrees[name]
		writeField(&buf, []byte(name))
		sp := sortedIDs(st.SubtreeParents)
		writeUvarint(&buf, uint64(len(sp)))
		for _, p := range sp {
			writeField(&buf, []byte(p))
		}
		writeField(&buf, st.Payload)
	}

	writeField(&buf, []byte(e.KeyName))
	return buf.Bytes()
}

func writeUvarint(buf *bytes.Buffer, n uint64) {
	var tmp [binary.MaxVarintLen64]byte
	w := binary.PutUvarint(tmp[:], n)
	buf.Write(tmp[:w])
}

// writeField writes a length-prefixed field so that concatenation can never
// create an ambiguous boundary between adjacent fields.
func writeField(buf *bytes.Buffer, data []byte) {
	writeUvarint(buf, uint64(len(data)))
	buf.Write(data)
}

// ComputedID returns the content hash of the canonical encoding: what the
// Entry's ID must equal for the tamper check (I4) to pass.
func (e *Entry) ComputedID() id.ID {
	return id.Of(e.CanonicalEncoding())
}

// ID returns the entry's stored ID. It is only valid after Sign has been
// called (or SetID, for entries reconstructed from storage).
func (e *Entry) ID() id.ID {
	return e.id
}

// SetID is used when reconstructing an Entry already known to be valid
// (e.g. loaded from a storage backend that stores the ID as the key).
func (e *Entry) SetID(i id.ID) {
	e.id = i
}

// Sign computes the canonical encoding, hashes it to obtain the ID, signs
// that encoding with priv, and records keyName alongside the signature.
func (e *Entry) Sign(keyName string, priv ed25519.PrivateKey) {
	e.KeyName = keyName
	e.id = e.ComputedID()
	e.Signature = ed25519.Sign(priv, e.CanonicalEncoding())
}

// Verify checks both the tamper check (I4: the stored ID matches the
// recomputed hash) and the signature, against the supplied public key.
func (e *Entry) Verify(pub ed25519.PublicKey) error {
	if e.ComputedID() != e.id {
		return fmt.Errorf("entry %s: computed hash does not match stored id", e.id)
	}
	if !ed25519.Verify(pub, e.CanonicalEncoding(), e.Signature) {
		return fmt.Errorf("entry %s: signature verification failed for key %q", e.id, e.KeyName)
	}
	return nil
}

// Verification records whether an entry's signature has been checked.
type Verification int

const (
	// Verified means the signature (and hash) were already validated.
	Verified Verification = iota
	// Unverified means the signature has not been checked yet. An entry
	// whose status was never recorded reads back as Verified, per the
	// storage backend's get_verification_status contract.
	Unverified
)

// WriteSource distinguishes a locally-committed entry from one ingested
// from a peer during sync; callbacks are registered per-source.
type WriteSource int

const (
	Local WriteSource = iota
	Remote
)

func (s WriteSource) String() string {
	if s == Remote {
		return "remote"
	}
	return "local"
}
