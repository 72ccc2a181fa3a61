// Package id defines the content-addressed identifier used throughout the
// entry DAG: a fixed 256-bit hash of an entry's canonical encoding.
package id

import (
	"encoding/hex"
	"sort"

	"golang.org/x/crypto/blake2b"
)

// ID is a byte-addressable opaque identifier, stringly comparable and
// total-ordered so it can serve as the tie-break key in (height, ID) sorts.
type ID string

// Empty is the zero value; no stored entry ever hashes to it.
const Empty ID = ""

// Of computes the fixed content hash of data. The hash algorithm is chosen
// once (blake2b-256) and must never change without a migration, per the
// external-interfaces contract on entry IDs.
func Of(data []byte) ID {
	sum := blake2b.Sum256(data)
	return ID(hex.EncodeToString(sum[:]))
}

// Less gives the total order used for deterministic tie-breaking.
func (i ID) Less(other ID) bool {
	return string(i) < string(other)
}

func (i ID) String() string {
	return string(i)
}

// IsEmpty reports whether i is the zero ID.
func (i ID) IsEmpty() bool {
	return i == Empty
}

// SortIDs sorts a slice of IDs in place, ascending.
func SortIDs(ids []ID) {
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
}
