// Package sync implements the bidirectional tip-exchange sync protocol
// (§4.7), the bootstrap authorization workflow (§4.8), and the background
// sync runtime that drives outbound transmission (§4.9).
package sync

import (
	"crypto/ed25519"

	"github.com/opendag/opendag/pkg/entry"
	"github.com/opendag/opendag/pkg/id"
	"github.com/opendag/opendag/pkg/instance"
)

// PeerStatus is a peer's connection lifecycle state in the registry.
type PeerStatus int

const (
	PeerActive PeerStatus = iota
	PeerInactive
	PeerPending
)

func (s PeerStatus) String() string {
	switch s {
	case PeerActive:
		return "active"
	case PeerInactive:
		return "inactive"
	case PeerPending:
		return "pending"
	default:
		return "unknown"
	}
}

// SyncTreeRequest is the requester's opening message for one database:
// its current tips, plus optional bootstrap-authorization parameters when
// it holds no key on the database yet (§4.8).
type SyncTreeRequest struct {
	TreeID              id.ID
	OurTips             []id.ID
	PeerPubkey          ed25519.PublicKey
	RequestingKey       ed25519.PublicKey
	RequestingKeyName   string
	RequestedPermission *instance.Permission
}

// SendEntriesRequest carries a batch of entries from sender to recipient,
// in the second leg of a bidirectional sync (or a background-runtime send).
type SendEntriesRequest struct {
	TreeID  id.ID
	Entries []*entry.Entry
}

// ResponseKind tags which SyncResponse variant is populated.
type ResponseKind int

const (
	RespBootstrap ResponseKind = iota
	RespIncremental
	RespBootstrapPending
	RespAck
	RespCount
	RespError
)

// SyncResponse is the tagged union of responder replies to a SyncTree
// request (§4.7).
type SyncResponse struct {
	Kind ResponseKind

	// RespBootstrap
	RootEntry   *entry.Entry
	AllEntries  []*entry.Entry

	// RespIncremental
	MissingEntries []*entry.Entry
	TheirTips      []id.ID

	// RespBootstrapPending
	RequestID string
	Message   string

	// RespCount
	Count int

	// RespError
	Err string
}
