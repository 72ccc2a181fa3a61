package sync

import (
	"context"
	"crypto/ed25519"
)

// Transport is the opaque wire layer a Core drives. The protocol (§4.7) is
// transport-agnostic; concrete transports (HTTP, iroh, an in-process pipe
// for tests) implement this narrow surface.
type Transport interface {
	// SyncTree sends req to addr and returns the responder's reply.
	SyncTree(ctx context.Context, addr string, req *SyncTreeRequest) (*SyncResponse, error)
	// SendEntries pushes a batch to addr and expects Ack or Count back.
	SendEntries(ctx context.Context, addr string, req *SendEntriesRequest) (*SyncResponse, error)
	// Handshake performs the address-exchange handshake and returns the
	// remote's public key.
	Handshake(ctx context.Context, addr string) (ed25519.PublicKey, error)
}
