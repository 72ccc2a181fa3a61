// Package signer provides the ed25519 signing identity used by
// transactions and by entry verification. Key lifecycle beyond generation
// (rotation, password-wrapped storage, revocation) is out of scope; the
// core only needs to produce and hold a keypair.
package signer

import (
	"crypto/ed25519"
	"crypto/rand"
	"fmt"
)

// Signer holds a named ed25519 keypair. The name is what an Entry's
// KeyName field records, and what database auth settings key permissions
// off of.
type Signer struct {
	Name       string
	PublicKey  ed25519.PublicKey
	PrivateKey ed25519.PrivateKey
}

// Generate creates a fresh ed25519 keypair under the given name.
func Generate(name string) (*Signer, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("signer: generate key %q: %w", name, err)
	}
	return &Signer{Name: name, PublicKey: pub, PrivateKey: priv}, nil
}

// FromPrivateKey wraps an existing private key, e.g. the device key
// pkg/instance loads from its PEM file.
func FromPrivateKey(name string, priv ed25519.PrivateKey) *Signer {
	return &Signer{Name: name, PublicKey: priv.Public().(ed25519.PublicKey), PrivateKey: priv}
}

// Sign signs data with the held private key.
func (s *Signer) Sign(data []byte) []byte {
	return ed25519.Sign(s.PrivateKey, data)
}

// Verify checks a signature against this signer's public key.
func (s *Signer) Verify(data, sig []byte) bool {
	return ed25519.Verify(s.PublicKey, data, sig)
}

// Verify checks a signature against an arbitrary public key, for the case
// where the verifier isn't the signer (e.g. verifying a remote peer's
// entry against a key recorded in database auth settings).
func Verify(pub ed25519.PublicKey, data, sig []byte) bool {
	return ed25519.Verify(pub, data, sig)
}
