package instance

import (
	"crypto/ed25519"
	"encoding/pem"
	"fmt"
	"os"
	"path/filepath"

	"github.com/opendag/opendag/pkg/signer"
)

const deviceKeyFile = "device.key"
const deviceKeyPEMType = "OPENDAG DEVICE PRIVATE KEY"

// loadOrCreateDeviceSigner implements the supplemented bootstrap: an
// Instance that finds no local signing key generates one and persists it,
// rather than requiring the caller to supply one up front. Key lifecycle
// beyond this bare bootstrap (rotation, password wrapping, revocation) is
// out of scope.
func loadOrCreateDeviceSigner(dataDir string) (*signer.Signer, error) {
	if dataDir == "" {
		return signer.Generate("device")
	}
	keyPath := filepath.Join(dataDir, deviceKeyFile)

	if data, err := os.ReadFile(keyPath); err == nil {
		block, _ := pem.Decode(data)
		if block == nil || len(block.Bytes) != ed25519.PrivateKeySize {
			return nil, fmt.Errorf("instance: %s is corrupt", keyPath)
		}
		return signer.FromPrivateKey("device", ed25519.PrivateKey(block.Bytes)), nil
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("instance: read device key: %w", err)
	}

	s, err := signer.Generate("device")
	if err != nil {
		return nil, fmt.Errorf("instance: generate device key: %w", err)
	}
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, fmt.Errorf("instance: create data dir: %w", err)
	}
	block := &pem.Block{Type: deviceKeyPEMType, Bytes: s.PrivateKey}
	if err := os.WriteFile(keyPath, pem.EncodeToMemory(block), 0o600); err != nil {
		return nil, fmt.Errorf("instance: persist device key: %w", err)
	}
	return s, nil
}
