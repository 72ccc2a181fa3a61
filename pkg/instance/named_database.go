package instance

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/opendag/opendag/pkg/id"
)

// NamedDatabase resolves a well-known internal database (e.g. "_sync")
// to a stable root across restarts. A fresh root ID can't be predicted
// before its root entry is signed and hashed, so the first call commits an
// empty marker entry and remembers the resulting ID; later calls (in this
// process, or after a restart with the same DataDir) return the same
// Database handle instead of minting a disconnected new root each time.
//
// With no DataDir configured, the mapping only survives for this
// Instance's lifetime, same as the ephemeral device-key bootstrap.
func (inst *Instance) NamedDatabase(ctx context.Context, name string) (*Database, error) {
	inst.mu.RLock()
	if root, ok := inst.namedRoots[name]; ok {
		inst.mu.RUnlock()
		return inst.Database(root), nil
	}
	inst.mu.RUnlock()

	if root, ok, err := inst.readNamedRoot(name); err != nil {
		return nil, err
	} else if ok {
		inst.rememberNamedRoot(name, root)
		return inst.Database(root), nil
	}

	db := inst.Database(id.Empty)
	tx, err := db.Open(ctx, inst.deviceSigner)
	if err != nil {
		return nil, fmt.Errorf("instance: named_database %q: %w", name, err)
	}
	e, err := tx.Commit(ctx)
	if err != nil {
		return nil, fmt.Errorf("instance: named_database %q: %w", name, err)
	}

	if err := inst.writeNamedRoot(name, e.ID()); err != nil {
		return nil, err
	}
	inst.rememberNamedRoot(name, e.ID())
	return inst.Database(e.ID()), nil
}

func (inst *Instance) rememberNamedRoot(name string, root id.ID) {
	inst.mu.Lock()
	defer inst.mu.Unlock()
	inst.namedRoots[name] = root
}

func namedRootFileName(name string) string {
	return strings.TrimPrefix(name, "_") + ".root"
}

func (inst *Instance) readNamedRoot(name string) (id.ID, bool, error) {
	if inst.dataDir == "" {
		return "", false, nil
	}
	path := filepath.Join(inst.dataDir, namedRootFileName(name))
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return "", false, nil
		}
		return "", false, fmt.Errorf("instance: read named root %q: %w", name, err)
	}
	return id.ID(strings.TrimSpace(string(data))), true, nil
}

func (inst *Instance) writeNamedRoot(name string, root id.ID) error {
	if inst.dataDir == "" {
		return nil
	}
	if err := os.MkdirAll(inst.dataDir, 0o755); err != nil {
		return fmt.Errorf("instance: create data dir: %w", err)
	}
	path := filepath.Join(inst.dataDir, namedRootFileName(name))
	if err := os.WriteFile(path, []byte(root.String()), 0o600); err != nil {
		return fmt.Errorf("instance: persist named root %q: %w", name, err)
	}
	return nil
}
