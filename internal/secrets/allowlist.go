package secrets

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"

	"github.com/memstore-dev/memstore/internal/memstoreerr"
)

// FileAllowlist persists allowlisted detection hashes per namespace as a
// JSON file, in the style of the teacher's guard config file under the
// user's config directory.
type FileAllowlist struct {
	mu   sync.Mutex
	path string
	data map[string]map[string]bool // namespace -> hash -> true
}

// NewFileAllowlist loads (or initializes) the allowlist stored at path.
func NewFileAllowlist(path string) (*FileAllowlist, error) {
	a := &FileAllowlist{path: path, data: make(map[string]map[string]bool)}
	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return a, nil
		}
		return nil, memstoreerr.Wrap(memstoreerr.KindSecrets, "secrets.allowlist_load", "failed to read allowlist file", err)
	}
	if len(raw) == 0 {
		return a, nil
	}
	if err := json.Unmarshal(raw, &a.data); err != nil {
		return nil, memstoreerr.Wrap(memstoreerr.KindSecrets, "secrets.allowlist_load", "failed to parse allowlist file", err)
	}
	return a, nil
}

func (a *FileAllowlist) IsAllowlisted(hash, namespace string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	ns, ok := a.data[namespace]
	if !ok {
		return false
	}
	return ns[hash]
}

func (a *FileAllowlist) Add(hash, namespace string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.data[namespace] == nil {
		a.data[namespace] = make(map[string]bool)
	}
	a.data[namespace][hash] = true
	return a.saveLocked()
}

// List returns every allowlisted hash grouped by namespace.
func (a *FileAllowlist) List() map[string][]string {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make(map[string][]string, len(a.data))
	for ns, hashes := range a.data {
		for hash := range hashes {
			out[ns] = append(out[ns], hash)
		}
	}
	return out
}

func (a *FileAllowlist) Remove(hash, namespace string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if ns, ok := a.data[namespace]; ok {
		delete(ns, hash)
	}
	return a.saveLocked()
}

func (a *FileAllowlist) saveLocked() error {
	if err := os.MkdirAll(filepath.Dir(a.path), 0o700); err != nil {
		return memstoreerr.Wrap(memstoreerr.KindSecrets, "secrets.allowlist_save", "failed to create allowlist directory", err)
	}
	raw, err := json.MarshalIndent(a.data, "", "  ")
	if err != nil {
		return memstoreerr.Wrap(memstoreerr.KindSecrets, "secrets.allowlist_save", "failed to marshal allowlist", err)
	}
	if err := os.WriteFile(a.path, raw, 0o600); err != nil {
		return memstoreerr.Wrap(memstoreerr.KindSecrets, "secrets.allowlist_save", "failed to write allowlist file", err)
	}
	return nil
}
