package secrets

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/memstore-dev/memstore/internal/memstoreerr"
)

// AuditEvent is a single line in the append-only JSONL audit log, emitted
// for every scan, filter, and allowlist mutation (spec.md §4.4).
type AuditEvent struct {
	Timestamp  string `json:"timestamp"`
	Action     string `json:"action"` // "scan", "filter", "allowlist_add", "allowlist_remove"
	Source     string `json:"source,omitempty"`
	Namespace  string `json:"namespace,omitempty"`
	Detections int    `json:"detections,omitempty"`
	Outcome    string `json:"outcome,omitempty"`
	Hash       string `json:"hash,omitempty"`
}

// AuditLog appends AuditEvents to a JSONL file, rotating it once it exceeds
// MaxSizeBytes, keeping at most MaxFiles rotated copies.
type AuditLog struct {
	Dir          string
	MaxSizeBytes int64
	MaxFiles     int
}

func (a *AuditLog) path() string {
	return filepath.Join(a.Dir, "secrets-audit.log")
}

// Append writes entry as one JSON line, stamping Timestamp if unset, and
// rotates the log first if it has grown past MaxSizeBytes.
func (a *AuditLog) Append(entry AuditEvent) error {
	if entry.Timestamp == "" {
		entry.Timestamp = time.Now().UTC().Format(time.RFC3339)
	}

	if err := os.MkdirAll(a.Dir, 0o700); err != nil {
		return memstoreerr.Wrap(memstoreerr.KindSecrets, "secrets.audit_append", "failed to create audit directory", err)
	}

	if err := a.rotateIfNeeded(); err != nil {
		return err
	}

	data, err := json.Marshal(entry)
	if err != nil {
		return memstoreerr.Wrap(memstoreerr.KindSecrets, "secrets.audit_append", "failed to marshal audit entry", err)
	}
	data = append(data, '\n')

	f, err := os.OpenFile(a.path(), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o600)
	if err != nil {
		return memstoreerr.Wrap(memstoreerr.KindSecrets, "secrets.audit_append", "failed to open audit log", err)
	}
	defer f.Close()

	if _, err := f.Write(data); err != nil {
		return memstoreerr.Wrap(memstoreerr.KindSecrets, "secrets.audit_append", "failed to write audit entry", err)
	}
	return nil
}

func (a *AuditLog) rotateIfNeeded() error {
	if a.MaxSizeBytes <= 0 {
		return nil
	}
	info, err := os.Stat(a.path())
	if err != nil {
		return nil // no log yet, nothing to rotate
	}
	if info.Size() < a.MaxSizeBytes {
		return nil
	}

	maxFiles := a.MaxFiles
	if maxFiles <= 0 {
		maxFiles = 5
	}
	for i := maxFiles - 1; i >= 1; i-- {
		src := a.rotatedPath(i)
		dst := a.rotatedPath(i + 1)
		if _, err := os.Stat(src); err == nil {
			_ = os.Rename(src, dst)
		}
	}
	return os.Rename(a.path(), a.rotatedPath(1))
}

func (a *AuditLog) rotatedPath(n int) string {
	return fmt.Sprintf("%s.%d", a.path(), n)
}

// AuditFilter narrows Read to events matching every set field.
type AuditFilter struct {
	Action    string
	Namespace string
}

func (f AuditFilter) matches(e AuditEvent) bool {
	if f.Action != "" && e.Action != f.Action {
		return false
	}
	if f.Namespace != "" && e.Namespace != f.Namespace {
		return false
	}
	return true
}

// Read returns the most recent events matching filter, newest first,
// capped at limit (0 means unlimited). Only the current log file is
// read; rotated copies are not consulted.
func (a *AuditLog) Read(filter AuditFilter, limit int) ([]AuditEvent, error) {
	f, err := os.Open(a.path())
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, memstoreerr.Wrap(memstoreerr.KindSecrets, "secrets.audit_read", "failed to open audit log", err)
	}
	defer f.Close()

	var matched []AuditEvent
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		var e AuditEvent
		if err := json.Unmarshal(scanner.Bytes(), &e); err != nil {
			continue
		}
		if filter.matches(e) {
			matched = append(matched, e)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, memstoreerr.Wrap(memstoreerr.KindSecrets, "secrets.audit_read", "failed to scan audit log", err)
	}

	for i, j := 0, len(matched)-1; i < j; i, j = i+1, j-1 {
		matched[i], matched[j] = matched[j], matched[i]
	}
	if limit > 0 && len(matched) > limit {
		matched = matched[:limit]
	}
	return matched, nil
}
