package subconscious

import (
	"bufio"
	"encoding/json"
	"os"
	"path/filepath"
	"time"

	"github.com/memstore-dev/memstore/internal/memstoreerr"
)

// jsonlEvent is AuditEvent's on-disk shape: same field set as the
// teacher's guard.AuditEntry and secrets.AuditEvent, stored one JSON
// object per line.
type jsonlEvent struct {
	Timestamp string `json:"timestamp"`
	Kind      string `json:"kind"`
	Namespace string `json:"namespace,omitempty"`
	Detail    string `json:"detail,omitempty"`
}

// FileAuditLogger is the default AuditLogger: an append-only JSONL file,
// read back in full for Query/Stats. Adequate for the expected audit
// volume (one line per implicit-capture or LLM decision); a high-volume
// deployment would swap this for an indexed store behind the same
// interface.
type FileAuditLogger struct {
	Path string
}

func (l *FileAuditLogger) Log(event AuditEvent) error {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}
	if err := os.MkdirAll(filepath.Dir(l.Path), 0o700); err != nil {
		return memstoreerr.Wrap(memstoreerr.KindStorage, "subconscious.audit_log", "failed to create audit directory", err)
	}

	data, err := json.Marshal(jsonlEvent{
		Timestamp: event.Timestamp.Format(time.RFC3339),
		Kind:      event.Kind,
		Namespace: event.Namespace,
		Detail:    event.Detail,
	})
	if err != nil {
		return memstoreerr.Wrap(memstoreerr.KindStorage, "subconscious.audit_log", "failed to marshal event", err)
	}
	data = append(data, '\n')

	f, err := os.OpenFile(l.Path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o600)
	if err != nil {
		return memstoreerr.Wrap(memstoreerr.KindStorage, "subconscious.audit_log", "failed to open audit log", err)
	}
	defer f.Close()
	_, err = f.Write(data)
	if err != nil {
		return memstoreerr.Wrap(memstoreerr.KindStorage, "subconscious.audit_log", "failed to write event", err)
	}
	return nil
}

func (l *FileAuditLogger) readAll() ([]AuditEvent, error) {
	f, err := os.Open(l.Path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, memstoreerr.Wrap(memstoreerr.KindStorage, "subconscious.audit_read", "failed to open audit log", err)
	}
	defer f.Close()

	var events []AuditEvent
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var raw jsonlEvent
		if err := json.Unmarshal(line, &raw); err != nil {
			continue // tolerate a partially-written trailing line
		}
		ts, err := time.Parse(time.RFC3339, raw.Timestamp)
		if err != nil {
			ts = time.Time{}
		}
		events = append(events, AuditEvent{Timestamp: ts, Kind: raw.Kind, Namespace: raw.Namespace, Detail: raw.Detail})
	}
	return events, nil
}

// Query returns events matching q, most recent first, bounded by q.Limit
// (spec.md §4.9 AuditLogger.query).
func (l *FileAuditLogger) Query(q AuditQuery) ([]AuditEvent, error) {
	all, err := l.readAll()
	if err != nil {
		return nil, err
	}

	var matched []AuditEvent
	for i := len(all) - 1; i >= 0; i-- {
		e := all[i]
		if !q.Since.IsZero() && e.Timestamp.Before(q.Since) {
			continue
		}
		if q.Namespace != "" && e.Namespace != q.Namespace {
			continue
		}
		if q.Kind != "" && e.Kind != q.Kind {
			continue
		}
		matched = append(matched, e)
		if q.Limit > 0 && len(matched) >= q.Limit {
			break
		}
	}
	return matched, nil
}

// Stats aggregates the full audit trail by kind (spec.md §4.9
// AuditLogger.stats).
func (l *FileAuditLogger) Stats() (AuditStats, error) {
	all, err := l.readAll()
	if err != nil {
		return AuditStats{}, err
	}
	stats := AuditStats{ByKind: make(map[string]int)}
	for _, e := range all {
		stats.TotalEvents++
		stats.ByKind[e.Kind]++
		if stats.Oldest.IsZero() || e.Timestamp.Before(stats.Oldest) {
			stats.Oldest = e.Timestamp
		}
		if e.Timestamp.After(stats.Newest) {
			stats.Newest = e.Timestamp
		}
	}
	return stats, nil
}
