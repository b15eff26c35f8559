package index

import (
	"database/sql"
	"encoding/json"
	"time"

	"github.com/memstore-dev/memstore/internal/memstoreerr"
)

// Memory mirrors the data model's Memory entity as stored in the index —
// a derived, rebuildable copy; the note store remains the source of truth.
type Memory struct {
	ID         string
	CommitID   string
	Namespace  string
	Domain     string
	Summary    string
	Content    string
	Timestamp  time.Time
	Spec       string
	Phase      string
	Tags       []string
	Status     string
	RelatesTo  []string
}

func nowRFC3339() string {
	return time.Now().UTC().Format(time.RFC3339)
}

func marshalList(xs []string) string {
	if len(xs) == 0 {
		return "[]"
	}
	b, _ := json.Marshal(xs)
	return string(b)
}

func unmarshalList(raw string) []string {
	var xs []string
	if raw == "" {
		return nil
	}
	_ = json.Unmarshal([]byte(raw), &xs)
	return xs
}

// Insert writes memory (and its embedding, if non-nil) into all tables.
// Idempotent on primary-key collision: an existing row is replaced, since
// the spec leaves insert-vs-update policy to the caller (spec.md §4.5).
func (idx *Index) Insert(m Memory, embedding []float32) error {
	return idx.upsert(m, embedding)
}

// Update rewrites an existing memory's row and (if provided) its vector.
func (idx *Index) Update(m Memory, embedding []float32) error {
	return idx.upsert(m, embedding)
}

func (idx *Index) upsert(m Memory, embedding []float32) error {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	tx, err := idx.conn.Begin()
	if err != nil {
		return memstoreerr.Wrap(memstoreerr.KindIndex, "index.upsert", "begin transaction", err)
	}
	defer tx.Rollback()

	ts := m.Timestamp.UTC().Format(time.RFC3339)
	_, err = tx.Exec(`
		INSERT INTO memories (id, commit_id, namespace, domain, summary, content, timestamp,
			spec, phase, tags, status, relates_to, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, unixepoch())
		ON CONFLICT(id) DO UPDATE SET
			commit_id = excluded.commit_id,
			namespace = excluded.namespace,
			domain = excluded.domain,
			summary = excluded.summary,
			content = excluded.content,
			timestamp = excluded.timestamp,
			spec = excluded.spec,
			phase = excluded.phase,
			tags = excluded.tags,
			status = excluded.status,
			relates_to = excluded.relates_to,
			updated_at = unixepoch()`,
		m.ID, m.CommitID, m.Namespace, m.Domain, m.Summary, m.Content, ts,
		m.Spec, m.Phase, marshalList(m.Tags), m.Status, marshalList(m.RelatesTo),
	)
	if err != nil {
		return memstoreerr.Wrap(memstoreerr.KindIndex, "index.upsert", "upsert memory row", err)
	}

	if embedding != nil {
		vecData, err := serializeVector(embedding)
		if err != nil {
			return memstoreerr.Wrap(memstoreerr.KindIndex, "index.upsert", "serialize embedding", err)
		}
		if _, err := tx.Exec(`DELETE FROM memory_vectors WHERE id = ?`, m.ID); err != nil {
			return memstoreerr.Wrap(memstoreerr.KindIndex, "index.upsert", "clear old vector", err)
		}
		if _, err := tx.Exec(`INSERT INTO memory_vectors (id, embedding) VALUES (?, ?)`, m.ID, vecData); err != nil {
			return memstoreerr.Wrap(memstoreerr.KindIndex, "index.upsert", "insert vector", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return memstoreerr.Wrap(memstoreerr.KindIndex, "index.upsert", "commit transaction", err)
	}
	if err := idx.RebuildFTS(); err != nil {
		return memstoreerr.Wrap(memstoreerr.KindIndex, "index.upsert", "rebuild fts index", err)
	}
	return nil
}

// Delete removes a memory and its vector row.
func (idx *Index) Delete(id string) error {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	tx, err := idx.conn.Begin()
	if err != nil {
		return memstoreerr.Wrap(memstoreerr.KindIndex, "index.delete", "begin transaction", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`DELETE FROM memory_vectors WHERE id = ?`, id); err != nil {
		return memstoreerr.Wrap(memstoreerr.KindIndex, "index.delete", "delete vector", err)
	}
	if _, err := tx.Exec(`DELETE FROM memories WHERE id = ?`, id); err != nil {
		return memstoreerr.Wrap(memstoreerr.KindIndex, "index.delete", "delete memory row", err)
	}
	if err := tx.Commit(); err != nil {
		return memstoreerr.Wrap(memstoreerr.KindIndex, "index.delete", "commit transaction", err)
	}
	if err := idx.RebuildFTS(); err != nil {
		return memstoreerr.Wrap(memstoreerr.KindIndex, "index.delete", "rebuild fts index", err)
	}
	return nil
}

// Exists reports whether id is present.
func (idx *Index) Exists(id string) (bool, error) {
	var exists int
	err := idx.conn.QueryRow(`SELECT EXISTS(SELECT 1 FROM memories WHERE id = ?)`, id).Scan(&exists)
	if err != nil {
		return false, memstoreerr.Wrap(memstoreerr.KindIndex, "index.exists", "query failed", err)
	}
	return exists == 1, nil
}

// GetExistingIDs returns the subset of candidates present in the index,
// batched into a single IN-clause query to avoid N round-trips.
func (idx *Index) GetExistingIDs(candidates []string) (map[string]bool, error) {
	out := make(map[string]bool)
	if len(candidates) == 0 {
		return out, nil
	}
	placeholders := make([]string, len(candidates))
	args := make([]interface{}, len(candidates))
	for i, c := range candidates {
		placeholders[i] = "?"
		args[i] = c
	}
	query := "SELECT id FROM memories WHERE id IN (" + joinComma(placeholders) + ")"
	rows, err := idx.conn.Query(query, args...)
	if err != nil {
		return nil, memstoreerr.Wrap(memstoreerr.KindIndex, "index.get_existing_ids", "query failed", err)
	}
	defer rows.Close()
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out[id] = true
	}
	return out, rows.Err()
}

func joinComma(xs []string) string {
	out := ""
	for i, x := range xs {
		if i > 0 {
			out += ","
		}
		out += x
	}
	return out
}

// Get returns a single memory by id, or nil if not found.
func (idx *Index) Get(id string) (*Memory, error) {
	row := idx.conn.QueryRow(`
		SELECT id, commit_id, namespace, domain, summary, content, timestamp,
			spec, phase, tags, status, relates_to
		FROM memories WHERE id = ?`, id)
	m, err := scanMemory(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, memstoreerr.Wrap(memstoreerr.KindIndex, "index.get", "query failed", err)
	}
	return m, nil
}

// GetBatch returns all memories matching ids, order unspecified.
func (idx *Index) GetBatch(ids []string) ([]Memory, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	placeholders := make([]string, len(ids))
	args := make([]interface{}, len(ids))
	for i, id := range ids {
		placeholders[i] = "?"
		args[i] = id
	}
	query := `SELECT id, commit_id, namespace, domain, summary, content, timestamp,
		spec, phase, tags, status, relates_to FROM memories WHERE id IN (` + joinComma(placeholders) + `)`
	rows, err := idx.conn.Query(query, args...)
	if err != nil {
		return nil, memstoreerr.Wrap(memstoreerr.KindIndex, "index.get_batch", "query failed", err)
	}
	defer rows.Close()

	var out []Memory
	for rows.Next() {
		m, err := scanMemoryRows(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *m)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanMemory(row scanner) (*Memory, error) {
	var m Memory
	var ts, tags, relates string
	if err := row.Scan(&m.ID, &m.CommitID, &m.Namespace, &m.Domain, &m.Summary, &m.Content, &ts,
		&m.Spec, &m.Phase, &tags, &m.Status, &relates); err != nil {
		return nil, err
	}
	parsed, err := time.Parse(time.RFC3339, ts)
	if err == nil {
		m.Timestamp = parsed
	}
	m.Tags = unmarshalList(tags)
	m.RelatesTo = unmarshalList(relates)
	return &m, nil
}

func scanMemoryRows(rows *sql.Rows) (*Memory, error) {
	return scanMemory(rows)
}

// IterAllIDs returns every memory id, optionally scoped to domain, paginated
// internally to bound memory. pageSize <= 0 defaults to 500.
func (idx *Index) IterAllIDs(domain string, pageSize int) ([]string, error) {
	if pageSize <= 0 {
		pageSize = 500
	}
	var ids []string
	lastID := ""
	for {
		var rows *sql.Rows
		var err error
		if domain != "" {
			rows, err = idx.conn.Query(
				`SELECT id FROM memories WHERE domain = ? AND id > ? ORDER BY id LIMIT ?`,
				domain, lastID, pageSize)
		} else {
			rows, err = idx.conn.Query(
				`SELECT id FROM memories WHERE id > ? ORDER BY id LIMIT ?`,
				lastID, pageSize)
		}
		if err != nil {
			return nil, memstoreerr.Wrap(memstoreerr.KindIndex, "index.iter_all_ids", "query failed", err)
		}

		batch := 0
		for rows.Next() {
			var id string
			if err := rows.Scan(&id); err != nil {
				rows.Close()
				return nil, err
			}
			ids = append(ids, id)
			lastID = id
			batch++
		}
		closeErr := rows.Close()
		if closeErr != nil {
			return nil, closeErr
		}
		if batch < pageSize {
			break
		}
	}
	return ids, nil
}

// Count returns the total number of memories, optionally scoped to domain.
func (idx *Index) Count(domain string) (int, error) {
	var count int
	var err error
	if domain != "" {
		err = idx.conn.QueryRow(`SELECT COUNT(*) FROM memories WHERE domain = ?`, domain).Scan(&count)
	} else {
		err = idx.conn.QueryRow(`SELECT COUNT(*) FROM memories`).Scan(&count)
	}
	return count, err
}
