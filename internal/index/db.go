// Package index is the derived, rebuildable SQLite store: structured rows,
// an ANN vector table (vec0), and an FTS5 keyword table, kept in sync with
// the note store by CaptureService and SyncService. Unlike the note store,
// the index is private per process and safe to truncate and rebuild.
package index

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"

	sqlite_vec "github.com/asg017/sqlite-vec-go-bindings/cgo"
	_ "github.com/mattn/go-sqlite3"

	"github.com/memstore-dev/memstore/internal/memstoreerr"
)

func init() {
	sqlite_vec.Auto()
}

// Index wraps a SQLite connection holding the memories table, its vec0
// companion, and its FTS5 companion.
type Index struct {
	conn         *sql.DB
	mu           sync.Mutex // serializes writes; see spec.md §5 concurrency
	dims         int
	ftsAvailable bool
}

// Open opens or creates the index database at path, with the given vector
// dimensionality and busy timeout (milliseconds).
func Open(path string, dims int, busyTimeoutMS int) (*Index, error) {
	if dims <= 0 {
		dims = 384
	}
	if busyTimeoutMS <= 0 {
		busyTimeoutMS = 5000
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, memstoreerr.Wrap(memstoreerr.KindIndex, "index.open", "create data dir", err)
	}

	dsn := fmt.Sprintf("%s?_journal_mode=WAL&_synchronous=NORMAL&_busy_timeout=%d", path, busyTimeoutMS)
	conn, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, memstoreerr.Wrap(memstoreerr.KindIndex, "index.open", "open database", err)
	}

	var vecVersion string
	if err := conn.QueryRow("SELECT vec_version()").Scan(&vecVersion); err != nil {
		conn.Close()
		return nil, memstoreerr.Wrap(memstoreerr.KindIndex, "index.open", "sqlite-vec extension not available", err)
	}

	idx := &Index{conn: conn, dims: dims}
	if err := idx.migrate(); err != nil {
		conn.Close()
		return nil, err
	}
	return idx, nil
}

// OpenMemory opens an in-memory index for tests. sqlite-vec is still
// available (registered via sqlite_vec.Auto in init); FTS5 availability
// depends on the linked SQLite build, as with the teacher's OpenMemory.
func OpenMemory(dims int) (*Index, error) {
	if dims <= 0 {
		dims = 384
	}
	conn, err := sql.Open("sqlite3", ":memory:")
	if err != nil {
		return nil, memstoreerr.Wrap(memstoreerr.KindIndex, "index.open_memory", "open in-memory database", err)
	}
	idx := &Index{conn: conn, dims: dims}
	if err := idx.migrate(); err != nil {
		conn.Close()
		return nil, err
	}
	return idx, nil
}

// Close closes the underlying connection.
func (idx *Index) Close() error {
	return idx.conn.Close()
}

// Conn exposes the underlying *sql.DB for verification tooling (PRAGMA
// integrity_check, vacuum) that doesn't warrant a dedicated method.
func (idx *Index) Conn() *sql.DB {
	return idx.conn
}

// FTSAvailable reports whether the FTS5 module loaded on this connection.
func (idx *Index) FTSAvailable() bool {
	return idx.ftsAvailable
}

func (idx *Index) migrate() error {
	schema := []string{
		`CREATE TABLE IF NOT EXISTS meta (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL
		)`,

		`CREATE TABLE IF NOT EXISTS memories (
			id TEXT PRIMARY KEY,
			commit_id TEXT NOT NULL,
			namespace TEXT NOT NULL,
			domain TEXT NOT NULL,
			summary TEXT NOT NULL,
			content TEXT NOT NULL,
			timestamp TEXT NOT NULL,
			spec TEXT DEFAULT '',
			phase TEXT DEFAULT '',
			tags TEXT DEFAULT '[]',
			status TEXT NOT NULL DEFAULT 'active',
			relates_to TEXT DEFAULT '[]',
			created_at INTEGER NOT NULL DEFAULT (unixepoch()),
			updated_at INTEGER NOT NULL DEFAULT (unixepoch())
		)`,
		`CREATE INDEX IF NOT EXISTS idx_memories_namespace ON memories(namespace)`,
		`CREATE INDEX IF NOT EXISTS idx_memories_spec ON memories(spec)`,
		`CREATE INDEX IF NOT EXISTS idx_memories_commit_id ON memories(commit_id)`,
		`CREATE INDEX IF NOT EXISTS idx_memories_timestamp ON memories(timestamp)`,
		`CREATE INDEX IF NOT EXISTS idx_memories_status ON memories(status)`,
		`CREATE INDEX IF NOT EXISTS idx_memories_domain ON memories(domain)`,

		fmt.Sprintf(`CREATE VIRTUAL TABLE IF NOT EXISTS memory_vectors USING vec0(
			id TEXT PRIMARY KEY,
			embedding float[%d]
		)`, idx.dims),
	}

	for _, stmt := range schema {
		if _, err := idx.conn.Exec(stmt); err != nil {
			return memstoreerr.Wrap(memstoreerr.KindIndex, "index.migrate", fmt.Sprintf("schema statement failed: %s", stmt), err)
		}
	}

	current := idx.SchemaVersion()
	versioned := []struct {
		version int
		fn      func() error
	}{
		{1, idx.migrateV1},
		{2, idx.migrateV2},
	}
	for _, m := range versioned {
		if current < m.version {
			if err := m.fn(); err != nil {
				return memstoreerr.Wrap(memstoreerr.KindIndex, "index.migrate",
					fmt.Sprintf("migration v%d failed", m.version), err).WithHint("the index may be left partially migrated; delete it and run sync --full")
			}
			if err := idx.SetMeta("schema_version", strconv.Itoa(m.version)); err != nil {
				return memstoreerr.Wrap(memstoreerr.KindIndex, "index.migrate", "record migration version", err)
			}
		}
	}
	return nil
}

// migrateV1 establishes version 1 as the baseline (no-op, matches the
// teacher's convention of a version-tracking baseline step).
func (idx *Index) migrateV1() error {
	return nil
}

// migrateV2 creates the FTS5 virtual table for BM25 keyword search. Uses
// external content (content=memories) so the index stores only postings,
// not duplicated text. Best-effort: some SQLite builds lack FTS5, and
// search_text degrades to a LIKE-based fallback in that case.
func (idx *Index) migrateV2() error {
	_, err := idx.conn.Exec(`CREATE VIRTUAL TABLE IF NOT EXISTS memories_fts USING fts5(
		id UNINDEXED, summary, content,
		content=memories, content_rowid=rowid
	)`)
	if err != nil {
		idx.ftsAvailable = false
		return nil
	}
	idx.ftsAvailable = true
	_, _ = idx.conn.Exec(`INSERT INTO memories_fts(memories_fts) VALUES('rebuild')`)
	return nil
}

// SchemaVersion returns the current schema version, 0 if unset.
func (idx *Index) SchemaVersion() int {
	v, ok := idx.GetMeta("schema_version")
	if !ok {
		return 0
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0
	}
	return n
}

// GetMeta reads a value from the meta table.
func (idx *Index) GetMeta(key string) (string, bool) {
	var value string
	err := idx.conn.QueryRow(`SELECT value FROM meta WHERE key = ?`, key).Scan(&value)
	if err != nil {
		return "", false
	}
	return value, true
}

// SetMeta upserts a value in the meta table.
func (idx *Index) SetMeta(key, value string) error {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	_, err := idx.conn.Exec(
		`INSERT INTO meta (key, value) VALUES (?, ?)
		 ON CONFLICT(key) DO UPDATE SET value = excluded.value`,
		key, value,
	)
	return err
}

// RecordEmbeddingMeta stamps the embedding provider/model/dimensions that
// populated this index's vectors, the first time a vector is written.
// Adapted from the teacher's CheckEmbeddingMeta (store/db.go): a vec0
// table holds raw float arrays with no notion of which model produced
// them, so the index has to track that compatibility itself.
func (idx *Index) RecordEmbeddingMeta(provider, model string, dims int) error {
	if _, ok := idx.GetMeta("embedding_provider"); ok {
		return nil
	}
	if err := idx.SetMeta("embedding_provider", provider); err != nil {
		return err
	}
	if err := idx.SetMeta("embedding_model", model); err != nil {
		return err
	}
	return idx.SetMeta("embedding_dims", strconv.Itoa(dims))
}

// CheckEmbeddingCompat reports an error if provider/model/dims differ from
// whatever first populated this index's vectors, enforcing spec.md's
// implicit invariant that every vector in one index shares one embedding
// space. An index with no recorded embedding meta yet (empty, or built
// before this field existed) is always compatible.
func (idx *Index) CheckEmbeddingCompat(provider, model string, dims int) error {
	wantProvider, ok := idx.GetMeta("embedding_provider")
	if !ok {
		return nil
	}
	wantModel, _ := idx.GetMeta("embedding_model")
	wantDimsStr, _ := idx.GetMeta("embedding_dims")
	wantDims, _ := strconv.Atoi(wantDimsStr)

	if wantProvider != provider || wantModel != model || wantDims != dims {
		return memstoreerr.New(memstoreerr.KindIndex, "index.check_embedding_compat",
			fmt.Sprintf("index was built with %s/%s (%dd), got %s/%s (%dd)",
				wantProvider, wantModel, wantDims, provider, model, dims)).
			WithHint("run 'memstore sync --full' after changing embedding provider or model")
	}
	return nil
}

// RebuildFTS rebuilds the FTS5 index from the memories table. No-op if
// FTS5 is unavailable.
func (idx *Index) RebuildFTS() error {
	if !idx.ftsAvailable {
		return nil
	}
	_, err := idx.conn.Exec(`INSERT INTO memories_fts(memories_fts) VALUES('rebuild')`)
	return err
}

// TruncateAll empties every memory table, used by SyncService's full
// reindex (spec.md §4.8 "when full, first truncate all index tables").
func (idx *Index) TruncateAll() error {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	tx, err := idx.conn.Begin()
	if err != nil {
		return memstoreerr.Wrap(memstoreerr.KindIndex, "index.truncate_all", "begin transaction failed", err)
	}
	defer tx.Rollback()

	stmts := []string{"DELETE FROM memories", "DELETE FROM memory_vectors"}
	for _, stmt := range stmts {
		if _, err := tx.Exec(stmt); err != nil {
			return memstoreerr.Wrap(memstoreerr.KindIndex, "index.truncate_all", fmt.Sprintf("statement failed: %s", stmt), err)
		}
	}
	if err := tx.Commit(); err != nil {
		return memstoreerr.Wrap(memstoreerr.KindIndex, "index.truncate_all", "commit failed", err)
	}
	if idx.ftsAvailable {
		_, _ = idx.conn.Exec(`INSERT INTO memories_fts(memories_fts) VALUES('rebuild')`)
	}
	return nil
}

// IntegrityCheck runs PRAGMA integrity_check.
func (idx *Index) IntegrityCheck() error {
	var result string
	if err := idx.conn.QueryRow("PRAGMA integrity_check").Scan(&result); err != nil {
		return memstoreerr.Wrap(memstoreerr.KindIndex, "index.integrity_check", "query failed", err)
	}
	if result != "ok" {
		return memstoreerr.New(memstoreerr.KindIndex, "index.integrity_check", "corruption detected: "+result)
	}
	return nil
}

// Vacuum runs storage optimization, including an analyze pass (spec.md
// §4.5 "runs storage optimization including an analyze").
func (idx *Index) Vacuum() error {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	if _, err := idx.conn.Exec("VACUUM"); err != nil {
		return memstoreerr.Wrap(memstoreerr.KindIndex, "index.vacuum", "vacuum failed", err)
	}
	if _, err := idx.conn.Exec("ANALYZE"); err != nil {
		return memstoreerr.Wrap(memstoreerr.KindIndex, "index.vacuum", "analyze failed", err)
	}
	return idx.SetMeta("last_sync", nowRFC3339())
}
