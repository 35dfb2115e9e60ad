package memory

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	_ "github.com/asg017/sqlite-vec-go-bindings/ncruces"
	_ "github.com/ncruces/go-sqlite3/driver"

	"github.com/openclaw/openclaw/internal/clawerr"
)

// VecIndexStore is the specialized vector index: a sqlite-vec vec0
// virtual table with cosine distance, queried via KNN MATCH instead
// of a brute-force scan. Entry bodies live in a side table keyed by
// the vec0 rowid.
type VecIndexStore struct {
	db        *sql.DB
	dimension int
}

// OpenVecIndexStore opens the vec0-backed store at path. It fails if
// the sqlite-vec extension cannot create the virtual table; callers
// fall back to the cosine scan store on error.
func OpenVecIndexStore(path string, dimension int) (*VecIndexStore, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, clawerr.Wrap(clawerr.KindDatabase, "open vec index db", err)
	}
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS entries (
			rowid INTEGER PRIMARY KEY AUTOINCREMENT,
			id TEXT UNIQUE NOT NULL,
			content TEXT NOT NULL,
			metadata TEXT NOT NULL DEFAULT '{}'
		)`,
		fmt.Sprintf(`CREATE VIRTUAL TABLE IF NOT EXISTS vec_entries USING vec0(
			embedding float[%d] distance_metric=cosine
		)`, dimension),
	}
	for _, stmt := range stmts {
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			return nil, clawerr.Wrap(clawerr.KindDatabase, "migrate vec index db", err)
		}
	}
	return &VecIndexStore{db: db, dimension: dimension}, nil
}

// Close releases the database handle.
func (s *VecIndexStore) Close() error { return s.db.Close() }

// Insert stores a new entry and its vector.
func (s *VecIndexStore) Insert(ctx context.Context, e Entry, vector []float32) error {
	return s.upsert(ctx, e, vector)
}

// Update rewrites an existing entry.
func (s *VecIndexStore) Update(ctx context.Context, e Entry, vector []float32) error {
	return s.upsert(ctx, e, vector)
}

func (s *VecIndexStore) upsert(ctx context.Context, e Entry, vector []float32) error {
	if len(vector) != s.dimension {
		return clawerr.Newf(clawerr.KindMemory, "embedding dimension %d, want %d", len(vector), s.dimension)
	}
	meta, err := json.Marshal(e.Metadata)
	if err != nil {
		return clawerr.Wrap(clawerr.KindSerialization, "marshal metadata", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return clawerr.Wrap(clawerr.KindDatabase, "begin vec upsert", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO entries (id, content, metadata) VALUES (?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET content = excluded.content, metadata = excluded.metadata`,
		e.ID, e.Content, string(meta)); err != nil {
		return clawerr.Wrap(clawerr.KindDatabase, "upsert vec entry", err)
	}

	var rowid int64
	if err := tx.QueryRowContext(ctx, `SELECT rowid FROM entries WHERE id = ?`, e.ID).Scan(&rowid); err != nil {
		return clawerr.Wrap(clawerr.KindDatabase, "resolve vec rowid", err)
	}

	// vec0 tables have no upsert; delete then insert at the same rowid.
	if _, err := tx.ExecContext(ctx, `DELETE FROM vec_entries WHERE rowid = ?`, rowid); err != nil {
		return clawerr.Wrap(clawerr.KindDatabase, "replace vec embedding", err)
	}
	if _, err := tx.ExecContext(ctx, `INSERT INTO vec_entries (rowid, embedding) VALUES (?, ?)`,
		rowid, encodeFloat32s(vector)); err != nil {
		return clawerr.Wrap(clawerr.KindDatabase, "insert vec embedding", err)
	}
	return clawerr.Wrap(clawerr.KindDatabase, "commit vec upsert", tx.Commit())
}

// Remove deletes an entry. Removing an absent id is a no-op.
func (s *VecIndexStore) Remove(ctx context.Context, id string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return clawerr.Wrap(clawerr.KindDatabase, "begin vec remove", err)
	}
	defer tx.Rollback()

	var rowid int64
	err = tx.QueryRowContext(ctx, `SELECT rowid FROM entries WHERE id = ?`, id).Scan(&rowid)
	if err == sql.ErrNoRows {
		return nil
	}
	if err != nil {
		return clawerr.Wrap(clawerr.KindDatabase, "resolve vec rowid", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM vec_entries WHERE rowid = ?`, rowid); err != nil {
		return clawerr.Wrap(clawerr.KindDatabase, "delete vec embedding", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM entries WHERE rowid = ?`, rowid); err != nil {
		return clawerr.Wrap(clawerr.KindDatabase, "delete vec entry", err)
	}
	return clawerr.Wrap(clawerr.KindDatabase, "commit vec remove", tx.Commit())
}

// Search runs a KNN MATCH query against the vec0 index. Cosine
// distance d maps to similarity 1-d.
func (s *VecIndexStore) Search(ctx context.Context, vector []float32, k int) ([]Result, error) {
	if k <= 0 {
		return nil, nil
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT e.id, e.content, e.metadata, v.distance
		FROM vec_entries v
		JOIN entries e ON e.rowid = v.rowid
		WHERE v.embedding MATCH ? AND v.k = ?
		ORDER BY v.distance`,
		encodeFloat32s(vector), k)
	if err != nil {
		return nil, clawerr.Wrap(clawerr.KindDatabase, "vec knn query", err)
	}
	defer rows.Close()

	var results []Result
	for rows.Next() {
		var id, content, meta string
		var distance float64
		if err := rows.Scan(&id, &content, &meta, &distance); err != nil {
			return nil, clawerr.Wrap(clawerr.KindDatabase, "scan vec result", err)
		}
		var metadata map[string]string
		json.Unmarshal([]byte(meta), &metadata)
		results = append(results, Result{
			Entry: Entry{ID: id, Content: content, Metadata: metadata},
			Score: float32(1 - distance),
		})
	}
	return results, clawerr.Wrap(clawerr.KindDatabase, "scan vec results", rows.Err())
}

// Count returns the number of stored entries.
func (s *VecIndexStore) Count(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM entries`).Scan(&n)
	return n, clawerr.Wrap(clawerr.KindDatabase, "count vec entries", err)
}

// Clear removes every entry.
func (s *VecIndexStore) Clear(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM vec_entries`); err != nil {
		return clawerr.Wrap(clawerr.KindDatabase, "clear vec embeddings", err)
	}
	_, err := s.db.ExecContext(ctx, `DELETE FROM entries`)
	return clawerr.Wrap(clawerr.KindDatabase, "clear vec entries", err)
}
