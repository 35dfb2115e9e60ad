// Package memory implements the recall engine: a vector store with
// cosine search, a BM25 keyword index, and a hybrid merger on top.
package memory

import (
	"context"
	"database/sql"
	"encoding/binary"
	"encoding/json"
	"math"
	"sort"

	_ "modernc.org/sqlite"

	"github.com/openclaw/openclaw/internal/clawerr"
)

// Entry is one stored memory: content plus arbitrary metadata.
type Entry struct {
	ID       string            `json:"id"`
	Content  string            `json:"content"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// Result is a scored search hit.
type Result struct {
	Entry
	Score float32 `json:"score"`
}

// VectorStore is the embedding sink/source contract.
type VectorStore interface {
	Insert(ctx context.Context, e Entry, vector []float32) error
	Update(ctx context.Context, e Entry, vector []float32) error
	Remove(ctx context.Context, id string) error
	Search(ctx context.Context, vector []float32, k int) ([]Result, error)
	Count(ctx context.Context) (int, error)
	Clear(ctx context.Context) error
	Close() error
}

// CosineStore keeps embeddings as little-endian float32 BLOBs in a
// sqlite table and scans them with cosine similarity in Go. At the
// entry counts a single gateway holds this is sub-millisecond.
type CosineStore struct {
	db        *sql.DB
	dimension int
}

// OpenCosineStore opens (creating if needed) the vector database at
// path. ":memory:" works for tests.
func OpenCosineStore(path string, dimension int) (*CosineStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, clawerr.Wrap(clawerr.KindDatabase, "open vector db", err)
	}
	if _, err := db.Exec(`PRAGMA journal_mode=WAL; PRAGMA busy_timeout=5000;`); err != nil {
		db.Close()
		return nil, clawerr.Wrap(clawerr.KindDatabase, "configure vector db", err)
	}
	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS embeddings (
			id TEXT PRIMARY KEY,
			content TEXT NOT NULL,
			metadata TEXT NOT NULL DEFAULT '{}',
			embedding BLOB NOT NULL
		)`); err != nil {
		db.Close()
		return nil, clawerr.Wrap(clawerr.KindDatabase, "migrate vector db", err)
	}
	return &CosineStore{db: db, dimension: dimension}, nil
}

// Close releases the database handle.
func (s *CosineStore) Close() error { return s.db.Close() }

// Insert stores a new entry with its embedding.
func (s *CosineStore) Insert(ctx context.Context, e Entry, vector []float32) error {
	return s.upsert(ctx, e, vector)
}

// Update rewrites an existing entry.
func (s *CosineStore) Update(ctx context.Context, e Entry, vector []float32) error {
	return s.upsert(ctx, e, vector)
}

func (s *CosineStore) upsert(ctx context.Context, e Entry, vector []float32) error {
	if len(vector) != s.dimension {
		return clawerr.Newf(clawerr.KindMemory, "embedding dimension %d, want %d", len(vector), s.dimension)
	}
	meta, err := json.Marshal(e.Metadata)
	if err != nil {
		return clawerr.Wrap(clawerr.KindSerialization, "marshal metadata", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO embeddings (id, content, metadata, embedding)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			content = excluded.content,
			metadata = excluded.metadata,
			embedding = excluded.embedding`,
		e.ID, e.Content, string(meta), encodeFloat32s(vector))
	return clawerr.Wrap(clawerr.KindDatabase, "upsert embedding", err)
}

// Remove deletes an entry. Removing an absent id is a no-op.
func (s *CosineStore) Remove(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM embeddings WHERE id = ?`, id)
	return clawerr.Wrap(clawerr.KindDatabase, "delete embedding", err)
}

// Search scans every stored embedding and returns the k most similar
// by cosine similarity, highest first. Rows with a mismatched
// dimension are skipped.
func (s *CosineStore) Search(ctx context.Context, vector []float32, k int) ([]Result, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, content, metadata, embedding FROM embeddings`)
	if err != nil {
		return nil, clawerr.Wrap(clawerr.KindDatabase, "scan embeddings", err)
	}
	defer rows.Close()

	var results []Result
	for rows.Next() {
		var id, content, meta string
		var blob []byte
		if err := rows.Scan(&id, &content, &meta, &blob); err != nil {
			return nil, clawerr.Wrap(clawerr.KindDatabase, "scan embedding row", err)
		}
		stored := decodeFloat32s(blob)
		if len(stored) != len(vector) {
			continue
		}
		var metadata map[string]string
		json.Unmarshal([]byte(meta), &metadata)
		results = append(results, Result{
			Entry: Entry{ID: id, Content: content, Metadata: metadata},
			Score: cosineSimilarity(vector, stored),
		})
	}
	if err := rows.Err(); err != nil {
		return nil, clawerr.Wrap(clawerr.KindDatabase, "scan embeddings", err)
	}

	sort.SliceStable(results, func(i, j int) bool { return results[i].Score > results[j].Score })
	if k > 0 && len(results) > k {
		results = results[:k]
	}
	return results, nil
}

// Count returns the number of stored entries.
func (s *CosineStore) Count(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM embeddings`).Scan(&n)
	return n, clawerr.Wrap(clawerr.KindDatabase, "count embeddings", err)
}

// Clear removes every entry.
func (s *CosineStore) Clear(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM embeddings`)
	return clawerr.Wrap(clawerr.KindDatabase, "clear embeddings", err)
}

func encodeFloat32s(v []float32) []byte {
	buf := make([]byte, len(v)*4)
	for i, f := range v {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(f))
	}
	return buf
}

func decodeFloat32s(b []byte) []float32 {
	if len(b)%4 != 0 {
		return nil
	}
	v := make([]float32, len(b)/4)
	for i := range v {
		v[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[i*4:]))
	}
	return v
}

func cosineSimilarity(a, b []float32) float32 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, normA, normB float64
	for i := range a {
		ai, bi := float64(a[i]), float64(b[i])
		dot += ai * bi
		normA += ai * ai
		normB += bi * bi
	}
	denom := math.Sqrt(normA) * math.Sqrt(normB)
	if denom == 0 {
		return 0
	}
	return float32(dot / denom)
}
