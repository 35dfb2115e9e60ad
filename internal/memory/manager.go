package memory

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/openclaw/openclaw/internal/clawerr"
	"github.com/openclaw/openclaw/internal/config"
)

// RecallOptions select how a recall is ranked.
type RecallOptions struct {
	Limit          int
	Hybrid         bool
	MetadataFilter map[string]string
}

// Manager composes the embedder, both indices, and a metadata table.
// Every operation before readiness returns a memory_error.
type Manager struct {
	cfg      config.MemoryConfig
	embedder Embedder
	vectors  VectorStore
	hybrid   *HybridSearch
	keywords *KeywordIndex
	metaDB   *sql.DB
	ready    bool

	mu sync.Mutex
	// contentHashes dedupes reindex calls per entry id.
	contentHashes map[string]string
}

// NewManager opens the vector, full-text, and metadata databases under
// dir and wires the recall engine. When cfg.UseVecIndex is set it
// tries the sqlite-vec index first and falls back to the cosine scan
// store with a warning.
func NewManager(dir string, cfg config.MemoryConfig, embedder Embedder) (*Manager, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, clawerr.Wrap(clawerr.KindIO, "create memory dir", err)
	}
	dim := embedder.Dimensions()

	var vectors VectorStore
	if cfg.UseVecIndex {
		vec, err := OpenVecIndexStore(filepath.Join(dir, "vectors.db"), dim)
		if err != nil {
			slog.Warn("sqlite-vec index unavailable, falling back to cosine scan", "error", err)
		} else {
			vectors = vec
		}
	}
	if vectors == nil {
		cos, err := OpenCosineStore(filepath.Join(dir, "vectors.db"), dim)
		if err != nil {
			return nil, err
		}
		vectors = cos
	}

	keywords, err := OpenKeywordIndex(filepath.Join(dir, "fts.db"))
	if err != nil {
		vectors.Close()
		return nil, err
	}

	metaDB, err := sql.Open("sqlite", filepath.Join(dir, "metadata.db"))
	if err != nil {
		vectors.Close()
		keywords.Close()
		return nil, clawerr.Wrap(clawerr.KindDatabase, "open metadata db", err)
	}
	if _, err := metaDB.Exec(`
		PRAGMA journal_mode=WAL;
		CREATE TABLE IF NOT EXISTS memories (
			id TEXT PRIMARY KEY,
			content TEXT NOT NULL,
			metadata TEXT NOT NULL DEFAULT '{}',
			user_id TEXT NOT NULL DEFAULT '',
			created_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_memories_user ON memories(user_id);`); err != nil {
		vectors.Close()
		keywords.Close()
		metaDB.Close()
		return nil, clawerr.Wrap(clawerr.KindDatabase, "migrate metadata db", err)
	}

	m := &Manager{
		cfg:           cfg,
		embedder:      embedder,
		vectors:       vectors,
		keywords:      keywords,
		hybrid:        NewHybridSearch(vectors, keywords, embedder),
		metaDB:        metaDB,
		ready:         true,
		contentHashes: make(map[string]string),
	}
	slog.Info("memory manager initialized", "dimension", dim, "vec_index", cfg.UseVecIndex)
	return m, nil
}

// Close releases every database handle.
func (m *Manager) Close() error {
	m.ready = false
	m.vectors.Close()
	m.keywords.Close()
	return m.metaDB.Close()
}

func (m *Manager) checkReady() error {
	if !m.ready {
		return clawerr.New(clawerr.KindMemory, "memory system not initialized")
	}
	return nil
}

// Store embeds content, indexes it in both stores, and records
// metadata. A blank id is assigned a UUID; the assigned id is
// returned.
func (m *Manager) Store(ctx context.Context, e Entry, userID string) (string, error) {
	if err := m.checkReady(); err != nil {
		return "", err
	}
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	vec, err := m.embedder.Embed(ctx, e.Content)
	if err != nil {
		return "", err
	}
	if err := m.hybrid.Index(ctx, e, vec); err != nil {
		return "", err
	}

	meta, err := json.Marshal(e.Metadata)
	if err != nil {
		return "", clawerr.Wrap(clawerr.KindSerialization, "marshal memory metadata", err)
	}
	now := time.Now().UnixMilli()
	if _, err := m.metaDB.ExecContext(ctx, `
		INSERT INTO memories (id, content, metadata, user_id, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			content = excluded.content,
			metadata = excluded.metadata,
			updated_at = excluded.updated_at`,
		e.ID, e.Content, string(meta), userID, now, now); err != nil {
		return "", clawerr.Wrap(clawerr.KindDatabase, "record memory metadata", err)
	}

	m.mu.Lock()
	m.contentHashes[e.ID] = contentHash(e.Content)
	m.mu.Unlock()
	return e.ID, nil
}

// Recall searches stored memories, hybrid or vector-only.
func (m *Manager) Recall(ctx context.Context, query string, opts RecallOptions) ([]HybridResult, error) {
	if err := m.checkReady(); err != nil {
		return nil, err
	}
	if opts.Limit <= 0 {
		opts.Limit = 10
	}
	if opts.Hybrid {
		return m.hybrid.Search(ctx, query, SearchOptions{
			Limit:               opts.Limit,
			VectorWeight:        float32(m.cfg.VectorWeight),
			KeywordWeight:       float32(m.cfg.KeywordWeight),
			SimilarityThreshold: float32(m.cfg.SimilarityThreshold),
			MetadataFilter:      opts.MetadataFilter,
		})
	}

	qvec, err := m.embedder.Embed(ctx, query)
	if err != nil {
		return nil, err
	}
	hits, err := m.vectors.Search(ctx, qvec, opts.Limit*2)
	if err != nil {
		return nil, err
	}
	var out []HybridResult
	for _, hit := range hits {
		if hit.Score < float32(m.cfg.SimilarityThreshold) {
			continue
		}
		if !matchesMetadata(hit.Metadata, opts.MetadataFilter) {
			continue
		}
		out = append(out, HybridResult{Entry: hit.Entry, VectorScore: hit.Score, CombinedScore: hit.Score})
		if len(out) == opts.Limit {
			break
		}
	}
	return out, nil
}

// Reindex re-embeds an entry when its content changed. Unchanged
// content (by hash) is a no-op.
func (m *Manager) Reindex(ctx context.Context, e Entry) error {
	if err := m.checkReady(); err != nil {
		return err
	}
	hash := contentHash(e.Content)
	m.mu.Lock()
	unchanged := m.contentHashes[e.ID] == hash
	m.mu.Unlock()
	if unchanged {
		return nil
	}
	_, err := m.Store(ctx, e, "")
	return err
}

// Forget removes an entry from both indices and the metadata table.
func (m *Manager) Forget(ctx context.Context, id string) error {
	if err := m.checkReady(); err != nil {
		return err
	}
	if err := m.hybrid.Remove(ctx, id); err != nil {
		return err
	}
	if _, err := m.metaDB.ExecContext(ctx, `DELETE FROM memories WHERE id = ?`, id); err != nil {
		return clawerr.Wrap(clawerr.KindDatabase, "delete memory metadata", err)
	}
	m.mu.Lock()
	delete(m.contentHashes, id)
	m.mu.Unlock()
	return nil
}

// Clear wipes both indices and the metadata table.
func (m *Manager) Clear(ctx context.Context) error {
	if err := m.checkReady(); err != nil {
		return err
	}
	if err := m.hybrid.Clear(ctx); err != nil {
		return err
	}
	if _, err := m.metaDB.ExecContext(ctx, `DELETE FROM memories`); err != nil {
		return clawerr.Wrap(clawerr.KindDatabase, "clear memory metadata", err)
	}
	m.mu.Lock()
	m.contentHashes = make(map[string]string)
	m.mu.Unlock()
	return nil
}

// Count returns the number of stored memories.
func (m *Manager) Count(ctx context.Context) (int, error) {
	if err := m.checkReady(); err != nil {
		return 0, err
	}
	return m.vectors.Count(ctx)
}

func contentHash(content string) string {
	sum := sha256.Sum256([]byte(content))
	return hex.EncodeToString(sum[:])
}
