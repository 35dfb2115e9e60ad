package memory

import (
	"context"
	"database/sql"
	"encoding/json"
	"math"
	"sort"
	"strings"
	"sync"
	"unicode"

	"github.com/orsinium-labs/stopwords"

	"github.com/openclaw/openclaw/internal/clawerr"
)

// BM25 ranking parameters.
const (
	bm25K1 = 1.2
	bm25B  = 0.75
)

var englishStopwords = stopwords.MustGet("en")

// tokenize lowercases, splits on non-alphanumeric runes, and drops
// English stopwords and single characters.
func tokenize(text string) []string {
	fields := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	out := fields[:0]
	for _, w := range fields {
		if len(w) < 2 || englishStopwords.Contains(w) {
			continue
		}
		out = append(out, w)
	}
	return out
}

type keywordDoc struct {
	content  string
	metadata map[string]string
	terms    map[string]int
	length   int
}

// KeywordIndex is a BM25-ranked full-text index. Documents persist in
// a sqlite table; term statistics are held in memory and rebuilt from
// the table on open.
type KeywordIndex struct {
	mu   sync.RWMutex
	db   *sql.DB
	docs map[string]*keywordDoc
	// df counts how many documents contain each term.
	df       map[string]int
	totalLen int
}

// OpenKeywordIndex opens the full-text database at path and loads the
// in-memory term statistics.
func OpenKeywordIndex(path string) (*KeywordIndex, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, clawerr.Wrap(clawerr.KindDatabase, "open fts db", err)
	}
	if _, err := db.Exec(`PRAGMA journal_mode=WAL; PRAGMA busy_timeout=5000;`); err != nil {
		db.Close()
		return nil, clawerr.Wrap(clawerr.KindDatabase, "configure fts db", err)
	}
	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS documents (
			id TEXT PRIMARY KEY,
			content TEXT NOT NULL,
			metadata TEXT NOT NULL DEFAULT '{}'
		)`); err != nil {
		db.Close()
		return nil, clawerr.Wrap(clawerr.KindDatabase, "migrate fts db", err)
	}

	idx := &KeywordIndex{
		db:   db,
		docs: make(map[string]*keywordDoc),
		df:   make(map[string]int),
	}
	rows, err := db.Query(`SELECT id, content, metadata FROM documents`)
	if err != nil {
		db.Close()
		return nil, clawerr.Wrap(clawerr.KindDatabase, "load fts documents", err)
	}
	defer rows.Close()
	for rows.Next() {
		var id, content, meta string
		if err := rows.Scan(&id, &content, &meta); err != nil {
			db.Close()
			return nil, clawerr.Wrap(clawerr.KindDatabase, "scan fts document", err)
		}
		var metadata map[string]string
		json.Unmarshal([]byte(meta), &metadata)
		idx.indexLocked(id, content, metadata)
	}
	if err := rows.Err(); err != nil {
		db.Close()
		return nil, clawerr.Wrap(clawerr.KindDatabase, "load fts documents", err)
	}
	return idx, nil
}

// Close releases the database handle.
func (x *KeywordIndex) Close() error { return x.db.Close() }

// Index adds or replaces a document.
func (x *KeywordIndex) Index(ctx context.Context, id, content string, metadata map[string]string) error {
	meta, err := json.Marshal(metadata)
	if err != nil {
		return clawerr.Wrap(clawerr.KindSerialization, "marshal fts metadata", err)
	}
	_, err = x.db.ExecContext(ctx, `
		INSERT INTO documents (id, content, metadata) VALUES (?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET content = excluded.content, metadata = excluded.metadata`,
		id, content, string(meta))
	if err != nil {
		return clawerr.Wrap(clawerr.KindDatabase, "persist fts document", err)
	}
	x.mu.Lock()
	defer x.mu.Unlock()
	x.removeLocked(id)
	x.indexLocked(id, content, metadata)
	return nil
}

// Remove deletes a document. Removing an absent id is a no-op.
func (x *KeywordIndex) Remove(ctx context.Context, id string) error {
	if _, err := x.db.ExecContext(ctx, `DELETE FROM documents WHERE id = ?`, id); err != nil {
		return clawerr.Wrap(clawerr.KindDatabase, "delete fts document", err)
	}
	x.mu.Lock()
	defer x.mu.Unlock()
	x.removeLocked(id)
	return nil
}

// Clear drops every document.
func (x *KeywordIndex) Clear(ctx context.Context) error {
	if _, err := x.db.ExecContext(ctx, `DELETE FROM documents`); err != nil {
		return clawerr.Wrap(clawerr.KindDatabase, "clear fts documents", err)
	}
	x.mu.Lock()
	defer x.mu.Unlock()
	x.docs = make(map[string]*keywordDoc)
	x.df = make(map[string]int)
	x.totalLen = 0
	return nil
}

// Count returns the number of indexed documents.
func (x *KeywordIndex) Count() int {
	x.mu.RLock()
	defer x.mu.RUnlock()
	return len(x.docs)
}

// Search ranks documents against the query with BM25 (k1=1.2,
// b=0.75) and returns up to k hits, highest score first. Documents
// sharing no query terms are omitted.
func (x *KeywordIndex) Search(query string, k int) []Result {
	terms := tokenize(query)
	if len(terms) == 0 {
		return nil
	}

	x.mu.RLock()
	defer x.mu.RUnlock()
	n := len(x.docs)
	if n == 0 {
		return nil
	}
	avgLen := float64(x.totalLen) / float64(n)

	var results []Result
	for id, doc := range x.docs {
		var score float64
		for _, term := range terms {
			tf := doc.terms[term]
			if tf == 0 {
				continue
			}
			df := x.df[term]
			idf := math.Log(1 + (float64(n)-float64(df)+0.5)/(float64(df)+0.5))
			num := float64(tf) * (bm25K1 + 1)
			den := float64(tf) + bm25K1*(1-bm25B+bm25B*float64(doc.length)/avgLen)
			score += idf * num / den
		}
		if score > 0 {
			results = append(results, Result{
				Entry: Entry{ID: id, Content: doc.content, Metadata: doc.metadata},
				Score: float32(score),
			})
		}
	}

	sort.SliceStable(results, func(i, j int) bool { return results[i].Score > results[j].Score })
	if k > 0 && len(results) > k {
		results = results[:k]
	}
	return results
}

func (x *KeywordIndex) indexLocked(id, content string, metadata map[string]string) {
	terms := make(map[string]int)
	tokens := tokenize(content)
	for _, t := range tokens {
		terms[t]++
	}
	x.docs[id] = &keywordDoc{content: content, metadata: metadata, terms: terms, length: len(tokens)}
	for t := range terms {
		x.df[t]++
	}
	x.totalLen += len(tokens)
}

func (x *KeywordIndex) removeLocked(id string) {
	doc, ok := x.docs[id]
	if !ok {
		return
	}
	for t := range doc.terms {
		if x.df[t]--; x.df[t] <= 0 {
			delete(x.df, t)
		}
	}
	x.totalLen -= doc.length
	delete(x.docs, id)
}
