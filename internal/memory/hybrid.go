package memory

import (
	"context"
	"sort"
)

// SearchOptions tune a hybrid recall.
type SearchOptions struct {
	Limit               int
	VectorWeight        float32
	KeywordWeight       float32
	SimilarityThreshold float32
	MetadataFilter      map[string]string
	KeywordOnly         bool
}

// HybridResult carries the per-source scores behind a merged hit.
type HybridResult struct {
	Entry
	VectorScore   float32 `json:"vector_score"`
	KeywordScore  float32 `json:"keyword_score"`
	CombinedScore float32 `json:"combined_score"`
}

// HybridSearch merges cosine vector recall with BM25 keyword recall.
type HybridSearch struct {
	vectors  VectorStore
	keywords *KeywordIndex
	embedder Embedder
}

// NewHybridSearch wires a vector store, keyword index, and embedder.
func NewHybridSearch(vectors VectorStore, keywords *KeywordIndex, embedder Embedder) *HybridSearch {
	return &HybridSearch{vectors: vectors, keywords: keywords, embedder: embedder}
}

// Index adds an entry to both indices.
func (h *HybridSearch) Index(ctx context.Context, e Entry, vector []float32) error {
	if err := h.vectors.Insert(ctx, e, vector); err != nil {
		return err
	}
	return h.keywords.Index(ctx, e.ID, e.Content, e.Metadata)
}

// Remove drops an entry from both indices.
func (h *HybridSearch) Remove(ctx context.Context, id string) error {
	if err := h.vectors.Remove(ctx, id); err != nil {
		return err
	}
	return h.keywords.Remove(ctx, id)
}

// Clear empties both indices.
func (h *HybridSearch) Clear(ctx context.Context) error {
	if err := h.vectors.Clear(ctx); err != nil {
		return err
	}
	return h.keywords.Clear(ctx)
}

// Search runs both recalls with limit*2, min-max normalizes the BM25
// side into [0,1], and merges per id with
// combined = w_v*vector + w_k*keyword. Entries below the similarity
// threshold or failing the metadata filter are dropped, then the
// merged set is truncated to the limit.
func (h *HybridSearch) Search(ctx context.Context, query string, opts SearchOptions) ([]HybridResult, error) {
	if opts.Limit <= 0 {
		opts.Limit = 10
	}
	if opts.VectorWeight == 0 && opts.KeywordWeight == 0 {
		opts.VectorWeight, opts.KeywordWeight = 0.7, 0.3
	}

	merged := make(map[string]*HybridResult)

	if !opts.KeywordOnly {
		qvec, err := h.embedder.Embed(ctx, query)
		if err != nil {
			return nil, err
		}
		vecHits, err := h.vectors.Search(ctx, qvec, opts.Limit*2)
		if err != nil {
			return nil, err
		}
		for _, hit := range vecHits {
			merged[hit.ID] = &HybridResult{Entry: hit.Entry, VectorScore: hit.Score}
		}
	}

	kwHits := h.keywords.Search(query, opts.Limit*2)
	for id, norm := range normalizeMinMax(kwHits) {
		if r, ok := merged[id]; ok {
			r.KeywordScore = norm
		} else {
			for _, hit := range kwHits {
				if hit.ID == id {
					merged[id] = &HybridResult{Entry: hit.Entry, KeywordScore: norm}
					break
				}
			}
		}
	}

	var results []HybridResult
	for _, r := range merged {
		r.CombinedScore = opts.VectorWeight*r.VectorScore + opts.KeywordWeight*r.KeywordScore
		if r.CombinedScore < opts.SimilarityThreshold {
			continue
		}
		if !matchesMetadata(r.Metadata, opts.MetadataFilter) {
			continue
		}
		results = append(results, *r)
	}

	sort.SliceStable(results, func(i, j int) bool {
		return results[i].CombinedScore > results[j].CombinedScore
	})
	if len(results) > opts.Limit {
		results = results[:opts.Limit]
	}
	return results, nil
}

// normalizeMinMax maps BM25 scores into [0,1] over the returned set.
// A single hit, or a set with equal scores, normalizes to 1.
func normalizeMinMax(hits []Result) map[string]float32 {
	if len(hits) == 0 {
		return nil
	}
	min, max := hits[0].Score, hits[0].Score
	for _, h := range hits[1:] {
		if h.Score < min {
			min = h.Score
		}
		if h.Score > max {
			max = h.Score
		}
	}
	out := make(map[string]float32, len(hits))
	for _, h := range hits {
		if max == min {
			out[h.ID] = 1
		} else {
			out[h.ID] = (h.Score - min) / (max - min)
		}
	}
	return out
}

func matchesMetadata(meta, filter map[string]string) bool {
	for k, v := range filter {
		if meta[k] != v {
			return false
		}
	}
	return true
}
