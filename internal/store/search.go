package store

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"sort"
)

// CloneMemory returns a deep copy of r.
func CloneMemory(r MemoryRecord) MemoryRecord {
	r.Embedding = slices.Clone(r.Embedding)
	r.Metadata = maps.Clone(r.Metadata)
	return r
}

// RankPages scores pages with embeddings against query by cosine similarity,
// highest first. Pages without embeddings are skipped.
func RankPages(pages []*Page, query []float32, limit int) []ScoredPage {
	if len(query) == 0 {
		return nil
	}
	var out []ScoredPage
	for _, p := range pages {
		if len(p.Embedding) == 0 {
			continue
		}
		out = append(out, ScoredPage{Page: p, Score: CosineSimilarity(query, p.Embedding)})
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Score > out[j].Score })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

// RankMemories is RankPages for memory records.
func RankMemories(recs []MemoryRecord, query []float32, limit int) []ScoredMemory {
	if len(query) == 0 {
		return nil
	}
	var out []ScoredMemory
	for _, r := range recs {
		if len(r.Embedding) == 0 {
			continue
		}
		out = append(out, ScoredMemory{Memory: r, Score: CosineSimilarity(query, r.Embedding)})
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Score > out[j].Score })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

// EmbedOne embeds a single text with provider.
func EmbedOne(ctx context.Context, provider EmbeddingProvider, text string) ([]float32, error) {
	vecs, err := provider.Embed(ctx, []string{text})
	if err != nil {
		return nil, fmt.Errorf("embed with %s/%s: %w", provider.Name(), provider.Model(), err)
	}
	if len(vecs) == 0 {
		return nil, fmt.Errorf("embed with %s/%s: no vectors returned", provider.Name(), provider.Model())
	}
	return vecs[0], nil
}
