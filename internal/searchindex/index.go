// Package searchindex ranks cached tools with BM25 for tool-search mode.
// The index is immutable once built; the proxy rebuilds it whenever the
// schema cache changes and swaps the reference.
package searchindex

import (
	"math"
	"sort"

	"mcphub/internal/schemacache"
)

const (
	bm25K1 = 1.2
	bm25B  = 0.75
)

// Hit is one ranked query result.
type Hit struct {
	Server string
	Tool   schemacache.ToolSchema
	Score  float64
}

type posting struct {
	doc int
	tf  int
}

// Index is an in-memory inverted index over tool name and description.
type Index struct {
	docs     []schemacache.OwnedTool
	postings map[string][]posting
	docLen   []int
	avgLen   float64
}

// Build indexes the given tools. The name is weighted by indexing its
// tokens twice, so a query term matching the name outranks a description
// match of the same frequency.
func Build(tools []schemacache.OwnedTool) *Index {
	idx := &Index{
		docs:     tools,
		postings: make(map[string][]posting),
		docLen:   make([]int, len(tools)),
	}

	total := 0
	for docID, owned := range tools {
		tokens := Tokenize(owned.Tool.Name)
		tokens = append(tokens, Tokenize(owned.Tool.Name)...)
		tokens = append(tokens, Tokenize(owned.Tool.Description)...)

		counts := make(map[string]int, len(tokens))
		for _, tok := range tokens {
			counts[tok]++
		}
		for term, tf := range counts {
			idx.postings[term] = append(idx.postings[term], posting{doc: docID, tf: tf})
		}
		idx.docLen[docID] = len(tokens)
		total += len(tokens)
	}
	if len(tools) > 0 {
		idx.avgLen = float64(total) / float64(len(tools))
	}
	return idx
}

// Size reports the number of indexed tools.
func (idx *Index) Size() int {
	return len(idx.docs)
}

// Query tokenizes the query with the same analyzer as indexing and returns
// up to limit hits ordered by descending BM25 score. Ties keep index order
// so results are deterministic.
func (idx *Index) Query(query string, limit int) []Hit {
	terms := Tokenize(query)
	if len(terms) == 0 || len(idx.docs) == 0 || limit <= 0 {
		return nil
	}

	n := float64(len(idx.docs))
	scores := make(map[int]float64)
	for _, term := range terms {
		plist, ok := idx.postings[term]
		if !ok {
			continue
		}
		df := float64(len(plist))
		idf := math.Log(1 + (n-df+0.5)/(df+0.5))
		for _, p := range plist {
			tf := float64(p.tf)
			norm := 1 - bm25B + bm25B*float64(idx.docLen[p.doc])/idx.avgLen
			scores[p.doc] += idf * tf * (bm25K1 + 1) / (tf + bm25K1*norm)
		}
	}
	if len(scores) == 0 {
		return nil
	}

	type scored struct {
		doc   int
		score float64
	}
	ranked := make([]scored, 0, len(scores))
	for doc, score := range scores {
		ranked = append(ranked, scored{doc: doc, score: score})
	}
	sort.Slice(ranked, func(i, j int) bool {
		if ranked[i].score != ranked[j].score {
			return ranked[i].score > ranked[j].score
		}
		return ranked[i].doc < ranked[j].doc
	})
	if len(ranked) > limit {
		ranked = ranked[:limit]
	}

	hits := make([]Hit, len(ranked))
	for i, r := range ranked {
		hits[i] = Hit{
			Server: idx.docs[r.doc].Server,
			Tool:   idx.docs[r.doc].Tool,
			Score:  r.score,
		}
	}
	return hits
}
