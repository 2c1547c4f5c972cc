// Copyright 2025 The Quarry Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package index implements the per-owner keyword index behind lexical
// retrieval: an inverted index scored with BM25, safe for concurrent
// readers, persisted to disk between runs.
package index

import (
	"math"
	"sort"
	"strings"
	"sync"
	"unicode"
)

// Params are the BM25 scoring parameters.
type Params struct {
	// K1 controls term-frequency saturation.
	K1 float64

	// B controls document-length normalization.
	B float64
}

// DefaultParams returns the standard BM25 parameters.
func DefaultParams() Params {
	return Params{K1: 1.5, B: 0.75}
}

// Hit is one scored chunk from a keyword search.
type Hit struct {
	ChunkID string
	Score   float64
}

// posting records one chunk's use of a term.
type posting struct {
	ChunkID string
	Freq    int
}

// Index is one owner's inverted index. All methods are safe for concurrent
// use; readers proceed in parallel, writers exclude.
type Index struct {
	mu       sync.RWMutex
	params   Params
	postings map[string][]posting
	lengths  map[string]int // chunk id -> token count
	total    int            // sum of all chunk lengths
}

// New builds an empty index with the given parameters.
func New(params Params) *Index {
	if params.K1 == 0 {
		params = DefaultParams()
	}
	return &Index{
		params:   params,
		postings: make(map[string][]posting),
		lengths:  make(map[string]int),
	}
}

// Tokenize lowercases and splits on anything that is not a letter or digit.
// No stemming; queries and chunks must tokenize identically.
func Tokenize(text string) []string {
	return strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
}

// Add indexes one chunk's content. Re-adding a chunk id replaces its old
// postings.
func (ix *Index) Add(chunkID, content string) {
	tokens := Tokenize(content)

	ix.mu.Lock()
	defer ix.mu.Unlock()

	if _, exists := ix.lengths[chunkID]; exists {
		ix.removeLocked(chunkID)
	}

	freqs := make(map[string]int, len(tokens))
	for _, tok := range tokens {
		freqs[tok]++
	}
	for term, freq := range freqs {
		ix.postings[term] = append(ix.postings[term], posting{ChunkID: chunkID, Freq: freq})
	}
	ix.lengths[chunkID] = len(tokens)
	ix.total += len(tokens)
}

// Remove drops a chunk from the index. Unknown ids are a no-op.
func (ix *Index) Remove(chunkID string) {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	ix.removeLocked(chunkID)
}

func (ix *Index) removeLocked(chunkID string) {
	length, ok := ix.lengths[chunkID]
	if !ok {
		return
	}
	for term, list := range ix.postings {
		kept := list[:0]
		for _, p := range list {
			if p.ChunkID != chunkID {
				kept = append(kept, p)
			}
		}
		if len(kept) == 0 {
			delete(ix.postings, term)
		} else {
			ix.postings[term] = kept
		}
	}
	delete(ix.lengths, chunkID)
	ix.total -= length
}

// Size returns the number of indexed chunks.
func (ix *Index) Size() int {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	return len(ix.lengths)
}

// Search scores the query tokens against the postings and returns the top-k
// hits, highest score first. An empty index returns no hits.
func (ix *Index) Search(query string, k int) []Hit {
	tokens := Tokenize(query)
	if len(tokens) == 0 || k <= 0 {
		return nil
	}

	ix.mu.RLock()
	defer ix.mu.RUnlock()

	n := len(ix.lengths)
	if n == 0 {
		return nil
	}
	avgLen := float64(ix.total) / float64(n)

	scores := make(map[string]float64)
	seen := make(map[string]bool, len(tokens))
	for _, term := range tokens {
		if seen[term] {
			continue
		}
		seen[term] = true

		list := ix.postings[term]
		if len(list) == 0 {
			continue
		}
		// Classic BM25 idf with the +1 smoothing that keeps common terms
		// from going negative.
		idf := math.Log(1 + (float64(n)-float64(len(list))+0.5)/(float64(len(list))+0.5))
		for _, p := range list {
			tf := float64(p.Freq)
			norm := 1 - ix.params.B + ix.params.B*float64(ix.lengths[p.ChunkID])/avgLen
			scores[p.ChunkID] += idf * tf * (ix.params.K1 + 1) / (tf + ix.params.K1*norm)
		}
	}

	hits := make([]Hit, 0, len(scores))
	for id, score := range scores {
		hits = append(hits, Hit{ChunkID: id, Score: score})
	}
	sort.Slice(hits, func(i, j int) bool {
		if hits[i].Score != hits[j].Score {
			return hits[i].Score > hits[j].Score
		}
		return hits[i].ChunkID < hits[j].ChunkID
	})
	if len(hits) > k {
		hits = hits[:k]
	}
	return hits
}
