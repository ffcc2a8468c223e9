// Package similar suggests related worldbook entries: names and keyword
// sets are hashed into fixed n-gram feature vectors and indexed in HNSW
// under a cosine surface, so near-duplicate and alias candidates surface
// as nearest neighbors.
package similar

import (
	"hash/fnv"
	"math"
	"strings"
)

// Dim is the feature-hash vector dimension.
const Dim = 128

// Vectorize hashes a text's character bigrams and trigrams into a fixed
// L2-normalized vector. Identical texts map to identical vectors; texts
// sharing many n-grams land close under cosine distance.
func Vectorize(text string) []float32 {
	vec := make([]float32, Dim)
	runes := []rune(strings.ToLower(strings.TrimSpace(text)))
	if len(runes) == 0 {
		return vec
	}

	accumulate := func(gram string) {
		h := fnv.New32a()
		h.Write([]byte(gram))
		sum := h.Sum32()
		// low bits pick the bucket, one higher bit picks the sign
		bucket := sum % Dim
		if sum&(1<<16) != 0 {
			vec[bucket]--
		} else {
			vec[bucket]++
		}
	}

	for n := 2; n <= 3; n++ {
		if len(runes) < n {
			accumulate(string(runes))
			continue
		}
		for i := 0; i+n <= len(runes); i++ {
			accumulate(string(runes[i : i+n]))
		}
	}

	var norm float64
	for _, v := range vec {
		norm += float64(v) * float64(v)
	}
	if norm == 0 {
		return vec
	}
	scale := float32(1 / math.Sqrt(norm))
	for i := range vec {
		vec[i] *= scale
	}
	return vec
}

// VectorizeEntry folds an entry's name and keywords into one vector.
// Content is deliberately excluded: alias candidates share surface forms,
// not necessarily prose.
func VectorizeEntry(name string, keywords []string) []float32 {
	parts := append([]string{name}, keywords...)
	return Vectorize(strings.Join(parts, " "))
}
