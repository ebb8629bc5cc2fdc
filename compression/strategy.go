// Package compression shrinks a session's chunk set once it grows past
// the configured threshold. Three strategies trade fidelity for
// reduction differently; all of them guarantee at least one chunk
// survives for non-empty input.
package compression

import (
	"context"
	"math"
	"sort"

	"github.com/ragforge/convmem/convmem"
)

// Strategy reduces a chunk set. Input chunks arrive in chronological
// order (oldest first) and the output must preserve that order.
// Strategies never mutate the input slice or its chunks.
type Strategy interface {
	Name() convmem.StrategyName
	Compress(ctx context.Context, chunks []*convmem.Chunk, req convmem.CompressionRequest) ([]*convmem.Chunk, error)
}

// targetCount converts a max ratio into a chunk budget. Never below 1:
// compression must not erase a session's memory entirely.
func targetCount(n int, maxRatio float64) int {
	target := int(math.Ceil(float64(n) * maxRatio))
	if target < 1 {
		target = 1
	}
	return target
}

// byImportanceDesc returns a copy sorted most important first, ties
// broken by recency.
func byImportanceDesc(chunks []*convmem.Chunk) []*convmem.Chunk {
	out := make([]*convmem.Chunk, len(chunks))
	copy(out, chunks)
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].ImportanceScore != out[j].ImportanceScore {
			return out[i].ImportanceScore > out[j].ImportanceScore
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out
}

// chronological returns a copy sorted oldest first.
func chronological(chunks []*convmem.Chunk) []*convmem.Chunk {
	out := make([]*convmem.Chunk, len(chunks))
	copy(out, chunks)
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}
