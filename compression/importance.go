package compression

import (
	"context"

	"github.com/ragforge/convmem/convmem"
)

// ImportanceStrategy keeps the highest-scoring chunks and discards the
// rest. It is the cheapest strategy and also the structural fallback
// when another strategy fails.
type ImportanceStrategy struct{}

// NewImportanceStrategy creates the importance-weighted strategy.
func NewImportanceStrategy() *ImportanceStrategy {
	return &ImportanceStrategy{}
}

// Name implements Strategy.
func (s *ImportanceStrategy) Name() convmem.StrategyName {
	return convmem.StrategyImportance
}

// Compress keeps the top ceil(n*MaxRatio) chunks by importance, at
// least one, returned in chronological order.
func (s *ImportanceStrategy) Compress(ctx context.Context, chunks []*convmem.Chunk, req convmem.CompressionRequest) ([]*convmem.Chunk, error) {
	if len(chunks) == 0 {
		return []*convmem.Chunk{}, nil
	}
	target := targetCount(len(chunks), req.MaxRatio)
	kept := byImportanceDesc(chunks)[:min(target, len(chunks))]
	return chronological(kept), nil
}
