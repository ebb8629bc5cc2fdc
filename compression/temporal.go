package compression

import (
	"context"
	"time"

	"github.com/ragforge/convmem/convmem"
)

// Gap between retained chunks that marks a new conversational episode.
const episodeGap = 300 * time.Second

// TemporalStrategy keeps the chunks that open conversational episodes:
// the oldest chunk always survives, and any chunk more than five
// minutes after the previously retained one marks a topic shift worth
// keeping.
type TemporalStrategy struct{}

// NewTemporalStrategy creates the time-gap strategy.
func NewTemporalStrategy() *TemporalStrategy {
	return &TemporalStrategy{}
}

// Name implements Strategy.
func (s *TemporalStrategy) Name() convmem.StrategyName {
	return convmem.StrategyTemporal
}

// Compress retains episode openers, then importance-trims down to the
// ratio target if the episode structure alone kept too many. The
// oldest chunk is pinned through the trim: losing the conversation's
// start loses the context everything later refers back to.
func (s *TemporalStrategy) Compress(ctx context.Context, chunks []*convmem.Chunk, req convmem.CompressionRequest) ([]*convmem.Chunk, error) {
	if len(chunks) == 0 {
		return []*convmem.Chunk{}, nil
	}

	ordered := chronological(chunks)
	retained := []*convmem.Chunk{ordered[0]}
	for _, chunk := range ordered[1:] {
		last := retained[len(retained)-1]
		if chunk.CreatedAt.Sub(last.CreatedAt) > episodeGap {
			retained = append(retained, chunk)
		}
	}

	target := targetCount(len(chunks), req.MaxRatio)
	if len(retained) <= target {
		return retained, nil
	}

	oldest := retained[0]
	rest := byImportanceDesc(retained[1:])
	if target-1 < len(rest) {
		rest = rest[:target-1]
	}
	kept := append([]*convmem.Chunk{oldest}, rest...)
	return chronological(kept), nil
}
