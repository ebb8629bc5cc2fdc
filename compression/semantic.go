package compression

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/ragforge/convmem/convmem"
	"github.com/ragforge/convmem/observability"
)

// Token overlap above which two chunks are considered to say the same
// thing in the merge fallback.
const mergeSimilarity = 0.6

// SemanticStrategy condenses chunks through an external Summarizer.
// When the summarizer is unavailable, times out, or returns something
// unparseable, it degrades to a deterministic pairwise merge instead
// of failing the run.
type SemanticStrategy struct {
	summarizer convmem.Summarizer
	timeout    time.Duration
	logger     *slog.Logger
}

// NewSemanticStrategy creates the summarizer-backed strategy. A nil
// summarizer is allowed and always takes the merge path.
func NewSemanticStrategy(summarizer convmem.Summarizer, timeout time.Duration) *SemanticStrategy {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &SemanticStrategy{
		summarizer: summarizer,
		timeout:    timeout,
		logger:     observability.Logger("compression"),
	}
}

// Name implements Strategy.
func (s *SemanticStrategy) Name() convmem.StrategyName {
	return convmem.StrategySemantic
}

// Compress asks the summarizer to rewrite the chunk set as at most
// target condensed statements, one per line. Each line becomes a
// synthetic chunk carrying the originals' best importance score.
func (s *SemanticStrategy) Compress(ctx context.Context, chunks []*convmem.Chunk, req convmem.CompressionRequest) ([]*convmem.Chunk, error) {
	if len(chunks) == 0 {
		return []*convmem.Chunk{}, nil
	}
	target := targetCount(len(chunks), req.MaxRatio)

	if s.summarizer != nil {
		if out, ok := s.summarize(ctx, chunks, target); ok {
			return out, nil
		}
	}
	return s.basicMerge(chunks, target), nil
}

func (s *SemanticStrategy) summarize(ctx context.Context, chunks []*convmem.Chunk, target int) ([]*convmem.Chunk, bool) {
	ordered := chronological(chunks)

	var sb strings.Builder
	fmt.Fprintf(&sb, "Condense the following %d conversation memory entries into at most %d statements.\n", len(ordered), target)
	sb.WriteString("Preserve concrete facts, names, and decisions. Write one statement per line with no numbering.\n\n")
	for i, chunk := range ordered {
		fmt.Fprintf(&sb, "%d. %s\n", i+1, chunk.Content)
	}

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	response, err := s.summarizer.Summarize(ctx, sb.String())
	if err != nil {
		s.logger.WarnContext(ctx, "summarizer failed, using merge fallback", slog.Any("error", err))
		return nil, false
	}

	lines := parseSummaryLines(response, target)
	if len(lines) == 0 || len(lines) >= len(chunks) {
		s.logger.WarnContext(ctx, "summarizer output unusable, using merge fallback",
			slog.Int("lines", len(lines)), slog.Int("originals", len(chunks)))
		return nil, false
	}

	importance := 0.0
	for _, chunk := range ordered {
		if chunk.ImportanceScore > importance {
			importance = chunk.ImportanceScore
		}
	}

	out := make([]*convmem.Chunk, 0, len(lines))
	for _, line := range lines {
		synthetic := convmem.NewChunk(ordered[0].SessionID, line, convmem.ContentText)
		synthetic.ImportanceScore = importance
		synthetic.Metadata["compressed"] = true
		synthetic.Metadata["original_count"] = len(chunks)
		out = append(out, synthetic)
	}
	return out, true
}

// parseSummaryLines extracts up to limit non-empty statements from a
// model response, stripping list markers the model may add anyway.
func parseSummaryLines(response string, limit int) []string {
	var out []string
	for _, line := range strings.Split(response, "\n") {
		line = strings.TrimSpace(line)
		line = strings.TrimLeft(line, "-*• \t")
		for len(line) > 0 && line[0] >= '0' && line[0] <= '9' {
			line = line[1:]
		}
		line = strings.TrimLeft(line, ".) \t")
		if line == "" {
			continue
		}
		out = append(out, line)
		if len(out) == limit {
			break
		}
	}
	return out
}

// basicMerge repeatedly folds the most similar chunk pair together
// until the set fits the target or no pair is similar enough, then
// importance-trims whatever is left.
func (s *SemanticStrategy) basicMerge(chunks []*convmem.Chunk, target int) []*convmem.Chunk {
	working := make([]*convmem.Chunk, len(chunks))
	for i, chunk := range chunks {
		c := *chunk
		working[i] = &c
	}
	working = chronological(working)

	for len(working) > target {
		bestI, bestJ, bestSim := -1, -1, mergeSimilarity
		for i := 0; i < len(working); i++ {
			for j := i + 1; j < len(working); j++ {
				sim := contentSimilarity(working[i].Content, working[j].Content)
				if sim > bestSim {
					bestI, bestJ, bestSim = i, j, sim
				}
			}
		}
		if bestI < 0 {
			break
		}
		working[bestI] = mergeChunks(working[bestI], working[bestJ])
		working = append(working[:bestJ], working[bestJ+1:]...)
	}

	if len(working) > target {
		kept := byImportanceDesc(working)[:target]
		working = chronological(kept)
	}
	return working
}

func mergeChunks(a, b *convmem.Chunk) *convmem.Chunk {
	merged := *a
	if !strings.Contains(a.Content, b.Content) {
		merged.Content = a.Content + " | " + b.Content
	}
	if b.ImportanceScore > merged.ImportanceScore {
		merged.ImportanceScore = b.ImportanceScore
	}
	if b.RelevanceScore > merged.RelevanceScore {
		merged.RelevanceScore = b.RelevanceScore
	}
	merged.Metadata = map[string]interface{}{"compressed": true}
	return &merged
}

func contentSimilarity(a, b string) float64 {
	setA := fieldSet(a)
	setB := fieldSet(b)
	if len(setA) == 0 || len(setB) == 0 {
		return 0
	}
	inter := 0
	for tok := range setA {
		if _, ok := setB[tok]; ok {
			inter++
		}
	}
	union := len(setA) + len(setB) - inter
	return float64(inter) / float64(union)
}

func fieldSet(text string) map[string]struct{} {
	set := make(map[string]struct{})
	for _, field := range strings.Fields(strings.ToLower(text)) {
		set[field] = struct{}{}
	}
	return set
}
