// Package retrieval implements the three-layer retrieval pipeline over
// a session's memory chunks: a temporal pre-filter, keyword overlap
// scoring, and TF-IDF cosine similarity. Layers degrade forward; a
// query only fails when the store itself does.
package retrieval

import (
	"context"
	"errors"
	"log/slog"
	"math"
	"sort"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"gonum.org/v1/gonum/floats"

	"github.com/ragforge/convmem/config"
	"github.com/ragforge/convmem/convmem"
	"github.com/ragforge/convmem/observability"
	"github.com/ragforge/convmem/store"
)

const (
	keywordJaccardWeight = 0.7
	keywordDecayWeight   = 0.3
	semanticSimWeight    = 0.6
	semanticDecayWeight  = 0.4

	// Relaxation floor for the semantic threshold. Below this the
	// scores are noise and the keyword ordering is more trustworthy.
	semanticThresholdFloor = 0.1
)

// Engine runs retrieval queries against a Store.
type Engine struct {
	store     store.Store
	tokenizer convmem.Tokenizer
	cfg       config.RetrievalConfig
	metrics   *observability.Metrics
	tracer    trace.Tracer
	logger    *slog.Logger
}

// NewEngine creates a retrieval engine.
func NewEngine(st store.Store, tokenizer convmem.Tokenizer, cfg config.RetrievalConfig, metrics *observability.Metrics) *Engine {
	return &Engine{
		store:     st,
		tokenizer: tokenizer,
		cfg:       cfg,
		metrics:   metrics,
		tracer:    observability.GetTracer("convmem.retrieval"),
		logger:    observability.Logger("retrieval"),
	}
}

// Retrieve answers a query with the session's most relevant chunks,
// ranked best first. RelevanceScore on the returned chunks is the
// score of the layer that produced the result; stored scores are
// ignored and recomputed on every call.
func (e *Engine) Retrieve(ctx context.Context, query convmem.Query) ([]*convmem.Chunk, error) {
	ctx, span := e.tracer.Start(ctx, "retrieval.retrieve")
	defer span.End()
	start := time.Now()

	if err := query.Validate(); err != nil {
		return nil, err
	}

	chunks, err := e.store.ListChunks(ctx, query.SessionID, 0)
	if err != nil {
		var notFound *convmem.SessionNotFoundError
		if errors.As(err, &notFound) {
			return nil, err
		}
		return nil, &convmem.RetrievalError{Message: "loading session chunks", Cause: err}
	}

	span.SetAttributes(
		attribute.String("session_id", query.SessionID),
		attribute.Int("chunk_count", len(chunks)),
	)

	now := time.Now().UTC()

	candidates := e.temporalFilter(chunks, query, now)
	survivors := e.keywordFilter(candidates, query, now)
	if len(survivors) == 0 {
		e.finish(ctx, span, "empty", start, 0)
		return []*convmem.Chunk{}, nil
	}

	results, layer := e.semanticRank(survivors, query, now)

	maxResults := query.MaxResults
	if maxResults <= 0 {
		maxResults = e.cfg.MaxResults
	}
	if len(results) > maxResults {
		results = results[:maxResults]
	}

	e.finish(ctx, span, layer, start, len(results))
	return results, nil
}

func (e *Engine) finish(ctx context.Context, span trace.Span, layer string, start time.Time, n int) {
	span.SetAttributes(
		attribute.String("result_layer", layer),
		attribute.Int("result_count", n),
	)
	latencyMs := float64(time.Since(start).Microseconds()) / 1000.0
	e.metrics.RecordRetrieval(ctx, layer, latencyMs)
	e.logger.DebugContext(ctx, "retrieval finished",
		slog.String("layer", layer),
		slog.Int("results", n),
		slog.Float64("latency_ms", latencyMs))
}

// temporalFilter is layer 1: a cheap time and type pre-filter that
// bounds the work the scoring layers see. An explicit TimeRange on the
// query replaces the rolling window.
func (e *Engine) temporalFilter(chunks []*convmem.Chunk, query convmem.Query, now time.Time) []*convmem.Chunk {
	var cutoff time.Time
	if query.TimeRange == nil && e.cfg.TimeWindowHours > 0 {
		cutoff = now.Add(-time.Duration(e.cfg.TimeWindowHours) * time.Hour)
	}

	out := make([]*convmem.Chunk, 0, len(chunks))
	for _, chunk := range chunks {
		if query.TimeRange != nil {
			if !query.TimeRange.Contains(chunk.CreatedAt) {
				continue
			}
		} else if !cutoff.IsZero() && chunk.CreatedAt.Before(cutoff) {
			continue
		}
		if len(query.ContentTypes) > 0 && !containsType(query.ContentTypes, chunk.ContentType) {
			continue
		}
		out = append(out, chunk)
	}
	return out
}

type scored struct {
	chunk *convmem.Chunk
	score float64
	decay float64
}

// keywordFilter is layer 2: Jaccard overlap between query and chunk
// tokens blended with recency decay. Chunks below the keyword
// threshold are out of the running entirely.
func (e *Engine) keywordFilter(chunks []*convmem.Chunk, query convmem.Query, now time.Time) []scored {
	queryTokens := tokenSet(e.tokenizer.Tokenize(query.QueryText))

	out := make([]scored, 0, len(chunks))
	for _, chunk := range chunks {
		chunkTokens := tokenSet(e.tokenizer.Tokenize(chunk.Content))
		j := jaccard(queryTokens, chunkTokens)
		decay := e.timeDecay(chunk.CreatedAt, now)
		match := keywordJaccardWeight*j + keywordDecayWeight*decay
		if match >= e.cfg.KeywordThreshold {
			out = append(out, scored{chunk: chunk, score: match, decay: decay})
		}
	}
	return out
}

// semanticRank is layer 3: TF-IDF cosine similarity over the keyword
// survivors. When nothing clears the similarity threshold it is halved
// until the floor; past that the keyword survivors are returned newest
// first instead of failing.
func (e *Engine) semanticRank(survivors []scored, query convmem.Query, now time.Time) ([]*convmem.Chunk, string) {
	docs := make([][]string, len(survivors))
	for i, s := range survivors {
		docs[i] = e.tokenizer.Tokenize(s.chunk.Content)
	}
	queryTokens := e.tokenizer.Tokenize(query.QueryText)

	vectors, queryVec := vectorize(docs, queryTokens)

	finals := make([]float64, len(survivors))
	for i := range survivors {
		sim := cosine(vectors[i], queryVec)
		finals[i] = semanticSimWeight*sim + semanticDecayWeight*survivors[i].decay
	}

	threshold := query.SimilarityThreshold
	if threshold <= 0 {
		threshold = e.cfg.SemanticThreshold
	}
	layer := "semantic"
	for threshold >= semanticThresholdFloor {
		var picked []scored
		for i, s := range survivors {
			if finals[i] >= threshold {
				picked = append(picked, scored{chunk: s.chunk, score: finals[i]})
			}
		}
		if len(picked) > 0 {
			sort.SliceStable(picked, func(a, b int) bool {
				return picked[a].score > picked[b].score
			})
			return annotate(picked), layer
		}
		threshold /= 2
		layer = "semantic_relaxed"
	}

	// Keyword fallback: trust layer 2 membership and recency.
	fallback := make([]scored, len(survivors))
	copy(fallback, survivors)
	sort.SliceStable(fallback, func(a, b int) bool {
		return fallback[a].chunk.CreatedAt.After(fallback[b].chunk.CreatedAt)
	})
	return annotate(fallback), "keyword_fallback"
}

func annotate(picked []scored) []*convmem.Chunk {
	out := make([]*convmem.Chunk, len(picked))
	for i, p := range picked {
		c := *p.chunk
		c.RelevanceScore = p.score
		out[i] = &c
	}
	return out
}

// timeDecay maps chunk age to (0, 1], newest = 1.
func (e *Engine) timeDecay(createdAt, now time.Time) float64 {
	ageHours := now.Sub(createdAt).Hours()
	if ageHours < 0 {
		ageHours = 0
	}
	factor := e.cfg.TimeDecayFactor
	if factor <= 0 {
		factor = 0.1
	}
	return math.Exp(-factor * ageHours)
}

// vectorize builds TF-IDF vectors for the documents and the query over
// a shared vocabulary. IDF uses the smoothed form so terms present in
// every document still contribute.
func vectorize(docs [][]string, queryTokens []string) ([][]float64, []float64) {
	vocab := make(map[string]int)
	addTerms := func(tokens []string) {
		for _, tok := range tokens {
			if _, ok := vocab[tok]; !ok {
				vocab[tok] = len(vocab)
			}
		}
	}
	for _, doc := range docs {
		addTerms(doc)
	}
	addTerms(queryTokens)

	df := make([]float64, len(vocab))
	for _, doc := range docs {
		seen := make(map[int]struct{})
		for _, tok := range doc {
			idx := vocab[tok]
			if _, dup := seen[idx]; !dup {
				seen[idx] = struct{}{}
				df[idx]++
			}
		}
	}

	n := float64(len(docs))
	idf := make([]float64, len(vocab))
	for i := range idf {
		idf[i] = math.Log((1+n)/(1+df[i])) + 1
	}

	tfidf := func(tokens []string) []float64 {
		vec := make([]float64, len(vocab))
		if len(tokens) == 0 {
			return vec
		}
		for _, tok := range tokens {
			vec[vocab[tok]]++
		}
		inv := 1 / float64(len(tokens))
		for i := range vec {
			vec[i] *= inv * idf[i]
		}
		return vec
	}

	vectors := make([][]float64, len(docs))
	for i, doc := range docs {
		vectors[i] = tfidf(doc)
	}
	return vectors, tfidf(queryTokens)
}

func cosine(a, b []float64) float64 {
	na := floats.Norm(a, 2)
	nb := floats.Norm(b, 2)
	if na == 0 || nb == 0 {
		return 0
	}
	return floats.Dot(a, b) / (na * nb)
}

func tokenSet(tokens []string) map[string]struct{} {
	set := make(map[string]struct{}, len(tokens))
	for _, tok := range tokens {
		set[tok] = struct{}{}
	}
	return set
}

func jaccard(a, b map[string]struct{}) float64 {
	if len(a) == 0 || len(b) == 0 {
		return 0
	}
	small, large := a, b
	if len(b) < len(a) {
		small, large = b, a
	}
	inter := 0
	for tok := range small {
		if _, ok := large[tok]; ok {
			inter++
		}
	}
	union := len(a) + len(b) - inter
	return float64(inter) / float64(union)
}

func containsType(types []convmem.ContentType, t convmem.ContentType) bool {
	for _, ct := range types {
		if ct == t {
			return true
		}
	}
	return false
}
