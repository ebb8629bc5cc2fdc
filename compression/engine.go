package compression

import (
	"context"
	"log/slog"
	"sync"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/ragforge/convmem/config"
	"github.com/ragforge/convmem/convmem"
	"github.com/ragforge/convmem/observability"
)

// Result is the outcome of one compression run.
type Result struct {
	// Performed is false when the threshold gate skipped the run; all
	// other fields are zero in that case.
	Performed bool

	// Chunks is the compressed set, chronological order.
	Chunks []*convmem.Chunk

	// Record is the audit row describing the run.
	Record *convmem.CompressionRecord

	// Smaller reports whether the compressed set is strictly smaller
	// than the original. Only then should the caller replace storage.
	Smaller bool
}

// RunningStats aggregates compression outcomes since engine creation.
type RunningStats struct {
	Runs         int64   `json:"runs"`
	Skipped      int64   `json:"skipped"`
	Replaced     int64   `json:"replaced"`
	AverageRatio float64 `json:"average_ratio"`
}

// Engine dispatches compression requests to the registered strategies
// and enforces the invariants every strategy shares: the threshold
// gate, the never-empty floor, and the importance fallback when a
// strategy errors out.
type Engine struct {
	strategies map[convmem.StrategyName]Strategy
	fallback   Strategy
	cfg        config.CompressionConfig
	metrics    *observability.Metrics
	tracer     trace.Tracer
	logger     *slog.Logger

	mu       sync.Mutex
	runs     int64
	skipped  int64
	replaced int64
	ratioSum float64
}

// NewEngine creates a compression engine with the three built-in
// strategies registered. summarizer may be nil; the semantic strategy
// then always uses its merge fallback.
func NewEngine(summarizer convmem.Summarizer, cfg config.CompressionConfig, metrics *observability.Metrics) *Engine {
	importance := NewImportanceStrategy()
	e := &Engine{
		strategies: map[convmem.StrategyName]Strategy{
			convmem.StrategyImportance: importance,
			convmem.StrategyTemporal:   NewTemporalStrategy(),
			convmem.StrategySemantic:   NewSemanticStrategy(summarizer, cfg.SummarizeTimeout),
		},
		fallback: importance,
		cfg:      cfg,
		metrics:  metrics,
		tracer:   observability.GetTracer("convmem.compression"),
		logger:   observability.Logger("compression"),
	}
	return e
}

// Compress runs one compression request over the given chunk set. The
// caller owns persistence: replace the stored set only when
// Result.Smaller is true, otherwise persist just the record.
func (e *Engine) Compress(ctx context.Context, chunks []*convmem.Chunk, req convmem.CompressionRequest) (*Result, error) {
	ctx, span := e.tracer.Start(ctx, "compression.compress")
	defer span.End()

	if err := req.Validate(); err != nil {
		return nil, err
	}

	threshold := req.Threshold
	if threshold <= 0 {
		threshold = e.cfg.Threshold
	}
	if req.MaxRatio <= 0 {
		req.MaxRatio = e.cfg.MaxRatio
	}

	span.SetAttributes(
		attribute.String("session_id", req.SessionID),
		attribute.String("strategy", string(req.Strategy)),
		attribute.Int("chunk_count", len(chunks)),
	)

	if !req.Force && len(chunks) <= threshold {
		e.mu.Lock()
		e.skipped++
		e.mu.Unlock()
		span.SetAttributes(attribute.Bool("skipped", true))
		return &Result{Performed: false}, nil
	}

	strategy := e.strategies[req.Strategy]
	compressed, err := strategy.Compress(ctx, chronological(chunks), req)
	if err != nil {
		e.logger.WarnContext(ctx, "strategy failed, falling back to importance",
			slog.String("strategy", string(req.Strategy)), slog.Any("error", err))
		compressed, err = e.fallback.Compress(ctx, chronological(chunks), req)
		if err != nil {
			return nil, &convmem.CompressionError{Strategy: req.Strategy, Message: "strategy and fallback both failed", Cause: err}
		}
	}

	// The floor holds even against a misbehaving strategy.
	if len(compressed) == 0 && len(chunks) > 0 {
		best := byImportanceDesc(chunks)[0]
		c := *best
		compressed = []*convmem.Chunk{&c}
	}

	record := convmem.NewCompressionRecord(req.SessionID, len(chunks), len(compressed), req.Strategy)
	smaller := len(compressed) < len(chunks)
	if !smaller {
		record.CompressionRatio = 1.0
	}

	e.mu.Lock()
	e.runs++
	if smaller {
		e.replaced++
	}
	e.ratioSum += record.CompressionRatio
	e.mu.Unlock()

	e.metrics.RecordCompression(ctx, string(req.Strategy), smaller, record.CompressionRatio)
	span.SetAttributes(
		attribute.Int("compressed_count", len(compressed)),
		attribute.Float64("ratio", record.CompressionRatio),
	)

	return &Result{
		Performed: true,
		Chunks:    compressed,
		Record:    record,
		Smaller:   smaller,
	}, nil
}

// Stats returns the running compression statistics.
func (e *Engine) Stats() RunningStats {
	e.mu.Lock()
	defer e.mu.Unlock()

	stats := RunningStats{
		Runs:     e.runs,
		Skipped:  e.skipped,
		Replaced: e.replaced,
	}
	if e.runs > 0 {
		stats.AverageRatio = e.ratioSum / float64(e.runs)
	}
	return stats
}
