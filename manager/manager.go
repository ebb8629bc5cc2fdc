// Package manager exposes the conversational memory subsystem to
// callers: session lifecycle, memory writes, retrieval, and
// compression, with per-session write serialization on top of an
// arbitrary Store backend.
package manager

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/ragforge/convmem/compression"
	"github.com/ragforge/convmem/config"
	"github.com/ragforge/convmem/convmem"
	"github.com/ragforge/convmem/observability"
	"github.com/ragforge/convmem/retrieval"
	"github.com/ragforge/convmem/store"
)

// Manager is the caller-facing API of the memory subsystem.
//
// Writes to one session (AddMemory, CompressSession, DeleteSession)
// are serialized through a per-session mutex, so compression never
// races a concurrent insert. Reads run concurrently, and operations on
// distinct sessions never block each other.
type Manager struct {
	cfg         *config.Config
	store       store.Store
	retrieval   *retrieval.Engine
	compression *compression.Engine
	audit       *observability.AuditLogger
	metrics     *observability.Metrics
	tracer      trace.Tracer
	logger      *slog.Logger

	totalQueries atomic.Int64

	mu       sync.Mutex
	sessionL map[string]*sync.Mutex
}

// Options carries the optional collaborators a Manager can use.
type Options struct {
	// Summarizer powers the semantic compression strategy. Nil is fine;
	// semantic compression then uses its deterministic merge fallback.
	Summarizer convmem.Summarizer

	// Audit receives session lifecycle and compression events. Nil
	// disables auditing.
	Audit *observability.AuditLogger

	// Metrics receives the subsystem's instruments. Nil disables them.
	Metrics *observability.Metrics
}

// New creates a Manager over the given store and tokenizer.
func New(cfg *config.Config, st store.Store, tokenizer convmem.Tokenizer, opts Options) (*Manager, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Manager{
		cfg:         cfg,
		store:       st,
		retrieval:   retrieval.NewEngine(st, tokenizer, cfg.Retrieval, opts.Metrics),
		compression: compression.NewEngine(opts.Summarizer, cfg.Compression, opts.Metrics),
		audit:       opts.Audit,
		metrics:     opts.Metrics,
		tracer:      observability.GetTracer("convmem.manager"),
		logger:      observability.Logger("manager"),
		sessionL:    make(map[string]*sync.Mutex),
	}, nil
}

// sessionLock returns the mutex serializing writes to one session,
// creating it on first use.
func (m *Manager) sessionLock(sessionID string) *sync.Mutex {
	m.mu.Lock()
	defer m.mu.Unlock()

	l, ok := m.sessionL[sessionID]
	if !ok {
		l = &sync.Mutex{}
		m.sessionL[sessionID] = l
	}
	return l
}

func (m *Manager) releaseLock(sessionID string) {
	m.mu.Lock()
	delete(m.sessionL, sessionID)
	m.mu.Unlock()
}

// CreateSession creates a new active session for userID.
func (m *Manager) CreateSession(ctx context.Context, userID string, metadata map[string]interface{}) (*convmem.Session, error) {
	ctx, span := m.tracer.Start(ctx, "manager.create_session")
	defer span.End()

	if userID == "" {
		return nil, &convmem.ValidationError{Field: "user_id", Message: "user id is required"}
	}

	session := convmem.NewSession(userID, metadata)
	if err := m.store.CreateSession(ctx, session); err != nil {
		var limit *convmem.SessionLimitError
		if errors.As(err, &limit) {
			m.audit.LogLimitExceeded(ctx, userID, limit.Limit)
		}
		return nil, err
	}

	if m.metrics != nil {
		m.metrics.SessionsCreated.Add(ctx, 1)
	}
	m.audit.LogSessionEvent(ctx, observability.SessionCreated, userID, session.SessionID)
	m.logger.InfoContext(ctx, "session created",
		slog.String("session_id", session.SessionID),
		slog.String("user_id", userID))
	span.SetAttributes(attribute.String("session_id", session.SessionID))
	return session, nil
}

// GetSession fetches a session by id.
func (m *Manager) GetSession(ctx context.Context, sessionID string) (*convmem.Session, error) {
	return m.store.GetSession(ctx, sessionID)
}

// ListSessions returns up to limit sessions for userID filtered by
// status. Empty userID matches all users; empty status matches all
// statuses; limit <= 0 means no limit.
func (m *Manager) ListSessions(ctx context.Context, userID string, status convmem.SessionStatus, limit int) ([]*convmem.Session, error) {
	return m.store.ListSessions(ctx, userID, status, limit)
}

// ArchiveSession transitions a session to archived. Archived sessions
// stay retrievable but reject new memories.
func (m *Manager) ArchiveSession(ctx context.Context, sessionID string) error {
	ctx, span := m.tracer.Start(ctx, "manager.archive_session")
	defer span.End()

	l := m.sessionLock(sessionID)
	l.Lock()
	defer l.Unlock()

	if err := m.store.UpdateSessionStatus(ctx, sessionID, convmem.SessionArchived); err != nil {
		return err
	}
	m.audit.LogSessionEvent(ctx, observability.SessionArchived, "", sessionID)
	m.logger.InfoContext(ctx, "session archived", slog.String("session_id", sessionID))
	return nil
}

// DeleteSession removes a session and everything it owns.
func (m *Manager) DeleteSession(ctx context.Context, sessionID string) error {
	ctx, span := m.tracer.Start(ctx, "manager.delete_session")
	defer span.End()

	l := m.sessionLock(sessionID)
	l.Lock()
	defer l.Unlock()

	session, err := m.store.GetSession(ctx, sessionID)
	if err != nil {
		return err
	}
	if err := m.store.DeleteSession(ctx, sessionID); err != nil {
		return err
	}
	m.releaseLock(sessionID)

	if m.metrics != nil {
		m.metrics.SessionsDeleted.Add(ctx, 1)
	}
	m.audit.LogSessionEvent(ctx, observability.SessionDeleted, session.UserID, sessionID)
	m.logger.InfoContext(ctx, "session deleted",
		slog.String("session_id", sessionID),
		slog.String("user_id", session.UserID))
	return nil
}

// AddMemory records one dialogue turn in a session. importance must be
// in [0, 1]; it is fixed at insertion and drives later compression.
func (m *Manager) AddMemory(ctx context.Context, sessionID, content string, contentType convmem.ContentType, importance float64, metadata map[string]interface{}) (*convmem.Chunk, error) {
	ctx, span := m.tracer.Start(ctx, "manager.add_memory")
	defer span.End()

	if content == "" {
		return nil, &convmem.ValidationError{Field: "content", Message: "content is required"}
	}
	if importance < 0 || importance > 1 {
		return nil, &convmem.ValidationError{Field: "importance_score", Message: "must be between 0 and 1"}
	}

	l := m.sessionLock(sessionID)
	l.Lock()
	defer l.Unlock()

	session, err := m.store.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if session.Status != convmem.SessionActive {
		return nil, &convmem.ValidationError{Field: "session_id", Message: "session is not active"}
	}

	chunk := convmem.NewChunk(sessionID, content, contentType)
	chunk.ImportanceScore = importance
	if metadata != nil {
		chunk.Metadata = metadata
	}

	if err := m.store.AddChunk(ctx, chunk); err != nil {
		return nil, err
	}
	if m.metrics != nil {
		m.metrics.ChunksStored.Add(ctx, 1)
	}
	m.logger.DebugContext(ctx, "memory stored",
		slog.String("session_id", sessionID),
		slog.String("chunk_id", chunk.ChunkID))
	span.SetAttributes(attribute.String("session_id", sessionID))
	return chunk, nil
}

// RetrieveMemories answers a query with the session's most relevant
// chunks, best first. The raw query text is persisted on the session
// as its last query.
func (m *Manager) RetrieveMemories(ctx context.Context, query convmem.Query) ([]*convmem.Chunk, error) {
	ctx, span := m.tracer.Start(ctx, "manager.retrieve_memories")
	defer span.End()

	results, err := m.retrieval.Retrieve(ctx, query)
	if err != nil {
		return nil, err
	}
	m.totalQueries.Add(1)

	// Best effort; losing the last-query breadcrumb must not fail an
	// otherwise successful retrieval.
	if err := m.store.TouchQuery(ctx, query.SessionID, query.QueryText); err != nil {
		m.logger.WarnContext(ctx, "failed to persist last query",
			slog.String("session_id", query.SessionID), slog.Any("error", err))
	}
	return results, nil
}

// ListSessionMemories returns a session's chunks newest first with no
// relevance scoring, e.g. for export or inspection.
func (m *Manager) ListSessionMemories(ctx context.Context, sessionID string, limit int) ([]*convmem.Chunk, error) {
	return m.store.ListChunks(ctx, sessionID, limit)
}

// CompressSession runs one compression pass over a session. The stored
// chunk set is replaced only when the strategy actually shrank it;
// either way the audit record is persisted. Returns nil when the
// threshold gate skipped the run.
func (m *Manager) CompressSession(ctx context.Context, req convmem.CompressionRequest) (*convmem.CompressionRecord, error) {
	ctx, span := m.tracer.Start(ctx, "manager.compress_session")
	defer span.End()

	if req.Strategy == "" {
		req.Strategy = m.cfg.Compression.Strategy
	}

	l := m.sessionLock(req.SessionID)
	l.Lock()
	defer l.Unlock()

	session, err := m.store.GetSession(ctx, req.SessionID)
	if err != nil {
		return nil, err
	}
	if session.Status != convmem.SessionActive {
		return nil, &convmem.ValidationError{Field: "session_id", Message: "session is not active"}
	}

	chunks, err := m.store.ListChunks(ctx, req.SessionID, 0)
	if err != nil {
		return nil, err
	}

	result, err := m.compression.Compress(ctx, chunks, req)
	if err != nil {
		return nil, err
	}
	if !result.Performed {
		m.logger.DebugContext(ctx, "compression skipped by threshold",
			slog.String("session_id", req.SessionID),
			slog.Int("chunk_count", len(chunks)))
		return nil, nil
	}

	if result.Smaller {
		err = m.store.ReplaceChunks(ctx, req.SessionID, result.Chunks, result.Record)
	} else {
		err = m.store.AddCompressionRecord(ctx, result.Record)
	}
	if err != nil {
		return nil, err
	}

	m.audit.LogCompression(ctx, req.SessionID, string(req.Strategy),
		result.Record.OriginalCount, result.Record.CompressedCount, result.Smaller)
	m.logger.InfoContext(ctx, "session compressed",
		slog.String("session_id", req.SessionID),
		slog.String("strategy", string(req.Strategy)),
		slog.Int("original", result.Record.OriginalCount),
		slog.Int("compressed", result.Record.CompressedCount),
		slog.Bool("replaced", result.Smaller))
	return result.Record, nil
}

// ListCompressionRecords returns a session's compression audit log,
// newest first.
func (m *Manager) ListCompressionRecords(ctx context.Context, sessionID string) ([]*convmem.CompressionRecord, error) {
	return m.store.ListCompressionRecords(ctx, sessionID)
}

// CompressionStats returns running statistics over compression runs
// since this Manager was created.
func (m *Manager) CompressionStats() compression.RunningStats {
	return m.compression.Stats()
}

// Stats summarizes the subsystem: store contents plus the query count
// served by this Manager instance.
func (m *Manager) Stats(ctx context.Context) (*convmem.Stats, error) {
	stats, err := m.store.Stats(ctx)
	if err != nil {
		return nil, err
	}
	stats.TotalQueries = m.totalQueries.Load()
	return stats, nil
}

// Close releases the underlying store.
func (m *Manager) Close() error {
	return m.store.Close()
}
