// Package store provides durable keyed storage for sessions, memory
// chunks, and compression records. It is the single source of truth:
// the denormalized session counter and the chunk table are updated in
// the same transaction, so readers never observe them disagreeing.
//
// Implementations:
//   - SQLiteStore: embedded SQLite, the default persistent backend
//   - RedisStore: Redis-backed, for multi-instance deployments
//   - MemStore: in-process maps, for tests and prototypes
package store

import (
	"context"

	"github.com/ragforge/convmem/convmem"
)

// Store is the persistence contract of the memory subsystem.
//
// All mutating operations are transactional per session: either the
// session row and the chunk set agree after the call, or neither
// changed. Operations on distinct sessions never block each other.
type Store interface {
	// CreateSession persists a new session. Fails with
	// *convmem.SessionLimitError when the owning user already holds the
	// configured maximum of active sessions.
	CreateSession(ctx context.Context, session *convmem.Session) error

	// GetSession fetches a session or *convmem.SessionNotFoundError.
	GetSession(ctx context.Context, sessionID string) (*convmem.Session, error)

	// ListSessions returns up to limit sessions with the given status,
	// most recently updated first. An empty userID matches all users.
	ListSessions(ctx context.Context, userID string, status convmem.SessionStatus, limit int) ([]*convmem.Session, error)

	// UpdateSessionStatus transitions a session's lifecycle state.
	UpdateSessionStatus(ctx context.Context, sessionID string, status convmem.SessionStatus) error

	// DeleteSession removes a session, all chunks it owns, and its
	// compression records in one transaction.
	DeleteSession(ctx context.Context, sessionID string) error

	// AddChunk inserts a chunk, increments the owning session's
	// MemoryCount, and bumps UpdatedAt, atomically.
	AddChunk(ctx context.Context, chunk *convmem.Chunk) error

	// ListChunks returns up to limit chunks of a session, newest first,
	// with no scoring applied. limit <= 0 means no limit.
	ListChunks(ctx context.Context, sessionID string, limit int) ([]*convmem.Chunk, error)

	// ReplaceChunks atomically swaps a session's chunk set for the
	// compressed set, writes the compression record, and resets
	// MemoryCount.
	ReplaceChunks(ctx context.Context, sessionID string, chunks []*convmem.Chunk, record *convmem.CompressionRecord) error

	// AddCompressionRecord persists an audit record without touching the
	// chunk set (used when compression decided not to replace anything).
	AddCompressionRecord(ctx context.Context, record *convmem.CompressionRecord) error

	// ListCompressionRecords returns a session's audit log, newest first.
	ListCompressionRecords(ctx context.Context, sessionID string) ([]*convmem.CompressionRecord, error)

	// TouchQuery records the last raw query text on a session.
	TouchQuery(ctx context.Context, sessionID, queryText string) error

	// Stats summarizes the store contents.
	Stats(ctx context.Context) (*convmem.Stats, error)

	// Close releases the backend connection.
	Close() error
}
