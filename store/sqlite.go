package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/ragforge/convmem/convmem"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS conversation_sessions (
	session_id   TEXT PRIMARY KEY,
	user_id      TEXT NOT NULL,
	created_at   TEXT NOT NULL,
	updated_at   TEXT NOT NULL,
	status       TEXT NOT NULL,
	metadata     TEXT NOT NULL DEFAULT '{}',
	memory_count INTEGER NOT NULL DEFAULT 0,
	last_query   TEXT NOT NULL DEFAULT ''
);

CREATE TABLE IF NOT EXISTS memory_chunks (
	chunk_id         TEXT PRIMARY KEY,
	session_id       TEXT NOT NULL REFERENCES conversation_sessions(session_id) ON DELETE CASCADE,
	content          TEXT NOT NULL,
	content_type     TEXT NOT NULL,
	relevance_score  REAL NOT NULL DEFAULT 0,
	importance_score REAL NOT NULL DEFAULT 0,
	created_at       TEXT NOT NULL,
	metadata         TEXT NOT NULL DEFAULT '{}'
);

CREATE TABLE IF NOT EXISTS compression_records (
	record_id         TEXT PRIMARY KEY,
	session_id        TEXT NOT NULL REFERENCES conversation_sessions(session_id) ON DELETE CASCADE,
	original_count    INTEGER NOT NULL,
	compressed_count  INTEGER NOT NULL,
	compression_ratio REAL NOT NULL,
	strategy          TEXT NOT NULL,
	created_at        TEXT NOT NULL,
	metadata          TEXT NOT NULL DEFAULT '{}'
);

CREATE INDEX IF NOT EXISTS idx_sessions_user ON conversation_sessions(user_id, status);
CREATE INDEX IF NOT EXISTS idx_chunks_session ON memory_chunks(session_id, created_at);
CREATE INDEX IF NOT EXISTS idx_records_session ON compression_records(session_id, created_at);
`

// SQLiteStore is the default persistent backend. It uses a single
// embedded SQLite database file; every mutation that touches both a
// session row and its chunk set runs in one transaction.
type SQLiteStore struct {
	db                 *sql.DB
	maxSessionsPerUser int
}

// NewSQLiteStore opens (or creates) the database at dbPath and applies
// the schema.
func NewSQLiteStore(dbPath string, maxSessionsPerUser int) (*SQLiteStore, error) {
	if maxSessionsPerUser <= 0 {
		maxSessionsPerUser = 100
	}
	if dir := filepath.Dir(dbPath); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return nil, &convmem.StorageError{Op: "open", Cause: err}
		}
	}

	db, err := sql.Open("sqlite", dbPath+"?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)")
	if err != nil {
		return nil, &convmem.StorageError{Op: "open", Cause: err}
	}
	// SQLite allows a single writer; serialize through one connection
	// instead of surfacing SQLITE_BUSY to callers.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(sqliteSchema); err != nil {
		db.Close()
		return nil, &convmem.StorageError{Op: "migrate", Cause: err}
	}

	return &SQLiteStore{db: db, maxSessionsPerUser: maxSessionsPerUser}, nil
}

func marshalMeta(m map[string]interface{}) (string, error) {
	if m == nil {
		return "{}", nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return "", fmt.Errorf("marshal metadata: %w", err)
	}
	return string(b), nil
}

func unmarshalMeta(s string) map[string]interface{} {
	m := make(map[string]interface{})
	if s != "" {
		// Corrupt metadata degrades to an empty map rather than
		// failing the whole read.
		_ = json.Unmarshal([]byte(s), &m)
	}
	return m
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) time.Time {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}

// CreateSession persists a new session, enforcing the per-user active
// session limit in the same transaction.
func (s *SQLiteStore) CreateSession(ctx context.Context, session *convmem.Session) error {
	meta, err := marshalMeta(session.Metadata)
	if err != nil {
		return &convmem.StorageError{Op: "create session", Cause: err}
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return &convmem.StorageError{Op: "create session", Cause: err}
	}
	defer tx.Rollback()

	var active int
	err = tx.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM conversation_sessions WHERE user_id = ? AND status = ?`,
		session.UserID, string(convmem.SessionActive),
	).Scan(&active)
	if err != nil {
		return &convmem.StorageError{Op: "create session", Cause: err}
	}
	if active >= s.maxSessionsPerUser {
		return &convmem.SessionLimitError{UserID: session.UserID, Limit: s.maxSessionsPerUser}
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO conversation_sessions
		 (session_id, user_id, created_at, updated_at, status, metadata, memory_count, last_query)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		session.SessionID, session.UserID,
		formatTime(session.CreatedAt), formatTime(session.UpdatedAt),
		string(session.Status), meta, session.MemoryCount, session.LastQuery,
	)
	if err != nil {
		return &convmem.StorageError{Op: "create session", Cause: err}
	}
	if err := tx.Commit(); err != nil {
		return &convmem.StorageError{Op: "create session", Cause: err}
	}
	return nil
}

func scanSession(row interface{ Scan(...interface{}) error }) (*convmem.Session, error) {
	var (
		sess                           convmem.Session
		createdAt, updatedAt, metadata string
		status                         string
	)
	err := row.Scan(&sess.SessionID, &sess.UserID, &createdAt, &updatedAt,
		&status, &metadata, &sess.MemoryCount, &sess.LastQuery)
	if err != nil {
		return nil, err
	}
	sess.CreatedAt = parseTime(createdAt)
	sess.UpdatedAt = parseTime(updatedAt)
	sess.Status = convmem.SessionStatus(status)
	sess.Metadata = unmarshalMeta(metadata)
	return &sess, nil
}

const sessionColumns = `session_id, user_id, created_at, updated_at, status, metadata, memory_count, last_query`

// GetSession fetches a session by id.
func (s *SQLiteStore) GetSession(ctx context.Context, sessionID string) (*convmem.Session, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+sessionColumns+` FROM conversation_sessions WHERE session_id = ?`, sessionID)
	sess, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &convmem.SessionNotFoundError{SessionID: sessionID}
	}
	if err != nil {
		return nil, &convmem.StorageError{Op: "get session", Cause: err}
	}
	return sess, nil
}

// ListSessions returns sessions filtered by user and status, most
// recently updated first.
func (s *SQLiteStore) ListSessions(ctx context.Context, userID string, status convmem.SessionStatus, limit int) ([]*convmem.Session, error) {
	q := `SELECT ` + sessionColumns + ` FROM conversation_sessions WHERE 1=1`
	args := make([]interface{}, 0, 3)
	if userID != "" {
		q += ` AND user_id = ?`
		args = append(args, userID)
	}
	if status != "" {
		q += ` AND status = ?`
		args = append(args, string(status))
	}
	q += ` ORDER BY updated_at DESC, rowid DESC`
	if limit > 0 {
		q += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, &convmem.StorageError{Op: "list sessions", Cause: err}
	}
	defer rows.Close()

	out := make([]*convmem.Session, 0)
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, &convmem.StorageError{Op: "list sessions", Cause: err}
		}
		out = append(out, sess)
	}
	if err := rows.Err(); err != nil {
		return nil, &convmem.StorageError{Op: "list sessions", Cause: err}
	}
	return out, nil
}

// UpdateSessionStatus transitions a session's lifecycle state.
func (s *SQLiteStore) UpdateSessionStatus(ctx context.Context, sessionID string, status convmem.SessionStatus) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE conversation_sessions SET status = ?, updated_at = ? WHERE session_id = ?`,
		string(status), formatTime(time.Now()), sessionID)
	if err != nil {
		return &convmem.StorageError{Op: "update session status", Cause: err}
	}
	n, err := res.RowsAffected()
	if err != nil {
		return &convmem.StorageError{Op: "update session status", Cause: err}
	}
	if n == 0 {
		return &convmem.SessionNotFoundError{SessionID: sessionID}
	}
	return nil
}

// DeleteSession removes a session, its chunks, and its compression
// records in one transaction.
func (s *SQLiteStore) DeleteSession(ctx context.Context, sessionID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return &convmem.StorageError{Op: "delete session", Cause: err}
	}
	defer tx.Rollback()

	// Explicit child deletes keep cascade behavior independent of the
	// foreign_keys pragma on the connection that created the row.
	if _, err := tx.ExecContext(ctx, `DELETE FROM memory_chunks WHERE session_id = ?`, sessionID); err != nil {
		return &convmem.StorageError{Op: "delete session", Cause: err}
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM compression_records WHERE session_id = ?`, sessionID); err != nil {
		return &convmem.StorageError{Op: "delete session", Cause: err}
	}
	res, err := tx.ExecContext(ctx, `DELETE FROM conversation_sessions WHERE session_id = ?`, sessionID)
	if err != nil {
		return &convmem.StorageError{Op: "delete session", Cause: err}
	}
	n, err := res.RowsAffected()
	if err != nil {
		return &convmem.StorageError{Op: "delete session", Cause: err}
	}
	if n == 0 {
		return &convmem.SessionNotFoundError{SessionID: sessionID}
	}
	if err := tx.Commit(); err != nil {
		return &convmem.StorageError{Op: "delete session", Cause: err}
	}
	return nil
}

// AddChunk inserts a chunk and bumps the owning session's counter and
// UpdatedAt in the same transaction.
func (s *SQLiteStore) AddChunk(ctx context.Context, chunk *convmem.Chunk) error {
	meta, err := marshalMeta(chunk.Metadata)
	if err != nil {
		return &convmem.StorageError{Op: "add chunk", Cause: err}
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return &convmem.StorageError{Op: "add chunk", Cause: err}
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx,
		`UPDATE conversation_sessions SET memory_count = memory_count + 1, updated_at = ? WHERE session_id = ?`,
		formatTime(time.Now()), chunk.SessionID)
	if err != nil {
		return &convmem.StorageError{Op: "add chunk", Cause: err}
	}
	n, err := res.RowsAffected()
	if err != nil {
		return &convmem.StorageError{Op: "add chunk", Cause: err}
	}
	if n == 0 {
		return &convmem.SessionNotFoundError{SessionID: chunk.SessionID}
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO memory_chunks
		 (chunk_id, session_id, content, content_type, relevance_score, importance_score, created_at, metadata)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		chunk.ChunkID, chunk.SessionID, chunk.Content, string(chunk.ContentType),
		chunk.RelevanceScore, chunk.ImportanceScore, formatTime(chunk.CreatedAt), meta,
	)
	if err != nil {
		return &convmem.StorageError{Op: "add chunk", Cause: err}
	}
	if err := tx.Commit(); err != nil {
		return &convmem.StorageError{Op: "add chunk", Cause: err}
	}
	return nil
}

func scanChunk(rows *sql.Rows) (*convmem.Chunk, error) {
	var (
		chunk               convmem.Chunk
		contentType         string
		createdAt, metadata string
	)
	err := rows.Scan(&chunk.ChunkID, &chunk.SessionID, &chunk.Content, &contentType,
		&chunk.RelevanceScore, &chunk.ImportanceScore, &createdAt, &metadata)
	if err != nil {
		return nil, err
	}
	chunk.ContentType = convmem.ContentType(contentType)
	chunk.CreatedAt = parseTime(createdAt)
	chunk.Metadata = unmarshalMeta(metadata)
	return &chunk, nil
}

// ListChunks returns a session's chunks, newest first.
func (s *SQLiteStore) ListChunks(ctx context.Context, sessionID string, limit int) ([]*convmem.Chunk, error) {
	if _, err := s.GetSession(ctx, sessionID); err != nil {
		return nil, err
	}

	q := `SELECT chunk_id, session_id, content, content_type, relevance_score, importance_score, created_at, metadata
	      FROM memory_chunks WHERE session_id = ? ORDER BY created_at DESC, rowid DESC`
	args := []interface{}{sessionID}
	if limit > 0 {
		q += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, &convmem.StorageError{Op: "list chunks", Cause: err}
	}
	defer rows.Close()

	out := make([]*convmem.Chunk, 0)
	for rows.Next() {
		chunk, err := scanChunk(rows)
		if err != nil {
			return nil, &convmem.StorageError{Op: "list chunks", Cause: err}
		}
		out = append(out, chunk)
	}
	if err := rows.Err(); err != nil {
		return nil, &convmem.StorageError{Op: "list chunks", Cause: err}
	}
	return out, nil
}

// ReplaceChunks swaps a session's chunk set for the compressed set and
// writes the compression record, all in one transaction.
func (s *SQLiteStore) ReplaceChunks(ctx context.Context, sessionID string, chunks []*convmem.Chunk, record *convmem.CompressionRecord) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return &convmem.StorageError{Op: "replace chunks", Cause: err}
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx,
		`UPDATE conversation_sessions SET memory_count = ?, updated_at = ? WHERE session_id = ?`,
		len(chunks), formatTime(time.Now()), sessionID)
	if err != nil {
		return &convmem.StorageError{Op: "replace chunks", Cause: err}
	}
	n, err := res.RowsAffected()
	if err != nil {
		return &convmem.StorageError{Op: "replace chunks", Cause: err}
	}
	if n == 0 {
		return &convmem.SessionNotFoundError{SessionID: sessionID}
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM memory_chunks WHERE session_id = ?`, sessionID); err != nil {
		return &convmem.StorageError{Op: "replace chunks", Cause: err}
	}
	for _, chunk := range chunks {
		meta, err := marshalMeta(chunk.Metadata)
		if err != nil {
			return &convmem.StorageError{Op: "replace chunks", Cause: err}
		}
		_, err = tx.ExecContext(ctx,
			`INSERT INTO memory_chunks
			 (chunk_id, session_id, content, content_type, relevance_score, importance_score, created_at, metadata)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			chunk.ChunkID, sessionID, chunk.Content, string(chunk.ContentType),
			chunk.RelevanceScore, chunk.ImportanceScore, formatTime(chunk.CreatedAt), meta,
		)
		if err != nil {
			return &convmem.StorageError{Op: "replace chunks", Cause: err}
		}
	}

	if err := insertRecord(ctx, tx, record); err != nil {
		return &convmem.StorageError{Op: "replace chunks", Cause: err}
	}
	if err := tx.Commit(); err != nil {
		return &convmem.StorageError{Op: "replace chunks", Cause: err}
	}
	return nil
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
}

func insertRecord(ctx context.Context, e execer, record *convmem.CompressionRecord) error {
	meta, err := marshalMeta(record.Metadata)
	if err != nil {
		return err
	}
	_, err = e.ExecContext(ctx,
		`INSERT INTO compression_records
		 (record_id, session_id, original_count, compressed_count, compression_ratio, strategy, created_at, metadata)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		record.RecordID, record.SessionID, record.OriginalCount, record.CompressedCount,
		record.CompressionRatio, string(record.Strategy), formatTime(record.CreatedAt), meta,
	)
	return err
}

// AddCompressionRecord persists an audit record without touching chunks.
func (s *SQLiteStore) AddCompressionRecord(ctx context.Context, record *convmem.CompressionRecord) error {
	if _, err := s.GetSession(ctx, record.SessionID); err != nil {
		return err
	}
	if err := insertRecord(ctx, s.db, record); err != nil {
		return &convmem.StorageError{Op: "add compression record", Cause: err}
	}
	return nil
}

// ListCompressionRecords returns a session's audit log, newest first.
func (s *SQLiteStore) ListCompressionRecords(ctx context.Context, sessionID string) ([]*convmem.CompressionRecord, error) {
	if _, err := s.GetSession(ctx, sessionID); err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT record_id, session_id, original_count, compressed_count, compression_ratio, strategy, created_at, metadata
		 FROM compression_records WHERE session_id = ? ORDER BY created_at DESC, rowid DESC`, sessionID)
	if err != nil {
		return nil, &convmem.StorageError{Op: "list compression records", Cause: err}
	}
	defer rows.Close()

	out := make([]*convmem.CompressionRecord, 0)
	for rows.Next() {
		var (
			rec                 convmem.CompressionRecord
			strategy            string
			createdAt, metadata string
		)
		err := rows.Scan(&rec.RecordID, &rec.SessionID, &rec.OriginalCount, &rec.CompressedCount,
			&rec.CompressionRatio, &strategy, &createdAt, &metadata)
		if err != nil {
			return nil, &convmem.StorageError{Op: "list compression records", Cause: err}
		}
		rec.Strategy = convmem.StrategyName(strategy)
		rec.CreatedAt = parseTime(createdAt)
		rec.Metadata = unmarshalMeta(metadata)
		out = append(out, &rec)
	}
	if err := rows.Err(); err != nil {
		return nil, &convmem.StorageError{Op: "list compression records", Cause: err}
	}
	return out, nil
}

// TouchQuery records the last raw query text on a session.
func (s *SQLiteStore) TouchQuery(ctx context.Context, sessionID, queryText string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE conversation_sessions SET last_query = ? WHERE session_id = ?`, queryText, sessionID)
	if err != nil {
		return &convmem.StorageError{Op: "touch query", Cause: err}
	}
	n, err := res.RowsAffected()
	if err != nil {
		return &convmem.StorageError{Op: "touch query", Cause: err}
	}
	if n == 0 {
		return &convmem.SessionNotFoundError{SessionID: sessionID}
	}
	return nil
}

// Stats summarizes the store contents.
func (s *SQLiteStore) Stats(ctx context.Context) (*convmem.Stats, error) {
	stats := &convmem.Stats{}
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*),
		        COALESCE(SUM(CASE WHEN status = ? THEN 1 ELSE 0 END), 0)
		 FROM conversation_sessions`, string(convmem.SessionActive),
	).Scan(&stats.TotalSessions, &stats.ActiveSessions)
	if err != nil {
		return nil, &convmem.StorageError{Op: "stats", Cause: err}
	}
	err = s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM memory_chunks`).Scan(&stats.TotalMemories)
	if err != nil {
		return nil, &convmem.StorageError{Op: "stats", Cause: err}
	}
	if stats.ActiveSessions > 0 {
		stats.AvgMemoriesPerSession = float64(stats.TotalMemories) / float64(stats.ActiveSessions)
	}
	return stats, nil
}

// Close releases the database handle.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
