package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/ragforge/convmem/convmem"
)

// MemStore keeps everything in process memory behind a RW mutex.
//
// Use cases:
//   - Testing
//   - Prototypes
//   - When persistence is not needed
type MemStore struct {
	maxSessionsPerUser int

	mu       sync.RWMutex
	sessions map[string]*convmem.Session
	chunks   map[string][]*convmem.Chunk
	records  map[string][]*convmem.CompressionRecord
}

// NewMemStore creates an empty in-memory store.
func NewMemStore(maxSessionsPerUser int) *MemStore {
	if maxSessionsPerUser <= 0 {
		maxSessionsPerUser = 100
	}
	return &MemStore{
		maxSessionsPerUser: maxSessionsPerUser,
		sessions:           make(map[string]*convmem.Session),
		chunks:             make(map[string][]*convmem.Chunk),
		records:            make(map[string][]*convmem.CompressionRecord),
	}
}

func copySession(s *convmem.Session) *convmem.Session {
	c := *s
	c.Metadata = make(map[string]interface{}, len(s.Metadata))
	for k, v := range s.Metadata {
		c.Metadata[k] = v
	}
	return &c
}

func copyChunk(ch *convmem.Chunk) *convmem.Chunk {
	c := *ch
	c.Metadata = make(map[string]interface{}, len(ch.Metadata))
	for k, v := range ch.Metadata {
		c.Metadata[k] = v
	}
	return &c
}

// CreateSession persists a new session.
func (m *MemStore) CreateSession(ctx context.Context, session *convmem.Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	active := 0
	for _, s := range m.sessions {
		if s.UserID == session.UserID && s.Status == convmem.SessionActive {
			active++
		}
	}
	if active >= m.maxSessionsPerUser {
		return &convmem.SessionLimitError{UserID: session.UserID, Limit: m.maxSessionsPerUser}
	}

	m.sessions[session.SessionID] = copySession(session)
	return nil
}

// GetSession fetches a session.
func (m *MemStore) GetSession(ctx context.Context, sessionID string) (*convmem.Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	s, ok := m.sessions[sessionID]
	if !ok {
		return nil, &convmem.SessionNotFoundError{SessionID: sessionID}
	}
	return copySession(s), nil
}

// ListSessions returns sessions filtered by user and status.
func (m *MemStore) ListSessions(ctx context.Context, userID string, status convmem.SessionStatus, limit int) ([]*convmem.Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]*convmem.Session, 0)
	for _, s := range m.sessions {
		if userID != "" && s.UserID != userID {
			continue
		}
		if status != "" && s.Status != status {
			continue
		}
		out = append(out, copySession(s))
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].UpdatedAt.After(out[j].UpdatedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// UpdateSessionStatus transitions a session's lifecycle state.
func (m *MemStore) UpdateSessionStatus(ctx context.Context, sessionID string, status convmem.SessionStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[sessionID]
	if !ok {
		return &convmem.SessionNotFoundError{SessionID: sessionID}
	}
	s.Status = status
	s.UpdatedAt = time.Now().UTC()
	return nil
}

// DeleteSession removes a session and everything it owns.
func (m *MemStore) DeleteSession(ctx context.Context, sessionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.sessions[sessionID]; !ok {
		return &convmem.SessionNotFoundError{SessionID: sessionID}
	}
	delete(m.sessions, sessionID)
	delete(m.chunks, sessionID)
	delete(m.records, sessionID)
	return nil
}

// AddChunk inserts a chunk and updates the owning session's counter.
func (m *MemStore) AddChunk(ctx context.Context, chunk *convmem.Chunk) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[chunk.SessionID]
	if !ok {
		return &convmem.SessionNotFoundError{SessionID: chunk.SessionID}
	}
	m.chunks[chunk.SessionID] = append(m.chunks[chunk.SessionID], copyChunk(chunk))
	s.MemoryCount++
	s.UpdatedAt = time.Now().UTC()
	return nil
}

// ListChunks returns a session's chunks, newest first.
func (m *MemStore) ListChunks(ctx context.Context, sessionID string, limit int) ([]*convmem.Chunk, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if _, ok := m.sessions[sessionID]; !ok {
		return nil, &convmem.SessionNotFoundError{SessionID: sessionID}
	}

	stored := m.chunks[sessionID]
	out := make([]*convmem.Chunk, 0, len(stored))
	for _, ch := range stored {
		out = append(out, copyChunk(ch))
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// ReplaceChunks swaps the chunk set for the compressed one.
func (m *MemStore) ReplaceChunks(ctx context.Context, sessionID string, chunks []*convmem.Chunk, record *convmem.CompressionRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[sessionID]
	if !ok {
		return &convmem.SessionNotFoundError{SessionID: sessionID}
	}

	replaced := make([]*convmem.Chunk, 0, len(chunks))
	for _, ch := range chunks {
		replaced = append(replaced, copyChunk(ch))
	}
	m.chunks[sessionID] = replaced
	m.records[sessionID] = append(m.records[sessionID], record)
	s.MemoryCount = len(replaced)
	s.UpdatedAt = time.Now().UTC()
	return nil
}

// AddCompressionRecord persists an audit record on its own.
func (m *MemStore) AddCompressionRecord(ctx context.Context, record *convmem.CompressionRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.sessions[record.SessionID]; !ok {
		return &convmem.SessionNotFoundError{SessionID: record.SessionID}
	}
	m.records[record.SessionID] = append(m.records[record.SessionID], record)
	return nil
}

// ListCompressionRecords returns a session's audit log, newest first.
func (m *MemStore) ListCompressionRecords(ctx context.Context, sessionID string) ([]*convmem.CompressionRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if _, ok := m.sessions[sessionID]; !ok {
		return nil, &convmem.SessionNotFoundError{SessionID: sessionID}
	}
	stored := m.records[sessionID]
	out := make([]*convmem.CompressionRecord, len(stored))
	copy(out, stored)
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out, nil
}

// TouchQuery records the last raw query text on a session.
func (m *MemStore) TouchQuery(ctx context.Context, sessionID, queryText string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[sessionID]
	if !ok {
		return &convmem.SessionNotFoundError{SessionID: sessionID}
	}
	s.LastQuery = queryText
	return nil
}

// Stats summarizes the store contents.
func (m *MemStore) Stats(ctx context.Context) (*convmem.Stats, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	stats := &convmem.Stats{TotalSessions: len(m.sessions)}
	for _, s := range m.sessions {
		if s.Status == convmem.SessionActive {
			stats.ActiveSessions++
		}
	}
	for _, chs := range m.chunks {
		stats.TotalMemories += len(chs)
	}
	if stats.ActiveSessions > 0 {
		stats.AvgMemoriesPerSession = float64(stats.TotalMemories) / float64(stats.ActiveSessions)
	}
	return stats, nil
}

// Close is a no-op for the in-memory backend.
func (m *MemStore) Close() error {
	return nil
}
