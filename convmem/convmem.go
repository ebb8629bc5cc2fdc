// Package convmem defines the data model for the conversational memory
// subsystem: sessions, memory chunks, compression records, and the value
// objects callers use to query and compress them.
//
// Design principles:
//   - Minimal: plain structs with explicit constructors filling defaults
//   - Flexible: metadata is an open key-value map on every entity
//   - Composable: storage backends, retrieval, and compression live in
//     their own packages and share only these types
package convmem

import (
	"time"

	"github.com/google/uuid"
)

// SessionStatus is the lifecycle state of a conversation session.
type SessionStatus string

const (
	SessionActive   SessionStatus = "active"
	SessionArchived SessionStatus = "archived"
	SessionDeleted  SessionStatus = "deleted"
)

// ContentType classifies what a memory chunk holds.
type ContentType string

const (
	ContentText  ContentType = "text"
	ContentImage ContentType = "image"
	ContentTable ContentType = "table"
)

// StrategyName selects a compression strategy.
type StrategyName string

const (
	StrategySemantic   StrategyName = "semantic"
	StrategyTemporal   StrategyName = "temporal"
	StrategyImportance StrategyName = "importance"
)

// KnownStrategy reports whether name is one of the built-in strategies.
func KnownStrategy(name StrategyName) bool {
	switch name {
	case StrategySemantic, StrategyTemporal, StrategyImportance:
		return true
	}
	return false
}

// Session is one conversation owned by a user. MemoryCount is a
// denormalized counter: it always equals the number of chunks currently
// owned by the session, maintained transactionally by the store.
type Session struct {
	SessionID   string                 `json:"session_id"`
	UserID      string                 `json:"user_id"`
	CreatedAt   time.Time              `json:"created_at"`
	UpdatedAt   time.Time              `json:"updated_at"`
	Status      SessionStatus          `json:"status"`
	Metadata    map[string]interface{} `json:"metadata"`
	MemoryCount int                    `json:"memory_count"`
	LastQuery   string                 `json:"last_query"`
}

// NewSession creates an active session for userID with a generated id.
func NewSession(userID string, metadata map[string]interface{}) *Session {
	if metadata == nil {
		metadata = make(map[string]interface{})
	}
	now := time.Now().UTC()
	return &Session{
		SessionID: uuid.NewString(),
		UserID:    userID,
		CreatedAt: now,
		UpdatedAt: now,
		Status:    SessionActive,
		Metadata:  metadata,
	}
}

// Chunk is one durable unit of recorded dialogue memory, exclusively
// owned by a session.
//
// RelevanceScore is set by the most recent retrieval pass and is never
// trusted as stored ground truth; it is recomputed on every query.
// ImportanceScore is fixed at insertion time and drives compression.
type Chunk struct {
	ChunkID         string                 `json:"chunk_id"`
	SessionID       string                 `json:"session_id"`
	Content         string                 `json:"content"`
	ContentType     ContentType            `json:"content_type"`
	RelevanceScore  float64                `json:"relevance_score"`
	ImportanceScore float64                `json:"importance_score"`
	CreatedAt       time.Time              `json:"created_at"`
	Metadata        map[string]interface{} `json:"metadata"`
}

// NewChunk creates a chunk owned by sessionID with a generated id.
func NewChunk(sessionID, content string, contentType ContentType) *Chunk {
	if contentType == "" {
		contentType = ContentText
	}
	return &Chunk{
		ChunkID:     uuid.NewString(),
		SessionID:   sessionID,
		Content:     content,
		ContentType: contentType,
		CreatedAt:   time.Now().UTC(),
		Metadata:    make(map[string]interface{}),
	}
}

// CompressionRecord is the immutable audit row written once per
// compression run. It is independent from the chunks it describes and is
// never mutated after creation.
type CompressionRecord struct {
	RecordID         string                 `json:"record_id"`
	SessionID        string                 `json:"session_id"`
	OriginalCount    int                    `json:"original_count"`
	CompressedCount  int                    `json:"compressed_count"`
	CompressionRatio float64                `json:"compression_ratio"`
	Strategy         StrategyName           `json:"strategy"`
	CreatedAt        time.Time              `json:"created_at"`
	Metadata         map[string]interface{} `json:"metadata"`
}

// NewCompressionRecord builds a record for a finished compression run.
// The ratio is compressed/original; an empty original set records 1.0.
func NewCompressionRecord(sessionID string, originalCount, compressedCount int, strategy StrategyName) *CompressionRecord {
	ratio := 1.0
	if originalCount > 0 {
		ratio = float64(compressedCount) / float64(originalCount)
	}
	return &CompressionRecord{
		RecordID:         uuid.NewString(),
		SessionID:        sessionID,
		OriginalCount:    originalCount,
		CompressedCount:  compressedCount,
		CompressionRatio: ratio,
		Strategy:         strategy,
		CreatedAt:        time.Now().UTC(),
		Metadata:         make(map[string]interface{}),
	}
}

// TimeRange filters chunks by creation time. A zero Start or End leaves
// that side open.
type TimeRange struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

// Contains reports whether t falls inside the range.
func (r *TimeRange) Contains(t time.Time) bool {
	if r == nil {
		return true
	}
	if !r.Start.IsZero() && t.Before(r.Start) {
		return false
	}
	if !r.End.IsZero() && t.After(r.End) {
		return false
	}
	return true
}

// Query describes one retrieval request. It is a value object and is
// never persisted.
type Query struct {
	QueryText           string        `json:"query_text"`
	SessionID           string        `json:"session_id"`
	MaxResults          int           `json:"max_results"`
	SimilarityThreshold float64       `json:"similarity_threshold"`
	ContentTypes        []ContentType `json:"content_types"`
	TimeRange           *TimeRange    `json:"time_range,omitempty"`
}

// NewQuery creates a query with default limits.
func NewQuery(sessionID, queryText string) Query {
	return Query{
		QueryText:           queryText,
		SessionID:           sessionID,
		MaxResults:          5,
		SimilarityThreshold: 0.7,
	}
}

// Validate checks the query parameters.
func (q Query) Validate() error {
	if q.SessionID == "" {
		return &ValidationError{Field: "session_id", Message: "session id is required"}
	}
	if q.MaxResults < 0 {
		return &ValidationError{Field: "max_results", Message: "must not be negative"}
	}
	if q.SimilarityThreshold < 0 || q.SimilarityThreshold > 1 {
		return &ValidationError{Field: "similarity_threshold", Message: "must be between 0 and 1"}
	}
	return nil
}

// CompressionRequest describes one compression run. Force bypasses the
// threshold check; MaxRatio is the compressed/original ceiling.
type CompressionRequest struct {
	SessionID string       `json:"session_id"`
	Strategy  StrategyName `json:"strategy"`
	Threshold int          `json:"threshold"`
	MaxRatio  float64      `json:"max_ratio"`
	Force     bool         `json:"force"`
}

// NewCompressionRequest creates a request with the default strategy and
// bounds.
func NewCompressionRequest(sessionID string) CompressionRequest {
	return CompressionRequest{
		SessionID: sessionID,
		Strategy:  StrategySemantic,
		Threshold: 20,
		MaxRatio:  0.3,
	}
}

// Validate checks the request parameters.
func (r CompressionRequest) Validate() error {
	if r.SessionID == "" {
		return &ValidationError{Field: "session_id", Message: "session id is required"}
	}
	if !KnownStrategy(r.Strategy) {
		return &ValidationError{Field: "strategy", Message: "unknown compression strategy: " + string(r.Strategy)}
	}
	if r.Threshold < 0 {
		return &ValidationError{Field: "threshold", Message: "must not be negative"}
	}
	if r.MaxRatio < 0 || r.MaxRatio > 1 {
		return &ValidationError{Field: "max_ratio", Message: "must be between 0 and 1"}
	}
	return nil
}

// Stats summarizes the contents of the memory store.
type Stats struct {
	TotalSessions         int     `json:"total_sessions"`
	ActiveSessions        int     `json:"active_sessions"`
	TotalMemories         int     `json:"total_memories"`
	TotalQueries          int64   `json:"total_queries"`
	AvgMemoriesPerSession float64 `json:"avg_memories_per_session"`
}
