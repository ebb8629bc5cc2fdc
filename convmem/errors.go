package convmem

import "fmt"

// SessionNotFoundError reports an unknown session id. Surfaced to the
// caller as a 404-equivalent.
type SessionNotFoundError struct {
	SessionID string
}

func (e *SessionNotFoundError) Error() string {
	return fmt.Sprintf("session not found: %s", e.SessionID)
}

// SessionLimitError reports that a user already owns the maximum number
// of active sessions.
type SessionLimitError struct {
	UserID string
	Limit  int
}

func (e *SessionLimitError) Error() string {
	return fmt.Sprintf("user %q reached the session limit of %d", e.UserID, e.Limit)
}

// ValidationError reports malformed query or request parameters.
// Surfaced as a 400-equivalent.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Message)
}

// StorageError reports a persistence failure.
type StorageError struct {
	Op    string
	Cause error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("storage error in %s: %v", e.Op, e.Cause)
}

func (e *StorageError) Unwrap() error {
	return e.Cause
}

// RetrievalError reports a retrieval failure after all layer fallbacks
// were exhausted. Per-layer failures (tokenizer, vectorizer) never
// produce one; they degrade to the next layer instead.
type RetrievalError struct {
	Message string
	Cause   error
}

func (e *RetrievalError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("memory retrieval failed: %s: %v", e.Message, e.Cause)
	}
	return fmt.Sprintf("memory retrieval failed: %s", e.Message)
}

func (e *RetrievalError) Unwrap() error {
	return e.Cause
}

// CompressionError reports that a compression strategy and all of its
// fallbacks failed. A high resulting ratio is not an error.
type CompressionError struct {
	Strategy StrategyName
	Message  string
	Cause    error
}

func (e *CompressionError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("compression (%s) failed: %s: %v", e.Strategy, e.Message, e.Cause)
	}
	return fmt.Sprintf("compression (%s) failed: %s", e.Strategy, e.Message)
}

func (e *CompressionError) Unwrap() error {
	return e.Cause
}

// ConfigurationError reports an invalid configuration value. Raised at
// startup only and treated as fatal.
type ConfigurationError struct {
	Field   string
	Message string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("configuration error: %s: %s", e.Field, e.Message)
}
