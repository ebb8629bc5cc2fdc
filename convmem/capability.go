package convmem

import "context"

// Tokenizer is the text-analysis capability consumed by retrieval.
//
// Implementations may be POS-aware; a nil or empty result from Tokenize
// makes the caller fall back to a stop-word-filtered split. The same
// keyword routine backs ExtractEntities, which the surrounding service
// uses for query rewriting.
type Tokenizer interface {
	// Tokenize extracts a keyword set from text.
	Tokenize(text string) []string

	// ExtractEntities extracts named-entity-like tokens from text.
	ExtractEntities(text string) []string
}

// Summarizer is the LLM-style summarization capability consumed only by
// the semantic compression strategy. Callers bound the call with a
// context deadline; any error is treated as "capability unavailable" and
// triggers the basic merge fallback.
type Summarizer interface {
	Summarize(ctx context.Context, prompt string) (string, error)
}
