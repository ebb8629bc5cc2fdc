package llm

import (
	"context"
	"sync"
)

// StaticSummarizer returns canned responses in order. Used in tests and
// local development where no provider is configured.
type StaticSummarizer struct {
	mu        sync.Mutex
	responses []string
	next      int

	// Err, when set, is returned by every call instead of a response.
	Err error

	// Prompts records every prompt received, for assertions.
	Prompts []string
}

// NewStaticSummarizer creates a summarizer that cycles through the
// given responses.
func NewStaticSummarizer(responses ...string) *StaticSummarizer {
	return &StaticSummarizer{responses: responses}
}

// Summarize returns the next canned response.
func (s *StaticSummarizer) Summarize(ctx context.Context, prompt string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	s.Prompts = append(s.Prompts, prompt)
	if s.Err != nil {
		return "", s.Err
	}
	if len(s.responses) == 0 {
		return "", nil
	}
	resp := s.responses[s.next%len(s.responses)]
	s.next++
	return resp, nil
}
