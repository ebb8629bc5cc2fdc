package store

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/ragforge/convmem/convmem"
)

// backends returns a fresh instance of every locally-testable backend.
func backends(t *testing.T) map[string]Store {
	t.Helper()
	sqlite, err := NewSQLiteStore(filepath.Join(t.TempDir(), "test.db"), 3)
	if err != nil {
		t.Fatalf("Failed to open sqlite store: %v", err)
	}
	t.Cleanup(func() { sqlite.Close() })
	return map[string]Store{
		"mem":    NewMemStore(3),
		"sqlite": sqlite,
	}
}

func mustCreateSession(t *testing.T, st Store, userID string) *convmem.Session {
	t.Helper()
	session := convmem.NewSession(userID, map[string]interface{}{"channel": "test"})
	if err := st.CreateSession(context.Background(), session); err != nil {
		t.Fatalf("Failed to create session: %v", err)
	}
	return session
}

func TestSessionRoundTrip(t *testing.T) {
	for name, st := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			session := mustCreateSession(t, st, "user-1")

			got, err := st.GetSession(ctx, session.SessionID)
			if err != nil {
				t.Fatalf("Failed to get session: %v", err)
			}
			if got.UserID != "user-1" {
				t.Errorf("Expected user-1, got %s", got.UserID)
			}
			if got.Status != convmem.SessionActive {
				t.Errorf("Expected active status, got %s", got.Status)
			}
			if got.MemoryCount != 0 {
				t.Errorf("Expected zero memory count, got %d", got.MemoryCount)
			}
			if got.Metadata["channel"] != "test" {
				t.Errorf("Expected metadata to survive round trip, got %v", got.Metadata)
			}
		})
	}
}

func TestGetSessionNotFound(t *testing.T) {
	for name, st := range backends(t) {
		t.Run(name, func(t *testing.T) {
			_, err := st.GetSession(context.Background(), "no-such-session")
			var notFound *convmem.SessionNotFoundError
			if !errors.As(err, &notFound) {
				t.Fatalf("Expected SessionNotFoundError, got %v", err)
			}
		})
	}
}

func TestSessionLimit(t *testing.T) {
	for name, st := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			for i := 0; i < 3; i++ {
				mustCreateSession(t, st, "hog")
			}

			err := st.CreateSession(ctx, convmem.NewSession("hog", nil))
			var limit *convmem.SessionLimitError
			if !errors.As(err, &limit) {
				t.Fatalf("Expected SessionLimitError, got %v", err)
			}
			if limit.Limit != 3 {
				t.Errorf("Expected limit 3 in error, got %d", limit.Limit)
			}

			// Other users are unaffected.
			if err := st.CreateSession(ctx, convmem.NewSession("other", nil)); err != nil {
				t.Errorf("Expected other user to create sessions, got %v", err)
			}

			// Archiving one frees a slot.
			sessions, err := st.ListSessions(ctx, "hog", convmem.SessionActive, 1)
			if err != nil {
				t.Fatalf("Failed to list sessions: %v", err)
			}
			if err := st.UpdateSessionStatus(ctx, sessions[0].SessionID, convmem.SessionArchived); err != nil {
				t.Fatalf("Failed to archive session: %v", err)
			}
			if err := st.CreateSession(ctx, convmem.NewSession("hog", nil)); err != nil {
				t.Errorf("Expected create to succeed after archiving, got %v", err)
			}
		})
	}
}

func TestAddChunkMaintainsCounter(t *testing.T) {
	for name, st := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			session := mustCreateSession(t, st, "user-1")

			for i := 0; i < 5; i++ {
				chunk := convmem.NewChunk(session.SessionID, "turn", convmem.ContentText)
				if err := st.AddChunk(ctx, chunk); err != nil {
					t.Fatalf("Failed to add chunk: %v", err)
				}
			}

			got, err := st.GetSession(ctx, session.SessionID)
			if err != nil {
				t.Fatalf("Failed to get session: %v", err)
			}
			if got.MemoryCount != 5 {
				t.Errorf("Expected memory count 5, got %d", got.MemoryCount)
			}
			chunks, err := st.ListChunks(ctx, session.SessionID, 0)
			if err != nil {
				t.Fatalf("Failed to list chunks: %v", err)
			}
			if len(chunks) != got.MemoryCount {
				t.Errorf("Counter %d disagrees with chunk count %d", got.MemoryCount, len(chunks))
			}
		})
	}
}

func TestAddChunkUnknownSession(t *testing.T) {
	for name, st := range backends(t) {
		t.Run(name, func(t *testing.T) {
			chunk := convmem.NewChunk("no-such-session", "content", convmem.ContentText)
			err := st.AddChunk(context.Background(), chunk)
			var notFound *convmem.SessionNotFoundError
			if !errors.As(err, &notFound) {
				t.Fatalf("Expected SessionNotFoundError, got %v", err)
			}
		})
	}
}

func TestListChunksNewestFirst(t *testing.T) {
	for name, st := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			session := mustCreateSession(t, st, "user-1")

			base := time.Now().UTC().Add(-time.Hour)
			for i := 0; i < 3; i++ {
				chunk := convmem.NewChunk(session.SessionID, "turn", convmem.ContentText)
				chunk.CreatedAt = base.Add(time.Duration(i) * time.Minute)
				if err := st.AddChunk(ctx, chunk); err != nil {
					t.Fatalf("Failed to add chunk: %v", err)
				}
			}

			chunks, err := st.ListChunks(ctx, session.SessionID, 2)
			if err != nil {
				t.Fatalf("Failed to list chunks: %v", err)
			}
			if len(chunks) != 2 {
				t.Fatalf("Expected 2 chunks with limit, got %d", len(chunks))
			}
			if !chunks[0].CreatedAt.After(chunks[1].CreatedAt) {
				t.Errorf("Expected newest first ordering")
			}
		})
	}
}

func TestDeleteSessionCascades(t *testing.T) {
	for name, st := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			session := mustCreateSession(t, st, "user-1")
			if err := st.AddChunk(ctx, convmem.NewChunk(session.SessionID, "turn", convmem.ContentText)); err != nil {
				t.Fatalf("Failed to add chunk: %v", err)
			}
			record := convmem.NewCompressionRecord(session.SessionID, 10, 3, convmem.StrategyImportance)
			if err := st.AddCompressionRecord(ctx, record); err != nil {
				t.Fatalf("Failed to add record: %v", err)
			}

			if err := st.DeleteSession(ctx, session.SessionID); err != nil {
				t.Fatalf("Failed to delete session: %v", err)
			}

			var notFound *convmem.SessionNotFoundError
			if _, err := st.GetSession(ctx, session.SessionID); !errors.As(err, &notFound) {
				t.Errorf("Expected session gone, got %v", err)
			}
			if _, err := st.ListChunks(ctx, session.SessionID, 0); !errors.As(err, &notFound) {
				t.Errorf("Expected chunks gone, got %v", err)
			}
			if _, err := st.ListCompressionRecords(ctx, session.SessionID); !errors.As(err, &notFound) {
				t.Errorf("Expected records gone, got %v", err)
			}

			stats, err := st.Stats(ctx)
			if err != nil {
				t.Fatalf("Failed to get stats: %v", err)
			}
			if stats.TotalMemories != 0 {
				t.Errorf("Expected no memories after cascade, got %d", stats.TotalMemories)
			}
		})
	}
}

func TestReplaceChunks(t *testing.T) {
	for name, st := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			session := mustCreateSession(t, st, "user-1")
			for i := 0; i < 4; i++ {
				if err := st.AddChunk(ctx, convmem.NewChunk(session.SessionID, "turn", convmem.ContentText)); err != nil {
					t.Fatalf("Failed to add chunk: %v", err)
				}
			}

			compressed := []*convmem.Chunk{convmem.NewChunk(session.SessionID, "summary", convmem.ContentText)}
			record := convmem.NewCompressionRecord(session.SessionID, 4, 1, convmem.StrategySemantic)
			if err := st.ReplaceChunks(ctx, session.SessionID, compressed, record); err != nil {
				t.Fatalf("Failed to replace chunks: %v", err)
			}

			got, err := st.GetSession(ctx, session.SessionID)
			if err != nil {
				t.Fatalf("Failed to get session: %v", err)
			}
			if got.MemoryCount != 1 {
				t.Errorf("Expected counter reset to 1, got %d", got.MemoryCount)
			}
			chunks, err := st.ListChunks(ctx, session.SessionID, 0)
			if err != nil {
				t.Fatalf("Failed to list chunks: %v", err)
			}
			if len(chunks) != 1 || chunks[0].Content != "summary" {
				t.Errorf("Expected only the summary chunk, got %d chunks", len(chunks))
			}
			records, err := st.ListCompressionRecords(ctx, session.SessionID)
			if err != nil {
				t.Fatalf("Failed to list records: %v", err)
			}
			if len(records) != 1 || records[0].CompressionRatio != 0.25 {
				t.Errorf("Expected one record with ratio 0.25, got %+v", records)
			}
		})
	}
}

func TestTouchQuery(t *testing.T) {
	for name, st := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			session := mustCreateSession(t, st, "user-1")

			if err := st.TouchQuery(ctx, session.SessionID, "what is the deadline"); err != nil {
				t.Fatalf("Failed to touch query: %v", err)
			}
			got, err := st.GetSession(ctx, session.SessionID)
			if err != nil {
				t.Fatalf("Failed to get session: %v", err)
			}
			if got.LastQuery != "what is the deadline" {
				t.Errorf("Expected last query persisted, got %q", got.LastQuery)
			}
		})
	}
}

func TestListSessionsFilters(t *testing.T) {
	for name, st := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			a := mustCreateSession(t, st, "alice")
			mustCreateSession(t, st, "alice")
			mustCreateSession(t, st, "bob")
			if err := st.UpdateSessionStatus(ctx, a.SessionID, convmem.SessionArchived); err != nil {
				t.Fatalf("Failed to archive: %v", err)
			}

			active, err := st.ListSessions(ctx, "alice", convmem.SessionActive, 0)
			if err != nil {
				t.Fatalf("Failed to list: %v", err)
			}
			if len(active) != 1 {
				t.Errorf("Expected 1 active alice session, got %d", len(active))
			}
			all, err := st.ListSessions(ctx, "", "", 0)
			if err != nil {
				t.Fatalf("Failed to list all: %v", err)
			}
			if len(all) != 3 {
				t.Errorf("Expected 3 sessions total, got %d", len(all))
			}
		})
	}
}

func TestConcurrentAddChunk(t *testing.T) {
	for name, st := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			session := mustCreateSession(t, st, "user-1")

			const writers = 8
			const perWriter = 10
			var wg sync.WaitGroup
			for w := 0; w < writers; w++ {
				wg.Add(1)
				go func() {
					defer wg.Done()
					for i := 0; i < perWriter; i++ {
						chunk := convmem.NewChunk(session.SessionID, "turn", convmem.ContentText)
						if err := st.AddChunk(ctx, chunk); err != nil {
							t.Errorf("Failed concurrent add: %v", err)
							return
						}
					}
				}()
			}
			wg.Wait()

			got, err := st.GetSession(ctx, session.SessionID)
			if err != nil {
				t.Fatalf("Failed to get session: %v", err)
			}
			if got.MemoryCount != writers*perWriter {
				t.Errorf("Expected counter %d, got %d", writers*perWriter, got.MemoryCount)
			}
		})
	}
}

func TestStats(t *testing.T) {
	for name, st := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			a := mustCreateSession(t, st, "alice")
			b := mustCreateSession(t, st, "bob")
			if err := st.UpdateSessionStatus(ctx, b.SessionID, convmem.SessionArchived); err != nil {
				t.Fatalf("Failed to archive: %v", err)
			}
			for i := 0; i < 4; i++ {
				if err := st.AddChunk(ctx, convmem.NewChunk(a.SessionID, "turn", convmem.ContentText)); err != nil {
					t.Fatalf("Failed to add chunk: %v", err)
				}
			}

			stats, err := st.Stats(ctx)
			if err != nil {
				t.Fatalf("Failed to get stats: %v", err)
			}
			if stats.TotalSessions != 2 || stats.ActiveSessions != 1 {
				t.Errorf("Expected 2 total / 1 active, got %d / %d", stats.TotalSessions, stats.ActiveSessions)
			}
			if stats.TotalMemories != 4 {
				t.Errorf("Expected 4 memories, got %d", stats.TotalMemories)
			}
			if stats.AvgMemoriesPerSession != 4 {
				t.Errorf("Expected avg 4 per active session, got %f", stats.AvgMemoriesPerSession)
			}
		})
	}
}
