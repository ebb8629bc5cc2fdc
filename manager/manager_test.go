package manager

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/ragforge/convmem/config"
	"github.com/ragforge/convmem/convmem"
	"github.com/ragforge/convmem/llm"
	"github.com/ragforge/convmem/store"
	"github.com/ragforge/convmem/tokenize"
)

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	cfg := config.Default()
	cfg.Session.MaxSessionsPerUser = 3
	mgr, err := New(cfg, store.NewMemStore(cfg.Session.MaxSessionsPerUser), tokenize.New(), Options{
		Summarizer: llm.NewStaticSummarizer(),
	})
	if err != nil {
		t.Fatalf("Failed to create manager: %v", err)
	}
	t.Cleanup(func() { mgr.Close() })
	return mgr
}

func TestSessionLifecycle(t *testing.T) {
	mgr := newTestManager(t)
	ctx := context.Background()

	session, err := mgr.CreateSession(ctx, "user-1", nil)
	if err != nil {
		t.Fatalf("Failed to create session: %v", err)
	}
	if session.Status != convmem.SessionActive {
		t.Errorf("Expected new session active, got %s", session.Status)
	}

	if err := mgr.ArchiveSession(ctx, session.SessionID); err != nil {
		t.Fatalf("Failed to archive: %v", err)
	}
	got, err := mgr.GetSession(ctx, session.SessionID)
	if err != nil {
		t.Fatalf("Failed to get session: %v", err)
	}
	if got.Status != convmem.SessionArchived {
		t.Errorf("Expected archived, got %s", got.Status)
	}

	if err := mgr.DeleteSession(ctx, session.SessionID); err != nil {
		t.Fatalf("Failed to delete: %v", err)
	}
	var notFound *convmem.SessionNotFoundError
	if _, err := mgr.GetSession(ctx, session.SessionID); !errors.As(err, &notFound) {
		t.Errorf("Expected SessionNotFoundError after delete, got %v", err)
	}
}

func TestCreateSessionValidation(t *testing.T) {
	mgr := newTestManager(t)

	var invalid *convmem.ValidationError
	if _, err := mgr.CreateSession(context.Background(), "", nil); !errors.As(err, &invalid) {
		t.Fatalf("Expected ValidationError for empty user, got %v", err)
	}
}

func TestSessionLimitSurfaces(t *testing.T) {
	mgr := newTestManager(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if _, err := mgr.CreateSession(ctx, "user-1", nil); err != nil {
			t.Fatalf("Failed to create session %d: %v", i, err)
		}
	}
	var limit *convmem.SessionLimitError
	if _, err := mgr.CreateSession(ctx, "user-1", nil); !errors.As(err, &limit) {
		t.Fatalf("Expected SessionLimitError, got %v", err)
	}
}

func TestAddMemoryValidation(t *testing.T) {
	mgr := newTestManager(t)
	ctx := context.Background()
	session, _ := mgr.CreateSession(ctx, "user-1", nil)

	var invalid *convmem.ValidationError
	if _, err := mgr.AddMemory(ctx, session.SessionID, "", convmem.ContentText, 0.5, nil); !errors.As(err, &invalid) {
		t.Errorf("Expected ValidationError for empty content, got %v", err)
	}
	if _, err := mgr.AddMemory(ctx, session.SessionID, "hi", convmem.ContentText, 1.5, nil); !errors.As(err, &invalid) {
		t.Errorf("Expected ValidationError for importance > 1, got %v", err)
	}

	if err := mgr.ArchiveSession(ctx, session.SessionID); err != nil {
		t.Fatalf("Failed to archive: %v", err)
	}
	if _, err := mgr.AddMemory(ctx, session.SessionID, "hi", convmem.ContentText, 0.5, nil); !errors.As(err, &invalid) {
		t.Errorf("Expected ValidationError for archived session, got %v", err)
	}
	req := convmem.NewCompressionRequest(session.SessionID)
	req.Force = true
	if _, err := mgr.CompressSession(ctx, req); !errors.As(err, &invalid) {
		t.Errorf("Expected ValidationError compressing archived session, got %v", err)
	}
}

func TestAddAndRetrieveMemories(t *testing.T) {
	mgr := newTestManager(t)
	ctx := context.Background()
	session, _ := mgr.CreateSession(ctx, "user-1", nil)

	contents := []string{
		"Acme Corp was founded in 2010 in Hamburg.",
		"Acme Corp works on renewable energy storage.",
	}
	for _, content := range contents {
		if _, err := mgr.AddMemory(ctx, session.SessionID, content, convmem.ContentText, 0.7, nil); err != nil {
			t.Fatalf("Failed to add memory: %v", err)
		}
	}

	query := convmem.NewQuery(session.SessionID, "What does Acme Corp do?")
	query.SimilarityThreshold = 0.3
	results, err := mgr.RetrieveMemories(ctx, query)
	if err != nil {
		t.Fatalf("Failed to retrieve: %v", err)
	}
	if len(results) == 0 {
		t.Fatal("Expected results for overlapping query")
	}

	// The raw query text lands on the session.
	got, err := mgr.GetSession(ctx, session.SessionID)
	if err != nil {
		t.Fatalf("Failed to get session: %v", err)
	}
	if got.LastQuery != "What does Acme Corp do?" {
		t.Errorf("Expected last query persisted, got %q", got.LastQuery)
	}
}

func TestCompressSessionReplacesWhenSmaller(t *testing.T) {
	mgr := newTestManager(t)
	ctx := context.Background()
	session, _ := mgr.CreateSession(ctx, "user-1", nil)

	for i := 0; i < 25; i++ {
		content := fmt.Sprintf("distinct topic %d about subject %d", i, i)
		if _, err := mgr.AddMemory(ctx, session.SessionID, content, convmem.ContentText, float64(i)/25.0, nil); err != nil {
			t.Fatalf("Failed to add memory: %v", err)
		}
	}

	req := convmem.NewCompressionRequest(session.SessionID)
	req.Strategy = convmem.StrategyImportance
	record, err := mgr.CompressSession(ctx, req)
	if err != nil {
		t.Fatalf("Failed to compress: %v", err)
	}
	if record == nil {
		t.Fatal("Expected a compression record above the threshold")
	}
	if record.OriginalCount != 25 {
		t.Errorf("Expected original count 25, got %d", record.OriginalCount)
	}

	got, err := mgr.GetSession(ctx, session.SessionID)
	if err != nil {
		t.Fatalf("Failed to get session: %v", err)
	}
	if got.MemoryCount != record.CompressedCount {
		t.Errorf("Counter %d disagrees with record %d", got.MemoryCount, record.CompressedCount)
	}

	records, err := mgr.ListCompressionRecords(ctx, session.SessionID)
	if err != nil {
		t.Fatalf("Failed to list records: %v", err)
	}
	if len(records) != 1 {
		t.Errorf("Expected 1 audit record, got %d", len(records))
	}

	stats := mgr.CompressionStats()
	if stats.Runs != 1 || stats.Replaced != 1 {
		t.Errorf("Expected running stats to count the run, got %+v", stats)
	}
}

func TestCompressSessionSkippedBelowThreshold(t *testing.T) {
	mgr := newTestManager(t)
	ctx := context.Background()
	session, _ := mgr.CreateSession(ctx, "user-1", nil)

	for i := 0; i < 3; i++ {
		if _, err := mgr.AddMemory(ctx, session.SessionID, "short history", convmem.ContentText, 0.5, nil); err != nil {
			t.Fatalf("Failed to add memory: %v", err)
		}
	}

	record, err := mgr.CompressSession(ctx, convmem.NewCompressionRequest(session.SessionID))
	if err != nil {
		t.Fatalf("Failed to compress: %v", err)
	}
	if record != nil {
		t.Errorf("Expected nil record below threshold, got %+v", record)
	}

	chunks, err := mgr.ListSessionMemories(ctx, session.SessionID, 0)
	if err != nil {
		t.Fatalf("Failed to list memories: %v", err)
	}
	if len(chunks) != 3 {
		t.Errorf("Expected chunk set untouched, got %d", len(chunks))
	}
}

func TestCompressSessionRecordOnlyWhenNotSmaller(t *testing.T) {
	mgr := newTestManager(t)
	ctx := context.Background()
	session, _ := mgr.CreateSession(ctx, "user-1", nil)

	if _, err := mgr.AddMemory(ctx, session.SessionID, "only turn", convmem.ContentText, 0.5, nil); err != nil {
		t.Fatalf("Failed to add memory: %v", err)
	}

	req := convmem.NewCompressionRequest(session.SessionID)
	req.Strategy = convmem.StrategyImportance
	req.Force = true
	record, err := mgr.CompressSession(ctx, req)
	if err != nil {
		t.Fatalf("Failed to compress: %v", err)
	}
	if record == nil || record.CompressionRatio != 1.0 {
		t.Fatalf("Expected ratio-1.0 record, got %+v", record)
	}

	chunks, err := mgr.ListSessionMemories(ctx, session.SessionID, 0)
	if err != nil {
		t.Fatalf("Failed to list memories: %v", err)
	}
	if len(chunks) != 1 || chunks[0].Content != "only turn" {
		t.Errorf("Expected original chunk untouched, got %d chunks", len(chunks))
	}
	records, err := mgr.ListCompressionRecords(ctx, session.SessionID)
	if err != nil {
		t.Fatalf("Failed to list records: %v", err)
	}
	if len(records) != 1 {
		t.Errorf("Expected the record persisted anyway, got %d", len(records))
	}
}

func TestConcurrentWritesAcrossSessions(t *testing.T) {
	mgr := newTestManager(t)
	ctx := context.Background()

	a, _ := mgr.CreateSession(ctx, "alice", nil)
	b, _ := mgr.CreateSession(ctx, "bob", nil)

	var wg sync.WaitGroup
	for _, session := range []*convmem.Session{a, b} {
		wg.Add(1)
		go func(sessionID string) {
			defer wg.Done()
			for i := 0; i < 20; i++ {
				if _, err := mgr.AddMemory(ctx, sessionID, "concurrent turn", convmem.ContentText, 0.5, nil); err != nil {
					t.Errorf("Failed concurrent add: %v", err)
					return
				}
			}
		}(session.SessionID)
	}
	wg.Wait()

	for _, session := range []*convmem.Session{a, b} {
		got, err := mgr.GetSession(ctx, session.SessionID)
		if err != nil {
			t.Fatalf("Failed to get session: %v", err)
		}
		if got.MemoryCount != 20 {
			t.Errorf("Expected 20 memories in %s, got %d", session.SessionID, got.MemoryCount)
		}
	}
}

func TestCompressionSerializedWithWrites(t *testing.T) {
	mgr := newTestManager(t)
	ctx := context.Background()
	session, _ := mgr.CreateSession(ctx, "user-1", nil)

	for i := 0; i < 25; i++ {
		if _, err := mgr.AddMemory(ctx, session.SessionID, fmt.Sprintf("turn %d", i), convmem.ContentText, 0.5, nil); err != nil {
			t.Fatalf("Failed to add memory: %v", err)
		}
	}

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		req := convmem.NewCompressionRequest(session.SessionID)
		req.Strategy = convmem.StrategyImportance
		if _, err := mgr.CompressSession(ctx, req); err != nil {
			t.Errorf("Failed to compress: %v", err)
		}
	}()
	go func() {
		defer wg.Done()
		for i := 0; i < 10; i++ {
			if _, err := mgr.AddMemory(ctx, session.SessionID, "incoming turn", convmem.ContentText, 0.5, nil); err != nil {
				t.Errorf("Failed to add during compression: %v", err)
				return
			}
		}
	}()
	wg.Wait()

	// Whatever the interleaving, the counter and the chunk set agree.
	got, err := mgr.GetSession(ctx, session.SessionID)
	if err != nil {
		t.Fatalf("Failed to get session: %v", err)
	}
	chunks, err := mgr.ListSessionMemories(ctx, session.SessionID, 0)
	if err != nil {
		t.Fatalf("Failed to list memories: %v", err)
	}
	if got.MemoryCount != len(chunks) {
		t.Errorf("Counter %d disagrees with %d chunks", got.MemoryCount, len(chunks))
	}
}

func TestStatsCountsQueries(t *testing.T) {
	mgr := newTestManager(t)
	ctx := context.Background()
	session, _ := mgr.CreateSession(ctx, "user-1", nil)
	if _, err := mgr.AddMemory(ctx, session.SessionID, "Acme Corp news", convmem.ContentText, 0.5, nil); err != nil {
		t.Fatalf("Failed to add memory: %v", err)
	}

	for i := 0; i < 3; i++ {
		query := convmem.NewQuery(session.SessionID, "Acme Corp")
		if _, err := mgr.RetrieveMemories(ctx, query); err != nil {
			t.Fatalf("Failed to retrieve: %v", err)
		}
	}

	stats, err := mgr.Stats(ctx)
	if err != nil {
		t.Fatalf("Failed to get stats: %v", err)
	}
	if stats.TotalQueries != 3 {
		t.Errorf("Expected 3 queries counted, got %d", stats.TotalQueries)
	}
	if stats.TotalSessions != 1 || stats.TotalMemories != 1 {
		t.Errorf("Expected 1 session / 1 memory, got %d / %d", stats.TotalSessions, stats.TotalMemories)
	}
}

func TestDefaultStrategyFromConfig(t *testing.T) {
	cfg := config.Default()
	cfg.Compression.Strategy = convmem.StrategyTemporal
	mgr, err := New(cfg, store.NewMemStore(100), tokenize.New(), Options{})
	if err != nil {
		t.Fatalf("Failed to create manager: %v", err)
	}
	defer mgr.Close()

	ctx := context.Background()
	session, _ := mgr.CreateSession(ctx, "user-1", nil)

	for i := 0; i < 25; i++ {
		if _, err := mgr.AddMemory(ctx, session.SessionID, fmt.Sprintf("turn %d", i), convmem.ContentText, 0.5, nil); err != nil {
			t.Fatalf("Failed to add memory: %v", err)
		}
	}

	req := convmem.CompressionRequest{SessionID: session.SessionID, Threshold: 20, MaxRatio: 0.3}
	record, err := mgr.CompressSession(ctx, req)
	if err != nil {
		t.Fatalf("Failed to compress: %v", err)
	}
	if record == nil || record.Strategy != convmem.StrategyTemporal {
		t.Errorf("Expected config default strategy temporal, got %+v", record)
	}
}
