package history

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"testing"
)

func newTestSQLStore(t *testing.T) *SQLStore {
	t.Helper()
	dsn := "file:" + filepath.Join(t.TempDir(), "history.db")
	s, err := OpenSQL(context.Background(), SQLConfig{
		Driver:      "sqlite",
		DSN:         dsn,
		AutoMigrate: true,
	})
	if err != nil {
		t.Fatalf("open sql store: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	if err := s.Init(context.Background()); err != nil {
		t.Fatalf("init sql store: %v", err)
	}
	return s
}

func TestEnsureDefaultSessionIsLazyAndStable(t *testing.T) {
	s := newTestSQLStore(t)
	ctx := context.Background()

	first, err := s.EnsureDefaultSession(ctx, "")
	if err != nil {
		t.Fatalf("ensure#1: %v", err)
	}
	if first.Name != DefaultSessionName {
		t.Fatalf("expected session named %q, got %q", DefaultSessionName, first.Name)
	}

	second, err := s.EnsureDefaultSession(ctx, "")
	if err != nil {
		t.Fatalf("ensure#2: %v", err)
	}
	if second.ID != first.ID {
		t.Fatalf("expected stable default session id, got %q then %q", first.ID, second.ID)
	}

	sessions, err := s.ListSessions(ctx)
	if err != nil {
		t.Fatalf("list sessions: %v", err)
	}
	if len(sessions) != 1 {
		t.Fatalf("expected exactly one session, got %d", len(sessions))
	}
}

func TestSaveEntryBumpsSessionTimestamp(t *testing.T) {
	s := newTestSQLStore(t)
	ctx := context.Background()

	sess, err := s.CreateSession(ctx, "work", "agent-1")
	if err != nil {
		t.Fatalf("create session: %v", err)
	}

	meta, err := s.SaveEntry(ctx, SaveEntryInput{
		SessionID:   sess.ID,
		Provider:    "openai",
		Model:       "gpt-4.1",
		RequestText: "hello",
	})
	if err != nil {
		t.Fatalf("save entry: %v", err)
	}

	sessions, err := s.ListSessions(ctx)
	if err != nil {
		t.Fatalf("list sessions: %v", err)
	}
	if len(sessions) != 1 || sessions[0].ID != sess.ID {
		t.Fatalf("unexpected sessions: %+v", sessions)
	}
	if sessions[0].UpdatedAt.Before(meta.CreatedAt) {
		t.Fatalf("session updatedAt %v should be >= entry createdAt %v", sessions[0].UpdatedAt, meta.CreatedAt)
	}
}

func TestSaveEntryUnknownSessionLeavesNothingBehind(t *testing.T) {
	s := newTestSQLStore(t)
	ctx := context.Background()

	_, err := s.SaveEntry(ctx, SaveEntryInput{SessionID: "missing", Provider: "openai"})
	if !errors.Is(err, ErrSessionMissing) {
		t.Fatalf("expected ErrSessionMissing, got %v", err)
	}

	sessions, err := s.ListSessions(ctx)
	if err != nil {
		t.Fatalf("list sessions: %v", err)
	}
	if len(sessions) != 0 {
		t.Fatalf("expected no sessions, got %+v", sessions)
	}
}

func TestListEntriesPagination(t *testing.T) {
	s := newTestSQLStore(t)
	ctx := context.Background()

	sess, err := s.CreateSession(ctx, "paged", "")
	if err != nil {
		t.Fatalf("create session: %v", err)
	}

	var ids []string
	for i := 0; i < 5; i++ {
		meta, err := s.SaveEntry(ctx, SaveEntryInput{
			SessionID:   sess.ID,
			Provider:    "anthropic",
			RequestText: strings.Repeat("x", i+1),
		})
		if err != nil {
			t.Fatalf("save entry %d: %v", i, err)
		}
		ids = append(ids, meta.ID)
	}

	page, err := s.ListEntries(ctx, sess.ID, ListOptions{Limit: 2, Offset: 1})
	if err != nil {
		t.Fatalf("list entries: %v", err)
	}
	if len(page) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(page))
	}
	for i := 1; i < len(page); i++ {
		if page[i].CreatedAt.After(page[i-1].CreatedAt) {
			t.Fatalf("entries not ordered newest-first: %v then %v", page[i-1].CreatedAt, page[i].CreatedAt)
		}
	}

	tail, err := s.ListEntries(ctx, sess.ID, ListOptions{Limit: 10, Offset: 4})
	if err != nil {
		t.Fatalf("list tail: %v", err)
	}
	if len(tail) != 1 || tail[0].ID != ids[0] {
		t.Fatalf("expected oldest entry at offset 4, got %+v", tail)
	}

	none, err := s.ListEntries(ctx, sess.ID, ListOptions{Limit: 3, Offset: 99})
	if err != nil {
		t.Fatalf("list beyond end: %v", err)
	}
	if len(none) != 0 {
		t.Fatalf("expected empty page, got %d entries", len(none))
	}
}

func TestBlobThreshold(t *testing.T) {
	s := newTestSQLStore(t)
	ctx := context.Background()

	inline, err := s.SaveEntry(ctx, SaveEntryInput{
		Provider:     "openai",
		ResponseText: strings.Repeat("a", 8000),
	})
	if err != nil {
		t.Fatalf("save inline entry: %v", err)
	}
	got, err := s.GetEntry(ctx, inline.ID)
	if err != nil {
		t.Fatalf("get inline entry: %v", err)
	}
	if got.ResponseBlobID != "" {
		t.Fatalf("8000-char response should stay inline, got blob ref %q", got.ResponseBlobID)
	}
	if len(got.ResponseText) != 8000 {
		t.Fatalf("inline response text lost: %d chars", len(got.ResponseText))
	}

	offloaded, err := s.SaveEntry(ctx, SaveEntryInput{
		Provider:     "openai",
		ResponseText: strings.Repeat("b", 8001),
	})
	if err != nil {
		t.Fatalf("save offloaded entry: %v", err)
	}
	got, err = s.GetEntry(ctx, offloaded.ID)
	if err != nil {
		t.Fatalf("get offloaded entry: %v", err)
	}
	if got.ResponseBlobID == "" {
		t.Fatalf("8001-char response should be offloaded to a blob")
	}
	if len(got.ResponseText) != 8001 {
		t.Fatalf("blob hydration lost text: %d chars", len(got.ResponseText))
	}

	bigReq, err := s.SaveEntry(ctx, SaveEntryInput{
		Provider:    "openai",
		RequestText: strings.Repeat("c", 2001),
	})
	if err != nil {
		t.Fatalf("save big request entry: %v", err)
	}
	got, err = s.GetEntry(ctx, bigReq.ID)
	if err != nil {
		t.Fatalf("get big request entry: %v", err)
	}
	if got.RequestBlobID == "" || len(got.RequestText) != 2001 {
		t.Fatalf("2001-char request should be offloaded and hydrated, got blob=%q len=%d", got.RequestBlobID, len(got.RequestText))
	}
}

func TestSaveEntryDefaultSessionAndPreview(t *testing.T) {
	s := newTestSQLStore(t)
	ctx := context.Background()

	meta, err := s.SaveEntry(ctx, SaveEntryInput{
		Provider: "anthropic",
		Ideas: []Idea{
			{ID: 1, Text: "Build a CLI"},
			{ID: 2, Text: "Support JSON output"},
		},
	})
	if err != nil {
		t.Fatalf("save entry: %v", err)
	}
	if meta.Preview != "Build a CLI • Support JSON output" {
		t.Fatalf("unexpected preview %q", meta.Preview)
	}

	sessions, err := s.ListSessions(ctx)
	if err != nil {
		t.Fatalf("list sessions: %v", err)
	}
	if len(sessions) != 1 || sessions[0].Name != DefaultSessionName {
		t.Fatalf("expected lazily created default session, got %+v", sessions)
	}

	entries, err := s.ListEntries(ctx, sessions[0].ID, ListOptions{})
	if err != nil {
		t.Fatalf("list entries: %v", err)
	}
	if len(entries) != 1 || entries[0].ID != meta.ID {
		t.Fatalf("expected exactly the saved entry, got %+v", entries)
	}

	full, err := s.GetEntry(ctx, meta.ID)
	if err != nil {
		t.Fatalf("get entry: %v", err)
	}
	if len(full.Ideas) != 2 || full.Ideas[1].Text != "Support JSON output" {
		t.Fatalf("ideas lost: %+v", full.Ideas)
	}
}

func TestPreviewTruncation(t *testing.T) {
	s := newTestSQLStore(t)

	long := strings.Repeat("y", 500)
	meta, err := s.SaveEntry(context.Background(), SaveEntryInput{
		Provider:    "deepseek",
		RequestText: long,
	})
	if err != nil {
		t.Fatalf("save entry: %v", err)
	}
	if len(meta.Preview) != 300 {
		t.Fatalf("expected 300-char preview, got %d", len(meta.Preview))
	}
}

func TestDeleteEntryCascadesBlobs(t *testing.T) {
	s := newTestSQLStore(t)
	ctx := context.Background()

	meta, err := s.SaveEntry(ctx, SaveEntryInput{
		Provider:     "openai",
		ResponseText: strings.Repeat("z", 9000),
	})
	if err != nil {
		t.Fatalf("save entry: %v", err)
	}
	full, err := s.GetEntry(ctx, meta.ID)
	if err != nil {
		t.Fatalf("get entry: %v", err)
	}
	if full.ResponseBlobID == "" {
		t.Fatalf("expected a blob reference")
	}

	if err := s.DeleteEntry(ctx, meta.ID); err != nil {
		t.Fatalf("delete entry: %v", err)
	}
	if _, err := s.GetEntry(ctx, meta.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound after delete, got %v", err)
	}
	if _, err := s.getBlob(ctx, full.ResponseBlobID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected blob to cascade with entry, got %v", err)
	}

	if err := s.DeleteEntry(ctx, meta.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound on double delete, got %v", err)
	}
}

func TestDeleteSessionCascades(t *testing.T) {
	s := newTestSQLStore(t)
	ctx := context.Background()

	sess, err := s.EnsureDefaultSession(ctx, "")
	if err != nil {
		t.Fatalf("ensure default: %v", err)
	}
	for i := 0; i < 3; i++ {
		if _, err := s.SaveEntry(ctx, SaveEntryInput{SessionID: sess.ID, Provider: "gemini", RequestText: "q"}); err != nil {
			t.Fatalf("save entry %d: %v", i, err)
		}
	}

	if err := s.DeleteSession(ctx, sess.ID); err != nil {
		t.Fatalf("delete session: %v", err)
	}
	entries, err := s.ListEntries(ctx, sess.ID, ListOptions{})
	if err != nil {
		t.Fatalf("list entries: %v", err)
	}
	if len(entries) != 0 {
		t.Fatalf("expected entries to cascade with session, got %d", len(entries))
	}

	// The default-session cache must not resurrect the deleted id.
	fresh, err := s.EnsureDefaultSession(ctx, "")
	if err != nil {
		t.Fatalf("ensure default after delete: %v", err)
	}
	if fresh.ID == sess.ID {
		t.Fatalf("default session cache returned deleted session")
	}
}

func TestClearSessionCountsEntries(t *testing.T) {
	s := newTestSQLStore(t)
	ctx := context.Background()

	sess, err := s.CreateSession(ctx, "bulk", "")
	if err != nil {
		t.Fatalf("create session: %v", err)
	}
	for i := 0; i < 4; i++ {
		if _, err := s.SaveEntry(ctx, SaveEntryInput{SessionID: sess.ID, Provider: "ollama", RequestText: "q"}); err != nil {
			t.Fatalf("save entry %d: %v", i, err)
		}
	}

	n, err := s.ClearSession(ctx, sess.ID)
	if err != nil {
		t.Fatalf("clear session: %v", err)
	}
	if n != 4 {
		t.Fatalf("expected 4 cleared entries, got %d", n)
	}

	sessions, err := s.ListSessions(ctx)
	if err != nil {
		t.Fatalf("list sessions: %v", err)
	}
	if len(sessions) != 1 {
		t.Fatalf("clear must keep the session row, got %+v", sessions)
	}
}
