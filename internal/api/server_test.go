package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"grompt/internal/history"
	"grompt/internal/kv"
	"grompt/internal/vault"
)

func newTestServer(t *testing.T) *httptest.Server {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	kvs := kv.NewRedis(client)

	store := history.NewFlat(kvs, history.FlatOptions{})
	if err := store.Init(context.Background()); err != nil {
		t.Fatalf("init history store: %v", err)
	}

	srv := New(Config{
		Vault:   vault.New(kvs, vault.Options{Iterations: 2048}),
		History: store,
		Logger:  zerolog.Nop(),
	})
	mux := http.NewServeMux()
	srv.Register(mux)

	ts := httptest.NewServer(mux)
	t.Cleanup(ts.Close)
	return ts
}

func postJSON(t *testing.T, url string, body any) *http.Response {
	t.Helper()
	b, err := json.Marshal(body)
	if err != nil {
		t.Fatalf("marshal request: %v", err)
	}
	resp, err := http.Post(url, "application/json", bytes.NewReader(b))
	if err != nil {
		t.Fatalf("post %s: %v", url, err)
	}
	return resp
}

func decodeBody(t *testing.T, resp *http.Response, v any) {
	t.Helper()
	defer resp.Body.Close()
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		t.Fatalf("decode response: %v", err)
	}
}

func TestVaultSaveUnlockOverHTTP(t *testing.T) {
	ts := newTestServer(t)

	resp := postJSON(t, ts.URL+"/api/vault/save", map[string]any{
		"vault": map[string]any{
			"openai": map[string]string{"apiKey": "sk-test"},
		},
		"passphrase": "hunter2",
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("save status %d", resp.StatusCode)
	}
	resp.Body.Close()

	// No passphrase: locked, prompting expected.
	var locked vault.UnlockResult
	decodeBody(t, postJSON(t, ts.URL+"/api/vault/unlock", map[string]string{}), &locked)
	if !locked.OK || !locked.Locked {
		t.Fatalf("expected locked result, got %+v", locked)
	}

	// Wrong passphrase: retryable failure, no secrets leaked.
	var failed vault.UnlockResult
	decodeBody(t, postJSON(t, ts.URL+"/api/vault/unlock", map[string]string{"passphrase": "wrong"}), &failed)
	if failed.OK || failed.Err == "" {
		t.Fatalf("expected failed unlock, got %+v", failed)
	}

	var unlocked vault.UnlockResult
	decodeBody(t, postJSON(t, ts.URL+"/api/vault/unlock", map[string]string{"passphrase": "hunter2"}), &unlocked)
	if !unlocked.OK || unlocked.Vault["openai"].APIKey != "sk-test" {
		t.Fatalf("expected unlocked vault, got %+v", unlocked)
	}
}

func TestVaultImportRejectsGarbage(t *testing.T) {
	ts := newTestServer(t)

	resp, err := http.Post(ts.URL+"/api/vault/import", "application/json", strings.NewReader(`{"not":"an envelope"}`))
	if err != nil {
		t.Fatalf("post import: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422, got %d", resp.StatusCode)
	}
}

func TestVaultExportImportOverHTTP(t *testing.T) {
	ts := newTestServer(t)

	resp := postJSON(t, ts.URL+"/api/vault/save", map[string]any{
		"vault": map[string]any{"openai": map[string]string{"apiKey": "sk-round"}},
	})
	resp.Body.Close()

	exported, err := http.Get(ts.URL + "/api/vault/export")
	if err != nil {
		t.Fatalf("get export: %v", err)
	}
	var raw bytes.Buffer
	if _, err := raw.ReadFrom(exported.Body); err != nil {
		t.Fatalf("read export: %v", err)
	}
	exported.Body.Close()

	// Wipe, then restore from the exported envelope.
	resp = postJSON(t, ts.URL+"/api/vault/clear", map[string]string{})
	resp.Body.Close()
	imported, err := http.Post(ts.URL+"/api/vault/import", "application/json", bytes.NewReader(raw.Bytes()))
	if err != nil {
		t.Fatalf("post import: %v", err)
	}
	imported.Body.Close()
	if imported.StatusCode != http.StatusOK {
		t.Fatalf("import status %d", imported.StatusCode)
	}

	var unlocked vault.UnlockResult
	decodeBody(t, postJSON(t, ts.URL+"/api/vault/unlock", map[string]string{}), &unlocked)
	if !unlocked.OK || unlocked.Vault["openai"].APIKey != "sk-round" {
		t.Fatalf("round trip lost credentials: %+v", unlocked)
	}
}

func TestHistoryCRUDOverHTTP(t *testing.T) {
	ts := newTestServer(t)

	var sess history.Session
	decodeBody(t, postJSON(t, ts.URL+"/api/sessions", map[string]string{"name": "work"}), &sess)
	if sess.ID == "" || sess.Name != "work" {
		t.Fatalf("unexpected session %+v", sess)
	}

	var meta history.EntryMeta
	decodeBody(t, postJSON(t, ts.URL+"/api/entries", map[string]any{
		"sessionId":    sess.ID,
		"provider":     "anthropic",
		"ideas":        []map[string]any{{"id": 1, "text": "Build a CLI"}},
		"responseText": "the result",
	}), &meta)
	if meta.ID == "" || meta.Preview != "Build a CLI" {
		t.Fatalf("unexpected entry meta %+v", meta)
	}

	var listed struct {
		Entries []history.EntryMeta `json:"entries"`
	}
	resp, err := http.Get(ts.URL + "/api/sessions/" + sess.ID + "/entries")
	if err != nil {
		t.Fatalf("list entries: %v", err)
	}
	decodeBody(t, resp, &listed)
	if len(listed.Entries) != 1 || listed.Entries[0].ID != meta.ID {
		t.Fatalf("unexpected listing %+v", listed)
	}

	var entry history.Entry
	resp, err = http.Get(ts.URL + "/api/entries/" + meta.ID)
	if err != nil {
		t.Fatalf("get entry: %v", err)
	}
	decodeBody(t, resp, &entry)
	if entry.ResponseText != "the result" {
		t.Fatalf("unexpected entry %+v", entry)
	}

	exported, err := http.Get(ts.URL + "/api/entries/" + meta.ID + "/export")
	if err != nil {
		t.Fatalf("export entry: %v", err)
	}
	defer exported.Body.Close()
	if cd := exported.Header.Get("Content-Disposition"); !strings.Contains(cd, "attachment") {
		t.Fatalf("expected attachment disposition, got %q", cd)
	}

	req, _ := http.NewRequest(http.MethodDelete, ts.URL+"/api/entries/"+meta.ID, nil)
	delResp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("delete entry: %v", err)
	}
	delResp.Body.Close()
	if delResp.StatusCode != http.StatusOK {
		t.Fatalf("delete status %d", delResp.StatusCode)
	}

	notFound, err := http.Get(ts.URL + "/api/entries/" + meta.ID)
	if err != nil {
		t.Fatalf("get deleted entry: %v", err)
	}
	notFound.Body.Close()
	if notFound.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404 after delete, got %d", notFound.StatusCode)
	}
}

func TestSaveEntryUnknownSessionIs404(t *testing.T) {
	ts := newTestServer(t)

	resp := postJSON(t, ts.URL+"/api/entries", map[string]any{
		"sessionId": "missing",
		"provider":  "openai",
	})
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", resp.StatusCode)
	}
}

func TestProviderTestUsesSentCredentials(t *testing.T) {
	ts := newTestServer(t)

	var gotAuth string
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		w.WriteHeader(http.StatusOK)
	}))
	defer backend.Close()

	var res struct {
		OK bool `json:"ok"`
	}
	decodeBody(t, postJSON(t, ts.URL+"/api/providers/test", map[string]any{
		"provider":    "openai",
		"credentials": map[string]string{"apiKey": "sk-probe", "baseUrl": backend.URL},
	}), &res)
	if !res.OK {
		t.Fatalf("expected successful probe")
	}
	if gotAuth != "Bearer sk-probe" {
		t.Fatalf("unexpected auth header %q", gotAuth)
	}
}

func TestGenerateWithStoredVaultCredentials(t *testing.T) {
	ts := newTestServer(t)

	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{
			"choices": []map[string]any{
				{"message": map[string]any{"content": "a refined prompt"}},
			},
		})
	}))
	defer backend.Close()

	resp := postJSON(t, ts.URL+"/api/vault/save", map[string]any{
		"vault": map[string]any{
			"openai": map[string]string{"apiKey": "sk-gen", "baseUrl": backend.URL, "defaultModel": "gpt-4o"},
		},
	})
	resp.Body.Close()

	var out struct {
		Text  string `json:"text"`
		Model string `json:"model"`
	}
	decodeBody(t, postJSON(t, ts.URL+"/api/generate", map[string]any{
		"provider": "openai",
		"prompt":   "turn these ideas into a prompt",
	}), &out)
	if out.Text != "a refined prompt" {
		t.Fatalf("unexpected text %q", out.Text)
	}
	if out.Model != "gpt-4o" {
		t.Fatalf("expected stored default model, got %q", out.Model)
	}
}

func TestGenerateLockedVaultIs422(t *testing.T) {
	ts := newTestServer(t)

	resp := postJSON(t, ts.URL+"/api/vault/save", map[string]any{
		"vault":      map[string]any{"openai": map[string]string{"apiKey": "sk"}},
		"passphrase": "secret",
	})
	resp.Body.Close()

	resp = postJSON(t, ts.URL+"/api/generate", map[string]any{
		"provider": "openai",
		"prompt":   "hello",
	})
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422 for locked vault, got %d", resp.StatusCode)
	}
}
