package providers

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"grompt/internal/vault"
)

func TestTestConnectionOK(t *testing.T) {
	var gotAuth, gotPath string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		gotPath = r.URL.Path
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	res := TestConnection(context.Background(), KindOpenAI, vault.Credentials{
		APIKey:  "sk-test",
		BaseURL: srv.URL,
	}, ConnectOptions{})

	if !res.OK || !res.Reachable || !res.Authorized {
		t.Fatalf("expected successful probe, got %+v", res)
	}
	if gotAuth != "Bearer sk-test" {
		t.Fatalf("unexpected auth header %q", gotAuth)
	}
	if gotPath != "/models" {
		t.Fatalf("unexpected probe path %q", gotPath)
	}
}

func TestTestConnectionAuthRejected(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	res := TestConnection(context.Background(), KindOpenAI, vault.Credentials{
		APIKey:  "bad-key",
		BaseURL: srv.URL,
	}, ConnectOptions{})

	if res.OK || !res.Reachable || res.Authorized {
		t.Fatalf("expected reachable-but-rejected, got %+v", res)
	}
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("unexpected status %d", res.StatusCode)
	}
}

func TestTestConnectionUnreachable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	srv.Close() // nothing listens any more

	res := TestConnection(context.Background(), KindOpenAI, vault.Credentials{
		BaseURL: srv.URL,
	}, ConnectOptions{BackoffBase: time.Millisecond})

	if res.OK || res.Reachable {
		t.Fatalf("expected unreachable, got %+v", res)
	}
	if res.Message == "" {
		t.Fatalf("expected a diagnostic message")
	}
}

func TestTestConnectionAnthropicHeaders(t *testing.T) {
	var gotKey, gotVersion string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotKey = r.Header.Get("x-api-key")
		gotVersion = r.Header.Get("anthropic-version")
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	res := TestConnection(context.Background(), KindAnthropic, vault.Credentials{
		APIKey:  "sk-ant",
		BaseURL: srv.URL,
	}, ConnectOptions{})

	if !res.OK {
		t.Fatalf("expected successful probe, got %+v", res)
	}
	if gotKey != "sk-ant" || gotVersion == "" {
		t.Fatalf("anthropic headers not sent: key=%q version=%q", gotKey, gotVersion)
	}
}

func TestTestConnectionGeminiKeyParam(t *testing.T) {
	var gotKey string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotKey = r.URL.Query().Get("key")
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	res := TestConnection(context.Background(), KindGemini, vault.Credentials{
		APIKey:  "AIza-test",
		BaseURL: srv.URL,
	}, ConnectOptions{})

	if !res.OK {
		t.Fatalf("expected successful probe, got %+v", res)
	}
	if gotKey != "AIza-test" {
		t.Fatalf("gemini key param not sent, got %q", gotKey)
	}
}

func TestTestConnectionRetriesServerErrors(t *testing.T) {
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		if calls == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	res := TestConnection(context.Background(), KindOpenAI, vault.Credentials{
		BaseURL: srv.URL,
	}, ConnectOptions{MaxRetries: 2, BackoffBase: time.Millisecond})

	if !res.OK {
		t.Fatalf("expected success after retry, got %+v", res)
	}
	if calls != 2 {
		t.Fatalf("expected 2 calls, got %d", calls)
	}
}
