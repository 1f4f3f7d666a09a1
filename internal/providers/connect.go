package providers

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"grompt/internal/vault"
)

// ConnectResult reports a credential probe. Reachable and Authorized are
// separate so a caller can tell "the endpoint is down or blocked" apart
// from "the key was rejected".
type ConnectResult struct {
	OK         bool          `json:"ok"`
	Reachable  bool          `json:"reachable"`
	Authorized bool          `json:"authorized"`
	StatusCode int           `json:"statusCode,omitempty"`
	Latency    time.Duration `json:"latencyMs"`
	Message    string        `json:"message"`
}

type ConnectOptions struct {
	HTTPClient  *http.Client
	MaxRetries  int
	BackoffBase time.Duration
}

// TestConnection sends the cheapest authenticated request the provider
// offers, usually a model listing. It never returns an error for a failed
// probe; the outcome is the result itself.
func TestConnection(ctx context.Context, kind string, creds vault.Credentials, opts ConnectOptions) ConnectResult {
	kind = strings.ToLower(strings.TrimSpace(kind))
	if opts.HTTPClient == nil {
		opts.HTTPClient = &http.Client{Timeout: 10 * time.Second}
	}
	if opts.BackoffBase <= 0 {
		opts.BackoffBase = 400 * time.Millisecond
	}
	if opts.MaxRetries < 0 {
		opts.MaxRetries = 0
	}

	probeURL, headers, err := buildProbe(kind, creds)
	if err != nil {
		return ConnectResult{Message: err.Error()}
	}

	start := time.Now()
	var lastErr error
	var status int
	for attempt := 0; attempt <= opts.MaxRetries; attempt++ {
		status, lastErr = probeOnce(ctx, opts.HTTPClient, probeURL, headers)
		if lastErr == nil && status < 500 && status != http.StatusTooManyRequests {
			break
		}
		if attempt == opts.MaxRetries {
			break
		}
		select {
		case <-ctx.Done():
			return ConnectResult{Latency: time.Since(start), Message: "probe cancelled"}
		case <-time.After(opts.BackoffBase * (1 << attempt)):
		}
	}
	latency := time.Since(start)

	if lastErr != nil {
		return ConnectResult{
			Latency: latency,
			Message: fmt.Sprintf("endpoint unreachable, check the base URL and network access: %v", lastErr),
		}
	}

	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return ConnectResult{
			Reachable:  true,
			StatusCode: status,
			Latency:    latency,
			Message:    "endpoint reachable but the credentials were rejected, check the API key",
		}
	case status >= 200 && status <= 299:
		return ConnectResult{
			OK:         true,
			Reachable:  true,
			Authorized: true,
			StatusCode: status,
			Latency:    latency,
			Message:    "connection ok",
		}
	default:
		return ConnectResult{
			Reachable:  true,
			StatusCode: status,
			Latency:    latency,
			Message:    fmt.Sprintf("endpoint reachable but the probe returned status %d", status),
		}
	}
}

func buildProbe(kind string, creds vault.Credentials) (string, map[string]string, error) {
	defaults := DefaultsFor(kind)
	base := strings.TrimSpace(resolve(creds.BaseURL, defaults.BaseURL))
	if base == "" {
		return "", nil, fmt.Errorf("provider %q has no base url", kind)
	}
	u, err := url.Parse(base)
	if err != nil {
		return "", nil, fmt.Errorf("parse base url: %w", err)
	}
	path := strings.TrimSuffix(u.Path, "/")

	headers := map[string]string{}
	switch kind {
	case KindAnthropic:
		if !strings.HasSuffix(path, "/v1") {
			path += "/v1"
		}
		u.Path = path + "/models"
		headers["x-api-key"] = creds.APIKey
		headers["anthropic-version"] = "2023-06-01"
	case KindGemini:
		if !strings.Contains(path, "/v1beta") {
			path += "/v1beta"
		}
		u.Path = path + "/models"
		q := u.Query()
		q.Set("key", creds.APIKey)
		u.RawQuery = q.Encode()
	case KindOllama:
		u.Path = path + "/models"
	default:
		// openai, deepseek and custom OpenAI-compatible endpoints.
		u.Path = path + "/models"
		if creds.APIKey != "" {
			headers["Authorization"] = "Bearer " + creds.APIKey
		}
		if creds.OrgID != "" {
			headers["OpenAI-Organization"] = creds.OrgID
		}
	}
	for k, v := range creds.Headers {
		headers[k] = strings.ReplaceAll(v, "{{api_key}}", creds.APIKey)
	}
	return u.String(), headers, nil
}

func probeOnce(ctx context.Context, client *http.Client, probeURL string, headers map[string]string) (int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, probeURL, nil)
	if err != nil {
		return 0, fmt.Errorf("build probe request: %w", err)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := client.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
	return resp.StatusCode, nil
}
