package registry

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	"grompt/internal/providers"
	"grompt/internal/providers/anthropic_messages"
	"grompt/internal/providers/custom_http"
	"grompt/internal/providers/gemini_generate"
	"grompt/internal/providers/openai_compat"
	"grompt/internal/vault"
)

type Options struct {
	HTTPClient  *http.Client
	MaxRetries  int
	BackoffBase time.Duration
}

// Build wires stored credentials to the client that knows the provider's
// auth scheme and wire format. Unknown kinds with a base URL are treated
// as OpenAI-compatible custom endpoints; a body template in the extra
// headers map switches them to the free-form HTTP client.
func Build(kind string, creds vault.Credentials, opts Options) (providers.Provider, error) {
	kind = strings.ToLower(strings.TrimSpace(kind))
	defaults := providers.DefaultsFor(kind)
	baseURL := creds.BaseURL
	if baseURL == "" {
		baseURL = defaults.BaseURL
	}

	switch kind {
	case providers.KindOpenAI, providers.KindDeepSeek, providers.KindOllama:
		return openai_compat.New(openai_compat.Config{
			BaseURL:     baseURL,
			APIKey:      creds.APIKey,
			OrgID:       creds.OrgID,
			Headers:     creds.Headers,
			HTTPClient:  opts.HTTPClient,
			MaxRetries:  opts.MaxRetries,
			BackoffBase: opts.BackoffBase,
		}), nil

	case providers.KindAnthropic:
		return anthropic_messages.New(anthropic_messages.Config{
			BaseURL:     baseURL,
			APIKey:      creds.APIKey,
			Headers:     creds.Headers,
			HTTPClient:  opts.HTTPClient,
			MaxRetries:  opts.MaxRetries,
			BackoffBase: opts.BackoffBase,
		}), nil

	case providers.KindGemini:
		return gemini_generate.New(gemini_generate.Config{
			BaseURL:     baseURL,
			APIKey:      creds.APIKey,
			HTTPClient:  opts.HTTPClient,
			MaxRetries:  opts.MaxRetries,
			BackoffBase: opts.BackoffBase,
		}), nil

	default:
		if baseURL == "" {
			return nil, fmt.Errorf("unknown provider %q without a base url", kind)
		}
		if tpl, ok := creds.Headers["body_template"]; ok && tpl != "" {
			headers := make(map[string]string, len(creds.Headers))
			for k, v := range creds.Headers {
				if k == "body_template" {
					continue
				}
				headers[k] = v
			}
			return custom_http.New(custom_http.Config{
				URL:          baseURL,
				APIKey:       creds.APIKey,
				Headers:      headers,
				BodyTemplate: tpl,
				HTTPClient:   opts.HTTPClient,
				MaxRetries:   opts.MaxRetries,
				BackoffBase:  opts.BackoffBase,
			}), nil
		}
		return openai_compat.New(openai_compat.Config{
			BaseURL:     baseURL,
			APIKey:      creds.APIKey,
			Headers:     creds.Headers,
			HTTPClient:  opts.HTTPClient,
			MaxRetries:  opts.MaxRetries,
			BackoffBase: opts.BackoffBase,
		}), nil
	}
}

// ResolveModel picks the request model, the stored default, or the
// built-in default for the kind, in that order.
func ResolveModel(kind, requested string, creds vault.Credentials) string {
	if requested != "" {
		return requested
	}
	if creds.DefaultModel != "" {
		return creds.DefaultModel
	}
	return providers.DefaultsFor(strings.ToLower(strings.TrimSpace(kind))).Model
}
