package registry

import (
	"testing"

	"grompt/internal/providers"
	"grompt/internal/providers/anthropic_messages"
	"grompt/internal/providers/custom_http"
	"grompt/internal/providers/gemini_generate"
	"grompt/internal/providers/openai_compat"
	"grompt/internal/vault"
)

func TestBuildDispatchesByKind(t *testing.T) {
	cases := []struct {
		kind  string
		creds vault.Credentials
		want  string
	}{
		{providers.KindOpenAI, vault.Credentials{APIKey: "k"}, "openai_compat"},
		{providers.KindDeepSeek, vault.Credentials{APIKey: "k"}, "openai_compat"},
		{providers.KindOllama, vault.Credentials{}, "openai_compat"},
		{providers.KindAnthropic, vault.Credentials{APIKey: "k"}, "anthropic_messages"},
		{providers.KindGemini, vault.Credentials{APIKey: "k"}, "gemini_generate"},
		{"my-proxy", vault.Credentials{BaseURL: "https://llm.internal/v1"}, "openai_compat"},
		{"my-proxy", vault.Credentials{
			BaseURL: "https://llm.internal/generate",
			Headers: map[string]string{"body_template": `{"q":"{{.UserPrompt}}"}`},
		}, "custom_http"},
	}

	for _, tc := range cases {
		p, err := Build(tc.kind, tc.creds, Options{})
		if err != nil {
			t.Fatalf("build %s: %v", tc.kind, err)
		}
		var got string
		switch p.(type) {
		case *openai_compat.Client:
			got = "openai_compat"
		case *anthropic_messages.Client:
			got = "anthropic_messages"
		case *gemini_generate.Client:
			got = "gemini_generate"
		case *custom_http.Client:
			got = "custom_http"
		}
		if got != tc.want {
			t.Fatalf("kind %s built %s, want %s", tc.kind, got, tc.want)
		}
	}
}

func TestBuildRejectsUnknownKindWithoutBaseURL(t *testing.T) {
	if _, err := Build("mystery", vault.Credentials{}, Options{}); err == nil {
		t.Fatalf("expected error for unknown kind without base url")
	}
}

func TestResolveModel(t *testing.T) {
	creds := vault.Credentials{DefaultModel: "stored-model"}

	if got := ResolveModel(providers.KindOpenAI, "asked-model", creds); got != "asked-model" {
		t.Fatalf("explicit model should win, got %q", got)
	}
	if got := ResolveModel(providers.KindOpenAI, "", creds); got != "stored-model" {
		t.Fatalf("stored default should win over built-in, got %q", got)
	}
	if got := ResolveModel(providers.KindDeepSeek, "", vault.Credentials{}); got != "deepseek-chat" {
		t.Fatalf("built-in default expected, got %q", got)
	}
}
