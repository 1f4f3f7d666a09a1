package providers

import "context"

// Kind names the provider families the vault can hold credentials for.
const (
	KindOpenAI    = "openai"
	KindAnthropic = "anthropic"
	KindDeepSeek  = "deepseek"
	KindGemini    = "gemini"
	KindOllama    = "ollama"
)

type ChatRequest struct {
	Model        string
	SystemPrompt string
	UserPrompt   string
	MaxTokens    int
	Temperature  float64
}

type Usage struct {
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
}

type ChatResponse struct {
	Text  string
	Usage *Usage
}

type Provider interface {
	Chat(ctx context.Context, req ChatRequest) (ChatResponse, error)
}

// Defaults describe where a provider lives and what model to use when the
// stored credentials leave those fields empty.
type Defaults struct {
	BaseURL string
	Model   string
}

var kindDefaults = map[string]Defaults{
	KindOpenAI:    {BaseURL: "https://api.openai.com/v1", Model: "gpt-4o"},
	KindAnthropic: {BaseURL: "https://api.anthropic.com", Model: "claude-sonnet-4-20250514"},
	KindDeepSeek:  {BaseURL: "https://api.deepseek.com/v1", Model: "deepseek-chat"},
	KindGemini:    {BaseURL: "https://generativelanguage.googleapis.com", Model: "gemini-2.0-flash"},
	KindOllama:    {BaseURL: "http://localhost:11434/v1", Model: "llama3.2"},
}

// DefaultsFor returns the built-in defaults for a known kind; unknown kinds
// get empty defaults and must carry a base URL in their credentials.
func DefaultsFor(kind string) Defaults {
	return kindDefaults[kind]
}

func resolve(value, fallback string) string {
	if value != "" {
		return value
	}
	return fallback
}
