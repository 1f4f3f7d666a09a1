package history

import "time"

const (
	StatusOK      = "ok"
	StatusError   = "error"
	StatusPartial = "partial"
	StatusDraft   = "draft"
)

const DefaultSessionName = "Default"

// Session is a named grouping of history entries. UpdatedAt is bumped
// whenever an entry is saved into it.
type Session struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	AgentID   string    `json:"agentId,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Idea is one fragment of the idea list that produced a prompt.
type Idea struct {
	ID   int    `json:"id"`
	Text string `json:"text"`
}

type TokenUsage struct {
	Prompt     int `json:"prompt,omitempty"`
	Completion int `json:"completion,omitempty"`
	Total      int `json:"total,omitempty"`
}

// EntryMeta is the cheap listing projection of an entry.
type EntryMeta struct {
	ID        string      `json:"id"`
	SessionID string      `json:"sessionId"`
	Provider  string      `json:"provider"`
	Model     string      `json:"model,omitempty"`
	Preview   string      `json:"preview"`
	Status    string      `json:"status"`
	CreatedAt time.Time   `json:"createdAt"`
	UpdatedAt time.Time   `json:"updatedAt"`
	Tokens    *TokenUsage `json:"tokens,omitempty"`
}

// Entry is the full projection. Oversized request/response text lives in
// the blob store and is referenced by id; GetEntry hydrates it back.
// Entries are immutable once created.
type Entry struct {
	EntryMeta
	Params         map[string]any `json:"params,omitempty"`
	RequestText    string         `json:"requestText,omitempty"`
	ResponseText   string         `json:"responseText,omitempty"`
	ErrorMessage   string         `json:"errorMessage,omitempty"`
	Ideas          []Idea         `json:"ideas,omitempty"`
	RequestBlobID  string         `json:"requestBlobId,omitempty"`
	ResponseBlobID string         `json:"responseBlobId,omitempty"`
}

// SaveEntryInput targets a session by explicit id, by name (created when
// absent), or the lazily-created default session when both are empty.
type SaveEntryInput struct {
	SessionID    string         `json:"sessionId,omitempty"`
	SessionName  string         `json:"sessionName,omitempty"`
	Provider     string         `json:"provider"`
	Model        string         `json:"model,omitempty"`
	Status       string         `json:"status,omitempty"`
	Params       map[string]any `json:"params,omitempty"`
	RequestText  string         `json:"requestText,omitempty"`
	ResponseText string         `json:"responseText,omitempty"`
	ErrorMessage string         `json:"errorMessage,omitempty"`
	Ideas        []Idea         `json:"ideas,omitempty"`
	Tokens       *TokenUsage    `json:"tokens,omitempty"`
}

type ListOptions struct {
	Limit  int
	Offset int
}

// Limits holds the inline-size thresholds and preview length.
type Limits struct {
	RequestInline  int
	ResponseInline int
	Preview        int
}

func (l Limits) withDefaults() Limits {
	if l.RequestInline <= 0 {
		l.RequestInline = 2000
	}
	if l.ResponseInline <= 0 {
		l.ResponseInline = 8000
	}
	if l.Preview <= 0 {
		l.Preview = 300
	}
	return l
}
