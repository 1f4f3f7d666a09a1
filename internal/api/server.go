package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/rs/zerolog"

	"grompt/internal/history"
	"grompt/internal/metrics"
	"grompt/internal/providers"
	"grompt/internal/providers/registry"
	"grompt/internal/ratelimit"
	"grompt/internal/vault"
)

const maxBodySize = 4 << 20

type Config struct {
	Vault       *vault.Vault
	History     history.Store
	Metrics     *metrics.Metrics
	Logger      zerolog.Logger
	HTTPClient  *http.Client
	MaxRetries  int
	BackoffBase time.Duration
	RateLimiter *ratelimit.Limiter
}

// Server is the JSON surface over the vault and the history store. It
// returns plain data; what the client does with it is the client's
// business.
type Server struct {
	vault       *vault.Vault
	store       history.Store
	metrics     *metrics.Metrics
	logger      zerolog.Logger
	httpClient  *http.Client
	maxRetries  int
	backoffBase time.Duration
	limiter     *ratelimit.Limiter
}

func New(cfg Config) *Server {
	return &Server{
		vault:       cfg.Vault,
		store:       cfg.History,
		metrics:     cfg.Metrics,
		logger:      cfg.Logger,
		httpClient:  cfg.HTTPClient,
		maxRetries:  cfg.MaxRetries,
		backoffBase: cfg.BackoffBase,
		limiter:     cfg.RateLimiter,
	}
}

func (s *Server) Register(mux *http.ServeMux) {
	mux.HandleFunc("POST /api/vault/unlock", s.handleVaultUnlock)
	mux.HandleFunc("POST /api/vault/save", s.handleVaultSave)
	mux.HandleFunc("POST /api/vault/clear", s.handleVaultClear)
	mux.HandleFunc("GET /api/vault/export", s.handleVaultExport)
	mux.HandleFunc("POST /api/vault/import", s.handleVaultImport)

	mux.HandleFunc("GET /api/sessions", s.handleListSessions)
	mux.HandleFunc("POST /api/sessions", s.handleCreateSession)
	mux.HandleFunc("DELETE /api/sessions/{id}", s.handleDeleteSession)
	mux.HandleFunc("POST /api/sessions/{id}/clear", s.handleClearSession)
	mux.HandleFunc("GET /api/sessions/{id}/entries", s.handleListEntries)

	mux.HandleFunc("POST /api/entries", s.handleSaveEntry)
	mux.HandleFunc("GET /api/entries/{id}", s.handleGetEntry)
	mux.HandleFunc("DELETE /api/entries/{id}", s.handleDeleteEntry)
	mux.HandleFunc("GET /api/entries/{id}/export", s.handleExportEntry)

	mux.HandleFunc("POST /api/providers/test", s.handleTestProvider)
	mux.HandleFunc("POST /api/generate", s.handleGenerate)
}

type vaultUnlockRequest struct {
	Passphrase string `json:"passphrase"`
}

func (s *Server) handleVaultUnlock(w http.ResponseWriter, r *http.Request) {
	var req vaultUnlockRequest
	if err := readJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	res, err := s.vault.UnlockVault(r.Context(), req.Passphrase)
	if err != nil {
		s.logger.Error().Err(err).Msg("vault unlock storage fault")
		writeError(w, http.StatusInternalServerError, "vault storage unavailable")
		return
	}
	if s.metrics != nil {
		s.metrics.VaultUnlocks.Inc()
		if !res.OK {
			s.metrics.VaultUnlockFailed.Inc()
		}
	}
	writeJSON(w, http.StatusOK, res)
}

type vaultSaveRequest struct {
	Vault      vault.Contents `json:"vault"`
	Passphrase string         `json:"passphrase"`
}

func (s *Server) handleVaultSave(w http.ResponseWriter, r *http.Request) {
	var req vaultSaveRequest
	if err := readJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.Vault == nil {
		req.Vault = vault.Contents{}
	}

	if err := s.vault.SaveVault(r.Context(), req.Vault, req.Passphrase); err != nil {
		s.logger.Error().Err(err).Msg("vault save failed")
		writeError(w, http.StatusInternalServerError, "failed to save vault")
		return
	}
	if s.metrics != nil {
		s.metrics.VaultSaves.Inc()
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (s *Server) handleVaultClear(w http.ResponseWriter, r *http.Request) {
	if err := s.vault.ClearVault(r.Context()); err != nil {
		s.logger.Error().Err(err).Msg("vault clear failed")
		writeError(w, http.StatusInternalServerError, "failed to clear vault")
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (s *Server) handleVaultExport(w http.ResponseWriter, r *http.Request) {
	raw, err := s.vault.ExportStoredEnvelope(r.Context())
	if err != nil {
		s.logger.Error().Err(err).Msg("vault export failed")
		writeError(w, http.StatusInternalServerError, "failed to export vault")
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Content-Disposition", `attachment; filename="grompt-vault.json"`)
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(raw))
}

func (s *Server) handleVaultImport(w http.ResponseWriter, r *http.Request) {
	raw, err := io.ReadAll(io.LimitReader(r.Body, maxBodySize))
	if err != nil {
		writeError(w, http.StatusBadRequest, "failed to read body")
		return
	}
	if err := s.vault.ImportStoredEnvelope(r.Context(), string(raw)); err != nil {
		if errors.Is(err, vault.ErrInvalidEnvelope) {
			writeError(w, http.StatusUnprocessableEntity, "not a valid vault envelope")
			return
		}
		s.logger.Error().Err(err).Msg("vault import failed")
		writeError(w, http.StatusInternalServerError, "failed to import vault")
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	sessions, err := s.store.ListSessions(r.Context())
	if err != nil {
		s.logger.Error().Err(err).Msg("list sessions failed")
		writeError(w, http.StatusInternalServerError, "failed to list sessions")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"sessions": sessions})
}

type createSessionRequest struct {
	Name    string `json:"name"`
	AgentID string `json:"agentId"`
}

func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	var req createSessionRequest
	if err := readJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.Name == "" {
		writeError(w, http.StatusBadRequest, "name is required")
		return
	}

	sess, err := s.store.CreateSession(r.Context(), req.Name, req.AgentID)
	if err != nil {
		s.logger.Error().Err(err).Msg("create session failed")
		writeError(w, http.StatusInternalServerError, "failed to create session")
		return
	}
	writeJSON(w, http.StatusCreated, sess)
}

func (s *Server) handleDeleteSession(w http.ResponseWriter, r *http.Request) {
	if err := s.store.DeleteSession(r.Context(), r.PathValue("id")); err != nil {
		if errors.Is(err, history.ErrNotFound) {
			writeError(w, http.StatusNotFound, "session not found")
			return
		}
		s.logger.Error().Err(err).Msg("delete session failed")
		writeError(w, http.StatusInternalServerError, "failed to delete session")
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (s *Server) handleClearSession(w http.ResponseWriter, r *http.Request) {
	n, err := s.store.ClearSession(r.Context(), r.PathValue("id"))
	if err != nil {
		s.logger.Error().Err(err).Msg("clear session failed")
		writeError(w, http.StatusInternalServerError, "failed to clear session")
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"cleared": n})
}

func (s *Server) handleListEntries(w http.ResponseWriter, r *http.Request) {
	opts := history.ListOptions{
		Limit:  queryInt(r, "limit"),
		Offset: queryInt(r, "offset"),
	}
	entries, err := s.store.ListEntries(r.Context(), r.PathValue("id"), opts)
	if err != nil {
		s.logger.Error().Err(err).Msg("list entries failed")
		writeError(w, http.StatusInternalServerError, "failed to list entries")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"entries": entries})
}

func (s *Server) handleSaveEntry(w http.ResponseWriter, r *http.Request) {
	var in history.SaveEntryInput
	if err := readJSON(r, &in); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if in.Provider == "" {
		writeError(w, http.StatusBadRequest, "provider is required")
		return
	}

	meta, err := s.store.SaveEntry(r.Context(), in)
	if err != nil {
		if errors.Is(err, history.ErrSessionMissing) {
			writeError(w, http.StatusNotFound, "session not found")
			return
		}
		s.logger.Error().Err(err).Msg("save entry failed")
		writeError(w, http.StatusInternalServerError, "failed to save entry")
		return
	}
	writeJSON(w, http.StatusCreated, meta)
}

func (s *Server) handleGetEntry(w http.ResponseWriter, r *http.Request) {
	entry, err := s.store.GetEntry(r.Context(), r.PathValue("id"))
	if err != nil {
		if errors.Is(err, history.ErrNotFound) {
			writeError(w, http.StatusNotFound, "entry not found")
			return
		}
		s.logger.Error().Err(err).Msg("get entry failed")
		writeError(w, http.StatusInternalServerError, "failed to load entry")
		return
	}
	writeJSON(w, http.StatusOK, entry)
}

func (s *Server) handleDeleteEntry(w http.ResponseWriter, r *http.Request) {
	if err := s.store.DeleteEntry(r.Context(), r.PathValue("id")); err != nil {
		if errors.Is(err, history.ErrNotFound) {
			writeError(w, http.StatusNotFound, "entry not found")
			return
		}
		s.logger.Error().Err(err).Msg("delete entry failed")
		writeError(w, http.StatusInternalServerError, "failed to delete entry")
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

// handleExportEntry returns the hydrated entry pretty-printed, suitable
// for a file download.
func (s *Server) handleExportEntry(w http.ResponseWriter, r *http.Request) {
	entry, err := s.store.GetEntry(r.Context(), r.PathValue("id"))
	if err != nil {
		if errors.Is(err, history.ErrNotFound) {
			writeError(w, http.StatusNotFound, "entry not found")
			return
		}
		s.logger.Error().Err(err).Msg("export entry failed")
		writeError(w, http.StatusInternalServerError, "failed to export entry")
		return
	}

	b, err := json.MarshalIndent(entry, "", "  ")
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to encode entry")
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", "grompt-entry-"+entry.ID+".json"))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(b)
}

type testProviderRequest struct {
	Provider    string             `json:"provider"`
	Credentials *vault.Credentials `json:"credentials,omitempty"`
	Passphrase  string             `json:"passphrase,omitempty"`
}

// handleTestProvider probes connectivity with either credentials supplied
// in the request or the ones stored in the vault.
func (s *Server) handleTestProvider(w http.ResponseWriter, r *http.Request) {
	var req testProviderRequest
	if err := readJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.Provider == "" {
		writeError(w, http.StatusBadRequest, "provider is required")
		return
	}

	creds, ok, errMsg := s.resolveCredentials(r, req.Provider, req.Credentials, req.Passphrase)
	if !ok {
		writeError(w, http.StatusUnprocessableEntity, errMsg)
		return
	}

	res := providers.TestConnection(r.Context(), req.Provider, creds, providers.ConnectOptions{
		HTTPClient:  s.httpClient,
		MaxRetries:  s.maxRetries,
		BackoffBase: s.backoffBase,
	})
	writeJSON(w, http.StatusOK, res)
}

type generateRequest struct {
	Provider     string             `json:"provider"`
	Model        string             `json:"model,omitempty"`
	SystemPrompt string             `json:"systemPrompt,omitempty"`
	Prompt       string             `json:"prompt"`
	MaxTokens    int                `json:"maxTokens,omitempty"`
	Temperature  float64            `json:"temperature,omitempty"`
	Credentials  *vault.Credentials `json:"credentials,omitempty"`
	Passphrase   string             `json:"passphrase,omitempty"`
}

type generateResponse struct {
	Text  string           `json:"text"`
	Model string           `json:"model"`
	Usage *providers.Usage `json:"usage,omitempty"`
}

func (s *Server) handleGenerate(w http.ResponseWriter, r *http.Request) {
	var req generateRequest
	if err := readJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.Provider == "" || req.Prompt == "" {
		writeError(w, http.StatusBadRequest, "provider and prompt are required")
		return
	}
	if !s.allowCaller(w, r) {
		return
	}

	creds, ok, errMsg := s.resolveCredentials(r, req.Provider, req.Credentials, req.Passphrase)
	if !ok {
		writeError(w, http.StatusUnprocessableEntity, errMsg)
		return
	}

	p, err := registry.Build(req.Provider, creds, registry.Options{
		HTTPClient:  s.httpClient,
		MaxRetries:  s.maxRetries,
		BackoffBase: s.backoffBase,
	})
	if err != nil {
		writeError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}

	model := registry.ResolveModel(req.Provider, req.Model, creds)
	resp, err := p.Chat(r.Context(), providers.ChatRequest{
		Model:        model,
		SystemPrompt: req.SystemPrompt,
		UserPrompt:   req.Prompt,
		MaxTokens:    req.MaxTokens,
		Temperature:  req.Temperature,
	})
	if err != nil {
		s.logger.Warn().Err(err).Str("provider", req.Provider).Msg("generation failed")
		writeError(w, http.StatusBadGateway, fmt.Sprintf("provider request failed: %v", err))
		return
	}
	writeJSON(w, http.StatusOK, generateResponse{Text: resp.Text, Model: model, Usage: resp.Usage})
}

// allowCaller applies the hourly generate budget per remote host. A
// limiter fault fails open; blocking all generation on a redis blip
// would be worse than briefly not enforcing the budget.
func (s *Server) allowCaller(w http.ResponseWriter, r *http.Request) bool {
	if s.limiter == nil {
		return true
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}
	allowed, used, resetAt, err := s.limiter.Allow(r.Context(), host, time.Now())
	if err != nil {
		s.logger.Warn().Err(err).Msg("rate limiter unavailable")
		return true
	}
	if !allowed {
		w.Header().Set("Retry-After", strconv.Itoa(int(time.Until(resetAt).Seconds())))
		writeError(w, http.StatusTooManyRequests, fmt.Sprintf("hourly generation budget exhausted (%d used)", used))
		return false
	}
	return true
}

// resolveCredentials prefers credentials sent with the request and falls
// back to the vault entry for the provider.
func (s *Server) resolveCredentials(r *http.Request, provider string, sent *vault.Credentials, passphrase string) (vault.Credentials, bool, string) {
	if sent != nil {
		return *sent, true, ""
	}

	res, err := s.vault.UnlockVault(r.Context(), passphrase)
	if err != nil {
		return vault.Credentials{}, false, "vault storage unavailable"
	}
	if res.Locked || !res.OK {
		return vault.Credentials{}, false, "vault is locked, supply the passphrase or credentials"
	}
	creds, found := res.Vault[provider]
	if !found {
		return vault.Credentials{}, false, "no stored credentials for provider " + provider
	}
	return creds, true, ""
}

func readJSON(r *http.Request, v any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodySize))
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("invalid json body: %w", err)
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func queryInt(r *http.Request, key string) int {
	v := r.URL.Query().Get(key)
	if v == "" {
		return 0
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0
	}
	return n
}
