package history

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	sq "github.com/Masterminds/squirrel"
	"github.com/google/uuid"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"
	_ "modernc.org/sqlite"

	"grompt/internal/metrics"
)

type SQLConfig struct {
	Driver        string
	DSN           string
	AutoMigrate   bool
	MigrationsDir string
	Limits        Limits
	Metrics       *metrics.Metrics
}

// SQLStore is the structured transactional backend. Entry insert and
// session timestamp bump commit in one transaction.
type SQLStore struct {
	db            *sql.DB
	driver        string
	sql           sq.StatementBuilderType
	limits        Limits
	metrics       *metrics.Metrics
	autoMigrate   bool
	migrationsDir string

	initOnce sync.Once
	initErr  error

	mu          sync.Mutex
	defaultID   string
	defaultName string
}

var _ Store = (*SQLStore)(nil)

func OpenSQL(ctx context.Context, cfg SQLConfig) (*SQLStore, error) {
	driver := normalizeDriver(cfg.Driver)
	if cfg.DSN == "" {
		return nil, fmt.Errorf("dsn is empty")
	}

	db, err := sql.Open(driver, cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}

	db.SetMaxOpenConns(20)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(30 * time.Minute)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping db: %w", err)
	}

	var placeholder sq.PlaceholderFormat = sq.Question
	if driver == "postgres" {
		placeholder = sq.Dollar
	}

	return &SQLStore{
		db:            db,
		driver:        driver,
		sql:           sq.StatementBuilder.PlaceholderFormat(placeholder),
		limits:        cfg.Limits.withDefaults(),
		metrics:       cfg.Metrics,
		autoMigrate:   cfg.AutoMigrate,
		migrationsDir: cfg.MigrationsDir,
	}, nil
}

func normalizeDriver(driver string) string {
	d := strings.ToLower(strings.TrimSpace(driver))
	switch d {
	case "postgres", "pgx":
		return "postgres"
	case "sqlite", "sqlite3", "":
		return "sqlite"
	default:
		return d
	}
}

func (s *SQLStore) Init(ctx context.Context) error {
	s.initOnce.Do(func() {
		if !s.autoMigrate {
			return
		}
		switch s.driver {
		case "postgres":
			dir := s.migrationsDir
			if dir == "" {
				dir = "migrations"
			}
			if err := goose.SetDialect("postgres"); err != nil {
				s.initErr = fmt.Errorf("set goose dialect: %w", err)
				return
			}
			if err := goose.Up(s.db, dir); err != nil {
				s.initErr = fmt.Errorf("run migrations: %w", err)
			}
		case "sqlite":
			if err := initSQLiteSchema(ctx, s.db); err != nil {
				s.initErr = fmt.Errorf("init sqlite schema: %w", err)
			}
		default:
			s.initErr = fmt.Errorf("unsupported driver %q", s.driver)
		}
	})
	return s.initErr
}

func (s *SQLStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func initSQLiteSchema(ctx context.Context, db *sql.DB) error {
	const schema = `
CREATE TABLE IF NOT EXISTS sessions (
    id TEXT PRIMARY KEY,
    name TEXT NOT NULL,
    agent_id TEXT,
    created_at DATETIME NOT NULL,
    updated_at DATETIME NOT NULL
);
CREATE TABLE IF NOT EXISTS entries (
    id TEXT PRIMARY KEY,
    session_id TEXT NOT NULL,
    provider TEXT NOT NULL,
    model TEXT,
    preview TEXT NOT NULL DEFAULT '',
    status TEXT NOT NULL DEFAULT 'ok',
    params_json TEXT NOT NULL DEFAULT '{}',
    request_text TEXT,
    request_blob_id TEXT,
    response_text TEXT,
    response_blob_id TEXT,
    error_message TEXT,
    ideas_json TEXT,
    tokens_json TEXT,
    created_at DATETIME NOT NULL,
    updated_at DATETIME NOT NULL
);
CREATE TABLE IF NOT EXISTS blobs (
    id TEXT PRIMARY KEY,
    data TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_sessions_created_at ON sessions(created_at);
CREATE INDEX IF NOT EXISTS idx_sessions_name ON sessions(name);
CREATE INDEX IF NOT EXISTS idx_entries_session_created ON entries(session_id, created_at DESC);
CREATE INDEX IF NOT EXISTS idx_entries_created_at ON entries(created_at);
CREATE INDEX IF NOT EXISTS idx_entries_provider_model ON entries(provider, model);
`
	_, err := db.ExecContext(ctx, schema)
	return err
}

func (s *SQLStore) EnsureDefaultSession(ctx context.Context, name string) (Session, error) {
	if strings.TrimSpace(name) == "" {
		name = DefaultSessionName
	}

	s.mu.Lock()
	cachedID, cachedName := s.defaultID, s.defaultName
	s.mu.Unlock()
	if cachedID != "" && cachedName == name {
		sess, err := s.getSessionByID(ctx, cachedID)
		if err == nil {
			return sess, nil
		}
		if !errors.Is(err, ErrNotFound) {
			return Session{}, err
		}
	}

	sess, err := s.getSessionByName(ctx, name)
	if errors.Is(err, ErrNotFound) {
		sess, err = s.CreateSession(ctx, name, "")
	}
	if err != nil {
		return Session{}, err
	}

	s.mu.Lock()
	s.defaultID, s.defaultName = sess.ID, name
	s.mu.Unlock()
	return sess, nil
}

func (s *SQLStore) CreateSession(ctx context.Context, name, agentID string) (Session, error) {
	now := time.Now().UTC()
	sess := Session{
		ID:        uuid.NewString(),
		Name:      name,
		AgentID:   agentID,
		CreatedAt: now,
		UpdatedAt: now,
	}

	q := s.sql.Insert("sessions").
		Columns("id", "name", "agent_id", "created_at", "updated_at").
		Values(sess.ID, sess.Name, nullString(sess.AgentID), sess.CreatedAt, sess.UpdatedAt)
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return Session{}, fmt.Errorf("build create session query: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, sqlStr, args...); err != nil {
		return Session{}, fmt.Errorf("create session: %w", err)
	}
	return sess, nil
}

func (s *SQLStore) ListSessions(ctx context.Context) ([]Session, error) {
	q := s.sql.Select("id", "name", "agent_id", "created_at", "updated_at").
		From("sessions").
		OrderBy("updated_at DESC")
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build list sessions query: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, sqlStr, args...)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	out := make([]Session, 0)
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, sess)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate session rows: %w", err)
	}
	return out, nil
}

func (s *SQLStore) getSessionByID(ctx context.Context, id string) (Session, error) {
	return s.getSession(ctx, sq.Eq{"id": id})
}

func (s *SQLStore) getSessionByName(ctx context.Context, name string) (Session, error) {
	return s.getSession(ctx, sq.Eq{"name": name})
}

func (s *SQLStore) getSession(ctx context.Context, where sq.Sqlizer) (Session, error) {
	q := s.sql.Select("id", "name", "agent_id", "created_at", "updated_at").
		From("sessions").
		Where(where).
		OrderBy("created_at ASC").
		Limit(1)
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return Session{}, fmt.Errorf("build get session query: %w", err)
	}

	row := s.db.QueryRowContext(ctx, sqlStr, args...)
	sess, err := scanSession(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Session{}, ErrNotFound
		}
		return Session{}, err
	}
	return sess, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(r rowScanner) (Session, error) {
	var sess Session
	var agentID sql.NullString
	if err := r.Scan(&sess.ID, &sess.Name, &agentID, &sess.CreatedAt, &sess.UpdatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Session{}, err
		}
		return Session{}, fmt.Errorf("scan session row: %w", err)
	}
	if agentID.Valid {
		sess.AgentID = agentID.String
	}
	return sess, nil
}

func (s *SQLStore) SaveEntry(ctx context.Context, in SaveEntryInput) (EntryMeta, error) {
	sess, err := s.resolveSession(ctx, in)
	if err != nil {
		return EntryMeta{}, err
	}

	now := time.Now().UTC()
	status := in.Status
	if status == "" {
		status = StatusOK
	}

	meta := EntryMeta{
		ID:        uuid.NewString(),
		SessionID: sess.ID,
		Provider:  in.Provider,
		Model:     in.Model,
		Preview:   buildPreview(in.Ideas, in.RequestText, s.limits.Preview),
		Status:    status,
		CreatedAt: now,
		UpdatedAt: now,
		Tokens:    in.Tokens,
	}

	paramsJSON, err := marshalParams(in.Params)
	if err != nil {
		return EntryMeta{}, err
	}
	ideasJSON, err := marshalOptional(in.Ideas, len(in.Ideas) > 0)
	if err != nil {
		return EntryMeta{}, fmt.Errorf("marshal ideas: %w", err)
	}
	tokensJSON, err := marshalOptional(in.Tokens, in.Tokens != nil)
	if err != nil {
		return EntryMeta{}, fmt.Errorf("marshal tokens: %w", err)
	}

	requestInline, requestBlob := splitField(in.RequestText, s.limits.RequestInline)
	responseInline, responseBlob := splitField(in.ResponseText, s.limits.ResponseInline)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return EntryMeta{}, fmt.Errorf("begin save entry tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var requestBlobID, responseBlobID string
	if requestBlob != "" {
		requestBlobID = uuid.NewString()
		if err := s.insertBlob(ctx, tx, requestBlobID, requestBlob); err != nil {
			return EntryMeta{}, err
		}
	}
	if responseBlob != "" {
		responseBlobID = uuid.NewString()
		if err := s.insertBlob(ctx, tx, responseBlobID, responseBlob); err != nil {
			return EntryMeta{}, err
		}
	}

	insert := s.sql.Insert("entries").
		Columns(
			"id", "session_id", "provider", "model", "preview", "status",
			"params_json", "request_text", "request_blob_id",
			"response_text", "response_blob_id", "error_message",
			"ideas_json", "tokens_json", "created_at", "updated_at",
		).
		Values(
			meta.ID, meta.SessionID, meta.Provider, nullString(meta.Model), meta.Preview, meta.Status,
			paramsJSON, nullString(requestInline), nullString(requestBlobID),
			nullString(responseInline), nullString(responseBlobID), nullString(in.ErrorMessage),
			nullString(ideasJSON), nullString(tokensJSON), meta.CreatedAt, meta.UpdatedAt,
		)
	sqlStr, args, err := insert.ToSql()
	if err != nil {
		return EntryMeta{}, fmt.Errorf("build entry insert query: %w", err)
	}
	if _, err := tx.ExecContext(ctx, sqlStr, args...); err != nil {
		return EntryMeta{}, fmt.Errorf("insert entry: %w", err)
	}

	bump := s.sql.Update("sessions").
		Set("updated_at", now).
		Where(sq.Eq{"id": sess.ID})
	sqlStr, args, err = bump.ToSql()
	if err != nil {
		return EntryMeta{}, fmt.Errorf("build session bump query: %w", err)
	}
	res, err := tx.ExecContext(ctx, sqlStr, args...)
	if err != nil {
		return EntryMeta{}, fmt.Errorf("bump session timestamp: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return EntryMeta{}, ErrSessionMissing
	}

	if err := tx.Commit(); err != nil {
		return EntryMeta{}, fmt.Errorf("commit save entry tx: %w", err)
	}

	if s.metrics != nil {
		s.metrics.EntriesSaved.Inc()
		if requestBlobID != "" {
			s.metrics.BlobOffloads.Inc()
		}
		if responseBlobID != "" {
			s.metrics.BlobOffloads.Inc()
		}
	}
	return meta, nil
}

func (s *SQLStore) resolveSession(ctx context.Context, in SaveEntryInput) (Session, error) {
	switch {
	case in.SessionID != "":
		sess, err := s.getSessionByID(ctx, in.SessionID)
		if errors.Is(err, ErrNotFound) {
			return Session{}, ErrSessionMissing
		}
		return sess, err
	case in.SessionName != "":
		sess, err := s.getSessionByName(ctx, in.SessionName)
		if errors.Is(err, ErrNotFound) {
			return s.CreateSession(ctx, in.SessionName, "")
		}
		return sess, err
	default:
		return s.EnsureDefaultSession(ctx, DefaultSessionName)
	}
}

func (s *SQLStore) insertBlob(ctx context.Context, tx *sql.Tx, id, data string) error {
	q := s.sql.Insert("blobs").Columns("id", "data").Values(id, data)
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return fmt.Errorf("build blob insert query: %w", err)
	}
	if _, err := tx.ExecContext(ctx, sqlStr, args...); err != nil {
		return fmt.Errorf("insert blob: %w", err)
	}
	return nil
}

const defaultListLimit = 50

func (s *SQLStore) ListEntries(ctx context.Context, sessionID string, opts ListOptions) ([]EntryMeta, error) {
	limit := opts.Limit
	if limit <= 0 {
		limit = defaultListLimit
	}
	offset := opts.Offset
	if offset < 0 {
		offset = 0
	}

	q := s.sql.Select("id", "session_id", "provider", "model", "preview", "status", "tokens_json", "created_at", "updated_at").
		From("entries").
		Where(sq.Eq{"session_id": sessionID}).
		OrderBy("created_at DESC").
		Limit(uint64(limit)).
		Offset(uint64(offset))
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build list entries query: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, sqlStr, args...)
	if err != nil {
		return nil, fmt.Errorf("list entries: %w", err)
	}
	defer rows.Close()

	out := make([]EntryMeta, 0)
	for rows.Next() {
		var meta EntryMeta
		var model, tokensJSON sql.NullString
		if err := rows.Scan(&meta.ID, &meta.SessionID, &meta.Provider, &model, &meta.Preview, &meta.Status, &tokensJSON, &meta.CreatedAt, &meta.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan entry row: %w", err)
		}
		if model.Valid {
			meta.Model = model.String
		}
		if tokensJSON.Valid {
			meta.Tokens = unmarshalTokens(tokensJSON.String)
		}
		out = append(out, meta)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate entry rows: %w", err)
	}
	return out, nil
}

func (s *SQLStore) GetEntry(ctx context.Context, id string) (Entry, error) {
	q := s.sql.Select(
		"id", "session_id", "provider", "model", "preview", "status",
		"params_json", "request_text", "request_blob_id",
		"response_text", "response_blob_id", "error_message",
		"ideas_json", "tokens_json", "created_at", "updated_at",
	).From("entries").Where(sq.Eq{"id": id})
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return Entry{}, fmt.Errorf("build get entry query: %w", err)
	}

	var e Entry
	var model, paramsJSON, requestText, requestBlobID sql.NullString
	var responseText, responseBlobID, errorMessage, ideasJSON, tokensJSON sql.NullString
	if err := s.db.QueryRowContext(ctx, sqlStr, args...).Scan(
		&e.ID, &e.SessionID, &e.Provider, &model, &e.Preview, &e.Status,
		&paramsJSON, &requestText, &requestBlobID,
		&responseText, &responseBlobID, &errorMessage,
		&ideasJSON, &tokensJSON, &e.CreatedAt, &e.UpdatedAt,
	); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Entry{}, ErrNotFound
		}
		return Entry{}, fmt.Errorf("get entry: %w", err)
	}

	if model.Valid {
		e.Model = model.String
	}
	if errorMessage.Valid {
		e.ErrorMessage = errorMessage.String
	}
	if paramsJSON.Valid && paramsJSON.String != "" {
		if err := json.Unmarshal([]byte(paramsJSON.String), &e.Params); err != nil {
			return Entry{}, fmt.Errorf("unmarshal entry params: %w", err)
		}
	}
	if ideasJSON.Valid && ideasJSON.String != "" {
		if err := json.Unmarshal([]byte(ideasJSON.String), &e.Ideas); err != nil {
			return Entry{}, fmt.Errorf("unmarshal entry ideas: %w", err)
		}
	}
	if tokensJSON.Valid {
		e.Tokens = unmarshalTokens(tokensJSON.String)
	}
	if requestText.Valid {
		e.RequestText = requestText.String
	}
	if responseText.Valid {
		e.ResponseText = responseText.String
	}

	// Lazy blob hydration; a missing blob leaves the field empty rather
	// than failing the whole read.
	if requestBlobID.Valid {
		e.RequestBlobID = requestBlobID.String
		if data, err := s.getBlob(ctx, requestBlobID.String); err == nil {
			e.RequestText = data
		} else if !errors.Is(err, ErrNotFound) {
			return Entry{}, err
		}
	}
	if responseBlobID.Valid {
		e.ResponseBlobID = responseBlobID.String
		if data, err := s.getBlob(ctx, responseBlobID.String); err == nil {
			e.ResponseText = data
		} else if !errors.Is(err, ErrNotFound) {
			return Entry{}, err
		}
	}
	return e, nil
}

func (s *SQLStore) getBlob(ctx context.Context, id string) (string, error) {
	q := s.sql.Select("data").From("blobs").Where(sq.Eq{"id": id})
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return "", fmt.Errorf("build get blob query: %w", err)
	}
	var data string
	if err := s.db.QueryRowContext(ctx, sqlStr, args...).Scan(&data); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", ErrNotFound
		}
		return "", fmt.Errorf("get blob: %w", err)
	}
	return data, nil
}

func (s *SQLStore) DeleteEntry(ctx context.Context, id string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin delete entry tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	blobIDs, err := s.entryBlobIDs(ctx, tx, sq.Eq{"id": id})
	if err != nil {
		return err
	}
	if err := s.deleteBlobs(ctx, tx, blobIDs); err != nil {
		return err
	}

	q := s.sql.Delete("entries").Where(sq.Eq{"id": id})
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return fmt.Errorf("build delete entry query: %w", err)
	}
	res, err := tx.ExecContext(ctx, sqlStr, args...)
	if err != nil {
		return fmt.Errorf("delete entry: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrNotFound
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit delete entry tx: %w", err)
	}
	return nil
}

func (s *SQLStore) ClearSession(ctx context.Context, sessionID string) (int, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin clear session tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	count, err := s.clearSessionTx(ctx, tx, sessionID)
	if err != nil {
		return 0, err
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit clear session tx: %w", err)
	}
	return count, nil
}

func (s *SQLStore) DeleteSession(ctx context.Context, sessionID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin delete session tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := s.clearSessionTx(ctx, tx, sessionID); err != nil {
		return err
	}

	q := s.sql.Delete("sessions").Where(sq.Eq{"id": sessionID})
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return fmt.Errorf("build delete session query: %w", err)
	}
	res, err := tx.ExecContext(ctx, sqlStr, args...)
	if err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrNotFound
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit delete session tx: %w", err)
	}

	s.mu.Lock()
	if s.defaultID == sessionID {
		s.defaultID, s.defaultName = "", ""
	}
	s.mu.Unlock()
	return nil
}

// clearSessionTx removes a session's entries and their blobs (blobs
// cascade with their owning entries).
func (s *SQLStore) clearSessionTx(ctx context.Context, tx *sql.Tx, sessionID string) (int, error) {
	blobIDs, err := s.entryBlobIDs(ctx, tx, sq.Eq{"session_id": sessionID})
	if err != nil {
		return 0, err
	}
	if err := s.deleteBlobs(ctx, tx, blobIDs); err != nil {
		return 0, err
	}

	q := s.sql.Delete("entries").Where(sq.Eq{"session_id": sessionID})
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return 0, fmt.Errorf("build clear entries query: %w", err)
	}
	res, err := tx.ExecContext(ctx, sqlStr, args...)
	if err != nil {
		return 0, fmt.Errorf("clear entries: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("count cleared entries: %w", err)
	}
	return int(n), nil
}

func (s *SQLStore) entryBlobIDs(ctx context.Context, tx *sql.Tx, where sq.Sqlizer) ([]string, error) {
	q := s.sql.Select("request_blob_id", "response_blob_id").From("entries").Where(where)
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build blob ids query: %w", err)
	}
	rows, err := tx.QueryContext(ctx, sqlStr, args...)
	if err != nil {
		return nil, fmt.Errorf("select blob ids: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var req, resp sql.NullString
		if err := rows.Scan(&req, &resp); err != nil {
			return nil, fmt.Errorf("scan blob ids: %w", err)
		}
		if req.Valid && req.String != "" {
			ids = append(ids, req.String)
		}
		if resp.Valid && resp.String != "" {
			ids = append(ids, resp.String)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate blob id rows: %w", err)
	}
	return ids, nil
}

func (s *SQLStore) deleteBlobs(ctx context.Context, tx *sql.Tx, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	q := s.sql.Delete("blobs").Where(sq.Eq{"id": ids})
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return fmt.Errorf("build delete blobs query: %w", err)
	}
	if _, err := tx.ExecContext(ctx, sqlStr, args...); err != nil {
		return fmt.Errorf("delete blobs: %w", err)
	}
	return nil
}

// splitField keeps text at or under the limit inline; anything larger
// moves wholesale to the blob store.
func splitField(text string, limit int) (inline, blob string) {
	if text == "" {
		return "", ""
	}
	if utf8.RuneCountInString(text) <= limit {
		return text, ""
	}
	return "", text
}

func marshalParams(params map[string]any) (string, error) {
	if len(params) == 0 {
		return "{}", nil
	}
	b, err := json.Marshal(params)
	if err != nil {
		return "", fmt.Errorf("marshal entry params: %w", err)
	}
	return string(b), nil
}

func marshalOptional(v any, present bool) (string, error) {
	if !present {
		return "", nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func unmarshalTokens(raw string) *TokenUsage {
	if strings.TrimSpace(raw) == "" {
		return nil
	}
	var t TokenUsage
	if err := json.Unmarshal([]byte(raw), &t); err != nil {
		return nil
	}
	return &t
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}
