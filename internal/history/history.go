package history

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/rs/zerolog"

	"grompt/internal/kv"
	"grompt/internal/metrics"
)

var (
	ErrNotFound       = errors.New("not found")
	ErrSessionMissing = errors.New("session not found")
)

// Store is the single interface over sessions and entries, implemented by
// the structured SQL backend and by the flat key-value fallback.
type Store interface {
	// Init is idempotent setup; concurrent callers converge on one
	// underlying connection.
	Init(ctx context.Context) error
	EnsureDefaultSession(ctx context.Context, name string) (Session, error)
	CreateSession(ctx context.Context, name, agentID string) (Session, error)
	ListSessions(ctx context.Context) ([]Session, error)
	SaveEntry(ctx context.Context, in SaveEntryInput) (EntryMeta, error)
	ListEntries(ctx context.Context, sessionID string, opts ListOptions) ([]EntryMeta, error)
	GetEntry(ctx context.Context, id string) (Entry, error)
	DeleteEntry(ctx context.Context, id string) error
	ClearSession(ctx context.Context, sessionID string) (int, error)
	DeleteSession(ctx context.Context, sessionID string) error
	Close() error
}

type Config struct {
	Driver        string
	DSN           string
	AutoMigrate   bool
	MigrationsDir string
	StorageKey    string
	KV            kv.Store
	Limits        Limits
	Metrics       *metrics.Metrics
	Logger        zerolog.Logger
}

// Open probes the structured SQL engine and falls back to the flat
// key-value backend when it is unavailable. The choice is made once per
// process lifetime.
func Open(ctx context.Context, cfg Config) (Store, error) {
	sqlStore, sqlErr := OpenSQL(ctx, SQLConfig{
		Driver:        cfg.Driver,
		DSN:           cfg.DSN,
		AutoMigrate:   cfg.AutoMigrate,
		MigrationsDir: cfg.MigrationsDir,
		Limits:        cfg.Limits,
		Metrics:       cfg.Metrics,
	})
	if sqlErr == nil {
		if sqlErr = sqlStore.Init(ctx); sqlErr == nil {
			if cfg.Metrics != nil {
				cfg.Metrics.FallbackActive.Set(0)
			}
			return sqlStore, nil
		}
		_ = sqlStore.Close()
	}

	if cfg.KV == nil {
		return nil, fmt.Errorf("open structured history store: %w", sqlErr)
	}
	cfg.Logger.Warn().Err(sqlErr).Msg("structured history engine unavailable, using flat key-value fallback")
	if cfg.Metrics != nil {
		cfg.Metrics.FallbackActive.Set(1)
	}
	flat := NewFlat(cfg.KV, FlatOptions{StorageKey: cfg.StorageKey, Limits: cfg.Limits, Metrics: cfg.Metrics})
	if err := flat.Init(ctx); err != nil {
		return nil, fmt.Errorf("init flat history store: %w", err)
	}
	return flat, nil
}

// buildPreview keeps list views cheap: ideas joined by a separator when
// present, otherwise the head of the raw request text.
func buildPreview(ideas []Idea, requestText string, limit int) string {
	if len(ideas) > 0 {
		parts := make([]string, 0, len(ideas))
		for _, idea := range ideas {
			if strings.TrimSpace(idea.Text) == "" {
				continue
			}
			parts = append(parts, idea.Text)
		}
		if len(parts) > 0 {
			return truncate(strings.Join(parts, " • "), limit)
		}
	}
	return truncate(requestText, limit)
}

func truncate(s string, limit int) string {
	if limit <= 0 {
		return s
	}
	r := []rune(s)
	if len(r) <= limit {
		return s
	}
	return string(r[:limit])
}
