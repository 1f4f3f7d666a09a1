package history

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/rs/zerolog"

	"grompt/internal/kv"
)

// LegacyKeys are the flat keys a pre-session version of the client wrote:
// one unscoped idea list and one last-generated-result value.
type LegacyKeys struct {
	Ideas   string
	Result  string
	Marker  string
	Session string
}

func (k LegacyKeys) withDefaults() LegacyKeys {
	if k.Ideas == "" {
		k.Ideas = "grompt.current-ideas"
	}
	if k.Result == "" {
		k.Result = "grompt.last-result"
	}
	if k.Marker == "" {
		k.Marker = "grompt.history.migrated.v1"
	}
	if k.Session == "" {
		k.Session = "Imported"
	}
	return k
}

// MigrateLegacy converts the legacy flat keys into one session with one
// entry. It runs on every start: a durable marker key makes it a no-op
// after the first successful run, even if something re-populates the
// legacy keys later. Only the legacy result key is deleted; other legacy
// preference keys are left untouched.
func MigrateLegacy(ctx context.Context, store Store, kvs kv.Store, keys LegacyKeys, logger zerolog.Logger) (bool, error) {
	keys = keys.withDefaults()

	if _, err := kvs.Get(ctx, keys.Marker); err == nil {
		return false, nil
	} else if !errors.Is(err, kv.ErrNotFound) {
		return false, fmt.Errorf("read migration marker: %w", err)
	}

	rawResult, err := kvs.Get(ctx, keys.Result)
	if err != nil {
		if errors.Is(err, kv.ErrNotFound) {
			if err := kvs.Set(ctx, keys.Marker, []byte("1")); err != nil {
				return false, fmt.Errorf("write migration marker: %w", err)
			}
			return false, nil
		}
		return false, fmt.Errorf("read legacy result: %w", err)
	}

	ideas := readLegacyIdeas(ctx, kvs, keys.Ideas)

	meta, err := store.SaveEntry(ctx, SaveEntryInput{
		SessionName:  keys.Session,
		Provider:     "unknown",
		Status:       StatusOK,
		Ideas:        ideas,
		ResponseText: string(rawResult),
	})
	if err != nil {
		return false, fmt.Errorf("save migrated entry: %w", err)
	}

	if err := kvs.Delete(ctx, keys.Result); err != nil {
		return false, fmt.Errorf("delete legacy result: %w", err)
	}
	if err := kvs.Set(ctx, keys.Marker, []byte("1")); err != nil {
		return false, fmt.Errorf("write migration marker: %w", err)
	}

	logger.Info().
		Str("entry_id", meta.ID).
		Str("session_id", meta.SessionID).
		Msg("migrated legacy history keys")
	return true, nil
}

// readLegacyIdeas tolerates both the structured idea list and a bare
// string; the legacy value is best-effort input, never a hard failure.
func readLegacyIdeas(ctx context.Context, kvs kv.Store, key string) []Idea {
	raw, err := kvs.Get(ctx, key)
	if err != nil {
		return nil
	}

	var ideas []Idea
	if err := json.Unmarshal(raw, &ideas); err == nil {
		return ideas
	}

	var texts []string
	if err := json.Unmarshal(raw, &texts); err == nil {
		out := make([]Idea, 0, len(texts))
		for i, t := range texts {
			if strings.TrimSpace(t) == "" {
				continue
			}
			out = append(out, Idea{ID: i + 1, Text: t})
		}
		return out
	}

	if text := strings.TrimSpace(string(raw)); text != "" {
		return []Idea{{ID: 1, Text: text}}
	}
	return nil
}
