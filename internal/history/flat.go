package history

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"grompt/internal/kv"
	"grompt/internal/metrics"
)

const DefaultHistoryKey = "grompt.history.v1"

// FlatStore is the fallback backend: all three collections serialized
// together under one key-value entry. Mutations build a new snapshot,
// persist it, and only then swap it in, so a failed write leaves the
// previous state intact.
type FlatStore struct {
	kv         kv.Store
	storageKey string
	limits     Limits
	metrics    *metrics.Metrics

	mu        sync.Mutex
	loaded    bool
	snap      snapshot
	defaultID string
}

type snapshot struct {
	Sessions []Session         `json:"sessions"`
	Entries  []Entry           `json:"entries"`
	Blobs    map[string]string `json:"blobs"`
}

type FlatOptions struct {
	StorageKey string
	Limits     Limits
	Metrics    *metrics.Metrics
}

func NewFlat(store kv.Store, opts FlatOptions) *FlatStore {
	if opts.StorageKey == "" {
		opts.StorageKey = DefaultHistoryKey
	}
	return &FlatStore{
		kv:         store,
		storageKey: opts.StorageKey,
		limits:     opts.Limits.withDefaults(),
		metrics:    opts.Metrics,
	}
}

var _ Store = (*FlatStore)(nil)

func (f *FlatStore) Init(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.loadLocked(ctx)
}

func (f *FlatStore) loadLocked(ctx context.Context) error {
	if f.loaded {
		return nil
	}
	raw, err := f.kv.Get(ctx, f.storageKey)
	if err != nil {
		if errors.Is(err, kv.ErrNotFound) {
			f.snap = snapshot{Blobs: map[string]string{}}
			f.loaded = true
			return nil
		}
		return fmt.Errorf("load history snapshot: %w", err)
	}
	// A corrupt snapshot starts the store empty rather than blocking it;
	// the next successful save replaces the stored value.
	var snap snapshot
	if err := json.Unmarshal(raw, &snap); err != nil {
		snap = snapshot{}
	}
	if snap.Blobs == nil {
		snap.Blobs = map[string]string{}
	}
	f.snap = snap
	f.loaded = true
	return nil
}

func (f *FlatStore) persistLocked(ctx context.Context, snap snapshot) error {
	raw, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("encode history snapshot: %w", err)
	}
	if err := f.kv.Set(ctx, f.storageKey, raw); err != nil {
		return fmt.Errorf("persist history snapshot: %w", err)
	}
	f.snap = snap
	return nil
}

func (f *FlatStore) Close() error { return nil }

func (f *FlatStore) EnsureDefaultSession(ctx context.Context, name string) (Session, error) {
	if strings.TrimSpace(name) == "" {
		name = DefaultSessionName
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.loadLocked(ctx); err != nil {
		return Session{}, err
	}

	if f.defaultID != "" {
		for _, sess := range f.snap.Sessions {
			if sess.ID == f.defaultID && sess.Name == name {
				return sess, nil
			}
		}
		f.defaultID = ""
	}

	var oldest *Session
	for i := range f.snap.Sessions {
		sess := &f.snap.Sessions[i]
		if sess.Name != name {
			continue
		}
		if oldest == nil || sess.CreatedAt.Before(oldest.CreatedAt) {
			oldest = sess
		}
	}
	if oldest != nil {
		f.defaultID = oldest.ID
		return *oldest, nil
	}

	sess, err := f.createSessionLocked(ctx, name, "")
	if err != nil {
		return Session{}, err
	}
	f.defaultID = sess.ID
	return sess, nil
}

func (f *FlatStore) CreateSession(ctx context.Context, name, agentID string) (Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.loadLocked(ctx); err != nil {
		return Session{}, err
	}
	return f.createSessionLocked(ctx, name, agentID)
}

func (f *FlatStore) createSessionLocked(ctx context.Context, name, agentID string) (Session, error) {
	now := time.Now().UTC()
	sess := Session{
		ID:        uuid.NewString(),
		Name:      name,
		AgentID:   agentID,
		CreatedAt: now,
		UpdatedAt: now,
	}
	next := f.snap
	next.Sessions = append(append([]Session{}, f.snap.Sessions...), sess)
	if err := f.persistLocked(ctx, next); err != nil {
		return Session{}, err
	}
	return sess, nil
}

func (f *FlatStore) ListSessions(ctx context.Context) ([]Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.loadLocked(ctx); err != nil {
		return nil, err
	}

	out := append([]Session{}, f.snap.Sessions...)
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].UpdatedAt.After(out[j].UpdatedAt)
	})
	return out, nil
}

func (f *FlatStore) SaveEntry(ctx context.Context, in SaveEntryInput) (EntryMeta, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.loadLocked(ctx); err != nil {
		return EntryMeta{}, err
	}

	next := snapshot{
		Sessions: append([]Session{}, f.snap.Sessions...),
		Entries:  append([]Entry{}, f.snap.Entries...),
		Blobs:    make(map[string]string, len(f.snap.Blobs)),
	}
	for id, data := range f.snap.Blobs {
		next.Blobs[id] = data
	}

	now := time.Now().UTC()
	sessIdx, err := resolveSnapshotSession(&next, in, now, &f.defaultID)
	if err != nil {
		return EntryMeta{}, err
	}

	status := in.Status
	if status == "" {
		status = StatusOK
	}
	meta := EntryMeta{
		ID:        uuid.NewString(),
		SessionID: next.Sessions[sessIdx].ID,
		Provider:  in.Provider,
		Model:     in.Model,
		Preview:   buildPreview(in.Ideas, in.RequestText, f.limits.Preview),
		Status:    status,
		CreatedAt: now,
		UpdatedAt: now,
		Tokens:    in.Tokens,
	}

	entry := Entry{
		EntryMeta:    meta,
		Params:       in.Params,
		ErrorMessage: in.ErrorMessage,
		Ideas:        in.Ideas,
	}

	blobOffloads := 0
	if inline, blob := splitField(in.RequestText, f.limits.RequestInline); blob != "" {
		entry.RequestBlobID = uuid.NewString()
		next.Blobs[entry.RequestBlobID] = blob
		blobOffloads++
	} else {
		entry.RequestText = inline
	}
	if inline, blob := splitField(in.ResponseText, f.limits.ResponseInline); blob != "" {
		entry.ResponseBlobID = uuid.NewString()
		next.Blobs[entry.ResponseBlobID] = blob
		blobOffloads++
	} else {
		entry.ResponseText = inline
	}

	next.Entries = append(next.Entries, entry)
	next.Sessions[sessIdx].UpdatedAt = now

	if err := f.persistLocked(ctx, next); err != nil {
		return EntryMeta{}, err
	}
	if f.metrics != nil {
		f.metrics.EntriesSaved.Inc()
		for i := 0; i < blobOffloads; i++ {
			f.metrics.BlobOffloads.Inc()
		}
	}
	return meta, nil
}

func resolveSnapshotSession(snap *snapshot, in SaveEntryInput, now time.Time, defaultID *string) (int, error) {
	switch {
	case in.SessionID != "":
		for i := range snap.Sessions {
			if snap.Sessions[i].ID == in.SessionID {
				return i, nil
			}
		}
		return 0, ErrSessionMissing
	case in.SessionName != "":
		for i := range snap.Sessions {
			if snap.Sessions[i].Name == in.SessionName {
				return i, nil
			}
		}
	default:
		if *defaultID != "" {
			for i := range snap.Sessions {
				if snap.Sessions[i].ID == *defaultID {
					return i, nil
				}
			}
		}
		oldest := -1
		for i := range snap.Sessions {
			if snap.Sessions[i].Name != DefaultSessionName {
				continue
			}
			if oldest < 0 || snap.Sessions[i].CreatedAt.Before(snap.Sessions[oldest].CreatedAt) {
				oldest = i
			}
		}
		if oldest >= 0 {
			*defaultID = snap.Sessions[oldest].ID
			return oldest, nil
		}
	}

	name := in.SessionName
	if name == "" {
		name = DefaultSessionName
	}
	sess := Session{
		ID:        uuid.NewString(),
		Name:      name,
		CreatedAt: now,
		UpdatedAt: now,
	}
	snap.Sessions = append(snap.Sessions, sess)
	if in.SessionName == "" {
		*defaultID = sess.ID
	}
	return len(snap.Sessions) - 1, nil
}

func (f *FlatStore) ListEntries(ctx context.Context, sessionID string, opts ListOptions) ([]EntryMeta, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.loadLocked(ctx); err != nil {
		return nil, err
	}

	matched := make([]EntryMeta, 0)
	for _, e := range f.snap.Entries {
		if e.SessionID == sessionID {
			matched = append(matched, e.EntryMeta)
		}
	}
	sort.SliceStable(matched, func(i, j int) bool {
		return matched[i].CreatedAt.After(matched[j].CreatedAt)
	})

	limit := opts.Limit
	if limit <= 0 {
		limit = defaultListLimit
	}
	offset := opts.Offset
	if offset < 0 {
		offset = 0
	}
	if offset >= len(matched) {
		return []EntryMeta{}, nil
	}
	end := offset + limit
	if end > len(matched) {
		end = len(matched)
	}
	return matched[offset:end], nil
}

func (f *FlatStore) GetEntry(ctx context.Context, id string) (Entry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.loadLocked(ctx); err != nil {
		return Entry{}, err
	}

	for _, e := range f.snap.Entries {
		if e.ID != id {
			continue
		}
		if e.RequestBlobID != "" {
			if data, ok := f.snap.Blobs[e.RequestBlobID]; ok {
				e.RequestText = data
			}
		}
		if e.ResponseBlobID != "" {
			if data, ok := f.snap.Blobs[e.ResponseBlobID]; ok {
				e.ResponseText = data
			}
		}
		return e, nil
	}
	return Entry{}, ErrNotFound
}

func (f *FlatStore) DeleteEntry(ctx context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.loadLocked(ctx); err != nil {
		return err
	}

	next := snapshot{
		Sessions: append([]Session{}, f.snap.Sessions...),
		Entries:  make([]Entry, 0, len(f.snap.Entries)),
		Blobs:    make(map[string]string, len(f.snap.Blobs)),
	}
	for k, v := range f.snap.Blobs {
		next.Blobs[k] = v
	}

	found := false
	for _, e := range f.snap.Entries {
		if e.ID == id {
			found = true
			delete(next.Blobs, e.RequestBlobID)
			delete(next.Blobs, e.ResponseBlobID)
			continue
		}
		next.Entries = append(next.Entries, e)
	}
	if !found {
		return ErrNotFound
	}
	return f.persistLocked(ctx, next)
}

func (f *FlatStore) ClearSession(ctx context.Context, sessionID string) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.loadLocked(ctx); err != nil {
		return 0, err
	}

	next, removed := f.snap.withoutSessionEntries(sessionID)
	if removed == 0 {
		return 0, nil
	}
	if err := f.persistLocked(ctx, next); err != nil {
		return 0, err
	}
	return removed, nil
}

func (f *FlatStore) DeleteSession(ctx context.Context, sessionID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.loadLocked(ctx); err != nil {
		return err
	}

	next, _ := f.snap.withoutSessionEntries(sessionID)
	found := false
	sessions := make([]Session, 0, len(next.Sessions))
	for _, sess := range next.Sessions {
		if sess.ID == sessionID {
			found = true
			continue
		}
		sessions = append(sessions, sess)
	}
	if !found {
		return ErrNotFound
	}
	next.Sessions = sessions

	if err := f.persistLocked(ctx, next); err != nil {
		return err
	}
	if f.defaultID == sessionID {
		f.defaultID = ""
	}
	return nil
}

func (s snapshot) withoutSessionEntries(sessionID string) (snapshot, int) {
	next := snapshot{
		Sessions: append([]Session{}, s.Sessions...),
		Entries:  make([]Entry, 0, len(s.Entries)),
		Blobs:    make(map[string]string, len(s.Blobs)),
	}
	for k, v := range s.Blobs {
		next.Blobs[k] = v
	}
	removed := 0
	for _, e := range s.Entries {
		if e.SessionID == sessionID {
			removed++
			delete(next.Blobs, e.RequestBlobID)
			delete(next.Blobs, e.ResponseBlobID)
			continue
		}
		next.Entries = append(next.Entries, e)
	}
	return next, removed
}
