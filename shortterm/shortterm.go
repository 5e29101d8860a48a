// Package shortterm implements the in-RAM, per-session scratchpad layer
// (C6): TTL-bounded entries with promotion into durable storage via the
// write workflow (C5). There is no teacher precedent for in-process TTL
// state; this follows pkg/resilience.Breaker's mutex-guarded-struct with
// an injected clock for deterministic tests.
package shortterm

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/brainwav/memcore/domain"
)

// Promoter is the narrow slice of write.Service needed to promote a
// short-term entry into durable storage, kept separate to avoid an
// import cycle between shortterm and write.
type Promoter interface {
	RunStore(ctx context.Context, rec domain.Record) (domain.StoreResult, error)
}

// CheckpointLoader is the narrow slice of checkpoint.Engine needed to
// reconstruct a short-term snapshot from a saved checkpoint, kept separate
// to avoid an import cycle between shortterm and checkpoint.
type CheckpointLoader interface {
	Get(ctx context.Context, id string) (domain.Checkpoint, error)
}

// Options configures the short-term layer.
type Options struct {
	TTL                 time.Duration
	PromotionImportance int
	Now                 func() time.Time
}

// DefaultOptions mirrors config.Default's short-term fields.
func DefaultOptions() Options {
	return Options{TTL: 5 * time.Minute, PromotionImportance: 8, Now: time.Now}
}

// Layer is the C6 in-RAM session store: the single owner of the session
// map. Every mutation holds mu for its full duration.
type Layer struct {
	mu          sync.RWMutex
	sessions    map[string]*domain.Session
	promoter    Promoter
	checkpoints CheckpointLoader
	opts        Options
}

// New creates a short-term memory layer. promoter may be nil if the
// caller never wants automatic promotion (Store still succeeds; the
// importance-threshold promotion is simply skipped).
func New(promoter Promoter, opts Options) *Layer {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.TTL <= 0 {
		opts.TTL = DefaultOptions().TTL
	}
	if opts.PromotionImportance <= 0 {
		opts.PromotionImportance = DefaultOptions().PromotionImportance
	}
	return &Layer{
		sessions: make(map[string]*domain.Session),
		promoter: promoter,
		opts:     opts,
	}
}

// WithCheckpointLoader attaches the checkpoint engine used by Snapshot.
func (l *Layer) WithCheckpointLoader(loader CheckpointLoader) *Layer {
	l.checkpoints = loader
	return l
}

// StoreResult is returned by Store.
type StoreResult struct {
	ID        string
	SessionID string
	Layer     string
	StoredAt  time.Time
}

// Store appends a scratchpad entry for sessionID (creating the session if
// absent). If importance meets the configured promotion threshold, the
// whole session — not just this entry — is synchronously drained into
// durable storage via the write workflow, one RunStore call per entry in
// insertion order, and removed from the in-RAM map: directly after Store
// returns in that case, GetSession(sessionID) no longer reflects it.
func (l *Layer) Store(ctx context.Context, sessionID, content string, importance int, metadata map[string]any) (StoreResult, error) {
	now := l.opts.Now()
	entry := domain.ShortTermEntry{
		ID:         uuid.NewString(),
		Content:    content,
		Importance: importance,
		StoredAt:   now,
		Metadata:   metadata,
	}

	l.mu.Lock()
	sess, ok := l.sessions[sessionID]
	if !ok {
		sess = &domain.Session{ID: sessionID, CreatedAt: now}
		l.sessions[sessionID] = sess
	}
	sess.Entries = append(sess.Entries, entry)
	promote := importance >= l.opts.PromotionImportance
	l.mu.Unlock()

	if promote {
		if err := l.promoteSession(ctx, sessionID); err != nil {
			return StoreResult{}, err
		}
	}

	return StoreResult{ID: entry.ID, SessionID: sessionID, Layer: "short_term", StoredAt: now}, nil
}

// promoteSession removes sessionID from the map unconditionally — a failed
// promotion does not resurrect the session — then issues one RunStore per
// entry, in insertion order.
func (l *Layer) promoteSession(ctx context.Context, sessionID string) error {
	l.mu.Lock()
	sess, ok := l.sessions[sessionID]
	if ok {
		delete(l.sessions, sessionID)
	}
	l.mu.Unlock()

	if !ok || l.promoter == nil {
		return nil
	}

	for _, entry := range sess.Entries {
		rec := domain.Record{
			SessionID:  sessionID,
			Content:    entry.Content,
			Importance: entry.Importance,
			Metadata:   entry.Metadata,
		}
		if _, err := l.promoter.RunStore(ctx, rec); err != nil {
			return fmt.Errorf("shortterm: promote session %s: %w", sessionID, err)
		}
	}
	return nil
}

// GetSession returns a snapshot of a session's live (non-expired) entries,
// in insertion order. A session with zero live entries does not exist.
func (l *Layer) GetSession(sessionID string) (domain.Session, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	sess, ok := l.sessions[sessionID]
	if !ok {
		return domain.Session{}, false
	}
	now := l.opts.Now()
	live := liveEntries(sess.Entries, now, l.opts.TTL)
	if len(live) == 0 {
		return domain.Session{}, false
	}
	return domain.Session{ID: sess.ID, CreatedAt: sess.CreatedAt, Entries: live}, true
}

// FlushExpired removes every expired entry across all sessions in one
// now reading, and drops sessions left with zero live entries. Returns
// the count of entries removed and the sessions dropped entirely — the
// caller decides whether to promote them; flush_expired itself never does.
func (l *Layer) FlushExpired() (removed int, expired []domain.Session) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.opts.Now()
	for id, sess := range l.sessions {
		live := liveEntries(sess.Entries, now, l.opts.TTL)
		gone := len(sess.Entries) - len(live)
		if gone == 0 {
			continue
		}
		removed += gone
		if len(live) == 0 {
			expired = append(expired, domain.Session{ID: sess.ID, CreatedAt: sess.CreatedAt, Entries: sess.Entries})
			delete(l.sessions, id)
			continue
		}
		sess.Entries = live
	}
	return removed, expired
}

// Snapshot reconstructs a short-term session from a saved checkpoint's
// scratch.shortTerm substructure, per spec.md §4.2: each entry carries a
// reversible ShortTermPointer back to the checkpoint it came from. Returns
// (nil, nil) if the checkpoint has no such substructure.
func (l *Layer) Snapshot(ctx context.Context, checkpointID string) (*domain.ShortTermSnapshot, error) {
	if l.checkpoints == nil {
		return nil, domain.NewError(domain.KindNotFound, "no checkpoint loader configured", domain.ErrCheckpointNotFound)
	}
	cp, err := l.checkpoints.Get(ctx, checkpointID)
	if err != nil {
		return nil, err
	}

	scratch, ok := cp.State["scratch"].(map[string]any)
	if !ok {
		return nil, nil
	}
	shortTerm, ok := scratch["shortTerm"].(map[string]any)
	if !ok {
		return nil, nil
	}
	sessionID, _ := shortTerm["sessionId"].(string)
	rawEntries, _ := shortTerm["entries"].([]any)

	pointer := domain.ShortTermPointer{CheckpointID: cp.ID, Digest: cp.Digest, Layer: "short_term"}
	snap := &domain.ShortTermSnapshot{SessionID: sessionID}
	for _, raw := range rawEntries {
		m, ok := raw.(map[string]any)
		if !ok {
			continue
		}
		entry := domain.ShortTermEntry{
			ID:      stringField(m, "id"),
			Content: stringField(m, "content"),
		}
		if imp, ok := m["importance"].(float64); ok {
			entry.Importance = int(imp)
		}
		if meta, ok := m["metadata"].(map[string]any); ok {
			entry.Metadata = meta
		}
		snap.Entries = append(snap.Entries, domain.ShortTermSnapshotEntry{ShortTermEntry: entry, Pointer: pointer})
	}
	return snap, nil
}

func stringField(m map[string]any, key string) string {
	if v, ok := m[key].(string); ok {
		return v
	}
	return ""
}

func liveEntries(entries []domain.ShortTermEntry, now time.Time, ttl time.Duration) []domain.ShortTermEntry {
	live := make([]domain.ShortTermEntry, 0, len(entries))
	for _, e := range entries {
		if now.Sub(e.StoredAt) < ttl {
			live = append(live, e)
		}
	}
	return live
}
