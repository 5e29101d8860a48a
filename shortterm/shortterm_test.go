package shortterm

import (
	"context"
	"testing"
	"time"

	"github.com/brainwav/memcore/domain"
)

type fakePromoter struct {
	calls []domain.Record
}

func (f *fakePromoter) RunStore(_ context.Context, rec domain.Record) (domain.StoreResult, error) {
	f.calls = append(f.calls, rec)
	return domain.StoreResult{Record: rec}, nil
}

type fakeCheckpointLoader struct {
	byID map[string]domain.Checkpoint
}

func (f *fakeCheckpointLoader) Get(_ context.Context, id string) (domain.Checkpoint, error) {
	cp, ok := f.byID[id]
	if !ok {
		return domain.Checkpoint{}, domain.NewError(domain.KindNotFound, id, domain.ErrCheckpointNotFound)
	}
	return cp, nil
}

func TestStoreAndGetSessionPreservesOrder(t *testing.T) {
	l := New(nil, DefaultOptions())
	ctx := context.Background()

	if _, err := l.Store(ctx, "sess-1", "oil pressure low", 1, nil); err != nil {
		t.Fatalf("store: %v", err)
	}
	if _, err := l.Store(ctx, "sess-1", "coolant level nominal", 1, nil); err != nil {
		t.Fatalf("store: %v", err)
	}

	sess, ok := l.GetSession("sess-1")
	if !ok {
		t.Fatalf("expected session to exist")
	}
	if len(sess.Entries) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(sess.Entries))
	}
	if sess.Entries[0].Content != "oil pressure low" || sess.Entries[1].Content != "coolant level nominal" {
		t.Fatalf("expected insertion order preserved, got %+v", sess.Entries)
	}
}

func TestFlushExpiredRemovesStaleEntries(t *testing.T) {
	now := time.Now()
	clock := now
	opts := DefaultOptions()
	opts.TTL = time.Minute
	opts.Now = func() time.Time { return clock }

	l := New(nil, opts)
	ctx := context.Background()
	if _, err := l.Store(ctx, "sess-1", "v", 1, nil); err != nil {
		t.Fatalf("store: %v", err)
	}

	clock = now.Add(2 * time.Minute)
	removed, expired := l.FlushExpired()
	if removed != 1 {
		t.Fatalf("expected 1 removed, got %d", removed)
	}
	if len(expired) != 1 || expired[0].ID != "sess-1" {
		t.Fatalf("expected sess-1 reported expired, got %+v", expired)
	}
	if _, ok := l.GetSession("sess-1"); ok {
		t.Fatalf("expected session to be gone after expiry")
	}
}

func TestFlushExpiredNeverPromotes(t *testing.T) {
	fp := &fakePromoter{}
	now := time.Now()
	clock := now
	opts := DefaultOptions()
	opts.TTL = time.Minute
	opts.Now = func() time.Time { return clock }

	l := New(fp, opts)
	ctx := context.Background()
	if _, err := l.Store(ctx, "sess-1", "v", 1, nil); err != nil {
		t.Fatalf("store: %v", err)
	}

	clock = now.Add(2 * time.Minute)
	l.FlushExpired()
	if len(fp.calls) != 0 {
		t.Fatalf("expected flush_expired to never promote, got %d calls", len(fp.calls))
	}
}

// TestStorePromotesWholeSessionInOrder covers the maintainer-flagged
// regression: promotion must drain every entry of the session, in
// insertion order, and the session must stop existing afterward.
func TestStorePromotesWholeSessionInOrder(t *testing.T) {
	fp := &fakePromoter{}
	opts := DefaultOptions()
	opts.PromotionImportance = 8
	l := New(fp, opts)
	ctx := context.Background()

	if _, err := l.Store(ctx, "sess-1", "minor note", 2, nil); err != nil {
		t.Fatalf("store: %v", err)
	}
	if _, err := l.Store(ctx, "sess-1", "critical finding", 9, nil); err != nil {
		t.Fatalf("store: %v", err)
	}

	if len(fp.calls) != 2 {
		t.Fatalf("expected the whole session (2 entries) promoted, got %d calls", len(fp.calls))
	}
	if fp.calls[0].Content != "minor note" || fp.calls[1].Content != "critical finding" {
		t.Fatalf("expected entries promoted in insertion order, got %+v", fp.calls)
	}

	if sess, ok := l.GetSession("sess-1"); ok {
		t.Fatalf("expected session removed after promotion, got %+v", sess)
	}
}

func TestStoreDoesNotPromoteLowImportance(t *testing.T) {
	fp := &fakePromoter{}
	opts := DefaultOptions()
	opts.PromotionImportance = 8
	l := New(fp, opts)
	ctx := context.Background()

	if _, err := l.Store(ctx, "sess-1", "minor note", 2, nil); err != nil {
		t.Fatalf("store: %v", err)
	}
	if len(fp.calls) != 0 {
		t.Fatalf("expected no promotion, got %d calls", len(fp.calls))
	}
	if _, ok := l.GetSession("sess-1"); !ok {
		t.Fatalf("expected session to remain when nothing was promoted")
	}
}

func TestSnapshotReconstructsFromCheckpoint(t *testing.T) {
	cp := domain.Checkpoint{
		ID:     "ckpt_abc",
		Digest: "sha256:deadbeef",
		State: map[string]any{
			"scratch": map[string]any{
				"shortTerm": map[string]any{
					"sessionId": "sess-1",
					"entries": []any{
						map[string]any{"id": "e1", "content": "v1", "importance": float64(3)},
						map[string]any{"id": "e2", "content": "v2", "importance": float64(5)},
					},
				},
			},
		},
	}
	loader := &fakeCheckpointLoader{byID: map[string]domain.Checkpoint{"ckpt_abc": cp}}
	l := New(nil, DefaultOptions()).WithCheckpointLoader(loader)

	snap, err := l.Snapshot(context.Background(), "ckpt_abc")
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	if snap == nil {
		t.Fatalf("expected a snapshot")
	}
	if snap.SessionID != "sess-1" {
		t.Fatalf("unexpected session id: %+v", snap)
	}
	if len(snap.Entries) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(snap.Entries))
	}
	for _, e := range snap.Entries {
		if e.Pointer.CheckpointID != "ckpt_abc" || e.Pointer.Digest != "sha256:deadbeef" || e.Pointer.Layer != "short_term" {
			t.Fatalf("expected reversible pointer on every entry, got %+v", e.Pointer)
		}
	}
}

func TestSnapshotMissingScratchReturnsNil(t *testing.T) {
	cp := domain.Checkpoint{ID: "ckpt_empty", State: map[string]any{}}
	loader := &fakeCheckpointLoader{byID: map[string]domain.Checkpoint{"ckpt_empty": cp}}
	l := New(nil, DefaultOptions()).WithCheckpointLoader(loader)

	snap, err := l.Snapshot(context.Background(), "ckpt_empty")
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	if snap != nil {
		t.Fatalf("expected nil snapshot when checkpoint carries no scratch.shortTerm, got %+v", snap)
	}
}

func TestSnapshotUnknownCheckpointErrors(t *testing.T) {
	loader := &fakeCheckpointLoader{byID: map[string]domain.Checkpoint{}}
	l := New(nil, DefaultOptions()).WithCheckpointLoader(loader)

	if _, err := l.Snapshot(context.Background(), "ckpt_missing"); err == nil {
		t.Fatalf("expected an error for an unknown checkpoint id")
	}
}
