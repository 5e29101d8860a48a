// Package checkpoint implements the content-addressed checkpoint engine
// (C7): save/get/prune plus parent/branch lineage and rollback. The
// digest scheme (sha256:<hex>) is grounded on the LangGraph-Go
// Checkpoint.computeIdempotencyKey pattern — a SHA-256 hash of the
// checkpoint's canonical state, hex-encoded with a "sha256:" prefix.
package checkpoint

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/brainwav/memcore/domain"
	"github.com/brainwav/memcore/pkg/metrics"
	"github.com/brainwav/memcore/store"
)

var met = metrics.New()

var (
	mCheckpointsSaved  = met.Counter("memcore_checkpoint_saved_total", "Total checkpoints saved")
	mCheckpointsPruned = met.Counter("memcore_checkpoint_pruned_total", "Total checkpoints removed by retention pruning")
	mCheckpointsRemoved = met.Counter("memcore_checkpoint_removed_total", "Total checkpoints removed by explicit remove")
)

// Options configures checkpoint retention and branch policy.
type Options struct {
	RetentionMax int           // keep at most this many checkpoints per branch
	RetentionAge time.Duration // and prune anything older than this
	BranchBudget int           // max checkpoints a single branch() call may create
	Now          func() time.Time
}

// DefaultOptions mirrors config.Default's checkpoint fields.
func DefaultOptions() Options {
	return Options{RetentionMax: 20, RetentionAge: 24 * time.Hour, BranchBudget: 3, Now: time.Now}
}

// Engine is the C7 checkpoint service.
type Engine struct {
	records store.RecordStore
	opts    Options
}

// New creates a checkpoint Engine over the shared record store.
func New(records store.RecordStore, opts Options) *Engine {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.RetentionMax <= 0 {
		opts.RetentionMax = DefaultOptions().RetentionMax
	}
	if opts.BranchBudget <= 0 {
		opts.BranchBudget = DefaultOptions().BranchBudget
	}
	return &Engine{records: records, opts: opts}
}

// Save computes the content-addressed digest of state and persists a new
// checkpoint on branch, linked to parentID (empty for a root checkpoint).
// id and branch are normalized to carry the spec's "ckpt_"/"branch_"
// prefixes; size_bytes is the byte length of the serialized state.
func (e *Engine) Save(ctx context.Context, branch, parentID string, state map[string]any, labels []string) (domain.Checkpoint, error) {
	digest, sizeBytes, err := digestState(state)
	if err != nil {
		return domain.Checkpoint{}, domain.NewError(domain.KindInternal, "digest checkpoint state", err)
	}

	cp := domain.Checkpoint{
		ID:        withPrefix(uuid.NewString(), "ckpt_"),
		ParentID:  parentID,
		Branch:    withPrefix(branch, "branch_"),
		Labels:    labels,
		SizeBytes: sizeBytes,
		Digest:    digest,
		State:     state,
		CreatedAt: e.opts.Now(),
	}
	if err := e.records.PutCheckpoint(ctx, cp); err != nil {
		return domain.Checkpoint{}, err
	}
	mCheckpointsSaved.Inc()
	return cp, nil
}

// Get returns a checkpoint by id.
func (e *Engine) Get(ctx context.Context, id string) (domain.Checkpoint, error) {
	return e.records.GetCheckpoint(ctx, id)
}

// BranchResult is the {parent, branch_id, checkpoint_ids} shape returned by
// Branch.
type BranchResult struct {
	ParentID      string
	BranchID      string
	CheckpointIDs []string
}

// Branch implements branch({from, count, labels?}): it fails with NotFound
// if the parent is missing, enforces the branch budget, then allocates one
// fresh branch id shared by count new checkpoints. Each new checkpoint
// inherits the parent's meta but overrides id, parent (= from), branch,
// created_at, and labels (if provided); state is cloned by value.
func (e *Engine) Branch(ctx context.Context, from string, count int, labels []string) (BranchResult, error) {
	parent, err := e.records.GetCheckpoint(ctx, from)
	if err != nil {
		return BranchResult{}, err
	}

	if err := enforceBranchBudget(count, e.opts.BranchBudget); err != nil {
		return BranchResult{}, err
	}

	branchID := withPrefix(uuid.NewString(), "branch_")
	effectiveLabels := labels
	if effectiveLabels == nil {
		effectiveLabels = parent.Labels
	}

	ids := make([]string, 0, count)
	now := e.opts.Now()
	for i := 0; i < count; i++ {
		state := cloneState(parent.State)
		digest, sizeBytes, err := digestState(state)
		if err != nil {
			return BranchResult{}, domain.NewError(domain.KindInternal, "digest branched checkpoint state", err)
		}
		cp := domain.Checkpoint{
			ID:        withPrefix(uuid.NewString(), "ckpt_"),
			ParentID:  parent.ID,
			Branch:    branchID,
			Labels:    effectiveLabels,
			Score:     parent.Score,
			SizeBytes: sizeBytes,
			Digest:    digest,
			State:     state,
			CreatedAt: now,
		}
		if err := e.records.PutCheckpoint(ctx, cp); err != nil {
			return BranchResult{}, err
		}
		ids = append(ids, cp.ID)
	}
	mCheckpointsSaved.Add(int64(count))

	return BranchResult{ParentID: parent.ID, BranchID: branchID, CheckpointIDs: ids}, nil
}

func enforceBranchBudget(count, budget int) error {
	if count <= 0 || count > budget {
		return domain.NewError(domain.KindValidation,
			fmt.Sprintf("branch budget exceeded: requested %d, budget %d", count, budget), nil)
	}
	return nil
}

// Rollback returns the state of an ancestor checkpoint without mutating
// any stored checkpoint; callers apply the returned state themselves.
// Fails with NotFound if the checkpoint is missing.
func (e *Engine) Rollback(ctx context.Context, checkpointID string) (domain.Checkpoint, error) {
	return e.records.GetCheckpoint(ctx, checkpointID)
}

// List returns checkpoints across every branch, newest first, per
// list(limit, cursor?). cursor, when non-nil, is the oldest created_at
// returned by a previous page. nextCursor is the oldest created_at of the
// returned page, and is nil only when the page comes back empty.
func (e *Engine) List(ctx context.Context, limit int, cursor *time.Time) (items []domain.Checkpoint, nextCursor *time.Time, err error) {
	items, err = e.records.ListCheckpointsAll(ctx, limit, cursor)
	if err != nil {
		return nil, nil, err
	}
	if len(items) == 0 {
		return items, nil, nil
	}
	next := items[len(items)-1].CreatedAt
	return items, &next, nil
}

// Remove deletes a checkpoint by id, returning false (not an error) if it
// did not exist.
func (e *Engine) Remove(ctx context.Context, id string) (bool, error) {
	_, err := e.records.GetCheckpoint(ctx, id)
	if domain.IsNotFound(err) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if err := e.records.DeleteCheckpoint(ctx, id); err != nil {
		return false, err
	}
	mCheckpointsRemoved.Inc()
	return true, nil
}

// Prune applies the two-pass retention policy on a branch: checkpoints
// beyond RetentionMax (oldest first) and checkpoints older than
// RetentionAge are deleted in a single transaction, except the most
// recent checkpoint on the branch is always kept.
func (e *Engine) Prune(ctx context.Context, branch string) (int, error) {
	all, err := e.records.ListCheckpoints(ctx, branch, 1_000_000, 0)
	if err != nil {
		return 0, err
	}
	if len(all) <= 1 {
		return 0, nil
	}

	// ListCheckpoints returns newest-first; keep index 0 unconditionally.
	cutoff := e.opts.Now().Add(-e.opts.RetentionAge)
	var toDelete []string
	for i, cp := range all {
		if i == 0 {
			continue
		}
		if i >= e.opts.RetentionMax || cp.CreatedAt.Before(cutoff) {
			toDelete = append(toDelete, cp.ID)
		}
	}
	if len(toDelete) == 0 {
		return 0, nil
	}
	if err := e.records.DeleteCheckpoints(ctx, toDelete); err != nil {
		return 0, err
	}
	mCheckpointsPruned.Add(int64(len(toDelete)))
	return len(toDelete), nil
}

// withPrefix returns s unchanged if it already carries prefix, else
// prefix+s.
func withPrefix(s, prefix string) string {
	if strings.HasPrefix(s, prefix) {
		return s
	}
	return prefix + s
}

func cloneState(state map[string]any) map[string]any {
	out := make(map[string]any, len(state))
	for k, v := range state {
		out[k] = v
	}
	return out
}

// digestState hashes the canonical JSON encoding of state. Go's
// encoding/json sorts map keys on marshal, so a plain marshal of the
// state map is already canonical — no separate canonicalization pass
// is needed. size_bytes is the byte length of that serialized form.
func digestState(state map[string]any) (digest string, sizeBytes int64, err error) {
	b, err := json.Marshal(state)
	if err != nil {
		return "", 0, err
	}
	return domain.ContentDigest(string(b)), int64(len(b)), nil
}
