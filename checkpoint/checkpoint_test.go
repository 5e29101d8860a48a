package checkpoint

import (
	"context"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/brainwav/memcore/store"
)

func newTestEngine(t *testing.T, opts Options) (*Engine, store.RecordStore) {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return New(s, opts), s
}

func TestSaveAndGet(t *testing.T) {
	e, _ := newTestEngine(t, DefaultOptions())
	ctx := context.Background()

	cp, err := e.Save(ctx, "main", "", map[string]any{"step": 1}, nil)
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(cp.ID, "ckpt_"))
	require.True(t, strings.HasPrefix(cp.Branch, "branch_"))
	require.Contains(t, cp.Digest, "sha256:")
	require.Greater(t, cp.SizeBytes, int64(0))

	got, err := e.Get(ctx, cp.ID)
	require.NoError(t, err)
	require.Equal(t, cp.Digest, got.Digest)
}

func TestSaveIsDeterministicForSameState(t *testing.T) {
	e, _ := newTestEngine(t, DefaultOptions())
	ctx := context.Background()

	a, err := e.Save(ctx, "main", "", map[string]any{"step": 1, "name": "x"}, nil)
	require.NoError(t, err)
	b, err := e.Save(ctx, "main", "", map[string]any{"name": "x", "step": 1}, nil)
	require.NoError(t, err)
	require.Equal(t, a.Digest, b.Digest)
}

func TestSavePreservesAlreadyPrefixedIDsAndBranches(t *testing.T) {
	e, _ := newTestEngine(t, DefaultOptions())
	ctx := context.Background()

	cp, err := e.Save(ctx, "branch_experiment", "", map[string]any{"a": 1}, []string{"smoke"})
	require.NoError(t, err)
	require.Equal(t, "branch_experiment", cp.Branch)
	require.Equal(t, []string{"smoke"}, cp.Labels)
}

func TestRollbackReturnsAncestorStateWithoutMutating(t *testing.T) {
	e, _ := newTestEngine(t, DefaultOptions())
	ctx := context.Background()

	cp, err := e.Save(ctx, "main", "", map[string]any{"a": 1}, nil)
	require.NoError(t, err)

	back, err := e.Rollback(ctx, cp.ID)
	require.NoError(t, err)
	require.Equal(t, cp.ID, back.ID)

	again, err := e.Get(ctx, cp.ID)
	require.NoError(t, err)
	require.Equal(t, cp.Digest, again.Digest)
}

func TestRollbackMissingIsNotFound(t *testing.T) {
	e, _ := newTestEngine(t, DefaultOptions())
	_, err := e.Rollback(context.Background(), "ckpt_missing")
	require.Error(t, err)
}

func TestBranchAllocatesFreshBranchIDAndClonesState(t *testing.T) {
	e, _ := newTestEngine(t, DefaultOptions())
	ctx := context.Background()

	root, err := e.Save(ctx, "main", "", map[string]any{"a": 1, "b": 2}, nil)
	require.NoError(t, err)

	result, err := e.Branch(ctx, root.ID, 3, []string{"experiment"})
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(result.BranchID, "branch_"))
	require.Len(t, result.CheckpointIDs, 3)

	seen := map[string]bool{}
	for _, id := range result.CheckpointIDs {
		require.False(t, seen[id], "expected unique checkpoint ids")
		seen[id] = true

		cp, err := e.Get(ctx, id)
		require.NoError(t, err)
		require.Equal(t, result.BranchID, cp.Branch)
		require.Equal(t, root.ID, cp.ParentID)
		require.Equal(t, []string{"experiment"}, cp.Labels)
		require.Equal(t, float64(1), cp.State["a"])
		require.Equal(t, float64(2), cp.State["b"])
	}
}

func TestBranchInheritsParentLabelsWhenNoneProvided(t *testing.T) {
	e, _ := newTestEngine(t, DefaultOptions())
	ctx := context.Background()

	root, err := e.Save(ctx, "main", "", map[string]any{"a": 1}, []string{"baseline"})
	require.NoError(t, err)

	result, err := e.Branch(ctx, root.ID, 1, nil)
	require.NoError(t, err)

	cp, err := e.Get(ctx, result.CheckpointIDs[0])
	require.NoError(t, err)
	require.Equal(t, []string{"baseline"}, cp.Labels)
}

func TestBranchMissingParentIsNotFound(t *testing.T) {
	e, _ := newTestEngine(t, DefaultOptions())
	_, err := e.Branch(context.Background(), "ckpt_missing", 1, nil)
	require.Error(t, err)
}

// TestBranchBudgetEnforced mirrors spec.md's concrete scenario: policy
// branch_budget = 2, branch({from, count: 3}) must fail Validation with a
// message matching /branch budget/i.
func TestBranchBudgetEnforced(t *testing.T) {
	opts := DefaultOptions()
	opts.BranchBudget = 2
	e, _ := newTestEngine(t, opts)
	ctx := context.Background()

	root, err := e.Save(ctx, "main", "", map[string]any{}, nil)
	require.NoError(t, err)

	_, err = e.Branch(ctx, root.ID, 3, nil)
	require.Error(t, err)
	require.Regexp(t, "(?i)branch budget", err.Error())

	_, err = e.Branch(ctx, root.ID, 0, nil)
	require.Error(t, err)

	_, err = e.Branch(ctx, root.ID, -1, nil)
	require.Error(t, err)

	ok, err := e.Branch(ctx, root.ID, 2, nil)
	require.NoError(t, err)
	require.Len(t, ok.CheckpointIDs, 2)
}

func TestListOrdersNewestFirstAcrossBranches(t *testing.T) {
	now := time.Now()
	clock := now
	opts := DefaultOptions()
	opts.Now = func() time.Time { return clock }
	e, _ := newTestEngine(t, opts)
	ctx := context.Background()

	var saved []string
	for i := 0; i < 4; i++ {
		clock = now.Add(time.Duration(i) * time.Minute)
		branch := "main"
		if i%2 == 0 {
			branch = "side"
		}
		cp, err := e.Save(ctx, branch, "", map[string]any{"i": i}, nil)
		require.NoError(t, err)
		saved = append(saved, cp.ID)
	}

	page1, next, err := e.List(ctx, 2, nil)
	require.NoError(t, err)
	require.Len(t, page1, 2)
	require.Equal(t, saved[3], page1[0].ID)
	require.NotNil(t, next)

	page2, next2, err := e.List(ctx, 2, next)
	require.NoError(t, err)
	require.Len(t, page2, 2)
	require.Equal(t, saved[1], page2[0].ID)
	require.NotNil(t, next2)
}

func TestRemoveReturnsFalseWhenMissing(t *testing.T) {
	e, _ := newTestEngine(t, DefaultOptions())
	ok, err := e.Remove(context.Background(), "ckpt_missing")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestRemoveDeletesExistingCheckpoint(t *testing.T) {
	e, _ := newTestEngine(t, DefaultOptions())
	ctx := context.Background()

	cp, err := e.Save(ctx, "main", "", map[string]any{"a": 1}, nil)
	require.NoError(t, err)

	ok, err := e.Remove(ctx, cp.ID)
	require.NoError(t, err)
	require.True(t, ok)

	_, err = e.Get(ctx, cp.ID)
	require.Error(t, err)
}

func TestPruneKeepsMostRecentAndRespectsRetentionMax(t *testing.T) {
	now := time.Now()
	clock := now
	opts := DefaultOptions()
	opts.RetentionMax = 2
	opts.Now = func() time.Time { return clock }
	e, _ := newTestEngine(t, opts)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		clock = now.Add(time.Duration(i) * time.Minute)
		_, err := e.Save(ctx, "main", "", map[string]any{"step": i}, nil)
		require.NoError(t, err)
	}

	removed, err := e.Prune(ctx, "branch_main")
	require.NoError(t, err)
	require.Equal(t, 3, removed)
}

func TestPruneRespectsRetentionAge(t *testing.T) {
	now := time.Now()
	clock := now
	opts := DefaultOptions()
	opts.RetentionMax = 100
	opts.RetentionAge = 10 * time.Minute
	opts.Now = func() time.Time { return clock }
	e, _ := newTestEngine(t, opts)
	ctx := context.Background()

	clock = now.Add(-time.Hour)
	old, err := e.Save(ctx, "main", "", map[string]any{"step": "old"}, nil)
	require.NoError(t, err)
	_ = old

	clock = now
	_, err = e.Save(ctx, "main", "", map[string]any{"step": "new"}, nil)
	require.NoError(t, err)

	removed, err := e.Prune(ctx, "branch_main")
	require.NoError(t, err)
	require.Equal(t, 1, removed)
}

func TestPruneNoopWhenSingleCheckpoint(t *testing.T) {
	e, _ := newTestEngine(t, DefaultOptions())
	ctx := context.Background()

	_, err := e.Save(ctx, "main", "", map[string]any{"step": 1}, nil)
	require.NoError(t, err)

	removed, err := e.Prune(ctx, "branch_main")
	require.NoError(t, err)
	require.Equal(t, 0, removed)
}
