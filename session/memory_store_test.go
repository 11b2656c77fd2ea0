package session

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BaSui01/reviewflow/types"
)

func testInput() types.AnalysisInput {
	return types.AnalysisInput{
		Artifacts: []types.CodeArtifact{
			{Path: "main.go", Language: "go", Content: "package main\n"},
		},
	}
}

func TestMemoryStore_CreateAndGet(t *testing.T) {
	store := NewMemoryStore()
	defer store.Close()
	ctx := context.Background()

	id, err := store.Create(ctx, testInput())
	require.NoError(t, err)
	require.NotEmpty(t, id)

	sess, err := store.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, types.SessionInitializing, sess.Status)
	assert.Len(t, sess.Input.Artifacts, 1)
	assert.Empty(t, sess.Runs)
}

func TestMemoryStore_GetNotFound(t *testing.T) {
	store := NewMemoryStore()
	defer store.Close()

	_, err := store.Get(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryStore_ApplyStatusAndRun(t *testing.T) {
	store := NewMemoryStore()
	defer store.Close()
	ctx := context.Background()

	id, err := store.Create(ctx, testInput())
	require.NoError(t, err)

	running := types.SessionRunning
	sess, err := store.Apply(ctx, id, Delta{
		Status: &running,
		PutRun: &types.WorkerRun{
			SessionID: id,
			WorkerID:  "complexity",
			Status:    types.RunRunning,
		},
	})
	require.NoError(t, err)
	assert.Equal(t, types.SessionRunning, sess.Status)
	require.Len(t, sess.Runs, 1)
	assert.Equal(t, types.RunRunning, sess.Runs[0].Status)
}

func TestMemoryStore_ApplyIdempotent(t *testing.T) {
	store := NewMemoryStore()
	defer store.Close()
	ctx := context.Background()

	id, err := store.Create(ctx, testInput())
	require.NoError(t, err)

	delta := Delta{PutRun: &types.WorkerRun{
		SessionID:  id,
		WorkerID:   "security",
		Status:     types.RunSucceeded,
		Confidence: 0.9,
	}}

	first, err := store.Apply(ctx, id, delta)
	require.NoError(t, err)
	second, err := store.Apply(ctx, id, delta)
	require.NoError(t, err)

	// 同一 delta 应用两次不产生重复记录
	assert.Len(t, first.Runs, 1)
	assert.Len(t, second.Runs, 1)
	assert.Equal(t, first.Runs, second.Runs)
	assert.Equal(t, first.Status, second.Status)
}

func TestMemoryStore_ConcurrentApplies(t *testing.T) {
	store := NewMemoryStore()
	defer store.Close()
	ctx := context.Background()

	id, err := store.Create(ctx, testInput())
	require.NoError(t, err)

	const workers = 10
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			_, err := store.Apply(ctx, id, Delta{PutRun: &types.WorkerRun{
				SessionID: id,
				WorkerID:  fmt.Sprintf("worker-%d", n),
				Status:    types.RunSucceeded,
			}})
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	sess, err := store.Get(ctx, id)
	require.NoError(t, err)
	// 并发完成的 worker 不会互相覆盖
	assert.Len(t, sess.Runs, workers)
}

func TestMemoryStore_FinalizeConflict(t *testing.T) {
	store := NewMemoryStore()
	defer store.Close()
	ctx := context.Background()

	id, err := store.Create(ctx, testInput())
	require.NoError(t, err)

	report := &types.Report{SessionID: id, Summary: "ok", CreatedAt: time.Now()}
	sess, err := store.Finalize(ctx, id, report)
	require.NoError(t, err)
	assert.Equal(t, types.SessionCompleted, sess.Status)
	require.NotNil(t, sess.Report)

	_, err = store.Finalize(ctx, id, report)
	assert.ErrorIs(t, err, ErrConflict)
}

func TestMemoryStore_ApplyAfterFinalizeConflict(t *testing.T) {
	store := NewMemoryStore()
	defer store.Close()
	ctx := context.Background()

	id, err := store.Create(ctx, testInput())
	require.NoError(t, err)

	sess, err := store.Finalize(ctx, id, &types.Report{SessionID: id, Summary: "ok", CreatedAt: time.Now()})
	require.NoError(t, err)
	finalVersion := sess.Version

	running := types.SessionRunning
	_, err = store.Apply(ctx, id, Delta{Status: &running})
	assert.ErrorIs(t, err, ErrConflict)

	// 终稿原样留存
	got, err := store.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, types.SessionCompleted, got.Status)
	assert.Equal(t, finalVersion, got.Version)
	require.NotNil(t, got.Report)
}

func TestMemoryStore_FinalizeNotFound(t *testing.T) {
	store := NewMemoryStore()
	defer store.Close()

	_, err := store.Finalize(context.Background(), "missing", &types.Report{})
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryStore_GetReturnsCopy(t *testing.T) {
	store := NewMemoryStore()
	defer store.Close()
	ctx := context.Background()

	id, err := store.Create(ctx, testInput())
	require.NoError(t, err)

	sess, err := store.Get(ctx, id)
	require.NoError(t, err)
	sess.Status = types.SessionFailed

	again, err := store.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, types.SessionInitializing, again.Status)
}

func TestMemoryStore_ListFilter(t *testing.T) {
	store := NewMemoryStore()
	defer store.Close()
	ctx := context.Background()

	id1, err := store.Create(ctx, testInput())
	require.NoError(t, err)
	_, err = store.Create(ctx, testInput())
	require.NoError(t, err)

	failed := types.SessionFailed
	_, err = store.Apply(ctx, id1, Delta{Status: &failed})
	require.NoError(t, err)

	all, err := store.List(ctx, Filter{})
	require.NoError(t, err)
	assert.Len(t, all, 2)

	failedOnly, err := store.List(ctx, Filter{Status: types.SessionFailed})
	require.NoError(t, err)
	require.Len(t, failedOnly, 1)
	assert.Equal(t, id1, failedOnly[0].ID)

	limited, err := store.List(ctx, Filter{Limit: 1})
	require.NoError(t, err)
	assert.Len(t, limited, 1)
}

func TestMemoryStore_Closed(t *testing.T) {
	store := NewMemoryStore()
	require.NoError(t, store.Close())

	_, err := store.Create(context.Background(), testInput())
	assert.ErrorIs(t, err, ErrStoreClosed)
}
