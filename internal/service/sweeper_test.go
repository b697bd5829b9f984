package service

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/prn-tf/alexander-uploads/internal/domain"
	"github.com/prn-tf/alexander-uploads/internal/events"
	"github.com/prn-tf/alexander-uploads/internal/lock"
	"github.com/prn-tf/alexander-uploads/internal/storage"
)

func TestExpirySweeper_ExpiresAndPurges(t *testing.T) {
	env := newTestEnv(t, 1, 50*time.Millisecond)
	ctx := context.Background()
	f := newTestFile(2, "s")

	init, err := env.svc.InitUpload(ctx, f.initInput("owner-1"))
	require.NoError(t, err)
	env.putChunk(t, init.TaskID, f, 1)

	time.Sleep(100 * time.Millisecond)

	env.sweeper.config.Retention = time.Hour
	result := env.sweeper.RunOnce(ctx)
	require.Equal(t, 1, result.Expired)
	require.Zero(t, result.Purged)
	require.Zero(t, result.Errors)

	status, err := env.svc.GetTaskStatus(ctx, init.TaskID, "owner-1")
	require.NoError(t, err)
	require.Equal(t, domain.TaskStatusFailed, status.Status)
	require.Equal(t, domain.FailureReasonExpired, status.FailureReason)
	require.Zero(t, env.gateway.Len())
	require.Contains(t, env.publisher.types(), events.TypeExpired)

	count, err := env.repos.Guard.Count(ctx, "owner-1")
	require.NoError(t, err)
	require.Zero(t, count)

	time.Sleep(5 * time.Millisecond)

	env.sweeper.config.Retention = time.Millisecond
	result = env.sweeper.RunOnce(ctx)
	require.Zero(t, result.Expired)
	require.Equal(t, 1, result.Purged)

	_, err = env.svc.GetTaskStatus(ctx, init.TaskID, "owner-1")
	require.ErrorIs(t, err, domain.ErrTaskNotFound)
}

func TestExpirySweeper_PurgeRetriesLeftoverParts(t *testing.T) {
	var flaky *flakyGateway
	env := newTestEnv(t, 1, time.Hour, withFlakyGateway(&flaky))
	ctx := context.Background()
	f := newTestFile(2, "r")

	init, err := env.svc.InitUpload(ctx, f.initInput("owner-1"))
	require.NoError(t, err)
	reports := env.putAll(t, init.TaskID, f)
	task, err := env.repos.Tasks.GetByID(ctx, init.TaskID)
	require.NoError(t, err)
	part := storage.PartKey(env.config.PartPrefix, task.ObjectKey, 1)

	flaky.failDeletes.Store(true)
	_, err = env.svc.CompleteUpload(ctx, CompleteUploadInput{TaskID: init.TaskID, OwnerID: "owner-1", Chunks: reports})
	require.NoError(t, err)
	_, ok := env.gateway.Object(task.Bucket, part)
	require.True(t, ok)

	time.Sleep(5 * time.Millisecond)

	// The row stays while its parts cannot be removed.
	result := env.sweeper.RunOnce(ctx)
	require.Zero(t, result.Purged)
	require.Equal(t, 1, result.Skipped)
	status, err := env.svc.GetTaskStatus(ctx, init.TaskID, "owner-1")
	require.NoError(t, err)
	require.Equal(t, domain.TaskStatusCompleted, status.Status)

	flaky.failDeletes.Store(false)
	result = env.sweeper.RunOnce(ctx)
	require.Equal(t, 1, result.Purged)

	_, ok = env.gateway.Object(task.Bucket, part)
	require.False(t, ok)
	_, ok = env.gateway.Object(task.Bucket, task.ObjectKey)
	require.True(t, ok)
	_, err = env.svc.GetTaskStatus(ctx, init.TaskID, "owner-1")
	require.ErrorIs(t, err, domain.ErrTaskNotFound)
}

func TestExpirySweeper_LeavesLiveTasks(t *testing.T) {
	env := newTestEnv(t, 1, time.Hour)
	ctx := context.Background()

	init, err := env.svc.InitUpload(ctx, newTestFile(1, "a").initInput("owner-1"))
	require.NoError(t, err)

	result := env.sweeper.RunOnce(ctx)
	require.Zero(t, result.Expired)
	require.Zero(t, result.Purged)

	status, err := env.svc.GetTaskStatus(ctx, init.TaskID, "owner-1")
	require.NoError(t, err)
	require.Equal(t, domain.TaskStatusUploading, status.Status)
}

func TestExpirySweeper_SkipsLockedTask(t *testing.T) {
	env := newTestEnv(t, 1, 50*time.Millisecond)
	ctx := context.Background()

	init, err := env.svc.InitUpload(ctx, newTestFile(1, "b").initInput("owner-1"))
	require.NoError(t, err)
	time.Sleep(100 * time.Millisecond)

	held := lock.New(env.svc.locker, lock.Keys.TaskMutation(init.TaskID))
	ok, err := held.TryAcquire(ctx, time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	result := env.sweeper.RunOnce(ctx)
	require.Zero(t, result.Expired)
	require.Equal(t, 1, result.Skipped)

	require.NoError(t, held.Release(ctx))

	result = env.sweeper.RunOnce(ctx)
	require.Equal(t, 1, result.Expired)
}

func TestExpirySweeper_SingleRunner(t *testing.T) {
	env := newTestEnv(t, 1, time.Hour)
	ctx := context.Background()

	held := lock.New(env.svc.locker, lock.Keys.Sweeper())
	ok, err := held.TryAcquire(ctx, time.Minute)
	require.NoError(t, err)
	require.True(t, ok)
	defer held.Release(ctx)

	result := env.sweeper.RunOnce(ctx)
	require.Zero(t, result.Expired)
	require.Zero(t, result.Errors)
}

func TestExpirySweeper_StartStop(t *testing.T) {
	env := newTestEnv(t, 1, time.Hour)
	env.sweeper.config.Interval = 10 * time.Millisecond

	env.sweeper.Start()
	env.sweeper.Start()
	time.Sleep(30 * time.Millisecond)
	env.sweeper.Stop()
	env.sweeper.Stop()
}
