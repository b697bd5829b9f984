package service

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/prn-tf/alexander-uploads/internal/config"
	"github.com/prn-tf/alexander-uploads/internal/domain"
	"github.com/prn-tf/alexander-uploads/internal/events"
	"github.com/prn-tf/alexander-uploads/internal/lock"
	"github.com/prn-tf/alexander-uploads/internal/metrics"
	"github.com/prn-tf/alexander-uploads/internal/repository"
	"github.com/prn-tf/alexander-uploads/internal/repository/sqlite"
	"github.com/prn-tf/alexander-uploads/internal/storage"
	"github.com/prn-tf/alexander-uploads/internal/storage/memory"
)

// =============================================================================
// Test Fixtures
// =============================================================================

type recordingPublisher struct {
	mu     sync.Mutex
	events []events.Event
}

func (p *recordingPublisher) Publish(_ context.Context, evt events.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, evt)
	return nil
}

func (p *recordingPublisher) types() []events.Type {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]events.Type, 0, len(p.events))
	for _, e := range p.events {
		out = append(out, e.Type)
	}
	return out
}

type testEnv struct {
	svc       *UploadService
	sweeper   *ExpirySweeper
	repos     *repository.Repositories
	gateway   *memory.Gateway
	publisher *recordingPublisher
	config    UploadConfig
}

// envOption adjusts a testEnv before the service is built.
type envOption func(*envOptions)

type envOptions struct {
	wrapGateway func(*memory.Gateway) storage.Gateway
	wrapRepos   func(*repository.Repositories)
	configure   func(*UploadConfig)
}

func withGateway(wrap func(*memory.Gateway) storage.Gateway) envOption {
	return func(o *envOptions) { o.wrapGateway = wrap }
}

func withConfig(configure func(*UploadConfig)) envOption {
	return func(o *envOptions) { o.configure = configure }
}

func withRepos(wrap func(*repository.Repositories)) envOption {
	return func(o *envOptions) { o.wrapRepos = wrap }
}

// slowComposeGateway holds every compose for delay before running it.
type slowComposeGateway struct {
	*memory.Gateway
	delay time.Duration
}

func (g *slowComposeGateway) ComposeParts(ctx context.Context, bucket, key string, parts []storage.PartRef) error {
	time.Sleep(g.delay)
	return g.Gateway.ComposeParts(ctx, bucket, key, parts)
}

// flakyGateway refuses deletes or download URLs while the matching flag is set.
type flakyGateway struct {
	*memory.Gateway
	failDeletes atomic.Bool
	failURLs    atomic.Bool
}

func (g *flakyGateway) DeleteObject(ctx context.Context, bucket, key string) error {
	if g.failDeletes.Load() {
		return errors.New("delete refused")
	}
	return g.Gateway.DeleteObject(ctx, bucket, key)
}

func (g *flakyGateway) IssueDownloadURL(ctx context.Context, bucket, key string, ttl time.Duration) (*storage.PresignedURL, error) {
	if g.failURLs.Load() {
		return nil, errors.New("signer unavailable")
	}
	return g.Gateway.IssueDownloadURL(ctx, bucket, key, ttl)
}

func withFlakyGateway(out **flakyGateway) envOption {
	return withGateway(func(gw *memory.Gateway) storage.Gateway {
		*out = &flakyGateway{Gateway: gw}
		return *out
	})
}

// countingFiles counts stored file records.
type countingFiles struct {
	repository.FileRepository
	creates atomic.Int64
}

func (f *countingFiles) Create(ctx context.Context, file *domain.FileRecord) error {
	f.creates.Add(1)
	return f.FileRepository.Create(ctx, file)
}

func newTestEnv(t *testing.T, maxConcurrent int, taskTTL time.Duration, opts ...envOption) *testEnv {
	t.Helper()
	var o envOptions
	for _, opt := range opts {
		opt(&o)
	}
	ctx := context.Background()

	db, err := sqlite.NewDB(ctx, sqlite.DefaultConfig(":memory:"), zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	require.NoError(t, db.Migrate(ctx))
	repos := db.Repositories()
	if o.wrapRepos != nil {
		o.wrapRepos(repos)
	}

	gw := memory.NewGateway("")
	var backend storage.Gateway = gw
	if o.wrapGateway != nil {
		backend = o.wrapGateway(gw)
	}
	cleaner, err := storage.NewCleaner(backend, 4, zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = cleaner.Close(time.Second) })

	locker := lock.NewMemoryLocker()
	t.Cleanup(locker.Stop)

	m := metrics.New(prometheus.NewRegistry())
	publisher := &recordingPublisher{}

	policy := NewStaticPolicySource(config.UploadConfig{
		MinChunkSize:         1,
		MaxChunkSize:         1 << 20,
		MaxChunks:            1000,
		MaxFileSize:          1 << 30,
		AllowedExtensions:    []string{"mp4", ".bin", "txt"},
		MaxConcurrentUploads: maxConcurrent,
	})

	cfg := DefaultUploadConfig()
	cfg.TaskTTL = taskTTL
	cfg.PartURLTTL = 10 * time.Minute
	cfg.LockRetries = 500
	cfg.LockRetryDelay = 5 * time.Millisecond
	if o.configure != nil {
		o.configure(&cfg)
	}

	svc := NewUploadService(
		repos,
		NewDedupIndex(repos.Files, nil, backend, time.Minute, zerolog.Nop()),
		backend,
		cleaner,
		locker,
		policy,
		publisher,
		m,
		zerolog.Nop(),
		cfg,
	)

	sweeperCfg := DefaultSweeperConfig()
	sweeperCfg.Retention = time.Millisecond

	return &testEnv{
		svc:       svc,
		sweeper:   NewExpirySweeper(svc, locker, m, zerolog.Nop(), sweeperCfg),
		repos:     repos,
		gateway:   gw,
		publisher: publisher,
		config:    cfg,
	}
}

// testFile is split into fixed four byte chunks.
type testFile struct {
	chunks [][]byte
	hash   string
}

func newTestFile(total int, seed string) testFile {
	f := testFile{}
	var all []byte
	for i := 1; i <= total; i++ {
		chunk := []byte(fmt.Sprintf("%s%03d", seed, i))[:4]
		f.chunks = append(f.chunks, chunk)
		all = append(all, chunk...)
	}
	sum := md5.Sum(all)
	f.hash = hex.EncodeToString(sum[:])
	return f
}

func (f testFile) content() string {
	var b strings.Builder
	for _, c := range f.chunks {
		b.Write(c)
	}
	return b.String()
}

func (f testFile) initInput(owner string) InitUploadInput {
	return InitUploadInput{
		OwnerID:     owner,
		FileName:    "movie.mp4",
		FileSize:    int64(len(f.chunks) * 4),
		ContentHash: f.hash,
		ChunkSize:   4,
		TotalChunks: len(f.chunks),
		MimeType:    "video/mp4",
	}
}

// putChunk stands in for the client PUT to the presigned URL.
func (e *testEnv) putChunk(t *testing.T, taskID uuid.UUID, f testFile, n int) domain.ChunkReport {
	t.Helper()
	task, err := e.repos.Tasks.GetByID(context.Background(), taskID)
	require.NoError(t, err)
	key := storage.PartKey(e.config.PartPrefix, task.ObjectKey, n)
	etag := e.gateway.PutPart(task.Bucket, key, f.chunks[n-1])
	return domain.ChunkReport{ChunkNumber: n, ETag: etag}
}

func (e *testEnv) putAll(t *testing.T, taskID uuid.UUID, f testFile) []domain.ChunkReport {
	t.Helper()
	reports := make([]domain.ChunkReport, 0, len(f.chunks))
	for n := 1; n <= len(f.chunks); n++ {
		reports = append(reports, e.putChunk(t, taskID, f, n))
	}
	return reports
}

// =============================================================================
// Tests
// =============================================================================

func TestUploadService_ThirtyChunkUpload(t *testing.T) {
	env := newTestEnv(t, 5, time.Hour)
	ctx := context.Background()
	f := newTestFile(30, "v")

	init, err := env.svc.InitUpload(ctx, f.initInput("owner-1"))
	require.NoError(t, err)
	require.False(t, init.QuickUpload)
	require.Len(t, init.ChunkURLs, 30)
	for i, u := range init.ChunkURLs {
		require.Equal(t, i+1, u.ChunkNumber)
		require.NotEmpty(t, u.URL)
		require.False(t, u.ExpiresAt.After(init.TaskExpiresAt))
	}

	reports := env.putAll(t, init.TaskID, f)

	_, err = env.svc.CompleteUpload(ctx, CompleteUploadInput{TaskID: init.TaskID, OwnerID: "owner-1", Chunks: reports[:29]})
	require.ErrorIs(t, err, domain.ErrInvalidState)
	var incomplete *domain.IncompleteUploadError
	require.ErrorAs(t, err, &incomplete)
	require.Equal(t, 29, incomplete.Completed)
	require.Equal(t, []int{30}, incomplete.Missing)

	status, err := env.svc.GetTaskStatus(ctx, init.TaskID, "owner-1")
	require.NoError(t, err)
	require.Equal(t, domain.TaskStatusUploading, status.Status)
	require.Equal(t, 29, status.CompletedChunks)
	require.Equal(t, 96, status.ProgressPercent)

	out, err := env.svc.CompleteUpload(ctx, CompleteUploadInput{TaskID: init.TaskID, OwnerID: "owner-1", Chunks: reports[29:]})
	require.NoError(t, err)
	require.Equal(t, CompletionStatusSuccess, out.Status)
	require.NotEmpty(t, out.AccessURL)

	status, err = env.svc.GetTaskStatus(ctx, init.TaskID, "owner-1")
	require.NoError(t, err)
	require.Equal(t, domain.TaskStatusCompleted, status.Status)
	require.Equal(t, 100, status.ProgressPercent)
	require.Empty(t, status.MissingChunks)
	require.NotNil(t, status.FileID)
	require.Equal(t, out.FileID, *status.FileID)

	task, err := env.repos.Tasks.GetByID(ctx, init.TaskID)
	require.NoError(t, err)
	data, ok := env.gateway.Object(task.Bucket, task.ObjectKey)
	require.True(t, ok)
	require.Equal(t, f.content(), string(data))

	// Parts are removed once composed.
	_, ok = env.gateway.Object(task.Bucket, storage.PartKey(env.config.PartPrefix, task.ObjectKey, 1))
	require.False(t, ok)

	file, err := env.repos.Files.GetByID(ctx, out.FileID)
	require.NoError(t, err)
	require.Equal(t, f.hash, file.ContentHash)

	count, err := env.repos.Guard.Count(ctx, "owner-1")
	require.NoError(t, err)
	require.Zero(t, count)

	require.Contains(t, env.publisher.types(), events.TypeCompleted)
}

func TestUploadService_CompleteIsIdempotent(t *testing.T) {
	env := newTestEnv(t, 5, time.Hour)
	ctx := context.Background()
	f := newTestFile(3, "i")

	init, err := env.svc.InitUpload(ctx, f.initInput("owner-1"))
	require.NoError(t, err)
	reports := env.putAll(t, init.TaskID, f)

	first, err := env.svc.CompleteUpload(ctx, CompleteUploadInput{TaskID: init.TaskID, OwnerID: "owner-1", Chunks: reports})
	require.NoError(t, err)

	second, err := env.svc.CompleteUpload(ctx, CompleteUploadInput{TaskID: init.TaskID, OwnerID: "owner-1"})
	require.NoError(t, err)
	require.Equal(t, first.FileID, second.FileID)
	require.Equal(t, int64(1), env.gateway.ComposeCalls())
}

func TestUploadService_ConcurrentCompleteComposesOnce(t *testing.T) {
	env := newTestEnv(t, 5, time.Hour)
	ctx := context.Background()
	f := newTestFile(4, "c")

	init, err := env.svc.InitUpload(ctx, f.initInput("owner-1"))
	require.NoError(t, err)
	reports := env.putAll(t, init.TaskID, f)

	const callers = 6
	var wg sync.WaitGroup
	results := make([]*CompleteUploadOutput, callers)
	errs := make([]error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = env.svc.CompleteUpload(ctx, CompleteUploadInput{TaskID: init.TaskID, OwnerID: "owner-1", Chunks: reports})
		}(i)
	}
	wg.Wait()

	for i := 0; i < callers; i++ {
		require.NoError(t, errs[i])
		require.Equal(t, results[0].FileID, results[i].FileID)
	}
	require.Equal(t, int64(1), env.gateway.ComposeCalls())
}

func TestUploadService_SlowComposeKeepsLock(t *testing.T) {
	env := newTestEnv(t, 5, time.Hour,
		withGateway(func(gw *memory.Gateway) storage.Gateway {
			return &slowComposeGateway{Gateway: gw, delay: 300 * time.Millisecond}
		}),
		withConfig(func(c *UploadConfig) { c.LockTTL = 100 * time.Millisecond }),
	)
	ctx := context.Background()
	f := newTestFile(3, "w")

	init, err := env.svc.InitUpload(ctx, f.initInput("owner-1"))
	require.NoError(t, err)
	reports := env.putAll(t, init.TaskID, f)

	var wg sync.WaitGroup
	results := make([]*CompleteUploadOutput, 2)
	errs := make([]error, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = env.svc.CompleteUpload(ctx, CompleteUploadInput{TaskID: init.TaskID, OwnerID: "owner-1", Chunks: reports})
		}(i)
		time.Sleep(20 * time.Millisecond)
	}
	wg.Wait()

	require.NoError(t, errs[0])
	require.NoError(t, errs[1])
	require.Equal(t, results[0].FileID, results[1].FileID)
	require.Equal(t, int64(1), env.gateway.ComposeCalls())
}

func TestUploadService_CompleteSurvivesCallerCancel(t *testing.T) {
	env := newTestEnv(t, 5, time.Hour,
		withGateway(func(gw *memory.Gateway) storage.Gateway {
			return &slowComposeGateway{Gateway: gw, delay: 100 * time.Millisecond}
		}),
	)
	f := newTestFile(2, "k")

	init, err := env.svc.InitUpload(context.Background(), f.initInput("owner-1"))
	require.NoError(t, err)
	reports := env.putAll(t, init.TaskID, f)

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(20*time.Millisecond, cancel)
	out, err := env.svc.CompleteUpload(ctx, CompleteUploadInput{TaskID: init.TaskID, OwnerID: "owner-1", Chunks: reports})
	require.NoError(t, err)

	status, err := env.svc.GetTaskStatus(context.Background(), init.TaskID, "owner-1")
	require.NoError(t, err)
	require.Equal(t, domain.TaskStatusCompleted, status.Status)
	require.Equal(t, out.FileID, *status.FileID)
}

func TestUploadService_CancelThenComplete(t *testing.T) {
	env := newTestEnv(t, 5, time.Hour)
	ctx := context.Background()
	f := newTestFile(2, "x")

	init, err := env.svc.InitUpload(ctx, f.initInput("owner-1"))
	require.NoError(t, err)
	reports := env.putAll(t, init.TaskID, f)

	require.NoError(t, env.svc.CancelUpload(ctx, init.TaskID, "owner-1"))

	_, err = env.svc.CompleteUpload(ctx, CompleteUploadInput{TaskID: init.TaskID, OwnerID: "owner-1", Chunks: reports})
	require.ErrorIs(t, err, domain.ErrInvalidState)

	require.ErrorIs(t, env.svc.CancelUpload(ctx, init.TaskID, "owner-1"), domain.ErrInvalidState)

	status, err := env.svc.GetTaskStatus(ctx, init.TaskID, "owner-1")
	require.NoError(t, err)
	require.Equal(t, domain.TaskStatusCancelled, status.Status)
	require.Zero(t, env.gateway.ComposeCalls())
	require.Zero(t, env.gateway.Len())
	require.Contains(t, env.publisher.types(), events.TypeCancelled)
}

func TestUploadService_QuickUpload(t *testing.T) {
	env := newTestEnv(t, 1, time.Hour)
	ctx := context.Background()
	f := newTestFile(2, "q")

	init, err := env.svc.InitUpload(ctx, f.initInput("owner-1"))
	require.NoError(t, err)
	original, err := env.svc.CompleteUpload(ctx, CompleteUploadInput{
		TaskID: init.TaskID, OwnerID: "owner-1", Chunks: env.putAll(t, init.TaskID, f),
	})
	require.NoError(t, err)
	objects := env.gateway.Len()

	// Owner 2 holds an open task so its only slot is taken; quick uploads
	// must not need one.
	other := newTestFile(2, "o")
	_, err = env.svc.InitUpload(ctx, other.initInput("owner-2"))
	require.NoError(t, err)

	for i := 0; i < 2; i++ {
		input := f.initInput("owner-2")
		input.FileName = fmt.Sprintf("copy-%d.mp4", i)
		input.ContentHash = strings.ToUpper(f.hash)

		quick, err := env.svc.InitUpload(ctx, input)
		require.NoError(t, err)
		require.True(t, quick.QuickUpload)
		require.NotEqual(t, original.FileID, quick.FileID)
		require.NotEmpty(t, quick.AccessURL)
		require.Empty(t, quick.ChunkURLs)

		ref, err := env.repos.Files.GetByID(ctx, original.FileID)
		require.NoError(t, err)
		file, err := env.repos.Files.GetByID(ctx, quick.FileID)
		require.NoError(t, err)
		require.Equal(t, ref.ObjectKey, file.ObjectKey)
		require.Equal(t, "owner-2", file.OwnerID)
	}

	require.Equal(t, objects, env.gateway.Len())
	count, err := env.repos.Guard.Count(ctx, "owner-2")
	require.NoError(t, err)
	require.Equal(t, 1, count)
	require.Contains(t, env.publisher.types(), events.TypeQuick)
}

func TestUploadService_QuickUploadURLFailureStoresNothing(t *testing.T) {
	var flaky *flakyGateway
	var files *countingFiles
	env := newTestEnv(t, 5, time.Hour,
		withFlakyGateway(&flaky),
		withRepos(func(r *repository.Repositories) {
			files = &countingFiles{FileRepository: r.Files}
			r.Files = files
		}),
	)
	ctx := context.Background()
	f := newTestFile(2, "u")

	init, err := env.svc.InitUpload(ctx, f.initInput("owner-1"))
	require.NoError(t, err)
	_, err = env.svc.CompleteUpload(ctx, CompleteUploadInput{
		TaskID: init.TaskID, OwnerID: "owner-1", Chunks: env.putAll(t, init.TaskID, f),
	})
	require.NoError(t, err)
	stored := files.creates.Load()

	flaky.failURLs.Store(true)
	_, err = env.svc.InitUpload(ctx, f.initInput("owner-2"))
	require.ErrorIs(t, err, domain.ErrStorage)
	require.Equal(t, stored, files.creates.Load())

	flaky.failURLs.Store(false)
	quick, err := env.svc.InitUpload(ctx, f.initInput("owner-2"))
	require.NoError(t, err)
	require.True(t, quick.QuickUpload)
	require.Equal(t, stored+1, files.creates.Load())
}

func TestUploadService_QuickUploadSkipsMissingObject(t *testing.T) {
	env := newTestEnv(t, 5, time.Hour)
	ctx := context.Background()
	f := newTestFile(1, "m")

	init, err := env.svc.InitUpload(ctx, f.initInput("owner-1"))
	require.NoError(t, err)
	_, err = env.svc.CompleteUpload(ctx, CompleteUploadInput{
		TaskID: init.TaskID, OwnerID: "owner-1", Chunks: env.putAll(t, init.TaskID, f),
	})
	require.NoError(t, err)

	task, err := env.repos.Tasks.GetByID(ctx, init.TaskID)
	require.NoError(t, err)
	require.NoError(t, env.gateway.DeleteObject(ctx, task.Bucket, task.ObjectKey))

	again, err := env.svc.InitUpload(ctx, f.initInput("owner-1"))
	require.NoError(t, err)
	require.False(t, again.QuickUpload)
	require.Len(t, again.ChunkURLs, 1)
}

func TestUploadService_ConcurrencyLimit(t *testing.T) {
	env := newTestEnv(t, 2, time.Hour)
	ctx := context.Background()

	var tasks []uuid.UUID
	for i := 0; i < 2; i++ {
		out, err := env.svc.InitUpload(ctx, newTestFile(1, fmt.Sprintf("l%d", i)).initInput("owner-1"))
		require.NoError(t, err)
		tasks = append(tasks, out.TaskID)
	}

	third := newTestFile(1, "l9").initInput("owner-1")
	_, err := env.svc.InitUpload(ctx, third)
	require.ErrorIs(t, err, domain.ErrConcurrencyLimitExceeded)

	// Another owner is unaffected.
	_, err = env.svc.InitUpload(ctx, newTestFile(1, "z").initInput("owner-2"))
	require.NoError(t, err)

	require.NoError(t, env.svc.CancelUpload(ctx, tasks[0], "owner-1"))

	_, err = env.svc.InitUpload(ctx, third)
	require.NoError(t, err)
}

func TestUploadService_ComposeFailure(t *testing.T) {
	env := newTestEnv(t, 1, time.Hour)
	ctx := context.Background()
	f := newTestFile(3, "f")

	init, err := env.svc.InitUpload(ctx, f.initInput("owner-1"))
	require.NoError(t, err)
	reports := env.putAll(t, init.TaskID, f)

	env.gateway.FailCompose(errors.New("backend unavailable"))
	_, err = env.svc.CompleteUpload(ctx, CompleteUploadInput{TaskID: init.TaskID, OwnerID: "owner-1", Chunks: reports})
	require.ErrorIs(t, err, domain.ErrStorage)

	status, err := env.svc.GetTaskStatus(ctx, init.TaskID, "owner-1")
	require.NoError(t, err)
	require.Equal(t, domain.TaskStatusFailed, status.Status)
	require.Equal(t, domain.FailureReasonCompose, status.FailureReason)
	require.Nil(t, status.FileID)

	// The slot was released.
	env.gateway.FailCompose(nil)
	_, err = env.svc.InitUpload(ctx, newTestFile(1, "n").initInput("owner-1"))
	require.NoError(t, err)
	require.Contains(t, env.publisher.types(), events.TypeFailed)
}

func TestUploadService_ComposeMarksMismatchedChunk(t *testing.T) {
	env := newTestEnv(t, 1, time.Hour)
	ctx := context.Background()
	f := newTestFile(3, "p")

	init, err := env.svc.InitUpload(ctx, f.initInput("owner-1"))
	require.NoError(t, err)
	reports := env.putAll(t, init.TaskID, f)

	// The client overwrote chunk 2 after reporting it.
	task, err := env.repos.Tasks.GetByID(ctx, init.TaskID)
	require.NoError(t, err)
	env.gateway.PutPart(task.Bucket, storage.PartKey(env.config.PartPrefix, task.ObjectKey, 2), []byte("zzzz"))

	_, err = env.svc.CompleteUpload(ctx, CompleteUploadInput{TaskID: init.TaskID, OwnerID: "owner-1", Chunks: reports})
	require.ErrorIs(t, err, domain.ErrStorage)

	status, err := env.svc.GetTaskStatus(ctx, init.TaskID, "owner-1")
	require.NoError(t, err)
	require.Equal(t, domain.TaskStatusFailed, status.Status)
	require.Equal(t, []int{2}, status.FailedChunks)
	require.Equal(t, []int{2}, status.MissingChunks)
	require.Equal(t, 2, status.CompletedChunks)
}

func TestUploadService_CompleteRejectsMissingETag(t *testing.T) {
	env := newTestEnv(t, 5, time.Hour)
	ctx := context.Background()
	f := newTestFile(2, "e")

	init, err := env.svc.InitUpload(ctx, f.initInput("owner-1"))
	require.NoError(t, err)

	_, err = env.svc.CompleteUpload(ctx, CompleteUploadInput{
		TaskID:  init.TaskID,
		OwnerID: "owner-1",
		Chunks:  []domain.ChunkReport{{ChunkNumber: 1}},
	})
	require.ErrorIs(t, err, domain.ErrValidation)

	// Out-of-range chunk numbers are ignored.
	_, err = env.svc.CompleteUpload(ctx, CompleteUploadInput{
		TaskID:  init.TaskID,
		OwnerID: "owner-1",
		Chunks:  []domain.ChunkReport{{ChunkNumber: 7, ETag: "abc"}},
	})
	var incomplete *domain.IncompleteUploadError
	require.ErrorAs(t, err, &incomplete)
	require.Equal(t, 0, incomplete.Completed)
}

func TestUploadService_Ownership(t *testing.T) {
	env := newTestEnv(t, 5, time.Hour)
	ctx := context.Background()

	init, err := env.svc.InitUpload(ctx, newTestFile(1, "w").initInput("owner-1"))
	require.NoError(t, err)

	_, err = env.svc.GetTaskStatus(ctx, init.TaskID, "intruder")
	require.ErrorIs(t, err, domain.ErrForbidden)
	require.ErrorIs(t, env.svc.CancelUpload(ctx, init.TaskID, "intruder"), domain.ErrForbidden)

	_, err = env.svc.GetTaskStatus(ctx, uuid.New(), "owner-1")
	require.ErrorIs(t, err, domain.ErrTaskNotFound)
}

func TestUploadService_ReissueChunkURL(t *testing.T) {
	env := newTestEnv(t, 5, time.Hour)
	ctx := context.Background()
	f := newTestFile(3, "r")

	init, err := env.svc.InitUpload(ctx, f.initInput("owner-1"))
	require.NoError(t, err)

	url, err := env.svc.ReissueChunkURL(ctx, init.TaskID, "owner-1", 2)
	require.NoError(t, err)
	require.Equal(t, 2, url.ChunkNumber)
	require.NotEmpty(t, url.URL)

	_, err = env.svc.ReissueChunkURL(ctx, init.TaskID, "owner-1", 4)
	require.ErrorIs(t, err, domain.ErrChunkNotFound)

	_, err = env.svc.CompleteUpload(ctx, CompleteUploadInput{
		TaskID:  init.TaskID,
		OwnerID: "owner-1",
		Chunks:  []domain.ChunkReport{env.putChunk(t, init.TaskID, f, 1)},
	})
	require.ErrorIs(t, err, domain.ErrInvalidState)

	_, err = env.svc.ReissueChunkURL(ctx, init.TaskID, "owner-1", 1)
	require.ErrorIs(t, err, domain.ErrInvalidState)
}

func TestUploadService_CompleteExpiredTask(t *testing.T) {
	env := newTestEnv(t, 1, 50*time.Millisecond)
	ctx := context.Background()
	f := newTestFile(1, "t")

	init, err := env.svc.InitUpload(ctx, f.initInput("owner-1"))
	require.NoError(t, err)
	reports := env.putAll(t, init.TaskID, f)

	time.Sleep(100 * time.Millisecond)

	_, err = env.svc.CompleteUpload(ctx, CompleteUploadInput{TaskID: init.TaskID, OwnerID: "owner-1", Chunks: reports})
	require.ErrorIs(t, err, domain.ErrInvalidState)

	status, err := env.svc.GetTaskStatus(ctx, init.TaskID, "owner-1")
	require.NoError(t, err)
	require.Equal(t, domain.TaskStatusFailed, status.Status)
	require.Equal(t, domain.FailureReasonExpired, status.FailureReason)
	require.Zero(t, env.gateway.ComposeCalls())
}

func TestUploadService_InitValidation(t *testing.T) {
	env := newTestEnv(t, 5, time.Hour)
	ctx := context.Background()
	valid := newTestFile(3, "v").initInput("owner-1")

	tests := []struct {
		name   string
		modify func(*InitUploadInput)
	}{
		{"missing owner", func(in *InitUploadInput) { in.OwnerID = "" }},
		{"empty name", func(in *InitUploadInput) { in.FileName = " " }},
		{"path in name", func(in *InitUploadInput) { in.FileName = "../movie.mp4" }},
		{"extension not allowed", func(in *InitUploadInput) { in.FileName = "run.exe" }},
		{"zero size", func(in *InitUploadInput) { in.FileSize = 0 }},
		{"chunk too large", func(in *InitUploadInput) { in.ChunkSize = 2 << 20 }},
		{"zero chunks", func(in *InitUploadInput) { in.TotalChunks = 0 }},
		{"chunk count mismatch", func(in *InitUploadInput) { in.TotalChunks = 4 }},
		{"bad hash", func(in *InitUploadInput) { in.ContentHash = "not-a-hash" }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			in := valid
			tt.modify(&in)
			_, err := env.svc.InitUpload(ctx, in)
			require.ErrorIs(t, err, domain.ErrValidation)
		})
	}

	count, err := env.repos.Guard.Count(ctx, "owner-1")
	require.NoError(t, err)
	require.Zero(t, count)
}
