package app

import (
	"bytes"
	"context"
	"crypto/md5"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/prn-tf/alexander-uploads/internal/config"
	"github.com/prn-tf/alexander-uploads/internal/storage"
	"github.com/prn-tf/alexander-uploads/internal/storage/memory"
)

func testConfig() *config.Config {
	return &config.Config{
		Server:   config.ServerConfig{Port: 8080, MaxBodySize: 1 << 20},
		Database: config.DatabaseConfig{Driver: "sqlite", Path: ":memory:"},
		Storage: config.StorageConfig{
			Backend:        "memory",
			Bucket:         "uploads",
			PartPrefix:     "parts",
			CleanupWorkers: 2,
		},
		Upload: config.UploadConfig{
			MinChunkSize:         1,
			MaxChunkSize:         1 << 20,
			MaxChunks:            100,
			MaxFileSize:          1 << 30,
			MaxConcurrentUploads: 2,
			TaskTTL:              time.Hour,
			PartURLTTL:           time.Minute,
			DownloadURLTTL:       time.Minute,
			LockTTL:              time.Minute,
		},
		Identity: config.IdentityConfig{Mode: "header", Header: "X-User-ID"},
		Logging:  config.LoggingConfig{Level: "info"},
		Sweeper:  config.SweeperConfig{Interval: time.Minute, BatchSize: 10},
	}
}

func call(t *testing.T, h http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("X-User-ID", "owner-1")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestApp_UploadOverHTTP(t *testing.T) {
	ctx := context.Background()
	a, err := New(ctx, testConfig(), zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, a.Close()) })

	h, err := a.Handler()
	require.NoError(t, err)

	chunks := [][]byte{[]byte("hello "), []byte("world!")}
	sum := md5.Sum([]byte("hello world!"))

	rec := call(t, h, http.MethodPost, "/v1/uploads", map[string]any{
		"fileName":    "greeting.txt",
		"fileSize":    12,
		"contentHash": hex.EncodeToString(sum[:]),
		"chunkSize":   6,
		"totalChunks": 2,
		"mimeType":    "text/plain",
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	var init struct {
		TaskID          string `json:"taskId"`
		ChunkUploadURLs []struct {
			ChunkNumber int `json:"chunkNumber"`
		} `json:"chunkUploadURLs"`
	}
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&init))
	require.Len(t, init.ChunkUploadURLs, 2)

	taskID := uuid.MustParse(init.TaskID)
	task, err := a.Repos.Tasks.GetByID(ctx, taskID)
	require.NoError(t, err)

	gw := a.Gateway.(*memory.Gateway)
	var reports []map[string]any
	for i, data := range chunks {
		etag := gw.PutPart(task.Bucket, storage.PartKey("parts", task.ObjectKey, i+1), data)
		reports = append(reports, map[string]any{"chunkNumber": i + 1, "completionToken": etag})
	}

	rec = call(t, h, http.MethodPost, "/v1/uploads/"+init.TaskID+"/complete", map[string]any{"chunks": reports})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = call(t, h, http.MethodGet, "/v1/uploads/"+init.TaskID, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var status struct {
		State           string `json:"state"`
		ProgressPercent int    `json:"progressPercent"`
	}
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&status))
	require.Equal(t, "COMPLETED", status.State)
	require.Equal(t, 100, status.ProgressPercent)

	data, ok := gw.Object(task.Bucket, task.ObjectKey)
	require.True(t, ok)
	require.Equal(t, "hello world!", string(data))

	rec = call(t, h, http.MethodGet, "/health", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	families, err := a.Registry.Gather()
	require.NoError(t, err)
	require.NotEmpty(t, families)
}

func TestApp_RejectsUnknownBackends(t *testing.T) {
	cfg := testConfig()
	cfg.Storage.Backend = "tape"
	_, err := New(context.Background(), cfg, zerolog.Nop())
	require.Error(t, err)

	cfg = testConfig()
	cfg.Database.Driver = "oracle"
	_, err = New(context.Background(), cfg, zerolog.Nop())
	require.Error(t, err)
}
