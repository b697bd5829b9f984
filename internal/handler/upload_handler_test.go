package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/prn-tf/alexander-uploads/internal/config"
	"github.com/prn-tf/alexander-uploads/internal/domain"
	"github.com/prn-tf/alexander-uploads/internal/service"
)

// =============================================================================
// Mock Types
// =============================================================================

type mockUploadService struct {
	mock.Mock
}

func (m *mockUploadService) InitUpload(ctx context.Context, input service.InitUploadInput) (*service.InitUploadOutput, error) {
	args := m.Called(ctx, input)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*service.InitUploadOutput), args.Error(1)
}

func (m *mockUploadService) CompleteUpload(ctx context.Context, input service.CompleteUploadInput) (*service.CompleteUploadOutput, error) {
	args := m.Called(ctx, input)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*service.CompleteUploadOutput), args.Error(1)
}

func (m *mockUploadService) GetTaskStatus(ctx context.Context, taskID uuid.UUID, ownerID string) (*service.TaskStatusOutput, error) {
	args := m.Called(ctx, taskID, ownerID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*service.TaskStatusOutput), args.Error(1)
}

func (m *mockUploadService) CancelUpload(ctx context.Context, taskID uuid.UUID, ownerID string) error {
	args := m.Called(ctx, taskID, ownerID)
	return args.Error(0)
}

func (m *mockUploadService) ReissueChunkURL(ctx context.Context, taskID uuid.UUID, ownerID string, chunkNumber int) (*service.ChunkURL, error) {
	args := m.Called(ctx, taskID, ownerID, chunkNumber)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*service.ChunkURL), args.Error(1)
}

func newTestRouter(svc UploadService) http.Handler {
	return NewRouter(RouterConfig{
		Uploads:  NewUploadHandler(svc, 8, zerolog.Nop()),
		Identity: HeaderIdentity{Header: "X-User-ID"},
		Logger:   zerolog.Nop(),
	})
}

func doRequest(h http.Handler, method, path, owner string, body any) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		_ = json.NewEncoder(&buf).Encode(body)
	}
	req := httptest.NewRequest(method, path, &buf)
	if owner != "" {
		req.Header.Set("X-User-ID", owner)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

// =============================================================================
// Tests
// =============================================================================

func TestUploadHandler_Init(t *testing.T) {
	svc := new(mockUploadService)
	router := newTestRouter(svc)
	taskID := uuid.New()
	expires := time.Now().Add(time.Hour).UTC().Truncate(time.Second)

	svc.On("InitUpload", mock.Anything, mock.MatchedBy(func(in service.InitUploadInput) bool {
		return in.OwnerID == "owner-1" && in.FileName == "movie.mp4" && in.TotalChunks == 2
	})).Return(&service.InitUploadOutput{
		TaskID:      taskID,
		ChunkSize:   5,
		TotalChunks: 2,
		ChunkURLs: []service.ChunkURL{
			{ChunkNumber: 1, URL: "https://s3/p1", ExpiresAt: expires},
			{ChunkNumber: 2, URL: "https://s3/p2", ExpiresAt: expires},
		},
		TaskExpiresAt: expires,
	}, nil)

	rec := doRequest(router, http.MethodPost, "/v1/uploads", "owner-1", map[string]any{
		"fileName": "movie.mp4", "fileSize": 10, "contentHash": "abc", "chunkSize": 5, "totalChunks": 2,
	})
	require.Equal(t, http.StatusCreated, rec.Code)

	var resp initUploadResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	require.False(t, resp.QuickUpload)
	require.Equal(t, taskID.String(), resp.TaskID)
	require.Len(t, resp.ChunkUploadURLs, 2)
	require.Equal(t, 2, resp.ChunkUploadURLs[1].ChunkNumber)
	svc.AssertExpectations(t)
}

func TestUploadHandler_InitQuickUpload(t *testing.T) {
	svc := new(mockUploadService)
	router := newTestRouter(svc)
	fileID := uuid.New()

	svc.On("InitUpload", mock.Anything, mock.Anything).Return(&service.InitUploadOutput{
		QuickUpload: true,
		FileID:      fileID,
		AccessURL:   "https://s3/object",
	}, nil)

	rec := doRequest(router, http.MethodPost, "/v1/uploads", "owner-1", map[string]any{"fileName": "a.mp4"})
	require.Equal(t, http.StatusOK, rec.Code)

	var resp map[string]any
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	require.Equal(t, true, resp["quickUpload"])
	require.Equal(t, fileID.String(), resp["fileId"])
	require.NotContains(t, resp, "taskId")
}

func TestUploadHandler_RequiresIdentity(t *testing.T) {
	svc := new(mockUploadService)
	router := newTestRouter(svc)

	rec := doRequest(router, http.MethodGet, "/v1/uploads/"+uuid.NewString(), "", nil)
	require.Equal(t, http.StatusUnauthorized, rec.Code)
	svc.AssertNotCalled(t, "GetTaskStatus", mock.Anything, mock.Anything, mock.Anything)
}

func TestUploadHandler_CompleteIncomplete(t *testing.T) {
	svc := new(mockUploadService)
	router := newTestRouter(svc)
	taskID := uuid.New()

	svc.On("CompleteUpload", mock.Anything, mock.MatchedBy(func(in service.CompleteUploadInput) bool {
		return in.TaskID == taskID && len(in.Chunks) == 1 && in.Chunks[0].ETag == "etag-1"
	})).Return(nil, &domain.IncompleteUploadError{Completed: 1, Total: 3, Missing: []int{2, 3}})

	rec := doRequest(router, http.MethodPost, "/v1/uploads/"+taskID.String()+"/complete", "owner-1", map[string]any{
		"chunks": []map[string]any{{"chunkNumber": 1, "completionToken": "etag-1"}},
	})
	require.Equal(t, http.StatusConflict, rec.Code)

	var apiErr APIError
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&apiErr))
	require.Equal(t, "IncompleteUpload", apiErr.Code)
	require.EqualValues(t, 1, apiErr.Details["completedChunks"])
	require.Len(t, apiErr.Details["missingChunks"], 2)
}

func TestUploadHandler_Complete(t *testing.T) {
	svc := new(mockUploadService)
	router := newTestRouter(svc)
	taskID, fileID := uuid.New(), uuid.New()

	svc.On("CompleteUpload", mock.Anything, mock.Anything).Return(&service.CompleteUploadOutput{
		FileID:    fileID,
		AccessURL: "https://s3/object",
		Status:    service.CompletionStatusSuccess,
	}, nil)

	rec := doRequest(router, http.MethodPost, "/v1/uploads/"+taskID.String()+"/complete", "owner-1", map[string]any{"chunks": []any{}})
	require.Equal(t, http.StatusOK, rec.Code)

	var resp completeUploadResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	require.Equal(t, fileID.String(), resp.FileID)
	require.Equal(t, "success", resp.Status)
}

func TestUploadHandler_CompleteBodyTooLarge(t *testing.T) {
	svc := new(mockUploadService)
	router := newTestRouter(svc)

	reports := make([]map[string]any, 0, 100)
	for i := 1; i <= 100; i++ {
		reports = append(reports, map[string]any{"chunkNumber": i, "completionToken": strings.Repeat("e", 64)})
	}

	rec := doRequest(router, http.MethodPost, "/v1/uploads/"+uuid.NewString()+"/complete", "owner-1", map[string]any{"chunks": reports})
	require.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)

	var apiErr APIError
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&apiErr))
	require.Equal(t, "BodyTooLarge", apiErr.Code)
	svc.AssertNotCalled(t, "CompleteUpload", mock.Anything, mock.Anything)
}

func TestUploadHandler_Status(t *testing.T) {
	svc := new(mockUploadService)
	router := newTestRouter(svc)
	taskID := uuid.New()

	svc.On("GetTaskStatus", mock.Anything, taskID, "owner-1").Return(&service.TaskStatusOutput{
		TaskID:          taskID,
		Status:          domain.TaskStatusUploading,
		TotalChunks:     4,
		CompletedChunks: 1,
		ProgressPercent: 25,
		MissingChunks:   []int{2, 3, 4},
		FailedChunks:    []int{3},
	}, nil)

	rec := doRequest(router, http.MethodGet, "/v1/uploads/"+taskID.String(), "owner-1", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp taskStatusResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	require.Equal(t, "UPLOADING", resp.State)
	require.Equal(t, 25, resp.ProgressPercent)
	require.Equal(t, []int{2, 3, 4}, resp.MissingChunks)
	require.Equal(t, []int{3}, resp.FailedChunks)
}

func TestUploadHandler_Cancel(t *testing.T) {
	svc := new(mockUploadService)
	router := newTestRouter(svc)
	taskID := uuid.New()

	svc.On("CancelUpload", mock.Anything, taskID, "owner-1").Return(nil)

	rec := doRequest(router, http.MethodDelete, "/v1/uploads/"+taskID.String(), "owner-1", nil)
	require.Equal(t, http.StatusNoContent, rec.Code)
	svc.AssertExpectations(t)
}

func TestUploadHandler_ReissueURL(t *testing.T) {
	svc := new(mockUploadService)
	router := newTestRouter(svc)
	taskID := uuid.New()

	svc.On("ReissueChunkURL", mock.Anything, taskID, "owner-1", 3).
		Return(&service.ChunkURL{ChunkNumber: 3, URL: "https://s3/p3", ExpiresAt: time.Now()}, nil)

	rec := doRequest(router, http.MethodPost, fmt.Sprintf("/v1/uploads/%s/chunks/3/url", taskID), "owner-1", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = doRequest(router, http.MethodPost, fmt.Sprintf("/v1/uploads/%s/chunks/x/url", taskID), "owner-1", nil)
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestUploadHandler_BadTaskID(t *testing.T) {
	svc := new(mockUploadService)
	router := newTestRouter(svc)

	rec := doRequest(router, http.MethodGet, "/v1/uploads/not-a-uuid", "owner-1", nil)
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestUploadHandler_ErrorMapping(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		status int
		code   string
	}{
		{"validation", domain.ValidationError("fileSize", "must be positive"), http.StatusBadRequest, "ValidationError"},
		{"forbidden", domain.NewDomainError(domain.ErrForbidden, "", "t"), http.StatusForbidden, "Forbidden"},
		{"not found", domain.NewDomainError(domain.ErrTaskNotFound, "no such upload task", "t"), http.StatusNotFound, "TaskNotFound"},
		{"invalid state", domain.NewDomainError(domain.ErrInvalidState, "upload task is CANCELLED", "t"), http.StatusConflict, "InvalidState"},
		{"busy", domain.NewDomainError(domain.ErrTaskBusy, "", "t"), http.StatusConflict, "TaskBusy"},
		{"limit", domain.NewDomainError(domain.ErrConcurrencyLimitExceeded, "", "o"), http.StatusTooManyRequests, "ConcurrencyLimitExceeded"},
		{"storage", domain.NewDomainError(domain.ErrStorage, "compose failed", "t"), http.StatusBadGateway, "StorageError"},
		{"internal", fmt.Errorf("%w: db down", service.ErrInternalError), http.StatusInternalServerError, "InternalError"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			apiErr := toAPIError(tt.err)
			require.Equal(t, tt.status, apiErr.HTTPStatusCode)
			require.Equal(t, tt.code, apiErr.Code)
		})
	}

	// Internal causes are not exposed.
	require.NotContains(t, toAPIError(errors.New("db password wrong")).Message, "password")
}

func TestJWTIdentity(t *testing.T) {
	resolver, err := NewIdentityResolver(config.IdentityConfig{Mode: "jwt", JWTSecret: "s3cret", JWTIssuer: "alexander"})
	require.NoError(t, err)

	sign := func(claims jwt.RegisteredClaims, secret string) string {
		raw, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
		require.NoError(t, err)
		return raw
	}
	valid := jwt.RegisteredClaims{
		Subject:   "owner-7",
		Issuer:    "alexander",
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	}

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer "+sign(valid, "s3cret"))
	owner, err := resolver.Resolve(req)
	require.NoError(t, err)
	require.Equal(t, "owner-7", owner)

	req.Header.Set("Authorization", "Bearer "+sign(valid, "other"))
	_, err = resolver.Resolve(req)
	require.ErrorIs(t, err, ErrNoIdentity)

	wrongIssuer := valid
	wrongIssuer.Issuer = "someone-else"
	req.Header.Set("Authorization", "Bearer "+sign(wrongIssuer, "s3cret"))
	_, err = resolver.Resolve(req)
	require.ErrorIs(t, err, ErrNoIdentity)

	req.Header.Del("Authorization")
	_, err = resolver.Resolve(req)
	require.ErrorIs(t, err, ErrNoIdentity)

	_, err = NewIdentityResolver(config.IdentityConfig{Mode: "jwt"})
	require.Error(t, err)
}

func TestHealth(t *testing.T) {
	router := NewRouter(RouterConfig{
		Uploads:  NewUploadHandler(new(mockUploadService), 8, zerolog.Nop()),
		Identity: HeaderIdentity{Header: "X-User-ID"},
		Health:   func(*http.Request) error { return errors.New("db down") },
		Logger:   zerolog.Nop(),
	})

	rec := doRequest(router, http.MethodGet, "/health", "", nil)
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
}
