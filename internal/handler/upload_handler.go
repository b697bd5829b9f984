// Package handler provides the HTTP API of the Alexander uploads server.
package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/prn-tf/alexander-uploads/internal/domain"
	"github.com/prn-tf/alexander-uploads/internal/service"
)

// UploadService is the orchestrator surface the handler drives.
type UploadService interface {
	InitUpload(ctx context.Context, input service.InitUploadInput) (*service.InitUploadOutput, error)
	CompleteUpload(ctx context.Context, input service.CompleteUploadInput) (*service.CompleteUploadOutput, error)
	GetTaskStatus(ctx context.Context, taskID uuid.UUID, ownerID string) (*service.TaskStatusOutput, error)
	CancelUpload(ctx context.Context, taskID uuid.UUID, ownerID string) error
	ReissueChunkURL(ctx context.Context, taskID uuid.UUID, ownerID string, chunkNumber int) (*service.ChunkURL, error)
}

// Request body limits. A completion report costs at most reportBodySize bytes
// per chunk.
const (
	initBodyLimit  = 64 << 10
	reportBodySize = 128
)

// UploadHandler serves the chunked upload endpoints.
type UploadHandler struct {
	uploads       UploadService
	completeLimit int64
	logger        zerolog.Logger
}

// NewUploadHandler creates a new UploadHandler. maxChunks bounds the size of
// a completion request body.
func NewUploadHandler(uploads UploadService, maxChunks int, logger zerolog.Logger) *UploadHandler {
	if maxChunks < 1 {
		maxChunks = 1
	}
	return &UploadHandler{
		uploads:       uploads,
		completeLimit: int64(maxChunks)*reportBodySize + 1024,
		logger:        logger.With().Str("handler", "upload").Logger(),
	}
}

// =============================================================================
// Request/Response Bodies
// =============================================================================

type initUploadRequest struct {
	FileName    string `json:"fileName"`
	FileSize    int64  `json:"fileSize"`
	ContentHash string `json:"contentHash"`
	ChunkSize   int64  `json:"chunkSize"`
	TotalChunks int    `json:"totalChunks"`
	MimeType    string `json:"mimeType"`
	BizType     string `json:"bizType"`
	BizID       string `json:"bizId"`
}

type chunkURLResponse struct {
	ChunkNumber  int       `json:"chunkNumber"`
	URL          string    `json:"url"`
	URLExpiresAt time.Time `json:"urlExpiresAt"`
}

type initUploadResponse struct {
	QuickUpload     bool               `json:"quickUpload"`
	TaskID          string             `json:"taskId,omitempty"`
	ChunkSize       int64              `json:"chunkSize,omitempty"`
	TotalChunks     int                `json:"totalChunks,omitempty"`
	ChunkUploadURLs []chunkURLResponse `json:"chunkUploadURLs,omitempty"`
	TaskExpiresAt   *time.Time         `json:"taskExpiresAt,omitempty"`
	FileID          string             `json:"fileId,omitempty"`
	AccessURL       string             `json:"accessURL,omitempty"`
}

type chunkReport struct {
	ChunkNumber     int    `json:"chunkNumber"`
	CompletionToken string `json:"completionToken"`
}

type completeUploadRequest struct {
	Chunks []chunkReport `json:"chunks"`
}

type completeUploadResponse struct {
	FileID    string `json:"fileId"`
	AccessURL string `json:"accessURL"`
	Status    string `json:"status"`
}

type taskStatusResponse struct {
	TaskID          string    `json:"taskId"`
	State           string    `json:"state"`
	TotalChunks     int       `json:"totalChunks"`
	CompletedChunks int       `json:"completedChunks"`
	ProgressPercent int       `json:"progressPercent"`
	MissingChunks   []int     `json:"missingChunks"`
	FailedChunks    []int     `json:"failedChunks,omitempty"`
	TaskExpiresAt   time.Time `json:"taskExpiresAt"`
	FileID          string    `json:"fileId,omitempty"`
	FailureReason   string    `json:"failureReason,omitempty"`
}

// =============================================================================
// Route Registration
// =============================================================================

// RegisterRoutes registers the upload routes on r.
func (h *UploadHandler) RegisterRoutes(r chi.Router) {
	r.Post("/uploads", h.handleInit)
	r.Get("/uploads/{taskID}", h.handleStatus)
	r.Delete("/uploads/{taskID}", h.handleCancel)
	r.Post("/uploads/{taskID}/complete", h.handleComplete)
	r.Post("/uploads/{taskID}/chunks/{chunkNumber}/url", h.handleReissueURL)
}

// =============================================================================
// Handlers
// =============================================================================

func (h *UploadHandler) handleInit(w http.ResponseWriter, r *http.Request) {
	var req initUploadRequest
	if !decodeBody(w, r, initBodyLimit, &req) {
		return
	}

	out, err := h.uploads.InitUpload(r.Context(), service.InitUploadInput{
		OwnerID:     OwnerFromContext(r.Context()),
		FileName:    req.FileName,
		FileSize:    req.FileSize,
		ContentHash: req.ContentHash,
		ChunkSize:   req.ChunkSize,
		TotalChunks: req.TotalChunks,
		MimeType:    req.MimeType,
		BizType:     req.BizType,
		BizID:       req.BizID,
	})
	if err != nil {
		writeServiceError(w, h.logger, err)
		return
	}

	if out.QuickUpload {
		writeJSON(w, http.StatusOK, initUploadResponse{
			QuickUpload: true,
			FileID:      out.FileID.String(),
			AccessURL:   out.AccessURL,
		})
		return
	}

	urls := make([]chunkURLResponse, 0, len(out.ChunkURLs))
	for _, u := range out.ChunkURLs {
		urls = append(urls, chunkURLResponse{ChunkNumber: u.ChunkNumber, URL: u.URL, URLExpiresAt: u.ExpiresAt})
	}
	expiresAt := out.TaskExpiresAt
	writeJSON(w, http.StatusCreated, initUploadResponse{
		TaskID:          out.TaskID.String(),
		ChunkSize:       out.ChunkSize,
		TotalChunks:     out.TotalChunks,
		ChunkUploadURLs: urls,
		TaskExpiresAt:   &expiresAt,
	})
}

func (h *UploadHandler) handleComplete(w http.ResponseWriter, r *http.Request) {
	taskID, ok := parseTaskID(w, r)
	if !ok {
		return
	}

	var req completeUploadRequest
	if !decodeBody(w, r, h.completeLimit, &req) {
		return
	}

	reports := make([]domain.ChunkReport, 0, len(req.Chunks))
	for _, c := range req.Chunks {
		reports = append(reports, domain.ChunkReport{ChunkNumber: c.ChunkNumber, ETag: c.CompletionToken})
	}

	out, err := h.uploads.CompleteUpload(r.Context(), service.CompleteUploadInput{
		TaskID:  taskID,
		OwnerID: OwnerFromContext(r.Context()),
		Chunks:  reports,
	})
	if err != nil {
		writeServiceError(w, h.logger, err)
		return
	}

	writeJSON(w, http.StatusOK, completeUploadResponse{
		FileID:    out.FileID.String(),
		AccessURL: out.AccessURL,
		Status:    out.Status,
	})
}

func (h *UploadHandler) handleStatus(w http.ResponseWriter, r *http.Request) {
	taskID, ok := parseTaskID(w, r)
	if !ok {
		return
	}

	out, err := h.uploads.GetTaskStatus(r.Context(), taskID, OwnerFromContext(r.Context()))
	if err != nil {
		writeServiceError(w, h.logger, err)
		return
	}

	resp := taskStatusResponse{
		TaskID:          out.TaskID.String(),
		State:           string(out.Status),
		TotalChunks:     out.TotalChunks,
		CompletedChunks: out.CompletedChunks,
		ProgressPercent: out.ProgressPercent,
		MissingChunks:   out.MissingChunks,
		FailedChunks:    out.FailedChunks,
		TaskExpiresAt:   out.TaskExpiresAt,
		FailureReason:   out.FailureReason,
	}
	if resp.MissingChunks == nil {
		resp.MissingChunks = []int{}
	}
	if out.FileID != nil {
		resp.FileID = out.FileID.String()
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *UploadHandler) handleCancel(w http.ResponseWriter, r *http.Request) {
	taskID, ok := parseTaskID(w, r)
	if !ok {
		return
	}

	if err := h.uploads.CancelUpload(r.Context(), taskID, OwnerFromContext(r.Context())); err != nil {
		writeServiceError(w, h.logger, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *UploadHandler) handleReissueURL(w http.ResponseWriter, r *http.Request) {
	taskID, ok := parseTaskID(w, r)
	if !ok {
		return
	}
	chunkNumber, err := strconv.Atoi(chi.URLParam(r, "chunkNumber"))
	if err != nil {
		writeError(w, APIError{
			Code:           "ValidationError",
			Message:        "chunk number must be an integer",
			Resource:       "chunkNumber",
			HTTPStatusCode: http.StatusBadRequest,
		})
		return
	}

	out, err := h.uploads.ReissueChunkURL(r.Context(), taskID, OwnerFromContext(r.Context()), chunkNumber)
	if err != nil {
		writeServiceError(w, h.logger, err)
		return
	}

	writeJSON(w, http.StatusOK, chunkURLResponse{ChunkNumber: out.ChunkNumber, URL: out.URL, URLExpiresAt: out.ExpiresAt})
}

func parseTaskID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, "taskID"))
	if err != nil {
		writeError(w, ErrInvalidTaskID)
		return uuid.Nil, false
	}
	return id, true
}

// decodeBody reads at most limit bytes of JSON into v and writes the error
// response itself when it fails.
func decodeBody(w http.ResponseWriter, r *http.Request, limit int64, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, limit)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, ErrBodyTooLarge)
		} else {
			writeError(w, ErrMalformedBody)
		}
		return false
	}
	return true
}
