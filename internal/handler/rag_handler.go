package handler

import (
	"context"
	"errors"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/xxxsen/hybridrag/internal/middleware"
	"github.com/xxxsen/hybridrag/internal/model"
	"github.com/xxxsen/hybridrag/internal/pkg/errcode"
	"github.com/xxxsen/hybridrag/internal/pkg/response"
	"github.com/xxxsen/hybridrag/internal/service"
)

// RAGService is the subset of the service used over HTTP.
type RAGService interface {
	IngestFile(ctx context.Context, tenantID, filename string, data []byte) (*service.IngestResult, error)
	Search(ctx context.Context, tenantID, query string, limit int) ([]model.FusedResult, error)
	Chat(ctx context.Context, tenantID, query string) (*model.Answer, error)
	ListSources(ctx context.Context, tenantID string) ([]model.SourceStat, error)
}

type RAGHandler struct {
	svc            RAGService
	maxUploadBytes int64
}

func NewRAGHandler(svc RAGService, maxUploadBytes int64) *RAGHandler {
	return &RAGHandler{svc: svc, maxUploadBytes: maxUploadBytes}
}

type searchRequest struct {
	Query string `json:"query"`
	Limit int    `json:"limit"`
}

type searchResponse struct {
	Items []model.FusedResult `json:"items"`
}

type chatRequest struct {
	Query string `json:"query"`
}

type chatResponse struct {
	Answer  string              `json:"answer"`
	Sources []model.FusedResult `json:"sources"`
}

type documentsResponse struct {
	Items []model.SourceStat `json:"items"`
}

func (h *RAGHandler) Ingest(c *gin.Context) {
	if h.maxUploadBytes > 0 {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, h.maxUploadBytes+1024*1024)
	}
	file, err := c.FormFile("file")
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			response.Error(c, http.StatusRequestEntityTooLarge, errcode.ErrInvalidFile, "file exceeds "+formatUploadLimit(h.maxUploadBytes))
			return
		}
		response.Error(c, http.StatusBadRequest, errcode.ErrInvalidFile, "file is required")
		return
	}
	if h.maxUploadBytes > 0 && file.Size > h.maxUploadBytes {
		response.Error(c, http.StatusRequestEntityTooLarge, errcode.ErrInvalidFile, "file exceeds "+formatUploadLimit(h.maxUploadBytes))
		return
	}
	opened, err := file.Open()
	if err != nil {
		response.Error(c, http.StatusBadRequest, errcode.ErrInvalidFile, "failed to open file")
		return
	}
	defer opened.Close()
	data, err := io.ReadAll(opened)
	if err != nil {
		response.Error(c, http.StatusBadRequest, errcode.ErrInvalidFile, "failed to read file")
		return
	}
	res, err := h.svc.IngestFile(c.Request.Context(), middleware.GetTenantID(c), file.Filename, data)
	if err != nil {
		handleError(c, err)
		return
	}
	response.Success(c, res)
}

func (h *RAGHandler) Search(c *gin.Context) {
	var req searchRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, http.StatusBadRequest, errcode.ErrInvalid, "invalid request")
		return
	}
	if req.Limit < 0 {
		response.Error(c, http.StatusBadRequest, errcode.ErrInvalid, "limit must not be negative")
		return
	}
	items, err := h.svc.Search(c.Request.Context(), middleware.GetTenantID(c), req.Query, req.Limit)
	if err != nil {
		handleError(c, err)
		return
	}
	if items == nil {
		items = []model.FusedResult{}
	}
	response.Success(c, searchResponse{Items: items})
}

func (h *RAGHandler) Chat(c *gin.Context) {
	var req chatRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, http.StatusBadRequest, errcode.ErrInvalid, "invalid request")
		return
	}
	answer, err := h.svc.Chat(c.Request.Context(), middleware.GetTenantID(c), req.Query)
	if err != nil {
		handleError(c, err)
		return
	}
	response.Success(c, chatResponse{Answer: answer.Answer, Sources: answer.Sources})
}

func (h *RAGHandler) Documents(c *gin.Context) {
	items, err := h.svc.ListSources(c.Request.Context(), middleware.GetTenantID(c))
	if err != nil {
		handleError(c, err)
		return
	}
	response.Success(c, documentsResponse{Items: items})
}

func Healthz(c *gin.Context) {
	response.Success(c, gin.H{"status": "running"})
}
