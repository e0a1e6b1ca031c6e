package handler

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/xxxsen/common/logutil"
	"go.uber.org/zap"

	"github.com/xxxsen/hybridrag/internal/middleware"
	"github.com/xxxsen/hybridrag/internal/pkg/errcode"
	appErr "github.com/xxxsen/hybridrag/internal/pkg/errors"
	"github.com/xxxsen/hybridrag/internal/pkg/response"
)

type errorMapping struct {
	status int
	code   int
}

var errorMappings = []struct {
	kind error
	errorMapping
}{
	{appErr.ErrInvalidArgument, errorMapping{http.StatusBadRequest, errcode.ErrInvalid}},
	{appErr.ErrResourceExhausted, errorMapping{http.StatusServiceUnavailable, errcode.ErrResourceExhausted}},
	{appErr.ErrEmbeddingFailed, errorMapping{http.StatusBadGateway, errcode.ErrEmbeddingFailed}},
	{appErr.ErrGenerationFailed, errorMapping{http.StatusBadGateway, errcode.ErrGenerationFailed}},
	{appErr.ErrGenerationTimeout, errorMapping{http.StatusGatewayTimeout, errcode.ErrGenerationTimeout}},
	{appErr.ErrStorageFailed, errorMapping{http.StatusServiceUnavailable, errcode.ErrStorageFailed}},
	{appErr.ErrRetrievalFailed, errorMapping{http.StatusServiceUnavailable, errcode.ErrRetrievalFailed}},
}

func mapError(err error) errorMapping {
	kind := appErr.KindOf(err)
	for _, m := range errorMappings {
		if errors.Is(kind, m.kind) {
			return m.errorMapping
		}
	}
	return errorMapping{http.StatusInternalServerError, errcode.ErrInternal}
}

func handleError(c *gin.Context, err error) {
	if err == nil {
		return
	}
	requestID, _ := c.Get(middleware.ContextRequestIDKey)
	m := mapError(err)
	logger := logutil.GetLogger(c.Request.Context()).With(
		zap.Any("request_id", requestID),
		zap.String("method", c.Request.Method),
		zap.String("path", c.FullPath()),
		zap.String("tenant_id", middleware.GetTenantID(c)),
		zap.Int("status", m.status),
		zap.Error(err),
	)
	if m.status >= http.StatusInternalServerError {
		logger.Error("request failed")
	} else {
		logger.Info("request rejected")
	}
	response.Error(c, m.status, m.code, appErr.Message(err))
}
