package handler_test

import (
	"bytes"
	"context"
	"encoding/json"
	"hash/fnv"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"

	"github.com/xxxsen/hybridrag/internal/ai"
	"github.com/xxxsen/hybridrag/internal/chunker"
	"github.com/xxxsen/hybridrag/internal/config"
	"github.com/xxxsen/hybridrag/internal/handler"
	"github.com/xxxsen/hybridrag/internal/ingest"
	"github.com/xxxsen/hybridrag/internal/middleware"
	"github.com/xxxsen/hybridrag/internal/model"
	"github.com/xxxsen/hybridrag/internal/pkg/errcode"
	appErr "github.com/xxxsen/hybridrag/internal/pkg/errors"
	"github.com/xxxsen/hybridrag/internal/repo/memstore"
	"github.com/xxxsen/hybridrag/internal/retrieval"
	"github.com/xxxsen/hybridrag/internal/service"
	"github.com/xxxsen/hybridrag/internal/synth"
	"github.com/xxxsen/hybridrag/internal/tenant"
)

const (
	tenantA = "11111111-1111-1111-1111-111111111111"
	tenantB = "22222222-2222-2222-2222-222222222222"
	dims    = 16
)

type hashEmbedder struct{}

func (hashEmbedder) Embed(ctx context.Context, text string, taskType string) ([]float32, error) {
	vec := make([]float32, dims)
	for _, w := range strings.Fields(strings.ToLower(text)) {
		f := fnv.New32a()
		_, _ = f.Write([]byte(strings.Trim(w, ".,?!")))
		vec[f.Sum32()%dims]++
	}
	return vec, nil
}

func (hashEmbedder) ModelName() string { return "hash" }

type echoSynth struct {
	err error
}

func (e echoSynth) Synthesize(ctx context.Context, query string, chunks []model.FusedResult) (string, error) {
	if e.err != nil {
		return "", e.err
	}
	return "answer from " + chunks[0].ChunkID, nil
}

type envelope struct {
	Code int             `json:"code"`
	Msg  string          `json:"msg"`
	Data json.RawMessage `json:"data"`
}

func setupRouter(t *testing.T, s synth.Synthesizer) http.Handler {
	t.Helper()
	gin.SetMode(gin.TestMode)
	batcher := ai.NewBatcher(hashEmbedder{}, ai.BatchConfig{Concurrency: 2})
	svc := service.NewRAGService(
		tenant.NewGuard(memstore.New(), tenant.Options{PoolSize: 4}),
		ingest.NewPipeline(chunker.New(chunker.WithChunkSize(200), chunker.WithOverlap(20)), batcher, dims),
		retrieval.NewEngine(batcher, retrieval.Options{}),
		s,
		nil,
		service.Options{},
	)
	r := gin.New()
	r.Use(middleware.RequestID())
	handler.RegisterRoutes(r.Group("/api/v1"), handler.RouterDeps{
		RAG:      handler.NewRAGHandler(svc, 1024),
		AuthMode: config.AuthModeHeader,
	})
	return r
}

func upload(t *testing.T, router http.Handler, tenantID, filename, content string) *httptest.ResponseRecorder {
	t.Helper()
	body := &bytes.Buffer{}
	w := multipart.NewWriter(body)
	part, err := w.CreateFormFile("file", filename)
	require.NoError(t, err)
	_, err = part.Write([]byte(content))
	require.NoError(t, err)
	require.NoError(t, w.Close())

	req := httptest.NewRequest(http.MethodPost, "/api/v1/ingest", body)
	req.Header.Set("Content-Type", w.FormDataContentType())
	req.Header.Set(middleware.HeaderTenantID, tenantID)
	resp := httptest.NewRecorder()
	router.ServeHTTP(resp, req)
	return resp
}

func postJSON(router http.Handler, tenantID, path, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	if tenantID != "" {
		req.Header.Set(middleware.HeaderTenantID, tenantID)
	}
	resp := httptest.NewRecorder()
	router.ServeHTTP(resp, req)
	return resp
}

func decode(t *testing.T, resp *httptest.ResponseRecorder, dst interface{}) envelope {
	t.Helper()
	var env envelope
	require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &env))
	if dst != nil {
		require.NoError(t, json.Unmarshal(env.Data, dst))
	}
	return env
}

func TestIngestSearchChat(t *testing.T) {
	router := setupRouter(t, echoSynth{})

	resp := upload(t, router, tenantA, "policy.txt", "Refunds are issued within 30 days of purchase.")
	require.Equal(t, http.StatusOK, resp.Code)
	var ingested struct {
		ChunksInserted int    `json:"chunks_inserted"`
		TenantID       string `json:"tenant_id"`
	}
	decode(t, resp, &ingested)
	require.Equal(t, 1, ingested.ChunksInserted)
	require.Equal(t, tenantA, ingested.TenantID)

	resp = postJSON(router, tenantA, "/api/v1/search", `{"query":"refunds","limit":3}`)
	require.Equal(t, http.StatusOK, resp.Code)
	var found struct {
		Items []model.FusedResult `json:"items"`
	}
	decode(t, resp, &found)
	require.Len(t, found.Items, 1)
	require.Contains(t, found.Items[0].Content, "Refunds")

	resp = postJSON(router, tenantA, "/api/v1/chat", `{"query":"refunds"}`)
	require.Equal(t, http.StatusOK, resp.Code)
	var chat struct {
		Answer  string              `json:"answer"`
		Sources []model.FusedResult `json:"sources"`
	}
	decode(t, resp, &chat)
	require.Equal(t, "answer from "+found.Items[0].ChunkID, chat.Answer)
	require.Len(t, chat.Sources, 1)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/documents", nil)
	req.Header.Set(middleware.HeaderTenantID, tenantA)
	resp = httptest.NewRecorder()
	router.ServeHTTP(resp, req)
	require.Equal(t, http.StatusOK, resp.Code)
	var docs struct {
		Items []model.SourceStat `json:"items"`
	}
	decode(t, resp, &docs)
	require.Len(t, docs.Items, 1)
	require.Equal(t, "policy.txt", docs.Items[0].Source)
}

func TestOtherTenantSeesNothing(t *testing.T) {
	router := setupRouter(t, echoSynth{})
	require.Equal(t, http.StatusOK, upload(t, router, tenantA, "policy.txt", "Refunds are issued within 30 days.").Code)

	resp := postJSON(router, tenantB, "/api/v1/search", `{"query":"refunds"}`)
	require.Equal(t, http.StatusOK, resp.Code)
	var found struct {
		Items []model.FusedResult `json:"items"`
	}
	decode(t, resp, &found)
	require.NotNil(t, found.Items)
	require.Empty(t, found.Items)

	resp = postJSON(router, tenantB, "/api/v1/chat", `{"query":"refunds"}`)
	require.Equal(t, http.StatusOK, resp.Code)
	var chat struct {
		Answer  string              `json:"answer"`
		Sources []model.FusedResult `json:"sources"`
	}
	decode(t, resp, &chat)
	require.Equal(t, synth.InsufficientInformation, chat.Answer)
	require.Empty(t, chat.Sources)
}

func TestRequestErrors(t *testing.T) {
	router := setupRouter(t, echoSynth{err: appErr.New(appErr.ErrGenerationTimeout, "generation timeout")})

	resp := postJSON(router, "", "/api/v1/search", `{"query":"x"}`)
	require.Equal(t, http.StatusBadRequest, resp.Code)

	resp = postJSON(router, tenantA, "/api/v1/search", `{"query":"   "}`)
	require.Equal(t, http.StatusBadRequest, resp.Code)
	env := decode(t, resp, nil)
	require.Equal(t, errcode.ErrInvalid, env.Code)

	resp = upload(t, router, tenantA, "report.pdf", "%PDF")
	require.Equal(t, http.StatusBadRequest, resp.Code)

	resp = upload(t, router, tenantA, "big.txt", strings.Repeat("a", 2048))
	require.Equal(t, http.StatusRequestEntityTooLarge, resp.Code)

	require.Equal(t, http.StatusOK, upload(t, router, tenantA, "policy.txt", "Refunds are issued within 30 days.").Code)
	resp = postJSON(router, tenantA, "/api/v1/chat", `{"query":"refunds"}`)
	require.Equal(t, http.StatusGatewayTimeout, resp.Code)
	env = decode(t, resp, nil)
	require.Equal(t, errcode.ErrGenerationTimeout, env.Code)
	require.Equal(t, "generation timeout", env.Msg)
}

func TestHealthz(t *testing.T) {
	router := setupRouter(t, echoSynth{})
	req := httptest.NewRequest(http.MethodGet, "/api/v1/healthz", nil)
	resp := httptest.NewRecorder()
	router.ServeHTTP(resp, req)
	require.Equal(t, http.StatusOK, resp.Code)
	require.Contains(t, resp.Body.String(), "running")
}
