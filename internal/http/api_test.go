package http

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yinshiyionly/jianying-draft/internal/domain"
	"github.com/yinshiyionly/jianying-draft/internal/registry"
	"github.com/yinshiyionly/jianying-draft/internal/service"
	"github.com/yinshiyionly/jianying-draft/internal/transfer"
)

func newTestRouter(t *testing.T) (*gin.Engine, *service.DownloadService) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel)

	engine := transfer.NewEngine(transfer.Config{
		ChunkSize:      512,
		ReportInterval: time.Millisecond,
		Logger:         logger,
	})
	svc := service.NewDownloadService(service.Config{
		DownloadDir: t.TempDir(),
		Logger:      logger,
	}, registry.New(nil, logger), engine)
	require.NoError(t, svc.Start(context.Background()))
	t.Cleanup(svc.Shutdown)

	router := gin.New()
	NewHandler(svc).RegisterRoutes(router)
	return router, svc
}

func doRequest(t *testing.T, router *gin.Engine, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != "" {
		reader = bytes.NewReader([]byte(body))
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func createTaskViaAPI(t *testing.T, router *gin.Engine, url string) TaskResponse {
	t.Helper()
	body := fmt.Sprintf(`{"url": %q}`, url)
	rec := doRequest(t, router, http.MethodPost, "/api/tasks", body)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	var resp TaskResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	return resp
}

func TestCreateTaskEndpoint(t *testing.T) {
	router, _ := newTestRouter(t)

	resp := createTaskViaAPI(t, router, "https://example.com/files/video.mp4")
	assert.NotEmpty(t, resp.ID)
	assert.Equal(t, "video.mp4", resp.Name)
	assert.Equal(t, domain.TaskStatusPending, resp.Status)
	assert.Equal(t, "waiting to download", resp.StatusText)
	assert.Equal(t, "unknown", resp.FormattedSize)
}

func TestCreateTaskEndpointRejectsBadInput(t *testing.T) {
	router, _ := newTestRouter(t)

	rec := doRequest(t, router, http.MethodPost, "/api/tasks", "{not json")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = doRequest(t, router, http.MethodPost, "/api/tasks", `{"name": "no url"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = doRequest(t, router, http.MethodPost, "/api/tasks", `{"url": "ftp://example.com/a.bin"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = doRequest(t, router, http.MethodGet, "/api/tasks", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "[]", strings.TrimSpace(rec.Body.String()), "rejected tasks are not registered")
}

func TestListAndGetEndpoints(t *testing.T) {
	router, _ := newTestRouter(t)

	first := createTaskViaAPI(t, router, "https://example.com/a.bin")
	second := createTaskViaAPI(t, router, "https://example.com/b.bin")

	rec := doRequest(t, router, http.MethodGet, "/api/tasks", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var list []TaskResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &list))
	require.Len(t, list, 2)
	assert.Equal(t, first.ID, list[0].ID, "creation order is preserved")
	assert.Equal(t, second.ID, list[1].ID)

	rec = doRequest(t, router, http.MethodGet, "/api/tasks/"+first.ID, "")
	require.Equal(t, http.StatusOK, rec.Code)
	var got TaskResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.Equal(t, first.ID, got.ID)

	rec = doRequest(t, router, http.MethodGet, "/api/tasks/does-not-exist", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestActiveTasksEndpoint(t *testing.T) {
	router, _ := newTestRouter(t)

	keep := createTaskViaAPI(t, router, "https://example.com/a.bin")
	drop := createTaskViaAPI(t, router, "https://example.com/b.bin")

	rec := doRequest(t, router, http.MethodPost, "/api/tasks/"+drop.ID+"/cancel", "")
	require.Equal(t, http.StatusAccepted, rec.Code)

	rec = doRequest(t, router, http.MethodGet, "/api/tasks/active", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var active []TaskResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &active))
	require.Len(t, active, 1)
	assert.Equal(t, keep.ID, active[0].ID)
}

func TestLifecycleEndpoints(t *testing.T) {
	router, _ := newTestRouter(t)

	content := bytes.Repeat([]byte{'d'}, 4000)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.ServeContent(w, r, "file.bin", time.Unix(0, 0), bytes.NewReader(content))
	}))
	t.Cleanup(srv.Close)

	task := createTaskViaAPI(t, router, srv.URL+"/file.bin")

	rec := doRequest(t, router, http.MethodPost, "/api/tasks/"+task.ID+"/start", "")
	require.Equal(t, http.StatusAccepted, rec.Code)

	require.Eventually(t, func() bool {
		rec := doRequest(t, router, http.MethodGet, "/api/tasks/"+task.ID, "")
		if rec.Code != http.StatusOK {
			return false
		}
		var got TaskResponse
		if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
			return false
		}
		return got.Status == domain.TaskStatusCompleted
	}, 5*time.Second, 10*time.Millisecond)

	rec = doRequest(t, router, http.MethodGet, "/api/tasks/"+task.ID, "")
	var got TaskResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.Equal(t, int64(4000), got.Downloaded)
	assert.Equal(t, 100.0, got.Progress)
	assert.NotNil(t, got.CompletedAt)
	assert.Equal(t, "3.9 KiB", got.FormattedSize)
}

func TestControlEndpointsUnknownTask(t *testing.T) {
	router, _ := newTestRouter(t)

	for _, tc := range []struct{ method, path string }{
		{http.MethodPost, "/api/tasks/nope/start"},
		{http.MethodPost, "/api/tasks/nope/pause"},
		{http.MethodPost, "/api/tasks/nope/resume"},
		{http.MethodPost, "/api/tasks/nope/cancel"},
		{http.MethodDelete, "/api/tasks/nope"},
		{http.MethodGet, "/api/tasks/nope/speed"},
	} {
		rec := doRequest(t, router, tc.method, tc.path, "")
		assert.Equal(t, http.StatusNotFound, rec.Code, "%s %s", tc.method, tc.path)
	}
}

func TestDeleteTaskEndpoint(t *testing.T) {
	router, _ := newTestRouter(t)

	task := createTaskViaAPI(t, router, "https://example.com/a.bin")

	rec := doRequest(t, router, http.MethodDelete, "/api/tasks/"+task.ID+"?delete_file=bogus", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = doRequest(t, router, http.MethodDelete, "/api/tasks/"+task.ID+"?delete_file=true", "")
	require.Equal(t, http.StatusOK, rec.Code)

	rec = doRequest(t, router, http.MethodGet, "/api/tasks/"+task.ID, "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestSpeedEndpoint(t *testing.T) {
	router, _ := newTestRouter(t)

	task := createTaskViaAPI(t, router, "https://example.com/a.bin")
	rec := doRequest(t, router, http.MethodGet, "/api/tasks/"+task.ID+"/speed", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var resp map[string]float64
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Zero(t, resp["speed"], "idle tasks report zero speed")
}

func TestHealthAndCORS(t *testing.T) {
	router, _ := newTestRouter(t)

	rec := doRequest(t, router, http.MethodGet, "/api/health", "")
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = doRequest(t, router, http.MethodOptions, "/api/tasks", "")
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Origin"))
}
