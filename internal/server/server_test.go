package server

import (
	"bytes"
	"context"
	"encoding/json"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"renderBridge/internal/config"
	"renderBridge/internal/database"
	"renderBridge/internal/engine"
	"renderBridge/internal/jobs"
	"renderBridge/internal/logger"
)

func TestMain(m *testing.M) {
	gin.SetMode(gin.TestMode)
	os.Exit(m.Run())
}

type fakeJobs struct {
	mu       sync.Mutex
	jobs     map[string]*database.GenerationJob
	order    []string
	received []engine.PromptRequest
	err      error
}

func newFakeJobs() *fakeJobs {
	return &fakeJobs{jobs: map[string]*database.GenerationJob{}}
}

func (f *fakeJobs) put(job *database.GenerationJob) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.jobs[job.ID] = job
	f.order = append(f.order, job.ID)
}

func (f *fakeJobs) Enqueue(_ context.Context, prompt string, attachments []engine.Attachment) (*database.GenerationJob, error) {
	req := engine.PromptRequest{Text: prompt, Attachments: attachments}
	if err := req.Validate(2); err != nil {
		return nil, err
	}
	if f.err != nil {
		return nil, f.err
	}
	f.mu.Lock()
	f.received = append(f.received, req)
	f.mu.Unlock()

	job := &database.GenerationJob{ID: "job-1", Status: database.JobPending, Prompt: prompt, AttachmentCount: len(attachments)}
	f.put(job)
	return job, nil
}

func (f *fakeJobs) Get(_ context.Context, id string) (*database.GenerationJob, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	job, ok := f.jobs[id]
	if !ok {
		return nil, database.ErrJobNotFound
	}
	return job, nil
}

func (f *fakeJobs) List(_ context.Context, limit, offset int) ([]database.GenerationJob, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []database.GenerationJob
	for i := len(f.order) - 1 - offset; i >= 0 && len(out) < limit; i-- {
		out = append(out, *f.jobs[f.order[i]])
	}
	return out, nil
}

type fixedState engine.State

func (s fixedState) State() engine.State { return engine.State(s) }

func newTestServer(t *testing.T, j JobService) http.Handler {
	t.Helper()
	log := &logger.Zap{Logger: zaptest.NewLogger(t)}
	return New(&config.Cfg{}, log, j, fixedState(engine.StateReady)).Handler()
}

func do(t *testing.T, h http.Handler, req *http.Request) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func multipartRequest(t *testing.T, prompt string, files map[string][]byte) *http.Request {
	t.Helper()
	var body bytes.Buffer
	w := multipart.NewWriter(&body)
	require.NoError(t, w.WriteField("prompt", prompt))
	for _, name := range []string{"room.png", "sofa.png", "lamp.png"} {
		data, ok := files[name]
		if !ok {
			continue
		}
		part, err := w.CreateFormFile("files", name)
		require.NoError(t, err)
		_, err = part.Write(data)
		require.NoError(t, err)
	}
	require.NoError(t, w.Close())

	req := httptest.NewRequest(http.MethodPost, "/api/generations", &body)
	req.Header.Set("Content-Type", w.FormDataContentType())
	return req
}

func TestHealth_ReportsSessionState(t *testing.T) {
	h := newTestServer(t, newFakeJobs())

	rec := do(t, h, httptest.NewRequest(http.MethodGet, "/health", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok","session":"ready"}`, rec.Body.String())
}

func TestCreateGeneration_Multipart(t *testing.T) {
	j := newFakeJobs()
	h := newTestServer(t, j)

	rec := do(t, h, multipartRequest(t, "render in daylight", map[string][]byte{
		"room.png": []byte("room-bytes"),
		"sofa.png": []byte("sofa-bytes"),
	}))

	require.Equal(t, http.StatusAccepted, rec.Code)
	assert.JSONEq(t, `{"job_id":"job-1","status":"pending"}`, rec.Body.String())

	require.Len(t, j.received, 1)
	req := j.received[0]
	assert.Equal(t, "render in daylight", req.Text)
	require.Len(t, req.Attachments, 2)
	assert.Equal(t, "room.png", req.Attachments[0].OriginalName)
	assert.Equal(t, []byte("room-bytes"), req.Attachments[0].Data)
	assert.Equal(t, "sofa.png", req.Attachments[1].OriginalName)
}

func TestCreateGeneration_JSON(t *testing.T) {
	j := newFakeJobs()
	h := newTestServer(t, j)

	req := httptest.NewRequest(http.MethodPost, "/api/generations", strings.NewReader(`{"prompt":"a cozy kitchen"}`))
	req.Header.Set("Content-Type", "application/json")
	rec := do(t, h, req)

	require.Equal(t, http.StatusAccepted, rec.Code)
	require.Len(t, j.received, 1)
	assert.Equal(t, "a cozy kitchen", j.received[0].Text)
	assert.Empty(t, j.received[0].Attachments)
}

func TestCreateGeneration_InvalidRequests(t *testing.T) {
	h := newTestServer(t, newFakeJobs())

	rec := do(t, h, multipartRequest(t, "   ", nil))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "Некорректный запрос")

	rec = do(t, h, multipartRequest(t, "x", map[string][]byte{
		"room.png": []byte("1"), "sofa.png": []byte("2"), "lamp.png": []byte("3"),
	}))
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	req := httptest.NewRequest(http.MethodPost, "/api/generations", strings.NewReader("prompt=x"))
	req.Header.Set("Content-Type", "text/plain")
	rec = do(t, h, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestCreateGeneration_QueueFull(t *testing.T) {
	j := newFakeJobs()
	j.err = jobs.ErrQueueFull
	h := newTestServer(t, j)

	rec := do(t, h, multipartRequest(t, "x", nil))

	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
}

func TestGetGeneration(t *testing.T) {
	j := newFakeJobs()
	j.put(&database.GenerationJob{
		ID:           "done",
		Status:       database.JobCompleted,
		Prompt:       "p",
		ArtifactPath: "/secret/path/done.png",
		ArtifactMime: "image/png",
	})
	j.put(&database.GenerationJob{
		ID:           "broken",
		Status:       database.JobFailed,
		ErrorKind:    "poll_timeout",
		ErrorMessage: "Генерация занимает слишком много времени, попробуйте ещё раз",
		ErrorDetail:  "engine: poll: нет изображения",
	})
	h := newTestServer(t, j)

	rec := do(t, h, httptest.NewRequest(http.MethodGet, "/api/generations/done", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	var view map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &view))
	assert.Equal(t, "completed", view["status"])
	assert.Equal(t, "/api/generations/done/artifact", view["artifact_url"])
	assert.NotContains(t, rec.Body.String(), "/secret/path")

	rec = do(t, h, httptest.NewRequest(http.MethodGet, "/api/generations/broken", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "Генерация занимает слишком много времени")
	assert.NotContains(t, rec.Body.String(), "нет изображения")

	rec = do(t, h, httptest.NewRequest(http.MethodGet, "/api/generations/nope", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestGetArtifact(t *testing.T) {
	path := filepath.Join(t.TempDir(), "done.png")
	require.NoError(t, os.WriteFile(path, []byte("\x89PNGdata"), 0o644))

	j := newFakeJobs()
	j.put(&database.GenerationJob{ID: "done", Status: database.JobCompleted, ArtifactPath: path, ArtifactMime: "image/png"})
	j.put(&database.GenerationJob{ID: "waiting", Status: database.JobRunning})
	h := newTestServer(t, j)

	rec := do(t, h, httptest.NewRequest(http.MethodGet, "/api/generations/done/artifact", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "image/png", rec.Header().Get("Content-Type"))
	assert.Equal(t, "\x89PNGdata", rec.Body.String())

	rec = do(t, h, httptest.NewRequest(http.MethodGet, "/api/generations/waiting/artifact", nil))
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestListGenerations(t *testing.T) {
	j := newFakeJobs()
	for _, id := range []string{"a", "b", "c"} {
		j.put(&database.GenerationJob{ID: id, Status: database.JobPending})
	}
	h := newTestServer(t, j)

	rec := do(t, h, httptest.NewRequest(http.MethodGet, "/api/generations?limit=2", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var views []jobView
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &views))
	require.Len(t, views, 2)
	assert.Equal(t, "c", views[0].ID)
	assert.Equal(t, "b", views[1].ID)
}
