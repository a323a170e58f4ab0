package router

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuongbtq/plotter-api/internal/api/handler"
	"github.com/cuongbtq/plotter-api/internal/archive"
	"github.com/cuongbtq/plotter-api/internal/controller"
	"github.com/cuongbtq/plotter-api/internal/domain"
	"github.com/cuongbtq/plotter-api/internal/driver"
	"github.com/cuongbtq/plotter-api/internal/project"
	"github.com/cuongbtq/plotter-api/internal/queue"
	"github.com/cuongbtq/plotter-api/internal/settings"
	"github.com/cuongbtq/plotter-api/internal/upload"
	"github.com/cuongbtq/plotter-api/internal/worker"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type testEnv struct {
	router *gin.Engine
	deps   *handler.Dependencies
	queue  *queue.Queue
	ctrl   *controller.Controller
	worker *worker.Worker
	dir    string

	mu        sync.Mutex
	cancelled []string
}

// cancelledIDs lists jobs announced as cancelled before they started
func (e *testEnv) cancelledIDs() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]string(nil), e.cancelled...)
}

type envConfig struct {
	mode      worker.Mode
	sim       driver.SimConfig
	queueSize int
	opts      Options
	mutate    func(d *handler.Dependencies)
}

func fastSim() driver.SimConfig {
	return driver.SimConfig{MMPerByte: 1, StepMM: 50, StepDelay: time.Millisecond}
}

// slowSim keeps a 200 byte job drawing for several seconds
func slowSim() driver.SimConfig {
	return driver.SimConfig{MMPerByte: 1, StepMM: 1, StepDelay: 20 * time.Millisecond}
}

func newTestEnv(t *testing.T, cfg envConfig) *testEnv {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	dir := t.TempDir()

	if cfg.mode == "" {
		cfg.mode = worker.ModeQueued
	}
	if cfg.queueSize == 0 {
		cfg.queueSize = 10
	}
	if cfg.sim == (driver.SimConfig{}) {
		cfg.sim = fastSim()
	}

	q, err := queue.New(filepath.Join(dir, "queue", "state.json"), cfg.queueSize, logger)
	require.NoError(t, err)

	store, err := settings.New(filepath.Join(dir, "config", "settings.json"), nil, logger)
	require.NoError(t, err)

	ctrl := controller.New(controller.Config{
		Logger:   logger,
		Factory:  driver.NewSimDevice(cfg.sim).Factory(),
		Defaults: store.Values,
	})
	require.NoError(t, ctrl.Initialize(context.Background()))
	ctrl.AddObserver(worker.NewRecorder(q, logger))

	projects, err := project.NewManager(filepath.Join(dir, "projects"), logger)
	require.NoError(t, err)
	ctrl.AddObserver(projects)
	q.SetCancelListener(ctrl.AnnounceCancelled)

	uploadDir := filepath.Join(dir, "uploads")
	uploads, err := upload.NewAssembler(filepath.Join(uploadDir, ".chunks"), uploadDir, logger)
	require.NoError(t, err)

	w := worker.NewWorker(&worker.Config{
		Logger:       logger,
		Queue:        q,
		Controller:   ctrl,
		Mode:         cfg.mode,
		PollInterval: 5 * time.Millisecond,
	})

	deps := &handler.Dependencies{
		Logger:         logger,
		Queue:          q,
		Controller:     ctrl,
		Worker:         w,
		Uploads:        uploads,
		Projects:       projects,
		Settings:       store,
		Background:     context.Background(),
		InitTimeout:    5 * time.Second,
		UploadDir:      uploadDir,
		MaxInlineBytes: 1 << 20,
		MaxUploadBytes: 4 << 20,
		ServiceName:    "plotter-api-test",
	}
	if cfg.mutate != nil {
		cfg.mutate(deps)
	}

	t.Cleanup(func() {
		w.Stop()
		_ = ctrl.Close()
	})

	env := &testEnv{
		router: SetupRouter(deps, cfg.opts),
		deps:   deps,
		queue:  q,
		ctrl:   ctrl,
		worker: w,
		dir:    dir,
	}
	ctrl.AddObserver(controller.ObserverFunc(func(_ context.Context, ev controller.Event) {
		if ev.Type == controller.EventCancelled {
			env.mu.Lock()
			env.cancelled = append(env.cancelled, ev.Job.ID)
			env.mu.Unlock()
		}
	}))
	return env
}

func (e *testEnv) do(req *http.Request) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, req)
	return w
}

func (e *testEnv) doJSON(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var r io.Reader = http.NoBody
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(t, err)
		r = bytes.NewReader(b)
	}
	req := httptest.NewRequest(method, path, r)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return e.do(req)
}

type formFile struct {
	field    string
	filename string
	data     []byte
}

func multipartRequest(t *testing.T, path string, fields map[string]string, file *formFile) *http.Request {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	for k, v := range fields {
		require.NoError(t, mw.WriteField(k, v))
	}
	if file != nil {
		fw, err := mw.CreateFormFile(file.field, file.filename)
		require.NoError(t, err)
		_, err = fw.Write(file.data)
		require.NoError(t, err)
	}
	require.NoError(t, mw.Close())

	req := httptest.NewRequest(http.MethodPost, path, &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	return req
}

func decode(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out), w.Body.String())
	return out
}

func svg(n int) string {
	return "<svg>" + strings.Repeat("p", n) + "</svg>"
}

func TestHealth(t *testing.T) {
	t.Run("no backends", func(t *testing.T) {
		env := newTestEnv(t, envConfig{})
		w := env.doJSON(t, http.MethodGet, "/health", nil)

		assert.Equal(t, http.StatusOK, w.Code)
		body := decode(t, w)
		assert.Equal(t, "healthy", body["status"])
		assert.Equal(t, "plotter-api-test", body["service"])
	})

	t.Run("failing backend", func(t *testing.T) {
		env := newTestEnv(t, envConfig{mutate: func(d *handler.Dependencies) {
			d.Checks = map[string]handler.HealthChecker{
				"database": checkerFunc(func(context.Context) error { return errors.New("connection refused") }),
				"rabbitmq": checkerFunc(func(context.Context) error { return nil }),
			}
		}})
		w := env.doJSON(t, http.MethodGet, "/health", nil)

		assert.Equal(t, http.StatusServiceUnavailable, w.Code)
		body := decode(t, w)
		assert.Equal(t, "degraded", body["status"])
		backends := body["backends"].(map[string]any)
		assert.Equal(t, "connection refused", backends["database"])
		assert.Equal(t, "ok", backends["rabbitmq"])
	})
}

type checkerFunc func(ctx context.Context) error

func (f checkerFunc) HealthCheck(ctx context.Context) error { return f(ctx) }

func TestMetricsEndpoint(t *testing.T) {
	env := newTestEnv(t, envConfig{})
	w := env.doJSON(t, http.MethodGet, "/metrics", nil)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestSubmitJobJSON(t *testing.T) {
	tests := []struct {
		name       string
		body       map[string]any
		wantStatus int
		wantCode   string
	}{
		{
			name:       "inline content",
			body:       map[string]any{"name": "flower", "svg_content": svg(10), "priority": 2},
			wantStatus: http.StatusAccepted,
		},
		{
			name:       "no artifact",
			body:       map[string]any{"name": "empty"},
			wantStatus: http.StatusBadRequest,
			wantCode:   "no_valid_artifact",
		},
		{
			name:       "content and file",
			body:       map[string]any{"svg_content": svg(10), "svg_file": "/tmp/a.svg"},
			wantStatus: http.StatusBadRequest,
			wantCode:   "no_valid_artifact",
		},
		{
			name:       "negative start offset",
			body:       map[string]any{"svg_content": svg(10), "start_mm": -5},
			wantStatus: http.StatusBadRequest,
			wantCode:   "invalid_job",
		},
		{
			name:       "too large",
			body:       map[string]any{"svg_content": svg(100)},
			wantStatus: http.StatusRequestEntityTooLarge,
			wantCode:   "too_large",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t, envConfig{mutate: func(d *handler.Dependencies) {
				d.MaxInlineBytes = 64
			}})

			w := env.doJSON(t, http.MethodPost, "/api/v1/jobs", tt.body)
			require.Equal(t, tt.wantStatus, w.Code, w.Body.String())

			body := decode(t, w)
			if tt.wantCode != "" {
				assert.Equal(t, tt.wantCode, body["code"])
				assert.Equal(t, 0, env.queue.Len())
				return
			}
			assert.Equal(t, "queued", body["status"])
			assert.Equal(t, float64(1), body["queue_position"])
			assert.Equal(t, "Job queued", body["message"])

			job, err := env.queue.Get(body["job_id"].(string))
			require.NoError(t, err)
			assert.Equal(t, "flower", job.Name)
			assert.Equal(t, 2, job.Priority)
		})
	}
}

func TestSubmitJobMalformedJSON(t *testing.T) {
	env := newTestEnv(t, envConfig{})
	req := httptest.NewRequest(http.MethodPost, "/api/v1/jobs", strings.NewReader("{not json"))
	req.Header.Set("Content-Type", "application/json")

	w := env.do(req)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "bad_request", decode(t, w)["code"])
}

func TestSubmitJobMultipart(t *testing.T) {
	t.Run("svg file", func(t *testing.T) {
		env := newTestEnv(t, envConfig{})
		content := []byte(svg(20))
		req := multipartRequest(t, "/api/v1/jobs",
			map[string]string{
				"name":             "uploaded",
				"priority":         "3",
				"config_overrides": `{"speed_pendown":40}`,
			},
			&formFile{field: "svg_file", filename: "drawing.svg", data: content},
		)

		w := env.do(req)
		require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())

		job, err := env.queue.Get(decode(t, w)["job_id"].(string))
		require.NoError(t, err)
		assert.Equal(t, "uploaded", job.Name)
		assert.Equal(t, 3, job.Priority)
		assert.Equal(t, "drawing.svg", job.OriginalFilename)
		assert.Equal(t, int64(len(content)), job.FileSize)
		assert.Equal(t, float64(40), job.ConfigOverrides["speed_pendown"])
		assert.Empty(t, job.SVGContent)

		stored, err := os.ReadFile(job.SVGFile)
		require.NoError(t, err)
		assert.Equal(t, content, stored)
		assert.Equal(t, env.deps.UploadDir, filepath.Dir(job.SVGFile))
	})

	t.Run("rejects other extensions", func(t *testing.T) {
		env := newTestEnv(t, envConfig{})
		req := multipartRequest(t, "/api/v1/jobs", nil,
			&formFile{field: "svg_file", filename: "notes.txt", data: []byte("hello")})

		w := env.do(req)
		assert.Equal(t, http.StatusBadRequest, w.Code)
		assert.Equal(t, 0, env.queue.Len())
	})

	t.Run("missing file", func(t *testing.T) {
		env := newTestEnv(t, envConfig{})
		req := multipartRequest(t, "/api/v1/jobs", map[string]string{"name": "x"}, nil)

		w := env.do(req)
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})

	t.Run("body over the upload limit", func(t *testing.T) {
		env := newTestEnv(t, envConfig{mutate: func(d *handler.Dependencies) {
			d.MaxUploadBytes = 256
		}})
		req := multipartRequest(t, "/api/v1/jobs", nil,
			&formFile{field: "svg_file", filename: "big.svg", data: []byte(svg(4096))})

		w := env.do(req)
		assert.Equal(t, http.StatusRequestEntityTooLarge, w.Code)
	})
}

func TestSubmitJobQueueFull(t *testing.T) {
	env := newTestEnv(t, envConfig{queueSize: 1})

	w := env.doJSON(t, http.MethodPost, "/api/v1/jobs", map[string]any{"svg_content": svg(5)})
	require.Equal(t, http.StatusAccepted, w.Code)

	w = env.doJSON(t, http.MethodPost, "/api/v1/jobs", map[string]any{"svg_content": svg(5)})
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Equal(t, "30", w.Header().Get("Retry-After"))
	assert.Equal(t, "queue_full", decode(t, w)["code"])
}

// uploadedFiles lists the reassembled or stored SVG files in the upload dir
func uploadedFiles(t *testing.T, env *testEnv) []string {
	t.Helper()
	entries, err := os.ReadDir(env.deps.UploadDir)
	require.NoError(t, err)
	var names []string
	for _, e := range entries {
		if !e.IsDir() {
			names = append(names, e.Name())
		}
	}
	return names
}

func TestSubmitJobMultipartRejectedLeavesNoFile(t *testing.T) {
	env := newTestEnv(t, envConfig{queueSize: 1})
	w := env.doJSON(t, http.MethodPost, "/api/v1/jobs", map[string]any{"svg_content": svg(5)})
	require.Equal(t, http.StatusAccepted, w.Code)

	req := multipartRequest(t, "/api/v1/jobs", nil,
		&formFile{field: "svg_file", filename: "drawing.svg", data: []byte(svg(5))})
	w = env.do(req)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Empty(t, uploadedFiles(t, env))

	req = multipartRequest(t, "/api/v1/jobs", map[string]string{"start_mm": "-1"},
		&formFile{field: "svg_file", filename: "drawing.svg", data: []byte(svg(5))})
	w = env.do(req)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Empty(t, uploadedFiles(t, env))
}

func TestChunkedUploadRetriesAfterQueueFull(t *testing.T) {
	env := newTestEnv(t, envConfig{queueSize: 1})
	w := env.doJSON(t, http.MethodPost, "/api/v1/jobs", map[string]any{"svg_content": svg(5)})
	require.Equal(t, http.StatusAccepted, w.Code)

	content := []byte(svg(100))
	parts := [][]byte{content[:50], content[50:]}
	fileID := uuid.NewString()
	send := func(index int) *httptest.ResponseRecorder {
		return env.do(multipartRequest(t, "/api/v1/jobs/chunk",
			map[string]string{
				"file_id":      fileID,
				"chunk":        fmt.Sprint(index),
				"total_chunks": "2",
				"filename":     "big.svg",
				"name":         "big",
			},
			&formFile{field: "chunk_data", filename: "blob", data: parts[index]},
		))
	}

	require.Equal(t, http.StatusOK, send(0).Code)
	w = send(1)
	require.Equal(t, http.StatusServiceUnavailable, w.Code, w.Body.String())
	assert.Equal(t, "queue_full", decode(t, w)["code"])
	assert.Len(t, uploadedFiles(t, env), 1, "the reassembled file is kept")

	_, err := env.queue.Clear()
	require.NoError(t, err)

	w = send(1)
	require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())
	body := decode(t, w)
	assert.Equal(t, true, body["complete"])
	jobID := body["job"].(map[string]any)["job_id"].(string)
	assert.Equal(t, jobID, body["job_id"])

	job, err := env.queue.Get(jobID)
	require.NoError(t, err)
	assert.Equal(t, "big", job.Name)
	stored, err := os.ReadFile(job.SVGFile)
	require.NoError(t, err)
	assert.Equal(t, content, stored)

	// a duplicate of the last chunk reports the existing job
	w = send(1)
	require.Equal(t, http.StatusOK, w.Code)
	body = decode(t, w)
	assert.Equal(t, jobID, body["job_id"])
	assert.Nil(t, body["job"])
	assert.Equal(t, 1, env.queue.Len())
}

func TestQueueOperations(t *testing.T) {
	env := newTestEnv(t, envConfig{})

	submit := func(name string, priority int) string {
		w := env.doJSON(t, http.MethodPost, "/api/v1/jobs",
			map[string]any{"name": name, "svg_content": svg(5), "priority": priority})
		require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())
		return decode(t, w)["job_id"].(string)
	}
	low := submit("low", 1)
	high := submit("high", 5)
	mid := submit("mid", 3)

	t.Run("list orders by priority", func(t *testing.T) {
		w := env.doJSON(t, http.MethodGet, "/api/v1/jobs", nil)
		require.Equal(t, http.StatusOK, w.Code)

		body := decode(t, w)
		queued := body["queued"].([]any)
		require.Len(t, queued, 3)
		var order []string
		for _, q := range queued {
			order = append(order, q.(map[string]any)["id"].(string))
		}
		assert.Equal(t, []string{high, mid, low}, order)
		assert.Equal(t, float64(3), body["stats"].(map[string]any)["queued"])
	})

	t.Run("get job with position", func(t *testing.T) {
		w := env.doJSON(t, http.MethodGet, "/api/v1/jobs/"+mid, nil)
		require.Equal(t, http.StatusOK, w.Code)
		body := decode(t, w)
		assert.Equal(t, float64(2), body["queue_position"])
		assert.Equal(t, "mid", body["job"].(map[string]any)["name"])
	})

	t.Run("unknown job", func(t *testing.T) {
		w := env.doJSON(t, http.MethodGet, "/api/v1/jobs/"+uuid.NewString(), nil)
		assert.Equal(t, http.StatusNotFound, w.Code)
		assert.Equal(t, "job_not_found", decode(t, w)["code"])
	})

	t.Run("reorder", func(t *testing.T) {
		w := env.doJSON(t, http.MethodPut, "/api/v1/jobs/"+low+"/position", map[string]any{"position": 1})
		require.Equal(t, http.StatusOK, w.Code, w.Body.String())
		assert.Equal(t, float64(1), decode(t, w)["position"])
		assert.Equal(t, 1, env.queue.Position(low))
		assert.Equal(t, 2, env.queue.Position(high))
	})

	t.Run("reorder needs a position", func(t *testing.T) {
		w := env.doJSON(t, http.MethodPut, "/api/v1/jobs/"+low+"/position", map[string]any{"position": 0})
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})

	t.Run("cancel", func(t *testing.T) {
		w := env.doJSON(t, http.MethodPost, "/api/v1/jobs/"+mid+"/cancel", nil)
		require.Equal(t, http.StatusOK, w.Code, w.Body.String())
		assert.Equal(t, "cancelled", decode(t, w)["status"])

		job, err := env.queue.Get(mid)
		require.NoError(t, err)
		assert.Equal(t, domain.JobStatusCancelled, job.Status)
		assert.Equal(t, 0, env.queue.Position(mid))
		assert.Equal(t, []string{mid}, env.cancelledIDs())
	})

	t.Run("cancel twice", func(t *testing.T) {
		w := env.doJSON(t, http.MethodPost, "/api/v1/jobs/"+mid+"/cancel", nil)
		assert.Equal(t, http.StatusConflict, w.Code)
		assert.Equal(t, "invalid_state", decode(t, w)["code"])
	})

	t.Run("clear", func(t *testing.T) {
		w := env.doJSON(t, http.MethodPost, "/api/v1/queue/clear", nil)
		require.Equal(t, http.StatusOK, w.Code)
		assert.Equal(t, float64(2), decode(t, w)["cancelled"])
		assert.Equal(t, 0, env.queue.Len())
		assert.ElementsMatch(t, []string{mid, low, high}, env.cancelledIDs())
	})
}

func TestChunkedUpload(t *testing.T) {
	env := newTestEnv(t, envConfig{})
	content := []byte(svg(300))
	parts := [][]byte{content[:100], content[100:200], content[200:]}
	fileID := uuid.NewString()

	send := func(index int) *httptest.ResponseRecorder {
		req := multipartRequest(t, "/api/v1/jobs/chunk",
			map[string]string{
				"file_id":      fileID,
				"chunk":        fmt.Sprint(index),
				"total_chunks": "3",
				"filename":     "large.svg",
				"priority":     "2",
			},
			&formFile{field: "chunk_data", filename: "blob", data: parts[index]},
		)
		return env.do(req)
	}

	// out of order arrival
	w := send(2)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	body := decode(t, w)
	assert.Equal(t, false, body["complete"])
	assert.Equal(t, float64(1), body["received_chunks"])
	assert.Nil(t, body["job"])

	w = send(0)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, float64(66), decode(t, w)["progress"])

	w = env.doJSON(t, http.MethodGet, "/api/v1/jobs/chunk/"+fileID, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, float64(2), decode(t, w)["received_chunks"])

	w = send(1)
	require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())
	body = decode(t, w)
	assert.Equal(t, true, body["complete"])
	jobResp := body["job"].(map[string]any)
	assert.Equal(t, "queued", jobResp["status"])

	job, err := env.queue.Get(jobResp["job_id"].(string))
	require.NoError(t, err)
	assert.Equal(t, "large.svg", job.Name)
	assert.Equal(t, 2, job.Priority)
	stored, err := os.ReadFile(job.SVGFile)
	require.NoError(t, err)
	assert.Equal(t, content, stored)

	t.Run("status after completion", func(t *testing.T) {
		w := env.doJSON(t, http.MethodGet, "/api/v1/jobs/chunk/"+fileID, nil)
		require.Equal(t, http.StatusOK, w.Code)
		assert.Equal(t, true, decode(t, w)["complete"])
	})

	t.Run("mismatched total", func(t *testing.T) {
		other := uuid.NewString()
		first := multipartRequest(t, "/api/v1/jobs/chunk",
			map[string]string{"file_id": other, "chunk": "0", "total_chunks": "2", "filename": "a.svg"},
			&formFile{field: "chunk_data", filename: "blob", data: []byte("abc")})
		require.Equal(t, http.StatusOK, env.do(first).Code)

		second := multipartRequest(t, "/api/v1/jobs/chunk",
			map[string]string{"file_id": other, "chunk": "1", "total_chunks": "5", "filename": "a.svg"},
			&formFile{field: "chunk_data", filename: "blob", data: []byte("def")})
		w := env.do(second)
		assert.Equal(t, http.StatusBadRequest, w.Code)
		assert.Equal(t, "chunk_mismatch", decode(t, w)["code"])
	})

	t.Run("invalid chunk index", func(t *testing.T) {
		req := multipartRequest(t, "/api/v1/jobs/chunk",
			map[string]string{"file_id": uuid.NewString(), "chunk": "x", "total_chunks": "2"},
			&formFile{field: "chunk_data", filename: "blob", data: []byte("abc")})
		assert.Equal(t, http.StatusBadRequest, env.do(req).Code)
	})

	t.Run("unknown session", func(t *testing.T) {
		w := env.doJSON(t, http.MethodGet, "/api/v1/jobs/chunk/"+uuid.NewString(), nil)
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})
}

func TestChunkRateLimit(t *testing.T) {
	env := newTestEnv(t, envConfig{opts: Options{ChunkRateLimit: 0.001, ChunkBurst: 1}})

	chunk := func() *httptest.ResponseRecorder {
		return env.do(multipartRequest(t, "/api/v1/jobs/chunk",
			map[string]string{"file_id": uuid.NewString(), "chunk": "0", "total_chunks": "2", "filename": "a.svg"},
			&formFile{field: "chunk_data", filename: "blob", data: []byte("abc")}))
	}

	assert.Equal(t, http.StatusOK, chunk().Code)
	w := chunk()
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Equal(t, "1", w.Header().Get("Retry-After"))

	// other routes are not limited
	assert.Equal(t, http.StatusOK, env.doJSON(t, http.MethodGet, "/api/v1/status", nil).Code)
}

func TestStatus(t *testing.T) {
	env := newTestEnv(t, envConfig{})
	w := env.doJSON(t, http.MethodGet, "/api/v1/status", nil)
	require.Equal(t, http.StatusOK, w.Code)

	body := decode(t, w)
	device := body["device"].(map[string]any)
	assert.Equal(t, "IDLE", device["state"])
	assert.Equal(t, "queued", body["dispatcher"].(map[string]any)["mode"])
	assert.Equal(t, float64(10), body["queue"].(map[string]any)["max_queue_size"])
}

func TestPlotterTransitionsWhileIdle(t *testing.T) {
	env := newTestEnv(t, envConfig{})

	for _, path := range []string{"/api/v1/plotter/pause", "/api/v1/plotter/resume", "/api/v1/plotter/stop"} {
		t.Run(path, func(t *testing.T) {
			w := env.doJSON(t, http.MethodPost, path, nil)
			assert.Equal(t, http.StatusConflict, w.Code)
			assert.Equal(t, "invalid_state", decode(t, w)["code"])
		})
	}
}

func TestInitializeStartsDispatcher(t *testing.T) {
	env := newTestEnv(t, envConfig{})
	require.False(t, env.worker.Running())

	w := env.doJSON(t, http.MethodPost, "/api/v1/plotter/initialize", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.NotNil(t, decode(t, w)["device"])
	assert.True(t, env.worker.Running())

	w = env.doJSON(t, http.MethodPost, "/api/v1/jobs", map[string]any{"svg_content": svg(20)})
	require.Equal(t, http.StatusAccepted, w.Code)
	id := decode(t, w)["job_id"].(string)

	require.Eventually(t, func() bool {
		job, err := env.queue.Get(id)
		return err == nil && job.Status == domain.JobStatusCompleted
	}, 5*time.Second, 10*time.Millisecond)
}

func TestDirectModeLifecycle(t *testing.T) {
	env := newTestEnv(t, envConfig{mode: worker.ModeDirect, sim: slowSim()})

	w := env.doJSON(t, http.MethodPost, "/api/v1/jobs", map[string]any{"name": "long", "svg_content": svg(200)})
	require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())
	body := decode(t, w)
	assert.Equal(t, true, body["started"])
	assert.Equal(t, "Job started", body["message"])
	id := body["job_id"].(string)

	require.Eventually(t, func() bool {
		job, err := env.queue.Get(id)
		return err == nil && job.Status == domain.JobStatusRunning
	}, 5*time.Second, 10*time.Millisecond)

	t.Run("second submit is busy", func(t *testing.T) {
		w := env.doJSON(t, http.MethodPost, "/api/v1/jobs", map[string]any{"svg_content": svg(5)})
		assert.Equal(t, http.StatusConflict, w.Code)
		assert.Equal(t, "busy", decode(t, w)["code"])
	})

	t.Run("utility is busy", func(t *testing.T) {
		w := env.doJSON(t, http.MethodPost, "/api/v1/plotter/utility", map[string]any{"command": "raise_pen"})
		assert.Equal(t, http.StatusConflict, w.Code)
	})

	t.Run("cancel of the active job points at stop", func(t *testing.T) {
		w := env.doJSON(t, http.MethodPost, "/api/v1/jobs/"+id+"/cancel", nil)
		assert.Equal(t, http.StatusConflict, w.Code)
		assert.Contains(t, decode(t, w)["error"], "/api/v1/plotter/stop")
	})

	t.Run("pause and resume", func(t *testing.T) {
		w := env.doJSON(t, http.MethodPost, "/api/v1/plotter/pause", nil)
		require.Equal(t, http.StatusOK, w.Code, w.Body.String())

		assert.Equal(t, controller.StatePaused, env.ctrl.Snapshot().State)

		// resume needs the progress artifact from the halted draw
		require.Eventually(t, func() bool {
			job, err := env.queue.Get(id)
			return env.ctrl.Snapshot().HasProgress && err == nil && job.Status == domain.JobStatusPaused
		}, 5*time.Second, 10*time.Millisecond)

		w = env.doJSON(t, http.MethodPost, "/api/v1/plotter/resume", nil)
		require.Equal(t, http.StatusOK, w.Code, w.Body.String())
		assert.Equal(t, "PLOTTING", decode(t, w)["state"])
	})

	t.Run("stop", func(t *testing.T) {
		w := env.doJSON(t, http.MethodPost, "/api/v1/plotter/stop", nil)
		require.Equal(t, http.StatusOK, w.Code, w.Body.String())

		require.Eventually(t, func() bool {
			job, err := env.queue.Get(id)
			return err == nil && job.Status == domain.JobStatusCancelled
		}, 5*time.Second, 10*time.Millisecond)
		assert.Equal(t, controller.StateIdle, env.ctrl.Snapshot().State)
	})
}

func TestUtility(t *testing.T) {
	env := newTestEnv(t, envConfig{})

	tests := []struct {
		name       string
		body       map[string]any
		wantStatus int
	}{
		{name: "raise pen", body: map[string]any{"command": "raise_pen"}, wantStatus: http.StatusOK},
		{name: "move", body: map[string]any{"command": "move", "direction": "x", "distance": 10, "units": "mm"}, wantStatus: http.StatusOK},
		{name: "bad move", body: map[string]any{"command": "move", "direction": "z"}, wantStatus: http.StatusBadRequest},
		{name: "unknown", body: map[string]any{"command": "dance"}, wantStatus: http.StatusBadRequest},
		{name: "missing command", body: map[string]any{}, wantStatus: http.StatusBadRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := env.doJSON(t, http.MethodPost, "/api/v1/plotter/utility", tt.body)
			assert.Equal(t, tt.wantStatus, w.Code, w.Body.String())
		})
	}
}

func TestSettings(t *testing.T) {
	env := newTestEnv(t, envConfig{})

	w := env.doJSON(t, http.MethodGet, "/api/v1/config", nil)
	require.Equal(t, http.StatusOK, w.Code)
	defaults := decode(t, w)["plotter_settings"].(map[string]any)
	require.Contains(t, defaults, "speed_pendown")

	t.Run("update", func(t *testing.T) {
		w := env.doJSON(t, http.MethodPut, "/api/v1/config",
			map[string]any{"plotter_settings": map[string]any{"speed_pendown": 33}})
		require.Equal(t, http.StatusOK, w.Code, w.Body.String())
		got := decode(t, w)["plotter_settings"].(map[string]any)
		assert.Equal(t, float64(33), got["speed_pendown"])
		assert.Equal(t, 33, env.deps.Settings.Values()["speed_pendown"])
	})

	t.Run("invalid value changes nothing", func(t *testing.T) {
		w := env.doJSON(t, http.MethodPut, "/api/v1/config",
			map[string]any{"plotter_settings": map[string]any{"speed_penup": 50, "speed_pendown": 500}})
		assert.Equal(t, http.StatusBadRequest, w.Code)
		assert.Equal(t, "invalid_setting", decode(t, w)["code"])
		assert.Equal(t, 33, env.deps.Settings.Values()["speed_pendown"])
	})

	t.Run("missing body", func(t *testing.T) {
		w := env.doJSON(t, http.MethodPut, "/api/v1/config", map[string]any{})
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})

	t.Run("reset", func(t *testing.T) {
		w := env.doJSON(t, http.MethodPost, "/api/v1/config/reset", nil)
		require.Equal(t, http.StatusOK, w.Code)
		assert.Equal(t, defaults["speed_pendown"], decode(t, w)["plotter_settings"].(map[string]any)["speed_pendown"])
	})
}

func TestProjectWorkflow(t *testing.T) {
	env := newTestEnv(t, envConfig{})

	t.Run("no project", func(t *testing.T) {
		w := env.doJSON(t, http.MethodGet, "/api/v1/project", nil)
		assert.Equal(t, http.StatusNotFound, w.Code)
		assert.Equal(t, "no_active_project", decode(t, w)["code"])
	})

	t.Run("invalid create", func(t *testing.T) {
		w := env.doJSON(t, http.MethodPost, "/api/v1/project", map[string]any{"name": "p", "total_layers": 0})
		assert.Equal(t, http.StatusBadRequest, w.Code)

		w = env.doJSON(t, http.MethodPost, "/api/v1/project",
			map[string]any{"name": "p", "total_layers": 1, "layer_names": []string{"a", "b"}})
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})

	w := env.doJSON(t, http.MethodPost, "/api/v1/project", map[string]any{
		"name":         "poster",
		"total_layers": 2,
		"layer_names":  []string{"outline", "fill"},
		"config":       map[string]any{"speed_pendown": 20},
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	proj := decode(t, w)["project"].(map[string]any)
	assert.Equal(t, "poster", proj["name"])
	assert.Len(t, proj["layers"], 2)

	t.Run("plot before upload", func(t *testing.T) {
		w := env.doJSON(t, http.MethodPost, "/api/v1/plot/layers/"+domain.LayerID(0), nil)
		assert.Equal(t, http.StatusConflict, w.Code)
		assert.Equal(t, "project_not_ready", decode(t, w)["code"])
	})

	t.Run("upload layer", func(t *testing.T) {
		req := multipartRequest(t, "/api/v1/project/layers/"+domain.LayerID(0), nil,
			&formFile{field: "svg_file", filename: "outline.svg", data: []byte(svg(10))})
		w := env.do(req)
		require.Equal(t, http.StatusOK, w.Code, w.Body.String())
		assert.Equal(t, "complete", decode(t, w)["layer"].(map[string]any)["status"])
	})

	t.Run("upload layer in chunks", func(t *testing.T) {
		fileID := uuid.NewString()
		content := []byte(svg(40))
		for i, part := range [][]byte{content[:20], content[20:]} {
			req := multipartRequest(t, "/api/v1/project/layers/"+domain.LayerID(1)+"/chunk",
				map[string]string{"file_id": fileID, "chunk": fmt.Sprint(i), "total_chunks": "2", "filename": "fill.svg"},
				&formFile{field: "chunk_data", filename: "blob", data: part})
			w := env.do(req)
			require.Equal(t, http.StatusOK, w.Code, w.Body.String())
		}

		w := env.doJSON(t, http.MethodGet, "/api/v1/project", nil)
		require.Equal(t, http.StatusOK, w.Code)
		assert.Equal(t, "ready", decode(t, w)["project"].(map[string]any)["status"])
	})

	t.Run("unknown layer", func(t *testing.T) {
		w := env.doJSON(t, http.MethodPost, "/api/v1/plot/layers/layer_9", nil)
		assert.Equal(t, http.StatusBadRequest, w.Code)
		assert.Equal(t, "invalid_layer", decode(t, w)["code"])
	})

	t.Run("plot layer", func(t *testing.T) {
		w := env.doJSON(t, http.MethodPost, "/api/v1/plot/layers/"+domain.LayerID(1),
			map[string]any{"priority": 2, "config_overrides": map[string]any{"speed_penup": 70}})
		require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())

		job, err := env.queue.Get(decode(t, w)["job_id"].(string))
		require.NoError(t, err)
		assert.Equal(t, 2, job.Priority)
		assert.Equal(t, float64(20), toFloat(job.ConfigOverrides["speed_pendown"]))
		assert.Equal(t, float64(70), toFloat(job.ConfigOverrides["speed_penup"]))
		assert.NotEmpty(t, job.ProjectID)
		assert.Equal(t, domain.LayerID(1), job.LayerID)
	})

	t.Run("delete", func(t *testing.T) {
		w := env.doJSON(t, http.MethodDelete, "/api/v1/project", nil)
		assert.Equal(t, http.StatusNoContent, w.Code)

		w = env.doJSON(t, http.MethodGet, "/api/v1/project", nil)
		assert.Equal(t, http.StatusNotFound, w.Code)
	})
}

func toFloat(v any) float64 {
	switch n := v.(type) {
	case int:
		return float64(n)
	case float64:
		return n
	}
	return -1
}

type fakeHistory struct {
	rows   []archive.JobRow
	err    error
	filter archive.JobFilter
}

func (f *fakeHistory) ListJobs(_ context.Context, filter archive.JobFilter) ([]archive.JobRow, error) {
	f.filter = filter
	if f.err != nil {
		return nil, f.err
	}
	n := min(len(f.rows), filter.PageSize+1)
	return f.rows[:n], nil
}

func (f *fakeHistory) GetJobByID(_ context.Context, jobID string) (*archive.JobRow, error) {
	if f.err != nil {
		return nil, f.err
	}
	for i := range f.rows {
		if f.rows[i].JobID == jobID {
			row := f.rows[i]
			return &row, nil
		}
	}
	return nil, domain.ErrJobNotFound
}

func TestGetJobFallsBackToArchive(t *testing.T) {
	store := &fakeHistory{rows: []archive.JobRow{{
		JobID:       "evicted",
		Name:        "old drawing",
		Status:      "completed",
		DrawnMM:     12.5,
		SubmittedAt: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
		CompletedAt: time.Date(2026, 3, 1, 12, 5, 0, 0, time.UTC),
	}}}
	env := newTestEnv(t, envConfig{mutate: func(d *handler.Dependencies) { d.History = store }})

	w := env.doJSON(t, http.MethodGet, "/api/v1/jobs/evicted", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	body := decode(t, w)
	assert.Equal(t, true, body["archived"])
	job := body["job"].(map[string]any)
	assert.Equal(t, "old drawing", job["name"])
	assert.Equal(t, 12.5, job["drawn_mm"])

	w = env.doJSON(t, http.MethodGet, "/api/v1/jobs/never-seen", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	// live jobs are served from the registry
	w = env.doJSON(t, http.MethodPost, "/api/v1/jobs", map[string]any{"svg_content": svg(5)})
	require.Equal(t, http.StatusAccepted, w.Code)
	id := decode(t, w)["job_id"].(string)
	w = env.doJSON(t, http.MethodGet, "/api/v1/jobs/"+id, nil)
	require.Equal(t, http.StatusOK, w.Code)
	body = decode(t, w)
	assert.Nil(t, body["archived"])
	assert.Equal(t, float64(1), body["queue_position"])
}

func TestHistory(t *testing.T) {
	t.Run("disabled", func(t *testing.T) {
		env := newTestEnv(t, envConfig{})
		w := env.doJSON(t, http.MethodGet, "/api/v1/history", nil)
		assert.Equal(t, http.StatusNotFound, w.Code)
		assert.Equal(t, "not_configured", decode(t, w)["code"])
	})

	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	store := &fakeHistory{}
	for i := 0; i < 3; i++ {
		store.rows = append(store.rows, archive.JobRow{
			JobID:       fmt.Sprintf("job-%d", i),
			Name:        "n",
			Status:      "completed",
			SubmittedAt: base,
			CompletedAt: base.Add(-time.Duration(i) * time.Minute),
		})
	}
	env := newTestEnv(t, envConfig{mutate: func(d *handler.Dependencies) { d.History = store }})

	t.Run("first page", func(t *testing.T) {
		w := env.doJSON(t, http.MethodGet, "/api/v1/history?page_size=2&status=completed", nil)
		require.Equal(t, http.StatusOK, w.Code, w.Body.String())

		body := decode(t, w)
		assert.Len(t, body["jobs"], 2)
		assert.NotEmpty(t, body["next_cursor"])
		assert.Equal(t, "completed", store.filter.Status)
		assert.Equal(t, 2, store.filter.PageSize)
		assert.Nil(t, store.filter.Cursor)

		cursor, err := archive.DecodeCursor(body["next_cursor"].(string))
		require.NoError(t, err)
		assert.Equal(t, "job-1", cursor.JobID)
	})

	t.Run("cursor is passed through", func(t *testing.T) {
		cur := archive.EncodeCursor(&archive.JobCursor{CompletedAt: base, JobID: "job-0"})
		w := env.doJSON(t, http.MethodGet, "/api/v1/history?page_size=500&cursor="+cur, nil)
		require.Equal(t, http.StatusOK, w.Code)
		require.NotNil(t, store.filter.Cursor)
		assert.Equal(t, "job-0", store.filter.Cursor.JobID)
		assert.Equal(t, 100, store.filter.PageSize)
		assert.Empty(t, decode(t, w)["next_cursor"])
	})

	t.Run("bad cursor", func(t *testing.T) {
		w := env.doJSON(t, http.MethodGet, "/api/v1/history?cursor=%25%25", nil)
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})

	t.Run("store failure", func(t *testing.T) {
		store.err = errors.New("connection reset")
		defer func() { store.err = nil }()
		w := env.doJSON(t, http.MethodGet, "/api/v1/history", nil)
		assert.Equal(t, http.StatusInternalServerError, w.Code)
	})
}

func TestLogs(t *testing.T) {
	t.Run("not configured", func(t *testing.T) {
		env := newTestEnv(t, envConfig{})
		w := env.doJSON(t, http.MethodGet, "/api/v1/logs", nil)
		assert.Equal(t, http.StatusNotFound, w.Code)
	})

	logFile := filepath.Join(t.TempDir(), "plotter.log")
	require.NoError(t, os.WriteFile(logFile, []byte("one\ntwo\nthree\n"), 0o644))
	env := newTestEnv(t, envConfig{mutate: func(d *handler.Dependencies) { d.LogFile = logFile }})

	tests := []struct {
		name       string
		query      string
		wantStatus int
		wantLines  []any
	}{
		{name: "default", query: "", wantStatus: http.StatusOK, wantLines: []any{"one", "two", "three"}},
		{name: "last two", query: "?lines=2", wantStatus: http.StatusOK, wantLines: []any{"two", "three"}},
		{name: "invalid", query: "?lines=abc", wantStatus: http.StatusBadRequest},
		{name: "zero", query: "?lines=0", wantStatus: http.StatusBadRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := env.doJSON(t, http.MethodGet, "/api/v1/logs"+tt.query, nil)
			require.Equal(t, tt.wantStatus, w.Code, w.Body.String())
			if tt.wantLines != nil {
				assert.Equal(t, tt.wantLines, decode(t, w)["lines"])
			}
		})
	}

	t.Run("missing file", func(t *testing.T) {
		env := newTestEnv(t, envConfig{mutate: func(d *handler.Dependencies) {
			d.LogFile = filepath.Join(t.TempDir(), "absent.log")
		}})
		w := env.doJSON(t, http.MethodGet, "/api/v1/logs", nil)
		require.Equal(t, http.StatusOK, w.Code)
		assert.Equal(t, float64(0), decode(t, w)["count"])
	})
}

func TestCORS(t *testing.T) {
	env := newTestEnv(t, envConfig{opts: Options{CORSOrigins: []string{"http://plotter.local"}}})

	req := httptest.NewRequest(http.MethodOptions, "/api/v1/jobs", nil)
	req.Header.Set("Origin", "http://plotter.local")
	w := env.do(req)

	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.Equal(t, "http://plotter.local", w.Header().Get("Access-Control-Allow-Origin"))
}
