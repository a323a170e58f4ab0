package main

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type received struct {
	path   string
	fields map[string]string
	file   []byte
}

type fakeService struct {
	mu       sync.Mutex
	requests []received
	// failures answers the first N requests with this status
	failures int
	status   int
	// incomplete makes chunk responses report an unfinished session
	incomplete bool
}

func (s *fakeService) handler(t *testing.T) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseMultipartForm(1<<20))

		rec := received{path: r.URL.Path, fields: map[string]string{}}
		for k, v := range r.MultipartForm.Value {
			rec.fields[k] = v[0]
		}
		for _, fhs := range r.MultipartForm.File {
			f, err := fhs[0].Open()
			require.NoError(t, err)
			rec.file, _ = io.ReadAll(f)
			f.Close()
		}

		s.mu.Lock()
		fail := s.failures > 0
		if fail {
			s.failures--
		}
		s.requests = append(s.requests, rec)
		s.mu.Unlock()

		if fail {
			w.WriteHeader(s.status)
			_, _ = w.Write([]byte(`{"error":"nope"}`))
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusAccepted)
		_ = json.NewEncoder(w).Encode(map[string]any{"job_id": "job-1", "path": r.URL.Path, "complete": !s.incomplete})
	})
}

func (s *fakeService) all() []received {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]received(nil), s.requests...)
}

func newTestUploader(t *testing.T, svc *fakeService, chunkSize, threshold int64) *Uploader {
	t.Helper()
	srv := httptest.NewServer(svc.handler(t))
	t.Cleanup(srv.Close)

	u := newUploader(srv.URL+"/", chunkSize, threshold, 2, time.Millisecond, slog.New(slog.NewTextHandler(io.Discard, nil)))
	u.newID = func() string { return "fixed-id" }
	return u
}

func writeSVG(t *testing.T, size int) (string, []byte) {
	t.Helper()
	data := bytes.Repeat([]byte("s"), size)
	path := filepath.Join(t.TempDir(), "drawing.svg")
	require.NoError(t, os.WriteFile(path, data, 0o644))
	return path, data
}

func TestUploadSmallFile(t *testing.T) {
	svc := &fakeService{}
	u := newTestUploader(t, svc, 10, 1000)
	path, data := writeSVG(t, 50)

	result, err := u.Upload(context.Background(), path, "", JobOptions{
		Priority:        2,
		ConfigOverrides: map[string]any{"speed_pendown": 30},
	})
	require.NoError(t, err)
	assert.Equal(t, "job-1", result["job_id"])

	reqs := svc.all()
	require.Len(t, reqs, 1)
	assert.Equal(t, "/api/v1/jobs", reqs[0].path)
	assert.Equal(t, "drawing", reqs[0].fields["name"])
	assert.Equal(t, "2", reqs[0].fields["priority"])
	assert.JSONEq(t, `{"speed_pendown":30}`, reqs[0].fields["config_overrides"])
	assert.Equal(t, data, reqs[0].file)
}

func TestUploadChunked(t *testing.T) {
	svc := &fakeService{}
	u := newTestUploader(t, svc, 20, 30)
	path, data := writeSVG(t, 50)

	_, err := u.Upload(context.Background(), path, "", JobOptions{Name: "big", Priority: 1})
	require.NoError(t, err)

	reqs := svc.all()
	require.Len(t, reqs, 3)
	var joined []byte
	for i, r := range reqs {
		assert.Equal(t, "/api/v1/jobs/chunk", r.path)
		assert.Equal(t, "fixed-id", r.fields["file_id"])
		assert.Equal(t, "3", r.fields["total_chunks"])
		assert.Equal(t, "drawing.svg", r.fields["filename"])
		assert.Equal(t, string(rune('0'+i)), r.fields["chunk"])
		joined = append(joined, r.file...)
	}
	assert.Equal(t, data, joined)
	assert.Len(t, reqs[2].file, 10)

	// job fields ride on the last chunk only
	assert.Empty(t, reqs[0].fields["name"])
	assert.Equal(t, "big", reqs[2].fields["name"])
}

func TestUploadChunkedFailsWhenServerLostSession(t *testing.T) {
	svc := &fakeService{incomplete: true}
	u := newTestUploader(t, svc, 20, 30)
	path, _ := writeSVG(t, 50)

	_, err := u.Upload(context.Background(), path, "", JobOptions{Name: "big"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "did not complete")
}

func TestUploadLayer(t *testing.T) {
	tests := []struct {
		name      string
		threshold int64
		wantPath  string
	}{
		{name: "whole", threshold: 1000, wantPath: "/api/v1/project/layers/layer_1"},
		{name: "chunked", threshold: 10, wantPath: "/api/v1/project/layers/layer_1/chunk"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc := &fakeService{}
			u := newTestUploader(t, svc, 100, tt.threshold)
			path, _ := writeSVG(t, 50)

			_, err := u.Upload(context.Background(), path, "layer_1", JobOptions{Name: "ignored"})
			require.NoError(t, err)

			reqs := svc.all()
			require.Len(t, reqs, 1)
			assert.Equal(t, tt.wantPath, reqs[0].path)
			assert.Empty(t, reqs[0].fields["name"])
		})
	}
}

func TestUploadRetries(t *testing.T) {
	tests := []struct {
		name      string
		failures  int
		status    int
		wantErr   bool
		wantCalls int
	}{
		{name: "recovers from server errors", failures: 2, status: http.StatusServiceUnavailable, wantCalls: 3},
		{name: "recovers from rate limiting", failures: 1, status: http.StatusTooManyRequests, wantCalls: 2},
		{name: "gives up", failures: 5, status: http.StatusInternalServerError, wantErr: true, wantCalls: 3},
		{name: "client errors are final", failures: 1, status: http.StatusBadRequest, wantErr: true, wantCalls: 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc := &fakeService{failures: tt.failures, status: tt.status}
			u := newTestUploader(t, svc, 100, 1000)
			path, _ := writeSVG(t, 10)

			_, err := u.Upload(context.Background(), path, "", JobOptions{})
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
			assert.Len(t, svc.all(), tt.wantCalls)
		})
	}
}

func TestUploadRejectsNonSVG(t *testing.T) {
	u := newUploader("http://unused", 10, 10, 0, time.Millisecond, slog.New(slog.NewTextHandler(io.Discard, nil)))
	path := filepath.Join(t.TempDir(), "notes.txt")
	require.NoError(t, os.WriteFile(path, []byte("x"), 0o644))

	_, err := u.Upload(context.Background(), path, "", JobOptions{})
	assert.Error(t, err)
}
