package main

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
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

// JobOptions are the job fields sent with an upload
type JobOptions struct {
	Name            string
	Description     string
	Priority        int
	ConfigOverrides map[string]any
}

// Uploader sends SVG files to the plotter service, whole or in chunks
type Uploader struct {
	baseURL    string
	client     *http.Client
	logger     *slog.Logger
	chunkSize  int64
	threshold  int64
	retries    int
	retryDelay time.Duration
	newID      func() string
}

// uploadError is a non-success HTTP answer
type uploadError struct {
	Status int
	Body   string
}

func (e *uploadError) Error() string {
	return fmt.Sprintf("HTTP %d: %s", e.Status, strings.TrimSpace(e.Body))
}

// retryable reports whether sending the same request again can succeed
func (e *uploadError) retryable() bool {
	return e.Status == http.StatusTooManyRequests || e.Status >= http.StatusInternalServerError
}

func (u *Uploader) health(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.baseURL+"/health", nil)
	if err != nil {
		return err
	}
	resp, err := u.client.Do(req)
	if err != nil {
		return fmt.Errorf("service unreachable: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return &uploadError{Status: resp.StatusCode, Body: string(body)}
	}
	return nil
}

// Upload picks multipart for files below the threshold and chunks otherwise.
// layerID, when set, targets a project layer instead of creating a job.
func (u *Uploader) Upload(ctx context.Context, path, layerID string, opts JobOptions) (map[string]any, error) {
	if !strings.EqualFold(filepath.Ext(path), ".svg") {
		return nil, errors.New("only .svg files are supported")
	}
	info, err := os.Stat(path)
	if err != nil {
		return nil, err
	}
	if opts.Name == "" {
		opts.Name = strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	}

	u.logger.Info("Uploading file",
		slog.String("file", path),
		slog.Int64("size", info.Size()),
		slog.String("layer_id", layerID),
	)

	if info.Size() < u.threshold {
		return u.uploadWhole(ctx, path, layerID, opts)
	}
	return u.uploadChunked(ctx, path, info.Size(), layerID, opts)
}

func (u *Uploader) uploadWhole(ctx context.Context, path, layerID string, opts JobOptions) (map[string]any, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	endpoint := "/api/v1/jobs"
	fields := jobFields(opts)
	if layerID != "" {
		endpoint = "/api/v1/project/layers/" + layerID
		fields = nil
	}

	return u.send(ctx, endpoint, fields, "svg_file", filepath.Base(path), data)
}

func (u *Uploader) uploadChunked(ctx context.Context, path string, size int64, layerID string, opts JobOptions) (map[string]any, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	total := int((size + u.chunkSize - 1) / u.chunkSize)
	fileID := u.newID()
	endpoint := "/api/v1/jobs/chunk"
	if layerID != "" {
		endpoint = "/api/v1/project/layers/" + layerID + "/chunk"
	}

	u.logger.Info("Starting chunked upload",
		slog.String("file_id", fileID),
		slog.Int("total_chunks", total),
		slog.Int64("chunk_size", u.chunkSize),
	)

	buf := make([]byte, u.chunkSize)
	var result map[string]any
	for i := 0; i < total; i++ {
		n, err := io.ReadFull(f, buf)
		if err != nil && !errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, fmt.Errorf("read chunk %d: %w", i, err)
		}

		fields := map[string]string{
			"file_id":      fileID,
			"chunk":        strconv.Itoa(i),
			"total_chunks": strconv.Itoa(total),
			"filename":     filepath.Base(path),
		}
		// job fields only matter on the request that completes the file
		if i == total-1 && layerID == "" {
			for k, v := range jobFields(opts) {
				fields[k] = v
			}
		}

		result, err = u.send(ctx, endpoint, fields, "chunk_data", fmt.Sprintf("chunk_%d", i), buf[:n])
		if err != nil {
			return nil, fmt.Errorf("chunk %d/%d: %w", i+1, total, err)
		}
		u.logger.Info("Chunk uploaded",
			slog.Int("chunk", i+1),
			slog.Int("total_chunks", total),
			slog.Int("progress", (i+1)*100/total),
		)
	}
	if !uploadComplete(result) {
		return nil, fmt.Errorf("server did not complete upload %s of %d chunks", fileID, total)
	}
	return result, nil
}

// send posts one multipart form, retrying transport failures and retryable statuses
func (u *Uploader) send(ctx context.Context, endpoint string, fields map[string]string, fileField, filename string, data []byte) (map[string]any, error) {
	body, contentType, err := encodeForm(fields, fileField, filename, data)
	if err != nil {
		return nil, err
	}

	delay := u.retryDelay
	var lastErr error
	for attempt := 0; attempt <= u.retries; attempt++ {
		if attempt > 0 {
			u.logger.Warn("Retrying request",
				slog.String("endpoint", endpoint),
				slog.Int("attempt", attempt),
				slog.Duration("delay", delay),
				slog.String("error", lastErr.Error()),
			)
			t := time.NewTimer(delay)
			select {
			case <-ctx.Done():
				t.Stop()
				return nil, ctx.Err()
			case <-t.C:
			}
			delay *= 2
		}

		result, err := u.post(ctx, endpoint, contentType, body)
		if err == nil {
			return result, nil
		}
		lastErr = err

		var upErr *uploadError
		if errors.As(err, &upErr) && !upErr.retryable() {
			return nil, err
		}
	}
	return nil, fmt.Errorf("giving up after %d attempts: %w", u.retries+1, lastErr)
}

func (u *Uploader) post(ctx context.Context, endpoint, contentType string, body []byte) (map[string]any, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u.baseURL+endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", contentType)

	resp, err := u.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &uploadError{Status: resp.StatusCode, Body: string(raw)}
	}

	var out map[string]any
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &out); err != nil {
			return nil, fmt.Errorf("decode response: %w", err)
		}
	}
	return out, nil
}

// uploadComplete reads the completion flag of a chunk response. Layer
// uploads nest the progress under "upload".
func uploadComplete(result map[string]any) bool {
	if nested, ok := result["upload"].(map[string]any); ok {
		result = nested
	}
	complete, _ := result["complete"].(bool)
	return complete
}

func jobFields(opts JobOptions) map[string]string {
	fields := map[string]string{
		"name":     opts.Name,
		"priority": strconv.Itoa(opts.Priority),
	}
	if opts.Description != "" {
		fields["description"] = opts.Description
	}
	if len(opts.ConfigOverrides) > 0 {
		b, _ := json.Marshal(opts.ConfigOverrides)
		fields["config_overrides"] = string(b)
	}
	return fields
}

func encodeForm(fields map[string]string, fileField, filename string, data []byte) ([]byte, string, error) {
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	for k, v := range fields {
		if err := mw.WriteField(k, v); err != nil {
			return nil, "", err
		}
	}
	fw, err := mw.CreateFormFile(fileField, filename)
	if err != nil {
		return nil, "", err
	}
	if _, err := fw.Write(data); err != nil {
		return nil, "", err
	}
	if err := mw.Close(); err != nil {
		return nil, "", err
	}
	return buf.Bytes(), mw.FormDataContentType(), nil
}

func newUploader(baseURL string, chunkSize, threshold int64, retries int, retryDelay time.Duration, logger *slog.Logger) *Uploader {
	return &Uploader{
		baseURL:    strings.TrimRight(baseURL, "/"),
		client:     &http.Client{Timeout: 5 * time.Minute},
		logger:     logger,
		chunkSize:  chunkSize,
		threshold:  threshold,
		retries:    retries,
		retryDelay: retryDelay,
		newID:      uuid.NewString,
	}
}
