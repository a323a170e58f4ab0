package handler

import (
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

	"github.com/cuongbtq/plotter-api/internal/api/dto"
	"github.com/cuongbtq/plotter-api/internal/domain"
	"github.com/cuongbtq/plotter-api/internal/filestore"
	"github.com/cuongbtq/plotter-api/internal/metrics"
	"github.com/cuongbtq/plotter-api/internal/queue"
	"github.com/cuongbtq/plotter-api/internal/upload"
	"github.com/cuongbtq/plotter-api/internal/worker"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

// JobHandler handles job submission and queue requests
type JobHandler struct {
	logger         *slog.Logger
	queue          *queue.Queue
	worker         *worker.Worker
	uploads        *upload.Assembler
	history        HistoryStore
	uploadDir      string
	maxInlineBytes int64
	maxUploadBytes int64
	now            func() time.Time
}

// NewJobHandler creates a new JobHandler instance
func NewJobHandler(deps *Dependencies) *JobHandler {
	return &JobHandler{
		logger:         deps.Logger,
		queue:          deps.Queue,
		worker:         deps.Worker,
		uploads:        deps.Uploads,
		history:        deps.History,
		uploadDir:      deps.UploadDir,
		maxInlineBytes: deps.MaxInlineBytes,
		maxUploadBytes: deps.MaxUploadBytes,
		now:            time.Now,
	}
}

// SubmitJob handles POST /api/v1/jobs
// Accepts inline content or a server-side path as JSON, or an SVG file as multipart
func (h *JobHandler) SubmitJob(c *gin.Context) {
	if strings.HasPrefix(c.ContentType(), "multipart/") {
		h.submitMultipart(c)
		return
	}

	var req dto.SubmitJobRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.rejectBody(c, err)
		return
	}
	if int64(len(req.SVGContent)) > h.maxInlineBytes {
		c.JSON(http.StatusRequestEntityTooLarge, dto.ErrorResponse{
			Error: fmt.Sprintf("svg_content exceeds %d bytes", h.maxInlineBytes),
			Code:  "too_large",
		})
		return
	}
	job := h.newJob(&req)
	job.SVGContent = req.SVGContent
	job.SVGFile = req.SVGFile

	resp, status, err := h.enqueue(job, "inline")
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.JSON(status, resp)
}

func (h *JobHandler) submitMultipart(c *gin.Context) {
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, h.maxUploadBytes)

	var req dto.SubmitJobRequest
	if err := bindForm(c, &req); err != nil {
		h.rejectBody(c, err)
		return
	}
	fh, err := c.FormFile("svg_file")
	if err != nil {
		badRequest(c, "svg_file is required")
		return
	}
	if !strings.EqualFold(filepath.Ext(fh.Filename), ".svg") {
		badRequest(c, "only .svg files are accepted")
		return
	}
	path, size, err := h.saveUpload(fh)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}

	job := h.newJob(&req)
	job.SVGFile = path
	job.OriginalFilename = filepath.Base(fh.Filename)
	job.FileSize = size

	resp, status, err := h.enqueue(job, "multipart")
	if err != nil {
		h.removeUpload(path)
		respondError(c, h.logger, err)
		return
	}
	c.JSON(status, resp)
}

// UploadChunk handles POST /api/v1/jobs/chunk
// Stores one chunk; the request that completes the file also submits the job
func (h *JobHandler) UploadChunk(c *gin.Context) {
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, h.maxUploadBytes)

	chunk, err := readChunk(c)
	if err != nil {
		h.rejectBody(c, err)
		return
	}
	var req dto.SubmitJobRequest
	if err := bindForm(c, &req); err != nil {
		h.rejectBody(c, err)
		return
	}

	progress, err := h.uploads.Accept(chunk)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	// a complete session is submitted once; a re-sent chunk retries a
	// submission that failed with a retryable error
	if !progress.Complete || !h.uploads.Claim(chunk.SessionID) {
		c.JSON(http.StatusOK, dto.ChunkUploadResponse{Progress: progress})
		return
	}

	if req.Name == "" {
		req.Name = chunk.Filename
	}
	job := h.newJob(&req)
	job.SVGFile = progress.FinalPath
	job.OriginalFilename = filepath.Base(chunk.Filename)
	job.FileSize = progress.Size

	resp, status, err := h.enqueue(job, "chunked")
	if err != nil {
		if retryableSubmit(err) {
			h.uploads.Release(chunk.SessionID)
			h.logger.Info("Upload kept for retry",
				slog.String("file_id", chunk.SessionID),
				slog.String("error", err.Error()),
			)
		} else {
			// forget the upload so the client can send it again
			h.uploads.Discard(chunk.SessionID)
			h.removeUpload(progress.FinalPath)
		}
		respondError(c, h.logger, err)
		return
	}
	h.uploads.Submitted(chunk.SessionID, job.ID)
	progress.JobID = job.ID
	c.JSON(status, dto.ChunkUploadResponse{Progress: progress, Job: resp})
}

// ChunkStatus handles GET /api/v1/jobs/chunk/:file_id
func (h *JobHandler) ChunkStatus(c *gin.Context) {
	progress, err := h.uploads.Status(c.Param("file_id"))
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, dto.ChunkUploadResponse{Progress: progress})
}

// ListJobs handles GET /api/v1/jobs
// Returns queued jobs with positions, the active job and recent terminal jobs
func (h *JobHandler) ListJobs(c *gin.Context) {
	c.JSON(http.StatusOK, dto.ListJobsResponse{
		Listing: h.queue.List(),
		Stats:   h.queue.Stats(),
	})
}

// GetJob handles GET /api/v1/jobs/:job_id
// Jobs evicted by the retention sweep are looked up in the archive
func (h *JobHandler) GetJob(c *gin.Context) {
	jobID := c.Param("job_id")
	job, err := h.queue.Get(jobID)
	if errors.Is(err, domain.ErrJobNotFound) && h.history != nil {
		row, archErr := h.history.GetJobByID(c.Request.Context(), jobID)
		if archErr != nil {
			respondError(c, h.logger, archErr)
			return
		}
		c.JSON(http.StatusOK, gin.H{
			"job":      row,
			"archived": true,
		})
		return
	}
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	pos := h.queue.Position(job.ID)
	c.JSON(http.StatusOK, gin.H{
		"job":            job,
		"queue_position": pos,
	})
}

// CancelJob handles POST /api/v1/jobs/:job_id/cancel
// Only queued jobs can be cancelled; the running job is stopped through the plotter
func (h *JobHandler) CancelJob(c *gin.Context) {
	jobID := c.Param("job_id")

	err := h.queue.Cancel(jobID)
	msg, ok := warning(err)
	if !ok {
		if errors.Is(err, domain.ErrInvalidState) {
			err = fmt.Errorf("%w; use POST /api/v1/plotter/stop for the active job", err)
		}
		respondError(c, h.logger, err)
		return
	}

	h.logger.Info("Job cancelled", slog.String("job_id", jobID))
	c.JSON(http.StatusOK, gin.H{
		"job_id":  jobID,
		"status":  domain.JobStatusCancelled,
		"warning": msg,
	})
}

// ReorderJob handles PUT /api/v1/jobs/:job_id/position
func (h *JobHandler) ReorderJob(c *gin.Context) {
	jobID := c.Param("job_id")

	var req dto.ReorderRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.rejectBody(c, err)
		return
	}

	pos, err := h.queue.Reorder(jobID, req.Position)
	msg, ok := warning(err)
	if !ok {
		respondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, dto.ReorderResponse{JobID: jobID, Position: pos, Warning: msg})
}

// ClearQueue handles POST /api/v1/queue/clear
func (h *JobHandler) ClearQueue(c *gin.Context) {
	n, err := h.queue.Clear()
	msg, ok := warning(err)
	if !ok {
		respondError(c, h.logger, err)
		return
	}
	h.logger.Info("Queue cleared", slog.Int("cancelled", n))
	c.JSON(http.StatusOK, gin.H{"cancelled": n, "warning": msg})
}

func (h *JobHandler) newJob(req *dto.SubmitJobRequest) *domain.Job {
	priority := domain.DefaultPriority
	if req.Priority != nil {
		priority = *req.Priority
	}
	name := req.Name
	if name == "" {
		name = "Untitled job"
	}
	return &domain.Job{
		ID:              uuid.NewString(),
		Name:            name,
		Description:     req.Description,
		Priority:        priority,
		ConfigOverrides: req.ConfigOverrides,
		StartMM:         req.StartMM,
		Layer:           req.Layer,
		Status:          domain.JobStatusQueued,
		SubmittedAt:     h.now(),
	}
}

func (h *JobHandler) removeUpload(path string) {
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		h.logger.Warn("Failed to remove rejected upload", slog.String("path", path), slog.String("error", err.Error()))
	}
}

// retryableSubmit reports whether the same submission can succeed later
func retryableSubmit(err error) bool {
	var derr *domain.DriverError
	return errors.Is(err, domain.ErrQueueFull) || errors.Is(err, domain.ErrBusy) || errors.As(err, &derr)
}

// enqueue validates job and hands it to the dispatcher
func (h *JobHandler) enqueue(job *domain.Job, source string) (*dto.SubmitJobResponse, int, error) {
	if err := job.Validate(); err != nil {
		return nil, 0, err
	}

	res, err := h.worker.Submit(job)
	msg, ok := warning(err)
	if !ok {
		return nil, 0, err
	}
	metrics.JobsSubmittedTotal.WithLabelValues(source).Inc()

	resp := &dto.SubmitJobResponse{
		JobID:         job.ID,
		Status:        domain.JobStatusQueued,
		QueuePosition: res.Position,
		Started:       res.Started,
		Message:       "Job queued",
		Warning:       msg,
	}
	if res.Started {
		resp.Status = domain.JobStatusRunning
		resp.Message = "Job started"
	}

	h.logger.Info(resp.Message,
		slog.String("job_id", job.ID),
		slog.String("name", job.Name),
		slog.String("source", source),
		slog.Int("priority", job.Priority),
		slog.Int("queue_position", res.Position),
	)
	return resp, http.StatusAccepted, nil
}

func (h *JobHandler) saveUpload(fh *multipart.FileHeader) (string, int64, error) {
	src, err := fh.Open()
	if err != nil {
		return "", 0, fmt.Errorf("open upload: %w", err)
	}
	defer src.Close()

	path := filepath.Join(h.uploadDir, upload.OutputName(fh.Filename, h.now()))
	var size int64
	err = filestore.WriteAtomic(path, 0o644, func(w io.Writer) error {
		n, err := io.Copy(w, src)
		size = n
		return err
	})
	if err != nil {
		return "", 0, fmt.Errorf("store upload: %w", err)
	}
	return path, size, nil
}

func (h *JobHandler) rejectBody(c *gin.Context, err error) {
	var tooLarge *http.MaxBytesError
	if errors.As(err, &tooLarge) {
		c.JSON(http.StatusRequestEntityTooLarge, dto.ErrorResponse{
			Error: fmt.Sprintf("request body exceeds %d bytes", tooLarge.Limit),
			Code:  "too_large",
		})
		return
	}
	h.logger.Debug("Invalid request body", slog.String("error", err.Error()))
	badRequest(c, "invalid request body: "+err.Error())
}

// bindForm binds the multipart job fields; config_overrides is JSON text
func bindForm(c *gin.Context, req *dto.SubmitJobRequest) error {
	if err := c.ShouldBind(req); err != nil {
		return err
	}
	if raw := c.PostForm("config_overrides"); raw != "" {
		if err := json.Unmarshal([]byte(raw), &req.ConfigOverrides); err != nil {
			return fmt.Errorf("config_overrides: %w", err)
		}
	}
	return nil
}

// readChunk parses the chunk upload form
func readChunk(c *gin.Context) (upload.Chunk, error) {
	index, err := strconv.Atoi(c.PostForm("chunk"))
	if err != nil {
		return upload.Chunk{}, fmt.Errorf("chunk must be an integer: %w", err)
	}
	total, err := strconv.Atoi(c.PostForm("total_chunks"))
	if err != nil {
		return upload.Chunk{}, fmt.Errorf("total_chunks must be an integer: %w", err)
	}

	fh, err := c.FormFile("chunk_data")
	if err != nil {
		return upload.Chunk{}, fmt.Errorf("chunk_data is required: %w", err)
	}
	f, err := fh.Open()
	if err != nil {
		return upload.Chunk{}, err
	}
	defer f.Close()
	data, err := io.ReadAll(f)
	if err != nil {
		return upload.Chunk{}, err
	}

	filename := c.PostForm("filename")
	if filename == "" {
		filename = fh.Filename
	}
	return upload.Chunk{
		SessionID: c.PostForm("file_id"),
		Index:     index,
		Total:     total,
		Filename:  filename,
		Data:      data,
	}, nil
}
