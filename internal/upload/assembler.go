// Package upload reassembles files delivered as independent byte chunks.
package upload

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/cuongbtq/plotter-api/internal/domain"
	"github.com/cuongbtq/plotter-api/internal/filestore"
	"github.com/cuongbtq/plotter-api/internal/metrics"
)

var sessionIDPattern = regexp.MustCompile(`^[A-Za-z0-9_-]{1,128}$`)

// Chunk is one piece of a file
type Chunk struct {
	SessionID string
	Index     int
	Total     int
	Filename  string
	Data      []byte
}

// Progress reports the state of a session after a chunk was accepted
type Progress struct {
	SessionID string `json:"file_id"`
	Received  int    `json:"received_chunks"`
	Total     int    `json:"total_chunks"`
	Percent   int    `json:"progress"`
	Complete  bool   `json:"complete"`
	FinalPath string `json:"-"`
	Size      int64  `json:"file_size,omitempty"`
	JobID     string `json:"job_id,omitempty"`
	// Assembled is set only on the call that performed reassembly
	Assembled bool `json:"-"`
}

type session struct {
	mu        sync.Mutex
	id        string
	total     int
	filename  string
	received  map[int]struct{}
	finalPath string
	size      int64
	updatedAt time.Time

	// claimed is held while the completed file is being submitted
	claimed bool
	jobID   string
}

func (s *session) progress() Progress {
	return Progress{
		SessionID: s.id,
		Received:  len(s.received),
		Total:     s.total,
		Percent:   len(s.received) * 100 / s.total,
		Complete:  s.finalPath != "",
		FinalPath: s.finalPath,
		Size:      s.size,
		JobID:     s.jobID,
	}
}

// Assembler tracks upload sessions keyed by client supplied file id
type Assembler struct {
	scratchDir string
	outputDir  string
	logger     *slog.Logger
	now        func() time.Time

	mu       sync.Mutex
	sessions map[string]*session
}

// NewAssembler creates an assembler writing chunks below scratchDir and
// reassembled files below outputDir
func NewAssembler(scratchDir, outputDir string, logger *slog.Logger) (*Assembler, error) {
	for _, dir := range []string{scratchDir, outputDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create upload dir %s: %w", dir, err)
		}
	}
	return &Assembler{
		scratchDir: scratchDir,
		outputDir:  outputDir,
		logger:     logger,
		now:        time.Now,
		sessions:   make(map[string]*session),
	}, nil
}

// Accept stores a chunk and reassembles the file once every index has arrived.
// Chunks of one session may be accepted concurrently; reassembly runs exactly once.
func (a *Assembler) Accept(c Chunk) (Progress, error) {
	if !sessionIDPattern.MatchString(c.SessionID) {
		return Progress{}, domain.ErrInvalidSession
	}
	if c.Total < 1 {
		return Progress{}, fmt.Errorf("%w: total_chunks must be >= 1", domain.ErrChunkMismatch)
	}
	if c.Index < 0 || c.Index >= c.Total {
		return Progress{}, fmt.Errorf("%w: chunk index %d out of range [0, %d)", domain.ErrChunkMismatch, c.Index, c.Total)
	}

	s, err := a.session(c)
	if err != nil {
		return Progress{}, err
	}

	s.mu.Lock()
	if s.finalPath != "" {
		p := s.progress()
		s.mu.Unlock()
		return p, nil
	}
	s.mu.Unlock()

	// Distinct indices are written without holding the session lock
	if err := filestore.WriteAtomic(a.chunkPath(c.SessionID, c.Index), 0o644, func(w io.Writer) error {
		_, err := w.Write(c.Data)
		return err
	}); err != nil {
		return Progress{}, fmt.Errorf("store chunk %d: %w", c.Index, err)
	}
	metrics.UploadChunksTotal.Inc()

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.finalPath != "" {
		// late duplicate; drop the scratch it recreated
		_ = os.RemoveAll(a.sessionDir(s.id))
		return s.progress(), nil
	}
	s.received[c.Index] = struct{}{}
	s.updatedAt = a.now()

	if len(s.received) < s.total {
		return s.progress(), nil
	}

	if err := a.reassemble(s); err != nil {
		return s.progress(), err
	}
	p := s.progress()
	p.Assembled = true
	return p, nil
}

// Status returns the progress of a known session
func (a *Assembler) Status(id string) (Progress, error) {
	a.mu.Lock()
	s, ok := a.sessions[id]
	a.mu.Unlock()
	if !ok {
		return Progress{}, fmt.Errorf("%w: unknown session %s", domain.ErrInvalidSession, id)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.progress(), nil
}

// FinalPath returns the reassembled file of a completed session
func (a *Assembler) FinalPath(id string) (string, error) {
	p, err := a.Status(id)
	if err != nil {
		return "", err
	}
	if !p.Complete {
		return "", fmt.Errorf("%w: %d of %d chunks received", domain.ErrIncompleteSession, p.Received, p.Total)
	}
	return p.FinalPath, nil
}

// Discard forgets a session and removes its scratch chunks.
// The reassembled file, if any, is left to its owner.
func (a *Assembler) Discard(id string) {
	a.mu.Lock()
	delete(a.sessions, id)
	a.mu.Unlock()
	if err := os.RemoveAll(a.sessionDir(id)); err != nil {
		a.logger.Warn("Failed to remove upload scratch dir", slog.String("file_id", id), slog.String("error", err.Error()))
	}
}

// DiscardAll forgets every session and wipes the scratch dir
func (a *Assembler) DiscardAll() error {
	a.mu.Lock()
	a.sessions = make(map[string]*session)
	a.mu.Unlock()
	return resetDir(a.scratchDir)
}

// Claim reserves a completed session for job submission. It returns false
// while the session is incomplete, claimed by another request or already
// submitted.
func (a *Assembler) Claim(id string) bool {
	s := a.lookup(id)
	if s == nil {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.finalPath == "" || s.claimed || s.jobID != "" {
		return false
	}
	s.claimed = true
	return true
}

// Release gives up a claim after a submission that may be retried. The
// reassembled file stays, and the next chunk sent for the session claims it again.
func (a *Assembler) Release(id string) {
	if s := a.lookup(id); s != nil {
		s.mu.Lock()
		s.claimed = false
		s.updatedAt = a.now()
		s.mu.Unlock()
	}
}

// Submitted records the job created from a claimed session
func (a *Assembler) Submitted(id, jobID string) {
	if s := a.lookup(id); s != nil {
		s.mu.Lock()
		s.claimed = false
		s.jobID = jobID
		s.updatedAt = a.now()
		s.mu.Unlock()
	}
}

// SweepStale forgets sessions idle for longer than maxAge. A completed file
// that never became a job is removed with its session.
func (a *Assembler) SweepStale(maxAge time.Duration) int {
	cutoff := a.now().Add(-maxAge)

	a.mu.Lock()
	var stale []string
	var orphans []string
	for id, s := range a.sessions {
		s.mu.Lock()
		if !s.claimed && s.updatedAt.Before(cutoff) {
			stale = append(stale, id)
			if s.finalPath != "" && s.jobID == "" {
				orphans = append(orphans, s.finalPath)
			}
		}
		s.mu.Unlock()
	}
	a.mu.Unlock()

	for _, id := range stale {
		a.Discard(id)
	}
	for _, path := range orphans {
		if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
			a.logger.Warn("Failed to remove unsubmitted upload", slog.String("path", path), slog.String("error", err.Error()))
		}
	}
	if len(stale) > 0 {
		a.logger.Info("Discarded stale upload sessions", slog.Int("count", len(stale)))
	}
	return len(stale)
}

func (a *Assembler) lookup(id string) *session {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.sessions[id]
}

func (a *Assembler) session(c Chunk) (*session, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	s, ok := a.sessions[c.SessionID]
	if !ok {
		s = &session{
			id:        c.SessionID,
			total:     c.Total,
			filename:  c.Filename,
			received:  make(map[int]struct{}, c.Total),
			updatedAt: a.now(),
		}
		a.sessions[c.SessionID] = s
		a.logger.Info("Upload session started",
			slog.String("file_id", c.SessionID),
			slog.Int("total_chunks", c.Total),
			slog.String("filename", c.Filename),
		)
		return s, nil
	}
	if s.total != c.Total {
		return nil, fmt.Errorf("%w: session declares %d chunks, got %d", domain.ErrChunkMismatch, s.total, c.Total)
	}
	return s, nil
}

// reassemble concatenates chunks 0..N-1; the caller holds s.mu
func (a *Assembler) reassemble(s *session) error {
	finalPath := filepath.Join(a.outputDir, OutputName(s.filename, a.now()))

	var size int64
	err := filestore.WriteAtomic(finalPath, 0o644, func(w io.Writer) error {
		for i := 0; i < s.total; i++ {
			n, err := copyChunk(w, a.chunkPath(s.id, i))
			if err != nil {
				return &domain.IOError{SessionID: s.id, Index: i, Err: err}
			}
			size += n
		}
		return nil
	})
	if err != nil {
		var ioErr *domain.IOError
		if errors.As(err, &ioErr) {
			delete(s.received, ioErr.Index)
		}
		a.logger.Error("Upload reassembly failed",
			slog.String("file_id", s.id),
			slog.String("error", err.Error()),
		)
		return err
	}

	s.finalPath = finalPath
	s.size = size
	if err := os.RemoveAll(a.sessionDir(s.id)); err != nil {
		a.logger.Warn("Failed to remove upload scratch dir", slog.String("file_id", s.id), slog.String("error", err.Error()))
	}
	metrics.UploadsAssembledTotal.Inc()

	a.logger.Info("Upload reassembled",
		slog.String("file_id", s.id),
		slog.String("path", finalPath),
		slog.Int64("size", size),
	)
	return nil
}

func copyChunk(w io.Writer, path string) (int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer f.Close()
	return io.Copy(w, f)
}

func (a *Assembler) sessionDir(id string) string {
	return filepath.Join(a.scratchDir, id)
}

func (a *Assembler) chunkPath(id string, index int) string {
	return filepath.Join(a.sessionDir(id), id+"_chunk_"+strconv.Itoa(index))
}

// OutputName builds a collision resistant file name from a client supplied one
func OutputName(filename string, now time.Time) string {
	base := filepath.Base(strings.ReplaceAll(filename, "\\", "/"))
	base = strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '.', r == '-', r == '_':
			return r
		default:
			return '_'
		}
	}, base)
	base = strings.TrimLeft(base, ".")
	if base == "" {
		base = "upload.svg"
	}
	return now.Format("20060102_150405.000000") + "_" + base
}

func resetDir(dir string) error {
	if err := os.RemoveAll(dir); err != nil {
		return err
	}
	return os.MkdirAll(dir, 0o755)
}
