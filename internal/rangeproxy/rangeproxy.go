// Package rangeproxy serves catalog files over HTTP when promotion to a
// direct URL failed. The backing filesystem is a FUSE mount that can hang or
// EIO at any moment, so every stat runs under a hard deadline and read
// errors terminate the response instead of wedging a handler.
package rangeproxy

import (
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/strandtv/strand/internal/log"
	"github.com/strandtv/strand/internal/metrics"
	"github.com/strandtv/strand/internal/vod/engine"
)

// ErrOutsideMount rejects stream ids that decode outside the catalog root.
var ErrOutsideMount = errors.New("rangeproxy: path escapes mount root")

// ProcessedLookup maps a job id to its remuxed output file.
type ProcessedLookup interface {
	ProcessedPath(jobID string) (string, bool)
}

// Server streams catalog and processed files with range support.
type Server struct {
	mountRoot   string
	statTimeout time.Duration
	processed   ProcessedLookup
	logger      zerolog.Logger
}

// New builds a server rooted at mountRoot. processed may be nil when the
// processed-file endpoint is not wired.
func New(mountRoot string, statTimeout time.Duration, processed ProcessedLookup) *Server {
	if statTimeout <= 0 {
		statTimeout = 10 * time.Second
	}
	return &Server{
		mountRoot:   filepath.Clean(mountRoot),
		statTimeout: statTimeout,
		processed:   processed,
		logger:      log.WithComponent("rangeproxy"),
	}
}

// ServeStream answers /vod/stream/{streamId}: decode, contain, serve.
func (s *Server) ServeStream(w http.ResponseWriter, r *http.Request, streamID string) {
	path, err := engine.DecodeStreamID(streamID)
	if err != nil {
		metrics.IncRangeRead(http.StatusBadRequest)
		http.Error(w, "invalid stream id", http.StatusBadRequest)
		return
	}
	abs, err := s.contain(path)
	if err != nil {
		metrics.IncRangeRead(http.StatusForbidden)
		s.logger.Warn().Str(log.FieldPath, path).Msg("rejected path outside mount root")
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}
	s.serveFile(w, r, abs)
}

// ServeProcessed answers /vod/stream-processed/{jobId}.
func (s *Server) ServeProcessed(w http.ResponseWriter, r *http.Request, jobID string) {
	if s.processed == nil {
		http.Error(w, "processed streams not available", http.StatusNotFound)
		return
	}
	path, ok := s.processed.ProcessedPath(jobID)
	if !ok || path == "" {
		metrics.IncRangeRead(http.StatusNotFound)
		http.Error(w, "no processed file for job", http.StatusNotFound)
		return
	}
	s.serveFile(w, r, path)
}

// contain resolves the decoded path and verifies it stays under the mount
// root. Relative paths are anchored at the root.
func (s *Server) contain(path string) (string, error) {
	abs := filepath.Clean(path)
	if !filepath.IsAbs(abs) {
		abs = filepath.Join(s.mountRoot, abs)
	}
	rel, err := filepath.Rel(s.mountRoot, abs)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", ErrOutsideMount
	}
	return abs, nil
}

func (s *Server) serveFile(w http.ResponseWriter, r *http.Request, path string) {
	info, err := s.statWithDeadline(path)
	if err != nil {
		if errors.Is(err, errStatTimeout) {
			metrics.FSStatTimeouts.Inc()
			metrics.IncRangeRead(http.StatusServiceUnavailable)
			s.logger.Warn().Str(log.FieldPath, path).Msg("stat deadline exceeded, mount may be sick")
			w.Header().Set("Retry-After", "5")
			http.Error(w, "filesystem unavailable, retry", http.StatusServiceUnavailable)
			return
		}
		metrics.IncRangeRead(http.StatusNotFound)
		http.Error(w, "file not found", http.StatusNotFound)
		return
	}
	if info.IsDir() {
		metrics.IncRangeRead(http.StatusNotFound)
		http.Error(w, "file not found", http.StatusNotFound)
		return
	}

	size := info.Size()
	start, length, partial, ok := parseRange(r.Header.Get("Range"), size)
	if !ok {
		metrics.IncRangeRead(http.StatusRequestedRangeNotSatisfiable)
		w.Header().Set("Content-Range", fmt.Sprintf("bytes */%d", size))
		http.Error(w, "invalid range", http.StatusRequestedRangeNotSatisfiable)
		return
	}

	f, err := os.Open(path) // #nosec G304
	if err != nil {
		metrics.IncRangeRead(http.StatusServiceUnavailable)
		http.Error(w, "file open failed", http.StatusServiceUnavailable)
		return
	}
	defer func() { _ = f.Close() }()

	if start > 0 {
		if _, err := f.Seek(start, io.SeekStart); err != nil {
			metrics.IncRangeRead(http.StatusServiceUnavailable)
			http.Error(w, "seek failed", http.StatusServiceUnavailable)
			return
		}
	}

	ct := mime.TypeByExtension(filepath.Ext(path))
	if ct == "" {
		ct = "application/octet-stream"
	}
	w.Header().Set("Content-Type", ct)
	w.Header().Set("Accept-Ranges", "bytes")
	w.Header().Set("Content-Length", strconv.FormatInt(length, 10))

	status := http.StatusOK
	if partial {
		w.Header().Set("Content-Range", fmt.Sprintf("bytes %d-%d/%d", start, start+length-1, size))
		status = http.StatusPartialContent
	}
	w.WriteHeader(status)
	metrics.IncRangeRead(status)

	if r.Method == http.MethodHead {
		return
	}
	if _, err := io.CopyN(w, f, length); err != nil {
		// Headers are committed; nothing to do but drop the connection so
		// the client retries. Common on FUSE EIO.
		s.logger.Warn().Err(err).Str(log.FieldPath, path).Msg("stream read failed mid-response")
	}
}

var errStatTimeout = errors.New("rangeproxy: stat deadline exceeded")

// statWithDeadline runs os.Stat in a goroutine so a hung FUSE mount cannot
// pin the handler. The leaked goroutine finishes whenever the mount recovers.
func (s *Server) statWithDeadline(path string) (os.FileInfo, error) {
	type result struct {
		info os.FileInfo
		err  error
	}
	ch := make(chan result, 1)
	go func() {
		info, err := os.Stat(path)
		ch <- result{info, err}
	}()

	select {
	case res := <-ch:
		return res.info, res.err
	case <-time.After(s.statTimeout):
		return nil, errStatTimeout
	}
}

// parseRange interprets a single-range bytes header. Returns the start
// offset, the byte count, whether the response is partial, and validity.
// Multi-range requests fall back to the full file.
func parseRange(header string, size int64) (start, length int64, partial, ok bool) {
	if header == "" || !strings.HasPrefix(header, "bytes=") {
		return 0, size, false, true
	}
	spec := strings.TrimPrefix(header, "bytes=")
	if strings.Contains(spec, ",") {
		return 0, size, false, true
	}

	dash := strings.Index(spec, "-")
	if dash < 0 {
		return 0, 0, false, false
	}
	startStr, endStr := spec[:dash], spec[dash+1:]

	if startStr == "" {
		// Suffix range: last N bytes.
		n, err := strconv.ParseInt(endStr, 10, 64)
		if err != nil || n <= 0 {
			return 0, 0, false, false
		}
		if n > size {
			n = size
		}
		return size - n, n, true, true
	}

	st, err := strconv.ParseInt(startStr, 10, 64)
	if err != nil || st < 0 || st >= size {
		return 0, 0, false, false
	}
	end := size - 1
	if endStr != "" {
		end, err = strconv.ParseInt(endStr, 10, 64)
		if err != nil || end < st {
			return 0, 0, false, false
		}
		if end >= size {
			end = size - 1
		}
	}
	return st, end - st + 1, true, true
}
