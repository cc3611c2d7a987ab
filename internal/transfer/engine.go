// Package transfer performs the network-to-disk streaming for a single
// download task: resume negotiation over HTTP ranges, bounded chunk
// reads, and cooperative interruption between chunks.
package transfer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
)

const (
	defaultChunkSize      = 256 * 1024
	defaultReportInterval = 200 * time.Millisecond
)

// ProgressFunc receives the running downloaded byte count and the total
// size (0 while the server has not declared a length).
type ProgressFunc func(downloaded, total int64)

type Config struct {
	// ChunkSize bounds a single read; the pause/cancel signal is
	// observed between chunks.
	ChunkSize int

	// ReportInterval throttles progress reports. The first and last
	// reports are always delivered.
	ReportInterval time.Duration

	Client *http.Client
	Logger *logrus.Logger
}

// Engine streams one HTTP(S) resource to a local file. An Engine is
// stateless and safe to share; each Run owns its transfer session.
type Engine struct {
	client         *http.Client
	chunkSize      int
	reportInterval time.Duration
	logger         *logrus.Logger
}

func NewEngine(cfg Config) *Engine {
	if cfg.ChunkSize <= 0 {
		cfg.ChunkSize = defaultChunkSize
	}
	if cfg.ReportInterval <= 0 {
		cfg.ReportInterval = defaultReportInterval
	}
	if cfg.Client == nil {
		// No overall timeout: transfers are long-lived and cancelled
		// through the context instead.
		cfg.Client = &http.Client{Transport: &http.Transport{
			MaxIdleConnsPerHost: 8,
			IdleConnTimeout:     90 * time.Second,
			DisableCompression:  true,
		}}
	}
	if cfg.Logger == nil {
		cfg.Logger = logrus.New()
	}
	return &Engine{
		client:         cfg.Client,
		chunkSize:      cfg.ChunkSize,
		reportInterval: cfg.ReportInterval,
		logger:         cfg.Logger,
	}
}

// Run downloads url to dest, resuming from the current on-disk byte
// length. A context cancellation stops the transfer cleanly between
// chunks, leaves the partial file in place and returns ctx.Err(); the
// caller decides whether that was a pause or a cancel. Any other error
// is a transfer failure with the partial file preserved.
func (e *Engine) Run(ctx context.Context, url, dest string, report ProgressFunc) error {
	offset := existingLength(dest)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	if offset > 0 {
		req.Header.Set("Range", fmt.Sprintf("bytes=%d-", offset))
	}

	resp, err := e.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("connect: %w", err)
	}
	defer resp.Body.Close()

	var total int64
	restarted := false
	switch resp.StatusCode {
	case http.StatusPartialContent:
		total = offset + max64(resp.ContentLength, 0)
		if _, _, t, err := parseContentRange(resp.Header.Get("Content-Range")); err == nil && t > 0 {
			total = t
		}
	case http.StatusOK:
		// Full content back despite a range request: the server does
		// not honor ranges, so the partial file is discarded.
		if offset > 0 {
			e.logger.WithField("dest", dest).Info("server ignored range request, restarting from 0")
			offset = 0
			restarted = true
		}
		total = max64(resp.ContentLength, 0)
	default:
		return fmt.Errorf("unexpected status %s", resp.Status)
	}

	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return fmt.Errorf("create destination dir: %w", err)
	}

	flags := os.O_WRONLY | os.O_CREATE
	if offset > 0 {
		flags |= os.O_APPEND
	} else {
		flags |= os.O_TRUNC
	}
	file, err := os.OpenFile(dest, flags, 0o644)
	if err != nil {
		return fmt.Errorf("open destination: %w", err)
	}
	defer file.Close()

	// Announce the starting point when resuming mid-file or after a
	// forced restart, so observers see the byte counter reset.
	downloaded := offset
	if offset > 0 || restarted {
		report(downloaded, total)
	}

	buf := make([]byte, e.chunkSize)
	lastReport := time.Now()
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		n, readErr := resp.Body.Read(buf)
		if n > 0 {
			if _, err := file.Write(buf[:n]); err != nil {
				return fmt.Errorf("write destination: %w", err)
			}
			downloaded += int64(n)
			if time.Since(lastReport) >= e.reportInterval {
				report(downloaded, total)
				lastReport = time.Now()
			}
		}
		if readErr == io.EOF {
			break
		}
		if readErr != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("read response: %w", readErr)
		}
	}

	if err := file.Sync(); err != nil {
		return fmt.Errorf("sync destination: %w", err)
	}

	if total > 0 && downloaded < total {
		report(downloaded, total)
		return fmt.Errorf("transfer truncated: got %d of %d bytes", downloaded, total)
	}

	report(downloaded, total)
	return nil
}

// existingLength returns the resume offset: the byte length of any
// partial file already on disk.
func existingLength(dest string) int64 {
	info, err := os.Stat(dest)
	if err != nil || info.IsDir() {
		return 0
	}
	return info.Size()
}

// parseContentRange parses a Content-Range header value of the form
// "bytes start-end/total". Total is -1 when the server reports "*".
func parseContentRange(header string) (start, end, total int64, err error) {
	header = strings.TrimPrefix(header, "bytes ")
	parts := strings.Split(header, "/")
	if len(parts) != 2 {
		return 0, 0, 0, fmt.Errorf("invalid Content-Range: %q", header)
	}

	rangeParts := strings.Split(parts[0], "-")
	if len(rangeParts) != 2 {
		return 0, 0, 0, fmt.Errorf("invalid Content-Range: %q", header)
	}

	if start, err = strconv.ParseInt(rangeParts[0], 10, 64); err != nil {
		return 0, 0, 0, fmt.Errorf("invalid range start: %w", err)
	}
	if end, err = strconv.ParseInt(rangeParts[1], 10, 64); err != nil {
		return 0, 0, 0, fmt.Errorf("invalid range end: %w", err)
	}

	if parts[1] == "*" {
		total = -1
	} else if total, err = strconv.ParseInt(parts[1], 10, 64); err != nil {
		return 0, 0, 0, fmt.Errorf("invalid range total: %w", err)
	}
	return start, end, total, nil
}

// IsInterrupted reports whether err is a clean context stop rather than
// a transfer failure.
func IsInterrupted(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}

func max64(a, b int64) int64 {
	if a > b {
		return a
	}
	return b
}
