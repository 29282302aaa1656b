// Package storage provides helpers shared by the blob sink
// implementations: directory publication and rate-limit retry.
package storage

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"io/fs"
	"mime"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/ilialebedev/metafetcher/internal/crawl"
)

// UploadDir publishes every regular file under dir to the sink, keyed
// by prefix plus the file's path relative to dir. Returns the number of
// files uploaded; the first failure aborts the walk.
func UploadDir(ctx context.Context, sink crawl.BlobSink, dir, prefix string, logger *zap.Logger) (int, error) {
	uploaded := 0
	err := filepath.WalkDir(dir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(dir, p)
		if err != nil {
			return fmt.Errorf("relativize %s: %w", p, err)
		}

		f, openErr := os.Open(p)
		if openErr != nil {
			return fmt.Errorf("open %s: %w", p, openErr)
		}
		defer f.Close() //nolint:errcheck // read-only handle

		object := path.Join(prefix, filepath.ToSlash(rel))
		uri, putErr := sink.PutObject(ctx, object, contentTypeFor(p), f)
		if putErr != nil {
			return fmt.Errorf("upload %s: %w", object, putErr)
		}
		logger.Debug("uploaded", zap.String("uri", uri))
		uploaded++
		return nil
	})
	if err != nil {
		return uploaded, err
	}
	return uploaded, nil
}

func contentTypeFor(p string) string {
	if ct := mime.TypeByExtension(filepath.Ext(p)); ct != "" {
		return ct
	}
	return "application/octet-stream"
}

// RetryingSink wraps a sink with exactly one delayed retry when the
// upstream rejects an upload as rate limited. Anything else fails fast;
// the caller's own resume logic handles it.
type RetryingSink struct {
	Sink   crawl.BlobSink
	Delay  time.Duration
	Logger *zap.Logger
}

// PutObject implements crawl.BlobSink.
func (s *RetryingSink) PutObject(ctx context.Context, objectPath, contentType string, r io.Reader) (string, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return "", fmt.Errorf("buffer object: %w", err)
	}

	uri, err := s.Sink.PutObject(ctx, objectPath, contentType, bytes.NewReader(data))
	if err == nil || !isRateLimited(err) {
		return uri, err
	}

	s.Logger.Warn("upload rate limited, retrying once",
		zap.String("path", objectPath),
		zap.Duration("delay", s.Delay),
	)
	timer := time.NewTimer(s.Delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case <-timer.C:
	}
	return s.Sink.PutObject(ctx, objectPath, contentType, bytes.NewReader(data))
}

func isRateLimited(err error) bool {
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "rate limit") ||
		strings.Contains(msg, "429") ||
		strings.Contains(msg, "too many requests") ||
		strings.Contains(msg, "slow down")
}
