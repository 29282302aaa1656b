package storage

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type recordingSink struct {
	mu    sync.Mutex
	puts  map[string][]byte
	fails []error
}

func (s *recordingSink) PutObject(_ context.Context, path, _ string, r io.Reader) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.fails) > 0 {
		err := s.fails[0]
		s.fails = s.fails[1:]
		if err != nil {
			return "", err
		}
	}
	var buf bytes.Buffer
	if _, err := io.Copy(&buf, r); err != nil {
		return "", err
	}
	if s.puts == nil {
		s.puts = make(map[string][]byte)
	}
	s.puts[path] = buf.Bytes()
	return "memory://" + path, nil
}

func TestUploadDir(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "nested"), 0o750))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "doc.json"), []byte("{}"), 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "nested", "clip.mp4"), []byte("vid"), 0o600))

	sink := &recordingSink{}
	n, err := UploadDir(context.Background(), sink, dir, "runs/abc", zap.NewNop())
	require.NoError(t, err)
	require.Equal(t, 2, n)
	require.Equal(t, []byte("{}"), sink.puts["runs/abc/doc.json"])
	require.Equal(t, []byte("vid"), sink.puts["runs/abc/nested/clip.mp4"])
}

func TestRetryingSink_RetriesOnceOnRateLimit(t *testing.T) {
	t.Parallel()

	sink := &recordingSink{fails: []error{errors.New("429 too many requests")}}
	retrying := &RetryingSink{Sink: sink, Delay: time.Millisecond, Logger: zap.NewNop()}

	uri, err := retrying.PutObject(context.Background(), "clip.mp4", "video/mp4", bytes.NewBufferString("vid"))
	require.NoError(t, err)
	require.Equal(t, "memory://clip.mp4", uri)
	require.Equal(t, []byte("vid"), sink.puts["clip.mp4"])
}

func TestRetryingSink_FailsFastOnOtherErrors(t *testing.T) {
	t.Parallel()

	boom := errors.New("permission denied")
	sink := &recordingSink{fails: []error{boom, boom}}
	retrying := &RetryingSink{Sink: sink, Delay: time.Millisecond, Logger: zap.NewNop()}

	_, err := retrying.PutObject(context.Background(), "clip.mp4", "", bytes.NewBufferString("vid"))
	require.ErrorIs(t, err, boom)
}

func TestRetryingSink_SecondRateLimitPropagates(t *testing.T) {
	t.Parallel()

	limited := errors.New("rate limit exceeded")
	sink := &recordingSink{fails: []error{limited, limited}}
	retrying := &RetryingSink{Sink: sink, Delay: time.Millisecond, Logger: zap.NewNop()}

	_, err := retrying.PutObject(context.Background(), "clip.mp4", "", bytes.NewBufferString("vid"))
	require.ErrorIs(t, err, limited)
}
