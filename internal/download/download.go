// Package download wraps the external media-download tool: rendition
// fallback, cookie rotation on blocks, staged upload through the blob
// sink, and a confirmed-id progress document.
package download

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/ilialebedev/metafetcher/internal/classify"
	"github.com/ilialebedev/metafetcher/internal/crawl"
	"github.com/ilialebedev/metafetcher/internal/storage"
)

const progressFile = "download_progress.json"

// Rendition selectors tried in order: best available, then the
// second-best fallback for streams whose top rendition fails to merge.
var formatSelectors = []string{
	"bestvideo+bestaudio/best",
	"best[height<=720]/best",
}

// Runner executes the download tool. Factored out so tests never spawn
// real subprocesses.
type Runner interface {
	Run(ctx context.Context, args ...string) (string, error)
}

type execRunner struct {
	tool string
}

func (r *execRunner) Run(ctx context.Context, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, r.tool, args...)
	out, err := cmd.CombinedOutput()
	return string(out), err
}

// Config controls the downloader.
type Config struct {
	// Tool is the downloader binary. Default "yt-dlp".
	Tool string
	// CookieFiles rotate independently of API credentials when the
	// media host blocks a session.
	CookieFiles []string
	// StagingDir holds downloads before upload.
	StagingDir string
	// Timeout bounds one download attempt. Default 10m.
	Timeout time.Duration
	// UploadPrefix namespaces uploaded media in the sink.
	UploadPrefix string
	// UploadRetryDelay is the single-retry pause on a rate-limited
	// upload. Default 60s.
	UploadRetryDelay time.Duration
}

func (c Config) withDefaults() Config {
	if c.Tool == "" {
		c.Tool = "yt-dlp"
	}
	if c.Timeout <= 0 {
		c.Timeout = 10 * time.Minute
	}
	if c.UploadRetryDelay <= 0 {
		c.UploadRetryDelay = time.Minute
	}
	return c
}

// cookiePool rotates over cookie files. Unlike the credential pool it
// wraps around: a blocked cookie may recover later.
type cookiePool struct {
	mu    sync.Mutex
	files []string
	index int
}

func (p *cookiePool) current() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.files) == 0 {
		return ""
	}
	return p.files[p.index]
}

func (p *cookiePool) rotate() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.files) > 1 {
		p.index = (p.index + 1) % len(p.files)
	}
}

// Progress is the flat confirmed-download ledger.
type Progress struct {
	ProcessedVideoIDs []string  `json:"processed_video_ids"`
	Count             int       `json:"count"`
	LastUpdated       time.Time `json:"last_updated"`
}

// Downloader fetches media for harvested ids and publishes it.
type Downloader struct {
	cfg     Config
	runner  Runner
	cookies *cookiePool
	sink    crawl.BlobSink
	clock   crawl.Clock
	logger  *zap.Logger

	mu        sync.Mutex
	processed map[string]struct{}
}

// New constructs a Downloader. runner may be nil to use the real tool.
func New(cfg Config, runner Runner, sink crawl.BlobSink, clock crawl.Clock, logger *zap.Logger) (*Downloader, error) {
	cfg = cfg.withDefaults()
	if cfg.StagingDir == "" {
		return nil, fmt.Errorf("staging directory is required")
	}
	if err := os.MkdirAll(cfg.StagingDir, 0o750); err != nil {
		return nil, fmt.Errorf("create staging directory: %w", err)
	}
	if runner == nil {
		runner = &execRunner{tool: cfg.Tool}
	}
	d := &Downloader{
		cfg:       cfg,
		runner:    runner,
		cookies:   &cookiePool{files: cfg.CookieFiles},
		sink:      sink,
		clock:     clock,
		logger:    logger,
		processed: make(map[string]struct{}),
	}
	if err := d.loadProgress(); err != nil {
		return nil, err
	}
	return d, nil
}

func (d *Downloader) progressPath() string {
	return filepath.Join(d.cfg.StagingDir, progressFile)
}

func (d *Downloader) loadProgress() error {
	data, err := os.ReadFile(d.progressPath())
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("read progress: %w", err)
	}
	var p Progress
	if err := json.Unmarshal(data, &p); err != nil {
		d.logger.Warn("corrupt download progress ignored", zap.Error(err))
		return nil
	}
	for _, id := range p.ProcessedVideoIDs {
		d.processed[id] = struct{}{}
	}
	return nil
}

func (d *Downloader) saveProgress(ctx context.Context) error {
	d.mu.Lock()
	p := Progress{
		ProcessedVideoIDs: make([]string, 0, len(d.processed)),
		LastUpdated:       d.clock.Now(),
	}
	for id := range d.processed {
		p.ProcessedVideoIDs = append(p.ProcessedVideoIDs, id)
	}
	p.Count = len(p.ProcessedVideoIDs)
	d.mu.Unlock()

	data, err := json.MarshalIndent(p, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal progress: %w", err)
	}
	if err := os.WriteFile(d.progressPath(), data, 0o600); err != nil {
		return fmt.Errorf("write progress: %w", err)
	}
	if d.sink != nil {
		object := path.Join(d.cfg.UploadPrefix, progressFile)
		if _, err := d.sink.PutObject(ctx, object, "application/json", bytes.NewReader(data)); err != nil {
			// The local copy is authoritative; the mirror catches up on
			// the next save.
			d.logger.Warn("progress mirror failed", zap.Error(err))
		}
	}
	return nil
}

// Processed reports whether an id is already confirmed downloaded.
func (d *Downloader) Processed(id string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, ok := d.processed[id]
	return ok
}

// fetch downloads one video into the staging dir, walking the
// rendition fallbacks and rotating cookies on blocks or timeouts.
// Each cookie gets one chance per id.
func (d *Downloader) fetch(ctx context.Context, videoID string) error {
	url := "https://www.youtube.com/watch?v=" + videoID
	dest := filepath.Join(d.cfg.StagingDir, videoID+".%(ext)s")

	tries := len(d.cfg.CookieFiles)
	if tries == 0 {
		tries = 1
	}
	var lastErr error
	for try := 0; try < tries; try++ {
		for _, format := range formatSelectors {
			attemptCtx, cancel := context.WithTimeout(ctx, d.cfg.Timeout)
			args := []string{"--no-progress", "--no-playlist", "-f", format, "-o", dest}
			if cookie := d.cookies.current(); cookie != "" {
				args = append(args, "--cookies", cookie)
			}
			args = append(args, url)

			output, err := d.runner.Run(attemptCtx, args...)
			cancel()
			if err == nil {
				return nil
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			lastErr = fmt.Errorf("download %s: %w: %s", videoID, err, tail(output))

			kind := classify.ClassifyDownload(output + err.Error())
			if kind == classify.DownloadBlocked || kind == classify.DownloadTimeout {
				d.logger.Warn("download session degraded, rotating cookie",
					zap.String("video_id", videoID),
					zap.String("kind", kind.String()),
				)
				d.cookies.rotate()
				break
			}
			// Unrelated failure: fall through to the next rendition.
		}
	}
	return lastErr
}

// ProcessBatch downloads every unprocessed id, uploads the staging dir,
// and advances the progress ledger only for confirmed uploads.
func (d *Downloader) ProcessBatch(ctx context.Context, ids []string) error {
	batchDir := filepath.Join(d.cfg.StagingDir, "batch")
	if err := os.MkdirAll(batchDir, 0o750); err != nil {
		return fmt.Errorf("create batch directory: %w", err)
	}
	defer os.RemoveAll(batchDir) //nolint:errcheck // staging cleanup is best-effort

	var fetched []string
	for _, id := range ids {
		if d.Processed(id) {
			continue
		}
		if err := d.fetch(ctx, id); err != nil {
			if ctx.Err() != nil {
				return err
			}
			d.logger.Warn("download skipped", zap.String("video_id", id), zap.Error(err))
			continue
		}
		if err := d.stage(id, batchDir); err != nil {
			d.logger.Warn("staging failed", zap.String("video_id", id), zap.Error(err))
			continue
		}
		fetched = append(fetched, id)
	}
	if len(fetched) == 0 {
		return nil
	}

	retrying := &storage.RetryingSink{Sink: d.sink, Delay: d.cfg.UploadRetryDelay, Logger: d.logger}
	if _, err := storage.UploadDir(ctx, retrying, batchDir, d.cfg.UploadPrefix, d.logger); err != nil {
		return fmt.Errorf("upload batch: %w", err)
	}

	d.mu.Lock()
	for _, id := range fetched {
		d.processed[id] = struct{}{}
	}
	d.mu.Unlock()
	return d.saveProgress(ctx)
}

// stage moves a downloaded file (any extension) into the batch dir.
func (d *Downloader) stage(videoID, batchDir string) error {
	matches, err := filepath.Glob(filepath.Join(d.cfg.StagingDir, videoID+".*"))
	if err != nil {
		return err
	}
	if len(matches) == 0 {
		return fmt.Errorf("no downloaded file for %s", videoID)
	}
	for _, m := range matches {
		if err := os.Rename(m, filepath.Join(batchDir, filepath.Base(m))); err != nil {
			return fmt.Errorf("stage %s: %w", m, err)
		}
	}
	return nil
}

func tail(s string) string {
	const max = 300
	if len(s) <= max {
		return s
	}
	return s[len(s)-max:]
}
