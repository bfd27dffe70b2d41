// Package media downloads message attachments with cache-first lookup,
// a two-stage retry discipline, and a bounded-concurrency drain queue.
package media

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	waE2E "go.mau.fi/whatsmeow/proto/waE2E"
)

// Ref identifies one downloadable attachment.
type Ref struct {
	MessageID string
	ChatJID   string
	Kind      string
	Mime      string
	Size      int64
	// Payload carries the raw message the downloader needs to fetch and
	// decrypt the attachment bytes.
	Payload *waE2E.Message
}

// Downloader is the narrow slice of the messaging client the fetcher needs.
// Refresh renews the attachment's transient access before a retry.
type Downloader interface {
	Download(ctx context.Context, ref *Ref) ([]byte, error)
	Refresh(ctx context.Context, ref *Ref) (*Ref, error)
}

// PathWriter records the local path of a persisted attachment.
type PathWriter interface {
	SetMediaPath(id, path string) error
}

// Options configures a Fetcher.
type Options struct {
	Dir            string
	Concurrency    int
	AttemptTimeout time.Duration
}

// Progress holds the running totals surfaced while draining the queue.
type Progress struct {
	Downloaded int64 `json:"downloaded"`
	Failed     int64 `json:"failed"`
	Remaining  int64 `json:"remaining"`
}

// Fetcher downloads attachments to a chat-scoped directory tree. Expired
// references on historical data are a common, expected outcome: a failed
// download is "unavailable", counted but never surfaced as an error.
type Fetcher struct {
	dl     Downloader
	paths  PathWriter
	opts   Options
	logger *zap.Logger

	mu    sync.Mutex
	queue []*Ref

	downloaded atomic.Int64
	failed     atomic.Int64
}

// NewFetcher creates a fetcher writing under opts.Dir.
func NewFetcher(dl Downloader, paths PathWriter, opts Options, logger *zap.Logger) *Fetcher {
	if opts.Concurrency <= 0 {
		opts.Concurrency = 5
	}
	if opts.AttemptTimeout <= 0 {
		opts.AttemptTimeout = 30 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Fetcher{dl: dl, paths: paths, opts: opts, logger: logger}
}

// LocalPath returns the deterministic on-disk location for a ref.
func (f *Fetcher) LocalPath(ref *Ref) string {
	name := ref.MessageID + "." + ExtensionForMime(ref.Mime)
	return filepath.Join(f.opts.Dir, SanitizeJID(ref.ChatJID), name)
}

// Fetch downloads one attachment and returns its local path, or "" if the
// attachment is unavailable. A file already present on disk short-circuits
// without any network access. Only local storage failures return an error.
func (f *Fetcher) Fetch(ctx context.Context, ref *Ref) (string, error) {
	path := f.LocalPath(ref)

	if _, err := os.Stat(path); err == nil {
		if err := f.paths.SetMediaPath(ref.MessageID, path); err != nil {
			return "", err
		}
		return path, nil
	}

	data := f.download(ctx, ref)
	if len(data) == 0 {
		// Stage 2: renew the transient reference and retry once.
		refreshed, err := f.refresh(ctx, ref)
		if err != nil {
			f.logger.Debug("attachment refresh failed",
				zap.String("msg_id", ref.MessageID), zap.Error(err))
			return "", nil
		}
		data = f.download(ctx, refreshed)
	}
	if len(data) == 0 {
		return "", nil
	}

	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return "", err
	}
	if err := os.WriteFile(path, data, 0600); err != nil {
		return "", err
	}
	if err := f.paths.SetMediaPath(ref.MessageID, path); err != nil {
		return "", err
	}
	return path, nil
}

func (f *Fetcher) download(ctx context.Context, ref *Ref) []byte {
	ctx, cancel := context.WithTimeout(ctx, f.opts.AttemptTimeout)
	defer cancel()
	data, err := f.dl.Download(ctx, ref)
	if err != nil {
		f.logger.Debug("attachment download attempt failed",
			zap.String("msg_id", ref.MessageID), zap.Error(err))
		return nil
	}
	return data
}

func (f *Fetcher) refresh(ctx context.Context, ref *Ref) (*Ref, error) {
	ctx, cancel := context.WithTimeout(ctx, f.opts.AttemptTimeout)
	defer cancel()
	return f.dl.Refresh(ctx, ref)
}

// Enqueue adds a ref to the pending download queue.
func (f *Fetcher) Enqueue(ref *Ref) {
	f.mu.Lock()
	f.queue = append(f.queue, ref)
	f.mu.Unlock()
}

// Pending returns the number of queued refs.
func (f *Fetcher) Pending() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.queue)
}

// Drain processes the pending queue to completion, at most Concurrency
// downloads in flight at once: one batch is dispatched, awaited, then the
// next advances. onProgress, if non-nil, is invoked after every batch.
// Unavailable attachments only increment the failed counter; an error means
// local storage failed and the drain stopped.
func (f *Fetcher) Drain(ctx context.Context, onProgress func(Progress)) (Progress, error) {
	for {
		if err := ctx.Err(); err != nil {
			return f.progress(), err
		}

		batch := f.take(f.opts.Concurrency)
		if len(batch) == 0 {
			return f.progress(), nil
		}

		g, gctx := errgroup.WithContext(ctx)
		for _, ref := range batch {
			g.Go(func() error {
				path, err := f.Fetch(gctx, ref)
				if err != nil {
					return err
				}
				if path == "" {
					f.failed.Add(1)
				} else {
					f.downloaded.Add(1)
				}
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			return f.progress(), err
		}

		if onProgress != nil {
			onProgress(f.progress())
		}
	}
}

func (f *Fetcher) take(n int) []*Ref {
	f.mu.Lock()
	defer f.mu.Unlock()
	if n > len(f.queue) {
		n = len(f.queue)
	}
	batch := f.queue[:n]
	f.queue = f.queue[n:]
	return batch
}

func (f *Fetcher) progress() Progress {
	return Progress{
		Downloaded: f.downloaded.Load(),
		Failed:     f.failed.Load(),
		Remaining:  int64(f.Pending()),
	}
}

// SanitizeJID makes a JID safe to use as a directory name.
func SanitizeJID(jid string) string {
	return strings.Map(func(r rune) rune {
		if r == '/' || r == ':' {
			return '_'
		}
		return r
	}, jid)
}
