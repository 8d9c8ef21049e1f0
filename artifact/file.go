// Package artifact provides a file-backed implementation of the pipeline's
// ArtifactBatcher contract. Saves are queued to a background worker that
// writes each artifact under dir/<resource-run-id>/<step>/<name>, gzipped by
// default, retrying transient write failures with exponential backoff. Write
// failures are logged and dropped after the retry budget; they never
// propagate to the pipeline.
package artifact

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/cenkalti/backoff/v4"
	"github.com/klauspost/compress/gzip"
	"go.uber.org/zap"

	"github.com/candelahealth/streamrun/pipeline"
)

// ErrFinalized is returned by QueueArtifactSave after Finalize.
var ErrFinalized = errors.New("artifact store finalized")

const defaultQueueSize = 1024

// FileStore writes queued artifacts to a directory tree.
type FileStore struct {
	dir        string
	logger     *zap.Logger
	compress   bool
	maxRetries uint64

	queue chan pipeline.ArtifactSave
	wg    sync.WaitGroup

	// mu guards closed and fences sends against the close in Finalize:
	// queuers send under the read lock, Finalize closes the channel under
	// the write lock.
	mu       sync.RWMutex
	closed   bool
	finalize sync.Once
}

// Option configures a FileStore.
type Option func(*FileStore)

// WithLogger sets the store's logger. Defaults to a no-op logger.
func WithLogger(l *zap.Logger) Option {
	return func(s *FileStore) { s.logger = l }
}

// WithoutCompression stores artifacts as written instead of gzipped.
func WithoutCompression() Option {
	return func(s *FileStore) { s.compress = false }
}

// WithMaxRetries sets how many times a failed write is retried before the
// artifact is dropped.
func WithMaxRetries(n uint64) Option {
	return func(s *FileStore) { s.maxRetries = n }
}

// NewFileStore creates dir if needed and starts the persistence worker.
func NewFileStore(dir string, opts ...Option) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create artifact dir: %w", err)
	}
	s := &FileStore{
		dir:        dir,
		logger:     zap.NewNop(),
		compress:   true,
		maxRetries: 3,
		queue:      make(chan pipeline.ArtifactSave, defaultQueueSize),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.wg.Add(1)
	go s.worker()
	return s, nil
}

var _ pipeline.ArtifactBatcher = (*FileStore)(nil)

// QueueArtifactSave implements pipeline.ArtifactBatcher.
func (s *FileStore) QueueArtifactSave(ctx context.Context, save pipeline.ArtifactSave) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrFinalized
	}
	select {
	case s.queue <- save:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Finalize implements pipeline.ArtifactBatcher: drains the queue, stops the
// worker and returns. Safe to call once; further saves are refused.
func (s *FileStore) Finalize(context.Context) error {
	s.finalize.Do(func() {
		s.mu.Lock()
		s.closed = true
		close(s.queue)
		s.mu.Unlock()
		s.wg.Wait()
	})
	return nil
}

func (s *FileStore) worker() {
	defer s.wg.Done()
	for save := range s.queue {
		write := func() error { return s.write(save) }
		policy := backoff.WithMaxRetries(backoff.NewExponentialBackOff(), s.maxRetries)
		if err := backoff.Retry(write, policy); err != nil {
			s.logger.Warn("artifact dropped",
				zap.String("resource_run_id", save.ResourceRunID),
				zap.String("artifact", save.ArtifactName),
				zap.Error(err))
		}
	}
}

func (s *FileStore) write(save pipeline.ArtifactSave) error {
	dir := filepath.Join(s.dir, save.ResourceRunID, save.StepName)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create artifact path: %w", err)
	}
	name := save.ArtifactName
	if s.compress {
		name += ".gz"
	}
	path := filepath.Join(dir, name)
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create artifact file: %w", err)
	}
	if s.compress {
		zw := gzip.NewWriter(f)
		if _, err := zw.Write(save.Data); err != nil {
			f.Close()
			return fmt.Errorf("write artifact: %w", err)
		}
		if err := zw.Close(); err != nil {
			f.Close()
			return fmt.Errorf("flush artifact: %w", err)
		}
	} else if _, err := f.Write(save.Data); err != nil {
		f.Close()
		return fmt.Errorf("write artifact: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("close artifact: %w", err)
	}
	s.logger.Debug("artifact saved", zap.String("path", path), zap.Int("bytes", len(save.Data)))
	return nil
}
