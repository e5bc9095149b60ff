package source

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/phased/internal/logging"
)

// ErrWatcherFailed indicates the filesystem watcher failed to initialize.
var ErrWatcherFailed = errors.New("failed to initialize filesystem watcher")

// FileSource reads documents from a local directory.
type FileSource struct {
	dir    string
	logger *logging.Logger
}

// FileOption configures a FileSource.
type FileOption func(*FileSource)

// WithFileLogger sets the source logger.
func WithFileLogger(l *logging.Logger) FileOption {
	return func(s *FileSource) {
		if l != nil {
			s.logger = l
		}
	}
}

// NewFileSource creates a source rooted at dir, which must exist.
func NewFileSource(dir string, opts ...FileOption) (*FileSource, error) {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("resolving %s: %w", dir, err)
	}
	info, err := os.Stat(abs)
	if err != nil {
		return nil, fmt.Errorf("methodology directory: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("methodology directory %s is not a directory", abs)
	}

	s := &FileSource{dir: abs, logger: logging.NewNop()}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Dir returns the absolute source directory.
func (s *FileSource) Dir() string {
	return s.dir
}

// Fetch reads dir/name.
func (s *FileSource) Fetch(ctx context.Context, name string) ([]byte, error) {
	if err := checkName(name); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	f, err := os.Open(filepath.Join(s.dir, name))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrNotExist, name)
		}
		return nil, fmt.Errorf("opening %s: %w", name, err)
	}
	defer f.Close()

	data, err := io.ReadAll(io.LimitReader(f, maxDocumentSize+1))
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", name, err)
	}
	if len(data) > maxDocumentSize {
		return nil, fmt.Errorf("%w: %s", ErrTooLarge, name)
	}
	return data, nil
}

// Watch calls onChange with the document name whenever a .json file in the
// directory is written, created, removed or renamed. It returns once the
// watcher is running; watching stops when ctx is done.
func (s *FileSource) Watch(ctx context.Context, onChange func(name string)) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrWatcherFailed, err)
	}
	if err := watcher.Add(s.dir); err != nil {
		_ = watcher.Close()
		return fmt.Errorf("watching %s: %w", s.dir, err)
	}

	go func() {
		defer watcher.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if !relevant(event) {
					continue
				}
				name := filepath.Base(event.Name)
				s.logger.Debug(ctx, "methodology document changed",
					zap.String("document", name),
					zap.String("op", event.Op.String()),
				)
				onChange(name)
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				s.logger.Warn(ctx, "methodology watcher error", zap.Error(err))
			}
		}
	}()

	return nil
}

func relevant(event fsnotify.Event) bool {
	if !strings.EqualFold(filepath.Ext(event.Name), ".json") {
		return false
	}
	return event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) != 0
}
