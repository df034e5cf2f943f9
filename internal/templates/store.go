package templates

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/afero"

	"github.com/steveyegge/stagegate/internal/metrics"
	"github.com/steveyegge/stagegate/internal/types"
)

// DefaultDebounce is how long Watch waits for file events to settle before reloading
const DefaultDebounce = 250 * time.Millisecond

// Store holds the current template Set and swaps it atomically on reload.
// Readers always see a complete, validated Set.
type Store struct {
	fs       afero.Fs
	dir      string
	logger   *slog.Logger
	debounce time.Duration

	current atomic.Pointer[Set]
}

// NewStore loads the template set from dir. A load failure is returned as
// a *LoadError and no Store is created.
func NewStore(fs afero.Fs, dir string, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	set, err := Load(fs, dir)
	if err != nil {
		return nil, err
	}
	s := &Store{fs: fs, dir: dir, logger: logger, debounce: DefaultDebounce}
	s.current.Store(set)
	return s, nil
}

// SetDebounce overrides the watch debounce interval
func (s *Store) SetDebounce(d time.Duration) {
	s.debounce = d
}

// Dir returns the template directory
func (s *Store) Dir() string {
	return s.dir
}

// Current returns the active template set
func (s *Store) Current() *Set {
	return s.current.Load()
}

// Render renders a stage template from the active set
func (s *Store) Render(stage types.Stage, vars map[string]string) (string, error) {
	return s.Current().Render(stage, vars)
}

// Reload loads a fresh set and swaps it in. On failure the previous set
// stays active and the load error is returned.
func (s *Store) Reload() error {
	set, err := Load(s.fs, s.dir)
	if err != nil {
		metrics.RecordTemplateReload(false)
		return err
	}
	s.current.Store(set)
	metrics.RecordTemplateReload(true)
	return nil
}

// Watch reloads the store whenever a template file in the directory changes.
// It blocks until ctx is cancelled. The directory must be on the OS
// filesystem.
func (s *Store) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("creating template watcher: %w", err)
	}
	defer watcher.Close()

	if err := watcher.Add(s.dir); err != nil {
		return fmt.Errorf("watching template directory %s: %w", s.dir, err)
	}
	s.logger.Info("watching templates", "dir", s.dir)

	var (
		timer   *time.Timer
		pending <-chan time.Time
	)
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil

		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if !isTemplateEvent(event) {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(s.debounce)
			} else {
				timer.Reset(s.debounce)
			}
			pending = timer.C

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			s.logger.Warn("template watcher error", "error", err)

		case <-pending:
			pending = nil
			if err := s.Reload(); err != nil {
				s.logger.Error("template reload failed, keeping previous templates", "dir", s.dir, "error", err)
				continue
			}
			s.logger.Info("templates reloaded", "dir", s.dir)
		}
	}
}

func isTemplateEvent(event fsnotify.Event) bool {
	if event.Op == fsnotify.Chmod {
		return false
	}
	return strings.HasSuffix(filepath.Base(event.Name), FileExtension)
}
