package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/spf13/afero"

	"github.com/steveyegge/stagegate/internal/audit"
	"github.com/steveyegge/stagegate/internal/config"
	"github.com/steveyegge/stagegate/internal/engine"
	"github.com/steveyegge/stagegate/internal/labels"
	"github.com/steveyegge/stagegate/internal/storage/sqlite"
	"github.com/steveyegge/stagegate/internal/templates"
	"github.com/steveyegge/stagegate/internal/tracker"
)

// app holds the components one command invocation works with
type app struct {
	cfg       *config.Config
	logger    *slog.Logger
	recorder  audit.Recorder
	templates *templates.Store
	engine    *engine.Engine

	// nil unless the command asked for a tracker
	tracker   tracker.Tracker
	validator *labels.Validator

	closers []io.Closer
}

type appOptions struct {
	// noAudit keeps the audit trail in memory for this invocation only
	noAudit bool
	// withTracker opens the configured tracker and builds the validator
	withTracker bool
	// fs holds the template directory; the OS filesystem when nil
	fs afero.Fs
}

// newApp wires the engine from configuration. Template load failures are
// configuration errors and abort the command.
func newApp(ctx context.Context, c *config.Config, logger *slog.Logger, opts appOptions) (*app, error) {
	fs := opts.fs
	if fs == nil {
		fs = afero.NewOsFs()
	}

	store, err := templates.NewStore(fs, c.Templates.Dir, logger)
	if err != nil {
		return nil, err
	}

	a := &app{cfg: c, logger: logger, templates: store}

	if opts.noAudit {
		a.recorder = audit.NewMemoryRecorder()
	} else {
		as, err := sqlite.OpenAuditStore(ctx, c.Audit.DBPath)
		if err != nil {
			return nil, err
		}
		a.recorder = as
		a.closers = append(a.closers, as)
	}

	a.engine = engine.New(c.Policy, store, a.recorder, logger)

	if opts.withTracker {
		tr, closer, err := openTracker(ctx, c.Tracker)
		if err != nil {
			_ = a.Close()
			return nil, err
		}
		a.tracker = tr
		if closer != nil {
			a.closers = append(a.closers, closer)
		}
		a.validator = labels.NewValidator(labels.DefaultTable(), tr, a.recorder, c.Transitions, logger)
	}
	return a, nil
}

func openTracker(ctx context.Context, c config.TrackerConfig) (tracker.Tracker, io.Closer, error) {
	switch c.Kind {
	case config.TrackerSQLite:
		t, err := sqlite.OpenTracker(ctx, c.DBPath)
		if err != nil {
			return nil, nil, err
		}
		return t, t, nil
	case config.TrackerGitHub:
		t, err := tracker.NewGitHubTracker(ctx, tracker.GitHubConfig{
			Owner:             c.GitHubOwner,
			Repo:              c.GitHubRepo,
			Token:             c.GitHubToken,
			BaseURL:           c.GitHubBaseURL,
			RequestsPerSecond: c.RequestsPerSecond,
			Burst:             c.Burst,
		})
		if err != nil {
			return nil, nil, err
		}
		return t, nil, nil
	default:
		return nil, nil, fmt.Errorf("unknown tracker kind %q", c.Kind)
	}
}

// local returns the SQLite tracker for commands that manage items directly
func (a *app) local() (*sqlite.Tracker, error) {
	t, ok := a.tracker.(*sqlite.Tracker)
	if !ok {
		return nil, fmt.Errorf("this command needs the sqlite tracker (tracker.kind is %q)", a.cfg.Tracker.Kind)
	}
	return t, nil
}

// Close releases every database the app opened
func (a *app) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i].Close(); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}
