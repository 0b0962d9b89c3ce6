package runner

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/dhcgn/mbox-strip/config"
	"github.com/dhcgn/mbox-strip/model"
	"github.com/dhcgn/mbox-strip/stats"
)

// ErrArchivesFailed is returned by a run that continued past failed archives.
var ErrArchivesFailed = errors.New("some archives failed")

type StageFunc func(context.Context) error

// archiveFunc processes one archive.
type archiveFunc func(ctx context.Context, path string) (model.ArchiveResult, error)

// Runner drives the archive passes. Work runs in stages, statistics are fanned
// out to every subscriber and the first stage error cancels the run.
type Runner struct {
	cfg    config.Config
	logger *slog.Logger
	out    io.Writer

	parent context.Context
	ctx    context.Context
	cancel context.CancelFunc

	subMu       sync.Mutex
	subscribers []chan stats.Event

	workWG  sync.WaitGroup
	statsWG sync.WaitGroup

	errMu sync.Mutex
	err   error

	resMu   sync.Mutex
	results []model.ArchiveResult

	closeEventsOnce sync.Once
	since           time.Time
}

func New(ctx context.Context, cfg config.Config, logger *slog.Logger, out io.Writer) *Runner {
	if logger == nil {
		logger = slog.Default()
	}
	if out == nil {
		out = io.Discard
	}
	runCtx, cancel := context.WithCancel(ctx)
	return &Runner{
		cfg:    cfg,
		logger: logger,
		out:    out,
		parent: ctx,
		ctx:    runCtx,
		cancel: cancel,
	}
}

// Results returns the result of every archive processed so far.
func (r *Runner) Results() []model.ArchiveResult {
	r.resMu.Lock()
	defer r.resMu.Unlock()
	out := make([]model.ArchiveResult, len(r.results))
	copy(out, r.results)
	return out
}

func (r *Runner) addResult(res model.ArchiveResult) {
	r.resMu.Lock()
	r.results = append(r.results, res)
	r.resMu.Unlock()
}

// EmitEvent delivers evt to every subscriber.
func (r *Runner) EmitEvent(evt stats.Event) {
	r.subMu.Lock()
	subs := r.subscribers
	r.subMu.Unlock()
	for _, ch := range subs {
		select {
		case <-r.ctx.Done():
			return
		case ch <- evt:
		}
	}
}

// SubscribeStats starts fn on its own copy of the event stream. Subscribers
// must be registered before the first stage is added.
func (r *Runner) SubscribeStats(name string, fn func(context.Context, <-chan stats.Event) error) {
	ch := make(chan stats.Event, 128)
	r.subMu.Lock()
	r.subscribers = append(r.subscribers, ch)
	r.subMu.Unlock()

	r.statsWG.Add(1)
	go func() {
		defer r.statsWG.Done()
		if err := fn(r.ctx, ch); err != nil && !errors.Is(err, context.Canceled) {
			r.fail(fmt.Errorf("%s stats: %w", name, err))
		}
	}()
}

func (r *Runner) AddStage(name string, fn StageFunc) {
	r.workWG.Add(1)
	go func() {
		defer r.workWG.Done()
		if err := fn(r.ctx); err != nil && !errors.Is(err, context.Canceled) {
			r.fail(fmt.Errorf("%s stage: %w", name, err))
		}
	}()
}

// Start waits for all stages and subscribers and returns the first error.
func (r *Runner) Start() error {
	r.since = time.Now()

	r.workWG.Wait()
	r.closeEvents()
	r.statsWG.Wait()

	r.cancel()

	r.errMu.Lock()
	err := r.err
	r.errMu.Unlock()
	if err == nil && r.parent.Err() != nil {
		err = r.parent.Err()
	}

	duration := time.Since(r.since)
	if err != nil {
		r.logger.Error("run failed", "duration", duration, "err", err)
		return err
	}

	r.logger.Info("run completed", "duration", duration)
	return nil
}

func (r *Runner) closeEvents() {
	r.closeEventsOnce.Do(func() {
		r.subMu.Lock()
		defer r.subMu.Unlock()
		for _, ch := range r.subscribers {
			close(ch)
		}
	})
}

func (r *Runner) fail(err error) {
	if err == nil {
		return
	}
	r.errMu.Lock()
	if r.err == nil {
		r.err = err
		r.cancel()
	}
	r.errMu.Unlock()
}

// eachArchive runs fn for every archive in order. A failed archive is logged
// and, under the continue policy, the next one is processed.
func (r *Runner) eachArchive(ctx context.Context, stage stats.Stage, fn archiveFunc) error {
	archives, err := ListArchives(r.cfg.Dir, r.cfg.File)
	if err != nil {
		return err
	}
	if len(archives) == 0 {
		r.logger.Warn("no mbox files found", "dir", r.cfg.Dir)
		return nil
	}

	failed := 0
	for _, path := range archives {
		if err := ctx.Err(); err != nil {
			return err
		}

		started := time.Now()
		res, err := fn(ctx, path)
		res.Archive = path
		r.addResult(res)
		if err != nil {
			failed++
			r.EmitEvent(stats.Event{Stage: stage, Type: stats.EventTypeArchiveFailed, Archive: path, Err: err})
			r.logger.Error("archive failed", "stage", stage, "archive", path, "err", err)
			if errors.Is(err, context.Canceled) || r.cfg.OnError == config.OnErrorAbort {
				return fmt.Errorf("%s: %w", path, err)
			}
			continue
		}
		r.logger.Info("archive done", "stage", stage, "archive", path,
			"scanned", res.Scanned, "changed", res.Changed, "removed", res.Removed,
			"failures", res.Failures, "duration", time.Since(started))
	}

	if failed > 0 {
		return fmt.Errorf("%w: %d of %d", ErrArchivesFailed, failed, len(archives))
	}
	return nil
}

// ListArchives returns file alone when it is set, otherwise the *.mbox files
// directly inside dir in lexical order.
func ListArchives(dir, file string) ([]string, error) {
	if file != "" {
		info, err := os.Stat(file)
		if err != nil {
			return nil, fmt.Errorf("archive %s: %w", file, err)
		}
		if info.IsDir() {
			return nil, fmt.Errorf("archive %s is a directory", file)
		}
		return []string{file}, nil
	}
	if dir == "" {
		return nil, config.ErrNoArchives
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", dir, err)
	}
	var archives []string
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".mbox") {
			continue
		}
		archives = append(archives, filepath.Join(dir, e.Name()))
	}
	sort.Strings(archives)
	return archives, nil
}
