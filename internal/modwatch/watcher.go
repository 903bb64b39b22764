package modwatch

import (
	"fmt"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/dshills/subtype/internal/logging"
	"github.com/dshills/subtype/internal/metrics"
	"github.com/dshills/subtype/internal/service"
)

// DefaultCode is the diagnostic code for an unresolved module.
const DefaultCode = "TS2307"

// Config configures a Watcher.
type Config struct {
	// Code selects the unresolved-module diagnostics.
	// Default: TS2307
	Code string

	// Interval is the poll period.
	// Default: 2s
	Interval time.Duration

	// Backend is "poll" or "fsnotify".
	// Default: poll
	Backend string

	// Ignore lists doublestar patterns for file names that are never
	// reported as new.
	// Default: ".*", "_*"
	Ignore []string
}

// DefaultConfig returns the default configuration.
func DefaultConfig() Config {
	return Config{
		Code:     DefaultCode,
		Interval: 2 * time.Second,
		Backend:  BackendPoll,
		Ignore:   append([]string(nil), DefaultIgnore...),
	}
}

// Listener is told when a module an interface was missing may now exist.
type Listener interface {
	ModuleChanged(svc service.Service)
}

// ListenerFunc adapts a function to a Listener.
type ListenerFunc func(svc service.Service)

// ModuleChanged implements Listener.
func (f ListenerFunc) ModuleChanged(svc service.Service) {
	f(svc)
}

// Option configures a Watcher.
type Option func(*Watcher)

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(w *Watcher) {
		w.logger = logging.OrNop(l)
	}
}

// WithMetrics sets the metrics collector.
func WithMetrics(c *metrics.Collector) Option {
	return func(w *Watcher) {
		w.metrics = c
	}
}

// dirEntry is a shared directory watcher and the number of watched paths
// using it.
type dirEntry struct {
	watcher dirWatcher
	refs    int
}

// Watcher tracks the missing modules of each interface.
type Watcher struct {
	config   Config
	ignore   *Ignore
	listener Listener
	logger   *zap.Logger
	metrics  *metrics.Collector

	mu        sync.Mutex
	closed    bool
	byService map[service.Service]map[string]struct{}
	byPath    map[string]map[service.Service]struct{}
	dirs      map[string]*dirEntry

	wg sync.WaitGroup
}

// New creates a watcher that reports to listener.
func New(config Config, listener Listener, opts ...Option) (*Watcher, error) {
	def := DefaultConfig()
	if config.Code == "" {
		config.Code = def.Code
	}
	if config.Interval <= 0 {
		config.Interval = def.Interval
	}
	if config.Backend == "" {
		config.Backend = def.Backend
	}
	if config.Ignore == nil {
		config.Ignore = def.Ignore
	}
	if config.Backend != BackendPoll && config.Backend != BackendFSNotify {
		return nil, fmt.Errorf("%w: %q", ErrUnknownBackend, config.Backend)
	}
	ignore, err := NewIgnore(config.Ignore...)
	if err != nil {
		return nil, err
	}

	w := &Watcher{
		config:    config,
		ignore:    ignore,
		listener:  listener,
		logger:    zap.NewNop(),
		byService: make(map[service.Service]map[string]struct{}),
		byPath:    make(map[string]map[service.Service]struct{}),
		dirs:      make(map[string]*dirEntry),
	}
	for _, opt := range opts {
		opt(w)
	}
	w.logger = w.logger.Named("modwatch")
	return w, nil
}

// Observe replaces the watched paths of svc with the unresolved relative
// modules named in diags. When a path is newly watched the listener is
// told at once, since the module may have appeared before the watch began.
func (w *Watcher) Observe(svc service.Service, diags []service.Diagnostic) {
	if svc.Closed() {
		w.Clear(svc)
		return
	}

	next := make(map[string]struct{})
	for _, d := range diags {
		if !sameCode(d.Code, w.config.Code) {
			continue
		}
		if p, ok := watchedPath(d); ok {
			next[p] = struct{}{}
		}
	}

	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return
	}
	// The service may have closed, and been cleared, since the check above.
	if svc.Closed() {
		next = nil
	}
	prev := w.byService[svc]

	var added, removed []string
	for p := range next {
		if _, ok := prev[p]; !ok {
			added = append(added, p)
		}
	}
	for p := range prev {
		if _, ok := next[p]; !ok {
			removed = append(removed, p)
		}
	}
	sort.Strings(added)
	sort.Strings(removed)

	for _, p := range added {
		w.addLocked(svc, p)
	}
	stopped := w.removeLocked(svc, removed)
	w.metrics.SetWatchers(len(w.dirs))
	w.mu.Unlock()

	for _, dw := range stopped {
		dw.stop()
	}
	if len(added) > 0 {
		w.logger.Debug("watching missing modules",
			zap.String("service", svc.ID()), zap.Strings("paths", added))
		w.notify([]service.Service{svc})
	}
}

// Clear releases every path watched for svc.
func (w *Watcher) Clear(svc service.Service) {
	w.mu.Lock()
	var paths []string
	for p := range w.byService[svc] {
		paths = append(paths, p)
	}
	stopped := w.removeLocked(svc, paths)
	w.metrics.SetWatchers(len(w.dirs))
	w.mu.Unlock()

	for _, dw := range stopped {
		dw.stop()
	}
}

// Watched returns the sorted paths watched for svc.
func (w *Watcher) Watched(svc service.Service) []string {
	w.mu.Lock()
	defer w.mu.Unlock()

	out := make([]string, 0, len(w.byService[svc]))
	for p := range w.byService[svc] {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}

// Directories returns the sorted directories being watched.
func (w *Watcher) Directories() []string {
	w.mu.Lock()
	defer w.mu.Unlock()

	out := make([]string, 0, len(w.dirs))
	for d := range w.dirs {
		out = append(out, d)
	}
	sort.Strings(out)
	return out
}

// Close stops every directory watcher and waits for them to exit.
func (w *Watcher) Close() error {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		w.wg.Wait()
		return nil
	}
	w.closed = true
	stopped := make([]dirWatcher, 0, len(w.dirs))
	for _, e := range w.dirs {
		stopped = append(stopped, e.watcher)
	}
	w.dirs = make(map[string]*dirEntry)
	w.byService = make(map[service.Service]map[string]struct{})
	w.byPath = make(map[string]map[service.Service]struct{})
	w.metrics.SetWatchers(0)
	w.mu.Unlock()

	for _, dw := range stopped {
		dw.stop()
	}
	w.wg.Wait()
	return nil
}

func (w *Watcher) addLocked(svc service.Service, path string) {
	if w.byService[svc] == nil {
		w.byService[svc] = make(map[string]struct{})
	}
	w.byService[svc][path] = struct{}{}

	if w.byPath[path] == nil {
		w.byPath[path] = make(map[service.Service]struct{})
	}
	w.byPath[path][svc] = struct{}{}

	dir := filepath.Dir(path)
	e := w.dirs[dir]
	switch {
	case e == nil:
		e = &dirEntry{watcher: w.startLocked(dir)}
		w.dirs[dir] = e
		w.logger.Debug("directory watcher started", zap.String("dir", dir))
	case e.watcher.exited():
		// A failed watcher is replaced when a new path needs the directory.
		e.watcher = w.startLocked(dir)
		w.logger.Debug("directory watcher restarted", zap.String("dir", dir))
	}
	e.refs++
}

func (w *Watcher) startLocked(dir string) dirWatcher {
	return startDirWatcher(w.config.Backend, dirSpec{
		dir:      dir,
		interval: w.config.Interval,
		ignore:   w.ignore,
		logger:   w.logger,
		onNew:    w.filesAppeared,
		wg:       &w.wg,
	})
}

// removeLocked releases paths watched for svc and returns the directory
// watchers that lost their last reference.
func (w *Watcher) removeLocked(svc service.Service, paths []string) []dirWatcher {
	var stopped []dirWatcher
	for _, p := range paths {
		if _, ok := w.byService[svc][p]; !ok {
			continue
		}
		delete(w.byService[svc], p)
		delete(w.byPath[p], svc)
		if len(w.byPath[p]) == 0 {
			delete(w.byPath, p)
		}

		dir := filepath.Dir(p)
		if e := w.dirs[dir]; e != nil {
			e.refs--
			if e.refs <= 0 {
				stopped = append(stopped, e.watcher)
				delete(w.dirs, dir)
				w.logger.Debug("directory watcher stopped", zap.String("dir", dir))
			}
		}
	}
	if len(w.byService[svc]) == 0 {
		delete(w.byService, svc)
	}
	return stopped
}

// filesAppeared notifies every interface waiting on one of paths.
func (w *Watcher) filesAppeared(paths []string) {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return
	}
	seen := make(map[service.Service]struct{})
	var svcs []service.Service
	for _, p := range paths {
		for _, key := range moduleKeys(p) {
			for svc := range w.byPath[key] {
				if _, ok := seen[svc]; ok {
					continue
				}
				seen[svc] = struct{}{}
				svcs = append(svcs, svc)
			}
		}
	}
	w.mu.Unlock()

	if len(svcs) == 0 {
		return
	}
	sort.Slice(svcs, func(i, j int) bool { return svcs[i].ID() < svcs[j].ID() })
	w.logger.Debug("missing module appeared", zap.Strings("files", paths), zap.Int("interfaces", len(svcs)))
	w.notify(svcs)
}

func (w *Watcher) notify(svcs []service.Service) {
	for _, svc := range svcs {
		w.metrics.IncModuleChange()
		if w.listener != nil {
			w.listener.ModuleChanged(svc)
		}
	}
}
