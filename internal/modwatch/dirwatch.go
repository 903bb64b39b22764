package modwatch

import (
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// Backend names.
const (
	BackendPoll     = "poll"
	BackendFSNotify = "fsnotify"
)

// dirWatcher reports files newly appearing in one directory.
type dirWatcher interface {
	// stop signals the watcher to exit. It does not wait.
	stop()

	// exited reports whether the watcher goroutine has returned, either
	// after stop or on its own after a failure.
	exited() bool
}

// dirSpec holds what a directory watcher needs from its owner.
type dirSpec struct {
	dir      string
	interval time.Duration
	ignore   *Ignore
	logger   *zap.Logger
	onNew    func(paths []string)
	wg       *sync.WaitGroup
}

// startDirWatcher starts a watcher for spec.dir with the named backend.
func startDirWatcher(backend string, spec dirSpec) dirWatcher {
	if backend == BackendFSNotify {
		w, err := startNotifier(spec)
		if err == nil {
			return w
		}
		spec.logger.Debug("fsnotify unavailable, polling", zap.String("dir", spec.dir), zap.Error(err))
	}
	return startPoller(spec)
}

// poller lists a directory on an interval.
type poller struct {
	spec dirSpec
	done chan struct{}
	once sync.Once
	gone atomic.Bool
}

func startPoller(spec dirSpec) *poller {
	p := &poller{spec: spec, done: make(chan struct{})}
	prev, _ := listDir(spec.dir)

	spec.wg.Add(1)
	go p.run(prev)
	return p
}

func (p *poller) stop() {
	p.once.Do(func() { close(p.done) })
}

func (p *poller) exited() bool {
	return p.gone.Load()
}

func (p *poller) run(prev map[string]struct{}) {
	defer p.spec.wg.Done()
	defer p.gone.Store(true)

	ticker := time.NewTicker(p.spec.interval)
	defer ticker.Stop()

	for {
		select {
		case <-p.done:
			return
		case <-ticker.C:
		}

		names, err := listDir(p.spec.dir)
		if err != nil {
			p.spec.logger.Debug("directory poller stopped", zap.String("dir", p.spec.dir), zap.Error(err))
			return
		}

		var added []string
		for name := range names {
			if _, seen := prev[name]; seen || p.spec.ignore.Match(name) {
				continue
			}
			added = append(added, filepath.Join(p.spec.dir, name))
		}
		prev = names

		if len(added) > 0 {
			select {
			case <-p.done:
				return
			default:
			}
			p.spec.onNew(added)
		}
	}
}

func listDir(dir string) (map[string]struct{}, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return map[string]struct{}{}, err
	}
	names := make(map[string]struct{}, len(entries))
	for _, e := range entries {
		names[e.Name()] = struct{}{}
	}
	return names, nil
}

// notifier reacts to fsnotify create events in one directory.
type notifier struct {
	spec    dirSpec
	watcher *fsnotify.Watcher
	done    chan struct{}
	once    sync.Once
	gone    atomic.Bool
}

func startNotifier(spec dirSpec) (*notifier, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := fsw.Add(spec.dir); err != nil {
		_ = fsw.Close()
		return nil, err
	}

	n := &notifier{spec: spec, watcher: fsw, done: make(chan struct{})}
	spec.wg.Add(1)
	go n.run()
	return n, nil
}

func (n *notifier) stop() {
	n.once.Do(func() { close(n.done) })
}

func (n *notifier) exited() bool {
	return n.gone.Load()
}

func (n *notifier) run() {
	defer n.spec.wg.Done()
	defer n.gone.Store(true)
	defer n.watcher.Close()

	for {
		select {
		case <-n.done:
			return

		case ev, ok := <-n.watcher.Events:
			if !ok {
				return
			}
			if !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Rename) {
				continue
			}
			if n.spec.ignore.Match(filepath.Base(ev.Name)) {
				continue
			}
			// Rename reports the old name; only names that exist count.
			if _, err := os.Stat(ev.Name); err != nil {
				continue
			}
			n.spec.onNew([]string{ev.Name})

		case err, ok := <-n.watcher.Errors:
			if !ok {
				return
			}
			n.spec.logger.Debug("directory notifier error", zap.String("dir", n.spec.dir), zap.Error(err))
		}
	}
}
