package debounce

import (
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Option configures a Debouncer.
type Option func(*Debouncer)

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(d *Debouncer) {
		if l != nil {
			d.logger = l
		}
	}
}

// Debouncer runs at most one pending callback per tag.
type Debouncer struct {
	logger *zap.Logger

	mu      sync.Mutex
	pending map[string]*pendingCall
	stopped bool
	running sync.WaitGroup
}

// pendingCall is one scheduled callback.
type pendingCall struct {
	fn    func()
	timer *time.Timer
}

// New creates a debouncer.
func New(opts ...Option) *Debouncer {
	d := &Debouncer{
		logger:  zap.NewNop(),
		pending: make(map[string]*pendingCall),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Schedule runs fn after delay unless another Schedule with the same tag
// arrives first, in which case fn is dropped and the newer callback waits
// its full delay. Schedule is a no-op after Stop.
func (d *Debouncer) Schedule(tag string, delay time.Duration, fn func()) {
	if fn == nil {
		return
	}
	if delay < 0 {
		delay = 0
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if d.stopped {
		return
	}
	if p, ok := d.pending[tag]; ok {
		p.timer.Stop()
	}

	p := &pendingCall{fn: fn}
	p.timer = time.AfterFunc(delay, func() {
		d.fire(tag, p)
	})
	d.pending[tag] = p
}

// fire runs p if it is still the pending call for tag.
func (d *Debouncer) fire(tag string, p *pendingCall) {
	d.mu.Lock()
	if d.stopped || d.pending[tag] != p {
		d.mu.Unlock()
		return
	}
	delete(d.pending, tag)
	d.running.Add(1)
	d.mu.Unlock()

	defer d.running.Done()
	d.run(tag, p.fn)
}

// run invokes fn, logging a panic instead of crashing the process.
func (d *Debouncer) run(tag string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("debounced callback panicked", zap.String("tag", tag), zap.Any("panic", r))
		}
	}()
	fn()
}

// Cancel drops the pending callback for tag. It reports whether one was
// pending.
func (d *Debouncer) Cancel(tag string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	p, ok := d.pending[tag]
	if !ok {
		return false
	}
	p.timer.Stop()
	delete(d.pending, tag)
	return true
}

// Pending reports whether a callback is scheduled for tag.
func (d *Debouncer) Pending(tag string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, ok := d.pending[tag]
	return ok
}

// PendingCount returns the number of scheduled callbacks.
func (d *Debouncer) PendingCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.pending)
}

// Tags returns the scheduled tags in sorted order.
func (d *Debouncer) Tags() []string {
	d.mu.Lock()
	tags := make([]string, 0, len(d.pending))
	for tag := range d.pending {
		tags = append(tags, tag)
	}
	d.mu.Unlock()

	sort.Strings(tags)
	return tags
}

// Flush runs every pending callback now, on the calling goroutine, in tag
// order.
func (d *Debouncer) Flush() {
	d.mu.Lock()
	if d.stopped {
		d.mu.Unlock()
		return
	}
	calls := make(map[string]*pendingCall, len(d.pending))
	for tag, p := range d.pending {
		p.timer.Stop()
		calls[tag] = p
	}
	d.pending = make(map[string]*pendingCall)
	d.running.Add(1)
	d.mu.Unlock()

	defer d.running.Done()

	tags := make([]string, 0, len(calls))
	for tag := range calls {
		tags = append(tags, tag)
	}
	sort.Strings(tags)
	for _, tag := range tags {
		d.run(tag, calls[tag].fn)
	}
}

// Stop cancels every pending callback and waits for running ones to return.
// Callbacks must not call Stop.
func (d *Debouncer) Stop() {
	d.mu.Lock()
	if d.stopped {
		d.mu.Unlock()
		d.running.Wait()
		return
	}
	d.stopped = true
	for tag, p := range d.pending {
		p.timer.Stop()
		delete(d.pending, tag)
	}
	d.mu.Unlock()

	d.running.Wait()
}
