package manager

import (
	"context"
	"errors"
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/dshills/subtype/internal/logging"
	"github.com/dshills/subtype/internal/metrics"
	"github.com/dshills/subtype/internal/service"
)

// pathSet is a set of normalized paths.
type pathSet map[string]struct{}

// fileNode records who claims a path and which buffers show it.
type fileNode struct {
	path    string
	owners  map[service.Service]struct{}
	buffers []Buffer
}

// tracked is an attached buffer and the path it was attached under.
type tracked struct {
	buf  Buffer
	path string
}

// Option configures a Manager.
type Option func(*Manager)

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(m *Manager) {
		m.logger = logging.OrNop(l)
	}
}

// WithMetrics sets the metrics collector.
func WithMetrics(c *metrics.Collector) Option {
	return func(m *Manager) {
		m.metrics = c
	}
}

// WithListener registers a listener.
func WithListener(l Listener) Option {
	return func(m *Manager) {
		if l != nil {
			m.listeners = append(m.listeners, l)
		}
	}
}

// WithStrictInvariants makes every public mutation verify the graph and
// panic on a violation.
func WithStrictInvariants(strict bool) Option {
	return func(m *Manager) {
		m.strict = strict
	}
}

// Manager is the interface lifecycle manager.
type Manager struct {
	connect service.Connector
	logger  *zap.Logger
	metrics *metrics.Collector
	strict  bool

	mu        sync.Mutex
	listeners []Listener
	nodes     map[string]*fileNode
	buffers   map[string]*tracked
	claims    map[service.Service]pathSet
	active    map[service.Service]pathSet
	seq       map[service.Service]uint64
	nextSeq   uint64
}

// New creates a manager that starts services with connect.
func New(connect service.Connector, opts ...Option) *Manager {
	m := &Manager{
		connect: connect,
		logger:  zap.NewNop(),
		nodes:   make(map[string]*fileNode),
		buffers: make(map[string]*tracked),
		claims:  make(map[service.Service]pathSet),
		active:  make(map[service.Service]pathSet),
		seq:     make(map[service.Service]uint64),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.logger = m.logger.Named("manager")
	return m
}

// AddListener registers a listener for subsequent notifications.
func (m *Manager) AddListener(l Listener) {
	if l == nil {
		return
	}
	m.mu.Lock()
	m.listeners = append(m.listeners, l)
	m.mu.Unlock()
}

// Attach starts tracking buf and returns the services covering its path.
// A service rooted at the buffer's path is started when no service claims
// the path yet.
func (m *Manager) Attach(ctx context.Context, buf Buffer) (*service.Set, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	defer m.afterMutation("attach")

	return m.attachLocked(ctx, buf)
}

// Detach stops tracking buf. Interfaces left without active paths are
// closed, as are interfaces whose active paths are now covered by a
// relative.
func (m *Manager) Detach(ctx context.Context, buf Buffer) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	defer m.afterMutation("detach")

	return m.detachLocked(ctx, buf)
}

// Resolve returns the services covering buf. When the buffer's path has
// changed since it was attached, the buffer is re-attached under the new
// path and listeners receive FileRenamed. Owners whose process has died are
// evicted first, which reconnects their buffers.
func (m *Manager) Resolve(ctx context.Context, buf Buffer) (*service.Set, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	defer m.afterMutation("resolve")

	t, ok := m.buffers[buf.ID()]
	if !ok {
		return nil, &BufferError{Buffer: buf.ID(), Err: ErrUnknownBuffer}
	}

	var errs []error
	for _, owner := range m.ownersLocked(t.path) {
		if owner.Closed() {
			m.logger.Info("evicting dead interface",
				zap.String("service", owner.ID()), zap.String("root", owner.Root()))
			errs = append(errs, m.closeInterfaceLocked(ctx, owner))
		}
	}

	t, ok = m.buffers[buf.ID()]
	if !ok {
		errs = append(errs, &BufferError{Buffer: buf.ID(), Err: ErrUnknownBuffer})
		return service.NewSet(), errors.Join(errs...)
	}

	current := service.NormalizePath(buf.Path())
	if current == t.path {
		return m.ownerSetLocked(t.path), errors.Join(errs...)
	}

	m.logger.Debug("buffer renamed",
		zap.String("buffer", buf.ID()), zap.String("from", t.path), zap.String("to", current))

	before := m.ownerSetLocked(t.path)
	if err := m.detachLocked(ctx, buf); err != nil {
		return nil, errors.Join(append(errs, err)...)
	}
	after, err := m.attachLocked(ctx, buf)
	if err != nil {
		return nil, errors.Join(append(errs, err)...)
	}
	for _, l := range m.listeners {
		l.FileRenamed(buf, before, after)
	}
	return after, errors.Join(errs...)
}

// Reload reloads every live interface of set and applies the change in its
// file list: dropped paths are removed first, then new paths are added.
// An interface left without active paths is closed.
func (m *Manager) Reload(ctx context.Context, set *service.Set) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	defer m.afterMutation("reload")

	var errs []error
	for _, svc := range set.Members() {
		if err := m.reloadLocked(ctx, svc); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// CloseAll detaches every buffer, which closes every interface.
func (m *Manager) CloseAll(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	defer m.afterMutation("close all")

	ids := make([]string, 0, len(m.buffers))
	for id := range m.buffers {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	var errs []error
	for _, id := range ids {
		t, ok := m.buffers[id]
		if !ok {
			continue
		}
		if err := m.detachLocked(ctx, t.buf); err != nil {
			errs = append(errs, err)
		}
	}

	// Interfaces that never had a buffer attached, if any.
	for _, svc := range m.interfacesLocked() {
		if err := m.closeInterfaceLocked(ctx, svc); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Tracked returns the path buf was attached under.
func (m *Manager) Tracked(bufID string) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	t, ok := m.buffers[bufID]
	if !ok {
		return "", false
	}
	return t.path, true
}

// Owners returns the services claiming path.
func (m *Manager) Owners(path string) *service.Set {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.ownerSetLocked(service.NormalizePath(path))
}

// Buffers returns the buffers open on path in attach order.
func (m *Manager) Buffers(path string) []Buffer {
	m.mu.Lock()
	defer m.mu.Unlock()

	node := m.nodes[service.NormalizePath(path)]
	if node == nil {
		return nil
	}
	return append([]Buffer(nil), node.buffers...)
}

// BuffersOf returns the buffers open on the active paths of svc, ordered
// by path then attach order.
func (m *Manager) BuffersOf(svc service.Service) []Buffer {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []Buffer
	for _, p := range sortedPaths(m.active[svc]) {
		if node := m.nodes[p]; node != nil {
			out = append(out, node.buffers...)
		}
	}
	return out
}

// ActivePaths returns the sorted active paths of svc.
func (m *Manager) ActivePaths(svc service.Service) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return sortedPaths(m.active[svc])
}

// Interfaces returns the tracked interfaces, oldest claim first.
func (m *Manager) Interfaces() []service.Service {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.interfacesLocked()
}

// afterMutation refreshes gauges and, in strict mode, checks invariants.
func (m *Manager) afterMutation(op string) {
	m.metrics.SetInterfaces(len(m.claims))
	m.metrics.SetBuffers(len(m.buffers))

	if !m.strict {
		return
	}
	if err := m.verifyLocked(); err != nil {
		m.logger.Error("graph invariant violated", zap.String("op", op), zap.Error(err))
		panic(err)
	}
}

func (m *Manager) interfacesLocked() []service.Service {
	out := make([]service.Service, 0, len(m.claims))
	for svc := range m.claims {
		out = append(out, svc)
	}
	m.sortBySeq(out)
	return out
}

// ownersLocked returns the owners of path, oldest claim first.
func (m *Manager) ownersLocked(path string) []service.Service {
	node := m.nodes[path]
	if node == nil {
		return nil
	}
	out := make([]service.Service, 0, len(node.owners))
	for svc := range node.owners {
		out = append(out, svc)
	}
	m.sortBySeq(out)
	return out
}

func (m *Manager) ownerSetLocked(path string) *service.Set {
	return service.NewSet(m.ownersLocked(path)...)
}

func (m *Manager) sortBySeq(svcs []service.Service) {
	sort.Slice(svcs, func(i, j int) bool {
		return m.seq[svcs[i]] < m.seq[svcs[j]]
	})
}

func sortedPaths(s pathSet) []string {
	out := make([]string, 0, len(s))
	for p := range s {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}
