package broker

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"

	"go.uber.org/zap"

	"github.com/dshills/subtype/internal/debounce"
	"github.com/dshills/subtype/internal/logging"
	"github.com/dshills/subtype/internal/manager"
	"github.com/dshills/subtype/internal/metrics"
	"github.com/dshills/subtype/internal/modwatch"
	"github.com/dshills/subtype/internal/service"
)

// Buffer is an editor buffer as seen by the broker.
type Buffer interface {
	manager.Buffer

	// Content returns the full current text.
	Content() string

	// Cursor returns the 0-based cursor position.
	Cursor() service.Point
}

// FileTyper is implemented by buffers that know their editor file type.
type FileTyper interface {
	FileType() string
}

// Debounce tag prefixes.
const (
	tagUpdate = "update:"
	tagErrors = "errors:"
	tagReload = "reload:"
)

// Option configures a Broker.
type Option func(*Broker)

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(b *Broker) {
		b.logger = logging.OrNop(l)
	}
}

// WithMetrics sets the metrics collector shared with the manager and the
// module watcher.
func WithMetrics(c *metrics.Collector) Option {
	return func(b *Broker) {
		b.metrics = c
	}
}

// Broker routes editor events to language services.
type Broker struct {
	config   Config
	renderer Renderer
	logger   *zap.Logger
	metrics  *metrics.Collector

	manager  *manager.Manager
	watcher  *modwatch.Watcher
	debounce *debounce.Debouncer
	store    *DiagnosticStore

	ctx    context.Context
	cancel context.CancelFunc
}

// New creates a broker that starts services with connect and reports to
// renderer.
func New(connect service.Connector, renderer Renderer, config Config, opts ...Option) (*Broker, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("broker config: %w", err)
	}
	if renderer == nil {
		renderer = NopRenderer{}
	}

	b := &Broker{
		config:   config,
		renderer: renderer,
		logger:   zap.NewNop(),
		store:    NewDiagnosticStore(),
	}
	for _, opt := range opts {
		opt(b)
	}
	b.logger = b.logger.Named("broker")

	watcher, err := modwatch.New(config.Watcher, b,
		modwatch.WithLogger(b.logger), modwatch.WithMetrics(b.metrics))
	if err != nil {
		return nil, fmt.Errorf("module watcher: %w", err)
	}
	b.watcher = watcher
	b.debounce = debounce.New(debounce.WithLogger(b.logger.Named("debounce")))
	b.manager = manager.New(connect,
		manager.WithListener(b),
		manager.WithLogger(b.logger),
		manager.WithMetrics(b.metrics),
		manager.WithStrictInvariants(config.StrictInvariants),
	)
	b.ctx, b.cancel = context.WithCancel(context.Background())
	return b, nil
}

// Manager returns the lifecycle manager.
func (b *Broker) Manager() *manager.Manager {
	return b.manager
}

// Store returns the diagnostic store.
func (b *Broker) Store() *DiagnosticStore {
	return b.store
}

// IsSource reports whether buf should be served. A buffer that reports a
// file type is judged by it; otherwise the path extension decides.
func (b *Broker) IsSource(buf manager.Buffer) bool {
	if ft, ok := buf.(FileTyper); ok && len(b.config.FileTypes) > 0 {
		if t := ft.FileType(); t != "" {
			for _, want := range b.config.FileTypes {
				if strings.EqualFold(t, want) {
					return true
				}
			}
			return false
		}
	}
	ext := filepath.Ext(buf.Path())
	for _, want := range b.config.Extensions {
		if strings.EqualFold(ext, want) {
			return true
		}
	}
	return false
}

// Opened attaches a newly opened source buffer.
func (b *Broker) Opened(ctx context.Context, buf Buffer) error {
	if !b.IsSource(buf) {
		return nil
	}
	_, err := b.manager.Attach(ctx, buf)
	if errors.Is(err, manager.ErrAlreadyAttached) {
		_, err = b.manager.Resolve(ctx, buf)
	}
	return err
}

// Modified schedules an update of buf followed by a diagnostics fetch.
func (b *Broker) Modified(ctx context.Context, buf Buffer) error {
	set, err := b.resolve(ctx, buf)
	if set == nil {
		return err
	}
	b.scheduleUpdate(buf)
	b.scheduleErrors(set.Members()...)
	return err
}

// Saved reloads the services of buf so added and removed files are
// picked up, then schedules a diagnostics fetch.
func (b *Broker) Saved(ctx context.Context, buf Buffer) error {
	set, err := b.resolve(ctx, buf)
	if set == nil {
		return err
	}
	if rerr := b.manager.Reload(ctx, set); rerr != nil {
		err = errors.Join(err, rerr)
	}
	b.scheduleUpdate(buf)
	b.scheduleErrors(b.manager.Owners(buf.Path()).Members()...)
	return err
}

// Closed detaches buf.
func (b *Broker) Closed(ctx context.Context, buf Buffer) error {
	b.debounce.Cancel(tagUpdate + buf.ID())
	err := b.manager.Detach(ctx, buf)
	if errors.Is(err, manager.ErrUnknownBuffer) {
		return nil
	}
	return err
}

// FileTypeChanged attaches buf when it became a source buffer and
// detaches it when it stopped being one.
func (b *Broker) FileTypeChanged(ctx context.Context, buf Buffer) error {
	_, tracked := b.manager.Tracked(buf.ID())
	switch source := b.IsSource(buf); {
	case source && !tracked:
		return b.Opened(ctx, buf)
	case !source && tracked:
		return b.Closed(ctx, buf)
	}
	return nil
}

// SelectionModified shows the diagnostics under the cursor of buf.
func (b *Broker) SelectionModified(buf Buffer) {
	if _, ok := b.manager.Tracked(buf.ID()); !ok {
		return
	}
	b.renderer.ShowStatus(buf, StatusText(b.store.At(buf.ID(), buf.Cursor())))
}

// QueryCompletions pushes the content of buf to its services and returns
// the completions at the cursor merged across them. Entries with the same
// name and type are reported once.
func (b *Broker) QueryCompletions(ctx context.Context, buf Buffer) ([]service.Completion, error) {
	set, err := b.resolve(ctx, buf)
	if set == nil {
		return nil, err
	}

	b.debounce.Cancel(tagUpdate + buf.ID())
	path := buf.Path()
	var errs []error
	if err != nil {
		errs = append(errs, err)
	}
	for _, r := range set.Update(ctx, path, buf.Content()) {
		if r.Err != nil {
			errs = append(errs, r.Err)
		}
	}

	cur := buf.Cursor()
	var out []service.Completion
	seen := make(map[service.Completion]struct{})
	for _, r := range set.Completions(ctx, path, cur.Row, cur.Col) {
		if r.Err != nil {
			errs = append(errs, r.Err)
			continue
		}
		for _, c := range r.Value {
			if _, dup := seen[c]; dup {
				continue
			}
			seen[c] = struct{}{}
			out = append(out, c)
		}
	}

	b.renderer.ShowCompletions(buf, out)
	return out, errors.Join(errs...)
}

// FetchErrors pushes the content of buf, fetches diagnostics from every
// service covering it and returns the diagnostics of buf.
func (b *Broker) FetchErrors(ctx context.Context, buf Buffer) ([]service.Diagnostic, error) {
	set, err := b.resolve(ctx, buf)
	if set == nil {
		return nil, err
	}

	b.debounce.Cancel(tagUpdate + buf.ID())
	errs := []error{err}
	for _, r := range set.Update(ctx, buf.Path(), buf.Content()) {
		errs = append(errs, r.Err)
	}
	for _, svc := range set.Members() {
		b.debounce.Cancel(tagErrors + svc.ID())
		errs = append(errs, b.fetchErrors(ctx, svc))
	}
	return b.store.Get(buf.ID()), errors.Join(errs...)
}

// Shutdown cancels pending work, closes every interface and stops the
// module watcher.
func (b *Broker) Shutdown(ctx context.Context) error {
	b.debounce.Stop()
	err := b.manager.CloseAll(ctx)
	if werr := b.watcher.Close(); werr != nil {
		err = errors.Join(err, werr)
	}
	b.cancel()
	b.logger.Debug("shut down")
	return err
}

// resolve returns the services of buf, attaching it first when a source
// buffer was never opened. A nil set means buf is not served.
func (b *Broker) resolve(ctx context.Context, buf Buffer) (*service.Set, error) {
	if _, ok := b.manager.Tracked(buf.ID()); !ok {
		if !b.IsSource(buf) {
			return nil, nil
		}
		set, err := b.manager.Attach(ctx, buf)
		if err != nil {
			return nil, err
		}
		return set, nil
	}
	return b.manager.Resolve(ctx, buf)
}

// requestContext bounds a background request by the configured timeout.
func (b *Broker) requestContext() (context.Context, context.CancelFunc) {
	if b.config.RequestTimeout > 0 {
		return context.WithTimeout(b.ctx, b.config.RequestTimeout)
	}
	return context.WithCancel(b.ctx)
}

func (b *Broker) scheduleUpdate(buf manager.Buffer) {
	eb, ok := buf.(Buffer)
	if !ok {
		return
	}
	b.debounce.Schedule(tagUpdate+buf.ID(), b.config.UpdateDelay, func() {
		path, ok := b.manager.Tracked(eb.ID())
		if !ok {
			return
		}
		ctx, cancel := b.requestContext()
		defer cancel()
		for _, r := range b.manager.Owners(path).Update(ctx, eb.Path(), eb.Content()) {
			if r.Err != nil {
				b.logger.Warn("update failed",
					zap.String("buffer", eb.ID()), zap.String("service", r.Service.ID()), zap.Error(r.Err))
			}
		}
	})
}

func (b *Broker) scheduleErrors(svcs ...service.Service) {
	for _, svc := range svcs {
		b.debounce.Schedule(tagErrors+svc.ID(), b.config.ErrorsDelay, func() {
			ctx, cancel := b.requestContext()
			defer cancel()
			if err := b.fetchErrors(ctx, svc); err != nil {
				b.logger.Warn("fetching diagnostics failed", zap.String("service", svc.ID()), zap.Error(err))
			}
		})
	}
}

// fetchErrors refreshes the diagnostics reported by svc in every buffer
// on its active paths.
func (b *Broker) fetchErrors(ctx context.Context, svc service.Service) error {
	if svc.Closed() {
		return nil
	}
	diags, err := svc.Errors(ctx)
	if err != nil {
		return err
	}
	b.watcher.Observe(svc, diags)

	for _, buf := range b.store.Apply(svc.ID(), b.manager.BuffersOf(svc), diags) {
		b.renderer.ShowDiagnostics(buf, b.store.Get(buf.ID()))
	}
	return nil
}

// BufferAttached implements manager.Listener.
func (b *Broker) BufferAttached(buf manager.Buffer, set *service.Set) {
	b.logger.Debug("buffer attached", zap.String("buffer", buf.ID()), zap.String("services", set.Key()))
	b.scheduleUpdate(buf)
	b.scheduleErrors(set.Members()...)
}

// BufferDetached implements manager.Listener.
func (b *Broker) BufferDetached(buf manager.Buffer) {
	b.debounce.Cancel(tagUpdate + buf.ID())
	b.store.ClearBuffer(buf.ID())
	b.renderer.ShowDiagnostics(buf, nil)
	b.renderer.ShowStatus(buf, "")
}

// FileRenamed implements manager.Listener. The interfaces that served the
// old path drop their diagnostics for the buffer on their next fetch.
func (b *Broker) FileRenamed(buf manager.Buffer, before, after *service.Set) {
	b.logger.Debug("buffer renamed",
		zap.String("buffer", buf.ID()), zap.String("before", before.Key()), zap.String("after", after.Key()))
	b.scheduleErrors(before.Members()...)
}

// InterfaceClosed implements manager.Listener.
func (b *Broker) InterfaceClosed(svc service.Service) {
	b.watcher.Clear(svc)
	b.debounce.Cancel(tagErrors + svc.ID())
	b.debounce.Cancel(tagReload + svc.ID())
	for _, buf := range b.store.DropService(svc.ID()) {
		b.renderer.ShowDiagnostics(buf, b.store.Get(buf.ID()))
	}
}

// ModuleChanged implements modwatch.Listener. The interface is reloaded
// after a short delay and its diagnostics fetched again.
func (b *Broker) ModuleChanged(svc service.Service) {
	b.debounce.Schedule(tagReload+svc.ID(), b.config.ReloadDelay, func() {
		ctx, cancel := b.requestContext()
		defer cancel()
		if err := b.manager.Reload(ctx, service.NewSet(svc)); err != nil {
			b.logger.Warn("reload after module change failed", zap.String("service", svc.ID()), zap.Error(err))
		}
		if !svc.Closed() {
			b.scheduleErrors(svc)
		}
	})
}

var (
	_ manager.Listener  = (*Broker)(nil)
	_ modwatch.Listener = (*Broker)(nil)
)
