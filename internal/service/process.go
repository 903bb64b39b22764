package service

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/dshills/subtype/internal/logging"
	"github.com/dshills/subtype/internal/metrics"
)

var tracer = otel.Tracer("github.com/dshills/subtype/internal/service")

// Config describes how to spawn a service process.
type Config struct {
	// Command is the executable, e.g. "node".
	Command string

	// Args are passed before the root file, e.g. the service script.
	Args []string

	// Env is appended to the parent environment.
	Env []string

	// BootstrapDir holds the service's own support files. Files under it
	// are never reported as claimed files.
	BootstrapDir string

	// HandshakeTimeout bounds the wait for the ready line.
	// Default: 30s
	HandshakeTimeout time.Duration

	// StopTimeout bounds the wait for the process to exit after kill.
	// Default: 2s
	StopTimeout time.Duration
}

// Option configures a Process.
type Option func(*Process)

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(p *Process) {
		p.logger = logging.OrNop(l)
	}
}

// WithMetrics sets the metrics collector.
func WithMetrics(c *metrics.Collector) Option {
	return func(p *Process) {
		p.metrics = c
	}
}

// Process is one spawned language service.
//
// Requests are serialized under mu. Close does not take mu: it kills the
// process, which unblocks any in-flight read, and the in-flight caller then
// observes the closed flag and returns an empty result.
type Process struct {
	id      string
	root    string
	config  Config
	logger  *zap.Logger
	metrics *metrics.Collector

	mu     sync.Mutex
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout *bufio.Reader

	filesMu sync.RWMutex
	files   []string

	closed atomic.Bool
	done   chan struct{}
}

// Connect spawns a service rooted at root and loads its file list.
// Any failure is returned as a *ConnectionError.
func Connect(ctx context.Context, config Config, root string, opts ...Option) (*Process, error) {
	if config.HandshakeTimeout <= 0 {
		config.HandshakeTimeout = 30 * time.Second
	}
	if config.StopTimeout <= 0 {
		config.StopTimeout = 2 * time.Second
	}

	p := &Process{
		id:     uuid.New().String(),
		root:   NormalizePath(root),
		config: config,
		logger: zap.NewNop(),
		done:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(p)
	}
	p.logger = p.logger.With(zap.String("service", p.id), zap.String("root", p.root))

	if err := p.start(ctx); err != nil {
		p.metrics.ObserveSpawn(false)
		p.logger.Warn("service failed to start", zap.Error(err))
		return nil, &ConnectionError{Root: p.root, Err: err}
	}

	files, err := p.listFiles(ctx)
	if err == nil && p.Closed() {
		err = ErrExited
	}
	if err != nil {
		_ = p.Close()
		p.metrics.ObserveSpawn(false)
		return nil, &ConnectionError{Root: p.root, Err: err}
	}
	p.setFiles(files)

	p.metrics.ObserveSpawn(true)
	p.logger.Info("service connected", zap.Int("files", len(files)), zap.Int("pid", p.PID()))
	return p, nil
}

// start spawns the process and waits for the handshake.
func (p *Process) start(ctx context.Context) error {
	if p.config.Command == "" {
		return ErrNoCommand
	}

	args := append(append([]string(nil), p.config.Args...), p.root)
	cmd := exec.Command(p.config.Command, args...)
	if len(p.config.Env) > 0 {
		cmd.Env = append(os.Environ(), p.config.Env...)
	}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return fmt.Errorf("stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("stdout pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start process: %w", err)
	}

	p.cmd = cmd
	p.stdin = stdin
	p.stdout = bufio.NewReaderSize(stdout, 64*1024)
	go p.wait()

	type readResult struct {
		line string
		err  error
	}
	ch := make(chan readResult, 1)
	go func() {
		line, err := p.stdout.ReadString('\n')
		ch <- readResult{line, err}
	}()

	timer := time.NewTimer(p.config.HandshakeTimeout)
	defer timer.Stop()

	select {
	case r := <-ch:
		if r.err != nil {
			_ = p.Close()
			return fmt.Errorf("read handshake: %w", r.err)
		}
		if !matchHandshake(r.line, p.root) {
			_ = p.Close()
			return fmt.Errorf("%w: %q", ErrHandshake, strings.TrimSpace(r.line))
		}
		return nil
	case <-timer.C:
		_ = p.Close()
		<-ch
		return ErrHandshakeTimeout
	case <-ctx.Done():
		_ = p.Close()
		<-ch
		return ctx.Err()
	}
}

// wait reaps the process.
func (p *Process) wait() {
	defer close(p.done)
	err := p.cmd.Wait()
	if !p.closed.Load() {
		p.logger.Warn("service exited unexpectedly", zap.Error(err))
	}
}

// run sends one request line and reads one response line.
// It returns "" without error when the process is closed, including when the
// transport fails mid-request or ctx ends before the response arrives. Both
// close the process.
func (p *Process) run(ctx context.Context, request string) (string, error) {
	cmdName := command(request)
	_, span := tracer.Start(ctx, "service."+cmdName, trace.WithAttributes(
		attribute.String("service.id", p.id),
		attribute.String("service.root", p.root),
	))
	defer span.End()

	queued := time.Now()
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed.Load() {
		span.SetAttributes(attribute.Bool("service.closed", true))
		return "", nil
	}

	started := time.Now()
	ch := make(chan exchangeResult, 1)
	go func() {
		ch <- p.exchange(request)
	}()

	var r exchangeResult
	select {
	case r = <-ch:
	case <-ctx.Done():
		// Killing the process unblocks the exchange.
		p.logger.Warn("service request abandoned, closing",
			zap.String("command", cmdName), zap.Error(ctx.Err()))
		p.metrics.ObserveRequest(cmdName, time.Since(started), ctx.Err())
		span.RecordError(ctx.Err())
		span.SetStatus(codes.Error, ctx.Err().Error())
		_ = p.Close()
		<-ch
		return "", nil
	}
	if r.err != nil {
		return p.fail(span, cmdName, started, r.err)
	}
	line := r.line
	finished := time.Now()

	p.metrics.ObserveRequest(cmdName, finished.Sub(started), nil)
	p.logger.Debug("service request",
		zap.String("request", truncate(firstLine(request), 60)),
		zap.String("response", truncate(strings.TrimSpace(line), 60)),
		zap.Duration("total", finished.Sub(queued)),
		zap.Duration("processing", finished.Sub(started)),
		zap.Duration("locked", started.Sub(queued)),
	)
	return strings.TrimRight(line, "\r\n"), nil
}

type exchangeResult struct {
	line string
	err  error
}

// exchange writes one request and reads one response line. Callers hold mu.
func (p *Process) exchange(request string) exchangeResult {
	if _, err := io.WriteString(p.stdin, request+"\n"); err != nil {
		return exchangeResult{err: err}
	}
	line, err := p.stdout.ReadString('\n')
	return exchangeResult{line: line, err: err}
}

// fail degrades the process to closed after a transport error.
func (p *Process) fail(span trace.Span, cmdName string, started time.Time, err error) (string, error) {
	if p.closed.Load() {
		return "", nil
	}
	p.metrics.ObserveRequest(cmdName, time.Since(started), err)
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	p.logger.Warn("service transport failed, closing", zap.String("command", cmdName), zap.Error(err))
	_ = p.Close()
	return "", nil
}

func (p *Process) listFiles(ctx context.Context) ([]string, error) {
	resp, err := p.run(ctx, cmdFiles)
	if err != nil {
		return nil, err
	}
	return parseFiles(resp, p.config.BootstrapDir)
}

// ID returns the instance identifier.
func (p *Process) ID() string {
	return p.id
}

// Root returns the normalized entry file.
func (p *Process) Root() string {
	return p.root
}

// PID returns the process ID, or -1 if not started.
func (p *Process) PID() int {
	if p.cmd == nil || p.cmd.Process == nil {
		return -1
	}
	return p.cmd.Process.Pid
}

// Files returns a copy of the claimed files.
func (p *Process) Files() []string {
	p.filesMu.RLock()
	defer p.filesMu.RUnlock()
	return append([]string(nil), p.files...)
}

func (p *Process) setFiles(files []string) {
	p.filesMu.Lock()
	p.files = files
	p.filesMu.Unlock()
}

// Closed reports whether the process is closed.
func (p *Process) Closed() bool {
	return p.closed.Load()
}

// Reload asks the service to reload and refreshes the file list.
func (p *Process) Reload(ctx context.Context) error {
	if _, err := p.run(ctx, cmdReload); err != nil {
		return err
	}
	if p.Closed() {
		return nil
	}
	files, err := p.listFiles(ctx)
	if err != nil {
		return err
	}
	if p.Closed() {
		return nil
	}
	p.setFiles(files)
	return nil
}

// Errors returns the service diagnostics.
func (p *Process) Errors(ctx context.Context) ([]Diagnostic, error) {
	resp, err := p.run(ctx, cmdShowErrors)
	if err != nil {
		return nil, err
	}
	return parseDiagnostics(resp)
}

// Completions returns the completion entries at a 0-based position.
func (p *Process) Completions(ctx context.Context, path string, line, col int) ([]Completion, error) {
	resp, err := p.run(ctx, completionsRequest(path, line, col))
	if err != nil {
		return nil, err
	}
	return parseCompletions(resp)
}

// Update pushes the full content of path to the service.
func (p *Process) Update(ctx context.Context, path, content string) error {
	_, err := p.run(ctx, updateRequest(path, content))
	return err
}

// Close kills the process. It is idempotent.
func (p *Process) Close() error {
	if p.closed.Swap(true) {
		return nil
	}

	if p.cmd == nil || p.cmd.Process == nil {
		return nil
	}
	_ = p.cmd.Process.Kill()
	if p.stdin != nil {
		_ = p.stdin.Close()
	}

	select {
	case <-p.done:
	case <-time.After(p.config.StopTimeout):
		p.logger.Warn("service did not exit after kill")
	}
	p.logger.Info("service closed")
	return nil
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}
