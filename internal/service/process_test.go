package service

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/dshills/subtype/internal/metrics"
)

// TestHelperProcess is not a real test. It stands in for the language
// service when the test binary is re-executed by helperConfig.
func TestHelperProcess(t *testing.T) {
	if os.Getenv("SUBTYPE_HELPER_PROCESS") != "1" {
		return
	}
	defer os.Exit(0)

	args := os.Args
	for len(args) > 0 && args[0] != "--" {
		args = args[1:]
	}
	if len(args) < 2 {
		fmt.Fprintln(os.Stderr, "missing root")
		os.Exit(2)
	}
	fakeService(args[1], os.Getenv("SUBTYPE_HELPER_BOOT"))
}

// fakeService speaks the line protocol on stdin/stdout. The root's base
// name selects misbehaviors.
func fakeService(root, boot string) {
	name := filepath.Base(root)
	switch {
	case strings.HasPrefix(name, "silent"):
		_, _ = bufio.NewReader(os.Stdin).ReadString(0)
		return
	case strings.HasPrefix(name, "wrong"):
		fmt.Println(`"hello there"`)
		return
	}
	fmt.Printf("%q\n", "loaded "+root+", TSS listening..")

	dir := filepath.Dir(root)
	files := []string{root, dir + "/b.ts", boot + "/lib.d.ts"}
	lastUpdate := ""
	in := bufio.NewReader(os.Stdin)
	out := json.NewEncoder(os.Stdout)

	for {
		line, err := in.ReadString('\n')
		if err != nil {
			return
		}
		fields := strings.Fields(line)
		if len(fields) == 0 {
			continue
		}
		switch fields[0] {
		case "files":
			_ = out.Encode(files)
		case "reload":
			files = append(files, dir+"/c.ts")
			_ = out.Encode("reloaded")
		case "showErrors":
			if strings.HasPrefix(name, "crash") {
				os.Exit(3)
			}
			if strings.HasPrefix(name, "mute") {
				time.Sleep(time.Hour)
			}
			_ = out.Encode([]map[string]any{{
				"file":     root,
				"start":    map[string]int{"line": 2, "character": 5},
				"end":      map[string]int{"line": 2, "character": 9},
				"text":     "error TS2304: Cannot find name 'foo'.",
				"category": "error",
				"phase":    "Semantics",
			}})
		case "completions":
			_ = out.Encode(map[string]any{"entries": []map[string]any{
				{"name": "at-" + fields[2] + "-" + fields[3], "type": "position"},
				{"name": fields[4], "type": nil},
			}})
		case "update":
			n, _ := strconv.Atoi(fields[1])
			var content []string
			for i := 0; i < n; i++ {
				l, _ := in.ReadString('\n')
				content = append(content, strings.TrimRight(l, "\n"))
			}
			lastUpdate = strings.Join(content, "\n")
			_ = out.Encode("updated")
		case "dump":
			_ = out.Encode(lastUpdate)
		default:
			_ = out.Encode("unknown command")
		}
	}
}

func helperConfig(t *testing.T) Config {
	t.Helper()
	return Config{
		Command:          os.Args[0],
		Args:             []string{"-test.run=^TestHelperProcess$", "--"},
		Env:              []string{"SUBTYPE_HELPER_PROCESS=1", "SUBTYPE_HELPER_BOOT=/boot"},
		BootstrapDir:     "/boot",
		HandshakeTimeout: 10 * time.Second,
	}
}

func connectHelper(t *testing.T, base string, opts ...Option) *Process {
	t.Helper()
	root := filepath.Join(t.TempDir(), base)
	opts = append([]Option{WithLogger(zaptest.NewLogger(t))}, opts...)
	p, err := Connect(context.Background(), helperConfig(t), root, opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = p.Close() })
	return p
}

func TestConnect(t *testing.T) {
	p := connectHelper(t, "a.ts")

	assert.NotEmpty(t, p.ID())
	assert.Greater(t, p.PID(), 0)
	assert.False(t, p.Closed())

	dir := filepath.Dir(p.Root())
	assert.Equal(t, []string{p.Root(), dir + "/b.ts"}, p.Files())
}

func TestConnect_WrongHandshake(t *testing.T) {
	root := filepath.Join(t.TempDir(), "wrong.ts")
	_, err := Connect(context.Background(), helperConfig(t), root)

	require.Error(t, err)
	assert.True(t, IsConnectionError(err))
	assert.ErrorIs(t, err, ErrHandshake)
}

func TestConnect_HandshakeTimeout(t *testing.T) {
	cfg := helperConfig(t)
	cfg.HandshakeTimeout = 200 * time.Millisecond
	root := filepath.Join(t.TempDir(), "silent.ts")

	_, err := Connect(context.Background(), cfg, root)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrHandshakeTimeout)
}

func TestConnect_ContextCanceled(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	root := filepath.Join(t.TempDir(), "silent.ts")

	_, err := Connect(ctx, helperConfig(t), root)
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestConnect_NoCommand(t *testing.T) {
	_, err := Connect(context.Background(), Config{}, "/p/a.ts")
	assert.ErrorIs(t, err, ErrNoCommand)
	assert.True(t, IsConnectionError(err))
}

func TestConnect_MissingExecutable(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := metrics.New("test", reg)
	cfg := Config{Command: filepath.Join(t.TempDir(), "does-not-exist")}

	_, err := Connect(context.Background(), cfg, "/p/a.ts", WithMetrics(m))
	require.Error(t, err)
	assert.True(t, IsConnectionError(err))
}

func TestProcess_Errors(t *testing.T) {
	p := connectHelper(t, "a.ts")

	diags, err := p.Errors(context.Background())
	require.NoError(t, err)
	require.Len(t, diags, 1)

	d := diags[0]
	assert.Equal(t, p.Root(), d.File)
	assert.Equal(t, Point{Row: 1, Col: 4}, d.Start)
	assert.Equal(t, Point{Row: 1, Col: 8}, d.End)
	assert.Equal(t, "TS2304", d.Code)
	assert.Equal(t, "Cannot find name 'foo'.", d.Text)
	assert.Equal(t, LevelWarning, d.Level)
}

func TestProcess_Completions(t *testing.T) {
	p := connectHelper(t, "a.ts")

	entries, err := p.Completions(context.Background(), p.Root(), 4, 7)
	require.NoError(t, err)
	assert.Equal(t, []Completion{
		{Name: "at-5-8", Type: "position"},
		{Name: p.Root()},
	}, entries)
}

func TestProcess_Update(t *testing.T) {
	p := connectHelper(t, "a.ts")
	content := "let a = 1;\n\nlet b = a;"

	require.NoError(t, p.Update(context.Background(), p.Root(), content))

	resp, err := p.run(context.Background(), "dump")
	require.NoError(t, err)
	var got string
	require.NoError(t, json.Unmarshal([]byte(resp), &got))
	assert.Equal(t, content, got)
}

func TestProcess_Reload(t *testing.T) {
	p := connectHelper(t, "a.ts")
	dir := filepath.Dir(p.Root())

	require.NoError(t, p.Reload(context.Background()))
	assert.Equal(t, []string{p.Root(), dir + "/b.ts", dir + "/c.ts"}, p.Files())
}

func TestProcess_CrashClosesQuietly(t *testing.T) {
	p := connectHelper(t, "crash.ts")

	diags, err := p.Errors(context.Background())
	assert.NoError(t, err)
	assert.Empty(t, diags)
	assert.True(t, p.Closed())

	// Further requests are no-ops.
	entries, err := p.Completions(context.Background(), p.Root(), 0, 0)
	assert.NoError(t, err)
	assert.Empty(t, entries)
}

func TestProcess_DeadlineClosesHungService(t *testing.T) {
	p := connectHelper(t, "mute.ts")

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	done := make(chan struct{})
	var (
		diags []Diagnostic
		err   error
	)
	go func() {
		defer close(done)
		diags, err = p.Errors(ctx)
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Errors ignored its deadline")
	}
	assert.NoError(t, err)
	assert.Empty(t, diags)
	assert.True(t, p.Closed())

	// The lock is free again and later requests are no-ops.
	entries, err := p.Completions(context.Background(), p.Root(), 0, 0)
	assert.NoError(t, err)
	assert.Empty(t, entries)
}

func TestProcess_CanceledContextClosesQuietly(t *testing.T) {
	p := connectHelper(t, "mute.ts")

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(50*time.Millisecond, cancel)

	diags, err := p.Errors(ctx)
	assert.NoError(t, err)
	assert.Empty(t, diags)
	assert.True(t, p.Closed())
}

func TestProcess_CloseIdempotent(t *testing.T) {
	p := connectHelper(t, "a.ts")

	require.NoError(t, p.Close())
	require.NoError(t, p.Close())
	assert.True(t, p.Closed())

	select {
	case <-p.done:
	case <-time.After(5 * time.Second):
		t.Fatal("process was not reaped")
	}

	resp, err := p.run(context.Background(), cmdFiles)
	assert.NoError(t, err)
	assert.Empty(t, resp)
}

func TestProcess_ConcurrentRequests(t *testing.T) {
	p := connectHelper(t, "a.ts")

	const n = 8
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		go func() {
			entries, err := p.Completions(context.Background(), p.Root(), i, i)
			if err == nil && (len(entries) != 2 || entries[0].Name != fmt.Sprintf("at-%d-%d", i+1, i+1)) {
				err = fmt.Errorf("request %d: unexpected entries %v", i, entries)
			}
			errs <- err
		}()
	}
	for i := 0; i < n; i++ {
		assert.NoError(t, <-errs)
	}
}

func TestProcess_Metrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := metrics.New("test", reg)
	p := connectHelper(t, "a.ts", WithMetrics(m))

	_, err := p.Errors(context.Background())
	require.NoError(t, err)

	count, err := testutil.GatherAndCount(reg, "test_service_requests_total")
	require.NoError(t, err)
	assert.Equal(t, 2, count)
}
