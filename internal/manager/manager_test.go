package manager

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/dshills/subtype/internal/service"
	"github.com/dshills/subtype/internal/service/servicetest"
)

type testBuffer struct {
	id string

	mu   sync.Mutex
	path string
}

func newBuffer(id, path string) *testBuffer {
	return &testBuffer{id: id, path: path}
}

func (b *testBuffer) ID() string { return b.id }

func (b *testBuffer) Path() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.path
}

func (b *testBuffer) rename(path string) {
	b.mu.Lock()
	b.path = path
	b.mu.Unlock()
}

// recorder collects listener notifications as strings.
type recorder struct {
	mu     sync.Mutex
	events []string
}

func setIDs(s *service.Set) string {
	var ids []string
	for _, m := range s.Members() {
		ids = append(ids, m.ID())
	}
	return strings.Join(ids, ",")
}

func (r *recorder) add(format string, args ...any) {
	r.mu.Lock()
	r.events = append(r.events, fmt.Sprintf(format, args...))
	r.mu.Unlock()
}

func (r *recorder) BufferAttached(buf Buffer, set *service.Set) {
	r.add("attached %s [%s]", buf.ID(), setIDs(set))
}

func (r *recorder) BufferDetached(buf Buffer) {
	r.add("detached %s", buf.ID())
}

func (r *recorder) FileRenamed(buf Buffer, before, after *service.Set) {
	r.add("renamed %s [%s] -> [%s]", buf.ID(), setIDs(before), setIDs(after))
}

func (r *recorder) InterfaceClosed(svc service.Service) {
	r.add("closed %s", svc.ID())
}

func (r *recorder) take() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := r.events
	r.events = nil
	return out
}

func newTestManager(t *testing.T, reg *servicetest.Registry) (*Manager, *recorder) {
	t.Helper()
	rec := &recorder{}
	m := New(reg.Connector(),
		WithLogger(zaptest.NewLogger(t)),
		WithListener(rec),
		WithStrictInvariants(true),
	)
	return m, rec
}

func TestAttachDetach_Scenario(t *testing.T) {
	ctx := context.Background()
	reg := servicetest.NewRegistry()
	reg.Define("/p/a.ts", "/p/a.ts", "/p/b.ts")
	m, _ := newTestManager(t, reg)

	a := newBuffer("1", "/p/a.ts")
	set, err := m.Attach(ctx, a)
	require.NoError(t, err)
	require.Equal(t, 1, set.Len())

	i1 := reg.Last("/p/a.ts")
	require.NotNil(t, i1)
	assert.Equal(t, service.Service(i1), set.First())
	assert.Equal(t, []string{"/p/a.ts"}, m.ActivePaths(i1))

	b := newBuffer("2", "/p/b.ts")
	set, err = m.Attach(ctx, b)
	require.NoError(t, err)
	assert.Equal(t, service.Service(i1), set.First())
	assert.Len(t, reg.Spawned(), 1, "path already owned, no new interface")
	assert.Equal(t, []string{"/p/a.ts", "/p/b.ts"}, m.ActivePaths(i1))

	require.NoError(t, m.Detach(ctx, a))
	assert.Equal(t, []string{"/p/b.ts"}, m.ActivePaths(i1))
	assert.False(t, i1.Closed())

	require.NoError(t, m.Detach(ctx, b))
	assert.Empty(t, m.ActivePaths(i1))
	assert.True(t, i1.Closed())
	assert.Empty(t, m.Interfaces())

	snap := m.Snapshot()
	assert.Empty(t, snap.Owners)
	assert.Empty(t, snap.Active)
	assert.Empty(t, snap.Buffers)
}

func TestAttach_Notifications(t *testing.T) {
	ctx := context.Background()
	reg := servicetest.NewRegistry()
	m, rec := newTestManager(t, reg)

	a := newBuffer("1", "/p/a.ts")
	_, err := m.Attach(ctx, a)
	require.NoError(t, err)
	i1 := reg.Last("/p/a.ts")

	require.NoError(t, m.Detach(ctx, a))

	assert.Equal(t, []string{
		"attached 1 [" + i1.ID() + "]",
		"detached 1",
		"closed " + i1.ID(),
	}, rec.take())
}

func TestAttach_Errors(t *testing.T) {
	ctx := context.Background()
	reg := servicetest.NewRegistry()
	reg.Fail("/p/broken.ts", errors.New("no handshake"))
	m, _ := newTestManager(t, reg)

	a := newBuffer("1", "/p/a.ts")
	_, err := m.Attach(ctx, a)
	require.NoError(t, err)

	_, err = m.Attach(ctx, a)
	assert.ErrorIs(t, err, ErrAlreadyAttached)

	var bufErr *BufferError
	err = m.Detach(ctx, newBuffer("nope", "/p/a.ts"))
	require.ErrorAs(t, err, &bufErr)
	assert.Equal(t, "nope", bufErr.Buffer)
	assert.ErrorIs(t, err, ErrUnknownBuffer)

	_, err = m.Resolve(ctx, newBuffer("nope", "/p/a.ts"))
	assert.ErrorIs(t, err, ErrUnknownBuffer)

	_, err = m.Attach(ctx, newBuffer("2", ""))
	assert.ErrorIs(t, err, ErrNoPath)

	_, err = m.Attach(ctx, newBuffer("3", "/p/broken.ts"))
	assert.True(t, service.IsConnectionError(err))
	_, tracked := m.Tracked("3")
	assert.False(t, tracked)
	assert.Nil(t, m.Buffers("/p/broken.ts"))
}

func TestAddInterface_ClosesCoveredRelative(t *testing.T) {
	ctx := context.Background()
	reg := servicetest.NewRegistry()
	reg.Define("/p/a.ts", "/p/a.ts", "/p/b.ts", "/p/c.ts")
	m, rec := newTestManager(t, reg)

	_, err := m.Attach(ctx, newBuffer("1", "/p/a.ts"))
	require.NoError(t, err)
	_, err = m.Attach(ctx, newBuffer("2", "/p/b.ts"))
	require.NoError(t, err)
	a := reg.Last("/p/a.ts")
	require.Equal(t, []string{"/p/a.ts", "/p/b.ts"}, m.ActivePaths(a))
	rec.take()

	b := servicetest.NewFake("/p/d.ts", "/p/a.ts", "/p/b.ts", "/p/c.ts", "/p/d.ts")
	m.mu.Lock()
	err = m.addInterfaceLocked(ctx, b, b.Files())
	m.mu.Unlock()
	require.NoError(t, err)

	assert.True(t, a.Closed())
	assert.Equal(t, []string{"/p/a.ts", "/p/b.ts"}, m.ActivePaths(b))
	assert.Equal(t, []service.Service{b}, m.Interfaces())
	assert.Equal(t, []string{
		"closed " + a.ID(),
		"attached 1 [" + b.ID() + "]",
		"attached 2 [" + b.ID() + "]",
	}, rec.take())
	require.NoError(t, m.Verify())
}

func TestAddInterface_NewestWinsTie(t *testing.T) {
	ctx := context.Background()
	reg := servicetest.NewRegistry()
	reg.Define("/p/a.ts", "/p/a.ts", "/p/b.ts")
	m, _ := newTestManager(t, reg)

	_, err := m.Attach(ctx, newBuffer("1", "/p/a.ts"))
	require.NoError(t, err)
	older := reg.Last("/p/a.ts")

	newer := servicetest.NewFake("/p/x.ts", "/p/a.ts")
	m.mu.Lock()
	err = m.addInterfaceLocked(ctx, newer, newer.Files())
	m.mu.Unlock()
	require.NoError(t, err)

	assert.True(t, older.Closed())
	assert.False(t, newer.Closed())
	assert.Equal(t, []string{"/p/a.ts"}, m.ActivePaths(newer))
}

func TestAddInterface_KeepsIncomparableRelatives(t *testing.T) {
	ctx := context.Background()
	reg := servicetest.NewRegistry()
	reg.Define("/p/a.ts", "/p/a.ts", "/p/shared.ts")
	reg.Define("/p/b.ts", "/p/b.ts", "/p/shared.ts")
	m, _ := newTestManager(t, reg)

	_, err := m.Attach(ctx, newBuffer("1", "/p/a.ts"))
	require.NoError(t, err)
	_, err = m.Attach(ctx, newBuffer("2", "/p/b.ts"))
	require.NoError(t, err)
	set, err := m.Attach(ctx, newBuffer("3", "/p/shared.ts"))
	require.NoError(t, err)

	a, b := reg.Last("/p/a.ts"), reg.Last("/p/b.ts")
	assert.Equal(t, []service.Service{a, b}, set.Members())
	assert.Equal(t, []string{"/p/a.ts", "/p/shared.ts"}, m.ActivePaths(a))
	assert.Equal(t, []string{"/p/b.ts", "/p/shared.ts"}, m.ActivePaths(b))
}

func TestDetach_ClosesSubsumedOwner(t *testing.T) {
	ctx := context.Background()
	reg := servicetest.NewRegistry()
	reg.Define("/p/a.ts", "/p/a.ts", "/p/shared.ts")
	reg.Define("/p/b.ts", "/p/b.ts", "/p/shared.ts")
	m, _ := newTestManager(t, reg)

	bufA := newBuffer("1", "/p/a.ts")
	for _, buf := range []*testBuffer{bufA, newBuffer("2", "/p/b.ts"), newBuffer("3", "/p/shared.ts")} {
		_, err := m.Attach(ctx, buf)
		require.NoError(t, err)
	}
	a, b := reg.Last("/p/a.ts"), reg.Last("/p/b.ts")

	require.NoError(t, m.Detach(ctx, bufA))

	assert.True(t, a.Closed(), "a's remaining active paths are covered by b")
	assert.False(t, b.Closed())
	assert.Equal(t, []service.Service{b}, m.Owners("/p/shared.ts").Members())
	assert.Equal(t, []string{"/p/b.ts", "/p/shared.ts"}, m.ActivePaths(b))
}

func TestReload_UnchangedIsIdempotent(t *testing.T) {
	ctx := context.Background()
	reg := servicetest.NewRegistry()
	reg.Define("/p/a.ts", "/p/a.ts", "/p/b.ts", "/p/c.ts")
	m, rec := newTestManager(t, reg)

	set, err := m.Attach(ctx, newBuffer("1", "/p/a.ts"))
	require.NoError(t, err)
	_, err = m.Attach(ctx, newBuffer("2", "/p/b.ts"))
	require.NoError(t, err)
	before := m.Snapshot()
	rec.take()

	require.NoError(t, m.Reload(ctx, set))

	assert.Equal(t, before, m.Snapshot())
	assert.Equal(t, 1, reg.Last("/p/a.ts").Reloads())
	assert.Empty(t, rec.take())
}

func TestReload_AddedFilesCoverRelative(t *testing.T) {
	ctx := context.Background()
	reg := servicetest.NewRegistry()
	m, rec := newTestManager(t, reg)

	setA, err := m.Attach(ctx, newBuffer("1", "/p/a.ts"))
	require.NoError(t, err)
	_, err = m.Attach(ctx, newBuffer("2", "/p/c.ts"))
	require.NoError(t, err)
	a, c := reg.Last("/p/a.ts"), reg.Last("/p/c.ts")
	rec.take()

	a.SetReloadFiles("/p/a.ts", "/p/c.ts")
	require.NoError(t, m.Reload(ctx, setA))

	assert.True(t, c.Closed())
	assert.Equal(t, []string{"/p/a.ts", "/p/c.ts"}, m.ActivePaths(a))
	assert.Equal(t, []string{
		"closed " + c.ID(),
		"attached 2 [" + a.ID() + "]",
	}, rec.take())
}

func TestReload_RemovedFileIsReattached(t *testing.T) {
	ctx := context.Background()
	reg := servicetest.NewRegistry()
	reg.Define("/p/a.ts", "/p/a.ts", "/p/b.ts")
	m, rec := newTestManager(t, reg)

	set, err := m.Attach(ctx, newBuffer("1", "/p/a.ts"))
	require.NoError(t, err)
	_, err = m.Attach(ctx, newBuffer("2", "/p/b.ts"))
	require.NoError(t, err)
	a := reg.Last("/p/a.ts")
	rec.take()

	a.SetReloadFiles("/p/a.ts")
	require.NoError(t, m.Reload(ctx, set))

	b := reg.Last("/p/b.ts")
	require.NotNil(t, b, "orphaned buffer gets its own interface")
	assert.Equal(t, []string{"/p/a.ts"}, m.ActivePaths(a))
	assert.Equal(t, []service.Service{b}, m.Owners("/p/b.ts").Members())
	assert.Equal(t, []string{
		"detached 2",
		"attached 2 [" + b.ID() + "]",
	}, rec.take())
}

func TestReload_ClosesInterfaceLeftInactive(t *testing.T) {
	ctx := context.Background()
	reg := servicetest.NewRegistry()
	reg.Define("/p/a.ts", "/p/a.ts", "/p/b.ts")
	m, _ := newTestManager(t, reg)

	bufA := newBuffer("1", "/p/a.ts")
	set, err := m.Attach(ctx, bufA)
	require.NoError(t, err)
	_, err = m.Attach(ctx, newBuffer("2", "/p/b.ts"))
	require.NoError(t, err)
	require.NoError(t, m.Detach(ctx, bufA))
	a := reg.Last("/p/a.ts")

	a.SetReloadFiles("/p/x.ts")
	require.NoError(t, m.Reload(ctx, set))

	assert.True(t, a.Closed())
	b := reg.Last("/p/b.ts")
	require.NotNil(t, b)
	assert.Equal(t, []service.Service{b}, m.Interfaces())
}

func TestReload_Error(t *testing.T) {
	ctx := context.Background()
	reg := servicetest.NewRegistry()
	m, _ := newTestManager(t, reg)

	set, err := m.Attach(ctx, newBuffer("1", "/p/a.ts"))
	require.NoError(t, err)
	boom := errors.New("boom")
	reg.Last("/p/a.ts").SetReloadError(boom)

	before := m.Snapshot()
	assert.ErrorIs(t, m.Reload(ctx, set), boom)
	assert.Equal(t, before, m.Snapshot())
}

func TestResolve_Rename(t *testing.T) {
	ctx := context.Background()
	reg := servicetest.NewRegistry()
	m, rec := newTestManager(t, reg)

	buf := newBuffer("1", "/p/a.ts")
	_, err := m.Attach(ctx, buf)
	require.NoError(t, err)
	a := reg.Last("/p/a.ts")

	set, err := m.Resolve(ctx, buf)
	require.NoError(t, err)
	assert.Equal(t, service.Service(a), set.First())
	rec.take()

	buf.rename("/p/renamed.ts")
	set, err = m.Resolve(ctx, buf)
	require.NoError(t, err)

	r := reg.Last("/p/renamed.ts")
	require.NotNil(t, r)
	assert.Equal(t, service.Service(r), set.First())
	assert.True(t, a.Closed())

	path, ok := m.Tracked("1")
	assert.True(t, ok)
	assert.Equal(t, "/p/renamed.ts", path)
	assert.Equal(t, []string{
		"detached 1",
		"closed " + a.ID(),
		"attached 1 [" + r.ID() + "]",
		"renamed 1 [" + a.ID() + "] -> [" + r.ID() + "]",
	}, rec.take())
}

func TestResolve_EvictsDeadInterface(t *testing.T) {
	ctx := context.Background()
	reg := servicetest.NewRegistry()
	m, _ := newTestManager(t, reg)

	buf := newBuffer("1", "/p/a.ts")
	_, err := m.Attach(ctx, buf)
	require.NoError(t, err)
	dead := reg.Last("/p/a.ts")
	require.NoError(t, dead.Close())

	set, err := m.Resolve(ctx, buf)
	require.NoError(t, err)

	fresh := reg.Last("/p/a.ts")
	assert.NotSame(t, dead, fresh)
	assert.Equal(t, service.Service(fresh), set.First())
	assert.Equal(t, []service.Service{fresh}, m.Interfaces())
}

func TestBuffersOf(t *testing.T) {
	ctx := context.Background()
	reg := servicetest.NewRegistry()
	reg.Define("/p/a.ts", "/p/a.ts", "/p/b.ts")
	m, _ := newTestManager(t, reg)

	b1, b2, b3 := newBuffer("1", "/p/b.ts"), newBuffer("2", "/p/a.ts"), newBuffer("3", "/p/b.ts")
	_, err := m.Attach(ctx, b2)
	require.NoError(t, err)
	_, err = m.Attach(ctx, b1)
	require.NoError(t, err)
	_, err = m.Attach(ctx, b3)
	require.NoError(t, err)

	got := m.BuffersOf(reg.Last("/p/a.ts"))
	assert.Equal(t, []Buffer{b2, b1, b3}, got)
	assert.Equal(t, []Buffer{b1, b3}, m.Buffers("/p/b.ts"))
}

func TestCloseAll(t *testing.T) {
	ctx := context.Background()
	reg := servicetest.NewRegistry()
	reg.Define("/p/a.ts", "/p/a.ts", "/p/b.ts")
	m, _ := newTestManager(t, reg)

	for i, p := range []string{"/p/a.ts", "/p/b.ts", "/p/c.ts", "/p/d.ts", "/p/a.ts"} {
		_, err := m.Attach(ctx, newBuffer(fmt.Sprint(i), p))
		require.NoError(t, err)
	}
	require.Len(t, m.Interfaces(), 3)

	require.NoError(t, m.CloseAll(ctx))

	assert.Empty(t, m.Interfaces())
	assert.Empty(t, reg.Live())
	assert.Equal(t, Snapshot{Owners: map[string][]string{}, Active: map[string][]string{}, Buffers: map[string]string{}}, m.Snapshot())
}

func TestConcurrentAttachDetach(t *testing.T) {
	ctx := context.Background()
	reg := servicetest.NewRegistry()
	reg.Define("/p/a.ts", "/p/a.ts", "/p/b.ts", "/p/c.ts")
	reg.Define("/p/d.ts", "/p/d.ts", "/p/c.ts")
	m, _ := newTestManager(t, reg)

	paths := []string{"/p/a.ts", "/p/b.ts", "/p/c.ts", "/p/d.ts", "/p/e.ts"}
	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 25; i++ {
				buf := newBuffer(fmt.Sprintf("%d-%d", g, i), paths[(g+i)%len(paths)])
				if _, err := m.Attach(ctx, buf); err != nil {
					t.Error(err)
					return
				}
				if i%3 == 0 {
					continue
				}
				if err := m.Detach(ctx, buf); err != nil {
					t.Error(err)
					return
				}
			}
		}()
	}
	wg.Wait()

	require.NoError(t, m.Verify())
	require.NoError(t, m.CloseAll(ctx))
	assert.Empty(t, reg.Live())
}

func TestVerify_ReportsConflict(t *testing.T) {
	m := New(nil)
	a := servicetest.NewFake("/p/a.ts")
	b := servicetest.NewFake("/p/b.ts")
	buf := newBuffer("1", "/p/a.ts")

	// Hand-built graph where both interfaces have the same active path.
	m.nodes["/p/a.ts"] = &fileNode{
		path:    "/p/a.ts",
		owners:  map[service.Service]struct{}{a: {}, b: {}},
		buffers: []Buffer{buf},
	}
	m.buffers["1"] = &tracked{buf: buf, path: "/p/a.ts"}
	for i, svc := range []service.Service{a, b} {
		m.claims[svc] = pathSet{"/p/a.ts": {}}
		m.active[svc] = pathSet{"/p/a.ts": {}}
		m.seq[svc] = uint64(i + 1)
	}

	err := m.Verify()
	var conflict *FileConflictError
	require.ErrorAs(t, err, &conflict)
	assert.ErrorIs(t, err, ErrFileConflict)
	assert.Equal(t, []string{"/p/a.ts"}, conflict.Shared)

	// Drop the node: every claim and the buffer now dangle.
	delete(m.nodes, "/p/a.ts")
	err = m.Verify()
	assert.ErrorIs(t, err, ErrInvariant)
	var inv *InvariantError
	require.ErrorAs(t, err, &inv)
}

func TestStrictInvariants_Panics(t *testing.T) {
	m := New(nil, WithStrictInvariants(true))
	m.nodes["/p/orphan.ts"] = &fileNode{path: "/p/orphan.ts", owners: map[service.Service]struct{}{}}

	assert.Panics(t, func() {
		_ = m.CloseAll(context.Background())
	})
}

func sortedIDs(svcs []service.Service) []string {
	ids := make([]string, 0, len(svcs))
	for _, s := range svcs {
		ids = append(ids, s.ID())
	}
	sort.Strings(ids)
	return ids
}
