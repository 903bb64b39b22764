package manager

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"go.uber.org/zap"

	"github.com/dshills/subtype/internal/service"
)

func (m *Manager) attachLocked(ctx context.Context, buf Buffer) (*service.Set, error) {
	id := buf.ID()
	if _, ok := m.buffers[id]; ok {
		return nil, &BufferError{Buffer: id, Err: ErrAlreadyAttached}
	}
	path := service.NormalizePath(buf.Path())
	if path == "" {
		return nil, &BufferError{Buffer: id, Err: ErrNoPath}
	}

	var (
		created service.Service
		covered []Buffer
	)
	if m.nodes[path] == nil {
		svc, err := m.connect(ctx, path)
		if err != nil {
			m.logger.Warn("interface failed to start", zap.String("root", path), zap.Error(err))
			return nil, err
		}
		files := normalizePaths(svc.Files())
		if !containsPath(files, path) {
			files = append(files, path)
		}
		m.logger.Info("interface created",
			zap.String("service", svc.ID()), zap.String("root", path), zap.Int("files", len(files)))
		covered = m.registerLocked(svc, files)
		created = svc
	}

	node := m.nodes[path]
	node.buffers = append(node.buffers, buf)
	m.buffers[id] = &tracked{buf: buf, path: path}
	for svc := range node.owners {
		m.active[svc][path] = struct{}{}
	}

	var err error
	if created != nil {
		err = m.resolveConflictsLocked(ctx, created)
	}
	m.notifyCoveredLocked(covered)

	if _, ok := m.buffers[id]; !ok {
		return service.NewSet(), errors.Join(err, &BufferError{Buffer: id, Err: ErrUnknownBuffer})
	}
	set := m.ownerSetLocked(m.buffers[id].path)
	for _, l := range m.listeners {
		l.BufferAttached(buf, set)
	}
	return set, err
}

func (m *Manager) detachLocked(ctx context.Context, buf Buffer) error {
	id := buf.ID()
	t, ok := m.buffers[id]
	if !ok {
		return &BufferError{Buffer: id, Err: ErrUnknownBuffer}
	}
	delete(m.buffers, id)

	node := m.nodes[t.path]
	if node == nil {
		return &InvariantError{Rule: "buffer node", Detail: fmt.Sprintf("buffer %s has no node at %s", id, t.path)}
	}
	node.buffers = removeBuffer(node.buffers, id)
	for _, l := range m.listeners {
		l.BufferDetached(t.buf)
	}
	if len(node.buffers) > 0 {
		return nil
	}

	owners := m.ownersLocked(t.path)
	for _, svc := range owners {
		delete(m.active[svc], t.path)
	}

	var errs []error
	for _, svc := range owners {
		if _, live := m.claims[svc]; live && len(m.active[svc]) == 0 {
			errs = append(errs, m.closeInterfaceLocked(ctx, svc))
		}
	}
	for _, svc := range owners {
		errs = append(errs, m.pruneLocked(ctx, svc))
	}
	return errors.Join(errs...)
}

// addInterfaceLocked registers paths for svc and closes the relatives it
// now covers.
func (m *Manager) addInterfaceLocked(ctx context.Context, svc service.Service, paths []string) error {
	covered := m.registerLocked(svc, paths)
	err := m.resolveConflictsLocked(ctx, svc)
	m.notifyCoveredLocked(covered)
	return err
}

// registerLocked adds svc as an owner of paths and marks the ones with
// buffers active. It returns the buffers svc newly covers. Registering
// paths makes svc the newest claimant.
func (m *Manager) registerLocked(svc service.Service, paths []string) []Buffer {
	if _, ok := m.claims[svc]; !ok {
		m.claims[svc] = make(pathSet)
		m.active[svc] = make(pathSet)
	}
	if len(paths) > 0 {
		m.nextSeq++
		m.seq[svc] = m.nextSeq
	}

	var covered []Buffer
	for _, p := range paths {
		if _, ok := m.claims[svc][p]; ok {
			continue
		}
		m.claims[svc][p] = struct{}{}

		node := m.nodes[p]
		if node == nil {
			node = &fileNode{path: p, owners: make(map[service.Service]struct{})}
			m.nodes[p] = node
		}
		node.owners[svc] = struct{}{}
		if len(node.buffers) > 0 {
			m.active[svc][p] = struct{}{}
			covered = append(covered, node.buffers...)
		}
	}
	return covered
}

// notifyCoveredLocked tells listeners about buffers that gained an owner.
func (m *Manager) notifyCoveredLocked(covered []Buffer) {
	for _, buf := range covered {
		t, ok := m.buffers[buf.ID()]
		if !ok {
			continue
		}
		set := m.ownerSetLocked(t.path)
		for _, l := range m.listeners {
			l.BufferAttached(buf, set)
		}
	}
}

// resolveConflictsLocked closes every relative of svc whose active paths
// svc covers. svc is the newest claimant, so it wins ties.
func (m *Manager) resolveConflictsLocked(ctx context.Context, svc service.Service) error {
	if len(m.active[svc]) == 0 {
		return nil
	}

	var errs []error
	for _, rel := range m.relativesLocked(svc) {
		if _, live := m.claims[rel]; !live {
			continue
		}
		if _, live := m.claims[svc]; !live {
			break
		}
		if m.dominatesLocked(svc, rel) {
			m.logger.Info("closing covered interface",
				zap.String("service", rel.ID()), zap.String("by", svc.ID()))
			errs = append(errs, m.closeInterfaceLocked(ctx, rel))
		}
	}
	return errors.Join(errs...)
}

// pruneLocked closes svc when a relative now covers it, or the relatives
// svc covers after its active paths shrank to a tie.
func (m *Manager) pruneLocked(ctx context.Context, svc service.Service) error {
	if _, live := m.claims[svc]; !live || len(m.active[svc]) == 0 {
		return nil
	}

	var errs []error
	for _, rel := range m.relativesLocked(svc) {
		if _, live := m.claims[rel]; !live || len(m.active[rel]) == 0 {
			continue
		}
		switch {
		case m.dominatesLocked(rel, svc):
			m.logger.Info("closing covered interface",
				zap.String("service", svc.ID()), zap.String("by", rel.ID()))
			return errors.Join(append(errs, m.closeInterfaceLocked(ctx, svc))...)
		case m.dominatesLocked(svc, rel):
			m.logger.Info("closing covered interface",
				zap.String("service", rel.ID()), zap.String("by", svc.ID()))
			errs = append(errs, m.closeInterfaceLocked(ctx, rel))
		}
	}
	return errors.Join(errs...)
}

// dominatesLocked reports whether a's active paths cover b's. Equal sets
// go to the newer claimant.
func (m *Manager) dominatesLocked(a, b service.Service) bool {
	aa, bb := m.active[a], m.active[b]
	if len(aa) == 0 || len(bb) > len(aa) {
		return false
	}
	for p := range bb {
		if _, ok := aa[p]; !ok {
			return false
		}
	}
	return len(aa) > len(bb) || m.seq[a] > m.seq[b]
}

// relativesLocked returns the other interfaces sharing a claimed path with
// svc, oldest claim first.
func (m *Manager) relativesLocked(svc service.Service) []service.Service {
	seen := make(map[service.Service]struct{})
	var out []service.Service
	for p := range m.claims[svc] {
		node := m.nodes[p]
		if node == nil {
			continue
		}
		for owner := range node.owners {
			if owner == svc {
				continue
			}
			if _, ok := seen[owner]; ok {
				continue
			}
			seen[owner] = struct{}{}
			out = append(out, owner)
		}
	}
	m.sortBySeq(out)
	return out
}

// removeInterfaceLocked drops svc's claim on paths. Nodes left without
// owners are deleted and their buffers detached; the detached buffers are
// returned for the caller to reattach.
func (m *Manager) removeInterfaceLocked(svc service.Service, paths []string) []Buffer {
	var orphans []Buffer
	for _, p := range paths {
		delete(m.claims[svc], p)
		delete(m.active[svc], p)

		node := m.nodes[p]
		if node == nil {
			continue
		}
		delete(node.owners, svc)
		if len(node.owners) > 0 {
			continue
		}

		for _, buf := range node.buffers {
			delete(m.buffers, buf.ID())
			for _, l := range m.listeners {
				l.BufferDetached(buf)
			}
		}
		orphans = append(orphans, node.buffers...)
		delete(m.nodes, p)
	}
	return orphans
}

// closeInterfaceLocked removes every claim of svc, kills it and reattaches
// the buffers it alone covered.
func (m *Manager) closeInterfaceLocked(ctx context.Context, svc service.Service) error {
	claimed, ok := m.claims[svc]
	if !ok {
		return nil
	}
	orphans := m.removeInterfaceLocked(svc, sortedPaths(claimed))
	delete(m.claims, svc)
	delete(m.active, svc)
	delete(m.seq, svc)

	if err := svc.Close(); err != nil {
		m.logger.Warn("interface close failed", zap.String("service", svc.ID()), zap.Error(err))
	}
	m.logger.Info("interface closed", zap.String("service", svc.ID()), zap.String("root", svc.Root()))
	for _, l := range m.listeners {
		l.InterfaceClosed(svc)
	}
	return m.reattachLocked(ctx, orphans)
}

func (m *Manager) reattachLocked(ctx context.Context, bufs []Buffer) error {
	var errs []error
	for _, buf := range bufs {
		if _, err := m.attachLocked(ctx, buf); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// reloadLocked reloads svc and diffs its file list against its claims.
func (m *Manager) reloadLocked(ctx context.Context, svc service.Service) error {
	if _, live := m.claims[svc]; !live || svc.Closed() {
		return nil
	}
	if err := svc.Reload(ctx); err != nil {
		m.metrics.ObserveReload(false)
		m.logger.Warn("interface reload failed", zap.String("service", svc.ID()), zap.Error(err))
		return err
	}
	m.metrics.ObserveReload(true)
	if svc.Closed() {
		return m.closeInterfaceLocked(ctx, svc)
	}

	next := make(pathSet)
	for _, p := range normalizePaths(svc.Files()) {
		next[p] = struct{}{}
	}
	next[svc.Root()] = struct{}{}

	var removed, added []string
	for p := range m.claims[svc] {
		if _, ok := next[p]; !ok {
			removed = append(removed, p)
		}
	}
	for p := range next {
		if _, ok := m.claims[svc][p]; !ok {
			added = append(added, p)
		}
	}
	removed, added = sortStrings(removed), sortStrings(added)
	if len(removed) == 0 && len(added) == 0 {
		return nil
	}
	m.logger.Info("interface reloaded",
		zap.String("service", svc.ID()), zap.Strings("removed", removed), zap.Strings("added", added))

	var errs []error
	orphans := m.removeInterfaceLocked(svc, removed)
	errs = append(errs, m.reattachLocked(ctx, orphans))

	if _, live := m.claims[svc]; !live {
		return errors.Join(errs...)
	}
	errs = append(errs, m.addInterfaceLocked(ctx, svc, added))

	if _, live := m.claims[svc]; live {
		if len(m.active[svc]) == 0 {
			errs = append(errs, m.closeInterfaceLocked(ctx, svc))
		} else {
			errs = append(errs, m.pruneLocked(ctx, svc))
		}
	}
	return errors.Join(errs...)
}

func removeBuffer(bufs []Buffer, id string) []Buffer {
	for i, b := range bufs {
		if b.ID() == id {
			return append(bufs[:i:i], bufs[i+1:]...)
		}
	}
	return bufs
}

func normalizePaths(paths []string) []string {
	out := make([]string, 0, len(paths))
	for _, p := range paths {
		if p = service.NormalizePath(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func sortStrings(s []string) []string {
	sort.Strings(s)
	return s
}

func containsPath(paths []string, p string) bool {
	for _, q := range paths {
		if q == p {
			return true
		}
	}
	return false
}
