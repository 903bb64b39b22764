package manager

import (
	"errors"
	"fmt"
	"sort"
)

// Snapshot is a copy of the graph keyed by IDs.
type Snapshot struct {
	// Owners maps each path to the sorted IDs of its owners.
	Owners map[string][]string

	// Active maps each interface ID to its sorted active paths.
	Active map[string][]string

	// Buffers maps each buffer ID to the path it is attached under.
	Buffers map[string]string
}

// Snapshot returns a copy of the graph.
func (m *Manager) Snapshot() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()

	s := Snapshot{
		Owners:  make(map[string][]string, len(m.nodes)),
		Active:  make(map[string][]string, len(m.active)),
		Buffers: make(map[string]string, len(m.buffers)),
	}
	for p, node := range m.nodes {
		ids := make([]string, 0, len(node.owners))
		for svc := range node.owners {
			ids = append(ids, svc.ID())
		}
		sort.Strings(ids)
		s.Owners[p] = ids
	}
	for svc, active := range m.active {
		s.Active[svc.ID()] = sortedPaths(active)
	}
	for id, t := range m.buffers {
		s.Buffers[id] = t.path
	}
	return s
}

// Verify checks the graph invariants and returns every violation found.
func (m *Manager) Verify() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.verifyLocked()
}

func (m *Manager) verifyLocked() error {
	var errs []error
	fail := func(rule, format string, args ...any) {
		errs = append(errs, &InvariantError{Rule: rule, Detail: fmt.Sprintf(format, args...)})
	}

	for p, node := range m.nodes {
		if len(node.owners) == 0 {
			fail("owned nodes", "node %s has no owners", p)
		}
		for svc := range node.owners {
			if _, ok := m.claims[svc][p]; !ok {
				fail("owned nodes", "node %s lists %s which does not claim it", p, svc.ID())
			}
		}
	}

	for svc, claimed := range m.claims {
		want := make(pathSet)
		for p := range claimed {
			node := m.nodes[p]
			if node == nil {
				fail("claimed nodes", "%s claims %s which has no node", svc.ID(), p)
				continue
			}
			if _, ok := node.owners[svc]; !ok {
				fail("claimed nodes", "%s claims %s but is not an owner", svc.ID(), p)
			}
			if len(node.buffers) > 0 {
				want[p] = struct{}{}
			}
		}
		if !equalSets(want, m.active[svc]) {
			fail("active paths", "%s active %v, expected %v", svc.ID(), sortedPaths(m.active[svc]), sortedPaths(want))
		}
		if len(m.active[svc]) == 0 {
			fail("active paths", "%s is live with no active paths", svc.ID())
		}
	}
	for svc := range m.active {
		if _, ok := m.claims[svc]; !ok {
			fail("active paths", "%s has active paths but no claims", svc.ID())
		}
	}

	seen := make(map[string]int)
	for p, node := range m.nodes {
		for _, buf := range node.buffers {
			seen[buf.ID()]++
			t, ok := m.buffers[buf.ID()]
			if !ok {
				fail("buffer node", "node %s holds untracked buffer %s", p, buf.ID())
			} else if t.path != p {
				fail("buffer node", "buffer %s recorded at %s but held by %s", buf.ID(), t.path, p)
			}
		}
	}
	for id, t := range m.buffers {
		if seen[id] != 1 {
			fail("buffer node", "buffer %s appears in %d nodes", id, seen[id])
		}
		if m.nodes[t.path] == nil {
			fail("buffer node", "buffer %s recorded at %s which has no node", id, t.path)
		}
	}

	svcs := m.interfacesLocked()
	for i, a := range svcs {
		for _, b := range svcs[i+1:] {
			if len(m.active[a]) == 0 || len(m.active[b]) == 0 {
				continue
			}
			if subset(m.active[a], m.active[b]) || subset(m.active[b], m.active[a]) {
				errs = append(errs, &FileConflictError{
					First:  a.ID(),
					Second: b.ID(),
					Shared: sortedPaths(intersect(m.active[a], m.active[b])),
				})
			}
		}
	}

	return errors.Join(errs...)
}

func subset(a, b pathSet) bool {
	if len(a) > len(b) {
		return false
	}
	for p := range a {
		if _, ok := b[p]; !ok {
			return false
		}
	}
	return true
}

func equalSets(a, b pathSet) bool {
	return len(a) == len(b) && subset(a, b)
}

func intersect(a, b pathSet) pathSet {
	out := make(pathSet)
	for p := range a {
		if _, ok := b[p]; ok {
			out[p] = struct{}{}
		}
	}
	return out
}
