// Package manager tracks which language services cover which files and
// which editor buffers are open on them.
//
// The Manager owns a graph of three relations:
//
//   - path to file node: the services claiming the path and the buffers open on it
//   - buffer to path: the path each buffer was attached under
//   - service to active paths: the claimed paths that currently have a buffer
//
// An interface (one running service) lives while its active path set is
// non-empty. Two interfaces may claim the same files; whenever one
// interface's active paths become a superset of a relative's, the relative
// is redundant and is closed. Equal sets are resolved in favor of the
// interface that claimed its files most recently.
//
// # Usage
//
//	m := manager.New(connector,
//	    manager.WithLogger(logger),
//	    manager.WithListener(broker),
//	)
//
//	set, err := m.Attach(ctx, buf)   // spawns a service if the path is unknown
//	set, err = m.Resolve(ctx, buf)   // follows renames
//	err = m.Reload(ctx, set)         // re-reads the service file lists
//	err = m.Detach(ctx, buf)         // closes services left without buffers
//	err = m.CloseAll(ctx)
//
// # Locking
//
// One mutex guards the graph. Every public operation holds it for its whole
// multi-step mutation, including service I/O. Listeners are called
// synchronously with the lock held and must not call back into the Manager.
package manager
