// Package modwatch watches for module files that a language service could
// not resolve.
//
// The service reports an unresolved import as a diagnostic with a fixed
// code (TS2307 by default) whose message quotes the module specifier. For
// each interface the Watcher keeps the set of relative specifiers it is
// missing, resolved against the importing file's directory, and watches the
// directories that would contain them. One directory watcher serves every
// watched path in a directory and stops when the last path is released.
//
// When a new file appears whose name, up to its first dot, equals a watched
// path, every interface waiting on that path receives ModuleChanged, which
// the caller typically answers with a reload.
//
// Two backends are available: "poll" lists the directory on an interval,
// "fsnotify" reacts to create events and falls back to polling for
// directories it cannot watch.
package modwatch
