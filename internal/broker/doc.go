// Package broker connects editor events to language services.
//
// A Broker owns the lifecycle manager, the module watcher and the
// debouncer, and translates editor events into graph operations and
// service requests:
//
//   - Opened attaches a source buffer; the attach schedules an update of
//     the buffer and a diagnostics fetch for its services.
//   - Modified schedules the same pair again. Bursts of edits collapse into
//     one update followed by one fetch, since the fetch delay is longer.
//   - Saved reloads the buffer's services so new or removed files are
//     picked up.
//   - QueryCompletions cancels the pending update, pushes the content
//     inline and merges the completions of every service.
//   - SelectionModified shows the diagnostics under the cursor.
//
// Diagnostics are observed by the module watcher; when a missing module
// appears the affected interface is reloaded after a short delay.
//
// Manager notifications arrive with the manager lock held, so the Broker
// only schedules work from them and never calls back into the manager
// synchronously.
package broker
