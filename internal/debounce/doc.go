// Package debounce coalesces bursts of work keyed by a tag.
//
// Scheduling a callback under a tag that already has one pending replaces
// the pending callback and restarts its delay, so each burst runs exactly
// once, on the trailing edge:
//
//	d := debounce.New()
//	defer d.Stop()
//
//	d.Schedule("update:"+bufID, time.Second, func() {
//		push(bufID)
//	})
//
// Callbacks run on their own goroutine. Stop cancels everything pending and
// waits for callbacks that are already running.
package debounce
