// Package service talks to out-of-process language analysis services.
//
// Each Process owns one spawned service rooted at an entry file. The service
// speaks a line oriented protocol over stdin/stdout: every request is a single
// text line (command and space separated arguments, with update followed by a
// raw content block) and every response is one line of JSON.
//
// # Components
//
//   - Process: one spawned service; all requests are serialized under its own
//     mutex because the service handles one request at a time.
//   - Service: the fixed operation set shared by Process and test fakes.
//   - Set: a read-only fan-out over the services covering one buffer.
//
// # Failure Policy
//
// A transport failure in the middle of a request closes that Process and
// yields an empty result instead of an error. Unrelated services keep working
// and the next editor event for the failed interface connects a fresh one.
package service
