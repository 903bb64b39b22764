// Package editor drives a Broker from a stream of editor events.
//
// An editor process writes one JSON object per line, for example
//
//	{"event":"open","id":"1","path":"/src/a.ts","content":"let x = 1;"}
//	{"event":"modify","id":"1","content":"let x = 12;","row":0,"col":10}
//	{"event":"complete","id":"1","row":0,"col":10}
//
// and reads back diagnostics, completions and status lines written by
// JSONRenderer in the same format.
package editor
