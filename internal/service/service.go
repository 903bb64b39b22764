package service

import "context"

// Level classifies a diagnostic.
type Level string

const (
	// LevelIllegal is a hard error (syntactic or other non-semantic phase).
	LevelIllegal Level = "illegal"

	// LevelWarning is a semantic diagnostic.
	LevelWarning Level = "warning"
)

// Point is a 0-based (row, column) position.
type Point struct {
	Row int `json:"row"`
	Col int `json:"col"`
}

// Before reports whether p comes strictly before q.
func (p Point) Before(q Point) bool {
	return p.Row < q.Row || p.Row == q.Row && p.Col < q.Col
}

// Diagnostic is a normalized service error.
// The range [Start, End) is half-open.
type Diagnostic struct {
	File  string `json:"file"`
	Start Point  `json:"start"`
	End   Point  `json:"end"`
	Code  string `json:"code"`
	Text  string `json:"text"`
	Level Level  `json:"level"`
}

// Contains reports whether the point lies inside the diagnostic range.
// An empty range contains its start point.
func (d Diagnostic) Contains(p Point) bool {
	if d.Start == d.End {
		return p == d.Start
	}
	return !p.Before(d.Start) && p.Before(d.End)
}

// Completion is one completion entry.
type Completion struct {
	Name string `json:"name"`
	Type string `json:"type"`
}

// Service is the operation set of one language service instance.
//
// Implementations must be safe for concurrent use and must be comparable,
// since services are used as map keys by the lifecycle manager.
type Service interface {
	// ID returns a unique identifier for this instance.
	ID() string

	// Root returns the entry file the service was started with.
	Root() string

	// Files returns the normalized paths the service currently claims.
	Files() []string

	// Closed reports whether Close has been called or the process failed.
	Closed() bool

	// Reload re-issues the service's own reload and refreshes Files.
	Reload(ctx context.Context) error

	// Errors returns the current diagnostics for every claimed file.
	Errors(ctx context.Context) ([]Diagnostic, error)

	// Completions returns the completion entries at a 0-based position.
	Completions(ctx context.Context, path string, line, col int) ([]Completion, error)

	// Update pushes the full content of a file.
	Update(ctx context.Context, path, content string) error

	// Close stops the service. It is idempotent.
	Close() error
}

// Connector starts a service rooted at the given normalized path.
type Connector func(ctx context.Context, root string) (Service, error)
