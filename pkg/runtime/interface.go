// Package runtime abstracts the container runtime (Docker Engine API) behind
// a small interface so the sandbox service can be tested without a live
// daemon.
package runtime

import (
	"context"
	"io"
	"time"
)

// ContainerSpec describes everything needed to create one sandbox container.
type ContainerSpec struct {
	Name     string
	Image    string
	Command  []string
	Env      []string // "KEY=VALUE" pairs, already merged and redaction-free
	Ports    []PortBinding
	CPU      float64 // cores, e.g. 1.5
	MemoryMB int
	Labels   map[string]string
}

// PortBinding binds a container port to a host port.
type PortBinding struct {
	Container int
	Host      int
}

// InspectResult is a point-in-time snapshot of container state.
type InspectResult struct {
	Status   string // "created", "running", "exited", "dead", ...
	Running  bool
	ExitCode int
}

// ContainerMetrics is a one-shot stats sample.
type ContainerMetrics struct {
	CPUPercent    float64
	MemoryUsage   int64
	MemoryLimit   int64
	MemoryPercent float64
	NetworkRxBytes int64
	NetworkTxBytes int64
	BlockIORead   int64
	BlockIOWrite  int64
}

// LogEvent is one decoded line from the runtime's multiplexed log stream.
type LogEvent struct {
	Stream    string // "stdout" or "stderr"
	Text      string
	Timestamp time.Time
}

// ProgressFunc receives pull/creation progress: a 0-100 percentage and a
// human status string. Implementations must tolerate being called from a
// goroutine other than the caller's.
type ProgressFunc func(percent int, status string)

// ErrorKind classifies a runtime failure so C5 can translate it into a
// lifecycle transition without string-matching driver errors.
type ErrorKind int

const (
	ErrOther ErrorKind = iota
	ErrNotFound
	ErrConflict
	ErrUnavailable
)

// Error wraps a runtime failure with its classification.
type Error struct {
	Kind ErrorKind
	Op   string
	Err  error
}

func (e *Error) Error() string { return e.Op + ": " + e.Err.Error() }
func (e *Error) Unwrap() error { return e.Err }

// Session is an interactive PTY-backed exec session.
type Session interface {
	io.Reader
	io.Writer
	Resize(ctx context.Context, cols, rows int) error
	Close() error
}

// Adapter abstracts the container runtime. Every method must be safe to call
// concurrently with other methods and must respect ctx cancellation.
type Adapter interface {
	EnsureImage(ctx context.Context, image string, progress ProgressFunc) error
	CreateContainer(ctx context.Context, spec ContainerSpec) (containerRef string, err error)
	Start(ctx context.Context, ref string) error
	Stop(ctx context.Context, ref string, graceSeconds int) error
	Restart(ctx context.Context, ref string, graceSeconds int) error
	Remove(ctx context.Context, ref string, force bool) error
	Inspect(ctx context.Context, ref string) (*InspectResult, error)
	WaitRunning(ctx context.Context, ref string, deadline time.Duration) (bool, error)
	Stats(ctx context.Context, ref string) (*ContainerMetrics, error)
	StreamLogs(ctx context.Context, ref string, sinceUnix int64) (<-chan LogEvent, error)
	GetLogs(ctx context.Context, ref string, tail int) ([]LogEvent, error)
	ExecBatch(ctx context.Context, ref string, argv []string) (exitCode int, output string, err error)
	ExecInteractive(ctx context.Context, ref string, initialCols, initialRows int) (Session, error)
	ListOwned(ctx context.Context) ([]string, error)
	HealthCheck(ctx context.Context) error
}
