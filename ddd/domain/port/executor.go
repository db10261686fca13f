package port

import (
	"context"
	"io"
	"time"
)

// Command describes one external tool invocation. Args are passed as an
// argument vector and are never interpreted by a shell.
type Command struct {
	Tool  string
	Path  string
	Args  []string
	Stdin io.Reader
	Dir   string
}

// Result holds captured output of a finished invocation.
type Result struct {
	Stdout   []byte
	Stderr   string
	Duration time.Duration
}

// ProcessRunner executes external decoders, encoders and module players.
// Implementations do not retry.
type ProcessRunner interface {
	Run(ctx context.Context, cmd Command) (*Result, error)
	// Pipe connects producer stdout directly to consumer stdin.
	Pipe(ctx context.Context, producer, consumer Command) (*Result, error)
}
