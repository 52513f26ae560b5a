package runner

import (
	"context"
	"io"
)

// Spec describes the environment a job runs in.
type Spec struct {
	Name  string
	Image string
	Env   map[string]string
	// WorkDir is mounted at /work and is the command's working directory.
	WorkDir string
	// SecretsDir is mounted read-only at /run/secrets when set.
	SecretsDir string
}

// Environment is an isolated execution environment for one job.
type Environment interface {
	// Exec runs cmd to completion and returns its exit code. Output goes
	// to out. A non-nil error means the command could not be run at all.
	Exec(ctx context.Context, cmd []string, out io.Writer) (int, error)
	// CopyOut copies the contents of directory src inside the environment
	// into the host directory dst.
	CopyOut(ctx context.Context, src, dst string) error
	// Destroy tears the environment down at once. It is safe to call
	// more than once.
	Destroy() error
	Alive() bool
}

// Provider creates environments.
type Provider interface {
	Acquire(ctx context.Context, spec Spec) (Environment, error)
}
