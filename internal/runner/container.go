package runner

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/sevigo/ci-dispatch/internal/lock"
)

// ContainerProvider runs jobs in containers through a podman or docker
// compatible CLI.
type ContainerProvider struct {
	cmd      []string
	locker   *lock.Locker
	lockWait time.Duration
	logger   *slog.Logger
}

// NewContainerProvider returns a provider that invokes cmd (for example
// ["podman"] or ["sudo", "docker"]).
func NewContainerProvider(cmd []string, locker *lock.Locker, lockWait time.Duration, logger *slog.Logger) *ContainerProvider {
	return &ContainerProvider{cmd: cmd, locker: locker, lockWait: lockWait, logger: logger}
}

func (p *ContainerProvider) command(ctx context.Context, args ...string) *exec.Cmd {
	argv := append(slices.Clone(p.cmd[1:]), args...)
	return exec.CommandContext(ctx, p.cmd[0], argv...)
}

func (p *ContainerProvider) output(ctx context.Context, args ...string) (string, error) {
	var stderr bytes.Buffer
	cmd := p.command(ctx, args...)
	cmd.Stderr = &stderr
	out, err := cmd.Output()
	if err != nil {
		return "", fmt.Errorf("%s %s: %w: %s", p.cmd[0], args[0], err, strings.TrimSpace(stderr.String()))
	}
	return strings.TrimSpace(string(out)), nil
}

// ensureImage pulls image unless it is already present. Concurrent jobs on
// one host serialize on the image lock.
func (p *ContainerProvider) ensureImage(ctx context.Context, image string) error {
	return p.locker.With(ctx, "image-"+image, p.lockWait, func(ctx context.Context) error {
		if err := p.command(ctx, "image", "inspect", image).Run(); err == nil {
			return nil
		}
		p.logger.InfoContext(ctx, "pulling image", "image", image)
		if _, err := p.output(ctx, "pull", image); err != nil {
			return fmt.Errorf("failed to pull image %s: %w", image, err)
		}
		return nil
	})
}

func (p *ContainerProvider) Acquire(ctx context.Context, spec Spec) (Environment, error) {
	if err := p.ensureImage(ctx, spec.Image); err != nil {
		return nil, err
	}

	args := []string{"run", "--detach", "--init", "--workdir=/work", "--volume=" + spec.WorkDir + ":/work"}
	if spec.Name != "" {
		// Re-runs of one slug may overlap on a host.
		args = append(args, "--name="+spec.Name+"-"+uuid.NewString()[:8])
	}
	if spec.SecretsDir != "" {
		args = append(args, "--volume="+spec.SecretsDir+":/run/secrets:ro")
	}
	keys := make([]string, 0, len(spec.Env))
	for k := range spec.Env {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	for _, k := range keys {
		args = append(args, "--env="+k+"="+spec.Env[k])
	}
	args = append(args, spec.Image, "sleep", "infinity")

	id, err := p.output(ctx, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to start container: %w", err)
	}
	p.logger.DebugContext(ctx, "container started", "id", id, "image", spec.Image)

	c := &container{provider: p, id: id}
	c.alive.Store(true)
	return c, nil
}

type container struct {
	provider *ContainerProvider
	id       string
	alive    atomic.Bool
	once     sync.Once
	err      error
}

func (c *container) Exec(ctx context.Context, cmd []string, out io.Writer) (int, error) {
	if !c.Alive() {
		return -1, fmt.Errorf("container %s is gone", c.id)
	}
	argv := append([]string{"exec", "--workdir=/work", c.id}, cmd...)
	ec := c.provider.command(ctx, argv...)
	ec.Stdout = out
	ec.Stderr = out

	err := ec.Run()
	var exitErr *exec.ExitError
	switch {
	case err == nil:
		return 0, nil
	case ctx.Err() != nil:
		return -1, ctx.Err()
	case errors.As(err, &exitErr):
		return exitErr.ExitCode(), nil
	default:
		return -1, fmt.Errorf("failed to exec in container %s: %w", c.id, err)
	}
}

func (c *container) CopyOut(ctx context.Context, src, dst string) error {
	if !c.Alive() {
		return fmt.Errorf("container %s is gone", c.id)
	}
	if _, err := c.provider.output(ctx, "cp", "--", c.id+":"+strings.TrimSuffix(src, "/")+"/.", dst); err != nil {
		return fmt.Errorf("failed to copy %s out of container %s: %w", src, c.id, err)
	}
	return nil
}

// Destroy removes the container without a grace period.
func (c *container) Destroy() error {
	c.once.Do(func() {
		c.alive.Store(false)
		ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
		defer cancel()
		if _, err := c.provider.output(ctx, "rm", "--force", "--time=0", c.id); err != nil {
			c.err = fmt.Errorf("failed to remove container %s: %w", c.id, err)
		}
	})
	return c.err
}

func (c *container) Alive() bool { return c.alive.Load() }
