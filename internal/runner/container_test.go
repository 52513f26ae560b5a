package runner

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sevigo/ci-dispatch/internal/lock"
)

// fakeCLI mimics the podman subcommands the provider uses and appends every
// invocation to $FAKE_CLI_LOG.
const fakeCLI = `#!/bin/sh
echo "$@" >> "$FAKE_CLI_LOG"
case "$1" in
image) exit 1 ;;
pull) exit 0 ;;
run) echo cid123 ;;
exec) shift 3; exec "$@" ;;
cp) exit 0 ;;
rm) exit 0 ;;
*) exit 64 ;;
esac
`

func TestContainerProvider(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("needs a POSIX shell")
	}
	dir := t.TempDir()
	cli := filepath.Join(dir, "fake-podman")
	require.NoError(t, os.WriteFile(cli, []byte(fakeCLI), 0o755))
	logPath := filepath.Join(dir, "calls.log")
	t.Setenv("FAKE_CLI_LOG", logPath)

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	locker, err := lock.NewLocker(filepath.Join(dir, "locks"), logger)
	require.NoError(t, err)
	p := NewContainerProvider([]string{cli}, locker, time.Second, logger)

	ctx := context.Background()
	env, err := p.Acquire(ctx, Spec{
		Name:       "job-1",
		Image:      "quay.io/cockpit/tasks",
		Env:        map[string]string{"TEST_OS": "fedora-41", "A": "1"},
		WorkDir:    "/tmp/work",
		SecretsDir: "/tmp/secrets",
	})
	require.NoError(t, err)
	assert.True(t, env.Alive())

	var out bytes.Buffer
	code, err := env.Exec(ctx, []string{"sh", "-c", "echo hello; exit 3"}, &out)
	require.NoError(t, err)
	assert.Equal(t, 3, code)
	assert.Equal(t, "hello\n", out.String())

	code, err = env.Exec(ctx, []string{"true"}, &out)
	require.NoError(t, err)
	assert.Equal(t, 0, code)

	require.NoError(t, env.CopyOut(ctx, "/var/tmp/attachments/", "/tmp/attachments"))

	require.NoError(t, env.Destroy())
	require.NoError(t, env.Destroy())
	assert.False(t, env.Alive())
	_, err = env.Exec(ctx, []string{"true"}, &out)
	assert.Error(t, err)
	assert.Error(t, env.CopyOut(ctx, "/var/tmp/attachments", "/tmp/attachments"))

	data, err := os.ReadFile(logPath)
	require.NoError(t, err)
	calls := strings.Split(strings.TrimSpace(string(data)), "\n")
	require.Len(t, calls, 7)
	assert.Equal(t, "image inspect quay.io/cockpit/tasks", calls[0])
	assert.Equal(t, "pull quay.io/cockpit/tasks", calls[1])
	assert.Contains(t, calls[2], "run --detach --init --workdir=/work --volume=/tmp/work:/work --name=job-1-")
	assert.Contains(t, calls[2], "--volume=/tmp/secrets:/run/secrets:ro --env=A=1 --env=TEST_OS=fedora-41 quay.io/cockpit/tasks sleep infinity")
	assert.Equal(t, "exec --workdir=/work cid123 sh -c echo hello; exit 3", calls[3])
	assert.Equal(t, "cp -- cid123:/var/tmp/attachments/. /tmp/attachments", calls[5])
	assert.Equal(t, "rm --force --time=0 cid123", calls[6])
}
