package runner

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sevigo/ci-dispatch/internal/core"
	"github.com/sevigo/ci-dispatch/internal/retry"
)

func TestRunSuccess(t *testing.T) {
	env := &fakeEnv{output: "all tests passed\n"}
	h := newHarness(t, env, nil)
	d := descriptor()
	d.Secrets = []string{"github-token"}

	res := h.runner.Run(context.Background(), d)

	assert.Equal(t, core.StateSuccess, res.State)
	assert.Equal(t, 0, res.ExitCode)
	assert.Equal(t, "https://logs.example.com/pull-7-abc1234-fedora-41/log", res.LogURL)

	require.Len(t, h.reporter.statuses, 2)
	assert.True(t, h.reporter.statuses[0].IsTesting())
	assert.Equal(t, "Testing in progress [runner-1]", h.reporter.statuses[0].Description)
	assert.Equal(t, res.LogURL, h.reporter.statuses[0].TargetURL)
	assert.Equal(t, core.StateSuccess, h.reporter.last().State)

	assert.Equal(t, []string{"abc1234"}, h.git.revs)
	assert.Equal(t, []string{"https://github.com/cockpit-project/cockpit.git"}, h.git.mirrored)
	require.Len(t, h.provider.specs, 1)
	spec := h.provider.specs[0]
	assert.Equal(t, "quay.io/cockpit/tasks:latest", spec.Image)
	assert.NotEmpty(t, spec.SecretsDir)
	assert.Equal(t, [][]string{{".cockpit-ci/run"}}, env.ran)
	assert.False(t, env.Alive(), "environment is destroyed after the job")

	_, err := os.Stat(spec.WorkDir)
	assert.True(t, os.IsNotExist(err), "work dir is removed")

	log, err := os.ReadFile(filepath.Join(h.logDir, d.Slug, "log"))
	require.NoError(t, err)
	assert.Contains(t, string(log), "all tests passed")
	assert.Contains(t, string(log), "success: Tests passed")

	require.Len(t, h.results.results, 1)
	assert.Equal(t, core.StateSuccess, h.results.results[0].State)
}

func TestRunExitCodes(t *testing.T) {
	tests := []struct {
		name      string
		code      int
		wantState core.StatusState
		wantDesc  string
	}{
		{name: "zero", code: 0, wantState: core.StateSuccess, wantDesc: "Tests passed"},
		{name: "one", code: 1, wantState: core.StateFailure, wantDesc: "Command exited with code 1"},
		{name: "large", code: 137, wantState: core.StateFailure, wantDesc: "Command exited with code 137"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, &fakeEnv{code: tt.code}, nil)
			res := h.runner.Run(context.Background(), descriptor())
			assert.Equal(t, tt.wantState, res.State)
			assert.Equal(t, tt.code, res.ExitCode)
			assert.Equal(t, tt.wantDesc, res.Description)
			assert.Equal(t, tt.wantDesc, h.reporter.last().Description)
		})
	}
}

func TestRunCustomCommandAndImage(t *testing.T) {
	env := &fakeEnv{}
	h := newHarness(t, env, nil)
	d := descriptor()
	d.Command = []string{"make", "check"}
	d.Container = "quay.io/cockpit/ws"
	d.CommandSubject = &core.Subject{Repo: "cockpit-project/bots", Branch: "main"}

	h.runner.Run(context.Background(), d)

	assert.Equal(t, [][]string{{"make", "check"}}, env.ran)
	assert.Equal(t, "quay.io/cockpit/ws", h.provider.specs[0].Image)
	assert.Equal(t, []string{"main"}, h.git.revs)
	assert.Equal(t, []string{"https://github.com/cockpit-project/bots.git"}, h.git.mirrored)
}

func TestRunTimeout(t *testing.T) {
	env := &fakeEnv{block: true}
	h := newHarness(t, env, func(o *Options) { o.Timeout = 50 * time.Millisecond })

	start := time.Now()
	res := h.runner.Run(context.Background(), descriptor())

	assert.Less(t, time.Since(start), 5*time.Second)
	assert.Equal(t, core.StateError, res.State)
	assert.True(t, strings.HasPrefix(res.Description, "Timeout after "), res.Description)
	assert.Equal(t, -1, res.ExitCode)
	assert.False(t, env.Alive(), "timed out environment must be gone")
	assert.Equal(t, core.StateError, h.reporter.last().State)
}

func TestRunPullChanged(t *testing.T) {
	env := &fakeEnv{block: true}
	h := newHarness(t, env, func(o *Options) { o.PullPollInterval = 10 * time.Millisecond })
	h.reporter.head = "fff9999"
	d := descriptor()
	d.Pull = 7

	res := h.runner.Run(context.Background(), d)

	assert.Equal(t, core.StateFailure, res.State)
	assert.Equal(t, "Pull request changed", res.Description)
	assert.False(t, env.Alive())
}

func TestRunSecretUnavailable(t *testing.T) {
	h := newHarness(t, &fakeEnv{}, nil)
	d := descriptor()
	d.Secrets = []string{"github-token", "image-upload"}

	res := h.runner.Run(context.Background(), d)

	assert.Equal(t, core.StateError, res.State)
	assert.Equal(t, "Secret unavailable: image-upload", res.Description)
	assert.Empty(t, h.provider.specs, "no environment without secrets")
	assert.Equal(t, core.StateError, h.reporter.last().State, "the failure is still reported")
}

func TestRunInfrastructureErrors(t *testing.T) {
	t.Run("checkout", func(t *testing.T) {
		h := newHarness(t, &fakeEnv{}, nil)
		h.git.err = errors.New("network down")
		res := h.runner.Run(context.Background(), descriptor())
		assert.Equal(t, core.StateError, res.State)
		assert.Equal(t, "Checkout failed", res.Description)
	})

	t.Run("environment", func(t *testing.T) {
		h := newHarness(t, &fakeEnv{}, nil)
		h.provider.err = errors.New("podman missing")
		res := h.runner.Run(context.Background(), descriptor())
		assert.Equal(t, core.StateError, res.State)
		assert.Equal(t, "Environment unavailable", res.Description)
	})
}

func TestRunReportRetry(t *testing.T) {
	t.Run("recovers", func(t *testing.T) {
		h := newHarness(t, &fakeEnv{}, nil)
		h.reporter.failTerminal = 2
		h.runner.Run(context.Background(), descriptor())
		assert.Equal(t, core.StateSuccess, h.reporter.last().State)
	})

	t.Run("unset policy still gives up", func(t *testing.T) {
		h := newHarness(t, &fakeEnv{}, func(o *Options) {
			o.ReportRetry = retry.Policy{Initial: time.Millisecond, Max: time.Millisecond}
		})
		h.reporter.failTerminal = 1000

		done := make(chan core.JobResult, 1)
		go func() { done <- h.runner.Run(context.Background(), descriptor()) }()
		select {
		case res := <-done:
			assert.Equal(t, core.StateSuccess, res.State)
		case <-time.After(5 * time.Second):
			t.Fatal("Run kept retrying the terminal status")
		}
		assert.Equal(t, 1000-defaultReportAttempts, h.reporter.failTerminal)
	})

	t.Run("gives up but keeps the result", func(t *testing.T) {
		h := newHarness(t, &fakeEnv{}, nil)
		h.reporter.failTerminal = 10
		res := h.runner.Run(context.Background(), descriptor())
		assert.Equal(t, core.StateSuccess, res.State)
		assert.True(t, h.reporter.last().IsTesting(), "only the claim made it")
		require.Len(t, h.results.results, 1)
	})
}

func TestRunFailureOpensIssue(t *testing.T) {
	h := newHarness(t, &fakeEnv{code: 2}, nil)
	d := descriptor()
	d.Report = &core.Report{Title: "fedora-41 nightly failed", Labels: []string{"nightly"}}

	h.runner.Run(context.Background(), d)

	require.Len(t, h.reporter.issues, 1)
	assert.Contains(t, h.reporter.issues[0], "fedora-41 nightly failed")
	assert.Contains(t, h.reporter.issues[0], "abc1234")
	assert.Contains(t, h.reporter.issues[0], "https://logs.example.com/")

	ok := newHarness(t, &fakeEnv{}, nil)
	ok.runner.Run(context.Background(), d)
	assert.Empty(t, ok.reporter.issues)
}

func TestRunImageSelection(t *testing.T) {
	tests := []struct {
		name      string
		container string
		files     map[string]string
		want      string
	}{
		{name: "descriptor wins", container: "quay.io/cockpit/ws", files: map[string]string{containerFile: "ghcr.io/project/image"}, want: "quay.io/cockpit/ws"},
		{name: "project file", files: map[string]string{containerFile: "  ghcr.io/project/image\n"}, want: "ghcr.io/project/image"},
		{name: "blank project file", files: map[string]string{containerFile: "\n"}, want: "quay.io/cockpit/tasks:latest"},
		{name: "runner default", want: "quay.io/cockpit/tasks:latest"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, &fakeEnv{}, nil)
			h.git.files = tt.files
			d := descriptor()
			d.Container = tt.container

			h.runner.Run(context.Background(), d)

			require.Len(t, h.provider.specs, 1)
			assert.Equal(t, tt.want, h.provider.specs[0].Image)
			log, err := os.ReadFile(filepath.Join(h.logDir, d.Slug, "log"))
			require.NoError(t, err)
			assert.Contains(t, string(log), "Using container image: "+tt.want)
		})
	}
}

func TestRunJobEnvironment(t *testing.T) {
	h := newHarness(t, &fakeEnv{}, nil)
	d := descriptor()

	res := h.runner.Run(context.Background(), d)

	require.Len(t, h.provider.specs, 1)
	assert.Equal(t, map[string]string{
		"TEST_OS":            "fedora-41",
		"TEST_ATTACHMENTS":   "/var/tmp/attachments",
		"COCKPIT_CI_LOG_URL": res.LogURL,
	}, h.provider.specs[0].Env)
	assert.Equal(t, map[string]string{"TEST_OS": "fedora-41"}, d.Env, "descriptor is not mutated")
}

func TestRunSanitizesSlug(t *testing.T) {
	h := newHarness(t, &fakeEnv{}, nil)
	d := descriptor()
	d.Slug = "../../escaped"

	res := h.runner.Run(context.Background(), d)

	assert.Equal(t, core.StateSuccess, res.State)
	assert.Equal(t, "https://logs.example.com/escaped/log", res.LogURL)
	_, err := os.Stat(filepath.Join(h.logDir, "escaped", "log"))
	assert.NoError(t, err)
	_, err = os.Stat(filepath.Join(filepath.Dir(filepath.Dir(h.logDir)), "escaped"))
	assert.True(t, os.IsNotExist(err), "nothing is written outside the log dir")
	assert.NotContains(t, h.provider.specs[0].Name, "/")
}

func TestRunStopsPullWatch(t *testing.T) {
	h := newHarness(t, &fakeEnv{delay: 30 * time.Millisecond}, func(o *Options) {
		o.PullPollInterval = time.Millisecond
	})
	d := descriptor()
	d.Pull = 7

	res := h.runner.Run(context.Background(), d)
	require.Equal(t, core.StateSuccess, res.State)

	polls := h.reporter.pollCount()
	assert.Positive(t, polls)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, polls, h.reporter.pollCount(), "no polling after Run returned")
}

func TestRunCollectsAttachments(t *testing.T) {
	env := &fakeEnv{code: 1, attachments: map[string]string{"screenshot.png": "png"}}
	h := newHarness(t, env, nil)
	d := descriptor()

	res := h.runner.Run(context.Background(), d)

	assert.Equal(t, core.StateFailure, res.State)
	assert.Equal(t, []string{"/var/tmp/attachments"}, env.copied)
	data, err := os.ReadFile(filepath.Join(h.logDir, d.Slug, "attachments", "screenshot.png"))
	require.NoError(t, err)
	assert.Equal(t, "png", string(data))

	timedOut := &fakeEnv{block: true, attachments: map[string]string{"x": "y"}}
	h = newHarness(t, timedOut, func(o *Options) { o.Timeout = 20 * time.Millisecond })
	h.runner.Run(context.Background(), descriptor())
	assert.Empty(t, timedOut.copied, "nothing is collected from a stopped job")
}
