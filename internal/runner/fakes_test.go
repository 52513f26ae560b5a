package runner

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/sevigo/ci-dispatch/internal/core"
	"github.com/sevigo/ci-dispatch/internal/lock"
	"github.com/sevigo/ci-dispatch/internal/retry"
)

type fakeReporter struct {
	mu       sync.Mutex
	statuses []core.StatusContext
	// failTerminal makes that many non-pending writes fail.
	failTerminal int
	head         string
	headCalls    int
	issues       []string
}

func (f *fakeReporter) SetStatus(_ context.Context, _, _ string, st core.StatusContext) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if st.State != core.StatePending && f.failTerminal > 0 {
		f.failTerminal--
		return errors.New("status API unavailable")
	}
	f.statuses = append(f.statuses, st)
	return nil
}

func (f *fakeReporter) PullHead(context.Context, string, int) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.headCalls++
	return f.head, nil
}

func (f *fakeReporter) OpenIssue(_ context.Context, _ string, report core.Report, body string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.issues = append(f.issues, report.Title+"\n"+body)
	return "https://github.com/o/r/issues/1", nil
}

func (f *fakeReporter) pollCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.headCalls
}

func (f *fakeReporter) last() core.StatusContext {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.statuses) == 0 {
		return core.StatusContext{}
	}
	return f.statuses[len(f.statuses)-1]
}

type fakeGit struct {
	// files are written into every checkout.
	files    map[string]string
	mirrored []string
	revs     []string
	err      error
}

func (g *fakeGit) Mirror(_ context.Context, repoURL, _ string) error {
	g.mirrored = append(g.mirrored, repoURL)
	return g.err
}

func (g *fakeGit) Checkout(_ context.Context, _, workDir, rev string) (string, error) {
	if g.err != nil {
		return "", g.err
	}
	g.revs = append(g.revs, rev)
	if err := os.MkdirAll(workDir, 0o755); err != nil {
		return "", err
	}
	for name, content := range g.files {
		path := filepath.Join(workDir, name)
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return "", err
		}
		if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
			return "", err
		}
	}
	return rev, nil
}

type fakeEnv struct {
	code   int
	output string
	// block makes Exec wait for cancellation.
	block bool
	// delay makes Exec take that long before it exits with code.
	delay  time.Duration
	alive  atomic.Bool
	ran    [][]string

	// attachments are what CopyOut finds in the environment.
	attachments map[string]string
	copied      []string
}

func (e *fakeEnv) Exec(ctx context.Context, cmd []string, out io.Writer) (int, error) {
	e.ran = append(e.ran, cmd)
	fmt.Fprint(out, e.output)
	if e.block {
		<-ctx.Done()
		return -1, ctx.Err()
	}
	if e.delay > 0 {
		select {
		case <-time.After(e.delay):
		case <-ctx.Done():
			return -1, ctx.Err()
		}
	}
	return e.code, nil
}

func (e *fakeEnv) CopyOut(_ context.Context, src, dst string) error {
	e.copied = append(e.copied, src)
	if len(e.attachments) == 0 {
		return errors.New("no such file or directory")
	}
	for name, content := range e.attachments {
		if err := os.WriteFile(filepath.Join(dst, name), []byte(content), 0o644); err != nil {
			return err
		}
	}
	return nil
}

func (e *fakeEnv) Destroy() error {
	e.alive.Store(false)
	return nil
}

func (e *fakeEnv) Alive() bool { return e.alive.Load() }

type fakeProvider struct {
	env   *fakeEnv
	specs []Spec
	err   error
}

func (p *fakeProvider) Acquire(_ context.Context, spec Spec) (Environment, error) {
	p.specs = append(p.specs, spec)
	if p.err != nil {
		return nil, p.err
	}
	p.env.alive.Store(true)
	return p.env, nil
}

type memSecrets map[string][]byte

func (m memSecrets) Resolve(_ context.Context, name string) ([]byte, error) {
	v, ok := m[name]
	if !ok {
		return nil, &core.SecretResolutionError{Name: name, Err: os.ErrNotExist}
	}
	return v, nil
}

type memResults struct {
	mu      sync.Mutex
	results []core.JobResult
}

func (m *memResults) RecordResult(_ context.Context, _ *core.JobDescriptor, _ string, res core.JobResult) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.results = append(m.results, res)
	return nil
}

type harness struct {
	runner   *Runner
	reporter *fakeReporter
	git      *fakeGit
	provider *fakeProvider
	results  *memResults
	logDir   string
}

func newHarness(t *testing.T, env *fakeEnv, tweak func(*Options)) *harness {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	root := t.TempDir()
	locker, err := lock.NewLocker(filepath.Join(root, "locks"), logger)
	require.NoError(t, err)

	h := &harness{
		reporter: &fakeReporter{head: "abc1234"},
		git:      &fakeGit{},
		provider: &fakeProvider{env: env},
		results:  &memResults{},
		logDir:   filepath.Join(root, "logs"),
	}
	opts := Options{
		Host:             "runner-1",
		DefaultImage:     "quay.io/cockpit/tasks:latest",
		DefaultCommand:   []string{".cockpit-ci/run"},
		Timeout:          time.Minute,
		CacheDir:         filepath.Join(root, "cache"),
		WorkRoot:         root,
		LockWait:         time.Second,
		PullPollInterval: time.Hour,
		ReportRetry:      retry.Policy{Attempts: 3, Initial: time.Millisecond, Max: time.Millisecond},
	}
	if tweak != nil {
		tweak(&opts)
	}
	secrets := memSecrets{"github-token": []byte("s3cret")}
	h.runner = New(h.reporter, h.git, h.provider, secrets, NewFileLogStore(h.logDir, "https://logs.example.com"),
		locker, h.results, opts, logger)
	return h
}

func descriptor() *core.JobDescriptor {
	return &core.JobDescriptor{
		Repo:    "cockpit-project/cockpit",
		SHA:     "abc1234",
		Context: "fedora-41",
		Slug:    "pull-7-abc1234-fedora-41",
		Env:     map[string]string{"TEST_OS": "fedora-41"},
	}
}
