package reconcile

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/sevigo/ci-dispatch/internal/core"
	"github.com/sevigo/ci-dispatch/internal/policy"
	"github.com/sevigo/ci-dispatch/internal/queue"
	"github.com/sevigo/ci-dispatch/internal/retry"
)

// fakeStatuses is an in-memory status API keyed by repo@sha.
type fakeStatuses struct {
	mu sync.Mutex
	// failSHA makes reads of that commit fail.
	failSHA string
	data   map[string]map[string]core.StatusContext
	writes []core.StatusContext
}

func newFakeStatuses() *fakeStatuses {
	return &fakeStatuses{data: map[string]map[string]core.StatusContext{}}
}

func (f *fakeStatuses) Statuses(_ context.Context, repo, sha string) (map[string]core.StatusContext, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if sha == f.failSHA {
		return nil, errors.New("status API unreachable")
	}
	out := map[string]core.StatusContext{}
	for k, v := range f.data[repo+"@"+sha] {
		out[k] = v
	}
	return out, nil
}

func (f *fakeStatuses) SetStatus(_ context.Context, repo, sha string, st core.StatusContext) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := repo + "@" + sha
	if f.data[key] == nil {
		f.data[key] = map[string]core.StatusContext{}
	}
	f.data[key][st.Context] = st
	f.writes = append(f.writes, st)
	return nil
}

func (f *fakeStatuses) set(repo, sha string, st core.StatusContext) {
	_ = f.SetStatus(context.Background(), repo, sha, st)
	f.mu.Lock()
	f.writes = nil
	f.mu.Unlock()
}

func (f *fakeStatuses) written() []core.StatusContext {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]core.StatusContext{}, f.writes...)
}

type fakePulls struct {
	pulls    map[int]core.Revision
	defaults map[string]string
	listErr  error

	// listFlaky makes that many OpenPulls calls fail with listErr first.
	listFlaky int
	listCalls int
}

func (f *fakePulls) PullRevision(_ context.Context, repo string, number int) (core.Revision, error) {
	rev, ok := f.pulls[number]
	if !ok {
		return core.Revision{}, fmt.Errorf("pull %s#%d: %w", repo, number, core.ErrNotFound)
	}
	return rev, nil
}

func (f *fakePulls) OpenPulls(context.Context, string) ([]core.Revision, error) {
	f.listCalls++
	if f.listErr != nil && (f.listFlaky == 0 || f.listCalls <= f.listFlaky) {
		return nil, f.listErr
	}
	out := make([]core.Revision, 0, len(f.pulls))
	for _, rev := range f.pulls {
		out = append(out, rev)
	}
	return out, nil
}

func (f *fakePulls) DefaultBranch(_ context.Context, repo string) (string, error) {
	if b, ok := f.defaults[repo]; ok {
		return b, nil
	}
	return "main", nil
}

type fakePublisher struct {
	mu      sync.Mutex
	entries []core.QueueEntry
	// failures makes the next n publishes fail.
	failures int
	calls    int
}

func (f *fakePublisher) Publish(_ context.Context, entry core.QueueEntry) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.failures > 0 {
		f.failures--
		return &core.PublishError{Queue: entry.Queue, Context: entry.Descriptor.Context, Err: errors.New("connection refused")}
	}
	f.entries = append(f.entries, entry)
	return nil
}

func (f *fakePublisher) published() []core.QueueEntry {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]core.QueueEntry{}, f.entries...)
}

type fakeRecorder struct {
	mu    sync.Mutex
	slugs []string
}

func (f *fakeRecorder) RecordDispatch(_ context.Context, _ core.Revision, entry core.QueueEntry) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.slugs = append(f.slugs, entry.Descriptor.Slug)
	return nil
}

const testRepo = "cockpit-project/cockpit"

func testPolicy() *core.Policy {
	return &core.Policy{Projects: map[string]core.ProjectPolicy{
		testRepo: {
			DefaultBranch: "main",
			Branches: map[string][]string{
				"main":     {"fedora-41", "rhel-9"},
				"rhel-9.6": {"rhel-9", "fedora-41/devel@cockpit-project/podman"},
			},
		},
	}}
}

type harness struct {
	statuses  *fakeStatuses
	pulls     *fakePulls
	publisher *fakePublisher
	recorder  *fakeRecorder
	rec       *Reconciler
}

func newHarness(opts Options) *harness {
	h := &harness{
		statuses:  newFakeStatuses(),
		pulls:     &fakePulls{pulls: map[int]core.Revision{}, defaults: map[string]string{"cockpit-project/podman": "main"}},
		publisher: &fakePublisher{},
		recorder:  &fakeRecorder{},
	}
	if opts.TrustedAuthors == nil {
		opts.TrustedAuthors = []string{"alice", "maintainer"}
	}
	if opts.Secrets == nil {
		opts.Secrets = map[core.QueueName][]string{
			core.QueuePublic:     {"github-token"},
			core.QueueRestricted: {"github-token", "rhel-subscription"},
		}
	}
	if opts.Now == nil {
		opts.Now = func() time.Time { return time.Date(2026, 10, 14, 12, 0, 0, 0, time.UTC) }
	}
	if opts.StatusRetry == (retry.Policy{}) {
		opts.StatusRetry = retry.Policy{Attempts: 2, Initial: time.Millisecond}
	}
	if opts.PublishRetry == (retry.Policy{}) {
		opts.PublishRetry = retry.Policy{Attempts: 2, Initial: time.Millisecond}
	}
	router := queue.NewRouter([]string{"rhel", "windows"}, []string{"main"})
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	h.rec = New(h.statuses, h.pulls, policy.NewResolver(testPolicy()), router, h.publisher, h.recorder, opts, logger)
	return h
}

func revision(author string) core.Revision {
	return core.Revision{Repo: testRepo, SHA: "abc1234", Pull: 12, TargetBranch: "main", Author: author, Title: "shell: fix"}
}
