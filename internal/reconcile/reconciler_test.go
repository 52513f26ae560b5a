package reconcile

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sevigo/ci-dispatch/internal/core"
)

func webhook(rev core.Revision) core.Request {
	return core.Request{Trigger: core.WebhookTrigger{Revision: rev}}
}

func TestTrustedRevisionEnqueuesEveryContext(t *testing.T) {
	h := newHarness(Options{})

	res, err := h.rec.Reconcile(context.Background(), webhook(revision("alice")))
	require.NoError(t, err)
	require.NoError(t, res.Err())

	writes := h.statuses.written()
	require.Len(t, writes, 2)
	for _, w := range writes {
		assert.Equal(t, core.StatePending, w.State)
		assert.Equal(t, core.DescNotTested, w.Description)
	}

	entries := h.publisher.published()
	require.Len(t, entries, 2)
	assert.Equal(t, 2, res.Enqueued())
	byContext := map[string]core.QueueEntry{}
	for _, e := range entries {
		assert.Equal(t, "abc1234", e.Descriptor.SHA)
		byContext[e.Descriptor.Context] = e
	}
	assert.Equal(t, core.QueuePublic, byContext["fedora-41"].Queue)
	assert.Equal(t, core.QueueRestricted, byContext["rhel-9"].Queue)
	assert.Equal(t, core.PriorityElevated, byContext["rhel-9"].Priority)
	assert.Equal(t, []string{"github-token", "rhel-subscription"}, byContext["rhel-9"].Descriptor.Secrets)
	assert.Len(t, h.recorder.slugs, 2)
}

func TestUntrustedRevisionIsNotEnqueued(t *testing.T) {
	h := newHarness(Options{})

	res, err := h.rec.Reconcile(context.Background(), webhook(revision("mallory")))
	require.NoError(t, err)

	writes := h.statuses.written()
	require.Len(t, writes, 2)
	for _, w := range writes {
		assert.Equal(t, core.StatePending, w.State)
		assert.Equal(t, core.DescNotAuthorized, w.Description)
	}
	assert.Empty(t, h.publisher.published())
	assert.Zero(t, res.Enqueued())

	// A second pass sees the prior decision and writes nothing.
	_, err = h.rec.Reconcile(context.Background(), webhook(revision("mallory")))
	require.NoError(t, err)
	assert.Len(t, h.statuses.written(), 2)
}

func TestReconcileIsIdempotent(t *testing.T) {
	h := newHarness(Options{})
	req := webhook(revision("alice"))

	_, err := h.rec.Reconcile(context.Background(), req)
	require.NoError(t, err)
	res, err := h.rec.Reconcile(context.Background(), req)
	require.NoError(t, err)

	assert.Len(t, h.publisher.published(), 2)
	assert.Len(t, h.statuses.written(), 2)
	for _, o := range res.Outcomes {
		assert.Equal(t, SkipPending, o.Decision)
	}
}

func TestTerminalContextsStayFinal(t *testing.T) {
	inputs := []core.Request{
		webhook(revision("alice")),
		webhook(revision("mallory")),
		{Trigger: core.PullTrigger{Repo: testRepo, Number: 12}, Force: true},
		{Trigger: core.PullTrigger{Repo: testRepo, Number: 12}, Force: true, Contexts: []string{"fedora-41"}},
	}

	for _, req := range inputs {
		h := newHarness(Options{})
		h.pulls.pulls[12] = revision("alice")
		h.statuses.set(testRepo, "abc1234", core.StatusContext{Context: "fedora-41", State: core.StateSuccess, Description: "Tests passed"})
		h.statuses.set(testRepo, "abc1234", core.StatusContext{Context: "rhel-9", State: core.StateFailure, Description: "Tests failed"})

		res, err := h.rec.Reconcile(context.Background(), req)
		require.NoError(t, err)
		assert.Empty(t, h.statuses.written())
		assert.Empty(t, h.publisher.published())
		for _, o := range res.Outcomes {
			assert.Equal(t, SkipFinished, o.Decision)
		}
	}
}

func TestClaimedContextIsSkipped(t *testing.T) {
	h := newHarness(Options{})
	h.statuses.set(testRepo, "abc1234", core.StatusContext{Context: "fedora-41", State: core.StatePending, Description: core.DescTesting + " [runner-3]"})

	res, err := h.rec.Reconcile(context.Background(), core.Request{Trigger: core.WebhookTrigger{Revision: revision("alice")}, Force: true})
	require.NoError(t, err)

	decisions := map[string]Decision{}
	for _, o := range res.Outcomes {
		decisions[o.Context] = o.Decision
	}
	assert.Equal(t, SkipTesting, decisions["fedora-41"])
	assert.Equal(t, Trigger, decisions["rhel-9"])
	assert.Len(t, h.publisher.published(), 1)
}

func TestForceOverridesAuthorization(t *testing.T) {
	h := newHarness(Options{})
	rev := revision("mallory")
	h.pulls.pulls[12] = rev

	_, err := h.rec.Reconcile(context.Background(), webhook(rev))
	require.NoError(t, err)
	assert.Empty(t, h.publisher.published())

	untrusted := core.Request{Trigger: core.PullTrigger{Repo: testRepo, Number: 12}, Force: true, RequestedBy: "mallory"}
	_, err = h.rec.Reconcile(context.Background(), untrusted)
	require.NoError(t, err)
	assert.Empty(t, h.publisher.published(), "an untrusted commenter cannot force")

	forced := core.Request{Trigger: core.PullTrigger{Repo: testRepo, Number: 12}, Force: true, RequestedBy: "maintainer"}
	res, err := h.rec.Reconcile(context.Background(), forced)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Enqueued())

	st, err := h.statuses.Statuses(context.Background(), testRepo, "abc1234")
	require.NoError(t, err)
	assert.Equal(t, core.DescNotTested, st["fedora-41"].Description)
}

func TestDirectRequest(t *testing.T) {
	h := newHarness(Options{ReportLabels: []string{"nightly"}})
	rev := revision("alice")
	rev.Title = "WIP [no-test]"
	h.pulls.pulls[12] = rev

	res, err := h.rec.Reconcile(context.Background(), core.Request{
		Trigger:  core.PullTrigger{Repo: testRepo, Number: 12},
		Contexts: []string{"rhel-9"},
	})
	require.NoError(t, err)
	require.Len(t, res.Outcomes, 1)
	assert.Equal(t, Trigger, res.Outcomes[0].Decision)

	writes := h.statuses.written()
	require.Len(t, writes, 1)
	assert.Equal(t, core.DescNotTestedDirect, writes[0].Description)

	entries := h.publisher.published()
	require.Len(t, entries, 1)
	assert.Nil(t, entries[0].Descriptor.Report, "pulls report through their status")
}

func TestNoTestRevision(t *testing.T) {
	h := newHarness(Options{})
	rev := revision("alice")
	rev.Labels = []string{"no-test"}

	res, err := h.rec.Reconcile(context.Background(), webhook(rev))
	require.NoError(t, err)
	for _, o := range res.Outcomes {
		assert.Equal(t, MarkNoTest, o.Decision)
	}
	assert.Empty(t, h.publisher.published())
	for _, w := range h.statuses.written() {
		assert.Equal(t, core.DescNoTesting, w.Description)
	}

	// Dropping the label lets the contexts run.
	rev.Labels = nil
	res, err = h.rec.Reconcile(context.Background(), webhook(rev))
	require.NoError(t, err)
	assert.Equal(t, 2, res.Enqueued())
}

func TestUnknownExplicitContext(t *testing.T) {
	h := newHarness(Options{})
	_, err := h.rec.Reconcile(context.Background(), core.Request{
		Trigger:  core.WebhookTrigger{Revision: revision("alice")},
		Contexts: []string{"windows-11"},
	})
	assert.ErrorIs(t, err, core.ErrUnknownContext)
	assert.True(t, core.IsValidationError(err))
	assert.Empty(t, h.statuses.written())
}

func TestDryRunWritesNothing(t *testing.T) {
	h := newHarness(Options{})
	res, err := h.rec.Reconcile(context.Background(), core.Request{Trigger: core.WebhookTrigger{Revision: revision("alice")}, DryRun: true})
	require.NoError(t, err)

	assert.Empty(t, h.statuses.written())
	assert.Empty(t, h.publisher.published())
	assert.True(t, res.DryRun)
	for _, o := range res.Outcomes {
		assert.Equal(t, Trigger, o.Decision)
		assert.True(t, o.Wrote)
		require.NotNil(t, o.Entry)
	}
}

func TestPublishFailureSurfacesPerContext(t *testing.T) {
	h := newHarness(Options{})
	// Two attempts per context; the first context exhausts them.
	h.publisher.failures = 2

	res, err := h.rec.Reconcile(context.Background(), webhook(revision("alice")))
	require.NoError(t, err)

	var pe *core.PublishError
	require.ErrorAs(t, res.Err(), &pe)
	assert.Equal(t, "fedora-41", pe.Context)
	assert.Equal(t, 1, res.Enqueued())

	// The failed context is left pending; a forced pass recovers it.
	res, err = h.rec.Reconcile(context.Background(), core.Request{Trigger: core.WebhookTrigger{Revision: revision("alice")}, Force: true, Contexts: []string{"fedora-41"}})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Enqueued())
}

func TestPropagationWait(t *testing.T) {
	h := newHarness(Options{PropagationTimeout: 50 * time.Millisecond})
	res, err := h.rec.Reconcile(context.Background(), webhook(revision("alice")))
	require.NoError(t, err)
	assert.Equal(t, 2, res.Enqueued())
}

func TestShaTriggerUsesDefaultBranch(t *testing.T) {
	h := newHarness(Options{ReportLabels: []string{"nightly", "bot"}})
	res, err := h.rec.Reconcile(context.Background(), core.Request{
		Trigger: core.SHATrigger{Repo: testRepo, SHA: "deadbeefcafe"},
	})
	require.NoError(t, err)
	assert.Equal(t, "main", res.Branch)

	entries := h.publisher.published()
	require.Len(t, entries, 2)
	for _, e := range entries {
		require.NotNil(t, e.Descriptor.Report)
		assert.Equal(t, e.Descriptor.Context+" failed", e.Descriptor.Report.Title)
		assert.Equal(t, []string{"nightly", "bot"}, e.Descriptor.Report.Labels)
		assert.Zero(t, e.Descriptor.Pull)
	}
	for _, w := range h.statuses.written() {
		assert.Equal(t, core.DescNotTestedDirect, w.Description)
	}
}

func TestResolveUnknownPull(t *testing.T) {
	h := newHarness(Options{})
	_, err := h.rec.Reconcile(context.Background(), core.Request{Trigger: core.PullTrigger{Repo: testRepo, Number: 99}})
	assert.ErrorIs(t, err, core.ErrNotFound)

	_, err = h.rec.Reconcile(context.Background(), core.Request{Trigger: core.PullTrigger{Repo: "nope", Number: 1}})
	assert.ErrorIs(t, err, core.ErrInvalidDescriptor)
}
