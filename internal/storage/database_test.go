package storage

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sevigo/ci-dispatch/internal/core"
)

func TestResultFilterQuery(t *testing.T) {
	q, args := ResultFilter{}.query()
	assert.Contains(t, q, "ORDER BY finished_at DESC LIMIT $1")
	assert.Equal(t, []any{50}, args)

	q, args = ResultFilter{Repo: "o/r", Pull: 7, Limit: 10}.query()
	assert.Contains(t, q, "AND repo = $1")
	assert.Contains(t, q, "AND pull = $2")
	assert.Contains(t, q, "LIMIT $3")
	assert.NotContains(t, q, "sha =")
	assert.Equal(t, []any{"o/r", 7, 10}, args)
}

func TestNewJobRecord(t *testing.T) {
	started := time.Date(2026, 10, 14, 12, 0, 0, 0, time.UTC)
	d := &core.JobDescriptor{Repo: "o/r", SHA: "abc1234", Context: "fedora-41", Pull: 3, Slug: "pull-3-abc1234"}
	rec := NewJobRecord(d, "runner-1", core.JobResult{
		State: core.StateFailure, ExitCode: 2, Description: "Command exited with code 2",
		LogURL: "https://logs/pull-3-abc1234/log", Started: started, Finished: started.Add(time.Minute),
	})

	assert.Equal(t, "failure", rec.State)
	assert.Equal(t, 2, rec.ExitCode)
	assert.Equal(t, "runner-1", rec.Runner)
	assert.Equal(t, "pull-3-abc1234", rec.Slug)
	assert.Equal(t, time.Minute, rec.FinishedAt.Sub(rec.StartedAt))
}

func TestNopStore(t *testing.T) {
	s := NewNopStore()
	require.NoError(t, s.RecordDispatch(context.Background(), core.Revision{}, core.QueueEntry{}))
	require.NoError(t, s.RecordResult(context.Background(), &core.JobDescriptor{}, "", core.JobResult{}))
	got, err := s.ListResults(context.Background(), ResultFilter{})
	require.NoError(t, err)
	assert.Empty(t, got)
}
