package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	// import db drivers
	_ "github.com/lib/pq"

	"github.com/sevigo/ci-dispatch/internal/core"
)

// Store defines the interface for all database operations.
type Store interface {
	RecordDispatch(ctx context.Context, rev core.Revision, entry core.QueueEntry) error
	RecordResult(ctx context.Context, d *core.JobDescriptor, runner string, res core.JobResult) error
	ListResults(ctx context.Context, filter ResultFilter) ([]JobRecord, error)
}

// JobRecord is one row of the job result ledger.
type JobRecord struct {
	ID          int64     `db:"id" json:"id"`
	Slug        string    `db:"slug" json:"slug"`
	Repo        string    `db:"repo" json:"repo"`
	SHA         string    `db:"sha" json:"sha"`
	Pull        int       `db:"pull" json:"pull"`
	Context     string    `db:"context" json:"context"`
	State       string    `db:"state" json:"state"`
	ExitCode    int       `db:"exit_code" json:"exit_code"`
	Description string    `db:"description" json:"description"`
	LogURL      string    `db:"log_url" json:"log_url"`
	Runner      string    `db:"runner" json:"runner"`
	StartedAt   time.Time `db:"started_at" json:"started_at"`
	FinishedAt  time.Time `db:"finished_at" json:"finished_at"`
}

// ResultFilter narrows ListResults. Zero values match everything.
type ResultFilter struct {
	Repo  string
	SHA   string
	Pull  int
	Limit int
}

func (f ResultFilter) query() (string, []any) {
	q := `SELECT id, slug, repo, sha, pull, context, state, exit_code, description, log_url, runner, started_at, finished_at
		FROM job_results WHERE 1=1`
	var args []any
	add := func(clause string, v any) {
		args = append(args, v)
		q += fmt.Sprintf(" AND %s = $%d", clause, len(args))
	}
	if f.Repo != "" {
		add("repo", f.Repo)
	}
	if f.SHA != "" {
		add("sha", f.SHA)
	}
	if f.Pull > 0 {
		add("pull", f.Pull)
	}
	limit := f.Limit
	if limit <= 0 {
		limit = 50
	}
	args = append(args, limit)
	q += fmt.Sprintf(" ORDER BY finished_at DESC LIMIT $%d", len(args))
	return q, args
}

type postgresStore struct {
	db *sqlx.DB
}

// NewStore creates a new Store
func NewStore(db *sqlx.DB) Store {
	return &postgresStore{db: db}
}

// RecordDispatch stores a published queue entry.
func (s *postgresStore) RecordDispatch(ctx context.Context, rev core.Revision, entry core.QueueEntry) error {
	d := entry.Descriptor
	body, err := json.Marshal(d)
	if err != nil {
		return fmt.Errorf("failed to encode descriptor: %w", err)
	}
	query := `INSERT INTO dispatches (slug, repo, sha, pull, context, queue, priority, descriptor, published_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`
	_, err = s.db.ExecContext(ctx, query, d.Slug, rev.Repo, rev.SHA, rev.Pull, d.Context,
		string(entry.Queue), int(entry.Priority), body, time.Now())
	if err != nil {
		return fmt.Errorf("failed to record dispatch %s: %w", d.Slug, err)
	}
	return nil
}

// RecordResult upserts the terminal result of a job, keyed by slug.
func (s *postgresStore) RecordResult(ctx context.Context, d *core.JobDescriptor, runner string, res core.JobResult) error {
	query := `INSERT INTO job_results (slug, repo, sha, pull, context, state, exit_code, description, log_url, runner, started_at, finished_at)
		VALUES (:slug, :repo, :sha, :pull, :context, :state, :exit_code, :description, :log_url, :runner, :started_at, :finished_at)
		ON CONFLICT (slug) DO UPDATE SET
			state = EXCLUDED.state,
			exit_code = EXCLUDED.exit_code,
			description = EXCLUDED.description,
			log_url = EXCLUDED.log_url,
			runner = EXCLUDED.runner,
			started_at = EXCLUDED.started_at,
			finished_at = EXCLUDED.finished_at`
	_, err := s.db.NamedExecContext(ctx, query, NewJobRecord(d, runner, res))
	if err != nil {
		return fmt.Errorf("failed to record result %s: %w", d.Slug, err)
	}
	return nil
}

// ListResults returns the newest results matching filter.
func (s *postgresStore) ListResults(ctx context.Context, filter ResultFilter) ([]JobRecord, error) {
	q, args := filter.query()
	var out []JobRecord
	if err := s.db.SelectContext(ctx, &out, q, args...); err != nil {
		return nil, fmt.Errorf("failed to list job results: %w", err)
	}
	return out, nil
}

// NewJobRecord flattens a descriptor and its result into a ledger row.
func NewJobRecord(d *core.JobDescriptor, runner string, res core.JobResult) JobRecord {
	return JobRecord{
		Slug:        d.Slug,
		Repo:        d.Repo,
		SHA:         d.SHA,
		Pull:        d.Pull,
		Context:     d.Context,
		State:       string(res.State),
		ExitCode:    res.ExitCode,
		Description: res.Description,
		LogURL:      res.LogURL,
		Runner:      runner,
		StartedAt:   res.Started,
		FinishedAt:  res.Finished,
	}
}
