package storage

import (
	"context"

	"github.com/sevigo/ci-dispatch/internal/core"
)

// nopStore is used when no database is configured.
type nopStore struct{}

// NewNopStore returns a Store that records nothing.
func NewNopStore() Store { return nopStore{} }

func (nopStore) RecordDispatch(context.Context, core.Revision, core.QueueEntry) error { return nil }

func (nopStore) RecordResult(context.Context, *core.JobDescriptor, string, core.JobResult) error {
	return nil
}

func (nopStore) ListResults(context.Context, ResultFilter) ([]JobRecord, error) { return nil, nil }
