// Package core defines the essential interfaces and data structures that form the
// backbone of the application. These components are designed to be abstract,
// allowing for flexible and decoupled implementations of the application's logic.
package core

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"time"
)

// slugPattern keeps slugs usable as a single path component and a container
// name.
var slugPattern = regexp.MustCompile(`^[a-z0-9][a-z0-9._-]{0,199}$`)

// Report carries the issue to open when a job fails. Nil means no issue.
type Report struct {
	Title  string   `json:"title"`
	Labels []string `json:"labels"`
}

// Subject names a different project to check out and run the command from.
type Subject struct {
	Repo   string `json:"repo"`
	Branch string `json:"branch"`
}

// JobDescriptor is the immutable description of one unit of CI work. It is
// created by the publisher, consumed once by a runner and never mutated.
type JobDescriptor struct {
	Repo           string            `json:"repo"`
	SHA            string            `json:"sha"`
	Context        string            `json:"context"`
	Pull           int               `json:"pull"`
	Report         *Report           `json:"report"`
	CommandSubject *Subject          `json:"command_subject"`
	Slug           string            `json:"slug"`
	Env            map[string]string `json:"env"`
	Secrets        []string          `json:"secrets"`
	Command        []string          `json:"command"`
	// Container overrides the runner's default image.
	Container string `json:"container,omitempty"`
	// Timeout in minutes; zero selects the runner default.
	Timeout int `json:"timeout,omitempty"`
}

// Validate checks the fields a runner needs before it can start.
func (d *JobDescriptor) Validate() error {
	if err := ValidateRepo(d.Repo); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidDescriptor, err)
	}
	if d.SHA == "" {
		return fmt.Errorf("%w: sha is required", ErrInvalidDescriptor)
	}
	if _, err := ParseContext(d.Context); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidDescriptor, err)
	}
	if d.Pull < 0 {
		return fmt.Errorf("%w: pull must not be negative, got %d", ErrInvalidDescriptor, d.Pull)
	}
	if d.Slug != "" && !slugPattern.MatchString(d.Slug) {
		return fmt.Errorf("%w: slug %q must match %s", ErrInvalidDescriptor, d.Slug, slugPattern)
	}
	if d.Timeout < 0 {
		return fmt.Errorf("%w: timeout must not be negative, got %d", ErrInvalidDescriptor, d.Timeout)
	}
	if d.CommandSubject != nil {
		if err := ValidateRepo(d.CommandSubject.Repo); err != nil {
			return fmt.Errorf("%w: command_subject: %w", ErrInvalidDescriptor, err)
		}
	}
	for _, name := range d.Secrets {
		if name == "" {
			return fmt.Errorf("%w: empty secret name", ErrInvalidDescriptor)
		}
	}
	return nil
}

// Marshal serializes the descriptor to its JSON wire format.
func (d *JobDescriptor) Marshal() ([]byte, error) {
	return json.Marshal(d)
}

// ParseDescriptor decodes and validates a descriptor from its wire format.
// Unknown fields are rejected.
func ParseDescriptor(data []byte) (*JobDescriptor, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()

	var d JobDescriptor
	if err := dec.Decode(&d); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidDescriptor, err)
	}
	if err := d.Validate(); err != nil {
		return nil, err
	}
	return &d, nil
}

// Priority is the broker priority of a queue entry.
type Priority int

const (
	PriorityBaseline Priority = 5
	PriorityElevated Priority = 8
)

func (p Priority) String() string {
	if p >= PriorityElevated {
		return "ELEVATED"
	}
	return "BASELINE"
}

// QueueName selects the broker queue.
type QueueName string

const (
	QueuePublic     QueueName = "public"
	QueueRestricted QueueName = "restricted"
)

// QueueEntry is a descriptor wrapped with its routing.
type QueueEntry struct {
	Descriptor *JobDescriptor
	Priority   Priority
	Queue      QueueName
}

// JobResult is the terminal outcome of a job. It is never retried automatically.
type JobResult struct {
	State       StatusState
	ExitCode    int
	Description string
	LogURL      string
	Started     time.Time
	Finished    time.Time
}

// Publisher hands queue entries to the broker.
type Publisher interface {
	// Publish sends the entry once. A failure is reported as *PublishError;
	// the publisher itself never retries.
	Publish(ctx context.Context, entry QueueEntry) error
}

// JobDispatcher defines the contract for a system that can accept and queue
// work for asynchronous processing. This interface decouples the event
// source (e.g., a webhook handler) from the execution mechanism.
type JobDispatcher[T any] interface {
	// Dispatch queues an item. It returns an error if the queue is full,
	// providing a mechanism for backpressure.
	Dispatch(ctx context.Context, item T) error
	Stop()
}
