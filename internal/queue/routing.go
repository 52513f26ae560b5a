// Package queue routes job descriptors to broker queues and moves them
// through AMQP.
package queue

import (
	"slices"
	"strings"

	"github.com/sevigo/ci-dispatch/internal/core"
)

// Router decides the queue and priority of a context. It is pure: the same
// inputs always give the same route.
type Router struct {
	restricted []string
	elevated   []string
}

// NewRouter builds a router from the restricted markers and the branches
// that get elevated priority.
func NewRouter(restrictedMarkers, elevatedBranches []string) *Router {
	return &Router{
		restricted: lowerAll(restrictedMarkers),
		elevated:   slices.Clone(elevatedBranches),
	}
}

// QueueFor returns the restricted queue when the image or the embedded
// project names a restricted platform, the public queue otherwise.
func (r *Router) QueueFor(c core.ContextName) core.QueueName {
	image := strings.ToLower(c.Image)
	project := strings.ToLower(c.Project)
	for _, marker := range r.restricted {
		if marker == "" {
			continue
		}
		if strings.Contains(image, marker) || strings.Contains(project, marker) {
			return core.QueueRestricted
		}
	}
	return core.QueuePublic
}

// PriorityFor returns ELEVATED for the devel scenario and for elevated
// branches. The context's embedded branch wins over the trigger branch.
func (r *Router) PriorityFor(c core.ContextName, branch string) core.Priority {
	if c.Scenario == "devel" {
		return core.PriorityElevated
	}
	if c.Branch != "" {
		branch = c.Branch
	}
	if branch != "" && slices.Contains(r.elevated, branch) {
		return core.PriorityElevated
	}
	return core.PriorityBaseline
}

// Route wraps a descriptor into a queue entry.
func (r *Router) Route(d *core.JobDescriptor, c core.ContextName, branch string) core.QueueEntry {
	return core.QueueEntry{
		Descriptor: d,
		Queue:      r.QueueFor(c),
		Priority:   r.PriorityFor(c, branch),
	}
}

func lowerAll(in []string) []string {
	out := make([]string, 0, len(in))
	for _, s := range in {
		out = append(out, strings.ToLower(strings.TrimSpace(s)))
	}
	return out
}
