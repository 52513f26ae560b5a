package reconcile

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/sevigo/ci-dispatch/internal/core"
	"github.com/sevigo/ci-dispatch/internal/util"
)

// Slug names a job for log addressing:
// pull-<n>-<sha8>-<yyyymmdd-hhmmss>-<context> for pulls, and
// <owner>-<repo>-<sha8>-<yyyymmdd-hhmmss>-<context> otherwise.
func Slug(rev core.Revision, context string, now time.Time) string {
	ts := now.UTC().Format("20060102-150405")
	var prefix string
	if rev.Pull > 0 {
		prefix = fmt.Sprintf("pull-%d", rev.Pull)
	} else {
		prefix = util.RepoDirName(rev.Repo)
	}
	return util.SafeName(fmt.Sprintf("%s-%s-%s-%s", prefix, rev.ShortSHA(), ts, context))
}

// checkoutSubject picks the project and branch a context embedding another
// project is run from. A context without an embedded project has no subject.
func (r *Reconciler) checkoutSubject(ctx context.Context, rev core.Revision, cn core.ContextName) (*core.Subject, error) {
	if cn.Project == "" {
		return nil, nil
	}
	if cn.Branch != "" {
		return &core.Subject{Repo: cn.Project, Branch: cn.Branch}, nil
	}

	if rev.TargetBranch != "" {
		ownDefault, err := r.defaultBranch(ctx, rev.Repo)
		if err != nil {
			return nil, err
		}
		if rev.TargetBranch != ownDefault {
			return &core.Subject{Repo: cn.Project, Branch: rev.TargetBranch}, nil
		}
	}

	branch, err := r.defaultBranch(ctx, cn.Project)
	if err != nil {
		return nil, err
	}
	return &core.Subject{Repo: cn.Project, Branch: branch}, nil
}

// descriptor builds the job for the context called name on rev. The job
// reports under name exactly as the pending status was written.
func (r *Reconciler) descriptor(ctx context.Context, rev core.Revision, name string, cn core.ContextName, queue core.QueueName) (*core.JobDescriptor, error) {
	subject, err := r.checkoutSubject(ctx, rev, cn)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve checkout branch for %s: %w", name, err)
	}

	d := &core.JobDescriptor{
		Repo:           rev.Repo,
		SHA:            rev.SHA,
		Context:        name,
		Pull:           rev.Pull,
		CommandSubject: subject,
		Slug:           Slug(rev, name, r.now()),
		Env:            r.env(rev, cn),
		Secrets:        append([]string{}, r.opts.Secrets[queue]...),
	}
	if rev.Pull == 0 && len(r.opts.ReportLabels) > 0 {
		d.Report = &core.Report{
			Title:  name + " failed",
			Labels: append([]string{}, r.opts.ReportLabels...),
		}
	}
	return d, nil
}

func (r *Reconciler) env(rev core.Revision, cn core.ContextName) map[string]string {
	env := make(map[string]string, len(r.opts.Env)+4)
	for k, v := range r.opts.Env {
		env[strings.ToUpper(k)] = v
	}
	env["TEST_OS"] = cn.Image
	if cn.Scenario != "" {
		env["TEST_SCENARIO"] = cn.Scenario
	}
	env["TEST_REVISION"] = rev.SHA
	if rev.Pull > 0 {
		env["TEST_PULL"] = strconv.Itoa(rev.Pull)
	}
	return env
}
