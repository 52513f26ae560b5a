package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/sevigo/ci-dispatch/internal/core"
	"github.com/sevigo/ci-dispatch/internal/reconcile"
	"github.com/sevigo/ci-dispatch/internal/wire"
)

var runFlags struct {
	repo     string
	sha      string
	context  string
	pull     int
	slug     string
	env      []string
	secrets  []string
	image    string
	timeout  int
	subject  string
	reportTo string
	labels   []string
}

var runCmd = &cobra.Command{
	Use:   "run [-- command...]",
	Short: "Runs one job described by flags",
	Example: `  ci-runner run --repo cockpit-project/cockpit --sha 1a2b3c --context fedora-41 -- make check
  ci-runner run --repo cockpit-project/podman --sha 1a2b3c --context rhel-9 --subject cockpit-project/bots@main`,
	RunE: func(cmd *cobra.Command, args []string) error {
		d, err := descriptorFromFlags(args)
		if err != nil {
			return err
		}
		return runDescriptor(cmd.Context(), d)
	},
}

var jsonCmd = &cobra.Command{
	Use:   "json <descriptor|->",
	Short: "Runs one job from its JSON descriptor",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		data := []byte(args[0])
		if args[0] == "-" {
			var err error
			if data, err = io.ReadAll(cmd.InOrStdin()); err != nil {
				return fmt.Errorf("failed to read descriptor: %w", err)
			}
		}
		d, err := core.ParseDescriptor(data)
		if err != nil {
			return err
		}
		return runDescriptor(cmd.Context(), d)
	},
}

func init() { //nolint:gochecknoinits // Cobra's init function for command registration
	f := runCmd.Flags()
	f.StringVar(&runFlags.repo, "repo", "", "Repository as owner/name")
	f.StringVar(&runFlags.sha, "sha", "", "Commit to test")
	f.StringVar(&runFlags.context, "context", "", "Status context")
	f.IntVar(&runFlags.pull, "pull", 0, "Pull request number")
	f.StringVar(&runFlags.slug, "slug", "", "Job identifier (default: derived)")
	f.StringArrayVarP(&runFlags.env, "env", "e", nil, "Environment variable KEY=VALUE (repeatable)")
	f.StringArrayVar(&runFlags.secrets, "secret", nil, "Secret to inject (repeatable)")
	f.StringVar(&runFlags.image, "image", "", "Container image (default: runner.default_image)")
	f.IntVar(&runFlags.timeout, "timeout", 0, "Timeout in minutes (default: runner.timeout)")
	f.StringVar(&runFlags.subject, "subject", "", "Run the command from another project, as owner/name@branch")
	f.StringVar(&runFlags.reportTo, "report", "", "Open an issue with this title on failure")
	f.StringArrayVar(&runFlags.labels, "label", nil, "Label of the failure issue (repeatable)")

	rootCmd.AddCommand(runCmd, jsonCmd)
}

func descriptorFromFlags(command []string) (*core.JobDescriptor, error) {
	d := &core.JobDescriptor{
		Repo:      runFlags.repo,
		SHA:       runFlags.sha,
		Context:   runFlags.context,
		Pull:      runFlags.pull,
		Slug:      runFlags.slug,
		Env:       map[string]string{},
		Secrets:   runFlags.secrets,
		Command:   command,
		Container: runFlags.image,
		Timeout:   runFlags.timeout,
	}
	for _, kv := range runFlags.env {
		k, v, ok := strings.Cut(kv, "=")
		if !ok || k == "" {
			return nil, usageError{fmt.Errorf("invalid --env %q, want KEY=VALUE", kv)}
		}
		d.Env[k] = v
	}
	if runFlags.subject != "" {
		subjectRepo, subjectBranch, _ := strings.Cut(runFlags.subject, "@")
		d.CommandSubject = &core.Subject{Repo: subjectRepo, Branch: subjectBranch}
	}
	if runFlags.reportTo != "" {
		d.Report = &core.Report{Title: runFlags.reportTo, Labels: runFlags.labels}
	}
	if err := d.Validate(); err != nil {
		return nil, err
	}
	if d.Slug == "" {
		rev := core.Revision{Repo: d.Repo, SHA: d.SHA, Pull: d.Pull}
		d.Slug = reconcile.Slug(rev, d.Context, time.Now())
	}
	return d, nil
}

func runDescriptor(parent context.Context, d *core.JobDescriptor) error {
	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	worker, cleanup, err := wire.InitializeRunner(ctx)
	if err != nil {
		return usageError{fmt.Errorf("failed to initialize runner: %w", err)}
	}
	defer cleanup()

	res := worker.Runner.Run(ctx, d)
	fmt.Printf("%s: %s\n", res.State, res.Description)
	if res.LogURL != "" {
		fmt.Printf("log: %s\n", res.LogURL)
	}
	if res.State != core.StateSuccess {
		return errJobFailed
	}
	return nil
}
