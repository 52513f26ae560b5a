package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/sevigo/ci-dispatch/internal/app"
	"github.com/sevigo/ci-dispatch/internal/core"
	"github.com/sevigo/ci-dispatch/internal/gitutil"
	"github.com/sevigo/ci-dispatch/internal/queue"
	"github.com/sevigo/ci-dispatch/internal/reconcile"
	"github.com/sevigo/ci-dispatch/internal/wire"
)

var (
	dryRun     bool
	contexts   []string
	pullRef    string
	sha        string
	branch     string
	repo       string
	humanOut   bool
	outputJSON bool
	force      bool
)

var rootCmd = &cobra.Command{
	Use:   "ci-dispatch",
	Short: "ci-dispatch reconciles commit statuses and queues test jobs.",
	Long: `Reconcile the test contexts of a pull request, a commit, or every open pull
of a repository: post the missing commit statuses and publish the jobs that
still need to run.

Examples:
  ci-dispatch --repo cockpit-project/cockpit
  ci-dispatch --pull https://github.com/cockpit-project/cockpit/pull/123
  ci-dispatch --repo cockpit-project/cockpit --pull 123 --context fedora-41 --force
  ci-dispatch --repo cockpit-project/cockpit --sha 1a2b3c --branch main --dry-run`,
	Args:          cobra.NoArgs,
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE:          runDispatch,
}

func init() { //nolint:gochecknoinits // Cobra's init function for command registration
	f := rootCmd.Flags()
	f.BoolVarP(&dryRun, "dry-run", "n", false, "Show what would be queued without writing statuses or publishing")
	f.StringArrayVarP(&contexts, "context", "c", nil, "Only reconcile this context (repeatable)")
	f.StringVarP(&pullRef, "pull", "p", "", "Pull request number or URL")
	f.StringVar(&sha, "sha", "", "Reconcile a raw commit")
	f.StringVar(&branch, "branch", "", "Target branch of --sha (default: the repository default branch)")
	f.StringVarP(&repo, "repo", "r", "", "Repository as owner/name")
	f.BoolVar(&humanOut, "human-readable", true, "Print a human readable summary")
	f.BoolVar(&outputJSON, "json", false, "Print the result as JSON")
	f.String("amqp", "", "AMQP broker URL")
	f.BoolVarP(&force, "force", "f", false, "Re-queue pending contexts that nobody is testing")

	rootCmd.MarkFlagsMutuallyExclusive("pull", "sha")
	rootCmd.MarkFlagsMutuallyExclusive("human-readable", "json")

	rootCmd.PersistentFlags().String("policy", "", "Path of the test policy file")

	if err := viper.BindPFlag("amqp.url", f.Lookup("amqp")); err != nil {
		slog.Error("Error binding flag", "error", err)
		os.Exit(1)
	}
	if err := viper.BindPFlag("policy.file", rootCmd.PersistentFlags().Lookup("policy")); err != nil {
		slog.Error("Error binding flag", "error", err)
		os.Exit(1)
	}

	rootCmd.SetFlagErrorFunc(func(_ *cobra.Command, err error) error {
		return usageError{err}
	})
}

func runDispatch(cmd *cobra.Command, _ []string) error {
	if branch != "" && sha == "" {
		return usagef("--branch needs --sha")
	}
	for _, name := range contexts {
		if _, err := core.ParseContext(name); err != nil {
			return err
		}
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	d, cleanup, err := wire.InitializeDispatch(ctx)
	if err != nil {
		return usageError{fmt.Errorf("failed to initialize: %w", err)}
	}
	defer cleanup()

	publisher, closePublisher := newPublisher(d)
	defer closePublisher()
	rec := d.Reconciler(publisher)

	out := newPrinter(cmd.OutOrStdout(), outputJSON)

	switch {
	case pullRef != "":
		target, number, err := gitutil.ParsePullRef(pullRef, repo)
		if err != nil {
			return usageError{err}
		}
		return reconcileOne(ctx, rec, out, core.Request{
			Trigger: core.PullTrigger{Repo: target, Number: number},
		})
	case sha != "":
		if err := core.ValidateRepo(repo); err != nil {
			return usageError{fmt.Errorf("--sha needs --repo: %w", err)}
		}
		return reconcileOne(ctx, rec, out, core.Request{
			Trigger: core.SHATrigger{Repo: repo, SHA: sha, Branch: branch},
		})
	default:
		if err := core.ValidateRepo(repo); err != nil {
			return usageError{fmt.Errorf("scanning needs --repo: %w", err)}
		}
		summary, err := rec.ScanOpenPulls(ctx, repo, reconcile.ScanOptions{
			Contexts: contexts,
			Force:    force,
			DryRun:   dryRun,
		})
		if summary != nil {
			if perr := out.PrintScan(summary); perr != nil {
				return perr
			}
		}
		return err
	}
}

func reconcileOne(ctx context.Context, rec *reconcile.Reconciler, out *printer, req core.Request) error {
	req.Contexts = contexts
	req.Force = force
	req.DryRun = dryRun

	res, err := rec.Reconcile(ctx, req)
	if err != nil {
		return err
	}
	if err := out.PrintResult(res); err != nil {
		return err
	}
	return res.Err()
}

// newPublisher picks the dry-run recorder or the configured broker.
func newPublisher(d *app.Dispatch) (core.Publisher, func()) {
	if dryRun {
		return queue.NewDryRunPublisher(d.Logger), func() {}
	}
	p := queue.NewAMQPPublisher(d.Config.AMQP.URL, d.Logger)
	return p, func() {
		if err := p.Close(); err != nil {
			d.Logger.Warn("failed to close broker connection", "error", err)
		}
	}
}
