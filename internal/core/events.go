package core

import (
	"fmt"
	"slices"
	"strings"

	"github.com/google/go-github/v73/github"
)

var reconcilePullActions = []string{"opened", "synchronize", "reopened", "labeled", "unlabeled", "edited"}

// RequestFromPullRequest transforms a pull_request webhook event into a
// reconciliation request. It acts as an anti-corruption layer: the payload
// already carries everything a Revision needs, so no API round-trip is made.
func RequestFromPullRequest(event *github.PullRequestEvent) (*Request, error) {
	if !slices.Contains(reconcilePullActions, event.GetAction()) {
		return nil, fmt.Errorf("pull request action %q does not need reconciliation", event.GetAction())
	}

	pr := event.GetPullRequest()
	if pr == nil || pr.GetNumber() <= 0 {
		return nil, fmt.Errorf("pull request information is missing from the event")
	}
	if pr.GetState() != "open" {
		return nil, fmt.Errorf("pull request %d is %s", pr.GetNumber(), pr.GetState())
	}

	repo := event.GetRepo().GetFullName()
	if err := ValidateRepo(repo); err != nil {
		return nil, fmt.Errorf("repository information is missing from the event: %w", err)
	}
	if pr.GetHead().GetSHA() == "" {
		return nil, fmt.Errorf("pull request %d has no head SHA", pr.GetNumber())
	}

	return &Request{Trigger: WebhookTrigger{Revision: RevisionFromPull(repo, pr)}}, nil
}

// RequestFromIssueComment turns a "/retest" or "/test <context>..." comment on a
// pull request into a forced request on behalf of the commenter.
func RequestFromIssueComment(event *github.IssueCommentEvent) (*Request, error) {
	if event.GetAction() != "created" {
		return nil, fmt.Errorf("comment action %q is ignored", event.GetAction())
	}
	if !event.GetIssue().IsPullRequest() {
		return nil, fmt.Errorf("comment is not on a pull request")
	}

	fields := strings.Fields(event.GetComment().GetBody())
	if len(fields) == 0 {
		return nil, fmt.Errorf("comment is not a test command")
	}
	var contexts []string
	switch strings.ToLower(fields[0]) {
	case "/retest":
	case "/test":
		contexts = fields[1:]
		if len(contexts) == 0 {
			return nil, fmt.Errorf("/test needs at least one context")
		}
	default:
		return nil, fmt.Errorf("comment is not a test command")
	}

	repo := event.GetRepo().GetFullName()
	if err := ValidateRepo(repo); err != nil {
		return nil, fmt.Errorf("repository information is missing from the event: %w", err)
	}
	commenter := event.GetComment().GetUser().GetLogin()
	if commenter == "" {
		return nil, fmt.Errorf("commenter information is missing from the event")
	}

	return &Request{
		Trigger:     PullTrigger{Repo: repo, Number: event.GetIssue().GetNumber()},
		Contexts:    contexts,
		Force:       true,
		RequestedBy: commenter,
	}, nil
}

// RevisionFromPull builds the canonical revision of a pull request.
func RevisionFromPull(repo string, pr *github.PullRequest) Revision {
	labels := make([]string, 0, len(pr.Labels))
	for _, l := range pr.Labels {
		labels = append(labels, l.GetName())
	}
	return Revision{
		Repo:         repo,
		SHA:          pr.GetHead().GetSHA(),
		Pull:         pr.GetNumber(),
		TargetBranch: pr.GetBase().GetRef(),
		Author:       pr.GetHead().GetUser().GetLogin(),
		Labels:       labels,
		Title:        pr.GetTitle(),
	}
}
