package main

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/fatih/color"

	"github.com/sevigo/ci-dispatch/internal/reconcile"
)

var (
	titleColor   = color.New(color.FgCyan, color.Bold)
	successColor = color.New(color.FgGreen)
	warnColor    = color.New(color.FgYellow)
	errorColor   = color.New(color.FgRed)
	dimColor     = color.New(color.FgHiBlack)
)

type printer struct {
	w    io.Writer
	json bool
}

func newPrinter(w io.Writer, asJSON bool) *printer {
	return &printer{w: w, json: asJSON}
}

type outcomeView struct {
	Context  string `json:"context"`
	Decision string `json:"decision"`
	Before   string `json:"before"`
	Wrote    bool   `json:"wrote"`
	Queue    string `json:"queue,omitempty"`
	Priority string `json:"priority,omitempty"`
	Slug     string `json:"slug,omitempty"`
	Error    string `json:"error,omitempty"`
}

type resultView struct {
	Repo     string        `json:"repo"`
	SHA      string        `json:"sha"`
	Pull     int           `json:"pull,omitempty"`
	Branch   string        `json:"branch"`
	DryRun   bool          `json:"dry_run"`
	Enqueued int           `json:"enqueued"`
	Outcomes []outcomeView `json:"outcomes"`
}

type scanView struct {
	Results  []resultView `json:"results"`
	Errors   []string     `json:"errors,omitempty"`
	Enqueued int          `json:"enqueued"`
}

func viewOf(res *reconcile.Result) resultView {
	v := resultView{
		Repo:     res.Revision.Repo,
		SHA:      res.Revision.SHA,
		Pull:     res.Revision.Pull,
		Branch:   res.Branch,
		DryRun:   res.DryRun,
		Enqueued: res.Enqueued(),
		Outcomes: make([]outcomeView, 0, len(res.Outcomes)),
	}
	for _, o := range res.Outcomes {
		ov := outcomeView{
			Context:  o.Context,
			Decision: string(o.Decision),
			Before:   o.Before.State.String(),
			Wrote:    o.Wrote,
		}
		if o.Entry != nil {
			ov.Queue = string(o.Entry.Queue)
			ov.Priority = o.Entry.Priority.String()
			ov.Slug = o.Entry.Descriptor.Slug
		}
		if o.Err != nil {
			ov.Error = o.Err.Error()
		}
		v.Outcomes = append(v.Outcomes, ov)
	}
	return v
}

func (p *printer) encode(v any) error {
	enc := json.NewEncoder(p.w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func (p *printer) PrintResult(res *reconcile.Result) error {
	if p.json {
		return p.encode(viewOf(res))
	}
	p.human(viewOf(res))
	return nil
}

func (p *printer) PrintScan(s *reconcile.ScanSummary) error {
	v := scanView{Results: make([]resultView, 0, len(s.Results)), Enqueued: s.Enqueued()}
	for _, r := range s.Results {
		v.Results = append(v.Results, viewOf(r))
	}
	for _, err := range s.Errors {
		v.Errors = append(v.Errors, err.Error())
	}
	if p.json {
		return p.encode(v)
	}

	for _, r := range v.Results {
		p.human(r)
	}
	for _, e := range v.Errors {
		errorColor.Fprintf(p.w, "error: %s\n", e)
	}
	fmt.Fprintf(p.w, "%d pull requests, %d jobs queued\n", len(v.Results), v.Enqueued)
	return nil
}

func (p *printer) human(v resultView) {
	target := v.Repo + "@" + shortSHA(v.SHA)
	if v.Pull > 0 {
		target = fmt.Sprintf("%s#%d (%s)", v.Repo, v.Pull, shortSHA(v.SHA))
	}
	titleColor.Fprintf(p.w, "%s", target)
	dimColor.Fprintf(p.w, " on %s", v.Branch)
	if v.DryRun {
		warnColor.Fprint(p.w, " [dry run]")
	}
	fmt.Fprintln(p.w)

	if len(v.Outcomes) == 0 {
		dimColor.Fprintln(p.w, "  no contexts required")
		return
	}
	width := 0
	for _, o := range v.Outcomes {
		width = max(width, len(o.Context))
	}
	for _, o := range v.Outcomes {
		fmt.Fprintf(p.w, "  %-*s  %-8s ", width, o.Context, o.Before)
		switch {
		case o.Error != "":
			errorColor.Fprintf(p.w, "%s: %s", o.Decision, o.Error)
		case o.Queue != "":
			successColor.Fprintf(p.w, "%s -> %s/%s", o.Decision, o.Queue, strings.ToLower(o.Priority))
		default:
			dimColor.Fprint(p.w, o.Decision)
		}
		fmt.Fprintln(p.w)
	}
}

func shortSHA(sha string) string {
	if len(sha) > 7 {
		return sha[:7]
	}
	return sha
}
