package gitutil

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

var (
	// https://<host>/<owner>/<repo>/pull/<n>, scheme optional so Enterprise
	// hosts work too.
	pullURLPattern = regexp.MustCompile(`^(?:https?://)?[^/]+/([^/]+/[^/]+)/pull/(\d+)$`)
	// <owner>/<repo>#<n>
	pullShortPattern = regexp.MustCompile(`^([^/#\s]+/[^/#\s]+)#(\d+)$`)
)

// ParsePullRef resolves a pull reference given on the command line. It
// accepts a bare number, which belongs to defaultRepo, "owner/repo#N", or a
// pull request URL.
func ParsePullRef(ref, defaultRepo string) (repo string, number int, err error) {
	ref = strings.TrimSuffix(strings.TrimSpace(ref), "/")

	var digits string
	switch m := matchPullRef(ref); {
	case m != nil:
		repo, digits = m[1], m[2]
	case ref != "" && strings.Trim(ref, "0123456789") == "":
		if defaultRepo == "" {
			return "", 0, fmt.Errorf("pull number %s needs a repository", ref)
		}
		repo, digits = defaultRepo, ref
	default:
		return "", 0, fmt.Errorf("invalid pull reference %q", ref)
	}

	number, err = strconv.Atoi(digits)
	if err != nil {
		return "", 0, fmt.Errorf("invalid pull number %q: %w", digits, err)
	}
	if number <= 0 {
		return "", 0, fmt.Errorf("invalid pull number %d", number)
	}
	return repo, number, nil
}

func matchPullRef(ref string) []string {
	if m := pullURLPattern.FindStringSubmatch(ref); m != nil {
		return m
	}
	return pullShortPattern.FindStringSubmatch(ref)
}
