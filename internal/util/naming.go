package util

import (
	"regexp"
	"strings"
)

var unsafeNameRegexp = regexp.MustCompile("[^a-z0-9._-]+")

const maxNameLength = 200

// SafeName lowercases s and replaces every run of characters outside
// [a-z0-9._-] with a single dash, trimming dashes at both ends. It is used for
// job slugs, lock files and mirror directories.
func SafeName(s string) string {
	name := unsafeNameRegexp.ReplaceAllString(strings.ToLower(s), "-")
	name = strings.Trim(name, "-")
	if len(name) > maxNameLength {
		name = strings.TrimRight(name[:maxNameLength], "-")
	}
	return name
}

// RepoDirName builds a flat directory name for an owner/name repository.
func RepoDirName(repoFullName string) string {
	return SafeName(strings.ReplaceAll(repoFullName, "/", "-"))
}
