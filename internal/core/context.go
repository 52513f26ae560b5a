package core

import (
	"fmt"
	"strings"
)

// ContextName is a parsed status context of the form
//
//	<image>[/<scenario>][@<owner>/<repo>[/<branch>]]
//
// e.g. "fedora-41", "fedora-41/devel" or "rhel-9/firefox@cockpit-project/podman/main".
type ContextName struct {
	Image    string
	Scenario string
	// Project is the embedded external project, empty when the context tests
	// the revision's own repository.
	Project string
	Branch  string
}

// ParseContext splits a context string into its parts.
func ParseContext(name string) (ContextName, error) {
	var c ContextName
	name = strings.TrimSpace(name)
	if name == "" {
		return c, fmt.Errorf("%w: empty context", ErrUnknownContext)
	}

	test, project, hasProject := strings.Cut(name, "@")
	c.Image, c.Scenario, _ = strings.Cut(test, "/")
	if c.Image == "" {
		return c, fmt.Errorf("%w: %q has no image", ErrUnknownContext, name)
	}

	if hasProject {
		parts := strings.SplitN(project, "/", 3)
		if len(parts) < 2 || parts[0] == "" || parts[1] == "" {
			return c, fmt.Errorf("%w: %q has an invalid project %q", ErrUnknownContext, name, project)
		}
		c.Project = parts[0] + "/" + parts[1]
		if len(parts) == 3 {
			c.Branch = parts[2]
		}
	}
	return c, nil
}

// String renders the context back into its canonical form.
func (c ContextName) String() string {
	var sb strings.Builder
	sb.WriteString(c.Image)
	if c.Scenario != "" {
		sb.WriteString("/" + c.Scenario)
	}
	if c.Project != "" {
		sb.WriteString("@" + c.Project)
		if c.Branch != "" {
			sb.WriteString("/" + c.Branch)
		}
	}
	return sb.String()
}
