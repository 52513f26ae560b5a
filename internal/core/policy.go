package core

// Policy represents the structure of the test policy file: which contexts
// each project requires per target branch.
type Policy struct {
	Projects map[string]ProjectPolicy `yaml:"projects"`
}

// ProjectPolicy lists required contexts per branch for one repository.
type ProjectPolicy struct {
	// DefaultBranch is used for checkouts of this project when nothing more
	// specific applies. Empty means "ask the forge".
	DefaultBranch string `yaml:"default_branch"`

	// Branches maps a target branch to its ordered list of contexts.
	// Example: {"main": ["fedora-41", "rhel-9"]}
	Branches map[string][]string `yaml:"branches"`
}

// DefaultPolicy returns an empty policy.
func DefaultPolicy() *Policy {
	return &Policy{Projects: map[string]ProjectPolicy{}}
}
