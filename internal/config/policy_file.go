package config

import (
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/sevigo/ci-dispatch/internal/core"
)

var (
	ErrPolicyNotFound = errors.New("policy file not found")
	ErrPolicyParsing  = errors.New("policy parsing failed")
)

// LoadPolicy loads and parses the YAML test policy file. A missing file
// yields an empty policy together with ErrPolicyNotFound so callers can
// decide whether that is fatal.
func LoadPolicy(path string) (*core.Policy, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return core.DefaultPolicy(), ErrPolicyNotFound
		}
		return nil, fmt.Errorf("failed to read policy file %s: %w", path, err)
	}

	policy := core.DefaultPolicy()
	if err := yaml.Unmarshal(data, policy); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrPolicyParsing, err)
	}
	if policy.Projects == nil {
		policy.Projects = map[string]core.ProjectPolicy{}
	}
	for name, project := range policy.Projects {
		if err := core.ValidateRepo(name); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrPolicyParsing, err)
		}
		for branch, contexts := range project.Branches {
			for _, c := range contexts {
				if err := canonicalContext(c); err != nil {
					return nil, fmt.Errorf("%w: %s branch %s: %w", ErrPolicyParsing, name, branch, err)
				}
			}
		}
	}
	return policy, nil
}

// canonicalContext rejects contexts that would be written to the forge under
// a different name than the one a runner reports back to.
func canonicalContext(c string) error {
	cn, err := core.ParseContext(c)
	if err != nil {
		return err
	}
	if cn.String() != c {
		return fmt.Errorf("context %q is not canonical, use %q", c, cn.String())
	}
	return nil
}
