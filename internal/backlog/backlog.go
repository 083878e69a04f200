// Package backlog loads and validates the feature backlog consumed at startup.
package backlog

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/felixgeelhaar/autoforge/internal/errors"
)

// Feature is a single unit of work in the backlog
type Feature struct {
	ID          string   `yaml:"id"`
	Description string   `yaml:"description"`
	DependsOn   []string `yaml:"depends_on,omitempty"`
}

// Backlog is the ordered list of features consumed once at startup.
// Declaration order is significant: the scheduler dispatches ready features
// in this order.
type Backlog struct {
	Features []Feature `yaml:"features"`
}

// Load reads a Backlog from a YAML file
func Load(path string) (*Backlog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errors.NewBacklogNotFoundError(path)
		}
		return nil, errors.Wrap(errors.ErrCodeFileReadFailed, fmt.Sprintf("read backlog file: %s", path), err)
	}

	var b Backlog
	if err := yaml.Unmarshal(data, &b); err != nil {
		return nil, errors.Wrap(errors.ErrCodeBacklogUnmarshal, fmt.Sprintf("failed to parse YAML file: %s", path), err).
			WithSuggestion("Check the file syntax and format")
	}

	if err := b.Validate(); err != nil {
		return nil, err
	}

	return &b, nil
}

// Validate checks structural rules: at least one feature, unique non-empty
// ids, and dependencies that reference declared features. Cycle detection is
// the graph's job.
func (b *Backlog) Validate() error {
	if len(b.Features) == 0 {
		return errors.NewBacklogInvalidError("backlog must contain at least one feature")
	}

	ids := make(map[string]bool, len(b.Features))
	for i, f := range b.Features {
		if strings.TrimSpace(f.ID) == "" {
			return errors.NewBacklogInvalidError(fmt.Sprintf("feature at index %d has an empty id", i))
		}
		if ids[f.ID] {
			return errors.NewBacklogInvalidError(fmt.Sprintf("duplicate feature id %q at index %d", f.ID, i))
		}
		ids[f.ID] = true
	}

	for _, f := range b.Features {
		for _, dep := range f.DependsOn {
			if dep == f.ID {
				return errors.NewBacklogInvalidError(fmt.Sprintf("feature %q depends on itself", f.ID))
			}
			if !ids[dep] {
				return errors.NewBacklogInvalidError(fmt.Sprintf("feature %q depends on unknown feature %q", f.ID, dep))
			}
		}
	}

	return nil
}
