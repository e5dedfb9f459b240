package logging

import (
	"fmt"
	"sort"
	"strings"
)

// Spec is a base level plus per-component overrides.
//
// Format: "<base-level>[,<component>=<level>]..." where the base level,
// if present, comes first. Examples:
//
//	warn
//	warn,walker=debug
//	info,kvm=trace,catalog=debug
type Spec struct {
	BaseLevel  Level
	Components map[string]Level
}

// ParseSpec parses a log spec. The empty spec is warn with no
// overrides, the quiet default of a one-shot command.
func ParseSpec(s string) (Spec, error) {
	spec := Spec{
		BaseLevel:  LevelWarn,
		Components: make(map[string]Level),
	}

	for i, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}

		component, levelStr, isOverride := strings.Cut(part, "=")
		if !isOverride {
			if i != 0 {
				return spec, fmt.Errorf("base level %q must be first in spec", part)
			}
			level, err := ParseLevel(part)
			if err != nil {
				return spec, err
			}
			spec.BaseLevel = level
			continue
		}

		component = strings.TrimSpace(component)
		if component == "" {
			return spec, fmt.Errorf("empty component name in %q", part)
		}
		level, err := ParseLevel(levelStr)
		if err != nil {
			return spec, fmt.Errorf("invalid level for component %q: %w", component, err)
		}
		spec.Components[component] = level
	}

	return spec, nil
}

// LevelFor returns the level in force for component.
func (s *Spec) LevelFor(component string) Level {
	if level, ok := s.Components[component]; ok {
		return level
	}
	return s.BaseLevel
}

// Lower caps the base level and every override at level, leaving
// anything already more verbose untouched.
func (s *Spec) Lower(level Level) {
	s.BaseLevel = min(s.BaseLevel, level)
	for c, l := range s.Components {
		s.Components[c] = min(l, level)
	}
}

// String renders the spec in parseable form with components sorted.
func (s *Spec) String() string {
	parts := []string{s.BaseLevel.String()}

	components := make([]string, 0, len(s.Components))
	for c := range s.Components {
		components = append(components, c)
	}
	sort.Strings(components)
	for _, c := range components {
		parts = append(parts, c+"="+s.Components[c].String())
	}

	return strings.Join(parts, ",")
}
