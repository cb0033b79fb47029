// Package naming maps nested source namespaces (ie GitLab groups) to flat
// target repository names (ie GitHub organisation repositories).
package naming

import (
	"errors"
	"fmt"
	"regexp"
	"slices"
	"strings"
)

// Strategy decides how a source path is turned into a target name
type Strategy string

const (
	// Flatten joins all path parts ie a/b/c -> a-b-c
	Flatten Strategy = "flatten"
	// Prefix keeps last N levels or only repository name ie a/b/c -> c
	Prefix Strategy = "prefix"
	// FullPath replaces every '/' with separator
	FullPath Strategy = "full_path"
	// Custom uses user defined exact or prefix mappings
	Custom Strategy = "custom"

	defaultSeparator = "-"
	maxNameLen       = 100
)

var validNameRgx = regexp.MustCompile(`^[a-zA-Z0-9._-]+$`)

// Mapper maps source repository paths to target names.
type Mapper struct {
	Strategy  Strategy `yaml:"strategy"`
	Separator string   `yaml:"separator"`
	// KeepLastN limits number of path levels used by flatten and prefix
	KeepLastN int `yaml:"keep_last_n_levels"`
	// StripParentGroup drops the root group for flatten and topics
	StripParentGroup bool `yaml:"strip_parent_group"`
	// Custom maps source path or path prefix to target name
	Custom map[string]string `yaml:"custom"`
	// Fallback is used by custom strategy if no mapping matches
	Fallback Strategy `yaml:"fallback"`
}

// Validate checks mapper config and applies defaults
func (m *Mapper) Validate() error {
	if m.Strategy == "" {
		m.Strategy = Flatten
	}
	if m.Separator == "" {
		m.Separator = defaultSeparator
	}
	if m.Fallback == "" {
		m.Fallback = Flatten
	}

	var errs []error
	if !slices.Contains([]Strategy{Flatten, Prefix, FullPath, Custom}, m.Strategy) {
		errs = append(errs, fmt.Errorf("unknown mapping strategy %q", m.Strategy))
	}
	if !slices.Contains([]Strategy{Flatten, Prefix, FullPath}, m.Fallback) {
		errs = append(errs, fmt.Errorf("invalid fallback strategy %q", m.Fallback))
	}
	if m.KeepLastN < 0 {
		errs = append(errs, fmt.Errorf("keep_last_n_levels must be positive"))
	}
	if m.Strategy == Custom && len(m.Custom) == 0 {
		errs = append(errs, fmt.Errorf("custom strategy requires mappings"))
	}
	return errors.Join(errs...)
}

// MapName returns the target repository name of the given source path
// ie 'company/backend/services/auth'
func (m *Mapper) MapName(sourcePath string) string {
	return m.mapWith(m.strategy(), normalise(sourcePath))
}

func (m *Mapper) mapWith(s Strategy, path string) string {
	parts := strings.Split(path, "/")

	switch s {
	case Prefix:
		if m.KeepLastN > 0 {
			return strings.Join(lastN(parts, m.KeepLastN), m.separator())
		}
		return parts[len(parts)-1]

	case FullPath:
		return strings.ReplaceAll(path, "/", m.separator())

	case Custom:
		if name, ok := m.Custom[path]; ok {
			return name
		}
		// longest prefix first
		prefixes := make([]string, 0, len(m.Custom))
		for p := range m.Custom {
			prefixes = append(prefixes, p)
		}
		slices.SortFunc(prefixes, func(a, b string) int { return len(b) - len(a) })

		for _, p := range prefixes {
			if rest, ok := strings.CutPrefix(path, normalise(p)+"/"); ok {
				return m.Custom[p] + m.separator() + strings.ReplaceAll(rest, "/", m.separator())
			}
		}

		fallback := m.Fallback
		if fallback == "" || fallback == Custom {
			fallback = Flatten
		}
		return m.mapWith(fallback, path)

	default:
		if m.StripParentGroup && len(parts) > 1 {
			parts = parts[1:]
		}
		if m.KeepLastN > 0 {
			parts = lastN(parts, m.KeepLastN)
		}
		return strings.Join(parts, m.separator())
	}
}

// Topics returns lower cased parent groups of the source path which can be
// used to keep the hierarchy on platforms without nested groups.
func (m *Mapper) Topics(sourcePath string) []string {
	parts := strings.Split(normalise(sourcePath), "/")
	parts = parts[:len(parts)-1]

	if m.StripParentGroup && len(parts) > 1 {
		parts = parts[1:]
	}

	topics := make([]string, 0, len(parts))
	for _, p := range parts {
		topics = append(topics, strings.ToLower(p))
	}
	return topics
}

// DetectConflicts returns target names which more than one source path maps
// to, along with those source paths in given order.
func (m *Mapper) DetectConflicts(sourcePaths []string) map[string][]string {
	byName := map[string][]string{}
	for _, p := range sourcePaths {
		name := m.MapName(p)
		byName[name] = append(byName[name], p)
	}

	conflicts := map[string][]string{}
	for name, paths := range byName {
		if len(paths) > 1 {
			conflicts[name] = paths
		}
	}
	return conflicts
}

// ValidateName returns an error if name is not a valid GitHub repository name
func ValidateName(name string) error {
	switch {
	case name == "":
		return fmt.Errorf("name cannot be empty")
	case len(name) > maxNameLen:
		return fmt.Errorf("name exceeds %d characters: %d", maxNameLen, len(name))
	case name == "." || name == "..":
		return fmt.Errorf("name cannot be '.' or '..'")
	case strings.HasSuffix(name, ".git"):
		return fmt.Errorf("name cannot end with .git")
	case strings.HasPrefix(name, "-") || strings.HasPrefix(name, "_") || strings.HasPrefix(name, "."):
		return fmt.Errorf("name cannot start with hyphen, underscore, or period")
	case !validNameRgx.MatchString(name):
		return fmt.Errorf("name contains invalid characters (only alphanumeric, -, _, . allowed)")
	}
	return nil
}

func (m *Mapper) strategy() Strategy {
	if m.Strategy == "" {
		return Flatten
	}
	return m.Strategy
}

func (m *Mapper) separator() string {
	if m.Separator == "" {
		return defaultSeparator
	}
	return m.Separator
}

// normalise removes leading/trailing and duplicate slashes
func normalise(path string) string {
	var parts []string
	for p := range strings.SplitSeq(path, "/") {
		if p != "" {
			parts = append(parts, p)
		}
	}
	return strings.Join(parts, "/")
}

func lastN(parts []string, n int) []string {
	if n >= len(parts) {
		return parts
	}
	return parts[len(parts)-n:]
}
