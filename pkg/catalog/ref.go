package catalog

import (
	"fmt"
	"regexp"
	"strings"
)

const refLogPrefix = "catalog:ref"

var (
	serviceNameRegex = regexp.MustCompile(`^[a-zA-Z][a-zA-Z0-9._-]*$`)
	majorOnlyRegex   = regexp.MustCompile(`^\d+$`)
)

// ServiceRef is a parsed service reference.
//
// Supported formats:
//   - render_preview            (highest version)
//   - render_preview@2          (major only)
//   - render_preview@2.1.0      (exact version)
//   - render_preview@^2.1.0     (caret range)
//   - render_preview@>=1.0.0    (comparison range)
type ServiceRef struct {
	Name  string
	Range string
	Raw   string
}

// ParseServiceRef parses a reference of the form name[@range].
func ParseServiceRef(input string) (*ServiceRef, error) {
	raw := strings.TrimSpace(input)

	name, rangeStr, _ := strings.Cut(raw, "@")
	if !ValidateServiceName(name) {
		return nil, fmt.Errorf("%s - invalid service name in %q", refLogPrefix, raw)
	}
	return &ServiceRef{Name: name, Range: rangeStr, Raw: raw}, nil
}

// String renders the reference back to name[@range].
func (r ServiceRef) String() string {
	if r.Range == "" {
		return r.Name
	}
	return r.Name + "@" + r.Range
}

// ValidateServiceName allows letters, digits, dots, hyphens and underscores.
func ValidateServiceName(name string) bool {
	return serviceNameRegex.MatchString(name)
}

// IsMajorOnly checks if a range is a major-only specifier (e.g., "3").
func IsMajorOnly(rangeStr string) bool {
	return majorOnlyRegex.MatchString(rangeStr)
}
