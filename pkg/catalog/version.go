package catalog

import (
	"sort"
	"strconv"

	masterminds "github.com/Masterminds/semver/v3"
)

// selectVersion picks the best service among candidates for rangeStr.
// Candidates must share a name and carry parsed versions.
func selectVersion(candidates []*Service, rangeStr string) *Service {
	if len(candidates) == 0 {
		return nil
	}

	// Case 1: no range - latest stable, non-deprecated first
	if rangeStr == "" {
		return pickLatest(candidates)
	}

	// Case 2: major-only range (e.g., "3")
	if IsMajorOnly(rangeStr) {
		major, _ := strconv.ParseUint(rangeStr, 10, 64)
		var inMajor []*Service
		for _, s := range candidates {
			if s.version.Major() == major {
				inMajor = append(inMajor, s)
			}
		}
		return pickLatest(inMajor)
	}

	// Case 3: SemVer range (e.g., "^3.2.0", "~3.2.0", ">=3.0.0 <4.0.0")
	constraint, err := masterminds.NewConstraint(rangeStr)
	if err != nil {
		// If range parsing fails, try as exact version
		for _, s := range candidates {
			if s.Version == rangeStr {
				return s
			}
		}
		return nil
	}

	var matching []*Service
	for _, s := range candidates {
		if constraint.Check(s.version) {
			matching = append(matching, s)
		}
	}
	return pickLatest(matching)
}

// pickLatest prefers stable over prerelease and active over deprecated, then
// the highest version.
func pickLatest(services []*Service) *Service {
	if len(services) == 0 {
		return nil
	}
	sorted := append([]*Service(nil), services...)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].version.GreaterThan(sorted[j].version)
	})

	for _, s := range sorted {
		if s.version.Prerelease() == "" && !s.Deprecated {
			return s
		}
	}
	for _, s := range sorted {
		if !s.Deprecated {
			return s
		}
	}
	return sorted[0]
}
