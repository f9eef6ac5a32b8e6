/*
constraints.go holds the Constraint Registry: a static, compile-time
table of known ABI-sensitive dependency pins that override whatever an
Installer collaborator would resolve on its own.

pandas/scipy/scikit-learn/numba each have numpy ranges they were built
and tested against, and a default resolver has no way to know that
without this table. The table is loadable without touching the network.
*/

package bubble

import (
	"strings"

	"golang.org/x/mod/semver"
)

// constraintRange is one [versionMin, versionMax] -> dependency spec
// entry for a single package name.
type constraintRange struct {
	min, max   string // inclusive bounds, "vMAJOR.MINOR.PATCH" form
	constraint string // pip-style constraint string, e.g. ">=1.21.0,<2.0"
}

// numpyConstraints is the seed Constraint Registry: package name ->
// ordered list of version ranges -> numpy constraint.
var numpyConstraints = map[string][]constraintRange{
	"pandas": {
		{"v2.0.0", "v2.1.99", ">=1.21.0,<2.0"},
		{"v2.2.0", "v2.2.99", ">=1.23.5,<2.3"},
		{"v2.3.0", "v2.9.99", ">=1.26.0,<2.3"},
	},
	"scipy": {
		{"v1.10.0", "v1.10.99", ">=1.21.0,<1.28"},
		{"v1.11.0", "v1.13.99", ">=1.21.6,<2.1"},
	},
	"scikit-learn": {
		{"v1.3.0", "v1.3.99", ">=1.17.3,<2.0"},
		{"v1.4.0", "v1.5.99", ">=1.19.5,<2.1"},
	},
	"numba": {
		{"v0.50.0", "v0.60.99", ">=1.18,<1.25"},
		{"v0.61.0", "v0.61.99", ">=1.24,<2.3"},
	},
}

// toSemver coerces a pip-style version (no leading "v", may omit patch)
// into a form golang.org/x/mod/semver can compare.
func toSemver(v string) string {
	v = strings.TrimSpace(v)
	if !strings.HasPrefix(v, "v") {
		v = "v" + v
	}
	parts := strings.Split(strings.TrimPrefix(v, "v"), ".")
	for len(parts) < 3 {
		parts = append(parts, "0")
	}
	return "v" + strings.Join(parts[:3], ".")
}

// NumpyConstraint returns the numpy version constraint that applies to
// packageName at version, or "" if the registry has no entry for it.
// Registry entries always override an installer's own resolution.
func NumpyConstraint(packageName, version string) string {
	canonical := strings.ToLower(strings.ReplaceAll(packageName, "_", "-"))
	ranges, ok := numpyConstraints[canonical]
	if !ok {
		return ""
	}
	sv := toSemver(version)
	for _, r := range ranges {
		if semver.Compare(sv, r.min) >= 0 && semver.Compare(sv, r.max) <= 0 {
			return r.constraint
		}
	}
	return ""
}

// ApplyConstraints returns a copy of deps with the numpy entry replaced
// or added per the registry (deps itself is left unchanged), and the map
// of constraints that were applied (for BubbleRecord.ConstraintsApplied).
func ApplyConstraints(packageName, version string, deps []string) ([]string, map[string]string) {
	constraint := NumpyConstraint(packageName, version)
	if constraint == "" {
		return deps, nil
	}

	applied := map[string]string{"numpy": constraint}
	out := make([]string, 0, len(deps)+1)
	replaced := false
	for _, d := range deps {
		if strings.HasPrefix(strings.ToLower(d), "numpy") {
			out = append(out, "numpy"+constraint)
			replaced = true
			continue
		}
		out = append(out, d)
	}
	if !replaced {
		out = append(out, "numpy"+constraint)
	}
	return out, applied
}
