package catalog

import (
	"regexp"
	"sort"
	"strconv"
	"strings"
)

var semverPattern = regexp.MustCompile(`^(\d+)\.(\d+)\.(\d+)(?:-([0-9A-Za-z.-]+))?$`)

// Semver is a parsed MAJOR.MINOR.PATCH[-PRE] version.
type Semver struct {
	Major, Minor, Patch int
	Pre                 string
}

// ParseSemver parses a semantic version string. The boolean reports whether
// the string was a valid semver.
func ParseSemver(s string) (Semver, bool) {
	m := semverPattern.FindStringSubmatch(strings.TrimSpace(s))
	if m == nil {
		return Semver{}, false
	}

	major, err1 := strconv.Atoi(m[1])
	minor, err2 := strconv.Atoi(m[2])
	patch, err3 := strconv.Atoi(m[3])
	if err1 != nil || err2 != nil || err3 != nil {
		return Semver{}, false
	}

	return Semver{Major: major, Minor: minor, Patch: patch, Pre: m[4]}, true
}

// Compare orders two parsed versions: numerics first, then the pre-release
// tag where a stable version (empty tag) ranks above any pre-release.
func (v Semver) Compare(o Semver) int {
	if v.Major != o.Major {
		return sign(v.Major - o.Major)
	}
	if v.Minor != o.Minor {
		return sign(v.Minor - o.Minor)
	}
	if v.Patch != o.Patch {
		return sign(v.Patch - o.Patch)
	}

	switch {
	case v.Pre == o.Pre:
		return 0
	case v.Pre == "":
		return 1
	case o.Pre == "":
		return -1
	default:
		return strings.Compare(v.Pre, o.Pre)
	}
}

// CompareVersions ranks two version strings for descending listings.
// Valid semvers rank above non-parsing strings; non-parsing strings order
// alphabetically among themselves.
func CompareVersions(a, b string) int {
	va, okA := ParseSemver(a)
	vb, okB := ParseSemver(b)

	switch {
	case okA && okB:
		return va.Compare(vb)
	case okA:
		return 1
	case okB:
		return -1
	default:
		// Flipped so an ascending alphabetical order survives the
		// descending sort applied by callers.
		return -strings.Compare(a, b)
	}
}

// SortModelsByVersionDesc orders models newest-version-first in place.
func SortModelsByVersionDesc(models []*Model) {
	sort.SliceStable(models, func(i, j int) bool {
		return CompareVersions(models[i].Version, models[j].Version) > 0
	})
}

func sign(n int) int {
	switch {
	case n < 0:
		return -1
	case n > 0:
		return 1
	default:
		return 0
	}
}
