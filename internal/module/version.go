package module

import (
	"fmt"
	"strconv"
	"strings"
)

// Version is a four part module version: major.minor.build.revision
// Missing trailing components parse as zero.
type Version struct {
	Major    int
	Minor    int
	Build    int
	Revision int
}

// ParseVersion parses "1", "1.2", "1.2.3" or "1.2.3.4"
func ParseVersion(s string) (Version, error) {
	var v Version
	s = strings.TrimSpace(s)
	if s == "" {
		return v, fmt.Errorf("empty version")
	}

	parts := strings.Split(s, ".")
	if len(parts) > 4 {
		return v, fmt.Errorf("version %q has more than four components", s)
	}

	fields := []*int{&v.Major, &v.Minor, &v.Build, &v.Revision}
	for i, p := range parts {
		n, err := strconv.Atoi(p)
		if err != nil || n < 0 {
			return Version{}, fmt.Errorf("version %q: invalid component %q", s, p)
		}
		*fields[i] = n
	}
	return v, nil
}

// MustParseVersion is ParseVersion for literals known to be valid
func MustParseVersion(s string) Version {
	v, err := ParseVersion(s)
	if err != nil {
		panic(err)
	}
	return v
}

func (v Version) String() string {
	return fmt.Sprintf("%d.%d.%d.%d", v.Major, v.Minor, v.Build, v.Revision)
}

// Legacy reports whether v is the degenerate 0.0 version of descriptors
// that never declared one.
func (v Version) Legacy() bool {
	return v.Major == 0 && v.Minor == 0
}

// Less orders versions component by component
func (v Version) Less(o Version) bool {
	if v.Major != o.Major {
		return v.Major < o.Major
	}
	if v.Minor != o.Minor {
		return v.Minor < o.Minor
	}
	if v.Build != o.Build {
		return v.Build < o.Build
	}
	return v.Revision < o.Revision
}

// Compatible reports whether an available version satisfies a requested one.
// Major and minor must match exactly; build and revision of the available
// version must each be at least the requested ones. A legacy 0.0 version on
// either side is always compatible. The relation is not symmetric.
func Compatible(available, requested Version) bool {
	if requested.Legacy() || available.Legacy() {
		return true
	}
	return available.Major == requested.Major &&
		available.Minor == requested.Minor &&
		available.Build >= requested.Build &&
		available.Revision >= requested.Revision
}
