package featureflag

import (
	"sort"
	"strings"
)

// FeatureFlag is a lookup map for features that is enabled or disabled
type FeatureFlag map[Flag]struct{}

// New return a new feature flags initialized with list of flags. Flags are
// upper cased and blank ones are skipped.
func New(flags []string) FeatureFlag {
	featureFlag := make(FeatureFlag)
	for _, f := range flags {
		f = strings.ToUpper(strings.TrimSpace(f))
		if f == "" {
			continue
		}
		featureFlag[Flag(f)] = struct{}{}
	}
	return featureFlag
}

// IsSet reports whether flag is set in the feature flags
func (f FeatureFlag) IsSet(flag Flag) bool {
	_, ok := f[flag]
	return ok
}

// Unknown returns the sorted flags that no feature checks for.
func (f FeatureFlag) Unknown() []Flag {
	var unknown []Flag
	for flag := range f {
		if _, ok := knownFlags[flag]; !ok {
			unknown = append(unknown, flag)
		}
	}

	sort.Slice(unknown, func(i, j int) bool {
		return unknown[i] < unknown[j]
	})
	return unknown
}
