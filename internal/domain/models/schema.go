package models

import (
	"fmt"
	"slices"
	"strings"
)

// FeatureSchema is the declared list of candidate features. It is checked
// once when the feature generator is built, so malformed feature requests
// never reach the regression engine.
type FeatureSchema struct {
	Features []FeatureSpec `json:"features"`
}

// UDNLevels are all values a Universal Day Number can take.
var UDNLevels = []int{1, 2, 3, 4, 5, 6, 7, 8, 9, 11, 22, 33}

// ReducedLevels are the values of a plain digital root.
var ReducedLevels = []int{1, 2, 3, 4, 5, 6, 7, 8, 9}

// IntrinsicKind returns the kind a feature name must be declared with.
func IntrinsicKind(name string) (FeatureKind, error) {
	switch name {
	case FeatureUDN, FeatureReducedUDN, FeatureUYN:
		return FeatureCategorical, nil
	case FeatureMaster, FeatureMaster11, FeatureMaster22, FeatureMaster33:
		return FeatureFlag, nil
	}
	if strings.HasPrefix(name, prefixUDNIs) {
		if _, ok := parseUDNIs(name); !ok {
			return 0, fmt.Errorf("feature %q: not a UDN level", name)
		}
		return FeatureFlag, nil
	}
	prefix, body, ok := strings.Cut(name, ":")
	if !ok {
		return 0, fmt.Errorf("unknown feature %q", name)
	}
	if _, err := ParseBody(body); err != nil {
		return 0, fmt.Errorf("feature %q: %w", name, err)
	}
	switch prefix + ":" {
	case prefixAccel, prefixPower:
		return FeatureNumeric, nil
	case prefixRetro:
		return FeatureFlag, nil
	}
	return 0, fmt.Errorf("unknown feature %q", name)
}

func admissibleLevels(name string) []int {
	if name == FeatureReducedUDN {
		return ReducedLevels
	}
	return UDNLevels
}

// Validate checks names, kinds, and categorical level declarations.
func (s FeatureSchema) Validate() error {
	if len(s.Features) == 0 {
		return fmt.Errorf("feature schema is empty")
	}
	seen := make(map[string]struct{}, len(s.Features))
	for _, f := range s.Features {
		if _, dup := seen[f.Name]; dup {
			return fmt.Errorf("feature %q declared twice", f.Name)
		}
		seen[f.Name] = struct{}{}

		kind, err := IntrinsicKind(f.Name)
		if err != nil {
			return err
		}
		if f.Kind != kind {
			return fmt.Errorf("feature %q declared %s, must be %s", f.Name, f.Kind, kind)
		}
		if kind != FeatureCategorical {
			if len(f.Levels) > 0 {
				return fmt.Errorf("feature %q: levels only apply to categorical features", f.Name)
			}
			continue
		}
		if len(f.Levels) < 2 {
			return fmt.Errorf("feature %q: categorical needs at least two levels", f.Name)
		}
		allowed := admissibleLevels(f.Name)
		lv := make(map[int]struct{}, len(f.Levels))
		for _, l := range f.Levels {
			if !slices.Contains(allowed, l) {
				return fmt.Errorf("feature %q: level %d is not admissible", f.Name, l)
			}
			if _, dup := lv[l]; dup {
				return fmt.Errorf("feature %q: level %d declared twice", f.Name, l)
			}
			lv[l] = struct{}{}
		}
		if _, ok := lv[f.Reference]; !ok {
			return fmt.Errorf("feature %q: reference level %d not among levels", f.Name, f.Reference)
		}
	}
	return nil
}

// Lookup returns the spec for name.
func (s FeatureSchema) Lookup(name string) (FeatureSpec, bool) {
	for _, f := range s.Features {
		if f.Name == name {
			return f, true
		}
	}
	return FeatureSpec{}, false
}

// Bodies lists the bodies referenced by astronomical features.
func (s FeatureSchema) Bodies() []Body {
	var out []Body
	for _, f := range s.Features {
		_, b, ok := strings.Cut(f.Name, ":")
		if !ok {
			continue
		}
		if !slices.Contains(out, Body(b)) {
			out = append(out, Body(b))
		}
	}
	return out
}

// UDNSpec is the usual categorical declaration for the Universal Day Number
// with level 1 as reference.
func UDNSpec(levels []int) FeatureSpec {
	if len(levels) == 0 {
		levels = UDNLevels
	}
	return FeatureSpec{Name: FeatureUDN, Kind: FeatureCategorical, Levels: slices.Clone(levels), Reference: 1}
}

// SpecFor builds a declaration for a feature name using its intrinsic kind.
// Categorical features get the default levels and reference 1.
func SpecFor(name string, udnLevels []int) (FeatureSpec, error) {
	kind, err := IntrinsicKind(name)
	if err != nil {
		return FeatureSpec{}, err
	}
	switch {
	case name == FeatureUDN:
		return UDNSpec(udnLevels), nil
	case kind == FeatureCategorical:
		return FeatureSpec{Name: name, Kind: kind, Levels: slices.Clone(admissibleLevels(name)), Reference: 1}, nil
	}
	return FeatureSpec{Name: name, Kind: kind}, nil
}
