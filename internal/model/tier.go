package model

import (
	"strings"

	"github.com/rotisserie/eris"
)

// Tier is one extraction strategy of a given cost/capability class. Tiers are
// ordered by cost: a lower tier is always cheaper than a higher one.
type Tier int

const (
	// TierDeterministic applies pattern rules. No I/O.
	TierDeterministic Tier = iota
	// TierLocal runs a locally hosted model.
	TierLocal
	// TierCheap is the low-cost hosted model.
	TierCheap
	// TierExpensive is the high-capability hosted model.
	TierExpensive
)

// MinTier and MaxTier bound the closed tier range.
const (
	MinTier = TierDeterministic
	MaxTier = TierExpensive
)

var tierNames = map[Tier]string{
	TierDeterministic: "deterministic",
	TierLocal:         "local",
	TierCheap:         "cheap",
	TierExpensive:     "expensive",
}

func (t Tier) String() string {
	if name, ok := tierNames[t]; ok {
		return name
	}
	return "unknown"
}

// Valid reports whether t is inside the closed tier range.
func (t Tier) Valid() bool {
	return t >= MinTier && t <= MaxTier
}

// Next returns the next more expensive tier and false when t is the top tier.
func (t Tier) Next() (Tier, bool) {
	if t >= MaxTier {
		return t, false
	}
	return t + 1, true
}

// AllTiers returns every tier in ascending cost order.
func AllTiers() []Tier {
	return []Tier{TierDeterministic, TierLocal, TierCheap, TierExpensive}
}

// ParseTier converts a tier name (or its numeric form) into a Tier.
func ParseTier(s string) (Tier, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	for t, name := range tierNames {
		if s == name {
			return t, nil
		}
	}
	switch s {
	case "0":
		return TierDeterministic, nil
	case "1":
		return TierLocal, nil
	case "2":
		return TierCheap, nil
	case "3":
		return TierExpensive, nil
	}
	return 0, eris.Errorf("model: unknown tier %q", s)
}

// MarshalText implements encoding.TextMarshaler so tiers read well in JSON and YAML.
func (t Tier) MarshalText() ([]byte, error) {
	return []byte(t.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (t *Tier) UnmarshalText(b []byte) error {
	parsed, err := ParseTier(string(b))
	if err != nil {
		return err
	}
	*t = parsed
	return nil
}
