package model

import (
	"regexp"
	"sort"

	"github.com/rotisserie/eris"
)

// DefaultConfidenceThreshold is used when a FieldSpec leaves its threshold unset.
const DefaultConfidenceThreshold = 0.85

// ValueType is the declared type of a field's value.
type ValueType string

const (
	ValueText    ValueType = "text"
	ValueInteger ValueType = "integer"
	ValueFloat   ValueType = "float"
	ValueBoolean ValueType = "boolean"
	ValueList    ValueType = "list"
)

// FieldSpec describes one extractable field. Specs are immutable once a
// registry has been built from them.
type FieldSpec struct {
	Name                string    `json:"name" yaml:"name"`
	ValueType           ValueType `json:"value_type" yaml:"value_type"`
	Required            bool      `json:"required" yaml:"required"`
	MinTier             Tier      `json:"min_tier" yaml:"min_tier"`
	MaxTier             Tier      `json:"max_tier" yaml:"max_tier"`
	ConfidenceThreshold float64   `json:"confidence_threshold" yaml:"confidence_threshold"`
	Importance          float64   `json:"importance,omitempty" yaml:"importance,omitempty"`
	Description         string    `json:"description,omitempty" yaml:"description,omitempty"`
	Patterns            []string  `json:"patterns,omitempty" yaml:"patterns,omitempty"`

	compiled []*regexp.Regexp
}

// CompiledPatterns returns the field's pre-compiled deterministic patterns.
func (f *FieldSpec) CompiledPatterns() []*regexp.Regexp {
	return f.compiled
}

// Eligible reports whether tier t may be used for this field.
func (f *FieldSpec) Eligible(t Tier) bool {
	return t >= f.MinTier && t <= f.MaxTier
}

// Weight returns the field's importance used by validation scoring.
func (f *FieldSpec) Weight() float64 {
	if f.Importance > 0 {
		return f.Importance
	}
	if f.Required {
		return 2.0
	}
	return 1.0
}

// Schema is a versioned set of field specs.
type Schema struct {
	Version       int         `json:"version" yaml:"version"`
	PolicyVersion int         `json:"policy_version" yaml:"policy_version"`
	Fields        []FieldSpec `json:"fields" yaml:"fields"`
}

// FieldRegistry is an indexed, immutable view of a Schema.
type FieldRegistry struct {
	Version       int
	PolicyVersion int
	Fields        []FieldSpec
	byName        map[string]*FieldSpec
	required      []*FieldSpec
}

// NewFieldRegistry validates the schema, applies defaults and pre-compiles
// the deterministic patterns of every field.
func NewFieldRegistry(schema Schema) (*FieldRegistry, error) {
	r := &FieldRegistry{
		Version:       schema.Version,
		PolicyVersion: schema.PolicyVersion,
		Fields:        make([]FieldSpec, len(schema.Fields)),
		byName:        make(map[string]*FieldSpec, len(schema.Fields)),
	}
	copy(r.Fields, schema.Fields)

	for i := range r.Fields {
		f := &r.Fields[i]
		if f.Name == "" {
			return nil, eris.Errorf("model: field %d has no name", i)
		}
		if _, dup := r.byName[f.Name]; dup {
			return nil, eris.Errorf("model: duplicate field %q", f.Name)
		}
		if f.ValueType == "" {
			f.ValueType = ValueText
		}
		if !f.MinTier.Valid() || !f.MaxTier.Valid() || f.MinTier > f.MaxTier {
			return nil, eris.Errorf("model: field %q has invalid tier range %s..%s", f.Name, f.MinTier, f.MaxTier)
		}
		if f.ConfidenceThreshold <= 0 {
			f.ConfidenceThreshold = DefaultConfidenceThreshold
		}
		f.compiled = nil
		for _, p := range f.Patterns {
			re, err := regexp.Compile(p)
			if err != nil {
				return nil, eris.Wrapf(err, "model: field %q pattern %q", f.Name, p)
			}
			f.compiled = append(f.compiled, re)
		}
		r.byName[f.Name] = f
		if f.Required {
			r.required = append(r.required, f)
		}
	}
	return r, nil
}

// ByName returns the spec for the named field, or nil if not found.
func (r *FieldRegistry) ByName(name string) *FieldSpec {
	return r.byName[name]
}

// Required returns all required field specs.
func (r *FieldRegistry) Required() []*FieldSpec {
	return r.required
}

// Names returns all field names in sorted order.
func (r *FieldRegistry) Names() []string {
	names := make([]string, 0, len(r.Fields))
	for _, f := range r.Fields {
		names = append(names, f.Name)
	}
	sort.Strings(names)
	return names
}

// Specs returns pointers to the named specs, skipping unknown names.
func (r *FieldRegistry) Specs(names []string) []*FieldSpec {
	out := make([]*FieldSpec, 0, len(names))
	for _, n := range names {
		if f := r.byName[n]; f != nil {
			out = append(out, f)
		}
	}
	return out
}
