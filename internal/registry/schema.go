// Package registry loads field schemas from YAML or JSON files.
package registry

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/sells-group/extract-cli/internal/model"
)

// schemaFile mirrors model.Schema with optional tier bounds so that an omitted
// max_tier can default to the top of the cascade.
type schemaFile struct {
	Version       int         `json:"version" yaml:"version"`
	PolicyVersion int         `json:"policy_version" yaml:"policy_version"`
	Fields        []fieldFile `json:"fields" yaml:"fields"`
}

type fieldFile struct {
	Name                string          `json:"name" yaml:"name"`
	ValueType           model.ValueType `json:"value_type" yaml:"value_type"`
	Required            bool            `json:"required" yaml:"required"`
	MinTier             *model.Tier     `json:"min_tier" yaml:"min_tier"`
	MaxTier             *model.Tier     `json:"max_tier" yaml:"max_tier"`
	ConfidenceThreshold float64         `json:"confidence_threshold" yaml:"confidence_threshold"`
	Importance          float64         `json:"importance" yaml:"importance"`
	Description         string          `json:"description" yaml:"description"`
	Patterns            []string        `json:"patterns" yaml:"patterns"`
}

// Option tunes schema loading.
type Option func(*options)

type options struct {
	defaultThreshold float64
}

// WithDefaultConfidenceThreshold sets the threshold given to fields that
// declare none.
func WithDefaultConfidenceThreshold(t float64) Option {
	return func(o *options) { o.defaultThreshold = t }
}

// LoadSchemaFile reads a schema from path. Files ending in .json are decoded
// as JSON, everything else as YAML.
func LoadSchemaFile(path string, opts ...Option) (*model.FieldRegistry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, eris.Wrap(err, "registry: read schema file")
	}

	format := "yaml"
	if strings.EqualFold(filepath.Ext(path), ".json") {
		format = "json"
	}
	return ParseSchema(data, format, opts...)
}

// ParseSchema decodes a schema document and builds a validated registry.
// Entries without a name are skipped with a warning; any other invalid entry
// fails the load.
func ParseSchema(data []byte, format string, opts ...Option) (*model.FieldRegistry, error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}

	var sf schemaFile
	switch format {
	case "json":
		if err := json.Unmarshal(data, &sf); err != nil {
			return nil, eris.Wrap(err, "registry: unmarshal json schema")
		}
	case "yaml", "yml":
		if err := yaml.Unmarshal(data, &sf); err != nil {
			return nil, eris.Wrap(err, "registry: unmarshal yaml schema")
		}
	default:
		return nil, eris.Errorf("registry: unsupported schema format %q", format)
	}

	if sf.Version <= 0 {
		return nil, eris.New("registry: schema version must be > 0")
	}

	schema := model.Schema{Version: sf.Version, PolicyVersion: sf.PolicyVersion}
	for i, ff := range sf.Fields {
		if strings.TrimSpace(ff.Name) == "" {
			zap.L().Warn("registry: skipping unnamed field", zap.Int("index", i))
			continue
		}
		spec := ff.spec()
		if spec.ConfidenceThreshold <= 0 && o.defaultThreshold > 0 {
			spec.ConfidenceThreshold = o.defaultThreshold
		}
		schema.Fields = append(schema.Fields, spec)
	}
	if len(schema.Fields) == 0 {
		return nil, eris.New("registry: schema has no fields")
	}

	reg, err := model.NewFieldRegistry(schema)
	if err != nil {
		return nil, eris.Wrap(err, "registry: build field registry")
	}

	zap.L().Info("registry: loaded schema",
		zap.Int("version", reg.Version),
		zap.Int("policy_version", reg.PolicyVersion),
		zap.Int("fields", len(reg.Fields)),
		zap.Int("required", len(reg.Required())),
	)
	return reg, nil
}

func (ff fieldFile) spec() model.FieldSpec {
	spec := model.FieldSpec{
		Name:                strings.TrimSpace(ff.Name),
		ValueType:           ff.ValueType,
		Required:            ff.Required,
		MinTier:             model.MinTier,
		MaxTier:             model.MaxTier,
		ConfidenceThreshold: ff.ConfidenceThreshold,
		Importance:          ff.Importance,
		Description:         ff.Description,
		Patterns:            ff.Patterns,
	}
	if ff.MinTier != nil {
		spec.MinTier = *ff.MinTier
	}
	if ff.MaxTier != nil {
		spec.MaxTier = *ff.MaxTier
	}
	return spec
}
