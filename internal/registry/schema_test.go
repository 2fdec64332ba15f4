package registry

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/extract-cli/internal/model"
)

const clinicalYAML = `
version: 2
policy_version: 1
fields:
  - name: doi
    required: true
    patterns:
      - 'DOI:\s*(10\.\S+)'
  - name: patient_age
    value_type: integer
    min_tier: local
    confidence_threshold: 0.8
    description: Age of the patient in years
  - name: trial_phase
    min_tier: cheap
    max_tier: expensive
  - name: ""
`

func TestParseSchema_YAML(t *testing.T) {
	reg, err := ParseSchema([]byte(clinicalYAML), "yaml")
	require.NoError(t, err)

	assert.Equal(t, 2, reg.Version)
	assert.Equal(t, 1, reg.PolicyVersion)
	assert.Len(t, reg.Fields, 3)

	doi := reg.ByName("doi")
	require.NotNil(t, doi)
	assert.Equal(t, model.TierDeterministic, doi.MinTier)
	assert.Equal(t, model.TierExpensive, doi.MaxTier)
	assert.Len(t, doi.CompiledPatterns(), 1)

	age := reg.ByName("patient_age")
	require.NotNil(t, age)
	assert.Equal(t, model.ValueInteger, age.ValueType)
	assert.Equal(t, model.TierLocal, age.MinTier)
	assert.Equal(t, model.TierExpensive, age.MaxTier)
	assert.InDelta(t, 0.8, age.ConfidenceThreshold, 0.001)

	phase := reg.ByName("trial_phase")
	require.NotNil(t, phase)
	assert.Equal(t, model.TierCheap, phase.MinTier)
}

func TestParseSchema_DeterministicOnly(t *testing.T) {
	reg, err := ParseSchema([]byte(`
version: 1
fields:
  - name: year
    max_tier: deterministic
`), "yaml")
	require.NoError(t, err)
	year := reg.ByName("year")
	require.NotNil(t, year)
	assert.Equal(t, model.TierDeterministic, year.MaxTier)
}

func TestParseSchema_Errors(t *testing.T) {
	tests := []struct {
		name   string
		data   string
		format string
	}{
		{"bad format", "{}", "toml"},
		{"bad yaml", "fields: [", "yaml"},
		{"no version", "fields:\n  - name: a\n", "yaml"},
		{"no fields", "version: 1\n", "yaml"},
		{"unknown tier", "version: 1\nfields:\n  - name: a\n    min_tier: premium\n", "yaml"},
		{"inverted tiers", "version: 1\nfields:\n  - name: a\n    min_tier: expensive\n    max_tier: local\n", "yaml"},
		{"duplicate", `{"version":1,"fields":[{"name":"a"},{"name":"a"}]}`, "json"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseSchema([]byte(tt.data), tt.format)
			assert.Error(t, err)
		})
	}
}

func TestLoadSchemaFile_JSON(t *testing.T) {
	path := filepath.Join(t.TempDir(), "schema.json")
	data := `{"version": 3, "fields": [{"name": "email", "min_tier": "deterministic", "max_tier": "local"}]}`
	require.NoError(t, os.WriteFile(path, []byte(data), 0o644))

	reg, err := LoadSchemaFile(path)
	require.NoError(t, err)
	assert.Equal(t, 3, reg.Version)
	assert.Equal(t, model.TierLocal, reg.ByName("email").MaxTier)
}

func TestLoadSchemaFile_Missing(t *testing.T) {
	_, err := LoadSchemaFile(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}

func TestParseSchema_DefaultThresholdOption(t *testing.T) {
	reg, err := ParseSchema([]byte(clinicalYAML), "yaml", WithDefaultConfidenceThreshold(0.7))
	require.NoError(t, err)

	assert.InDelta(t, 0.7, reg.ByName("doi").ConfidenceThreshold, 0.001)
	assert.InDelta(t, 0.8, reg.ByName("patient_age").ConfidenceThreshold, 0.001, "explicit threshold wins")
}

func TestLoadSchemaFile_RepoSchema(t *testing.T) {
	reg, err := LoadSchemaFile(filepath.Join("..", "..", "schema.yaml"))
	require.NoError(t, err)

	assert.Equal(t, 1, reg.Version)
	assert.Len(t, reg.Fields, 6)
	assert.ElementsMatch(t, []string{"doi", "diagnosis"}, fieldNames(reg.Required()))
	assert.Equal(t, model.ValueList, reg.ByName("interventions").ValueType)
	assert.Len(t, reg.ByName("trial_phase").CompiledPatterns(), 1)
}

func fieldNames(specs []*model.FieldSpec) []string {
	out := make([]string, 0, len(specs))
	for _, s := range specs {
		out = append(out, s.Name)
	}
	return out
}
