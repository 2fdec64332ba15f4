package tier

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/extract-cli/internal/model"
)

func TestBuildPrompt(t *testing.T) {
	reg := spec(t, model.FieldSpec{Name: "patient_age", ValueType: model.ValueInteger, Description: "age at enrolment", MaxTier: model.TierExpensive})
	p := BuildPrompt(InferRequest{
		Text:         sampleText,
		Fields:       reg.Specs([]string{"patient_age"}),
		Instructions: "field patient_age was missing",
	})
	assert.Contains(t, p, "- patient_age (integer): age at enrolment")
	assert.Contains(t, p, "Reviewer notes:\nfield patient_age was missing")
	assert.Contains(t, p, "<document>\n"+sampleText+"\n</document>")
}

func TestParseAnswer(t *testing.T) {
	reg := spec(t,
		model.FieldSpec{Name: "patient_age", MaxTier: model.TierExpensive},
		model.FieldSpec{Name: "keywords", ValueType: model.ValueList, MaxTier: model.TierExpensive},
		model.FieldSpec{Name: "randomized", ValueType: model.ValueBoolean, MaxTier: model.TierExpensive},
		model.FieldSpec{Name: "sponsor", MaxTier: model.TierExpensive},
	)
	fields := reg.Specs([]string{"patient_age", "keywords", "randomized", "sponsor"})

	text := "```json\n" + `{
  "patient_age": {"value": 61, "quote": "Patient age 61", "confidence": 0.92},
  "keywords": {"value": ["oncology", "phase II"], "quote": "oncology phase II", "confidence": 1.4},
  "randomized": {"value": true, "quote": "randomized", "confidence": 0.8},
  "sponsor": {"value": null, "quote": "", "confidence": 0}
}` + "\n```"

	values, err := ParseAnswer(text, fields)
	require.NoError(t, err)
	require.Len(t, values, 3)
	assert.Equal(t, "61", values[0].RawValue)
	assert.Equal(t, "Patient age 61", values[0].SourceQuote)
	assert.Equal(t, "oncology; phase II", values[1].RawValue)
	assert.InDelta(t, 1.0, values[1].Confidence, 0)
	assert.Equal(t, "true", values[2].RawValue)
}

func TestParseAnswer_SingleField(t *testing.T) {
	reg := spec(t, model.FieldSpec{Name: "patient_age", MaxTier: model.TierExpensive})
	values, err := ParseAnswer(`Here: {"value":"61","quote":"Patient age 61","confidence":0.9}`, reg.Specs([]string{"patient_age"}))
	require.NoError(t, err)
	require.Len(t, values, 1)
	assert.Equal(t, "patient_age", values[0].FieldName)
	assert.Equal(t, "61", values[0].RawValue)

	values, err = ParseAnswer(`{"value":null,"quote":null,"confidence":0}`, reg.Specs([]string{"patient_age"}))
	require.NoError(t, err)
	assert.Empty(t, values)
}

func TestParseAnswer_Invalid(t *testing.T) {
	reg := spec(t, model.FieldSpec{Name: "patient_age", MaxTier: model.TierExpensive})
	_, err := ParseAnswer("I cannot answer", reg.Specs([]string{"patient_age"}))
	assert.Error(t, err)

	_, err = ParseAnswer("{not json}", reg.Specs([]string{"patient_age"}))
	assert.Error(t, err)
}
