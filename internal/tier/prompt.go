package tier

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/rotisserie/eris"

	"github.com/sells-group/extract-cli/internal/model"
)

// SystemPrompt instructs inference backends on the answer format.
const SystemPrompt = `You extract field values from a document. Answer only from the document text.
For every requested field return an object {"value": ..., "quote": ..., "confidence": ...} where
"quote" is copied verbatim from the document and supports the value, and "confidence" is a number
between 0 and 1. Use null for "value" when the document does not state the field. Do not guess.
Respond with a single JSON object keyed by field name and nothing else.`

// BuildPrompt renders the user message for an inference call.
func BuildPrompt(req InferRequest) string {
	var b strings.Builder
	b.WriteString("Fields:\n")
	for _, f := range req.Fields {
		fmt.Fprintf(&b, "- %s (%s)", f.Name, f.ValueType)
		if f.Description != "" {
			fmt.Fprintf(&b, ": %s", f.Description)
		}
		b.WriteString("\n")
	}
	if req.Instructions != "" {
		b.WriteString("\nReviewer notes:\n")
		b.WriteString(req.Instructions)
		b.WriteString("\n")
	}
	b.WriteString("\nDocument:\n<document>\n")
	b.WriteString(req.Text)
	b.WriteString("\n</document>\n")
	return b.String()
}

type answer struct {
	Value      any     `json:"value"`
	Quote      string  `json:"quote"`
	Confidence float64 `json:"confidence"`
}

// ParseAnswer decodes a model reply into field values. The reply is either
// an object keyed by field name or, for a single requested field, a bare
// {"value","quote","confidence"} object. Code fences and surrounding prose
// are ignored. Fields answered with null are omitted.
func ParseAnswer(text string, fields []*model.FieldSpec) ([]model.FieldValue, error) {
	start := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")
	if start < 0 || end <= start {
		return nil, eris.New("tier: answer contains no JSON object")
	}
	raw := []byte(text[start : end+1])

	answers := map[string]answer{}
	var shape map[string]json.RawMessage
	if err := json.Unmarshal(raw, &shape); err != nil {
		return nil, eris.Wrap(err, "tier: decode answer")
	}
	if _, single := shape["value"]; single && len(fields) == 1 {
		var a answer
		if err := json.Unmarshal(raw, &a); err != nil {
			return nil, eris.Wrap(err, "tier: decode answer")
		}
		answers[fields[0].Name] = a
	} else {
		for _, f := range fields {
			msg, ok := shape[f.Name]
			if !ok {
				continue
			}
			var a answer
			if err := json.Unmarshal(msg, &a); err != nil {
				return nil, eris.Wrapf(err, "tier: decode answer for %s", f.Name)
			}
			answers[f.Name] = a
		}
	}

	var out []model.FieldValue
	for _, f := range fields {
		a, ok := answers[f.Name]
		if !ok {
			continue
		}
		value := stringify(a.Value)
		if value == "" {
			continue
		}
		out = append(out, model.FieldValue{
			FieldName:   f.Name,
			RawValue:    value,
			Confidence:  clamp01(a.Confidence),
			SourceQuote: strings.TrimSpace(a.Quote),
		})
	}
	return out, nil
}

func stringify(v any) string {
	switch x := v.(type) {
	case nil:
		return ""
	case string:
		return strings.TrimSpace(x)
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(x)
	case []any:
		parts := make([]string, 0, len(x))
		for _, item := range x {
			if s := stringify(item); s != "" {
				parts = append(parts, s)
			}
		}
		return strings.Join(parts, "; ")
	default:
		b, _ := json.Marshal(x)
		return string(b)
	}
}

func clamp01(f float64) float64 {
	switch {
	case f < 0:
		return 0
	case f > 1:
		return 1
	default:
		return f
	}
}
