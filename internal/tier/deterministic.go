package tier

import (
	"context"
	"regexp"
	"strings"

	"github.com/sells-group/extract-cli/internal/model"
)

// DeterministicConfidence is the confidence of every pattern match.
const DeterministicConfidence = 0.95

// builtinPatterns apply to fields that declare no patterns of their own,
// keyed by field name or by the last underscore-separated part of it.
var builtinPatterns = map[string][]*regexp.Regexp{
	"doi": {
		regexp.MustCompile(`(?i)\bdoi:?\s*(10\.\d+/[^\s"<>]+)`),
		regexp.MustCompile(`\b(10\.\d{4,9}/[^\s"<>]+)`),
	},
	"year": {
		regexp.MustCompile(`(?i)\b(?:published|publication year|year)[:\s]+((?:19|20)\d{2})\b`),
	},
	"age": {
		regexp.MustCompile(`(?i)\bage[d:]?\s*(\d{1,3})\b`),
		regexp.MustCompile(`(?i)\b(\d{1,3})[- ]years?[- ]old\b`),
	},
	"email": {
		regexp.MustCompile(`\b([A-Za-z0-9._%+\-]+@[A-Za-z0-9.\-]+\.[A-Za-z]{2,})\b`),
	},
	"url": {
		regexp.MustCompile(`\b(https?://[^\s<>"]+)`),
	},
	"isbn": {
		regexp.MustCompile(`(?i)\bisbn(?:-1[03])?:?\s*([0-9][0-9\- ]{8,16}[0-9Xx])\b`),
	},
	"pmid": {
		regexp.MustCompile(`(?i)\bpmid:?\s*(\d{5,9})\b`),
	},
}

// Deterministic resolves fields by regular expression. It performs no I/O
// and returns the same answer for the same input.
type Deterministic struct {
	builtins map[string][]*regexp.Regexp
}

// NewDeterministic creates the pattern backend with the built-in rules.
func NewDeterministic() *Deterministic {
	return &Deterministic{builtins: builtinPatterns}
}

func (d *Deterministic) Tier() model.Tier { return model.TierDeterministic }

// Billable is always false; pattern matching performs no I/O.
func (d *Deterministic) Billable() bool { return false }

// Patterns returns the expressions tried for spec, own patterns first.
func (d *Deterministic) Patterns(spec *model.FieldSpec) []*regexp.Regexp {
	if own := spec.CompiledPatterns(); len(own) > 0 {
		return own
	}
	if p, ok := d.builtins[strings.ToLower(spec.Name)]; ok {
		return p
	}
	if i := strings.LastIndex(spec.Name, "_"); i >= 0 {
		return d.builtins[strings.ToLower(spec.Name[i+1:])]
	}
	return nil
}

func (d *Deterministic) Extract(ctx context.Context, req Request) (Result, error) {
	if err := ctx.Err(); err != nil {
		return Result{}, err
	}
	for _, re := range d.Patterns(req.Field) {
		m := re.FindStringSubmatchIndex(req.Text)
		if m == nil {
			continue
		}
		value := req.Text[m[0]:m[1]]
		if len(m) >= 4 && m[2] >= 0 {
			value = req.Text[m[2]:m[3]]
		}
		value = trimValue(value)
		if value == "" {
			continue
		}
		return Result{Value: model.FieldValue{
			FieldName:   req.Field.Name,
			RawValue:    value,
			Confidence:  DeterministicConfidence,
			SourceQuote: strings.TrimSpace(req.Text[m[0]:m[1]]),
			TierUsed:    model.TierDeterministic,
		}}, nil
	}
	return Result{}, ErrUnresolved
}

func trimValue(s string) string {
	return strings.TrimRight(strings.TrimSpace(s), ".,;:)]}'\"")
}
