package pipeline

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"unicode/utf8"

	"github.com/agext/levenshtein"
	"github.com/rotisserie/eris"
	"golang.org/x/text/unicode/norm"

	"github.com/sells-group/extract-cli/internal/model"
)

// Validation defaults.
const (
	DefaultAcceptThreshold = 0.9
	DefaultQuoteSimilarity = 0.9

	accuracyWeight    = 0.6
	consistencyWeight = 0.4

	// Confidence ceilings applied to values that fail a check.
	hallucinationCap = 0.3
	mismatchCap      = 0.3
	unquotedCap      = 0.5

	maxFuzzyComparisons = 512
)

// Score is the validator's document-level judgement.
type Score struct {
	Accuracy        float64
	Consistency     float64
	Overall         float64
	Issues          int
	MissingRequired []string
}

// Validator checks merged values against the source text.
type Validator struct {
	reg             *model.FieldRegistry
	acceptThreshold float64
	quoteSimilarity float64
}

// NewValidator creates a validator. Non-positive thresholds take defaults.
func NewValidator(reg *model.FieldRegistry, acceptThreshold, quoteSimilarity float64) *Validator {
	if acceptThreshold <= 0 {
		acceptThreshold = DefaultAcceptThreshold
	}
	if quoteSimilarity <= 0 {
		quoteSimilarity = DefaultQuoteSimilarity
	}
	return &Validator{reg: reg, acceptThreshold: acceptThreshold, quoteSimilarity: quoteSimilarity}
}

// AcceptThreshold returns the overall score a document needs to be accepted.
func (v *Validator) AcceptThreshold() float64 {
	return v.acceptThreshold
}

// Validate returns one verdict per schema field that is present or required,
// in registry order, and the weighted document score.
func (v *Validator) Validate(values map[string]model.FieldValue, source string) ([]model.ValidationVerdict, Score) {
	normSource := normalizeText(source)

	var verdicts []model.ValidationVerdict
	var score Score
	var weightSum, verifiedSum, confSum float64
	for i := range v.reg.Fields {
		spec := &v.reg.Fields[i]
		val, ok := values[spec.Name]
		if !ok || strings.TrimSpace(val.RawValue) == "" {
			if !spec.Required {
				continue
			}
			score.MissingRequired = append(score.MissingRequired, spec.Name)
			verdicts = append(verdicts, model.ValidationVerdict{
				FieldName: spec.Name,
				Notes:     "missing required field",
			})
			weightSum += spec.Weight()
			score.Issues++
			continue
		}

		verdict := v.check(spec, val, normSource)
		verdicts = append(verdicts, verdict)

		w := spec.Weight()
		weightSum += w
		confSum += w * verdict.Confidence
		if verdict.Verified {
			verifiedSum += w
		}
		if !verdict.Verified || val.NeedsReview {
			score.Issues++
		}
	}

	if weightSum > 0 {
		score.Accuracy = verifiedSum / weightSum
		score.Consistency = confSum / weightSum
		score.Overall = accuracyWeight*score.Accuracy + consistencyWeight*score.Consistency
	}
	return verdicts, score
}

func (v *Validator) check(spec *model.FieldSpec, val model.FieldValue, normSource string) model.ValidationVerdict {
	verdict := model.ValidationVerdict{
		FieldName:  spec.Name,
		Verified:   true,
		Confidence: val.Confidence,
	}

	canonical, err := checkType(spec.ValueType, val.RawValue)
	if err != nil {
		verdict.Verified = false
		verdict.Confidence = math.Min(verdict.Confidence, mismatchCap)
		verdict.Notes = err.Error()
		return verdict
	}
	if canonical != strings.TrimSpace(val.RawValue) {
		verdict.Correction = &canonical
	}

	quote := strings.TrimSpace(val.SourceQuote)
	switch {
	case quote != "":
		if !v.quoteFound(quote, normSource) {
			verdict.Verified = false
			verdict.Hallucination = true
			verdict.Confidence = math.Min(verdict.Confidence, hallucinationCap)
			verdict.Notes = fmt.Sprintf("%s: quote %q", ErrHallucinationDetected.Error(), truncate(quote, 80))
		}
	case val.Locked || val.TierUsed == model.TierDeterministic:
		if !strings.Contains(normSource, normalizeText(val.RawValue)) {
			verdict.Verified = false
			verdict.Confidence = math.Min(verdict.Confidence, hallucinationCap)
			verdict.Notes = "value not found in source"
		}
	default:
		verdict.Verified = false
		verdict.Confidence = math.Min(verdict.Confidence, unquotedCap)
		verdict.Notes = "no supporting quote"
	}

	if verdict.Verified && val.NeedsReview {
		verdict.Notes = "below confidence threshold after highest tier"
	}
	return verdict
}

// quoteFound reports whether quote occurs in the normalized source, exactly
// or as a window of words within the similarity threshold. Fuzzy candidates
// must be close in length to the quote and share at least half their words
// with it; at most maxFuzzyComparisons windows are scored.
func (v *Validator) quoteFound(quote, normSource string) bool {
	nq := normalizeText(quote)
	if nq == "" {
		return false
	}
	if strings.Contains(normSource, nq) {
		return true
	}

	qWords := strings.Fields(nq)
	words := strings.Fields(normSource)
	qn := len(qWords)
	if qn == 0 || len(words) == 0 {
		return false
	}

	vocab := make(map[string]struct{}, qn)
	for _, w := range qWords {
		vocab[w] = struct{}{}
	}
	// runeOffset[i] is the rune length of words[:i] joined without separators.
	runeOffset := make([]int, len(words)+1)
	shared := make([]int, len(words)+1)
	for i, w := range words {
		runeOffset[i+1] = runeOffset[i] + utf8.RuneCountInString(w)
		shared[i+1] = shared[i]
		if _, ok := vocab[w]; ok {
			shared[i+1]++
		}
	}

	ql := utf8.RuneCountInString(nq)
	slack := 1 - v.quoteSimilarity
	params := levenshtein.NewParams().MinScore(v.quoteSimilarity)
	compared := 0
	for size := max(qn-1, 1); size <= qn+1; size++ {
		for i := 0; i+size <= len(words); i++ {
			if 2*(shared[i+size]-shared[i]) < size {
				continue
			}
			wl := runeOffset[i+size] - runeOffset[i] + size - 1
			if float64(abs(wl-ql)) > slack*float64(max(wl, ql)) {
				continue
			}
			if compared >= maxFuzzyComparisons {
				return false
			}
			compared++
			window := strings.Join(words[i:i+size], " ")
			if levenshtein.Similarity(window, nq, params) >= v.quoteSimilarity {
				return true
			}
		}
	}
	return false
}

func abs(n int) int {
	if n < 0 {
		return -n
	}
	return n
}

// normalizeText applies NFKC, lowercases and collapses whitespace.
func normalizeText(s string) string {
	s = norm.NFKC.String(s)
	return strings.Join(strings.Fields(strings.ToLower(s)), " ")
}

// checkType reports whether raw parses as t and returns its canonical form:
// thousands separators dropped, whitespace trimmed, yes/no as true/false.
func checkType(t model.ValueType, raw string) (string, error) {
	trimmed := strings.TrimSpace(raw)
	canonical := trimmed
	var err error
	switch t {
	case model.ValueInteger:
		var n int64
		if n, err = strconv.ParseInt(strings.ReplaceAll(trimmed, ",", ""), 10, 64); err == nil {
			canonical = strconv.FormatInt(n, 10)
		}
	case model.ValueFloat:
		var f float64
		if f, err = strconv.ParseFloat(strings.ReplaceAll(trimmed, ",", ""), 64); err == nil {
			canonical = strconv.FormatFloat(f, 'f', -1, 64)
		}
	case model.ValueBoolean:
		switch strings.ToLower(trimmed) {
		case "yes", "y":
			canonical = "true"
		case "no", "n":
			canonical = "false"
		default:
			var b bool
			if b, err = strconv.ParseBool(trimmed); err == nil {
				canonical = strconv.FormatBool(b)
			}
		}
	}
	if err != nil {
		return "", eris.Wrapf(ErrSchemaMismatch, "%q is not %s", trimmed, t)
	}
	return canonical, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
