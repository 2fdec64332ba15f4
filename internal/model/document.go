package model

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"time"
)

// Document is one unit of input supplied by the document source. The core
// never parses raw files; Text is already extracted.
type Document struct {
	ID       string            `json:"id"`
	Text     string            `json:"text"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// Fingerprint is a stable content hash identifying a document for caching.
type Fingerprint string

// FingerprintOf hashes the document text. Runs of whitespace are collapsed
// first so that re-flowed copies of the same document share cache entries.
func FingerprintOf(text string) Fingerprint {
	normalized := strings.Join(strings.Fields(text), " ")
	sum := sha256.Sum256([]byte(normalized))
	return Fingerprint(hex.EncodeToString(sum[:]))
}

// Short returns an abbreviated form for logging.
func (f Fingerprint) Short() string {
	if len(f) > 12 {
		return string(f[:12])
	}
	return string(f)
}

// FieldValue is one extracted value. Values are never edited in place; a new
// FieldValue replaces an old one.
type FieldValue struct {
	FieldName   string  `json:"field_name"`
	RawValue    string  `json:"raw_value"`
	Confidence  float64 `json:"confidence"`
	SourceQuote string  `json:"source_quote,omitempty"`
	TierUsed    Tier    `json:"tier_used"`
	Locked      bool    `json:"locked"`
	NeedsReview bool    `json:"needs_review,omitempty"`
}

// WithConfidence returns a copy of v carrying confidence c.
func (v FieldValue) WithConfidence(c float64) FieldValue {
	v.Confidence = c
	return v
}

// ExtractionAttempt is one cascade pass over one document.
type ExtractionAttempt struct {
	Fingerprint     Fingerprint           `json:"fingerprint"`
	SchemaVersion   int                   `json:"schema_version"`
	FieldValues     map[string]FieldValue `json:"field_values"`
	IterationNumber int                   `json:"iteration_number"`
	StartedAt       time.Time             `json:"started_at"`
	Duration        time.Duration         `json:"duration"`
	CacheHits       int                   `json:"cache_hits"`
	BackendCalls    int                   `json:"backend_calls"`
	Cost            float64               `json:"cost"`
	Errors          map[string]string     `json:"errors,omitempty"`
}

// CacheKey identifies one cached field value. An entry is valid only while
// both versions match the active schema.
type CacheKey struct {
	Fingerprint   Fingerprint `json:"fingerprint"`
	FieldName     string      `json:"field_name"`
	SchemaVersion int         `json:"schema_version"`
	PolicyVersion int         `json:"policy_version"`
}

// Key returns the entry's cache key.
func (e CacheEntry) Key() CacheKey {
	return CacheKey{
		Fingerprint:   e.Fingerprint,
		FieldName:     e.FieldName,
		SchemaVersion: e.SchemaVersion,
		PolicyVersion: e.PolicyVersion,
	}
}

// CacheEntry is one persisted cache record.
type CacheEntry struct {
	Fingerprint   Fingerprint `json:"fingerprint"`
	FieldName     string      `json:"field_name"`
	SchemaVersion int         `json:"schema_version"`
	PolicyVersion int         `json:"policy_version"`
	Value         FieldValue  `json:"value"`
	TierUsed      Tier        `json:"tier_used"`
	WrittenAt     time.Time   `json:"written_at"`
}
