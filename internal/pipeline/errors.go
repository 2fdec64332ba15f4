package pipeline

import "github.com/rotisserie/eris"

var (
	// ErrSchemaMismatch marks a value that does not parse as its field's
	// declared type. It affects that field only.
	ErrSchemaMismatch = eris.New("pipeline: value does not match field type")

	// ErrHallucinationDetected marks a value whose source quote does not
	// appear in the document.
	ErrHallucinationDetected = eris.New("pipeline: source quote not found in document")

	// ErrOutOfOrder is returned when a merge would apply an older iteration
	// after a newer one.
	ErrOutOfOrder = eris.New("pipeline: attempt is older than the last merged iteration")
)
