package extract

import (
	"fmt"

	"github.com/warp/estate-reconciler/reconcile"
)

// Kind classifies an extraction failure.
type Kind string

const (
	// KindNotRecognized: the email is not a bank notification we know.
	KindNotRecognized Kind = "not_recognized"

	// KindMalformed: the template matched but a required field did not parse.
	KindMalformed Kind = "malformed"
)

// ExtractionError is returned when an email yields no transaction.
// It unwraps to reconcile.ErrUnrecognizedEmail or reconcile.ErrMalformedEmail.
type ExtractionError struct {
	Kind      Kind
	MessageID string
	Field     string
	Reason    string
}

func (e *ExtractionError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("extract %s: %s: field %s: %s", e.MessageID, e.Kind, e.Field, e.Reason)
	}
	return fmt.Sprintf("extract %s: %s: %s", e.MessageID, e.Kind, e.Reason)
}

func (e *ExtractionError) Unwrap() error {
	if e.Kind == KindMalformed {
		return reconcile.ErrMalformedEmail
	}
	return reconcile.ErrUnrecognizedEmail
}

func notRecognized(messageID, reason string) *ExtractionError {
	return &ExtractionError{Kind: KindNotRecognized, MessageID: messageID, Reason: reason}
}

func malformed(messageID, field string, err error) *ExtractionError {
	return &ExtractionError{Kind: KindMalformed, MessageID: messageID, Field: field, Reason: err.Error()}
}
