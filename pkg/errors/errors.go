package errors

import (
	stdErrors "errors"
	"fmt"
)

type Code string

const (
	CodeValidation       Code = "VALIDATION_ERROR"
	CodeMalformedPayload Code = "MALFORMED_PAYLOAD"
	CodeSchemaMismatch   Code = "SCHEMA_MISMATCH"
	CodeUnroutable       Code = "UNROUTABLE_EVENT"
	CodeBusinessRule     Code = "BUSINESS_RULE_REJECTED"
	CodeTimeout          Code = "TIMEOUT"
	CodeConnection       Code = "CONNECTION_ERROR"
	CodeDependency       Code = "DEPENDENCY_UNAVAILABLE"
	CodeInternal         Code = "INTERNAL_ERROR"
)

// Class determines what the consumer does with a failed handler invocation:
// permanent failures are recorded in the dedup store and acknowledged,
// transient failures are left unacknowledged for redelivery.
type Class string

const (
	ClassPermanent Class = "permanent"
	ClassTransient Class = "transient"
)

type Metadata struct {
	Class          Class
	Retryable      bool
	PublicMessage  string
	DetailsAllowed bool
}

var metadataByCode = map[Code]Metadata{
	CodeValidation: {
		Class:          ClassPermanent,
		Retryable:      false,
		PublicMessage:  "validation failed",
		DetailsAllowed: true,
	},
	CodeMalformedPayload: {
		Class:          ClassPermanent,
		Retryable:      false,
		PublicMessage:  "payload could not be decoded",
		DetailsAllowed: true,
	},
	CodeSchemaMismatch: {
		Class:          ClassPermanent,
		Retryable:      false,
		PublicMessage:  "payload schema mismatch",
		DetailsAllowed: true,
	},
	CodeUnroutable: {
		Class:          ClassPermanent,
		Retryable:      false,
		PublicMessage:  "no handler registered for event type",
		DetailsAllowed: true,
	},
	CodeBusinessRule: {
		Class:          ClassPermanent,
		Retryable:      false,
		PublicMessage:  "business rule rejected the event",
		DetailsAllowed: true,
	},
	CodeTimeout: {
		Class:          ClassTransient,
		Retryable:      true,
		PublicMessage:  "operation timed out",
		DetailsAllowed: false,
	},
	CodeConnection: {
		Class:          ClassTransient,
		Retryable:      true,
		PublicMessage:  "connection failed",
		DetailsAllowed: false,
	},
	CodeDependency: {
		Class:          ClassTransient,
		Retryable:      true,
		PublicMessage:  "dependency unavailable",
		DetailsAllowed: true,
	},
	CodeInternal: {
		Class:          ClassTransient,
		Retryable:      true,
		PublicMessage:  "internal error",
		DetailsAllowed: false,
	},
}

func MetadataFor(code Code) Metadata {
	if meta, ok := metadataByCode[code]; ok {
		return meta
	}
	return metadataByCode[CodeInternal]
}

// ClassOf classifies an arbitrary handler error. Errors without a typed code
// classify as transient so an unannotated bug never lands in the audit trail
// as a terminal failure.
func ClassOf(err error) Class {
	if typed := As(err); typed != nil {
		return MetadataFor(typed.Code()).Class
	}
	return ClassTransient
}

// IsPermanent reports whether the error should be terminally recorded and
// never retried.
func IsPermanent(err error) bool {
	return ClassOf(err) == ClassPermanent
}

type Error struct {
	code    Code
	message string
	details any
	cause   error
}

func New(code Code, message string) *Error {
	return &Error{code: code, message: message}
}

func Wrap(code Code, err error, message string) *Error {
	if err == nil {
		return New(code, message)
	}
	return &Error{code: code, message: message, cause: err}
}

func (e *Error) Code() Code {
	if e == nil {
		return CodeInternal
	}
	return e.code
}

func (e *Error) Message() string {
	if e == nil {
		return ""
	}
	return e.message
}

func (e *Error) Details() any {
	if e == nil {
		return nil
	}
	return e.details
}

func (e *Error) WithDetails(details any) *Error {
	if e == nil {
		return nil
	}
	e.details = details
	return e
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("%s: %s", e.code, e.message)
}

func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.cause
}

func As(err error) *Error {
	if err == nil {
		return nil
	}
	var typed *Error
	if stdErrors.As(err, &typed) {
		return typed
	}
	return nil
}
