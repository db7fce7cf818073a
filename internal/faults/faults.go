// Package faults defines the structured error shared by every store adapter
// and the decision engine. Consumers branch on Code, never on message text.
package faults

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

type Code string

const (
	CodeValidation         Code = "VALIDATION_FAILED"
	CodeDuplicateEvent     Code = "DUPLICATE_EVENT"
	CodeEventNotFound      Code = "EVENT_NOT_FOUND"
	CodeReadFailed         Code = "READ_FAILED"
	CodeWriteFailed        Code = "WRITE_FAILED"
	CodeIncrementFailed    Code = "INCREMENT_FAILED"
	CodeNonceNotFound      Code = "NONCE_NOT_FOUND"
	CodeNonceRotateFailed  Code = "NONCE_ROTATE_FAILED"
	CodeConsentNotFound    Code = "CONSENT_NOT_FOUND"
	CodeInsufficientK      Code = "INSUFFICIENT_K_ANONYMITY"
	CodeUnsupportedBackend Code = "UNSUPPORTED_BACKEND"
)

type Error struct {
	Name    string         `json:"name"`
	Code    Code           `json:"code"`
	Message string         `json:"message,omitempty"`
	Context map[string]any `json:"context,omitempty"`
	Cause   error          `json:"-"`
}

func New(name string, code Code, msg string) *Error {
	return &Error{Name: name, Code: code, Message: msg}
}

func Wrap(name string, code Code, cause error, msg string) *Error {
	return &Error{Name: name, Code: code, Message: msg, Cause: cause}
}

// With adds a context key and returns the same error for chaining.
func (e *Error) With(key string, value any) *Error {
	if e.Context == nil {
		e.Context = make(map[string]any)
	}
	e.Context[key] = value
	return e
}

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString(e.Name)
	b.WriteString(" [")
	b.WriteString(string(e.Code))
	b.WriteString("]")
	if e.Message != "" {
		b.WriteString(": ")
		b.WriteString(e.Message)
	}
	if len(e.Context) > 0 {
		keys := make([]string, 0, len(e.Context))
		for k := range e.Context {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			fmt.Fprintf(&b, " %s=%v", k, e.Context[k])
		}
	}
	if e.Cause != nil {
		b.WriteString(": ")
		b.WriteString(e.Cause.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// Is matches on code so errors.Is(err, &Error{Code: X}) works as a code test.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Code != "" && t.Code == e.Code
}

// CodeOf returns the code of the first *Error in err's chain, or "".
func CodeOf(err error) Code {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Code
	}
	return ""
}

func HasCode(err error, code Code) bool {
	return err != nil && CodeOf(err) == code
}
