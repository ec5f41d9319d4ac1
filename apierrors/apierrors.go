// Package apierrors defines the domain error kinds shared by the key
// server and repo server cores, and the {code, description, cause?,
// errorId?} HTTP body shape the API routers translate them to (§7,
// grounded on notary's server/handlers error-response shape retrieved
// into other_examples).
package apierrors

import (
	"fmt"
	"net/http"

	"github.com/google/uuid"
	"github.com/pkg/errors"
)

// Kind names one of the fixed error categories a core operation can
// fail with, per §7.
type Kind string

const (
	MissingEntity            Kind = "MissingEntity"
	EntityAlreadyExists       Kind = "EntityAlreadyExists"
	KeysNotReady              Kind = "KeysNotReady"
	RoleKeyNotFound           Kind = "RoleKeyNotFound"
	InvalidVersionBump        Kind = "InvalidVersionBump"
	InvalidRootRole           Kind = "InvalidRootRole"
	PayloadSignatureInvalid   Kind = "PayloadSignatureInvalid"
	DelegationNotDefined      Kind = "DelegationNotDefined"
	PreconditionRequired      Kind = "PreconditionRequired"
	PreconditionFailed        Kind = "PreconditionFailed"
	PayloadTooLarge           Kind = "PayloadTooLarge"
	NoUriForUnmanagedTarget   Kind = "NoUriForUnmanagedTarget"
)

// httpStatus is the fixed mapping from Kind to response status, per §7.
var httpStatus = map[Kind]int{
	MissingEntity:           http.StatusNotFound,
	EntityAlreadyExists:     http.StatusConflict,
	KeysNotReady:            http.StatusFailedDependency,
	RoleKeyNotFound:         http.StatusPreconditionFailed,
	InvalidVersionBump:      http.StatusConflict,
	InvalidRootRole:         http.StatusBadRequest,
	PayloadSignatureInvalid: http.StatusBadRequest,
	DelegationNotDefined:    http.StatusBadRequest,
	PreconditionRequired:    http.StatusPreconditionRequired,
	PreconditionFailed:      http.StatusPreconditionFailed,
	PayloadTooLarge:         http.StatusRequestEntityTooLarge,
	NoUriForUnmanagedTarget: http.StatusNotFound,
}

// Error is a domain error carrying a Kind, an optional cause list (used
// by InvalidRootRole's per-check breach report), and an error ID for
// log correlation.
type Error struct {
	Kind        Kind
	Description string
	Causes      []string
	ErrorID     string
	wrapped     error
}

// New constructs an Error of kind with description, stamping a fresh
// correlation ID.
func New(kind Kind, description string) *Error {
	return &Error{Kind: kind, Description: description, ErrorID: uuid.NewString()}
}

// Wrap attaches kind to an underlying error, preserving it for
// errors.Is/As unwrapping through Unwrap.
func Wrap(kind Kind, err error, description string) *Error {
	e := New(kind, description)
	e.wrapped = err
	return e
}

// WithCauses attaches a breach-by-breach cause list, per InvalidRootRole.
func (e *Error) WithCauses(causes ...string) *Error {
	e.Causes = causes
	return e
}

func (e *Error) Error() string {
	if e.wrapped != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Description, e.wrapped)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Description)
}

// Unwrap lets errors.Is/errors.As see through to the wrapped cause.
func (e *Error) Unwrap() error { return e.wrapped }

// Is reports whether target is an *Error of the same Kind, so callers
// can write errors.Is(err, apierrors.New(apierrors.MissingEntity, "")).
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Kind == t.Kind
}

// HTTPStatus returns the fixed status code for kind.
func HTTPStatus(kind Kind) int {
	if s, ok := httpStatus[kind]; ok {
		return s
	}
	return http.StatusInternalServerError
}

// Body is the wire shape of an error response, matching notary's
// {code, description, cause?, errorId?} envelope used in notary's
// server/handlers error responses.
type Body struct {
	Code        string   `json:"code"`
	Description string   `json:"description"`
	Cause       []string `json:"cause,omitempty"`
	ErrorID     string   `json:"errorId,omitempty"`
}

// ToBody converts err to a wire Body and status code. Non-Error values
// are treated as opaque internal failures (5xx), matching §7's
// "transient DB errors bubble up as 5xx" propagation rule.
func ToBody(err error) (Body, int) {
	var ae *Error
	if errors.As(err, &ae) {
		return Body{
			Code:        string(ae.Kind),
			Description: ae.Description,
			Cause:       ae.Causes,
			ErrorID:     ae.ErrorID,
		}, HTTPStatus(ae.Kind)
	}
	return Body{Code: "Internal", Description: "internal error"}, http.StatusInternalServerError
}
