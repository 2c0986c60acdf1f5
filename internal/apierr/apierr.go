// Package apierr defines the typed error kinds surfaced across the
// service (spec §7) and the HTTP status each maps to. Components return
// these instead of raw strings so internal/api's error handler can map
// them uniformly, the way the teacher's cloudapi/v2 maps its own
// ServiceError values.
package apierr

import (
	"fmt"
	"net/http"
)

// Kind is one of the named error kinds of spec §7.
type Kind string

const (
	InvalidRequest    Kind = "InvalidRequest"
	UnknownDistro     Kind = "UnknownDistro"
	UnknownRelease    Kind = "UnknownRelease"
	UnknownTarget     Kind = "UnknownTarget"
	UnsupportedTarget Kind = "UnsupportedTarget"
	UnknownPackage    Kind = "UnknownPackage"
	UnknownProfile    Kind = "UnknownProfile"
	NotReady          Kind = "NotReady"
	BuildFailure      Kind = "BuildFailure"
	ImageSizeFailure  Kind = "ImageSizeFailure"
	SigningFailure    Kind = "SigningFailure"
	ProvisionError    Kind = "ProvisionError"
	SignatureMismatch Kind = "SignatureMismatch"
)

// status gives each Kind the HTTP status spec §7 assigns it. NotReady is
// 201 (the client must poll), everything else that reaches HTTP is 400;
// BuildFailure/ImageSizeFailure/SigningFailure/ProvisionError are
// worker-side terminal states and have no direct HTTP mapping of their
// own, but a status is still defined so a diagnostic endpoint reporting
// them has something sane to return.
var status = map[Kind]int{
	InvalidRequest:    http.StatusBadRequest,
	UnknownDistro:     http.StatusBadRequest,
	UnknownRelease:    http.StatusBadRequest,
	UnknownTarget:     http.StatusBadRequest,
	UnsupportedTarget: http.StatusBadRequest,
	UnknownPackage:    http.StatusBadRequest,
	UnknownProfile:    http.StatusBadRequest,
	NotReady:          http.StatusCreated,
	BuildFailure:      http.StatusInternalServerError,
	ImageSizeFailure:  http.StatusInternalServerError,
	SigningFailure:    http.StatusInternalServerError,
	ProvisionError:    http.StatusInternalServerError,
	SignatureMismatch: http.StatusBadRequest,
}

// Error is a typed, user-facing service error.
type Error struct {
	Kind    Kind
	Message string
}

func (e *Error) Error() string {
	if e.Message == "" {
		return string(e.Kind)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Status returns the HTTP status this error's Kind maps to.
func (e *Error) Status() int {
	if st, ok := status[e.Kind]; ok {
		return st
	}
	return http.StatusInternalServerError
}

// New builds an *Error with the given kind and formatted message.
func New(kind Kind, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}
