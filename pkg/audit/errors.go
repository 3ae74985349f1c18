// SPDX-FileCopyrightText: 2024 Deutsche Telekom AG
//
// SPDX-License-Identifier: Apache-2.0

package audit

import (
	"errors"
	"fmt"
)

// ErrorKind classifies handler failures.
type ErrorKind string

const (
	// KindConfiguration is an invalid configuration; configuring aborts.
	KindConfiguration ErrorKind = "configuration"
	// KindSchema is a topic without a usable field schema.
	KindSchema ErrorKind = "schema"
	// KindBadRequest is an event that could not be persisted.
	KindBadRequest ErrorKind = "bad_request"
	// KindNotFound is an unknown topic or event.
	KindNotFound ErrorKind = "not_found"
	// KindInternal is an unexpected failure, e.g. an unreadable log.
	KindInternal ErrorKind = "internal"
	// KindShutdown is a failure to flush or close logs on shutdown or reconfiguration.
	KindShutdown ErrorKind = "shutdown"
)

// Error is the error type returned by Service operations.
type Error struct {
	Kind    ErrorKind
	Topic   string
	Message string
	Err     error
}

func (e *Error) Error() string {
	msg := e.Message
	if e.Topic != "" {
		msg = fmt.Sprintf("topic %s: %s", e.Topic, msg)
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches any *Error of the same kind, so errors.Is(err, ErrNotFound)
// holds for every not-found error.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Kind == t.Kind
}

// Sentinel errors for errors.Is checks.
var (
	ErrConfiguration = &Error{Kind: KindConfiguration, Message: "invalid configuration"}
	ErrBadRequest    = &Error{Kind: KindBadRequest, Message: "bad request"}
	ErrNotFound      = &Error{Kind: KindNotFound, Message: "not found"}
	ErrShutdown      = &Error{Kind: KindShutdown, Message: "shutdown failed"}
)

// ErrWriterClosed is returned when writing to a closed writer.
var ErrWriterClosed = errors.New("writer is closed")

func newError(kind ErrorKind, topic, message string, err error) *Error {
	return &Error{Kind: kind, Topic: topic, Message: message, Err: err}
}

// KindOf returns the kind of err, or KindInternal when err is not an *Error.
func KindOf(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// IsConfigurationError reports whether err rejects a handler configuration.
func IsConfigurationError(err error) bool { return errors.Is(err, ErrConfiguration) }

// IsBadRequest reports whether err rejects a caller supplied event or query.
func IsBadRequest(err error) bool { return errors.Is(err, ErrBadRequest) }

// IsNotFound reports whether err names an unknown topic or event.
func IsNotFound(err error) bool { return errors.Is(err, ErrNotFound) }

// IsShutdownError reports whether err comes from closing the audit logs.
func IsShutdownError(err error) bool { return errors.Is(err, ErrShutdown) }
