// Package cmn provides common low-level types and utilities shared across
// the resourcedl packages: tagged errors, config, logging glue, ids and
// hashing.
/*
 * Copyright (c) 2018-2020, NVIDIA CORPORATION. All rights reserved.
 */
package cmn

import (
	"fmt"

	"github.com/pkg/errors"
)

// Kind tags an error crossing a component boundary (§6, §7 of the spec).
// Tagging lets the resource manager decide whether a failure is retryable
// at the mirror level, retryable only within the last remaining mirror, or
// terminal - without string-matching error messages.
type Kind string

const (
	KindNoProcessorAvailable Kind = "no-processor-available"
	KindTransportFailure     Kind = "transport-failure"
	KindUnsupportedScheme    Kind = "unsupported-url-scheme"
	KindCacheWriteFailure    Kind = "cache-write-failure"
	KindCancelled            Kind = "cancelled"
	KindNoRecord             Kind = "no-record"
	KindAllMirrorsExhausted  Kind = "all-mirrors-exhausted"
)

// KindErr is the concrete error type carried across actor boundaries.
// The underlying cause (if any) is kept and exposed through Unwrap, so
// errors.As/errors.Is and ErrKind see through it. KindErr itself records
// no stack trace; a stack is only present where the cause or an outer
// Wrap carries one.
type KindErr struct {
	kind  Kind
	cause error
	msg   string
}

func (e *KindErr) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.kind, e.msg, e.cause)
	}
	if e.msg != "" {
		return fmt.Sprintf("%s: %s", e.kind, e.msg)
	}
	return string(e.kind)
}

func (e *KindErr) Unwrap() error { return e.cause }
func (e *KindErr) Kind() Kind    { return e.kind }

// Retryable reports whether the spec's §7 error-handling policy allows the
// mirror policy to advance to the next mirror (or re-attempt the last one)
// on this error, as opposed to surfacing it immediately as terminal.
func (e *KindErr) Retryable() bool {
	switch e.kind {
	case KindTransportFailure, KindCacheWriteFailure:
		return true
	default:
		return false
	}
}

func newKindErr(kind Kind, cause error, format string, args ...interface{}) *KindErr {
	return &KindErr{kind: kind, cause: cause, msg: fmt.Sprintf(format, args...)}
}

func NewNoProcessorAvailableError(id string) error {
	return newKindErr(KindNoProcessorAvailable, nil, "no processor can handle downloadable %q", id)
}

func NewTransportFailureError(cause error, link string) error {
	return newKindErr(KindTransportFailure, cause, "transport failure fetching %q", link)
}

func NewUnsupportedSchemeError(link string) error {
	return newKindErr(KindUnsupportedScheme, nil, "unsupported url scheme in %q", link)
}

func NewCacheWriteFailureError(cause error, id string) error {
	return newKindErr(KindCacheWriteFailure, cause, "failed to commit cache record for %q", id)
}

func NewCancelledError(id string) error {
	return newKindErr(KindCancelled, nil, "download of %q was cancelled", id)
}

func NewNoRecordError(id string) error {
	return newKindErr(KindNoRecord, nil, "no-record: %q not found at remote", id)
}

func NewAllMirrorsExhaustedError(id string, cause error) error {
	return newKindErr(KindAllMirrorsExhausted, cause, "all mirrors exhausted for %q", id)
}

// ErrKind extracts the Kind of err, walking the cause chain, returning ""
// if err does not carry one.
func ErrKind(err error) Kind {
	var ke *KindErr
	if errors.As(err, &ke) {
		return ke.Kind()
	}
	return ""
}

// IsRetryable mirrors KindErr.Retryable for errors that may have been
// wrapped by github.com/pkg/errors along the way.
func IsRetryable(err error) bool {
	var ke *KindErr
	if errors.As(err, &ke) {
		return ke.Retryable()
	}
	return false
}

// Wrap annotates err with a message, preserving the Kind chain, the way the
// teacher's cmn package leans on github.com/pkg/errors instead of inventing
// its own stack-capturing error type.
func Wrap(err error, format string, args ...interface{}) error {
	if err == nil {
		return nil
	}
	return errors.Wrapf(err, format, args...)
}

// Assert panics with the given message if cond is false. Used sparingly,
// the way the teacher uses cmn.Assert: to catch invariant violations that
// indicate a bug in this package, not caller misuse.
func Assert(cond bool, msg string) {
	if !cond {
		panic("assertion failed: " + msg)
	}
}
