// Copyright 2024 QuiverDB
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package verr defines the error kinds raised by the execution engine.
// Every error that crosses an operator boundary is a *Error carrying a
// kind code and, once a driver has caught it, the id of the failing
// operator descriptor.
package verr

import (
	"errors"
	"fmt"
)

type Code int

const (
	// ErrInvariantViolation is contract misuse, e.g. AddInput called while
	// NeedsInput is false. Always a programming error, fatal to the task.
	ErrInvariantViolation Code = iota + 1
	// ErrResourceExhausted is a memory reservation failure with no spill
	// recourse. Fatal to the task.
	ErrResourceExhausted
	// ErrIO covers spill and exchange I/O failures. Exchange fetches retry
	// transient instances, spill writes never do.
	ErrIO
	// ErrData is a malformed input batch, e.g. a type mismatch in a join
	// key. Fatal, never silently dropped.
	ErrData
	// ErrTaskCancelled is reported by retrieval calls after Cancel.
	ErrTaskCancelled
)

func (c Code) String() string {
	switch c {
	case ErrInvariantViolation:
		return "invariant violation"
	case ErrResourceExhausted:
		return "resource exhausted"
	case ErrIO:
		return "io error"
	case ErrData:
		return "data error"
	case ErrTaskCancelled:
		return "task cancelled"
	}
	return fmt.Sprintf("unknown error code %d", int(c))
}

type Error struct {
	code      Code
	msg       string
	opID      int32
	transient bool
	cause     error
}

func (e *Error) Error() string {
	s := fmt.Sprintf("%s: %s", e.code, e.msg)
	if e.opID >= 0 {
		s = fmt.Sprintf("%s (operator %d)", s, e.opID)
	}
	if e.cause != nil {
		s = s + ": " + e.cause.Error()
	}
	return s
}

func (e *Error) Unwrap() error { return e.cause }

func (e *Error) Code() Code { return e.code }

// OperatorID returns the descriptor id of the failing operator, or -1 if
// the error has not passed through a driver yet.
func (e *Error) OperatorID() int32 { return e.opID }

func newError(code Code, format string, args ...any) *Error {
	return &Error{code: code, msg: fmt.Sprintf(format, args...), opID: -1}
}

func NewInvariantViolation(format string, args ...any) *Error {
	return newError(ErrInvariantViolation, format, args...)
}

func NewResourceExhausted(format string, args ...any) *Error {
	return newError(ErrResourceExhausted, format, args...)
}

func NewIOError(cause error, format string, args ...any) *Error {
	e := newError(ErrIO, format, args...)
	e.cause = cause
	return e
}

// NewTransientIOError marks an I/O failure as retryable. Only the exchange
// fetch path produces these.
func NewTransientIOError(cause error, format string, args ...any) *Error {
	e := NewIOError(cause, format, args...)
	e.transient = true
	return e
}

func NewDataError(format string, args ...any) *Error {
	return newError(ErrData, format, args...)
}

func NewTaskCancelled() *Error {
	return newError(ErrTaskCancelled, "task was cancelled")
}

// WithOperator attaches the failing operator's descriptor id. The first
// attachment wins; re-wrapping by an outer driver keeps the innermost id.
func WithOperator(err error, opID int32) error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) {
		if e.opID < 0 {
			e.opID = opID
		}
		return err
	}
	wrapped := newError(ErrInvariantViolation, "unclassified operator failure")
	wrapped.opID = opID
	wrapped.cause = err
	return wrapped
}

func CodeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.code
	}
	return 0
}

func IsInvariantViolation(err error) bool { return CodeOf(err) == ErrInvariantViolation }

func IsResourceExhausted(err error) bool { return CodeOf(err) == ErrResourceExhausted }

func IsIOError(err error) bool { return CodeOf(err) == ErrIO }

func IsDataError(err error) bool { return CodeOf(err) == ErrData }

func IsTaskCancelled(err error) bool { return CodeOf(err) == ErrTaskCancelled }

// IsTransient reports whether a failed exchange fetch may be retried with
// the same sequence number.
func IsTransient(err error) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.transient
	}
	return false
}
