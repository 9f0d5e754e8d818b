// Copyright 2021 The gVisor Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package errors holds the standardized error definition shared by the kernel
// and the pager. Every error that crosses the queue boundary is reduced to a
// Code first.
package errors

import (
	stderrors "errors"
	"fmt"
)

// Code classifies an error for transport in a completion message.
type Code uint32

// Codes. The numeric values travel on the wire and must not change.
const (
	// CodeOK is the absence of an error.
	CodeOK Code = iota
	// CodeUnknown is any error that is not otherwise classified.
	CodeUnknown
	// CodeNoSuchObject means the object does not exist.
	CodeNoSuchObject
	// CodeInvalid means a malformed request or argument.
	CodeInvalid
	// CodeIO means the storage device failed.
	CodeIO
	// CodeNoMemory means no physical memory could be allocated.
	CodeNoMemory
	// CodeShutdown means the component is shutting down.
	CodeShutdown
	// CodeNotSupported means the operation is not implemented.
	CodeNotSupported
	// CodeFault means an access to an unmapped or protected address.
	CodeFault
)

var codeNames = map[Code]string{
	CodeOK:           "ok",
	CodeUnknown:      "unknown error",
	CodeNoSuchObject: "no such object",
	CodeInvalid:      "invalid argument",
	CodeIO:           "I/O error",
	CodeNoMemory:     "out of memory",
	CodeShutdown:     "shutting down",
	CodeNotSupported: "not supported",
	CodeFault:        "bad address",
}

// String implements fmt.Stringer.
func (c Code) String() string {
	if s, ok := codeNames[c]; ok {
		return s
	}
	return fmt.Sprintf("Code(%d)", uint32(c))
}

// Error represents a classified error with a descriptive message.
type Error struct {
	code    Code
	message string
}

// New creates a new *Error.
func New(code Code, message string) *Error {
	return &Error{
		code:    code,
		message: message,
	}
}

// Newf creates a new *Error with a formatted message.
func Newf(code Code, format string, v ...any) *Error {
	return New(code, fmt.Sprintf(format, v...))
}

// Error implements error.Error.
func (e *Error) Error() string { return e.message }

// Code returns the underlying Code value.
func (e *Error) Code() Code { return e.code }

// Is implements errors.Is: two *Error values match when their codes do, so
// callers can test against the exported sentinels regardless of message.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.code == e.code
}

// Sentinels for each code, usable with errors.Is.
var (
	ErrNoSuchObject = New(CodeNoSuchObject, "no such object")
	ErrInvalid      = New(CodeInvalid, "invalid argument")
	ErrIO           = New(CodeIO, "I/O error")
	ErrNoMemory     = New(CodeNoMemory, "out of memory")
	ErrShutdown     = New(CodeShutdown, "shutting down")
	ErrNotSupported = New(CodeNotSupported, "not supported")
	ErrFault        = New(CodeFault, "bad address")
)

// CodeOf returns the Code of the first *Error in err's chain, CodeOK for a nil
// error and CodeUnknown for anything else.
func CodeOf(err error) Code {
	if err == nil {
		return CodeOK
	}
	var e *Error
	if stderrors.As(err, &e) {
		return e.code
	}
	return CodeUnknown
}

// FromCode returns the sentinel error for c, or nil for CodeOK.
func FromCode(c Code) error {
	switch c {
	case CodeOK:
		return nil
	case CodeNoSuchObject:
		return ErrNoSuchObject
	case CodeInvalid:
		return ErrInvalid
	case CodeIO:
		return ErrIO
	case CodeNoMemory:
		return ErrNoMemory
	case CodeShutdown:
		return ErrShutdown
	case CodeNotSupported:
		return ErrNotSupported
	case CodeFault:
		return ErrFault
	}
	return New(c, c.String())
}
