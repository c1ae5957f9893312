// Copyright 2025 Google LLC
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

package wire

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// ErrorCode is the protocol-level error taxonomy. Values are stable wire
// constants; do not reorder.
type ErrorCode uint8

const (
	ErrDoesNotExist ErrorCode = iota
	ErrInodeDoesNotExist
	ErrFileTooLarge
	ErrAccessDenied
	ErrOperationNotPermitted
	ErrAlreadyExists
	ErrNameTooLong
	ErrNotEmpty
	ErrMissingXattrKey
	ErrBadResponse
	ErrBadRequest
	ErrCorrupted
	ErrRaftFailure
	ErrInvalidXattrNamespace
	ErrUncategorized
)

func (c ErrorCode) String() string {
	switch c {
	case ErrDoesNotExist:
		return "DoesNotExist"
	case ErrInodeDoesNotExist:
		return "InodeDoesNotExist"
	case ErrFileTooLarge:
		return "FileTooLarge"
	case ErrAccessDenied:
		return "AccessDenied"
	case ErrOperationNotPermitted:
		return "OperationNotPermitted"
	case ErrAlreadyExists:
		return "AlreadyExists"
	case ErrNameTooLong:
		return "NameTooLong"
	case ErrNotEmpty:
		return "NotEmpty"
	case ErrMissingXattrKey:
		return "MissingXattrKey"
	case ErrBadResponse:
		return "BadResponse"
	case ErrBadRequest:
		return "BadRequest"
	case ErrCorrupted:
		return "Corrupted"
	case ErrRaftFailure:
		return "RaftFailure"
	case ErrInvalidXattrNamespace:
		return "InvalidXattrNamespace"
	case ErrUncategorized:
		return "Uncategorized"
	default:
		return fmt.Sprintf("ErrorCode(%d)", uint8(c))
	}
}

// Errno maps a protocol error code to the errno the facade should surface.
func (c ErrorCode) Errno() error {
	switch c {
	case ErrDoesNotExist, ErrInodeDoesNotExist:
		return unix.ENOENT
	case ErrFileTooLarge:
		return unix.EFBIG
	case ErrAccessDenied:
		return unix.EACCES
	case ErrOperationNotPermitted:
		return unix.EPERM
	case ErrAlreadyExists:
		return unix.EEXIST
	case ErrNameTooLong:
		return unix.ENAMETOOLONG
	case ErrNotEmpty:
		return unix.ENOTEMPTY
	case ErrMissingXattrKey:
		return unix.ENODATA
	case ErrInvalidXattrNamespace:
		return unix.ENOTSUP
	default:
		// BadRequest, BadResponse, Corrupted, RaftFailure, Uncategorized.
		return unix.EIO
	}
}

// Error couples a protocol error code with human-readable context. Servers
// send only the code on the wire; the context stays in local logs.
type Error struct {
	Code    ErrorCode
	Message string
}

func (e *Error) Error() string {
	if e.Message == "" {
		return e.Code.String()
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Errorf creates a protocol error with formatted context.
func Errorf(code ErrorCode, format string, args ...interface{}) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// CodeOf extracts the protocol code from err, or ErrUncategorized if err is
// not a protocol error.
func CodeOf(err error) ErrorCode {
	if err == nil {
		return ErrUncategorized
	}
	if we, ok := err.(*Error); ok {
		return we.Code
	}
	return ErrUncategorized
}
