// Copyright (c) 2015-2021, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

// Package blunder provides error-handling wrappers for the LFSCK engine.
//
// Errors carry an errno value (from golang.org/x/sys/unix where a POSIX errno
// fits, or an LFSCK-specific value otherwise) attached with the ansel1/merry
// package:
//   https://github.com/ansel1/merry
//
// merry also records a stacktrace at the point the error is created, which is
// available via Details() and Stacktrace().
//
// The engine classifies every per-object outcome by errno:
//  - NotFoundError, NoDataError: transient, absorbed by the caller
//  - CorruptLinkEAError, CorruptStateError: corruption, triggers repair
//  - IOError, TryAgainError, OutOfMemoryError, OutOfRangeError: resource or
//    transaction failure, recorded via the failure path
//  - NoDeviceError: peer coordination failure, marks the run INCOMPLETE
package blunder

import (
	"fmt"

	"github.com/ansel1/merry"
	"golang.org/x/sys/unix"

	"github.com/NVIDIA/lfsck/logger"
)

// FsError is an errno-style error value.
//
// NOTE: unix.Errno is used for the POSIX values because they are errno constants
//       that exist in Go-land. We need to cast them to an int to get the value.
//
type FsError int

const (
	// Errors that map to linux/POSIX errnos as defined in errno.h
	//
	NotPermError        FsError = FsError(int(unix.EPERM))        // Operation not permitted
	NotFoundError       FsError = FsError(int(unix.ENOENT))       // No such file or directory
	IOError             FsError = FsError(int(unix.EIO))          // I/O error
	NoDeviceOrAddrError FsError = FsError(int(unix.ENXIO))        // No such device or address
	TryAgainError       FsError = FsError(int(unix.EAGAIN))       // Try again
	OutOfMemoryError    FsError = FsError(int(unix.ENOMEM))       // Out of memory
	DevBusyError        FsError = FsError(int(unix.EBUSY))        // Device or resource busy
	FileExistsError     FsError = FsError(int(unix.EEXIST))       // File exists
	NoDeviceError       FsError = FsError(int(unix.ENODEV))       // No such device
	NotDirError         FsError = FsError(int(unix.ENOTDIR))      // Not a directory
	InvalidArgError     FsError = FsError(int(unix.EINVAL))       // Invalid argument
	OutOfRangeError     FsError = FsError(int(unix.ERANGE))       // Math result not representable
	NameTooLongError    FsError = FsError(int(unix.ENAMETOOLONG)) // File name too long
	NotSupportedError   FsError = FsError(int(unix.ENOTSUP))      // Operation not supported
	NoDataError         FsError = FsError(int(unix.ENODATA))      // No data available
	StaleError          FsError = FsError(int(unix.ESTALE))       // Stale file handle
	AlreadyError        FsError = FsError(int(unix.EALREADY))     // Operation already in progress
	InProgressError     FsError = FsError(int(unix.EINPROGRESS))  // Operation now in progress
	TimedOut            FsError = FsError(int(unix.ETIMEDOUT))    // Connection Timed Out
)

// Errors that map to constants already defined above
const (
	TxnAbortedError  FsError = IOError
	PeerUnknownError FsError = NoDeviceOrAddrError
	BadEventError    FsError = InvalidArgError
	StoppedError     FsError = AlreadyError
	LockBusyError    FsError = TryAgainError
)

// SuccessError is the FsError of a nil error.
const SuccessError FsError = 0

const ( // reset iota to 0
	// Errors that are internal/specific to LFSCK
	UnpackError FsError = 1000 + iota
	PackError
	CorruptLinkEAError
	CorruptStateError
)

// Default errno values for success and failure
const successErrno = 0
const failureErrno = -1

// Value returns the int value for the specified FsError constant
func (err FsError) Value() int {
	return int(err)
}

// NewError creates a new merry/blunder.FsError-annotated error using the given
// format string and arguments.
func NewError(errValue FsError, format string, a ...interface{}) error {
	return merry.WrapSkipping(fmt.Errorf(format, a...), 1).WithValue("errno", int(errValue))
}

// AddError is used to add FS error detail to a Go error.
//
// NOTE: Checks whether the error value has already been set
//       Note that by default merry will replace the old with the new.
//
func AddError(e error, errValue FsError) error {
	if e == nil {
		return merry.New("regular error").WithValue("errno", int(errValue))
	}

	prevValue := Errno(e)
	if prevValue != successErrno && prevValue != failureErrno && prevValue != int(errValue) {
		logger.Warnf("replacing error value %v with value %v for error %v", prevValue, int(errValue), e)
	}

	return merry.WrapSkipping(e, 1).WithValue("errno", int(errValue))
}

// Errno extracts errno from the error, if it was previously wrapped.
// Otherwise a default value is returned.
//
func Errno(e error) int {
	if e == nil {
		return successErrno
	}

	var errno = failureErrno
	tmp := merry.Value(e, "errno")
	if tmp != nil {
		errno = tmp.(int)
	}

	return errno
}

// RC converts an error into the signed result code convention used by the
// scan handlers: 0 for success, otherwise the negated errno.
func RC(e error) int {
	errno := Errno(e)
	if errno > 0 {
		return -errno
	}
	return errno
}

func ErrorString(e error) string {
	if e == nil {
		return ""
	}

	errPlusVal := e.Error()

	tmp := merry.Value(e, "errno")
	if tmp != nil {
		errPlusVal = fmt.Sprintf("%s. Error Value: %v", errPlusVal, tmp.(int))
	}

	return errPlusVal
}

// Check if an error matches a particular FsError
//
// NOTE: Because the value of the underlying errno is used to do this check, one cannot
//       use this API to distinguish between FsErrors that use the same errno value.
//       IOW, it can't tell the difference between BadEventError and InvalidArgError.
//
func Is(e error, theError FsError) bool {
	return Errno(e) == theError.Value()
}

// Check if an error is NOT a particular FsError
func IsNot(e error, theError FsError) bool {
	return Errno(e) != theError.Value()
}

// Check if an error is the success FsError
func IsSuccess(e error) bool {
	return Errno(e) == successErrno
}

// Check if an error is NOT the success FsError
func IsNotSuccess(e error) bool {
	return Errno(e) != successErrno
}

// Location returns the file and line number of the code that generated the error.
// Returns zero values if e has no stacktrace.
func Location(e error) (file string, line int) {
	file, line = merry.Location(e)
	return
}

// SourceLine returns the string representation of Location's result
// Returns empty string if e has no stacktrace.
func SourceLine(e error) string {
	return merry.SourceLine(e)
}

// Details wraps merry.Details, which returns all error details including stacktrace in a string.
func Details(e error) string {
	return merry.Details(e)
}

// Stacktrace wraps merry.Stacktrace, which returns error stacktrace (if set) in a string.
func Stacktrace(e error) string {
	return merry.Stacktrace(e)
}
