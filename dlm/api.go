// Copyright (c) 2015-2021, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

// Package dlm provides the advisory per-object locks taken by the LFSCK
// repair paths. Locks are identified by a string LockID (the object's FID in
// text form) and owned by a CallerID; a caller holding a lock exclusively may
// read-validate-write the object's attributes.
//
// Example use of the lock:
/*
	callerID := dlm.GenerateCallerID()
	lock := &dlm.RWLockStruct{LockID: childFID.String(), LockCallerID: callerID}

	err := lock.TryWriteLock()
	switch {
	case nil == err:
		// ... read, validate, and rewrite the object's linkEA
		_ = lock.Unlock()
	case blunder.Is(err, blunder.TryAgainError):
		// give up other locks and retry
	default:
		// something wrong..
	}
*/
package dlm

import (
	"github.com/google/uuid"
)

type CallerID *string

type LockHeldType uint32

const (
	ANYLOCK LockHeldType = iota + 1
	READLOCK
	WRITELOCK
)

type RWLockStruct struct {
	LockID       string
	LockCallerID CallerID
}

// GenerateCallerID returns a cluster wide unique caller ID.
func GenerateCallerID() (callerID CallerID) {
	callerIDStr := uuid.New().String()
	callerID = CallerID(&callerIDStr)
	return
}

// IsLockHeld returns whether callerID holds lockID in the manner specified
func IsLockHeld(lockID string, callerID CallerID, lockHeldType LockHeldType) (held bool) {
	held = isLockHeld(lockID, callerID, lockHeldType)
	return
}

// GetLockID returns the lock ID from the lock struct
func (l *RWLockStruct) GetLockID() string {
	return l.LockID
}

// GetCallerID returns the caller ID from the lock struct
func (l *RWLockStruct) GetCallerID() CallerID {
	return l.LockCallerID
}

// IsReadHeld returns whether the lock is held for reading
func (l *RWLockStruct) IsReadHeld() bool {
	return isLockHeld(l.LockID, l.LockCallerID, READLOCK)
}

// IsWriteHeld returns whether the lock is held for writing
func (l *RWLockStruct) IsWriteHeld() bool {
	return isLockHeld(l.LockID, l.LockCallerID, WRITELOCK)
}

// WriteLock blocks until the lock can be held exclusively.
func (l *RWLockStruct) WriteLock() (err error) {
	err = l.commonLock(exclusive, false)
	return
}

// ReadLock blocks until the lock can be held shared.
func (l *RWLockStruct) ReadLock() (err error) {
	err = l.commonLock(shared, false)
	return
}

// TryWriteLock attempts to grab the lock if it is free.  Otherwise, it returns EAGAIN.
func (l *RWLockStruct) TryWriteLock() (err error) {
	err = l.commonLock(exclusive, true)
	return
}

// TryReadLock attempts to grab the lock if it is free or shared.  Otherwise, it returns EAGAIN.
func (l *RWLockStruct) TryReadLock() (err error) {
	err = l.commonLock(shared, true)
	return
}

// Unlock releases the lock and wakes any waiters that can now be granted.
func (l *RWLockStruct) Unlock() (err error) {
	err = l.unlock()
	return
}
