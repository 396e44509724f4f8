// Copyright (c) 2015-2021, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

// Package trackedlock provides sync.Mutex and sync.RWMutex work-alikes that
// additionally track lock hold time.
//
// If "TrackedLock.LockHoldTimeLimit" is non-zero, an Unlock() of a lock held
// exclusively for longer than the limit logs a warning carrying the stack of
// the Lock() call. If "TrackedLock.LockCheckPeriod" is also non-zero, a
// watcher goroutine scans the held locks once per period and logs those held
// too long (longest first, at most 16 per scan). Shared holds are counted but
// their stacks are not recorded.
//
// Locks may be used before Up(); they are not tracked until the first Lock()
// call after it.
package trackedlock

import (
	"sync"
)

// The Mutex type that we export, which wraps sync.Mutex to add tracking of lock
// hold time and the stack trace of the locker.
//
type Mutex struct {
	wrappedMutex sync.Mutex
	tracker      lockTrackStruct
}

// The RWMutex type that we export, which wraps sync.RWMutex to add tracking of
// lock hold time and the stack trace of the exclusive locker.
//
type RWMutex struct {
	wrappedRWMutex sync.RWMutex
	tracker        lockTrackStruct
}

//
// Tracked Mutex API
//
func (m *Mutex) Lock() {
	m.wrappedMutex.Lock()

	m.tracker.lockTrack(m)
}

func (m *Mutex) Unlock() {
	m.tracker.unlockTrack(m)

	m.wrappedMutex.Unlock()
}

//
// Tracked RWMutex API
//
func (m *RWMutex) Lock() {
	m.wrappedRWMutex.Lock()

	m.tracker.lockTrack(m)
}

func (m *RWMutex) Unlock() {
	m.tracker.unlockTrack(m)

	m.wrappedRWMutex.Unlock()
}

func (m *RWMutex) RLock() {
	m.wrappedRWMutex.RLock()

	m.tracker.rLockTrack(m)
}

func (m *RWMutex) RUnlock() {
	m.tracker.rUnlockTrack()

	m.wrappedRWMutex.RUnlock()
}

// LongHoldCount returns the number of times a lock was found (at Unlock() or
// by the watcher) to have been held longer than LockHoldTimeLimit.
func LongHoldCount() uint64 {
	return globals.longHoldCount.Load()
}

// LockTrack lets a lock implemented elsewhere (e.g. dlm.RWLockStruct) be
// tracked. The caller reports each completed lock operation.
//
type LockTrack struct {
	tracker lockTrackStruct
}

func (lt *LockTrack) LockTrack(lck interface{}) {
	lt.tracker.lockTrack(lck)
}

func (lt *LockTrack) UnlockTrack(lck interface{}) {
	lt.tracker.unlockTrack(lck)
}

func (lt *LockTrack) RLockTrack(lck interface{}) {
	lt.tracker.rLockTrack(lck)
}

func (lt *LockTrack) RUnlockTrack() {
	lt.tracker.rUnlockTrack()
}
