// Copyright (c) 2015-2021, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

package dlm

import (
	"container/list"
	"fmt"
	"sync"
	"time"

	"github.com/creachadair/cityhash"

	"github.com/NVIDIA/lfsck/blunder"
	"github.com/NVIDIA/lfsck/trackedlock"
)

type lockState int

const (
	stale lockState = iota
	shared
	exclusive
)

// lockShardStruct holds the subset of the local locks whose LockID hashes to it.
type lockShardStruct struct {
	sync.Mutex
	localLockMap map[string]*localLockTrack
}

// This struct is used by LLM to track a lock.
type localLockTrack struct {
	sync.Mutex
	lockId       string
	owners       uint64 // Count of callers which own lock
	waiters      uint64 // Count of callers waiting to own the lock (either shared or exclusive)
	state        lockState
	listOfOwners []CallerID
	waitReqQ     *list.List // *localLockRequest's
	lockTrack    trackedlock.LockTrack
}

type localLockRequest struct {
	requestedState lockState
	*sync.Cond
	wakeUp       bool
	LockCallerID CallerID
}

func shardFor(lockID string) *lockShardStruct {
	return globals.shards[cityhash.Hash64([]byte(lockID))%uint64(len(globals.shards))]
}

// lookupTrack returns the track for lockID with its Mutex held.
func lookupTrack(lockID string, create bool) (track *localLockTrack) {
	shard := shardFor(lockID)

	shard.Lock()
	track, ok := shard.localLockMap[lockID]
	if !ok {
		if !create {
			shard.Unlock()
			return nil
		}
		track = &localLockTrack{lockId: lockID, state: stale, waitReqQ: list.New()}
		shard.localLockMap[lockID] = track
	}
	track.Mutex.Lock()
	shard.Unlock()

	return
}

func (t *localLockTrack) removeFromListOfOwners(callerID CallerID) {
	for i, id := range t.listOfOwners {
		if id == callerID {
			lastIdx := len(t.listOfOwners) - 1
			t.listOfOwners[i] = t.listOfOwners[lastIdx]
			t.listOfOwners = t.listOfOwners[:lastIdx]
			return
		}
	}

	panic(fmt.Sprintf("Can't find CallerID: %v in list of lock owners of %v!", *callerID, t.lockId))
}

func callerInListOfOwners(listOfOwners []CallerID, callerID CallerID) (amOwner bool) {
	for _, id := range listOfOwners {
		if id == callerID {
			return true
		}
	}
	return false
}

func isLockHeld(lockID string, callerID CallerID, lockHeldType LockHeldType) (held bool) {
	track := lookupTrack(lockID, false)
	if nil == track {
		return false
	}
	defer track.Mutex.Unlock()

	if !callerInListOfOwners(track.listOfOwners, callerID) {
		return false
	}

	switch lockHeldType {
	case READLOCK:
		return track.state == shared
	case WRITELOCK:
		return track.state == exclusive
	case ANYLOCK:
		return track.state != stale
	}
	return false
}

func grantAndSignal(track *localLockTrack, localQRequest *localLockRequest) {
	track.state = localQRequest.requestedState
	track.listOfOwners = append(track.listOfOwners, localQRequest.LockCallerID)
	track.owners++

	if (track.state == exclusive) && (track.owners != 1) {
		panic(fmt.Sprintf("granted exclusive lock %v with %d owners", track.lockId, track.owners))
	}

	localQRequest.wakeUp = true
	localQRequest.Cond.Broadcast()
}

// processLocalQ grants queued requests in FIFO order: an exclusive request at
// the head waits for the lock to go stale and blocks shared requests behind it.
//
// This function assumes that the tracking mutex is held.
func processLocalQ(track *localLockTrack) {
	for (track.waitReqQ.Len() > 0) && (track.state != exclusive) {
		localQRequest := track.waitReqQ.Front().Value.(*localLockRequest)

		if (localQRequest.requestedState == exclusive) && (track.state != stale) {
			return
		}

		track.waitReqQ.Remove(track.waitReqQ.Front())
		grantAndSignal(track, localQRequest)
	}
}

func (l *RWLockStruct) commonLock(requestedState lockState, try bool) (err error) {
	track := lookupTrack(l.LockID, true)
	defer track.Mutex.Unlock()

	if try {
		busy := (track.state == exclusive) ||
			((requestedState == exclusive) && (track.state != stale)) ||
			(track.waitReqQ.Len() > 0)
		if busy {
			err = blunder.NewError(blunder.TryAgainError, "Lock %v is busy - try again!", l.LockID)
			return
		}
	}

	localRequest := localLockRequest{requestedState: requestedState, LockCallerID: l.LockCallerID}
	localRequest.Cond = sync.NewCond(&track.Mutex)
	track.waitReqQ.PushBack(&localRequest)

	track.waiters++

	processLocalQ(track)

	for !localRequest.wakeUp {
		localRequest.Cond.Wait()
	}

	if (track.state == stale) || (track.owners == 0) || ((track.owners > 1) && (track.state != shared)) {
		panic(fmt.Sprintf("commonLock(): lock %v is in undefined state: owners %d waiters %d lockState %v",
			track.lockId, track.owners, track.waiters, track.state))
	}

	if track.state == exclusive {
		track.lockTrack.LockTrack(l)
	} else {
		track.lockTrack.RLockTrack(l)
	}

	// We decrement waiters here instead of in processLocalQ() so that other callers do not
	// assume there are no waiters between the time the Cond is signaled and we wakeup.
	track.waiters--

	return nil
}

func (l *RWLockStruct) unlock() (err error) {
	shard := shardFor(l.LockID)

	shard.Lock()
	track, ok := shard.localLockMap[l.LockID]
	if !ok {
		shard.Unlock()
		err = blunder.NewError(blunder.NotFoundError, "Unlock() of lock %v not found in localLockMap", l.LockID)
		return
	}

	track.Mutex.Lock()

	if !callerInListOfOwners(track.listOfOwners, l.LockCallerID) {
		track.Mutex.Unlock()
		shard.Unlock()
		err = blunder.NewError(blunder.NotPermError, "Unlock() of lock %v by non-owner %v", l.LockID, *l.LockCallerID)
		return
	}

	// Remove lock from localLockMap if no other caller is using it.
	if (track.owners == 1) && (track.waiters == 0) {
		delete(shard.localLockMap, l.LockID)
	}

	shard.Unlock()

	if track.state == exclusive {
		track.lockTrack.UnlockTrack(l)
	} else {
		track.lockTrack.RUnlockTrack()
	}

	track.owners--
	track.removeFromListOfOwners(l.LockCallerID)

	if track.owners == 0 {
		track.state = stale
	}

	processLocalQ(track)

	track.Mutex.Unlock()

	return nil
}

// NOTE: The following are test-only interfaces used for unit tests.

func countOf(lockID string, waiters bool) (count uint64) {
	track := lookupTrack(lockID, false)
	if nil == track {
		return 0
	}
	if waiters {
		count = track.waiters
	} else {
		count = track.owners
	}
	track.Mutex.Unlock()
	return
}

func waitCountWaiters(lockID string, count uint64) {
	for countOf(lockID, true) != count {
		time.Sleep(5 * time.Millisecond)
	}
}

func waitCountOwners(lockID string, count uint64) {
	for countOf(lockID, false) != count {
		time.Sleep(5 * time.Millisecond)
	}
}
