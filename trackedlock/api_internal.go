package trackedlock

import (
	"runtime"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/NVIDIA/lfsck/logger"
	"github.com/NVIDIA/lfsck/utils"
)

const lockWatcherLocksLogged = 16

// globals.Mutex protects watched, the tracked locks seen locked since the
// last scan. A zero lockHoldTimeLimit disables tracking; a zero
// lockCheckPeriod disables the watcher.
type globalsStruct struct {
	sync.Mutex
	watched           map[*lockTrackStruct]interface{}
	lockHoldTimeLimit atomic.Int64
	lockCheckPeriod   time.Duration
	stopChan          chan struct{}
	doneChan          chan struct{}
	longHoldCount     atomic.Uint64
}

var globals globalsStruct

var stackBufPool = sync.Pool{
	New: func() interface{} {
		buf := make([]byte, 4096)
		return &buf
	},
}

// lockTrackStruct records the state of one tracked lock. lockTime and
// lockCnt are read by the watcher without holding the wrapped lock.
type lockTrackStruct struct {
	lockCnt    atomic.Int32 // 0 if unlocked, -1 locked exclusive, > 0 locked shared
	lockTime   atomic.Int64 // UnixNano of the last lock operation
	lockerGoId uint64       // goroutine ID of the exclusive locker
	lockStack  atomic.Value // string stack trace of the exclusive locker
}

func holdTimeLimit() time.Duration {
	return time.Duration(globals.lockHoldTimeLimit.Load())
}

func captureStack() string {
	bufPtr := stackBufPool.Get().(*[]byte)
	cnt := runtime.Stack(*bufPtr, false)
	stack := string((*bufPtr)[:cnt])
	stackBufPool.Put(bufPtr)
	return stack
}

func (lt *lockTrackStruct) watch(wrappedLock interface{}) {
	globals.Lock()
	if nil != globals.watched {
		globals.watched[lt] = wrappedLock
	}
	globals.Unlock()
}

func (lt *lockTrackStruct) lockTrack(wrappedLock interface{}) {
	lt.lockTime.Store(time.Now().UnixNano())
	lt.lockCnt.Store(-1)

	if 0 == holdTimeLimit() {
		return
	}

	lt.lockerGoId = utils.GetGID()
	lt.lockStack.Store(captureStack())
	lt.watch(wrappedLock)
}

func (lt *lockTrackStruct) unlockTrack(wrappedLock interface{}) {
	limit := holdTimeLimit()

	if 0 != limit {
		held := time.Since(time.Unix(0, lt.lockTime.Load()))
		if held >= limit {
			lockStack, _ := lt.lockStack.Load().(string)
			if "" == lockStack {
				lockStack = "locked before lock tracking enabled\n"
			}
			globals.longHoldCount.Add(1)
			logger.Warnf("Unlock(): %T at %p locked for %f sec; stack at call to Lock():\n%s stack at Unlock():\n%s",
				wrappedLock, wrappedLock, held.Seconds(), lockStack, captureStack())
		}
	}

	lt.lockCnt.Store(0)
}

func (lt *lockTrackStruct) rLockTrack(wrappedLock interface{}) {
	if 1 == lt.lockCnt.Add(1) {
		lt.lockTime.Store(time.Now().UnixNano())
	}
	if 0 != holdTimeLimit() {
		lt.watch(wrappedLock)
	}
}

func (lt *lockTrackStruct) rUnlockTrack() {
	lt.lockCnt.Add(-1)
}

type longLockHolder struct {
	lockPtr    interface{}
	held       time.Duration
	lockerGoId uint64
	lockStack  string
	lockOp     string
}

// scanLocks returns the locks held longer than the limit, longest first,
// and forgets the locks found unlocked.
func scanLocks(now time.Time, limit time.Duration) (longLockHolders []longLockHolder) {
	globals.Lock()
	for lt, lockPtr := range globals.watched {
		lockCnt := lt.lockCnt.Load()
		if 0 == lockCnt {
			delete(globals.watched, lt)
			continue
		}
		held := now.Sub(time.Unix(0, lt.lockTime.Load()))
		if held < limit {
			continue
		}
		holder := longLockHolder{lockPtr: lockPtr, held: held, lockOp: "RLock()"}
		if 0 > lockCnt {
			holder.lockOp = "Lock()"
			holder.lockerGoId = lt.lockerGoId
			holder.lockStack, _ = lt.lockStack.Load().(string)
		}
		longLockHolders = append(longLockHolders, holder)
	}
	globals.Unlock()

	sort.Slice(longLockHolders, func(i, j int) bool { return longLockHolders[i].held > longLockHolders[j].held })
	if len(longLockHolders) > lockWatcherLocksLogged {
		longLockHolders = longLockHolders[:lockWatcherLocksLogged]
	}
	return
}

// Periodically check for locks that have been held too long.
//
func lockWatcher(lockCheckPeriod time.Duration) {
	ticker := time.NewTicker(lockCheckPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-globals.stopChan:
			logger.Infof("trackedlock lock watcher shutting down")
			globals.doneChan <- struct{}{}
			return
		case now := <-ticker.C:
			for rank, holder := range scanLocks(now, holdTimeLimit()) {
				globals.longHoldCount.Add(1)
				logger.Warnf("trackedlock watcher: %T at %p locked for %f sec rank %d by goroutine %d; stack at call to %s:\n%s",
					holder.lockPtr, holder.lockPtr, holder.held.Seconds(), rank, holder.lockerGoId,
					holder.lockOp, holder.lockStack)
			}
		}
	}
}
