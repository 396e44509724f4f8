package trackedlock

import (
	"time"

	"github.com/NVIDIA/lfsck/conf"
	"github.com/NVIDIA/lfsck/logger"
	"github.com/NVIDIA/lfsck/transitions"
)

func parseConfMap(confMap conf.ConfMap) (lockHoldTimeLimit time.Duration, lockCheckPeriod time.Duration) {
	var (
		err error
	)

	lockHoldTimeLimit, err = confMap.FetchOptionValueDuration("TrackedLock", "LockHoldTimeLimit")
	if nil != err {
		lockHoldTimeLimit = 0
	}

	// lockHoldTimeLimit must be >= 1 sec or 0
	if lockHoldTimeLimit < time.Second && lockHoldTimeLimit != 0 {
		logger.Warnf("config variable 'TrackedLock.LockHoldTimeLimit' value less then 1 sec; defaulting to '40s'")
		lockHoldTimeLimit = 40 * time.Second
	}

	lockCheckPeriod, err = confMap.FetchOptionValueDuration("TrackedLock", "LockCheckPeriod")
	if nil != err {
		lockCheckPeriod = 0
	}

	// lockCheckPeriod must be >= 1 sec or 0
	if lockCheckPeriod < time.Second && lockCheckPeriod != 0 {
		logger.Warnf("config variable 'TrackedLock.LockCheckPeriod' value less then 1 sec; defaulting to '20s'")
		lockCheckPeriod = 20 * time.Second
	}

	return
}

func init() {
	transitions.Register("trackedlock", &globals)
}

// Up() initializes the package.  Locks can still be used before it is called
// but tracking will not start until the first Lock() call after the package is
// initialized.
//
func (dummy *globalsStruct) Up(confMap conf.ConfMap) (err error) {
	lockHoldTimeLimit, lockCheckPeriod := parseConfMap(confMap)

	logger.Infof("trackedlock.Up(): LockHoldTimeLimit %v  LockCheckPeriod %v", lockHoldTimeLimit, lockCheckPeriod)

	globals.startTracking(lockHoldTimeLimit, lockCheckPeriod)

	err = nil
	return
}

func (dummy *globalsStruct) SignaledStart(confMap conf.ConfMap) (err error) {
	globals.stopTracking()
	err = nil
	return
}

func (dummy *globalsStruct) SignaledFinish(confMap conf.ConfMap) (err error) {
	lockHoldTimeLimit, lockCheckPeriod := parseConfMap(confMap)
	globals.startTracking(lockHoldTimeLimit, lockCheckPeriod)
	err = nil
	return
}

func (dummy *globalsStruct) Down(confMap conf.ConfMap) (err error) {
	logger.Infof("trackedlock.Down() called")
	globals.stopTracking()
	err = nil
	return
}

func (dummy *globalsStruct) startTracking(lockHoldTimeLimit time.Duration, lockCheckPeriod time.Duration) {
	globals.lockHoldTimeLimit.Store(int64(lockHoldTimeLimit))

	// if the lock checker is disabled or there's no time limit then
	// there's no need to start the watcher
	if 0 == lockCheckPeriod || 0 == lockHoldTimeLimit {
		return
	}

	globals.Lock()
	globals.lockCheckPeriod = lockCheckPeriod
	globals.watched = make(map[*lockTrackStruct]interface{}, 128)
	globals.Unlock()

	globals.stopChan = make(chan struct{})
	globals.doneChan = make(chan struct{})
	go lockWatcher(lockCheckPeriod)
}

func (dummy *globalsStruct) stopTracking() {
	globals.lockHoldTimeLimit.Store(0)

	if 0 == globals.lockCheckPeriod {
		return
	}

	globals.stopChan <- struct{}{}
	<-globals.doneChan

	globals.Lock()
	globals.lockCheckPeriod = 0
	globals.watched = nil
	globals.Unlock()
}
