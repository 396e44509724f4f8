package transitions

import (
	"fmt"
	"sync"

	"github.com/NVIDIA/lfsck/conf"
	"github.com/NVIDIA/lfsck/logger"
)

type loggerCallbacksStruct struct{}

type registrationStruct struct {
	packageName string
	callbacks   Callbacks
}

type globalsStruct struct {
	sync.Mutex
	registrations []registrationStruct // in init order
	registered    map[string]bool
	upCount       int // registrations[:upCount] are up
}

var globals globalsStruct

func init() {
	globals.registered = make(map[string]bool)

	Register("logger", &loggerCallbacksStruct{})
}

func register(packageName string, callbacks Callbacks) {
	globals.Lock()
	if globals.registered[packageName] {
		globals.Unlock()
		logger.Fatalf("transitions.Register(%s,) called twice", packageName)
		return
	}
	globals.registrations = append(globals.registrations, registrationStruct{packageName, callbacks})
	globals.registered[packageName] = true
	globals.Unlock()
}

func up(confMap conf.ConfMap) (err error) {
	globals.Lock()
	defer globals.Unlock()

	if 0 != globals.upCount {
		err = fmt.Errorf("transitions.Up() called while already up")
		logger.ErrorfWithError(err, "transitions.Up() refused")
		return
	}

	names := make([]string, 0, len(globals.registrations))
	for _, r := range globals.registrations {
		logger.Tracef("transitions.Up() calling %s.Up()", r.packageName)
		err = r.callbacks.Up(confMap)
		if nil != err {
			err = fmt.Errorf("%s.Up() failed: %v", r.packageName, err)
			logger.ErrorfWithError(err, "transitions.Up() bringing %v back down", names)
			_ = downLocked(confMap)
			return
		}
		globals.upCount++
		names = append(names, r.packageName)
	}

	logger.Infof("transitions.Up() brought up %v", names)
	return
}

func signaled(confMap conf.ConfMap) (err error) {
	globals.Lock()
	defer globals.Unlock()

	logger.Infof("transitions.Signaled() called")

	for i := len(globals.registrations) - 1; i >= 0; i-- {
		r := globals.registrations[i]
		err = r.callbacks.SignaledStart(confMap)
		if nil != err {
			err = fmt.Errorf("%s.SignaledStart() failed: %v", r.packageName, err)
			logger.ErrorfWithError(err, "transitions.Signaled() failed")
			return
		}
	}

	for _, r := range globals.registrations {
		err = r.callbacks.SignaledFinish(confMap)
		if nil != err {
			err = fmt.Errorf("%s.SignaledFinish() failed: %v", r.packageName, err)
			logger.ErrorfWithError(err, "transitions.Signaled() failed")
			return
		}
	}
	return
}

func down(confMap conf.ConfMap) (err error) {
	globals.Lock()
	defer globals.Unlock()

	logger.Infof("transitions.Down() called")

	err = downLocked(confMap)
	if nil != err {
		logger.ErrorfWithError(err, "transitions.Down() failed")
	}
	return
}

// downLocked calls Down on every package that is up, last first. The first
// failure is returned but every package is still called.
func downLocked(confMap conf.ConfMap) (err error) {
	for i := globals.upCount - 1; i >= 0; i-- {
		r := globals.registrations[i]
		logger.Tracef("transitions.Down() calling %s.Down()", r.packageName)
		downErr := r.callbacks.Down(confMap)
		if (nil != downErr) && (nil == err) {
			err = fmt.Errorf("%s.Down() failed: %v", r.packageName, downErr)
		}
	}

	globals.upCount = 0
	return
}

func (*loggerCallbacksStruct) Up(confMap conf.ConfMap) (err error) {
	return logger.Up(confMap)
}

func (*loggerCallbacksStruct) SignaledStart(confMap conf.ConfMap) (err error) {
	return logger.SignaledStart(confMap)
}

func (*loggerCallbacksStruct) SignaledFinish(confMap conf.ConfMap) (err error) {
	return logger.SignaledFinish(confMap)
}

func (*loggerCallbacksStruct) Down(confMap conf.ConfMap) (err error) {
	return logger.Down(confMap)
}
