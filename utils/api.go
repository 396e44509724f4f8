// Package utils provides miscellaneous utilities for LFSCK.
package utils

import (
	"bytes"
	"regexp"
	"runtime"
	"strconv"
	"time"
)

var (
	fnNameRE  = regexp.MustCompile(`[^\/]*$`)
	pkgNameRE = regexp.MustCompile(`^[^.]*`)
	funcRE    = regexp.MustCompile(`[^.]*$`)
)

// GetGID returns the id of the calling goroutine, as printed in a stack
// trace. Lock traces and log lines carry it.
func GetGID() uint64 {
	b := make([]byte, 64)
	b = b[:runtime.Stack(b, false)]
	b = bytes.TrimPrefix(b, []byte("goroutine "))
	b = b[:bytes.IndexByte(b, ' ')]
	n, _ := strconv.ParseUint(string(b), 10, 64)
	return n
}

// Return a string containing calling function and package
func GetAFnName(level int) string {
	pc, _, _, ok := runtime.Caller(level + 1)
	if !ok {
		return "unknown"
	}
	functionObject := runtime.FuncForPC(pc)
	if nil == functionObject {
		return "unknown"
	}
	return fnNameRE.FindString(functionObject.Name())
}

// Return separate strings containing calling function and package, along
// with the calling goroutine id
func GetFuncPackage(level int) (fn string, pkg string, gid uint64) {
	funcPkg := GetAFnName(level + 1)

	pkg = pkgNameRE.FindString(funcPkg)
	fn = funcRE.FindString(funcPkg)
	gid = GetGID()

	return fn, pkg, gid
}

// GetFnName returns a string containing the name of the running function and its package.
// This can be useful for debug prints.
func GetFnName() string {
	return GetAFnName(1)
}

// Stopwatch times one namespace LFSCK run (or any other span).
type Stopwatch struct {
	StartTime   time.Time
	StopTime    time.Time
	ElapsedTime time.Duration
	IsRunning   bool
}

func NewStopwatch() *Stopwatch {
	return &Stopwatch{StartTime: time.Now(), IsRunning: true}
}

func (sw *Stopwatch) Stop() time.Duration {
	sw.StopTime = time.Now()

	if sw.IsRunning {
		sw.ElapsedTime = sw.StopTime.Sub(sw.StartTime)
		sw.IsRunning = false
	}
	return sw.ElapsedTime
}

func (sw *Stopwatch) Restart() {
	if !sw.IsRunning {
		sw.ElapsedTime = 0
		sw.StartTime = time.Now()
		sw.StopTime = time.Time{}
		sw.IsRunning = true
	}
}

func (sw *Stopwatch) Elapsed() time.Duration {
	if !sw.IsRunning {
		return sw.ElapsedTime
	}

	return time.Since(sw.StartTime)
}

// ElapsedSecRounded returns the elapsed time in whole seconds, rounded to the
// nearest second
func (sw *Stopwatch) ElapsedSecRounded() uint32 {
	return uint32((sw.Elapsed() + time.Second/2) / time.Second)
}

func (sw *Stopwatch) ElapsedString() string {
	return sw.Elapsed().String()
}
