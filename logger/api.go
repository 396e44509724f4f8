// Package logger wraps logrus. Every entry carries the calling package,
// function, goroutine and pid. Error, warning and info entries are always
// written; trace and debug entries only for the packages named in
// [Logging]TraceLevelLogging and [Logging]DebugLevelLogging.
package logger

import (
	"fmt"
	"os"
	"sync"

	log "github.com/sirupsen/logrus"

	"github.com/NVIDIA/lfsck/utils"
)

type Level int

// Trace entries are written at logrus info level, debug entries at logrus
// debug level.
const (
	PanicLevel Level = iota
	FatalLevel
	ErrorLevel
	WarnLevel
	InfoLevel
	TraceLevel
	DebugLevel
)

const DbgInternal string = "debug_internal"
const DbgTesting string = "debug_test"

const (
	packageKey  = "package"
	functionKey = "function"
	errorKey    = "error"
	gidKey      = "goroutine"
	pidKey      = "pid"
)

var backtraceOneLevel int = 1

type levelSettingsStruct struct {
	sync.RWMutex
	traceLevelEnabled    bool
	debugLevelEnabled    bool
	packageTraceSettings map[string]bool
	packageDebugSettings map[string][]string
}

// Only the packages listed here can have trace or debug logging enabled.
var levelSettings = levelSettingsStruct{
	packageTraceSettings: map[string]bool{
		"dlm":      false,
		"fld":      false,
		"lfsck":    false,
		"logger":   false,
		"peer":     false,
		"ramstore": false,
		"tracking": false,
	},
	packageDebugSettings: map[string][]string{
		"dlm":      []string{},
		"lfsck":    []string{},
		"peer":     []string{},
		"ramstore": []string{},
	},
}

var pid = fmt.Sprint(os.Getpid())

func setTraceLoggingLevel(confStrSlice []string) {
	levelSettings.Lock()

	for pkg := range levelSettings.packageTraceSettings {
		levelSettings.packageTraceSettings[pkg] = false
	}
	levelSettings.traceLevelEnabled = false

	for _, pkg := range confStrSlice {
		if "none" == pkg {
			break
		}
		if _, ok := levelSettings.packageTraceSettings[pkg]; ok {
			levelSettings.packageTraceSettings[pkg] = true
			levelSettings.traceLevelEnabled = true
		}
	}

	levelSettings.Unlock()

	for _, pkg := range confStrSlice {
		if traceEnabled(pkg) {
			Infof("Package %v trace logging is enabled.", pkg)
		}
	}
}

func setDebugLoggingLevel(confStrSlice []string) {
	levelSettings.Lock()

	for pkg := range levelSettings.packageDebugSettings {
		levelSettings.packageDebugSettings[pkg] = []string{}
	}
	levelSettings.debugLevelEnabled = false

	for _, pkg := range confStrSlice {
		if "none" == pkg {
			break
		}
		if _, ok := levelSettings.packageDebugSettings[pkg]; ok {
			levelSettings.packageDebugSettings[pkg] = []string{DbgInternal, DbgTesting}
			levelSettings.debugLevelEnabled = true
		}
	}

	levelSettings.Unlock()
}

func traceEnabled(pkg string) (isEnabled bool) {
	levelSettings.RLock()
	isEnabled = levelSettings.packageTraceSettings[pkg]
	levelSettings.RUnlock()
	return
}

func debugEnabled(pkg string, debugID string) bool {
	levelSettings.RLock()
	defer levelSettings.RUnlock()

	for _, id := range levelSettings.packageDebugSettings[pkg] {
		if id == debugID {
			return true
		}
	}
	return false
}

// FuncCtx holds the fields of one call site.
type FuncCtx struct {
	funcContext *log.Entry
}

func (ctx *FuncCtx) getPackage() string {
	pkg, ok := ctx.funcContext.Data[packageKey].(string)
	if ok {
		return pkg
	}
	return ""
}

// newLogEntry creates a new logrus entry carrying the calling function,
// package, goroutine, and pid extracted from the call stack.
func newLogEntry(level int) *log.Entry {
	fn, pkg, gid := utils.GetFuncPackage(level + 1)

	fields := make(log.Fields)
	fields[functionKey] = fn
	fields[packageKey] = pkg
	fields[gidKey] = gid
	fields[pidKey] = pid

	return log.WithFields(fields)
}

func newFuncCtx(level int) (ctx *FuncCtx) {
	ctx = &FuncCtx{funcContext: newLogEntry(level + 1)}
	return
}

func newFuncCtxWithField(level int, key string, value interface{}) (ctx *FuncCtx) {
	ctx = &FuncCtx{funcContext: newLogEntry(level + 1).WithField(key, value)}
	return
}

func logEnabled(level Level) (enabled bool) {
	levelSettings.RLock()
	switch level {
	case TraceLevel:
		enabled = levelSettings.traceLevelEnabled
	case DebugLevel:
		enabled = levelSettings.debugLevelEnabled
	default:
		enabled = true
	}
	levelSettings.RUnlock()
	return
}

// DebugfID logs at debug level when id is enabled for the calling package.
// There is no plain Debugf.
func DebugfID(id string, format string, args ...interface{}) {
	level := DebugLevel
	if !logEnabled(level) {
		return
	}
	ctx := newFuncCtx(backtraceOneLevel)
	ctx.logWithID(level, id, fmt.Sprintf(format, args...))
}

func Errorf(format string, args ...interface{}) {
	level := ErrorLevel
	ctx := newFuncCtx(backtraceOneLevel)
	ctx.log(level, fmt.Sprintf(format, args...))
}

func Fatalf(format string, args ...interface{}) {
	level := FatalLevel
	ctx := newFuncCtx(backtraceOneLevel)
	ctx.log(level, fmt.Sprintf(format, args...))
}

func Infof(format string, args ...interface{}) {
	level := InfoLevel
	ctx := newFuncCtx(backtraceOneLevel)
	ctx.log(level, fmt.Sprintf(format, args...))
}

func Tracef(format string, args ...interface{}) {
	level := TraceLevel
	if !logEnabled(level) {
		return
	}
	ctx := newFuncCtx(backtraceOneLevel)
	ctx.log(level, fmt.Sprintf(format, args...))
}

func Warnf(format string, args ...interface{}) {
	level := WarnLevel
	ctx := newFuncCtx(backtraceOneLevel)
	ctx.log(level, fmt.Sprintf(format, args...))
}

func ErrorfWithError(err error, format string, args ...interface{}) {
	level := ErrorLevel
	ctx := newFuncCtxWithField(backtraceOneLevel, errorKey, err)
	ctx.log(level, fmt.Sprintf(format, args...))
}

func WarnfWithError(err error, format string, args ...interface{}) {
	level := WarnLevel
	ctx := newFuncCtxWithField(backtraceOneLevel, errorKey, err)
	ctx.log(level, fmt.Sprintf(format, args...))
}

// log has a value receiver: entries are shared between goroutines.
func (ctx FuncCtx) log(level Level, args ...interface{}) {
	if (level == TraceLevel) && !traceEnabled(ctx.getPackage()) {
		return
	}

	switch level {
	case PanicLevel:
		ctx.funcContext.Panic(args...)
	case FatalLevel:
		ctx.funcContext.Fatal(args...)
	case ErrorLevel:
		ctx.funcContext.Error(args...)
	case WarnLevel:
		ctx.funcContext.Warn(args...)
	case TraceLevel:
		ctx.funcContext.Info(args...)
	case InfoLevel:
		ctx.funcContext.Info(args...)
	case DebugLevel:
		ctx.funcContext.Debug(args...)
	}
}

func (ctx FuncCtx) logWithID(level Level, id string, args ...interface{}) {
	if (level == DebugLevel) && !debugEnabled(ctx.getPackage(), id) {
		return
	}

	ctx.log(level, args...)
}
