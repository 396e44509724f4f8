package logger

import (
	"io"
	"os"

	log "github.com/sirupsen/logrus"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/NVIDIA/lfsck/conf"
)

type globalsStruct struct {
	logFile     *lumberjack.Logger
	multiWriter *multiWriterStruct
}

var globals globalsStruct

func init() {
	globals.multiWriter = &multiWriterStruct{}
	globals.multiWriter.addWriter(os.Stderr)
	log.SetFormatter(&log.TextFormatter{DisableColors: true})
	log.SetOutput(globals.multiWriter)
	log.SetLevel(log.DebugLevel)
}

// Up configures log output from the [Logging] section of confMap. It is
// called by transitions.Up() before any other package comes up.
func Up(confMap conf.ConfMap) (err error) {
	var (
		logFileMaxBackups uint32
		logFileMaxSizeMB  uint32
		logFilePath       string
		logToConsole      bool
	)

	log.SetFormatter(&log.TextFormatter{DisableColors: true})

	logFilePath, _ = confMap.FetchOptionValueString("Logging", "LogFilePath")

	logToConsole, err = confMap.FetchOptionValueBool("Logging", "LogToConsole")
	if nil != err {
		logToConsole = "" == logFilePath
	}

	logFileMaxSizeMB, err = confMap.FetchOptionValueUint32("Logging", "LogFileMaxSizeMB")
	if nil != err {
		logFileMaxSizeMB = 100
	}

	logFileMaxBackups, err = confMap.FetchOptionValueUint32("Logging", "LogFileMaxBackups")
	if nil != err {
		logFileMaxBackups = 5
	}

	globals.multiWriter.reset()

	if ("" != logFilePath) && ("/dev/null" != logFilePath) {
		globals.logFile = &lumberjack.Logger{
			Filename:   logFilePath,
			MaxSize:    int(logFileMaxSizeMB),
			MaxBackups: int(logFileMaxBackups),
		}
		globals.multiWriter.addWriter(globals.logFile)
	}

	if logToConsole {
		globals.multiWriter.addWriter(os.Stderr)
	}

	// NOTE: We always enable max logging in logrus, and decide in this
	//       package whether to log
	log.SetLevel(log.DebugLevel)

	traceConfSlice, _ := confMap.FetchOptionValueStringSlice("Logging", "TraceLevelLogging")
	setTraceLoggingLevel(traceConfSlice)

	debugConfSlice, _ := confMap.FetchOptionValueStringSlice("Logging", "DebugLevelLogging")
	setDebugLoggingLevel(debugConfSlice)

	err = nil
	return
}

// Down closes the log file (if any) and reverts to logging on os.Stderr.
func Down(confMap conf.ConfMap) (err error) {
	globals.multiWriter.reset()
	globals.multiWriter.addWriter(os.Stderr)

	if nil != globals.logFile {
		err = globals.logFile.Close()
		globals.logFile = nil
	}

	setTraceLoggingLevel(nil)
	setDebugLoggingLevel(nil)

	return
}

var _ io.Writer = &multiWriterStruct{}

func SignaledStart(confMap conf.ConfMap) (err error) {
	err = nil
	return
}

// SignaledFinish re-applies the per-package trace and debug settings.
func SignaledFinish(confMap conf.ConfMap) (err error) {
	traceConfSlice, _ := confMap.FetchOptionValueStringSlice("Logging", "TraceLevelLogging")
	setTraceLoggingLevel(traceConfSlice)

	debugConfSlice, _ := confMap.FetchOptionValueStringSlice("Logging", "DebugLevelLogging")
	setDebugLoggingLevel(debugConfSlice)

	err = nil
	return
}
