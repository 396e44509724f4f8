package logger

import (
	"io"
	"sync"
)

type multiWriterStruct struct {
	sync.Mutex
	writers []io.Writer
}

func (mw *multiWriterStruct) addWriter(writer io.Writer) {
	mw.Lock()
	mw.writers = append(mw.writers, writer)
	mw.Unlock()
}

func (mw *multiWriterStruct) reset() {
	mw.Lock()
	mw.writers = nil
	mw.Unlock()
}

// Write hands p to each writer in turn; the first error is returned but every
// writer is still written.
func (mw *multiWriterStruct) Write(p []byte) (n int, err error) {
	mw.Lock()
	defer mw.Unlock()

	for _, writer := range mw.writers {
		_, writeErr := writer.Write(p)
		if (nil != writeErr) && (nil == err) {
			err = writeErr
		}
	}

	n = len(p)
	return
}

// Add another target for log messages to be written to.  writer is an object
// with an io.Writer interface that's called once for each log message.
//
// Targets added before Up() are discarded by it.
//
func AddLogTarget(writer io.Writer) {
	globals.multiWriter.addWriter(writer)
}

// An example of a log target that captures the most recent n lines of log into
// an array.  Useful for writing test cases.
//
type LogBuffer struct {
	sync.Mutex
	LogEntries   []string // most recent log entry is [0]
	TotalEntries int      // count of all entries seen
}

type LogTarget struct {
	LogBuf *LogBuffer
}

// Initialize a LogTarget to hold upto nEntry log entries.
//
func (target *LogTarget) Init(nEntry int) {
	target.LogBuf = &LogBuffer{TotalEntries: 0}
	target.LogBuf.LogEntries = make([]string, nEntry)
}

// Called by logger for each log entry
//
func (target LogTarget) Write(p []byte) (n int, err error) {
	target.LogBuf.Lock()
	defer target.LogBuf.Unlock()

	target.LogBuf.TotalEntries++

	entries := target.LogBuf.LogEntries
	if 0 < len(entries) {
		copy(entries[1:], entries[:len(entries)-1])
		entries[0] = string(p)
	}

	n = len(p)
	return
}

// Entries returns a copy of the captured entries, most recent first.
func (target LogTarget) Entries() (entries []string) {
	target.LogBuf.Lock()
	defer target.LogBuf.Unlock()

	entries = make([]string, 0, len(target.LogBuf.LogEntries))
	for _, entry := range target.LogBuf.LogEntries {
		if "" != entry {
			entries = append(entries, entry)
		}
	}
	return
}
