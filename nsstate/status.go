package nsstate

import (
	"strings"
)

type Status uint32

const (
	StatusInit Status = iota
	StatusScanningPhase1
	StatusScanningPhase2
	StatusCompleted
	StatusFailed
	StatusStopped
	StatusPaused
	StatusCrashed
	StatusPartial
	statusMax
)

var statusNames = [statusMax]string{
	"init",
	"scanning-phase1",
	"scanning-phase2",
	"completed",
	"failed",
	"stopped",
	"paused",
	"crashed",
	"partial",
}

func (s Status) Valid() bool {
	return s < statusMax
}

func (s Status) String() string {
	if !s.Valid() {
		return "unknown"
	}
	return statusNames[s]
}

// Category names the scheduler registry a component with this status lives in.
type Category int

const (
	CategoryIdle Category = iota
	CategoryScan
	CategoryDoubleScan
)

func (c Category) String() string {
	switch c {
	case CategoryIdle:
		return "idle"
	case CategoryScan:
		return "scan"
	case CategoryDoubleScan:
		return "double-scan"
	}
	return "unknown"
}

func (s Status) Category() Category {
	switch s {
	case StatusScanningPhase1, StatusPaused, StatusCrashed:
		return CategoryScan
	case StatusScanningPhase2:
		return CategoryDoubleScan
	}
	return CategoryIdle
}

type Flags uint32

const (
	FlagScannedOnce Flags = 1 << iota
	FlagInconsistent
	FlagUpgrade
	FlagIncomplete
)

var flagNames = []string{"scanned-once", "inconsistent", "upgrade", "incomplete"}

func (f Flags) Has(bits Flags) bool {
	return bits == (f & bits)
}

// String renders the set bits as a comma separated list.
func (f Flags) String() string {
	names := make([]string, 0, len(flagNames))
	for i, name := range flagNames {
		if f.Has(1 << uint(i)) {
			names = append(names, name)
		}
	}
	return strings.Join(names, ",")
}

// Condition couples the run status with its outcome flags so that a finished
// run can never be reported COMPLETED while INCOMPLETE is set.
type Condition struct {
	Status Status
	Flags  Flags
}

func (c Condition) Category() Category {
	return c.Status.Category()
}

// Finish returns the condition after phase 2 ran to its end.
func (c Condition) Finish(dryRun bool) (next Condition) {
	next = c
	if c.Flags.Has(FlagIncomplete) {
		next.Status = StatusPartial
	} else {
		next.Status = StatusCompleted
	}
	if !dryRun {
		next.Flags &^= FlagScannedOnce | FlagInconsistent
	}
	return
}

// EnterPhase2 returns the condition after phase 1 ran to its end.
func (c Condition) EnterPhase2() (next Condition) {
	next.Status = StatusScanningPhase2
	next.Flags = (c.Flags | FlagScannedOnce) &^ FlagUpgrade
	return
}

// Stopped returns the condition for a run ended by request, or by failure.
func (c Condition) Stopped(requested Status, failed bool) (next Condition) {
	next = c
	switch {
	case failed:
		next.Status = StatusFailed
	case (StatusPaused == requested) || (StatusStopped == requested) || (StatusFailed == requested):
		next.Status = requested
	default:
		next.Status = StatusStopped
	}
	return
}

// Loaded returns the condition to resume from given a status read from disk.
// A run that was scanning when the record was last stored must have crashed.
func (c Condition) Loaded() (next Condition, corrupt bool) {
	next = c
	switch c.Status {
	case StatusInit, StatusCompleted, StatusFailed, StatusStopped, StatusPartial, StatusPaused, StatusCrashed:
	case StatusScanningPhase1, StatusScanningPhase2:
		next.Status = StatusCrashed
	default:
		next.Status = StatusCrashed
		corrupt = true
	}
	return
}
