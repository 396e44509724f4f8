package lfsck

import (
	"time"

	"github.com/NVIDIA/lfsck/blunder"
	"github.com/NVIDIA/lfsck/halter"
	"github.com/NVIDIA/lfsck/logger"
	"github.com/NVIDIA/lfsck/nsstate"
)

func (e *Engine) setup() (err error) {
	e.Lock()
	defer e.Unlock()

	buf, err := e.index.LoadState()
	switch {
	case nil == err:
		e.record, err = nsstate.Unpack(buf)
		if nil != err {
			logger.WarnfWithError(err, "%s: namespace LFSCK state record unusable, resetting", e.name)
			e.record = nsstate.New()
			err = e.resetLocked(true)
		}
	case blunder.Is(err, blunder.NoDataError):
		e.record = nsstate.New()
		err = e.storeLocked()
	}
	if nil != err {
		logger.ErrorfWithError(err, "%s: namespace LFSCK setup failed", e.name)
		return
	}

	cond, corrupt := e.record.Condition().Loaded()
	if corrupt {
		logger.Warnf("%s: namespace LFSCK state record has unknown status %d, treating it as crashed", e.name, uint32(e.record.Status))
	}
	e.record.SetCondition(cond)
	e.registry.move(e, cond.Category())

	logger.Infof("%s: namespace LFSCK set up in status %s", e.name, cond.Status)
	return
}

func (e *Engine) storeLocked() (err error) {
	buf, err := e.record.Pack()
	if nil != err {
		return
	}
	err = e.index.StoreState(buf)
	if nil != err {
		logger.ErrorfWithError(err, "%s: namespace LFSCK failed to store state record", e.name)
	}
	return
}

// resetLocked drops every tracking index entry and writes a fresh record.
func (e *Engine) resetLocked(init bool) (err error) {
	e.record.Reset(init)

	err = e.index.Recreate()
	if nil == err {
		err = e.storeLocked()
	}

	logger.Tracef("%s: namespace LFSCK reset (init %v): %v", e.name, init, err)
	return
}

func (e *Engine) setConditionLocked(c nsstate.Condition) {
	e.record.SetCondition(c)
	e.registry.move(e, c.Category())
}

func (e *Engine) setFlags(flags nsstate.Flags) {
	e.Lock()
	e.record.Flags |= flags
	e.Unlock()
}

func secondsSince(t time.Time) uint32 {
	return uint32((time.Since(t) + time.Second/2) / time.Second)
}

// checkpoint stores the position of the oldest unfinished work. The initial
// checkpoint of a run only records where the run started.
func (e *Engine) checkpoint(init bool) (err error) {
	e.Lock()
	pos := e.fillPosLocked()
	if init {
		e.record.PosLatestStart = pos
	} else {
		e.record.PosLastCheckpoint = pos
		e.record.RunTimePhase1 += secondsSince(e.timeLastCheckpoint)
		e.timeLastCheckpoint = time.Now()
		e.record.TimeLastCheckpoint = uint64(e.timeLastCheckpoint.Unix())
		e.record.ItemsChecked += e.newChecked
		e.newChecked = 0
	}
	err = e.storeLocked()
	e.nextCheckpoint = time.Now().Add(e.opts.CheckpointInterval)
	e.Unlock()

	logger.Tracef("%s: namespace LFSCK checkpoint at %s: %v", e.name, pos, err)

	halter.Trigger(halter.LFSCKCheckpointExit)
	return
}

// checkpointDue reports whether the checkpoint interval since the last
// checkpoint elapsed.
func (e *Engine) checkpointDue() bool {
	e.RLock()
	defer e.RUnlock()
	return !time.Now().Before(e.nextCheckpoint)
}

// fillPosLocked returns the position a restart must resume from: the one
// before the oldest request still queued, or else the last completed one.
func (e *Engine) fillPosLocked() (pos nsstate.Position) {
	pos = e.pos
	if nil != e.pool {
		if oldest, ok := e.pool.oldest(); ok && resumesBefore(oldest, pos) {
			pos = oldest
		}
	}
	return
}

// resumesBefore orders positions by how much work they leave behind. Inside
// the traversal of object c's directory is before c as a whole.
func resumesBefore(a nsstate.Position, b nsstate.Position) bool {
	if (a.OITCookie == b.OITCookie) && (a.DirParent.Zero() != b.DirParent.Zero()) {
		return !a.DirParent.Zero()
	}
	return a.Compare(b) < 0
}

// fail counts a phase 1 unit that could not be checked.
func (e *Engine) fail(pos nsstate.Position, newChecked bool) {
	e.Lock()
	if newChecked {
		e.newChecked++
	}
	e.record.ItemsFailed++
	e.record.NoteInconsistent(pos)
	e.Unlock()
}

// repaired counts a phase 1 unit that needed (or, in dry-run, would need) a
// repair. In dry-run the unit also becomes the first inconsistent position
// so that a later real run can restart from it.
func (e *Engine) repaired(pos nsstate.Position) {
	e.Lock()
	e.record.ItemsRepaired++
	if e.param.Has(nsstate.ParamDryRun) {
		e.record.NoteInconsistent(pos)
	}
	e.Unlock()
}

func (e *Engine) dryRun() bool {
	e.RLock()
	defer e.RUnlock()
	return e.param.Has(nsstate.ParamDryRun)
}

func (e *Engine) failOut() bool {
	e.RLock()
	defer e.RUnlock()
	return e.param.Has(nsstate.ParamFailOut)
}
