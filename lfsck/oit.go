package lfsck

import (
	"github.com/NVIDIA/lfsck/blunder"
	"github.com/NVIDIA/lfsck/dlm"
	"github.com/NVIDIA/lfsck/fid"
	"github.com/NVIDIA/lfsck/halter"
	"github.com/NVIDIA/lfsck/linkea"
	"github.com/NVIDIA/lfsck/logger"
	"github.com/NVIDIA/lfsck/nsstate"
	"github.com/NVIDIA/lfsck/objstore"
	"github.com/NVIDIA/lfsck/tracking"
)

// readLinkEA returns the raw attribute along with its decoded form. A
// missing attribute yields NoDataError, a malformed one CorruptLinkEAError
// (raw is still returned).
func readLinkEA(obj objstore.Object) (raw []byte, l *linkea.LinkEA, err error) {
	raw, err = obj.GetXattr(linkea.XattrName)
	if nil != err {
		return
	}
	l, err = linkea.Decode(raw)
	return
}

func (e *Engine) traceUpdate(f fid.FID, flags tracking.Flags, add bool) (err error) {
	e.traceLock.Lock()
	oldFlags, newFlags, err := tracking.Update(e.index, f, flags, add)
	e.traceLock.Unlock()

	if nil != err {
		logger.ErrorfWithError(err, "%s: tracking update of %s (%s, add %v) failed", e.name, f, flags, add)
		return
	}
	if oldFlags != newFlags {
		logger.Tracef("%s: tracking %s flags %s -> %s", e.name, f, oldFlags, newFlags)
	}
	return
}

func (e *Engine) setPos(pos nsstate.Position) {
	e.Lock()
	e.pos = pos
	e.Unlock()
}

// scanPhase1 runs the object table iteration (and, per directory, the
// directory traversal) from the position prep chose.
func (e *Engine) scanPhase1() (done bool, err error) {
	e.RLock()
	start := e.pos
	e.RUnlock()

	callerID := dlm.GenerateCallerID()

	if !start.DirParent.Zero() {
		done, err = e.resumeDir(start)
		if !done || (nil != err) {
			return
		}
		e.setPos(nsstate.Position{OITCookie: start.OITCookie})
	}

	iter, err := e.store.Enumerate(start.OITCookie + 1)
	if nil != err {
		return
	}
	defer iter.Close()

	for {
		var (
			obj    objstore.Object
			cookie uint64
			ok     bool
		)

		if e.stopped() {
			return e.stopOutcome()
		}

		obj, cookie, ok, err = iter.Next()
		if nil != err {
			return
		}
		if !ok {
			break
		}

		e.setPos(nsstate.Position{OITCookie: cookie - 1})

		err = e.execOIT(obj, cookie, callerID)
		if (nil == err) && obj.IsDir() && obj.Exists() {
			done, err = e.execDir(obj, cookie, 0)
			if (nil == err) && !done {
				obj.Put()
				return e.stopOutcome()
			}
		}
		obj.Put()
		if nil != err {
			return
		}

		e.setPos(nsstate.Position{OITCookie: cookie})
		if nil != e.onObject {
			e.onObject(cookie)
		}

		if e.checkpointDue() {
			err = e.checkpoint(false)
			if nil != err {
				return
			}
		}
		if e.throttle() {
			return e.stopOutcome()
		}
	}

	done = true
	return
}

// resumeDir finishes the traversal of the directory a checkpoint was taken
// in. A directory that no longer exists has nothing left to traverse.
func (e *Engine) resumeDir(start nsstate.Position) (done bool, err error) {
	dir, err := e.store.Resolve(e.ctx, start.DirParent)
	if nil != err {
		if blunder.Is(err, blunder.NotFoundError) {
			done, err = true, nil
		}
		return
	}
	defer dir.Put()

	if !dir.IsDir() {
		done = true
		return
	}

	logger.Infof("%s: resuming traversal of %s after cookie %#x", e.name, start.DirParent, start.DirCookie)
	done, err = e.execDir(dir, start.OITCookie, start.DirCookie)
	return
}

// execOIT sanity checks the linkEA of one enumerated object and records in
// the tracking index what phase 2 must verify. A returned error is fatal to
// the run; unit failures are only counted unless FAILOUT is set.
func (e *Engine) execOIT(obj objstore.Object, cookie uint64, callerID dlm.CallerID) (err error) {
	var flags tracking.Flags

	halter.Trigger(halter.LFSCKExecOITEntry)

	e.Lock()
	e.newChecked++
	if obj.IsDir() {
		e.record.DirsChecked++
	}
	e.Unlock()

	f := obj.FID()

	_, l, err := readLinkEA(obj)
	switch {
	case nil == err:
	case blunder.Is(err, blunder.NotFoundError):
		return nil
	case blunder.Is(err, blunder.CorruptLinkEAError):
		logger.Warnf("%s: %s has a corrupt linkEA: %v", e.name, f, err)
		err = e.traceUpdate(f, tracking.CheckLinkEA, true)
		if nil == err {
			err = e.linksRemove(obj, callerID)
		}
		return e.oitResult(f, cookie, err)
	case blunder.Is(err, blunder.NoDataError):
		err = nil
		if !obj.IsDir() {
			attr, attrErr := obj.Attr()
			if nil != attrErr {
				return e.oitResult(f, cookie, attrErr)
			}
			if attr.Nlink > 1 {
				flags = tracking.CheckLinkEA
			}
		}
		return e.oitResult(f, cookie, e.traceFlags(f, flags))
	default:
		return e.oitResult(f, cookie, err)
	}

	if l.Count() > 1 {
		flags = tracking.CheckLinkEA
	} else if 1 == l.Count() {
		pfid := l.Entry(0).Parent
		if !pfid.IsSane() {
			flags = tracking.CheckParent
		} else {
			target, locateErr := e.locator.Locate(pfid.Seq)
			switch {
			case blunder.Is(locateErr, blunder.NotFoundError):
				flags = tracking.CheckLinkEA
			case nil != locateErr:
				return e.oitResult(f, cookie, locateErr)
			case target != e.store.TargetIndex():
				flags = tracking.CheckLinkEA
			case !obj.IsDir():
				attr, attrErr := obj.Attr()
				if nil != attrErr {
					return e.oitResult(f, cookie, attrErr)
				}
				if attr.Nlink > 1 {
					flags = tracking.CheckLinkEA
				}
			}
		}
	}

	return e.oitResult(f, cookie, e.traceFlags(f, flags))
}

func (e *Engine) traceFlags(f fid.FID, flags tracking.Flags) error {
	if 0 == flags {
		return nil
	}
	return e.traceUpdate(f, flags, true)
}

func (e *Engine) oitResult(f fid.FID, cookie uint64, err error) error {
	if nil == err {
		return nil
	}

	if blunder.Is(err, blunder.NotFoundError) {
		return nil
	}

	logger.WarnfWithError(err, "%s: exec_oit of %s failed", e.name, f)
	e.fail(nsstate.Position{OITCookie: cookie - 1}, false)
	if e.failOut() {
		return err
	}
	return nil
}

// linksRemove deletes a linkEA that cannot be decoded. Its directory entries
// rebuild it later in the scan.
func (e *Engine) linksRemove(obj objstore.Object, callerID dlm.CallerID) (err error) {
	e.setFlags(nsstate.FlagInconsistent)

	if e.dryRun() {
		return nil
	}

	lock := e.lockFor(obj.FID(), callerID)
	err = lock.WriteLock()
	if nil != err {
		return
	}
	defer func() { _ = lock.Unlock() }()

	if !obj.Exists() {
		return nil
	}

	raw, _, readErr := readLinkEA(obj)
	switch {
	case blunder.Is(readErr, blunder.CorruptLinkEAError):
	case blunder.Is(readErr, blunder.NoDataError):
		return nil
	case nil == readErr:
		// Rewritten by a repair that won the lock first.
		return nil
	default:
		return readErr
	}

	txn := e.store.Begin()
	txn.Expect(obj.FID(), linkea.XattrName, raw)
	txn.DelXattr(obj.FID(), linkea.XattrName)
	err = txn.Commit()
	if blunder.Is(err, blunder.TryAgainError) || blunder.Is(err, blunder.NotFoundError) {
		err = nil
	}

	logger.Tracef("%s: removed corrupt linkEA of %s: %v", e.name, obj.FID(), err)
	return
}
