package lfsck

import (
	"github.com/NVIDIA/lfsck/blunder"
	"github.com/NVIDIA/lfsck/dlm"
	"github.com/NVIDIA/lfsck/linkea"
	"github.com/NVIDIA/lfsck/logger"
	"github.com/NVIDIA/lfsck/nsstate"
	"github.com/NVIDIA/lfsck/objstore"
	"github.com/NVIDIA/lfsck/tracking"
)

// maxWriteAttempts bounds the re-read/commit loop of one linkEA rewrite.
const maxWriteAttempts = 8

// handleP1 verifies that the object named by one directory entry carries the
// matching linkEA entry, repairing the linkEA when it does not.
func (e *Engine) handleP1(req *scanRequest, callerID dlm.CallerID) (err error) {
	var (
		count    int
		repaired bool
		fixed    bool
	)

	if isDotName(req.name) || req.child.IsDotSeq() {
		return nil
	}

	pos := req.position()
	defer func() {
		switch {
		case nil != err:
			logger.WarnfWithError(err, "%s: checking %s/%s -> %s failed", e.name, req.parent.FID(), req.name, req.child)
			e.fail(pos, false)
		case repaired:
			e.repaired(pos)
		}
	}()

	target, err := e.locator.Locate(req.child.Seq)
	if nil != err {
		return
	}
	if (target != e.store.TargetIndex()) && !e.coord.Known(target) {
		e.setFlags(nsstate.FlagIncomplete)
		err = blunder.NewError(blunder.NoDeviceError, "%s: %s lives on unknown target %d", e.name, req.child, target)
		return
	}

	child, err := e.store.Resolve(e.ctx, req.child)
	if nil != err {
		if blunder.Is(err, blunder.NotFoundError) {
			repaired, err = e.handleDangling(req, callerID)
		}
		return
	}
	defer child.Put()

	if !child.Exists() {
		return nil
	}

	if 0 != (req.attr & objstore.DirentUpgrade) {
		e.Lock()
		e.record.Flags |= nsstate.FlagUpgrade
		e.record.DirentRepaired++
		e.Unlock()
		repaired = true
	} else if 0 != (req.attr & objstore.DirentRepair) {
		e.Lock()
		e.record.Flags |= nsstate.FlagInconsistent
		e.record.DirentRepaired++
		e.Unlock()
		repaired = true
	}

	count, fixed, err = e.verifyLinkEA(req, child, callerID)
	repaired = repaired || fixed
	if (nil != err) || (0 == count) {
		return
	}

	attr, err := child.Attr()
	if nil != err {
		return
	}
	if (1 == count) && ((1 == attr.Nlink) || child.IsDir()) {
		return
	}

	e.Lock()
	e.record.MulLinkedChecked++
	e.Unlock()

	err = e.traceUpdate(req.child, tracking.CheckLinkEA, true)
	return
}

// verifyLinkEA makes the linkEA of child name (req.parent, req.name). A
// directory ends up with that single entry; any other object keeps the
// entries it already had. The first pass reads without the object's lock;
// when a write turns out to be needed the lock is taken and the decision
// made again. count is 0 when the name entry went away meanwhile.
func (e *Engine) verifyLinkEA(req *scanRequest, child objstore.Object, callerID dlm.CallerID) (count int, repaired bool, err error) {
	var locked bool

	pfid := req.parent.FID()
	lock := e.lockFor(req.child, callerID)
	defer func() {
		if locked {
			_ = lock.Unlock()
		}
	}()

	for attempt := 0; attempt < maxWriteAttempts; attempt++ {
		var (
			candidate *linkea.LinkEA
			gone      bool
			l         *linkea.LinkEA
			raw       []byte
			readErr   error
		)

		raw, l, readErr = readLinkEA(child)
		switch {
		case nil == readErr:
			count = l.Count()
			if _, found := l.Find(req.name, pfid); found && ((1 == count) || !child.IsDir()) {
				return
			}
			e.setFlags(nsstate.FlagInconsistent)
			if child.IsDir() {
				candidate = linkea.New()
			} else {
				candidate = l
			}
		case blunder.Is(readErr, blunder.CorruptLinkEAError):
			count = 1
			e.setFlags(nsstate.FlagInconsistent)
			candidate = linkea.New()
		case blunder.Is(readErr, blunder.NoDataError):
			count = 1
			e.setFlags(nsstate.FlagUpgrade)
			raw = nil
			candidate = linkea.New()
		case blunder.Is(readErr, blunder.NotFoundError):
			count = 0
			return
		default:
			err = readErr
			return
		}

		if e.dryRun() {
			e.Lock()
			e.record.LinkEARepaired++
			e.Unlock()
			repaired = true
			return
		}

		if !locked {
			err = lock.WriteLock()
			if nil != err {
				return
			}
			locked = true
			continue
		}

		gone, err = e.checkExist(req.parent, child, req.name)
		if (nil != err) || gone {
			count = 0
			return
		}

		err = candidate.Add(req.name, pfid)
		if nil != err {
			return
		}

		txn := e.store.Begin()
		txn.Expect(req.child, linkea.XattrName, raw)
		txn.SetXattr(req.child, linkea.XattrName, candidate.Encode())
		err = txn.Commit()
		if blunder.Is(err, blunder.TryAgainError) {
			err = nil
			continue
		}
		if nil != err {
			return
		}

		count = candidate.Count()
		e.Lock()
		e.record.LinkEARepaired++
		e.Unlock()
		repaired = true

		logger.Tracef("%s: linkEA of %s now names %s/%s (%d entries)", e.name, req.child, pfid, req.name, count)
		return
	}

	err = blunder.NewError(blunder.TryAgainError, "%s: linkEA of %s kept changing", e.name, req.child)
	return
}

// checkExist re-validates, under the child's lock, that parent still maps
// name to child. gone covers a dead child, a removed entry, and an entry
// recreated for another object.
func (e *Engine) checkExist(parent objstore.Object, child objstore.Object, name string) (gone bool, err error) {
	if !child.Exists() || !parent.Exists() {
		return true, nil
	}

	f, err := parent.Lookup(name)
	if nil != err {
		if blunder.Is(err, blunder.NotFoundError) {
			return true, nil
		}
		return
	}
	gone = f != child.FID()
	return
}

// handleDangling applies the dangling policy to an entry whose object does
// not exist.
func (e *Engine) handleDangling(req *scanRequest, callerID dlm.CallerID) (repaired bool, err error) {
	logger.Warnf("%s: dangling name entry %s/%s -> %s", e.name, req.parent.FID(), req.name, req.child)

	e.Lock()
	e.record.DanglingFound++
	e.record.Flags |= nsstate.FlagInconsistent
	e.Unlock()

	if DanglingRemove != e.opts.DanglingPolicy {
		return
	}

	if !e.dryRun() {
		lock := e.lockFor(req.parent.FID(), callerID)
		err = lock.WriteLock()
		if nil != err {
			return
		}
		defer func() { _ = lock.Unlock() }()

		f, lookupErr := req.parent.Lookup(req.name)
		if (nil != lookupErr) || (f != req.child) {
			// Removed or recreated meanwhile.
			return
		}
		if obj, resolveErr := e.store.Resolve(e.ctx, req.child); nil == resolveErr {
			// Created meanwhile.
			obj.Put()
			return
		}

		txn := e.store.Begin()
		txn.Delete(req.parent.FID(), req.name)
		err = txn.Commit()
		if nil != err {
			return
		}
	}

	e.Lock()
	e.record.DirentRepaired++
	e.Unlock()
	repaired = true
	return
}
