package lfsck

import (
	"time"

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

// doubleScan walks the tracking index after the last FID phase 2 finished
// and re-examines every object phase 1 could not settle.
func (e *Engine) doubleScan() (done bool, err error) {
	var (
		f     fid.FID
		flags tracking.Flags
		ok    bool
	)

	callerID := dlm.GenerateCallerID()

	e.RLock()
	after := e.record.FIDLatestScannedPhase2
	e.RUnlock()

	logger.Infof("%s: namespace LFSCK phase 2 starting after %s", e.name, after)

	for {
		if e.stopped() {
			return e.stopOutcome()
		}

		f, flags, ok, err = e.index.Next(after)
		if nil != err {
			return
		}
		if !ok {
			break
		}
		after = f

		e.Lock()
		e.newChecked++
		e.record.FIDLatestScannedPhase2 = f
		e.Unlock()

		repaired, scanErr := e.doubleScanFID(f, flags, callerID)

		e.Lock()
		switch {
		case nil != scanErr:
			e.record.ObjsFailedPhase2++
		case repaired:
			e.record.ObjsRepairedPhase2++
		}
		e.Unlock()

		if nil != scanErr {
			logger.WarnfWithError(scanErr, "%s: double scan of %s failed", e.name, f)
			if e.failOut() {
				err = scanErr
				return
			}
		}

		if e.checkpointDue() {
			err = e.checkpointPhase2()
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

// checkpointPhase2 stores the phase 2 cursor and counters.
func (e *Engine) checkpointPhase2() (err error) {
	e.Lock()
	e.record.RunTimePhase2 += secondsSince(e.timeLastCheckpoint)
	e.timeLastCheckpoint = time.Now()
	e.record.TimeLastCheckpoint = uint64(e.timeLastCheckpoint.Unix())
	e.record.ObjsCheckedPhase2 += e.newChecked
	e.newChecked = 0
	scanned := e.record.FIDLatestScannedPhase2
	err = e.storeLocked()
	e.nextCheckpoint = time.Now().Add(e.opts.CheckpointInterval)
	e.Unlock()

	logger.Tracef("%s: namespace LFSCK phase 2 checkpoint at %s: %v", e.name, scanned, err)

	halter.Trigger(halter.LFSCKCheckpointExit)
	return
}

func (e *Engine) doubleScanFID(f fid.FID, flags tracking.Flags, callerID dlm.CallerID) (repaired bool, err error) {
	if !f.IsSane() {
		logger.Warnf("%s: tracking index holds insane FID %s", e.name, f)
		return
	}

	obj, err := e.store.Resolve(e.ctx, f)
	if nil != err {
		if blunder.Is(err, blunder.NotFoundError) {
			err = e.untrack(f, flags)
		}
		return
	}
	defer obj.Put()

	if !obj.Exists() {
		err = e.untrack(f, flags)
		return
	}

	repaired, err = e.doubleScanOne(obj, callerID)
	if nil == err {
		err = e.untrack(f, flags)
	}
	return
}

// untrack clears the checks phase 2 owed f. A dry-run leaves the index as
// it is so that a later real run finds the same work.
func (e *Engine) untrack(f fid.FID, flags tracking.Flags) error {
	if e.dryRun() {
		return nil
	}
	return e.traceUpdate(f, flags, false)
}

// doubleScanOne matches every linkEA entry of obj against its parent's
// directory entries, dropping entries nothing backs and re-creating name
// entries the linkEA still accounts for.
func (e *Engine) doubleScanOne(obj objstore.Object, callerID dlm.CallerID) (repaired bool, err error) {
	var (
		attr   objstore.Attr
		fixed  bool
		parent objstore.Object
		child  fid.FID
	)

	halter.Trigger(halter.LFSCKDoubleScanOneEntry)

	f := obj.FID()

	_, l, err := readLinkEA(obj)
	switch {
	case nil == err:
	case blunder.Is(err, blunder.NotFoundError):
		return false, nil
	case blunder.Is(err, blunder.CorruptLinkEAError):
		logger.Warnf("%s: %s still has a corrupt linkEA in phase 2", e.name, f)
		err = e.linksRemove(obj, callerID)
		repaired = nil == err
		return
	case blunder.Is(err, blunder.NoDataError):
		l = linkea.New()
		err = nil
	default:
		return
	}

	attr, err = obj.Attr()
	if nil != err {
		return
	}

	i := 0
	for i < l.Count() {
		entry := l.Entry(i)

		if l.HasDuplicate(i) {
			fixed, err = e.shrinkLinkEA(obj, callerID, l, i, true)
			if nil != err {
				return
			}
			repaired = repaired || fixed
			continue
		}

		if !entry.Parent.IsSane() || (entry.Parent == f) {
			fixed, err = e.shrinkLinkEA(obj, callerID, l, i, false)
			if nil != err {
				return
			}
			repaired = repaired || fixed
			continue
		}

		parent, err = e.store.Resolve(e.ctx, entry.Parent)
		if nil != err {
			if !blunder.Is(err, blunder.NotFoundError) {
				return
			}
			err = nil

			if l.Count() > 1 {
				// Other entries still name it.
				fixed, err = e.shrinkLinkEA(obj, callerID, l, i, false)
				if nil != err {
					return
				}
				repaired = repaired || fixed
				continue
			}

			fixed, err = e.createPlaceholder(entry.Parent, callerID)
			if nil != err {
				return
			}
			repaired = repaired || fixed
			fixed, err = e.insertNormal(entry.Parent, entry.Name, obj, callerID)
			if nil != err {
				return
			}
			repaired = repaired || fixed
			i++
			continue
		}

		if !parent.IsDir() || !parent.Exists() {
			parent.Put()
			fixed, err = e.shrinkLinkEA(obj, callerID, l, i, false)
			if nil != err {
				return
			}
			repaired = repaired || fixed
			continue
		}

		child, err = parent.Lookup(entry.Name)
		parent.Put()
		switch {
		case nil == err:
			if child == f {
				i++
				continue
			}
			fixed, err = e.shrinkLinkEA(obj, callerID, l, i, false)
		case blunder.Is(err, blunder.NotFoundError):
			err = nil
			if uint32(l.Count()) > attr.Nlink {
				var kept bool

				kept, fixed, err = e.shrinkLinkEACond(obj, callerID, l, i)
				if kept {
					i++
				}
			} else {
				fixed, err = e.insertNormal(entry.Parent, entry.Name, obj, callerID)
				i++
			}
		}
		if nil != err {
			return
		}
		repaired = repaired || fixed
	}

	if 0 == l.Count() {
		fixed, err = e.insertOrphan(obj, callerID)
		if nil != err {
			return
		}
		repaired = repaired || fixed
	} else if uint32(l.Count()) != attr.Nlink {
		logger.Tracef("%s: %s has nlink %d but %d linkEA entries", e.name, f, attr.Nlink, l.Count())
	}

	if repaired {
		e.setFlags(nsstate.FlagInconsistent)
		if attr.Nlink > 1 {
			e.Lock()
			e.record.MulLinkedRepaired++
			e.Unlock()
		}
	}
	return
}

// shrinkLinkEA drops entry i of l (or, with duplicates, every later repeat
// of it) and then makes the same change to the stored linkEA of obj.
// repaired is false when the stored linkEA no longer holds the entry.
func (e *Engine) shrinkLinkEA(obj objstore.Object, callerID dlm.CallerID, l *linkea.LinkEA, i int, duplicates bool) (repaired bool, err error) {
	entry := l.Entry(i)
	if duplicates {
		l.RemoveDuplicates(i)
	} else {
		l.RemoveAt(i)
	}

	e.setFlags(nsstate.FlagInconsistent)

	if e.dryRun() {
		e.Lock()
		e.record.LinkEARepaired++
		e.Unlock()
		return true, nil
	}

	lock := e.lockFor(obj.FID(), callerID)
	err = lock.WriteLock()
	if nil != err {
		return
	}
	defer func() { _ = lock.Unlock() }()

	for attempt := 0; attempt < maxWriteAttempts; attempt++ {
		if !obj.Exists() {
			return false, nil
		}

		raw, stored, readErr := readLinkEA(obj)
		switch {
		case nil == readErr:
		case blunder.Is(readErr, blunder.NotFoundError), blunder.Is(readErr, blunder.NoDataError), blunder.Is(readErr, blunder.CorruptLinkEAError):
			return false, nil
		default:
			return false, readErr
		}

		index, found := stored.Find(entry.Name, entry.Parent)
		if !found {
			return false, nil
		}
		if duplicates {
			if 0 == stored.RemoveDuplicates(index) {
				return false, nil
			}
		} else {
			stored.RemoveAt(index)
		}

		txn := e.store.Begin()
		txn.Expect(obj.FID(), linkea.XattrName, raw)
		if 0 == stored.Count() {
			txn.DelXattr(obj.FID(), linkea.XattrName)
		} else {
			txn.SetXattr(obj.FID(), linkea.XattrName, stored.Encode())
		}
		err = txn.Commit()
		if blunder.Is(err, blunder.TryAgainError) {
			err = nil
			continue
		}
		if nil != err {
			return
		}

		e.Lock()
		e.record.LinkEARepaired++
		e.Unlock()

		logger.Tracef("%s: dropped linkEA entry %s/%s of %s (duplicates %v)", e.name, entry.Parent, entry.Name, obj.FID(), duplicates)
		return true, nil
	}

	err = blunder.NewError(blunder.TryAgainError, "%s: linkEA of %s kept changing", e.name, obj.FID())
	return
}

// shrinkLinkEACond drops entry i only if, under the parent's lock, the name
// is still missing. kept reports that the name entry came back for obj.
func (e *Engine) shrinkLinkEACond(obj objstore.Object, callerID dlm.CallerID, l *linkea.LinkEA, i int) (kept bool, repaired bool, err error) {
	entry := l.Entry(i)

	lock := e.lockFor(entry.Parent, callerID)
	err = lock.WriteLock()
	if nil != err {
		return
	}
	defer func() { _ = lock.Unlock() }()

	parent, err := e.store.Resolve(e.ctx, entry.Parent)
	if nil == err {
		child, lookupErr := parent.Lookup(entry.Name)
		parent.Put()
		if (nil == lookupErr) && (child == obj.FID()) {
			kept = true
			return
		}
	} else if !blunder.Is(err, blunder.NotFoundError) {
		return
	}
	err = nil

	repaired, err = e.shrinkLinkEA(obj, callerID, l, i, false)
	return
}
