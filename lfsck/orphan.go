package lfsck

import (
	"fmt"

	"github.com/NVIDIA/lfsck/blunder"
	"github.com/NVIDIA/lfsck/dlm"
	"github.com/NVIDIA/lfsck/fid"
	"github.com/NVIDIA/lfsck/linkea"
	"github.com/NVIDIA/lfsck/logger"
	"github.com/NVIDIA/lfsck/objstore"
)

const (
	lostFoundOid      uint32 = 0x10
	recoveryDirOidMin uint32 = 0x100
	orphanSuffix             = "-O"
	placeholderSuffix        = "-P"
	maxNameCollisions        = 1024
)

// LostFoundFID is the well-known FID of the recovery container under the root.
var LostFoundFID = fid.FID{Seq: fid.SeqLocal, Oid: lostFoundOid}

// RecoveryDirFID returns the FID of the per-target directory under the
// recovery container.
func RecoveryDirFID(target uint32) fid.FID {
	return fid.FID{Seq: fid.SeqLocal, Oid: recoveryDirOidMin + target}
}

// RecoveryDirName returns the name of the per-target recovery directory.
func RecoveryDirName(target uint32) string {
	return fmt.Sprintf("MDT%04x", target)
}

// recoveryDir returns this target's recovery directory, creating it (and the
// recovery container) on first use.
func (e *Engine) recoveryDir(callerID dlm.CallerID) (dir fid.FID, err error) {
	lostFound, err := e.ensureDir(e.store.Root(), e.opts.LostFoundName, LostFoundFID, callerID)
	if nil != err {
		return
	}
	index := e.store.TargetIndex()
	dir, err = e.ensureDir(lostFound, RecoveryDirName(index), RecoveryDirFID(index), callerID)
	return
}

// ensureDir makes parent map name to a directory whose linkEA names exactly
// (parent, name), creating the directory as want if name is absent.
func (e *Engine) ensureDir(parent fid.FID, name string, want fid.FID, callerID dlm.CallerID) (dir fid.FID, err error) {
	lock := e.lockFor(parent, callerID)
	err = lock.WriteLock()
	if nil != err {
		return
	}
	defer func() { _ = lock.Unlock() }()

	p, err := e.store.Resolve(e.ctx, parent)
	if nil != err {
		return
	}
	defer p.Put()

	existing, err := p.Lookup(name)
	switch {
	case nil == err:
		var obj objstore.Object

		obj, err = e.store.Resolve(e.ctx, existing)
		if nil != err {
			return
		}
		isDir := obj.IsDir()
		obj.Put()
		if !isDir {
			err = blunder.NewError(blunder.NotDirError, "%s: %s/%s is not a directory", e.name, parent, name)
			return
		}
		dir = existing
		err = e.verifyRecoveryLinkEA(dir, parent, name, callerID)
		return
	case blunder.Is(err, blunder.NotFoundError):
		err = nil
	default:
		return
	}

	l := linkea.New()
	err = l.Add(name, parent)
	if nil != err {
		return
	}

	txn := e.store.Begin()
	if obj, resolveErr := e.store.Resolve(e.ctx, want); nil == resolveErr {
		obj.Put()
	} else {
		txn.Create(want, objstore.TypeDir)
	}
	txn.Insert(parent, name, want, objstore.TypeDir)
	txn.SetXattr(want, linkea.XattrName, l.Encode())
	err = txn.Commit()
	if nil != err {
		return
	}

	logger.Infof("%s: created recovery directory %s/%s as %s", e.name, parent, name, want)
	dir = want
	return
}

// verifyRecoveryLinkEA rewrites the linkEA of a recovery directory unless it
// already names exactly (parent, name).
func (e *Engine) verifyRecoveryLinkEA(dir fid.FID, parent fid.FID, name string, callerID dlm.CallerID) (err error) {
	lock := e.lockFor(dir, callerID)
	err = lock.WriteLock()
	if nil != err {
		return
	}
	defer func() { _ = lock.Unlock() }()

	obj, err := e.store.Resolve(e.ctx, dir)
	if nil != err {
		return
	}
	defer obj.Put()

	raw, l, readErr := readLinkEA(obj)
	switch {
	case nil == readErr:
		if _, found := l.Find(name, parent); found && (1 == l.Count()) {
			return nil
		}
	case blunder.Is(readErr, blunder.CorruptLinkEAError):
	case blunder.Is(readErr, blunder.NoDataError):
		raw = nil
	default:
		return readErr
	}

	l = linkea.New()
	err = l.Add(name, parent)
	if nil != err {
		return
	}

	txn := e.store.Begin()
	txn.Expect(dir, linkea.XattrName, raw)
	txn.SetXattr(dir, linkea.XattrName, l.Encode())
	err = txn.Commit()

	logger.Tracef("%s: rewrote linkEA of recovery directory %s: %v", e.name, dir, err)
	return
}

// uniqueName returns base, or base-<n> for the first n from 1 not yet used in dir.
func uniqueName(dir objstore.Object, base string) (name string, err error) {
	name = base
	for n := 1; n <= maxNameCollisions; n++ {
		_, err = dir.Lookup(name)
		if blunder.Is(err, blunder.NotFoundError) {
			err = nil
			return
		}
		if nil != err {
			return
		}
		name = fmt.Sprintf("%s-%d", base, n)
	}
	err = blunder.NewError(blunder.FileExistsError, "no free name for %s in %s", base, dir.FID())
	return
}

// insertOrphan links an object that no directory names into the recovery
// directory as "<fid>-O".
func (e *Engine) insertOrphan(obj objstore.Object, callerID dlm.CallerID) (inserted bool, err error) {
	f := obj.FID()

	if e.dryRun() {
		e.Lock()
		e.record.ObjsLostFound++
		e.Unlock()
		return true, nil
	}

	dirFID, err := e.recoveryDir(callerID)
	if nil != err {
		return
	}

	dirLock := e.lockFor(dirFID, callerID)
	err = dirLock.WriteLock()
	if nil != err {
		return
	}
	defer func() { _ = dirLock.Unlock() }()

	dir, err := e.store.Resolve(e.ctx, dirFID)
	if nil != err {
		return
	}
	defer dir.Put()

	objLock := e.lockFor(f, callerID)
	err = objLock.WriteLock()
	if nil != err {
		return
	}
	defer func() { _ = objLock.Unlock() }()

	raw, l, readErr := readLinkEA(obj)
	switch {
	case nil == readErr:
		if 0 != l.Count() {
			// Named again meanwhile.
			return
		}
	case blunder.Is(readErr, blunder.NoDataError):
		raw = nil
	default:
		err = readErr
		return
	}

	name, err := uniqueName(dir, f.String()+orphanSuffix)
	if nil != err {
		return
	}

	l = linkea.New()
	err = l.Add(name, dirFID)
	if nil != err {
		return
	}

	txn := e.store.Begin()
	txn.Expect(f, linkea.XattrName, raw)
	txn.Insert(dirFID, name, f, obj.Type())
	txn.SetXattr(f, linkea.XattrName, l.Encode())
	err = txn.Commit()
	if nil != err {
		return
	}

	e.Lock()
	e.record.ObjsLostFound++
	e.Unlock()

	logger.Infof("%s: orphan %s moved to %s/%s", e.name, f, dirFID, name)
	inserted = true
	return
}

// createPlaceholder creates the missing directory pfid in the recovery
// directory as "<pfid>-P", so that the object naming it as parent can be
// linked back in.
func (e *Engine) createPlaceholder(pfid fid.FID, callerID dlm.CallerID) (created bool, err error) {
	if e.dryRun() {
		e.Lock()
		e.record.ObjsLostFound++
		e.Unlock()
		return true, nil
	}

	dirFID, err := e.recoveryDir(callerID)
	if nil != err {
		return
	}

	lock := e.lockFor(dirFID, callerID)
	err = lock.WriteLock()
	if nil != err {
		return
	}
	defer func() { _ = lock.Unlock() }()

	if obj, resolveErr := e.store.Resolve(e.ctx, pfid); nil == resolveErr {
		// Created meanwhile.
		obj.Put()
		return
	}

	dir, err := e.store.Resolve(e.ctx, dirFID)
	if nil != err {
		return
	}
	defer dir.Put()

	name, err := uniqueName(dir, pfid.String()+placeholderSuffix)
	if nil != err {
		return
	}

	l := linkea.New()
	err = l.Add(name, dirFID)
	if nil != err {
		return
	}

	txn := e.store.Begin()
	txn.Create(pfid, objstore.TypeDir)
	txn.Insert(dirFID, name, pfid, objstore.TypeDir)
	txn.SetXattr(pfid, linkea.XattrName, l.Encode())
	err = txn.Commit()
	if nil != err {
		return
	}

	e.Lock()
	e.record.ObjsLostFound++
	e.Unlock()

	logger.Infof("%s: created placeholder parent %s as %s/%s", e.name, pfid, dirFID, name)
	created = true
	return
}

// insertNormal re-creates the directory entry (pfid, name) -> obj that the
// object's linkEA claims.
func (e *Engine) insertNormal(pfid fid.FID, name string, obj objstore.Object, callerID dlm.CallerID) (inserted bool, err error) {
	if e.dryRun() {
		e.Lock()
		e.record.DirentRepaired++
		e.Unlock()
		return true, nil
	}

	lock := e.lockFor(pfid, callerID)
	err = lock.WriteLock()
	if nil != err {
		return
	}
	defer func() { _ = lock.Unlock() }()

	parent, err := e.store.Resolve(e.ctx, pfid)
	if nil != err {
		if blunder.Is(err, blunder.NotFoundError) {
			err = nil
		}
		return
	}
	defer parent.Put()

	_, err = parent.Lookup(name)
	switch {
	case nil == err:
		// Taken meanwhile, by this object or another.
		return
	case blunder.Is(err, blunder.NotFoundError):
		err = nil
	default:
		return
	}

	txn := e.store.Begin()
	txn.Insert(pfid, name, obj.FID(), obj.Type())
	err = txn.Commit()
	if nil != err {
		return
	}

	e.Lock()
	e.record.DirentRepaired++
	e.Unlock()

	logger.Tracef("%s: re-created name entry %s/%s -> %s", e.name, pfid, name, obj.FID())
	inserted = true
	return
}
