// Copyright (c) 2015-2021, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

// Package ramstore is an in-memory implementation of the objstore contract.
// One Namespace is shared by any number of Targets; each Target enumerates
// only the objects whose sequence the FLD assigns to it, while resolution,
// lookup and transactions see the whole namespace.
package ramstore

import (
	"sync/atomic"

	"github.com/google/btree"

	"github.com/NVIDIA/lfsck/blunder"
	"github.com/NVIDIA/lfsck/fid"
	"github.com/NVIDIA/lfsck/fld"
	"github.com/NVIDIA/lfsck/objstore"
	"github.com/NVIDIA/lfsck/trackedlock"
)

// Each target is granted sequences [SeqStart+index*SeqWidth, SeqStart+(index+1)*SeqWidth).
const SeqWidth uint64 = 0x10000

const (
	btreeDegree      = 8
	fldCacheSize     = 256
	firstEntryCookie = 3
)

type Namespace struct {
	trackedlock.RWMutex
	fldTable   *fld.Table
	fldCache   *fld.Cache
	objects    map[fid.FID]*objectStruct
	table      *btree.BTree // *objectStruct ordered by cookie
	nextCookie uint64
	handleRefs int64 // atomic; outstanding objstore.Object references
	targets    map[uint32]*Target
}

type Target struct {
	ns      *Namespace
	index   uint32
	seq     uint64
	nextOid uint32
}

// NewNamespace returns a namespace holding only the root directory.
func NewNamespace() (ns *Namespace) {
	var err error

	ns = &Namespace{
		fldTable:   fld.NewTable(),
		objects:    make(map[fid.FID]*objectStruct),
		table:      btree.New(btreeDegree),
		nextCookie: 1,
		targets:    make(map[uint32]*Target),
	}

	ns.fldCache, err = fld.NewCache(ns.fldTable, fldCacheSize)
	if nil != err {
		panic(err)
	}

	ns.createLocked(fid.Root, objstore.TypeDir)

	return
}

// Target returns (creating on first use) the view of target index.
func (ns *Namespace) Target(index uint32) (t *Target) {
	ns.Lock()
	defer ns.Unlock()

	t, ok := ns.targets[index]
	if ok {
		return
	}

	t = &Target{ns: ns, index: index, seq: fid.SeqStart + uint64(index)*SeqWidth}
	err := ns.fldTable.Insert(fld.Range{Start: t.seq, End: t.seq + SeqWidth, Target: index})
	if nil != err {
		panic(err)
	}
	ns.fldCache.Purge()
	ns.targets[index] = t

	return
}

// TargetCount returns how many targets were created so far.
func (ns *Namespace) TargetCount() int {
	ns.RLock()
	defer ns.RUnlock()
	return len(ns.targets)
}

// OutstandingRefs returns the number of handles not yet Put.
func (ns *Namespace) OutstandingRefs() int64 {
	return atomic.LoadInt64(&ns.handleRefs)
}

// Destroy removes f from the namespace. Handles still referencing it report
// Exists() == false.
func (ns *Namespace) Destroy(f fid.FID) (err error) {
	ns.Lock()
	defer ns.Unlock()

	obj, ok := ns.objects[f]
	if !ok {
		err = blunder.NewError(blunder.NotFoundError, "%s does not exist", f)
		return
	}
	ns.destroyLocked(obj)
	return
}

// Snapshot returns the xattrs and directory entries of every object, keyed by FID.
func (ns *Namespace) Snapshot() (snap map[fid.FID]ObjectSnapshot) {
	ns.RLock()
	defer ns.RUnlock()

	snap = make(map[fid.FID]ObjectSnapshot, len(ns.objects))
	for f, obj := range ns.objects {
		snap[f] = obj.snapshot()
	}
	return
}

func (ns *Namespace) createLocked(f fid.FID, typ objstore.ObjType) (obj *objectStruct) {
	obj = newObject(f, typ, ns.nextCookie)
	ns.nextCookie++
	ns.objects[f] = obj
	_ = ns.table.ReplaceOrInsert(obj)
	return
}

func (ns *Namespace) destroyLocked(obj *objectStruct) {
	obj.dead = true
	delete(ns.objects, obj.fid)
	_ = ns.table.Delete(obj)
}

func (ns *Namespace) lookupLocked(f fid.FID) (obj *objectStruct, err error) {
	obj, ok := ns.objects[f]
	if !ok {
		err = blunder.NewError(blunder.NotFoundError, "%s does not exist", f)
	}
	return
}

func (ns *Namespace) newHandle(obj *objectStruct) *objectHandle {
	atomic.AddInt64(&ns.handleRefs, 1)
	return &objectHandle{ns: ns, obj: obj, refs: 1}
}
