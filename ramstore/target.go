package ramstore

import (
	"context"

	"github.com/google/btree"

	"github.com/NVIDIA/lfsck/blunder"
	"github.com/NVIDIA/lfsck/fid"
	"github.com/NVIDIA/lfsck/objstore"
)

func (t *Target) TargetIndex() uint32 {
	return t.index
}

func (t *Target) Root() fid.FID {
	return fid.Root
}

func (t *Target) Namespace() *Namespace {
	return t.ns
}

func (t *Target) Resolve(ctx context.Context, f fid.FID) (obj objstore.Object, err error) {
	if err = ctx.Err(); nil != err {
		err = blunder.AddError(err, blunder.TimedOut)
		return
	}

	t.ns.RLock()
	defer t.ns.RUnlock()

	o, err := t.ns.lookupLocked(f)
	if nil != err {
		return
	}
	obj = t.ns.newHandle(o)
	return
}

func (t *Target) Locate(seq uint64) (target uint32, err error) {
	target, err = t.ns.fldCache.Locate(seq)
	return
}

func (t *Target) Begin() objstore.Txn {
	return &txnStruct{ns: t.ns}
}

func (t *Target) AllocFID() (f fid.FID, err error) {
	t.ns.Lock()
	defer t.ns.Unlock()

	for {
		t.nextOid++
		if 0 == t.nextOid {
			err = blunder.NewError(blunder.OutOfRangeError, "target %d exhausted sequence %#x", t.index, t.seq)
			return
		}
		f = fid.FID{Seq: t.seq, Oid: t.nextOid}
		if _, ok := t.ns.objects[f]; !ok {
			return
		}
	}
}

type iteratorStruct struct {
	t      *Target
	cookie uint64
	closed bool
}

func (t *Target) Enumerate(cookie uint64) (iter objstore.Iterator, err error) {
	if 0 == cookie {
		cookie = 1
	}
	iter = &iteratorStruct{t: t, cookie: cookie}
	return
}

func (iter *iteratorStruct) Next() (obj objstore.Object, cookie uint64, ok bool, err error) {
	if iter.closed {
		err = blunder.NewError(blunder.InvalidArgError, "Next() on closed iterator")
		return
	}

	ns := iter.t.ns

	ns.RLock()
	defer ns.RUnlock()

	var found *objectStruct

	ns.table.AscendGreaterOrEqual(&objectStruct{cookie: iter.cookie}, func(item btree.Item) bool {
		candidate := item.(*objectStruct)
		owner, locateErr := ns.fldCache.Locate(candidate.fid.Seq)
		if (nil == locateErr) && (owner == iter.t.index) {
			found = candidate
			return false
		}
		return true
	})

	if nil == found {
		return
	}

	iter.cookie = found.cookie + 1
	obj = ns.newHandle(found)
	cookie = found.cookie
	ok = true
	return
}

func (iter *iteratorStruct) Close() {
	iter.closed = true
}
