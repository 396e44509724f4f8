package tracking

import (
	"fmt"

	"github.com/NVIDIA/sortedmap"

	"github.com/NVIDIA/lfsck/blunder"
	"github.com/NVIDIA/lfsck/fid"
	"github.com/NVIDIA/lfsck/trackedlock"
)

// MemIndex keeps the index in an LLRB tree; it does not survive the process.
type MemIndex struct {
	trackedlock.Mutex
	tree  sortedmap.LLRBTree
	state []byte
}

func compareFID(key1 sortedmap.Key, key2 sortedmap.Key) (result int, err error) {
	f1, ok := key1.(fid.FID)
	if !ok {
		err = fmt.Errorf("compareFID(non-FID,) not supported")
		return
	}
	f2, ok := key2.(fid.FID)
	if !ok {
		err = fmt.Errorf("compareFID(FID, non-FID) not supported")
		return
	}
	result = f1.Compare(f2)
	return
}

func (index *MemIndex) DumpKey(key sortedmap.Key) (keyAsString string, err error) {
	keyAsString = fmt.Sprintf("%v", key)
	return
}

func (index *MemIndex) DumpValue(value sortedmap.Value) (valueAsString string, err error) {
	valueAsString = fmt.Sprintf("%v", value)
	return
}

func NewMemIndex() (index *MemIndex) {
	index = &MemIndex{}
	index.tree = sortedmap.NewLLRBTree(compareFID, index)
	return
}

func (index *MemIndex) Lookup(f fid.FID) (flags Flags, err error) {
	index.Lock()
	defer index.Unlock()

	value, ok, err := index.tree.GetByKey(f)
	if nil != err {
		return
	}
	if !ok {
		err = blunder.NewError(blunder.NotFoundError, "%s not tracked", f)
		return
	}
	flags = value.(Flags)
	return
}

func (index *MemIndex) Apply(ops []Op) (err error) {
	index.Lock()
	defer index.Unlock()

	for _, op := range ops {
		if op.Delete {
			_, err = index.tree.DeleteByKey(op.FID)
		} else {
			var ok bool
			ok, err = index.tree.PatchByKey(op.FID, op.Flags)
			if (nil == err) && !ok {
				_, err = index.tree.Put(op.FID, op.Flags)
			}
		}
		if nil != err {
			return
		}
	}
	return
}

func (index *MemIndex) Next(after fid.FID) (f fid.FID, flags Flags, ok bool, err error) {
	index.Lock()
	defer index.Unlock()

	i, found, err := index.tree.BisectRight(after)
	if nil != err {
		return
	}
	if found {
		i++
	}
	key, value, ok, err := index.tree.GetByIndex(i)
	if (nil != err) || !ok {
		return
	}
	f = key.(fid.FID)
	flags = value.(Flags)
	return
}

func (index *MemIndex) Count() (count int, err error) {
	index.Lock()
	count, err = index.tree.Len()
	index.Unlock()
	return
}

func (index *MemIndex) LoadState() (buf []byte, err error) {
	index.Lock()
	defer index.Unlock()

	if nil == index.state {
		err = blunder.NewError(blunder.NoDataError, "no state record")
		return
	}
	buf = append([]byte(nil), index.state...)
	return
}

func (index *MemIndex) StoreState(buf []byte) (err error) {
	index.Lock()
	index.state = append([]byte(nil), buf...)
	index.Unlock()
	return
}

func (index *MemIndex) Recreate() (err error) {
	index.Lock()
	index.tree.Reset()
	index.state = nil
	index.Unlock()
	return
}

func (index *MemIndex) Close() (err error) {
	return
}
