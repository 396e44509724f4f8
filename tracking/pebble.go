package tracking

import (
	"errors"

	"github.com/cockroachdb/pebble"
	"github.com/cockroachdb/pebble/vfs"

	"github.com/NVIDIA/lfsck/blunder"
	"github.com/NVIDIA/lfsck/fid"
	"github.com/NVIDIA/lfsck/logger"
)

const (
	entryPrefix = 'T'
	entryLimit  = 'U'
	statePrefix = 'S'
)

var stateKey = []byte{statePrefix}

// PebbleIndex stores the index (and the state attribute) in a pebble database.
type PebbleIndex struct {
	db   *pebble.DB
	path string
}

func entryKey(f fid.FID) (key []byte) {
	key = make([]byte, 1+fid.PackedBytes)
	key[0] = entryPrefix
	f.PackInto(key[1:])
	return
}

// OpenPebbleIndex opens (creating if needed) the database at path. An empty
// path selects an in-memory filesystem.
func OpenPebbleIndex(path string) (index *PebbleIndex, err error) {
	opts := &pebble.Options{}
	if "" == path {
		opts.FS = vfs.NewMem()
	}

	db, err := pebble.Open(path, opts)
	if nil != err {
		err = blunder.AddError(err, blunder.IOError)
		return
	}

	logger.Tracef("tracking.OpenPebbleIndex(\"%s\") succeeded", path)

	index = &PebbleIndex{db: db, path: path}
	return
}

func (index *PebbleIndex) Lookup(f fid.FID) (flags Flags, err error) {
	value, closer, err := index.db.Get(entryKey(f))
	if nil != err {
		if errors.Is(err, pebble.ErrNotFound) {
			err = blunder.NewError(blunder.NotFoundError, "%s not tracked", f)
		} else {
			err = blunder.AddError(err, blunder.IOError)
		}
		return
	}
	if 1 == len(value) {
		flags = Flags(value[0])
	} else {
		err = blunder.NewError(blunder.CorruptStateError, "%s tracked with %d byte value", f, len(value))
	}
	_ = closer.Close()
	return
}

func (index *PebbleIndex) Apply(ops []Op) (err error) {
	batch := index.db.NewBatch()
	defer func() {
		_ = batch.Close()
	}()

	for _, op := range ops {
		if op.Delete {
			err = batch.Delete(entryKey(op.FID), nil)
		} else {
			err = batch.Set(entryKey(op.FID), []byte{byte(op.Flags)}, nil)
		}
		if nil != err {
			err = blunder.AddError(err, blunder.TxnAbortedError)
			return
		}
	}

	err = batch.Commit(pebble.Sync)
	if nil != err {
		err = blunder.AddError(err, blunder.TxnAbortedError)
	}
	return
}

func (index *PebbleIndex) Next(after fid.FID) (f fid.FID, flags Flags, ok bool, err error) {
	lower := append(entryKey(after), 0)
	iter := index.db.NewIter(&pebble.IterOptions{
		LowerBound: lower,
		UpperBound: []byte{entryLimit},
	})
	defer func() {
		closeErr := iter.Close()
		if nil == err {
			err = closeErr
		}
	}()

	if !iter.First() {
		err = iter.Error()
		return
	}

	f, err = fid.Unpack(iter.Key()[1:])
	if nil != err {
		return
	}
	if 1 == len(iter.Value()) {
		flags = Flags(iter.Value()[0])
	}
	ok = true
	return
}

func (index *PebbleIndex) Count() (count int, err error) {
	iter := index.db.NewIter(&pebble.IterOptions{
		LowerBound: []byte{entryPrefix},
		UpperBound: []byte{entryLimit},
	})
	for valid := iter.First(); valid; valid = iter.Next() {
		count++
	}
	err = iter.Close()
	return
}

func (index *PebbleIndex) LoadState() (buf []byte, err error) {
	value, closer, err := index.db.Get(stateKey)
	if nil != err {
		if errors.Is(err, pebble.ErrNotFound) {
			err = blunder.NewError(blunder.NoDataError, "no state record in %s", index.path)
		} else {
			err = blunder.AddError(err, blunder.IOError)
		}
		return
	}
	buf = append([]byte(nil), value...)
	_ = closer.Close()
	return
}

func (index *PebbleIndex) StoreState(buf []byte) (err error) {
	err = index.db.Set(stateKey, buf, pebble.Sync)
	if nil != err {
		err = blunder.AddError(err, blunder.IOError)
	}
	return
}

func (index *PebbleIndex) Recreate() (err error) {
	batch := index.db.NewBatch()
	defer func() {
		_ = batch.Close()
	}()

	err = batch.DeleteRange([]byte{entryPrefix}, []byte{entryLimit}, nil)
	if nil == err {
		err = batch.Delete(stateKey, nil)
	}
	if nil == err {
		err = batch.Commit(pebble.Sync)
	}
	if nil != err {
		err = blunder.AddError(err, blunder.IOError)
	}
	return
}

func (index *PebbleIndex) Close() (err error) {
	err = index.db.Close()
	return
}
