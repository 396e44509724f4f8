package ramstore

import (
	"bytes"

	"github.com/NVIDIA/lfsck/blunder"
	"github.com/NVIDIA/lfsck/fid"
	"github.com/NVIDIA/lfsck/logger"
	"github.com/NVIDIA/lfsck/objstore"
)

type txnOpType int

const (
	opExpect txnOpType = iota
	opSetXattr
	opDelXattr
	opInsert
	opDelete
	opRefAdd
	opRefDel
	opCreate
)

type txnOp struct {
	typ   txnOpType
	obj   fid.FID
	name  string
	value []byte
	child fid.FID
	ctype objstore.ObjType
}

// txnStruct applies its ops in declaration order under the namespace lock,
// undoing the applied prefix if any op fails.
type txnStruct struct {
	ns     *Namespace
	ops    []txnOp
	done   bool
	undoes []func()
}

func (txn *txnStruct) Expect(obj fid.FID, name string, value []byte) {
	txn.ops = append(txn.ops, txnOp{typ: opExpect, obj: obj, name: name, value: value})
}

func (txn *txnStruct) SetXattr(obj fid.FID, name string, value []byte) {
	txn.ops = append(txn.ops, txnOp{typ: opSetXattr, obj: obj, name: name, value: append([]byte(nil), value...)})
}

func (txn *txnStruct) DelXattr(obj fid.FID, name string) {
	txn.ops = append(txn.ops, txnOp{typ: opDelXattr, obj: obj, name: name})
}

func (txn *txnStruct) Insert(dir fid.FID, name string, child fid.FID, typ objstore.ObjType) {
	txn.ops = append(txn.ops, txnOp{typ: opInsert, obj: dir, name: name, child: child, ctype: typ})
}

func (txn *txnStruct) Delete(dir fid.FID, name string) {
	txn.ops = append(txn.ops, txnOp{typ: opDelete, obj: dir, name: name})
}

func (txn *txnStruct) RefAdd(obj fid.FID) {
	txn.ops = append(txn.ops, txnOp{typ: opRefAdd, obj: obj})
}

func (txn *txnStruct) RefDel(obj fid.FID) {
	txn.ops = append(txn.ops, txnOp{typ: opRefDel, obj: obj})
}

func (txn *txnStruct) Create(obj fid.FID, typ objstore.ObjType) {
	txn.ops = append(txn.ops, txnOp{typ: opCreate, obj: obj, ctype: typ})
}

func (txn *txnStruct) Abort() {
	txn.done = true
	txn.ops = nil
}

func (txn *txnStruct) Commit() (err error) {
	if txn.done {
		err = blunder.NewError(blunder.InvalidArgError, "transaction already finished")
		return
	}
	txn.done = true

	txn.ns.Lock()
	defer txn.ns.Unlock()

	for i := range txn.ops {
		err = txn.apply(&txn.ops[i])
		if nil != err {
			for j := len(txn.undoes) - 1; j >= 0; j-- {
				txn.undoes[j]()
			}
			logger.Tracef("ramstore transaction of %d ops aborted at op %d: %v", len(txn.ops), i, err)
			return
		}
	}

	return
}

func (txn *txnStruct) undo(fn func()) {
	txn.undoes = append(txn.undoes, fn)
}

func (txn *txnStruct) apply(op *txnOp) (err error) {
	ns := txn.ns

	if opCreate == op.typ {
		if _, exists := ns.objects[op.obj]; exists {
			err = blunder.NewError(blunder.FileExistsError, "%s already exists", op.obj)
			return
		}
		obj := ns.createLocked(op.obj, op.ctype)
		txn.undo(func() { ns.destroyLocked(obj) })
		return
	}

	obj, err := ns.lookupLocked(op.obj)
	if nil != err {
		return
	}

	switch op.typ {
	case opExpect:
		current, present := obj.xattrs[op.name]
		if (present != (nil != op.value)) || !bytes.Equal(current, op.value) {
			err = blunder.NewError(blunder.TryAgainError, "%s xattr %s changed", op.obj, op.name)
		}
	case opSetXattr:
		old, present := obj.xattrs[op.name]
		obj.xattrs[op.name] = op.value
		txn.undo(func() {
			if present {
				obj.xattrs[op.name] = old
			} else {
				delete(obj.xattrs, op.name)
			}
		})
	case opDelXattr:
		old, present := obj.xattrs[op.name]
		if !present {
			err = blunder.NewError(blunder.NoDataError, "%s has no xattr %s", op.obj, op.name)
			return
		}
		delete(obj.xattrs, op.name)
		txn.undo(func() { obj.xattrs[op.name] = old })
	case opInsert:
		if nil == obj.entries {
			err = blunder.NewError(blunder.NotDirError, "%s is not a directory", op.obj)
			return
		}
		key := dirKeyStruct{hash: nameCookie(op.name), name: op.name}
		var ok bool
		ok, err = obj.entries.Put(key, &direntStruct{child: op.child, typ: op.ctype})
		if nil != err {
			return
		}
		if !ok {
			err = blunder.NewError(blunder.FileExistsError, "%s already has entry \"%s\"", op.obj, op.name)
			return
		}
		if child, isObj := ns.objects[op.child]; isObj && (nil != child.entries) {
			oldParent := child.parent
			child.parent = op.obj
			txn.undo(func() { child.parent = oldParent })
		}
		txn.undo(func() { _, _ = obj.entries.DeleteByKey(key) })
	case opDelete:
		var dirent *direntStruct
		dirent, err = obj.lookup(op.name)
		if nil != err {
			return
		}
		key := dirKeyStruct{hash: nameCookie(op.name), name: op.name}
		_, err = obj.entries.DeleteByKey(key)
		if nil != err {
			return
		}
		txn.undo(func() { _, _ = obj.entries.Put(key, dirent) })
	case opRefAdd:
		obj.nlink++
		txn.undo(func() { obj.nlink-- })
	case opRefDel:
		if 0 == obj.nlink {
			err = blunder.NewError(blunder.OutOfRangeError, "%s nlink underflow", op.obj)
			return
		}
		obj.nlink--
		txn.undo(func() { obj.nlink++ })
	}

	return
}
