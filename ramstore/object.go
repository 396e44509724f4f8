package ramstore

import (
	"fmt"
	"sync/atomic"

	"github.com/NVIDIA/sortedmap"
	"github.com/creachadair/cityhash"
	"github.com/google/btree"

	"github.com/NVIDIA/lfsck/blunder"
	"github.com/NVIDIA/lfsck/fid"
	"github.com/NVIDIA/lfsck/objstore"
)

type objectStruct struct {
	fid     fid.FID
	typ     objstore.ObjType
	nlink   uint32
	cookie  uint64
	dead    bool
	xattrs  map[string][]byte
	parent  fid.FID            // target of ".."; directories only
	entries sortedmap.LLRBTree // dirKeyStruct -> *direntStruct; directories only
}

type dirKeyStruct struct {
	hash uint64
	name string
}

type direntStruct struct {
	child fid.FID
	typ   objstore.ObjType
}

// ObjectSnapshot is a deep copy of one object's persistent state.
type ObjectSnapshot struct {
	Type    objstore.ObjType
	Nlink   uint32
	Xattrs  map[string][]byte
	Entries map[string]fid.FID
}

func nameCookie(name string) uint64 {
	return (cityhash.Hash64([]byte(name)) & ((1 << 62) - 1)) + firstEntryCookie
}

func compareDirKey(key1 sortedmap.Key, key2 sortedmap.Key) (result int, err error) {
	k1, ok := key1.(dirKeyStruct)
	if !ok {
		err = fmt.Errorf("compareDirKey(non-dirKeyStruct,) not supported")
		return
	}
	k2, ok := key2.(dirKeyStruct)
	if !ok {
		err = fmt.Errorf("compareDirKey(dirKeyStruct, non-dirKeyStruct) not supported")
		return
	}
	switch {
	case k1.hash < k2.hash:
		result = -1
	case k1.hash > k2.hash:
		result = 1
	case k1.name < k2.name:
		result = -1
	case k1.name > k2.name:
		result = 1
	}
	return
}

func newObject(f fid.FID, typ objstore.ObjType, cookie uint64) (obj *objectStruct) {
	obj = &objectStruct{
		fid:    f,
		typ:    typ,
		nlink:  1,
		cookie: cookie,
		xattrs: make(map[string][]byte),
		parent: f,
	}
	if objstore.TypeDir == typ {
		obj.entries = sortedmap.NewLLRBTree(compareDirKey, obj)
	}
	return
}

func (obj *objectStruct) Less(than btree.Item) bool {
	return obj.cookie < than.(*objectStruct).cookie
}

func (obj *objectStruct) DumpKey(key sortedmap.Key) (keyAsString string, err error) {
	keyAsString = key.(dirKeyStruct).name
	return
}

func (obj *objectStruct) DumpValue(value sortedmap.Value) (valueAsString string, err error) {
	valueAsString = value.(*direntStruct).child.String()
	return
}

func (obj *objectStruct) lookup(name string) (dirent *direntStruct, err error) {
	if nil == obj.entries {
		err = blunder.NewError(blunder.NotDirError, "%s is not a directory", obj.fid)
		return
	}
	value, ok, err := obj.entries.GetByKey(dirKeyStruct{hash: nameCookie(name), name: name})
	if nil != err {
		return
	}
	if !ok {
		err = blunder.NewError(blunder.NotFoundError, "%s has no entry \"%s\"", obj.fid, name)
		return
	}
	dirent = value.(*direntStruct)
	return
}

func (obj *objectStruct) snapshot() (snap ObjectSnapshot) {
	snap = ObjectSnapshot{
		Type:   obj.typ,
		Nlink:  obj.nlink,
		Xattrs: make(map[string][]byte, len(obj.xattrs)),
	}
	for name, value := range obj.xattrs {
		snap.Xattrs[name] = append([]byte(nil), value...)
	}
	if nil != obj.entries {
		snap.Entries = make(map[string]fid.FID)
		n, _ := obj.entries.Len()
		for i := 0; i < n; i++ {
			key, value, _, _ := obj.entries.GetByIndex(i)
			snap.Entries[key.(dirKeyStruct).name] = value.(*direntStruct).child
		}
	}
	return
}

// objectHandle implements objstore.Object.
type objectHandle struct {
	ns   *Namespace
	obj  *objectStruct
	refs int32
}

func (h *objectHandle) FID() fid.FID {
	return h.obj.fid
}

func (h *objectHandle) Type() objstore.ObjType {
	return h.obj.typ
}

func (h *objectHandle) IsDir() bool {
	return objstore.TypeDir == h.obj.typ
}

func (h *objectHandle) Exists() bool {
	h.ns.RLock()
	defer h.ns.RUnlock()
	return !h.obj.dead
}

func (h *objectHandle) Attr() (attr objstore.Attr, err error) {
	h.ns.RLock()
	defer h.ns.RUnlock()

	if h.obj.dead {
		err = blunder.NewError(blunder.NotFoundError, "%s was destroyed", h.obj.fid)
		return
	}
	attr = objstore.Attr{Type: h.obj.typ, Nlink: h.obj.nlink}
	return
}

func (h *objectHandle) GetXattr(name string) (value []byte, err error) {
	h.ns.RLock()
	defer h.ns.RUnlock()

	if h.obj.dead {
		err = blunder.NewError(blunder.NotFoundError, "%s was destroyed", h.obj.fid)
		return
	}
	stored, ok := h.obj.xattrs[name]
	if !ok {
		err = blunder.NewError(blunder.NoDataError, "%s has no xattr %s", h.obj.fid, name)
		return
	}
	value = append([]byte(nil), stored...)
	return
}

func (h *objectHandle) Lookup(name string) (child fid.FID, err error) {
	h.ns.RLock()
	defer h.ns.RUnlock()

	switch name {
	case ".":
		return h.obj.fid, nil
	case "..":
		return h.obj.parent, nil
	}

	dirent, err := h.obj.lookup(name)
	if nil == err {
		child = dirent.child
	}
	return
}

func (h *objectHandle) ReadDir(cookie uint64, max int) (entries []objstore.DirEntry, err error) {
	h.ns.RLock()
	defer h.ns.RUnlock()

	if nil == h.obj.entries {
		err = blunder.NewError(blunder.NotDirError, "%s is not a directory", h.obj.fid)
		return
	}

	if (cookie < 1) && (len(entries) < max) {
		entries = append(entries, objstore.DirEntry{Name: ".", FID: h.obj.fid, Type: objstore.TypeDir, Cookie: 1})
	}
	if (cookie < 2) && (len(entries) < max) {
		entries = append(entries, objstore.DirEntry{Name: "..", FID: h.obj.parent, Type: objstore.TypeDir, Cookie: 2})
	}

	index, found, err := h.obj.entries.BisectLeft(dirKeyStruct{hash: cookie + 1})
	if nil != err {
		return
	}
	if !found {
		index++
	}

	for len(entries) < max {
		key, value, ok, getErr := h.obj.entries.GetByIndex(index)
		if (nil != getErr) || !ok {
			err = getErr
			return
		}
		dirKey := key.(dirKeyStruct)
		dirent := value.(*direntStruct)
		entries = append(entries, objstore.DirEntry{
			Name:   dirKey.name,
			FID:    dirent.child,
			Type:   dirent.typ,
			Cookie: dirKey.hash,
		})
		index++
	}

	return
}

func (h *objectHandle) Get() {
	atomic.AddInt32(&h.refs, 1)
	atomic.AddInt64(&h.ns.handleRefs, 1)
}

func (h *objectHandle) Put() {
	if atomic.AddInt32(&h.refs, -1) < 0 {
		panic(fmt.Sprintf("Put() of released handle for %s", h.obj.fid))
	}
	atomic.AddInt64(&h.ns.handleRefs, -1)
}
