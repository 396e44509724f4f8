package ramstore

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/NVIDIA/lfsck/blunder"
	"github.com/NVIDIA/lfsck/fid"
	"github.com/NVIDIA/lfsck/linkea"
	"github.com/NVIDIA/lfsck/objstore"
)

const testImage = `
targets: 2
entries:
  - path: a
    type: dir
  - path: a/f
    target: 1
    links: [b/g]
  - path: b/broken
    linkea: corrupt
  - path: b/ghost
    dangling: true
`

func TestLoadImage(t *testing.T) {
	ns, err := LoadImage([]byte(testImage))
	require.NoError(t, err)
	assert.Equal(t, 2, ns.TargetCount())

	paths, fids := ns.Paths()
	assert.Equal(t, []string{"a", "a/f", "b", "b/broken", "b/g", "b/ghost"}, paths)
	assert.Equal(t, fids[1], fids[4])

	target0 := ns.Target(0)
	target1 := ns.Target(1)

	owner, err := target0.Locate(fids[1].Seq)
	require.NoError(t, err)
	assert.Equal(t, uint32(1), owner)

	f, err := target1.Resolve(context.Background(), fids[1])
	require.NoError(t, err)
	defer f.Put()

	attr, err := f.Attr()
	require.NoError(t, err)
	assert.Equal(t, uint32(2), attr.Nlink)

	buf, err := f.GetXattr(linkea.XattrName)
	require.NoError(t, err)
	l, err := linkea.Decode(buf)
	require.NoError(t, err)
	assert.Equal(t, 2, l.Count())
	_, found := l.Find("g", fids[2])
	assert.True(t, found)

	broken, err := target0.Resolve(context.Background(), fids[3])
	require.NoError(t, err)
	buf, err = broken.GetXattr(linkea.XattrName)
	require.NoError(t, err)
	_, err = linkea.Decode(buf)
	assert.True(t, blunder.Is(err, blunder.CorruptLinkEAError))
	broken.Put()

	_, err = target0.Resolve(context.Background(), fids[5])
	assert.True(t, blunder.Is(err, blunder.NotFoundError))

	_, err = LoadImage([]byte("entries: [{path: x, type: fifo}]"))
	assert.Error(t, err)
}

func TestEnumerateByTarget(t *testing.T) {
	ns, err := LoadImage([]byte(testImage))
	require.NoError(t, err)

	count := func(target *Target, from uint64) (n int, last uint64) {
		iter, err := target.Enumerate(from)
		require.NoError(t, err)
		defer iter.Close()
		for {
			obj, cookie, ok, err := iter.Next()
			require.NoError(t, err)
			if !ok {
				return
			}
			assert.True(t, cookie > last)
			last = cookie
			obj.Put()
			n++
		}
	}

	n0, last0 := count(ns.Target(0), 0)
	n1, _ := count(ns.Target(1), 0)
	assert.Equal(t, 4, n0) // root, a, b, b/broken
	assert.Equal(t, 1, n1)

	n0, _ = count(ns.Target(0), last0)
	assert.Equal(t, 1, n0)
	assert.Zero(t, ns.OutstandingRefs())
}

func TestReadDirAndLookup(t *testing.T) {
	ns, err := LoadImage([]byte(testImage))
	require.NoError(t, err)
	target := ns.Target(0)

	_, fids := ns.Paths()
	b, err := target.Resolve(context.Background(), fids[2])
	require.NoError(t, err)
	defer b.Put()

	entries, err := b.ReadDir(0, 2)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, ".", entries[0].Name)
	assert.Equal(t, "..", entries[1].Name)
	assert.Equal(t, fid.Root, entries[1].FID)

	var names []string
	cookie := entries[1].Cookie
	for {
		entries, err = b.ReadDir(cookie, 1)
		require.NoError(t, err)
		if 0 == len(entries) {
			break
		}
		names = append(names, entries[0].Name)
		cookie = entries[0].Cookie
	}
	assert.ElementsMatch(t, []string{"broken", "g", "ghost"}, names)

	child, err := b.Lookup("g")
	require.NoError(t, err)
	assert.Equal(t, fids[4], child)

	_, err = b.Lookup("nope")
	assert.True(t, blunder.Is(err, blunder.NotFoundError))
}

func TestTxnAtomic(t *testing.T) {
	ns := NewNamespace()
	target := ns.Target(0)

	f, err := target.AllocFID()
	require.NoError(t, err)

	txn := target.Begin()
	txn.Create(f, objstore.TypeRegular)
	txn.Insert(fid.Root, "x", f, objstore.TypeRegular)
	txn.SetXattr(f, "user.a", []byte("1"))
	require.NoError(t, txn.Commit())
	assert.Error(t, txn.Commit())

	before := ns.Snapshot()

	txn = target.Begin()
	txn.SetXattr(f, "user.a", []byte("2"))
	txn.Delete(fid.Root, "x")
	txn.RefAdd(f)
	txn.Insert(fid.Root, "y", f, objstore.TypeRegular)
	txn.Insert(fid.Root, "y", f, objstore.TypeRegular)
	err = txn.Commit()
	assert.True(t, blunder.Is(err, blunder.FileExistsError))
	assert.Equal(t, before, ns.Snapshot())

	txn = target.Begin()
	txn.Expect(f, "user.a", []byte("stale"))
	txn.DelXattr(f, "user.a")
	err = txn.Commit()
	assert.True(t, blunder.Is(err, blunder.TryAgainError))

	txn = target.Begin()
	txn.Expect(f, "user.a", []byte("1"))
	txn.Expect(f, "user.b", nil)
	txn.DelXattr(f, "user.a")
	require.NoError(t, txn.Commit())
	assert.Empty(t, ns.Snapshot()[f].Xattrs)
}

func TestDestroyedHandle(t *testing.T) {
	ns := NewNamespace()
	target := ns.Target(0)

	f, err := target.AllocFID()
	require.NoError(t, err)
	txn := target.Begin()
	txn.Create(f, objstore.TypeRegular)
	require.NoError(t, txn.Commit())

	obj, err := target.Resolve(context.Background(), f)
	require.NoError(t, err)
	obj.Get()
	assert.Equal(t, int64(2), ns.OutstandingRefs())

	require.NoError(t, ns.Destroy(f))
	assert.False(t, obj.Exists())
	_, err = obj.Attr()
	assert.True(t, blunder.Is(err, blunder.NotFoundError))

	obj.Put()
	obj.Put()
	assert.Zero(t, ns.OutstandingRefs())
	assert.Panics(t, func() { obj.Put() })
}
