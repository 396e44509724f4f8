package linkea

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/NVIDIA/lfsck/blunder"
	"github.com/NVIDIA/lfsck/fid"
)

var (
	dirA = fid.FID{Seq: fid.SeqStart, Oid: 1}
	dirB = fid.FID{Seq: fid.SeqStart, Oid: 2}
)

func TestEncodeDecode(t *testing.T) {
	l := New()
	require.NoError(t, l.Add("alpha", dirA))
	require.NoError(t, l.Add("beta", dirB))

	buf := l.Encode()
	assert.Equal(t, l.Len(), len(buf))
	assert.Equal(t, Magic, binary.LittleEndian.Uint32(buf[0:4]))
	assert.Equal(t, uint16(recHdrBytes+len("alpha")), binary.BigEndian.Uint16(buf[headerBytes:]))

	decoded, err := Decode(buf)
	require.NoError(t, err)
	assert.Equal(t, l.Entries(), decoded.Entries())
}

func TestDecodeCorrupt(t *testing.T) {
	l := New()
	require.NoError(t, l.Add("alpha", dirA))
	good := l.Encode()

	badMagic := append([]byte(nil), good...)
	badMagic[0] ^= 0xFF

	badLen := append(append([]byte(nil), good...), 0)

	badRec := append([]byte(nil), good...)
	binary.BigEndian.PutUint16(badRec[headerBytes:], 1)

	// Header alone, claiming far more records than could fit.
	badCount := append([]byte(nil), good[:headerBytes]...)
	binary.LittleEndian.PutUint32(badCount[4:], 0xFFFFFFFF)
	binary.LittleEndian.PutUint64(badCount[8:], headerBytes)

	for _, buf := range [][]byte{nil, good[:10], badMagic, badLen, badRec, badCount} {
		_, err := Decode(buf)
		assert.True(t, blunder.Is(err, blunder.CorruptLinkEAError), "buf %v", buf)
	}
}

func TestFindRemoveDuplicates(t *testing.T) {
	l := New()
	require.NoError(t, l.Add("x", dirA))
	require.NoError(t, l.Add("y", dirA))
	require.NoError(t, l.Add("x", dirA))
	require.NoError(t, l.Add("x", dirB))

	index, found := l.Find("x", dirB)
	assert.True(t, found)
	assert.Equal(t, 3, index)

	_, found = l.Find("z", dirA)
	assert.False(t, found)

	assert.True(t, l.HasDuplicate(0))
	assert.False(t, l.HasDuplicate(1))
	assert.Equal(t, 1, l.RemoveDuplicates(0))
	assert.Equal(t, 3, l.Count())

	assert.True(t, l.Remove("y", dirA))
	assert.False(t, l.Remove("y", dirA))
	assert.Equal(t, []Entry{{Parent: dirA, Name: "x"}, {Parent: dirB, Name: "x"}}, l.Entries())
}

func TestAddRejectsBadNames(t *testing.T) {
	l := New()
	assert.Error(t, l.Add("", dirA))

	long := make([]byte, MaxNameLen+1)
	for i := range long {
		long[i] = 'n'
	}
	assert.Error(t, l.Add(string(long), dirA))
	assert.NoError(t, l.Add(string(long[:MaxNameLen]), dirA))
	assert.Equal(t, 1, l.Count())
}
