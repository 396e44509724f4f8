package fld

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/NVIDIA/lfsck/blunder"
	"github.com/NVIDIA/lfsck/fid"
)

type countingLocator struct {
	Locator
	calls int
}

func (c *countingLocator) Locate(seq uint64) (uint32, error) {
	c.calls++
	return c.Locator.Locate(seq)
}

func TestTable(t *testing.T) {
	table := NewTable()
	require.NoError(t, table.Insert(Range{Start: fid.SeqStart + 0x400, End: fid.SeqStart + 0x800, Target: 1}))
	require.NoError(t, table.Insert(Range{Start: fid.SeqStart, End: fid.SeqStart + 0x400, Target: 0}))
	assert.Error(t, table.Insert(Range{Start: fid.SeqStart + 0x100, End: fid.SeqStart + 0x200, Target: 2}))
	assert.Error(t, table.Insert(Range{Start: 5, End: 5}))
	assert.Len(t, table.Ranges(), 2)

	target, err := table.Locate(fid.SeqRootDir)
	require.NoError(t, err)
	assert.Equal(t, uint32(0), target)

	target, err = table.Locate(fid.SeqStart + 0x400)
	require.NoError(t, err)
	assert.Equal(t, uint32(1), target)

	_, err = table.Locate(fid.SeqStart + 0x800)
	assert.True(t, blunder.Is(err, blunder.NotFoundError))
}

func TestCache(t *testing.T) {
	table := NewTable()
	require.NoError(t, table.Insert(Range{Start: fid.SeqStart, End: fid.SeqStart + 0x10, Target: 3}))
	backing := &countingLocator{Locator: table}

	cache, err := NewCache(backing, 2)
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		target, err := cache.Locate(fid.SeqStart + 1)
		require.NoError(t, err)
		assert.Equal(t, uint32(3), target)
	}
	assert.Equal(t, 1, backing.calls)

	_, err = cache.Locate(fid.SeqStart + 0x10)
	assert.Error(t, err)
	assert.Equal(t, 1, cache.Len())

	cache.Purge()
	_, err = cache.Locate(fid.SeqStart + 1)
	require.NoError(t, err)
	assert.Equal(t, 3, backing.calls)
}
