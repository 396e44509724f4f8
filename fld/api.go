// Package fld locates the metadata target that owns a FID sequence.
package fld

import (
	"fmt"
	"sort"
	"sync"

	lru "github.com/hashicorp/golang-lru"

	"github.com/NVIDIA/lfsck/blunder"
	"github.com/NVIDIA/lfsck/fid"
	"github.com/NVIDIA/lfsck/logger"
)

type Locator interface {
	Locate(seq uint64) (target uint32, err error)
}

// Range assigns sequences [Start, End) to Target.
type Range struct {
	Start  uint64
	End    uint64
	Target uint32
}

// Table is the authoritative location database. Well-known sequences below
// fid.SeqStart belong to target 0.
type Table struct {
	sync.RWMutex
	ranges []Range // sorted by Start, non-overlapping
}

func NewTable() *Table {
	return &Table{}
}

func (t *Table) Insert(r Range) (err error) {
	if r.End <= r.Start {
		err = blunder.NewError(blunder.InvalidArgError, "fld range [%#x, %#x) is empty", r.Start, r.End)
		return
	}

	t.Lock()
	defer t.Unlock()

	i := sort.Search(len(t.ranges), func(i int) bool { return t.ranges[i].Start >= r.Start })
	if ((i > 0) && (t.ranges[i-1].End > r.Start)) || ((i < len(t.ranges)) && (t.ranges[i].Start < r.End)) {
		err = blunder.NewError(blunder.FileExistsError, "fld range [%#x, %#x) overlaps", r.Start, r.End)
		return
	}

	t.ranges = append(t.ranges, Range{})
	copy(t.ranges[i+1:], t.ranges[i:])
	t.ranges[i] = r

	return
}

func (t *Table) Locate(seq uint64) (target uint32, err error) {
	if seq < fid.SeqStart {
		return 0, nil
	}

	t.RLock()
	defer t.RUnlock()

	i := sort.Search(len(t.ranges), func(i int) bool { return t.ranges[i].End > seq })
	if (i == len(t.ranges)) || (t.ranges[i].Start > seq) {
		err = blunder.NewError(blunder.NotFoundError, "fld has no range for sequence %#x", seq)
		return
	}
	target = t.ranges[i].Target
	return
}

func (t *Table) Ranges() []Range {
	t.RLock()
	defer t.RUnlock()
	return append([]Range(nil), t.ranges...)
}

// Cache fronts a Locator with an LRU of positive lookups.
type Cache struct {
	backing Locator
	cache   *lru.Cache
}

func NewCache(backing Locator, size int) (c *Cache, err error) {
	cache, err := lru.New(size)
	if nil != err {
		err = fmt.Errorf("fld.NewCache(,%d) failed: %v", size, err)
		return
	}
	c = &Cache{backing: backing, cache: cache}
	return
}

func (c *Cache) Locate(seq uint64) (target uint32, err error) {
	cached, ok := c.cache.Get(seq)
	if ok {
		target = cached.(uint32)
		return
	}

	target, err = c.backing.Locate(seq)
	if nil != err {
		return
	}
	_ = c.cache.Add(seq, target)

	logger.Tracef("fld cache miss for sequence %#x -> target %d", seq, target)

	return
}

// Purge drops every cached location, e.g. after the table was changed.
func (c *Cache) Purge() {
	c.cache.Purge()
}

func (c *Cache) Len() int {
	return c.cache.Len()
}
