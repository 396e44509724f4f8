// Copyright (c) 2015-2021, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

// Package tracking provides the durable index of objects that phase 1 could
// not fully verify. The key is a FID, the value a one byte mask of checks
// that phase 2 still owes the object.
//
// The index object also carries the namespace LFSCK state record as an
// attribute, so that a reset of one always recreates the other.
package tracking

import (
	"strings"

	"github.com/NVIDIA/lfsck/blunder"
	"github.com/NVIDIA/lfsck/fid"
)

type Flags uint8

const (
	CheckLinkEA Flags = 0x01
	CheckParent Flags = 0x02
)

func (f Flags) String() string {
	names := make([]string, 0, 2)
	if 0 != (f & CheckLinkEA) {
		names = append(names, "check_linkea")
	}
	if 0 != (f & CheckParent) {
		names = append(names, "check_parent")
	}
	return strings.Join(names, ",")
}

// Op is one declared change applied by Index.Apply.
type Op struct {
	Delete bool
	FID    fid.FID
	Flags  Flags
}

// Index is implemented by MemIndex and PebbleIndex.
type Index interface {
	// Lookup returns the flags of f, or blunder.NotFoundError.
	Lookup(f fid.FID) (flags Flags, err error)
	// Apply executes every op or none of them.
	Apply(ops []Op) (err error)
	// Next returns the first entry strictly after the given FID.
	Next(after fid.FID) (f fid.FID, flags Flags, ok bool, err error)
	Count() (count int, err error)
	// LoadState returns the stored state attribute, or blunder.NoDataError.
	LoadState() (buf []byte, err error)
	StoreState(buf []byte) (err error)
	// Recreate drops every entry and the state attribute.
	Recreate() (err error)
	Close() (err error)
}

// Update adds (or removes) flags for f. Nothing is written when the stored
// mask would not change; otherwise the old key is deleted and the new one
// inserted in a single Apply. Callers serialize Update calls for one index.
func Update(index Index, f fid.FID, flags Flags, add bool) (oldFlags Flags, newFlags Flags, err error) {
	var ops []Op

	oldFlags, err = index.Lookup(f)
	if nil != err {
		if !isNotFound(err) {
			return
		}
		err = nil
		oldFlags = 0
	}

	if add {
		newFlags = oldFlags | flags
	} else {
		newFlags = oldFlags &^ flags
	}
	if newFlags == oldFlags {
		return
	}

	if 0 != oldFlags {
		ops = append(ops, Op{Delete: true, FID: f})
	}
	if 0 != newFlags {
		ops = append(ops, Op{FID: f, Flags: newFlags})
	}

	err = index.Apply(ops)

	return
}

// Walk calls fn for every entry after the given FID, in FID order, until fn
// returns false or an error.
func Walk(index Index, after fid.FID, fn func(f fid.FID, flags Flags) (more bool, err error)) (err error) {
	var (
		f     fid.FID
		flags Flags
		ok    bool
		more  bool
	)

	for {
		f, flags, ok, err = index.Next(after)
		if (nil != err) || !ok {
			return
		}
		more, err = fn(f, flags)
		if (nil != err) || !more {
			return
		}
		after = f
	}
}

func isNotFound(err error) bool {
	return blunder.Is(err, blunder.NotFoundError)
}
