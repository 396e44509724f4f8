// Copyright (c) 2015-2021, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

// Package objstore is the contract between the namespace checker and the
// metadata target it runs on: object resolution, attributes, directories,
// transactions and the ordered object table.
//
// Errors are blunder-annotated: NotFoundError when an object or directory
// entry is absent, NoDataError when an attribute is absent, FileExistsError
// when an insert collides, and TryAgainError when a transaction loses a
// declared expectation at commit time.
package objstore

import (
	"context"

	"github.com/NVIDIA/lfsck/fid"
)

type ObjType uint8

const (
	TypeRegular ObjType = iota + 1
	TypeDir
	TypeSymlink
)

func (t ObjType) String() string {
	switch t {
	case TypeRegular:
		return "file"
	case TypeDir:
		return "dir"
	case TypeSymlink:
		return "symlink"
	}
	return "unknown"
}

// Dirent attribute bits reported by ReadDir. DirentUpgrade marks an entry
// that predates FIDs in dirents; DirentRepair marks an entry the backend
// repaired while reading it.
const (
	DirentUpgrade uint16 = 1 << iota
	DirentRepair
)

type Attr struct {
	Type  ObjType
	Nlink uint32
}

type DirEntry struct {
	Name   string
	FID    fid.FID
	Type   ObjType
	Cookie uint64
	Attr   uint16
}

// Object is a reference counted handle. Every handle returned by Resolve or
// Next must be released with Put exactly once; Get takes another reference.
type Object interface {
	FID() fid.FID
	Type() ObjType
	IsDir() bool
	// Exists is false once the object was destroyed while still referenced.
	Exists() bool
	Attr() (attr Attr, err error)
	GetXattr(name string) (value []byte, err error)
	Lookup(name string) (child fid.FID, err error)
	// ReadDir returns up to max entries with cookies greater than cookie.
	ReadDir(cookie uint64, max int) (entries []DirEntry, err error)
	Get()
	Put()
}

// Txn collects declared changes. Nothing is visible until Commit, which
// applies every change or none of them.
type Txn interface {
	// Expect fails the commit unless obj's xattr still holds value (nil: absent).
	Expect(obj fid.FID, name string, value []byte)
	SetXattr(obj fid.FID, name string, value []byte)
	DelXattr(obj fid.FID, name string)
	Insert(dir fid.FID, name string, child fid.FID, typ ObjType)
	Delete(dir fid.FID, name string)
	RefAdd(obj fid.FID)
	RefDel(obj fid.FID)
	Create(obj fid.FID, typ ObjType)
	Commit() (err error)
	Abort()
}

// Iterator walks the object table in cookie order.
type Iterator interface {
	// Next returns the next object and its cookie; ok is false at the end.
	Next() (obj Object, cookie uint64, ok bool, err error)
	Close()
}

// Store is one metadata target's view of the shared namespace.
type Store interface {
	TargetIndex() uint32
	Root() fid.FID
	Resolve(ctx context.Context, f fid.FID) (obj Object, err error)
	// Locate returns the index of the target owning sequence seq.
	Locate(seq uint64) (target uint32, err error)
	Begin() Txn
	// Enumerate starts at the first local object whose cookie is >= cookie.
	Enumerate(cookie uint64) (iter Iterator, err error)
	// AllocFID returns an unused FID from a local sequence.
	AllocFID() (f fid.FID, err error)
}
