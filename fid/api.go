// Copyright (c) 2015-2021, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

// Package fid defines the 128-bit object identifiers used throughout the
// namespace: a sequence (which determines the owning target), an object id
// within that sequence, and a version.
package fid

import (
	"encoding/binary"
	"fmt"

	"github.com/NVIDIA/lfsck/blunder"
)

const (
	SeqIGIFMin uint64 = 0x0000000c
	SeqIGIFMax uint64 = 0x0ffffffff
	SeqLocal   uint64 = 0x200000001
	SeqDot     uint64 = 0x200000002
	SeqLFSCK   uint64 = 0x200000003
	SeqRootDir uint64 = 0x200000007
	SeqStart   uint64 = 0x200000400
)

// PackedBytes is the size of the packed form.
const PackedBytes = 16

type FID struct {
	Seq uint64
	Oid uint32
	Ver uint32
}

// Root is the FID of the namespace root directory.
var Root = FID{Seq: SeqRootDir, Oid: 1}

// Zero reports whether f is the unset FID.
func (f FID) Zero() bool {
	return (0 == f.Seq) && (0 == f.Oid) && (0 == f.Ver)
}

func (f FID) IsIGIF() bool {
	return (SeqIGIFMin <= f.Seq) && (f.Seq <= SeqIGIFMax)
}

func (f FID) IsDotSeq() bool {
	return SeqDot == f.Seq
}

func (f FID) IsNormal() bool {
	return f.Seq >= SeqStart
}

// IsSane reports whether f names a well-formed object. Well-known FIDs below
// SeqStart (root, local files) are accepted as long as the object id is set.
func (f FID) IsSane() bool {
	if f.IsIGIF() {
		return 0 != f.Oid
	}
	return (f.Seq >= SeqLocal) && (0 != f.Oid) && (0 == f.Ver)
}

func (f FID) String() string {
	return fmt.Sprintf("[0x%x:0x%x:0x%x]", f.Seq, f.Oid, f.Ver)
}

// Compare orders FIDs by Seq, then Oid, then Ver.
func (f FID) Compare(o FID) int {
	switch {
	case f.Seq < o.Seq:
		return -1
	case f.Seq > o.Seq:
		return 1
	case f.Oid < o.Oid:
		return -1
	case f.Oid > o.Oid:
		return 1
	case f.Ver < o.Ver:
		return -1
	case f.Ver > o.Ver:
		return 1
	}
	return 0
}

// Pack returns the 16-byte big-endian form, whose byte order matches Compare.
func (f FID) Pack() (buf []byte) {
	buf = make([]byte, PackedBytes)
	f.PackInto(buf)
	return
}

func (f FID) PackInto(buf []byte) {
	binary.BigEndian.PutUint64(buf[0:8], f.Seq)
	binary.BigEndian.PutUint32(buf[8:12], f.Oid)
	binary.BigEndian.PutUint32(buf[12:16], f.Ver)
}

func Unpack(buf []byte) (f FID, err error) {
	if len(buf) < PackedBytes {
		err = blunder.NewError(blunder.UnpackError, "fid.Unpack() needs %d bytes, got %d", PackedBytes, len(buf))
		return
	}
	f.Seq = binary.BigEndian.Uint64(buf[0:8])
	f.Oid = binary.BigEndian.Uint32(buf[8:12])
	f.Ver = binary.BigEndian.Uint32(buf[12:16])
	return
}

// Parse accepts the text form produced by String, with or without brackets.
func Parse(s string) (f FID, err error) {
	var n int

	if (len(s) > 1) && ('[' == s[0]) {
		n, err = fmt.Sscanf(s, "[0x%x:0x%x:0x%x]", &f.Seq, &f.Oid, &f.Ver)
	} else {
		n, err = fmt.Sscanf(s, "0x%x:0x%x:0x%x", &f.Seq, &f.Oid, &f.Ver)
	}
	if (nil != err) || (3 != n) {
		err = blunder.NewError(blunder.InvalidArgError, "fid.Parse(\"%s\") failed: %v", s, err)
		f = FID{}
	}
	return
}
