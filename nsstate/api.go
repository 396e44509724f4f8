// Copyright (c) 2015-2021, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

// Package nsstate holds the persistent state record of the namespace LFSCK
// component: status, flags, counters, timestamps and resume positions.
//
// The record is packed with cstruct in little-endian byte order regardless
// of the host, and stored as an attribute of the tracking index object.
package nsstate

import (
	"github.com/NVIDIA/cstruct"

	"github.com/NVIDIA/lfsck/blunder"
	"github.com/NVIDIA/lfsck/fid"
)

const Magic uint32 = 0xA0629D03

// Record is the on-disk layout; field order is significant.
type Record struct {
	Magic                  uint32
	Status                 Status
	Flags                  Flags
	SuccessCount           uint32
	RunTimePhase1          uint32
	RunTimePhase2          uint32
	TimeLastComplete       uint64
	TimeLatestStart        uint64
	TimeLastCheckpoint     uint64
	PosLatestStart         Position
	PosLastCheckpoint      Position
	PosFirstInconsistent   Position
	ItemsChecked           uint64
	ItemsRepaired          uint64
	ItemsFailed            uint64
	DirsChecked            uint64
	ObjsCheckedPhase2      uint64
	ObjsRepairedPhase2     uint64
	ObjsFailedPhase2       uint64
	ObjsNlinkRepaired      uint64
	ObjsLostFound          uint64
	FIDLatestScannedPhase2 fid.FID
	DirentRepaired         uint64
	LinkEARepaired         uint64
	MulLinkedChecked       uint64
	MulLinkedRepaired      uint64
	DanglingFound          uint64
	Param                  Param
	Padding                uint32
	Reserved               [3]uint64
}

var recordBytes uint64

func init() {
	var err error

	recordBytes, _, err = cstruct.Examine(Record{})
	if nil != err {
		panic(err)
	}
}

// Size returns the packed size of a Record.
func Size() int {
	return int(recordBytes)
}

// New returns a freshly initialized record in INIT status.
func New() (r *Record) {
	r = &Record{}
	r.Reset(true)
	return
}

func (r *Record) Condition() Condition {
	return Condition{Status: r.Status, Flags: r.Flags}
}

func (r *Record) SetCondition(c Condition) {
	r.Status = c.Status
	r.Flags = c.Flags
}

// Reset zeroes the record. Unless init, the success count, the time of the
// last completion and the start parameters survive.
func (r *Record) Reset(init bool) {
	successCount := r.SuccessCount
	timeLastComplete := r.TimeLastComplete
	param := r.Param

	*r = Record{}
	if !init {
		r.SuccessCount = successCount
		r.TimeLastComplete = timeLastComplete
		r.Param = param
	}
	r.Magic = Magic
	r.Status = StatusInit
}

// ResetScan zeroes the per-run counters and the phase 2 cursor for a phase 1
// restart from the first inconsistent position.
func (r *Record) ResetScan() {
	r.RunTimePhase1 = 0
	r.RunTimePhase2 = 0
	r.ItemsChecked = 0
	r.ItemsRepaired = 0
	r.ItemsFailed = 0
	r.DirsChecked = 0
	r.ObjsCheckedPhase2 = 0
	r.ObjsRepairedPhase2 = 0
	r.ObjsFailedPhase2 = 0
	r.ObjsNlinkRepaired = 0
	r.ObjsLostFound = 0
	r.DirentRepaired = 0
	r.LinkEARepaired = 0
	r.MulLinkedChecked = 0
	r.MulLinkedRepaired = 0
	r.DanglingFound = 0
	r.FIDLatestScannedPhase2 = fid.FID{}
}

// NoteInconsistent records pos as the first inconsistent position unless an
// earlier one is already held. It reports whether the record changed.
func (r *Record) NoteInconsistent(pos Position) (updated bool) {
	if pos.IsZero() {
		return false
	}
	if r.PosFirstInconsistent.IsZero() || (pos.Compare(r.PosFirstInconsistent) < 0) {
		r.PosFirstInconsistent = pos
		return true
	}
	return false
}

func (r *Record) Pack() (buf []byte, err error) {
	buf, err = cstruct.Pack(*r, cstruct.LittleEndian)
	if nil != err {
		err = blunder.AddError(err, blunder.PackError)
	}
	return
}

// Unpack decodes buf. A short buffer or a bad magic yields CorruptStateError.
func Unpack(buf []byte) (r *Record, err error) {
	if uint64(len(buf)) < recordBytes {
		err = blunder.NewError(blunder.CorruptStateError, "state record too short: %d bytes, need %d", len(buf), recordBytes)
		return
	}

	r = &Record{}
	_, err = cstruct.Unpack(buf, r, cstruct.LittleEndian)
	if nil != err {
		r = nil
		err = blunder.AddError(err, blunder.CorruptStateError)
		return
	}
	if Magic != r.Magic {
		err = blunder.NewError(blunder.CorruptStateError, "state record bad magic 0x%08X", r.Magic)
		r = nil
	}
	return
}
