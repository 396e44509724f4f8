// Package linkea encodes and decodes the back-reference attribute carried by
// every namespace object: an ordered list of (parent FID, name) entries, one
// per hard link.
//
// The attribute is a 24 byte header followed by variable length records:
//
//	header:  magic u32, reccount u32, len u64, padding u64   (little-endian)
//	record:  reclen u16 (big-endian), parent FID (16 bytes, big-endian), name
//
// reclen covers the whole record including its own two bytes.
package linkea

import (
	"bytes"
	"encoding/binary"

	"github.com/NVIDIA/cstruct"

	"github.com/NVIDIA/lfsck/blunder"
	"github.com/NVIDIA/lfsck/fid"
)

const Magic uint32 = 0x11EAF1DF

const (
	XattrName    = "trusted.link"
	MaxNameLen   = 255
	recHdrBytes  = 2 + fid.PackedBytes
	maxRecordLen = recHdrBytes + MaxNameLen
)

type headerStruct struct {
	Magic    uint32
	RecCount uint32
	Len      uint64
	Padding  uint64
}

var headerBytes uint64

func init() {
	var err error

	headerBytes, _, err = cstruct.Examine(headerStruct{})
	if nil != err {
		panic(err)
	}
}

type Entry struct {
	Parent fid.FID
	Name   string
}

// Matches reports whether e names (name, parent).
func (e Entry) Matches(name string, parent fid.FID) bool {
	return (e.Name == name) && (e.Parent == parent)
}

type LinkEA struct {
	entries []Entry
}

func New() *LinkEA {
	return &LinkEA{entries: make([]Entry, 0, 1)}
}

// Decode parses an attribute blob. Any structural problem yields CorruptLinkEAError.
func Decode(buf []byte) (l *LinkEA, err error) {
	var (
		header   headerStruct
		consumed uint64
	)

	if uint64(len(buf)) < headerBytes {
		err = blunder.NewError(blunder.CorruptLinkEAError, "linkEA too short (%d bytes)", len(buf))
		return
	}
	consumed, err = cstruct.Unpack(buf, &header, cstruct.LittleEndian)
	if nil != err {
		err = blunder.AddError(err, blunder.CorruptLinkEAError)
		return
	}
	if Magic != header.Magic {
		err = blunder.NewError(blunder.CorruptLinkEAError, "linkEA bad magic 0x%08X", header.Magic)
		return
	}
	// Every record carries its header and at least one name byte.
	maxRecords := (uint64(len(buf)) - headerBytes) / (recHdrBytes + 1)
	if (header.Len != uint64(len(buf))) || (0 == header.RecCount) || (uint64(header.RecCount) > maxRecords) {
		err = blunder.NewError(blunder.CorruptLinkEAError, "linkEA len %d reccount %d does not match blob of %d bytes",
			header.Len, header.RecCount, len(buf))
		return
	}

	l = &LinkEA{entries: make([]Entry, 0, header.RecCount)}
	rest := buf[consumed:]

	for i := uint32(0); i < header.RecCount; i++ {
		if len(rest) < recHdrBytes {
			err = blunder.NewError(blunder.CorruptLinkEAError, "linkEA record %d truncated", i)
			l = nil
			return
		}
		reclen := int(binary.BigEndian.Uint16(rest[0:2]))
		if (reclen <= recHdrBytes) || (reclen > maxRecordLen) || (reclen > len(rest)) {
			err = blunder.NewError(blunder.CorruptLinkEAError, "linkEA record %d has bad reclen %d", i, reclen)
			l = nil
			return
		}
		parent, _ := fid.Unpack(rest[2:recHdrBytes])
		l.entries = append(l.entries, Entry{Parent: parent, Name: string(rest[recHdrBytes:reclen])})
		rest = rest[reclen:]
	}

	if 0 != len(rest) {
		err = blunder.NewError(blunder.CorruptLinkEAError, "linkEA has %d trailing bytes", len(rest))
		l = nil
	}

	return
}

func (l *LinkEA) Add(name string, parent fid.FID) (err error) {
	if (0 == len(name)) || (len(name) > MaxNameLen) {
		err = blunder.NewError(blunder.NameTooLongError, "linkEA name length %d not in [1,%d]", len(name), MaxNameLen)
		return
	}
	l.entries = append(l.entries, Entry{Parent: parent, Name: name})
	return
}

// Find returns the index of the first entry naming (name, parent).
func (l *LinkEA) Find(name string, parent fid.FID) (index int, found bool) {
	for index = range l.entries {
		if l.entries[index].Matches(name, parent) {
			found = true
			return
		}
	}
	index = -1
	return
}

// Remove deletes the first entry naming (name, parent).
func (l *LinkEA) Remove(name string, parent fid.FID) (removed bool) {
	index, found := l.Find(name, parent)
	if found {
		l.RemoveAt(index)
	}
	return found
}

func (l *LinkEA) RemoveAt(index int) {
	l.entries = append(l.entries[:index], l.entries[index+1:]...)
}

// RemoveDuplicates drops every entry after index that repeats entries[index]
// and returns how many were removed.
func (l *LinkEA) RemoveDuplicates(index int) (removed int) {
	target := l.entries[index]
	kept := l.entries[:index+1]

	for _, e := range l.entries[index+1:] {
		if e == target {
			removed++
			continue
		}
		kept = append(kept, e)
	}
	l.entries = kept

	return
}

// HasDuplicate reports whether entries[index] appears again later on.
func (l *LinkEA) HasDuplicate(index int) bool {
	for _, e := range l.entries[index+1:] {
		if e == l.entries[index] {
			return true
		}
	}
	return false
}

func (l *LinkEA) Entries() []Entry {
	return append([]Entry(nil), l.entries...)
}

func (l *LinkEA) Entry(index int) Entry {
	return l.entries[index]
}

func (l *LinkEA) Count() int {
	return len(l.entries)
}

// Len returns the encoded size in bytes.
func (l *LinkEA) Len() (n int) {
	n = int(headerBytes)
	for _, e := range l.entries {
		n += recHdrBytes + len(e.Name)
	}
	return
}

func (l *LinkEA) Encode() (buf []byte) {
	var (
		err    error
		header []byte
		rec    [recHdrBytes]byte
	)

	header, err = cstruct.Pack(headerStruct{
		Magic:    Magic,
		RecCount: uint32(len(l.entries)),
		Len:      uint64(l.Len()),
	}, cstruct.LittleEndian)
	if nil != err {
		panic(err)
	}

	b := bytes.NewBuffer(make([]byte, 0, l.Len()))
	b.Write(header)
	for _, e := range l.entries {
		binary.BigEndian.PutUint16(rec[0:2], uint16(recHdrBytes+len(e.Name)))
		e.Parent.PackInto(rec[2:])
		b.Write(rec[:])
		b.WriteString(e.Name)
	}

	return b.Bytes()
}
