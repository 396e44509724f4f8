package nsstate

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/NVIDIA/lfsck/blunder"
	"github.com/NVIDIA/lfsck/fid"
)

func TestPackUnpack(t *testing.T) {
	r := New()
	r.Status = StatusScanningPhase2
	r.Flags = FlagScannedOnce | FlagInconsistent
	r.SuccessCount = 3
	r.RunTimePhase1 = 17
	r.TimeLastCheckpoint = 1600000000
	r.PosLastCheckpoint = Position{OITCookie: 42, DirParent: fid.Root, DirCookie: 0x1234}
	r.ItemsChecked = 1 << 40
	r.FIDLatestScannedPhase2 = fid.FID{Seq: fid.SeqStart, Oid: 9}
	r.DanglingFound = 2

	buf, err := r.Pack()
	require.NoError(t, err)
	assert.Equal(t, Size(), len(buf))
	assert.Equal(t, []byte{0x03, 0x9D, 0x62, 0xA0}, buf[0:4])

	unpacked, err := Unpack(buf)
	require.NoError(t, err)
	assert.Equal(t, r, unpacked)
}

func TestUnpackCorrupt(t *testing.T) {
	buf, err := New().Pack()
	require.NoError(t, err)

	_, err = Unpack(buf[:len(buf)-1])
	assert.True(t, blunder.Is(err, blunder.CorruptStateError))

	buf[1] ^= 0xFF
	_, err = Unpack(buf)
	assert.True(t, blunder.Is(err, blunder.CorruptStateError))
}

func TestResetKeepsHistory(t *testing.T) {
	r := New()
	r.Status = StatusCompleted
	r.SuccessCount = 5
	r.TimeLastComplete = 99
	r.ItemsRepaired = 7

	r.Reset(false)
	assert.Equal(t, StatusInit, r.Status)
	assert.Equal(t, uint32(5), r.SuccessCount)
	assert.Equal(t, uint64(99), r.TimeLastComplete)
	assert.Zero(t, r.ItemsRepaired)

	r.Reset(true)
	assert.Zero(t, r.SuccessCount)
	assert.Equal(t, Magic, r.Magic)
}

func TestFirstInconsistentIsSticky(t *testing.T) {
	r := New()
	assert.False(t, r.NoteInconsistent(Position{}))

	assert.True(t, r.NoteInconsistent(Position{OITCookie: 10}))
	assert.False(t, r.NoteInconsistent(Position{OITCookie: 20}))
	assert.Equal(t, uint64(10), r.PosFirstInconsistent.OITCookie)

	earlier := Position{OITCookie: 10, DirParent: fid.Root, DirCookie: 1}
	assert.False(t, r.NoteInconsistent(earlier))
	assert.True(t, r.NoteInconsistent(Position{OITCookie: 4}))
	assert.Equal(t, uint64(4), r.PosFirstInconsistent.OITCookie)

	r.ResetScan()
	assert.Equal(t, uint64(4), r.PosFirstInconsistent.OITCookie)
	r.Reset(false)
	assert.True(t, r.PosFirstInconsistent.IsZero())
}

func TestPositionOrder(t *testing.T) {
	a := Position{OITCookie: 1, DirParent: fid.FID{Seq: 9, Oid: 1}, DirCookie: 100}
	b := Position{OITCookie: 1, DirParent: fid.FID{Seq: 9, Oid: 2}, DirCookie: 0}
	c := Position{OITCookie: 1, DirParent: fid.FID{Seq: 9, Oid: 2}, DirCookie: 1}
	d := Position{OITCookie: 2}

	assert.Equal(t, -1, a.Compare(b))
	assert.Equal(t, -1, b.Compare(c))
	assert.Equal(t, -1, c.Compare(d))
	assert.Equal(t, 1, d.Compare(a))
	assert.Equal(t, 0, c.Compare(c))
}

func TestConditionTransitions(t *testing.T) {
	c := Condition{Status: StatusScanningPhase1, Flags: FlagUpgrade | FlagInconsistent}

	c = c.EnterPhase2()
	assert.Equal(t, StatusScanningPhase2, c.Status)
	assert.Equal(t, CategoryDoubleScan, c.Category())
	assert.True(t, c.Flags.Has(FlagScannedOnce|FlagInconsistent))
	assert.False(t, c.Flags.Has(FlagUpgrade))

	dry := c.Finish(true)
	assert.Equal(t, StatusCompleted, dry.Status)
	assert.True(t, dry.Flags.Has(FlagScannedOnce))

	done := c.Finish(false)
	assert.Equal(t, StatusCompleted, done.Status)
	assert.Equal(t, Flags(0), done.Flags)
	assert.Equal(t, CategoryIdle, done.Category())

	c.Flags |= FlagIncomplete
	assert.Equal(t, StatusPartial, c.Finish(false).Status)

	assert.Equal(t, StatusPaused, c.Stopped(StatusPaused, false).Status)
	assert.Equal(t, StatusStopped, c.Stopped(StatusInit, false).Status)
	assert.Equal(t, StatusFailed, c.Stopped(StatusPaused, true).Status)

	loaded, corrupt := Condition{Status: StatusScanningPhase1}.Loaded()
	assert.False(t, corrupt)
	assert.Equal(t, StatusCrashed, loaded.Status)
	assert.Equal(t, CategoryScan, loaded.Category())

	loaded, corrupt = Condition{Status: Status(77)}.Loaded()
	assert.True(t, corrupt)
	assert.Equal(t, StatusCrashed, loaded.Status)

	assert.Equal(t, "scanned-once,incomplete", (FlagScannedOnce | FlagIncomplete).String())
	assert.Equal(t, "scanning-phase2", StatusScanningPhase2.String())
}

func TestParam(t *testing.T) {
	p, ok := ParseParam("dryrun, failout")
	assert.True(t, ok)
	assert.Equal(t, ParamDryRun|ParamFailOut, p)
	assert.Equal(t, "failout,dryrun", p.String())

	_, ok = ParseParam("dryrun,bogus")
	assert.False(t, ok)

	r := New()
	r.Param = ParamAllTargets
	r.Reset(false)
	assert.Equal(t, ParamAllTargets, r.Param)

	buf, err := r.Pack()
	require.NoError(t, err)
	unpacked, err := Unpack(buf)
	require.NoError(t, err)
	assert.Equal(t, ParamAllTargets, unpacked.Param)
}
