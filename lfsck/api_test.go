package lfsck

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/NVIDIA/lfsck/blunder"
	"github.com/NVIDIA/lfsck/conf"
	"github.com/NVIDIA/lfsck/fid"
	"github.com/NVIDIA/lfsck/linkea"
	"github.com/NVIDIA/lfsck/nsstate"
	"github.com/NVIDIA/lfsck/objstore"
	"github.com/NVIDIA/lfsck/peer"
	"github.com/NVIDIA/lfsck/ramstore"
	"github.com/NVIDIA/lfsck/tracking"
	"github.com/NVIDIA/lfsck/transitions"
)

func testSetup(t *testing.T, extra ...string) (testTeardown func()) {
	testConfMap, err := conf.MakeConfMapFromStrings(append([]string{
		"Logging.LogFilePath=/dev/null",
		"Logging.LogToConsole=false",
	}, extra...))
	require.NoError(t, err)

	require.NoError(t, transitions.Up(testConfMap))

	testTeardown = func() {
		assert.NoError(t, transitions.Down(testConfMap))
	}
	return
}

type testEngine struct {
	*Engine
	index tracking.Index
}

func testOptions() Options {
	return Options{
		AssistantThreads:   3,
		QueueDepth:         4,
		CheckpointInterval: time.Hour,
		Registry:           NewRegistry(),
	}
}

func newTestEngine(t *testing.T, ns *ramstore.Namespace, target uint32, opts Options) (te *testEngine) {
	index := tracking.NewMemIndex()
	e, err := New(ns.Target(target), index, opts)
	require.NoError(t, err)

	te = &testEngine{Engine: e, index: index}
	t.Cleanup(func() { assert.NoError(t, e.Close()) })
	return
}

func loadImage(t *testing.T, image string) *ramstore.Namespace {
	ns, err := ramstore.LoadImage([]byte(image))
	require.NoError(t, err)
	return ns
}

func (te *testEngine) run(t *testing.T, param nsstate.Param) nsstate.Record {
	require.NoError(t, te.Start(param))
	require.NoError(t, te.Wait())
	return te.Record()
}

func pathFID(t *testing.T, ns *ramstore.Namespace, p string) fid.FID {
	paths, fids := ns.Paths()
	for i := range paths {
		if p == paths[i] {
			return fids[i]
		}
	}
	require.Failf(t, "path not found", "%s not in %v", p, paths)
	return fid.FID{}
}

func hasPath(ns *ramstore.Namespace, p string) bool {
	paths, _ := ns.Paths()
	for _, candidate := range paths {
		if p == candidate {
			return true
		}
	}
	return false
}

func linkEAOf(t *testing.T, ns *ramstore.Namespace, f fid.FID) []linkea.Entry {
	snap, ok := ns.Snapshot()[f]
	require.True(t, ok, "%s does not exist", f)
	buf, ok := snap.Xattrs[linkea.XattrName]
	if !ok {
		return nil
	}
	l, err := linkea.Decode(buf)
	require.NoError(t, err)
	return l.Entries()
}

func trackedCount(t *testing.T, te *testEngine) int {
	count, err := te.index.Count()
	require.NoError(t, err)
	return count
}

const cleanImage = `
entries:
  - path: a
    type: dir
  - path: a/f
  - path: a/g
    links: [b/h]
  - path: b/s
    type: symlink
`

func TestCleanNamespaceIdempotent(t *testing.T) {
	defer goleak.VerifyNone(t)
	teardown := testSetup(t)
	defer teardown()

	ns := loadImage(t, cleanImage)
	te := newTestEngine(t, ns, 0, testOptions())
	before := ns.Snapshot()

	assert.Equal(t, nsstate.StatusInit, te.Query().Status)

	for run := 1; run <= 2; run++ {
		r := te.run(t, 0)

		assert.Equal(t, nsstate.StatusCompleted, r.Status)
		assert.Equal(t, uint32(run), r.SuccessCount)
		assert.Zero(t, r.ItemsRepaired)
		assert.Zero(t, r.ItemsFailed)
		assert.Zero(t, r.ObjsRepairedPhase2)
		assert.Zero(t, r.LinkEARepaired)
		assert.Zero(t, r.DirentRepaired)
		assert.Zero(t, r.ObjsLostFound)
		assert.Equal(t, uint64(2), r.MulLinkedChecked)
		assert.Equal(t, uint64(3), r.DirsChecked)
		assert.False(t, r.Flags.Has(nsstate.FlagInconsistent))
		assert.False(t, r.Flags.Has(nsstate.FlagScannedOnce))

		assert.Equal(t, before, ns.Snapshot())
		assert.Zero(t, trackedCount(t, te))
		assert.Zero(t, ns.OutstandingRefs())

		category, ok := te.registry.Category(te.Engine)
		assert.True(t, ok)
		assert.Equal(t, nsstate.CategoryIdle, category)
	}
}

func TestRepairLinkEA(t *testing.T) {
	teardown := testSetup(t)
	defer teardown()

	ns := loadImage(t, `
entries:
  - path: a
    type: dir
  - path: a/f
    linkea: corrupt
  - path: a/m
    linkea: missing
  - path: a/d
    type: dir
    linkea: corrupt
`)
	te := newTestEngine(t, ns, 0, testOptions())

	r := te.run(t, 0)

	assert.Equal(t, nsstate.StatusCompleted, r.Status)
	assert.Equal(t, uint64(3), r.LinkEARepaired)
	assert.Equal(t, uint64(3), r.ItemsRepaired)
	assert.Zero(t, r.ItemsFailed)
	assert.Zero(t, r.ObjsRepairedPhase2)

	a := pathFID(t, ns, "a")
	for _, name := range []string{"f", "m", "d"} {
		assert.Equal(t, []linkea.Entry{{Parent: a, Name: name}}, linkEAOf(t, ns, pathFID(t, ns, "a/"+name)), name)
	}
	assert.Zero(t, trackedCount(t, te))
	assert.Zero(t, ns.OutstandingRefs())

	before := ns.Snapshot()
	r = te.run(t, 0)
	assert.Zero(t, r.ItemsRepaired)
	assert.Equal(t, before, ns.Snapshot())
}

func TestMultiplyLinked(t *testing.T) {
	teardown := testSetup(t)
	defer teardown()

	ns := loadImage(t, `
entries:
  - path: a/f
    links: [b/g, b/h]
    linkea: missing
  - path: a/s
    linkea: stale
`)
	te := newTestEngine(t, ns, 0, testOptions())

	r := te.run(t, 0)

	assert.Equal(t, nsstate.StatusCompleted, r.Status)
	a := pathFID(t, ns, "a")
	b := pathFID(t, ns, "b")

	assert.ElementsMatch(t, []linkea.Entry{
		{Parent: a, Name: "f"},
		{Parent: b, Name: "g"},
		{Parent: b, Name: "h"},
	}, linkEAOf(t, ns, pathFID(t, ns, "a/f")))
	assert.Equal(t, []linkea.Entry{{Parent: a, Name: "s"}}, linkEAOf(t, ns, pathFID(t, ns, "a/s")))

	// Three rewrites of a/f's linkEA, one stale entry dropped in phase 2.
	assert.Equal(t, uint64(4), r.LinkEARepaired)
	assert.Equal(t, uint64(1), r.ObjsRepairedPhase2)
	assert.Zero(t, r.MulLinkedRepaired)
	assert.Zero(t, trackedCount(t, te))
}

func TestDryRunChangesNothing(t *testing.T) {
	teardown := testSetup(t)
	defer teardown()

	const image = `
entries:
  - path: a/f
    linkea: corrupt
  - path: a/m
    linkea: missing
  - path: a/s
    linkea: stale
  - path: a/o
    links: [b/o]
    orphan: true
    linkea: none
  - path: b/d
    dangling: true
`
	ns := loadImage(t, image)
	opts := testOptions()
	opts.DanglingPolicy = DanglingRemove
	te := newTestEngine(t, ns, 0, opts)
	before := ns.Snapshot()

	r := te.run(t, nsstate.ParamDryRun)

	assert.Equal(t, nsstate.StatusCompleted, r.Status)
	assert.Equal(t, nsstate.ParamDryRun, r.Param)
	assert.True(t, r.Flags.Has(nsstate.FlagInconsistent))
	assert.True(t, r.Flags.Has(nsstate.FlagScannedOnce))
	assert.False(t, r.PosFirstInconsistent.IsZero())
	assert.NotZero(t, r.ItemsRepaired)
	assert.Equal(t, uint64(1), r.DanglingFound)
	assert.Equal(t, uint64(1), r.ObjsLostFound)
	assert.Equal(t, before, ns.Snapshot())
	assert.Zero(t, ns.OutstandingRefs())

	r = te.run(t, 0)

	assert.Equal(t, nsstate.StatusCompleted, r.Status)
	assert.False(t, r.Flags.Has(nsstate.FlagInconsistent))
	assert.NotEqual(t, before, ns.Snapshot())
	assert.False(t, hasPath(ns, "b/d"))
	assert.Equal(t, uint64(1), r.ObjsLostFound)
	assert.True(t, hasPath(ns, "lost+found/"+RecoveryDirName(0)))
}

func TestOrphanToLostFound(t *testing.T) {
	teardown := testSetup(t)
	defer teardown()

	ns := loadImage(t, `
entries:
  - path: a
    type: dir
  - path: a/o
    links: [b/o]
    orphan: true
    linkea: none
`)
	te := newTestEngine(t, ns, 0, testOptions())

	snap := ns.Snapshot()
	var orphan fid.FID
	for f, obj := range snap {
		if (0 == len(obj.Xattrs)) && (2 == obj.Nlink) {
			orphan = f
		}
	}
	require.False(t, orphan.Zero())

	r := te.run(t, 0)

	assert.Equal(t, nsstate.StatusCompleted, r.Status)
	assert.Equal(t, uint64(1), r.ObjsLostFound)
	assert.Equal(t, uint64(1), r.ObjsRepairedPhase2)
	assert.Equal(t, uint64(1), r.MulLinkedRepaired)

	name := orphan.String() + orphanSuffix
	p := "lost+found/" + RecoveryDirName(0) + "/" + name
	require.True(t, hasPath(ns, p))
	assert.Equal(t, orphan, pathFID(t, ns, p))
	assert.Equal(t, LostFoundFID, pathFID(t, ns, "lost+found"))
	assert.Equal(t, RecoveryDirFID(0), pathFID(t, ns, "lost+found/"+RecoveryDirName(0)))

	assert.Equal(t, []linkea.Entry{{Parent: RecoveryDirFID(0), Name: name}}, linkEAOf(t, ns, orphan))
	assert.Equal(t, []linkea.Entry{{Parent: fid.Root, Name: "lost+found"}}, linkEAOf(t, ns, LostFoundFID))
	assert.Equal(t, []linkea.Entry{{Parent: LostFoundFID, Name: RecoveryDirName(0)}}, linkEAOf(t, ns, RecoveryDirFID(0)))

	before := ns.Snapshot()
	r = te.run(t, 0)
	assert.Zero(t, r.ObjsLostFound)
	assert.Zero(t, r.ObjsRepairedPhase2)
	assert.Zero(t, r.ItemsRepaired)
	assert.Equal(t, before, ns.Snapshot())
	assert.Zero(t, ns.OutstandingRefs())
}

func TestMissingParentPlaceholder(t *testing.T) {
	teardown := testSetup(t)
	defer teardown()

	ns := loadImage(t, `
entries:
  - path: a
    type: dir
  - path: a/p
    orphan: true
    linkea: stale
`)
	te := newTestEngine(t, ns, 0, testOptions())

	stale := fid.FID{Seq: fid.SeqStart + ramstore.SeqWidth - 1, Oid: 0xdead}

	var orphan fid.FID
	for f, obj := range ns.Snapshot() {
		if objectHasXattr(obj) && (objstore.TypeRegular == obj.Type) {
			orphan = f
		}
	}
	require.False(t, orphan.Zero())

	r := te.run(t, 0)

	assert.Equal(t, nsstate.StatusCompleted, r.Status)
	placeholder := "lost+found/" + RecoveryDirName(0) + "/" + stale.String() + placeholderSuffix
	require.True(t, hasPath(ns, placeholder))
	assert.Equal(t, stale, pathFID(t, ns, placeholder))
	assert.Equal(t, orphan, pathFID(t, ns, placeholder+"/p"))
	assert.Equal(t, []linkea.Entry{{Parent: stale, Name: "p"}}, linkEAOf(t, ns, orphan))

	assert.Equal(t, uint64(1), r.ObjsLostFound)
	assert.Equal(t, uint64(1), r.DirentRepaired)
	assert.Equal(t, uint64(1), r.LinkEARepaired)
	assert.Zero(t, trackedCount(t, te))
}

func objectHasXattr(obj ramstore.ObjectSnapshot) bool {
	_, ok := obj.Xattrs[linkea.XattrName]
	return ok
}

func TestReinsertMissingNames(t *testing.T) {
	teardown := testSetup(t)
	defer teardown()

	ns := loadImage(t, `
entries:
  - path: a/q
    links: [b/q2]
    orphan: true
`)
	te := newTestEngine(t, ns, 0, testOptions())

	require.False(t, hasPath(ns, "a/q"))

	r := te.run(t, 0)

	assert.Equal(t, nsstate.StatusCompleted, r.Status)
	require.True(t, hasPath(ns, "a/q"))
	require.True(t, hasPath(ns, "b/q2"))
	assert.Equal(t, pathFID(t, ns, "a/q"), pathFID(t, ns, "b/q2"))
	assert.Equal(t, uint64(2), r.DirentRepaired)
	assert.Equal(t, uint64(1), r.MulLinkedRepaired)
	assert.Zero(t, r.ObjsLostFound)
}

func TestDanglingPolicy(t *testing.T) {
	teardown := testSetup(t)
	defer teardown()

	const image = `
entries:
  - path: a/f
  - path: a/d
    dangling: true
`
	for _, policy := range []DanglingPolicy{DanglingReport, DanglingRemove} {
		t.Run(policy.String(), func(t *testing.T) {
			ns := loadImage(t, image)
			opts := testOptions()
			opts.DanglingPolicy = policy
			te := newTestEngine(t, ns, 0, opts)

			r := te.run(t, 0)

			assert.Equal(t, nsstate.StatusCompleted, r.Status)
			assert.Equal(t, uint64(1), r.DanglingFound)
			if DanglingRemove == policy {
				assert.False(t, hasPath(ns, "a/d"))
				assert.Equal(t, uint64(1), r.DirentRepaired)
				assert.Equal(t, uint64(1), r.ItemsRepaired)
			} else {
				assert.True(t, hasPath(ns, "a/d"))
				assert.Zero(t, r.DirentRepaired)
				assert.Zero(t, r.ItemsRepaired)
			}
			assert.True(t, hasPath(ns, "a/f"))
		})
	}

	policy, err := ParseDanglingPolicy("Remove")
	require.NoError(t, err)
	assert.Equal(t, DanglingRemove, policy)
	_, err = ParseDanglingPolicy("nuke")
	assert.True(t, blunder.Is(err, blunder.InvalidArgError))
}

func TestUnknownTargetIncomplete(t *testing.T) {
	teardown := testSetup(t)
	defer teardown()

	ns := loadImage(t, `
targets: 2
entries:
  - path: a/f
    target: 1
`)
	te := newTestEngine(t, ns, 0, testOptions())

	r := te.run(t, 0)

	assert.Equal(t, nsstate.StatusPartial, r.Status)
	assert.True(t, r.Flags.Has(nsstate.FlagIncomplete))
	assert.Equal(t, uint64(1), r.ItemsFailed)
	assert.False(t, r.PosFirstInconsistent.IsZero())

	// A PARTIAL run is reset by the next start.
	te.AddPeer(1)
	r = te.run(t, 0)
	assert.Equal(t, nsstate.StatusCompleted, r.Status)
	assert.Zero(t, r.ItemsFailed)
	assert.Equal(t, uint32(2), r.SuccessCount)
}

func TestStopAndResume(t *testing.T) {
	teardown := testSetup(t)
	defer teardown()

	ns := loadImage(t, `
entries:
  - path: a/f1
    linkea: missing
  - path: a/f2
    linkea: missing
  - path: a/f3
    linkea: missing
  - path: b/f4
    linkea: missing
  - path: b/f5
    linkea: missing
`)
	te := newTestEngine(t, ns, 0, testOptions())

	objects := 0
	te.onObject = func(cookie uint64) {
		objects++
		if 2 == objects {
			te.requestStop(nsstate.StatusPaused, nil)
		}
	}

	r := te.run(t, 0)
	assert.Equal(t, nsstate.StatusPaused, r.Status)
	assert.False(t, r.PosLastCheckpoint.IsZero())
	category, _ := te.registry.Category(te.Engine)
	assert.Equal(t, nsstate.CategoryScan, category)

	err := te.Stop(nsstate.StatusStopped)
	assert.True(t, blunder.Is(err, blunder.StoppedError))
	err = te.Stop(nsstate.StatusCompleted)
	assert.True(t, blunder.Is(err, blunder.InvalidArgError))

	te.onObject = nil
	r = te.run(t, 0)
	assert.Equal(t, nsstate.StatusCompleted, r.Status)
	for _, p := range []string{"a/f1", "a/f2", "a/f3", "b/f4", "b/f5"} {
		assert.Len(t, linkEAOf(t, ns, pathFID(t, ns, p)), 1, p)
	}
	category, _ = te.registry.Category(te.Engine)
	assert.Equal(t, nsstate.CategoryIdle, category)
}

func TestReset(t *testing.T) {
	teardown := testSetup(t)
	defer teardown()

	ns := loadImage(t, cleanImage)
	te := newTestEngine(t, ns, 0, testOptions())

	r := te.run(t, 0)
	require.Equal(t, nsstate.StatusCompleted, r.Status)

	require.NoError(t, te.Reset())
	r = te.Record()
	assert.Equal(t, nsstate.StatusInit, r.Status)
	assert.Equal(t, uint32(1), r.SuccessCount)
	assert.Zero(t, r.ItemsChecked)

	// The reset record is what a new engine on the same index loads.
	e, err := New(ns.Target(0), te.index, testOptions())
	require.NoError(t, err)
	assert.Equal(t, nsstate.StatusInit, e.Query().Status)
	assert.Equal(t, uint32(1), e.Record().SuccessCount)
	require.NoError(t, e.Close())
	require.NoError(t, e.Close())
	assert.True(t, blunder.Is(e.Start(0), blunder.StoppedError))
}

func TestCorruptStateRecord(t *testing.T) {
	teardown := testSetup(t)
	defer teardown()

	ns := loadImage(t, cleanImage)
	index := tracking.NewMemIndex()
	require.NoError(t, index.StoreState([]byte("garbage")))
	require.NoError(t, index.Apply([]tracking.Op{{FID: fid.FID{Seq: fid.SeqStart, Oid: 99}, Flags: tracking.CheckLinkEA}}))

	e, err := New(ns.Target(0), index, testOptions())
	require.NoError(t, err)
	defer func() { assert.NoError(t, e.Close()) }()

	assert.Equal(t, nsstate.StatusInit, e.Query().Status)
	count, err := index.Count()
	require.NoError(t, err)
	assert.Zero(t, count)

	buf, err := index.LoadState()
	require.NoError(t, err)
	_, err = nsstate.Unpack(buf)
	assert.NoError(t, err)
}

func TestDump(t *testing.T) {
	teardown := testSetup(t)
	defer teardown()

	ns := loadImage(t, cleanImage)
	te := newTestEngine(t, ns, 0, testOptions())

	var buf bytes.Buffer
	require.NoError(t, te.Dump(&buf))
	assert.Contains(t, buf.String(), "status: init\n")
	assert.Contains(t, buf.String(), "time_since_last_completed: N/A\n")
	assert.Contains(t, buf.String(), "latest_start_position: N/A\n")

	te.run(t, 0)

	buf.Reset()
	require.NoError(t, te.Dump(&buf))
	out := buf.String()

	lines := strings.Split(strings.TrimSuffix(out, "\n"), "\n")
	assert.Equal(t, "name: lfsck_namespace", lines[0])
	assert.Equal(t, "magic: 0xa0629d03", lines[1])
	assert.Contains(t, out, "status: completed\n")
	assert.Contains(t, out, "success_count: 1\n")
	assert.Contains(t, out, "checked_phase1: ")
	assert.Contains(t, out, "multiple_linked_checked: 2\n")
	assert.Contains(t, out, "real_time_speed_phase1: N/A\n")
	assert.Contains(t, out, "current_position: N/A\n")
	assert.NotContains(t, out, "time_since_last_completed: N/A")
}

func TestNotifyRejects(t *testing.T) {
	teardown := testSetup(t)
	defer teardown()

	te := newTestEngine(t, ramstore.NewNamespace(), 0, testOptions())
	te.AddPeer(1)

	err := te.Notify(peer.Notification{Target: 1, Event: peer.Event(0x77), Status: 1})
	assert.True(t, blunder.Is(err, blunder.BadEventError))

	err = te.Notify(peer.Notification{Target: 5, Event: peer.EventPhase1Done, Status: 1})
	assert.True(t, blunder.Is(err, blunder.PeerUnknownError))

	require.NoError(t, te.Notify(peer.Notification{Target: 1, Event: peer.EventPhase1Done, Status: 1}))
	peers := te.Peers()
	require.Len(t, peers, 1)
	assert.True(t, peers[0].InNamespace)
	assert.True(t, peers[0].InPhase2)
	assert.False(t, peers[0].InPhase1)
}

func TestResumeOrder(t *testing.T) {
	f := fid.FID{Seq: fid.SeqStart, Oid: 1}
	before := resumesBefore(
		nsstate.Position{OITCookie: 4, DirParent: f, DirCookie: 9},
		nsstate.Position{OITCookie: 4},
	)
	assert.True(t, before)
	assert.False(t, resumesBefore(nsstate.Position{OITCookie: 4}, nsstate.Position{OITCookie: 4, DirParent: f}))
	assert.True(t, resumesBefore(nsstate.Position{OITCookie: 3}, nsstate.Position{OITCookie: 4, DirParent: f}))
}
