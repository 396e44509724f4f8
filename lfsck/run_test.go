package lfsck

import (
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/NVIDIA/lfsck/blunder"
	"github.com/NVIDIA/lfsck/conf"
	"github.com/NVIDIA/lfsck/halter"
	"github.com/NVIDIA/lfsck/nsstate"
	"github.com/NVIDIA/lfsck/peer"
)

func crashImage() string {
	var b strings.Builder

	b.WriteString("entries:\n")
	for dir := 0; dir < 3; dir++ {
		for file := 0; file < 6; file++ {
			fmt.Fprintf(&b, "  - path: d%d/f%d\n", dir, file)
			if 0 == (file % 2) {
				b.WriteString("    linkea: missing\n")
			} else {
				fmt.Fprintf(&b, "    links: [l/d%d-f%d]\n", dir, file)
			}
		}
	}
	return b.String()
}

func TestCrashResume(t *testing.T) {
	teardown := testSetup(t)
	defer teardown()

	reference := loadImage(t, crashImage())
	r := newTestEngine(t, reference, 0, testOptions()).run(t, 0)
	require.Equal(t, nsstate.StatusCompleted, r.Status)

	for _, label := range []string{"lfsck.checkpoint_Exit", "lfsck.execOIT_Entry", "lfsck.post_Entry", "lfsck.doubleScanOne_Entry"} {
		t.Run(label, func(t *testing.T) {
			halter.ConfigurePanicMode()
			defer halter.ConfigureTestModeHaltCB(nil)

			ns := loadImage(t, crashImage())
			opts := testOptions()
			opts.CheckpointInterval = time.Nanosecond
			crashed := newTestEngine(t, ns, 0, opts)

			count := uint32(6)
			if "lfsck.post_Entry" == label {
				count = 1
			}
			require.NoError(t, halter.Arm(label, count))

			require.NoError(t, crashed.Start(0))
			err := crashed.Wait()
			require.Error(t, err)
			assert.Equal(t, nsstate.StatusCrashed, crashed.Query().Status)
			assert.False(t, crashed.Running())
			require.NoError(t, crashed.Close())

			buf, err := crashed.index.LoadState()
			require.NoError(t, err)
			persisted, err := nsstate.Unpack(buf)
			require.NoError(t, err)

			// What a restarted target finds on disk.
			restarted, err := New(ns.Target(0), crashed.index, opts)
			require.NoError(t, err)
			defer func() { assert.NoError(t, restarted.Close()) }()

			assert.Equal(t, nsstate.StatusCrashed, restarted.Query().Status)
			category, _ := opts.Registry.Category(restarted)
			assert.Equal(t, nsstate.CategoryScan, category)

			require.NoError(t, restarted.Start(0))
			require.NoError(t, restarted.Wait())

			r := restarted.Record()
			assert.Equal(t, nsstate.StatusCompleted, r.Status)
			assert.Zero(t, r.ItemsFailed)
			assert.Equal(t, reference.Snapshot(), ns.Snapshot())

			// Phase 1 picks up where the last stored checkpoint left it.
			if !persisted.Flags.Has(nsstate.FlagScannedOnce) {
				assert.False(t, persisted.PosLastCheckpoint.IsZero())
				assert.Equal(t, persisted.PosLastCheckpoint, r.PosLatestStart)
			}
		})
	}
}

func TestFailOutPeerExit(t *testing.T) {
	teardown := testSetup(t)
	defer teardown()

	for _, failOut := range []bool{true, false} {
		t.Run(fmt.Sprintf("failout=%v", failOut), func(t *testing.T) {
			ns := loadImage(t, cleanImage)
			te := newTestEngine(t, ns, 0, testOptions())
			te.AddPeer(1)

			param := nsstate.ParamAllTargets
			if failOut {
				param |= nsstate.ParamFailOut
			}
			require.NoError(t, te.Start(param))

			// Phase 1 is done; phase 2 waits for target 1.
			require.Eventually(t, func() bool {
				return nsstate.StatusScanningPhase2 == te.Query().Status
			}, 5*time.Second, time.Millisecond)
			assert.True(t, te.Running())

			require.NoError(t, te.Notify(peer.Notification{Target: 1, Event: peer.EventPeerExit, Status: -5}))
			err := te.Wait()

			r := te.Record()
			if failOut {
				assert.Error(t, err)
				assert.Equal(t, nsstate.StatusFailed, r.Status)
				assert.False(t, r.Flags.Has(nsstate.FlagIncomplete))
			} else {
				assert.NoError(t, err)
				assert.Equal(t, nsstate.StatusPartial, r.Status)
				assert.True(t, r.Flags.Has(nsstate.FlagIncomplete))
			}

			// Phase 2 ran in the second case, re-arming the peer.
			peers := te.Peers()
			require.Len(t, peers, 1)
			assert.Equal(t, failOut, peers[0].Done)
			assert.Equal(t, !failOut, peers[0].InPhase1)
			assert.False(t, peers[0].InNamespace)
		})
	}
}

func TestMultipleTargets(t *testing.T) {
	defer goleak.VerifyNone(t)
	teardown := testSetup(t)
	defer teardown()

	ns := loadImage(t, `
targets: 2
entries:
  - path: a/f
    target: 1
  - path: a/g
    target: 1
    linkea: missing
  - path: b1
    type: dir
    target: 1
  - path: b1/h
    links: [a/h2]
`)

	bus := peer.NewBus()
	defer func() { assert.NoError(t, bus.Close()) }()

	registry := NewRegistry()
	engines := make([]*testEngine, 2)
	for i := range engines {
		opts := testOptions()
		opts.Registry = registry
		engines[i] = newTestEngine(t, ns, uint32(i), opts)
		engines[i].AddPeer(uint32(1 - i))
		require.NoError(t, engines[i].Attach(bus))
	}
	assert.True(t, blunder.Is(engines[0].Attach(bus), blunder.DevBusyError))

	for _, te := range engines {
		require.NoError(t, te.Start(nsstate.ParamAllTargets|nsstate.ParamBroadcast))
	}
	for _, te := range engines {
		require.NoError(t, te.Wait())
		r := te.Record()
		assert.Equal(t, nsstate.StatusCompleted, r.Status, te.Name())
		assert.Zero(t, r.ItemsFailed, te.Name())
		assert.Zero(t, trackedCount(t, te), te.Name())
	}

	a := pathFID(t, ns, "a")
	assert.Len(t, linkEAOf(t, ns, pathFID(t, ns, "a/g")), 1)
	assert.Equal(t, a, linkEAOf(t, ns, pathFID(t, ns, "a/g"))[0].Parent)
	assert.Len(t, linkEAOf(t, ns, pathFID(t, ns, "b1/h")), 2)

	assert.Len(t, registry.Members(nsstate.CategoryIdle), 2)
	assert.Equal(t, "lustre-MDT0000", registry.All()[0].Name())

	for _, te := range engines {
		assert.NoError(t, te.Close())
	}
	assert.Empty(t, registry.All())
	assert.Zero(t, ns.OutstandingRefs())
}

func TestConfig(t *testing.T) {
	teardown := testSetup(t,
		"Namespace.FSName=scratch",
		"Namespace.AssistantThreads=2",
		"Namespace.CheckpointInterval=5s",
		"Namespace.SpeedLimit=1000.5",
		"Namespace.DryRun=true",
		"Namespace.Broadcast=true",
		"Namespace.DanglingPolicy=remove",
		"Namespace.LostFoundName=recovered",
	)

	opts := DefaultOptions()
	assert.Equal(t, "scratch", opts.FSName)
	assert.Equal(t, 2, opts.AssistantThreads)
	assert.Equal(t, defaultQueueDepth, opts.QueueDepth)
	assert.Equal(t, 5*time.Second, opts.CheckpointInterval)
	assert.Equal(t, 1000.5, opts.SpeedLimit)
	assert.Equal(t, nsstate.ParamDryRun|nsstate.ParamBroadcast, opts.Param)
	assert.Equal(t, DanglingRemove, opts.DanglingPolicy)
	assert.Equal(t, "recovered", opts.LostFoundName)
	assert.Empty(t, opts.TrackingDBPath)

	teardown()
	assert.Equal(t, builtinOptions(), DefaultOptions())

	for _, bad := range []string{
		"Namespace.AssistantThreads=0",
		"Namespace.DanglingPolicy=shred",
		"Namespace.LostFoundName=a/b",
	} {
		confMap, err := conf.MakeConfMapFromStrings([]string{bad})
		require.NoError(t, err)
		assert.True(t, blunder.Is(globals.Up(confMap), blunder.InvalidArgError), bad)
	}
	assert.Equal(t, builtinOptions(), DefaultOptions())
}

func TestSpeedLimit(t *testing.T) {
	teardown := testSetup(t)
	defer teardown()

	ns := loadImage(t, cleanImage)
	opts := testOptions()
	opts.SpeedLimit = 200
	te := newTestEngine(t, ns, 0, opts)

	stopwatch := time.Now()
	r := te.run(t, 0)
	assert.Equal(t, nsstate.StatusCompleted, r.Status)
	// Six objects and six names at 200/s take well over 40ms.
	assert.True(t, time.Since(stopwatch) >= 40*time.Millisecond)
}

func TestStopWhileThrottled(t *testing.T) {
	defer goleak.VerifyNone(t)
	teardown := testSetup(t)
	defer teardown()

	ns := loadImage(t, cleanImage)
	opts := testOptions()
	opts.SpeedLimit = 0.2
	te := newTestEngine(t, ns, 0, opts)

	require.NoError(t, te.Start(0))
	time.Sleep(100 * time.Millisecond)

	stopwatch := time.Now()
	require.NoError(t, te.Stop(nsstate.StatusStopped))
	assert.Less(t, int64(time.Since(stopwatch)), int64(2*time.Second))
	assert.Equal(t, nsstate.StatusStopped, te.Query().Status)
	assert.False(t, te.Running())
	require.NoError(t, te.Close())
}

func TestFailKeepsEarliestPosition(t *testing.T) {
	teardown := testSetup(t)
	defer teardown()

	ns := loadImage(t, cleanImage)
	te := newTestEngine(t, ns, 0, testOptions())
	dir := pathFID(t, ns, "a")

	later := nsstate.Position{OITCookie: 7, DirParent: dir, DirCookie: 50}
	earlier := nsstate.Position{OITCookie: 7, DirParent: dir, DirCookie: 10}

	te.fail(later, true)
	te.fail(earlier, true)
	te.fail(later, false)

	r := te.Record()
	assert.Equal(t, earlier, r.PosFirstInconsistent)
	assert.Equal(t, uint64(3), r.ItemsFailed)

	// A dry run remembers the earliest unit it would have repaired.
	te.Lock()
	te.param = nsstate.ParamDryRun
	te.record.PosFirstInconsistent = nsstate.Position{}
	te.Unlock()

	te.repaired(later)
	te.repaired(earlier)
	assert.Equal(t, earlier, te.Record().PosFirstInconsistent)
}

func TestCollector(t *testing.T) {
	teardown := testSetup(t)
	defer teardown()

	opts := testOptions()
	ns := loadImage(t, cleanImage)
	te := newTestEngine(t, ns, 0, opts)
	te.run(t, 0)

	c := NewCollector(opts.Registry)
	registry := prometheus.NewPedanticRegistry()
	require.NoError(t, registry.Register(c))

	assert.Equal(t, 1+len(c.counters), testutil.CollectAndCount(c))

	expected := `
# HELP lfsck_namespace_success_total Completed runs
# TYPE lfsck_namespace_success_total counter
lfsck_namespace_success_total{target="lustre-MDT0000"} 1
`
	assert.NoError(t, testutil.CollectAndCompare(c, strings.NewReader(expected), "lfsck_namespace_success_total"))
}
