// Copyright (c) 2015-2021, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

// Package lfsck is the namespace consistency check and repair engine of one
// metadata target.
//
// A run has two phases. Phase 1 enumerates every local object in cookie
// order; each object's linkEA is sanity checked (exec_oit), and each
// directory's entries are handed to a pool of assistant workers that verify
// the named object carries the matching back-reference (handler_p1). Objects
// that phase 1 could not fully verify are recorded in the tracking index.
// Phase 2 walks the tracking index and cross checks every linkEA entry of
// every recorded object against the directory it names (double_scan_one).
//
// Progress is checkpointed into the state record (package nsstate), which is
// stored as an attribute of the tracking index, so that a crashed or stopped
// run resumes where it left off:
//
//	e, err := lfsck.New(store, index, lfsck.DefaultOptions())
//	...
//	err = e.Start(nsstate.ParamDryRun)
//	...
//	err = e.Wait()
//	e.Dump(os.Stdout)
package lfsck

import (
	"context"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"github.com/NVIDIA/lfsck/blunder"
	"github.com/NVIDIA/lfsck/dlm"
	"github.com/NVIDIA/lfsck/fld"
	"github.com/NVIDIA/lfsck/logger"
	"github.com/NVIDIA/lfsck/nsstate"
	"github.com/NVIDIA/lfsck/objstore"
	"github.com/NVIDIA/lfsck/peer"
	"github.com/NVIDIA/lfsck/trackedlock"
	"github.com/NVIDIA/lfsck/tracking"
)

// DanglingPolicy selects what phase 1 does with a directory entry whose
// object does not exist.
type DanglingPolicy int

const (
	DanglingReport DanglingPolicy = iota
	DanglingRemove
)

func (p DanglingPolicy) String() string {
	if DanglingRemove == p {
		return "remove"
	}
	return "report"
}

func ParseDanglingPolicy(s string) (p DanglingPolicy, err error) {
	switch strings.ToLower(s) {
	case "report":
		p = DanglingReport
	case "remove":
		p = DanglingRemove
	default:
		err = blunder.NewError(blunder.InvalidArgError, "dangling policy \"%s\" unknown", s)
	}
	return
}

type Options struct {
	FSName             string
	AssistantThreads   int
	QueueDepth         int
	CheckpointInterval time.Duration
	SpeedLimit         float64       // items per second; 0 is unlimited
	Param              nsstate.Param // start parameters used when none are given
	DropDryRun         bool
	DanglingPolicy     DanglingPolicy
	LostFoundName      string
	TrackingDBPath     string
	LocateCacheSize    int
	Registry           *Registry // nil selects the package registry
}

// Engine is the namespace LFSCK component of one target. Its RWMutex guards
// the state record and the run bookkeeping kept next to it.
type Engine struct {
	trackedlock.RWMutex
	name      string
	store     objstore.Store
	index     tracking.Index
	locator   *fld.Cache
	coord     *peer.Coordinator
	registry  *Registry
	opts      Options
	ctx       context.Context
	cancel    context.CancelFunc
	record    *nsstate.Record
	traceLock trackedlock.Mutex // serializes tracking.Update

	transport   peer.Transport
	unsubscribe func()
	closed      bool

	running            bool
	param              nsstate.Param
	dropDryRun         bool
	requested          nsstate.Status
	stopping           int32 // atomic; set once per run
	stopCh             chan struct{}
	runCtx             context.Context // cancelled with stopCh
	runCancel          context.CancelFunc
	stopErr            error
	runDone            chan struct{}
	runErr             error
	pos                nsstate.Position // last completed position of phase 1
	newChecked         uint64
	timeLastCheckpoint time.Time
	nextCheckpoint     time.Time
	pool               *assistantPool
	limiter            *rate.Limiter

	onObject func(cookie uint64) // called after each object phase 1 completes
}

// New loads (or initializes) the state record kept in index and registers
// the engine according to its status.
func New(store objstore.Store, index tracking.Index, opts Options) (e *Engine, err error) {
	defaults := builtinOptions()
	if "" == opts.FSName {
		opts.FSName = defaults.FSName
	}
	if opts.AssistantThreads <= 0 {
		opts.AssistantThreads = defaults.AssistantThreads
	}
	if opts.QueueDepth <= 0 {
		opts.QueueDepth = defaults.QueueDepth
	}
	if opts.CheckpointInterval <= 0 {
		opts.CheckpointInterval = defaults.CheckpointInterval
	}
	if "" == opts.LostFoundName {
		opts.LostFoundName = defaults.LostFoundName
	}
	if opts.LocateCacheSize <= 0 {
		opts.LocateCacheSize = defaults.LocateCacheSize
	}
	if nil == opts.Registry {
		opts.Registry = globals.registry
	}

	e = &Engine{
		name:     fmt.Sprintf("%s-MDT%04x", opts.FSName, store.TargetIndex()),
		store:    store,
		index:    index,
		coord:    peer.NewCoordinator(store.TargetIndex()),
		registry: opts.Registry,
		opts:     opts,
	}

	e.locator, err = fld.NewCache(store, opts.LocateCacheSize)
	if nil != err {
		e = nil
		return
	}

	e.ctx, e.cancel = context.WithCancel(context.Background())

	err = e.setup()
	if nil != err {
		e.cancel()
		e = nil
	}
	return
}

// OpenIndex opens the pebble index at opts.TrackingDBPath, or returns an
// in-memory index when the path is empty.
func OpenIndex(opts Options) (index tracking.Index, err error) {
	if "" == opts.TrackingDBPath {
		index = tracking.NewMemIndex()
		return
	}
	index, err = tracking.OpenPebbleIndex(opts.TrackingDBPath)
	return
}

func (e *Engine) Name() string {
	return e.name
}

// AddPeer registers another target of the namespace.
func (e *Engine) AddPeer(index uint32) {
	e.coord.Register(index)
}

// Peers returns the registered peers as currently seen.
func (e *Engine) Peers() []peer.Target {
	return e.coord.Targets()
}

// Attach subscribes to peer notifications on transport and uses it to
// publish this target's phase events.
func (e *Engine) Attach(transport peer.Transport) (err error) {
	e.Lock()
	defer e.Unlock()

	if e.closed {
		err = blunder.NewError(blunder.StoppedError, "%s: engine closed", e.name)
		return
	}
	if nil != e.transport {
		err = blunder.NewError(blunder.DevBusyError, "%s: already attached", e.name)
		return
	}

	cancel, err := transport.Subscribe(e.store.TargetIndex(), e.handleNotification)
	if nil != err {
		return
	}
	e.transport = transport
	e.unsubscribe = cancel
	return
}

// Start begins a run with param in the background.
func (e *Engine) Start(param nsstate.Param) (err error) {
	e.Lock()
	defer e.Unlock()

	if e.closed {
		err = blunder.NewError(blunder.StoppedError, "%s: engine closed", e.name)
		return
	}
	if e.running {
		err = blunder.NewError(blunder.DevBusyError, "%s: namespace LFSCK already running", e.name)
		return
	}

	e.running = true
	e.requested = nsstate.StatusInit
	atomic.StoreInt32(&e.stopping, 0)
	e.stopCh = make(chan struct{})
	e.runCtx, e.runCancel = context.WithCancel(e.ctx)
	e.stopErr = nil
	e.runDone = make(chan struct{})
	e.runErr = nil

	go e.driver(param)

	return
}

// Stop asks the running engine to stop, leaving status (STOPPED or PAUSED),
// and waits for it.
func (e *Engine) Stop(status nsstate.Status) (err error) {
	if (nsstate.StatusStopped != status) && (nsstate.StatusPaused != status) {
		err = blunder.NewError(blunder.InvalidArgError, "%s: cannot stop into status %s", e.name, status)
		return
	}
	if !e.requestStop(status, nil) {
		err = blunder.NewError(blunder.StoppedError, "%s: namespace LFSCK not running", e.name)
		return
	}
	err = e.Wait()
	return
}

// Wait returns once the current run (if any) ended. The error is the reason
// of a FAILED run.
func (e *Engine) Wait() (err error) {
	e.RLock()
	done := e.runDone
	e.RUnlock()

	if nil == done {
		return
	}
	<-done

	e.RLock()
	err = e.runErr
	e.RUnlock()
	return
}

// Running reports whether a run is in progress.
func (e *Engine) Running() bool {
	e.RLock()
	defer e.RUnlock()
	return e.running
}

// Query returns the current status and flags.
func (e *Engine) Query() nsstate.Condition {
	e.RLock()
	defer e.RUnlock()
	return e.record.Condition()
}

// Record returns a copy of the in-memory state record.
func (e *Engine) Record() nsstate.Record {
	e.RLock()
	defer e.RUnlock()
	return *e.record
}

// Reset discards the state record and the tracking index. Success count and
// the time of the last completion survive.
func (e *Engine) Reset() (err error) {
	e.Lock()
	defer e.Unlock()

	if e.running {
		err = blunder.NewError(blunder.DevBusyError, "%s: cannot reset while running", e.name)
		return
	}
	err = e.resetLocked(false)
	if nil == err {
		e.registry.move(e, nsstate.CategoryIdle)
	}
	return
}

// Close stops a running engine (leaving it STOPPED), detaches from the peer
// transport and unregisters. The tracking index is left open.
func (e *Engine) Close() (err error) {
	e.Lock()
	if e.closed {
		e.Unlock()
		return
	}
	e.closed = true
	unsubscribe := e.unsubscribe
	e.unsubscribe = nil
	e.transport = nil
	e.Unlock()

	if e.requestStop(nsstate.StatusStopped, nil) {
		err = e.Wait()
	}
	if nil != unsubscribe {
		unsubscribe()
	}
	e.registry.remove(e)
	e.cancel()

	logger.Tracef("%s: namespace LFSCK closed", e.name)
	return
}

func (e *Engine) lockFor(f fmt.Stringer, callerID dlm.CallerID) *dlm.RWLockStruct {
	return &dlm.RWLockStruct{LockID: f.String(), LockCallerID: callerID}
}
