package lfsck

import (
	"context"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"github.com/NVIDIA/lfsck/blunder"
	"github.com/NVIDIA/lfsck/halter"
	"github.com/NVIDIA/lfsck/logger"
	"github.com/NVIDIA/lfsck/nsstate"
	"github.com/NVIDIA/lfsck/peer"
	"github.com/NVIDIA/lfsck/utils"
)

const publishTimeout = 5 * time.Second

// requestStop flags the current run to stop with status (or, with cause,
// to fail). Only the first request of a run counts. It never blocks and so
// may be called from a notification handler.
func (e *Engine) requestStop(status nsstate.Status, cause error) (wasRunning bool) {
	e.Lock()
	defer e.Unlock()

	if !e.running {
		return false
	}
	if atomic.CompareAndSwapInt32(&e.stopping, 0, 1) {
		e.requested = status
		e.stopErr = cause
		close(e.stopCh)
		e.runCancel()
	}
	return true
}

func (e *Engine) stopped() bool {
	return 0 != atomic.LoadInt32(&e.stopping)
}

// stopOutcome is the (done, err) result of a phase interrupted by a stop.
func (e *Engine) stopOutcome() (done bool, err error) {
	e.RLock()
	err = e.stopErr
	e.RUnlock()
	return
}

// throttle waits for the speed limit to allow the next unit. It returns true
// once the run has been asked to stop.
func (e *Engine) throttle() (stop bool) {
	if nil == e.limiter {
		return e.stopped()
	}
	err := e.limiter.Wait(e.runCtx)
	if (nil != err) && !e.stopped() {
		logger.WarnfWithError(err, "%s: speed limit wait failed", e.name)
		_ = e.requestStop(nsstate.StatusStopped, nil)
	}
	return nil != err
}

func (e *Engine) driver(param nsstate.Param) {
	var err error

	stopwatch := utils.NewStopwatch()

	defer func() {
		if r := recover(); nil != r {
			halted, ok := r.(halter.Halted)
			if !ok {
				panic(r)
			}
			logger.Warnf("%s: namespace LFSCK halted: %v", e.name, halted.Err)
			e.abandon()
			err = halted.Err
		}

		e.Lock()
		e.running = false
		e.pool = nil
		e.runErr = err
		close(e.runDone)
		e.runCancel()
		e.Unlock()

		logger.Infof("%s: namespace LFSCK run ended in status %s after %s", e.name, e.Query().Status, stopwatch.ElapsedString())
	}()

	err = e.run(param)
}

// abandon discards the assistant pool of a halted run without storing
// anything, as a crash would.
func (e *Engine) abandon() {
	e.requestStop(nsstate.StatusCrashed, nil)

	e.Lock()
	pool := e.pool
	cond := e.record.Condition()
	cond.Status = nsstate.StatusCrashed
	e.record.SetCondition(cond)
	e.registry.move(e, cond.Category())
	e.Unlock()

	if nil != pool {
		_ = pool.finish()
	}
}

func (e *Engine) run(param nsstate.Param) (err error) {
	var done bool

	err = e.prep(param)
	if nil != err {
		return
	}

	if nsstate.StatusScanningPhase1 == e.Query().Status {
		err = e.checkpoint(true)
		if nil == err {
			done, err = e.scanPhase1()
		}

		e.RLock()
		pool := e.pool
		e.RUnlock()
		poolErr := pool.finish()
		if (nil != poolErr) && (nil == err) {
			done, err = false, poolErr
		}

		err = e.post(done, err)
		if !done || (nil != err) {
			e.publish(peer.EventPeerExit, err)
			return
		}
		e.publish(peer.EventPhase1Done, nil)
	}

	done, err = e.waitPeers()
	if done && (nil == err) {
		done, err = e.doubleScan()
	}
	err = e.doubleScanResult(done, err)

	if done && (nil == err) {
		e.publish(peer.EventPhase2Done, nil)
	} else {
		e.publish(peer.EventPeerExit, err)
	}
	return
}

// prep decides from the stored record where the run begins.
func (e *Engine) prep(param nsstate.Param) (err error) {
	e.Lock()
	defer e.Unlock()

	if nsstate.StatusCompleted == e.record.Status || nsstate.StatusPartial == e.record.Status {
		err = e.resetLocked(false)
		if nil != err {
			return
		}
	}

	e.dropDryRun = e.opts.DropDryRun || (e.record.Param.Has(nsstate.ParamDryRun) && !param.Has(nsstate.ParamDryRun))
	e.param = param
	e.record.Param = param
	e.record.TimeLatestStart = uint64(time.Now().Unix())
	e.newChecked = 0
	e.timeLastCheckpoint = time.Now()
	e.nextCheckpoint = e.timeLastCheckpoint.Add(e.opts.CheckpointInterval)

	e.limiter = nil
	if e.opts.SpeedLimit > 0 {
		e.limiter = rate.NewLimiter(rate.Limit(e.opts.SpeedLimit), 1)
	}

	cond := e.record.Condition()
	if cond.Flags.Has(nsstate.FlagScannedOnce) {
		if !e.dropDryRun || e.record.PosFirstInconsistent.IsZero() {
			cond.Status = nsstate.StatusScanningPhase2
			e.pos = nsstate.Position{}
		} else {
			cond.Status = nsstate.StatusScanningPhase1
			e.record.ResetScan()
			e.pos = e.record.PosFirstInconsistent
		}
	} else {
		cond.Status = nsstate.StatusScanningPhase1
		if !e.dropDryRun || e.record.PosFirstInconsistent.IsZero() {
			e.pos = e.record.PosLastCheckpoint
		} else {
			e.pos = e.record.PosFirstInconsistent
		}
	}
	e.setConditionLocked(cond)

	if nsstate.StatusScanningPhase1 == cond.Status {
		e.pool = newAssistantPool(e, e.opts.AssistantThreads, e.opts.QueueDepth)
	}

	logger.Infof("%s: namespace LFSCK start (param %s) in status %s from position %s", e.name, param, cond.Status, e.pos)
	return
}

// post records the outcome of phase 1.
func (e *Engine) post(done bool, cause error) (err error) {
	halter.Trigger(halter.LFSCKPostEntry)

	e.Lock()
	defer e.Unlock()

	e.record.PosLastCheckpoint = e.fillPosLocked()

	cond := e.record.Condition()
	switch {
	case nil != cause:
		logger.ErrorfWithError(cause, "%s: namespace LFSCK phase 1 failed", e.name)
		e.setConditionLocked(cond.Stopped(e.requested, true))
	case done:
		e.setConditionLocked(cond.EnterPhase2())
	default:
		next := cond.Stopped(e.requested, false)
		e.record.SetCondition(next)
		if nsstate.StatusPaused != next.Status {
			e.registry.move(e, next.Category())
		}
	}

	e.record.RunTimePhase1 += secondsSince(e.timeLastCheckpoint)
	e.timeLastCheckpoint = time.Now()
	e.record.TimeLastCheckpoint = uint64(e.timeLastCheckpoint.Unix())
	e.record.ItemsChecked += e.newChecked
	e.newChecked = 0

	err = e.storeLocked()
	if nil != cause {
		err = cause
	}
	return
}

// waitPeers holds phase 2 back, under ALL_TGT, until no peer is left in
// phase 1.
func (e *Engine) waitPeers() (done bool, err error) {
	if !e.paramHas(nsstate.ParamAllTargets) || (0 == e.coord.Count()) {
		done = true
		return
	}

	for !e.coord.Phase2Ready() {
		select {
		case <-e.coord.Woken():
		case <-e.stopCh:
			done, err = e.stopOutcome()
			return
		}
	}

	e.coord.Start()
	done = true
	return
}

// doubleScanResult records the outcome of phase 2.
func (e *Engine) doubleScanResult(done bool, cause error) (err error) {
	e.Lock()
	defer e.Unlock()

	e.record.RunTimePhase2 += secondsSince(e.timeLastCheckpoint)
	e.timeLastCheckpoint = time.Now()
	e.record.TimeLastCheckpoint = uint64(e.timeLastCheckpoint.Unix())
	e.record.ObjsCheckedPhase2 += e.newChecked
	e.newChecked = 0

	cond := e.record.Condition()
	switch {
	case nil != cause:
		logger.ErrorfWithError(cause, "%s: namespace LFSCK phase 2 failed", e.name)
		e.setConditionLocked(cond.Stopped(e.requested, true))
	case done:
		e.setConditionLocked(cond.Finish(e.param.Has(nsstate.ParamDryRun)))
		e.record.TimeLastComplete = e.record.TimeLastCheckpoint
		e.record.SuccessCount++
	default:
		e.setConditionLocked(cond.Stopped(e.requested, false))
	}

	err = e.storeLocked()
	if nil != cause {
		err = cause
	}
	return
}

func (e *Engine) paramHas(bits nsstate.Param) bool {
	e.RLock()
	defer e.RUnlock()
	return e.param.Has(bits)
}

// publish sends a phase event to the peers when BROADCAST is set.
func (e *Engine) publish(event peer.Event, cause error) {
	e.RLock()
	transport := e.transport
	broadcast := e.param.Has(nsstate.ParamBroadcast)
	e.RUnlock()

	if !broadcast || (nil == transport) {
		return
	}

	n := peer.Notification{Target: e.store.TargetIndex(), Event: event, Status: 1}
	if nil != cause {
		n.Status = int32(blunder.RC(cause))
	} else if peer.EventPeerExit == event {
		n.Status = 0
	}

	ctx, cancel := context.WithTimeout(e.ctx, publishTimeout)
	defer cancel()

	err := transport.Publish(ctx, n)
	if nil != err {
		logger.WarnfWithError(err, "%s: failed to publish %s", e.name, event)
	}
}
