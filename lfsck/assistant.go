package lfsck

import (
	"container/list"
	"context"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/NVIDIA/lfsck/blunder"
	"github.com/NVIDIA/lfsck/dlm"
	"github.com/NVIDIA/lfsck/fid"
	"github.com/NVIDIA/lfsck/logger"
	"github.com/NVIDIA/lfsck/nsstate"
	"github.com/NVIDIA/lfsck/objstore"
)

// scanRequest is one directory entry to verify. It holds a reference on
// parent that the pool releases exactly once.
type scanRequest struct {
	parent    objstore.Object
	child     fid.FID
	name      string
	typ       objstore.ObjType
	attr      uint16
	oitCookie uint64
	dirCookie uint64
	element   *list.Element
}

// position is where a restart must resume so that req is handled again.
func (req *scanRequest) position() nsstate.Position {
	return nsstate.Position{OITCookie: req.oitCookie, DirParent: req.parent.FID(), DirCookie: req.dirCookie - 1}
}

type assistantPool struct {
	sync.Mutex
	e        *Engine
	queue    chan *scanRequest
	group    *errgroup.Group
	ctx      context.Context
	inFlight *list.List // *scanRequest in enqueue order; skipped requests stay
	finished bool
	err      error
}

func newAssistantPool(e *Engine, threads int, depth int) (pool *assistantPool) {
	pool = &assistantPool{
		e:        e,
		queue:    make(chan *scanRequest, depth),
		inFlight: list.New(),
	}
	pool.group, pool.ctx = errgroup.WithContext(e.ctx)

	for i := 0; i < threads; i++ {
		pool.group.Go(pool.worker)
	}
	return
}

// enqueue blocks until req is queued, the run stops, or a worker failed.
func (pool *assistantPool) enqueue(req *scanRequest) (err error) {
	pool.Lock()
	req.element = pool.inFlight.PushBack(req)
	pool.Unlock()

	select {
	case pool.queue <- req:
		return nil
	case <-pool.e.stopCh:
		err = blunder.NewError(blunder.StoppedError, "%s: assistant pool stopping", pool.e.name)
	case <-pool.ctx.Done():
		err = blunder.NewError(blunder.IOError, "%s: assistant pool failed", pool.e.name)
	}

	pool.Lock()
	pool.inFlight.Remove(req.element)
	pool.Unlock()
	return
}

// oldest returns the restart position of the oldest request not yet handled.
func (pool *assistantPool) oldest() (pos nsstate.Position, ok bool) {
	pool.Lock()
	defer pool.Unlock()

	front := pool.inFlight.Front()
	if nil == front {
		return
	}
	pos = front.Value.(*scanRequest).position()
	ok = true
	return
}

func (pool *assistantPool) worker() (err error) {
	callerID := dlm.GenerateCallerID()

	for req := range pool.queue {
		if (nil != pool.ctx.Err()) || pool.e.stopped() {
			// Left in flight so that a checkpoint still covers it.
			req.parent.Put()
			continue
		}

		handleErr := pool.e.handleP1(req, callerID)
		req.parent.Put()

		pool.Lock()
		pool.inFlight.Remove(req.element)
		pool.Unlock()

		if (nil != handleErr) && pool.e.failOut() {
			logger.ErrorfWithError(handleErr, "%s: assistant failing the run", pool.e.name)
			err = handleErr
			pool.drain()
			return
		}
	}
	return
}

// drain releases every request still queued without handling it.
func (pool *assistantPool) drain() {
	for {
		select {
		case req, ok := <-pool.queue:
			if !ok {
				return
			}
			req.parent.Put()
		default:
			return
		}
	}
}

// finish closes the queue and waits for the workers. It returns the first
// worker failure. Calls after the first return the same result.
func (pool *assistantPool) finish() (err error) {
	pool.Lock()
	if pool.finished {
		err = pool.err
		pool.Unlock()
		return
	}
	pool.finished = true
	pool.Unlock()

	close(pool.queue)
	err = pool.group.Wait()
	for req := range pool.queue {
		req.parent.Put()
	}

	pool.Lock()
	pool.err = err
	pool.Unlock()
	return
}
