package peer

import (
	"context"
	"sync"

	"github.com/NVIDIA/lfsck/blunder"
	"github.com/NVIDIA/lfsck/logger"
)

// Bus is an in-process Transport joining targets that share one process.
type Bus struct {
	sync.Mutex
	closed      bool
	subscribers map[*busSubscriber]struct{}
}

type busSubscriber struct {
	sync.Mutex
	target  uint32
	handler Handler
	queue   []Notification
	kick    chan struct{}
	stop    chan struct{}
	exited  chan struct{}
}

func NewBus() *Bus {
	return &Bus{subscribers: make(map[*busSubscriber]struct{})}
}

func (bus *Bus) Publish(ctx context.Context, n Notification) (err error) {
	if err = ctx.Err(); nil != err {
		err = blunder.AddError(err, blunder.TimedOut)
		return
	}

	bus.Lock()
	defer bus.Unlock()

	if bus.closed {
		err = blunder.NewError(blunder.StoppedError, "peer bus closed")
		return
	}

	for sub := range bus.subscribers {
		if sub.target != n.Target {
			sub.enqueue(n)
		}
	}

	return
}

func (bus *Bus) Subscribe(target uint32, handler Handler) (cancel func(), err error) {
	bus.Lock()
	defer bus.Unlock()

	if bus.closed {
		err = blunder.NewError(blunder.StoppedError, "peer bus closed")
		return
	}

	sub := &busSubscriber{
		target:  target,
		handler: handler,
		kick:    make(chan struct{}, 1),
		stop:    make(chan struct{}),
		exited:  make(chan struct{}),
	}
	bus.subscribers[sub] = struct{}{}

	go sub.deliver()

	// A Handler must not call its own cancel.
	cancel = func() {
		bus.Lock()
		_, present := bus.subscribers[sub]
		delete(bus.subscribers, sub)
		bus.Unlock()
		if present {
			close(sub.stop)
			<-sub.exited
		}
	}

	return
}

// Close stops delivery to every subscriber. Cancel functions remain safe to call.
func (bus *Bus) Close() (err error) {
	bus.Lock()
	bus.closed = true
	subscribers := bus.subscribers
	bus.subscribers = make(map[*busSubscriber]struct{})
	bus.Unlock()

	for sub := range subscribers {
		close(sub.stop)
		<-sub.exited
	}

	return
}

func (sub *busSubscriber) enqueue(n Notification) {
	sub.Lock()
	sub.queue = append(sub.queue, n)
	sub.Unlock()

	select {
	case sub.kick <- struct{}{}:
	default:
	}
}

func (sub *busSubscriber) deliver() {
	defer close(sub.exited)

	for {
		select {
		case <-sub.stop:
			return
		case <-sub.kick:
		}

		for {
			sub.Lock()
			if 0 == len(sub.queue) {
				sub.Unlock()
				break
			}
			n := sub.queue[0]
			sub.queue = sub.queue[1:]
			sub.Unlock()

			logger.Tracef("peer bus delivering %s from target %d to target %d", n.Event, n.Target, sub.target)
			sub.handler(n)
		}
	}
}
