package peer

import (
	"sort"

	"github.com/puzpuzpuz/xsync/v3"

	"github.com/NVIDIA/lfsck/trackedlock"
)

// Target describes one remote target as seen by the local one.
type Target struct {
	Index       uint32
	InNamespace bool
	InPhase1    bool
	InPhase2    bool
	Done        bool
}

// Coordinator membership flags are mutated only under the embedded lock;
// the target map itself is safe for concurrent lookup.
type Coordinator struct {
	trackedlock.Mutex
	local   uint32
	targets *xsync.MapOf[uint32, *Target]
	wake    chan struct{}
}

func NewCoordinator(local uint32) *Coordinator {
	return &Coordinator{
		local:   local,
		targets: xsync.NewMapOf[uint32, *Target](),
		wake:    make(chan struct{}, 1),
	}
}

func (c *Coordinator) Local() uint32 {
	return c.local
}

// Register adds a remote target, already in the phase 1 list so that its
// PHASE1_DONE is awaited even when it arrives before the local run starts.
// Registering the local index is a no-op.
func (c *Coordinator) Register(index uint32) {
	if index == c.local {
		return
	}
	c.targets.LoadOrStore(index, &Target{Index: index, InPhase1: true})
}

// Known reports whether index is the local target or a registered peer.
func (c *Coordinator) Known(index uint32) bool {
	if index == c.local {
		return true
	}
	_, ok := c.targets.Load(index)
	return ok
}

// Count returns the number of registered peers.
func (c *Coordinator) Count() int {
	return c.targets.Size()
}

// Start puts every registered peer back into the phase 1 list, arming the
// coordinator for the next run.
func (c *Coordinator) Start() {
	c.Lock()
	defer c.Unlock()

	c.targets.Range(func(index uint32, t *Target) bool {
		*t = Target{Index: index, InPhase1: true}
		return true
	})

	select {
	case <-c.wake:
	default:
	}
}

// Lookup returns a copy of the registered peer index.
func (c *Coordinator) Lookup(index uint32) (t Target, ok bool) {
	c.Lock()
	defer c.Unlock()

	entry, ok := c.targets.Load(index)
	if ok {
		t = *entry
	}
	return
}

// Update applies fn to the registered peer index under the coordinator lock.
func (c *Coordinator) Update(index uint32, fn func(t *Target)) (ok bool) {
	c.Lock()
	defer c.Unlock()

	entry, ok := c.targets.Load(index)
	if ok {
		fn(entry)
	}
	return
}

// Phase2Ready reports whether no peer remains in the phase 1 list.
func (c *Coordinator) Phase2Ready() (ready bool) {
	c.Lock()
	defer c.Unlock()

	ready = true
	c.targets.Range(func(_ uint32, t *Target) bool {
		if t.InPhase1 {
			ready = false
		}
		return ready
	})
	return
}

// Wake signals a waiter of Woken. Signals do not accumulate.
func (c *Coordinator) Wake() {
	select {
	case c.wake <- struct{}{}:
	default:
	}
}

func (c *Coordinator) Woken() <-chan struct{} {
	return c.wake
}

// Targets returns a copy of every registered peer, ordered by index.
func (c *Coordinator) Targets() (targets []Target) {
	c.Lock()
	defer c.Unlock()

	c.targets.Range(func(_ uint32, t *Target) bool {
		targets = append(targets, *t)
		return true
	})
	sort.Slice(targets, func(i, j int) bool { return targets[i].Index < targets[j].Index })
	return
}
