package lfsck

import (
	"github.com/NVIDIA/lfsck/blunder"
	"github.com/NVIDIA/lfsck/logger"
	"github.com/NVIDIA/lfsck/nsstate"
	"github.com/NVIDIA/lfsck/peer"
)

// Notify applies a phase event reported by a peer target.
func (e *Engine) Notify(n peer.Notification) (err error) {
	var (
		failed     bool
		incomplete bool
	)

	switch n.Event {
	case peer.EventPhase1Done, peer.EventPhase2Done, peer.EventPeerExit:
	default:
		err = blunder.NewError(blunder.BadEventError, "%s: unknown event %d from target %d", e.name, uint32(n.Event), n.Target)
		return
	}

	failOut := e.failOut()

	ok := e.coord.Update(n.Target, func(t *peer.Target) {
		t.InPhase1 = false
		t.InPhase2 = false

		switch n.Event {
		case peer.EventPhase1Done:
			if n.Status <= 0 {
				t.Done = true
				t.InNamespace = false
				failed = true
				incomplete = true
			} else {
				t.InNamespace = true
				t.InPhase2 = true
			}
		case peer.EventPhase2Done:
			t.Done = true
			t.InNamespace = false
		case peer.EventPeerExit:
			t.Done = true
			t.InNamespace = false
			failed = true
			incomplete = !failOut
		}
	})
	if !ok {
		err = blunder.NewError(blunder.PeerUnknownError, "%s: %s from unregistered target %d", e.name, n.Event, n.Target)
		return
	}

	logger.Infof("%s: target %d reported %s with status %d", e.name, n.Target, n.Event, n.Status)

	if incomplete {
		e.setFlags(nsstate.FlagIncomplete)
	}

	if failed && failOut {
		cause := blunder.NewError(blunder.NoDeviceError, "%s: target %d reported %s with status %d", e.name, n.Target, n.Event, n.Status)
		e.requestStop(nsstate.StatusFailed, cause)
		return
	}

	if e.coord.Phase2Ready() {
		e.coord.Wake()
	}
	return
}

func (e *Engine) handleNotification(n peer.Notification) {
	err := e.Notify(n)
	if nil != err {
		logger.WarnfWithError(err, "%s: notification from target %d dropped", e.name, n.Target)
	}
}
