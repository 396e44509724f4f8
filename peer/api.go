// Copyright (c) 2015-2021, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

// Package peer carries the namespace LFSCK coordination protocol between the
// targets sharing one namespace.
//
// A Notification is the triple {target index, status, event}. Transports
// deliver every published Notification to the subscribers of every target
// other than its source; the local Bus does so in-process and EtcdTransport
// through an etcd key prefix watch.
//
// A Coordinator tracks, for one local target, which peers are still in
// phase 1, which are ready for phase 2, and which are done.
package peer

import (
	"context"

	"github.com/NVIDIA/cstruct"

	"github.com/NVIDIA/lfsck/blunder"
)

type Event uint32

const (
	EventPhase1Done Event = iota + 1
	EventPhase2Done
	EventPeerExit
)

func (e Event) String() string {
	switch e {
	case EventPhase1Done:
		return "phase1-done"
	case EventPhase2Done:
		return "phase2-done"
	case EventPeerExit:
		return "peer-exit"
	}
	return "unknown"
}

// Notification.Status follows the result code convention of the scan: > 0
// finished, 0 stopped, < 0 failed.
type Notification struct {
	Target uint32
	Status int32
	Event  Event
}

// Handler is invoked once per delivered Notification, in publication order.
type Handler func(n Notification)

// Transport delivers Notifications between targets.
type Transport interface {
	Publish(ctx context.Context, n Notification) (err error)
	Subscribe(target uint32, handler Handler) (cancel func(), err error)
	Close() (err error)
}

const wireMagic uint32 = 0x4C465043

type wireStruct struct {
	Magic  uint32
	Target uint32
	Status int32
	Event  uint32
}

// Pack returns the big-endian wire form of n.
func (n Notification) Pack() (buf []byte, err error) {
	buf, err = cstruct.Pack(wireStruct{Magic: wireMagic, Target: n.Target, Status: n.Status, Event: uint32(n.Event)}, cstruct.BigEndian)
	if nil != err {
		err = blunder.AddError(err, blunder.PackError)
	}
	return
}

func Unpack(buf []byte) (n Notification, err error) {
	var wire wireStruct

	_, err = cstruct.Unpack(buf, &wire, cstruct.BigEndian)
	if nil != err {
		err = blunder.AddError(err, blunder.UnpackError)
		return
	}
	if wireMagic != wire.Magic {
		err = blunder.NewError(blunder.UnpackError, "peer notification bad magic 0x%08X", wire.Magic)
		return
	}

	n = Notification{Target: wire.Target, Status: wire.Status, Event: Event(wire.Event)}
	return
}
