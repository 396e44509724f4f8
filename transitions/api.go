// Copyright (c) 2015-2021, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

// Package transitions brings the configured packages of a program up and
// down together. A package registers from its init() func:
//
//	func init() {
//		transitions.Register("lfsck", &globals)
//	}
//
//	func (dummy *globalsStruct) Up(confMap conf.ConfMap) (err error) {
//		// read the [Namespace] section
//	}
//
// Up and SignaledFinish run in registration (that is, init) order, so a
// package sees its dependencies already up. SignaledStart and Down run in the
// reverse order. Package logger is registered first by this package itself.
package transitions

import (
	"github.com/NVIDIA/lfsck/conf"
)

// Callbacks must be implemented with pointer receivers, even the ones a
// package has no interest in.
type Callbacks interface {
	Up(confMap conf.ConfMap) (err error)
	SignaledStart(confMap conf.ConfMap) (err error)
	SignaledFinish(confMap conf.ConfMap) (err error)
	Down(confMap conf.ConfMap) (err error)
}

// Register adds callbacks under packageName. Registering a name twice is fatal.
func Register(packageName string, callbacks Callbacks) {
	register(packageName, callbacks)
}

// Up calls every registered Up. Should one fail, the packages already up are
// brought back down in reverse order and its error is returned.
func Up(confMap conf.ConfMap) (err error) {
	return up(confMap)
}

// Signaled re-applies confMap (typically on SIGHUP): SignaledStart in reverse
// order, then SignaledFinish in order.
func Signaled(confMap conf.ConfMap) (err error) {
	return signaled(confMap)
}

// Down calls every registered Down in reverse order, ending with logger.
func Down(confMap conf.ConfMap) (err error) {
	return down(confMap)
}
