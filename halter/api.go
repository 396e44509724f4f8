// Package halter provides named crash-injection points.
//
// A caller places halter.Trigger(label) at a point where a crash should be
// simulated. Tests (or an operator, via the pfs-lfsck CLI) Arm() a label with
// a count; the count'th Trigger() of that label HALTs. Outside test mode a
// HALT kills the process with SIGKILL so that no deferred cleanup runs. In
// test mode the configured callback is invoked instead.
package halter

import (
	"fmt"
	"os"
	"sort"
	"syscall"
)

// Note 1: Following const block and HaltLabelStrings should be kept in sync
// Note 2: HaltLabelStrings should be easily parseable as URL components

const (
	apiTestHaltLabel1 = iota
	apiTestHaltLabel2
	LFSCKCheckpointExit
	LFSCKExecOITEntry
	LFSCKDoubleScanOneEntry
	LFSCKPostEntry
)

var (
	HaltLabelStrings = []string{
		"halter.testHaltLabel1",
		"halter.testHaltLabel2",
		"lfsck.checkpoint_Exit",
		"lfsck.execOIT_Entry",
		"lfsck.doubleScanOne_Entry",
		"lfsck.post_Entry",
	}
)

// Arm sets up a HALT on the haltAfterCount'd call to Trigger()
func Arm(haltLabelString string, haltAfterCount uint32) (err error) {
	globals.Lock()
	defer globals.Unlock()

	haltLabel, ok := globals.triggerNamesToNumbers[haltLabelString]
	if !ok {
		err = fmt.Errorf("halter.Arm(haltLabelString='%v',) - label unknown", haltLabelString)
		return
	}
	if 0 == haltAfterCount {
		err = fmt.Errorf("halter.Arm(haltLabel==%v,) called with haltAfterCount==0", haltLabelString)
		return
	}
	globals.armedTriggers[haltLabel] = haltAfterCount
	return
}

// Disarm removes a previously armed trigger via a call to Arm()
func Disarm(haltLabelString string) (err error) {
	globals.Lock()
	defer globals.Unlock()

	haltLabel, ok := globals.triggerNamesToNumbers[haltLabelString]
	if !ok {
		err = fmt.Errorf("halter.Disarm(haltLabelString='%v') - label unknown", haltLabelString)
		return
	}
	delete(globals.armedTriggers, haltLabel)
	return
}

// Trigger decrements the haltAfterCount if armed and, should it reach 0, HALTs
func Trigger(haltLabel uint32) {
	globals.Lock()
	numTriggersRemaining, armed := globals.armedTriggers[haltLabel]
	if !armed {
		globals.Unlock()
		return
	}
	numTriggersRemaining--
	if 0 == numTriggersRemaining {
		delete(globals.armedTriggers, haltLabel)
		haltCB := globals.testModeHaltCB
		err := fmt.Errorf("halter.Trigger(haltLabelString==%v) triggered HALT", globals.triggerNumbersToNames[haltLabel])
		globals.Unlock()
		haltWithErr(haltCB, err)
		return
	}
	globals.armedTriggers[haltLabel] = numTriggersRemaining
	globals.Unlock()
}

// Dump returns a map of currently armed triggers and their remaining trigger count
func Dump() (armedTriggers map[string]uint32) {
	globals.Lock()
	defer globals.Unlock()

	armedTriggers = make(map[string]uint32)
	for k, v := range globals.armedTriggers {
		armedTriggers[globals.triggerNumbersToNames[k]] = v
	}
	return
}

// List returns a sorted slice of available triggers
func List() (availableTriggers []string) {
	globals.Lock()
	defer globals.Unlock()

	availableTriggers = make([]string, 0, len(globals.triggerNamesToNumbers))
	for k := range globals.triggerNamesToNumbers {
		availableTriggers = append(availableTriggers, k)
	}
	sort.Strings(availableTriggers)
	return
}

// ConfigureTestModeHaltCB replaces the process kill of a HALT with a call to
// testHalt (nil restores the kill).
func ConfigureTestModeHaltCB(testHalt func(err error)) {
	globals.Lock()
	globals.testModeHaltCB = testHalt
	globals.Unlock()
}

// Halted is the panic value of a HALT under ConfigurePanicMode.
type Halted struct {
	Err error
}

// ConfigurePanicMode makes a HALT panic with Halted so that a test can
// recover and treat the unwound goroutine as crashed.
func ConfigurePanicMode() {
	ConfigureTestModeHaltCB(func(err error) {
		panic(Halted{Err: err})
	})
}

func haltWithErr(haltCB func(err error), err error) {
	if nil == haltCB {
		fmt.Println(err)
		os.Exit(int(syscall.SIGKILL))
	}
	haltCB(err)
}
