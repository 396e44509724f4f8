package halter

import (
	"sync"

	"github.com/NVIDIA/lfsck/conf"
	"github.com/NVIDIA/lfsck/transitions"
)

type globalsStruct struct {
	sync.Mutex
	armedTriggers         map[uint32]uint32 // key: haltLabel; value: haltAfterCount (remaining)
	triggerNamesToNumbers map[string]uint32
	triggerNumbersToNames map[uint32]string
	testModeHaltCB        func(err error)
}

var globals globalsStruct

func init() {
	globals.resetLabels()
	transitions.Register("halter", &globals)
}

func (dummy *globalsStruct) resetLabels() {
	globals.Lock()
	globals.armedTriggers = make(map[uint32]uint32)
	globals.triggerNamesToNumbers = make(map[string]uint32)
	globals.triggerNumbersToNames = make(map[uint32]string)
	for i, s := range HaltLabelStrings {
		globals.triggerNamesToNumbers[s] = uint32(i)
		globals.triggerNumbersToNames[uint32(i)] = s
	}
	globals.Unlock()
}

// Up disarms every trigger
func (dummy *globalsStruct) Up(confMap conf.ConfMap) (err error) {
	globals.resetLabels()
	err = nil
	return
}

func (dummy *globalsStruct) SignaledStart(confMap conf.ConfMap) (err error) {
	err = nil
	return
}

func (dummy *globalsStruct) SignaledFinish(confMap conf.ConfMap) (err error) {
	err = nil
	return
}

// Down disarms every trigger
func (dummy *globalsStruct) Down(confMap conf.ConfMap) (err error) {
	globals.resetLabels()
	err = nil
	return
}
