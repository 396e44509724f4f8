package dlm

// Configuration variables for DLM

import (
	"github.com/NVIDIA/lfsck/conf"
	"github.com/NVIDIA/lfsck/transitions"
)

const defaultLockShards = 64

type globalsStruct struct {
	shards []*lockShardStruct // indexed by cityhash of LockID
}

var globals globalsStruct

func init() {
	globals.makeShards(defaultLockShards)
	transitions.Register("dlm", &globals)
}

func (dummy *globalsStruct) makeShards(numShards uint32) {
	globals.shards = make([]*lockShardStruct, numShards)
	for i := range globals.shards {
		globals.shards[i] = &lockShardStruct{localLockMap: make(map[string]*localLockTrack)}
	}
}

// Up sizes the lock table from [DLM]LockShards (default 64)
func (dummy *globalsStruct) Up(confMap conf.ConfMap) (err error) {
	numShards, err := confMap.FetchOptionValueUint32("DLM", "LockShards")
	if (nil != err) || (0 == numShards) {
		numShards = defaultLockShards
	}
	globals.makeShards(numShards)
	err = nil
	return
}

func (dummy *globalsStruct) SignaledStart(confMap conf.ConfMap) (err error) {
	return nil
}

func (dummy *globalsStruct) SignaledFinish(confMap conf.ConfMap) (err error) {
	return nil
}

func (dummy *globalsStruct) Down(confMap conf.ConfMap) (err error) {
	return nil
}
