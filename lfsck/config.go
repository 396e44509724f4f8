package lfsck

import (
	"strings"
	"time"

	"github.com/NVIDIA/lfsck/blunder"
	"github.com/NVIDIA/lfsck/conf"
	"github.com/NVIDIA/lfsck/nsstate"
	"github.com/NVIDIA/lfsck/trackedlock"
	"github.com/NVIDIA/lfsck/transitions"
)

const (
	defaultFSName             = "lustre"
	defaultAssistantThreads   = 4
	defaultQueueDepth         = 1024
	defaultCheckpointInterval = 60 * time.Second
	defaultLostFoundName      = "lost+found"
	defaultLocateCacheSize    = 1024
)

type globalsStruct struct {
	trackedlock.Mutex
	opts     Options
	registry *Registry
}

var globals globalsStruct

func init() {
	globals.opts = builtinOptions()
	globals.registry = NewRegistry()
	transitions.Register("lfsck", &globals)
}

func builtinOptions() Options {
	return Options{
		FSName:             defaultFSName,
		AssistantThreads:   defaultAssistantThreads,
		QueueDepth:         defaultQueueDepth,
		CheckpointInterval: defaultCheckpointInterval,
		DanglingPolicy:     DanglingReport,
		LostFoundName:      defaultLostFoundName,
		LocateCacheSize:    defaultLocateCacheSize,
	}
}

// Up reads the [Namespace] section:
//
//	FSName             default lustre
//	AssistantThreads   default 4
//	QueueDepth         default 1024
//	CheckpointInterval default 60s
//	SpeedLimit         items/sec, default 0 (unlimited)
//	DryRun             default false
//	FailOut            default false
//	AllTargets         default false
//	Broadcast          default false
//	DropDryRun         default false
//	DanglingPolicy     report (default) or remove
//	LostFoundName      default lost+found
//	TrackingDBPath     pebble directory; empty keeps the index in memory
//	LocateCacheSize    default 1024
func (dummy *globalsStruct) Up(confMap conf.ConfMap) (err error) {
	var (
		flag   bool
		policy string
		opts   Options
	)

	opts = builtinOptions()

	if s, fetchErr := confMap.FetchOptionValueString("Namespace", "FSName"); nil == fetchErr {
		opts.FSName = s
	}
	if n, fetchErr := confMap.FetchOptionValueUint32("Namespace", "AssistantThreads"); nil == fetchErr {
		if 0 == n {
			err = blunder.NewError(blunder.InvalidArgError, "Namespace.AssistantThreads must be non-zero")
			return
		}
		opts.AssistantThreads = int(n)
	}
	if n, fetchErr := confMap.FetchOptionValueUint32("Namespace", "QueueDepth"); nil == fetchErr {
		if 0 == n {
			err = blunder.NewError(blunder.InvalidArgError, "Namespace.QueueDepth must be non-zero")
			return
		}
		opts.QueueDepth = int(n)
	}
	if d, fetchErr := confMap.FetchOptionValueDuration("Namespace", "CheckpointInterval"); nil == fetchErr {
		opts.CheckpointInterval = d
	}
	if f, fetchErr := confMap.FetchOptionValueFloat64("Namespace", "SpeedLimit"); nil == fetchErr {
		opts.SpeedLimit = f
	}

	for _, p := range []struct {
		option string
		bit    nsstate.Param
	}{
		{"FailOut", nsstate.ParamFailOut},
		{"DryRun", nsstate.ParamDryRun},
		{"AllTargets", nsstate.ParamAllTargets},
		{"Broadcast", nsstate.ParamBroadcast},
	} {
		flag, err = confMap.FetchOptionValueBool("Namespace", p.option)
		if (nil == err) && flag {
			opts.Param |= p.bit
		}
	}

	flag, err = confMap.FetchOptionValueBool("Namespace", "DropDryRun")
	opts.DropDryRun = (nil == err) && flag

	policy, err = confMap.FetchOptionValueString("Namespace", "DanglingPolicy")
	if nil == err {
		opts.DanglingPolicy, err = ParseDanglingPolicy(policy)
		if nil != err {
			return
		}
	}

	if s, fetchErr := confMap.FetchOptionValueString("Namespace", "LostFoundName"); (nil == fetchErr) && ("" != s) {
		if strings.Contains(s, "/") {
			err = blunder.NewError(blunder.InvalidArgError, "Namespace.LostFoundName=%s must not contain '/'", s)
			return
		}
		opts.LostFoundName = s
	}
	if s, fetchErr := confMap.FetchOptionValueString("Namespace", "TrackingDBPath"); nil == fetchErr {
		opts.TrackingDBPath = s
	}
	if n, fetchErr := confMap.FetchOptionValueUint32("Namespace", "LocateCacheSize"); nil == fetchErr {
		opts.LocateCacheSize = int(n)
	}

	globals.Lock()
	globals.opts = opts
	globals.Unlock()

	err = nil
	return
}

func (dummy *globalsStruct) SignaledStart(confMap conf.ConfMap) (err error) {
	return nil
}

func (dummy *globalsStruct) SignaledFinish(confMap conf.ConfMap) (err error) {
	return nil
}

// Down closes every engine still registered.
func (dummy *globalsStruct) Down(confMap conf.ConfMap) (err error) {
	for _, e := range globals.registry.All() {
		closeErr := e.Close()
		if nil == err {
			err = closeErr
		}
	}

	globals.Lock()
	globals.opts = builtinOptions()
	globals.Unlock()
	return
}

// DefaultOptions returns the options configured by the last Up.
func DefaultOptions() (opts Options) {
	globals.Lock()
	opts = globals.opts
	globals.Unlock()
	return
}
