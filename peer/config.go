package peer

import (
	"strings"
	"time"

	"github.com/NVIDIA/lfsck/blunder"
	"github.com/NVIDIA/lfsck/conf"
	"github.com/NVIDIA/lfsck/etcdclient"
	"github.com/NVIDIA/lfsck/transitions"
	"github.com/NVIDIA/lfsck/trackedlock"
)

const (
	transportLocal = "local"
	transportEtcd  = "etcd"
)

const (
	defaultEtcdAutoSyncInterval = time.Minute
	defaultEtcdDialTimeout      = 10 * time.Second
	defaultEtcdOpTimeout        = 5 * time.Second
	defaultEventKeyPrefix       = "LFSCK/"
)

type globalsStruct struct {
	trackedlock.Mutex
	transport            string
	etcdEndpoints        []string
	etcdAutoSyncInterval time.Duration
	etcdDialTimeout      time.Duration
	etcdOpTimeout        time.Duration
	etcdCertDir          string
	eventKeyPrefix       string
	bus                  *Bus // shared by every local-transport caller of DefaultTransport
}

var globals globalsStruct

func init() {
	transitions.Register("peer", &globals)
}

// Up reads the [Peer] section:
//
//	Transport            local (default) or etcd
//	EtcdEndpoints        required for etcd
//	EtcdAutoSyncInterval default 1m
//	EtcdDialTimeout      default 10s
//	EtcdOpTimeout        default 5s
//	EtcdCertDir          TLS certificates; empty for plain text
//	EventKeyPrefix       default LFSCK/
func (dummy *globalsStruct) Up(confMap conf.ConfMap) (err error) {
	globals.Lock()
	defer globals.Unlock()

	globals.transport, err = confMap.FetchOptionValueString("Peer", "Transport")
	if nil != err {
		globals.transport = transportLocal
	}
	globals.transport = strings.ToLower(globals.transport)

	switch globals.transport {
	case transportLocal:
	case transportEtcd:
		globals.etcdEndpoints, err = confMap.FetchOptionValueStringSlice("Peer", "EtcdEndpoints")
		if (nil != err) || (0 == len(globals.etcdEndpoints)) {
			err = blunder.NewError(blunder.InvalidArgError, "Peer.Transport=etcd requires Peer.EtcdEndpoints")
			return
		}
	default:
		err = blunder.NewError(blunder.InvalidArgError, "Peer.Transport=%s unknown", globals.transport)
		return
	}

	globals.etcdAutoSyncInterval, err = confMap.FetchOptionValueDuration("Peer", "EtcdAutoSyncInterval")
	if nil != err {
		globals.etcdAutoSyncInterval = defaultEtcdAutoSyncInterval
	}
	globals.etcdDialTimeout, err = confMap.FetchOptionValueDuration("Peer", "EtcdDialTimeout")
	if nil != err {
		globals.etcdDialTimeout = defaultEtcdDialTimeout
	}
	globals.etcdOpTimeout, err = confMap.FetchOptionValueDuration("Peer", "EtcdOpTimeout")
	if nil != err {
		globals.etcdOpTimeout = defaultEtcdOpTimeout
	}
	globals.etcdCertDir, err = confMap.FetchOptionValueString("Peer", "EtcdCertDir")
	if nil != err {
		globals.etcdCertDir = ""
	}
	globals.eventKeyPrefix, err = confMap.FetchOptionValueString("Peer", "EventKeyPrefix")
	if nil != err {
		globals.eventKeyPrefix = defaultEventKeyPrefix
	}

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
	globals.Lock()
	bus := globals.bus
	globals.bus = nil
	globals.Unlock()

	if nil != bus {
		err = bus.Close()
	}
	return
}

// DefaultTransport returns the Transport selected by [Peer]Transport. Local
// callers share one Bus until Down.
func DefaultTransport() (transport Transport, err error) {
	globals.Lock()
	defer globals.Unlock()

	if transportEtcd == globals.transport {
		client, clientErr := etcdclient.New(globals.etcdEndpoints, globals.etcdAutoSyncInterval, globals.etcdDialTimeout, globals.etcdCertDir)
		if nil != clientErr {
			err = clientErr
			return
		}
		transport = NewEtcdTransport(client, true, globals.eventKeyPrefix, globals.etcdOpTimeout)
		return
	}

	if nil == globals.bus {
		globals.bus = NewBus()
	}
	transport = sharedBus{globals.bus}
	return
}

// sharedBus keeps one caller's Close from closing the Bus for all of them.
type sharedBus struct {
	*Bus
}

func (sharedBus) Close() error {
	return nil
}
