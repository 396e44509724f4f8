package peer

import (
	"context"
	"fmt"
	"sync"
	"time"

	etcd "go.etcd.io/etcd/clientv3"

	"github.com/NVIDIA/lfsck/blunder"
	"github.com/NVIDIA/lfsck/logger"
)

// EtcdTransport publishes each Notification as a put of
// <prefix><target>/<event> and delivers puts seen by a prefix watch.
type EtcdTransport struct {
	sync.Mutex
	client    *etcd.Client
	owned     bool
	prefix    string
	opTimeout time.Duration
	cancels   map[*etcdWatcher]struct{}
}

type etcdWatcher struct {
	cancel context.CancelFunc
	exited chan struct{}
}

// NewEtcdTransport wraps client. If owned, Close also closes client.
func NewEtcdTransport(client *etcd.Client, owned bool, prefix string, opTimeout time.Duration) *EtcdTransport {
	return &EtcdTransport{
		client:    client,
		owned:     owned,
		prefix:    prefix,
		opTimeout: opTimeout,
		cancels:   make(map[*etcdWatcher]struct{}),
	}
}

func eventKey(prefix string, n Notification) string {
	return fmt.Sprintf("%s%08x/%s", prefix, n.Target, n.Event)
}

func (t *EtcdTransport) Publish(ctx context.Context, n Notification) (err error) {
	buf, err := n.Pack()
	if nil != err {
		return
	}

	ctx, cancel := context.WithTimeout(ctx, t.opTimeout)
	defer cancel()

	_, err = t.client.Put(ctx, eventKey(t.prefix, n), string(buf))
	if nil != err {
		err = blunder.AddError(fmt.Errorf("Error contacting etcd: %v", err), blunder.NoDeviceError)
	}
	return
}

func (t *EtcdTransport) Subscribe(target uint32, handler Handler) (cancel func(), err error) {
	ctx, ctxCancel := context.WithCancel(context.Background())
	w := &etcdWatcher{cancel: ctxCancel, exited: make(chan struct{})}

	t.Lock()
	t.cancels[w] = struct{}{}
	t.Unlock()

	wch := t.client.Watch(ctx, t.prefix, etcd.WithPrefix())

	go func() {
		defer close(w.exited)
		for wresp := range wch {
			if werr := wresp.Err(); nil != werr {
				logger.WarnfWithError(werr, "peer watch of %s", t.prefix)
				continue
			}
			for _, ev := range wresp.Events {
				if etcd.EventTypePut != ev.Type {
					continue
				}
				n, unpackErr := Unpack(ev.Kv.Value)
				if nil != unpackErr {
					logger.WarnfWithError(unpackErr, "peer watch of %s: key %s", t.prefix, string(ev.Kv.Key))
					continue
				}
				if n.Target != target {
					handler(n)
				}
			}
		}
	}()

	cancel = func() {
		t.Lock()
		_, present := t.cancels[w]
		delete(t.cancels, w)
		t.Unlock()
		if present {
			w.cancel()
			<-w.exited
		}
	}

	return
}

func (t *EtcdTransport) Close() (err error) {
	t.Lock()
	watchers := t.cancels
	t.cancels = make(map[*etcdWatcher]struct{})
	t.Unlock()

	for w := range watchers {
		w.cancel()
		<-w.exited
	}

	if t.owned {
		err = t.client.Close()
	}
	return
}
