// Package etcdclient builds the etcd client used by the etcd peer transport.
package etcdclient

import (
	"os"
	"path/filepath"
	"time"

	etcd "go.etcd.io/etcd/clientv3"
	etcdtransport "go.etcd.io/etcd/pkg/transport"

	"github.com/NVIDIA/lfsck/blunder"
)

const (
	trustedCAName = "ca.pem"
)

// TLSInfo returns the certificate files expected in certDir for this host.
//
// Certs are named based on the host name: node-<hostname>.pem and
// node-<hostname>-key.pem, with an optional local ca.pem.
func TLSInfo(certDir string) (tlsInfo etcdtransport.TLSInfo) {
	h, _ := os.Hostname()

	tlsInfo = etcdtransport.TLSInfo{
		CertFile: filepath.Join(certDir, "node-"+h+".pem"),
		KeyFile:  filepath.Join(certDir, "node-"+h+"-key.pem"),
	}

	// If we have a local CA then use it.  Otherwise, use the system wide CA
	caFile := filepath.Join(certDir, trustedCAName)
	if _, statErr := os.Stat(caFile); nil == statErr {
		tlsInfo.TrustedCAFile = caFile
	}

	return
}

// New initializes etcd config structures and returns an etcd client. An
// empty certDir selects a plain-text connection.
func New(endPoints []string, autoSyncInterval time.Duration, dialTimeout time.Duration, certDir string) (etcdClient *etcd.Client, err error) {
	config := etcd.Config{
		Endpoints:        endPoints,
		AutoSyncInterval: autoSyncInterval,
		DialTimeout:      dialTimeout,
	}

	if "" != certDir {
		tlsInfo := TLSInfo(certDir)
		config.TLS, err = tlsInfo.ClientConfig()
		if nil != err {
			err = blunder.AddError(err, blunder.InvalidArgError)
			return
		}
	}

	etcdClient, err = etcd.New(config)
	if nil != err {
		err = blunder.AddError(err, blunder.NoDeviceError)
	}
	return
}
