package main

import (
	"bytes"
	"io"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/NVIDIA/lfsck/blunder"
	"github.com/NVIDIA/lfsck/conf"
	"github.com/NVIDIA/lfsck/halter"
	"github.com/NVIDIA/lfsck/lfsck"
	"github.com/NVIDIA/lfsck/nsstate"
	"github.com/NVIDIA/lfsck/ramstore"
	"github.com/NVIDIA/lfsck/tracking"
	"github.com/NVIDIA/lfsck/transitions"
)

func TestArmHalts(t *testing.T) {
	assert.True(t, blunder.Is(armHalts([]string{"lfsck.post_Entry"}), blunder.InvalidArgError))
	assert.True(t, blunder.Is(armHalts([]string{"lfsck.post_Entry=x"}), blunder.InvalidArgError))
	assert.Error(t, armHalts([]string{"no.such_label=1"}))

	require.NoError(t, armHalts([]string{"lfsck.post_Entry=3"}))
	assert.Equal(t, map[string]uint32{"lfsck.post_Entry": 3}, halter.Dump())
	require.NoError(t, halter.Disarm("lfsck.post_Entry"))
}

func TestPrintRecord(t *testing.T) {
	var out bytes.Buffer

	r := nsstate.New()
	r.Status = nsstate.StatusScanningPhase1
	r.ItemsChecked = 12345
	r.SuccessCount = 2

	printRecord(&out, r, 7)

	assert.Contains(t, out.String(), "status:               crashed\n")
	assert.Contains(t, out.String(), "last completed:       never\n")
	assert.Contains(t, out.String(), "12,345 checked")
	assert.Contains(t, out.String(), "successful runs:      2\n")
	assert.Contains(t, out.String(), "tracked objects:      7\n")
}

func TestServeMetrics(t *testing.T) {
	confMap, err := conf.MakeConfMapFromStrings([]string{
		"Logging.LogFilePath=/dev/null",
		"Logging.LogToConsole=false",
	})
	require.NoError(t, err)
	require.NoError(t, transitions.Up(confMap))
	defer func() { assert.NoError(t, transitions.Down(confMap)) }()

	ns, err := ramstore.LoadImage([]byte("entries:\n  - path: a\n    type: dir\n  - path: a/f\n"))
	require.NoError(t, err)

	opts := lfsck.DefaultOptions()
	opts.Registry = lfsck.NewRegistry()
	e, err := lfsck.New(ns.Target(0), tracking.NewMemIndex(), opts)
	require.NoError(t, err)
	defer func() { assert.NoError(t, e.Close()) }()

	require.NoError(t, e.Start(0))
	require.NoError(t, e.Wait())

	ms, err := serveMetrics("127.0.0.1:0", opts.Registry)
	require.NoError(t, err)
	defer func() { assert.NoError(t, ms.Close()) }()

	resp, err := http.Get("http://" + ms.Addr() + metricsPath)
	require.NoError(t, err)
	body, err := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	require.NoError(t, err)

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), `lfsck_namespace_success_total{target="lustre-MDT0000"} 1`)

	_, err = serveMetrics("no-such-host-form", opts.Registry)
	assert.True(t, blunder.Is(err, blunder.InvalidArgError))
}
