package conf

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfFile(t *testing.T, dir string, name string, contents string) (path string) {
	path = filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(contents), 0644))
	return
}

func TestUpdateFromString(t *testing.T) {
	assert := assert.New(t)

	confMap, err := MakeConfMapFromStrings([]string{
		"Namespace.AssistantThreads=8",
		"Peer.EtcdEndpoints = host1:2379, host2:2379",
		"Namespace.LostFoundName=",
	})
	require.NoError(t, err)

	threads, err := confMap.FetchOptionValueUint32("Namespace", "AssistantThreads")
	assert.NoError(err)
	assert.Equal(uint32(8), threads)

	endpoints, err := confMap.FetchOptionValueStringSlice("Peer", "EtcdEndpoints")
	assert.NoError(err)
	assert.Equal([]string{"host1:2379", "host2:2379"}, endpoints)

	empty, err := confMap.FetchOptionValueStringSlice("Namespace", "LostFoundName")
	assert.NoError(err)
	assert.Empty(empty)

	_, err = confMap.FetchOptionValueString("Peer", "EtcdEndpoints")
	assert.Error(err)

	assert.Error(confMap.UpdateFromString("   "))
	assert.Error(confMap.UpdateFromString("NoDot=1"))
}

func TestUpdateFromFile(t *testing.T) {
	assert := assert.New(t)

	dir := t.TempDir()

	writeConfFile(t, dir, "included.conf", "[Logging]\nLogToConsole: true\n")
	mainPath := writeConfFile(t, dir, "main.conf", ""+
		"# A comment on it's own line\n"+
		"[Namespace] ; a comment after a header\n"+
		"CheckpointInterval: 30s\n"+
		"SpeedLimit = 1000 # trailing comment\n"+
		"DryRun: yes\n"+
		".include included.conf\n"+
		"[TrackedLock]\n"+
		"LockHoldTimeLimit: 2s\n")

	confMap, err := MakeConfMapFromFile(mainPath)
	require.NoError(t, err)

	interval, err := confMap.FetchOptionValueDuration("Namespace", "CheckpointInterval")
	assert.NoError(err)
	assert.Equal(30*time.Second, interval)

	limit, err := confMap.FetchOptionValueUint64("Namespace", "SpeedLimit")
	assert.NoError(err)
	assert.Equal(uint64(1000), limit)

	dryRun, err := confMap.FetchOptionValueBool("Namespace", "DryRun")
	assert.NoError(err)
	assert.True(dryRun)

	console, err := confMap.FetchOptionValueBool("Logging", "LogToConsole")
	assert.NoError(err)
	assert.True(console)

	hold, err := confMap.FetchOptionValueDuration("TrackedLock", "LockHoldTimeLimit")
	assert.NoError(err)
	assert.Equal(2*time.Second, hold)

	_, err = MakeConfMapFromFile(filepath.Join(dir, "nonexistent.conf"))
	assert.Error(err)

	badPath := writeConfFile(t, dir, "bad.conf", "Orphan: 1\n")
	_, err = MakeConfMapFromFile(badPath)
	assert.Error(err)
}

func TestFetchErrors(t *testing.T) {
	assert := assert.New(t)

	confMap, err := MakeConfMapFromStrings([]string{
		"Namespace.DryRun=maybe",
		"Namespace.QueueDepth=-1",
		"Namespace.CheckpointInterval=-5s",
	})
	require.NoError(t, err)

	_, err = confMap.FetchOptionValueBool("Namespace", "DryRun")
	assert.Error(err)
	_, err = confMap.FetchOptionValueUint32("Namespace", "QueueDepth")
	assert.Error(err)
	_, err = confMap.FetchOptionValueDuration("Namespace", "CheckpointInterval")
	assert.Error(err)
	_, err = confMap.FetchOptionValueString("Missing", "Option")
	assert.Error(err)
	_, err = confMap.FetchOptionValueString("Namespace", "Missing")
	assert.Error(err)
}

func TestDump(t *testing.T) {
	assert := assert.New(t)

	confMap, err := MakeConfMapFromStrings([]string{
		"B.Two=2",
		"A.One=x,y",
	})
	require.NoError(t, err)

	assert.Equal("[A]\nOne: x, y\n\n[B]\nTwo: 2\n", string(confMap.Dump()))

	path := writeConfFile(t, t.TempDir(), "dumped.conf", string(confMap.Dump()))
	reloaded, err := MakeConfMapFromFile(path)
	require.NoError(t, err)
	assert.Equal(confMap, reloaded)
}
