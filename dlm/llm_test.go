package dlm

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/NVIDIA/lfsck/blunder"
	"github.com/NVIDIA/lfsck/conf"
	"github.com/NVIDIA/lfsck/transitions"
)

func testSetup(t *testing.T) (testTeardown func()) {
	testConfMap, err := conf.MakeConfMapFromStrings([]string{
		"Logging.LogFilePath=/dev/null",
		"Logging.LogToConsole=false",
		"DLM.LockShards=8",
	})
	require.NoError(t, err)

	require.NoError(t, transitions.Up(testConfMap))

	testTeardown = func() {
		assert.NoError(t, transitions.Down(testConfMap))
	}
	return
}

func TestSharedAndExclusive(t *testing.T) {
	defer goleak.VerifyNone(t)
	defer testSetup(t)()

	lockID := "[0x200000401:0x1:0x0]"
	reader1 := &RWLockStruct{LockID: lockID, LockCallerID: GenerateCallerID()}
	reader2 := &RWLockStruct{LockID: lockID, LockCallerID: GenerateCallerID()}
	writer := &RWLockStruct{LockID: lockID, LockCallerID: GenerateCallerID()}

	require.NoError(t, reader1.ReadLock())
	require.NoError(t, reader2.TryReadLock())
	assert.True(t, reader1.IsReadHeld())
	assert.False(t, reader1.IsWriteHeld())
	assert.True(t, IsLockHeld(lockID, reader2.GetCallerID(), ANYLOCK))
	assert.False(t, IsLockHeld(lockID, writer.GetCallerID(), ANYLOCK))

	err := writer.TryWriteLock()
	assert.True(t, blunder.Is(err, blunder.TryAgainError))

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		assert.NoError(t, writer.WriteLock())
	}()
	waitCountWaiters(lockID, 1)

	// A queued writer blocks later readers.
	late := &RWLockStruct{LockID: lockID, LockCallerID: GenerateCallerID()}
	err = late.TryReadLock()
	assert.True(t, blunder.Is(err, blunder.TryAgainError))

	require.NoError(t, reader1.Unlock())
	require.NoError(t, reader2.Unlock())
	wg.Wait()

	waitCountOwners(lockID, 1)
	assert.True(t, writer.IsWriteHeld())
	require.NoError(t, writer.Unlock())
	waitCountOwners(lockID, 0)
	assert.False(t, IsLockHeld(lockID, writer.GetCallerID(), ANYLOCK))
}

func TestUnlockErrors(t *testing.T) {
	defer testSetup(t)()

	lock := &RWLockStruct{LockID: "missing", LockCallerID: GenerateCallerID()}
	err := lock.Unlock()
	assert.True(t, blunder.Is(err, blunder.NotFoundError))

	owner := &RWLockStruct{LockID: "held", LockCallerID: GenerateCallerID()}
	other := &RWLockStruct{LockID: "held", LockCallerID: GenerateCallerID()}
	require.NoError(t, owner.ReadLock())
	require.NoError(t, other.ReadLock())
	require.NoError(t, other.Unlock())

	stranger := &RWLockStruct{LockID: "held", LockCallerID: GenerateCallerID()}
	err = stranger.Unlock()
	assert.True(t, blunder.Is(err, blunder.NotPermError))

	// The refused unlock must leave the read lock in force.
	writer := &RWLockStruct{LockID: "held", LockCallerID: GenerateCallerID()}
	err = writer.TryWriteLock()
	assert.True(t, blunder.Is(err, blunder.TryAgainError))
	assert.Equal(t, uint64(1), countOf("held", false))

	require.NoError(t, owner.Unlock())
	require.NoError(t, writer.TryWriteLock())
	require.NoError(t, writer.Unlock())
}

func TestWritersSerialize(t *testing.T) {
	defer goleak.VerifyNone(t)
	defer testSetup(t)()

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		inside  int
		maxSeen int
	)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			lock := &RWLockStruct{LockID: "serial", LockCallerID: GenerateCallerID()}
			assert.NoError(t, lock.WriteLock())
			mu.Lock()
			inside++
			if inside > maxSeen {
				maxSeen = inside
			}
			mu.Unlock()
			time.Sleep(2 * time.Millisecond)
			mu.Lock()
			inside--
			mu.Unlock()
			assert.NoError(t, lock.Unlock())
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, maxSeen)
}
