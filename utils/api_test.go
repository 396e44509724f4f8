package utils

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestGetFuncPackage(t *testing.T) {
	assert := assert.New(t)

	fn, pkg, gid := GetFuncPackage(0)
	assert.Equal("TestGetFuncPackage", fn)
	assert.Equal("utils", pkg)
	assert.NotZero(gid)

	assert.Equal("utils.TestGetFuncPackage", GetFnName())
}

func TestStopwatch(t *testing.T) {
	assert := assert.New(t)

	sw := NewStopwatch()
	assert.True(sw.IsRunning)

	sw.StartTime = sw.StartTime.Add(-1600 * time.Millisecond)
	elapsed := sw.Stop()
	assert.False(sw.IsRunning)
	assert.True(elapsed >= 1600*time.Millisecond)
	assert.Equal(uint32(2), sw.ElapsedSecRounded())
	assert.Equal(elapsed, sw.Elapsed())

	sw.Restart()
	assert.True(sw.IsRunning)
	assert.Equal(uint32(0), sw.ElapsedSecRounded())
}
