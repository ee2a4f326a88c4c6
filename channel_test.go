package memsample

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
)

// Channel's syscall-backed paths (Bind, SetPeriod, ReadSample once bound)
// need a real perf_event counter and are exercised by hand against a live
// kernel, not here. What's hermetic is the state-machine guard on every
// entry point, which must reject misuse before any syscall is attempted.

func TestNewChannelStartsUninitialized(t *testing.T) {
	c := NewChannel(nil)
	assert.Equal(t, channelUninit, c.state)
	assert.Equal(t, uint32(0), c.Pid())
	assert.Equal(t, -1, c.Fd())
}

func TestChannelSetPeriodRejectsUnbound(t *testing.T) {
	c := NewChannel(zap.NewNop())
	err := c.SetPeriod(100)
	assert.ErrorIs(t, err, ErrInvalidState)
}

func TestChannelReadSampleRejectsUnbound(t *testing.T) {
	c := NewChannel(zap.NewNop())
	var s Sample
	err := c.ReadSample(&s)
	assert.ErrorIs(t, err, ErrInvalidState)
}

func TestChannelUnbindIsIdempotent(t *testing.T) {
	c := NewChannel(zap.NewNop())
	c.Unbind()
	c.Unbind()
	assert.Equal(t, channelUninit, c.state)
}

func TestChannelAccessorsOnBoundState(t *testing.T) {
	c := NewChannel(zap.NewNop())
	c.state = channelBoundDisabled
	c.pid = 42
	c.class = Store

	assert.Equal(t, uint32(42), c.Pid())
	assert.Equal(t, Store, c.EventClass())
}

func TestChannelReadSampleWithoutRingBlocks(t *testing.T) {
	c := NewChannel(zap.NewNop())
	c.state = channelBoundDisabled
	var s Sample
	err := c.ReadSample(&s)
	assert.ErrorIs(t, err, ErrWouldBlock)
}
