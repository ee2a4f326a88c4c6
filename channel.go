package memsample

import (
	"os"
	"syscall"

	"github.com/pkg/errors"
	"go.uber.org/zap"
	"golang.org/x/sys/unix"
)

// ringDataPages is the number of data pages mapped behind the metadata
// page. 8 pages gives enough headroom between poll intervals that a
// moderately active counter won't wrap before it's drained.
const ringDataPages = 8

type channelState int

const (
	channelUninit channelState = iota
	channelBoundDisabled
	channelActive
)

// Channel owns one kernel performance counter and its mmap'd ring buffer
// for a single (pid, EventClass) pair. It is not safe for concurrent use.
type Channel struct {
	log *zap.Logger

	state  channelState
	pid    uint32
	class  EventClass
	fd     int
	id     uint64
	ring   *ring
	mmap   []byte
	period uint64
}

// NewChannel constructs an unbound Channel. log may be nil, in which case
// diagnostics are discarded.
func NewChannel(log *zap.Logger) *Channel {
	if log == nil {
		log = zap.NewNop()
	}
	return &Channel{log: log, fd: -1}
}

// Bind opens a kernel performance counter for pid sampling class, created
// disabled, and maps its ring buffer. It fails with ErrInvalidState if
// already bound.
func (c *Channel) Bind(pid uint32, class EventClass) error {
	if c.state != channelUninit {
		return errors.Wrap(ErrInvalidState, "Bind: already bound")
	}

	attr, err := buildAttr(class)
	if err != nil {
		return err
	}

	fd, err := perfEventOpen(attr, int(pid), -1)
	if err != nil {
		return errors.Wrapf(err, "Bind(pid=%d, class=%s)", pid, class)
	}

	if err := unix.SetNonblock(fd, true); err != nil {
		unix.Close(fd)
		return wrapOsError("SetNonblock", err)
	}

	pageSize := os.Getpagesize()
	size := (1 + ringDataPages) * pageSize
	mmap, err := unix.Mmap(fd, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		unix.Close(fd)
		return wrapOsError("Mmap", err)
	}

	id, err := counterID(fd)
	if err != nil {
		unix.Munmap(mmap)
		unix.Close(fd)
		return wrapOsError("PERF_EVENT_IOC_ID", err)
	}

	c.pid = pid
	c.class = class
	c.fd = fd
	c.id = id
	c.mmap = mmap
	c.ring = newRing(mmap)
	c.period = 0
	c.state = channelBoundDisabled

	c.log.Debug("channel bound", zap.Uint32("pid", pid), zap.Stringer("class", class), zap.Uint64("sample_id", id))
	return nil
}

// Unbind tears the Channel down: unmaps the ring, closes the counter fd,
// clears all fields, and returns to uninitialized. It is idempotent and
// must run to completion on every exit path from a bound Channel.
func (c *Channel) Unbind() {
	if c.state == channelUninit {
		return
	}
	if c.mmap != nil {
		if err := unix.Munmap(c.mmap); err != nil {
			c.log.Warn("munmap failed during unbind", zap.Error(err))
		}
	}
	if c.fd >= 0 {
		if err := unix.Close(c.fd); err != nil {
			c.log.Warn("close failed during unbind", zap.Error(err))
		}
	}
	c.log.Debug("channel unbound", zap.Uint32("pid", c.pid), zap.Stringer("class", c.class))
	c.pid = 0
	c.class = 0
	c.fd = -1
	c.id = 0
	c.mmap = nil
	c.ring = nil
	c.period = 0
	c.state = channelUninit
}

// SetPeriod reconfigures the sample period. Zero disables the counter and
// drops pending samples; a positive value enables sampling every period
// retired instructions. Periods below the hardware minimum are reported
// as ErrInvalidArgument, not silently clamped.
func (c *Channel) SetPeriod(period uint64) error {
	if c.state == channelUninit {
		return errors.Wrap(ErrInvalidState, "SetPeriod: unbound")
	}

	if period == 0 {
		if err := disableCounter(c.fd); err != nil {
			return wrapOsError("PERF_EVENT_IOC_DISABLE", err)
		}
		c.dropPending()
		c.period = 0
		c.state = channelBoundDisabled
		return nil
	}

	if err := setCounterPeriod(c.fd, period); err != nil {
		if errno, ok := err.(syscall.Errno); ok && errno == syscall.EINVAL {
			return errors.Wrapf(ErrInvalidArgument, "SetPeriod(%d): below hardware minimum", period)
		}
		return wrapOsError("PERF_EVENT_IOC_PERIOD", err)
	}
	if err := enableCounter(c.fd); err != nil {
		return wrapOsError("PERF_EVENT_IOC_ENABLE", err)
	}

	c.period = period
	c.state = channelActive
	return nil
}

// dropPending acknowledges every byte currently in the ring without
// producing samples for it, so re-enabling a counter never delivers
// samples that arrived while it was disabled.
func (c *Channel) dropPending() {
	if c.ring == nil {
		return
	}
	var discard Sample
	for {
		ok, err := c.ring.readSample(c.class, &discard)
		if err != nil || !ok {
			return
		}
	}
}

// ReadSample reads exactly one sample from the ring, non-blocking. It
// returns ErrWouldBlock if none is currently available.
func (c *Channel) ReadSample(out *Sample) error {
	if c.state == channelUninit {
		return errors.Wrap(ErrInvalidState, "ReadSample: unbound")
	}
	if c.ring == nil {
		return ErrWouldBlock
	}
	ok, err := c.ring.readSample(c.class, out)
	if err != nil {
		return err
	}
	if !ok {
		return ErrWouldBlock
	}
	return nil
}

// Pid returns the bound pid, or 0 if unbound.
func (c *Channel) Pid() uint32 { return c.pid }

// EventClass returns the bound event class.
func (c *Channel) EventClass() EventClass { return c.class }

// Fd returns the counter file descriptor, exposed strictly so a
// ChannelSet can register it with its epoll instance. No other caller
// should touch it.
func (c *Channel) Fd() int { return c.fd }
