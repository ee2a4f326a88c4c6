package memsample

import (
	"github.com/pkg/errors"
	"go.uber.org/zap"
	"golang.org/x/sys/unix"
)

// epollBatchSize bounds how many ready channels PollSamples considers in
// one call.
const epollBatchSize = 64

type channelSetState int

const (
	setUninit channelSetState = iota
	setInitialized
)

// entry bundles one watched pid's Channels, one per configured EventClass
// in the same order as ChannelSet.classes.
type entry struct {
	pid      uint32
	channels []*Channel
}

// ChannelSet multiplexes many Channels — one per watched pid times the
// configured event classes — through a single epoll instance, and
// dispatches decoded Samples through caller-supplied callbacks. It is not
// safe for concurrent use; callers wanting multiple pollers must partition
// pids across disjoint ChannelSets.
type ChannelSet struct {
	log *zap.Logger

	state    channelSetState
	classes  []EventClass
	period   uint64
	epollFd  int
	entries  map[uint32]*entry
	byFd     map[int32]*Channel

	// newChan, bindChan and setPeriodChan are swappable in tests so
	// ChannelSet's membership/epoll bookkeeping can be exercised without a
	// real perf_event counter.
	newChan       func(*zap.Logger) *Channel
	bindChan      func(ch *Channel, pid uint32, class EventClass) error
	setPeriodChan func(ch *Channel, period uint64) error
}

// NewChannelSet constructs an uninitialized ChannelSet. log may be nil, in
// which case diagnostics are discarded.
func NewChannelSet(log *zap.Logger) *ChannelSet {
	if log == nil {
		log = zap.NewNop()
	}
	return &ChannelSet{
		log:           log,
		epollFd:       -1,
		newChan:       NewChannel,
		bindChan:      (*Channel).Bind,
		setPeriodChan: (*Channel).SetPeriod,
	}
}

// Init creates the epoll instance and records the event classes to sample
// per pid, in the order given. classes must be non-empty.
func (cs *ChannelSet) Init(classes []EventClass) error {
	if cs.state != setUninit {
		return errors.Wrap(ErrInvalidState, "Init: already initialized")
	}
	if len(classes) == 0 {
		return errors.Wrap(ErrInvalidArgument, "Init: classes is empty")
	}

	fd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return wrapOsError("epoll_create1", err)
	}

	cs.classes = append([]EventClass(nil), classes...)
	cs.period = 0
	cs.epollFd = fd
	cs.entries = make(map[uint32]*entry)
	cs.byFd = make(map[int32]*Channel)
	cs.state = setInitialized
	return nil
}

// Deinit idempotently tears down every entry and the epoll instance.
func (cs *ChannelSet) Deinit() {
	if cs.state == setUninit {
		return
	}
	for pid := range cs.entries {
		cs.destroyEntry(pid)
	}
	if err := unix.Close(cs.epollFd); err != nil {
		cs.log.Warn("close epoll fd failed during deinit", zap.Error(err))
	}
	cs.classes = nil
	cs.entries = nil
	cs.byFd = nil
	cs.epollFd = -1
	cs.state = setUninit
}

// Add creates one Channel per configured EventClass for pid, bound and set
// to the current period, each registered with the epoll instance. A pid
// already present is a no-op success. Any failure mid-creation rolls back
// every Channel already bound/registered for pid in this call.
func (cs *ChannelSet) Add(pid uint32) error {
	if cs.state == setUninit {
		return errors.Wrap(ErrInvalidState, "Add: not initialized")
	}
	if _, ok := cs.entries[pid]; ok {
		return nil
	}

	channels, err := cs.createChannels(pid)
	if err != nil {
		return errors.Wrapf(err, "Add(%d)", pid)
	}
	cs.entries[pid] = &entry{pid: pid, channels: channels}
	return nil
}

// Remove destroys every Channel for pid and erases its entry. A pid not
// present is a no-op success.
func (cs *ChannelSet) Remove(pid uint32) error {
	if cs.state == setUninit {
		return errors.Wrap(ErrInvalidState, "Remove: not initialized")
	}
	if _, ok := cs.entries[pid]; !ok {
		return nil
	}
	cs.destroyEntry(pid)
	return nil
}

// Update computes the symmetric difference between the current entry set
// and pids: entries not in pids are removed, pids without an entry are
// added. Order between removes and adds, and within each, is irrelevant.
// On an add failure, previously successful adds and removals in this call
// are not undone; the error is returned immediately.
func (cs *ChannelSet) Update(pids map[uint32]struct{}) error {
	if cs.state == setUninit {
		return errors.Wrap(ErrInvalidState, "Update: not initialized")
	}

	for pid := range cs.entries {
		if _, keep := pids[pid]; !keep {
			cs.destroyEntry(pid)
		}
	}
	for pid := range pids {
		if _, ok := cs.entries[pid]; ok {
			continue
		}
		if err := cs.Add(pid); err != nil {
			return err
		}
	}
	return nil
}

// SetPeriod applies period to every Channel of every entry. On the first
// failure it returns the error, leaving already-updated Channels at the
// new period — callers that want all-or-nothing must retry. The period is
// also stored so that subsequent Add/Update additions inherit it.
func (cs *ChannelSet) SetPeriod(period uint64) error {
	if cs.state == setUninit {
		return errors.Wrap(ErrInvalidState, "SetPeriod: not initialized")
	}
	for _, e := range cs.entries {
		for _, ch := range e.channels {
			if err := cs.setPeriodChan(ch, period); err != nil {
				return errors.Wrapf(err, "SetPeriod(%d) for pid %d", period, e.pid)
			}
		}
	}
	cs.period = period
	return nil
}

// PollSamples waits up to timeoutMs on the epoll instance (-1 blocks
// indefinitely, 0 polls) for up to epollBatchSize ready Channels. Every
// ready Channel is drained until WouldBlock and onSample is invoked per
// sample; Channels whose readiness event signals process exit are
// recorded and, after every ready Channel has been processed, their
// entries are destroyed and onExit is invoked once per pid. Both
// callbacks may be nil. Returns the total sample count.
func (cs *ChannelSet) PollSamples(timeoutMs int, onSample func(*Sample), onExit func(uint32)) (int, error) {
	if cs.state == setUninit {
		return 0, errors.Wrap(ErrInvalidState, "PollSamples: not initialized")
	}

	events := make([]unix.EpollEvent, epollBatchSize)
	n, err := unix.EpollWait(cs.epollFd, events, timeoutMs)
	if err != nil {
		if err == unix.EINTR {
			return 0, nil
		}
		return 0, wrapOsError("epoll_wait", err)
	}

	var exited []uint32
	total := 0

	for i := 0; i < n; i++ {
		ev := events[i]
		ch, ok := cs.byFd[ev.Fd]
		if !ok {
			continue
		}

		if ev.Events&unix.EPOLLHUP != 0 {
			exited = append(exited, ch.Pid())
			continue
		}

		for {
			var sample Sample
			err := ch.ReadSample(&sample)
			if errors.Is(err, ErrWouldBlock) {
				break
			}
			if err != nil {
				return total, errors.Wrapf(err, "PollSamples: draining pid %d class %s", ch.Pid(), ch.EventClass())
			}
			total++
			if onSample != nil {
				onSample(&sample)
			}
		}
	}

	for _, pid := range exited {
		// Every Channel of an exited pid hangs up, so a pid can be listed
		// more than once; only its first occurrence still has an entry.
		if _, ok := cs.entries[pid]; !ok {
			continue
		}
		cs.destroyEntry(pid)
		if onExit != nil {
			onExit(pid)
		}
	}

	return total, nil
}

// createChannels binds and registers one Channel per configured class for
// pid. On failure, every Channel already bound/registered in this call is
// unregistered and unbound before the error is returned.
func (cs *ChannelSet) createChannels(pid uint32) ([]*Channel, error) {
	channels := make([]*Channel, 0, len(cs.classes))

	rollback := func() {
		for _, ch := range channels {
			cs.unregister(ch)
			ch.Unbind()
		}
	}

	for _, class := range cs.classes {
		ch := cs.newChan(cs.log)
		if err := cs.bindChan(ch, pid, class); err != nil {
			rollback()
			return nil, errors.Wrapf(err, "bind pid=%d class=%s", pid, class)
		}
		if err := cs.setPeriodChan(ch, cs.period); err != nil {
			ch.Unbind()
			rollback()
			return nil, errors.Wrapf(err, "setPeriod pid=%d class=%s", pid, class)
		}
		if err := cs.register(ch); err != nil {
			ch.Unbind()
			rollback()
			return nil, errors.Wrapf(err, "epoll_ctl pid=%d class=%s", pid, class)
		}
		channels = append(channels, ch)
	}

	return channels, nil
}

func (cs *ChannelSet) register(ch *Channel) error {
	ev := unix.EpollEvent{
		Events: unix.EPOLLIN | unix.EPOLLHUP,
		Fd:     int32(ch.Fd()),
	}
	if err := unix.EpollCtl(cs.epollFd, unix.EPOLL_CTL_ADD, ch.Fd(), &ev); err != nil {
		return wrapOsError("epoll_ctl(ADD)", err)
	}
	cs.byFd[int32(ch.Fd())] = ch
	return nil
}

func (cs *ChannelSet) unregister(ch *Channel) {
	delete(cs.byFd, int32(ch.Fd()))
	if ch.Fd() < 0 {
		return
	}
	if err := unix.EpollCtl(cs.epollFd, unix.EPOLL_CTL_DEL, ch.Fd(), nil); err != nil {
		cs.log.Warn("epoll_ctl(DEL) failed", zap.Int("fd", ch.Fd()), zap.Error(err))
	}
}

func (cs *ChannelSet) destroyEntry(pid uint32) {
	e, ok := cs.entries[pid]
	if !ok {
		return
	}
	for _, ch := range e.channels {
		cs.unregister(ch)
		ch.Unbind()
	}
	delete(cs.entries, pid)
}
