package memsample

import (
	"syscall"
	"unsafe"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// perfEventAttr mirrors struct perf_event_attr from
// include/uapi/linux/perf_event.h up to PERF_ATTR_SIZE_VER5 (104 bytes).
// buildAttr sets only type, size, config, sample_period, sample_type, the
// bitfield word (disabled, exclude_kernel, exclude_hv, precise_ip) and
// wakeup_events; every other field stays zero.
type perfEventAttr struct {
	perfType   uint32
	size       uint32
	config     uint64
	period     uint64
	sampleType uint64
	readFormat uint64

	bits uint64 // disabled, exclude_kernel, exclude_hv, precise_ip, ...

	wakeupEvents uint32
	bpType       uint32
	bpAddr       uint64
	bpLen        uint64

	sampleRegsUser  uint64
	sampleStackUser uint32
	clockID         int32

	sampleRegsIntr uint64

	auxWatermark   uint32
	sampleMaxStack uint16

	_ uint16
}

const (
	perfTypeRaw = 4

	// perf_event_attr bitfield positions, in kernel declaration order.
	bitDisabled      = 1 << 0
	bitExcludeKernel = 1 << 5
	bitExcludeHV     = 1 << 6
	// precise_ip occupies the 2-bit field at bits 15-16; value 2
	// ("requested to have 0 skid", the level PEBS sampling asks for) sets
	// only the high bit of that field.
	bitPreciseIP2 = 1 << 16

	sampleFormatIP   = 1 << 0
	sampleFormatTID  = 1 << 1
	sampleFormatTime = 1 << 2
	sampleFormatAddr = 1 << 3
	sampleFormatCPU  = 1 << 7

	samplePeriodFormat = sampleFormatIP | sampleFormatTID | sampleFormatTime | sampleFormatAddr | sampleFormatCPU
)

// buildAttr constructs the perf_event_attr for sampling class in
// user-mode-only scope, created disabled, with the sample_type fields
// decodeSample expects in that exact kernel-defined order.
func buildAttr(class EventClass) (*perfEventAttr, error) {
	config, ok := class.perfConfig()
	if !ok {
		return nil, errors.Wrapf(ErrInvalidArgument, "unknown event class %v", class)
	}
	// A non-zero sample_period makes this a sampling event, which
	// PERF_EVENT_IOC_PERIOD requires. The counter is created disabled and
	// SetPeriod replaces this value before enabling it.
	attr := &perfEventAttr{
		perfType:     perfTypeRaw,
		config:       config,
		period:       10007,
		sampleType:   samplePeriodFormat,
		bits:         bitDisabled | bitExcludeKernel | bitExcludeHV | bitPreciseIP2,
		wakeupEvents: 1,
	}
	attr.size = uint32(unsafe.Sizeof(*attr))
	return attr, nil
}

// perfEventOpen issues the perf_event_open(2) syscall. x/sys/unix does not
// wrap this call (it has no libc entry point on most platforms), so it is
// issued directly with syscall.Syscall6, the same way bpf(2) and other
// libc-less syscalls get called.
func perfEventOpen(attr *perfEventAttr, pid, cpu int) (int, error) {
	flags := unix.PERF_FLAG_FD_CLOEXEC
	fd, _, errno := syscall.Syscall6(unix.SYS_PERF_EVENT_OPEN,
		uintptr(unsafe.Pointer(attr)), uintptr(pid), uintptr(cpu), ^uintptr(0), uintptr(flags), 0)
	if errno != 0 {
		return -1, classifyPerfEventOpen("perf_event_open", errno)
	}
	return int(fd), nil
}

// ioctlPointer issues an ioctl(2) whose argument is a pointer, which
// x/sys/unix's IoctlSetInt cannot express (PERF_EVENT_IOC_PERIOD and
// PERF_EVENT_IOC_ID both take a __u64*).
func ioctlPointer(fd int, req uint, arg unsafe.Pointer) error {
	_, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(fd), uintptr(req), uintptr(arg))
	if errno != 0 {
		return errno
	}
	return nil
}

func enableCounter(fd int) error {
	return unix.IoctlSetInt(fd, unix.PERF_EVENT_IOC_ENABLE, 0)
}

func disableCounter(fd int) error {
	return unix.IoctlSetInt(fd, unix.PERF_EVENT_IOC_DISABLE, 0)
}

func setCounterPeriod(fd int, period uint64) error {
	return ioctlPointer(fd, unix.PERF_EVENT_IOC_PERIOD, unsafe.Pointer(&period))
}

func counterID(fd int) (uint64, error) {
	var id uint64
	if err := ioctlPointer(fd, unix.PERF_EVENT_IOC_ID, unsafe.Pointer(&id)); err != nil {
		return 0, err
	}
	return id, nil
}
