package memsample

import (
	"encoding/binary"
	"unsafe"
)

// nativeEndian is the byte order perf_event_open's ring buffer and
// perf_event_attr are written in: whatever the host CPU's native order is.
var nativeEndian binary.ByteOrder = func() binary.ByteOrder {
	var i uint16 = 1
	b := (*[2]byte)(unsafe.Pointer(&i))
	if b[0] == 1 {
		return binary.LittleEndian
	}
	return binary.BigEndian
}()

// metaPointer reinterprets the first page of an mmap'd perf_event ring as
// a *ringMeta. Safe because mmap always returns at least one full page and
// ringMeta is smaller than a page on every platform perf_event_open exists
// on.
func metaPointer(mmap []byte) unsafe.Pointer {
	return unsafe.Pointer(&mmap[0])
}
