package memsample

import (
	"sync/atomic"
)

// ringMeta mirrors the head of struct perf_event_mmap_page. The kernel
// reserves the first 1024 bytes of the metadata page for the fields perf
// tooling has historically used (version, time_*, capabilities, ...); we
// don't need any of those, so we pad straight to the head/tail pair every
// perf_event ring shares regardless of kernel version.
type ringMeta struct {
	_          [128]uint64
	dataHead   uint64
	dataTail   uint64
	dataOffset uint64
	dataSize   uint64
}

const (
	perfRecordMmap   = 1
	perfRecordLost   = 2
	perfRecordComm   = 3
	perfRecordExit   = 4
	perfRecordSample = 9
)

// recordHeader is the common prefix of every record the kernel writes into
// the ring: perf_event_header from include/uapi/linux/perf_event.h.
type recordHeader struct {
	Type uint32
	Misc uint16
	Size uint16
}

const recordHeaderSize = 8

// ringCursor decodes the variable-size record stream of one Channel's ring
// buffer. It is a small byte cursor reading out of a local staging buffer
// that copyRecord fills (handling the ring wraparound) rather than out of
// the live mmap region, so a straddling record decodes exactly like a
// non-straddling one.
type ringCursor struct {
	buf []byte
}

func (c *ringCursor) u32() uint32 {
	x := nativeEndian.Uint32(c.buf)
	c.buf = c.buf[4:]
	return x
}

func (c *ringCursor) u64() uint64 {
	x := nativeEndian.Uint64(c.buf)
	c.buf = c.buf[8:]
	return x
}

func (c *ringCursor) skip(n int) {
	c.buf = c.buf[n:]
}

// ring owns the mmap'd metadata page and data region for one Channel and
// implements the pull-one-sample primitive: acquire-load head, decode and
// skip non-sample records until a sample record or an empty ring is
// found, release-store the new tail.
type ring struct {
	meta *ringMeta
	data []byte // power-of-two length
	mask uint64
}

func newRing(mmap []byte) *ring {
	meta := (*ringMeta)(metaPointer(mmap))
	data := mmap[meta.dataOffset : meta.dataOffset+meta.dataSize]
	return &ring{meta: meta, data: data, mask: meta.dataSize - 1}
}

// readSample returns the next sample record, or (false, nil) if the ring is
// currently empty. Non-sample records (mmap/comm/exit/lost) are skipped
// without being returned.
func (r *ring) readSample(class EventClass, out *Sample) (bool, error) {
	head := atomic.LoadUint64(&r.meta.dataHead)
	tail := atomic.LoadUint64(&r.meta.dataTail)

	for tail != head {
		hdr, payload := r.copyRecord(tail, head)
		tail += uint64(hdr.Size)

		if hdr.Type == perfRecordSample {
			decodeSample(payload, class, out)
			atomic.StoreUint64(&r.meta.dataTail, tail)
			return true, nil
		}
		// Non-sample record: lost-records, mmap, comm, exit, etc. Skip
		// its payload and keep looking within this call.
	}
	atomic.StoreUint64(&r.meta.dataTail, tail)
	return false, nil
}

// copyRecord reads the record at byte offset tail (mod len(data)) into a
// freshly sized staging buffer, handling the case where the record
// straddles the end of the data region.
func (r *ring) copyRecord(tail, head uint64) (recordHeader, []byte) {
	start := tail & r.mask
	var hdrBuf [recordHeaderSize]byte
	r.copyAt(start, hdrBuf[:])
	hdr := recordHeader{
		Type: nativeEndian.Uint32(hdrBuf[0:4]),
		Misc: nativeEndian.Uint16(hdrBuf[4:6]),
		Size: nativeEndian.Uint16(hdrBuf[6:8]),
	}

	payload := make([]byte, int(hdr.Size)-recordHeaderSize)
	if len(payload) > 0 {
		r.copyAt((start+recordHeaderSize)&r.mask, payload)
	}
	return hdr, payload
}

// copyAt copies len(dst) bytes starting at byte offset off into the data
// region, wrapping around the end as needed.
func (r *ring) copyAt(off uint64, dst []byte) {
	n := copy(dst, r.data[off:])
	if n < len(dst) {
		copy(dst[n:], r.data[:len(dst)-n])
	}
}

// decodeSample parses the PERF_RECORD_SAMPLE payload laid out by the
// sample_type flags buildAttr enables: IP, TID, TIME, ADDR, CPU, in that
// fixed kernel-defined order. IP and TIME are read to advance the cursor
// and discarded; callers only need the process/thread/CPU/address tuple.
func decodeSample(payload []byte, class EventClass, out *Sample) {
	c := ringCursor{buf: payload}
	c.skip(8) // ip
	pid := c.u32()
	tid := c.u32()
	c.skip(8) // time
	addr := c.u64()
	cpu := c.u32()
	c.skip(4) // res (reserved)

	out.EventClass = class
	out.CPU = cpu
	out.PID = pid
	out.TID = tid
	out.Address = addr
}
