package memsample

import (
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newTestRing builds a ring over a freshly allocated mmap-shaped buffer:
// one metadata page followed by a power-of-two data region, exactly the
// layout newRing expects from a real perf_event mmap.
func newTestRing(t *testing.T, dataPages int) (*ring, []byte) {
	t.Helper()
	pageSize := os.Getpagesize()
	dataSize := uint64(dataPages * pageSize)
	buf := make([]byte, pageSize+int(dataSize))

	meta := (*ringMeta)(metaPointer(buf))
	meta.dataOffset = uint64(pageSize)
	meta.dataSize = dataSize

	r := newRing(buf)
	return r, buf
}

// writeRecord appends a record at byte offset off (mod len(data)),
// returning the offset immediately past it. size must be a multiple of 8
// as the kernel guarantees for every record.
func writeRecord(t *testing.T, data []byte, off uint64, typ uint32, payload []byte) uint64 {
	t.Helper()
	size := recordHeaderSize + len(payload)
	require.Zero(t, size%8, "record size must be 8-byte aligned")

	buf := make([]byte, size)
	nativeEndian.PutUint32(buf[0:4], typ)
	nativeEndian.PutUint16(buf[4:6], 0)
	nativeEndian.PutUint16(buf[6:8], uint16(size))
	copy(buf[recordHeaderSize:], payload)

	mask := uint64(len(data)) - 1
	for i, b := range buf {
		data[(off+uint64(i))&mask] = b
	}
	return off + uint64(size)
}

func samplePayload(pid, tid, cpu uint32, addr uint64) []byte {
	buf := make([]byte, 8+4+4+8+8+4+4)
	nativeEndian.PutUint64(buf[0:8], 0xdeadbeef) // ip, ignored
	nativeEndian.PutUint32(buf[8:12], pid)
	nativeEndian.PutUint32(buf[12:16], tid)
	nativeEndian.PutUint64(buf[16:24], 0) // time, ignored
	nativeEndian.PutUint64(buf[24:32], addr)
	nativeEndian.PutUint32(buf[32:36], cpu)
	nativeEndian.PutUint32(buf[36:40], 0) // reserved
	return buf
}

func TestRingReadSampleEmpty(t *testing.T) {
	r, _ := newTestRing(t, 1)
	var out Sample
	ok, err := r.readSample(Load, &out)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestRingReadSampleDecodesFields(t *testing.T) {
	r, data := newTestRing(t, 1)
	payload := samplePayload(111, 222, 3, 0x7fff00001234)
	next := writeRecord(t, r.data, 0, perfRecordSample, payload)
	r.meta.dataHead = next
	_ = data

	var out Sample
	ok, err := r.readSample(Store, &out)
	require.NoError(t, err)
	require.True(t, ok)

	assert.Equal(t, Store, out.EventClass)
	assert.Equal(t, uint32(111), out.PID)
	assert.Equal(t, uint32(222), out.TID)
	assert.Equal(t, uint32(3), out.CPU)
	assert.Equal(t, uint64(0x7fff00001234), out.Address)

	ok, err = r.readSample(Store, &out)
	require.NoError(t, err)
	assert.False(t, ok, "tail must advance past the consumed record")
}

func TestRingReadSampleSkipsNonSampleRecords(t *testing.T) {
	r, _ := newTestRing(t, 1)
	off := writeRecord(t, r.data, 0, perfRecordLost, make([]byte, 16))
	off = writeRecord(t, r.data, off, perfRecordComm, make([]byte, 8))
	off = writeRecord(t, r.data, off, perfRecordSample, samplePayload(5, 6, 0, 0xff))
	r.meta.dataHead = off

	var out Sample
	ok, err := r.readSample(Load, &out)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, uint32(5), out.PID)
}

func TestRingReadSampleHandlesWraparound(t *testing.T) {
	r, _ := newTestRing(t, 1)
	dataSize := uint64(len(r.data))

	// Position tail/head near the end of the region so the sample record
	// straddles the wrap boundary.
	payload := samplePayload(9, 9, 1, 0xabc)
	size := uint64(recordHeaderSize + len(payload))
	start := dataSize - size/2
	r.meta.dataTail = start
	next := writeRecord(t, r.data, start, perfRecordSample, payload)
	r.meta.dataHead = next

	var out Sample
	ok, err := r.readSample(Load, &out)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, uint32(9), out.PID)
	assert.Equal(t, uint64(0xabc), out.Address)
}

func TestEventClassPerfConfig(t *testing.T) {
	cfg, ok := Load.perfConfig()
	require.True(t, ok)
	assert.Equal(t, uint64(0x81d0), cfg)

	cfg, ok = Store.perfConfig()
	require.True(t, ok)
	assert.Equal(t, uint64(0x82d0), cfg)

	assert.Equal(t, "load", Load.String())
	assert.Equal(t, "store", Store.String())
}
