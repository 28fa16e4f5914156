package wire

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHeaderRoundTrip(t *testing.T) {
	buf := make([]byte, HeaderSize)
	h := Header{Type: RecordSample, Misc: 7, Size: 128}
	h.Put(buf)
	got := DecodeHeader(buf)
	assert.Equal(t, h, got)
}

func TestSampleIDRoundTrip(t *testing.T) {
	buf := make([]byte, SampleIDSize)
	id := SampleID{Time: 123456789, Pid: 42, Tid: 7}
	id.Put(buf)
	assert.Equal(t, id, DecodeSampleID(buf))
}

func TestPutSampleSizeMatchesHeader(t *testing.T) {
	regs := []uint64{1, 2, 3}
	stack := []byte{0xde, 0xad, 0xbe, 0xef}
	size := SampleEventSize(len(regs), len(stack))
	buf := make([]byte, size)
	n := PutSample(buf, SampleID{Time: 1, Pid: 2, Tid: 3}, 0xdeadbeef, 64, regs, stack)
	require.Equal(t, size, n)

	h := DecodeHeader(buf)
	assert.Equal(t, RecordSample, h.Type)
	assert.Equal(t, uint32(size), h.Size)
}

func TestPutSamplePCsEncodesStackAsProgramCounters(t *testing.T) {
	pcs := []uintptr{0x401000, 0x402000, 0x403000}
	size := SampleEventSizeForPCs(len(pcs))
	buf := make([]byte, size)
	n := PutSamplePCs(buf, SampleID{Time: 9, Pid: 1, Tid: 1}, 0x1234, 8, pcs)
	require.Equal(t, size, n)

	h := DecodeHeader(buf)
	assert.Equal(t, RecordSample, h.Type)
	assert.Equal(t, uint32(size), h.Size)

	// size_stack sits right after regs_abi (offset HeaderSize+SampleIDSize+8+8+4).
	off := HeaderSize + SampleIDSize + 8 + 8 + 4
	stackBytes := binary.LittleEndian.Uint32(buf[off:])
	assert.Equal(t, uint32(len(pcs)*8), stackBytes)
}

func TestPutDeallocation(t *testing.T) {
	buf := make([]byte, DeallocationEventSize)
	n := PutDeallocation(buf, SampleID{Time: 1, Pid: 2, Tid: 3}, 0xabc)
	assert.Equal(t, DeallocationEventSize, n)
	assert.Equal(t, RecordCustomDeallocation, DecodeHeader(buf).Type)
}

func TestPutClearLiveAllocation(t *testing.T) {
	buf := make([]byte, ClearLiveAllocationEventSize)
	n := PutClearLiveAllocation(buf, SampleID{Time: 1, Pid: 2, Tid: 3})
	assert.Equal(t, ClearLiveAllocationEventSize, n)
	assert.Equal(t, RecordCustomClearLiveAllocation, DecodeHeader(buf).Type)
}

func TestPutLost(t *testing.T) {
	buf := make([]byte, LostEventSize)
	n := PutLost(buf, SampleID{Time: 1, Pid: 2, Tid: 3}, 99)
	assert.Equal(t, LostEventSize, n)
	h := DecodeHeader(buf)
	assert.Equal(t, RecordLost, h.Type)

	off := HeaderSize + SampleIDSize + 8
	assert.Equal(t, uint64(99), binary.LittleEndian.Uint64(buf[off:]))
}
