// Package wire encodes the fixed-width little-endian event records written
// to the ring buffer. Every Put* function writes directly into a caller-
// supplied byte slice using encoding/binary's non-reflective helpers, so
// encoding a record never allocates.
package wire

import "encoding/binary"

// RecordType identifies the layout of a committed record.
type RecordType uint32

const (
	// RecordSample marks an allocation sample.
	RecordSample RecordType = 1
	// RecordCustomDeallocation marks a deallocation of a previously sampled address.
	RecordCustomDeallocation RecordType = 2
	// RecordCustomClearLiveAllocation instructs the consumer to discard its live-address view.
	RecordCustomClearLiveAllocation RecordType = 3
	// RecordLost reports events dropped due to back-pressure.
	RecordLost RecordType = 4
)

// RegsABI64 is the 64-bit register-set ABI identifier used in SAMPLE records.
const RegsABI64 = 2

const (
	// HeaderSize is the byte length of a Header once encoded.
	HeaderSize = 12
	// SampleIDSize is the byte length of a SampleID once encoded.
	SampleIDSize = 16
)

// Header is the common record prefix: type, misc flags, and total record size.
type Header struct {
	Type RecordType
	Misc uint32
	Size uint32
}

// Put encodes h into buf[0:HeaderSize].
func (h Header) Put(buf []byte) {
	binary.LittleEndian.PutUint32(buf[0:4], uint32(h.Type))
	binary.LittleEndian.PutUint32(buf[4:8], h.Misc)
	binary.LittleEndian.PutUint32(buf[8:12], h.Size)
}

// Header decodes a Header from buf[0:HeaderSize].
func DecodeHeader(buf []byte) Header {
	return Header{
		Type: RecordType(binary.LittleEndian.Uint32(buf[0:4])),
		Misc: binary.LittleEndian.Uint32(buf[4:8]),
		Size: binary.LittleEndian.Uint32(buf[8:12]),
	}
}

// SampleID is the {time, pid, tid} tuple prefixed on most event types.
type SampleID struct {
	Time uint64
	Pid  uint32
	Tid  uint32
}

// Put encodes id into buf[0:SampleIDSize].
func (id SampleID) Put(buf []byte) {
	binary.LittleEndian.PutUint64(buf[0:8], id.Time)
	binary.LittleEndian.PutUint32(buf[8:12], id.Pid)
	binary.LittleEndian.PutUint32(buf[12:16], id.Tid)
}

// DecodeSampleID decodes a SampleID from buf[0:SampleIDSize].
func DecodeSampleID(buf []byte) SampleID {
	return SampleID{
		Time: binary.LittleEndian.Uint64(buf[0:8]),
		Pid:  binary.LittleEndian.Uint32(buf[8:12]),
		Tid:  binary.LittleEndian.Uint32(buf[12:16]),
	}
}

// SampleEventSize returns the total byte length of a SAMPLE record carrying
// numRegs 64-bit registers and stackSize bytes of raw stack.
func SampleEventSize(numRegs, stackSize int) int {
	return HeaderSize + SampleIDSize +
		8 /* addr */ + 8 /* period */ +
		4 /* regs_abi */ + numRegs*8 +
		4 /* size_stack */ + stackSize +
		8 /* dyn_size */
}

// PutSample encodes a SAMPLE record into buf, which must be exactly
// SampleEventSize(len(regs), len(stack)) bytes long. It returns the number
// of bytes written.
func PutSample(buf []byte, id SampleID, addr, period uint64, regs []uint64, stack []byte) int {
	size := len(buf)
	Header{Type: RecordSample, Size: uint32(size)}.Put(buf)
	off := HeaderSize
	id.Put(buf[off:])
	off += SampleIDSize
	binary.LittleEndian.PutUint64(buf[off:], addr)
	off += 8
	binary.LittleEndian.PutUint64(buf[off:], period)
	off += 8
	binary.LittleEndian.PutUint32(buf[off:], RegsABI64)
	off += 4
	for _, r := range regs {
		binary.LittleEndian.PutUint64(buf[off:], r)
		off += 8
	}
	binary.LittleEndian.PutUint32(buf[off:], uint32(len(stack)))
	off += 4
	n := copy(buf[off:], stack)
	off += len(stack)
	binary.LittleEndian.PutUint64(buf[off:], uint64(n))
	off += 8
	return off
}

// SampleEventSizeForPCs is SampleEventSize sized for a stack captured as a
// sequence of program counters rather than a raw byte copy (see PutSamplePCs).
func SampleEventSizeForPCs(numPCs int) int {
	return SampleEventSize(0, numPCs*8)
}

// PutSamplePCs encodes a SAMPLE record whose "stack bytes" are a sequence of
// program-counter values rather than a raw stack memory copy (see the
// tracker package for why: Go exposes no portable, allocation-free way to
// copy raw stack bytes from inside a hook). buf must be at least
// SampleEventSizeForPCs(len(pcs)) bytes; the header's size field is set to
// len(buf), and any bytes after the trailing dyn_size are left untouched. It
// returns the number of bytes written.
func PutSamplePCs(buf []byte, id SampleID, addr, period uint64, pcs []uintptr) int {
	size := len(buf)
	Header{Type: RecordSample, Size: uint32(size)}.Put(buf)
	off := HeaderSize
	id.Put(buf[off:])
	off += SampleIDSize
	binary.LittleEndian.PutUint64(buf[off:], addr)
	off += 8
	binary.LittleEndian.PutUint64(buf[off:], period)
	off += 8
	binary.LittleEndian.PutUint32(buf[off:], RegsABI64)
	off += 4
	stackBytes := len(pcs) * 8
	binary.LittleEndian.PutUint32(buf[off:], uint32(stackBytes))
	off += 4
	for _, pc := range pcs {
		binary.LittleEndian.PutUint64(buf[off:], uint64(pc))
		off += 8
	}
	binary.LittleEndian.PutUint64(buf[off:], uint64(stackBytes))
	off += 8
	return off
}

// DeallocationEventSize is the byte length of a CUSTOM_DEALLOCATION record.
const DeallocationEventSize = HeaderSize + SampleIDSize + 8 /* ptr */

// PutDeallocation encodes a CUSTOM_DEALLOCATION record into buf, which must
// be exactly DeallocationEventSize bytes long.
func PutDeallocation(buf []byte, id SampleID, ptr uint64) int {
	Header{Type: RecordCustomDeallocation, Size: uint32(len(buf))}.Put(buf)
	off := HeaderSize
	id.Put(buf[off:])
	off += SampleIDSize
	binary.LittleEndian.PutUint64(buf[off:], ptr)
	off += 8
	return off
}

// ClearLiveAllocationEventSize is the byte length of a CUSTOM_CLEAR_LIVE_ALLOCATION record.
const ClearLiveAllocationEventSize = HeaderSize + SampleIDSize

// PutClearLiveAllocation encodes a CUSTOM_CLEAR_LIVE_ALLOCATION record into
// buf, which must be exactly ClearLiveAllocationEventSize bytes long.
func PutClearLiveAllocation(buf []byte, id SampleID) int {
	Header{Type: RecordCustomClearLiveAllocation, Size: uint32(len(buf))}.Put(buf)
	off := HeaderSize
	id.Put(buf[off:])
	off += SampleIDSize
	return off
}

// LostEventSize is the byte length of a LOST record.
const LostEventSize = HeaderSize + SampleIDSize + 8 /* id */ + 8 /* lost_count */

// PutLost encodes a LOST record into buf, which must be exactly
// LostEventSize bytes long.
func PutLost(buf []byte, id SampleID, lostCount uint64) int {
	Header{Type: RecordLost, Size: uint32(len(buf))}.Put(buf)
	off := HeaderSize
	id.Put(buf[off:])
	off += SampleIDSize
	binary.LittleEndian.PutUint64(buf[off:], 0) // id: always 0 for LOST records
	off += 8
	binary.LittleEndian.PutUint64(buf[off:], lostCount)
	off += 8
	return off
}
