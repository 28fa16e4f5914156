package moduleresolve

import (
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

// buildMinimalELF assembles the smallest ELF64/little-endian executable
// debug/elf will parse: a header plus a single executable PT_LOAD segment,
// no sections. vaddr and offset are chosen by the caller so tests can assert
// on the resulting bias.
func buildMinimalELF(t *testing.T, vaddr, offset uint64) []byte {
	t.Helper()
	const (
		ehSize = 64
		phSize = 56
	)
	total := ehSize + phSize

	buf := make([]byte, total)
	copy(buf[0:4], []byte{0x7f, 'E', 'L', 'F'})
	buf[4] = 2 // ELFCLASS64
	buf[5] = 1 // ELFDATA2LSB
	buf[6] = 1 // EI_VERSION

	le := binary.LittleEndian
	le.PutUint16(buf[16:], 2)      // e_type = ET_EXEC
	le.PutUint16(buf[18:], 0x3e)   // e_machine = EM_X86_64
	le.PutUint32(buf[20:], 1)      // e_version
	le.PutUint64(buf[24:], vaddr)  // e_entry
	le.PutUint64(buf[32:], ehSize) // e_phoff
	le.PutUint64(buf[40:], 0)      // e_shoff
	le.PutUint16(buf[52:], ehSize) // e_ehsize
	le.PutUint16(buf[54:], phSize) // e_phentsize
	le.PutUint16(buf[56:], 1)      // e_phnum
	le.PutUint16(buf[58:], 0)      // e_shentsize
	le.PutUint16(buf[60:], 0)      // e_shnum
	le.PutUint16(buf[62:], 0)      // e_shstrndx

	ph := buf[ehSize : ehSize+phSize]
	le.PutUint32(ph[0:], 1)                   // p_type = PT_LOAD
	le.PutUint32(ph[4:], 1|4)                 // p_flags = PF_X|PF_R
	le.PutUint64(ph[8:], offset)               // p_offset
	le.PutUint64(ph[16:], vaddr)               // p_vaddr
	le.PutUint64(ph[24:], vaddr)               // p_paddr
	le.PutUint64(ph[32:], uint64(total))       // p_filesz
	le.PutUint64(ph[40:], uint64(total))       // p_memsz
	le.PutUint64(ph[48:], 0x1000)              // p_align
	return buf
}

func openFixture(t *testing.T, data []byte) *os.File {
	t.Helper()
	path := filepath.Join(t.TempDir(), "fixture.elf")
	require.NoError(t, os.WriteFile(path, data, 0o600))
	f, err := os.Open(path)
	require.NoError(t, err)
	t.Cleanup(func() { f.Close() })
	return f
}

func TestResolveComputesBiasFromVaddrAndOffset(t *testing.T) {
	data := buildMinimalELF(t, 0x400000, 0)
	f := openFixture(t, data)

	bias, _, err := ELFResolver{}.Resolve(int(f.Fd()))
	require.NoError(t, err)
	require.Equal(t, int64(0x400000), bias)
}

func TestResolveWithNonZeroOffset(t *testing.T) {
	data := buildMinimalELF(t, 0x401000, 0x1000)
	f := openFixture(t, data)

	bias, _, err := ELFResolver{}.Resolve(int(f.Fd()))
	require.NoError(t, err)
	require.Equal(t, int64(0x400000), bias)
}

func TestResolveDoesNotCloseCallerFD(t *testing.T) {
	data := buildMinimalELF(t, 0x400000, 0)
	f := openFixture(t, data)

	_, _, err := ELFResolver{}.Resolve(int(f.Fd()))
	require.NoError(t, err)

	// the fd must still be usable by the caller after Resolve returns.
	var probe [1]byte
	_, err = f.ReadAt(probe[:], 0)
	require.NoError(t, err)
}

func TestResolveRejectsMissingExecutableSegment(t *testing.T) {
	data := buildMinimalELF(t, 0x400000, 0)
	// clear PF_X on the single program header.
	binary.LittleEndian.PutUint32(data[64+4:], 4) // PF_R only
	f := openFixture(t, data)

	_, _, err := ELFResolver{}.Resolve(int(f.Fd()))
	require.Error(t, err)
}
