// Package moduleresolve implements the narrow module-resolution contract the
// core consumes from the reader-side ELF/DWARF subsystem (§6): given an
// executable mapping, compute its load bias. Symbolization itself remains
// out of scope; this package only answers "where in the file does this
// runtime address live".
package moduleresolve

import (
	"debug/elf"
	"fmt"
	"os"
	"syscall"

	alloglog "github.com/DataDog/go-alloctracker/internal/log"
)

// elfFromFD wraps a raw file descriptor (as handed to us by the host, which
// owns its lifetime) as an *elf.File without taking ownership of the fd.
func elfFromFD(fd int) (*elf.File, error) {
	// The *os.File owns only a duplicate: closing it, or its finalizer
	// running, leaves the caller's fd open.
	dup, err := syscall.Dup(fd)
	if err != nil {
		return nil, fmt.Errorf("moduleresolve: invalid file descriptor %d: %w", fd, err)
	}
	f := os.NewFile(uintptr(dup), "")
	if f == nil {
		return nil, fmt.Errorf("moduleresolve: invalid file descriptor %d", fd)
	}
	ef, err := elf.NewFile(f)
	if err != nil {
		f.Close()
		return nil, err
	}
	return ef, nil
}

// Resolver translates a mapped ELF image into the bias needed to convert a
// runtime instruction pointer back into a file offset.
type Resolver interface {
	// Resolve opens the ELF image behind fd and returns bias = vaddr -
	// p_offset for the mapping's single executable LOAD segment, plus the
	// image's build-id if present.
	Resolve(fd int) (bias int64, buildID []byte, err error)
}

// ELFResolver is the default Resolver, backed by the standard library's ELF
// reader. debug/elf is used here (rather than a third-party ELF library)
// because this component sits on the explicitly out-of-scope reader-side
// boundary (§1); the tracking core itself never touches it.
type ELFResolver struct{}

// Resolve implements Resolver. It mirrors the original get_elf_offsets
// contract: locate the single executable PT_LOAD segment and compute
// bias = vaddr - p_offset. If more than one such segment exists, that is
// reported as a failed assumption but the first one found is still used.
func (ELFResolver) Resolve(fd int) (int64, []byte, error) {
	f, err := elfFromFD(fd)
	if err != nil {
		return 0, nil, err
	}
	// f reads through a duplicate of the caller's fd (see elfFromFD), so the
	// caller's descriptor stays open after Resolve returns.

	switch f.Type {
	case elf.ET_EXEC, elf.ET_DYN, elf.ET_CORE:
	default:
		return 0, nil, fmt.Errorf("moduleresolve: unsupported ELF type %s", f.Type)
	}

	var (
		bias    int64
		found   bool
		extra   bool
		buildID []byte
	)
	for _, prog := range f.Progs {
		if prog.Type != elf.PT_LOAD {
			continue
		}
		if prog.Flags&elf.PF_X == 0 {
			continue
		}
		if found {
			extra = true
			continue
		}
		bias = int64(prog.Vaddr) - int64(prog.Off)
		found = true
	}
	if !found {
		return 0, nil, fmt.Errorf("moduleresolve: no executable LOAD segment found")
	}
	if extra {
		// multiple executable segments: a failed assumption; keep the first.
		alloglog.Warn("moduleresolve: more than one executable LOAD segment, using the first")
	}

	if note := f.Section(".note.gnu.build-id"); note != nil {
		if data, err := note.Data(); err == nil {
			buildID = parseBuildIDNote(data)
		}
	}
	return bias, buildID, nil
}

// parseBuildIDNote extracts the build-id bytes from a raw
// .note.gnu.build-id section, which is a sequence of Elf32_Nhdr-style
// entries (namesz, descsz, type, name, desc).
func parseBuildIDNote(data []byte) []byte {
	const noteHeaderSize = 12
	if len(data) < noteHeaderSize {
		return nil
	}
	nameSz := beUint32AsHost(data[0:4])
	descSz := beUint32AsHost(data[4:8])
	off := noteHeaderSize + align4(nameSz)
	if off+descSz > uint32(len(data)) {
		return nil
	}
	return data[off : off+descSz]
}

func align4(n uint32) uint32 {
	return (n + 3) &^ 3
}

func beUint32AsHost(b []byte) uint32 {
	// ELF notes on little-endian hosts (the only ones this tracker targets)
	// store these fields little-endian.
	return uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16 | uint32(b[3])<<24
}
