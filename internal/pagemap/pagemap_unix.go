//go:build linux || darwin

package pagemap

import (
	"unsafe"

	"github.com/Dudejoe870/OrbisEmu/internal/align"
	"golang.org/x/sys/unix"
)

// New returns the POSIX page allocator, grounded on
// other_examples/sliverarmory-reflektor__memmod_darwin.go's use of
// golang.org/x/sys/unix for anonymous-mapping memory management.
func New() Allocator { return &posixAllocator{} }

type posixAllocator struct{}

func toUnixProt(p Protection) int {
	prot := 0
	if p&Read != 0 {
		prot |= unix.PROT_READ
	}
	if p&Write != 0 {
		prot |= unix.PROT_WRITE
	}
	if p&Execute != 0 {
		prot |= unix.PROT_EXEC
	}
	return prot
}

func (a *posixAllocator) Alloc(length int, prot Protection) (*Region, error) {
	rounded := align.Up(uint64(length), uint64(unix.Getpagesize()))
	mapped, err := unix.Mmap(-1, 0, int(rounded), toUnixProt(prot), unix.MAP_PRIVATE|unix.MAP_ANON)
	if err != nil {
		return nil, &AllocError{Length: length, Prot: prot, Cause: err}
	}
	return &Region{
		data:      mapped[:length],
		base:      uintptr(unsafe.Pointer(&mapped[0])),
		mappedLen: uintptr(rounded),
	}, nil
}

func (a *posixAllocator) Free(r *Region) error {
	full := r.data[:r.mappedLen:r.mappedLen]
	return unix.Munmap(full)
}
