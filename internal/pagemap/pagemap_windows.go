//go:build windows

package pagemap

import (
	"unsafe"

	"github.com/Dudejoe870/OrbisEmu/internal/align"
	"golang.org/x/sys/windows"
)

// windowsPageSize is not exposed by golang.org/x/sys/windows as a constant;
// every supported host architecture uses a 4KiB allocation granularity for
// VirtualAlloc's page protection purposes.
const windowsPageSize = 0x1000

// New returns the Win32 page allocator, grounded on golang.org/x/sys/windows's
// VirtualAlloc/VirtualFree/VirtualProtect bindings.
func New() Allocator { return &win32Allocator{} }

type win32Allocator struct{}

func toWin32Protect(p Protection) uint32 {
	switch {
	case p&Execute != 0 && p&Write != 0:
		return windows.PAGE_EXECUTE_READWRITE
	case p&Execute != 0 && p&Read != 0:
		return windows.PAGE_EXECUTE_READ
	case p&Execute != 0:
		return windows.PAGE_EXECUTE
	case p&Write != 0:
		return windows.PAGE_READWRITE
	case p&Read != 0:
		return windows.PAGE_READONLY
	default:
		return windows.PAGE_NOACCESS
	}
}

func (a *win32Allocator) Alloc(length int, prot Protection) (*Region, error) {
	rounded := align.Up(uint64(length), windowsPageSize)
	addr, err := windows.VirtualAlloc(0, uintptr(rounded), windows.MEM_COMMIT|windows.MEM_RESERVE, toWin32Protect(prot))
	if err != nil {
		return nil, &AllocError{Length: length, Prot: prot, Cause: err}
	}
	data := unsafe.Slice((*byte)(unsafe.Pointer(addr)), int(rounded))
	return &Region{
		data:      data[:length],
		base:      addr,
		mappedLen: uintptr(rounded),
	}, nil
}

func (a *win32Allocator) Free(r *Region) error {
	return windows.VirtualFree(r.base, 0, windows.MEM_RELEASE)
}
