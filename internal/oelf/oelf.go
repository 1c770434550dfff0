// Package oelf parses Sony's dynamic-object extensions to ELF64: extra
// program header types, extra dynamic tags, and the packed module/library
// reference values threaded through DT_SCE_MODULE_INFO and friends.
package oelf

import (
	"debug/elf"
	"unsafe"

	"github.com/Dudejoe870/OrbisEmu/internal/align"
	"github.com/Dudejoe870/OrbisEmu/internal/loaderr"
)

// Sony program header types, beyond the standard elf.PT_* set.
const (
	PtSceDynlibData  elf.ProgType = 0x61000000
	PtSceProcParam   elf.ProgType = 0x61000001
	PtSceModuleParam elf.ProgType = 0x61000002
	PtSceRelro       elf.ProgType = 0x61000010
)

// Sony dynamic tags, beyond the standard elf.DT_* set.
const (
	DtSceRela         elf.DynTag = 0x6100002F
	DtSceRelaSz       elf.DynTag = 0x61000031
	DtSceJmpRel       elf.DynTag = 0x61000029
	DtScePltRelSz     elf.DynTag = 0x6100002D
	DtSceStrTab       elf.DynTag = 0x61000035
	DtSceStrSz        elf.DynTag = 0x61000037
	DtSceSymTab       elf.DynTag = 0x61000039
	DtSceSymTabSz     elf.DynTag = 0x6100003F
	DtSceModuleInfo   elf.DynTag = 0x6100000D
	DtSceNeededModule elf.DynTag = 0x6100000F
	DtSceExportLib    elf.DynTag = 0x61000013
	DtSceImportLib    elf.DynTag = 0x61000015

	// DtSceProcParam is not literally documented anywhere in this pack;
	// no OELF sample carries a proc-param dynamic tag, and only the
	// PT_SCE_PROC_PARAM program header type is otherwise attested. This
	// value continues the observed Sony tag numbering as a placeholder,
	// consulted only if present - PtSceProcParam's own p_vaddr is the
	// primary and more reliable source used by Parse below.
	DtSceProcParam elf.DynTag = 0x61000021
)

// EtSceDynamic is Sony's ELF type for shared/dynamic modules.
const EtSceDynamic elf.Type = 0xFE18

// ModuleRef is a module reference packed into a DT_SCE_MODULE_INFO or
// DT_SCE_NEEDED_MODULE dynamic entry's value: name_offset:u32,
// version_minor:u8, version_major:u8, id:u16.
type ModuleRef struct {
	Name  string
	Value uint64
}

func (m ModuleRef) NameOffset() uint32  { return uint32(m.Value) }
func (m ModuleRef) VersionMinor() uint8 { return uint8(m.Value >> 32) }
func (m ModuleRef) VersionMajor() uint8 { return uint8(m.Value >> 40) }
func (m ModuleRef) ID() uint16          { return uint16(m.Value >> 48) }

// LibraryRef is a library reference packed into a DT_SCE_EXPORT_LIB or
// DT_SCE_IMPORT_LIB dynamic entry's value: name_offset:u32, version:u16,
// id:u16.
type LibraryRef struct {
	Name  string
	Value uint64
}

func (l LibraryRef) NameOffset() uint32 { return uint32(l.Value) }
func (l LibraryRef) Version() uint16    { return uint16(l.Value >> 32) }
func (l LibraryRef) ID() uint16         { return uint16(l.Value >> 48) }

// Data is the result of parsing an OELF buffer. The table slices (Progs,
// Dynamic, SymTab, StrTab, Rela, JmpRel) are views into Buffer; the name
// and reference lists are separately allocated copies.
type Data struct {
	Buffer []byte

	Header  elf.Header64
	Progs   []elf.Prog64
	Dynamic []elf.Dyn64

	SymTab []elf.Sym64
	StrTab []byte
	Rela   []byte
	JmpRel []byte

	NeededFiles   []string
	ExportModules []ModuleRef
	ImportModules []ModuleRef
	ExportLibs    []LibraryRef
	ImportLibs    []LibraryRef

	MappedSize uint64

	InitProcOffset  uint64
	HasInitProc     bool
	ProcParamOffset uint64
	HasProcParam    bool
}

// GetString reads a NUL-terminated string from Data's string table at the
// given offset.
func (d *Data) GetString(off uint32) (string, error) {
	if uint64(off) >= uint64(len(d.StrTab)) {
		return "", loaderr.Simple(loaderr.KindInvalidSelfOrOElf)
	}
	end := off
	for end < uint32(len(d.StrTab)) && d.StrTab[end] != 0 {
		end++
	}
	if end >= uint32(len(d.StrTab)) {
		return "", loaderr.Simple(loaderr.KindInvalidSelfOrOElf)
	}
	return string(d.StrTab[off:end]), nil
}

func castHeader(buf []byte) elf.Header64 {
	return *(*elf.Header64)(unsafe.Pointer(&buf[0]))
}

func castProgs(buf []byte, off uint64, n uint16) []elf.Prog64 {
	return unsafe.Slice((*elf.Prog64)(unsafe.Pointer(&buf[off])), n)
}

func castDyn(buf []byte, off uint64, n int) []elf.Dyn64 {
	return unsafe.Slice((*elf.Dyn64)(unsafe.Pointer(&buf[off])), n)
}

func castSyms(buf []byte, off uint64, n int) []elf.Sym64 {
	return unsafe.Slice((*elf.Sym64)(unsafe.Pointer(&buf[off])), n)
}

const dynEntrySize = 16
const symEntrySize = 24

var elfMagic = [4]byte{0x7F, 'E', 'L', 'F'}

// Parse parses buf as an OELF image. buf is retained by the returned
// Data - its table slices view into buf directly.
func Parse(buf []byte) (*Data, error) {
	const headerSize = 64
	if len(buf) < headerSize || buf[0] != elfMagic[0] || buf[1] != elfMagic[1] || buf[2] != elfMagic[2] || buf[3] != elfMagic[3] {
		return nil, loaderr.Simple(loaderr.KindInvalidSelfOrOElf)
	}

	hdr := castHeader(buf)
	if uint64(hdr.Phoff)+uint64(hdr.Phnum)*uint64(hdr.Phentsize) > uint64(len(buf)) {
		return nil, loaderr.Simple(loaderr.KindInvalidSelfOrOElf)
	}
	progs := castProgs(buf, hdr.Phoff, hdr.Phnum)

	d := &Data{Buffer: buf, Header: hdr, Progs: progs}

	var loadBegin uint64 = ^uint64(0)
	haveLoad := false
	var loadEnd uint64

	var dynProg *elf.Prog64
	var dynlibProg *elf.Prog64

	for i := range progs {
		p := &progs[i]
		pt := elf.ProgType(p.Type)

		if pt == elf.PT_LOAD || pt == PtSceRelro {
			if !haveLoad || p.Vaddr < loadBegin {
				loadBegin = p.Vaddr
			}
			haveLoad = true
			end := align.Down(p.Vaddr+p.Memsz, p.Align)
			if end > loadEnd {
				loadEnd = end
			}
		}

		switch pt {
		case elf.PT_DYNAMIC:
			if dynProg != nil {
				return nil, loaderr.MoreThanOne(loaderr.ResourceDynamic)
			}
			dynProg = p
		case PtSceDynlibData:
			if dynlibProg != nil {
				return nil, loaderr.MoreThanOne(loaderr.ResourceDynlib)
			}
			dynlibProg = p
		case PtSceProcParam:
			d.ProcParamOffset = p.Vaddr
			d.HasProcParam = p.Vaddr != 0
		}
	}

	if dynProg == nil {
		return nil, loaderr.CouldntFind(loaderr.ResourceDynamic)
	}
	if dynlibProg == nil {
		return nil, loaderr.CouldntFind(loaderr.ResourceDynlib)
	}
	if !haveLoad {
		loadBegin = 0
	}
	d.MappedSize = loadEnd - loadBegin

	dynCount := int(dynProg.Filesz / dynEntrySize)
	d.Dynamic = castDyn(buf, dynProg.Off, dynCount)

	dynlibBase := dynlibProg.Off

	var symTabOff, symTabSz, strTabOff, strTabSz uint64
	var relaOff, relaSz, jmpRelOff, pltRelSz uint64
	var haveSymTab, haveSymTabSz, haveStrTab, haveStrSz bool
	var haveRela, haveRelaSz, haveJmpRel, havePltRelSz bool

	needCount, moduleInfoCount, neededModuleCount, exportLibCount, importLibCount := 0, 0, 0, 0, 0

	for _, dyn := range d.Dynamic {
		tag := elf.DynTag(dyn.Tag)
		switch tag {
		case DtSceSymTab:
			if haveSymTab {
				return nil, loaderr.MoreThanOne(loaderr.ResourceSymTab)
			}
			symTabOff, haveSymTab = dyn.Val, true
		case DtSceSymTabSz:
			if haveSymTabSz {
				return nil, loaderr.MoreThanOne(loaderr.ResourceSymTabSz)
			}
			symTabSz, haveSymTabSz = dyn.Val, true
		case DtSceStrTab:
			if haveStrTab {
				return nil, loaderr.MoreThanOne(loaderr.ResourceStrTab)
			}
			strTabOff, haveStrTab = dyn.Val, true
		case DtSceStrSz:
			if haveStrSz {
				return nil, loaderr.MoreThanOne(loaderr.ResourceStrSz)
			}
			strTabSz, haveStrSz = dyn.Val, true
		case DtSceRela:
			if haveRela {
				return nil, loaderr.MoreThanOne(loaderr.ResourceRela)
			}
			relaOff, haveRela = dyn.Val, true
		case DtSceRelaSz:
			if haveRelaSz {
				return nil, loaderr.MoreThanOne(loaderr.ResourceRelaSz)
			}
			relaSz, haveRelaSz = dyn.Val, true
		case DtSceJmpRel:
			if haveJmpRel {
				return nil, loaderr.MoreThanOne(loaderr.ResourceJmpRel)
			}
			jmpRelOff, haveJmpRel = dyn.Val, true
		case DtScePltRelSz:
			if havePltRelSz {
				return nil, loaderr.MoreThanOne(loaderr.ResourcePltRelaSz)
			}
			pltRelSz, havePltRelSz = dyn.Val, true
		case elf.DT_NEEDED:
			needCount++
		case DtSceModuleInfo:
			moduleInfoCount++
		case DtSceNeededModule:
			neededModuleCount++
		case DtSceExportLib:
			exportLibCount++
		case DtSceImportLib:
			importLibCount++
		case DtSceProcParam:
			if !d.HasProcParam {
				d.ProcParamOffset = dyn.Val
				d.HasProcParam = dyn.Val != 0
			}
		case elf.DT_INIT:
			d.InitProcOffset = dyn.Val
			d.HasInitProc = dyn.Val != 0
		}
	}

	if !haveSymTab {
		return nil, loaderr.CouldntFind(loaderr.ResourceSymTab)
	}
	if !haveSymTabSz {
		return nil, loaderr.CouldntFind(loaderr.ResourceSymTabSz)
	}
	if !haveStrTab {
		return nil, loaderr.CouldntFind(loaderr.ResourceStrTab)
	}
	if !haveStrSz {
		return nil, loaderr.CouldntFind(loaderr.ResourceStrSz)
	}
	if !haveRela {
		return nil, loaderr.CouldntFind(loaderr.ResourceRela)
	}
	if !haveRelaSz {
		return nil, loaderr.CouldntFind(loaderr.ResourceRelaSz)
	}
	if !haveJmpRel {
		return nil, loaderr.CouldntFind(loaderr.ResourceJmpRel)
	}
	if !havePltRelSz {
		return nil, loaderr.CouldntFind(loaderr.ResourcePltRelaSz)
	}

	d.StrTab = buf[dynlibBase+strTabOff : dynlibBase+strTabOff+strTabSz]
	d.SymTab = castSyms(buf, dynlibBase+symTabOff, int(symTabSz/symEntrySize))
	d.Rela = buf[dynlibBase+relaOff : dynlibBase+relaOff+relaSz]
	d.JmpRel = buf[dynlibBase+jmpRelOff : dynlibBase+jmpRelOff+pltRelSz]

	d.NeededFiles = make([]string, 0, needCount)
	d.ExportModules = make([]ModuleRef, 0, moduleInfoCount)
	d.ImportModules = make([]ModuleRef, 0, neededModuleCount)
	d.ExportLibs = make([]LibraryRef, 0, exportLibCount)
	d.ImportLibs = make([]LibraryRef, 0, importLibCount)

	for _, dyn := range d.Dynamic {
		switch elf.DynTag(dyn.Tag) {
		case elf.DT_NEEDED:
			s, err := d.GetString(uint32(dyn.Val))
			if err != nil {
				return nil, err
			}
			d.NeededFiles = append(d.NeededFiles, s)
		case DtSceModuleInfo:
			s, err := d.GetString(uint32(dyn.Val))
			if err != nil {
				return nil, err
			}
			d.ExportModules = append(d.ExportModules, ModuleRef{Name: s, Value: dyn.Val})
		case DtSceNeededModule:
			s, err := d.GetString(uint32(dyn.Val))
			if err != nil {
				return nil, err
			}
			d.ImportModules = append(d.ImportModules, ModuleRef{Name: s, Value: dyn.Val})
		case DtSceExportLib:
			s, err := d.GetString(uint32(dyn.Val))
			if err != nil {
				return nil, err
			}
			d.ExportLibs = append(d.ExportLibs, LibraryRef{Name: s, Value: dyn.Val})
		case DtSceImportLib:
			s, err := d.GetString(uint32(dyn.Val))
			if err != nil {
				return nil, err
			}
			d.ImportLibs = append(d.ImportLibs, LibraryRef{Name: s, Value: dyn.Val})
		}
	}

	if d.MappedSize == 0 {
		return nil, loaderr.Simple(loaderr.KindNothingToLoad)
	}
	if len(d.ExportModules) == 0 {
		return nil, loaderr.Simple(loaderr.KindNoModuleInfo)
	}

	return d, nil
}

// IsLibrary reports whether the parsed OELF is a Sony dynamic object
// (shared library) rather than an executable.
func (d *Data) IsLibrary() bool {
	return elf.Type(d.Header.Type) == EtSceDynamic
}
