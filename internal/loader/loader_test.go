package loader_test

import (
	"bytes"
	"debug/elf"
	"encoding/binary"
	"io"
	"testing"

	"github.com/Dudejoe870/OrbisEmu/internal/hle"
	"github.com/Dudejoe870/OrbisEmu/internal/loader"
	"github.com/Dudejoe870/OrbisEmu/internal/nid"
	"github.com/Dudejoe870/OrbisEmu/internal/oelf"
	"github.com/Dudejoe870/OrbisEmu/internal/pagemap"
	"github.com/Dudejoe870/OrbisEmu/internal/rtlog"
	"github.com/stretchr/testify/require"
)

type rawSymSpec struct {
	name  string
	value uint64
	bind  elf.SymBind
}

// buildModuleOelf assembles a minimal, always loadable OELF (one code, one
// relro, one data segment) exporting moduleName with id 1, depending on
// needed, and carrying syms in its dynamic symbol table.
func buildModuleOelf(t *testing.T, moduleName string, needed []string, syms []rawSymSpec) []byte {
	t.Helper()

	strTab := bytes.NewBuffer(nil)
	strTab.WriteByte(0)
	intern := func(s string) uint32 {
		off := uint32(strTab.Len())
		strTab.WriteString(s)
		strTab.WriteByte(0)
		return off
	}

	moduleNameOff := intern(moduleName)
	neededOffs := make([]uint32, len(needed))
	for i, n := range needed {
		neededOffs[i] = intern(n)
	}
	symOffs := make([]uint32, len(syms))
	for i, s := range syms {
		symOffs[i] = intern(s.name)
	}

	symBuf := bytes.NewBuffer(nil)
	for i, s := range syms {
		info := uint8(elf.STT_FUNC) | uint8(s.bind)<<4
		require.NoError(t, binary.Write(symBuf, binary.LittleEndian, elf.Sym64{
			Name: symOffs[i], Info: info, Other: 0, Shndx: 1, Value: s.value, Size: 0,
		}))
	}

	const headerSize = 64
	const codeSize = 16
	const dataSize = 8
	dynCount := 9 + len(needed)
	phCount := uint16(5)
	phTableSize := uint64(phCount) * 56

	codeOff := uint64(headerSize) + phTableSize
	dataOff := codeOff + codeSize
	dynlibBase := dataOff + dataSize
	strTabLen := uint64(strTab.Len())
	symsOff := strTabLen
	symTabLen := uint64(symBuf.Len())
	dynlibLen := strTabLen + symTabLen
	dynOff := dynlibBase + dynlibLen

	buf := bytes.NewBuffer(nil)

	var ident [16]byte
	ident[0], ident[1], ident[2], ident[3] = 0x7F, 'E', 'L', 'F'
	ident[4], ident[5], ident[6] = 2, 1, 1
	hdr := elf.Header64{
		Ident: ident, Type: uint16(oelf.EtSceDynamic), Machine: uint16(elf.EM_X86_64), Version: 1,
		Phoff: headerSize, Ehsize: headerSize, Phentsize: 56, Phnum: phCount,
	}
	require.NoError(t, binary.Write(buf, binary.LittleEndian, hdr))

	progs := []elf.Prog64{
		{Type: uint32(elf.PT_LOAD), Flags: uint32(elf.PF_X | elf.PF_R), Off: codeOff, Vaddr: 0x0, Filesz: codeSize, Memsz: 0x1000, Align: 0x1000},
		{Type: uint32(oelf.PtSceRelro), Flags: uint32(elf.PF_R), Off: dataOff, Vaddr: 0x1000, Filesz: 0, Memsz: 0x1000, Align: 0x1000},
		{Type: uint32(elf.PT_LOAD), Flags: uint32(elf.PF_R), Off: dataOff, Vaddr: 0x2000, Filesz: dataSize, Memsz: 0x1000, Align: 0x1000},
		{Type: uint32(elf.PT_DYNAMIC), Flags: uint32(elf.PF_R), Off: dynOff, Filesz: uint64(dynCount) * 16, Memsz: uint64(dynCount) * 16, Align: 8},
		{Type: uint32(oelf.PtSceDynlibData), Flags: uint32(elf.PF_R), Off: dynlibBase, Filesz: dynlibLen, Memsz: dynlibLen, Align: 8},
	}
	for _, p := range progs {
		require.NoError(t, binary.Write(buf, binary.LittleEndian, p))
	}

	buf.Write(bytes.Repeat([]byte{0xCC}, codeSize))
	buf.Write([]byte("DATA0000"))
	buf.Write(strTab.Bytes())
	buf.Write(symBuf.Bytes())

	moduleValue := (uint64(1) << 48) | uint64(moduleNameOff)
	dynEntries := []elf.Dyn64{
		{Tag: int64(oelf.DtSceSymTab), Val: symsOff},
		{Tag: int64(oelf.DtSceSymTabSz), Val: uint64(symBuf.Len())},
		{Tag: int64(oelf.DtSceStrTab), Val: 0},
		{Tag: int64(oelf.DtSceStrSz), Val: strTabLen},
		{Tag: int64(oelf.DtSceRela), Val: 0},
		{Tag: int64(oelf.DtSceRelaSz), Val: 0},
		{Tag: int64(oelf.DtSceJmpRel), Val: 0},
		{Tag: int64(oelf.DtScePltRelSz), Val: 0},
		{Tag: int64(oelf.DtSceModuleInfo), Val: moduleValue},
	}
	for _, off := range neededOffs {
		dynEntries = append(dynEntries, elf.Dyn64{Tag: int64(elf.DT_NEEDED), Val: uint64(off)})
	}
	require.Len(t, dynEntries, dynCount)
	for _, e := range dynEntries {
		require.NoError(t, binary.Write(buf, binary.LittleEndian, e))
	}

	return buf.Bytes()
}

type memFile struct {
	*bytes.Reader
}

func (memFile) Close() error { return nil }

type fakeOpener struct {
	files map[string][]byte
}

func (f fakeOpener) Open(path string) (io.ReadSeekCloser, error) {
	b, ok := f.files[path]
	if !ok {
		return nil, &missingFileError{path}
	}
	return memFile{bytes.NewReader(b)}, nil
}

type missingFileError struct{ path string }

func (e *missingFileError) Error() string { return "no such file: " + e.path }

func newTestRegistry(files map[string][]byte) *loader.Registry {
	return loader.NewRegistry(fakeOpener{files: files}, pagemap.New(), nid.StaticTable{}, rtlog.Nop(), "", "")
}

func TestLoadFileIdempotent(t *testing.T) {
	files := map[string][]byte{"eboot.bin": buildModuleOelf(t, "eboot", nil, nil)}
	reg := newTestRegistry(files)

	m1, err := reg.LoadFile("eboot.bin")
	require.NoError(t, err)
	m2, err := reg.LoadFile("eboot.bin")
	require.NoError(t, err)
	require.Same(t, m1, m2)
	require.Len(t, reg.Modules(), 1)
}

func TestLoadAllDependenciesTerminates(t *testing.T) {
	files := map[string][]byte{
		"eboot.bin": buildModuleOelf(t, "eboot", []string{"libA.sprx", "libB.sprx"}, nil),
		"libA.sprx": buildModuleOelf(t, "libA", []string{"libB.sprx"}, nil),
		"libB.sprx": buildModuleOelf(t, "libB", []string{"libA.sprx"}, nil),
	}
	reg := newTestRegistry(files)

	root, err := reg.LoadFile("eboot.bin")
	require.NoError(t, err)

	err = reg.LoadAllDependencies(root)
	require.NoError(t, err)
	require.Len(t, reg.Modules(), 3)
}

func TestPublishPrefersLLEOverLowPriorityHLE(t *testing.T) {
	files := map[string][]byte{
		"eboot.bin": buildModuleOelf(t, "eboot", nil, []rawSymSpec{
			{name: "abcdefghijk#B#B", value: 0x100, bind: elf.STB_GLOBAL},
		}),
	}
	nidTable := nid.StaticTable{"abcdefghijk": "sceKernelIsNeoMode"}
	reg := loader.NewRegistry(fakeOpener{files: files}, pagemap.New(), nidTable, rtlog.Nop(), "", "")

	mod, err := reg.LoadFile("eboot.bin")
	require.NoError(t, err)
	require.True(t, mod.RawSymbols[0].HasAddr)
	expectedAddr := mod.RawSymbols[0].Address

	// module id 1 packed into eboot's own DT_SCE_MODULE_INFO is its
	// export id, not an import id - this module declares no import
	// table, so decodeValue("B")&0xFFFF (== 1) finds no match and the
	// nid fallback (parts[1]/parts[2] unchanged) resolves "B"/"B". The
	// HLE table below is declared under that same literal fallback name
	// to keep the test self-contained.
	hleReg := hle.NewRegistry()
	hleReg.Declare(&hle.Module{
		Name: "B", DefaultMode: hle.ModeLLE,
		Libraries: map[string]*hle.Library{
			"B": {Name: "B", DefaultMode: hle.ModeLLE, Functions: []string{"sceKernelIsNeoMode"}, LowPriority: []string{"sceKernelIsNeoMode"}},
		},
	})
	resolver := fakeResolver{addr: 0xDEAD}

	tbl, err := reg.Publish(hleReg, resolver)
	require.NoError(t, err)

	addr, ok := tbl.GetSymbolAddress("sceKernelIsNeoMode#B#B")
	require.True(t, ok)
	require.Equal(t, expectedAddr, addr)
	require.NotEqual(t, resolver.addr, addr)
}

func TestPublishHighPriorityHLEOverwritesLLE(t *testing.T) {
	files := map[string][]byte{
		"eboot.bin": buildModuleOelf(t, "eboot", nil, []rawSymSpec{
			{name: "abcdefghijk#B#B", value: 0x100, bind: elf.STB_GLOBAL},
		}),
	}
	nidTable := nid.StaticTable{"abcdefghijk": "sceKernelIsNeoMode"}
	reg := loader.NewRegistry(fakeOpener{files: files}, pagemap.New(), nidTable, rtlog.Nop(), "", "")

	mod, err := reg.LoadFile("eboot.bin")
	require.NoError(t, err)
	require.True(t, mod.RawSymbols[0].HasAddr)
	lleAddr := mod.RawSymbols[0].Address

	hleReg := hle.NewRegistry()
	hleReg.Declare(&hle.Module{
		Name: "B", DefaultMode: hle.ModeLLE,
		Libraries: map[string]*hle.Library{
			"B": {Name: "B", DefaultMode: hle.ModeLLE, Functions: []string{"sceKernelIsNeoMode"}, HighPriority: []string{"sceKernelIsNeoMode"}},
		},
	})
	resolver := fakeResolver{addr: 0xDEAD}

	tbl, err := reg.Publish(hleReg, resolver)
	require.NoError(t, err)

	addr, ok := tbl.GetSymbolAddress("sceKernelIsNeoMode#B#B")
	require.True(t, ok)
	require.Equal(t, resolver.addr, addr)
	require.NotEqual(t, lleAddr, addr)
}

type fakeResolver struct{ addr uintptr }

func (f fakeResolver) ResolveFunction(moduleName, libraryName, functionName string) (uintptr, bool) {
	return f.addr, true
}
