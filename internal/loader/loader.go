// Package loader orchestrates the SELF reconstructor and OELF parser into
// mapped, runnable modules, walks their dependency closure, and publishes
// their symbols into the global table.
package loader

import (
	"debug/elf"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/Dudejoe870/OrbisEmu/internal/align"
	"github.com/Dudejoe870/OrbisEmu/internal/fself"
	"github.com/Dudejoe870/OrbisEmu/internal/loaderr"
	"github.com/Dudejoe870/OrbisEmu/internal/nid"
	"github.com/Dudejoe870/OrbisEmu/internal/oelf"
	"github.com/Dudejoe870/OrbisEmu/internal/pagemap"
	"github.com/Dudejoe870/OrbisEmu/internal/rtlog"
)

// oelfScratchAlignment is the alignment given to the SELF reconstructor's
// scratch OELF buffer. The true alignment requirement is only known once
// the OELF's own program headers have been parsed, which happens after
// reconstruction; a page-sized alignment is generous enough for every
// known PT_LOAD/PT_SCE_RELRO p_align value and keeps the two steps
// decoupled.
const oelfScratchAlignment = 0x1000

// RawSymbol is one entry from a module's dynamic symbol table.
type RawSymbol struct {
	Name      string
	IsEncoded bool
	Type      uint8
	Binding   uint8
	Address   uintptr
	HasAddr   bool
}

// Module is a fully loaded, mapped OELF module.
type Module struct {
	ID           uint16
	Name         string
	ExportName   string
	Dependencies []string
	IsLib        bool
	FileSize     int

	Region *pagemap.Region

	CodeSection  []byte
	DataSection  []byte
	RelroSection []byte

	InitProc     uintptr
	HasInitProc  bool
	EntryPoint   uintptr
	HasEntry     bool
	ProcParam    uintptr
	HasProcParam bool

	RawSymbols   []RawSymbol
	LocalSymbols map[string]RawSymbol

	importModuleNames  map[uint16]string
	importLibraryNames map[uint16]string
}

// ImportModuleNameByID implements nid.ModuleNames.
func (m *Module) ImportModuleNameByID(id uint16) (string, bool) {
	n, ok := m.importModuleNames[id]
	return n, ok
}

// ImportLibraryNameByID implements nid.ModuleNames.
func (m *Module) ImportLibraryNameByID(id uint16) (string, bool) {
	n, ok := m.importLibraryNames[id]
	return n, ok
}

// StreamOpener opens a named path as a seekable byte source. It is the
// loader's only file-system dependency, letting callers substitute a
// virtual filesystem in tests.
type StreamOpener interface {
	Open(path string) (io.ReadSeekCloser, error)
}

// OSOpener opens real files from the host filesystem.
type OSOpener struct{}

func (OSOpener) Open(path string) (io.ReadSeekCloser, error) {
	return os.Open(path)
}

// Registry is the process-lifetime module registry: an ordered list of
// loaded modules plus a name index for idempotent re-loads.
type Registry struct {
	opener    StreamOpener
	allocator pagemap.Allocator
	nidTable  nid.Table
	log       rtlog.Logger

	ebootDir string
	exeDir   string

	modules   []*Module
	nameIndex map[string]int
}

// NewRegistry constructs an empty module registry. ebootDir and exeDir
// seed the three fixed dependency-search directories SearchForModuleFile
// tries.
func NewRegistry(opener StreamOpener, allocator pagemap.Allocator, nidTable nid.Table, logger rtlog.Logger, ebootDir, exeDir string) *Registry {
	if logger == nil {
		logger = rtlog.Nop()
	}
	return &Registry{
		opener:    opener,
		allocator: allocator,
		nidTable:  nidTable,
		log:       logger,
		ebootDir:  ebootDir,
		exeDir:    exeDir,
		nameIndex: make(map[string]int),
	}
}

// Modules returns the loaded modules in load order. The root module is
// always index 0.
func (r *Registry) Modules() []*Module { return r.modules }

func stem(path string) string {
	base := filepath.Base(path)
	return strings.TrimSuffix(base, filepath.Ext(base))
}

var selfMagic = [4]byte{0x4F, 0x15, 0x3D, 0x1D}
var elfMagicLoader = [4]byte{0x7F, 'E', 'L', 'F'}

// LoadFile loads path into the registry, returning the existing module if
// its stem was already loaded.
func (r *Registry) LoadFile(path string) (*Module, error) {
	name := stem(path)
	if idx, ok := r.nameIndex[name]; ok {
		return r.modules[idx], nil
	}

	f, err := r.opener.Open(path)
	if err != nil {
		return nil, loaderr.Wrap(loaderr.KindInvalidSelfOrOElf, err)
	}
	defer f.Close()

	var magic [4]byte
	if _, err := io.ReadFull(f, magic[:]); err != nil {
		return nil, loaderr.Wrap(loaderr.KindInvalidSelfOrOElf, err)
	}
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return nil, err
	}

	var oelfBuf []byte
	switch magic {
	case selfMagic:
		oelfBuf, err = fself.Reconstruct(f, oelfScratchAlignment)
		if err != nil {
			return nil, err
		}
	case elfMagicLoader:
		oelfBuf, err = io.ReadAll(f)
		if err != nil {
			return nil, err
		}
	default:
		return nil, loaderr.Simple(loaderr.KindInvalidSelfOrOElf)
	}

	data, err := oelf.Parse(oelfBuf)
	if err != nil {
		return nil, err
	}

	mod := &Module{Name: name, FileSize: len(oelfBuf)}
	idx := len(r.modules)
	r.modules = append(r.modules, mod)
	r.nameIndex[name] = idx

	if err := r.populate(mod, data); err != nil {
		return nil, err
	}

	r.log.Infof("loaded module %q (id=%d, lib=%v, size=%d)", mod.Name, mod.ID, mod.IsLib, mod.FileSize)
	return mod, nil
}

func (r *Registry) populate(mod *Module, data *oelf.Data) error {
	mod.IsLib = data.IsLibrary()
	mod.ExportName = data.ExportModules[0].Name
	mod.ID = data.ExportModules[0].ID()

	mod.Dependencies = data.NeededFiles

	region, err := r.allocator.Alloc(int(data.MappedSize), pagemap.Read|pagemap.Write|pagemap.Execute)
	if err != nil {
		return err
	}
	mod.Region = region

	base := region.Addr()
	if data.HasInitProc {
		mod.InitProc = base + uintptr(data.InitProcOffset)
		mod.HasInitProc = true
	}
	if data.Header.Entry != 0 {
		mod.EntryPoint = base + uintptr(data.Header.Entry)
		mod.HasEntry = true
	}
	if data.HasProcParam {
		mod.ProcParam = base + uintptr(data.ProcParamOffset)
		mod.HasProcParam = true
	}

	if err := mapSegments(mod, data); err != nil {
		return err
	}

	mod.RawSymbols = make([]RawSymbol, 0, len(data.SymTab))
	mod.LocalSymbols = make(map[string]RawSymbol)
	for _, sym := range data.SymTab {
		symName, err := data.GetString(sym.Name)
		if err != nil {
			return err
		}
		raw := RawSymbol{
			Name:      symName,
			IsEncoded: nid.IsEncoded(symName),
			Type:      sym.Info & 0xF,
			Binding:   sym.Info >> 4,
		}
		if sym.Value != 0 {
			raw.Address = base + uintptr(sym.Value)
			raw.HasAddr = true
		}
		mod.RawSymbols = append(mod.RawSymbols, raw)
		if elf.SymBind(raw.Binding) == elf.STB_LOCAL {
			mod.LocalSymbols[symName] = raw
		}
	}

	mod.importModuleNames = make(map[uint16]string, len(data.ImportModules))
	for _, ref := range data.ImportModules {
		if ref.ID() == 0 {
			return loaderr.Simple(loaderr.KindImportModuleIdNotDefined)
		}
		mod.importModuleNames[ref.ID()] = ref.Name
	}
	mod.importLibraryNames = make(map[uint16]string, len(data.ImportLibs))
	for _, ref := range data.ImportLibs {
		mod.importLibraryNames[ref.ID()] = ref.Name
	}

	return nil
}

func mapSegments(mod *Module, data *oelf.Data) error {
	var haveCode, haveData, haveRelro bool

	for i := range data.Progs {
		p := &data.Progs[i]
		pt := elf.ProgType(p.Type)
		if pt != elf.PT_LOAD && pt != oelf.PtSceRelro {
			continue
		}

		destStart := align.Down(p.Vaddr, p.Align)
		dest := mod.Region.Bytes()[destStart : destStart+p.Memsz]
		src := data.Buffer[p.Off : p.Off+p.Filesz]
		copy(dest, src)

		switch {
		case pt == oelf.PtSceRelro:
			if haveRelro {
				return loaderr.Simple(loaderr.KindMoreThanOneRelroSection)
			}
			mod.RelroSection = dest
			haveRelro = true
		case elf.ProgFlag(p.Flags)&elf.PF_X != 0:
			if haveCode {
				return loaderr.Simple(loaderr.KindMoreThanOneCodeSection)
			}
			mod.CodeSection = dest
			haveCode = true
		case elf.ProgFlag(p.Flags)&elf.PF_R != 0:
			if haveData {
				return loaderr.Simple(loaderr.KindMoreThanOneDataSection)
			}
			mod.DataSection = dest
			haveData = true
		}
	}

	if !haveCode || !haveData || !haveRelro {
		return loaderr.Simple(loaderr.KindNotAllSectionsPresent)
	}
	return nil
}

// LoadAllDependencies walks root's dependency closure to completion,
// visiting each name at most once even if the graph contains cycles.
func (r *Registry) LoadAllDependencies(root *Module) error {
	visited := make(map[string]bool)
	stack := append([]string{}, root.Dependencies...)

	for len(stack) > 0 {
		name := stack[len(stack)-1]
		stack = stack[:len(stack)-1]

		depStem := stem(name)
		if visited[depStem] {
			continue
		}
		visited[depStem] = true

		path := r.SearchForModuleFile(name)
		mod, err := r.LoadFile(path)
		if err != nil {
			return err
		}
		stack = append(stack, mod.Dependencies...)
	}
	return nil
}

// SearchForModuleFile tries, in order, the eboot's sce_module directory
// and the title's system/common/lib and system/priv/lib directories,
// matching by extension-insensitive stem. It only locates a module the
// root module depends on; discovering the root executable's own path is
// the caller's job.
func (r *Registry) SearchForModuleFile(name string) string {
	wanted := stem(name)
	dirs := []string{
		filepath.Join(r.ebootDir, "sce_module"),
		filepath.Join(r.exeDir, "system", "common", "lib"),
		filepath.Join(r.exeDir, "system", "priv", "lib"),
	}
	for _, dir := range dirs {
		entries, err := os.ReadDir(dir)
		if err != nil {
			continue
		}
		for _, e := range entries {
			if stem(e.Name()) == wanted {
				return filepath.Join(dir, e.Name())
			}
		}
	}
	return name
}

// LinkModules applies RELA/JMPREL fix-ups against the published symbol
// table. Relocation application is out of scope for this core; this is a
// documented no-op seam so the pass is visible and callable at the right
// point in the load sequence.
func (r *Registry) LinkModules() error {
	return nil
}
