package loader

import (
	"debug/elf"
	"fmt"

	"github.com/Dudejoe870/OrbisEmu/internal/hle"
	"github.com/Dudejoe870/OrbisEmu/internal/nid"
	"github.com/Dudejoe870/OrbisEmu/internal/symbols"
)

func synthName(function, module, library string) string {
	return fmt.Sprintf("%s#%s#%s", function, module, library)
}

// Publish runs three ordered passes over every loaded module and every
// declared HLE library - low-priority HLE, then LLE, then high-priority
// HLE - returning the finished symbol table. It lives on Registry (rather
// than in package symbols) because it needs loader.Module, hle.Registry
// and nid all at once, and symbols must stay a leaf package loader already
// depends on.
func (r *Registry) Publish(hleReg *hle.Registry, resolver hle.FunctionResolver) (*symbols.Table, error) {
	tbl := symbols.NewTable()

	// Pass 1: low-priority HLE, overwritable.
	for _, lib := range hleReg.Libraries() {
		low, _ := lib.SplitPriority()
		for _, fn := range low {
			addr, ok := resolver.ResolveFunction(lib.ModuleName, lib.Name, fn)
			if !ok {
				continue
			}
			tbl.Register(synthName(fn, lib.ModuleName, lib.Name), addr)
		}
	}

	// Pass 2: LLE, weak bindings before global.
	for _, mod := range r.modules {
		if err := publishModuleLLE(tbl, mod, r.nidTable, hleReg); err != nil {
			return nil, err
		}
	}

	// Pass 3: high-priority HLE, overwrites any LLE entry.
	for _, lib := range hleReg.Libraries() {
		_, high := lib.SplitPriority()
		for _, fn := range high {
			addr, ok := resolver.ResolveFunction(lib.ModuleName, lib.Name, fn)
			if !ok {
				continue
			}
			tbl.Register(synthName(fn, lib.ModuleName, lib.Name), addr)
		}
	}

	return tbl, nil
}

func bindingRank(binding uint8) int {
	if elf.SymBind(binding) == elf.STB_WEAK {
		return 0
	}
	return 1
}

func publishModuleLLE(tbl *symbols.Table, mod *Module, nidTable nid.Table, hleReg *hle.Registry) error {
	ordered := make([]RawSymbol, len(mod.RawSymbols))
	copy(ordered, mod.RawSymbols)

	// Stable sort by binding rank keeps weak symbols registering first so
	// a later global of the same name overwrites it, without disturbing
	// the symbol table's original order.
	for i := 1; i < len(ordered); i++ {
		for j := i; j > 0 && bindingRank(ordered[j].Binding) < bindingRank(ordered[j-1].Binding); j-- {
			ordered[j], ordered[j-1] = ordered[j-1], ordered[j]
		}
	}

	for _, sym := range ordered {
		if !sym.HasAddr {
			continue
		}

		if !sym.IsEncoded {
			tbl.Register(sym.Name, sym.Address)
			continue
		}

		full, symName, modName, libName, err := nid.ReconstructFullNid(nidTable, mod, sym.Name)
		if err != nil {
			return err
		}
		if !hleReg.ShouldLoadLLESymbol(symName, modName, libName) {
			tbl.Register(full, symbols.HLEStub)
			continue
		}
		tbl.Register(full, sym.Address)
	}
	return nil
}
