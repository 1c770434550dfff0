// Package orbisloader wires the SELF reconstructor, OELF parser, dependency
// walker, HLE policy and symbol publisher behind one Runtime value, in
// place of the process-global singletons a direct port would reach for.
package orbisloader

import (
	"fmt"

	"github.com/Dudejoe870/OrbisEmu/internal/hle"
	"github.com/Dudejoe870/OrbisEmu/internal/loader"
	"github.com/Dudejoe870/OrbisEmu/internal/nid"
	"github.com/Dudejoe870/OrbisEmu/internal/pagemap"
	"github.com/Dudejoe870/OrbisEmu/internal/rtlog"
	"github.com/Dudejoe870/OrbisEmu/internal/symbols"
)

// Config is the caller-constructed set of inputs a Runtime needs. Argument
// parsing itself stays external (cmd/orbisloader builds one from flag).
type Config struct {
	EbootDir string
	ExeDir   string

	HLERegistry *hle.Registry
	NIDTable    nid.Table
	Resolver    hle.FunctionResolver

	Logger rtlog.Logger
}

// Runtime bundles the page allocator, module registry, HLE policy and
// published symbol table that a running loader needs, replacing the
// process-global singletons a direct C port would reach for with one
// explicit, non-global value. Runtime is not safe for concurrent use; a
// caller needing concurrent access must serialize its own calls.
type Runtime struct {
	cfg       Config
	allocator pagemap.Allocator
	registry  *loader.Registry
	hleReg    *hle.Registry
	resolver  hle.FunctionResolver
	log       rtlog.Logger

	root    *loader.Module
	symbols *symbols.Table
}

// New constructs a Runtime from cfg. A nil cfg.HLERegistry is treated as an
// empty declaration set (every symbol resolves LLE-first); a nil
// cfg.NIDTable is treated as an empty table, so the 11-character hash of an
// encoded NID is kept as its symbol name (module and library ids are still
// resolved through each module's import tables).
func New(cfg Config) *Runtime {
	log := cfg.Logger
	if log == nil {
		log = rtlog.Nop()
	}
	hleReg := cfg.HLERegistry
	if hleReg == nil {
		hleReg = hle.NewRegistry()
	}
	nidTable := cfg.NIDTable
	if nidTable == nil {
		nidTable = nid.StaticTable{}
	}
	resolver := cfg.Resolver
	if resolver == nil {
		resolver = noopResolver{}
	}

	allocator := pagemap.New()
	return &Runtime{
		cfg:       cfg,
		allocator: allocator,
		registry:  loader.NewRegistry(loader.OSOpener{}, allocator, nidTable, log, cfg.EbootDir, cfg.ExeDir),
		hleReg:    hleReg,
		resolver:  resolver,
		log:       log,
	}
}

// LoadEntryModule loads path as the root module and then its full
// transitive dependency closure. The root module is returned so a caller
// can read its entry point / proc param once loading completes.
func (rt *Runtime) LoadEntryModule(path string) (*loader.Module, error) {
	root, err := rt.registry.LoadFile(path)
	if err != nil {
		return nil, fmt.Errorf("load entry module %q: %w", path, err)
	}
	if err := rt.registry.LoadAllDependencies(root); err != nil {
		return nil, fmt.Errorf("load dependencies of %q: %w", path, err)
	}
	rt.root = root
	return root, nil
}

// Publish runs the three-pass HLE/LLE symbol publication over every module
// loaded so far, then runs the (currently no-op) relocation-application
// seam against the result.
func (rt *Runtime) Publish() error {
	tbl, err := rt.registry.Publish(rt.hleReg, rt.resolver)
	if err != nil {
		return fmt.Errorf("publish symbols: %w", err)
	}
	rt.symbols = tbl
	if err := rt.registry.LinkModules(); err != nil {
		return fmt.Errorf("link modules: %w", err)
	}
	rt.log.Infof("published %d symbols across %d modules", tbl.GetSymbolAmount(), len(rt.registry.Modules()))
	return nil
}

// Symbols returns the published symbol table. It is nil until Publish has
// run.
func (rt *Runtime) Symbols() *symbols.Table { return rt.symbols }

// Modules returns every module loaded so far, root first.
func (rt *Runtime) Modules() []*loader.Module { return rt.registry.Modules() }

// Close frees every loaded module's mapped page region. Runtime is unusable
// afterward.
func (rt *Runtime) Close() error {
	var firstErr error
	for _, mod := range rt.registry.Modules() {
		if mod.Region == nil {
			continue
		}
		if err := rt.allocator.Free(mod.Region); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

type noopResolver struct{}

func (noopResolver) ResolveFunction(moduleName, libraryName, functionName string) (uintptr, bool) {
	return 0, false
}
