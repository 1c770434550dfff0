// Package hle implements the host-level-emulation policy: which symbols a
// loaded module's own (LLE) implementation is allowed to provide versus
// which are overridden by a host re-implementation.
package hle

// Mode selects a module's or library's default resolution behavior.
type Mode int

const (
	ModeLLE Mode = iota
	ModeHLE
)

// Library declares one HLE library's implemented functions and how they
// interact with a guest's own (LLE) symbols of the same name.
//
// LowPriority/HighPriority are ordered subsets of the library's complete
// implemented set; Functions supplies that complete set, and SplitPriority
// derives whichever side wasn't explicitly declared.
type Library struct {
	Name        string
	ModuleName  string
	DefaultMode Mode

	Functions    []string
	LowPriority  []string
	HighPriority []string
	LLESymbols   []string
}

func (l *Library) isLLESymbol(name string) bool {
	for _, s := range l.LLESymbols {
		if s == name {
			return true
		}
	}
	return false
}

// SplitPriority partitions Functions into (low, high) sets: names
// explicitly listed in one priority list go to that side; every other
// public function of the library goes to whichever side wasn't declared.
func (l *Library) SplitPriority() (low, high []string) {
	inHigh := make(map[string]bool, len(l.HighPriority))
	for _, f := range l.HighPriority {
		inHigh[f] = true
	}
	inLow := make(map[string]bool, len(l.LowPriority))
	for _, f := range l.LowPriority {
		inLow[f] = true
	}

	switch {
	case len(l.HighPriority) > 0:
		high = append(high, l.HighPriority...)
		for _, f := range l.Functions {
			if !inHigh[f] {
				low = append(low, f)
			}
		}
	case len(l.LowPriority) > 0:
		low = append(low, l.LowPriority...)
		for _, f := range l.Functions {
			if !inLow[f] {
				high = append(high, f)
			}
		}
	default:
		low = append(low, l.Functions...)
	}
	return low, high
}

// Module groups the HLE libraries declared for one module name.
type Module struct {
	Name        string
	DefaultMode Mode
	Libraries   map[string]*Library
}

// Registry is the process-wide HLE module declaration set consulted by the
// symbol publisher and by ShouldLoadLLESymbol.
type Registry struct {
	modules map[string]*Module
}

// NewRegistry returns an empty Registry ready for module declarations.
func NewRegistry() *Registry {
	return &Registry{modules: make(map[string]*Module)}
}

// Declare registers a module's HLE declaration, overwriting any prior
// declaration under the same name.
func (r *Registry) Declare(m *Module) {
	for _, l := range m.Libraries {
		if l.ModuleName == "" {
			l.ModuleName = m.Name
		}
	}
	r.modules[m.Name] = m
}

// Module looks a declared module up by name.
func (r *Registry) Module(name string) (*Module, bool) {
	m, ok := r.modules[name]
	return m, ok
}

// ShouldLoadLLESymbol decides whether a guest module's own implementation
// of symbolName (from libraryName in moduleName) may be used, falling back
// through library, then module, declarations and defaulting to true for
// anything undeclared.
func (r *Registry) ShouldLoadLLESymbol(symbolName, moduleName, libraryName string) bool {
	mod, ok := r.modules[moduleName]
	if !ok {
		return true
	}
	lib, ok := mod.Libraries[libraryName]
	if !ok {
		return mod.DefaultMode == ModeLLE
	}
	if lib.DefaultMode == ModeLLE {
		return true
	}
	return lib.isLLESymbol(symbolName)
}

// FunctionResolver supplies the host address for an HLE-implemented
// function. The bodies themselves are an external collaborator; the core
// only sequences when each one gets published.
type FunctionResolver interface {
	ResolveFunction(moduleName, libraryName, functionName string) (uintptr, bool)
}

// Libraries returns every declared library across all modules. The order
// follows map iteration and is not defined. Publish consults this; it does
// not filter by module.
func (r *Registry) Libraries() []*Library {
	var out []*Library
	for _, m := range r.modules {
		for _, l := range m.Libraries {
			out = append(out, l)
		}
	}
	return out
}

// LibrariesOf returns moduleName's declared libraries, for diagnostics and
// logging - not consulted by ShouldLoadLLESymbol or Publish.
func (r *Registry) LibrariesOf(moduleName string) []*Library {
	m, ok := r.modules[moduleName]
	if !ok {
		return nil
	}
	var out []*Library
	for _, l := range m.Libraries {
		out = append(out, l)
	}
	return out
}

// Functions returns the complete function set a declared library
// implements, for diagnostics and logging.
func (r *Registry) Functions(moduleName, libraryName string) []string {
	m, ok := r.modules[moduleName]
	if !ok {
		return nil
	}
	lib, ok := m.Libraries[libraryName]
	if !ok {
		return nil
	}
	return lib.Functions
}
