// Package symbols is the loader's global symbol table: a process-wide
// name to host-address map arbitrated between HLE and LLE bindings.
package symbols

// HLEStub is the sentinel address registered in place of an LLE symbol
// that an HLE binding takes priority over. It is never a valid callable
// address; callers must special-case it before invoking through it.
const HLEStub = ^uintptr(0)

// Table is the published name to address map. It has a single "register"
// operation; overwrite-vs-preserve semantics are entirely up to the order
// in which the caller registers names.
type Table struct {
	addrs map[string]uintptr
}

// NewTable returns an empty symbol table.
func NewTable() *Table {
	return &Table{addrs: make(map[string]uintptr)}
}

// Register inserts or overwrites name's address.
func (t *Table) Register(name string, addr uintptr) {
	t.addrs[name] = addr
}

// GetSymbolAddress looks name up, returning ok=false on miss.
func (t *Table) GetSymbolAddress(name string) (uintptr, bool) {
	addr, ok := t.addrs[name]
	return addr, ok
}

// GetSymbolAmount reports how many names are currently published.
func (t *Table) GetSymbolAmount() int {
	return len(t.addrs)
}
