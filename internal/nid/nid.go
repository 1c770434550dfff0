// Package nid decodes Sony's short NID symbol names into full symbol
// identifiers, and looks canonical names up from a static offline table.
package nid

import (
	"strings"

	"github.com/Dudejoe870/OrbisEmu/internal/loaderr"
)

const alphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789+-"

var charIndex [256]int8

func init() {
	for i := range charIndex {
		charIndex[i] = -1
	}
	for i := 0; i < len(alphabet); i++ {
		charIndex[alphabet[i]] = int8(i)
	}
}

// IsEncoded reports whether name has the shape of an encoded NID symbol:
// exactly 15 characters, with '#' at positions 11 and 13, giving
// "AAAAAAAAAAA#B#C".
func IsEncoded(name string) bool {
	return len(name) == 15 && name[11] == '#' && name[13] == '#'
}

// DecodeValue maps a base-64-like string (alphabet A-Za-z0-9+-) of at most
// 11 characters to a 64-bit accumulator, shifting left 6 bits and OR-ing in
// each character's index in turn. Strings longer than 11 characters are
// rejected.
//
// The shift-4-on-the-last-character rule in the prose description of this
// routine contradicts its own worked examples (decodeValue("BC") == 0x42,
// decodeValue("B") == 1), so every character - including the last - gets
// the same shift-6 treatment here.
func DecodeValue(s string) (uint64, error) {
	if len(s) > 11 {
		return 0, loaderr.Simple(loaderr.KindInvalidEncodedValue)
	}
	var acc uint64
	for i := 0; i < len(s); i++ {
		idx := charIndex[s[i]]
		if idx < 0 {
			return 0, loaderr.Simple(loaderr.KindInvalidEncodedValue)
		}
		acc = (acc << 6) | uint64(idx)
	}
	return acc, nil
}

// ModuleNames resolves an import module/library id declared by a module's
// own dynamic table back to a name, for the id lookup in
// ReconstructFullNid (which keeps the raw encoded part when no name is
// found).
type ModuleNames interface {
	ImportModuleNameByID(id uint16) (string, bool)
	ImportLibraryNameByID(id uint16) (string, bool)
}

// Table looks canonical symbol names up from an 11-character encoded hash,
// returning the input unchanged on miss.
type Table interface {
	Lookup(hash string) string
}

// ReconstructFullNid splits an encoded name into its hash/module/library
// parts, resolves each against nidTable/module, and returns the joined
// "symbol#module#library" name.
func ReconstructFullNid(nidTable Table, module ModuleNames, encoded string) (full, symbolName, moduleName, libraryName string, err error) {
	parts := strings.Split(encoded, "#")
	if len(parts) != 3 {
		return "", "", "", "", loaderr.Simple(loaderr.KindInvalidNid)
	}

	symbolName = nidTable.Lookup(parts[0])

	moduleName = parts[1]
	if v, decErr := DecodeValue(parts[1]); decErr == nil {
		if name, ok := module.ImportModuleNameByID(uint16(v & 0xFFFF)); ok {
			moduleName = name
		}
	}

	libraryName = parts[2]
	if v, decErr := DecodeValue(parts[2]); decErr == nil {
		if name, ok := module.ImportLibraryNameByID(uint16(v & 0xFFFF)); ok {
			libraryName = name
		}
	}

	full = symbolName + "#" + moduleName + "#" + libraryName
	return full, symbolName, moduleName, libraryName, nil
}
