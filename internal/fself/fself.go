// Package fself reconstructs the embedded OELF image from a fake SELF
// container. Only fake SELFs (already decrypted, signature blocks intact
// but unchecked) are supported; real, encrypted SELFs are out of scope.
package fself

import (
	"bytes"
	"encoding/binary"
	"io"

	"github.com/Dudejoe870/OrbisEmu/internal/align"
	"github.com/Dudejoe870/OrbisEmu/internal/iohelp"
	"github.com/Dudejoe870/OrbisEmu/internal/loaderr"
)

// Magic is the 4-byte SELF file signature.
var Magic = [4]byte{0x4F, 0x15, 0x3D, 0x1D}

// selfModeFake marks a CommonHeader as already-decrypted. Real SELFs use a
// different mode value; this pack carries no sample of one, so the
// constant below is this implementation's working assumption rather than
// something verified against hardware.
const selfModeFake = 1

// CommonHeader is the 8-byte SELF file header.
type CommonHeader struct {
	Magic   [4]byte
	Version uint8
	Mode    uint8
	Endian  uint8
	Attribs uint8
}

// ExtendedHeader immediately follows CommonHeader and occupies 32 bytes
// total; its named fields only account for 20, so the trailing padding is
// widened to 12 bytes to make the two numbers agree.
type ExtendedHeader struct {
	KeyType    uint32
	HeaderSize uint16
	MetaSize   uint16
	FileSize   uint64
	NumEntries uint16
	Flags      uint16
	_          [12]byte
}

// Entry describes one blocked or metadata region following ExtendedHeader.
type Entry struct {
	Props  uint64
	Offset uint64
	Filesz uint64
	Memsz  uint64
}

const entryBlockedBit = 0x800

// programHeaderIndex extracts the program-header index a blocked entry
// targets.
func (e Entry) programHeaderIndex() uint64 {
	return (e.Props >> 20) & 0xFFF
}

func (e Entry) isBlocked() bool {
	return e.Props&entryBlockedBit != 0
}

// IsSelf reports whether the 4 bytes read from r's current position match
// the SELF magic, then seeks r back to the start of the stream (offset 0).
func IsSelf(r io.ReadSeeker) (bool, error) {
	var buf [4]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		if _, serr := r.Seek(0, io.SeekStart); serr != nil {
			return false, serr
		}
		return false, nil
	}
	if _, err := r.Seek(0, io.SeekStart); err != nil {
		return false, err
	}
	return buf == Magic, nil
}

// elf64Phdr mirrors debug/elf's Prog64 layout, read manually here since we
// need it before a debug/elf.File can exist (the OELF buffer is still
// being assembled).
type elf64Phdr struct {
	Type   uint32
	Flags  uint32
	Off    uint64
	Vaddr  uint64
	Paddr  uint64
	Filesz uint64
	Memsz  uint64
	Align  uint64
}

const elfHeaderSize = 64
const elf64PhdrSize = 56
const elfPhoffOffset = 0x20
const elfPhentsizeOffset = 0x36
const elfPhnumOffset = 0x38

var elfMagic = [4]byte{0x7F, 'E', 'L', 'F'}

// Reconstruct rebuilds the embedded OELF byte buffer from a fake SELF
// stream, patching in the blocked entries' backing segment data.
func Reconstruct(r io.ReadSeeker, oelfAlignment uint64) ([]byte, error) {
	var common CommonHeader
	if err := binary.Read(r, binary.LittleEndian, &common); err != nil {
		return nil, loaderr.Wrap(loaderr.KindInvalidFakeSelf, err)
	}
	if common.Magic != Magic {
		return nil, loaderr.Simple(loaderr.KindInvalidFakeSelf)
	}
	if common.Mode != selfModeFake {
		return nil, loaderr.Simple(loaderr.KindInvalidFakeSelf)
	}

	var ext ExtendedHeader
	if err := binary.Read(r, binary.LittleEndian, &ext); err != nil {
		return nil, loaderr.Wrap(loaderr.KindInvalidFakeSelf, err)
	}

	entries := make([]Entry, ext.NumEntries)
	for i := range entries {
		if err := binary.Read(r, binary.LittleEndian, &entries[i]); err != nil {
			return nil, loaderr.Wrap(loaderr.KindInvalidFakeSelf, err)
		}
	}

	elfOffset, err := r.Seek(0, io.SeekCurrent)
	if err != nil {
		return nil, err
	}

	selfSize := int64(ext.FileSize)

	stream := iohelp.NewOffsetStream(r, elfOffset)
	if _, err := stream.SeekTo(0); err != nil {
		return nil, err
	}

	var magic [4]byte
	if _, err := io.ReadFull(stream, magic[:]); err != nil {
		return nil, loaderr.Wrap(loaderr.KindInvalidFakeSelf, err)
	}
	if magic != elfMagic {
		return nil, loaderr.Simple(loaderr.KindInvalidFakeSelf)
	}

	if _, err := stream.SeekTo(elfPhoffOffset); err != nil {
		return nil, err
	}
	var phoff uint64
	if err := binary.Read(stream, binary.LittleEndian, &phoff); err != nil {
		return nil, err
	}

	if _, err := stream.SeekTo(elfPhentsizeOffset); err != nil {
		return nil, err
	}
	var phentsize, phnum uint16
	if err := binary.Read(stream, binary.LittleEndian, &phentsize); err != nil {
		return nil, err
	}
	if err := binary.Read(stream, binary.LittleEndian, &phnum); err != nil {
		return nil, err
	}

	var elfSize uint64
	var minOffset uint64 = ^uint64(0)
	haveMinOffset := false
	for i := uint16(0); i < phnum; i++ {
		if _, err := stream.SeekTo(int64(phoff) + int64(i)*int64(phentsize)); err != nil {
			return nil, err
		}
		var ph elf64Phdr
		if err := binary.Read(stream, binary.LittleEndian, &ph); err != nil {
			return nil, err
		}
		if end := ph.Off + ph.Filesz; end > elfSize {
			elfSize = end
		}
		if ph.Off > 0 && (!haveMinOffset || ph.Off < minOffset) {
			minOffset = ph.Off
			haveMinOffset = true
		}
	}
	if !haveMinOffset {
		minOffset = 0
	}

	clamp := uint64(0)
	if selfSize > elfOffset {
		clamp = uint64(selfSize - elfOffset)
	}
	if minOffset > clamp {
		minOffset = clamp
	}

	elfData := make([]byte, align.Up(elfSize, oelfAlignment))

	if _, err := stream.SeekTo(0); err != nil {
		return nil, err
	}
	if _, err := io.ReadFull(stream, elfData[:minOffset]); err != nil {
		return nil, err
	}

	for _, e := range entries {
		if !e.isBlocked() {
			continue
		}
		idx := e.programHeaderIndex()
		phOff := phoff + idx*uint64(phentsize)
		if phOff+elf64PhdrSize > uint64(len(elfData)) {
			return nil, loaderr.Simple(loaderr.KindInvalidFakeSelf)
		}
		var ph elf64Phdr
		if err := binary.Read(bytes.NewReader(elfData[phOff:]), binary.LittleEndian, &ph); err != nil {
			return nil, err
		}

		if ph.Off+e.Filesz > uint64(len(elfData)) {
			return nil, loaderr.Simple(loaderr.KindInvalidFakeSelf)
		}
		if _, err := r.Seek(int64(e.Offset), io.SeekStart); err != nil {
			return nil, err
		}
		dst := elfData[ph.Off : ph.Off+e.Filesz]
		if _, err := io.ReadFull(r, dst); err != nil {
			return nil, err
		}
	}

	return elfData, nil
}
