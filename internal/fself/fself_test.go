package fself_test

import (
	"bytes"
	"encoding/binary"
	"testing"

	"github.com/Dudejoe870/OrbisEmu/internal/fself"
	"github.com/stretchr/testify/require"
)

type rawElf64Phdr struct {
	Type   uint32
	Flags  uint32
	Off    uint64
	Vaddr  uint64
	Paddr  uint64
	Filesz uint64
	Memsz  uint64
	Align  uint64
}

// buildFakeSelf assembles a minimal fake SELF stream: three entries, two
// of them blocked and pointing at program headers 0 and 1 of an embedded
// two-segment ELF.
func buildFakeSelf(t *testing.T) []byte {
	t.Helper()

	buf := make([]byte, 0x500)

	w := bytes.NewBuffer(nil)
	require.NoError(t, binary.Write(w, binary.LittleEndian, fself.CommonHeader{
		Magic:   fself.Magic,
		Version: 1,
		Mode:    1,
		Endian:  0,
		Attribs: 0,
	}))
	require.NoError(t, binary.Write(w, binary.LittleEndian, fself.ExtendedHeader{
		KeyType:    0,
		HeaderSize: 32,
		MetaSize:   0,
		FileSize:   0x1000,
		NumEntries: 3,
		Flags:      0,
	}))
	require.NoError(t, binary.Write(w, binary.LittleEndian, fself.Entry{Props: 0}))
	require.NoError(t, binary.Write(w, binary.LittleEndian, fself.Entry{
		Props: (0 << 20) | 0x800, Offset: 0x200, Filesz: 0x40,
	}))
	require.NoError(t, binary.Write(w, binary.LittleEndian, fself.Entry{
		Props: (1 << 20) | 0x800, Offset: 0x300, Filesz: 0x80,
	}))
	copy(buf, w.Bytes())

	const elfOffset = 0x88
	require.Equal(t, elfOffset, w.Len())

	copy(buf[elfOffset:elfOffset+4], []byte{0x7F, 'E', 'L', 'F'})
	binary.LittleEndian.PutUint64(buf[elfOffset+0x20:], 0x40) // e_phoff
	binary.LittleEndian.PutUint16(buf[elfOffset+0x36:], 56)   // e_phentsize
	binary.LittleEndian.PutUint16(buf[elfOffset+0x38:], 2)    // e_phnum

	ph := bytes.NewBuffer(nil)
	require.NoError(t, binary.Write(ph, binary.LittleEndian, rawElf64Phdr{Off: 0x400, Filesz: 0x10}))
	require.NoError(t, binary.Write(ph, binary.LittleEndian, rawElf64Phdr{Off: 0x800, Filesz: 0x10}))
	copy(buf[elfOffset+0x40:], ph.Bytes())

	for i := 0; i < 0x40; i++ {
		buf[0x200+i] = 0xAA
	}
	for i := 0; i < 0x80; i++ {
		buf[0x300+i] = 0xBB
	}

	return buf
}

func TestReconstruct(t *testing.T) {
	stream := bytes.NewReader(buildFakeSelf(t))

	elfData, err := fself.Reconstruct(stream, 0x1000)
	require.NoError(t, err)
	require.Len(t, elfData, 0x1000)

	require.Equal(t, []byte{0x7F, 'E', 'L', 'F'}, elfData[:4])

	for i := 0; i < 0x40; i++ {
		require.Equalf(t, byte(0xAA), elfData[0x400+i], "byte %d", i)
	}
	for i := 0; i < 0x80; i++ {
		require.Equalf(t, byte(0xBB), elfData[0x800+i], "byte %d", i)
	}
}

func TestReconstructRejectsBadMagic(t *testing.T) {
	bad := make([]byte, 64)
	_, err := fself.Reconstruct(bytes.NewReader(bad), 0x1000)
	require.Error(t, err)
}

func TestIsSelf(t *testing.T) {
	buf := buildFakeSelf(t)
	r := bytes.NewReader(buf)

	ok, err := fself.IsSelf(r)
	require.NoError(t, err)
	require.True(t, ok)

	pos, err := r.Seek(0, 1)
	require.NoError(t, err)
	require.Zero(t, pos)

	ok, err = fself.IsSelf(bytes.NewReader([]byte{0, 0, 0, 0}))
	require.NoError(t, err)
	require.False(t, ok)
}
