package iohelp_test

import (
	"bytes"
	"io"
	"testing"

	"github.com/Dudejoe870/OrbisEmu/internal/iohelp"
)

func TestOffsetStreamSeekAndRead(t *testing.T) {
	base := bytes.NewReader([]byte("0123456789ABCDEF"))
	s := iohelp.NewOffsetStream(base, 4)

	if _, err := s.SeekTo(0); err != nil {
		t.Fatalf("SeekTo: %v", err)
	}
	buf := make([]byte, 4)
	if _, err := io.ReadFull(s, buf); err != nil {
		t.Fatalf("ReadFull: %v", err)
	}
	if string(buf) != "4567" {
		t.Fatalf("got %q, want %q", buf, "4567")
	}

	pos, err := s.GetPos()
	if err != nil {
		t.Fatalf("GetPos: %v", err)
	}
	if pos != 4 {
		t.Fatalf("GetPos = %d, want 4", pos)
	}

	end, err := s.GetEndPos()
	if err != nil {
		t.Fatalf("GetEndPos: %v", err)
	}
	if end != int64(len("0123456789ABCDEF"))-4 {
		t.Fatalf("GetEndPos = %d, want %d", end, len("0123456789ABCDEF")-4)
	}

	// GetEndPos must not disturb position.
	pos2, _ := s.GetPos()
	if pos2 != pos {
		t.Fatalf("GetEndPos moved position: %d -> %d", pos, pos2)
	}
}
