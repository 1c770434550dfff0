package align_test

import (
	"testing"

	"github.com/Dudejoe870/OrbisEmu/internal/align"
)

func TestDown(t *testing.T) {
	cases := []struct{ x, a, want uint64 }{
		{0x1234, 0x1000, 0x1000},
		{0x1000, 0x1000, 0x1000},
		{0xFFF, 0x1000, 0x0},
		{0x3000, 0x1000, 0x3000},
	}
	for _, c := range cases {
		if got := align.Down(c.x, c.a); got != c.want {
			t.Errorf("Down(%#x, %#x) = %#x, want %#x", c.x, c.a, got, c.want)
		}
	}
}

func TestUp(t *testing.T) {
	cases := []struct{ x, a, want uint64 }{
		{0x1234, 0x1000, 0x2000},
		{0x1000, 0x1000, 0x1000},
		{0xFFF, 0x1000, 0x1000},
		{0x0, 0x1000, 0x0},
	}
	for _, c := range cases {
		if got := align.Up(c.x, c.a); got != c.want {
			t.Errorf("Up(%#x, %#x) = %#x, want %#x", c.x, c.a, got, c.want)
		}
	}
}
