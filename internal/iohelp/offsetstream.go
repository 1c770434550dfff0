// Package iohelp provides small io.ReadSeeker adapters used while parsing
// nested container formats.
package iohelp

import (
	"fmt"
	"io"
)

// OffsetStream wraps a seekable byte source with a fixed origin, so that
// position 0 as seen by a caller corresponds to Origin in the underlying
// stream. This is how the SELF reconstructor parses the embedded OELF
// header and program headers without ever computing absolute offsets by
// hand.
type OffsetStream struct {
	Base   io.ReadSeeker
	Origin int64
}

// NewOffsetStream returns a stream rooted at origin within base.
func NewOffsetStream(base io.ReadSeeker, origin int64) *OffsetStream {
	return &OffsetStream{Base: base, Origin: origin}
}

func (s *OffsetStream) Read(p []byte) (int, error) {
	return s.Base.Read(p)
}

// Seek implements io.Seeker. SeekStart offsets are shifted by Origin before
// being applied to the underlying stream; SeekCurrent is a pure passthrough;
// SeekEnd reports the underlying stream's end position shifted back by
// Origin.
func (s *OffsetStream) Seek(offset int64, whence int) (int64, error) {
	switch whence {
	case io.SeekStart:
		pos, err := s.Base.Seek(offset+s.Origin, io.SeekStart)
		if err != nil {
			return 0, err
		}
		return pos - s.Origin, nil
	case io.SeekCurrent:
		pos, err := s.Base.Seek(offset, io.SeekCurrent)
		if err != nil {
			return 0, err
		}
		return pos - s.Origin, nil
	case io.SeekEnd:
		pos, err := s.Base.Seek(offset, io.SeekEnd)
		if err != nil {
			return 0, err
		}
		return pos - s.Origin, nil
	default:
		return 0, fmt.Errorf("iohelp: invalid whence %d", whence)
	}
}

// SeekTo moves to an absolute position relative to Origin.
func (s *OffsetStream) SeekTo(pos int64) (int64, error) {
	return s.Seek(pos, io.SeekStart)
}

// SeekBy moves by a relative delta; a pure passthrough to the underlying
// stream.
func (s *OffsetStream) SeekBy(delta int64) (int64, error) {
	return s.Seek(delta, io.SeekCurrent)
}

// GetPos returns the current position relative to Origin.
func (s *OffsetStream) GetPos() (int64, error) {
	return s.Seek(0, io.SeekCurrent)
}

// GetEndPos returns the underlying stream's end position relative to
// Origin, restoring the stream's prior position afterwards.
func (s *OffsetStream) GetEndPos() (int64, error) {
	cur, err := s.GetPos()
	if err != nil {
		return 0, err
	}
	end, err := s.Seek(0, io.SeekEnd)
	if err != nil {
		return 0, err
	}
	if _, err := s.SeekTo(cur); err != nil {
		return 0, err
	}
	return end, nil
}
