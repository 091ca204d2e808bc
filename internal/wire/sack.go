package wire

import "encoding/binary"

// SACKWindow is the number of chunk indices one bitmap covers.
const SACKWindow = 64

// SACKBitmap is a selective-acknowledgment window: a base chunk index
// plus a fixed-size bitmap over [Base, Base+SACKWindow). Marking or
// querying an index outside the window is a no-op.
type SACKBitmap struct {
	Base uint32
	Bits uint64
}

// Mark records index i as received.
func (s *SACKBitmap) Mark(i uint32) {
	if i < s.Base || i >= s.Base+SACKWindow {
		return
	}
	s.Bits |= 1 << (i - s.Base)
}

// Has reports whether index i is marked. Indices outside the window
// report false.
func (s *SACKBitmap) Has(i uint32) bool {
	if i < s.Base || i >= s.Base+SACKWindow {
		return false
	}
	return s.Bits&(1<<(i-s.Base)) != 0
}

// HighestContiguous returns the highest index such that every index from
// Base through it is marked. ok is false when Base itself is missing.
func (s *SACKBitmap) HighestContiguous() (idx uint32, ok bool) {
	if s.Bits&1 == 0 {
		return 0, false
	}
	i := uint32(0)
	for i < SACKWindow && s.Bits&(1<<i) != 0 {
		i++
	}
	return s.Base + i - 1, true
}

// Missing lists the unmarked indices in [Base, limit), confined to the
// window.
func (s *SACKBitmap) Missing(limit uint32) []uint32 {
	if limit > s.Base+SACKWindow {
		limit = s.Base + SACKWindow
	}
	var out []uint32
	for i := s.Base; i < limit; i++ {
		if !s.Has(i) {
			out = append(out, i)
		}
	}
	return out
}

// Advance slides the window forward so that newBase becomes the first
// covered index, discarding bits that fall behind it.
func (s *SACKBitmap) Advance(newBase uint32) {
	if newBase <= s.Base {
		return
	}
	shift := newBase - s.Base
	if shift >= SACKWindow {
		s.Bits = 0
	} else {
		s.Bits >>= shift
	}
	s.Base = newBase
}

func (s *SACKBitmap) encode() []byte {
	out := make([]byte, 12)
	binary.BigEndian.PutUint32(out[0:4], s.Base)
	binary.BigEndian.PutUint64(out[4:12], s.Bits)
	return out
}

func decodeSACK(value []byte) (*SACKBitmap, bool) {
	if len(value) != 12 {
		return nil, false
	}
	return &SACKBitmap{
		Base: binary.BigEndian.Uint32(value[0:4]),
		Bits: binary.BigEndian.Uint64(value[4:12]),
	}, true
}
