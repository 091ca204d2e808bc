package wire

import (
	"bytes"
	"encoding/binary"
)

// Protocol versions supported by this implementation.
const (
	VersionMin = 1
	VersionMax = 1
)

// Feature is one tagged bit of the capability feature set.
type Feature uint32

const (
	FeatureCompression      Feature = 1 << 0 // peer accepts compressed payloads
	FeatureSelectiveReject  Feature = 1 << 1 // SREJ supported on connected links
	FeatureExtendedSequence Feature = 1 << 2 // modulo 128 sequence space
	FeatureSACK             Feature = 1 << 3 // datagram-level selective acks
)

const knownFeatureMask = uint32(FeatureCompression | FeatureSelectiveReject |
	FeatureExtendedSequence | FeatureSACK)

// FeatureSet is a bitset of known features plus an opaque remainder of
// bits this implementation does not recognize. Unknown bits round-trip
// on the wire without being interpreted.
type FeatureSet struct {
	bits uint32
}

// NewFeatureSet builds a set from known features.
func NewFeatureSet(features ...Feature) FeatureSet {
	var s FeatureSet
	for _, f := range features {
		s.bits |= uint32(f)
	}
	return s
}

// FeatureSetFromBits wraps raw wire bits, unknown bits included.
func FeatureSetFromBits(bits uint32) FeatureSet {
	return FeatureSet{bits: bits}
}

// Has reports whether a known feature is present.
func (s FeatureSet) Has(f Feature) bool {
	return s.bits&uint32(f) != 0
}

// Bits returns the full wire representation.
func (s FeatureSet) Bits() uint32 {
	return s.bits
}

// Unknown returns the bits outside the known set.
func (s FeatureSet) Unknown() uint32 {
	return s.bits &^ knownFeatureMask
}

// Intersect returns the features present in both sets, unknown bits
// included.
func (s FeatureSet) Intersect(o FeatureSet) FeatureSet {
	return FeatureSet{bits: s.bits & o.bits}
}

// Capability sub-block record types. The sub-block is a nested TLV
// stream with the same truncation-safe, unknown-skipping rules as the
// envelope.
const (
	capMinVersion      = 0x01
	capMaxVersion      = 0x02
	capFeatures        = 0x03
	capCompression     = 0x04
	capMaxDecompressed = 0x05
	capMaxChunk        = 0x06
)

// Capability describes what one station supports.
type Capability struct {
	MinVersion uint8
	MaxVersion uint8
	Features   FeatureSet

	// Compression lists supported algorithm identifiers in preference
	// order.
	Compression []uint8

	MaxDecompressed uint32
	MaxChunk        uint16

	// Unknown sub-records, preserved for forward compatibility.
	Unknown []RawRecord
}

// DefaultCapability is what this station advertises.
func DefaultCapability() Capability {
	return Capability{
		MinVersion:      VersionMin,
		MaxVersion:      VersionMax,
		Features:        NewFeatureSet(FeatureCompression, FeatureSelectiveReject, FeatureSACK),
		Compression:     []uint8{CompressionZlib},
		MaxDecompressed: DefaultMaxDecompressed,
		MaxChunk:        512,
	}
}

// Compatible reports whether the version range is non-inverted. It is a
// derived view only: Negotiate stores the raw arithmetic result even
// when the ranges do not overlap.
func (c Capability) Compatible() bool {
	return c.MinVersion <= c.MaxVersion
}

// SupportsCompression reports whether alg appears in the list.
func (c Capability) SupportsCompression(alg uint8) bool {
	for _, a := range c.Compression {
		if a == alg {
			return true
		}
	}
	return false
}

// Negotiate combines a local and a remote capability record:
// minimum-version = max of the minimums, maximum-version = min of the
// maximums (possibly inverted when the ranges do not overlap; the
// inverted result is preserved), feature set = bitwise intersection,
// compression = local preference order filtered by remote support,
// length limits = minimum of both.
func Negotiate(local, remote Capability) Capability {
	out := Capability{
		MinVersion: maxU8(local.MinVersion, remote.MinVersion),
		MaxVersion: minU8(local.MaxVersion, remote.MaxVersion),
		Features:   local.Features.Intersect(remote.Features),
	}

	for _, alg := range local.Compression {
		if remote.SupportsCompression(alg) {
			out.Compression = append(out.Compression, alg)
		}
	}

	out.MaxDecompressed = minU32(local.MaxDecompressed, remote.MaxDecompressed)
	out.MaxChunk = minU16(local.MaxChunk, remote.MaxChunk)
	return out
}

func (c *Capability) encode() []byte {
	var buf bytes.Buffer
	putRecord(&buf, capMinVersion, []byte{c.MinVersion})
	putRecord(&buf, capMaxVersion, []byte{c.MaxVersion})
	putRecord(&buf, capFeatures, be32(c.Features.Bits()))
	putRecord(&buf, capCompression, c.Compression)
	putRecord(&buf, capMaxDecompressed, be32(c.MaxDecompressed))

	var chunk [2]byte
	binary.BigEndian.PutUint16(chunk[:], c.MaxChunk)
	putRecord(&buf, capMaxChunk, chunk[:])

	for _, r := range c.Unknown {
		putRecord(&buf, r.Type, r.Value)
	}
	return buf.Bytes()
}

// decodeCapability parses the nested TLV stream. It never fails:
// unknown records are preserved, truncated tails are dropped, and
// missing fields stay zero.
func decodeCapability(value []byte) Capability {
	var c Capability
	off := 0

	for off+3 <= len(value) {
		typ := value[off]
		length := int(binary.BigEndian.Uint16(value[off+1 : off+3]))
		if off+3+length > len(value) {
			break
		}
		v := value[off+3 : off+3+length]

		switch typ {
		case capMinVersion:
			if length == 1 {
				c.MinVersion = v[0]
			}
		case capMaxVersion:
			if length == 1 {
				c.MaxVersion = v[0]
			}
		case capFeatures:
			if length == 4 {
				c.Features = FeatureSetFromBits(binary.BigEndian.Uint32(v))
			}
		case capCompression:
			c.Compression = append([]uint8(nil), v...)
		case capMaxDecompressed:
			if length == 4 {
				c.MaxDecompressed = binary.BigEndian.Uint32(v)
			}
		case capMaxChunk:
			if length == 2 {
				c.MaxChunk = binary.BigEndian.Uint16(v)
			}
		default:
			c.Unknown = append(c.Unknown, RawRecord{
				Type:  typ,
				Value: append([]byte(nil), v...),
			})
		}
		off += 3 + length
	}
	return c
}

func minU8(a, b uint8) uint8 {
	if a < b {
		return a
	}
	return b
}

func maxU8(a, b uint8) uint8 {
	if a > b {
		return a
	}
	return b
}

func minU16(a, b uint16) uint16 {
	if a < b {
		return a
	}
	return b
}

func minU32(a, b uint32) uint32 {
	if a < b {
		return a
	}
	return b
}
