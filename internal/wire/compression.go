package wire

import (
	"bytes"
	"compress/zlib"
	"encoding/binary"
	"io"

	"github.com/pkg/errors"
)

// Compression algorithm identifiers.
const (
	CompressionNone uint8 = 0
	CompressionZlib uint8 = 1
)

const (
	// DefaultMaxDecompressed bounds decompression when no limit was
	// ever negotiated.
	DefaultMaxDecompressed = 4096

	// AbsoluteMaxDecompressed is the hard cap honored regardless of
	// what the peer negotiated.
	AbsoluteMaxDecompressed = 8192
)

// Decompression guard failures.
var (
	ErrDecompressTooLarge = errors.New("wire: declared original length exceeds limit")
	ErrDecompressMismatch = errors.New("wire: decompressed length differs from declared length")
	ErrUnknownAlgorithm   = errors.New("wire: unknown compression algorithm")
)

// CompressionRecord carries an algorithm identifier, the original
// pre-compression length, and the compressed bytes. A message carrying
// one must not also carry a plain payload field.
type CompressionRecord struct {
	Algorithm      uint8
	OriginalLength uint32
	Data           []byte
}

func (r *CompressionRecord) encode() []byte {
	out := make([]byte, 5+len(r.Data))
	out[0] = r.Algorithm
	binary.BigEndian.PutUint32(out[1:5], r.OriginalLength)
	copy(out[5:], r.Data)
	return out
}

func decodeCompression(value []byte) (*CompressionRecord, bool) {
	if len(value) < 5 {
		return nil, false
	}
	return &CompressionRecord{
		Algorithm:      value[0],
		OriginalLength: binary.BigEndian.Uint32(value[1:5]),
		Data:           append([]byte(nil), value[5:]...),
	}, true
}

// decompress expands the record under the guard rules: the declared
// original length must not exceed min(negotiated, absolute cap) — with
// the default applied when no limit was negotiated — and the actual
// output must match the declared length exactly.
func (r *CompressionRecord) decompress(negotiated uint32) ([]byte, error) {
	limit := uint32(DefaultMaxDecompressed)
	if negotiated != 0 {
		limit = negotiated
	}
	if limit > AbsoluteMaxDecompressed {
		limit = AbsoluteMaxDecompressed
	}
	if r.OriginalLength > limit {
		return nil, errors.Wrapf(ErrDecompressTooLarge, "declared=%d limit=%d", r.OriginalLength, limit)
	}

	switch r.Algorithm {
	case CompressionZlib:
		zr, err := zlib.NewReader(bytes.NewReader(r.Data))
		if err != nil {
			return nil, errors.Wrap(err, "wire: bad zlib stream")
		}
		defer zr.Close()

		// Read one byte past the declared length to detect oversize
		// output without ever buffering more than that.
		out, err := io.ReadAll(io.LimitReader(zr, int64(r.OriginalLength)+1))
		if err != nil {
			return nil, errors.Wrap(err, "wire: zlib decompress")
		}
		if uint32(len(out)) != r.OriginalLength {
			return nil, errors.Wrapf(ErrDecompressMismatch, "declared=%d actual>=%d", r.OriginalLength, len(out))
		}
		return out, nil
	default:
		return nil, errors.Wrapf(ErrUnknownAlgorithm, "algorithm=%d", r.Algorithm)
	}
}

// Compress builds a compression record for payload if it is worthwhile:
// the compressed unit must be strictly smaller than the original and the
// whole encoded record must fit maxUnit bytes. It returns nil when the
// sender should fall back to the uncompressed payload.
func Compress(payload []byte, maxUnit int) *CompressionRecord {
	if len(payload) == 0 {
		return nil
	}

	var buf bytes.Buffer
	zw := zlib.NewWriter(&buf)
	if _, err := zw.Write(payload); err != nil {
		return nil
	}
	if err := zw.Close(); err != nil {
		return nil
	}

	if buf.Len() >= len(payload) {
		return nil
	}
	if maxUnit > 0 && buf.Len()+5 > maxUnit {
		return nil
	}

	return &CompressionRecord{
		Algorithm:      CompressionZlib,
		OriginalLength: uint32(len(payload)),
		Data:           buf.Bytes(),
	}
}
