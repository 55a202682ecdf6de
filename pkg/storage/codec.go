package storage

import (
	"encoding/binary"
	"fmt"

	"github.com/pierrec/lz4/v4"
)

// Codec identifies the payload compression scheme selected by a
// record's flags byte.
type Codec uint8

const (
	// CodecNone stores the payload uncompressed.
	CodecNone Codec = 0
	// CodecLZ4 stores the payload as an LZ4 block, preceded by a
	// 4-byte little-endian uncompressed length so Decode can size its
	// destination buffer.
	CodecLZ4 Codec = 1
)

// Encode compresses data per codec, returning the bytes to store as
// the record payload on disk.
func Encode(codec Codec, data []byte) ([]byte, error) {
	switch codec {
	case CodecNone:
		return data, nil
	case CodecLZ4:
		var ht [1 << 16]int
		dst := make([]byte, 4+lz4.CompressBlockBound(len(data)))
		binary.LittleEndian.PutUint32(dst[:4], uint32(len(data)))
		n, err := lz4.CompressBlock(data, dst[4:], ht[:])
		if err != nil {
			return nil, fmt.Errorf("lz4 compress: %w", err)
		}
		if n == 0 {
			// Incompressible input: lz4.CompressBlock returns 0 rather
			// than expanding it. Store it raw behind a zero size
			// prefix; Decode sees the zero and returns the bytes as is.
			binary.LittleEndian.PutUint32(dst[:4], 0)
			copy(dst[4:], data)
			return dst[:4+len(data)], nil
		}
		return dst[:4+n], nil
	default:
		return nil, fmt.Errorf("unknown codec %d", codec)
	}
}

// Decode reverses Encode.
func Decode(codec Codec, stored []byte) ([]byte, error) {
	switch codec {
	case CodecNone:
		return stored, nil
	case CodecLZ4:
		if len(stored) < 4 {
			return nil, fmt.Errorf("truncated lz4 frame")
		}
		uncompressedSize := binary.LittleEndian.Uint32(stored[:4])
		if uncompressedSize == 0 {
			return stored[4:], nil
		}
		dst := make([]byte, uncompressedSize)
		n, err := lz4.UncompressBlock(stored[4:], dst)
		if err != nil {
			return nil, fmt.Errorf("lz4 decompress: %w", err)
		}
		return dst[:n], nil
	default:
		return nil, fmt.Errorf("unknown codec %d", codec)
	}
}
