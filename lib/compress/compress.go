// Copyright 2026 The Tetherd Authors
// SPDX-License-Identifier: Apache-2.0

// Package compress provides tagged payload compression for catch-up
// transfers. Full-snapshot resync payloads can be large (every entry
// of a project tree); the sender picks an algorithm, prefixes the
// payload with a 1-byte tag, and the receiver dispatches on the tag.
// The tag values are protocol constants — changing them breaks wire
// compatibility between daemon versions.
package compress

import (
	"errors"
	"fmt"

	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
)

// Algorithm identifies the compression applied to a payload.
type Algorithm uint8

const (
	// None indicates an uncompressed payload. Chosen when the
	// compressed output would not be smaller than the input.
	None Algorithm = 0

	// LZ4 indicates LZ4 block compression. Fast default for mixed
	// tree content (~1.5-2x ratio, very cheap decode).
	LZ4 Algorithm = 1

	// Zstd indicates zstd at the default level. Better ratios for
	// text-heavy trees (source code, JSON, configs).
	Zstd Algorithm = 2
)

// String returns the human-readable name of an algorithm.
func (a Algorithm) String() string {
	switch a {
	case None:
		return "none"
	case LZ4:
		return "lz4"
	case Zstd:
		return "zstd"
	default:
		return fmt.Sprintf("unknown(%d)", a)
	}
}

// ParseAlgorithm parses an algorithm from its string representation.
func ParseAlgorithm(name string) (Algorithm, error) {
	switch name {
	case "none":
		return None, nil
	case "lz4":
		return LZ4, nil
	case "zstd":
		return Zstd, nil
	default:
		return 0, fmt.Errorf("unknown compression algorithm: %q", name)
	}
}

// errIncompressible signals that compression did not reduce the
// payload size. Encode falls back to None when it sees this.
var errIncompressible = errors.New("payload is incompressible")

// zstdEncoder and zstdDecoder are reused across calls; both are safe
// for concurrent use.
var (
	zstdEncoder *zstd.Encoder
	zstdDecoder *zstd.Decoder
)

func init() {
	var err error
	zstdEncoder, err = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		panic("compress: zstd encoder initialization failed: " + err.Error())
	}
	zstdDecoder, err = zstd.NewReader(nil)
	if err != nil {
		panic("compress: zstd decoder initialization failed: " + err.Error())
	}
}

// Encode compresses payload with the preferred algorithm and returns
// the tagged result: [1-byte algorithm][compressed bytes]. If the
// payload does not shrink under the preferred algorithm, the result
// is tagged None and carries the payload verbatim.
func Encode(payload []byte, preferred Algorithm) ([]byte, error) {
	compressed, used, err := compress(payload, preferred)
	if err != nil {
		return nil, err
	}
	tagged := make([]byte, 1+len(compressed))
	tagged[0] = byte(used)
	copy(tagged[1:], compressed)
	return tagged, nil
}

// Decode decompresses a tagged payload produced by Encode. The
// uncompressedSize must match the original payload length exactly; a
// mismatch is an error, never a truncated result.
func Decode(tagged []byte, uncompressedSize int) ([]byte, error) {
	if len(tagged) == 0 {
		return nil, errors.New("empty tagged payload")
	}
	algorithm := Algorithm(tagged[0])
	body := tagged[1:]

	switch algorithm {
	case None:
		if len(body) != uncompressedSize {
			return nil, fmt.Errorf("uncompressed payload: size %d does not match expected %d",
				len(body), uncompressedSize)
		}
		return body, nil

	case LZ4:
		destination := make([]byte, uncompressedSize)
		read, err := lz4.UncompressBlock(body, destination)
		if err != nil {
			return nil, fmt.Errorf("lz4 decompress: %w", err)
		}
		if read != uncompressedSize {
			return nil, fmt.Errorf("lz4 decompress: got %d bytes, expected %d", read, uncompressedSize)
		}
		return destination, nil

	case Zstd:
		result, err := zstdDecoder.DecodeAll(body, make([]byte, 0, uncompressedSize))
		if err != nil {
			return nil, fmt.Errorf("zstd decompress: %w", err)
		}
		if len(result) != uncompressedSize {
			return nil, fmt.Errorf("zstd decompress: got %d bytes, expected %d", len(result), uncompressedSize)
		}
		return result, nil

	default:
		return nil, fmt.Errorf("unsupported compression algorithm: %d", algorithm)
	}
}

func compress(payload []byte, preferred Algorithm) ([]byte, Algorithm, error) {
	switch preferred {
	case None:
		return payload, None, nil

	case LZ4:
		bound := lz4.CompressBlockBound(len(payload))
		destination := make([]byte, bound)
		written, err := lz4.CompressBlock(payload, destination, nil)
		if err != nil {
			return nil, 0, fmt.Errorf("lz4 compress: %w", err)
		}
		// CompressBlock returns 0 for incompressible input.
		if written == 0 || written >= len(payload) {
			return payload, None, nil
		}
		return destination[:written], LZ4, nil

	case Zstd:
		compressed := zstdEncoder.EncodeAll(payload, nil)
		if len(compressed) >= len(payload) {
			return payload, None, nil
		}
		return compressed, Zstd, nil

	default:
		return nil, 0, fmt.Errorf("unsupported compression algorithm: %d", preferred)
	}
}
