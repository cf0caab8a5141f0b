// Package tile encodes and decodes tiles, the engine's compression and I/O
// unit. A tile is a contiguous run of one attribute's cell values; Encode
// turns it into a self-describing block, Decode inverts that exactly. The
// package performs no I/O and holds no state beyond codec pools.
package tile

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"

	"github.com/tesseradb/tessera/schema"
)

// ErrCorruptTile indicates a tile whose header contradicts its payload:
// truncated data, a declared size the codec does not reproduce, or garbage
// where a block header should be. Corruption is always surfaced, never
// silently truncated.
var ErrCorruptTile = errors.New("corrupt tile")

// Block layout: [RawSize uint32][CompSize uint32][payload].
// CompSize == 0 means the payload is stored raw (RawSize bytes).
const headerSize = 8

// ZSTD encoder/decoder pools; construction is expensive relative to a tile.
var (
	zstdEncoderPool sync.Pool
	zstdDecoderPool sync.Pool
)

func getZstdEncoder() *zstd.Encoder {
	if v := zstdEncoderPool.Get(); v != nil {
		return v.(*zstd.Encoder)
	}
	enc, _ := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	return enc
}

func putZstdEncoder(enc *zstd.Encoder) {
	zstdEncoderPool.Put(enc)
}

func getZstdDecoder() *zstd.Decoder {
	if v := zstdDecoderPool.Get(); v != nil {
		return v.(*zstd.Decoder)
	}
	dec, _ := zstd.NewReader(nil)
	return dec
}

func putZstdDecoder(dec *zstd.Decoder) {
	zstdDecoderPool.Put(dec)
}

// Encode compresses one tile of raw cell values into a block. Incompressible
// tiles (ratio above 0.9, or any tile under CompressionNone) are stored raw
// with CompSize 0 so Decode never pays for a useless inflate.
func Encode(kind schema.Compression, raw []byte) ([]byte, error) {
	var compressed []byte
	var err error

	switch kind {
	case schema.CompressionNone:
		// Raw passthrough below.
	case schema.CompressionLZ4:
		compressed, err = encodeLZ4(raw)
	case schema.CompressionZstd:
		compressed, err = encodeZstd(raw)
	case schema.CompressionGzip:
		compressed, err = encodeGzip(raw)
	default:
		return nil, fmt.Errorf("unknown compression kind %d", kind)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to compress tile: %w", err)
	}

	if len(compressed) == 0 || float64(len(compressed)) > float64(len(raw))*0.9 {
		block := make([]byte, headerSize+len(raw))
		binary.LittleEndian.PutUint32(block[0:], uint32(len(raw)))
		binary.LittleEndian.PutUint32(block[4:], 0)
		copy(block[headerSize:], raw)
		return block, nil
	}

	block := make([]byte, headerSize+len(compressed))
	binary.LittleEndian.PutUint32(block[0:], uint32(len(raw)))
	binary.LittleEndian.PutUint32(block[4:], uint32(len(compressed)))
	copy(block[headerSize:], compressed)
	return block, nil
}

func encodeLZ4(raw []byte) ([]byte, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	compressed := make([]byte, lz4.CompressBlockBound(len(raw)))
	n, err := lz4.CompressBlock(raw, compressed, nil)
	if err != nil {
		return nil, err
	}
	if n == 0 {
		return nil, nil // incompressible
	}
	return compressed[:n], nil
}

func encodeZstd(raw []byte) ([]byte, error) {
	enc := getZstdEncoder()
	defer putZstdEncoder(enc)

	return enc.EncodeAll(raw, nil), nil
}

func encodeGzip(raw []byte) ([]byte, error) {
	var buf bytes.Buffer
	gz, err := gzip.NewWriterLevel(&buf, gzip.DefaultCompression)
	if err != nil {
		return nil, err
	}
	if _, err := gz.Write(raw); err != nil {
		return nil, err
	}
	if err := gz.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Decode inflates one block back into raw cell values. The block must carry
// exactly one tile: a short buffer, a payload shorter than CompSize, or an
// inflated size that misses RawSize all report ErrCorruptTile. Decode never
// reads past the declared payload.
func Decode(kind schema.Compression, block []byte) ([]byte, error) {
	if len(block) < headerSize {
		return nil, fmt.Errorf("%w: %d bytes is too small for a block header", ErrCorruptTile, len(block))
	}

	rawSize := binary.LittleEndian.Uint32(block[0:])
	compSize := binary.LittleEndian.Uint32(block[4:])

	if compSize == 0 {
		if uint64(len(block)) < headerSize+uint64(rawSize) {
			return nil, fmt.Errorf("%w: raw payload truncated (%d of %d bytes)",
				ErrCorruptTile, len(block)-headerSize, rawSize)
		}
		return block[headerSize : headerSize+rawSize], nil
	}

	if uint64(len(block)) < headerSize+uint64(compSize) {
		return nil, fmt.Errorf("%w: compressed payload truncated (%d of %d bytes)",
			ErrCorruptTile, len(block)-headerSize, compSize)
	}
	payload := block[headerSize : headerSize+compSize]
	raw := make([]byte, rawSize)

	switch kind {
	case schema.CompressionLZ4:
		n, err := lz4.UncompressBlock(payload, raw)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrCorruptTile, err)
		}
		if uint32(n) != rawSize {
			return nil, fmt.Errorf("%w: decompressed %d bytes, header declares %d", ErrCorruptTile, n, rawSize)
		}
		return raw, nil

	case schema.CompressionZstd:
		dec := getZstdDecoder()
		defer putZstdDecoder(dec)

		decoded, err := dec.DecodeAll(payload, raw[:0])
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrCorruptTile, err)
		}
		if uint32(len(decoded)) != rawSize {
			return nil, fmt.Errorf("%w: decompressed %d bytes, header declares %d",
				ErrCorruptTile, len(decoded), rawSize)
		}
		return decoded, nil

	case schema.CompressionGzip:
		gz, err := gzip.NewReader(bytes.NewReader(payload))
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrCorruptTile, err)
		}
		defer gz.Close()
		n, err := io.ReadFull(gz, raw)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrCorruptTile, err)
		}
		// One trailing byte is enough to prove the stream is longer than declared.
		var extra [1]byte
		if m, _ := gz.Read(extra[:]); m != 0 {
			return nil, fmt.Errorf("%w: decompressed stream exceeds declared %d bytes", ErrCorruptTile, rawSize)
		}
		if uint32(n) != rawSize {
			return nil, fmt.Errorf("%w: decompressed %d bytes, header declares %d", ErrCorruptTile, n, rawSize)
		}
		return raw, nil

	case schema.CompressionNone:
		// A CompressionNone tile always has CompSize 0; a nonzero value means
		// the block belongs to a different attribute or is damaged.
		return nil, fmt.Errorf("%w: compressed payload under no-compression kind", ErrCorruptTile)

	default:
		return nil, fmt.Errorf("unknown compression kind %d", kind)
	}
}

// EncodedSize returns the byte length of the block starting at the head of
// buf, or an ErrCorruptTile if buf is too short to tell.
func EncodedSize(buf []byte) (int, error) {
	if len(buf) < headerSize {
		return 0, fmt.Errorf("%w: %d bytes is too small for a block header", ErrCorruptTile, len(buf))
	}
	rawSize := binary.LittleEndian.Uint32(buf[0:])
	compSize := binary.LittleEndian.Uint32(buf[4:])
	if compSize == 0 {
		return headerSize + int(rawSize), nil
	}
	return headerSize + int(compSize), nil
}
