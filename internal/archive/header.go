// Package archive writes and reads single-file tile archives in the
// PMTiles v3 layout: a fixed 127-byte header, a root directory, JSON
// metadata, optional leaf directories and the tile data section.
package archive

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"strings"

	"github.com/paulmach/orb"
)

// HeaderLength is the size of the fixed binary header.
const HeaderLength = 127

// Magic starts every archive.
const Magic = "PMTiles"

// Version is the only supported layout version.
const Version = 3

var (
	// ErrInvalidMagic is returned when the data is not an archive.
	ErrInvalidMagic = errors.New("archive: magic number not detected")

	// ErrUnsupportedVersion is returned for archives other than version 3.
	ErrUnsupportedVersion = errors.New("archive: unsupported version")
)

// Compression identifies the codec of a section or of tile payloads.
type Compression uint8

const (
	UnknownCompression Compression = 0
	NoCompression      Compression = 1
	Gzip               Compression = 2
	Brotli             Compression = 3
	Zstd               Compression = 4
)

func (c Compression) String() string {
	switch c {
	case NoCompression:
		return "none"
	case Gzip:
		return "gzip"
	case Brotli:
		return "brotli"
	case Zstd:
		return "zstd"
	default:
		return "unknown"
	}
}

// ParseCompression maps none|gzip|zstd to a Compression. The empty string
// means gzip.
func ParseCompression(s string) (Compression, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "gzip":
		return Gzip, nil
	case "none":
		return NoCompression, nil
	case "zstd":
		return Zstd, nil
	default:
		return UnknownCompression, fmt.Errorf("archive: unsupported compression %q", s)
	}
}

// TileType is the format of the tile payloads.
type TileType uint8

const (
	UnknownTileType TileType = 0
	Mvt             TileType = 1
)

// Header is the decoded fixed header. Section offsets are absolute file
// positions; coordinates are degrees scaled by 10^7.
type Header struct {
	Version             uint8
	RootOffset          uint64
	RootLength          uint64
	MetadataOffset      uint64
	MetadataLength      uint64
	LeafDirectoryOffset uint64
	LeafDirectoryLength uint64
	TileDataOffset      uint64
	TileDataLength      uint64
	AddressedTilesCount uint64
	TileEntriesCount    uint64
	TileContentsCount   uint64
	Clustered           bool
	InternalCompression Compression
	TileCompression     Compression
	TileType            TileType
	MinZoom             uint8
	MaxZoom             uint8
	MinLonE7            int32
	MinLatE7            int32
	MaxLonE7            int32
	MaxLatE7            int32
	CenterZoom          uint8
	CenterLonE7         int32
	CenterLatE7         int32
}

// E7 scales degrees to the header's fixed-point representation.
func E7(deg float64) int32 {
	return int32(math.Round(deg * 1e7))
}

// FromE7 converts a fixed-point coordinate back to degrees.
func FromE7(v int32) float64 {
	return float64(v) / 1e7
}

// Bound returns the header bounds in degrees.
func (h Header) Bound() orb.Bound {
	return orb.Bound{
		Min: orb.Point{FromE7(h.MinLonE7), FromE7(h.MinLatE7)},
		Max: orb.Point{FromE7(h.MaxLonE7), FromE7(h.MaxLatE7)},
	}
}

// Center returns the default center in degrees.
func (h Header) Center() orb.Point {
	return orb.Point{FromE7(h.CenterLonE7), FromE7(h.CenterLatE7)}
}

// MarshalBinary encodes the header into its 127-byte little-endian form.
func (h Header) MarshalBinary() ([]byte, error) {
	b := make([]byte, HeaderLength)
	copy(b[0:7], Magic)
	b[7] = Version

	le := binary.LittleEndian
	le.PutUint64(b[8:16], h.RootOffset)
	le.PutUint64(b[16:24], h.RootLength)
	le.PutUint64(b[24:32], h.MetadataOffset)
	le.PutUint64(b[32:40], h.MetadataLength)
	le.PutUint64(b[40:48], h.LeafDirectoryOffset)
	le.PutUint64(b[48:56], h.LeafDirectoryLength)
	le.PutUint64(b[56:64], h.TileDataOffset)
	le.PutUint64(b[64:72], h.TileDataLength)
	le.PutUint64(b[72:80], h.AddressedTilesCount)
	le.PutUint64(b[80:88], h.TileEntriesCount)
	le.PutUint64(b[88:96], h.TileContentsCount)
	if h.Clustered {
		b[96] = 1
	}
	b[97] = uint8(h.InternalCompression)
	b[98] = uint8(h.TileCompression)
	b[99] = uint8(h.TileType)
	b[100] = h.MinZoom
	b[101] = h.MaxZoom
	le.PutUint32(b[102:106], uint32(h.MinLonE7))
	le.PutUint32(b[106:110], uint32(h.MinLatE7))
	le.PutUint32(b[110:114], uint32(h.MaxLonE7))
	le.PutUint32(b[114:118], uint32(h.MaxLatE7))
	b[118] = h.CenterZoom
	le.PutUint32(b[119:123], uint32(h.CenterLonE7))
	le.PutUint32(b[123:127], uint32(h.CenterLatE7))
	return b, nil
}

// UnmarshalBinary decodes a header, checking magic and version.
func (h *Header) UnmarshalBinary(b []byte) error {
	if len(b) < HeaderLength {
		return fmt.Errorf("archive: header needs %d bytes, got %d", HeaderLength, len(b))
	}
	if string(b[0:7]) != Magic {
		return ErrInvalidMagic
	}
	if b[7] != Version {
		return fmt.Errorf("%w: %d", ErrUnsupportedVersion, b[7])
	}

	le := binary.LittleEndian
	*h = Header{
		Version:             b[7],
		RootOffset:          le.Uint64(b[8:16]),
		RootLength:          le.Uint64(b[16:24]),
		MetadataOffset:      le.Uint64(b[24:32]),
		MetadataLength:      le.Uint64(b[32:40]),
		LeafDirectoryOffset: le.Uint64(b[40:48]),
		LeafDirectoryLength: le.Uint64(b[48:56]),
		TileDataOffset:      le.Uint64(b[56:64]),
		TileDataLength:      le.Uint64(b[64:72]),
		AddressedTilesCount: le.Uint64(b[72:80]),
		TileEntriesCount:    le.Uint64(b[80:88]),
		TileContentsCount:   le.Uint64(b[88:96]),
		Clustered:           b[96] == 1,
		InternalCompression: Compression(b[97]),
		TileCompression:     Compression(b[98]),
		TileType:            TileType(b[99]),
		MinZoom:             b[100],
		MaxZoom:             b[101],
		MinLonE7:            int32(le.Uint32(b[102:106])),
		MinLatE7:            int32(le.Uint32(b[106:110])),
		MaxLonE7:            int32(le.Uint32(b[110:114])),
		MaxLatE7:            int32(le.Uint32(b[114:118])),
		CenterZoom:          b[118],
		CenterLonE7:         int32(le.Uint32(b[119:123])),
		CenterLatE7:         int32(le.Uint32(b[123:127])),
	}
	return nil
}
