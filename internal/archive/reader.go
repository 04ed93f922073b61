package archive

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	"parceltiles/pkg/tiles"
)

// ErrNoContent is returned for tiles that were never materialized.
var ErrNoContent = errors.New("archive: no content")

// maxDepth bounds root → leaf lookups.
const maxDepth = 3

// Reader serves tiles from an archive through random access reads, so the
// archive may live in a local file or behind ranged object-store reads.
type Reader struct {
	r      io.ReaderAt
	size   int64
	header Header
	root   []Entry
	meta   Metadata

	mu     sync.Mutex
	leaves map[uint64][]Entry
}

// Open reads the header, root directory and metadata.
func Open(r io.ReaderAt, size int64) (*Reader, error) {
	if size < HeaderLength {
		return nil, fmt.Errorf("archive: %d bytes is too small", size)
	}

	hb := make([]byte, HeaderLength)
	if _, err := r.ReadAt(hb, 0); err != nil {
		return nil, fmt.Errorf("archive: read header: %w", err)
	}
	var h Header
	if err := h.UnmarshalBinary(hb); err != nil {
		return nil, err
	}

	ar := &Reader{r: r, size: size, header: h, leaves: make(map[uint64][]Entry)}

	rootBytes, err := ar.section(h.RootOffset, h.RootLength)
	if err != nil {
		return nil, fmt.Errorf("archive: read root directory: %w", err)
	}
	if ar.root, err = deserializeDirectory(rootBytes, h.InternalCompression); err != nil {
		return nil, err
	}

	metaBytes, err := ar.section(h.MetadataOffset, h.MetadataLength)
	if err != nil {
		return nil, fmt.Errorf("archive: read metadata: %w", err)
	}
	if ar.meta, err = decodeMetadata(metaBytes, h.InternalCompression); err != nil {
		return nil, err
	}
	return ar, nil
}

// Header returns the decoded header.
func (ar *Reader) Header() Header { return ar.header }

// Metadata returns the decoded metadata.
func (ar *Reader) Metadata() Metadata { return ar.meta }

func (ar *Reader) section(offset, length uint64) ([]byte, error) {
	if offset+length > uint64(ar.size) {
		return nil, fmt.Errorf("range %d+%d outside %d bytes", offset, length, ar.size)
	}
	b := make([]byte, length)
	if length == 0 {
		return b, nil
	}
	if _, err := ar.r.ReadAt(b, int64(offset)); err != nil && !errors.Is(err, io.EOF) {
		return nil, err
	}
	return b, nil
}

func (ar *Reader) leaf(e Entry) ([]Entry, error) {
	ar.mu.Lock()
	cached, ok := ar.leaves[e.Offset]
	ar.mu.Unlock()
	if ok {
		return cached, nil
	}

	if e.Offset+uint64(e.Length) > ar.header.LeafDirectoryLength {
		return nil, fmt.Errorf("%w: leaf outside section", errCorruptDirectory)
	}
	b, err := ar.section(ar.header.LeafDirectoryOffset+e.Offset, uint64(e.Length))
	if err != nil {
		return nil, fmt.Errorf("archive: read leaf directory: %w", err)
	}
	entries, err := deserializeDirectory(b, ar.header.InternalCompression)
	if err != nil {
		return nil, err
	}

	ar.mu.Lock()
	ar.leaves[e.Offset] = entries
	ar.mu.Unlock()
	return entries, nil
}

// Locate returns the tile-data-relative byte range of a tile.
func (ar *Reader) Locate(ctx context.Context, coord tiles.TileCoord) (offset uint64, length uint32, err error) {
	if !coord.Valid() {
		return 0, 0, ErrNoContent
	}
	id := coord.ID()

	dir := ar.root
	for depth := 0; depth < maxDepth; depth++ {
		if err := ctx.Err(); err != nil {
			return 0, 0, err
		}
		e, ok := findTile(dir, id)
		if !ok {
			return 0, 0, ErrNoContent
		}
		if !e.IsLeaf() {
			return e.Offset, e.Length, nil
		}
		if dir, err = ar.leaf(e); err != nil {
			return 0, 0, err
		}
	}
	return 0, 0, fmt.Errorf("%w: directory deeper than %d", errCorruptDirectory, maxDepth)
}

// Tile returns the exact compressed bytes stored for a tile, or
// ErrNoContent when the tile was never written.
func (ar *Reader) Tile(ctx context.Context, z, x, y int) ([]byte, error) {
	offset, length, err := ar.Locate(ctx, tiles.TileCoord{X: x, Y: y, Zoom: z})
	if err != nil {
		return nil, err
	}
	if offset+uint64(length) > ar.header.TileDataLength {
		return nil, fmt.Errorf("archive: tile %d/%d/%d outside tile data", z, x, y)
	}
	return ar.section(ar.header.TileDataOffset+offset, uint64(length))
}

// Entries returns every tile entry in id order, expanding leaf directories.
func (ar *Reader) Entries(ctx context.Context) ([]Entry, error) {
	var out []Entry
	var walk func(dir []Entry, depth int) error
	walk = func(dir []Entry, depth int) error {
		if depth >= maxDepth {
			return fmt.Errorf("%w: directory deeper than %d", errCorruptDirectory, maxDepth)
		}
		for _, e := range dir {
			if err := ctx.Err(); err != nil {
				return err
			}
			if !e.IsLeaf() {
				out = append(out, e)
				continue
			}
			leaf, err := ar.leaf(e)
			if err != nil {
				return err
			}
			if err := walk(leaf, depth+1); err != nil {
				return err
			}
		}
		return nil
	}
	if err := walk(ar.root, 0); err != nil {
		return nil, err
	}
	return out, nil
}

// Verify checks that every entry addresses a range inside the tile data
// section and that the entry and tile counts match the header.
func (ar *Reader) Verify(ctx context.Context) error {
	entries, err := ar.Entries(ctx)
	if err != nil {
		return err
	}
	if uint64(len(entries)) != ar.header.TileEntriesCount {
		return fmt.Errorf("archive: %d entries, header says %d", len(entries), ar.header.TileEntriesCount)
	}

	var addressed uint64
	for i, e := range entries {
		if e.Offset+uint64(e.Length) > ar.header.TileDataLength {
			return fmt.Errorf("archive: entry %d (tile %d) outside tile data", i, e.TileID)
		}
		if i > 0 && e.TileID < entries[i-1].TileID+tiles.TileID(entries[i-1].RunLength) {
			return fmt.Errorf("archive: entry %d overlaps its predecessor", i)
		}
		addressed += uint64(e.RunLength)
	}
	if addressed != ar.header.AddressedTilesCount {
		return fmt.Errorf("archive: %d tiles addressed, header says %d", addressed, ar.header.AddressedTilesCount)
	}
	return nil
}
