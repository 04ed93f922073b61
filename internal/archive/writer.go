package archive

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"sort"
	"sync"

	"github.com/cespare/xxhash/v2"
	"github.com/paulmach/orb"

	"parceltiles/pkg/tiles"
)

const (
	// DefaultRootLimit keeps header and root directory inside the first 16 KiB.
	DefaultRootLimit = 16384 - HeaderLength

	// DefaultMinLeafSize is the smallest leaf directory, in entries.
	DefaultMinLeafSize = 4096
)

var (
	// ErrDuplicateTile is returned when a tile is added twice.
	ErrDuplicateTile = errors.New("archive: duplicate tile")

	// ErrEmptyArchive is returned by Finalize when no tile was added.
	ErrEmptyArchive = errors.New("archive: no tiles")
)

// WriterOptions configures a Writer. Zero values take the defaults.
type WriterOptions struct {
	// InternalCompression applies to directories and metadata. Default gzip.
	InternalCompression Compression

	// TileCompression records how the tile payloads are compressed. Default gzip.
	TileCompression Compression

	// Bounds and Center override the values derived from the tiles.
	Bounds     orb.Bound
	Center     orb.Point
	CenterZoom int

	RootLimit   int
	MinLeafSize int
}

// Writer collects encoded tiles and writes them out as one archive.
// AddTile is safe for concurrent use.
type Writer struct {
	opts WriterOptions

	mu    sync.Mutex
	tiles map[tiles.TileID][]byte
}

// NewWriter returns an empty writer.
func NewWriter(opts WriterOptions) *Writer {
	if opts.InternalCompression == UnknownCompression {
		opts.InternalCompression = Gzip
	}
	if opts.TileCompression == UnknownCompression {
		opts.TileCompression = Gzip
	}
	if opts.RootLimit <= 0 {
		opts.RootLimit = DefaultRootLimit
	}
	if opts.MinLeafSize <= 0 {
		opts.MinLeafSize = DefaultMinLeafSize
	}
	return &Writer{opts: opts, tiles: make(map[tiles.TileID][]byte)}
}

// AddTile records the compressed bytes of one tile.
func (w *Writer) AddTile(coord tiles.TileCoord, data []byte) error {
	if !coord.Valid() {
		return fmt.Errorf("archive: invalid tile %s", coord)
	}
	if len(data) == 0 {
		return fmt.Errorf("archive: empty payload for tile %s", coord)
	}

	id := coord.ID()
	w.mu.Lock()
	defer w.mu.Unlock()
	if _, ok := w.tiles[id]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateTile, coord)
	}
	w.tiles[id] = data
	return nil
}

// Len returns the number of tiles added.
func (w *Writer) Len() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.tiles)
}

// Finalize writes header, root directory, metadata, leaf directories and
// tile data, in that order, and returns the header written.
func (w *Writer) Finalize(out io.Writer, meta Metadata) (Header, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if len(w.tiles) == 0 {
		return Header{}, ErrEmptyArchive
	}

	ids := make([]tiles.TileID, 0, len(w.tiles))
	for id := range w.tiles {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	entries, data, contents := w.pack(ids)

	dirs, err := buildDirectories(entries, w.opts.InternalCompression, w.opts.RootLimit, w.opts.MinLeafSize)
	if err != nil {
		return Header{}, err
	}

	minZoom, _, _ := tiles.IDToZxy(ids[0])
	maxZoom, _, _ := tiles.IDToZxy(ids[len(ids)-1])
	meta.MinZoom, meta.MaxZoom = int(minZoom), int(maxZoom)

	bound := w.opts.Bounds
	if bound.IsZero() {
		bound = tileBound(ids)
	}
	center := w.opts.Center
	centerZoom := w.opts.CenterZoom
	if center.Equal(orb.Point{}) {
		center = bound.Center()
		centerZoom = int(minZoom)
	}
	if meta.Bounds == nil {
		meta.Bounds = []float64{bound.Min[0], bound.Min[1], bound.Max[0], bound.Max[1]}
	}
	if meta.Center == nil {
		meta.Center = []float64{center[0], center[1], float64(centerZoom)}
	}

	metaBytes, err := encodeMetadata(meta, w.opts.InternalCompression)
	if err != nil {
		return Header{}, err
	}

	h := Header{
		Version:             Version,
		RootOffset:          HeaderLength,
		RootLength:          uint64(len(dirs.root)),
		AddressedTilesCount: uint64(len(ids)),
		TileEntriesCount:    uint64(len(entries)),
		TileContentsCount:   uint64(contents),
		Clustered:           true,
		InternalCompression: w.opts.InternalCompression,
		TileCompression:     w.opts.TileCompression,
		TileType:            Mvt,
		MinZoom:             minZoom,
		MaxZoom:             maxZoom,
		MinLonE7:            E7(bound.Min[0]),
		MinLatE7:            E7(bound.Min[1]),
		MaxLonE7:            E7(bound.Max[0]),
		MaxLatE7:            E7(bound.Max[1]),
		CenterZoom:          uint8(centerZoom),
		CenterLonE7:         E7(center[0]),
		CenterLatE7:         E7(center[1]),
	}
	h.MetadataOffset = h.RootOffset + h.RootLength
	h.MetadataLength = uint64(len(metaBytes))
	h.LeafDirectoryOffset = h.MetadataOffset + h.MetadataLength
	h.LeafDirectoryLength = uint64(len(dirs.leaves))
	h.TileDataOffset = h.LeafDirectoryOffset + h.LeafDirectoryLength
	h.TileDataLength = uint64(len(data))

	hb, err := h.MarshalBinary()
	if err != nil {
		return Header{}, err
	}
	for _, section := range [][]byte{hb, dirs.root, metaBytes, dirs.leaves, data} {
		if _, err := out.Write(section); err != nil {
			return Header{}, fmt.Errorf("archive: write: %w", err)
		}
	}
	return h, nil
}

// pack lays out tile data in id order. Consecutive ids with identical bytes
// extend the previous entry's run; identical bytes seen earlier are
// referenced instead of written again.
func (w *Writer) pack(ids []tiles.TileID) ([]Entry, []byte, int) {
	var (
		entries []Entry
		data    bytes.Buffer
		seen    = make(map[uint64][]Entry)
	)

	for _, id := range ids {
		tile := w.tiles[id]

		if n := len(entries); n > 0 {
			last := &entries[n-1]
			if id == last.TileID+tiles.TileID(last.RunLength) && w.same(last, data.Bytes(), tile) {
				last.RunLength++
				continue
			}
		}

		h := xxhash.Sum64(tile)
		e := Entry{TileID: id, Length: uint32(len(tile)), RunLength: 1}
		found := false
		for _, prev := range seen[h] {
			if w.same(&prev, data.Bytes(), tile) {
				e.Offset = prev.Offset
				found = true
				break
			}
		}
		if !found {
			e.Offset = uint64(data.Len())
			data.Write(tile)
			seen[h] = append(seen[h], e)
		}
		entries = append(entries, e)
	}

	contents := 0
	for _, es := range seen {
		contents += len(es)
	}
	return entries, data.Bytes(), contents
}

func (w *Writer) same(e *Entry, data, tile []byte) bool {
	if int(e.Length) != len(tile) {
		return false
	}
	return bytes.Equal(data[e.Offset:e.Offset+uint64(e.Length)], tile)
}

func tileBound(ids []tiles.TileID) orb.Bound {
	b := ids[0].Coord().Bound(0)
	for _, id := range ids[1:] {
		b = b.Union(id.Coord().Bound(0))
	}
	return b
}
