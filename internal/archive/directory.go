package archive

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"

	"parceltiles/pkg/tiles"
)

// Entry maps a run of TileIDs to a byte range. For tile entries Offset is
// relative to the tile data section and RunLength counts consecutive ids
// sharing the bytes. A RunLength of zero marks a pointer to a leaf
// directory, with Offset relative to the leaf directory section.
type Entry struct {
	TileID    tiles.TileID
	Offset    uint64
	Length    uint32
	RunLength uint32
}

// IsLeaf reports whether the entry points at a leaf directory.
func (e Entry) IsLeaf() bool { return e.RunLength == 0 }

var errCorruptDirectory = errors.New("archive: corrupt directory")

// encodeEntries writes entries column by column: count, id deltas, run
// lengths, lengths, then offsets. An offset equal to the end of the
// previous entry is written as 0, any other offset as offset+1.
func encodeEntries(entries []Entry) []byte {
	var buf bytes.Buffer
	tmp := make([]byte, binary.MaxVarintLen64)
	put := func(v uint64) {
		n := binary.PutUvarint(tmp, v)
		buf.Write(tmp[:n])
	}

	put(uint64(len(entries)))

	var last tiles.TileID
	for _, e := range entries {
		put(uint64(e.TileID - last))
		last = e.TileID
	}
	for _, e := range entries {
		put(uint64(e.RunLength))
	}
	for _, e := range entries {
		put(uint64(e.Length))
	}
	for i, e := range entries {
		if i > 0 && e.Offset == entries[i-1].Offset+uint64(entries[i-1].Length) {
			put(0)
		} else {
			put(e.Offset + 1)
		}
	}
	return buf.Bytes()
}

func decodeEntries(data []byte) ([]Entry, error) {
	r := bytes.NewReader(data)
	get := func() (uint64, error) {
		v, err := binary.ReadUvarint(r)
		if err != nil {
			return 0, fmt.Errorf("%w: %v", errCorruptDirectory, err)
		}
		return v, nil
	}

	n, err := get()
	if err != nil {
		return nil, err
	}
	// every entry needs at least four bytes
	if n > uint64(len(data))/4 {
		return nil, fmt.Errorf("%w: %d entries in %d bytes", errCorruptDirectory, n, len(data))
	}

	entries := make([]Entry, n)
	var last uint64
	for i := range entries {
		d, err := get()
		if err != nil {
			return nil, err
		}
		last += d
		entries[i].TileID = tiles.TileID(last)
	}
	for i := range entries {
		v, err := get()
		if err != nil {
			return nil, err
		}
		entries[i].RunLength = uint32(v)
	}
	for i := range entries {
		v, err := get()
		if err != nil {
			return nil, err
		}
		entries[i].Length = uint32(v)
	}
	for i := range entries {
		v, err := get()
		if err != nil {
			return nil, err
		}
		switch {
		case v > 0:
			entries[i].Offset = v - 1
		case i > 0:
			entries[i].Offset = entries[i-1].Offset + uint64(entries[i-1].Length)
		default:
			return nil, fmt.Errorf("%w: first offset is relative", errCorruptDirectory)
		}
	}
	return entries, nil
}

// serializeDirectory encodes and compresses a directory.
func serializeDirectory(entries []Entry, c Compression) ([]byte, error) {
	return compress(encodeEntries(entries), c)
}

// deserializeDirectory decompresses and decodes a directory.
func deserializeDirectory(data []byte, c Compression) ([]Entry, error) {
	raw, err := decompress(data, c)
	if err != nil {
		return nil, err
	}
	return decodeEntries(raw)
}

// findTile returns the entry covering id: an exact match, the run that
// contains it, or the leaf whose range it falls in.
func findTile(entries []Entry, id tiles.TileID) (Entry, bool) {
	lo, hi := 0, len(entries)-1
	for lo <= hi {
		k := (lo + hi) / 2
		switch {
		case id > entries[k].TileID:
			lo = k + 1
		case id < entries[k].TileID:
			hi = k - 1
		default:
			return entries[k], true
		}
	}

	// hi is now the last entry before id
	if hi >= 0 {
		e := entries[hi]
		if e.IsLeaf() {
			return e, true
		}
		if uint64(id-e.TileID) < uint64(e.RunLength) {
			return e, true
		}
	}
	return Entry{}, false
}

// layout is a directory split into a root and concatenated leaves.
type layout struct {
	root   []byte
	leaves []byte
	count  int
}

// buildDirectories fits entries into a root of at most rootLimit bytes,
// moving them into leaf directories when they do not fit. The leaf size
// starts at minLeaf entries and grows until the root fits.
func buildDirectories(entries []Entry, c Compression, rootLimit, minLeaf int) (layout, error) {
	root, err := serializeDirectory(entries, c)
	if err != nil {
		return layout{}, err
	}
	if len(root) <= rootLimit {
		return layout{root: root}, nil
	}

	leafSize := float64(len(entries)) / 3500
	if leafSize < float64(minLeaf) {
		leafSize = float64(minLeaf)
	}
	for {
		l, err := buildLeaves(entries, int(leafSize), c)
		if err != nil {
			return layout{}, err
		}
		if len(l.root) <= rootLimit {
			return l, nil
		}
		if l.count == 1 {
			return layout{}, fmt.Errorf("archive: root directory cannot fit %d bytes", rootLimit)
		}
		leafSize *= 1.2
	}
}

func buildLeaves(entries []Entry, leafSize int, c Compression) (layout, error) {
	var (
		rootEntries []Entry
		leaves      []byte
	)
	for i := 0; i < len(entries); i += leafSize {
		end := min(i+leafSize, len(entries))
		leaf, err := serializeDirectory(entries[i:end], c)
		if err != nil {
			return layout{}, err
		}
		rootEntries = append(rootEntries, Entry{
			TileID: entries[i].TileID,
			Offset: uint64(len(leaves)),
			Length: uint32(len(leaf)),
		})
		leaves = append(leaves, leaf...)
	}

	root, err := serializeDirectory(rootEntries, c)
	if err != nil {
		return layout{}, err
	}
	return layout{root: root, leaves: leaves, count: len(rootEntries)}, nil
}
