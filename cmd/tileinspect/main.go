// Command tileinspect prints the header, metadata and directory summary of
// a tile archive, and optionally the layers of one tile.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"sort"
	"strconv"
	"strings"

	"parceltiles/internal/archive"
	"parceltiles/internal/vectortile"
	"parceltiles/pkg/tiles"
)

func main() {
	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "usage: tileinspect archive.pmtiles [z x y]\n")
	}
	flag.Parse()

	args := flag.Args()
	if len(args) != 1 && len(args) != 4 {
		flag.Usage()
		os.Exit(2)
	}

	f, err := os.Open(args[0])
	if err != nil {
		log.Fatal(err)
	}
	defer f.Close()
	st, err := f.Stat()
	if err != nil {
		log.Fatal(err)
	}

	ar, err := archive.Open(f, st.Size())
	if err != nil {
		log.Fatal(err)
	}
	ctx := context.Background()

	if len(args) == 4 {
		coord, err := parseCoord(args[1:])
		if err != nil {
			log.Fatal(err)
		}
		printTile(ctx, ar, coord)
		return
	}

	h := ar.Header()
	fmt.Printf("=== Header ===\n")
	fmt.Printf("Version: %d\n", h.Version)
	fmt.Printf("Zoom: %d to %d (center %d)\n", h.MinZoom, h.MaxZoom, h.CenterZoom)
	b := h.Bound()
	fmt.Printf("Bounds: %.6f,%.6f to %.6f,%.6f\n", b.Min.Lon(), b.Min.Lat(), b.Max.Lon(), b.Max.Lat())
	fmt.Printf("Compression: internal=%s tiles=%s\n", h.InternalCompression, h.TileCompression)
	fmt.Printf("Tiles: addressed=%d entries=%d contents=%d clustered=%t\n",
		h.AddressedTilesCount, h.TileEntriesCount, h.TileContentsCount, h.Clustered)
	fmt.Printf("Sections: root=%d metadata=%d leaves=%d data=%d bytes\n\n",
		h.RootLength, h.MetadataLength, h.LeafDirectoryLength, h.TileDataLength)

	m := ar.Metadata()
	fmt.Printf("=== Metadata ===\n")
	fmt.Printf("Name: %s\n", m.Name)
	if m.Description != "" {
		fmt.Printf("Description: %s\n", m.Description)
	}
	fmt.Printf("Features: %d\n", m.FeatureCount)
	for _, l := range m.VectorLayers {
		fmt.Printf("Layer %s (z%d-%d): %s\n", l.ID, l.MinZoom, l.MaxZoom, fields(l.Fields))
	}
	fmt.Println()

	entries, err := ar.Entries(ctx)
	if err != nil {
		log.Fatal(err)
	}
	perZoom := make(map[uint8]int)
	for _, e := range entries {
		z, _, _ := tiles.IDToZxy(e.TileID)
		perZoom[z] += int(e.RunLength)
	}
	fmt.Printf("=== Directory: %d entries ===\n", len(entries))
	for z := int(h.MinZoom); z <= int(h.MaxZoom); z++ {
		if n := perZoom[uint8(z)]; n > 0 {
			fmt.Printf("  z%-2d: %d tiles\n", z, n)
		}
	}

	if err := ar.Verify(ctx); err != nil {
		fmt.Printf("\nVerify: FAILED: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("\nVerify: ok\n")
}

func printTile(ctx context.Context, ar *archive.Reader, coord tiles.TileCoord) {
	data, err := ar.Tile(ctx, coord.Zoom, coord.X, coord.Y)
	if err != nil {
		log.Fatal(err)
	}
	layers, err := vectortile.Decode(data, coord)
	if err != nil {
		log.Fatal(err)
	}

	fmt.Printf("=== Tile %s: %d bytes ===\n", coord, len(data))
	for _, s := range vectortile.Summarize(layers) {
		fmt.Printf("%s: %d features, extent %d\n", s.Name, s.Features, s.Extent)
		fmt.Printf("  fields: %s\n", fields(s.Fields))
	}
}

func parseCoord(args []string) (tiles.TileCoord, error) {
	var v [3]int
	for i, a := range args {
		n, err := strconv.Atoi(a)
		if err != nil {
			return tiles.TileCoord{}, fmt.Errorf("bad tile coordinate %q", a)
		}
		v[i] = n
	}
	c := tiles.TileCoord{Zoom: v[0], X: v[1], Y: v[2]}
	if !c.Valid() {
		return c, fmt.Errorf("tile %s out of range", c)
	}
	return c, nil
}

func fields(m map[string]string) string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, len(keys))
	for i, k := range keys {
		parts[i] = k + "=" + m[k]
	}
	return strings.Join(parts, " ")
}
