package propstore

import (
	"bytes"
	"context"
	"math"
	"path/filepath"
	"testing"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"parceltiles/internal/transform"
)

func features() []*transform.Feature {
	return []*transform.Feature{
		{ID: 28110101, Coord: orb.Point{126.63, 37.47}, Layer: "parcels",
			Properties: geojson.Properties{"code": "28110101", "name": "중구", "area": 1520.5}},
		{ID: math.MaxUint64 - 3, Coord: orb.Point{126.70, 37.45}, Layer: "parcels",
			Properties: geojson.Properties{"code": "28140", "parent": "28", "listed": true}},
	}
}

func TestJSONRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteJSON(&buf, features()))
	assert.Contains(t, buf.String(), `"coord":[126.63,37.47]`)

	got, err := ReadJSON(&buf)
	require.NoError(t, err)
	require.Len(t, got, 2)

	rec := got[28110101]
	assert.Equal(t, orb.Point{126.63, 37.47}, rec.Coord)
	assert.Equal(t, "중구", rec.Properties["name"])
	assert.NotContains(t, rec.Properties, "coord")

	big := got[math.MaxUint64-3]
	assert.Equal(t, true, big.Properties["listed"])
}

func TestWriteJSONDoesNotTouchFeatures(t *testing.T) {
	fs := features()
	require.NoError(t, WriteJSON(&bytes.Buffer{}, fs))
	assert.NotContains(t, fs[0].Properties, "coord")
}

func TestSQLiteStore(t *testing.T) {
	ctx := context.Background()
	s, err := Open(filepath.Join(t.TempDir(), "props.db"))
	require.NoError(t, err)
	defer s.Close()

	require.NoError(t, s.Put(ctx, "parcels", features()))
	n, err := s.Count(ctx, "parcels")
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	rec, err := s.Get(ctx, "parcels", 28110101)
	require.NoError(t, err)
	assert.Equal(t, "28110101", rec.Properties["code"])
	assert.Equal(t, 1520.5, rec.Properties["area"])
	assert.Equal(t, orb.Point{126.63, 37.47}, rec.Coord)

	rec, err = s.Get(ctx, "parcels", math.MaxUint64-3)
	require.NoError(t, err)
	assert.Equal(t, "28", rec.Properties["parent"])

	_, err = s.Get(ctx, "parcels", 1)
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = s.Get(ctx, "other", 28110101)
	assert.ErrorIs(t, err, ErrNotFound)

	within, err := s.Within(ctx, "parcels", orb.Bound{Min: orb.Point{126.6, 37.4}, Max: orb.Point{126.65, 37.5}})
	require.NoError(t, err)
	require.Len(t, within, 1)
	assert.Equal(t, uint64(28110101), within[0].ID)

	// Put replaces the source's previous records
	require.NoError(t, s.Put(ctx, "parcels", features()[:1]))
	n, err = s.Count(ctx, "parcels")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}
