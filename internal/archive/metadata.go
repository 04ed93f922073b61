package archive

import (
	"encoding/json"
	"fmt"
)

// VectorLayer declares one logical layer of the archive.
type VectorLayer struct {
	ID          string            `json:"id"`
	Description string            `json:"description"`
	MinZoom     int               `json:"minzoom"`
	MaxZoom     int               `json:"maxzoom"`
	Fields      map[string]string `json:"fields"`
}

// Metadata is the JSON document stored after the root directory.
type Metadata struct {
	Name         string        `json:"name"`
	Description  string        `json:"description"`
	Attribution  string        `json:"attribution,omitempty"`
	Version      string        `json:"version,omitempty"`
	Type         string        `json:"type,omitempty"`
	Format       string        `json:"format"`
	MinZoom      int           `json:"minzoom"`
	MaxZoom      int           `json:"maxzoom"`
	Bounds       []float64     `json:"bounds,omitempty"`
	Center       []float64     `json:"center,omitempty"`
	VectorLayers []VectorLayer `json:"vector_layers"`

	// FeatureCount is the number of source features tiled.
	FeatureCount int `json:"feature_count,omitempty"`
}

// Layer returns the declaration of the named layer.
func (m Metadata) Layer(id string) (VectorLayer, bool) {
	for _, l := range m.VectorLayers {
		if l.ID == id {
			return l, true
		}
	}
	return VectorLayer{}, false
}

func encodeMetadata(m Metadata, c Compression) ([]byte, error) {
	if m.Format == "" {
		m.Format = "pbf"
	}
	if m.VectorLayers == nil {
		m.VectorLayers = []VectorLayer{}
	}
	raw, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("archive: encode metadata: %w", err)
	}
	return compress(raw, c)
}

func decodeMetadata(data []byte, c Compression) (Metadata, error) {
	var m Metadata
	raw, err := decompress(data, c)
	if err != nil {
		return m, err
	}
	if err := json.Unmarshal(raw, &m); err != nil {
		return m, fmt.Errorf("archive: decode metadata: %w", err)
	}
	return m, nil
}
