package projection

import (
	"fmt"
	"strings"
)

// Definition describes one supported coordinate reference system.
type Definition struct {
	// Code is the authority code, e.g. "EPSG:5186"
	Code string
	Name string

	Ellipsoid Ellipsoid

	// Geographic definitions use longitude/latitude directly.
	Geographic bool

	// Transverse Mercator parameters, degrees and metres
	LatOrigin       float64
	CentralMeridian float64
	Scale           float64
	FalseEasting    float64
	FalseNorthing   float64

	// ToWGS84 is nil when the datum is WGS84 compatible.
	ToWGS84 *Helmert

	// Aliases are names found in .prj files for this system.
	Aliases []string
}

func (d Definition) String() string {
	return d.Code + " (" + d.Name + ")"
}

// Registry is a set of definitions, looked up by code. It is built once and
// passed to the resolver explicitly.
type Registry struct {
	defs   []Definition
	byCode map[string]int
}

// NewRegistry returns a registry holding defs in order.
func NewRegistry(defs ...Definition) (*Registry, error) {
	r := &Registry{byCode: make(map[string]int, len(defs))}
	for _, d := range defs {
		if err := r.Add(d); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// Add registers a definition. Codes are case-insensitive and unique.
func (r *Registry) Add(d Definition) error {
	key := normalizeCode(d.Code)
	if key == "" {
		return fmt.Errorf("projection: definition %q has no code", d.Name)
	}
	if _, dup := r.byCode[key]; dup {
		return fmt.Errorf("projection: duplicate definition %s", d.Code)
	}
	if !d.Geographic && d.Scale == 0 {
		d.Scale = 1
	}
	r.byCode[key] = len(r.defs)
	r.defs = append(r.defs, d)
	return nil
}

// Lookup returns the definition registered under code ("EPSG:5186" or "5186").
func (r *Registry) Lookup(code string) (Definition, bool) {
	i, ok := r.byCode[normalizeCode(code)]
	if !ok {
		return Definition{}, false
	}
	return r.defs[i], true
}

// Definitions returns the registered definitions in registration order.
func (r *Registry) Definitions() []Definition {
	out := make([]Definition, len(r.defs))
	copy(out, r.defs)
	return out
}

func normalizeCode(code string) string {
	code = strings.ToUpper(strings.TrimSpace(code))
	if code == "" {
		return ""
	}
	if !strings.Contains(code, ":") {
		code = "EPSG:" + code
	}
	return code
}

// korean1985 is the Bessel datum shift published with EPSG:2097.
var korean1985 = &Helmert{DX: -115.80, DY: 474.99, DZ: 674.11, RX: 1.16, RY: -2.31, RZ: -1.63, DS: 6.43}

// DefaultRegistry returns the Korean projected systems plus WGS84 geographic.
func DefaultRegistry() *Registry {
	r, err := NewRegistry(
		Definition{
			Code: "EPSG:5179", Name: "Korea 2000 / Unified CS", Ellipsoid: GRS80,
			LatOrigin: 38, CentralMeridian: 127.5, Scale: 0.9996, FalseEasting: 1000000, FalseNorthing: 2000000,
			Aliases: []string{"Korea_2000_Korea_Unified_Coordinate_System", "Korea 2000 / Unified CS", "UTM-K"},
		},
		Definition{
			Code: "EPSG:5181", Name: "Korea 2000 / Central Belt", Ellipsoid: GRS80,
			LatOrigin: 38, CentralMeridian: 127, Scale: 1, FalseEasting: 200000, FalseNorthing: 500000,
			Aliases: []string{"Korea_2000_Korea_Central_Belt", "Korea 2000 / Central Belt"},
		},
		Definition{
			Code: "EPSG:5185", Name: "Korea 2000 / West Belt 2010", Ellipsoid: GRS80,
			LatOrigin: 38, CentralMeridian: 125, Scale: 1, FalseEasting: 200000, FalseNorthing: 600000,
			Aliases: []string{"Korea_2000_Korea_West_Belt_2010", "Korea 2000 / West Belt 2010"},
		},
		Definition{
			Code: "EPSG:5186", Name: "Korea 2000 / Central Belt 2010", Ellipsoid: GRS80,
			LatOrigin: 38, CentralMeridian: 127, Scale: 1, FalseEasting: 200000, FalseNorthing: 600000,
			Aliases: []string{"Korea_2000_Korea_Central_Belt_2010", "Korea 2000 / Central Belt 2010"},
		},
		Definition{
			Code: "EPSG:5187", Name: "Korea 2000 / East Belt 2010", Ellipsoid: GRS80,
			LatOrigin: 38, CentralMeridian: 129, Scale: 1, FalseEasting: 200000, FalseNorthing: 600000,
			Aliases: []string{"Korea_2000_Korea_East_Belt_2010", "Korea 2000 / East Belt 2010"},
		},
		Definition{
			Code: "EPSG:5188", Name: "Korea 2000 / East Sea Belt 2010", Ellipsoid: GRS80,
			LatOrigin: 38, CentralMeridian: 131, Scale: 1, FalseEasting: 200000, FalseNorthing: 600000,
			Aliases: []string{"Korea_2000_Korea_East_Sea_Belt_2010", "Korea 2000 / East Sea Belt 2010"},
		},
		Definition{
			Code: "EPSG:2097", Name: "Korean 1985 / Central Belt", Ellipsoid: Bessel1841,
			LatOrigin: 38, CentralMeridian: 127, Scale: 1, FalseEasting: 200000, FalseNorthing: 500000,
			ToWGS84: korean1985,
			Aliases: []string{"Korean_1985_Korea_Central_Belt", "Korean 1985 / Central Belt"},
		},
		Definition{
			Code: "EPSG:4326", Name: "WGS 84", Ellipsoid: WGS84, Geographic: true,
			Aliases: []string{"GCS_WGS_1984", "WGS 84", "WGS_1984"},
		},
	)
	if err != nil {
		panic(err)
	}
	return r
}
