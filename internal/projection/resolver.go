package projection

import (
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"
)

var (
	authorityRe = regexp.MustCompile(`(?i)EPSG["'\s]*[:,]+\s*["']?(\d{4,5})`)
	wktParamRe  = regexp.MustCompile(`(?i)PARAMETER\[\s*"([^"]+)"\s*,\s*([-+0-9.eE]+)\s*\]`)
	spheroidRe  = regexp.MustCompile(`(?i)SPHEROID\[\s*"([^"]*)"\s*,\s*([-+0-9.eE]+)\s*,\s*([-+0-9.eE]+)`)
	projArgRe   = regexp.MustCompile(`\+([A-Za-z_0-9]+)(?:=(\S+))?`)
	crsNameRe   = regexp.MustCompile(`(?i)^\s*(?:PROJCS|PROJCRS|GEOGCS|GEOGCRS)\[\s*"([^"]+)"`)
)

// Resolver classifies projection descriptors (.prj WKT, proj strings or
// authority codes) against a registry.
type Resolver struct {
	reg *Registry
}

// NewResolver returns a resolver over reg.
func NewResolver(reg *Registry) *Resolver {
	return &Resolver{reg: reg}
}

// Registry returns the registry the resolver matches against.
func (r *Resolver) Registry() *Registry {
	return r.reg
}

// descriptor is the set of signals extracted from a projection description.
type descriptor struct {
	codes      []string
	name       string // normalised CRS name of a WKT descriptor
	text       string
	geographic bool
	ellipsoid  string // normalised ellipsoid name, empty when unknown
	params     map[string]float64
}

// Detect returns the definition a descriptor describes. Descriptors that
// match nothing, or match two definitions equally well, yield
// ErrUnknownProjection.
func (r *Resolver) Detect(desc string) (Definition, error) {
	if strings.TrimSpace(desc) == "" {
		return Definition{}, fmt.Errorf("%w: empty descriptor", ErrUnknownProjection)
	}
	d := parseDescriptor(desc)

	// an authority code we know wins outright; the last code of a WKT
	// belongs to the outermost PROJCS
	for i := len(d.codes) - 1; i >= 0; i-- {
		if def, ok := r.reg.Lookup(d.codes[i]); ok {
			return def, nil
		}
	}

	best, second := -1, -1
	var bestDef Definition
	for _, def := range r.reg.defs {
		s := score(def, d)
		if s > best {
			second = best
			best, bestDef = s, def
		} else if s > second {
			second = s
		}
	}

	if best < minScore {
		return Definition{}, fmt.Errorf("%w: %s", ErrUnknownProjection, abbreviate(desc))
	}
	if best == second {
		return Definition{}, fmt.Errorf("%w: ambiguous descriptor %s", ErrUnknownProjection, abbreviate(desc))
	}
	return bestDef, nil
}

// DetectOrDefault detects desc and falls back to the definition registered
// under defaultCode. fellBack reports that the default was used; an empty
// defaultCode disables the fallback.
func (r *Resolver) DetectOrDefault(desc, defaultCode string) (def Definition, fellBack bool, err error) {
	def, err = r.Detect(desc)
	if err == nil {
		return def, false, nil
	}
	if defaultCode == "" {
		return Definition{}, false, err
	}
	def, ok := r.reg.Lookup(defaultCode)
	if !ok {
		return Definition{}, false, fmt.Errorf("%w: default %s not registered", ErrUnknownProjection, defaultCode)
	}
	return def, true, nil
}

const minScore = 4

// score rates how well a definition explains a descriptor. A contradicting
// signal disqualifies the definition.
func score(def Definition, d descriptor) int {
	if d.geographic != def.Geographic {
		return -1
	}

	s := 0
	for _, alias := range def.Aliases {
		a := normalizeName(alias)
		if d.name != "" && d.name == a {
			s += 6
			break
		}
		if d.name == "" && strings.Contains(d.text, a) {
			s += 3
			break
		}
	}

	if d.ellipsoid != "" {
		if d.ellipsoid != normalizeName(def.Ellipsoid.Name) && !(d.ellipsoid == "grs80" && def.Ellipsoid == WGS84) {
			return -1
		}
		s += 2
	}

	if def.Geographic {
		// nothing else to compare
		return s + 2
	}

	check := []struct {
		key  string
		want float64
	}{
		{"lon_0", def.CentralMeridian},
		{"lat_0", def.LatOrigin},
		{"x_0", def.FalseEasting},
		{"y_0", def.FalseNorthing},
		{"k", def.Scale},
	}
	for _, c := range check {
		v, ok := d.params[c.key]
		if !ok {
			continue
		}
		if math.Abs(v-c.want) > 1e-6*math.Max(1, math.Abs(c.want)) {
			return -1
		}
		s++
	}
	return s
}

func parseDescriptor(desc string) descriptor {
	d := descriptor{
		text:   normalizeName(desc),
		params: make(map[string]float64),
	}

	for _, m := range authorityRe.FindAllStringSubmatch(desc, -1) {
		d.codes = append(d.codes, "EPSG:"+m[1])
	}

	if m := crsNameRe.FindStringSubmatch(desc); m != nil {
		d.name = normalizeName(m[1])
	}

	upper := strings.ToUpper(desc)
	switch {
	case strings.Contains(upper, "PROJCS[") || strings.Contains(upper, "PROJCRS["):
		d.geographic = false
	case strings.Contains(upper, "GEOGCS[") || strings.Contains(upper, "GEOGCRS["):
		d.geographic = true
	}

	for _, m := range wktParamRe.FindAllStringSubmatch(desc, -1) {
		v, err := strconv.ParseFloat(m[2], 64)
		if err != nil {
			continue
		}
		if key := wktParamKey(m[1]); key != "" {
			d.params[key] = v
		}
	}
	if m := spheroidRe.FindStringSubmatch(desc); m != nil {
		d.ellipsoid = classifyEllipsoid(m[1])
		if d.ellipsoid == "" {
			a, _ := strconv.ParseFloat(m[2], 64)
			invf, _ := strconv.ParseFloat(m[3], 64)
			d.ellipsoid = ellipsoidByShape(a, invf)
		}
	}

	for _, m := range projArgRe.FindAllStringSubmatch(desc, -1) {
		key, val := strings.ToLower(m[1]), m[2]
		switch key {
		case "proj":
			d.geographic = val == "longlat" || val == "latlong"
		case "ellps", "datum":
			if e := classifyEllipsoid(val); e != "" {
				d.ellipsoid = e
			}
		case "lon_0", "lat_0", "x_0", "y_0", "k", "k_0":
			v, err := strconv.ParseFloat(val, 64)
			if err != nil {
				continue
			}
			if key == "k_0" {
				key = "k"
			}
			d.params[key] = v
		}
	}
	return d
}

func wktParamKey(name string) string {
	switch normalizeName(name) {
	case "centralmeridian", "longitudeofcenter", "longitudeoforigin", "longitudeofnaturalorigin":
		return "lon_0"
	case "latitudeoforigin", "latitudeofcenter", "latitudeofnaturalorigin":
		return "lat_0"
	case "falseeasting":
		return "x_0"
	case "falsenorthing":
		return "y_0"
	case "scalefactor", "scalefactoratnaturalorigin":
		return "k"
	}
	return ""
}

func classifyEllipsoid(name string) string {
	n := normalizeName(name)
	switch {
	case strings.Contains(n, "bessel"):
		return "bessel1841"
	case strings.Contains(n, "grs") && strings.Contains(n, "80"):
		return "grs80"
	case strings.Contains(n, "wgs") && strings.Contains(n, "84"):
		return "wgs84"
	}
	return ""
}

func ellipsoidByShape(a, invf float64) string {
	for _, e := range []Ellipsoid{Bessel1841, GRS80, WGS84} {
		if math.Abs(a-e.A) < 1e-3 && math.Abs(invf-e.InvF) < 1e-8 {
			return normalizeName(e.Name)
		}
	}
	return ""
}

// normalizeName lowercases s and drops everything but letters and digits.
func normalizeName(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range strings.ToLower(s) {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)
		}
	}
	return b.String()
}

func abbreviate(s string) string {
	s = strings.TrimSpace(s)
	if len(s) > 80 {
		return s[:77] + "..."
	}
	return s
}
