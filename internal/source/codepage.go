package source

import (
	"strings"
	"unicode/utf8"

	"golang.org/x/text/encoding"
	"golang.org/x/text/encoding/charmap"
	"golang.org/x/text/encoding/htmlindex"
	"golang.org/x/text/encoding/korean"
	"golang.org/x/text/encoding/unicode"
)

// LookupCodepage maps a .cpg value or configured codepage name to an
// encoding. ok is false for names it does not know.
func LookupCodepage(name string) (enc encoding.Encoding, ok bool) {
	n := strings.ToLower(strings.TrimSpace(name))
	n = strings.TrimPrefix(n, "ansi ")
	switch n {
	case "":
		return nil, false
	case "utf-8", "utf8", "65001":
		return unicode.UTF8, true
	case "euc-kr", "euckr", "cp949", "949", "ks_c_5601-1987", "uhc":
		return korean.EUCKR, true
	case "1252", "cp1252":
		return charmap.Windows1252, true
	case "8859-1", "88591", "iso-8859-1":
		return charmap.ISO8859_1, true
	}
	if e, err := htmlindex.Get(n); err == nil {
		return e, true
	}
	return nil, false
}

// textDecoder turns raw DBF bytes into UTF-8 strings.
type textDecoder struct {
	enc encoding.Encoding
}

func newTextDecoder(enc encoding.Encoding) *textDecoder {
	return &textDecoder{enc: enc}
}

// decode converts s. Without a known codepage, valid UTF-8 passes through
// and anything else is read as EUC-KR, the usual encoding of Korean
// government shapefiles.
func (d *textDecoder) decode(s string) string {
	enc := d.enc
	if enc == nil || enc == unicode.UTF8 {
		if utf8.ValidString(s) {
			return s
		}
		enc = korean.EUCKR
	}
	out, err := enc.NewDecoder().String(s)
	if err != nil {
		return strings.ToValidUTF8(s, "�")
	}
	return out
}
