// Package textenc turns byte sequences of unknown or unreliable encoding into
// valid UTF-8 text by trying a fixed, ordered list of candidate encodings.
package textenc

import (
	"bytes"
	"io"
	"strings"
	"unicode/utf8"

	"github.com/emersion/go-message/charset"
	"golang.org/x/text/encoding"
	"golang.org/x/text/encoding/charmap"
	"golang.org/x/text/encoding/japanese"
	"golang.org/x/text/encoding/korean"
	"golang.org/x/text/encoding/simplifiedchinese"
	"golang.org/x/text/encoding/traditionalchinese"
)

// Lossy is the name reported when no candidate decoded the input cleanly and
// undecodable bytes were replaced with U+FFFD.
const Lossy = "utf-8 (lossy)"

// Candidate is a single entry of the ordered decoding list.
// Nil Encoding means strict UTF-8.
type Candidate struct {
	Name     string
	Encoding encoding.Encoding
}

// Candidates is the ordered list tried by Decode. The first candidate
// that decodes without substitutions wins.
var Candidates = []Candidate{
	{Name: "utf-8"},
	{Name: "gb18030", Encoding: simplifiedchinese.GB18030},
	{Name: "big5", Encoding: traditionalchinese.Big5},
	{Name: "shift_jis", Encoding: japanese.ShiftJIS},
	{Name: "euc-kr", Encoding: korean.EUCKR},
	{Name: "windows-1252", Encoding: charmap.Windows1252},
	{Name: "iso-8859-1", Encoding: charmap.ISO8859_1},
}

var replacementChar = []byte(string(utf8.RuneError))

// Decode returns b as UTF-8 text along with the name of the candidate that
// decoded it. It never fails: when every candidate rejects the input, the
// lossy UTF-8 rendition is returned.
func Decode(b []byte) (string, string) {
	for _, c := range Candidates {
		if s, ok := try(c, b); ok {
			return s, c.Name
		}
	}

	return strings.ToValidUTF8(string(b), string(utf8.RuneError)), Lossy
}

// DecodeCharset decodes b using declared charset first, falling back to Decode
// when the charset is unknown or the bytes don't match it.
func DecodeCharset(b []byte, declared string) (string, string) {
	declared = strings.ToLower(strings.TrimSpace(declared))
	if declared == "" {
		return Decode(b)
	}

	switch declared {
	case "utf-8", "utf8", "us-ascii", "ascii":
		if utf8.Valid(b) {
			return string(b), declared
		}
		return Decode(b)
	}

	r, err := charset.Reader(declared, bytes.NewReader(b))
	if err != nil {
		return Decode(b)
	}

	decoded, err := io.ReadAll(r)
	if err != nil || !clean(b, decoded) {
		return Decode(b)
	}

	return string(decoded), declared
}

func try(c Candidate, b []byte) (string, bool) {
	if c.Encoding == nil {
		return string(b), utf8.Valid(b)
	}

	decoded, err := c.Encoding.NewDecoder().Bytes(b)
	if err != nil || !clean(b, decoded) {
		return "", false
	}

	return string(decoded), true
}

// clean reports whether decoding introduced no replacement characters
// beyond those literally present in the source.
func clean(src, decoded []byte) bool {
	return utf8.Valid(decoded) &&
		bytes.Count(decoded, replacementChar) <= bytes.Count(src, replacementChar)
}
