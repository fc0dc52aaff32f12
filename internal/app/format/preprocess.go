package format

import (
	"bytes"
	"regexp"
)

var headerFieldRe = regexp.MustCompile(`^[!-9;-~]+:`)

// Preprocess repairs common structural damage before parsing:
// line endings are normalized to CRLF, a leading mbox "From " line is dropped,
// header lines hard-wrapped mid-field are turned into continuation lines and a
// blank separator is inserted when body starts right after the headers.
func Preprocess(raw []byte) []byte {
	lines := splitLines(raw)
	if len(lines) > 0 && bytes.HasPrefix(lines[0], []byte("From ")) {
		lines = lines[1:]
	}

	out := make([][]byte, 0, len(lines)+1)
	inHeader := true
	for i, line := range lines {
		if !inHeader {
			out = append(out, line)
			continue
		}

		switch {
		case len(line) == 0:
			inHeader = false
		case line[0] == ' ' || line[0] == '\t' || headerFieldRe.Match(line):
		case len(out) > 0 && moreHeadersFollow(lines[i+1:]):
			line = append([]byte{' '}, line...)
		default:
			inHeader = false
			out = append(out, nil)
		}

		out = append(out, line)
	}

	if inHeader && len(out) > 0 {
		out = append(out, nil)
	}

	return append(bytes.Join(out, []byte("\r\n")), '\r', '\n')
}

// moreHeadersFollow reports whether header fields appear in lines before the
// first blank line.
func moreHeadersFollow(lines [][]byte) bool {
	for _, line := range lines {
		if len(line) == 0 {
			return false
		}
		if headerFieldRe.Match(line) {
			return true
		}
	}
	return false
}

// splitLines splits raw on CRLF, LF or bare CR line breaks.
func splitLines(raw []byte) [][]byte {
	raw = bytes.ReplaceAll(raw, []byte("\r\n"), []byte("\n"))
	raw = bytes.ReplaceAll(raw, []byte("\r"), []byte("\n"))
	raw = bytes.TrimSuffix(raw, []byte("\n"))
	if len(raw) == 0 {
		return nil
	}
	return bytes.Split(raw, []byte("\n"))
}
