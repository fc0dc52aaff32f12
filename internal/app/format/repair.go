package format

import (
	"bytes"
)

// RepairHeaders removes blank lines wrongly placed inside the header block,
// which would otherwise make parsers treat the rest of the headers as body.
// A blank line is considered spurious when every line up to the next blank
// line looks like a header field or its continuation. Exactly one blank line
// separates headers from body.
// Applying RepairHeaders twice gives the same result as applying it once.
func RepairHeaders(raw []byte) []byte {
	eol := []byte("\n")
	if bytes.Contains(raw, []byte("\r\n")) {
		eol = []byte("\r\n")
	}

	lines := bytes.Split(raw, []byte("\n"))
	for i := range lines {
		lines[i] = bytes.TrimSuffix(lines[i], []byte("\r"))
	}

	out := make([][]byte, 0, len(lines))
	for i := 0; i < len(lines); i++ {
		if len(lines[i]) > 0 {
			out = append(out, lines[i])
			continue
		}

		next := i
		for next < len(lines) && len(lines[next]) == 0 {
			next++
		}

		if next < len(lines) && isHeaderGroup(lines[next:]) {
			// Spurious blank lines inside header block.
			i = next - 1
			continue
		}

		// Header block ends here: keep exactly one separator, the body is left as is.
		out = append(out, nil)
		if next == len(lines) {
			out = append(out, nil)
		}
		out = append(out, lines[next:]...)
		break
	}

	return bytes.Join(out, eol)
}

// isHeaderGroup reports whether lines up to the first blank line form header
// fields with their continuation lines.
func isHeaderGroup(lines [][]byte) bool {
	if len(lines) == 0 || !headerFieldRe.Match(lines[0]) {
		return false
	}

	for _, line := range lines[1:] {
		if len(line) == 0 {
			break
		}
		if line[0] != ' ' && line[0] != '\t' && !headerFieldRe.Match(line) {
			return false
		}
	}
	return true
}
