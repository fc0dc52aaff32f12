package format

import (
	"net/textproto"
	"strings"

	"github.com/hickar/mailfetch/internal/pkg/textenc"
)

// scanned is the result of line based header scanning.
type scanned struct {
	Header textproto.MIMEHeader
	Body   string
}

// scanHeaders is the last resort parser. It reads 'Key: value' lines until the
// first blank or non-header line, the rest is treated as plain text body.
// It never fails.
func scanHeaders(raw []byte) scanned {
	text, _ := textenc.Decode(raw)
	text = strings.ReplaceAll(text, "\r\n", "\n")
	text = strings.ReplaceAll(text, "\r", "\n")

	lines := strings.Split(text, "\n")
	header := textproto.MIMEHeader{}

	var (
		lastKey string
		i       int
	)
	for ; i < len(lines); i++ {
		line := lines[i]
		if strings.TrimSpace(line) == "" {
			i++
			break
		}

		if (line[0] == ' ' || line[0] == '\t') && lastKey != "" {
			values := header[lastKey]
			values[len(values)-1] += " " + strings.TrimSpace(line)
			continue
		}

		if !headerFieldRe.MatchString(line) {
			break
		}

		key, value, _ := strings.Cut(line, ":")
		lastKey = textproto.CanonicalMIMEHeaderKey(strings.TrimSpace(key))
		header.Add(lastKey, strings.TrimSpace(value))
	}

	var body string
	if i < len(lines) {
		body = strings.TrimSpace(strings.Join(lines[i:], "\n"))
	}

	return scanned{Header: header, Body: body}
}
