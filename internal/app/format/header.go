package format

import (
	"bytes"
	"encoding/base64"
	"encoding/hex"
	"mime"
	netmail "net/mail"
	"regexp"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/emersion/go-message/mail"

	"github.com/hickar/mailfetch/internal/app/mailer"
	"github.com/hickar/mailfetch/internal/pkg/textenc"
)

var encodedWordRe = regexp.MustCompile(`=\?([^?\s]+)\?([bBqQ])\?([^?\s]*)\?=`)

// headerWord is either an encoded word or a plain text run of a header value.
type headerWord struct {
	encoded bool
	charset string
	data    []byte
}

// DecodeHeaderValue decodes RFC 2047 encoded words found in s.
//
// Adjacent encoded words sharing the same charset are concatenated before the
// charset conversion, so multibyte characters split between words survive.
// Whitespace between encoded words is dropped, remaining whitespace runs are
// collapsed into single spaces. The result is always valid UTF-8.
func DecodeHeaderValue(s string) string {
	if s == "" {
		return ""
	}

	var words []headerWord
	last := 0
	for _, loc := range encodedWordRe.FindAllStringSubmatchIndex(s, -1) {
		gap := s[last:loc[0]]
		data, ok := decodeWord(s[loc[4]:loc[5]], s[loc[6]:loc[7]])
		if !ok {
			continue
		}

		prevEncoded := len(words) > 0 && words[len(words)-1].encoded
		if gap != "" && !(prevEncoded && strings.TrimSpace(gap) == "") {
			words = append(words, headerWord{data: []byte(gap)})
		}

		cs := normalizeCharset(s[loc[2]:loc[3]])
		if n := len(words); n > 0 && words[n-1].encoded && words[n-1].charset == cs {
			words[n-1].data = append(words[n-1].data, data...)
		} else {
			words = append(words, headerWord{encoded: true, charset: cs, data: data})
		}
		last = loc[1]
	}
	if last < len(s) {
		words = append(words, headerWord{data: []byte(s[last:])})
	}

	var sb strings.Builder
	for _, w := range words {
		switch {
		case w.encoded:
			text, _ := textenc.DecodeCharset(w.data, w.charset)
			sb.WriteString(text)
		case utf8.Valid(w.data):
			sb.Write(w.data)
		default:
			text, _ := textenc.Decode(w.data)
			sb.WriteString(text)
		}
	}

	return strings.Join(strings.Fields(sb.String()), " ")
}

func decodeWord(encoding, text string) ([]byte, bool) {
	switch strings.ToLower(encoding) {
	case "b":
		return decodeBase64([]byte(text))
	case "q":
		return decodeQ(text), true
	}
	return nil, false
}

// normalizeCharset drops RFC 2231 language suffix and lowercases charset name.
func normalizeCharset(cs string) string {
	if i := strings.IndexByte(cs, '*'); i >= 0 {
		cs = cs[:i]
	}
	return strings.ToLower(cs)
}

func decodeQ(s string) []byte {
	out := make([]byte, 0, len(s))
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case c == '_':
			out = append(out, ' ')
		case c == '=' && i+2 < len(s):
			b, err := hex.DecodeString(s[i+1 : i+3])
			if err != nil {
				out = append(out, c)
				continue
			}
			out = append(out, b[0])
			i += 2
		default:
			out = append(out, c)
		}
	}
	return out
}

// decodeBase64 decodes base64 payload tolerating whitespace and bad padding.
func decodeBase64(b []byte) ([]byte, bool) {
	clean := bytes.Map(func(r rune) rune {
		switch r {
		case ' ', '\t', '\r', '\n':
			return -1
		}
		return r
	}, b)

	if out, err := base64.StdEncoding.DecodeString(string(clean)); err == nil {
		return out, true
	}

	out, err := base64.RawStdEncoding.DecodeString(strings.TrimRight(string(clean), "="))
	if err != nil {
		return nil, false
	}
	return out, true
}

// EncodeHeaderValue encodes non-ASCII text into RFC 2047 encoded words.
// ASCII text is returned unchanged.
func EncodeHeaderValue(s string) string {
	nonASCII := 0
	for i := 0; i < len(s); i++ {
		if s[i] >= utf8.RuneSelf {
			nonASCII++
		}
	}

	switch {
	case nonASCII == 0:
		return s
	case nonASCII*3 < len(s):
		return mime.QEncoding.Encode("utf-8", s)
	default:
		return mime.BEncoding.Encode("utf-8", s)
	}
}

var (
	angleAddrRe = regexp.MustCompile(`<([^<>\s]+@[^<>\s]+)>`)
	bareAddrRe  = regexp.MustCompile(`[A-Za-z0-9.!#$%&'*+/=?^_{|}~-]+@[A-Za-z0-9](?:[A-Za-z0-9.-]*[A-Za-z0-9])?`)
)

// ParseAddress parses single mailbox address with a chain of increasingly
// tolerant methods: structural parsing, angle bracket extraction and bare
// address search. Raw value containing '@' is returned as a degraded address
// when nothing else matches. Returns false if raw holds no address at all.
func ParseAddress(raw string) (mailer.Address, bool) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return mailer.Address{}, false
	}

	if addr, err := mail.ParseAddress(raw); err == nil {
		return mailer.Address{
			Name:    DecodeHeaderValue(addr.Name),
			Address: addr.Address,
		}, true
	}

	if loc := angleAddrRe.FindStringSubmatchIndex(raw); loc != nil {
		name := strings.Trim(raw[:loc[0]], "\"'<> \t")
		return mailer.Address{
			Name:    DecodeHeaderValue(name),
			Address: raw[loc[2]:loc[3]],
		}, true
	}

	if addr := bareAddrRe.FindString(raw); addr != "" {
		return mailer.Address{Address: addr}, true
	}

	if strings.Contains(raw, "@") {
		return mailer.Address{Address: raw}, true
	}

	return mailer.Address{}, false
}

// ParseAddressList parses comma separated address list. Entries that hold no
// address are dropped, order and duplicates are preserved.
func ParseAddressList(raw string) []mailer.Address {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}

	if list, err := mail.ParseAddressList(raw); err == nil && len(list) > 0 {
		addrs := make([]mailer.Address, 0, len(list))
		for _, addr := range list {
			addrs = append(addrs, mailer.Address{
				Name:    DecodeHeaderValue(addr.Name),
				Address: addr.Address,
			})
		}
		return addrs
	}

	var addrs []mailer.Address
	for _, entry := range splitAddressList(raw) {
		if addr, ok := ParseAddress(entry); ok {
			addrs = append(addrs, addr)
		}
	}
	return addrs
}

// splitAddressList splits raw list on commas outside of quotes and angle brackets.
func splitAddressList(raw string) []string {
	var (
		entries []string
		start   int
		quoted  bool
		angle   bool
	)

	for i := 0; i < len(raw); i++ {
		switch c := raw[i]; {
		case c == '\\' && quoted:
			i++
		case c == '"':
			quoted = !quoted
		case c == '<' && !quoted:
			angle = true
		case c == '>' && !quoted:
			angle = false
		case c == ',' && !quoted && !angle:
			entries = append(entries, raw[start:i])
			start = i + 1
		}
	}

	return append(entries, raw[start:])
}

// FormatAddress renders address for the wire, encoding non-ASCII display names.
func FormatAddress(a mailer.Address) string {
	if !a.Valid() {
		return a.Address
	}
	return (&mail.Address{Name: a.Name, Address: a.Address}).String()
}

// FormatAddressList renders comma separated address list.
func FormatAddressList(list []mailer.Address) string {
	parts := make([]string, 0, len(list))
	for _, a := range list {
		parts = append(parts, FormatAddress(a))
	}
	return strings.Join(parts, ", ")
}

var (
	dateCommentRe = regexp.MustCompile(`\s*\([^()]*\)\s*$`)
	dateLayouts   = []string{
		"Mon, 2 Jan 2006 15:04:05 -0700",
		"Mon, 2 Jan 2006 15:04:05 MST",
		"Mon, 2 Jan 2006 15:04:05 -0700 MST",
		"Mon, 2 Jan 2006 15:04 -0700",
		"2 Jan 2006 15:04:05 -0700",
		"2 Jan 2006 15:04:05 MST",
		"Mon, 2 Jan 06 15:04:05 -0700",
		"Mon, 2 Jan 2006 15:04:05",
		"Mon Jan 2 15:04:05 2006",
		"Mon Jan 2 15:04:05 MST 2006",
		"Mon Jan 2 15:04:05 -0700 2006",
		"2006-01-02 15:04:05 -0700",
		"2006-01-02 15:04:05",
		time.RFC3339,
	}
)

// ParseDate parses Date header value. Returns nil when value can't be parsed.
func ParseDate(s string) *time.Time {
	s = strings.Join(strings.Fields(s), " ")
	if s == "" {
		return nil
	}

	if t, err := netmail.ParseDate(s); err == nil {
		return &t
	}

	s = dateCommentRe.ReplaceAllString(s, "")
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return &t
		}
	}

	return nil
}

// FormatDate renders date in RFC 1123 form with numeric zone.
func FormatDate(t time.Time) string {
	return t.Format(time.RFC1123Z)
}

// NormalizeMessageID strips whitespace and angle brackets from message id.
func NormalizeMessageID(s string) string {
	fields := strings.Fields(s)
	if len(fields) == 0 {
		return ""
	}

	id := strings.TrimSuffix(strings.TrimPrefix(fields[0], "<"), ">")
	return strings.TrimSpace(id)
}

// FormatMessageID wraps message id into angle brackets.
func FormatMessageID(id string) string {
	id = NormalizeMessageID(id)
	if id == "" {
		return ""
	}
	return "<" + id + ">"
}
