package format

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"pgregory.net/rapid"
)

func TestPreprocess(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  string
	}{
		{
			name:  "line endings",
			input: "From: a@b.c\nSubject: hi\r\n\rbody\n",
			want:  "From: a@b.c\r\nSubject: hi\r\n\r\nbody\r\n",
		},
		{
			name:  "missing separator",
			input: "From: a@b.c\nSubject: hi\nHello there\nSecond line\n",
			want:  "From: a@b.c\r\nSubject: hi\r\n\r\nHello there\r\nSecond line\r\n",
		},
		{
			name:  "hard wrapped field",
			input: "From: a@b.c\nSubject: a very long\nsubject line\nTo: c@d.e\n\nbody\n",
			want:  "From: a@b.c\r\nSubject: a very long\r\n subject line\r\nTo: c@d.e\r\n\r\nbody\r\n",
		},
		{
			name:  "mbox separator",
			input: "From sender@example.com Mon Jan  2 15:04:05 2006\nFrom: a@b.c\n\nbody\n",
			want:  "From: a@b.c\r\n\r\nbody\r\n",
		},
		{
			name:  "headers only",
			input: "From: a@b.c\nSubject: hi",
			want:  "From: a@b.c\r\nSubject: hi\r\n\r\n",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, string(Preprocess([]byte(tt.input))))
		})
	}
}

func TestRepairHeaders(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  string
	}{
		{
			name:  "spurious blank line",
			input: "From: a@b.c\r\n\r\nSubject: hi\r\n\r\nbody\r\n",
			want:  "From: a@b.c\r\nSubject: hi\r\n\r\nbody\r\n",
		},
		{
			name:  "multiple separators collapsed",
			input: "From: a@b.c\n\n\n\nbody\n\n\nmore\n",
			want:  "From: a@b.c\n\nbody\n\n\nmore\n",
		},
		{
			name:  "well formed untouched",
			input: "From: a@b.c\r\nSubject: hi\r\n\r\n--boundary\r\nContent-Type: text/plain\r\n\r\nbody\r\n",
			want:  "From: a@b.c\r\nSubject: hi\r\n\r\n--boundary\r\nContent-Type: text/plain\r\n\r\nbody\r\n",
		},
		{
			name:  "body starting with header-like line",
			input: "From: a@x.com\r\nSubject: hi\r\n\r\nNote: see attached\r\nthanks\r\n",
			want:  "From: a@x.com\r\nSubject: hi\r\n\r\nNote: see attached\r\nthanks\r\n",
		},
		{
			name:  "spurious blank line before folded header",
			input: "From: a@b.c\n\nSubject: very\n long\n\nbody\n",
			want:  "From: a@b.c\nSubject: very\n long\n\nbody\n",
		},
		{
			name:  "no body",
			input: "From: a@b.c\n",
			want:  "From: a@b.c\n\n",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, string(RepairHeaders([]byte(tt.input))))
		})
	}
}

func TestRepairHeadersIdempotent(t *testing.T) {
	lineGen := rapid.SampledFrom([]string{
		"", "", "From: a@b.c", "Subject: hi", "X-Custom-1: value",
		" continuation", "body text", "--boundary", "Note: looks like a header",
	})

	rapid.Check(t, func(t *rapid.T) {
		lines := rapid.SliceOfN(lineGen, 0, 12).Draw(t, "lines")
		eol := rapid.SampledFrom([]string{"\n", "\r\n"}).Draw(t, "eol")
		raw := []byte(strings.Join(lines, eol))

		once := RepairHeaders(raw)
		twice := RepairHeaders(once)
		if !bytes.Equal(once, twice) {
			t.Fatalf("not idempotent:\n%q\n%q", once, twice)
		}
	})
}

func TestRepairHeadersKeepsBody(t *testing.T) {
	raw := RepairHeaders([]byte("From: a@x.com\r\nSubject: hi\r\n\r\nNote: see attached\r\nthanks\r\n"))

	msg := NewParser(discardLogger).Parse(raw)
	assert.Equal(t, "hi", msg.Subject)
	assert.True(t, strings.HasPrefix(msg.TextContent, "Note: see attached"), msg.TextContent)
	assert.Contains(t, msg.TextContent, "thanks")
}
