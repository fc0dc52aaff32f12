package format

import (
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hickar/mailfetch/internal/app/mailer"
)

func TestParseWellFormedMessage(t *testing.T) {
	msg := NewParser(discardLogger).Parse([]byte(simpleMessage))

	assert.Equal(t, PathDirect, msg.ParsePath)
	assert.False(t, msg.Degraded)
	assert.Equal(t, "simple-1@example.com", msg.MessageID)
	assert.Equal(t, "Hello", msg.Subject)
	assert.Equal(t, mailer.Address{Name: "Alice", Address: "alice@example.com"}, msg.From)
	assert.Equal(t, []mailer.Address{{Name: "Bob", Address: "bob@example.com"}}, msg.To)
	require.NotNil(t, msg.Date)
	assert.Equal(t, 2006, msg.Date.Year())
	assert.Equal(t, "Hello, World!", msg.TextContent)
	assert.Empty(t, msg.HTMLContent)
}

func TestParseMultipartMessage(t *testing.T) {
	msg := NewParser(discardLogger).Parse([]byte(multipartMessage))

	assert.Equal(t, PathDirect, msg.ParsePath)
	assert.Equal(t, "Otchét for Q1", msg.Subject)
	assert.Equal(t, mailer.Address{Name: "Иван", Address: "ivan@example.ru"}, msg.From)
	assert.Equal(t, []mailer.Address{
		{Address: "alice@example.com"},
		{Name: "Doe, John", Address: "john@example.com"},
	}, msg.To)
	assert.Equal(t, []mailer.Address{{Address: "carol@example.com"}}, msg.CC)
	assert.Equal(t, "Привет, мир!", msg.TextContent)
	assert.Equal(t, "<p>Hello <b>world</b></p>", msg.HTMLContent)
	require.Len(t, msg.Attachments, 1)
	assert.Equal(t, "report.pdf", msg.Attachments[0].Filename)
}

func TestParseEncodedSubject(t *testing.T) {
	parser := NewParser(discardLogger)

	for _, subject := range []string{"=?utf-8?B?5rWL6K+V?=", "=?gb2312?B?suLK1A==?="} {
		msg := parser.ParseString(crlf("From: a@example.com\nSubject: " + subject + "\n\nbody\n"))

		assert.Equal(t, PathDirect, msg.ParsePath, subject)
		assert.Equal(t, "测试", msg.Subject, subject)
	}
}

func TestParseBareLineFeeds(t *testing.T) {
	raw := strings.ReplaceAll(simpleMessage, "\r\n", "\n")

	msg := NewParser(discardLogger).ParseString(raw)

	assert.Equal(t, StrategyStrict, msg.ParsePath)
	assert.Equal(t, "alice@example.com", msg.From.Address)
	assert.Equal(t, "Hello, World!", msg.TextContent)
}

func TestParseMissingSeparator(t *testing.T) {
	raw := "From: alice@example.com\nSubject: no separator\nBody starts here\n"

	msg := NewParser(discardLogger).ParseString(raw)

	assert.False(t, msg.Degraded)
	assert.Equal(t, "no separator", msg.Subject)
	assert.Equal(t, "Body starts here", msg.TextContent)
}

func TestParseWithoutDateAndMessageID(t *testing.T) {
	raw := crlf("From: alice@example.com\nSubject: hi\n\nbody\n")

	msg := NewParser(discardLogger).ParseString(raw)

	assert.Nil(t, msg.Date)
	assert.True(t, strings.HasSuffix(msg.MessageID, "@localhost"))
	assert.NotContains(t, msg.MessageID, "<")
}

func TestParseFallsBackToHeaderScanning(t *testing.T) {
	failing := Strategy{Name: "failing", Parse: func([]byte) (*Node, error) {
		return nil, errors.New("nope")
	}}
	raw := "From: Bob <bob@example.com>\nSubject: scanned\nDate: Mon, 02 Jan 2006 15:04:05 -0700\n\nscanned body\n"

	msg := NewParser(discardLogger, WithStrategies(failing)).ParseString(raw)

	assert.Equal(t, PathFallback, msg.ParsePath)
	assert.True(t, msg.Degraded)
	assert.Equal(t, mailer.Address{Name: "Bob", Address: "bob@example.com"}, msg.From)
	assert.Equal(t, "scanned", msg.Subject)
	assert.Equal(t, "scanned body", msg.TextContent)
	require.NotNil(t, msg.Date)
	assert.Equal(t, 2006, msg.Date.Year())
}

func TestParseSentinel(t *testing.T) {
	now := time.Date(2024, time.May, 1, 12, 0, 0, 0, time.UTC)
	parser := NewParser(discardLogger, WithClock(func() time.Time { return now }))

	msg := parser.ParseString("Subject: orphan\n\nbody without sender\n")
	assert.Equal(t, PathSentinel, msg.ParsePath)
	assert.True(t, msg.Degraded)
	assert.Equal(t, SentinelFrom, msg.From.Address)
	assert.Equal(t, "orphan", msg.Subject)
	assert.Equal(t, "body without sender", msg.TextContent)
	require.NotNil(t, msg.Date)
	assert.True(t, now.Equal(*msg.Date))

	msg = parser.Parse(nil)
	assert.Equal(t, PathSentinel, msg.ParsePath)
	assert.Equal(t, SentinelSubject, msg.Subject)
	assert.Equal(t, SentinelBody, msg.TextContent)
	assert.NotEmpty(t, msg.MessageID)
}

func TestParseNeverPanics(t *testing.T) {
	parser := NewParser(discardLogger)

	inputs := []string{
		"\x00\x01\x02\xff\xfe",
		"From: a@b.c\r\nContent-Type: multipart/mixed; boundary=x\r\n\r\n--x\r\n--x\r\n",
		"From: a@b.c\r\nContent-Type: ;;;\r\nContent-Transfer-Encoding: base64\r\n\r\n@@@",
		strings.Repeat("X-Long: "+strings.Repeat("a", 5000)+"\r\n", 3),
	}

	for _, input := range inputs {
		assert.NotPanics(t, func() {
			msg := parser.ParseString(input)
			assert.NotEmpty(t, msg.MessageID)
			assert.NotEmpty(t, msg.From.Address)
		})
	}
}

func TestParseDeeplyNestedMessage(t *testing.T) {
	var b strings.Builder
	b.WriteString("From: Mallory <mallory@example.com>\r\nSubject: nested\r\n")
	for i := range 5000 {
		fmt.Fprintf(&b, "Content-Type: multipart/mixed; boundary=b%d\r\n\r\n--b%d\r\n", i, i)
	}
	b.WriteString("Content-Type: text/plain\r\n\r\ndeep\r\n")

	start := time.Now()
	msg := NewParser(discardLogger).ParseString(b.String())

	assert.Less(t, time.Since(start), 2*time.Second)
	assert.Equal(t, PathFallback, msg.ParsePath)
	assert.Equal(t, "mallory@example.com", msg.From.Address)
	assert.Equal(t, "nested", msg.Subject)
}
