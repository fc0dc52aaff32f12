package textenc

import (
	"testing"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"golang.org/x/text/encoding/japanese"
	"golang.org/x/text/encoding/simplifiedchinese"
	"pgregory.net/rapid"
)

func TestDecodeUTF8(t *testing.T) {
	text, name := Decode([]byte("Привет, мир"))
	assert.Equal(t, "Привет, мир", text)
	assert.Equal(t, "utf-8", name)
}

func TestDecodeGB18030(t *testing.T) {
	src, err := simplifiedchinese.GB18030.NewEncoder().Bytes([]byte("你好世界"))
	assert.NoError(t, err)

	text, name := Decode(src)
	assert.Equal(t, "你好世界", text)
	assert.Equal(t, "gb18030", name)
}

func TestDecodeCharsetDeclared(t *testing.T) {
	src, err := japanese.ShiftJIS.NewEncoder().Bytes([]byte("こんにちは"))
	assert.NoError(t, err)

	text, name := DecodeCharset(src, "Shift_JIS")
	assert.Equal(t, "こんにちは", text)
	assert.Equal(t, "shift_jis", name)
}

func TestDecodeCharsetUnknownFallsBack(t *testing.T) {
	text, name := DecodeCharset([]byte("plain ascii"), "x-unknown-charset")
	assert.Equal(t, "plain ascii", text)
	assert.Equal(t, "utf-8", name)
}

func TestDecodeCharsetMislabelledUTF8(t *testing.T) {
	src, err := simplifiedchinese.GB18030.NewEncoder().Bytes([]byte("中文"))
	assert.NoError(t, err)

	text, _ := DecodeCharset(src, "utf-8")
	assert.Equal(t, "中文", text)
}

func TestDecodeAlwaysReturnsValidUTF8(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		b := rapid.SliceOf(rapid.Byte()).Draw(t, "bytes")

		text, name := Decode(b)
		if !utf8.ValidString(text) {
			t.Fatalf("decoded text is not valid UTF-8: %q", text)
		}
		if name == "" {
			t.Fatalf("empty candidate name")
		}
	})
}
