package format

import (
	"bytes"
	"fmt"
	"io"
	"mime/quotedprintable"
	"strings"

	"github.com/hickar/mailfetch/internal/app/mailer"
	"github.com/hickar/mailfetch/internal/pkg/textenc"
)

// Content holds bodies and attachments extracted from a node tree.
type Content struct {
	Text        string
	HTML        string
	Attachments []mailer.Attachment
}

// Extract walks node tree collecting text, HTML bodies and attachments.
// Multiple inline bodies of the same kind are joined with a blank line.
func Extract(root *Node) Content {
	var (
		c           Content
		texts, htms []string
	)

	var walk func(n *Node)
	walk = func(n *Node) {
		if n.Kind == MultipartNode {
			for _, child := range n.Children {
				walk(child)
			}
			return
		}

		mediaType := n.MediaType
		if n.IsMultipart() {
			// Multipart that could not be split is treated as plain text.
			mediaType = defaultMediaType
		}

		if isAttachment(n, mediaType) {
			c.Attachments = append(c.Attachments, extractAttachment(n, mediaType, len(c.Attachments)+1))
			return
		}

		switch mediaType {
		case "text/plain":
			if text := decodeText(n); text != "" {
				texts = append(texts, text)
			}
		case "text/html":
			if text := decodeText(n); text != "" {
				htms = append(htms, text)
			}
		default:
			c.Attachments = append(c.Attachments, extractAttachment(n, mediaType, len(c.Attachments)+1))
		}
	}
	walk(root)

	c.Text = strings.Join(texts, "\n\n")
	c.HTML = strings.Join(htms, "\n\n")
	return c
}

func isAttachment(n *Node, mediaType string) bool {
	switch {
	case n.Disposition == "attachment":
		return true
	case mediaType == "message/rfc822":
		return true
	case !strings.HasPrefix(mediaType, "text/") && n.Filename() != "":
		return true
	}
	return false
}

func extractAttachment(n *Node, mediaType string, seq int) mailer.Attachment {
	filename := n.Filename()
	if filename == "" {
		filename = fmt.Sprintf("attachment-%d%s", seq, extensionByType(mediaType))
	}

	return mailer.NewAttachment(filename, mediaType, decodeTransfer(n.Body, n.TransferEncoding))
}

// decodeText decodes transfer encoding and charset, normalizes line endings
// and trims surrounding whitespace.
func decodeText(n *Node) string {
	text, _ := textenc.DecodeCharset(decodeTransfer(n.Body, n.TransferEncoding), n.Charset)
	text = strings.ReplaceAll(text, "\r\n", "\n")
	text = strings.ReplaceAll(text, "\r", "\n")
	return strings.TrimSpace(text)
}

// decodeTransfer decodes body according to Content-Transfer-Encoding.
// Payloads that fail to decode are returned as is.
func decodeTransfer(body []byte, encoding string) []byte {
	switch encoding {
	case "base64":
		if out, ok := decodeBase64(body); ok {
			return out
		}
	case "quoted-printable":
		if out, err := io.ReadAll(quotedprintable.NewReader(bytes.NewReader(body))); err == nil {
			return out
		}
	}
	return body
}

var extensions = map[string]string{
	"text/plain":              ".txt",
	"text/html":               ".html",
	"text/calendar":           ".ics",
	"text/csv":                ".csv",
	"image/png":               ".png",
	"image/jpeg":              ".jpg",
	"image/gif":               ".gif",
	"application/pdf":         ".pdf",
	"application/zip":         ".zip",
	"application/json":        ".json",
	"message/rfc822":          ".eml",
	"message/delivery-status": ".txt",
}

func extensionByType(mediaType string) string {
	if ext, ok := extensions[mediaType]; ok {
		return ext
	}
	return ".bin"
}
