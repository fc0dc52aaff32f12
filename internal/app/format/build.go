package format

import (
	"bytes"
	"fmt"
	"io"
	"mime"
	"strings"
	"time"

	"github.com/emersion/go-message/mail"

	"github.com/hickar/mailfetch/internal/app/mailer"
)

// BuildFailure is returned when message can't be serialized.
type BuildFailure struct {
	Field string
	Err   error
}

func (e *BuildFailure) Error() string {
	return fmt.Sprintf("build message: %s: %s", e.Field, e.Err)
}

func (e *BuildFailure) Unwrap() error {
	return e.Err
}

const octetStream = "application/octet-stream"

// knownFamilies lists top-level media types kept as is on attachments.
var knownFamilies = map[string]struct{}{
	"text":        {},
	"image":       {},
	"audio":       {},
	"video":       {},
	"application": {},
	"font":        {},
	"model":       {},
	"message":     {},
}

// Build serializes message into MIME wire format with multipart/mixed root.
// Text and HTML bodies go into multipart/alternative with text first,
// attachments follow as separate named parts. Bcc is never written.
func Build(m *mailer.Message) ([]byte, error) {
	return build(m, time.Now)
}

func build(m *mailer.Message, now func() time.Time) ([]byte, error) {
	var h mail.Header

	date := now()
	if m.Date != nil {
		date = *m.Date
	}
	h.SetDate(date)
	h.Set("MIME-Version", "1.0")

	if m.From.Address != "" {
		h.SetAddressList("From", toMailAddresses([]mailer.Address{m.From}))
	}
	if len(m.To) > 0 {
		h.SetAddressList("To", toMailAddresses(m.To))
	}
	if len(m.CC) > 0 {
		h.SetAddressList("Cc", toMailAddresses(m.CC))
	}
	h.SetSubject(m.Subject)

	id := NormalizeMessageID(m.MessageID)
	if id == "" {
		id = mailer.NewMessageID()
	}
	h.SetMessageID(id)

	var buf bytes.Buffer
	mw, err := mail.CreateWriter(&buf, h)
	if err != nil {
		return nil, &BuildFailure{Field: "header", Err: err}
	}

	if err = writeBodies(mw, m); err != nil {
		return nil, &BuildFailure{Field: "body", Err: err}
	}

	for i, att := range m.Attachments {
		if err = writeAttachment(mw, att, i+1); err != nil {
			return nil, err
		}
	}

	if err = mw.Close(); err != nil {
		return nil, &BuildFailure{Field: "body", Err: err}
	}

	return RepairHeaders(buf.Bytes()), nil
}

func writeBodies(mw *mail.Writer, m *mailer.Message) error {
	switch {
	case m.HasText() && m.HasHTML():
		iw, err := mw.CreateInline()
		if err != nil {
			return fmt.Errorf("create inline: %w", err)
		}
		if err = writeInline(iw.CreatePart, "text/plain", m.TextContent); err != nil {
			return err
		}
		if err = writeInline(iw.CreatePart, "text/html", m.HTMLContent); err != nil {
			return err
		}
		return iw.Close()

	case m.HasHTML():
		return writeInline(mw.CreateSingleInline, "text/html", m.HTMLContent)

	default:
		return writeInline(mw.CreateSingleInline, "text/plain", m.TextContent)
	}
}

func writeInline(create func(mail.InlineHeader) (io.WriteCloser, error), mediaType, content string) error {
	var h mail.InlineHeader
	h.SetContentType(mediaType, map[string]string{"charset": "utf-8"})
	h.Set("Content-Transfer-Encoding", "quoted-printable")

	w, err := create(h)
	if err != nil {
		return fmt.Errorf("create %s part: %w", mediaType, err)
	}
	if _, err = io.WriteString(w, content); err != nil {
		return fmt.Errorf("write %s part: %w", mediaType, err)
	}
	return w.Close()
}

func writeAttachment(mw *mail.Writer, att mailer.Attachment, seq int) error {
	mediaType, params, err := attachmentMediaType(att.ContentType)
	if err != nil {
		return &BuildFailure{Field: fmt.Sprintf("attachment %d content type", seq), Err: err}
	}

	filename := att.Filename
	if filename == "" {
		filename = fmt.Sprintf("attachment-%d%s", seq, extensionByType(mediaType))
	}

	var h mail.AttachmentHeader
	h.SetContentType(mediaType, params)
	h.SetFilename(filename)
	if strings.HasPrefix(mediaType, "text/") {
		h.Set("Content-Transfer-Encoding", "quoted-printable")
	} else {
		h.Set("Content-Transfer-Encoding", "base64")
	}

	w, err := mw.CreateAttachment(h)
	if err != nil {
		return &BuildFailure{Field: fmt.Sprintf("attachment %d", seq), Err: err}
	}
	if _, err = w.Write(att.Content); err != nil {
		return &BuildFailure{Field: fmt.Sprintf("attachment %d", seq), Err: err}
	}
	if err = w.Close(); err != nil {
		return &BuildFailure{Field: fmt.Sprintf("attachment %d", seq), Err: err}
	}

	return nil
}

// attachmentMediaType validates content type and maps unknown families to
// application/octet-stream. Empty content type defaults to octet stream.
func attachmentMediaType(contentType string) (string, map[string]string, error) {
	if strings.TrimSpace(contentType) == "" {
		return octetStream, nil, nil
	}

	mediaType, params, err := mime.ParseMediaType(contentType)
	if err != nil {
		return "", nil, fmt.Errorf("parse %q: %w", contentType, err)
	}

	family, subtype, ok := strings.Cut(mediaType, "/")
	if !ok || subtype == "" {
		return "", nil, fmt.Errorf("invalid media type %q", contentType)
	}
	if _, known := knownFamilies[family]; !known {
		return octetStream, nil, nil
	}

	return mediaType, params, nil
}

func toMailAddresses(addrs []mailer.Address) []*mail.Address {
	out := make([]*mail.Address, 0, len(addrs))
	for _, a := range addrs {
		out = append(out, &mail.Address{Name: a.Name, Address: a.Address})
	}
	return out
}
