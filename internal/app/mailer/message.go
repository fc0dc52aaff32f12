package mailer

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Message is a structured email message.
//
// MessageID is stored without angle brackets, they are added back only when
// the message is serialized.
type Message struct {
	MessageID   string
	Subject     string
	From        Address
	To          []Address
	CC          []Address
	BCC         []Address
	Date        *time.Time // Nil when the Date header is missing or unparseable.
	TextContent string
	HTMLContent string
	Attachments []Attachment

	Status string // Set by callers, never by parsing.
	IsRead bool   // Set by callers, never by parsing.

	UID       string // Server-side unique id, if the mailbox provides one.
	Degraded  bool   // Produced by fallback scanning instead of structural parsing.
	ParsePath string // Parsing path that produced the message.
}

// Address is a mailbox address with optional display name.
type Address struct {
	Name    string
	Address string
}

// Valid reports whether address looks like a mailbox address.
func (a Address) Valid() bool {
	return strings.Contains(a.Address, "@")
}

// String returns address in 'Name <user@host>' form.
func (a Address) String() string {
	if a.Name == "" {
		return a.Address
	}
	return fmt.Sprintf("%s <%s>", a.Name, a.Address)
}

// Attachment is a named binary part of the message.
type Attachment struct {
	Filename    string
	ContentType string
	Content     []byte
	Size        int
}

// NewAttachment creates attachment keeping Size consistent with content length.
func NewAttachment(filename, contentType string, content []byte) Attachment {
	return Attachment{
		Filename:    filename,
		ContentType: contentType,
		Content:     content,
		Size:        len(content),
	}
}

// HasText reports whether message has non-empty plain text body.
func (m *Message) HasText() bool {
	return m.TextContent != ""
}

// HasHTML reports whether message has non-empty HTML body.
func (m *Message) HasHTML() bool {
	return m.HTMLContent != ""
}

// NewMessageID generates unique message id in 'uuid@localhost' form.
func NewMessageID() string {
	return uuid.NewString() + "@localhost"
}

// SafeFilename converts message id into a string safe to be used as file name:
// angle brackets are stripped, '@' and file system special characters are
// replaced with underscore.
func SafeFilename(messageID string) string {
	messageID = strings.TrimSpace(messageID)
	messageID = strings.TrimPrefix(messageID, "<")
	messageID = strings.TrimSuffix(messageID, ">")

	var sb strings.Builder
	sb.Grow(len(messageID))

	for _, c := range messageID {
		switch {
		case c < 0x20 || c == 0x7f:
			sb.WriteRune('_')
		case strings.ContainsRune(unsafeFilenameChars, c):
			sb.WriteRune('_')
		default:
			sb.WriteRune(c)
		}
	}

	if sb.Len() == 0 {
		return "message"
	}

	return sb.String()
}

const unsafeFilenameChars = "@/\\:*?\"<>| \t"
