// Package format converts raw message bytes into structured messages and back.
//
// Parsing never fails: input is handled by the first of several paths that
// succeeds, from strict structural parsing down to line based header scanning.
// When even scanning finds no sender, a sentinel message is produced.
package format

import (
	"errors"
	"log/slog"
	"net/textproto"
	"strings"
	"time"

	"github.com/hickar/mailfetch/internal/app/mailer"
	"github.com/hickar/mailfetch/internal/app/metrics"
)

// Parse paths besides the strategy names.
const (
	PathDirect   = "direct"
	PathFallback = "fallback"
	PathSentinel = "sentinel"
)

// Sentinel values used when message could not be parsed at all.
const (
	SentinelFrom    = "unknown@localhost"
	SentinelSubject = "(no subject)"
	SentinelBody    = "(message could not be parsed)"
)

var errNoSender = errors.New("message has no sender")

type Parser struct {
	logger     *slog.Logger
	direct     Strategy
	strategies []Strategy
	now        func() time.Time
}

type ParserOption func(*Parser)

// WithStrategies overrides parsing strategy chain.
func WithStrategies(strategies ...Strategy) ParserOption {
	return func(p *Parser) {
		p.strategies = strategies
	}
}

// WithClock overrides clock used for sentinel dates.
func WithClock(now func() time.Time) ParserOption {
	return func(p *Parser) {
		p.now = now
	}
}

func NewParser(logger *slog.Logger, opts ...ParserOption) *Parser {
	p := &Parser{
		logger:     logger,
		direct:     Strategy{Name: PathDirect, Parse: strictParser(logger)},
		strategies: DefaultStrategies(logger),
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// ParseString is Parse for string input.
func (p *Parser) ParseString(raw string) *mailer.Message {
	return p.Parse([]byte(raw))
}

// Parse converts raw message bytes into structured message. It never fails;
// the returned message has Degraded set when it was recovered by header
// scanning or filled with sentinel values.
func (p *Parser) Parse(raw []byte) *mailer.Message {
	msg, path := p.parse(raw)
	msg.ParsePath = path

	metrics.ParsePathTotal.WithLabelValues(path).Inc()
	p.logger.Debug("message parsed",
		slog.String("path", path),
		slog.String("message_id", msg.MessageID),
		slog.Bool("degraded", msg.Degraded),
	)

	return msg
}

func (p *Parser) parse(raw []byte) (*mailer.Message, string) {
	if tooDeep(raw) {
		p.logger.Debug("multipart nesting limit exceeded, scanning headers only", slog.Int("limit", maxDepth))
	} else {
		if node, err := runStrategy(p.direct, raw); err == nil && hasSender(node) == nil {
			return fromTree(node), PathDirect
		}

		node, name, err := runChain(p.strategies, Preprocess(raw), hasSender)
		if err == nil {
			return fromTree(node), name
		}
		p.logger.Debug("structural parsing failed", slog.Any("error", err))
	}

	scan := scanHeaders(raw)
	msg := fromHeader(scan.Header)
	msg.TextContent = scan.Body
	msg.Degraded = true

	if msg.From.Valid() {
		return msg, PathFallback
	}

	msg.From = mailer.Address{Address: SentinelFrom}
	if msg.Subject == "" {
		msg.Subject = SentinelSubject
	}
	if msg.TextContent == "" {
		msg.TextContent = SentinelBody
	}
	now := p.now()
	msg.Date = &now

	return msg, PathSentinel
}

func hasSender(node *Node) error {
	if addr, ok := ParseAddress(firstAddress(node.Header.Get("From"))); !ok || !addr.Valid() {
		return errNoSender
	}
	return nil
}

func fromTree(root *Node) *mailer.Message {
	msg := fromHeader(root.Header)

	content := Extract(root)
	msg.TextContent = content.Text
	msg.HTMLContent = content.HTML
	msg.Attachments = content.Attachments

	return msg
}

// fromHeader fills message envelope fields from header.
func fromHeader(h textproto.MIMEHeader) *mailer.Message {
	msg := &mailer.Message{
		MessageID: NormalizeMessageID(h.Get("Message-Id")),
		Subject:   DecodeHeaderValue(h.Get("Subject")),
		To:        ParseAddressList(strings.Join(h.Values("To"), ", ")),
		CC:        ParseAddressList(strings.Join(h.Values("Cc"), ", ")),
		BCC:       ParseAddressList(strings.Join(h.Values("Bcc"), ", ")),
		Date:      ParseDate(h.Get("Date")),
	}

	if addr, ok := ParseAddress(firstAddress(h.Get("From"))); ok {
		msg.From = addr
	}
	if msg.MessageID == "" {
		msg.MessageID = mailer.NewMessageID()
	}

	return msg
}

// firstAddress returns the first entry of an address list header.
func firstAddress(raw string) string {
	if list := splitAddressList(raw); len(list) > 0 {
		return list[0]
	}
	return raw
}
