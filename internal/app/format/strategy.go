package format

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/textproto"
	"regexp"
	"strings"

	gotextproto "github.com/emersion/go-message/textproto"
	"github.com/jhillyerd/enmime"
	moxmessage "github.com/mjl-/mox/message"
)

// Strategy is a named parsing routine. Strategies are pure: they either
// return a node tree or an error, and never look at each other's results.
type Strategy struct {
	Name  string
	Parse func(raw []byte) (*Node, error)
}

// Strategy names, also used as parse path labels.
const (
	StrategyStrict        = "strict"
	StrategyDefault       = "default"
	StrategyCompatibility = "compatibility"
	StrategyLenient       = "lenient"
)

// maxDepth limits multipart nesting to protect against hostile input.
const maxDepth = 32

var multipartDeclRe = regexp.MustCompile(`(?i)content-type:\s*multipart/`)

// tooDeep reports whether raw declares more multipart entities than maxDepth.
// Some parsers build the whole tree before any depth check can run, their
// cost grows quadratically with nesting, so such input skips them entirely.
func tooDeep(raw []byte) bool {
	return len(multipartDeclRe.FindAllIndex(raw, maxDepth+1)) > maxDepth
}

// DefaultStrategies returns parsing strategies ordered from the strictest
// to the most forgiving one.
func DefaultStrategies(logger *slog.Logger) []Strategy {
	return []Strategy{
		{Name: StrategyStrict, Parse: strictParser(logger)},
		{Name: StrategyDefault, Parse: parseDefault},
		{Name: StrategyCompatibility, Parse: parseCompatibility},
		{Name: StrategyLenient, Parse: lenientParser(logger)},
	}
}

// ParseFailure is returned when every strategy of the chain failed.
type ParseFailure struct {
	Reasons []error
}

func (e *ParseFailure) Error() string {
	reasons := make([]string, 0, len(e.Reasons))
	for _, r := range e.Reasons {
		reasons = append(reasons, r.Error())
	}
	return "all parsing strategies failed: " + strings.Join(reasons, "; ")
}

func (e *ParseFailure) Unwrap() []error {
	return e.Reasons
}

// runChain tries strategies in order and returns the first successful result
// along with the name of the strategy that produced it.
func runChain(strategies []Strategy, raw []byte, accept func(*Node) error) (*Node, string, error) {
	failure := &ParseFailure{}

	for _, s := range strategies {
		node, err := runStrategy(s, raw)
		if err == nil && accept != nil {
			err = accept(node)
		}
		if err != nil {
			failure.Reasons = append(failure.Reasons, fmt.Errorf("%s: %w", s.Name, err))
			continue
		}

		return node, s.Name, nil
	}

	return nil, "", failure
}

// runStrategy converts panics of third-party parsers into strategy failures.
func runStrategy(s Strategy, raw []byte) (node *Node, err error) {
	defer func() {
		if r := recover(); r != nil {
			node, err = nil, fmt.Errorf("panic: %v", r)
		}
	}()

	return s.Parse(raw)
}

func strictParser(logger *slog.Logger) func([]byte) (*Node, error) {
	return func(raw []byte) (*Node, error) {
		part, err := moxmessage.Parse(logger, true, bytes.NewReader(raw))
		if err != nil {
			return nil, fmt.Errorf("parse: %w", err)
		}
		if err = part.Walk(logger, nil); err != nil {
			return nil, fmt.Errorf("walk: %w", err)
		}

		return fromMoxPart(&part, 0)
	}
}

func lenientParser(logger *slog.Logger) func([]byte) (*Node, error) {
	return func(raw []byte) (*Node, error) {
		part, err := moxmessage.EnsurePart(logger, false, bytes.NewReader(raw), int64(len(raw)))
		if err == nil {
			return fromMoxPart(&part, 0)
		}

		// EnsurePart falls back to a single opaque part, header may still be usable.
		logger.Debug("lenient parsing degraded to single part", slog.Any("error", err))

		header, herr := part.Header()
		if herr != nil {
			return nil, fmt.Errorf("read header: %w", herr)
		}

		node := newNode(header, bodyAfterHeader(raw))
		if node.IsMultipart() {
			node.MediaType = defaultMediaType
			node.TransferEncoding = ""
		}
		return node, nil
	}
}

func fromMoxPart(part *moxmessage.Part, depth int) (*Node, error) {
	if depth > maxDepth {
		return nil, errors.New("multipart nesting too deep")
	}

	header, err := part.Header()
	if err != nil {
		return nil, fmt.Errorf("read header: %w", err)
	}

	if len(part.Parts) == 0 {
		body, err := io.ReadAll(part.RawReader())
		if err != nil {
			return nil, fmt.Errorf("read body: %w", err)
		}
		return newNode(header, body), nil
	}

	node := newNode(header, nil)
	node.Kind = MultipartNode
	for i := range part.Parts {
		child, err := fromMoxPart(&part.Parts[i], depth+1)
		if err != nil {
			return nil, err
		}
		node.Children = append(node.Children, child)
	}

	return node, nil
}

func parseDefault(raw []byte) (*Node, error) {
	br := bufio.NewReader(bytes.NewReader(raw))

	header, err := gotextproto.ReadHeader(br)
	if err != nil {
		return nil, fmt.Errorf("read header: %w", err)
	}

	return readEntity(header, br, 0)
}

func readEntity(header gotextproto.Header, body io.Reader, depth int) (*Node, error) {
	if depth > maxDepth {
		return nil, errors.New("multipart nesting too deep")
	}

	node := newNode(toMIMEHeader(header), nil)
	if !node.IsMultipart() {
		b, err := io.ReadAll(body)
		if err != nil {
			return nil, fmt.Errorf("read body: %w", err)
		}
		node.Body = b
		return node, nil
	}

	boundary := node.Params["boundary"]
	if boundary == "" {
		return nil, errors.New("multipart entity without boundary")
	}

	node.Kind = MultipartNode
	mr := gotextproto.NewMultipartReader(body, boundary)
	for {
		p, err := mr.NextPart()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("next part: %w", err)
		}

		child, err := readEntity(p.Header, p, depth+1)
		if err != nil {
			return nil, err
		}
		node.Children = append(node.Children, child)
	}

	if len(node.Children) == 0 {
		return nil, errors.New("multipart entity without parts")
	}

	return node, nil
}

func toMIMEHeader(h gotextproto.Header) textproto.MIMEHeader {
	mh := make(textproto.MIMEHeader, h.Len())
	fields := h.Fields()
	for fields.Next() {
		mh.Add(fields.Key(), fields.Value())
	}
	return mh
}

func parseCompatibility(raw []byte) (*Node, error) {
	root, err := enmime.ReadParts(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("read parts: %w", err)
	}

	return fromEnmimePart(root, 0)
}

func fromEnmimePart(part *enmime.Part, depth int) (*Node, error) {
	if depth > maxDepth {
		return nil, errors.New("multipart nesting too deep")
	}

	node := newNode(part.Header, part.Content)
	if part.ContentType != "" {
		node.MediaType = strings.ToLower(part.ContentType)
	}
	if part.Disposition != "" {
		node.Disposition = strings.ToLower(part.Disposition)
	}
	if part.FileName != "" {
		if node.DispositionParams == nil {
			node.DispositionParams = map[string]string{}
		}
		node.DispositionParams["filename"] = part.FileName
	}

	// Content is already transfer decoded, text is converted to UTF-8.
	node.TransferEncoding = ""
	if strings.HasPrefix(node.MediaType, "text/") {
		node.Charset = "utf-8"
	}

	for child := part.FirstChild; child != nil; child = child.NextSibling {
		n, err := fromEnmimePart(child, depth+1)
		if err != nil {
			return nil, err
		}
		node.Children = append(node.Children, n)
	}
	if len(node.Children) > 0 {
		node.Kind = MultipartNode
	}

	return node, nil
}

// bodyAfterHeader returns bytes following the first blank line.
func bodyAfterHeader(raw []byte) []byte {
	if i := bytes.Index(raw, []byte("\r\n\r\n")); i >= 0 {
		return raw[i+4:]
	}
	if i := bytes.Index(raw, []byte("\n\n")); i >= 0 {
		return raw[i+2:]
	}
	return nil
}
