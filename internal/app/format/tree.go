package format

import (
	"mime"
	"net/textproto"
	"strings"
)

// NodeKind tells leaf parts from multipart containers.
type NodeKind int

const (
	LeafNode NodeKind = iota
	MultipartNode
)

// Node is a parsed MIME entity. Every parsing strategy produces a tree of
// nodes, which is what the content extractor walks.
type Node struct {
	Kind              NodeKind
	Header            textproto.MIMEHeader
	MediaType         string            // Lower case, e.g. "text/plain".
	Params            map[string]string // Content-Type parameters, lower case keys.
	Disposition       string            // Lower case, e.g. "attachment". Empty if absent.
	DispositionParams map[string]string
	TransferEncoding  string // Lower case. Empty means body is already decoded.
	Charset           string // Empty means unknown.
	Body              []byte
	Children          []*Node
}

const defaultMediaType = "text/plain"

// newNode creates leaf node, taking content attributes from header.
func newNode(header textproto.MIMEHeader, body []byte) *Node {
	if header == nil {
		header = textproto.MIMEHeader{}
	}

	n := &Node{
		Kind:             LeafNode,
		Header:           header,
		Body:             body,
		TransferEncoding: strings.ToLower(strings.TrimSpace(header.Get("Content-Transfer-Encoding"))),
	}
	n.MediaType, n.Params = parseMediaType(header.Get("Content-Type"))
	if n.MediaType == "" {
		n.MediaType = defaultMediaType
	}
	n.Charset = n.Params["charset"]

	if cd := header.Get("Content-Disposition"); cd != "" {
		n.Disposition, n.DispositionParams = parseMediaType(cd)
	}

	return n
}

// parseMediaType parses header value like Content-Type, tolerating broken
// parameters by keeping the bare value.
func parseMediaType(v string) (string, map[string]string) {
	v = strings.TrimSpace(v)
	if v == "" {
		return "", map[string]string{}
	}

	mt, params, err := mime.ParseMediaType(v)
	if err == nil {
		return strings.ToLower(mt), params
	}

	bare, rest, _ := strings.Cut(v, ";")
	params = map[string]string{}
	for _, kv := range strings.Split(rest, ";") {
		k, val, ok := strings.Cut(kv, "=")
		if !ok {
			continue
		}
		params[strings.ToLower(strings.TrimSpace(k))] = strings.Trim(strings.TrimSpace(val), `"`)
	}

	return strings.ToLower(strings.TrimSpace(bare)), params
}

// IsMultipart reports whether media type belongs to multipart family.
func (n *Node) IsMultipart() bool {
	return strings.HasPrefix(n.MediaType, "multipart/")
}

// Filename returns decoded file name from disposition or content type parameters.
func (n *Node) Filename() string {
	name := n.DispositionParams["filename"]
	if name == "" {
		name = n.Params["name"]
	}
	return DecodeHeaderValue(name)
}
