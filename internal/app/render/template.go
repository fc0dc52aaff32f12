// Package render formats fetched messages with text/template.
package render

import (
	"bytes"
	"fmt"
	"hash/fnv"
	"html"
	"io"
	"strconv"
	"strings"
	"text/template"

	"github.com/microcosm-cc/bluemonday"
	"jaytaylor.com/html2text"

	"github.com/hickar/mailfetch/internal/app/mailer"
	"github.com/hickar/mailfetch/internal/pkg/kvstore"
	"github.com/hickar/mailfetch/internal/pkg/units"
)

const defaultTemplateContent = `
{{- define "addresses" -}}
	{{- range $idx, $address := . -}}
		{{- if ne $idx 0 -}}
			{{- printf ", " -}}
		{{- end -}}
		{{- $address.String -}}
	{{- end -}}
{{- end -}}

{{- if .From.Address }}From: {{ .From.String }}
{{ end }}
{{- if .To }}To: {{ template "addresses" .To }}
{{ end }}
{{- if .CC }}CC: {{ template "addresses" .CC }}
{{ end }}
{{- if .Subject }}Subject: {{ .Subject }}
{{ end }}
{{- if .Date }}Date: {{ .Date.Format "Jan 02 2006 15:04:05" }}
{{ end }}
{{- if .Degraded }}Note: recovered from malformed source
{{ end }}
{{ if .HasText }}{{ trimSpace .TextContent }}
{{ else if .HasHTML }}{{ htmlstring .HTMLContent | trimSpace }}
{{ else -}}TEXT MESSAGE CAN NOT BE REPRESENTED
{{ end -}}
{{ range .Attachments }}
Attachment: {{ .Filename }} ({{ .ContentType }}, {{ humanSize .Size }})
{{- end }}`

var (
	// defaultTemplateFuncs are available to the default template and to account
	// templates set with the 'template' option. Markdown helpers let a template
	// produce summaries for pasting into chats and issue trackers.
	defaultTemplateFuncs = template.FuncMap{
		"escapeMarkdown": escapeMarkdown,
		"escapeHTML":     escapeHTML,
		"sanitizeHTML":   sanitizeHTML,
		"join":           strings.Join,
		"replace":        strings.Replace,
		"replaceAll":     strings.ReplaceAll,
		"upper":          strings.ToUpper,
		"lower":          strings.ToLower,
		"contains":       strings.Contains,
		"trim":           strings.Trim,
		"trimSpace":      strings.TrimSpace,
		"bytestring":     bytesToString,
		"htmlstring":     htmlToText,
		"humanSize":      humanSize,
		"quoteMarkdown":  quoteMarkdown,
	}
	defaultTemplateName = "default"
	defaultTemplate     = template.Must(
		template.
			New(defaultTemplateName).
			Funcs(defaultTemplateFuncs).
			Parse(defaultTemplateContent),
	)

	// Accounts render every message with the same template, parse it once.
	customTemplates = kvstore.New[string, *template.Template]()
)

// Render formats message with templateContent, built-in template is used
// when templateContent is empty.
func Render(message *mailer.Message, templateContent string) (string, error) {
	var buf bytes.Buffer

	switch {
	case templateContent == "":
		if err := defaultTemplate.Execute(&buf, message); err != nil {
			return "", fmt.Errorf("default template rendering: %w", err)
		}
	default:
		tmpl, err := customTemplate(templateContent)
		if err != nil {
			return "", err
		}

		if err = tmpl.Execute(&buf, message); err != nil {
			return "", fmt.Errorf("custom template rendering: %w", err)
		}
	}

	// text/template leaves trailing newline of the last block.
	return strings.TrimSpace(buf.String()), nil
}

func customTemplate(content string) (*template.Template, error) {
	if tmpl, ok := customTemplates.Get(content); ok {
		return tmpl, nil
	}

	tmpl, err := template.
		New(templateHash(content)).
		Funcs(defaultTemplateFuncs).
		Parse(content)
	if err != nil {
		return nil, fmt.Errorf("custom template parsing: %w", err)
	}

	customTemplates.Set(content, tmpl)
	return tmpl, nil
}

func templateHash(s string) string {
	h := fnv.New32a()
	_, _ = h.Write([]byte(s))
	return strconv.FormatUint(uint64(h.Sum32()), 16)
}

func escapeMarkdown(s string) string {
	return escapeCharacters(s, markdownSpecialChars)
}

func escapeHTML(s string) string {
	return html.EscapeString(s)
}

var sanitizePolicy = bluemonday.UGCPolicy()

// sanitizeHTML strips scripts, event handlers and other unsafe markup.
func sanitizeHTML(s string) string {
	return sanitizePolicy.Sanitize(s)
}

func humanSize(size int) string {
	return units.HumanSize(float64(size))
}

func bytesToString(payload any) string {
	switch v := payload.(type) {
	case string:
		return v

	case []byte:
		return string(v)

	case io.Reader:
		b, err := io.ReadAll(v)
		if err != nil {
			break
		}

		return string(b)
	}

	return ""
}

var defaultHTMLToTextOpts = html2text.Options{TextOnly: true}

func htmlToText(payload any) string {
	var output string

	switch v := payload.(type) {
	case string:
		output, _ = html2text.FromString(v, defaultHTMLToTextOpts)
	case []byte:
		output, _ = html2text.FromString(string(v), defaultHTMLToTextOpts)
	case io.Reader:
		output, _ = html2text.FromReader(v, defaultHTMLToTextOpts)
	}

	return output
}

// quoteMarkdown wraps provided text in markdown 'quote' block
// by prepending each line with '>' symbol.
func quoteMarkdown(s string) string {
	br := bytes.NewBufferString(s)
	bw := bytes.NewBuffer(make([]byte, 0, len(s)))

	for {
		line, err := br.ReadString('\n')
		if line == "" && err != nil {
			break
		}

		_, _ = fmt.Fprintf(bw, ">%s", line)
	}

	return bw.String()
}

func escapeCharacters(s string, charMap map[rune]struct{}) string {
	var (
		buf strings.Builder
		ok  bool
	)

	buf.Grow(len(s))

	for _, c := range s {
		if _, ok = charMap[c]; ok {
			buf.WriteString(`\`)
		}

		buf.WriteRune(c)
	}

	return buf.String()
}

var markdownSpecialChars = map[rune]struct{}{
	'_': {},
	'*': {},
	'[': {},
	']': {},
	'(': {},
	')': {},
	'~': {},
	'`': {},
	'>': {},
	'#': {},
	'+': {},
	'-': {},
	'=': {},
	'|': {},
	'{': {},
	'}': {},
	'.': {},
	'!': {},
	'"': {},
}
