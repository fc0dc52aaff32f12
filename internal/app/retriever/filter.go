package retriever

import (
	"errors"
	"fmt"
	"strings"
	"unicode"

	"github.com/hickar/mailfetch/internal/app/mailer"
)

// Predicate reports whether message satisfies filter.
type Predicate func(m *mailer.Message) bool

// ParseFilter compiles filter expression, for example
// "FROM == 'boss@corp.com' && !HAS-ATTACHMENT".
func ParseFilter(filterExpr string) (Predicate, error) {
	expr := []rune(filterExpr)

	pred, i, err := parseFilterExpression(expr, 0)
	if err != nil {
		return nil, err
	}

	i = skipSpaces(expr, i)
	if i < len(expr) {
		return nil, fmt.Errorf("unexpected '%c' at position %d", expr[i], i)
	}

	return pred, nil
}

// ParseFilters compiles every expression, message must satisfy all of them.
func ParseFilters(filterExprs []string) (Predicate, error) {
	var preds []Predicate

	for _, filterExpr := range filterExprs {
		if strings.TrimSpace(filterExpr) == "" {
			continue
		}

		pred, err := ParseFilter(filterExpr)
		if err != nil {
			return nil, fmt.Errorf("parse filter expression %q: %w", filterExpr, err)
		}
		preds = append(preds, pred)
	}

	if len(preds) == 0 {
		return nil, nil
	}

	return func(m *mailer.Message) bool {
		for _, pred := range preds {
			if !pred(m) {
				return false
			}
		}
		return true
	}, nil
}

/*
	Parser syntax

	Expression:
		Term || Expression
		Term

	Term:
		Primary && Term
		Primary

	Primary:
		FlagToken
		FieldToken == String
		FieldToken != String
		!Primary
		( Expression )
*/

func parseFilterExpression(filterExpr []rune, i int) (Predicate, int, error) {
	pred, i, err := parseFilterTerm(filterExpr, i)
	if err != nil {
		return nil, i, err
	}

	for {
		i = skipSpaces(filterExpr, i)
		if i >= len(filterExpr) || filterExpr[i] != '|' {
			return pred, i, nil
		}

		if i, err = parseFilterBoolOp(filterExpr, i, '|'); err != nil {
			return nil, i, err
		}

		var t Predicate
		t, i, err = parseFilterTerm(filterExpr, i)
		if err != nil {
			return nil, i, err
		}

		pred = orPredicate(pred, t)
	}
}

func parseFilterTerm(filterExpr []rune, i int) (Predicate, int, error) {
	pred, i, err := parseFilterPrimary(filterExpr, i)
	if err != nil {
		return nil, i, err
	}

	for {
		i = skipSpaces(filterExpr, i)
		if i >= len(filterExpr) || filterExpr[i] != '&' {
			return pred, i, nil
		}

		if i, err = parseFilterBoolOp(filterExpr, i, '&'); err != nil {
			return nil, i, err
		}

		var t Predicate
		t, i, err = parseFilterPrimary(filterExpr, i)
		if err != nil {
			return nil, i, err
		}

		pred = andPredicate(pred, t)
	}
}

func parseFilterPrimary(filterExpr []rune, i int) (Predicate, int, error) {
	i = skipSpaces(filterExpr, i)
	if i >= len(filterExpr) {
		return nil, i, errors.New("unexpected end of expression")
	}

	switch filterExpr[i] {
	case '!':
		t, i, err := parseFilterPrimary(filterExpr, i+1)
		if err != nil {
			return nil, i, err
		}
		return notPredicate(t), i, nil

	case '(':
		pred, i, err := parseFilterExpression(filterExpr, i+1)
		if err != nil {
			return nil, i, err
		}

		i = skipSpaces(filterExpr, i)
		if i >= len(filterExpr) || filterExpr[i] != ')' {
			return nil, i, errors.New("missing closing parenthesis")
		}
		return pred, i + 1, nil
	}

	token, i := parseFilterToken(filterExpr, i)
	if token == "" {
		return nil, i, fmt.Errorf("unexpected '%c' at position %d", filterExpr[i], i)
	}

	token = strings.ToUpper(token)
	if flag, ok := flagTokens[token]; ok {
		return flag, i, nil
	}

	field, ok := fieldTokens[token]
	if !ok {
		return nil, i, fmt.Errorf("unknown token %q", token)
	}

	negate, i, err := parseFilterCmpOp(filterExpr, i)
	if err != nil {
		return nil, i, err
	}

	value, i, err := parseFilterQuotedToken(filterExpr, i)
	if err != nil {
		return nil, i, err
	}

	pred := containsPredicate(field, value)
	if negate {
		pred = notPredicate(pred)
	}

	return pred, i, nil
}

func parseFilterToken(filterExpr []rune, i int) (string, int) {
	var sb strings.Builder

	for i < len(filterExpr) {
		c := filterExpr[i]

		switch {
		case unicode.IsLetter(c) || c == '-':
			sb.WriteRune(c)
			i++

		default:
			return sb.String(), i
		}
	}

	return sb.String(), i
}

func parseFilterQuotedToken(filterExpr []rune, i int) (string, int, error) {
	var sb strings.Builder
	var startQuote rune

	for i < len(filterExpr) {
		c := filterExpr[i]

		switch {
		case startQuote == 0 && (c == '\'' || c == '"'):
			startQuote = c
			i++

		case startQuote == 0 && unicode.IsSpace(c):
			i++

		case startQuote == 0:
			return "", i, fmt.Errorf("expected starting quote but got '%c'", c)

		case c != startQuote:
			sb.WriteRune(c)
			i++

		default:
			return sb.String(), i + 1, nil
		}
	}

	if startQuote != 0 {
		return "", i, errors.New("missing closing quote")
	}

	return "", i, errors.New("missing quoted value")
}

func parseFilterBoolOp(filterExpr []rune, i int, opChar rune) (int, error) {
	if i+1 < len(filterExpr) && filterExpr[i] == opChar && filterExpr[i+1] == opChar {
		return i + 2, nil
	}

	return i, fmt.Errorf("expected '%c%c' at position %d", opChar, opChar, i)
}

// parseFilterCmpOp parses == or != and reports whether comparison is negated.
func parseFilterCmpOp(filterExpr []rune, i int) (bool, int, error) {
	i = skipSpaces(filterExpr, i)
	if i+1 >= len(filterExpr) || filterExpr[i+1] != '=' {
		return false, i, fmt.Errorf("expected comparison operator at position %d", i)
	}

	switch filterExpr[i] {
	case '=':
		return false, i + 2, nil
	case '!':
		return true, i + 2, nil
	default:
		return false, i, fmt.Errorf("unexpected token '%c'", filterExpr[i])
	}
}

func skipSpaces(filterExpr []rune, i int) int {
	for i < len(filterExpr) && unicode.IsSpace(filterExpr[i]) {
		i++
	}
	return i
}

// fieldTokens extract searchable text of message field.
var fieldTokens = map[string]func(m *mailer.Message) []string{
	"FROM": func(m *mailer.Message) []string {
		return addressTexts([]mailer.Address{m.From})
	},
	"TO": func(m *mailer.Message) []string {
		return addressTexts(m.To)
	},
	"CC": func(m *mailer.Message) []string {
		return addressTexts(m.CC)
	},
	"SUBJECT": func(m *mailer.Message) []string {
		return []string{m.Subject}
	},
	"BODY": func(m *mailer.Message) []string {
		return []string{m.TextContent, m.HTMLContent}
	},
	"TEXT": func(m *mailer.Message) []string {
		texts := []string{m.Subject, m.TextContent, m.HTMLContent}
		texts = append(texts, addressTexts([]mailer.Address{m.From})...)
		texts = append(texts, addressTexts(m.To)...)
		return append(texts, addressTexts(m.CC)...)
	},
}

var flagTokens = map[string]Predicate{
	"HAS-ATTACHMENT": func(m *mailer.Message) bool { return len(m.Attachments) > 0 },
	"HAS-HTML":       func(m *mailer.Message) bool { return m.HasHTML() },
	"HAS-TEXT":       func(m *mailer.Message) bool { return m.HasText() },
	"DEGRADED":       func(m *mailer.Message) bool { return m.Degraded },
	"SEEN":           func(m *mailer.Message) bool { return m.IsRead },
	"UNSEEN":         func(m *mailer.Message) bool { return !m.IsRead },
}

func addressTexts(addrs []mailer.Address) []string {
	texts := make([]string, 0, len(addrs))
	for _, a := range addrs {
		texts = append(texts, a.String())
	}
	return texts
}

func containsPredicate(field func(m *mailer.Message) []string, value string) Predicate {
	value = strings.ToLower(value)

	return func(m *mailer.Message) bool {
		for _, text := range field(m) {
			if strings.Contains(strings.ToLower(text), value) {
				return true
			}
		}
		return false
	}
}

func andPredicate(p1, p2 Predicate) Predicate {
	return func(m *mailer.Message) bool {
		return p1(m) && p2(m)
	}
}

func orPredicate(p1, p2 Predicate) Predicate {
	return func(m *mailer.Message) bool {
		return p1(m) || p2(m)
	}
}

func notPredicate(p Predicate) Predicate {
	return func(m *mailer.Message) bool {
		return !p(m)
	}
}
