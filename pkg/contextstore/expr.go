package contextstore

import (
	"crypto/rand"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"
	"unicode"
)

// Evaluate runs one expression from the whitelisted grammar against a path
// lookup function: literals, path references, comparisons, boolean operators
// and a fixed helper set (now, timestamp, random, json, json_parse). There is
// no access to process-global state.
func Evaluate(expr string, lookup func(path string) (any, bool)) (any, error) {
	tokens, err := tokenize(expr)
	if err != nil {
		return nil, err
	}

	p := &parser{tokens: tokens, lookup: lookup}

	value, err := p.parseOr()
	if err != nil {
		return nil, err
	}

	if p.pos != len(p.tokens) {
		return nil, fmt.Errorf("unexpected token %q", p.tokens[p.pos].text)
	}

	return value, nil
}

// Truthy converts an evaluated value to a boolean: false, zero numbers, empty
// strings and nil are false, everything else is true.
func Truthy(value any) bool {
	switch v := value.(type) {
	case bool:
		return v
	case string:
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}

		return v != ""
	case int:
		return v != 0
	case int64:
		return v != 0
	case float64:
		return v != 0
	case nil:
		return false
	default:
		return true
	}
}

type tokenKind int

const (
	tokenIdent tokenKind = iota
	tokenNumber
	tokenString
	tokenOperator
	tokenLeftParen
	tokenRightParen
	tokenComma
)

type token struct {
	kind tokenKind
	text string
}

func tokenize(expr string) ([]token, error) {
	var tokens []token

	runes := []rune(expr)
	i := 0

	for i < len(runes) {
		r := runes[i]

		switch {
		case unicode.IsSpace(r):
			i++
		case r == '(':
			tokens = append(tokens, token{tokenLeftParen, "("})
			i++
		case r == ')':
			tokens = append(tokens, token{tokenRightParen, ")"})
			i++
		case r == ',':
			tokens = append(tokens, token{tokenComma, ","})
			i++
		case r == '\'' || r == '"':
			quote := r
			j := i + 1

			for j < len(runes) && runes[j] != quote {
				j++
			}

			if j >= len(runes) {
				return nil, fmt.Errorf("unterminated string literal in %q", expr)
			}

			tokens = append(tokens, token{tokenString, string(runes[i+1 : j])})
			i = j + 1
		case strings.ContainsRune("=!<>&|", r):
			j := i + 1
			if j < len(runes) && strings.ContainsRune("=&|", runes[j]) {
				j++
			}

			op := string(runes[i:j])
			switch op {
			case "==", "!=", "<", "<=", ">", ">=", "&&", "||", "!":
				tokens = append(tokens, token{tokenOperator, op})
			default:
				return nil, fmt.Errorf("unknown operator %q", op)
			}

			i = j
		case unicode.IsDigit(r) || (r == '-' && i+1 < len(runes) && unicode.IsDigit(runes[i+1])):
			j := i + 1
			for j < len(runes) && (unicode.IsDigit(runes[j]) || runes[j] == '.') {
				j++
			}

			tokens = append(tokens, token{tokenNumber, string(runes[i:j])})
			i = j
		case unicode.IsLetter(r) || r == '_':
			j := i + 1
			for j < len(runes) && (unicode.IsLetter(runes[j]) || unicode.IsDigit(runes[j]) || runes[j] == '_' || runes[j] == '.') {
				j++
			}

			tokens = append(tokens, token{tokenIdent, string(runes[i:j])})
			i = j
		default:
			return nil, fmt.Errorf("unexpected character %q in expression", string(r))
		}
	}

	return tokens, nil
}

type parser struct {
	tokens []token
	pos    int
	lookup func(path string) (any, bool)
}

func (p *parser) peek() (token, bool) {
	if p.pos >= len(p.tokens) {
		return token{}, false
	}

	return p.tokens[p.pos], true
}

func (p *parser) acceptOperator(ops ...string) (string, bool) {
	tok, ok := p.peek()
	if !ok || tok.kind != tokenOperator {
		return "", false
	}

	for _, op := range ops {
		if tok.text == op {
			p.pos++

			return op, true
		}
	}

	return "", false
}

func (p *parser) parseOr() (any, error) {
	left, err := p.parseAnd()
	if err != nil {
		return nil, err
	}

	for {
		if _, ok := p.acceptOperator("||"); !ok {
			return left, nil
		}

		right, err := p.parseAnd()
		if err != nil {
			return nil, err
		}

		left = Truthy(left) || Truthy(right)
	}
}

func (p *parser) parseAnd() (any, error) {
	left, err := p.parseNot()
	if err != nil {
		return nil, err
	}

	for {
		if _, ok := p.acceptOperator("&&"); !ok {
			return left, nil
		}

		right, err := p.parseNot()
		if err != nil {
			return nil, err
		}

		left = Truthy(left) && Truthy(right)
	}
}

func (p *parser) parseNot() (any, error) {
	if _, ok := p.acceptOperator("!"); ok {
		value, err := p.parseNot()
		if err != nil {
			return nil, err
		}

		return !Truthy(value), nil
	}

	return p.parseComparison()
}

func (p *parser) parseComparison() (any, error) {
	left, err := p.parseTerm()
	if err != nil {
		return nil, err
	}

	op, ok := p.acceptOperator("==", "!=", "<=", ">=", "<", ">")
	if !ok {
		return left, nil
	}

	right, err := p.parseTerm()
	if err != nil {
		return nil, err
	}

	return compare(op, left, right)
}

func (p *parser) parseTerm() (any, error) {
	tok, ok := p.peek()
	if !ok {
		return nil, fmt.Errorf("unexpected end of expression")
	}

	switch tok.kind {
	case tokenLeftParen:
		p.pos++

		value, err := p.parseOr()
		if err != nil {
			return nil, err
		}

		if next, ok := p.peek(); !ok || next.kind != tokenRightParen {
			return nil, fmt.Errorf("missing closing parenthesis")
		}

		p.pos++

		return value, nil
	case tokenNumber:
		p.pos++

		num, err := strconv.ParseFloat(tok.text, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid number %q: %w", tok.text, err)
		}

		return num, nil
	case tokenString:
		p.pos++

		return tok.text, nil
	case tokenIdent:
		p.pos++

		if next, ok := p.peek(); ok && next.kind == tokenLeftParen {
			return p.parseCall(tok.text)
		}

		switch tok.text {
		case "true":
			return true, nil
		case "false":
			return false, nil
		case "null":
			return nil, nil
		}

		value, _ := p.lookup(tok.text)

		return value, nil
	default:
		return nil, fmt.Errorf("unexpected token %q", tok.text)
	}
}

func (p *parser) parseCall(name string) (any, error) {
	p.pos++ // consume '('

	var args []any

	for {
		tok, ok := p.peek()
		if !ok {
			return nil, fmt.Errorf("unterminated call to %s", name)
		}

		if tok.kind == tokenRightParen {
			p.pos++

			break
		}

		if len(args) > 0 {
			if tok.kind != tokenComma {
				return nil, fmt.Errorf("expected comma in call to %s", name)
			}

			p.pos++
		}

		arg, err := p.parseOr()
		if err != nil {
			return nil, err
		}

		args = append(args, arg)
	}

	return callHelper(name, args, p.lookup)
}

func callHelper(name string, args []any, lookup func(string) (any, bool)) (any, error) {
	switch name {
	case "now":
		return time.Now().UTC().Format(time.RFC3339), nil
	case "timestamp":
		return float64(time.Now().UTC().Unix()), nil
	case "random":
		limit := 100
		if len(args) == 1 {
			if n, ok := args[0].(float64); ok && n > 0 {
				limit = int(n)
			}
		}

		buf := make([]byte, 2)
		if _, err := rand.Read(buf); err != nil {
			return float64(0), nil
		}

		return float64((int(buf[0])<<8 | int(buf[1])) % limit), nil
	case "json":
		if len(args) != 1 {
			return nil, fmt.Errorf("json expects one argument")
		}

		raw, err := json.Marshal(args[0])
		if err != nil {
			return nil, fmt.Errorf("json helper: %w", err)
		}

		return string(raw), nil
	case "json_parse":
		if len(args) != 1 {
			return nil, fmt.Errorf("json_parse expects one argument")
		}

		str, ok := args[0].(string)
		if !ok {
			return nil, fmt.Errorf("json_parse expects a string argument")
		}

		var value any
		if err := json.Unmarshal([]byte(str), &value); err != nil {
			return nil, fmt.Errorf("json_parse: %w", err)
		}

		return value, nil
	default:
		return nil, fmt.Errorf("unknown helper %q", name)
	}
}

func compare(op string, left, right any) (any, error) {
	lnum, lok := asNumber(left)
	rnum, rok := asNumber(right)

	if lok && rok {
		switch op {
		case "==":
			return lnum == rnum, nil
		case "!=":
			return lnum != rnum, nil
		case "<":
			return lnum < rnum, nil
		case "<=":
			return lnum <= rnum, nil
		case ">":
			return lnum > rnum, nil
		case ">=":
			return lnum >= rnum, nil
		}
	}

	lstr := formatValue(left)
	rstr := formatValue(right)

	switch op {
	case "==":
		return lstr == rstr, nil
	case "!=":
		return lstr != rstr, nil
	case "<":
		return lstr < rstr, nil
	case "<=":
		return lstr <= rstr, nil
	case ">":
		return lstr > rstr, nil
	case ">=":
		return lstr >= rstr, nil
	default:
		return nil, fmt.Errorf("unsupported comparison %q", op)
	}
}

func asNumber(value any) (float64, bool) {
	switch v := value.(type) {
	case float64:
		return v, true
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	case string:
		if n, err := strconv.ParseFloat(v, 64); err == nil {
			return n, true
		}
	}

	return 0, false
}
