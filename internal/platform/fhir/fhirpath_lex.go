package fhir

import (
	"fmt"
	"strings"
	"unicode"
)

type tokenKind int

const (
	tkIdent tokenKind = iota
	tkNumber
	tkString
	tkDateTime
	tkVariable
	tkOp
	tkDot
	tkComma
	tkLParen
	tkRParen
	tkLBrack
	tkRBrack
	tkLBrace
	tkRBrace
	tkEOF
)

type token struct {
	kind  tokenKind
	value string
	pos   int
}

// lexer turns an expression into tokens. Identifiers may be delimited with
// backticks; environment variables are %name, %`name` or %'name'.
type lexer struct {
	src    string
	pos    int
	tokens []token
}

func lex(src string) ([]token, error) {
	l := &lexer{src: src}
	for {
		l.skipSpace()
		if l.pos >= len(l.src) {
			l.emit(tkEOF, "", l.pos)
			return l.tokens, nil
		}
		if err := l.next(); err != nil {
			return nil, err
		}
	}
}

func (l *lexer) emit(kind tokenKind, value string, pos int) {
	l.tokens = append(l.tokens, token{kind: kind, value: value, pos: pos})
}

func (l *lexer) skipSpace() {
	for l.pos < len(l.src) {
		switch l.src[l.pos] {
		case ' ', '\t', '\n', '\r':
			l.pos++
		case '/':
			// line and block comments
			if strings.HasPrefix(l.src[l.pos:], "//") {
				end := strings.IndexByte(l.src[l.pos:], '\n')
				if end < 0 {
					l.pos = len(l.src)
				} else {
					l.pos += end
				}
				continue
			}
			if strings.HasPrefix(l.src[l.pos:], "/*") {
				end := strings.Index(l.src[l.pos+2:], "*/")
				if end < 0 {
					l.pos = len(l.src)
				} else {
					l.pos += end + 4
				}
				continue
			}
			return
		default:
			return
		}
	}
}

func (l *lexer) next() error {
	start := l.pos
	ch := l.src[l.pos]

	switch {
	case ch == '.':
		l.pos++
		l.emit(tkDot, ".", start)
	case ch == ',':
		l.pos++
		l.emit(tkComma, ",", start)
	case ch == '(':
		l.pos++
		l.emit(tkLParen, "(", start)
	case ch == ')':
		l.pos++
		l.emit(tkRParen, ")", start)
	case ch == '[':
		l.pos++
		l.emit(tkLBrack, "[", start)
	case ch == ']':
		l.pos++
		l.emit(tkRBrack, "]", start)
	case ch == '{':
		l.pos++
		l.emit(tkLBrace, "{", start)
	case ch == '}':
		l.pos++
		l.emit(tkRBrace, "}", start)
	case ch == '!':
		if l.peekByte(1) == '=' {
			l.pos += 2
			l.emit(tkOp, "!=", start)
			return nil
		}
		if l.peekByte(1) == '~' {
			l.pos += 2
			l.emit(tkOp, "!~", start)
			return nil
		}
		return fmt.Errorf("unexpected character '!' at position %d", start)
	case ch == '<' || ch == '>':
		if l.peekByte(1) == '=' {
			l.pos += 2
			l.emit(tkOp, l.src[start:l.pos], start)
			return nil
		}
		l.pos++
		l.emit(tkOp, string(ch), start)
	case strings.IndexByte("=~|&+-*/", ch) >= 0:
		l.pos++
		l.emit(tkOp, string(ch), start)
	case ch == '\'':
		s, err := l.quoted('\'')
		if err != nil {
			return err
		}
		l.emit(tkString, s, start)
	case ch == '`':
		s, err := l.quoted('`')
		if err != nil {
			return err
		}
		l.emit(tkIdent, s, start)
	case ch == '@':
		l.pos++
		for l.pos < len(l.src) && isDateTimeChar(l.src[l.pos]) {
			l.pos++
		}
		if l.pos == start+1 {
			return fmt.Errorf("empty date literal at position %d", start)
		}
		l.emit(tkDateTime, l.src[start+1:l.pos], start)
	case ch == '%':
		l.pos++
		if l.pos >= len(l.src) {
			return fmt.Errorf("dangling '%%' at position %d", start)
		}
		switch l.src[l.pos] {
		case '`', '\'':
			s, err := l.quoted(l.src[l.pos])
			if err != nil {
				return err
			}
			l.emit(tkVariable, s, start)
		default:
			name := l.ident()
			if name == "" {
				return fmt.Errorf("expected variable name at position %d", start)
			}
			l.emit(tkVariable, name, start)
		}
	case ch == '$':
		l.pos++
		name := l.ident()
		if name == "" {
			return fmt.Errorf("expected name after '$' at position %d", start)
		}
		l.emit(tkIdent, "$"+name, start)
	case ch >= '0' && ch <= '9':
		for l.pos < len(l.src) && isDigit(l.src[l.pos]) {
			l.pos++
		}
		// A dot is a decimal point only when a digit follows it.
		if l.peekByte(0) == '.' && isDigit(l.peekByte(1)) {
			l.pos++
			for l.pos < len(l.src) && isDigit(l.src[l.pos]) {
				l.pos++
			}
		}
		l.emit(tkNumber, l.src[start:l.pos], start)
	case ch == '_' || unicode.IsLetter(rune(ch)):
		l.emit(tkIdent, l.ident(), start)
	default:
		return fmt.Errorf("unexpected character %q at position %d", string(ch), start)
	}
	return nil
}

func (l *lexer) peekByte(off int) byte {
	if l.pos+off < len(l.src) {
		return l.src[l.pos+off]
	}
	return 0
}

func (l *lexer) ident() string {
	start := l.pos
	for l.pos < len(l.src) {
		c := rune(l.src[l.pos])
		if c != '_' && !unicode.IsLetter(c) && !unicode.IsDigit(c) {
			break
		}
		l.pos++
	}
	return l.src[start:l.pos]
}

// quoted reads a literal delimited by q, starting at the opening delimiter.
func (l *lexer) quoted(q byte) (string, error) {
	start := l.pos
	l.pos++
	var sb strings.Builder
	for l.pos < len(l.src) {
		c := l.src[l.pos]
		if c == q {
			l.pos++
			return sb.String(), nil
		}
		if c == '\\' && l.pos+1 < len(l.src) {
			l.pos++
			switch e := l.src[l.pos]; e {
			case 'n':
				sb.WriteByte('\n')
			case 't':
				sb.WriteByte('\t')
			case 'r':
				sb.WriteByte('\r')
			case 'f':
				sb.WriteByte('\f')
			default:
				sb.WriteByte(e)
			}
			l.pos++
			continue
		}
		sb.WriteByte(c)
		l.pos++
	}
	return "", fmt.Errorf("unterminated literal at position %d", start)
}

func isDigit(c byte) bool { return c >= '0' && c <= '9' }

func isDateTimeChar(c byte) bool {
	return isDigit(c) || c == '-' || c == ':' || c == 'T' || c == '+' || c == 'Z' || c == '.'
}
