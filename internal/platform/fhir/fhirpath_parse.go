package fhir

import (
	"fmt"
	"strconv"
	"strings"
)

type nodeKind int

const (
	ndLiteral  nodeKind = iota
	ndEmpty             // {}
	ndIdent             // member name or type name at the start of a path
	ndChild             // recv.name
	ndVariable          // %name
	ndThis              // $this
	ndIndex             // recv[expr]
	ndCall              // recv.fn(args) or fn(args) with an implicit receiver
	ndBinary            // left op right
	ndNegate            // -operand
)

type node struct {
	kind  nodeKind
	name  string      // identifier, variable, function or operator
	value interface{} // literal value
	recv  *node
	args  []*node
}

// Binary operator precedence, lowest first.
var precedence = map[string]int{
	"implies":  1,
	"or":       2,
	"xor":      2,
	"and":      3,
	"in":       4,
	"contains": 4,
	"=":        5,
	"!=":       5,
	"~":        5,
	"!~":       5,
	"<":        6,
	">":        6,
	"<=":       6,
	">=":       6,
	"|":        7,
	"is":       8,
	"as":       8,
	"+":        9,
	"-":        9,
	"&":        9,
	"*":        10,
	"/":        10,
	"div":      10,
	"mod":      10,
}

var keywordOps = map[string]bool{
	"implies": true, "or": true, "xor": true, "and": true, "in": true,
	"contains": true, "is": true, "as": true, "div": true, "mod": true,
}

type parser struct {
	tokens []token
	pos    int
}

func parse(src string) (*node, error) {
	tokens, err := lex(src)
	if err != nil {
		return nil, err
	}
	p := &parser{tokens: tokens}
	n, err := p.expr(0)
	if err != nil {
		return nil, err
	}
	if t := p.peek(); t.kind != tkEOF {
		return nil, fmt.Errorf("unexpected %q at position %d", t.value, t.pos)
	}
	return n, nil
}

func (p *parser) peek() token {
	if p.pos < len(p.tokens) {
		return p.tokens[p.pos]
	}
	return token{kind: tkEOF, pos: -1}
}

func (p *parser) advance() token {
	t := p.peek()
	if p.pos < len(p.tokens) {
		p.pos++
	}
	return t
}

func (p *parser) expect(kind tokenKind, what string) error {
	t := p.advance()
	if t.kind != kind {
		if t.kind == tkEOF {
			return fmt.Errorf("expected %s but the expression ended", what)
		}
		return fmt.Errorf("expected %s but got %q at position %d", what, t.value, t.pos)
	}
	return nil
}

// binaryOp reports the operator at the current token, if any.
func (p *parser) binaryOp() (string, int, bool) {
	t := p.peek()
	switch t.kind {
	case tkOp:
		prec, ok := precedence[t.value]
		return t.value, prec, ok
	case tkIdent:
		if keywordOps[t.value] {
			return t.value, precedence[t.value], true
		}
	}
	return "", 0, false
}

// expr parses by precedence climbing; all binary operators are left
// associative.
func (p *parser) expr(minPrec int) (*node, error) {
	left, err := p.unary()
	if err != nil {
		return nil, err
	}
	for {
		op, prec, ok := p.binaryOp()
		if !ok || prec < minPrec {
			return left, nil
		}
		p.advance()

		var right *node
		if op == "is" || op == "as" {
			// The right side is a type specifier, not an expression.
			right, err = p.typeSpecifier()
		} else {
			right, err = p.expr(prec + 1)
		}
		if err != nil {
			return nil, err
		}
		left = &node{kind: ndBinary, name: op, args: []*node{left, right}}
	}
}

func (p *parser) typeSpecifier() (*node, error) {
	t := p.advance()
	if t.kind != tkIdent {
		return nil, fmt.Errorf("expected type name at position %d", t.pos)
	}
	name := t.value
	// Qualified names such as FHIR.Patient or System.String.
	for p.peek().kind == tkDot {
		p.advance()
		q := p.advance()
		if q.kind != tkIdent {
			return nil, fmt.Errorf("expected type name at position %d", q.pos)
		}
		name = q.value
	}
	return &node{kind: ndIdent, name: name}, nil
}

func (p *parser) unary() (*node, error) {
	t := p.peek()
	if t.kind == tkOp && (t.value == "-" || t.value == "+") {
		p.advance()
		operand, err := p.unary()
		if err != nil {
			return nil, err
		}
		if t.value == "+" {
			return operand, nil
		}
		return &node{kind: ndNegate, args: []*node{operand}}, nil
	}
	return p.postfix()
}

func (p *parser) postfix() (*node, error) {
	n, err := p.primary()
	if err != nil {
		return nil, err
	}
	for {
		switch p.peek().kind {
		case tkDot:
			p.advance()
			id := p.advance()
			if id.kind != tkIdent {
				return nil, fmt.Errorf("expected name after '.' at position %d", id.pos)
			}
			if p.peek().kind == tkLParen {
				args, err := p.callArgs()
				if err != nil {
					return nil, err
				}
				n = &node{kind: ndCall, name: id.value, recv: n, args: args}
				continue
			}
			n = &node{kind: ndChild, name: id.value, recv: n}
		case tkLBrack:
			p.advance()
			idx, err := p.expr(0)
			if err != nil {
				return nil, err
			}
			if err := p.expect(tkRBrack, "']'"); err != nil {
				return nil, err
			}
			n = &node{kind: ndIndex, recv: n, args: []*node{idx}}
		default:
			return n, nil
		}
	}
}

func (p *parser) callArgs() ([]*node, error) {
	if err := p.expect(tkLParen, "'('"); err != nil {
		return nil, err
	}
	var args []*node
	if p.peek().kind == tkRParen {
		p.advance()
		return args, nil
	}
	for {
		arg, err := p.expr(0)
		if err != nil {
			return nil, err
		}
		args = append(args, arg)
		if p.peek().kind != tkComma {
			break
		}
		p.advance()
	}
	if err := p.expect(tkRParen, "')'"); err != nil {
		return nil, err
	}
	return args, nil
}

func (p *parser) primary() (*node, error) {
	t := p.advance()
	switch t.kind {
	case tkLParen:
		inner, err := p.expr(0)
		if err != nil {
			return nil, err
		}
		if err := p.expect(tkRParen, "')'"); err != nil {
			return nil, err
		}
		return inner, nil

	case tkLBrace:
		if err := p.expect(tkRBrace, "'}'"); err != nil {
			return nil, err
		}
		return &node{kind: ndEmpty}, nil

	case tkString:
		return &node{kind: ndLiteral, value: t.value}, nil

	case tkNumber:
		if strings.Contains(t.value, ".") {
			f, err := strconv.ParseFloat(t.value, 64)
			if err != nil {
				return nil, fmt.Errorf("invalid decimal %q at position %d", t.value, t.pos)
			}
			return &node{kind: ndLiteral, value: f}, nil
		}
		i, err := strconv.ParseInt(t.value, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid integer %q at position %d", t.value, t.pos)
		}
		return &node{kind: ndLiteral, value: i}, nil

	case tkDateTime:
		d, err := parseDateTimeLiteral(t.value)
		if err != nil {
			return nil, fmt.Errorf("invalid date literal %q at position %d", t.value, t.pos)
		}
		return &node{kind: ndLiteral, value: d}, nil

	case tkVariable:
		return &node{kind: ndVariable, name: t.value}, nil

	case tkIdent:
		switch t.value {
		case "true":
			return &node{kind: ndLiteral, value: true}, nil
		case "false":
			return &node{kind: ndLiteral, value: false}, nil
		case "$this":
			return &node{kind: ndThis}, nil
		}
		if strings.HasPrefix(t.value, "$") {
			return nil, fmt.Errorf("unsupported special name %q at position %d", t.value, t.pos)
		}
		if p.peek().kind == tkLParen {
			args, err := p.callArgs()
			if err != nil {
				return nil, err
			}
			return &node{kind: ndCall, name: t.value, args: args}, nil
		}
		return &node{kind: ndIdent, name: t.value}, nil

	case tkEOF:
		return nil, fmt.Errorf("unexpected end of expression")
	}
	return nil, fmt.Errorf("unexpected %q at position %d", t.value, t.pos)
}

// walk visits n and all nodes beneath it.
func walk(n *node, visit func(*node)) {
	if n == nil {
		return
	}
	visit(n)
	walk(n.recv, visit)
	for _, a := range n.args {
		walk(a, visit)
	}
}
