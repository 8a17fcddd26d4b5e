package expr

import (
	"fmt"
	"strings"
)

// =============================================================================
// AST
// =============================================================================

type node interface{ nodeString() string }

type literalNode struct{ v Value }

type varNode struct{ name string }

type propNode struct {
	target node
	name   string
}

type indexNode struct {
	target node
	index  node
}

type callNode struct {
	name string
	args []node
}

type listNode struct {
	items []node
}

type unaryNode struct {
	op string
	x  node
}

type binaryNode struct {
	op   string
	l, r node
}

func (n *literalNode) nodeString() string { return n.v.Text() }
func (n *varNode) nodeString() string     { return n.name }
func (n *propNode) nodeString() string    { return n.target.nodeString() + "." + n.name }
func (n *indexNode) nodeString() string {
	return n.target.nodeString() + "[" + n.index.nodeString() + "]"
}
func (n *callNode) nodeString() string {
	args := make([]string, len(n.args))
	for i, a := range n.args {
		args[i] = a.nodeString()
	}
	return n.name + "(" + strings.Join(args, ", ") + ")"
}
func (n *listNode) nodeString() string {
	items := make([]string, len(n.items))
	for i, item := range n.items {
		items[i] = item.nodeString()
	}
	return "[" + strings.Join(items, ", ") + "]"
}
func (n *unaryNode) nodeString() string  { return n.op + n.x.nodeString() }
func (n *binaryNode) nodeString() string { return n.l.nodeString() + n.op + n.r.nodeString() }

// =============================================================================
// TEMPLATE SPLITTER
// A template string is literal text interleaved with {{expr}} markers.
// =============================================================================

type segment struct {
	literal string
	expr    node // nil for literal segments
}

// Template is a parsed template string.
type Template struct {
	source   string
	segments []segment
}

// IsLiteral reports whether the template contains no expression markers.
func (t *Template) IsLiteral() bool {
	for _, seg := range t.segments {
		if seg.expr != nil {
			return false
		}
	}
	return true
}

// Source returns the original template text.
func (t *Template) Source() string { return t.source }

// SpliceKey is the object key that splices an expression's map result into
// the enclosing object, used for dynamic header/query-string construction.
const SpliceKey = "{{...}}"

// ParseTemplate splits a template string and parses embedded expressions.
func ParseTemplate(src string) (*Template, error) {
	t := &Template{source: src}
	rest := src
	for {
		open := strings.Index(rest, "{{")
		if open < 0 {
			if rest != "" {
				t.segments = append(t.segments, segment{literal: rest})
			}
			return t, nil
		}
		if open > 0 {
			t.segments = append(t.segments, segment{literal: rest[:open]})
		}
		close := strings.Index(rest[open:], "}}")
		if close < 0 {
			return nil, fmt.Errorf("unterminated {{ marker in %q", src)
		}
		exprSrc := rest[open+2 : open+close]
		n, err := parseExpression(exprSrc)
		if err != nil {
			return nil, fmt.Errorf("parse %q: %w", exprSrc, err)
		}
		t.segments = append(t.segments, segment{expr: n})
		rest = rest[open+close+2:]
	}
}

// =============================================================================
// EXPRESSION PARSER
// Pratt parser with standard precedence:
//
//	||  <  &&  <  == !=  <  < <= > >=  <  + -  <  * / %  <  unary  <  postfix
// =============================================================================

func parseExpression(src string) (node, error) {
	src = strings.TrimSpace(src)
	if src == "" {
		return &literalNode{v: Null}, nil
	}
	p := &parser{lex: newLexer(src)}
	if err := p.advance(); err != nil {
		return nil, err
	}
	n, err := p.parseBinary(0)
	if err != nil {
		return nil, err
	}
	if p.cur.kind != tokEOF {
		return nil, fmt.Errorf("unexpected token %q at %d", p.cur.text, p.cur.pos)
	}
	return n, nil
}

type parser struct {
	lex *lexer
	cur token
}

func (p *parser) advance() error {
	tok, err := p.lex.next()
	if err != nil {
		return err
	}
	p.cur = tok
	return nil
}

var precedence = map[string]int{
	"||": 1,
	"&&": 2,
	"==": 3, "!=": 3,
	"<": 4, "<=": 4, ">": 4, ">=": 4,
	"+": 5, "-": 5,
	"*": 6, "/": 6, "%": 6,
}

func (p *parser) parseBinary(minPrec int) (node, error) {
	left, err := p.parseUnary()
	if err != nil {
		return nil, err
	}
	for p.cur.kind == tokOperator {
		prec, ok := precedence[p.cur.text]
		if !ok || prec <= minPrec {
			break
		}
		op := p.cur.text
		if err := p.advance(); err != nil {
			return nil, err
		}
		right, err := p.parseBinary(prec)
		if err != nil {
			return nil, err
		}
		left = &binaryNode{op: op, l: left, r: right}
	}
	return left, nil
}

func (p *parser) parseUnary() (node, error) {
	if p.cur.kind == tokOperator && (p.cur.text == "!" || p.cur.text == "-") {
		op := p.cur.text
		if err := p.advance(); err != nil {
			return nil, err
		}
		x, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		return &unaryNode{op: op, x: x}, nil
	}
	return p.parsePostfix()
}

func (p *parser) parsePostfix() (node, error) {
	n, err := p.parsePrimary()
	if err != nil {
		return nil, err
	}
	for {
		switch p.cur.kind {
		case tokDot:
			if err := p.advance(); err != nil {
				return nil, err
			}
			if p.cur.kind != tokIdent {
				return nil, fmt.Errorf("expected property name at %d", p.cur.pos)
			}
			n = &propNode{target: n, name: p.cur.text}
			if err := p.advance(); err != nil {
				return nil, err
			}
		case tokLBracket:
			if err := p.advance(); err != nil {
				return nil, err
			}
			idx, err := p.parseBinary(0)
			if err != nil {
				return nil, err
			}
			if p.cur.kind != tokRBracket {
				return nil, fmt.Errorf("expected ] at %d", p.cur.pos)
			}
			if err := p.advance(); err != nil {
				return nil, err
			}
			n = &indexNode{target: n, index: idx}
		case tokLParen:
			// Calls attach to bare identifiers only: fn(args).
			v, ok := n.(*varNode)
			if !ok {
				return nil, fmt.Errorf("cannot call non-function at %d", p.cur.pos)
			}
			args, err := p.parseArgs()
			if err != nil {
				return nil, err
			}
			n = &callNode{name: v.name, args: args}
		default:
			return n, nil
		}
	}
}

func (p *parser) parseArgs() ([]node, error) {
	// cur is '('
	if err := p.advance(); err != nil {
		return nil, err
	}
	var args []node
	if p.cur.kind == tokRParen {
		return args, p.advance()
	}
	for {
		arg, err := p.parseBinary(0)
		if err != nil {
			return nil, err
		}
		args = append(args, arg)
		switch p.cur.kind {
		case tokComma:
			if err := p.advance(); err != nil {
				return nil, err
			}
		case tokRParen:
			return args, p.advance()
		default:
			return nil, fmt.Errorf("expected , or ) at %d", p.cur.pos)
		}
	}
}

func (p *parser) parsePrimary() (node, error) {
	switch p.cur.kind {
	case tokNumber:
		n := &literalNode{v: Number(p.cur.num)}
		return n, p.advance()
	case tokString:
		n := &literalNode{v: String(p.cur.text)}
		return n, p.advance()
	case tokIdent:
		switch p.cur.text {
		case "true":
			return &literalNode{v: Boolean(true)}, p.advance()
		case "false":
			return &literalNode{v: Boolean(false)}, p.advance()
		case "null":
			return &literalNode{v: Null}, p.advance()
		}
		n := &varNode{name: p.cur.text}
		return n, p.advance()
	case tokLParen:
		if err := p.advance(); err != nil {
			return nil, err
		}
		n, err := p.parseBinary(0)
		if err != nil {
			return nil, err
		}
		if p.cur.kind != tokRParen {
			return nil, fmt.Errorf("expected ) at %d", p.cur.pos)
		}
		return n, p.advance()
	case tokLBracket:
		return p.parseListLiteral()
	default:
		return nil, fmt.Errorf("unexpected token %q at %d", p.cur.text, p.cur.pos)
	}
}

func (p *parser) parseListLiteral() (node, error) {
	// cur is '['
	if err := p.advance(); err != nil {
		return nil, err
	}
	n := &listNode{}
	if p.cur.kind == tokRBracket {
		return n, p.advance()
	}
	for {
		item, err := p.parseBinary(0)
		if err != nil {
			return nil, err
		}
		n.items = append(n.items, item)
		switch p.cur.kind {
		case tokComma:
			if err := p.advance(); err != nil {
				return nil, err
			}
		case tokRBracket:
			return n, p.advance()
		default:
			return nil, fmt.Errorf("expected , or ] at %d", p.cur.pos)
		}
	}
}
