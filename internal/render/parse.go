package render

import (
	"strconv"
	"strings"

	"github.com/nightscape/knowledge/internal/types"
)

// Parser is a recursive-descent parser over the shared lexer. The query-half
// compiler drives it for filter expressions; ParseExpr drives it for whole
// render trees.
type Parser struct {
	lex  *Lexer
	tok  Token
	peek *Token
}

// NewParser builds a parser over src and advances to the first token.
func NewParser(src string) (*Parser, error) {
	p := &Parser{lex: NewLexer(src)}
	if err := p.next(); err != nil {
		return nil, err
	}
	return p, nil
}

// ParseExpr parses a complete expression document (the render half).
func ParseExpr(src string) (Expr, error) {
	p, err := NewParser(src)
	if err != nil {
		return nil, err
	}
	p.SkipNewlines()
	e, err := p.Expression()
	if err != nil {
		return nil, err
	}
	p.SkipNewlines()
	if p.tok.Kind != TokEOF {
		return nil, p.errf("unexpected %s after expression", p.tok)
	}
	return e, nil
}

// Tok returns the current token.
func (p *Parser) Tok() Token { return p.tok }

// Next advances to the following token.
func (p *Parser) Next() error { return p.next() }

// SkipNewlines consumes any run of newline tokens.
func (p *Parser) SkipNewlines() {
	for p.tok.Kind == TokNewline {
		if err := p.next(); err != nil {
			return
		}
	}
}

func (p *Parser) next() error {
	if p.peek != nil {
		p.tok = *p.peek
		p.peek = nil
		return nil
	}
	t, err := p.lex.Next()
	if err != nil {
		return err
	}
	p.tok = t
	return nil
}

func (p *Parser) peekTok() (Token, error) {
	if p.peek == nil {
		t, err := p.lex.Next()
		if err != nil {
			return Token{}, err
		}
		p.peek = &t
	}
	return *p.peek, nil
}

func (p *Parser) errf(format string, args ...interface{}) error {
	return &types.CompileError{Line: p.tok.Line, Col: p.tok.Col,
		Msg: sprintf(format, args...)}
}

func (p *Parser) expect(k TokenKind, what string) (Token, error) {
	if p.tok.Kind != k {
		return Token{}, p.errf("expected %s, found %s", what, p.tok)
	}
	t := p.tok
	if err := p.next(); err != nil {
		return Token{}, err
	}
	return t, nil
}

// Expression parses with standard precedence: || over && over comparison
// over additive over multiplicative.
func (p *Parser) Expression() (Expr, error) {
	return p.binary(0)
}

var precedence = []map[string]bool{
	{"||": true},
	{"&&": true},
	{"==": true, "!=": true, "<": true, "<=": true, ">": true, ">=": true},
	{"+": true, "-": true},
	{"*": true, "/": true},
}

func (p *Parser) binary(level int) (Expr, error) {
	if level >= len(precedence) {
		return p.unary()
	}
	left, err := p.binary(level + 1)
	if err != nil {
		return nil, err
	}
	for p.tok.Kind == TokOp && precedence[level][p.tok.Text] {
		op := p.tok.Text
		if err := p.next(); err != nil {
			return nil, err
		}
		right, err := p.binary(level + 1)
		if err != nil {
			return nil, err
		}
		left = &BinaryOp{Op: op, Left: left, Right: right}
	}
	return left, nil
}

func (p *Parser) unary() (Expr, error) {
	if p.tok.Kind == TokOp && (p.tok.Text == "-" || p.tok.Text == "!") {
		op := p.tok.Text
		if err := p.next(); err != nil {
			return nil, err
		}
		inner, err := p.unary()
		if err != nil {
			return nil, err
		}
		if op == "-" {
			if lit, ok := inner.(*Literal); ok {
				if n, isInt := lit.Value.Int(); isInt {
					return &Literal{Value: types.Integer(-n)}, nil
				}
				if f, isFlt := lit.Value.Flt(); isFlt {
					return &Literal{Value: types.Float(-f)}, nil
				}
			}
			return &BinaryOp{Op: "-", Left: &Literal{Value: types.Integer(0)}, Right: inner}, nil
		}
		return &BinaryOp{Op: "==", Left: inner, Right: &Literal{Value: types.Boolean(false)}}, nil
	}
	return p.primary()
}

func (p *Parser) primary() (Expr, error) {
	switch p.tok.Kind {
	case TokNumber:
		text := p.tok.Text
		if err := p.next(); err != nil {
			return nil, err
		}
		if strings.Contains(text, ".") {
			f, err := strconv.ParseFloat(text, 64)
			if err != nil {
				return nil, p.errf("bad number %q", text)
			}
			return &Literal{Value: types.Float(f)}, nil
		}
		n, err := strconv.ParseInt(text, 10, 64)
		if err != nil {
			return nil, p.errf("bad number %q", text)
		}
		return &Literal{Value: types.Integer(n)}, nil

	case TokString:
		s := p.tok.Text
		if err := p.next(); err != nil {
			return nil, err
		}
		return &Literal{Value: types.String(s)}, nil

	case TokParam:
		name := p.tok.Text
		if err := p.next(); err != nil {
			return nil, err
		}
		return &Param{Name: name}, nil

	case TokLBracket:
		return p.array()

	case TokLBrace:
		return p.object()

	case TokLParen:
		if err := p.next(); err != nil {
			return nil, err
		}
		e, err := p.Expression()
		if err != nil {
			return nil, err
		}
		if _, err := p.expect(TokRParen, ")"); err != nil {
			return nil, err
		}
		return e, nil

	case TokIdent:
		return p.identExpr()
	}
	return nil, p.errf("unexpected %s", p.tok)
}

func (p *Parser) identExpr() (Expr, error) {
	name := p.tok.Text
	if err := p.next(); err != nil {
		return nil, err
	}

	switch name {
	case "true":
		return &Literal{Value: types.Boolean(true)}, nil
	case "false":
		return &Literal{Value: types.Boolean(false)}, nil
	case "null":
		return &Literal{Value: types.Null}, nil
	}

	// dotted path: this.completed, table.column
	for p.tok.Kind == TokDot {
		if err := p.next(); err != nil {
			return nil, err
		}
		part, err := p.expect(TokIdent, "identifier after '.'")
		if err != nil {
			return nil, err
		}
		name += "." + part.Text
	}

	if p.tok.Kind == TokLParen {
		return p.call(name)
	}
	return &ColumnRef{Name: name}, nil
}

func (p *Parser) call(name string) (Expr, error) {
	if err := p.next(); err != nil { // consume (
		return nil, err
	}
	fc := &FunctionCall{Name: name}
	for p.tok.Kind != TokRParen {
		arg := Arg{}
		// named argument: ident = expr
		if p.tok.Kind == TokIdent {
			pk, err := p.peekTok()
			if err != nil {
				return nil, err
			}
			if pk.Kind == TokAssign {
				arg.Name = p.tok.Text
				if err := p.next(); err != nil {
					return nil, err
				}
				if err := p.next(); err != nil {
					return nil, err
				}
			}
		}
		v, err := p.Expression()
		if err != nil {
			return nil, err
		}
		arg.Value = v
		fc.Args = append(fc.Args, arg)

		if p.tok.Kind == TokComma {
			if err := p.next(); err != nil {
				return nil, err
			}
			continue
		}
		break
	}
	if _, err := p.expect(TokRParen, ")"); err != nil {
		return nil, err
	}
	return fc, nil
}

func (p *Parser) array() (Expr, error) {
	if err := p.next(); err != nil { // consume [
		return nil, err
	}
	arr := &Array{}
	for p.tok.Kind != TokRBracket {
		e, err := p.Expression()
		if err != nil {
			return nil, err
		}
		arr.Items = append(arr.Items, e)
		if p.tok.Kind == TokComma {
			if err := p.next(); err != nil {
				return nil, err
			}
			continue
		}
		break
	}
	if _, err := p.expect(TokRBracket, "]"); err != nil {
		return nil, err
	}
	return arr, nil
}

func (p *Parser) object() (Expr, error) {
	if err := p.next(); err != nil { // consume {
		return nil, err
	}
	obj := &Object{}
	for p.tok.Kind != TokRBrace {
		key, err := p.expect(TokIdent, "object key")
		if err != nil {
			return nil, err
		}
		if _, err := p.expect(TokAssign, "="); err != nil {
			return nil, err
		}
		v, err := p.Expression()
		if err != nil {
			return nil, err
		}
		obj.Fields = append(obj.Fields, Arg{Name: key.Text, Value: v})
		if p.tok.Kind == TokComma {
			if err := p.next(); err != nil {
				return nil, err
			}
			continue
		}
		break
	}
	if _, err := p.expect(TokRBrace, "}"); err != nil {
		return nil, err
	}
	return obj, nil
}
