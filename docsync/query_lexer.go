package docsync

import (
	"fmt"
	"strconv"
	"strings"
	"unicode"
)

type tokenKind int

const (
	tokenEof tokenKind = iota
	tokenIdent
	tokenNumber
	tokenString
	tokenParam
	tokenPunct
)

type token struct {
	kind tokenKind
	// uppercased for idents so keyword checks are case-insensitive
	text string
	// original text for idents (field names are case-sensitive)
	raw    string
	number float64
	pos    Position
}

func (self token) isKeyword(keyword string) bool {
	return self.kind == tokenIdent && self.text == keyword
}

func (self token) isPunct(punct string) bool {
	return self.kind == tokenPunct && self.text == punct
}

type lexer struct {
	src    string
	offset int
	line   int
	column int
	tokens []token
}

// lex tokenizes the full statement up front so the parser can look ahead
func lex(src string) ([]token, error) {
	self := &lexer{
		src:    src,
		line:   1,
		column: 1,
	}
	for {
		self.skipSpace()
		if len(self.src) <= self.offset {
			self.tokens = append(self.tokens, token{kind: tokenEof, pos: self.position()})
			return self.tokens, nil
		}
		if err := self.next(); err != nil {
			return nil, err
		}
	}
}

func (self *lexer) position() Position {
	return Position{
		Line:   self.line,
		Column: self.column,
		Offset: self.offset,
	}
}

func (self *lexer) advance(n int) {
	for i := 0; i < n; i += 1 {
		if self.src[self.offset] == '\n' {
			self.line += 1
			self.column = 1
		} else {
			self.column += 1
		}
		self.offset += 1
	}
}

func (self *lexer) skipSpace() {
	for self.offset < len(self.src) && unicode.IsSpace(rune(self.src[self.offset])) {
		self.advance(1)
	}
}

func (self *lexer) errorf(pos Position, format string, a ...any) error {
	return &ParseError{
		Pos:     pos,
		Message: fmt.Sprintf(format, a...),
	}
}

func (self *lexer) next() error {
	pos := self.position()
	c := self.src[self.offset]

	switch {
	case c == '\'' || c == '"':
		return self.lexString(pos, c)
	case unicode.IsDigit(rune(c)) || (c == '-' && self.offset+1 < len(self.src) && unicode.IsDigit(rune(self.src[self.offset+1]))):
		return self.lexNumber(pos)
	case unicode.IsLetter(rune(c)) || c == '_':
		return self.lexIdent(pos)
	case c == ':':
		return self.lexParam(pos)
	default:
		return self.lexPunct(pos)
	}
}

func (self *lexer) lexString(pos Position, quote byte) error {
	self.advance(1)
	var b strings.Builder
	for {
		if len(self.src) <= self.offset {
			return self.errorf(pos, "unterminated string")
		}
		c := self.src[self.offset]
		if c == quote {
			// doubled quote escapes itself
			if self.offset+1 < len(self.src) && self.src[self.offset+1] == quote {
				b.WriteByte(quote)
				self.advance(2)
				continue
			}
			self.advance(1)
			self.tokens = append(self.tokens, token{kind: tokenString, text: b.String(), pos: pos})
			return nil
		}
		b.WriteByte(c)
		self.advance(1)
	}
}

func (self *lexer) lexNumber(pos Position) error {
	start := self.offset
	if self.src[self.offset] == '-' {
		self.advance(1)
	}
	seenDot := false
	for self.offset < len(self.src) {
		c := self.src[self.offset]
		if c == '.' && !seenDot && self.offset+1 < len(self.src) && unicode.IsDigit(rune(self.src[self.offset+1])) {
			seenDot = true
			self.advance(1)
			continue
		}
		if !unicode.IsDigit(rune(c)) {
			break
		}
		self.advance(1)
	}
	text := self.src[start:self.offset]
	number, err := strconv.ParseFloat(text, 64)
	if err != nil {
		return self.errorf(pos, "bad number %q", text)
	}
	self.tokens = append(self.tokens, token{kind: tokenNumber, text: text, number: number, pos: pos})
	return nil
}

func (self *lexer) lexIdent(pos Position) error {
	start := self.offset
	for self.offset < len(self.src) {
		c := rune(self.src[self.offset])
		if !unicode.IsLetter(c) && !unicode.IsDigit(c) && c != '_' {
			break
		}
		self.advance(1)
	}
	raw := self.src[start:self.offset]
	self.tokens = append(self.tokens, token{
		kind: tokenIdent,
		text: strings.ToUpper(raw),
		raw:  raw,
		pos:  pos,
	})
	return nil
}

func (self *lexer) lexParam(pos Position) error {
	self.advance(1)
	// a parameter name starts with a letter or underscore; anything else
	// makes the ':' the object key separator
	if len(self.src) <= self.offset {
		self.tokens = append(self.tokens, token{kind: tokenPunct, text: ":", pos: pos})
		return nil
	}
	first := rune(self.src[self.offset])
	if !unicode.IsLetter(first) && first != '_' {
		self.tokens = append(self.tokens, token{kind: tokenPunct, text: ":", pos: pos})
		return nil
	}
	start := self.offset
	for self.offset < len(self.src) {
		c := rune(self.src[self.offset])
		if !unicode.IsLetter(c) && !unicode.IsDigit(c) && c != '_' {
			break
		}
		self.advance(1)
	}
	self.tokens = append(self.tokens, token{kind: tokenParam, text: self.src[start:self.offset], pos: pos})
	return nil
}

var punct2 = []string{"!=", "<=", ">=", "<>"}
var punct1 = "=<>(),.*{}[]"

func (self *lexer) lexPunct(pos Position) error {
	if self.offset+1 < len(self.src) {
		two := self.src[self.offset : self.offset+2]
		for _, p := range punct2 {
			if two == p {
				self.advance(2)
				if p == "<>" {
					p = "!="
				}
				self.tokens = append(self.tokens, token{kind: tokenPunct, text: p, pos: pos})
				return nil
			}
		}
	}
	one := self.src[self.offset : self.offset+1]
	if strings.Contains(punct1, one) {
		self.advance(1)
		self.tokens = append(self.tokens, token{kind: tokenPunct, text: one, pos: pos})
		return nil
	}
	return self.errorf(pos, "unexpected character %q", one)
}
