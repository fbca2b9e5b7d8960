package lexer

import (
	"strconv"
	"strings"
	"unicode"

	"github.com/xplshn/gstc/pkg/config"
	"github.com/xplshn/gstc/pkg/token"
	"github.com/xplshn/gstc/pkg/util"
)

type Lexer struct {
	source    []rune
	fileIndex int
	pos       int
	line      int
	column    int
	cfg       *config.Config
	diag      *util.Diagnostics
}

func NewLexer(source []rune, fileIndex int, cfg *config.Config, diag *util.Diagnostics) *Lexer {
	return &Lexer{
		source: source, fileIndex: fileIndex, line: 1, column: 1, cfg: cfg, diag: diag,
	}
}

// Tokenize lexes the whole source, ending with an EOF token.
func Tokenize(source []rune, fileIndex int, cfg *config.Config, diag *util.Diagnostics) (toks []token.Token, err error) {
	defer util.Recover(&err)
	l := NewLexer(source, fileIndex, cfg, diag)
	for {
		tok := l.Next()
		toks = append(toks, tok)
		if tok.Type == token.EOF {
			return toks, nil
		}
	}
}

// Next returns the next significant token. Malformed input raises a
// SyntaxError through util.Bail.
func (l *Lexer) Next() token.Token {
	l.skipWhitespaceAndComments()
	startPos, startCol, startLine := l.pos, l.column, l.line

	if l.isAtEnd() {
		return l.makeToken(token.EOF, "", startPos, startCol, startLine)
	}

	ch := l.peek()
	if unicode.IsLetter(ch) || ch == '_' {
		return l.identifierOrKeyword(startPos, startCol, startLine)
	}
	if unicode.IsDigit(ch) {
		return l.numberLiteral(startPos, startCol, startLine)
	}

	l.advance()
	switch ch {
	case '(': return l.makeToken(token.LParen, "", startPos, startCol, startLine)
	case ')': return l.makeToken(token.RParen, "", startPos, startCol, startLine)
	case '[': return l.makeToken(token.LBracket, "", startPos, startCol, startLine)
	case ']': return l.makeToken(token.RBracket, "", startPos, startCol, startLine)
	case ';': return l.makeToken(token.Semi, "", startPos, startCol, startLine)
	case ',': return l.makeToken(token.Comma, "", startPos, startCol, startLine)
	case '#': return l.makeToken(token.Hash, "", startPos, startCol, startLine)
	case '+': return l.makeToken(token.Plus, "", startPos, startCol, startLine)
	case '-': return l.makeToken(token.Minus, "", startPos, startCol, startLine)
	case '*': return l.makeToken(token.Star, "", startPos, startCol, startLine)
	case '/': return l.makeToken(token.Slash, "", startPos, startCol, startLine)
	case '&': return l.makeToken(token.Ampersand, "", startPos, startCol, startLine)
	case ':': return l.matchThen('=', token.Assign, token.Colon, startPos, startCol, startLine)
	case '=': return l.matchThen('>', token.Arrow, token.Eq, startPos, startCol, startLine)
	case '.': return l.matchThen('.', token.DotDot, token.Dot, startPos, startCol, startLine)
	case '<':
		if l.match('>') {
			return l.makeToken(token.Neq, "", startPos, startCol, startLine)
		}
		return l.matchThen('=', token.Lte, token.Lt, startPos, startCol, startLine)
	case '>':
		return l.matchThen('=', token.Gte, token.Gt, startPos, startCol, startLine)
	case '{':
		return l.pragma(startPos, startCol, startLine)
	case '\'', '"':
		tok := l.makeToken(token.EOF, "", startPos, startCol, startLine)
		util.Bail(util.SyntaxError, tok, "string literals are not supported")
	}

	tok := l.makeToken(token.EOF, "", startPos, startCol, startLine)
	util.Bail(util.SyntaxError, tok, "unexpected character '%c'", ch)
	return tok
}

func (l *Lexer) peek() rune {
	if l.isAtEnd() {
		return 0
	}
	return l.source[l.pos]
}

func (l *Lexer) peekNext() rune {
	if l.pos+1 >= len(l.source) {
		return 0
	}
	return l.source[l.pos+1]
}

func (l *Lexer) advance() rune {
	if l.isAtEnd() {
		return 0
	}
	ch := l.source[l.pos]
	if ch == '\n' {
		l.line++
		l.column = 1
	} else {
		l.column++
	}
	l.pos++
	return ch
}

func (l *Lexer) match(expected rune) bool {
	if l.isAtEnd() || l.source[l.pos] != expected {
		return false
	}
	l.advance()
	return true
}

func (l *Lexer) isAtEnd() bool { return l.pos >= len(l.source) }

func (l *Lexer) makeToken(tokType token.Type, value string, startPos, startCol, startLine int) token.Token {
	return token.Token{
		Type: tokType, Value: value, FileIndex: l.fileIndex,
		Line: startLine, Column: startCol, Len: l.pos - startPos,
	}
}

func (l *Lexer) matchThen(expected rune, then, otherwise token.Type, startPos, startCol, startLine int) token.Token {
	if l.match(expected) {
		return l.makeToken(then, "", startPos, startCol, startLine)
	}
	return l.makeToken(otherwise, "", startPos, startCol, startLine)
}

func (l *Lexer) skipWhitespaceAndComments() {
	for {
		switch l.peek() {
		case ' ', '\t', '\n', '\r', '\f', '\v', 0xFEFF:
			l.advance()
		case '(':
			if l.peekNext() != '*' {
				return
			}
			l.blockComment()
		case '/':
			switch l.peekNext() {
			case '/':
				l.cComment()
				l.lineComment()
			case '*':
				l.cComment()
				l.cBlockComment()
			default:
				return
			}
		default:
			return
		}
	}
}

// cComment checks that C-style comments are allowed before one is consumed.
func (l *Lexer) cComment() {
	tok := l.makeToken(token.Comment, "", l.pos, l.column, l.line)
	tok.Len = 2
	if !l.cfg.IsFeatureEnabled(config.FeatCComments) {
		util.Bail(util.SyntaxError, tok, "C-style comments are disabled (-Fno-c-comments)")
	}
	l.diag.Warn(config.WarnPedantic, tok, "C-style comments are not part of IEC 61131-3")
}

// blockComment consumes a (* ... *) comment. These comments nest.
func (l *Lexer) blockComment() {
	startTok := l.makeToken(token.Comment, "", l.pos, l.column, l.line)
	startTok.Len = 2
	depth := 0
	for !l.isAtEnd() {
		if l.peek() == '(' && l.peekNext() == '*' {
			l.advance()
			l.advance()
			depth++
			continue
		}
		if l.peek() == '*' && l.peekNext() == ')' {
			l.advance()
			l.advance()
			depth--
			if depth == 0 {
				return
			}
			continue
		}
		l.advance()
	}
	util.Bail(util.SyntaxError, startTok, "unterminated comment")
}

func (l *Lexer) cBlockComment() {
	startTok := l.makeToken(token.Comment, "", l.pos, l.column, l.line)
	startTok.Len = 2
	l.advance()
	l.advance()
	for !l.isAtEnd() {
		if l.peek() == '*' && l.peekNext() == '/' {
			l.advance()
			l.advance()
			return
		}
		l.advance()
	}
	util.Bail(util.SyntaxError, startTok, "unterminated block comment")
}

func (l *Lexer) lineComment() {
	for !l.isAtEnd() && l.peek() != '\n' {
		l.advance()
	}
}

func (l *Lexer) pragma(startPos, startCol, startLine int) token.Token {
	var sb strings.Builder
	for !l.isAtEnd() && l.peek() != '}' {
		sb.WriteRune(l.advance())
	}
	if !l.match('}') {
		tok := l.makeToken(token.Pragma, "", startPos, startCol, startLine)
		tok.Len = 1
		util.Bail(util.SyntaxError, tok, "unterminated pragma")
	}
	return l.makeToken(token.Pragma, strings.TrimSpace(sb.String()), startPos, startCol, startLine)
}

func (l *Lexer) identifierOrKeyword(startPos, startCol, startLine int) token.Token {
	prevUnderscore := false
	for !l.isAtEnd() {
		ch := l.peek()
		if !(unicode.IsLetter(ch) || unicode.IsDigit(ch) || ch == '_') {
			break
		}
		if ch == '_' && prevUnderscore {
			tok := l.makeToken(token.Ident, "", l.pos, l.column, l.line)
			tok.Len = 1
			util.Bail(util.SyntaxError, tok, "identifiers may not contain consecutive underscores")
		}
		prevUnderscore = ch == '_'
		l.advance()
	}
	value := string(l.source[startPos:l.pos])
	if tokType, isKeyword := token.Lookup(value); isKeyword {
		return l.makeToken(tokType, value, startPos, startCol, startLine)
	}
	return l.makeToken(token.Ident, value, startPos, startCol, startLine)
}

func isDigitInBase(ch rune, base int) bool {
	switch {
	case ch >= '0' && ch <= '9':
		return int(ch-'0') < base
	case ch >= 'a' && ch <= 'f':
		return base == 16
	case ch >= 'A' && ch <= 'F':
		return base == 16
	}
	return false
}

func (l *Lexer) readDigits(base int) string {
	var sb strings.Builder
	for !l.isAtEnd() {
		ch := l.peek()
		if ch == '_' {
			l.advance()
			continue
		}
		if !isDigitInBase(ch, base) {
			break
		}
		sb.WriteRune(l.advance())
	}
	return sb.String()
}

// numberLiteral lexes decimal, based (2#, 8#, 16#) and real literals. Integer
// token values are normalized to decimal.
func (l *Lexer) numberLiteral(startPos, startCol, startLine int) token.Token {
	digits := l.readDigits(10)

	if l.peek() == '#' {
		base, _ := strconv.Atoi(digits)
		if base == 2 || base == 8 || base == 16 {
			l.advance()
			based := l.readDigits(base)
			tok := l.makeToken(token.Number, "", startPos, startCol, startLine)
			if based == "" {
				util.Bail(util.SyntaxError, tok, "missing digits after '%d#'", base)
			}
			val, err := strconv.ParseUint(based, base, 64)
			if err != nil {
				util.Bail(util.SyntaxError, tok, "integer literal '%s' is out of range", string(l.source[startPos:l.pos]))
			}
			tok.Value = strconv.FormatUint(val, 10)
			return tok
		}
	}

	isReal := false
	if l.peek() == '.' && unicode.IsDigit(l.peekNext()) {
		isReal = true
		l.advance()
		digits += "." + l.readDigits(10)
	}
	if isReal && (l.peek() == 'e' || l.peek() == 'E') {
		save := []int{l.pos, l.line, l.column}
		exp := string(l.advance())
		if l.peek() == '+' || l.peek() == '-' {
			exp += string(l.advance())
		}
		if unicode.IsDigit(l.peek()) {
			digits += exp + l.readDigits(10)
		} else {
			l.pos, l.line, l.column = save[0], save[1], save[2]
		}
	}

	tok := l.makeToken(token.Number, digits, startPos, startCol, startLine)
	if isReal {
		tok.Type = token.FloatNumber
		if _, err := strconv.ParseFloat(digits, 64); err != nil {
			util.Bail(util.SyntaxError, tok, "invalid real literal '%s'", digits)
		}
		return tok
	}
	if _, err := strconv.ParseUint(digits, 10, 64); err != nil {
		util.Bail(util.SyntaxError, tok, "integer literal '%s' is out of range", digits)
	}
	return tok
}
