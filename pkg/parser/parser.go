package parser

import (
	"strconv"
	"strings"

	"github.com/xplshn/gstc/pkg/ast"
	"github.com/xplshn/gstc/pkg/config"
	"github.com/xplshn/gstc/pkg/token"
	"github.com/xplshn/gstc/pkg/util"
)

type Parser struct {
	tokens   []token.Token
	pos      int
	current  token.Token
	previous token.Token
	cfg      *config.Config
	diag     *util.Diagnostics
}

func NewParser(tokens []token.Token, cfg *config.Config, diag *util.Diagnostics) *Parser {
	p := &Parser{tokens: tokens, cfg: cfg, diag: diag}
	if len(tokens) > 0 {
		p.current = tokens[0]
	}
	return p
}

// Parse builds the AST of one compilation unit. The first malformed construct
// is returned as a SyntaxError.
func (p *Parser) Parse() (root *ast.Node, err error) {
	defer util.Recover(&err)
	var decls []*ast.Node
	tok := p.current
	for !p.check(token.EOF) {
		decls = append(decls, p.parseTopLevel()...)
	}
	return ast.NewCompilationUnit(tok, decls), nil
}

// Parser helpers
func (p *Parser) advance() {
	if p.pos < len(p.tokens) {
		p.previous = p.current
		p.pos++
		if p.pos < len(p.tokens) {
			p.current = p.tokens[p.pos]
		} else {
			p.current = token.Token{Type: token.EOF, Line: p.previous.Line, Column: p.previous.Column + p.previous.Len}
		}
	}
}

func (p *Parser) peek() token.Token {
	if p.pos+1 < len(p.tokens) {
		return p.tokens[p.pos+1]
	}
	return token.Token{Type: token.EOF}
}

func (p *Parser) check(tokType token.Type) bool { return p.current.Type == tokType }

func (p *Parser) match(tokTypes ...token.Type) bool {
	for _, tokType := range tokTypes {
		if p.check(tokType) {
			p.advance()
			return true
		}
	}
	return false
}

func (p *Parser) expect(tokType token.Type, message string) token.Token {
	if p.check(tokType) {
		tok := p.current
		p.advance()
		return tok
	}
	p.errorf(p.current, "%s (found %s)", message, describe(p.current))
	return p.current
}

func (p *Parser) errorf(tok token.Token, format string, args ...interface{}) {
	util.Bail(util.SyntaxError, tok, format, args...)
}

func describe(tok token.Token) string {
	switch tok.Type {
	case token.Ident, token.Number, token.FloatNumber:
		return "'" + tok.Value + "'"
	case token.EOF:
		return "end of file"
	}
	if tok.Value != "" {
		return "'" + tok.Value + "'"
	}
	return "'" + tok.Type.String() + "'"
}

// skipPragmas consumes pragmas that have no meaning at the current position.
func (p *Parser) skipPragmas() {
	for p.check(token.Pragma) {
		p.diag.Warn(config.WarnUnknownPragma, p.current, "ignoring pragma '{%s}'", p.current.Value)
		p.advance()
	}
}

// Top-level parsing
func (p *Parser) parseTopLevel() []*ast.Node {
	isExternal := false
	var pragmas []string
	for p.check(token.Pragma) {
		if strings.EqualFold(p.current.Value, "external") {
			if !p.cfg.IsFeatureEnabled(config.FeatExternalPragma) {
				p.errorf(p.current, "'{external}' is forbidden by the current feature set (-Fno-external-pragma)")
			}
			isExternal = true
		} else {
			p.diag.Warn(config.WarnUnknownPragma, p.current, "ignoring pragma '{%s}'", p.current.Value)
		}
		pragmas = append(pragmas, p.current.Value)
		p.advance()
	}

	tok := p.current
	switch {
	case p.match(token.VarGlobal):
		return []*ast.Node{p.parseVarBlock(tok, ast.SectionGlobal, isExternal)}
	case p.match(token.VarExternal):
		if !p.cfg.IsFeatureEnabled(config.FeatVarExternal) {
			p.errorf(tok, "top-level VAR_EXTERNAL is forbidden by the current feature set (-Fno-var-external)")
		}
		return []*ast.Node{p.parseVarBlock(tok, ast.SectionGlobal, true)}
	case p.match(token.TypeKeyword):
		if isExternal {
			p.errorf(tok, "'{external}' cannot be applied to a TYPE declaration")
		}
		return p.parseTypeBlock()
	case p.match(token.Program):
		return []*ast.Node{p.parsePOU(ast.KindProgram, isExternal, pragmas)}
	case p.match(token.Function):
		return []*ast.Node{p.parsePOU(ast.KindFunction, isExternal, pragmas)}
	case p.match(token.FunctionBlock):
		return []*ast.Node{p.parsePOU(ast.KindFunctionBlock, isExternal, pragmas)}
	}
	if isExternal {
		p.errorf(p.current, "'{external}' must precede VAR_GLOBAL or a POU declaration")
	}
	p.errorf(p.current, "expected VAR_GLOBAL, TYPE, PROGRAM, FUNCTION or FUNCTION_BLOCK (found %s)", describe(p.current))
	return nil
}

// parseVarBlock parses the declarations of a VAR* block up to END_VAR.
func (p *Parser) parseVarBlock(tok token.Token, section ast.VarSection, isExternal bool) *ast.Node {
	isConstant := p.match(token.Constant)
	declSection := section
	if section == ast.SectionGlobal && isExternal {
		declSection = ast.SectionExternal
	}

	var decls []*ast.Node
	for {
		p.skipPragmas()
		if p.check(token.EndVar) || p.check(token.EOF) {
			break
		}
		decls = append(decls, p.parseVarDeclLine(declSection, isConstant, isExternal)...)
	}
	p.expect(token.EndVar, "expected END_VAR to close the variable block")
	p.match(token.Semi)
	return ast.NewVarBlock(tok, section, isConstant, isExternal, decls)
}

// parseVarDeclLine parses `a, b : T [:= init];`
func (p *Parser) parseVarDeclLine(section ast.VarSection, isConstant, isExternal bool) []*ast.Node {
	var names []token.Token
	for {
		names = append(names, p.expect(token.Ident, "expected variable name"))
		if !p.match(token.Comma) {
			break
		}
	}
	p.expect(token.Colon, "expected ':' after variable name")
	typ := p.parseTypeSpec(false)

	var init *ast.Node
	if p.check(token.Assign) {
		assignTok := p.current
		p.advance()
		if isExternal || section == ast.SectionExternal {
			p.errorf(assignTok, "an external declaration cannot have an initializer")
		}
		if section == ast.SectionInOut {
			p.errorf(assignTok, "VAR_IN_OUT parameters cannot have an initializer")
		}
		init = p.parseInitializer()
	}
	p.expect(token.Semi, "expected ';' after variable declaration")

	decls := make([]*ast.Node, 0, len(names))
	for i, nameTok := range names {
		declInit := init
		if i > 0 && init != nil {
			declInit = cloneExpr(init)
		}
		declType := typ
		if i > 0 {
			declType = cloneType(typ)
		}
		decls = append(decls, ast.NewVarDecl(nameTok, nameTok.Value, declType, declInit, section, isConstant, isExternal))
	}
	return decls
}

// parseTypeSpec parses a type reference. Inline STRUCT and enum definitions
// are only allowed inside TYPE blocks.
func (p *Parser) parseTypeSpec(inTypeBlock bool) *ast.Type {
	tok := p.current
	switch {
	case p.match(token.Ident):
		if elem := ast.LookupElementary(tok.Value); elem != nil {
			return elem
		}
		return ast.NewNamedType(tok, tok.Value)
	case p.match(token.Array):
		p.expect(token.LBracket, "expected '[' after ARRAY")
		type bounds struct{ low, high *ast.Node }
		var dims []bounds
		for {
			low := p.parseExpr()
			p.expect(token.DotDot, "expected '..' in array range")
			high := p.parseExpr()
			dims = append(dims, bounds{low, high})
			if !p.match(token.Comma) {
				break
			}
		}
		p.expect(token.RBracket, "expected ']' after array ranges")
		p.expect(token.Of, "expected OF after array ranges")
		elem := p.parseTypeSpec(false)
		for i := len(dims) - 1; i >= 0; i-- {
			elem = ast.NewArrayType(tok, dims[i].low, dims[i].high, elem)
		}
		return elem
	case p.check(token.Struct):
		if !inTypeBlock {
			p.errorf(tok, "STRUCT types must be declared in a TYPE block")
		}
		p.advance()
		var fields []*ast.Node
		for !p.check(token.EndStruct) && !p.check(token.EOF) {
			p.skipPragmas()
			fields = append(fields, p.parseVarDeclLine(ast.SectionLocal, false, false)...)
		}
		p.expect(token.EndStruct, "expected END_STRUCT")
		if len(fields) == 0 {
			p.errorf(tok, "a STRUCT needs at least one member")
		}
		return ast.NewStructType(tok, fields)
	case p.check(token.LParen):
		if !inTypeBlock {
			p.errorf(tok, "enumerations must be declared in a TYPE block")
		}
		p.advance()
		var members []*ast.Node
		for {
			nameTok := p.expect(token.Ident, "expected enumeration member name")
			var value *ast.Node
			if p.match(token.Assign) {
				value = p.parseExpr()
			}
			members = append(members, ast.NewVarDecl(nameTok, nameTok.Value, nil, value, ast.SectionGlobal, true, false))
			if !p.match(token.Comma) {
				break
			}
		}
		p.expect(token.RParen, "expected ')' after enumeration members")
		return ast.NewEnumType(tok, members)
	}
	p.errorf(tok, "expected a type (found %s)", describe(tok))
	return nil
}

func (p *Parser) parseTypeBlock() []*ast.Node {
	var decls []*ast.Node
	for !p.check(token.EndType) && !p.check(token.EOF) {
		p.skipPragmas()
		nameTok := p.expect(token.Ident, "expected type name")
		p.expect(token.Colon, "expected ':' after type name")
		typ := p.parseTypeSpec(true)
		var init *ast.Node
		if p.match(token.Assign) {
			init = p.parseInitializer()
		}
		p.expect(token.Semi, "expected ';' after type declaration")
		decls = append(decls, ast.NewTypeDecl(nameTok, nameTok.Value, typ, init))
	}
	p.expect(token.EndType, "expected END_TYPE")
	p.match(token.Semi)
	return decls
}

func endTokenFor(kind ast.POUKind) token.Type {
	switch kind {
	case ast.KindProgram:
		return token.EndProgram
	case ast.KindFunction:
		return token.EndFunction
	}
	return token.EndFunctionBlock
}

func (p *Parser) parsePOU(kind ast.POUKind, isExternal bool, pragmas []string) *ast.Node {
	nameTok := p.expect(token.Ident, "expected "+kind.String()+" name")
	pou := ast.POUNode{Kind: kind, Name: nameTok.Value, IsExternal: isExternal, Pragmas: pragmas}

	if kind == ast.KindFunction && p.match(token.Colon) {
		pou.ReturnType = p.parseTypeSpec(false)
	}

blocks:
	for {
		p.skipPragmas()
		blockTok := p.current
		var section ast.VarSection
		switch {
		case p.match(token.Var):
			section = ast.SectionLocal
		case p.match(token.VarInput):
			section = ast.SectionInput
		case p.match(token.VarOutput):
			section = ast.SectionOutput
		case p.match(token.VarInOut):
			if kind == ast.KindProgram {
				p.errorf(blockTok, "VAR_IN_OUT is not supported in a PROGRAM")
			}
			section = ast.SectionInOut
		case p.match(token.VarTemp):
			section = ast.SectionTemp
		case p.match(token.VarExternal):
			section = ast.SectionExternal
		case p.check(token.VarGlobal):
			p.errorf(blockTok, "VAR_GLOBAL must be declared at unit level")
		default:
			break blocks
		}
		pou.VarBlocks = append(pou.VarBlocks, p.parseVarBlock(blockTok, section, false))
	}

	end := endTokenFor(kind)
	bodyTok := p.current
	pou.Body = p.parseStmtList(end)
	if isExternal && len(pou.Body) > 0 {
		p.errorf(bodyTok, "an external %s cannot have a body", kind)
	}
	p.expect(end, "expected "+token.TypeStrings[end])
	p.match(token.Semi)
	return ast.NewPOU(nameTok, pou)
}

// Statement parsing
func (p *Parser) parseStmtList(terminators ...token.Type) []*ast.Node {
	var stmts []*ast.Node
	for {
		p.skipPragmas()
		if p.check(token.EOF) {
			return stmts
		}
		for _, t := range terminators {
			if p.check(t) {
				return stmts
			}
		}
		stmts = append(stmts, p.parseStmt())
	}
}

func (p *Parser) parseCaseBody() []*ast.Node {
	var stmts []*ast.Node
	for {
		p.skipPragmas()
		if p.check(token.EOF) || p.check(token.Else) || p.check(token.EndCase) || p.isCaseLabelStart() {
			return stmts
		}
		stmts = append(stmts, p.parseStmt())
	}
}

// isCaseLabelStart reports whether the upcoming tokens start a CASE label
// rather than a statement.
func (p *Parser) isCaseLabelStart() bool {
	switch p.current.Type {
	case token.Number, token.FloatNumber, token.Minus, token.Plus, token.True, token.False:
		return true
	case token.Ident:
		switch p.peek().Type {
		case token.Colon, token.Comma, token.DotDot, token.Hash:
			return true
		}
	}
	return false
}

func (p *Parser) parseStmt() *ast.Node {
	tok := p.current
	switch {
	case p.match(token.Semi):
		return ast.NewEmpty(tok)
	case p.match(token.If):
		return p.parseIf(tok)
	case p.match(token.Case):
		return p.parseCase(tok)
	case p.match(token.For):
		return p.parseFor(tok)
	case p.match(token.While):
		cond := p.parseExpr()
		p.expect(token.Do, "expected DO after WHILE condition")
		body := p.parseStmtList(token.EndWhile)
		p.expect(token.EndWhile, "expected END_WHILE")
		p.match(token.Semi)
		return ast.NewWhile(tok, cond, body)
	case p.match(token.Repeat):
		body := p.parseStmtList(token.Until)
		p.expect(token.Until, "expected UNTIL")
		cond := p.parseExpr()
		p.expect(token.EndRepeat, "expected END_REPEAT")
		p.match(token.Semi)
		return ast.NewRepeat(tok, body, cond)
	case p.match(token.Exit):
		p.expect(token.Semi, "expected ';' after EXIT")
		return ast.NewExit(tok)
	case p.match(token.Continue):
		p.expect(token.Semi, "expected ';' after CONTINUE")
		return ast.NewContinue(tok)
	case p.match(token.Return):
		p.expect(token.Semi, "expected ';' after RETURN")
		return ast.NewReturn(tok)
	case p.check(token.Ident):
		target := p.parsePostfixExpr()
		if p.check(token.Assign) {
			assignTok := p.current
			p.advance()
			if !isLValue(target) {
				p.errorf(target.Tok, "invalid target for assignment")
			}
			value := p.parseExpr()
			p.expect(token.Semi, "expected ';' after assignment")
			return ast.NewAssign(assignTok, target, value)
		}
		if target.Type == ast.Call {
			p.expect(token.Semi, "expected ';' after call")
			return ast.NewCallStmt(tok, target)
		}
		p.errorf(p.current, "expected ':=' or a call (found %s)", describe(p.current))
	}
	p.errorf(tok, "expected a statement (found %s)", describe(tok))
	return nil
}

func isLValue(node *ast.Node) bool {
	switch node.Type {
	case ast.Ident:
		return true
	case ast.MemberAccess:
		return isLValue(node.Data.(ast.MemberAccessNode).Expr)
	case ast.Subscript:
		return isLValue(node.Data.(ast.SubscriptNode).Array)
	}
	return false
}

func (p *Parser) parseIf(tok token.Token) *ast.Node {
	cond := p.parseExpr()
	p.expect(token.Then, "expected THEN after IF condition")
	then := p.parseStmtList(token.Elsif, token.Else, token.EndIf)

	var elsIfs []*ast.Node
	for p.check(token.Elsif) {
		elsIfTok := p.current
		p.advance()
		c := p.parseExpr()
		p.expect(token.Then, "expected THEN after ELSIF condition")
		body := p.parseStmtList(token.Elsif, token.Else, token.EndIf)
		elsIfs = append(elsIfs, ast.NewElsIf(elsIfTok, c, body))
	}

	var elseBody []*ast.Node
	hasElse := p.match(token.Else)
	if hasElse {
		elseBody = p.parseStmtList(token.EndIf)
	}
	p.expect(token.EndIf, "expected END_IF")
	p.match(token.Semi)
	return ast.NewIf(tok, cond, then, elsIfs, elseBody, hasElse)
}

func (p *Parser) parseCase(tok token.Token) *ast.Node {
	selector := p.parseExpr()
	p.expect(token.Of, "expected OF after CASE selector")

	var branches []*ast.Node
	for {
		p.skipPragmas()
		if p.check(token.Else) || p.check(token.EndCase) || p.check(token.EOF) {
			break
		}
		branchTok := p.current
		var labels []*ast.Node
		for {
			low := p.parseExpr()
			if p.check(token.DotDot) {
				rangeTok := p.current
				p.advance()
				high := p.parseExpr()
				low = ast.NewBinaryOp(rangeTok, token.DotDot, low, high)
			}
			labels = append(labels, low)
			if !p.match(token.Comma) {
				break
			}
		}
		p.expect(token.Colon, "expected ':' after CASE label")
		body := p.parseCaseBody()
		branches = append(branches, ast.NewCaseBranch(branchTok, labels, body))
	}

	var elseBody []*ast.Node
	hasElse := p.match(token.Else)
	if hasElse {
		elseBody = p.parseStmtList(token.EndCase)
	}
	p.expect(token.EndCase, "expected END_CASE")
	p.match(token.Semi)
	return ast.NewCase(tok, selector, branches, elseBody, hasElse)
}

func (p *Parser) parseFor(tok token.Token) *ast.Node {
	varTok := p.expect(token.Ident, "expected control variable after FOR")
	v := ast.NewIdent(varTok, varTok.Value)
	p.expect(token.Assign, "expected ':=' after FOR control variable")
	start := p.parseExpr()
	p.expect(token.To, "expected TO in FOR statement")
	end := p.parseExpr()
	var step *ast.Node
	if p.match(token.By) {
		step = p.parseExpr()
	}
	p.expect(token.Do, "expected DO in FOR statement")
	body := p.parseStmtList(token.EndFor)
	p.expect(token.EndFor, "expected END_FOR")
	p.match(token.Semi)
	return ast.NewFor(tok, v, start, end, step, body)
}

// Initializers
func (p *Parser) parseInitializer() *ast.Node {
	tok := p.current
	if p.match(token.LBracket) {
		var elems []*ast.Node
		if !p.check(token.RBracket) {
			for {
				elems = append(elems, p.parseInitializer())
				if !p.match(token.Comma) {
					break
				}
			}
		}
		p.expect(token.RBracket, "expected ']' after array initializer")
		return ast.NewArrayInit(tok, elems)
	}
	if p.check(token.LParen) && p.peek().Type == token.Ident && p.peekAt(2).Type == token.Assign {
		p.advance()
		var fields []*ast.Node
		for {
			nameTok := p.expect(token.Ident, "expected member name in structure initializer")
			assignTok := p.expect(token.Assign, "expected ':=' in structure initializer")
			value := p.parseInitializer()
			fields = append(fields, ast.NewAssign(assignTok, ast.NewIdent(nameTok, nameTok.Value), value))
			if !p.match(token.Comma) {
				break
			}
		}
		p.expect(token.RParen, "expected ')' after structure initializer")
		return ast.NewStructInit(tok, fields)
	}
	return p.parseExpr()
}

func (p *Parser) peekAt(n int) token.Token {
	if p.pos+n < len(p.tokens) {
		return p.tokens[p.pos+n]
	}
	return token.Token{Type: token.EOF}
}

// Expression parsing
func getBinaryOpPrecedence(op token.Type) int {
	switch op {
	case token.Or:
		return 1
	case token.Xor:
		return 2
	case token.And, token.Ampersand:
		return 3
	case token.Eq, token.Neq:
		return 4
	case token.Lt, token.Gt, token.Lte, token.Gte:
		return 5
	case token.Plus, token.Minus:
		return 6
	case token.Star, token.Slash, token.Mod:
		return 7
	default:
		return -1
	}
}

func (p *Parser) parseExpr() *ast.Node { return p.parseBinaryExpr(1) }

func (p *Parser) parseBinaryExpr(minPrec int) *ast.Node {
	left := p.parseUnaryExpr()
	for {
		op := p.current.Type
		prec := getBinaryOpPrecedence(op)
		if prec < minPrec {
			return left
		}
		opTok := p.current
		if op == token.Ampersand {
			if !p.cfg.IsFeatureEnabled(config.FeatAmpersandAnd) {
				p.errorf(opTok, "'&' is forbidden by the current feature set (-Fno-ampersand-and)")
			}
			op = token.And
		}
		p.advance()
		right := p.parseBinaryExpr(prec + 1)
		left = ast.NewBinaryOp(opTok, op, left, right)
	}
}

func (p *Parser) parseUnaryExpr() *ast.Node {
	tok := p.current
	if p.match(token.Minus, token.Plus, token.Not) {
		op := p.previous.Type
		operand := p.parseUnaryExpr()
		if op == token.Plus {
			return operand
		}
		return ast.NewUnaryOp(tok, op, operand)
	}
	return p.parsePostfixExpr()
}

func (p *Parser) parsePostfixExpr() *ast.Node {
	expr := p.parsePrimaryExpr()
	for {
		tok := p.current
		switch {
		case p.match(token.Dot):
			memberTok := p.expect(token.Ident, "expected member name after '.'")
			expr = ast.NewMemberAccess(tok, expr, memberTok.Value, memberTok)
		case p.match(token.LBracket):
			for {
				index := p.parseExpr()
				expr = ast.NewSubscript(tok, expr, index)
				if !p.match(token.Comma) {
					break
				}
			}
			p.expect(token.RBracket, "expected ']' after array index")
		case p.match(token.LParen):
			expr = ast.NewCall(tok, expr, p.parseArguments())
		default:
			return expr
		}
	}
}

func (p *Parser) parseArguments() []*ast.Node {
	var args []*ast.Node
	if p.match(token.RParen) {
		return args
	}
	for {
		tok := p.current
		if p.check(token.Ident) && (p.peek().Type == token.Assign || p.peek().Type == token.Arrow) {
			p.advance()
			isOutput := p.current.Type == token.Arrow
			p.advance()
			var value *ast.Node
			if isOutput {
				value = p.parsePostfixExpr()
				if !isLValue(value) {
					p.errorf(value.Tok, "output argument '%s' must be assigned to a variable", tok.Value)
				}
			} else {
				value = p.parseExpr()
			}
			args = append(args, ast.NewArgument(tok, tok.Value, value, isOutput))
		} else {
			args = append(args, ast.NewArgument(tok, "", p.parseExpr(), false))
		}
		if !p.match(token.Comma) {
			break
		}
	}
	p.expect(token.RParen, "expected ')' after arguments")
	return args
}

func (p *Parser) parsePrimaryExpr() *ast.Node {
	tok := p.current
	switch {
	case p.match(token.Number):
		val, err := strconv.ParseUint(tok.Value, 10, 64)
		if err != nil {
			p.errorf(tok, "integer literal '%s' is out of range", tok.Value)
		}
		return ast.NewNumber(tok, val)
	case p.match(token.FloatNumber):
		val, err := strconv.ParseFloat(tok.Value, 64)
		if err != nil {
			p.errorf(tok, "invalid real literal '%s'", tok.Value)
		}
		return ast.NewReal(tok, val)
	case p.match(token.True):
		return ast.NewBool(tok, true)
	case p.match(token.False):
		return ast.NewBool(tok, false)
	case p.match(token.Ident):
		if p.check(token.Hash) {
			return p.parseQualifiedLiteral(tok)
		}
		return ast.NewIdent(tok, tok.Value)
	case p.match(token.LParen):
		expr := p.parseExpr()
		p.expect(token.RParen, "expected ')' after expression")
		return expr
	}
	p.errorf(tok, "expected an expression (found %s)", describe(tok))
	return nil
}

// parseQualifiedLiteral parses `T#literal` for elementary types and
// `Enum#Member` for enumerations.
func (p *Parser) parseQualifiedLiteral(typeTok token.Token) *ast.Node {
	p.advance() // consume '#'
	if ast.LookupElementary(typeTok.Value) != nil {
		if !p.cfg.IsFeatureEnabled(config.FeatTypedLiterals) {
			p.errorf(typeTok, "typed literals are forbidden by the current feature set (-Fno-typed-literals)")
		}
		valueTok := p.current
		negative := p.match(token.Minus)
		var value *ast.Node
		switch {
		case p.match(token.Number):
			v, err := strconv.ParseUint(p.previous.Value, 10, 64)
			if err != nil {
				p.errorf(p.previous, "integer literal '%s' is out of range", p.previous.Value)
			}
			value = ast.NewNumber(p.previous, v)
		case p.match(token.FloatNumber):
			v, _ := strconv.ParseFloat(p.previous.Value, 64)
			value = ast.NewReal(p.previous, v)
		case !negative && p.match(token.True):
			value = ast.NewBool(p.previous, true)
		case !negative && p.match(token.False):
			value = ast.NewBool(p.previous, false)
		default:
			p.errorf(p.current, "expected a literal after '%s#'", typeTok.Value)
		}
		if negative {
			value = ast.NewUnaryOp(valueTok, token.Minus, value)
		}
		litTok := typeTok
		litTok.Len = p.previous.Column + p.previous.Len - typeTok.Column
		return ast.NewTypedLiteral(litTok, typeTok.Value, value)
	}
	memberTok := p.expect(token.Ident, "expected enumeration member after '#'")
	litTok := typeTok
	litTok.Len = memberTok.Column + memberTok.Len - typeTok.Column
	return ast.NewEnumLiteral(litTok, typeTok.Value, memberTok.Value)
}
