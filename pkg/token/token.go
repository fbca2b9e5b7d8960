package token

import "strings"

type Type int

const (
	EOF Type = iota
	Comment
	Pragma
	Ident
	Number
	FloatNumber
	TypedLiteral

	// Declarations
	Program
	EndProgram
	Function
	EndFunction
	FunctionBlock
	EndFunctionBlock
	Var
	VarInput
	VarOutput
	VarInOut
	VarTemp
	VarGlobal
	VarExternal
	EndVar
	Constant
	TypeKeyword
	EndType
	Struct
	EndStruct
	Array
	Of

	// Statements
	If
	Then
	Elsif
	Else
	EndIf
	Case
	EndCase
	For
	To
	By
	Do
	EndFor
	While
	EndWhile
	Repeat
	Until
	EndRepeat
	Exit
	Continue
	Return

	// Word operators and literals
	And
	Or
	Xor
	Not
	Mod
	True
	False

	// Punctuation
	LParen
	RParen
	LBracket
	RBracket
	Semi
	Comma
	Colon
	Dot
	DotDot
	Hash
	Assign
	Arrow

	// Operators
	Plus
	Minus
	Star
	Slash
	Ampersand
	Eq
	Neq
	Lt
	Gt
	Lte
	Gte
)

var KeywordMap = map[string]Type{
	"PROGRAM":            Program,
	"END_PROGRAM":        EndProgram,
	"FUNCTION":           Function,
	"END_FUNCTION":       EndFunction,
	"FUNCTION_BLOCK":     FunctionBlock,
	"END_FUNCTION_BLOCK": EndFunctionBlock,
	"VAR":                Var,
	"VAR_INPUT":          VarInput,
	"VAR_OUTPUT":         VarOutput,
	"VAR_IN_OUT":         VarInOut,
	"VAR_TEMP":           VarTemp,
	"VAR_GLOBAL":         VarGlobal,
	"VAR_EXTERNAL":       VarExternal,
	"END_VAR":            EndVar,
	"CONSTANT":           Constant,
	"TYPE":               TypeKeyword,
	"END_TYPE":           EndType,
	"STRUCT":             Struct,
	"END_STRUCT":         EndStruct,
	"ARRAY":              Array,
	"OF":                 Of,
	"IF":                 If,
	"THEN":               Then,
	"ELSIF":              Elsif,
	"ELSE":               Else,
	"END_IF":             EndIf,
	"CASE":               Case,
	"END_CASE":           EndCase,
	"FOR":                For,
	"TO":                 To,
	"BY":                 By,
	"DO":                 Do,
	"END_FOR":            EndFor,
	"WHILE":              While,
	"END_WHILE":          EndWhile,
	"REPEAT":             Repeat,
	"UNTIL":              Until,
	"END_REPEAT":         EndRepeat,
	"EXIT":               Exit,
	"CONTINUE":           Continue,
	"RETURN":             Return,
	"AND":                And,
	"OR":                 Or,
	"XOR":                Xor,
	"NOT":                Not,
	"MOD":                Mod,
	"TRUE":               True,
	"FALSE":              False,
}

// Reverse mapping from Type to the keyword string
var TypeStrings = make(map[Type]string)

var punctStrings = map[Type]string{
	EOF: "end of file", Ident: "identifier", Number: "integer literal", FloatNumber: "real literal",
	TypedLiteral: "typed literal", Pragma: "pragma",
	LParen: "(", RParen: ")", LBracket: "[", RBracket: "]", Semi: ";", Comma: ",",
	Colon: ":", Dot: ".", DotDot: "..", Hash: "#", Assign: ":=", Arrow: "=>",
	Plus: "+", Minus: "-", Star: "*", Slash: "/", Ampersand: "&",
	Eq: "=", Neq: "<>", Lt: "<", Gt: ">", Lte: "<=", Gte: ">=",
}

func init() {
	for str, typ := range KeywordMap {
		TypeStrings[typ] = str
	}
	for typ, str := range punctStrings {
		TypeStrings[typ] = str
	}
}

// Lookup returns the keyword type for an identifier, matching case-insensitively.
func Lookup(ident string) (Type, bool) {
	typ, ok := KeywordMap[strings.ToUpper(ident)]
	return typ, ok
}

func (t Type) String() string {
	if s, ok := TypeStrings[t]; ok {
		return s
	}
	return "unknown"
}

type Token struct {
	Type      Type
	Value     string
	FileIndex int
	Line      int
	Column    int
	Len       int
}

// Span renders the position of a token as file-relative line:column.
func (t Token) Span() (line, col, length int) { return t.Line, t.Column, t.Len }
