// Package symtab builds the scoped symbol table of one compilation unit.
package symtab

import (
	"strings"

	"github.com/xplshn/gstc/pkg/ast"
	"github.com/xplshn/gstc/pkg/token"
)

// Kind defines the kind of a Symbol
type Kind int

const (
	Variable Kind = iota
	Type
	ProgramUnit
	EnumMember
)

func (k Kind) String() string {
	switch k {
	case Variable:
		return "variable"
	case Type:
		return "type"
	case ProgramUnit:
		return "program unit"
	default:
		return "enum member"
	}
}

// StorageClass says where the storage or code of a symbol lives.
type StorageClass int

const (
	Global StorageClass = iota
	Local
	External
)

func (s StorageClass) String() string {
	switch s {
	case Global:
		return "global"
	case Local:
		return "local"
	default:
		return "external"
	}
}

// Symbol is one named entity of a compilation unit.
type Symbol struct {
	Name       string // declared spelling
	Kind       Kind
	Storage    StorageClass
	Type       *ast.Type // variable type, named type, enum type or function result
	Section    ast.VarSection
	IsConstant bool
	IsResult   bool // the implicit result variable of a FUNCTION
	Decl       *ast.Node
	Tok        token.Token

	// ProgramUnit symbols only.
	POUKind  ast.POUKind
	Instance *ast.Type // instance layout of programs and function blocks
	Scope    *Scope    // the POU scope holding parameters and locals

	// Owner is the POU a local belongs to.
	Owner *Symbol
	// Binds is the unit-level variable a POU VAR_EXTERNAL refers to. It is
	// set during resolution.
	Binds *Symbol
}

// InstanceName is the data symbol holding the variables of a PROGRAM.
func (s *Symbol) InstanceName() string { return s.Name + "_instance" }

// IsParameter reports whether a POU variable is part of the call interface.
func (s *Symbol) IsParameter() bool {
	if s.Kind != Variable || s.Storage != Local {
		return false
	}
	switch s.Section {
	case ast.SectionInput, ast.SectionOutput, ast.SectionInOut:
		return true
	}
	return false
}

// Scope is an ordered, case-insensitive namespace.
type Scope struct {
	Name    string
	Parent  *Scope
	Owner   *Symbol // nil for the global scope
	Symbols []*Symbol
	byName  map[string]*Symbol
}

func newScope(name string, parent *Scope, owner *Symbol) *Scope {
	return &Scope{Name: name, Parent: parent, Owner: owner, byName: make(map[string]*Symbol)}
}

// LookupLocal finds name in this scope only.
func (s *Scope) LookupLocal(name string) *Symbol {
	return s.byName[strings.ToUpper(name)]
}

// Lookup finds name in this scope, then in the enclosing scopes.
func (s *Scope) Lookup(name string) *Symbol {
	for sc := s; sc != nil; sc = sc.Parent {
		if sym := sc.LookupLocal(name); sym != nil {
			return sym
		}
	}
	return nil
}

func (s *Scope) insert(sym *Symbol) {
	s.Symbols = append(s.Symbols, sym)
	s.byName[strings.ToUpper(sym.Name)] = sym
}

// Params returns the interface variables of a POU scope in declaration order.
func (s *Scope) Params() []*Symbol {
	var params []*Symbol
	for _, sym := range s.Symbols {
		if sym.IsParameter() {
			params = append(params, sym)
		}
	}
	return params
}

// Table holds the global scope and one scope per POU.
type Table struct {
	Global *Scope
	POUs   []*Symbol // program units in declaration order
	byNode map[*ast.Node]*Symbol
}

func newTable() *Table {
	return &Table{Global: newScope("<global>", nil, nil), byNode: make(map[*ast.Node]*Symbol)}
}

// SymbolOf returns the symbol created for a declaration node.
func (t *Table) SymbolOf(decl *ast.Node) *Symbol { return t.byNode[decl] }

// ScopeOf returns the scope that statements inside n resolve in.
func (t *Table) ScopeOf(n *ast.Node) *Scope {
	if pou := ast.EnclosingPOU(n); pou != nil {
		if sym := t.byNode[pou]; sym != nil {
			return sym.Scope
		}
	}
	return t.Global
}

// Externals returns the unit-level external declarations in declaration order.
func (t *Table) Externals() []*Symbol {
	var ext []*Symbol
	for _, sym := range t.Global.Symbols {
		if sym.Storage == External {
			ext = append(ext, sym)
		}
	}
	return ext
}

// Summary is a flat, printable view of one symbol.
type Summary struct {
	Scope   string
	Name    string
	Kind    string
	Storage string
	Type    string
	Section string `json:",omitempty"`
}

// Summaries lists every symbol of the table, global scope first.
func (t *Table) Summaries() []Summary {
	var out []Summary
	add := func(sc *Scope) {
		for _, sym := range sc.Symbols {
			s := Summary{Scope: sc.Name, Name: sym.Name, Kind: sym.Kind.String(), Storage: sym.Storage.String()}
			switch {
			case sym.Kind == ProgramUnit:
				s.Type = sym.POUKind.String()
			case sym.Type != nil:
				s.Type = sym.Type.String()
			}
			if sym.Kind == Variable {
				s.Section = sym.Section.String()
			}
			out = append(out, s)
		}
	}
	add(t.Global)
	for _, pou := range t.POUs {
		add(pou.Scope)
	}
	return out
}
