package symtab

import (
	"strings"

	"github.com/xplshn/gstc/pkg/ast"
	"github.com/xplshn/gstc/pkg/config"
	"github.com/xplshn/gstc/pkg/token"
	"github.com/xplshn/gstc/pkg/util"
)

type builder struct {
	table *Table
	cfg   *config.Config
	diag  *util.Diagnostics
}

// Build registers every declaration of the unit. Unit-level names are
// collected in one forward pass, then each POU gets its own scope.
func Build(root *ast.Node, cfg *config.Config, diag *util.Diagnostics) (table *Table, err error) {
	defer util.Recover(&err)
	if root == nil || root.Type != ast.CompilationUnit {
		return nil, util.Errorf(util.InternalError, token.Token{}, "symbol table built from a non-unit node")
	}
	b := &builder{table: newTable(), cfg: cfg, diag: diag}
	decls := root.Data.(ast.CompilationUnitNode).Decls

	for _, decl := range decls {
		if decl.Type == ast.TypeDecl {
			b.declareType(decl)
		}
	}
	for _, decl := range decls {
		switch decl.Type {
		case ast.VarBlock:
			for _, v := range decl.Data.(ast.VarBlockNode).Decls {
				b.declareGlobal(v)
			}
		case ast.POU:
			b.declarePOU(decl)
		}
	}
	for _, pou := range b.table.POUs {
		b.buildPOUScope(pou)
	}
	b.checkInstanceNames()
	return b.table, nil
}

func (b *builder) define(scope *Scope, sym *Symbol) {
	if Reserved(sym.Name) {
		util.Bail(util.DuplicateSymbolError, sym.Tok, "'%s' is the name of an elementary type", sym.Name)
	}
	if prev := scope.LookupLocal(sym.Name); prev != nil {
		if (prev.Storage == External) != (sym.Storage == External) && scope == b.table.Global {
			util.Bail(util.ConflictingDeclarationError, sym.Tok,
				"'%s' is declared external and defined in this unit (other declaration at %d:%d)",
				sym.Name, prev.Tok.Line, prev.Tok.Column)
		}
		util.Bail(util.DuplicateSymbolError, sym.Tok,
			"'%s' is already declared in %s (previous declaration at %d:%d)",
			sym.Name, scopeDesc(scope), prev.Tok.Line, prev.Tok.Column)
	}
	scope.insert(sym)
	if sym.Decl != nil {
		b.table.byNode[sym.Decl] = sym
	}
}

func scopeDesc(s *Scope) string {
	if s.Owner == nil {
		return "the global scope"
	}
	return "'" + s.Name + "'"
}

func (b *builder) declareType(decl *ast.Node) {
	d := decl.Data.(ast.TypeDeclNode)
	typ := d.Type
	switch typ.Kind {
	case ast.TYPE_STRUCT, ast.TYPE_ENUM, ast.TYPE_ARRAY:
		if typ.Name == "" {
			typ.Name = d.Name
			typ.Decl = decl
		}
	}
	b.define(b.table.Global, &Symbol{Name: d.Name, Kind: Type, Storage: Global, Type: typ, Decl: decl, Tok: decl.Tok})

	if typ.Kind == ast.TYPE_ENUM {
		for _, m := range typ.Members {
			md := m.Data.(ast.VarDeclNode)
			b.define(b.table.Global, &Symbol{
				Name: md.Name, Kind: EnumMember, Storage: Global, Type: typ,
				IsConstant: true, Decl: m, Tok: m.Tok,
			})
		}
	}
}

func (b *builder) declareGlobal(decl *ast.Node) {
	d := decl.Data.(ast.VarDeclNode)
	storage := Global
	if d.IsExternal {
		storage = External
	}
	b.define(b.table.Global, &Symbol{
		Name: d.Name, Kind: Variable, Storage: storage, Type: d.Type,
		Section: ast.SectionGlobal, IsConstant: d.IsConstant, Decl: decl, Tok: decl.Tok,
	})
}

func (b *builder) declarePOU(decl *ast.Node) {
	d := decl.Data.(ast.POUNode)
	storage := Global
	if d.IsExternal {
		storage = External
	}
	sym := &Symbol{Name: d.Name, Kind: ProgramUnit, Storage: storage, POUKind: d.Kind, Decl: decl, Tok: decl.Tok}
	switch d.Kind {
	case ast.KindFunction:
		sym.Type = d.ReturnType
		if sym.Type == nil {
			sym.Type = ast.TypeVoid
		}
	default:
		sym.Instance = instanceType(decl, &d)
		sym.Type = sym.Instance
	}
	sym.Scope = newScope(d.Name, b.table.Global, sym)
	b.define(b.table.Global, sym)
	b.table.POUs = append(b.table.POUs, sym)
}

// instanceType collects the variables that persist between calls of a
// PROGRAM or FUNCTION_BLOCK.
func instanceType(decl *ast.Node, d *ast.POUNode) *ast.Type {
	var fields []*ast.Node
	for _, v := range d.Vars() {
		switch v.Data.(ast.VarDeclNode).Section {
		case ast.SectionLocal, ast.SectionInput, ast.SectionOutput, ast.SectionInOut:
			fields = append(fields, v)
		}
	}
	return &ast.Type{Kind: ast.TYPE_FB, Name: d.Name, Fields: fields, Decl: decl, Tok: decl.Tok}
}

func (b *builder) buildPOUScope(pou *Symbol) {
	d := pou.Decl.Data.(ast.POUNode)
	scope := pou.Scope

	if d.Kind == ast.KindFunction && pou.Type != ast.TypeVoid {
		scope.insert(&Symbol{
			Name: d.Name, Kind: Variable, Storage: Local, Type: pou.Type,
			Section: ast.SectionLocal, IsResult: true, Tok: pou.Tok, Owner: pou,
		})
	}

	for _, v := range d.Vars() {
		vd := v.Data.(ast.VarDeclNode)
		sym := &Symbol{
			Name: vd.Name, Kind: Variable, Storage: Local, Type: vd.Type,
			Section: vd.Section, IsConstant: vd.IsConstant, Decl: v, Tok: v.Tok, Owner: pou,
		}
		if vd.Section == ast.SectionExternal {
			sym.Storage = Global
		}
		if prev := scope.LookupLocal(vd.Name); prev != nil && prev.IsResult {
			util.Bail(util.DuplicateSymbolError, v.Tok, "'%s' is the result variable of function '%s'", vd.Name, d.Name)
		}
		b.define(scope, sym)

		if vd.Section != ast.SectionExternal {
			if g := b.table.Global.LookupLocal(vd.Name); g != nil && g.Kind == Variable {
				b.diag.Warn(config.WarnShadow, v.Tok, "'%s' shadows the global declared at %d:%d", vd.Name, g.Tok.Line, g.Tok.Column)
			}
		}
	}
}

// checkInstanceNames rejects globals that collide with the data symbol
// generated for a PROGRAM.
func (b *builder) checkInstanceNames() {
	for _, pou := range b.table.POUs {
		if pou.POUKind != ast.KindProgram {
			continue
		}
		if sym := b.table.Global.LookupLocal(pou.InstanceName()); sym != nil {
			util.Bail(util.DuplicateSymbolError, sym.Tok, "'%s' collides with the instance of program '%s'", sym.Name, pou.Name)
		}
	}
}

// Reserved reports whether name is spelled like an elementary type.
func Reserved(name string) bool { return ast.Elementary[strings.ToUpper(name)] != nil }
