package parser

import (
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/xplshn/gstc/pkg/ast"
	"github.com/xplshn/gstc/pkg/config"
	"github.com/xplshn/gstc/pkg/lexer"
	"github.com/xplshn/gstc/pkg/util"
)

func parse(t *testing.T, cfg *config.Config, src string) (*ast.Node, error) {
	t.Helper()
	diag := util.NewDiagnostics(io.Discard, cfg)
	toks, err := lexer.Tokenize([]rune(src), 0, cfg, diag)
	if err != nil {
		t.Fatalf("Tokenize: %v", err)
	}
	return NewParser(toks, cfg, diag).Parse()
}

func mustParse(t *testing.T, src string) *ast.Node {
	t.Helper()
	root, err := parse(t, config.NewConfig(), src)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	return root
}

// render prints an expression in prefix form.
func render(n *ast.Node) string {
	if n == nil {
		return "<nil>"
	}
	switch d := n.Data.(type) {
	case ast.NumberNode:
		return strconv.FormatUint(d.Value, 10)
	case ast.RealNode:
		return strconv.FormatFloat(d.Value, 'g', -1, 64)
	case ast.BoolNode:
		return strconv.FormatBool(d.Value)
	case ast.IdentNode:
		return d.Name
	case ast.BinaryOpNode:
		return fmt.Sprintf("(%s %s %s)", d.Op, render(d.Left), render(d.Right))
	case ast.UnaryOpNode:
		return fmt.Sprintf("(%s %s)", d.Op, render(d.Expr))
	case ast.MemberAccessNode:
		return render(d.Expr) + "." + d.Member
	case ast.SubscriptNode:
		return render(d.Array) + "[" + render(d.Index) + "]"
	case ast.TypedLiteralNode:
		return d.TypeName + "#" + render(d.Value)
	case ast.EnumLiteralNode:
		return d.EnumName + "#" + d.Member
	case ast.ArgumentNode:
		switch {
		case d.Name == "":
			return render(d.Value)
		case d.IsOutput:
			return d.Name + "=>" + render(d.Value)
		}
		return d.Name + ":=" + render(d.Value)
	case ast.CallNode:
		args := make([]string, len(d.Args))
		for i, a := range d.Args {
			args[i] = render(a)
		}
		return render(d.Callee) + "(" + strings.Join(args, ", ") + ")"
	case ast.ArrayInitNode:
		elems := make([]string, len(d.Elems))
		for i, e := range d.Elems {
			elems[i] = render(e)
		}
		return "[" + strings.Join(elems, ", ") + "]"
	case ast.StructInitNode:
		fields := make([]string, len(d.Fields))
		for i, f := range d.Fields {
			a := f.Data.(ast.AssignNode)
			fields[i] = render(a.Lhs) + ":=" + render(a.Rhs)
		}
		return "(" + strings.Join(fields, ", ") + ")"
	}
	return n.Type.String()
}

func pous(root *ast.Node) map[string]ast.POUNode {
	m := make(map[string]ast.POUNode)
	for _, d := range root.Data.(ast.CompilationUnitNode).Decls {
		if d.Type == ast.POU {
			p := d.Data.(ast.POUNode)
			m[p.Name] = p
		}
	}
	return m
}

func TestExpressions(t *testing.T) {
	t.Parallel()

	root := mustParse(t, `PROGRAM p
  x := a + b * c - d;
  x := NOT a AND b OR c XOR d;
  x := -a MOD 2 = 0;
  x := a & b;
  x := (a + b) * c;
  x := a < b = c >= d;
  x := INT#-5 + Mode#Run;
  x := LREAL#1.5 / 2.0;
  x := f(1, b := 2, c => out.v);
  x := arr[i, j + 1].field;
  x := g();
  x := +a;
END_PROGRAM`)

	var got []string
	for _, s := range pous(root)["p"].Body {
		got = append(got, render(s.Data.(ast.AssignNode).Rhs))
	}
	want := []string{
		"(- (+ a (* b c)) d)",
		"(OR (AND (NOT a) b) (XOR c d))",
		"(= (MOD (- a) 2) 0)",
		"(AND a b)",
		"(* (+ a b) c)",
		"(= (< a b) (>= c d))",
		"(+ INT#(- 5) Mode#Run)",
		"(/ LREAL#1.5 2)",
		"f(1, b:=2, c=>out.v)",
		"arr[i][(+ j 1)].field",
		"g()",
		"a",
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("expressions mismatch (-want +got):\n%s", diff)
	}
}

func TestDeclarations(t *testing.T) {
	t.Parallel()

	root := mustParse(t, `TYPE
  Mode : (Idle, Run := 5, Stop);
  Point : STRUCT x, y : LREAL; END_STRUCT;
  Grid : ARRAY[0..2, 1..3] OF INT;
END_TYPE

{external}
VAR_GLOBAL
  remote : DINT;
END_VAR

VAR_EXTERNAL
  other : BOOL;
END_VAR

VAR_GLOBAL CONSTANT
  limit : INT := 10;
  origin : Point := (x := 1.0, y := 2.0);
  row : ARRAY[0..2] OF INT := [1, 2, 3];
END_VAR

{external}
FUNCTION Ext : DINT
  VAR_INPUT a : DINT; END_VAR
END_FUNCTION

FUNCTION_BLOCK Counter
  VAR_INPUT step : INT; END_VAR
  VAR_OUTPUT total : DINT; END_VAR
  VAR_IN_OUT acc : LINT; END_VAR
  total := total + step;
END_FUNCTION_BLOCK

PROGRAM main
  VAR c : Counter; END_VAR
  VAR_TEMP t : INT; END_VAR
  c(step := 1);
END_PROGRAM
`)

	type declSummary struct {
		Name     string
		Section  string
		Type     string
		Init     string
		Constant bool
		External bool
	}
	var types []string
	var globals []declSummary
	for _, d := range root.Data.(ast.CompilationUnitNode).Decls {
		switch d.Type {
		case ast.TypeDecl:
			td := d.Data.(ast.TypeDeclNode)
			types = append(types, fmt.Sprintf("%s:%d", td.Name, td.Type.Kind))
		case ast.VarBlock:
			for _, v := range d.Data.(ast.VarBlockNode).Decls {
				vd := v.Data.(ast.VarDeclNode)
				init := ""
				if vd.Init != nil {
					init = render(vd.Init)
				}
				globals = append(globals, declSummary{vd.Name, vd.Section.String(), vd.Type.Name, init, vd.IsConstant, vd.IsExternal})
			}
		}
	}

	wantTypes := []string{
		fmt.Sprintf("Mode:%d", ast.TYPE_ENUM),
		fmt.Sprintf("Point:%d", ast.TYPE_STRUCT),
		fmt.Sprintf("Grid:%d", ast.TYPE_ARRAY),
	}
	if diff := cmp.Diff(wantTypes, types); diff != "" {
		t.Errorf("types mismatch (-want +got):\n%s", diff)
	}
	wantGlobals := []declSummary{
		{"remote", "VAR_EXTERNAL", "DINT", "", false, true},
		{"other", "VAR_EXTERNAL", "BOOL", "", false, true},
		{"limit", "VAR_GLOBAL", "INT", "10", true, false},
		{"origin", "VAR_GLOBAL", "Point", "(x:=1, y:=2)", true, false},
		{"row", "VAR_GLOBAL", "", "[1, 2, 3]", true, false},
	}
	if diff := cmp.Diff(wantGlobals, globals); diff != "" {
		t.Errorf("globals mismatch (-want +got):\n%s", diff)
	}

	units := pous(root)
	ext := units["Ext"]
	if ext.Kind != ast.KindFunction || !ext.IsExternal || ext.ReturnType != ast.TypeDINT || len(ext.Body) != 0 {
		t.Errorf("Ext = %+v", ext)
	}
	if diff := cmp.Diff([]string{"external"}, ext.Pragmas); diff != "" {
		t.Errorf("Ext pragmas (-want +got):\n%s", diff)
	}
	counter := units["Counter"]
	if counter.Kind != ast.KindFunctionBlock || len(counter.Vars()) != 3 || counter.ReturnType != nil {
		t.Errorf("Counter = %+v", counter)
	}
	main := units["main"]
	if main.Kind != ast.KindProgram || len(main.VarBlocks) != 2 || len(main.Body) != 1 || main.Body[0].Type != ast.CallStmt {
		t.Errorf("main = %+v", main)
	}

	// Grid is ARRAY[0..2] OF ARRAY[1..3] OF INT.
	for _, d := range root.Data.(ast.CompilationUnitNode).Decls {
		if td, ok := d.Data.(ast.TypeDeclNode); ok && td.Name == "Grid" {
			inner := td.Type.Base
			if inner == nil || inner.Kind != ast.TYPE_ARRAY || inner.Base != ast.TypeINT {
				t.Errorf("Grid element = %v", inner)
			}
			if render(inner.LowExpr) != "1" || render(td.Type.HighExpr) != "2" {
				t.Errorf("Grid bounds = %s..%s", render(inner.LowExpr), render(td.Type.HighExpr))
			}
		}
	}
}

func TestStatements(t *testing.T) {
	t.Parallel()

	root := mustParse(t, `PROGRAM p
  IF a THEN x := 1; ELSIF b THEN x := 2; ELSIF c THEN ; ELSE x := 3; END_IF;
  CASE m OF
    1, 3..5: x := 1; y := 2;
    Mode#Run: x := 2;
    limit: ;
  ELSE
    x := 0;
  END_CASE;
  FOR i := 10 TO 0 BY -2 DO
    IF i = 4 THEN EXIT; END_IF;
    CONTINUE;
  END_FOR;
  WHILE x < 3 DO x := x + 1; END_WHILE;
  REPEAT x := x - 1; UNTIL x = 0 END_REPEAT;
  RETURN;
END_PROGRAM`)

	body := pous(root)["p"].Body
	var kinds []ast.NodeType
	for _, s := range body {
		kinds = append(kinds, s.Type)
	}
	wantKinds := []ast.NodeType{ast.If, ast.Case, ast.For, ast.While, ast.Repeat, ast.Return}
	if diff := cmp.Diff(wantKinds, kinds); diff != "" {
		t.Fatalf("statements mismatch (-want +got):\n%s", diff)
	}

	ifn := body[0].Data.(ast.IfNode)
	if len(ifn.Then) != 1 || len(ifn.ElsIfs) != 2 || !ifn.HasElse || len(ifn.Else) != 1 {
		t.Errorf("IF = %+v", ifn)
	}

	cn := body[1].Data.(ast.CaseNode)
	var labels [][]string
	var sizes []int
	for _, b := range cn.Branches {
		cb := b.Data.(ast.CaseBranchNode)
		var ls []string
		for _, l := range cb.Labels {
			ls = append(ls, render(l))
		}
		labels = append(labels, ls)
		sizes = append(sizes, len(cb.Body))
	}
	if diff := cmp.Diff([][]string{{"1", "(.. 3 5)"}, {"Mode#Run"}, {"limit"}}, labels); diff != "" {
		t.Errorf("CASE labels (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]int{2, 1, 1}, sizes); diff != "" {
		t.Errorf("CASE branch sizes (-want +got):\n%s", diff)
	}
	if !cn.HasElse || len(cn.Else) != 1 {
		t.Errorf("CASE else = %+v", cn.Else)
	}

	fn := body[2].Data.(ast.ForNode)
	if render(fn.Var) != "i" || render(fn.Start) != "10" || render(fn.End) != "0" || render(fn.Step) != "(- 2)" || len(fn.Body) != 2 {
		t.Errorf("FOR = %s := %s TO %s BY %s", render(fn.Var), render(fn.Start), render(fn.End), render(fn.Step))
	}

	rn := body[4].Data.(ast.RepeatNode)
	if render(rn.Cond) != "(= x 0)" {
		t.Errorf("UNTIL = %s", render(rn.Cond))
	}
}

func TestParents(t *testing.T) {
	t.Parallel()

	root := mustParse(t, "PROGRAM p\n  VAR v : INT := 1 + 2; END_VAR\n  IF v > 0 THEN v := f(x := v); END_IF;\nEND_PROGRAM\n")
	ast.Walk(root, func(n *ast.Node) {
		if n == root {
			return
		}
		if n.Parent == nil {
			t.Errorf("%s at %d:%d has no parent", n.Type, n.Tok.Line, n.Tok.Column)
			return
		}
		if n.Type != ast.POU && ast.EnclosingPOU(n) == nil {
			t.Errorf("%s at %d:%d is outside the program", n.Type, n.Tok.Line, n.Tok.Column)
		}
	})
}

func TestSyntaxErrors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		src       string
		line, col int
		msg       string
	}{
		{"external initializer", "{external}\nVAR_GLOBAL\n  g : INT := 1;\nEND_VAR", 3, 11, "cannot have an initializer"},
		{"var_external initializer", "VAR_EXTERNAL g : INT := 1; END_VAR", 1, 22, "cannot have an initializer"},
		{"external body", "{external}\nFUNCTION f : INT\n  f := 1;\nEND_FUNCTION", 3, 3, "cannot have a body"},
		{"external type", "{external}\nTYPE t : INT; END_TYPE", 2, 1, "cannot be applied to a TYPE"},
		{"dangling external", "{external}\n;", 2, 1, "must precede"},
		{"inline struct", "VAR_GLOBAL g : STRUCT a : INT; END_STRUCT; END_VAR", 1, 16, "TYPE block"},
		{"empty struct", "TYPE s : STRUCT END_STRUCT; END_TYPE", 1, 10, "at least one member"},
		{"global in pou", "PROGRAM p\nVAR_GLOBAL g : INT; END_VAR\nEND_PROGRAM", 2, 1, "unit level"},
		{"in_out in program", "PROGRAM p\nVAR_IN_OUT g : INT; END_VAR\nEND_PROGRAM", 2, 1, "not supported in a PROGRAM"},
		{"unterminated if", "PROGRAM p\nIF a THEN\nEND_PROGRAM", 3, 1, "expected a statement"},
		{"bad target", "PROGRAM p\nf() := 1;\nEND_PROGRAM", 2, 2, "invalid target"},
		{"bad statement", "PROGRAM p\n1 := 2;\nEND_PROGRAM", 2, 1, "expected a statement"},
		{"output to expression", "PROGRAM p\nf(q => 1 + 2);\nEND_PROGRAM", 2, 8, "must be assigned to a variable"},
		{"missing semicolon", "PROGRAM p\nx := 1\nEND_PROGRAM", 3, 1, "expected ';'"},
		{"top level statement", "x := 1;", 1, 1, "expected VAR_GLOBAL"},
		{"typed literal", "PROGRAM p\nx := INT#abc;\nEND_PROGRAM", 2, 10, "expected a literal"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			_, err := parse(t, config.NewConfig(), tt.src)
			var ce *util.CompileError
			if !errors.As(err, &ce) || ce.Kind != util.SyntaxError {
				t.Fatalf("got %v, want a SyntaxError", err)
			}
			if ce.Tok.Line != tt.line || ce.Tok.Column != tt.col || !strings.Contains(ce.Msg, tt.msg) {
				t.Errorf("got %d:%d %q, want %d:%d containing %q", ce.Tok.Line, ce.Tok.Column, ce.Msg, tt.line, tt.col, tt.msg)
			}
		})
	}
}

func TestFeatureGates(t *testing.T) {
	t.Parallel()

	tests := []struct {
		feature config.Feature
		src     string
	}{
		{config.FeatExternalPragma, "{external} VAR_GLOBAL g : INT; END_VAR"},
		{config.FeatVarExternal, "VAR_EXTERNAL g : INT; END_VAR"},
		{config.FeatAmpersandAnd, "PROGRAM p x := a & b; END_PROGRAM"},
		{config.FeatTypedLiterals, "PROGRAM p x := INT#1; END_PROGRAM"},
	}
	for _, tt := range tests {
		if _, err := parse(t, config.NewConfig(), tt.src); err != nil {
			t.Errorf("%q with defaults: %v", tt.src, err)
		}
		cfg := config.NewConfig()
		cfg.SetFeature(tt.feature, false)
		if _, err := parse(t, cfg, tt.src); util.KindOf(err) != util.SyntaxError {
			t.Errorf("%q with -Fno-%s: %v", tt.src, cfg.Features[tt.feature].Name, err)
		}
	}
}
