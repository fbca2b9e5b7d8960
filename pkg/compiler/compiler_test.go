package compiler

import (
	"bytes"
	"debug/elf"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/xplshn/gstc/pkg/config"
	"github.com/xplshn/gstc/pkg/ir"
	"github.com/xplshn/gstc/pkg/object"
	"github.com/xplshn/gstc/pkg/util"
)

const gxMainSource = `VAR_GLOBAL
  gX : INT;
END_VAR

PROGRAM main
  gX := 1;
END_PROGRAM
`

const plantSource = `TYPE
  Mode : (Idle, Run := 5, Stop);
  Point : STRUCT
    x : DINT;
    y : DINT;
  END_STRUCT;
END_TYPE

VAR_GLOBAL
  counter : DINT := 0;
  origin : Point := (x := 1, y := 2);
  table : ARRAY[0..3] OF INT := [1, 2, 3, 4];
  ratio : LREAL := 0.5;
END_VAR

FUNCTION Scale : LREAL
  VAR_INPUT
    v : DINT;
    f : LREAL;
  END_VAR
  Scale := DINT_TO_LREAL(v) * f;
END_FUNCTION

FUNCTION_BLOCK Accum
  VAR_INPUT
    inc : DINT;
  END_VAR
  VAR_OUTPUT
    total : DINT;
  END_VAR
  total := total + inc;
END_FUNCTION_BLOCK

PROGRAM main
  VAR
    acc : Accum;
    i : INT;
    m : Mode := Mode#Run;
    r : LREAL;
  END_VAR
  FOR i := 0 TO 3 DO
    acc(inc := table[i]);
  END_FOR;
  counter := acc.total;
  CASE m OF
    Idle: counter := 0;
    Run, Stop: counter := counter + 1;
  ELSE
    counter := -1;
  END_CASE;
  r := Scale(v := counter, f := ratio);
  IF r > 10.0 AND counter <> 0 THEN
    origin.x := SHL(origin.x, 2);
  END_IF;
END_PROGRAM
`

func newConfig(shape config.Shape) *config.Config {
	cfg := config.NewConfig()
	cfg.Shape = shape
	return cfg
}

func build(t *testing.T, name, src string, cfg *config.Config) (*CompilationUnit, error) {
	t.Helper()
	u := NewUnit(name, []byte(src), cfg, util.NewDiagnostics(io.Discard, cfg))
	return u, u.Build()
}

func mustBuild(t *testing.T, name, src string, shape config.Shape) *CompilationUnit {
	t.Helper()
	u, err := build(t, name, src, newConfig(shape))
	if err != nil {
		t.Fatalf("Build(%s) failed: %v", name, err)
	}
	return u
}

func exportNames(a *object.Artifact) []string {
	var names []string
	for _, e := range a.Exports {
		names = append(names, e.Name)
	}
	sort.Strings(names)
	return names
}

func TestGlobalAndProgramExports(t *testing.T) {
	t.Parallel()

	u := mustBuild(t, "gx.st", gxMainSource, config.ShapeObject)
	if u.State() != Done {
		t.Fatalf("state=%v, want Done", u.State())
	}
	art := u.Artifact
	if art.Shape != object.ShapeObject {
		t.Fatalf("shape=%v, want object", art.Shape)
	}

	names := exportNames(art)
	for _, want := range []string{"gX", "main"} {
		if i := sort.SearchStrings(names, want); i == len(names) || names[i] != want {
			t.Errorf("export table %v lacks %s", names, want)
		}
	}
	if ext := art.ExternalRelocs(); len(ext) != 0 {
		t.Errorf("unexpected external relocations %v", ext)
	}

	gx, ok := u.Module.Lookup("gX")
	if !ok || gx.Kind != object.KindObject || gx.Size != 2 {
		t.Errorf("gX export=%+v", gx)
	}
	mainFn, ok := u.Module.Lookup("main")
	if !ok || mainFn.Kind != object.KindFunc || mainFn.Section != object.SectionText {
		t.Errorf("main export=%+v", mainFn)
	}

	f, err := elf.NewFile(bytes.NewReader(art.Bytes))
	if err != nil {
		t.Fatalf("parse ELF: %v", err)
	}
	defer f.Close()
	syms, err := f.Symbols()
	if err != nil {
		t.Fatal(err)
	}
	for _, s := range syms {
		if s.Section == elf.SHN_UNDEF {
			t.Errorf("undefined symbol %s in a self-contained unit", s.Name)
		}
	}
}

func TestUnresolvedSymbol(t *testing.T) {
	t.Parallel()

	src := "PROGRAM main\n  VAR x : INT; END_VAR\n  x := gY;\nEND_PROGRAM\n"
	var states []State
	cfg := newConfig(config.ShapeObject)
	u := NewUnit("gy.st", []byte(src), cfg, util.NewDiagnostics(io.Discard, cfg))
	u.OnStage = func(s State) { states = append(states, s) }
	err := u.Build()

	var ce *util.CompileError
	if !errors.As(err, &ce) {
		t.Fatalf("Build() = %v, want a CompileError", err)
	}
	if ce.Kind != util.UnresolvedSymbolError {
		t.Fatalf("kind=%v, want UnresolvedSymbolError", ce.Kind)
	}
	if ce.Tok.Line != 3 || ce.Tok.Column != 8 || ce.Tok.Len != 2 {
		t.Errorf("error span %d:%d+%d, want 3:8+2", ce.Tok.Line, ce.Tok.Column, ce.Tok.Len)
	}
	if u.State() != Failed || u.FailureKind() != util.UnresolvedSymbolError {
		t.Errorf("state=%v kind=%v", u.State(), u.FailureKind())
	}
	if u.Artifact != nil || u.Module != nil || u.Output() != nil {
		t.Errorf("failed unit kept an artifact")
	}
	if diff := cmp.Diff([]State{Parsing, BuildingSymbols, Resolving, Failed}, states); diff != "" {
		t.Errorf("stage sequence mismatch (-want +got):\n%s", diff)
	}
}

func TestConflictingDeclaration(t *testing.T) {
	t.Parallel()

	src := `{external}
VAR_GLOBAL
  gX : INT;
END_VAR

VAR_GLOBAL
  gX : INT;
END_VAR

PROGRAM main
  gX := 1;
END_PROGRAM
`
	var last State
	cfg := newConfig(config.ShapeObject)
	u := NewUnit("conflict.st", []byte(src), cfg, util.NewDiagnostics(io.Discard, cfg))
	u.OnStage = func(s State) {
		if s != Failed {
			last = s
		}
	}
	err := u.Build()
	if got := util.KindOf(err); got != util.ConflictingDeclarationError {
		t.Fatalf("Build() = %v, want ConflictingDeclarationError", err)
	}
	if last != BuildingSymbols {
		t.Errorf("failed in %v, want BuildingSymbols", last)
	}
	if u.IR != nil {
		t.Errorf("code was generated for a conflicting unit")
	}
}

func TestTwoUnitsLinkByName(t *testing.T) {
	t.Parallel()

	provider := mustBuild(t, "provider.st", "VAR_GLOBAL\n  gX : INT := 7;\nEND_VAR\n", config.ShapeObject)
	consumer := mustBuild(t, "consumer.st", `{external}
VAR_GLOBAL
  gX : INT;
END_VAR

PROGRAM reader
  VAR v : INT; END_VAR
  v := gX;
END_PROGRAM
`, config.ShapeObject)

	provided := make(map[string]bool)
	for _, e := range provider.Artifact.Exports {
		provided[e.Name] = true
	}
	ext := consumer.Artifact.ExternalRelocs()
	if len(ext) == 0 {
		t.Fatalf("consumer has no external relocations")
	}
	for _, r := range ext {
		if !provided[r.Symbol] {
			t.Errorf("external relocation %s is not satisfied by the provider", r.Symbol)
		}
		if r.Type != elf.R_X86_64_REX_GOTPCRELX {
			t.Errorf("data reference %s uses %v", r.Symbol, r.Type)
		}
	}
	if _, ok := consumer.Module.Lookup("gX"); ok {
		t.Errorf("consumer exports the external gX")
	}
	if diff := cmp.Diff([]object.External{{Name: "gX", Kind: object.KindObject}}, consumer.Module.Externals); diff != "" {
		t.Errorf("externals mismatch (-want +got):\n%s", diff)
	}
}

// A consumer that declares the external with the wrong type still compiles;
// only the linker or loader could notice.
func TestExternalTypeIsNotChecked(t *testing.T) {
	t.Parallel()

	mustBuild(t, "provider.st", "VAR_GLOBAL\n  gX : LREAL;\nEND_VAR\n", config.ShapeObject)
	consumer := mustBuild(t, "consumer.st", `{external}
VAR_GLOBAL
  gX : INT;
END_VAR

PROGRAM reader
  VAR v : INT; END_VAR
  v := gX + 1;
END_PROGRAM
`, config.ShapeObject)

	if len(consumer.Artifact.ExternalRelocs()) == 0 {
		t.Errorf("consumer does not reference gX")
	}
}

func TestDeterministicOutput(t *testing.T) {
	t.Parallel()

	for _, shape := range []config.Shape{config.ShapeObject, config.ShapeArchive, config.ShapeShared} {
		t.Run(string(shape), func(t *testing.T) {
			t.Parallel()
			a := mustBuild(t, "plant.st", plantSource, shape)
			b := mustBuild(t, "plant.st", plantSource, shape)
			if !bytes.Equal(a.Output(), b.Output()) {
				t.Errorf("two builds of the same source differ")
			}
			if diff := cmp.Diff(a.Artifact.Exports, b.Artifact.Exports); diff != "" {
				t.Errorf("export tables differ:\n%s", diff)
			}
		})
	}
}

func TestPositionIndependence(t *testing.T) {
	t.Parallel()

	u := mustBuild(t, "plant.st", plantSource, config.ShapeObject)
	for _, r := range u.Module.Relocs {
		switch r.Type {
		case elf.R_X86_64_PLT32, elf.R_X86_64_REX_GOTPCRELX:
		default:
			t.Errorf("relocation %s at %#x has type %v", r.Symbol, r.Offset, r.Type)
		}
	}

	f, err := elf.NewFile(bytes.NewReader(u.Artifact.Bytes))
	if err != nil {
		t.Fatalf("parse ELF: %v", err)
	}
	defer f.Close()
	for _, s := range f.Sections {
		if s.Type == elf.SHT_REL {
			t.Errorf("unexpected SHT_REL section %s", s.Name)
		}
	}

	// Every reference to a named symbol goes through the relocation table,
	// so the data section carries no addresses.
	referenced := make(map[string]bool)
	for _, r := range u.Module.Relocs {
		referenced[r.Symbol] = true
	}
	for _, want := range []string{"counter", "origin", "table", "ratio", "Scale", "Accum"} {
		if !referenced[want] {
			t.Errorf("no relocation refers to %s", want)
		}
	}
}

func TestSharedLibraryExports(t *testing.T) {
	t.Parallel()

	u := mustBuild(t, "plant.st", plantSource, config.ShapeShared)
	f, err := elf.NewFile(bytes.NewReader(u.Artifact.Bytes))
	if err != nil {
		t.Fatalf("parse ELF: %v", err)
	}
	defer f.Close()
	if f.Type != elf.ET_DYN {
		t.Fatalf("type=%v, want ET_DYN", f.Type)
	}
	syms, err := f.DynamicSymbols()
	if err != nil {
		t.Fatal(err)
	}
	var names []string
	for _, s := range syms {
		names = append(names, s.Name)
	}
	sort.Strings(names)
	if diff := cmp.Diff(exportNames(u.Artifact), names); diff != "" {
		t.Errorf("dynamic symbols differ from the export table (-want +got):\n%s", diff)
	}
	if ext := u.Artifact.ExternalRelocs(); len(ext) != 0 {
		t.Errorf("self-contained library needs other units: %v", ext)
	}

	// Every exported data object the code touches is bound through the GOT
	// so that a host linking the library shares it.
	bound := make(map[string]bool)
	for _, sym := range globDatSymbols(t, f) {
		bound[sym] = true
	}
	for _, r := range u.Module.Relocs {
		if e, ok := u.Module.Lookup(r.Symbol); ok && e.Kind == object.KindObject && !bound[r.Symbol] {
			t.Errorf("exported data %s has no GLOB_DAT relocation", r.Symbol)
		}
	}
	for _, name := range []string{"counter", "origin", "table", "ratio", "main_instance"} {
		if !bound[name] {
			t.Errorf("%s is not bound through the GOT", name)
		}
	}
}

func globDatSymbols(t *testing.T, f *elf.File) []string {
	t.Helper()
	sec := f.Section(".rela.dyn")
	if sec == nil {
		t.Fatal("no .rela.dyn section")
	}
	data, err := sec.Data()
	if err != nil {
		t.Fatal(err)
	}
	dynsyms, err := f.DynamicSymbols()
	if err != nil {
		t.Fatal(err)
	}
	var names []string
	for ; len(data) >= 24; data = data[24:] {
		info := binary.LittleEndian.Uint64(data[8:])
		sym := elf.R_SYM64(info)
		if elf.R_X86_64(elf.R_TYPE64(info)) == elf.R_X86_64_GLOB_DAT && sym > 0 && int(sym) <= len(dynsyms) {
			names = append(names, dynsyms[sym-1].Name)
		}
	}
	return names
}

func TestSharedLibraryDataIsPreemptible(t *testing.T) {
	t.Parallel()

	u := mustBuild(t, "bs.st", `VAR_GLOBAL out : DINT; END_VAR
PROGRAM prog
  out := 43;
END_PROGRAM
`, config.ShapeShared)
	f, err := elf.NewFile(bytes.NewReader(u.Artifact.Bytes))
	if err != nil {
		t.Fatalf("parse ELF: %v", err)
	}
	defer f.Close()
	if diff := cmp.Diff([]string{"out"}, globDatSymbols(t, f)); diff != "" {
		t.Errorf("GLOB_DAT relocations mismatch (-want +got):\n%s", diff)
	}
	if flags, err := f.DynValue(elf.DT_FLAGS); err != nil || len(flags) != 1 || flags[0]&uint64(elf.DF_SYMBOLIC) != 0 {
		t.Errorf("DT_FLAGS=%v (%v), want no DF_SYMBOLIC", flags, err)
	}
}

func TestSharedLibrarySONameFollowsOutput(t *testing.T) {
	t.Parallel()

	for _, tt := range []struct{ output, want string }{
		{"libcst.so", "libcst.so"},
		{"build/out/libplc.so", "libplc.so"},
		{"", "liba.so"},
	} {
		cfg := newConfig(config.ShapeShared)
		cfg.Output = tt.output
		u, err := build(t, "lib2.st", gxMainSource, cfg)
		if err != nil {
			t.Fatalf("Build() failed: %v", err)
		}
		f, err := elf.NewFile(bytes.NewReader(u.Artifact.Bytes))
		if err != nil {
			t.Fatalf("parse ELF: %v", err)
		}
		soname, err := f.DynString(elf.DT_SONAME)
		f.Close()
		if err != nil {
			t.Fatal(err)
		}
		if diff := cmp.Diff([]string{tt.want}, soname); diff != "" {
			t.Errorf("-o %q: DT_SONAME mismatch (-want +got):\n%s", tt.output, diff)
		}
	}
}

// A global written twice and then read must yield the last write: the
// stores stay in program order and the read comes after the final store.
func TestLastWriteWins(t *testing.T) {
	t.Parallel()

	u := mustBuild(t, "order.st", `VAR_GLOBAL
  gX : INT;
  y : INT;
END_VAR

PROGRAM main
  gX := 1;
  gX := 2;
  y := gX;
END_PROGRAM
`, config.ShapeObject)
	fn := u.IR.FindFunc("main")
	if fn == nil {
		t.Fatal("no main function in the IR")
	}

	addrOf := make(map[ir.Value]string)
	var events []string
	var loaded ir.Value
	for _, b := range fn.Blocks {
		for _, in := range b.Instructions {
			switch in.Op {
			case ir.OpAddr:
				if g, ok := in.Args[0].(*ir.Global); ok {
					addrOf[in.Result] = g.Name
				}
			case ir.OpStore:
				name, ok := addrOf[in.Args[1]]
				if !ok {
					continue
				}
				switch v := in.Args[0].(type) {
				case *ir.Const:
					events = append(events, fmt.Sprintf("store %s %d", name, v.Value))
				default:
					if v != loaded {
						t.Errorf("store to %s does not use the loaded value: %s", name, in)
					}
					events = append(events, "store "+name+" loaded")
				}
			case ir.OpLoad:
				if name, ok := addrOf[in.Args[0]]; ok {
					loaded = in.Result
					events = append(events, "load "+name)
				}
			}
		}
	}
	want := []string{"store gX 1", "store gX 2", "load gX", "store y loaded"}
	if diff := cmp.Diff(want, events); diff != "" {
		t.Errorf("global access order mismatch (-want +got):\n%s", diff)
	}
}

func TestSyntaxErrorStopsAtParsing(t *testing.T) {
	t.Parallel()

	u, err := build(t, "bad.st", "PROGRAM main\n  x := ;\nEND_PROGRAM\n", newConfig(config.ShapeObject))
	if got := util.KindOf(err); got != util.SyntaxError {
		t.Fatalf("Build() = %v, want SyntaxError", err)
	}
	if u.AST != nil || u.Table != nil {
		t.Errorf("later stages ran after a syntax error")
	}
}

func TestBuildTwice(t *testing.T) {
	t.Parallel()

	u := mustBuild(t, "gx.st", gxMainSource, config.ShapeObject)
	err := u.Build()
	if got := util.KindOf(err); got != util.InternalError {
		t.Fatalf("second Build() = %v, want InternalError", err)
	}
	if u.Artifact == nil {
		t.Errorf("second Build() discarded the first result")
	}
}

func TestListings(t *testing.T) {
	t.Parallel()

	for emit, want := range map[config.Emit][]string{
		config.EmitQBE:  {"$gX", "$main"},
		config.EmitAsm:  {"main:", "gX"},
		config.EmitLLVM: {"@gX", "define void @main("},
	} {
		t.Run(string(emit), func(t *testing.T) {
			t.Parallel()

			cfg := newConfig(config.ShapeObject)
			cfg.Emit = emit
			u, err := build(t, "gx.st", gxMainSource, cfg)
			if err != nil {
				t.Fatalf("Build() failed: %v", err)
			}
			if u.Artifact != nil {
				t.Errorf("listing build produced an artifact")
			}
			out := string(u.Output())
			for _, w := range want {
				if !strings.Contains(out, w) {
					t.Errorf("%s listing lacks %s:\n%s", emit, w, out)
				}
			}
		})
	}
}

func TestCompileFile(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	src := filepath.Join(dir, "gx.st")
	if err := os.WriteFile(src, []byte(gxMainSource), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg := newConfig(config.ShapeShared)
	cfg.Output = filepath.Join(dir, "libgx.so")
	var stages []State
	u, err := CompileFile(src, cfg, util.NewDiagnostics(io.Discard, cfg), func(s State) { stages = append(stages, s) })
	if err != nil {
		t.Fatalf("CompileFile failed: %v", err)
	}
	written, err := os.ReadFile(cfg.Output)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(written, u.Artifact.Bytes) {
		t.Errorf("written file differs from the artifact")
	}
	info, err := os.Stat(cfg.Output)
	if err != nil {
		t.Fatal(err)
	}
	if info.Mode().Perm()&0o111 == 0 {
		t.Errorf("shared library mode %v is not executable", info.Mode())
	}
	want := append(append([]State(nil), Stages...), Done)
	if diff := cmp.Diff(want, stages); diff != "" {
		t.Errorf("stage sequence mismatch (-want +got):\n%s", diff)
	}
}

func TestCompileFileLeavesNothingOnFailure(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	src := filepath.Join(dir, "gy.st")
	if err := os.WriteFile(src, []byte("PROGRAM main\n  gY := 1;\nEND_PROGRAM\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	out := filepath.Join(dir, "out")
	if err := os.Mkdir(out, 0o755); err != nil {
		t.Fatal(err)
	}

	cfg := newConfig(config.ShapeObject)
	cfg.Output = filepath.Join(out, "gy.o")
	_, err := CompileFile(src, cfg, util.NewDiagnostics(io.Discard, cfg), nil)
	if got := util.KindOf(err); got != util.UnresolvedSymbolError {
		t.Fatalf("CompileFile() = %v, want UnresolvedSymbolError", err)
	}
	entries, err := os.ReadDir(out)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 0 {
		t.Errorf("output directory not empty after a failed build: %v", entries)
	}
}

func TestCompileFileMissingSource(t *testing.T) {
	t.Parallel()

	cfg := newConfig(config.ShapeObject)
	u, err := CompileFile(filepath.Join(t.TempDir(), "missing.st"), cfg, util.NewDiagnostics(io.Discard, cfg), nil)
	if got := util.KindOf(err); got != util.IOError {
		t.Fatalf("CompileFile() = %v, want IOError", err)
	}
	if u != nil {
		t.Errorf("a unit was created for a missing file")
	}
}

func TestWriteFileIntoMissingDirectory(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	if err := WriteFile(filepath.Join(dir, "nope", "a.o"), []byte("x"), 0o644); err == nil {
		t.Fatalf("WriteFile into a missing directory succeeded")
	}
	entries, _ := os.ReadDir(dir)
	if len(entries) != 0 {
		t.Errorf("stray files left behind: %v", entries)
	}
}
