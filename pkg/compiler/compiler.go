// Package compiler drives one Structured Text compilation unit through the
// pipeline and writes its single artifact.
package compiler

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/xplshn/gstc/pkg/ast"
	"github.com/xplshn/gstc/pkg/codegen"
	"github.com/xplshn/gstc/pkg/config"
	"github.com/xplshn/gstc/pkg/ir"
	"github.com/xplshn/gstc/pkg/lexer"
	"github.com/xplshn/gstc/pkg/object"
	"github.com/xplshn/gstc/pkg/parser"
	"github.com/xplshn/gstc/pkg/symtab"
	"github.com/xplshn/gstc/pkg/typeChecker"
	"github.com/xplshn/gstc/pkg/util"
)

// State is the build state of a unit. A unit moves forward through the
// stages exactly once and ends in Done or Failed.
type State int

const (
	Created State = iota
	Parsing
	BuildingSymbols
	Resolving
	Lowering
	Emitting
	Done
	Failed
)

var stateNames = [...]string{"Created", "Parsing", "BuildingSymbols", "Resolving", "Lowering", "Emitting", "Done", "Failed"}

func (s State) String() string {
	if int(s) < len(stateNames) {
		return stateNames[s]
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// Stages lists the working states in order.
var Stages = []State{Parsing, BuildingSymbols, Resolving, Lowering, Emitting}

// CompilationUnit owns everything produced for one source file.
type CompilationUnit struct {
	Path   string
	Source []rune

	AST      *ast.Node
	Table    *symtab.Table
	Info     *typeChecker.Info
	IR       *ir.Program
	Module   *object.Module
	Artifact *object.Artifact
	Listing  *bytes.Buffer

	// OnStage, when set, is called as the unit enters each state.
	OnStage func(State)

	cfg   *config.Config
	diag  *util.Diagnostics
	state State
	err   error
}

func NewUnit(path string, src []byte, cfg *config.Config, diag *util.Diagnostics) *CompilationUnit {
	u := &CompilationUnit{Path: path, Source: []rune(string(src)), cfg: cfg, diag: diag}
	if diag != nil {
		diag.SetSourceFiles([]util.SourceFileRecord{{Name: path, Content: u.Source}})
	}
	return u
}

func (u *CompilationUnit) State() State { return u.state }

// Err returns the error that failed the unit.
func (u *CompilationUnit) Err() error { return u.err }

// FailureKind reports the kind of the error that failed the unit.
func (u *CompilationUnit) FailureKind() util.ErrorKind { return util.KindOf(u.err) }

// Stem is the file name of the source without directory and extension.
func (u *CompilationUnit) Stem() string {
	base := filepath.Base(u.Path)
	return strings.TrimSuffix(base, filepath.Ext(base))
}

func (u *CompilationUnit) enter(s State) {
	u.state = s
	if u.OnStage != nil {
		u.OnStage(s)
	}
}

func (u *CompilationUnit) fail(err error) error {
	var ce *util.CompileError
	if !errors.As(err, &ce) {
		err = util.Wrap(util.InternalError, err, "%s", u.state)
	}
	u.err = err
	u.enter(Failed)
	return err
}

// Build runs every stage. The first error stops the unit in Failed and no
// artifact is kept.
func (u *CompilationUnit) Build() error {
	if u.state != Created {
		return util.Wrap(util.InternalError, nil, "unit %s was already built (state %s)", u.Path, u.state)
	}
	steps := map[State]func() error{
		Parsing:         u.parse,
		BuildingSymbols: u.buildSymbols,
		Resolving:       u.resolve,
		Lowering:        u.lower,
		Emitting:        u.emit,
	}
	for _, s := range Stages {
		u.enter(s)
		if err := steps[s](); err != nil {
			u.Module, u.Artifact, u.Listing = nil, nil, nil
			return u.fail(err)
		}
	}
	u.enter(Done)
	return nil
}

func (u *CompilationUnit) parse() error {
	toks, err := lexer.Tokenize(u.Source, 0, u.cfg, u.diag)
	if err != nil {
		return err
	}
	u.AST, err = parser.NewParser(toks, u.cfg, u.diag).Parse()
	return err
}

func (u *CompilationUnit) buildSymbols() (err error) {
	u.Table, err = symtab.Build(u.AST, u.cfg, u.diag)
	return err
}

func (u *CompilationUnit) resolve() (err error) {
	u.Info, err = typeChecker.NewTypeChecker(u.cfg, u.Table, u.diag).Check(u.AST)
	return err
}

func (u *CompilationUnit) lower() (err error) {
	u.IR, err = codegen.NewContext(u.cfg, u.Table, u.Info).GenerateIR(u.AST)
	return err
}

func (u *CompilationUnit) emit() error {
	if backend := codegen.ListingBackend(u.cfg); backend != nil {
		out, err := backend.Generate(u.IR, u.cfg)
		if err != nil {
			return util.Wrap(util.CodegenError, err, "%s listing", u.cfg.Emit)
		}
		u.Listing = out
		return nil
	}

	m, err := codegen.CompileNative(u.IR)
	if err != nil {
		return err
	}
	m.Name = u.Stem()
	if u.cfg.Shape == config.ShapeShared {
		m.SOName = filepath.Base(u.cfg.OutputPath())
	}
	u.Module = m
	art, err := object.Frame(m, ShapeOf(u.cfg.Shape))
	if err != nil {
		return util.Wrap(util.CodegenError, err, "framing %s", u.cfg.Shape)
	}
	u.Artifact = art
	return nil
}

// ShapeOf maps the configured shape to the framer shape.
func ShapeOf(s config.Shape) object.Shape {
	switch s {
	case config.ShapeArchive:
		return object.ShapeArchive
	case config.ShapeShared:
		return object.ShapeShared
	}
	return object.ShapeObject
}

// Output returns the bytes the unit produced: the artifact or the listing.
func (u *CompilationUnit) Output() []byte {
	switch {
	case u.Artifact != nil:
		return u.Artifact.Bytes
	case u.Listing != nil:
		return u.Listing.Bytes()
	}
	return nil
}

// CompileFile reads path, builds it and writes the result to the configured
// output. The file is written to a temporary name next to the destination
// and renamed into place only after the whole unit succeeded. onStage may be
// nil.
func CompileFile(path string, cfg *config.Config, diag *util.Diagnostics, onStage func(State)) (*CompilationUnit, error) {
	src, err := os.ReadFile(path)
	if err != nil {
		return nil, util.Wrap(util.IOError, err, "reading %s", path)
	}
	u := NewUnit(path, src, cfg, diag)
	u.OnStage = onStage
	if err := u.Build(); err != nil {
		return u, err
	}

	out := cfg.OutputPath()
	mode := os.FileMode(0o644)
	if cfg.Emit == config.EmitNative && cfg.Shape == config.ShapeShared {
		mode = 0o755
	}
	if err := WriteFile(out, u.Output(), mode); err != nil {
		u.Module, u.Artifact, u.Listing = nil, nil, nil
		return u, u.fail(util.Wrap(util.IOError, err, "writing %s", out))
	}
	return u, nil
}

// WriteFile replaces path with data atomically. Nothing is left behind on
// failure.
func WriteFile(path string, data []byte, mode os.FileMode) (err error) {
	dir, base := filepath.Split(path)
	if dir == "" {
		dir = "."
	}
	tmp, err := os.CreateTemp(dir, "."+base+".tmp-*")
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			tmp.Close()
			os.Remove(tmp.Name())
		}
	}()

	if _, err = tmp.Write(data); err != nil {
		return err
	}
	if err = tmp.Chmod(mode); err != nil {
		return err
	}
	if err = tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}
