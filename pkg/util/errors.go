package util

import (
	"errors"
	"fmt"

	"github.com/xplshn/gstc/pkg/token"
)

// ErrorKind classifies a compile failure. The first error of any kind aborts
// the compilation unit.
type ErrorKind int

const (
	SyntaxError ErrorKind = iota
	DuplicateSymbolError
	ConflictingDeclarationError
	UnresolvedSymbolError
	TypeMismatchError
	CodegenError
	RecursiveTypeError
	ConstantEvaluationError
	IOError
	InternalError
)

var kindNames = [...]string{
	SyntaxError:                 "SyntaxError",
	DuplicateSymbolError:        "DuplicateSymbolError",
	ConflictingDeclarationError: "ConflictingDeclarationError",
	UnresolvedSymbolError:       "UnresolvedSymbolError",
	TypeMismatchError:           "TypeMismatchError",
	CodegenError:                "CodegenError",
	RecursiveTypeError:          "RecursiveTypeError",
	ConstantEvaluationError:     "ConstantEvaluationError",
	IOError:                     "IOError",
	InternalError:               "InternalError",
}

func (k ErrorKind) String() string {
	if int(k) < len(kindNames) {
		return kindNames[k]
	}
	return fmt.Sprintf("ErrorKind(%d)", int(k))
}

// CompileError is the single error type produced by every pipeline stage.
type CompileError struct {
	Kind ErrorKind
	Tok  token.Token
	Msg  string
	Err  error
}

func (e *CompileError) Error() string {
	if e.Tok.Line > 0 {
		return fmt.Sprintf("%d:%d: %s: %s", e.Tok.Line, e.Tok.Column, e.Kind, e.Msg)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
}

func (e *CompileError) Unwrap() error { return e.Err }

// Errorf builds a CompileError located at tok.
func Errorf(kind ErrorKind, tok token.Token, format string, args ...interface{}) *CompileError {
	return &CompileError{Kind: kind, Tok: tok, Msg: fmt.Sprintf(format, args...)}
}

// Wrap builds a position-less CompileError around a lower level error.
func Wrap(kind ErrorKind, err error, format string, args ...interface{}) *CompileError {
	msg := fmt.Sprintf(format, args...)
	if err != nil {
		msg = fmt.Sprintf("%s: %v", msg, err)
	}
	return &CompileError{Kind: kind, Tok: token.Token{FileIndex: -1}, Msg: msg, Err: err}
}

// KindOf reports the kind of err, or InternalError when err is not a CompileError.
func KindOf(err error) ErrorKind {
	var ce *CompileError
	if errors.As(err, &ce) {
		return ce.Kind
	}
	return InternalError
}

// Bail raises a CompileError as a panic. Stages recover it with Recover at
// their entry point.
func Bail(kind ErrorKind, tok token.Token, format string, args ...interface{}) {
	panic(Errorf(kind, tok, format, args...))
}

// Recover converts a CompileError panic into an error stored in *errp. Any
// other panic is re-raised.
func Recover(errp *error) {
	r := recover()
	if r == nil {
		return
	}
	if ce, ok := r.(*CompileError); ok {
		*errp = ce
		return
	}
	panic(r)
}
