package util

import (
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/xplshn/gstc/pkg/config"
	"github.com/xplshn/gstc/pkg/token"
)

// SourceFileRecord tracks the name and content of a single source file.
type SourceFileRecord struct {
	Name    string
	Content []rune
}

// Diagnostics renders errors and warnings for one compilation unit.
type Diagnostics struct {
	out      io.Writer
	cfg      *config.Config
	files    []SourceFileRecord
	color    bool
	warnings int
}

func NewDiagnostics(out io.Writer, cfg *config.Config) *Diagnostics {
	return &Diagnostics{out: out, cfg: cfg, color: cfg != nil && cfg.Color}
}

// SetSourceFiles stores the source code for rich error messages
func (d *Diagnostics) SetSourceFiles(files []SourceFileRecord) { d.files = files }

func (d *Diagnostics) WarningCount() int { return d.warnings }

// findFileAndLine converts a token to a file-specific location
func (d *Diagnostics) findFileAndLine(tok token.Token) (filename string, line, col int) {
	if tok.FileIndex < 0 || tok.FileIndex >= len(d.files) {
		return "gstc", tok.Line, tok.Column
	}
	return d.files[tok.FileIndex].Name, tok.Line, tok.Column
}

func (d *Diagnostics) paint(code, s string) string {
	if !d.color {
		return s
	}
	return "\033[" + code + "m" + s + "\033[0m"
}

// printErrorLine prints the source line and a caret indicating the error position
func (d *Diagnostics) printErrorLine(tok token.Token) {
	if tok.FileIndex < 0 || tok.FileIndex >= len(d.files) || tok.Line == 0 {
		return
	}

	content := d.files[tok.FileIndex].Content
	lineNum := tok.Line
	lineStart := 0
	for i, r := range content {
		if lineNum <= 1 {
			break
		}
		if r == '\n' {
			lineNum--
			lineStart = i + 1
		}
	}

	lineEnd := len(content)
	for i := lineStart; i < len(content); i++ {
		if content[i] == '\n' {
			lineEnd = i
			break
		}
	}

	fmt.Fprintf(d.out, "  %s\n", strings.TrimRight(string(content[lineStart:lineEnd]), "\r"))

	caret := "^"
	if tok.Len > 1 {
		caret += strings.Repeat("~", tok.Len-1)
	}
	col := tok.Column - 1
	if col < 0 {
		col = 0
	}
	fmt.Fprintf(d.out, "  %s%s\n", strings.Repeat(" ", col), d.paint("32", caret))
}

// Report prints err in the `file:line:col: error:` form followed by the
// offending source line.
func (d *Diagnostics) Report(err error) {
	var ce *CompileError
	if !errors.As(err, &ce) {
		fmt.Fprintf(d.out, "gstc: %s %v\n", d.paint("31", "error:"), err)
		return
	}
	if ce.Tok.Line == 0 {
		fmt.Fprintf(d.out, "gstc: %s %s: %s\n", d.paint("31", "error:"), ce.Kind, ce.Msg)
		return
	}
	filename, line, col := d.findFileAndLine(ce.Tok)
	fmt.Fprintf(d.out, "%s:%d:%d: %s %s: %s\n", filename, line, col, d.paint("31", "error:"), ce.Kind, ce.Msg)
	d.printErrorLine(ce.Tok)
}

// Warn prints a formatted warning message if the corresponding warning is enabled
func (d *Diagnostics) Warn(wt config.Warning, tok token.Token, format string, args ...interface{}) {
	if d == nil || d.cfg == nil || !d.cfg.IsWarningEnabled(wt) {
		return
	}
	d.warnings++
	filename, line, col := d.findFileAndLine(tok)
	fmt.Fprintf(d.out, "%s:%d:%d: %s ", filename, line, col, d.paint("33", "warning:"))
	fmt.Fprintf(d.out, format, args...)
	fmt.Fprintf(d.out, " [-W%s]\n", d.cfg.Warnings[wt].Name)
	d.printErrorLine(tok)
}

// AlignUp rounds n up to the next multiple of align.
func AlignUp(n, align int64) int64 {
	if align <= 1 {
		return n
	}
	return (n + align - 1) &^ (align - 1)
}

// CanonicalName folds an identifier to the case used for lookups.
func CanonicalName(name string) string { return strings.ToUpper(name) }
