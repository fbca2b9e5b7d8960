package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"runtime"

	"github.com/kr/pretty"
	"github.com/schollz/progressbar/v3"
	"golang.org/x/term"

	"github.com/xplshn/gstc/pkg/ast"
	"github.com/xplshn/gstc/pkg/cli"
	"github.com/xplshn/gstc/pkg/compiler"
	"github.com/xplshn/gstc/pkg/config"
	"github.com/xplshn/gstc/pkg/ir"
	"github.com/xplshn/gstc/pkg/util"
)

const (
	exitOK      = 0
	exitCompile = 1
	exitUsage   = 2
)

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

type options struct {
	output, shape, emit, target, configFile string

	dumpAST, dumpSymbols, dumpIR bool
	progress, pedantic, wall     bool
}

func (o *options) dumping() bool { return o.dumpAST || o.dumpSymbols || o.dumpIR }

func run(args []string, stdout, stderr io.Writer) int {
	app := cli.NewApp("gstc")
	app.Synopsis = "[options] <file.st>"
	app.Description = "Compiles one IEC 61131-3 Structured Text unit into a position independent x86-64 object, static archive or shared library."
	app.Authors = []string{"xplshn"}
	app.Repository = "<https://github.com/xplshn/gstc>"
	app.Stdout, app.Stderr = stdout, stderr

	var opts options
	fs := app.FlagSet
	fs.String(&opts.output, "output", "o", "", "Place the output into <file>.", "file")
	fs.String(&opts.shape, "shape", "", "", "Artifact shape: object, archive or shared.", "shape")
	fs.String(&opts.emit, "emit", "", "", "What to produce: native, qbe, asm or llvm-ir.", "kind")
	fs.String(&opts.target, "target", "t", "", "QBE target for listings (e.g. amd64_sysv).", "target")
	fs.String(&opts.configFile, "config", "c", "", "Read project settings from a .toml or .yaml file.", "file")
	fs.Bool(&opts.dumpAST, "dump-ast", "", false, "Print the syntax tree and exit.")
	fs.Bool(&opts.dumpSymbols, "dump-symbols", "", false, "Print the symbol table and exit.")
	fs.Bool(&opts.dumpIR, "dump-ir", "d", false, "Print the intermediate representation and exit.")
	fs.Bool(&opts.progress, "progress", "", false, "Show a progress bar over the compiler stages.")
	fs.Bool(&opts.pedantic, "pedantic", "", false, "Warn about every non-standard extension.")
	fs.Bool(&opts.wall, "Wall", "", false, "Enable all warnings except pedantic.")

	cfg := config.NewConfig()
	warningFlags, featureFlags := cfg.SetupFlagGroups(fs)

	code := exitOK
	app.Action = func(inputs []string) error {
		if len(inputs) != 1 {
			fmt.Fprintf(stderr, "gstc: expected exactly one source file, got %d\n", len(inputs))
			code = exitUsage
			return nil
		}
		if err := configure(cfg, &opts, warningFlags, featureFlags, stderr); err != nil {
			fmt.Fprintf(stderr, "gstc: %v\n", err)
			code = exitUsage
			return nil
		}
		code = compile(inputs[0], cfg, &opts, stdout, stderr)
		return nil
	}

	if err := app.Run(args); err != nil {
		if errors.Is(err, cli.ErrHelp) {
			return exitOK
		}
		return exitUsage
	}
	return code
}

// configure applies the project file first and the command line on top.
func configure(cfg *config.Config, opts *options, warningFlags, featureFlags []cli.FlagGroupEntry, stderr io.Writer) error {
	if f, ok := stderr.(*os.File); ok {
		cfg.Color = term.IsTerminal(int(f.Fd()))
	}
	if !opts.progress {
		cfg.Log = stderr
	}

	target := opts.target
	if opts.configFile != "" {
		cfg.QbeTarget = ""
		if err := cfg.LoadFile(opts.configFile); err != nil {
			return err
		}
		if target == "" {
			target = cfg.QbeTarget
		}
	}
	if opts.shape != "" {
		if err := cfg.SetShape(opts.shape); err != nil {
			return err
		}
	}
	if opts.emit != "" {
		if err := cfg.SetEmit(opts.emit); err != nil {
			return err
		}
	}
	if opts.output != "" {
		cfg.Output = opts.output
	}

	if opts.wall {
		cfg.ProcessFlags([]string{"Wall"})
	}
	if opts.pedantic {
		cfg.SetWarning(config.WarnPedantic, true)
	}
	cfg.ApplyFlagGroups(warningFlags, featureFlags)

	return cfg.SetTarget(runtime.GOOS, runtime.GOARCH, target)
}

func compile(path string, cfg *config.Config, opts *options, stdout, stderr io.Writer) int {
	diag := util.NewDiagnostics(stderr, cfg)
	onStage, finish := stageReporter(cfg, opts, stderr)

	if opts.dumping() {
		src, err := os.ReadFile(path)
		if err != nil {
			diag.Report(util.Wrap(util.IOError, err, "reading %s", path))
			return exitCompile
		}
		u := compiler.NewUnit(path, src, cfg, diag)
		u.OnStage = onStage
		err = u.Build()
		finish(err)
		if err != nil {
			diag.Report(err)
			return exitCompile
		}
		dump(stdout, u, opts)
		return exitOK
	}

	u, err := compiler.CompileFile(path, cfg, diag, onStage)
	finish(err)
	if err != nil {
		diag.Report(err)
		return exitCompile
	}
	if u.Artifact != nil {
		fmt.Fprintf(cfg.Log, "gstc: info: wrote %s (%d exports, %d relocations)\n",
			cfg.OutputPath(), len(u.Artifact.Exports), len(u.Artifact.Relocs))
	} else {
		fmt.Fprintf(cfg.Log, "gstc: info: wrote %s\n", cfg.OutputPath())
	}
	return exitOK
}

// stageReporter returns the OnStage hook and a function to call once the
// unit finished.
func stageReporter(cfg *config.Config, opts *options, stderr io.Writer) (func(compiler.State), func(error)) {
	if !opts.progress {
		onStage := func(s compiler.State) {
			if s != compiler.Done && s != compiler.Failed {
				fmt.Fprintf(cfg.Log, "gstc: info: %s...\n", s)
			}
		}
		return onStage, func(error) {}
	}

	bar := progressbar.NewOptions(len(compiler.Stages),
		progressbar.OptionSetWriter(stderr),
		progressbar.OptionSetDescription("gstc"),
		progressbar.OptionShowCount(),
		progressbar.OptionClearOnFinish(),
	)
	started := false
	onStage := func(s compiler.State) {
		switch s {
		case compiler.Done, compiler.Failed:
			return
		}
		if started {
			bar.Add(1)
		}
		started = true
		bar.Describe(s.String())
	}
	finish := func(err error) {
		if err != nil {
			bar.Exit()
			fmt.Fprintln(stderr)
			return
		}
		bar.Finish()
	}
	return onStage, finish
}

func dump(w io.Writer, u *compiler.CompilationUnit, opts *options) {
	if opts.dumpAST {
		fmt.Fprintf(w, "%# v\n", pretty.Formatter(ast.Outline(u.AST)))
	}
	if opts.dumpSymbols {
		fmt.Fprintf(w, "%# v\n", pretty.Formatter(u.Table.Summaries()))
	}
	if opts.dumpIR {
		ir.Fprint(w, u.IR)
	}
}
