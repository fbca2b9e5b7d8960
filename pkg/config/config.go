package config

import (
	"fmt"
	"io"
	"slices"
	"strings"

	"github.com/xplshn/gstc/pkg/cli"
	"modernc.org/libqbe"
)

type Feature int

const (
	FeatCComments Feature = iota
	FeatExternalPragma
	FeatVarExternal
	FeatAmpersandAnd
	FeatTypedLiterals
	FeatImplicitWidening
	FeatCount
)

type Warning int

const (
	WarnUnused Warning = iota
	WarnShadow
	WarnUnreachableCode
	WarnUnknownPragma
	WarnPedantic
	WarnExtra
	WarnCount
)

// Shape selects the container an artifact is framed in.
type Shape string

const (
	ShapeObject  Shape = "object"
	ShapeArchive Shape = "archive"
	ShapeShared  Shape = "shared"
)

// Emit selects what the final pipeline stage produces.
type Emit string

const (
	EmitNative Emit = "native"
	EmitQBE    Emit = "qbe"
	EmitAsm    Emit = "asm"
	EmitLLVM   Emit = "llvm-ir"
)

type Info struct {
	Name        string
	Enabled     bool
	Description string
}

type Config struct {
	Features       map[Feature]Info
	Warnings       map[Warning]Info
	FeatureMap     map[string]Feature
	WarningMap     map[string]Warning
	Shape          Shape
	Emit           Emit
	Output         string
	TargetOS       string
	TargetArch     string
	QbeTarget      string
	WordSize       int
	StackAlignment int
	Color          bool
	Log            io.Writer
}

func NewConfig() *Config {
	cfg := &Config{
		Features:       make(map[Feature]Info),
		Warnings:       make(map[Warning]Info),
		FeatureMap:     make(map[string]Feature),
		WarningMap:     make(map[string]Warning),
		Shape:          ShapeObject,
		Emit:           EmitNative,
		TargetOS:       "linux",
		TargetArch:     "amd64",
		QbeTarget:      "amd64_sysv",
		WordSize:       8,
		StackAlignment: 16,
		Log:            io.Discard,
	}

	features := map[Feature]Info{
		FeatCComments:        {"c-comments", true, "Recognize C-style '//' and '/* */' comments."},
		FeatExternalPragma:   {"external-pragma", true, "Allow the '{external}' pragma on VAR_GLOBAL blocks and POUs."},
		FeatVarExternal:      {"var-external", true, "Allow top-level VAR_EXTERNAL blocks as external declarations."},
		FeatAmpersandAnd:     {"ampersand-and", true, "Accept '&' as a synonym for AND."},
		FeatTypedLiterals:    {"typed-literals", true, "Accept typed literals such as INT#5 and LREAL#1.5."},
		FeatImplicitWidening: {"implicit-widening", true, "Allow implicit narrower-to-wider numeric conversions."},
	}

	warnings := map[Warning]Info{
		WarnUnused:          {"unused", true, "Warn about local variables that are never referenced."},
		WarnShadow:          {"shadow", false, "Warn when a POU variable hides a global of the same name."},
		WarnUnreachableCode: {"unreachable-code", true, "Warn about statements that can never execute."},
		WarnUnknownPragma:   {"unknown-pragma", true, "Warn about pragmas the compiler does not understand."},
		WarnPedantic:        {"pedantic", false, "Warn about non-standard extensions such as C comments."},
		WarnExtra:           {"extra", true, "Enable extra miscellaneous warnings."},
	}

	cfg.Features, cfg.Warnings = features, warnings
	for ft, info := range features {
		cfg.FeatureMap[info.Name] = ft
	}
	for wt, info := range warnings {
		cfg.WarningMap[info.Name] = wt
	}

	return cfg
}

// SetTarget configures the compiler for a specific architecture and QBE target.
func (c *Config) SetTarget(goos, goarch, qbeTarget string) error {
	if qbeTarget == "" {
		c.QbeTarget = libqbe.DefaultTarget(goos, goarch)
		fmt.Fprintf(c.Log, "gstc: info: no target specified, defaulting to host target '%s'\n", c.QbeTarget)
	} else {
		c.QbeTarget = qbeTarget
		fmt.Fprintf(c.Log, "gstc: info: using specified target '%s'\n", c.QbeTarget)
	}

	c.TargetOS, c.TargetArch = goos, goarch

	switch c.QbeTarget {
	case "amd64_sysv":
		c.WordSize, c.StackAlignment = 8, 16
	case "amd64_apple", "arm64", "arm64_apple", "rv64":
		if c.Emit == EmitNative {
			return fmt.Errorf("target '%s' is only available for listings (--emit=qbe|asm|llvm-ir); native code is amd64_sysv", c.QbeTarget)
		}
		c.WordSize, c.StackAlignment = 8, 16
	default:
		return fmt.Errorf("unrecognized or unsupported target '%s'", c.QbeTarget)
	}
	return nil
}

func (c *Config) SetFeature(ft Feature, enabled bool) {
	if info, ok := c.Features[ft]; ok {
		info.Enabled = enabled
		c.Features[ft] = info
	}
}

func (c *Config) IsFeatureEnabled(ft Feature) bool { return c.Features[ft].Enabled }

func (c *Config) SetWarning(wt Warning, enabled bool) {
	if info, ok := c.Warnings[wt]; ok {
		info.Enabled = enabled
		c.Warnings[wt] = info
	}
}

func (c *Config) IsWarningEnabled(wt Warning) bool { return c.Warnings[wt].Enabled }

// SetShape validates and stores the output shape.
func (c *Config) SetShape(name string) error {
	switch s := Shape(strings.ToLower(name)); s {
	case ShapeObject, ShapeArchive, ShapeShared:
		c.Shape = s
		return nil
	case "obj", "o", "pic":
		c.Shape = ShapeObject
		return nil
	case "static", "a":
		c.Shape = ShapeArchive
		return nil
	case "so", "dynamic":
		c.Shape = ShapeShared
		return nil
	}
	return fmt.Errorf("unsupported output shape '%s'. Supported: 'object', 'archive', 'shared'", name)
}

// SetEmit validates and stores the emit kind.
func (c *Config) SetEmit(name string) error {
	switch e := Emit(strings.ToLower(name)); e {
	case EmitNative, EmitQBE, EmitAsm, EmitLLVM:
		c.Emit = e
		return nil
	case "ir", "ll":
		c.Emit = EmitLLVM
		return nil
	}
	return fmt.Errorf("unsupported emit kind '%s'. Supported: 'native', 'qbe', 'asm', 'llvm-ir'", name)
}

// OutputPath is the file the artifact or listing is written to.
func (c *Config) OutputPath() string {
	if c.Output != "" {
		return c.Output
	}
	return c.DefaultOutput()
}

// DefaultOutput returns the fixed output path used when -o is not given.
func (c *Config) DefaultOutput() string {
	switch c.Emit {
	case EmitQBE:
		return "a.ssa"
	case EmitAsm:
		return "a.s"
	case EmitLLVM:
		return "a.ll"
	}
	switch c.Shape {
	case ShapeArchive:
		return "liba.a"
	case ShapeShared:
		return "liba.so"
	}
	return "a.o"
}

// SetupFlagGroups registers -W and -F flag groups on fs. The returned entries
// are indexed by Warning and Feature respectively.
func (c *Config) SetupFlagGroups(fs *cli.FlagSet) ([]cli.FlagGroupEntry, []cli.FlagGroupEntry) {
	warningFlags := make([]cli.FlagGroupEntry, WarnCount)
	for i := Warning(0); i < WarnCount; i++ {
		info := c.Warnings[i]
		enabled, disabled := false, false
		warningFlags[i] = cli.FlagGroupEntry{
			Name: info.Name, Prefix: "W", Usage: info.Description, Default: info.Enabled,
			Enabled: &enabled, Disabled: &disabled,
		}
	}
	featureFlags := make([]cli.FlagGroupEntry, FeatCount)
	for i := Feature(0); i < FeatCount; i++ {
		info := c.Features[i]
		enabled, disabled := false, false
		featureFlags[i] = cli.FlagGroupEntry{
			Name: info.Name, Prefix: "F", Usage: info.Description, Default: info.Enabled,
			Enabled: &enabled, Disabled: &disabled,
		}
	}
	fs.AddFlagGroup("Warning Flags", "warning", warningFlags)
	fs.AddFlagGroup("Feature Flags", "feature", featureFlags)
	return warningFlags, featureFlags
}

// ApplyFlagGroups copies the parsed state of the flag groups onto the config.
func (c *Config) ApplyFlagGroups(warningFlags, featureFlags []cli.FlagGroupEntry) {
	for i, entry := range warningFlags {
		if entry.Enabled != nil && *entry.Enabled {
			c.SetWarning(Warning(i), true)
		}
		if entry.Disabled != nil && *entry.Disabled {
			c.SetWarning(Warning(i), false)
		}
	}
	for i, entry := range featureFlags {
		if entry.Enabled != nil && *entry.Enabled {
			c.SetFeature(Feature(i), true)
		}
		if entry.Disabled != nil && *entry.Disabled {
			c.SetFeature(Feature(i), false)
		}
	}
}

// splitFlag breaks "Wno-unused" into its group, name and polarity. A bare
// name belongs to the warning group.
func splitFlag(flag string) (warning bool, name string, enable bool) {
	flag = strings.TrimPrefix(flag, "-")
	warning = true
	if group, rest := flag[:min(1, len(flag))], flag[min(1, len(flag)):]; group == "W" || group == "F" {
		warning, flag = group == "W", rest
	}
	name, negated := strings.CutPrefix(flag, "no-")
	return warning, name, !negated
}

func (c *Config) applyFlag(flag string) {
	warning, name, enable := splitFlag(flag)
	switch {
	case warning && name == "all":
		for w := range WarnCount {
			if w != WarnPedantic {
				c.SetWarning(w, enable)
			}
		}
	case warning:
		if w, ok := c.WarningMap[name]; ok {
			c.SetWarning(w, enable)
		}
	default:
		if f, ok := c.FeatureMap[name]; ok {
			c.SetFeature(f, enable)
		}
	}
}

// ProcessFlags applies -W/-F style flag strings. -Wall and -Wno-all go
// first so the individual flags override them.
func (c *Config) ProcessFlags(flags []string) {
	isAll := func(f string) bool {
		warning, name, _ := splitFlag(f)
		return warning && name == "all"
	}
	ordered := slices.Clone(flags)
	slices.SortStableFunc(ordered, func(a, b string) int {
		switch {
		case isAll(a) == isAll(b):
			return 0
		case isAll(a):
			return -1
		}
		return 1
	})
	for _, f := range ordered {
		c.applyFlag(f)
	}
}
