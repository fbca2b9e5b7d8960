// Package cli is a small flag parser and help renderer for the gstc driver.
// Long flags use --name or --name=value; -x takes a shorthand; flag groups
// register -<prefix><name> and -<prefix>no-<name> pairs such as -Wshadow.
package cli

import (
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"strconv"
	"strings"

	"golang.org/x/term"
)

// ErrUsage marks errors caused by a malformed command line.
var ErrUsage = errors.New("usage error")

// ErrHelp is returned by Run after the help page was printed.
var ErrHelp = errors.New("help requested")

func usageErrorf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrUsage, fmt.Sprintf(format, args...))
}

type Value interface {
	String() string
	Set(string) error
	IsBool() bool
}

type stringValue struct{ p *string }

func (v stringValue) Set(s string) error { *v.p = s; return nil }
func (v stringValue) String() string     { return *v.p }
func (v stringValue) IsBool() bool       { return false }

type boolValue struct{ p *bool }

func (v boolValue) Set(s string) error {
	if s == "" {
		*v.p = true
		return nil
	}
	b, err := strconv.ParseBool(s)
	if err != nil {
		return fmt.Errorf("invalid boolean value '%s'", s)
	}
	*v.p = b
	return nil
}
func (v boolValue) String() string { return strconv.FormatBool(*v.p) }
func (v boolValue) IsBool() bool   { return true }

type listValue struct{ p *[]string }

func (v listValue) Set(s string) error { *v.p = append(*v.p, s); return nil }
func (v listValue) String() string     { return strings.Join(*v.p, ",") }
func (v listValue) IsBool() bool       { return false }

type Flag struct {
	Name      string
	Shorthand string
	Usage     string
	Value     Value
	DefValue  string
	ArgName   string // placeholder shown in help, e.g. "file"
	grouped   bool
}

// FlagGroupEntry is one switch of a flag group. Enabled and Disabled record
// whether the positive or the "no-" form was given.
type FlagGroupEntry struct {
	Name     string
	Prefix   string
	Usage    string
	Default  bool
	Enabled  *bool
	Disabled *bool
}

type FlagGroup struct {
	Title   string
	Kind    string // "warning", "feature"
	Entries []FlagGroupEntry
}

type FlagSet struct {
	name       string
	flags      map[string]*Flag
	shorthands map[string]*Flag
	order      []*Flag
	groups     []FlagGroup
	args       []string
}

func NewFlagSet(name string) *FlagSet {
	return &FlagSet{name: name, flags: make(map[string]*Flag), shorthands: make(map[string]*Flag)}
}

// Args returns the positional arguments left after Parse.
func (f *FlagSet) Args() []string { return f.args }

func (f *FlagSet) Lookup(name string) *Flag { return f.flags[name] }

func (f *FlagSet) String(p *string, name, shorthand, value, usage, argName string) {
	*p = value
	f.Var(stringValue{p}, name, shorthand, usage, value, argName)
}

func (f *FlagSet) Bool(p *bool, name, shorthand string, value bool, usage string) {
	*p = value
	f.Var(boolValue{p}, name, shorthand, usage, "", "")
}

func (f *FlagSet) List(p *[]string, name, shorthand string, usage, argName string) {
	*p = nil
	f.Var(listValue{p}, name, shorthand, usage, "", argName)
}

// Var registers a flag. Redefining a name is a programming error.
func (f *FlagSet) Var(v Value, name, shorthand, usage, def, argName string) *Flag {
	if name == "" {
		panic("cli: empty flag name")
	}
	if _, dup := f.flags[name]; dup {
		panic("cli: flag redefined: " + name)
	}
	fl := &Flag{Name: name, Shorthand: shorthand, Usage: usage, Value: v, DefValue: def, ArgName: argName}
	f.flags[name] = fl
	f.order = append(f.order, fl)
	if shorthand != "" {
		if _, dup := f.shorthands[shorthand]; dup {
			panic("cli: shorthand redefined: " + shorthand)
		}
		f.shorthands[shorthand] = fl
	}
	return fl
}

// AddFlagGroup registers the -<prefix><name> and -<prefix>no-<name> flags of
// every entry.
func (f *FlagSet) AddFlagGroup(title, kind string, entries []FlagGroupEntry) {
	for _, e := range entries {
		on := f.Var(boolValue{e.Enabled}, e.Prefix+e.Name, "", e.Usage, "", "")
		off := f.Var(boolValue{e.Disabled}, e.Prefix+"no-"+e.Name, "", "Disable "+e.Name, "", "")
		on.grouped, off.grouped = true, true
	}
	f.groups = append(f.groups, FlagGroup{Title: title, Kind: kind, Entries: entries})
}

// Parse consumes arguments. Everything that is not a flag, and everything
// after "--", is positional.
func (f *FlagSet) Parse(arguments []string) error {
	f.args = nil
	for i := 0; i < len(arguments); i++ {
		arg := arguments[i]
		switch {
		case arg == "--":
			f.args = append(f.args, arguments[i+1:]...)
			return nil
		case len(arg) < 2 || arg[0] != '-':
			f.args = append(f.args, arg)
			continue
		}

		long := strings.HasPrefix(arg, "--")
		body := strings.TrimLeft(arg, "-")
		name, value, hasValue := strings.Cut(body, "=")

		fl, ok := f.flags[name]
		if !ok && !long {
			// -ofile and -o file
			fl, ok = f.shorthands[body[:1]]
			name = body[:1]
			value, hasValue = body[1:], len(body) > 1
			if ok && fl.Value.IsBool() && hasValue {
				return usageErrorf("unknown flag: %s", arg)
			}
		}
		if !ok {
			return usageErrorf("unknown flag: %s", arg)
		}

		if !hasValue && !fl.Value.IsBool() {
			if i+1 >= len(arguments) {
				return usageErrorf("flag needs an argument: %s", arg)
			}
			i++
			value = arguments[i]
		}
		if err := fl.Value.Set(value); err != nil {
			return usageErrorf("-%s: %v", name, err)
		}
	}
	return nil
}

type App struct {
	Name        string
	Synopsis    string
	Description string
	Authors     []string
	Repository  string
	FlagSet     *FlagSet
	Action      func(args []string) error

	Stdout io.Writer
	Stderr io.Writer
}

func NewApp(name string) *App {
	return &App{Name: name, FlagSet: NewFlagSet(name), Stdout: os.Stdout, Stderr: os.Stderr}
}

// Run parses arguments and calls Action with the positional arguments.
// Malformed command lines return an error wrapping ErrUsage.
func (a *App) Run(arguments []string) error {
	help := false
	a.FlagSet.Bool(&help, "help", "h", false, "Display this information")

	if err := a.FlagSet.Parse(arguments); err != nil {
		fmt.Fprintf(a.Stderr, "%s: %v\n", a.Name, err)
		fmt.Fprintf(a.Stderr, "Usage: %s %s\nRun '%s --help' for all options.\n", a.Name, a.Synopsis, a.Name)
		return err
	}
	if help {
		a.WriteHelp(a.Stdout, terminalWidth())
		return ErrHelp
	}
	if a.Action == nil {
		return nil
	}
	return a.Action(a.FlagSet.Args())
}

// WriteHelp renders the full help page wrapped to width columns.
func (a *App) WriteHelp(w io.Writer, width int) {
	var sb strings.Builder
	fmt.Fprintf(&sb, "\n    %s %s\n", a.Name, a.Synopsis)
	if a.Description != "" {
		fmt.Fprintf(&sb, "\n    Description\n")
		for _, line := range wrapText(a.Description, width-8) {
			fmt.Fprintf(&sb, "        %s\n", line)
		}
	}

	var opts []*Flag
	for _, fl := range a.FlagSet.order {
		if !fl.grouped {
			opts = append(opts, fl)
		}
	}
	sort.Slice(opts, func(i, j int) bool { return opts[i].Name < opts[j].Name })

	left := 0
	for _, fl := range opts {
		left = max(left, len(flagSpec(fl)))
	}
	for _, g := range a.FlagSet.groups {
		for _, e := range g.Entries {
			left = max(left, len(e.Prefix)+len("no-")+len(e.Name))
		}
	}

	fmt.Fprintf(&sb, "\n    Options\n")
	for _, fl := range opts {
		def := ""
		if fl.DefValue != "" {
			def = "|" + fl.DefValue + "|"
		}
		writeEntry(&sb, width, left, flagSpec(fl), fl.Usage, def)
	}

	for _, g := range a.FlagSet.groups {
		fmt.Fprintf(&sb, "\n    %s\n", g.Title)
		if len(g.Entries) == 0 {
			continue
		}
		p := g.Entries[0].Prefix
		writeEntry(&sb, width, left, "-"+p+"<name>", "Enable a "+g.Kind, "")
		writeEntry(&sb, width, left, "-"+p+"no-<name>", "Disable a "+g.Kind, "")
		entries := append([]FlagGroupEntry(nil), g.Entries...)
		sort.Slice(entries, func(i, j int) bool { return entries[i].Name < entries[j].Name })
		for _, e := range entries {
			mark := "|-|"
			if e.Default {
				mark = "|x|"
			}
			writeEntry(&sb, width, left, e.Name, e.Usage, mark)
		}
	}
	if a.Repository != "" || len(a.Authors) > 0 {
		fmt.Fprintf(&sb, "\n    %s, %s\n", strings.Join(a.Authors, ", "), a.Repository)
	}
	io.WriteString(w, sb.String())
}

func flagSpec(fl *Flag) string {
	var sb strings.Builder
	if fl.Shorthand != "" {
		fmt.Fprintf(&sb, "-%s, ", fl.Shorthand)
	}
	fmt.Fprintf(&sb, "--%s", fl.Name)
	if !fl.Value.IsBool() && fl.ArgName != "" {
		fmt.Fprintf(&sb, " <%s>", fl.ArgName)
	}
	return sb.String()
}

func writeEntry(sb *strings.Builder, width, left int, spec, usage, right string) {
	const indent = 8
	avail := max(width-indent-left-1-len(right)-2, 10)
	lines := wrapText(usage, avail)
	if len(lines) == 0 {
		lines = []string{""}
	}
	if right != "" {
		fmt.Fprintf(sb, "%s%-*s %-*s  %s\n", strings.Repeat(" ", indent), left, spec, avail, lines[0], right)
	} else {
		fmt.Fprintf(sb, "%s%-*s %s\n", strings.Repeat(" ", indent), left, spec, lines[0])
	}
	for _, l := range lines[1:] {
		fmt.Fprintf(sb, "%s%s\n", strings.Repeat(" ", indent+left+1), l)
	}
}

func terminalWidth() int {
	width, _, err := term.GetSize(int(os.Stdout.Fd()))
	if err != nil {
		return 80
	}
	return max(width, 40)
}

func wrapText(text string, maxWidth int) []string {
	words := strings.Fields(text)
	if len(words) == 0 || maxWidth <= 0 {
		return words
	}
	var lines []string
	line := words[0]
	for _, w := range words[1:] {
		if len(line)+1+len(w) > maxWidth {
			lines = append(lines, line)
			line = w
			continue
		}
		line += " " + w
	}
	return append(lines, line)
}
