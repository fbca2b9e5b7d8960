package cli

import (
	"bytes"
	"errors"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
)

type testFlags struct {
	output  string
	verbose bool
	libs    []string
}

func newTestSet() (*FlagSet, *testFlags) {
	var tf testFlags
	fs := NewFlagSet("test")
	fs.String(&tf.output, "output", "o", "a.o", "Place the output into <file>.", "file")
	fs.Bool(&tf.verbose, "verbose", "v", false, "Talk more.")
	fs.List(&tf.libs, "lib", "l", "Add a library.", "name")
	return fs, &tf
}

func TestParse(t *testing.T) {
	t.Parallel()

	tests := []struct {
		args    []string
		output  string
		verbose bool
		libs    []string
		rest    []string
	}{
		{nil, "a.o", false, nil, nil},
		{[]string{"-o", "x.o", "unit.st"}, "x.o", false, nil, []string{"unit.st"}},
		{[]string{"-ox.o", "unit.st"}, "x.o", false, nil, []string{"unit.st"}},
		{[]string{"--output=y.o", "-v"}, "y.o", true, nil, nil},
		{[]string{"--verbose=false", "-lm", "-l", "c"}, "a.o", false, []string{"m", "c"}, nil},
		{[]string{"a.st", "--", "-o", "b.st"}, "a.o", false, nil, []string{"a.st", "-o", "b.st"}},
		{[]string{"-"}, "a.o", false, nil, []string{"-"}},
	}
	for _, tt := range tests {
		fs, tf := newTestSet()
		if err := fs.Parse(tt.args); err != nil {
			t.Errorf("Parse(%q): %v", tt.args, err)
			continue
		}
		if tf.output != tt.output || tf.verbose != tt.verbose {
			t.Errorf("Parse(%q): output=%q verbose=%v", tt.args, tf.output, tf.verbose)
		}
		if diff := cmp.Diff(tt.libs, tf.libs); diff != "" {
			t.Errorf("Parse(%q) libs (-want +got):\n%s", tt.args, diff)
		}
		if diff := cmp.Diff(tt.rest, fs.Args()); diff != "" {
			t.Errorf("Parse(%q) args (-want +got):\n%s", tt.args, diff)
		}
	}
}

func TestParseErrors(t *testing.T) {
	t.Parallel()

	for _, args := range [][]string{
		{"--nope"},
		{"-x"},
		{"-o"},
		{"-vv"},
		{"--verbose=maybe"},
	} {
		fs, _ := newTestSet()
		err := fs.Parse(args)
		if !errors.Is(err, ErrUsage) {
			t.Errorf("Parse(%q) = %v, want a usage error", args, err)
		}
	}
}

func TestFlagGroup(t *testing.T) {
	t.Parallel()

	var on, off bool
	fs := NewFlagSet("test")
	fs.AddFlagGroup("Warning Flags", "warning", []FlagGroupEntry{
		{Name: "shadow", Prefix: "W", Usage: "Warn about shadowing.", Enabled: &on, Disabled: &off},
	})
	if err := fs.Parse([]string{"-Wshadow", "--Wno-shadow"}); err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if !on || !off {
		t.Errorf("on=%v off=%v, want both set", on, off)
	}
}

func TestRun(t *testing.T) {
	t.Parallel()

	var stdout, stderr bytes.Buffer
	app := NewApp("tool")
	app.Synopsis = "[options] <file>"
	app.Description = "Does a thing to a file."
	app.Stdout, app.Stderr = &stdout, &stderr
	var got []string
	app.Action = func(args []string) error {
		got = args
		return nil
	}
	if err := app.Run([]string{"one", "two"}); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if diff := cmp.Diff([]string{"one", "two"}, got); diff != "" {
		t.Errorf("Action args (-want +got):\n%s", diff)
	}

	app = NewApp("tool")
	app.Synopsis = "[options] <file>"
	app.Stdout, app.Stderr = &stdout, &stderr
	stderr.Reset()
	if err := app.Run([]string{"--bogus"}); !errors.Is(err, ErrUsage) {
		t.Errorf("Run(--bogus) = %v", err)
	}
	if !strings.Contains(stderr.String(), "unknown flag: --bogus") || !strings.Contains(stderr.String(), "Usage: tool [options] <file>") {
		t.Errorf("usage message:\n%s", stderr.String())
	}
}

func TestHelp(t *testing.T) {
	t.Parallel()

	var stdout bytes.Buffer
	app := NewApp("tool")
	app.Synopsis = "[options] <file>"
	app.Description = "Does a thing to a file."
	app.Authors = []string{"someone"}
	app.Repository = "<https://example.org/tool>"
	app.Stdout = &stdout
	var output string
	var on, off bool
	app.FlagSet.String(&output, "output", "o", "a.o", "Place the output into <file>.", "file")
	app.FlagSet.AddFlagGroup("Feature Flags", "feature", []FlagGroupEntry{
		{Name: "c-comments", Prefix: "F", Usage: "Accept C comments.", Default: true, Enabled: &on, Disabled: &off},
	})
	called := false
	app.Action = func([]string) error { called = true; return nil }

	if err := app.Run([]string{"-h"}); !errors.Is(err, ErrHelp) {
		t.Fatalf("Run(-h) = %v, want ErrHelp", err)
	}
	if called {
		t.Errorf("Action ran after --help")
	}
	help := stdout.String()
	for _, want := range []string{
		"tool [options] <file>",
		"Does a thing to a file.",
		"-o, --output <file>",
		"|a.o|",
		"Feature Flags",
		"-Fno-<name>",
		"c-comments",
		"|x|",
		"someone, <https://example.org/tool>",
	} {
		if !strings.Contains(help, want) {
			t.Errorf("help lacks %q:\n%s", want, help)
		}
	}
	if strings.Contains(help, "--Fc-comments") {
		t.Errorf("grouped flags are listed as options:\n%s", help)
	}
}

func TestWrapText(t *testing.T) {
	t.Parallel()

	got := wrapText("the quick brown fox jumps over the lazy dog", 15)
	want := []string{"the quick brown", "fox jumps over", "the lazy dog"}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("wrapText (-want +got):\n%s", diff)
	}
}
