package main

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

const counterSource = `VAR_GLOBAL total : DINT; END_VAR

PROGRAM main
  VAR_EXTERNAL total : DINT; END_VAR
  total := total + 1;
END_PROGRAM
`

func writeSource(t *testing.T, src string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "unit.st")
	if err := os.WriteFile(path, []byte(src), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestRunWritesObject(t *testing.T) {
	t.Parallel()

	src := writeSource(t, counterSource)
	out := filepath.Join(filepath.Dir(src), "unit.o")
	var stdout, stderr bytes.Buffer
	if code := run([]string{"-o", out, src}, &stdout, &stderr); code != exitOK {
		t.Fatalf("exit %d:\n%s", code, stderr.String())
	}
	data, err := os.ReadFile(out)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.HasPrefix(data, []byte("\x7fELF")) {
		t.Errorf("output is not an ELF file: % x", data[:min(len(data), 8)])
	}
	if !strings.Contains(stderr.String(), "wrote "+out) {
		t.Errorf("no summary line:\n%s", stderr.String())
	}
}

func TestRunShapes(t *testing.T) {
	t.Parallel()

	for shape, magic := range map[string]string{
		"archive": "!<arch>\n",
		"so":      "\x7fELF",
	} {
		src := writeSource(t, counterSource)
		out := filepath.Join(filepath.Dir(src), "out")
		var stderr bytes.Buffer
		if code := run([]string{"--shape", shape, "-o", out, src}, &bytes.Buffer{}, &stderr); code != exitOK {
			t.Errorf("%s: exit %d:\n%s", shape, code, stderr.String())
			continue
		}
		data, err := os.ReadFile(out)
		if err != nil || !bytes.HasPrefix(data, []byte(magic)) {
			t.Errorf("%s: unexpected output (%v)", shape, err)
		}
	}
}

func TestRunCompileError(t *testing.T) {
	t.Parallel()

	src := writeSource(t, "PROGRAM main\n  x := 1;\nEND_PROGRAM\n")
	out := filepath.Join(filepath.Dir(src), "unit.o")
	var stderr bytes.Buffer
	if code := run([]string{"-o", out, src}, &bytes.Buffer{}, &stderr); code != exitCompile {
		t.Fatalf("exit %d, want %d", code, exitCompile)
	}
	if !strings.Contains(stderr.String(), "unit.st:2:3: error: UnresolvedSymbolError: undeclared identifier 'x'") {
		t.Errorf("diagnostic:\n%s", stderr.String())
	}
	if _, err := os.Stat(out); !os.IsNotExist(err) {
		t.Errorf("a failed unit left %s behind (%v)", out, err)
	}
}

func TestRunDumpWritesNothing(t *testing.T) {
	t.Parallel()

	src := writeSource(t, counterSource)
	dir := filepath.Dir(src)
	var stdout, stderr bytes.Buffer
	if code := run([]string{"--dump-symbols", "-o", filepath.Join(dir, "unit.o"), src}, &stdout, &stderr); code != exitOK {
		t.Fatalf("exit %d:\n%s", code, stderr.String())
	}
	if !strings.Contains(stdout.String(), "main_instance") && !strings.Contains(stdout.String(), `"total"`) {
		t.Errorf("symbol dump:\n%s", stdout.String())
	}
	entries, _ := os.ReadDir(dir)
	if len(entries) != 1 {
		t.Errorf("dump mode wrote files: %v", entries)
	}
}

func TestRunUsageErrors(t *testing.T) {
	t.Parallel()

	src := writeSource(t, counterSource)
	for _, args := range [][]string{
		nil,
		{src, src},
		{"--bogus", src},
		{"--shape", "dll", src},
		{"--emit", "wasm", src},
		{"--config", filepath.Join(filepath.Dir(src), "missing.ini"), src},
	} {
		var stderr bytes.Buffer
		if code := run(args, &bytes.Buffer{}, &stderr); code != exitUsage {
			t.Errorf("run(%q) = %d, want %d\n%s", args, code, exitUsage, stderr.String())
		}
	}

	var stdout bytes.Buffer
	if code := run([]string{"--help"}, &stdout, &bytes.Buffer{}); code != exitOK || !strings.Contains(stdout.String(), "gstc [options] <file.st>") {
		t.Errorf("--help = %d:\n%s", code, stdout.String())
	}
}

func TestRunMissingInput(t *testing.T) {
	t.Parallel()

	var stderr bytes.Buffer
	missing := filepath.Join(t.TempDir(), "nope.st")
	if code := run([]string{"-o", filepath.Join(t.TempDir(), "x.o"), missing}, &bytes.Buffer{}, &stderr); code != exitCompile {
		t.Errorf("exit %d, want %d", code, exitCompile)
	}
	if !strings.Contains(stderr.String(), "IOError") {
		t.Errorf("diagnostic:\n%s", stderr.String())
	}
}
