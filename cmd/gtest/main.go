// gtest compiles every matching .st file twice, checks that both builds are
// byte-identical and compares the export and relocation tables against a
// golden JSON file kept next to the source.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"slices"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/google/go-cmp/cmp"

	"github.com/xplshn/gstc/pkg/compiler"
	"github.com/xplshn/gstc/pkg/config"
	"github.com/xplshn/gstc/pkg/object"
	"github.com/xplshn/gstc/pkg/util"
)

// ExportEntry and RelocEntry leave out offsets so goldens survive changes to
// instruction selection.
type ExportEntry struct {
	Name    string `json:"name"`
	Section string `json:"section"`
	Kind    string `json:"kind"`
}

type RelocEntry struct {
	Symbol   string `json:"symbol"`
	Type     string `json:"type"`
	External bool   `json:"external,omitempty"`
	Count    int    `json:"count"`
}

// Golden is the recorded outcome of compiling one file in one shape.
type Golden struct {
	Shape   string        `json:"shape"`
	Error   string        `json:"error,omitempty"` // error kind for units expected to fail
	Exports []ExportEntry `json:"exports,omitempty"`
	Relocs  []RelocEntry  `json:"relocs,omitempty"`
}

type Status string

const (
	Pass  Status = "PASS"
	Fail  Status = "FAIL"
	Skip  Status = "SKIP"
	Error Status = "ERROR"
)

func (s Status) color() string {
	switch s {
	case Pass:
		return cGreen
	case Skip:
		return cYellow
	}
	return cRed
}

// Outcome is what happened to one source file.
type Outcome struct {
	File     string        `json:"file"`
	Status   Status        `json:"status"`
	Message  string        `json:"message,omitempty"`
	Diff     string        `json:"diff,omitempty"`
	Hash     string        `json:"hash,omitempty"`
	Duration time.Duration `json:"duration"`
	Result   []Golden      `json:"result,omitempty"`
}

func (o *Outcome) finish(s Status, format string, args ...any) *Outcome {
	o.Status, o.Message = s, fmt.Sprintf(format, args...)
	return o
}

// Report is the JSON document written after a run.
type Report struct {
	Started  time.Time      `json:"started"`
	Tally    map[Status]int `json:"tally"`
	Outcomes []*Outcome     `json:"outcomes"`
}

var (
	generateGolden = flag.Bool("generate-golden", false, "Write golden .json files instead of comparing against them.")
	testFiles      = flag.String("test-files", "tests/*.st", "Glob pattern(s) for files to test (space-separated).")
	skipFiles      = flag.String("skip-files", "", "Files to skip (space-separated).")
	shapes         = flag.String("shapes", "object archive shared", "Artifact shapes to build (space-separated).")
	reportPath     = flag.String("output", ".test_results.json", "Where to write the JSON report.")
	goldenDir      = flag.String("dir", "", "Directory holding golden files (defaults to each source's directory).")
	jobs           = flag.Int("j", 4, "Number of files built concurrently.")
	verbose        = flag.Bool("v", false, "Print compiler diagnostics and per-shape tables.")
)

const (
	cRed    = "\x1b[91m"
	cYellow = "\x1b[93m"
	cGreen  = "\x1b[92m"
	cCyan   = "\x1b[96m"
	cBold   = "\x1b[1m"
	cNone   = "\x1b[0m"
)

func main() {
	flag.Parse()
	log.SetFlags(0)
	log.SetPrefix("gtest: ")

	scratch, err := os.MkdirTemp("", "gtest-*")
	if err != nil {
		log.Fatalf("scratch directory: %v", err)
	}
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	files, err := discover(*testFiles)
	if err != nil {
		os.RemoveAll(scratch)
		log.Fatalf("%v", err)
	}
	if len(files) == 0 {
		os.RemoveAll(scratch)
		log.Printf("nothing matches %q", *testFiles)
		return
	}

	report := &Report{Started: time.Now(), Tally: make(map[Status]int)}
	report.Outcomes = runSuite(ctx, files, scratch)
	os.RemoveAll(scratch)

	for _, o := range report.Outcomes {
		report.Tally[o.Status]++
	}
	printReport(os.Stdout, report)
	if err := saveReport(report); err != nil {
		log.Printf("%v", err)
	}
	if report.Tally[Fail]+report.Tally[Error] > 0 {
		os.Exit(1)
	}
}

func goldenPath(source string) string {
	name := "." + filepath.Base(source) + ".json"
	if *goldenDir != "" {
		return filepath.Join(*goldenDir, name)
	}
	return filepath.Join(filepath.Dir(source), name)
}

func hashBytes(b []byte) string { return fmt.Sprintf("%016x", xxhash.Sum64(b)) }

func runSuite(ctx context.Context, files []string, scratch string) []*Outcome {
	skip := strings.Fields(*skipFiles)

	var (
		mu       sync.Mutex
		outcomes []*Outcome
		wg       sync.WaitGroup
	)
	record := func(o *Outcome) {
		mu.Lock()
		outcomes = append(outcomes, o)
		mu.Unlock()
	}

	queue := make(chan string)
	for range max(*jobs, 1) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for file := range queue {
				record(testFile(file, scratch))
			}
		}()
	}

	// Files with identical content are only built once.
	firstWith := make(map[uint64]string)
	for _, file := range files {
		if ctx.Err() != nil {
			record((&Outcome{File: file}).finish(Skip, "interrupted"))
			continue
		}
		if slices.Contains(skip, file) || slices.Contains(skip, filepath.Base(file)) {
			record((&Outcome{File: file}).finish(Skip, "skipped on request"))
			continue
		}
		src, err := os.ReadFile(file)
		if err != nil {
			record((&Outcome{File: file}).finish(Error, "%v", err))
			continue
		}
		sum := xxhash.Sum64(src)
		if prev, dup := firstWith[sum]; dup {
			record((&Outcome{File: file}).finish(Skip, "same content as %s", prev))
			continue
		}
		firstWith[sum] = file
		queue <- file
	}
	close(queue)
	wg.Wait()

	sort.Slice(outcomes, func(i, j int) bool { return outcomes[i].File < outcomes[j].File })
	return outcomes
}

func testFile(file, scratch string) *Outcome {
	start := time.Now()
	o := &Outcome{File: file}
	defer func() { o.Duration = time.Since(start) }()

	var hashes []string
	for _, shape := range strings.Fields(*shapes) {
		first, firstBytes, err := build(file, shape, scratch, 0)
		if err != nil {
			return o.finish(Error, "%s: %v", shape, err)
		}
		second, secondBytes, err := build(file, shape, scratch, 1)
		if err != nil {
			return o.finish(Error, "%s: %v", shape, err)
		}
		h1, h2 := hashBytes(firstBytes), hashBytes(secondBytes)
		if h1 != h2 {
			return o.finish(Fail, "%s output differs between builds (%s, %s)", shape, h1, h2)
		}
		if firstBytes != nil {
			hashes = append(hashes, h1)
		}
		if diff := cmp.Diff(first, second); diff != "" {
			o.Diff = diff
			return o.finish(Fail, "%s tables differ between builds", shape)
		}
		o.Result = append(o.Result, first)
	}
	o.Hash = strings.Join(hashes, ",")

	path := goldenPath(file)
	if *generateGolden {
		if err := writeGolden(path, o.Result); err != nil {
			return o.finish(Error, "%v", err)
		}
		return o.finish(Pass, "wrote %s", path)
	}

	data, err := os.ReadFile(path)
	switch {
	case os.IsNotExist(err):
		return o.finish(Skip, "no golden file; run with -generate-golden")
	case err != nil:
		return o.finish(Error, "%v", err)
	}
	var golden []Golden
	if err := json.Unmarshal(data, &golden); err != nil {
		return o.finish(Error, "%s: %v", path, err)
	}
	if diff := cmp.Diff(golden, o.Result); diff != "" {
		o.Diff = diff
		return o.finish(Fail, "tables differ from %s", filepath.Base(path))
	}
	return o.finish(Pass, "deterministic, tables match")
}

// build compiles file once in shape and returns its tables and artifact
// bytes. A compile error is a result, not a harness failure.
func build(file, shape, scratch string, run int) (Golden, []byte, error) {
	g := Golden{Shape: shape}

	cfg := config.NewConfig()
	if err := cfg.SetShape(shape); err != nil {
		return g, nil, err
	}
	// Both runs write the same file name so that names baked into the
	// artifact, such as DT_SONAME, match.
	dir := filepath.Join(scratch, fmt.Sprintf("run%d", run))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return g, nil, err
	}
	cfg.Output = filepath.Join(dir, filepath.Base(file)+"."+shape)

	var sink io.Writer = io.Discard
	if *verbose {
		sink = os.Stderr
	}
	u, err := compiler.CompileFile(file, cfg, util.NewDiagnostics(sink, cfg), nil)
	if u == nil {
		return g, nil, err
	}
	if err != nil {
		g.Error = util.KindOf(err).String()
		return g, nil, nil
	}

	written, err := os.ReadFile(cfg.Output)
	if err != nil {
		return g, nil, err
	}
	g.Exports, g.Relocs = tables(u.Artifact)
	return g, written, nil
}

func tables(a *object.Artifact) ([]ExportEntry, []RelocEntry) {
	exports := make([]ExportEntry, 0, len(a.Exports))
	for _, e := range a.Exports {
		exports = append(exports, ExportEntry{Name: e.Name, Section: e.Section.String(), Kind: e.Kind.String()})
	}
	sort.Slice(exports, func(i, j int) bool { return exports[i].Name < exports[j].Name })

	counts := make(map[RelocEntry]int)
	for _, r := range a.Relocs {
		counts[RelocEntry{Symbol: r.Symbol, Type: r.Type.String(), External: r.External}]++
	}
	relocs := make([]RelocEntry, 0, len(counts))
	for k, n := range counts {
		k.Count = n
		relocs = append(relocs, k)
	}
	sort.Slice(relocs, func(i, j int) bool {
		if relocs[i].Symbol != relocs[j].Symbol {
			return relocs[i].Symbol < relocs[j].Symbol
		}
		return relocs[i].Type < relocs[j].Type
	})
	return exports, relocs
}

func writeGolden(path string, golden []Golden) error {
	data, err := json.MarshalIndent(golden, "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, append(data, '\n'), 0o644)
}

func printReport(w io.Writer, r *Report) {
	var built time.Duration
	width := 0
	for _, o := range r.Outcomes {
		width = max(width, len(o.File))
	}
	for _, o := range r.Outcomes {
		fmt.Fprintf(w, "%s%-5s%s %s%-*s%s  %s\n", o.Status.color(), o.Status, cNone, cCyan, width, o.File, cNone, o.Message)
		if o.Diff != "" {
			writeDiff(w, o.Diff)
		}
		if *verbose && o.Status == Pass {
			for _, g := range o.Result {
				if g.Error != "" {
					fmt.Fprintf(w, "      %-8s fails with %s\n", g.Shape, g.Error)
				} else {
					fmt.Fprintf(w, "      %-8s %d exports, %d relocation groups\n", g.Shape, len(g.Exports), len(g.Relocs))
				}
			}
			fmt.Fprintf(w, "      %s in %s\n", o.Hash, o.Duration)
		}
		if o.Status == Pass || o.Status == Fail {
			built += o.Duration
		}
	}

	fmt.Fprintf(w, "\n%s%d files:%s", cBold, len(r.Outcomes), cNone)
	for _, s := range []Status{Pass, Fail, Skip, Error} {
		fmt.Fprintf(w, " %s%d %s%s", s.color(), r.Tally[s], strings.ToLower(string(s)), cNone)
	}
	fmt.Fprintln(w)
	if n := r.Tally[Pass] + r.Tally[Fail]; n > 0 {
		fmt.Fprintf(w, "mean time per built file: %s\n", built/time.Duration(n))
	}
}

func writeDiff(w io.Writer, diff string) {
	for _, line := range strings.Split(strings.TrimRight(diff, "\n"), "\n") {
		color, trimmed := "", strings.TrimSpace(line)
		switch {
		case strings.HasPrefix(trimmed, "-"):
			color = cRed
		case strings.HasPrefix(trimmed, "+"):
			color = cGreen
		}
		fmt.Fprintf(w, "      %s%s%s\n", color, line, cNone)
	}
}

func saveReport(r *Report) error {
	path := *reportPath
	if *goldenDir != "" && !filepath.IsAbs(path) {
		path = filepath.Join(*goldenDir, path)
	}
	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return err
	}
	fmt.Printf("report: %s\n", path)
	return nil
}

// discover expands space-separated glob patterns into a sorted list of
// regular files, each listed once.
func discover(patterns string) ([]string, error) {
	var files []string
	for _, pattern := range strings.Fields(patterns) {
		matches, err := filepath.Glob(pattern)
		if err != nil {
			return nil, fmt.Errorf("pattern %q: %w", pattern, err)
		}
		for _, m := range matches {
			abs, err := filepath.Abs(m)
			if err != nil {
				continue
			}
			if fi, err := os.Stat(abs); err == nil && fi.Mode().IsRegular() {
				files = append(files, abs)
			}
		}
	}
	slices.Sort(files)
	return slices.Compact(files), nil
}
