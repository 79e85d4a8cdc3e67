// Command testreport merges `go test -json` output with the annotation
// comments on test functions (TestPurpose, Scope, Security, Expected,
// Test Case ID) and writes JSON and Markdown reports.
//
//	go test -json ./... > test.json
//	go run ./scripts/testreport -input test.json -out-json report.json -out-md report.md
package main

import (
	"bufio"
	"encoding/json"
	"flag"
	"fmt"
	"go/ast"
	"go/parser"
	"go/token"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"slices"
	"sort"
	"strings"
	"time"
)

// TestMetadata holds the annotations parsed from a test's doc comment.
type TestMetadata struct {
	Name       string `json:"name"`
	Purpose    string `json:"purpose,omitempty"`
	Scope      string `json:"scope,omitempty"`
	Security   string `json:"security,omitempty"`
	Expected   string `json:"expected,omitempty"`
	TestCaseID string `json:"test_case_id,omitempty"`
	Package    string `json:"package"`
	Category   string `json:"category"`
}

// testEvent is one line of `go test -json`.
type testEvent struct {
	Time    time.Time `json:"Time"`
	Action  string    `json:"Action"`
	Package string    `json:"Package"`
	Test    string    `json:"Test"`
	Elapsed float64   `json:"Elapsed"`
	Output  string    `json:"Output"`
}

// Result is the merged outcome of a single test.
type Result struct {
	Name        string       `json:"name"`
	Status      string       `json:"status"`
	Elapsed     float64      `json:"elapsed_seconds"`
	Package     string       `json:"package"`
	Failure     string       `json:"failure_reason,omitempty"`
	Annotations TestMetadata `json:"annotations"`
}

// Summary is the top-level report.
type Summary struct {
	GeneratedAt time.Time `json:"generated_at"`
	Total       int       `json:"total"`
	Passed      int       `json:"passed"`
	Failed      int       `json:"failed"`
	Skipped     int       `json:"skipped"`
	Results     []Result  `json:"results"`
}

var categoryOrder = []string{
	"Lifecycle", "Runtime", "Storage", "Auth", "API", "Reconcile",
	"Catalog", "Config", "Observability", "CLI", "Other",
}

func main() {
	input := flag.String("input", "", "path to go test -json output")
	outJSON := flag.String("out-json", "", "path for the JSON report")
	outMD := flag.String("out-md", "", "path for the Markdown report")
	root := flag.String("root", ".", "module root to scan for annotations")
	title := flag.String("title", "Test Report", "report title")
	category := flag.String("category", "", "only include this category")
	flag.Parse()

	if *input == "" || *outJSON == "" || *outMD == "" {
		fmt.Fprintln(os.Stderr, "usage: testreport -input <file> -out-json <file> -out-md <file>")
		os.Exit(2)
	}

	modulePath, err := readModulePath(filepath.Join(*root, "go.mod"))
	if err != nil {
		fmt.Fprintf(os.Stderr, "read go.mod: %v\n", err)
		os.Exit(1)
	}
	meta, err := scanMetadata(*root, modulePath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "scan tests: %v\n", err)
		os.Exit(1)
	}

	f, err := os.Open(*input)
	if err != nil {
		fmt.Fprintf(os.Stderr, "open test output: %v\n", err)
		os.Exit(1)
	}
	results, err := mergeResults(f, meta)
	f.Close()
	if err != nil {
		fmt.Fprintf(os.Stderr, "parse test output: %v\n", err)
		os.Exit(1)
	}

	if *category != "" {
		results = slices.DeleteFunc(results, func(r Result) bool {
			return !strings.EqualFold(r.Annotations.Category, *category)
		})
	}

	summary := summarize(results, time.Now())
	if err := writeFile(*outJSON, func(w io.Writer) error {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(summary)
	}); err != nil {
		fmt.Fprintf(os.Stderr, "write json: %v\n", err)
		os.Exit(1)
	}
	if err := writeFile(*outMD, func(w io.Writer) error {
		_, err := io.WriteString(w, renderMarkdown(summary, *title))
		return err
	}); err != nil {
		fmt.Fprintf(os.Stderr, "write markdown: %v\n", err)
		os.Exit(1)
	}

	// Non-zero exit keeps CI gates honest.
	if summary.Failed > 0 {
		fmt.Printf("%d tests failed\n", summary.Failed)
		os.Exit(1)
	}
}

func readModulePath(goMod string) (string, error) {
	data, err := os.ReadFile(goMod)
	if err != nil {
		return "", err
	}
	for _, line := range strings.Split(string(data), "\n") {
		if rest, ok := strings.CutPrefix(strings.TrimSpace(line), "module "); ok {
			return strings.TrimSpace(rest), nil
		}
	}
	return "", fmt.Errorf("no module directive in %s", goMod)
}

func scanMetadata(root, modulePath string) (map[string]TestMetadata, error) {
	out := make(map[string]TestMetadata)
	fset := token.NewFileSet()

	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			name := d.Name()
			if path != root && (strings.HasPrefix(name, "_") || strings.HasPrefix(name, ".") || name == "vendor") {
				return filepath.SkipDir
			}
			return nil
		}
		if !strings.HasSuffix(path, "_test.go") {
			return nil
		}

		node, err := parser.ParseFile(fset, path, nil, parser.ParseComments)
		if err != nil {
			return nil
		}
		rel, err := filepath.Rel(root, filepath.Dir(path))
		if err != nil {
			return err
		}
		pkg := modulePath
		if rel != "." {
			pkg = modulePath + "/" + filepath.ToSlash(rel)
		}

		for _, decl := range node.Decls {
			fn, ok := decl.(*ast.FuncDecl)
			if !ok || fn.Recv != nil || !strings.HasPrefix(fn.Name.Name, "Test") || fn.Name.Name == "TestMain" {
				continue
			}
			m := TestMetadata{Name: fn.Name.Name, Package: pkg, Category: categorize(pkg)}
			if fn.Doc != nil {
				parseAnnotations(&m, fn.Doc)
			}
			out[pkg+"."+fn.Name.Name] = m
		}
		return nil
	})
	return out, err
}

func parseAnnotations(m *TestMetadata, doc *ast.CommentGroup) {
	fields := map[string]*string{
		"TestPurpose:":  &m.Purpose,
		"Scope:":        &m.Scope,
		"Security:":     &m.Security,
		"Expected:":     &m.Expected,
		"Test Case ID:": &m.TestCaseID,
	}
	for _, c := range doc.List {
		text := strings.TrimSpace(strings.TrimPrefix(c.Text, "//"))
		for prefix, dst := range fields {
			if v, ok := strings.CutPrefix(text, prefix); ok {
				*dst = strings.TrimSpace(v)
			}
		}
	}
}

func categorize(pkg string) string {
	switch {
	case strings.Contains(pkg, "/internal/environment"):
		return "Lifecycle"
	case strings.Contains(pkg, "/internal/runtime"):
		return "Runtime"
	case strings.Contains(pkg, "/internal/store"), strings.Contains(pkg, "/internal/secrets"):
		return "Storage"
	case strings.Contains(pkg, "/internal/auth"), strings.Contains(pkg, "/internal/audit"):
		return "Auth"
	case strings.Contains(pkg, "/internal/transport"):
		return "API"
	case strings.Contains(pkg, "/internal/reconcile"):
		return "Reconcile"
	case strings.Contains(pkg, "/internal/catalog"):
		return "Catalog"
	case strings.Contains(pkg, "/internal/config"):
		return "Config"
	case strings.Contains(pkg, "/internal/observability"):
		return "Observability"
	case strings.Contains(pkg, "/cmd/"):
		return "CLI"
	}
	return "Other"
}

func mergeResults(r io.Reader, meta map[string]TestMetadata) ([]Result, error) {
	states := make(map[string]*Result, len(meta))
	for key, m := range meta {
		states[key] = &Result{Name: m.Name, Package: m.Package, Status: "not run", Annotations: m}
	}

	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for sc.Scan() {
		var ev testEvent
		if err := json.Unmarshal(sc.Bytes(), &ev); err != nil || ev.Test == "" {
			continue
		}
		key := ev.Package + "." + ev.Test
		res, ok := states[key]
		if !ok {
			res = &Result{Name: ev.Test, Package: ev.Package, Annotations: inherit(meta, ev)}
			states[key] = res
		}

		switch ev.Action {
		case "run":
			res.Status = ""
		case "pass", "fail":
			res.Status = ev.Action
			res.Elapsed = ev.Elapsed
		case "skip":
			res.Status = "skip"
		case "output":
			if res.Status == "" || res.Status == "fail" {
				res.Failure += ev.Output
			}
		}
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}

	list := make([]Result, 0, len(states))
	for _, v := range states {
		if v.Status != "fail" {
			v.Failure = ""
		}
		list = append(list, *v)
	}
	sort.Slice(list, func(i, j int) bool {
		if list[i].Package != list[j].Package {
			return list[i].Package < list[j].Package
		}
		return list[i].Name < list[j].Name
	})
	return list, nil
}

// inherit gives subtests their parent's annotations.
func inherit(meta map[string]TestMetadata, ev testEvent) TestMetadata {
	parent, _, isSub := strings.Cut(ev.Test, "/")
	if p, ok := meta[ev.Package+"."+parent]; ok && isSub {
		p.Name = ev.Test
		return p
	}
	return TestMetadata{Name: ev.Test, Package: ev.Package, Category: categorize(ev.Package)}
}

func summarize(results []Result, now time.Time) Summary {
	s := Summary{GeneratedAt: now, Results: results}
	for _, r := range results {
		s.Total++
		switch r.Status {
		case "pass":
			s.Passed++
		case "fail":
			s.Failed++
		case "skip":
			s.Skipped++
		}
	}
	return s
}

func renderMarkdown(s Summary, title string) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "# %s\n\n", title)
	fmt.Fprintf(&sb, "**Generated:** %s  \n", s.GeneratedAt.Format("2006-01-02 15:04:05 MST"))
	status := "PASSED"
	if s.Failed > 0 {
		status = "FAILED"
	}
	fmt.Fprintf(&sb, "**Status:** %s\n\n", status)

	rate := 0.0
	if s.Total > 0 {
		rate = float64(s.Passed) / float64(s.Total) * 100
	}
	sb.WriteString("| Total | Passed | Failed | Skipped | Pass Rate |\n")
	sb.WriteString("|-------|--------|--------|---------|-----------|\n")
	fmt.Fprintf(&sb, "| %d | %d | %d | %d | %.1f%% |\n\n", s.Total, s.Passed, s.Failed, s.Skipped, rate)

	byCat := make(map[string][]Result)
	for _, r := range s.Results {
		byCat[r.Annotations.Category] = append(byCat[r.Annotations.Category], r)
	}
	for _, cat := range categoryOrder {
		tests := byCat[cat]
		if len(tests) == 0 {
			continue
		}
		fmt.Fprintf(&sb, "## %s\n\n", cat)
		sb.WriteString("| ID | Test | Status | Purpose | Security |\n")
		sb.WriteString("|----|------|--------|---------|----------|\n")
		for _, t := range tests {
			sec := t.Annotations.Security
			if sec != "" {
				sec = "**" + sec + "**"
			}
			fmt.Fprintf(&sb, "| %s | %s | %s | %s | %s |\n",
				t.Annotations.TestCaseID, t.Name, statusMark(t.Status), t.Annotations.Purpose, sec)
		}
		sb.WriteString("\n")
	}

	if s.Failed > 0 {
		sb.WriteString("## Failures\n\n")
		for _, t := range s.Results {
			if t.Status == "fail" {
				fmt.Fprintf(&sb, "### %s (%s)\n```\n%s\n```\n\n", t.Name, t.Package, t.Failure)
			}
		}
	}
	return sb.String()
}

func statusMark(status string) string {
	switch status {
	case "pass":
		return "pass"
	case "fail":
		return "FAIL"
	case "skip":
		return "skip"
	}
	return "not run"
}

func writeFile(path string, fn func(io.Writer) error) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := fn(f); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}
