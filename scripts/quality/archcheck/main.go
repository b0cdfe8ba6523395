package main

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sort"
	"strings"
)

const modulePrefix = "ex-kagura/"

// listedPackage is the subset of `go list -json` output the rules need.
type listedPackage struct {
	ImportPath   string
	Imports      []string
	TestImports  []string
	XTestImports []string
}

func main() {
	os.Exit(run(os.Stdout))
}

func run(out io.Writer) int {
	packages, err := listPackages("./...")
	if err != nil {
		fmt.Fprintf(os.Stderr, "arch-check: %v\n", err)
		return 1
	}

	violations := collectViolations(packages)
	if len(violations) == 0 {
		_, _ = fmt.Fprintln(out, "arch-check: passed")
		return 0
	}
	_, _ = fmt.Fprintf(out, "arch-check: %d import violation(s):\n", len(violations))
	for _, violation := range violations {
		_, _ = fmt.Fprintf(out, "  - %s\n", violation)
	}

	return 1
}

func listPackages(pattern string) ([]listedPackage, error) {
	cmd := exec.Command("go", "list", "-json", "-test", pattern)
	cmd.Stderr = os.Stderr
	raw, err := cmd.Output()
	if err != nil {
		return nil, fmt.Errorf("go list %s: %w", pattern, err)
	}

	var result []listedPackage
	for decoder := json.NewDecoder(bytes.NewReader(raw)); ; {
		var pkg listedPackage
		err := decoder.Decode(&pkg)
		if errors.Is(err, io.EOF) {
			return result, nil
		}
		if err != nil {
			return nil, fmt.Errorf("decode go list output: %w", err)
		}
		if pkg.ImportPath != "" {
			result = append(result, pkg)
		}
	}
}

// importRule forbids packages under from from importing packages under to.
type importRule struct {
	from string
	to   string
}

// rules are relative to modulePrefix. A trailing slash matches subpackages
// only.
var rules = []importRule{
	{from: "pkg/kagura", to: "internal/"},
	{from: "pkg/llm", to: "internal/"},
	{from: "pkg/llm", to: "modules/"},
	{from: "modules/", to: "internal/"},
	{from: "internal/kernel", to: "internal/connector"},
	{from: "internal/connector", to: "internal/kernel"},
	{from: "internal/storage", to: "internal/settings"},
}

func collectViolations(packages []listedPackage) []string {
	found := make(map[string]struct{})

	for _, pkg := range packages {
		importer := strings.TrimSuffix(pkg.ImportPath, ".test")
		if idx := strings.Index(importer, " ["); idx >= 0 {
			importer = importer[:idx]
		}
		imports := make([]string, 0, len(pkg.Imports)+len(pkg.TestImports)+len(pkg.XTestImports))
		imports = append(imports, pkg.Imports...)
		imports = append(imports, pkg.TestImports...)
		imports = append(imports, pkg.XTestImports...)

		for _, imported := range imports {
			for _, rule := range rules {
				if !rule.matches(importer, imported) {
					continue
				}
				entry := fmt.Sprintf("%s -> %s (%s)", importer, imported, rule)
				found[entry] = struct{}{}
			}
		}
	}

	violations := make([]string, 0, len(found))
	for violation := range found {
		violations = append(violations, violation)
	}
	sort.Strings(violations)

	return violations
}

func (r importRule) matches(importer, imported string) bool {
	return underPrefix(importer, modulePrefix+r.from) && underPrefix(imported, modulePrefix+r.to)
}

func (r importRule) String() string {
	return fmt.Sprintf("%s must not import %s", displayPath(r.from), displayPath(r.to))
}

func underPrefix(path, prefix string) bool {
	if strings.HasSuffix(prefix, "/") {
		return strings.HasPrefix(path, prefix)
	}

	return path == prefix || strings.HasPrefix(path, prefix+"/")
}

func displayPath(rel string) string {
	if strings.HasSuffix(rel, "/") {
		return rel + "*"
	}

	return rel + "/..."
}
