package internal

import (
	"bufio"
	"go/parser"
	"go/token"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
)

// TestImportsAreDeclared verifies that every import in internal/ and cmd/
// is either the standard library, this module, or a module required in
// go.mod. It catches imports that only resolve through a stale module cache.
func TestImportsAreDeclared(t *testing.T) {
	wd, err := os.Getwd()
	if err != nil {
		t.Fatalf("Failed to get working directory: %v", err)
	}
	projectRoot := filepath.Dir(wd)
	if filepath.Base(wd) != "internal" {
		projectRoot = wd
	}

	modulePath, required := readGoMod(t, filepath.Join(projectRoot, "go.mod"))

	declared := func(path string) bool {
		first, _, _ := strings.Cut(path, "/")
		if !strings.Contains(first, ".") {
			return true // standard library
		}
		if path == modulePath || strings.HasPrefix(path, modulePath+"/") {
			return true
		}
		for _, mod := range required {
			if path == mod || strings.HasPrefix(path, mod+"/") {
				return true
			}
		}
		return false
	}

	var problems []string
	fset := token.NewFileSet()
	for _, dir := range []string{"internal", "cmd"} {
		root := filepath.Join(projectRoot, dir)
		err := filepath.Walk(root, func(path string, info os.FileInfo, err error) error {
			if err != nil {
				return err
			}
			if info.IsDir() {
				if strings.HasPrefix(info.Name(), ".") || strings.HasPrefix(info.Name(), "_") {
					return filepath.SkipDir
				}
				return nil
			}
			if !strings.HasSuffix(path, ".go") {
				return nil
			}
			f, err := parser.ParseFile(fset, path, nil, parser.ImportsOnly)
			if err != nil {
				return err
			}
			for _, imp := range f.Imports {
				p, _ := strconv.Unquote(imp.Path.Value)
				if !declared(p) {
					rel, _ := filepath.Rel(projectRoot, path)
					problems = append(problems, rel+": "+p)
				}
			}
			return nil
		})
		if err != nil {
			t.Fatalf("Failed to walk %s: %v", root, err)
		}
	}

	for _, p := range problems {
		t.Errorf("import not declared in go.mod: %s", p)
	}
}

// readGoMod returns the module path and every required module path.
func readGoMod(t *testing.T, path string) (string, []string) {
	t.Helper()

	f, err := os.Open(path)
	if err != nil {
		t.Fatalf("Failed to open go.mod: %v", err)
	}
	defer f.Close()

	var module string
	var required []string
	inRequire := false
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		switch {
		case strings.HasPrefix(line, "module "):
			module = strings.TrimSpace(strings.TrimPrefix(line, "module "))
		case line == "require (":
			inRequire = true
		case inRequire && line == ")":
			inRequire = false
		case inRequire && line != "":
			required = append(required, strings.Fields(line)[0])
		case strings.HasPrefix(line, "require "):
			required = append(required, strings.Fields(line)[1])
		}
	}
	if err := sc.Err(); err != nil {
		t.Fatalf("Failed to read go.mod: %v", err)
	}
	if module == "" {
		t.Fatal("go.mod has no module directive")
	}
	return module, required
}
