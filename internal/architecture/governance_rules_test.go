package architecture_test

import (
	"go/parser"
	"go/token"
	"io/fs"
	"path/filepath"
	"runtime"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

const modulePath = "duck-coordinator"

type layerRule struct {
	sourcePrefix string
	forbidden    []string
	hint         string
}

var architectureRules = []layerRule{
	{
		sourcePrefix: modulePath + "/internal/domain",
		forbidden:    []string{modulePath + "/internal", modulePath + "/pkg", modulePath + "/cmd"},
		hint:         "domain may only import domain",
	},
	{
		sourcePrefix: modulePath + "/internal/testutil",
		forbidden: []string{
			modulePath + "/internal/api",
			modulePath + "/internal/app",
			modulePath + "/internal/service",
			modulePath + "/internal/engine",
			modulePath + "/internal/registry",
			modulePath + "/cmd",
			modulePath + "/pkg",
		},
		hint: "testutil fakes depend on domain only",
	},
	{
		sourcePrefix: modulePath + "/internal/registry",
		forbidden:    leafForbidden(),
		hint:         "registry should depend on domain only",
	},
	{
		sourcePrefix: modulePath + "/internal/admission",
		forbidden:    leafForbidden(),
		hint:         "admission should depend on domain only",
	},
	{
		sourcePrefix: modulePath + "/internal/urlrewrite",
		forbidden:    leafForbidden(),
		hint:         "urlrewrite should depend on domain only",
	},
	{
		sourcePrefix: modulePath + "/internal/metrics",
		forbidden:    leafForbidden(),
		hint:         "metrics should depend on domain only",
	},
	{
		sourcePrefix: modulePath + "/internal/engine",
		forbidden: append(leafForbidden(),
			modulePath+"/internal/registry",
			modulePath+"/internal/admission",
		),
		hint: "engine implements domain.ExecutionEngine and knows nothing of query lifecycle",
	},
	{
		sourcePrefix: modulePath + "/internal/service",
		forbidden: []string{
			modulePath + "/internal/api",
			modulePath + "/internal/app",
			modulePath + "/internal/engine",
			modulePath + "/internal/middleware",
			modulePath + "/internal/config",
			modulePath + "/cmd",
			modulePath + "/pkg",
		},
		hint: "service reaches the engine through domain ports",
	},
	{
		sourcePrefix: modulePath + "/internal/middleware",
		forbidden: []string{
			modulePath + "/internal/api",
			modulePath + "/internal/app",
			modulePath + "/internal/service",
			modulePath + "/internal/engine",
			modulePath + "/internal/registry",
			modulePath + "/cmd",
			modulePath + "/pkg",
		},
		hint: "middleware should depend on domain and admission only",
	},
	{
		sourcePrefix: modulePath + "/internal/api",
		forbidden: []string{
			modulePath + "/internal/app",
			modulePath + "/internal/engine",
			modulePath + "/internal/registry",
			modulePath + "/internal/config",
			modulePath + "/cmd",
			modulePath + "/pkg",
		},
		hint: "api should depend on service/domain/api packages",
	},
	{
		sourcePrefix: modulePath + "/pkg/client",
		forbidden: []string{
			modulePath + "/internal/api",
			modulePath + "/internal/app",
			modulePath + "/internal/service",
			modulePath + "/internal/engine",
			modulePath + "/internal/registry",
			modulePath + "/cmd",
			modulePath + "/pkg/cli",
		},
		hint: "the client speaks HTTP and shares only wire helpers",
	},
	{
		sourcePrefix: modulePath + "/pkg/cli",
		forbidden:    []string{modulePath + "/internal", modulePath + "/cmd"},
		hint:         "the CLI goes through pkg/client",
	},
}

func leafForbidden() []string {
	return []string{
		modulePath + "/internal/api",
		modulePath + "/internal/app",
		modulePath + "/internal/service",
		modulePath + "/internal/engine",
		modulePath + "/internal/middleware",
		modulePath + "/internal/config",
		modulePath + "/cmd",
		modulePath + "/pkg",
	}
}

func collectGoFiles(root string) ([]string, error) {
	files := make([]string, 0)
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if strings.HasPrefix(d.Name(), "_") || d.Name() == "testdata" {
				return filepath.SkipDir
			}
			return nil
		}
		if strings.HasSuffix(path, ".go") {
			files = append(files, filepath.ToSlash(path))
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return files, nil
}

func repoRootDir() string {
	_, file, _, ok := runtime.Caller(0)
	if !ok {
		return "."
	}
	return filepath.Clean(filepath.Join(filepath.Dir(file), "..", ".."))
}

func findRule(sourcePkg string) (layerRule, bool) {
	for _, rule := range architectureRules {
		if hasPathPrefix(sourcePkg, rule.sourcePrefix) {
			return rule, true
		}
	}
	return layerRule{}, false
}

// matchingForbiddenPrefix returns the forbidden prefix importPath falls
// under, or "" when the import is allowed. Imports inside the source's own
// rule prefix are always allowed.
func matchingForbiddenPrefix(rule layerRule, importPath string) string {
	if hasPathPrefix(importPath, rule.sourcePrefix) {
		return ""
	}
	for _, prefix := range rule.forbidden {
		if hasPathPrefix(importPath, prefix) {
			return prefix
		}
	}
	return ""
}

func hasPathPrefix(value string, prefix string) bool {
	return value == prefix || strings.HasPrefix(value, prefix+"/")
}

func isTestFile(path string) bool {
	return strings.HasSuffix(filepath.Base(path), "_test.go")
}

func packageImportPath(file string) string {
	return modulePath + "/" + filepath.ToSlash(filepath.Dir(relToRepoRoot(file)))
}

func parseImports(t *testing.T, file string) []string {
	t.Helper()

	fset := token.NewFileSet()
	parsed, err := parser.ParseFile(fset, file, nil, parser.ImportsOnly)
	require.NoErrorf(t, err, "parse imports for %s", file)

	imports := make([]string, 0, len(parsed.Imports))
	for _, imp := range parsed.Imports {
		imports = append(imports, strings.Trim(imp.Path.Value, "\""))
	}
	return imports
}

func relToRepoRoot(path string) string {
	rel, err := filepath.Rel(repoRootDir(), path)
	if err != nil {
		return filepath.ToSlash(path)
	}
	return filepath.ToSlash(rel)
}
