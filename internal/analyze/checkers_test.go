package analyze

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/checkrelay/checkrelay/internal/domain"
)

func testCheckers() []domain.Checker {
	return []domain.Checker{
		{Analyzer: "clangsa", Name: "core.DivideZero", Enabled: true},
		{Analyzer: "clangsa", Name: "core.NullDereference", Enabled: true},
		{Analyzer: "clangsa", Name: "alpha.security.ArrayBound", Enabled: false},
		{Analyzer: "clang-tidy", Name: "bugprone-use-after-move", Enabled: true},
	}
}

func TestForAnalyzersFilters(t *testing.T) {
	r := NewCheckerRegistry(testCheckers())

	tidy := r.ForAnalyzers([]string{"clang-tidy"})
	if len(tidy) != 1 || tidy[0].Name != "bugprone-use-after-move" {
		t.Errorf("Expected only the clang-tidy checker, got %v", tidy)
	}

	all := r.ForAnalyzers(nil)
	if len(all) != 4 {
		t.Errorf("Expected all 4 checkers without a filter, got %d", len(all))
	}
}

func TestApplySelection(t *testing.T) {
	out := ApplySelection(testCheckers(), []string{"-core", "alpha.security.ArrayBound"})

	byName := make(map[string]bool)
	for _, c := range out {
		byName[c.Name] = c.Enabled
	}

	if byName["core.DivideZero"] || byName["core.NullDereference"] {
		t.Error("Group disable '-core' should turn off all core checkers")
	}
	if !byName["alpha.security.ArrayBound"] {
		t.Error("Explicit enable should turn on a default-disabled checker")
	}
	if !byName["bugprone-use-after-move"] {
		t.Error("Unrelated checker flags must not change")
	}
}

func TestApplySelectionDoesNotMutateInput(t *testing.T) {
	in := testCheckers()
	ApplySelection(in, []string{"-core.DivideZero"})
	if !in[0].Enabled {
		t.Error("ApplySelection must operate on a copy")
	}
}

func TestLoadCheckerRegistry(t *testing.T) {
	path := filepath.Join(t.TempDir(), "checkers.json")
	raw, err := json.Marshal(testCheckers())
	if err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, raw, 0644); err != nil {
		t.Fatal(err)
	}

	r, err := LoadCheckerRegistry(path)
	if err != nil {
		t.Fatalf("LoadCheckerRegistry failed: %v", err)
	}
	if got := len(r.ForAnalyzers(nil)); got != 4 {
		t.Errorf("Expected 4 checkers, got %d", got)
	}
}

func TestLoadCheckerRegistryEmptyPath(t *testing.T) {
	r, err := LoadCheckerRegistry("")
	if err != nil {
		t.Fatalf("Empty path should give an empty registry, got error: %v", err)
	}
	if got := len(r.ForAnalyzers(nil)); got != 0 {
		t.Errorf("Expected empty registry, got %d checkers", got)
	}
}
