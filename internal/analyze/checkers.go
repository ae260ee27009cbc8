package analyze

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/checkrelay/checkrelay/internal/domain"
)

// CheckerRegistry holds the checkers this server's analyzers know about,
// loaded once at startup from a JSON config file.
type CheckerRegistry struct {
	checkers []domain.Checker
}

// NewCheckerRegistry creates a registry from a static checker list.
func NewCheckerRegistry(checkers []domain.Checker) *CheckerRegistry {
	return &CheckerRegistry{checkers: checkers}
}

// LoadCheckerRegistry reads the checker list from a JSON file. An empty path
// yields an empty registry: servers without a checker manifest still answer
// getCheckerList, just with nothing in it.
func LoadCheckerRegistry(path string) (*CheckerRegistry, error) {
	if path == "" {
		return &CheckerRegistry{}, nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read checkers file: %w", err)
	}
	var checkers []domain.Checker
	if err := json.Unmarshal(raw, &checkers); err != nil {
		return nil, fmt.Errorf("parse checkers file %s: %w", path, err)
	}
	return &CheckerRegistry{checkers: checkers}, nil
}

// ForAnalyzers returns the checkers belonging to the given analyzers, or all
// checkers when no analyzer filter is given.
func (r *CheckerRegistry) ForAnalyzers(analyzers []string) []domain.Checker {
	if len(analyzers) == 0 {
		return append([]domain.Checker(nil), r.checkers...)
	}
	wanted := make(map[string]bool, len(analyzers))
	for _, a := range analyzers {
		wanted[a] = true
	}
	var out []domain.Checker
	for _, c := range r.checkers {
		if wanted[c.Analyzer] {
			out = append(out, c)
		}
	}
	return out
}

// ApplySelection applies the client's ordered checker list to default enabled
// flags. Entries are processed in order; a "-" prefix disables, anything else
// enables, and a trailing match on a checker-group prefix toggles the whole
// group (e.g. "-core" disables "core.DivideZero").
func ApplySelection(checkers []domain.Checker, ordered []string) []domain.Checker {
	out := append([]domain.Checker(nil), checkers...)
	for _, entry := range ordered {
		enable := true
		name := entry
		if strings.HasPrefix(entry, "-") {
			enable = false
			name = strings.TrimPrefix(entry, "-")
		}
		for i := range out {
			if out[i].Name == name || strings.HasPrefix(out[i].Name, name+".") {
				out[i].Enabled = enable
			}
		}
	}
	return out
}
