// Package argfile loads extra analyzer argument files and resolves
// $(ENV_VAR) placeholders inside them.
package argfile

import (
	"log/slog"
	"os"
	"regexp"
	"strings"
)

var placeholderPattern = regexp.MustCompile(`\$\((.*?)\)`)

// Expand substitutes every $(NAME) placeholder in template using lookup.
// A placeholder whose variable is not set is replaced by the empty string
// and logged as a warning. Expand is pure apart from the log line.
func Expand(template string, lookup func(string) (string, bool)) string {
	return placeholderPattern.ReplaceAllStringFunc(template, func(match string) string {
		name := placeholderPattern.FindStringSubmatch(match)[1]
		value, ok := lookup(name)
		if !ok {
			slog.Warn("Environment variable referenced in argument file is not set", "variable", name)
			return ""
		}
		return value
	})
}

// Load reads an analyzer argument file, expands $(ENV_VAR) placeholders from
// the process environment and splits the result into arguments. A missing
// file yields no arguments and no error: argument files are optional.
func Load(path string) ([]string, error) {
	raw, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	expanded := Expand(strings.TrimSpace(string(raw)), os.LookupEnv)
	return strings.Fields(expanded), nil
}
