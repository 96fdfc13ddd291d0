// internal/template/template.go
package template

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/colebrumley/pmaticmgr/internal/security"
)

var templateVar = regexp.MustCompile(`\{\{(\w+)\}\}`)

// EnvPrefix prefixes every stimulus value exported to a script's environment.
const EnvPrefix = "PMATIC_"

// Expand replaces {{variable}} placeholders with values from data. Unknown
// placeholders are left as they are.
func Expand(tmpl string, data map[string]any) string {
	return templateVar.ReplaceAllStringFunc(tmpl, func(match string) string {
		varName := match[2 : len(match)-2]

		if val, ok := data[varName]; ok {
			return security.SanitizeValue(fmt.Sprint(val))
		}
		return match
	})
}

// ExpandArgs expands every argument. Each argument stays one argv entry.
func ExpandArgs(args []string, data map[string]any) []string {
	if len(args) == 0 {
		return nil
	}
	out := make([]string, len(args))
	for i, a := range args {
		out[i] = Expand(a, data)
	}
	return out
}

// Environment exports data as PMATIC_<UPPER_KEY> variables. nil values are
// skipped.
func Environment(data map[string]any) map[string]string {
	env := make(map[string]string, len(data))
	for k, v := range data {
		if v == nil {
			continue
		}
		env[EnvPrefix+strings.ToUpper(k)] = security.SanitizeValue(fmt.Sprint(v))
	}
	return env
}

// Merge layers maps left to right; later keys win.
func Merge(layers ...map[string]string) map[string]string {
	out := make(map[string]string)
	for _, m := range layers {
		for k, v := range m {
			out[k] = v
		}
	}
	return out
}
