package action

import (
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/oliveagle/jsonpath"
)

var ErrMalformedVariable = errors.New("malformed variable reference")

var placeholder = regexp.MustCompile(`\{\{\s*([^{}]*?)\s*\}\}|\{(\$[^{}]*)\}`)

// ResolveText replaces {{name}} with a session variable and {$.path} with a
// json path lookup over the variables. Unknown names resolve to empty text.
func ResolveText(text string, vars map[string]any) (string, error) {
	if !strings.Contains(text, "{") {
		return text, nil
	}
	var resolveErr error
	out := placeholder.ReplaceAllStringFunc(text, func(m string) string {
		groups := placeholder.FindStringSubmatch(m)
		if groups[2] != "" {
			v, err := jsonpath.JsonPathLookup(vars, groups[2])
			if err != nil {
				resolveErr = fmt.Errorf("%w: %s: %v", ErrMalformedVariable, groups[2], err)
				return m
			}
			return stringify(v)
		}
		name := groups[1]
		if name == "" {
			resolveErr = fmt.Errorf("%w: empty placeholder", ErrMalformedVariable)
			return m
		}
		return stringify(lookup(vars, name))
	})
	if resolveErr != nil {
		return "", resolveErr
	}
	return out, nil
}

func ResolveAll(values []string, vars map[string]any) ([]string, error) {
	out := make([]string, 0, len(values))
	for _, v := range values {
		r, err := ResolveText(v, vars)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, nil
}

func ResolveMap(values map[string]string, vars map[string]any) (map[string]string, error) {
	if len(values) == 0 {
		return nil, nil
	}
	out := make(map[string]string, len(values))
	for k, v := range values {
		r, err := ResolveText(v, vars)
		if err != nil {
			return nil, err
		}
		out[k] = r
	}
	return out, nil
}

// lookup matches names case-insensitively, as lead columns arrive with
// arbitrary casing.
func lookup(vars map[string]any, name string) any {
	if v, ok := vars[name]; ok {
		return v
	}
	for k, v := range vars {
		if strings.EqualFold(k, name) {
			return v
		}
	}
	return nil
}

func stringify(v any) string {
	switch val := v.(type) {
	case nil:
		return ""
	case string:
		return val
	case float64:
		if val == float64(int64(val)) {
			return fmt.Sprintf("%d", int64(val))
		}
		return fmt.Sprintf("%v", val)
	default:
		return fmt.Sprintf("%v", val)
	}
}
