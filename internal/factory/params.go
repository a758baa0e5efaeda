package factory

import (
	"fmt"
	"regexp"

	"github.com/cuongbtq/variant-pipeline/internal/domain"
)

var placeholderRe = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_.-]*)\}`)

// substitute resolves ${name} placeholders in v against params. A string that is exactly
// one placeholder takes the parameter's value with its type; embedded placeholders are
// formatted into the string.
func substitute(jobKey string, v any, params map[string]any) (any, error) {
	switch t := v.(type) {
	case string:
		return substituteString(jobKey, t, params)
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, item := range t {
			resolved, err := substitute(jobKey, item, params)
			if err != nil {
				return nil, err
			}
			out[k] = resolved
		}
		return out, nil
	case []any:
		out := make([]any, len(t))
		for i, item := range t {
			resolved, err := substitute(jobKey, item, params)
			if err != nil {
				return nil, err
			}
			out[i] = resolved
		}
		return out, nil
	default:
		return v, nil
	}
}

func substituteString(jobKey, s string, params map[string]any) (any, error) {
	if m := placeholderRe.FindStringSubmatchIndex(s); m != nil && m[0] == 0 && m[1] == len(s) {
		name := s[m[2]:m[3]]
		val, ok := params[name]
		if !ok {
			return nil, &domain.MissingParameterError{JobKey: jobKey, Parameter: name}
		}
		return val, nil
	}

	var missing string
	out := placeholderRe.ReplaceAllStringFunc(s, func(match string) string {
		name := placeholderRe.FindStringSubmatch(match)[1]
		val, ok := params[name]
		if !ok {
			if missing == "" {
				missing = name
			}
			return match
		}
		return fmt.Sprint(val)
	})
	if missing != "" {
		return nil, &domain.MissingParameterError{JobKey: jobKey, Parameter: missing}
	}
	return out, nil
}

// resolveParams substitutes every placeholder of a job's parameter template
func resolveParams(jobKey string, template map[string]any, params map[string]any) (map[string]any, error) {
	if template == nil {
		return nil, nil
	}
	resolved, err := substitute(jobKey, template, params)
	if err != nil {
		return nil, err
	}
	return resolved.(map[string]any), nil
}

// mergeParams layers caller parameters over definition defaults
func mergeParams(defaults, params map[string]any) map[string]any {
	out := make(map[string]any, len(defaults)+len(params))
	for k, v := range defaults {
		out[k] = v
	}
	for k, v := range params {
		out[k] = v
	}
	return out
}
