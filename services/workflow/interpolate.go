package workflow

import (
	"fmt"
	"regexp"
	"strings"
)

// Resolver substitutes references to prior node outputs inside a string
// value before an executor runs. Unresolved references must become empty
// strings rather than aborting the run.
type Resolver interface {
	Resolve(value string, ec *ExecutionContext) string
}

// TemplateResolver is the default Resolver. It understands tokens of the
// form {{nodeId.field}} where field is a dotted path into that node's
// output record, e.g. {{weather.apiResponse.statusCode}}.
type TemplateResolver struct{}

var templateToken = regexp.MustCompile(`\{\{\s*([^}\s]+)\s*\}\}`)

func (TemplateResolver) Resolve(value string, ec *ExecutionContext) string {
	return templateToken.ReplaceAllStringFunc(value, func(token string) string {
		path := templateToken.FindStringSubmatch(token)[1]
		parts := strings.Split(path, ".")
		output := ec.Output(parts[0])
		if output == nil {
			return ""
		}
		return stringifyPath(output, parts[1:])
	})
}

// stringifyPath walks a dotted path through nested output maps.
func stringifyPath(record map[string]any, path []string) string {
	var current any = record
	for _, key := range path {
		m, ok := current.(map[string]any)
		if !ok {
			return ""
		}
		current, ok = m[key]
		if !ok {
			return ""
		}
	}
	switch v := current.(type) {
	case nil:
		return ""
	case string:
		return v
	case float64:
		return trimFloat(v)
	default:
		return fmt.Sprintf("%v", v)
	}
}

func trimFloat(v float64) string {
	s := fmt.Sprintf("%f", v)
	s = strings.TrimRight(s, "0")
	return strings.TrimSuffix(s, ".")
}

// interpolateData returns a copy of the node's data with every string value
// resolved against the execution context. Nested maps and slices are walked;
// non-string leaves pass through untouched.
func interpolateData(data map[string]any, resolver Resolver, ec *ExecutionContext) map[string]any {
	if data == nil || resolver == nil {
		return data
	}
	resolved := make(map[string]any, len(data))
	for key, value := range data {
		resolved[key] = interpolateValue(value, resolver, ec)
	}
	return resolved
}

func interpolateValue(value any, resolver Resolver, ec *ExecutionContext) any {
	switch v := value.(type) {
	case string:
		return resolver.Resolve(v, ec)
	case map[string]any:
		return interpolateData(v, resolver, ec)
	case []any:
		resolved := make([]any, len(v))
		for i, item := range v {
			resolved[i] = interpolateValue(item, resolver, ec)
		}
		return resolved
	default:
		return value
	}
}
