// Package schema validates candidate final answers against a declared output
// schema and renders correction instructions for the model when they fail.
package schema

import (
	"fmt"
	"math"
	"regexp"
	"sort"
	"strings"

	"github.com/google/jsonschema-go/jsonschema"
)

// Violation records a single schema defect at a JSON path.
type Violation struct {
	Path     string `json:"path"`
	Expected string `json:"expected"`
	Actual   string `json:"actual"`
	Message  string `json:"message"`
}

// Result is the outcome of one validation attempt. It is ephemeral and not
// retained between calls.
type Result struct {
	Valid  bool        `json:"valid"`
	Errors []Violation `json:"errors,omitempty"`
}

// Instruction renders the violations as a correction turn for the model. The
// list is ordered by path so repeated attempts produce stable output.
func (r Result) Instruction() string {
	if r.Valid {
		return ""
	}
	var sb strings.Builder
	sb.WriteString("The previous answer did not match the required output schema. ")
	sb.WriteString("Produce a corrected JSON answer fixing every problem below:\n")
	for _, v := range r.Errors {
		path := v.Path
		if path == "" {
			path = "$"
		}
		fmt.Fprintf(&sb, "- %s: %s (expected %s, got %s)\n", path, v.Message, v.Expected, v.Actual)
	}
	sb.WriteString("Respond with only the corrected JSON object.")
	return sb.String()
}

// Validate checks candidate against schema, collecting every violation
// instead of stopping at the first. A nil schema accepts everything.
// Validation is pure: deterministic for a given (candidate, schema) pair and
// free of retained state.
func Validate(candidate map[string]any, schema *jsonschema.Schema) Result {
	if schema == nil {
		return Result{Valid: true}
	}
	var violations []Violation
	validateValue(candidate, schema, "", &violations)
	sort.SliceStable(violations, func(i, j int) bool { return violations[i].Path < violations[j].Path })
	return Result{Valid: len(violations) == 0, Errors: violations}
}

func validateValue(value any, schema *jsonschema.Schema, path string, out *[]Violation) {
	if schema == nil {
		return
	}

	expectedType := resolveType(schema)
	if expectedType != "" && !typeMatches(value, expectedType) {
		record(out, path, expectedType, describe(value), fmt.Sprintf("wrong type: expected %s", expectedType))
		return
	}

	if len(schema.Enum) > 0 && !inEnum(value, schema.Enum) {
		record(out, path, fmt.Sprintf("one of %v", schema.Enum), describe(value), "value not in enum")
	}

	if schema.Pattern != "" {
		if str, ok := value.(string); ok {
			if re, err := regexp.Compile(schema.Pattern); err == nil && !re.MatchString(str) {
				record(out, path, fmt.Sprintf("string matching %q", schema.Pattern), fmt.Sprintf("%q", str), "pattern mismatch")
			}
		}
	}

	if schema.Minimum != nil || schema.Maximum != nil {
		if num, ok := toFloat(value); ok {
			if schema.Minimum != nil && num < *schema.Minimum {
				record(out, path, fmt.Sprintf(">= %v", *schema.Minimum), fmt.Sprintf("%v", num), "below minimum")
			}
			if schema.Maximum != nil && num > *schema.Maximum {
				record(out, path, fmt.Sprintf("<= %v", *schema.Maximum), fmt.Sprintf("%v", num), "above maximum")
			}
		}
	}

	switch expectedType {
	case "object":
		obj, ok := value.(map[string]any)
		if !ok {
			return
		}
		for _, field := range schema.Required {
			if _, exists := obj[field]; !exists {
				record(out, joinPath(path, field), "present", "missing", "missing required field")
			}
		}
		for key, child := range obj {
			propSchema, ok := schema.Properties[key]
			if !ok {
				continue
			}
			validateValue(child, propSchema, joinPath(path, key), out)
		}
	case "array":
		if schema.Items == nil {
			return
		}
		arr, ok := value.([]any)
		if !ok {
			return
		}
		for idx, item := range arr {
			validateValue(item, schema.Items, indexPath(path, idx), out)
		}
	}
}

func record(out *[]Violation, path, expected, actual, message string) {
	*out = append(*out, Violation{Path: path, Expected: expected, Actual: actual, Message: message})
}

// resolveType returns the single schema type, inferring object/array from
// structural keywords when type is omitted.
func resolveType(schema *jsonschema.Schema) string {
	if schema.Type != "" {
		return schema.Type
	}
	if len(schema.Types) == 1 {
		return schema.Types[0]
	}
	switch {
	case schema.Items != nil:
		return "array"
	case len(schema.Properties) > 0 || len(schema.Required) > 0:
		return "object"
	}
	return ""
}

func typeMatches(value any, expected string) bool {
	switch expected {
	case "string":
		_, ok := value.(string)
		return ok
	case "number":
		_, ok := toFloat(value)
		return ok
	case "integer":
		num, ok := toFloat(value)
		return ok && math.Trunc(num) == num
	case "boolean":
		_, ok := value.(bool)
		return ok
	case "object":
		_, ok := value.(map[string]any)
		return ok
	case "array":
		_, ok := value.([]any)
		return ok
	case "null":
		return value == nil
	}
	return true
}

func toFloat(value any) (float64, bool) {
	switch v := value.(type) {
	case float64:
		return v, true
	case float32:
		return float64(v), true
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	}
	return 0, false
}

func inEnum(value any, allowed []any) bool {
	for _, candidate := range allowed {
		if enumEqual(value, candidate) {
			return true
		}
	}
	return false
}

func enumEqual(a, b any) bool {
	if aNum, ok := toFloat(a); ok {
		if bNum, ok := toFloat(b); ok {
			return aNum == bNum
		}
		return false
	}
	return a == b
}

func describe(value any) string {
	switch v := value.(type) {
	case nil:
		return "null"
	case string:
		return fmt.Sprintf("string %q", v)
	case bool:
		return fmt.Sprintf("boolean %v", v)
	case float64, float32, int, int64:
		return fmt.Sprintf("number %v", v)
	case map[string]any:
		return "object"
	case []any:
		return "array"
	default:
		return fmt.Sprintf("%T", v)
	}
}

func joinPath(base, field string) string {
	if base == "" {
		return field
	}
	return base + "." + field
}

func indexPath(base string, idx int) string {
	if base == "" {
		return fmt.Sprintf("[%d]", idx)
	}
	return fmt.Sprintf("%s[%d]", base, idx)
}
