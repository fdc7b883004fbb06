package store

import (
	"fmt"
	"strings"

	"github.com/google/cel-go/cel"

	"github.com/syncwirehq/syncwire/pkg/model"
)

// CompileFilters compiles query filters into a CEL program evaluated against
// the document field set. An empty filter list compiles to a nil program,
// which matches everything.
func CompileFilters(filters model.Filters) (cel.Program, error) {
	if len(filters) == 0 {
		return nil, nil
	}

	var expressions []string
	for _, f := range filters {
		expr, err := filterToExpression(f)
		if err != nil {
			return nil, err
		}
		expressions = append(expressions, expr)
	}

	fullExpr := strings.Join(expressions, " && ")

	env, err := cel.NewEnv(
		cel.Variable("doc", cel.MapType(cel.StringType, cel.DynType)),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL env: %w", err)
	}

	ast, issues := env.Compile(fullExpr)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("CEL compile error: %w", issues.Err())
	}

	prg, err := env.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("CEL program creation error: %w", err)
	}

	return prg, nil
}

// MatchDocument evaluates a compiled filter program against a field set.
// A nil program matches everything; evaluation errors (missing keys, type
// mismatches) count as non-matches.
func MatchDocument(prg cel.Program, fields model.Document) bool {
	if prg == nil {
		return true
	}

	out, _, err := prg.Eval(map[string]interface{}{
		"doc": map[string]interface{}(fields),
	})
	if err != nil {
		return false
	}

	matched, ok := out.Value().(bool)
	return ok && matched
}

func filterToExpression(f model.Filter) (string, error) {
	valStr, err := formatValue(f.Value)
	if err != nil {
		return "", err
	}

	field := "doc"
	parts := strings.Split(f.Field, ".")
	for _, p := range parts {
		// Index syntax is safe against special characters in field names.
		field += fmt.Sprintf("['%s']", p)
	}

	switch f.Op {
	case "==":
		return fmt.Sprintf("%s == %s", field, valStr), nil
	case "!=":
		return fmt.Sprintf("%s != %s", field, valStr), nil
	case ">":
		return fmt.Sprintf("%s > %s", field, valStr), nil
	case ">=":
		return fmt.Sprintf("%s >= %s", field, valStr), nil
	case "<":
		return fmt.Sprintf("%s < %s", field, valStr), nil
	case "<=":
		return fmt.Sprintf("%s <= %s", field, valStr), nil
	case "in":
		return fmt.Sprintf("%s in %s", field, valStr), nil
	case "array-contains":
		return fmt.Sprintf("%s in %s", valStr, field), nil
	default:
		return "", fmt.Errorf("unsupported operator: %s", f.Op)
	}
}

func formatValue(v interface{}) (string, error) {
	switch val := v.(type) {
	case string:
		return fmt.Sprintf("'%s'", strings.ReplaceAll(val, "'", "\\'")), nil
	case int, int32, int64:
		return fmt.Sprintf("%d", val), nil
	case float32, float64:
		return fmt.Sprintf("%v", val), nil
	case bool:
		return fmt.Sprintf("%v", val), nil
	case []interface{}:
		var parts []string
		for _, item := range val {
			s, err := formatValue(item)
			if err != nil {
				return "", err
			}
			parts = append(parts, s)
		}
		return fmt.Sprintf("[%s]", strings.Join(parts, ", ")), nil
	default:
		return "", fmt.Errorf("unsupported value type: %T", v)
	}
}
