package transform

import (
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/dop251/goja"
	"github.com/ohler55/ojg/jp"
)

// Rule kinds accepted by Compile.
const (
	KindBuiltin  = "builtin"
	KindJSONPath = "jsonpath"
	KindScript   = "script"
)

var ErrUnsupportedType = errors.New("unsupported type")

// scriptTimeout bounds a single script evaluation.
const scriptTimeout = time.Second

// Compile builds a rule of the given kind from its expression.
func Compile(kind, expr string) (Rule, error) {
	switch kind {
	case KindBuiltin:
		fn, ok := builtins[expr]
		if !ok {
			return nil, fmt.Errorf("%w: builtin %q", ErrUnknownTransform, expr)
		}
		return fn, nil
	case KindJSONPath:
		return NewJSONPathRule(expr)
	case KindScript:
		return NewScriptRule(expr)
	}
	return nil, fmt.Errorf("%w: kind %q", ErrUnknownTransform, kind)
}

// JSONPathRule replaces a value with the result of a JSONPath query on it.
// A single match is returned as is, several as a slice, none as nil.
type JSONPathRule struct {
	path jp.Expr
}

func NewJSONPathRule(expr string) (*JSONPathRule, error) {
	path, err := jp.ParseString(expr)
	if err != nil {
		return nil, fmt.Errorf("invalid JSONPath %q: %w", expr, err)
	}
	return &JSONPathRule{path: path}, nil
}

func (r *JSONPathRule) Apply(value any) (any, error) {
	results := r.path.Get(value)
	switch len(results) {
	case 0:
		return nil, nil
	case 1:
		return results[0], nil
	}
	return results, nil
}

// ScriptRule evaluates a JavaScript expression with the field bound to
// `value`, e.g. `value.toUpperCase()` or `value.items.length`.
type ScriptRule struct {
	program *goja.Program
}

func NewScriptRule(expr string) (*ScriptRule, error) {
	program, err := goja.Compile("transform", "(function(value) { return ("+expr+"); })(value)", true)
	if err != nil {
		return nil, fmt.Errorf("invalid script %q: %w", expr, err)
	}
	return &ScriptRule{program: program}, nil
}

func (r *ScriptRule) Apply(value any) (any, error) {
	vm := goja.New()
	if err := vm.Set("value", value); err != nil {
		return nil, err
	}

	timer := time.AfterFunc(scriptTimeout, func() {
		vm.Interrupt("script timeout")
	})
	defer timer.Stop()

	v, err := vm.RunProgram(r.program)
	if err != nil {
		return nil, err
	}
	if v == nil || goja.IsUndefined(v) || goja.IsNull(v) {
		return nil, nil
	}
	return v.Export(), nil
}

var builtins = map[string]RuleFunc{
	"upper": stringRule(strings.ToUpper),
	"lower": stringRule(strings.ToLower),
	"trim":  stringRule(strings.TrimSpace),
	"len": func(v any) (any, error) {
		rv := reflect.ValueOf(v)
		switch rv.Kind() {
		case reflect.String, reflect.Slice, reflect.Array, reflect.Map:
			return rv.Len(), nil
		}
		return nil, ErrUnsupportedType
	},
	"to_string": func(v any) (any, error) {
		if s, ok := v.(string); ok {
			return s, nil
		}
		return fmt.Sprint(v), nil
	},
	"to_number": func(v any) (any, error) {
		switch n := v.(type) {
		case float64:
			return n, nil
		case int:
			return float64(n), nil
		case int64:
			return float64(n), nil
		case string:
			return strconv.ParseFloat(strings.TrimSpace(n), 64)
		}
		return nil, ErrUnsupportedType
	},
	"to_json": func(v any) (any, error) {
		data, err := json.Marshal(v)
		if err != nil {
			return nil, err
		}
		return string(data), nil
	},
	"from_json": func(v any) (any, error) {
		s, ok := v.(string)
		if !ok {
			return nil, ErrUnsupportedType
		}
		var out any
		if err := json.Unmarshal([]byte(s), &out); err != nil {
			return nil, err
		}
		return out, nil
	},
	"lines": func(v any) (any, error) {
		s, ok := v.(string)
		if !ok {
			return nil, ErrUnsupportedType
		}
		var out []any
		for _, line := range strings.Split(s, "\n") {
			if line = strings.TrimSpace(line); line != "" {
				out = append(out, line)
			}
		}
		return out, nil
	},
}

func stringRule(fn func(string) string) RuleFunc {
	return func(v any) (any, error) {
		s, ok := v.(string)
		if !ok {
			return nil, ErrUnsupportedType
		}
		return fn(s), nil
	}
}
