package objects

import (
	"fmt"

	"github.com/google/cel-go/cel"
)

// Filter selects heap records with a CEL expression over the variables
// handle (uint), file (string), line (int) and size (int), for example
//
//	file.startsWith("app/") && size > 64
type Filter struct {
	expr string
	prg  cel.Program
}

// CompileFilter parses and type-checks expr. The expression must be
// boolean.
func CompileFilter(expr string) (*Filter, error) {
	env, err := cel.NewEnv(
		cel.Variable("handle", cel.UintType),
		cel.Variable("file", cel.StringType),
		cel.Variable("line", cel.IntType),
		cel.Variable("size", cel.IntType),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create filter environment: %w", err)
	}

	ast, iss := env.Compile(expr)
	if iss != nil && iss.Err() != nil {
		return nil, fmt.Errorf("invalid filter %q: %w", expr, iss.Err())
	}
	if !ast.OutputType().IsExactType(cel.BoolType) {
		return nil, fmt.Errorf("invalid filter %q: result is %s, not bool", expr, ast.OutputType())
	}

	prg, err := env.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("failed to build filter %q: %w", expr, err)
	}

	return &Filter{expr: expr, prg: prg}, nil
}

func (f *Filter) String() string {
	return f.expr
}

// Match evaluates the filter for one record.
func (f *Filter) Match(r Record) (bool, error) {
	out, _, err := f.prg.Eval(map[string]any{
		"handle": uint64(r.Handle),
		"file":   r.File,
		"line":   int64(r.Line),
		"size":   int64(r.Size),
	})
	if err != nil {
		return false, fmt.Errorf("filter %q: %w", f.expr, err)
	}
	match, ok := out.Value().(bool)
	if !ok {
		return false, fmt.Errorf("filter %q returned %T", f.expr, out.Value())
	}
	return match, nil
}
