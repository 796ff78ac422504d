package policy

import (
	"fmt"
	"strings"

	"github.com/google/cel-go/cel"
	"github.com/rzbill/courier/internal/event"
)

// CELPredicate compiles a boolean CEL expression over `category`, `family`
// and `scope`, e.g. `family == "voice" && scope != "lab"`.
func CELPredicate(expr string) (Predicate, error) {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return nil, fmt.Errorf("policy: empty expression")
	}
	env, err := cel.NewEnv(
		cel.Variable("category", cel.StringType),
		cel.Variable("family", cel.StringType),
		cel.Variable("scope", cel.StringType),
	)
	if err != nil {
		return nil, err
	}
	ast, iss := env.Compile(expr)
	if iss != nil && iss.Err() != nil {
		return nil, fmt.Errorf("policy: compile %q: %w", expr, iss.Err())
	}
	if !ast.OutputType().IsExactType(cel.BoolType) {
		return nil, fmt.Errorf("policy: expression %q must evaluate to bool", expr)
	}
	prog, err := env.Program(ast)
	if err != nil {
		return nil, err
	}
	return func(c event.Category, scope string) bool {
		out, _, err := prog.Eval(map[string]any{
			"category": string(c),
			"family":   c.Family(),
			"scope":    scope,
		})
		if err != nil {
			return false
		}
		b, ok := out.Value().(bool)
		return ok && b
	}, nil
}
