package pluginhost

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/google/cel-go/cel"
)

// Admission decides which module paths the host may manage. The policy is a CEL
// expression over these string variables:
//
//	path  absolute module path
//	dir   directory of the module
//	name  file name without extension
//	ext   extension including the dot
//
// Example: `ext == ".so" && !name.startsWith("_")`
type Admission struct {
	expr string
	prg  cel.Program
}

// NewAdmission compiles expr. The expression must evaluate to a bool.
func NewAdmission(expr string) (*Admission, error) {
	env, err := cel.NewEnv(
		cel.Variable("path", cel.StringType),
		cel.Variable("dir", cel.StringType),
		cel.Variable("name", cel.StringType),
		cel.Variable("ext", cel.StringType),
	)
	if err != nil {
		return nil, fmt.Errorf("admission environment: %w", err)
	}

	ast, iss := env.Compile(expr)
	if iss != nil && iss.Err() != nil {
		return nil, fmt.Errorf("compile admission %q: %w", expr, iss.Err())
	}
	if !ast.OutputType().IsExactType(cel.BoolType) {
		return nil, fmt.Errorf("admission %q must evaluate to bool, got %s", expr, ast.OutputType())
	}

	prg, err := env.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("program admission %q: %w", expr, err)
	}
	return &Admission{expr: expr, prg: prg}, nil
}

// String returns the source expression.
func (a *Admission) String() string { return a.expr }

// Allow evaluates the policy for path.
func (a *Admission) Allow(path string) (bool, error) {
	ext := filepath.Ext(path)
	out, _, err := a.prg.Eval(map[string]any{
		"path": path,
		"dir":  filepath.Dir(path),
		"name": strings.TrimSuffix(filepath.Base(path), ext),
		"ext":  ext,
	})
	if err != nil {
		return false, fmt.Errorf("evaluate admission for %s: %w", path, err)
	}
	allowed, ok := out.Value().(bool)
	if !ok {
		return false, fmt.Errorf("admission for %s returned %T", path, out.Value())
	}
	return allowed, nil
}
