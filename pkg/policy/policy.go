// Package policy evaluates CEL acceptance rules against the framing fields of
// a verified envelope, e.g.
//
//	primitive != "HMAC(SHA512)" || payload_size < 1048576
package policy

import (
	"fmt"

	"github.com/google/cel-go/cel"

	"github.com/Mindburn-Labs/securepickle/pkg/envelope"
)

// Policy is a compiled acceptance rule. The zero value is not usable; a nil
// *Policy accepts everything.
type Policy struct {
	expr string
	prg  cel.Program
}

func newEnv() (*cel.Env, error) {
	return cel.NewEnv(
		cel.Variable("header", cel.StringType),
		cel.Variable("version", cel.StringType),
		cel.Variable("primitive", cel.StringType),
		cel.Variable("payload_size", cel.IntType),
	)
}

// Compile parses and type-checks expr. The expression must yield a bool.
func Compile(expr string) (*Policy, error) {
	env, err := newEnv()
	if err != nil {
		return nil, fmt.Errorf("policy: create CEL env: %w", err)
	}
	ast, issues := env.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("policy: compile %q: %w", expr, issues.Err())
	}
	if !ast.OutputType().IsExactType(cel.BoolType) {
		return nil, fmt.Errorf("policy: %q yields %s, want bool", expr, ast.OutputType())
	}
	prg, err := env.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("policy: program %q: %w", expr, err)
	}
	return &Policy{expr: expr, prg: prg}, nil
}

// String returns the source expression.
func (p *Policy) String() string {
	if p == nil {
		return "true"
	}
	return p.expr
}

// Allow evaluates the policy against f.
func (p *Policy) Allow(f envelope.Frame) (bool, error) {
	if p == nil {
		return true, nil
	}
	out, _, err := p.prg.Eval(map[string]any{
		"header":       string(f.Header),
		"version":      string(f.Version),
		"primitive":    string(f.Primitive),
		"payload_size": int64(f.PayloadSize),
	})
	if err != nil {
		return false, fmt.Errorf("policy: eval %q: %w", p.expr, err)
	}
	allowed, ok := out.Value().(bool)
	if !ok {
		return false, fmt.Errorf("policy: %q result not boolean", p.expr)
	}
	return allowed, nil
}
