package fieldschema

import (
	"fmt"

	"github.com/Knetic/govaluate"
)

// Rule is a compiled field validationRule, e.g. "value >= 1000 && value % 100 == 0"
// or "length <= 20". Rules see two parameters: value and length.
type Rule struct {
	src  string
	expr *govaluate.EvaluableExpression
}

var ruleParams = map[string]bool{"value": true, "length": true}

func CompileRule(src string) (*Rule, error) {
	expr, err := govaluate.NewEvaluableExpression(src)
	if err != nil {
		return nil, fmt.Errorf("validationRule %q does not parse: %v", src, err)
	}
	for _, v := range expr.Vars() {
		if !ruleParams[v] {
			return nil, fmt.Errorf("validationRule %q references unknown parameter %q", src, v)
		}
	}
	return &Rule{src: src, expr: expr}, nil
}

// Check evaluates the rule; the expression must produce a boolean.
func (r *Rule) Check(value any, length int) (bool, error) {
	res, err := r.expr.Evaluate(map[string]interface{}{"value": value, "length": float64(length)})
	if err != nil {
		return false, fmt.Errorf("validationRule %q: %v", r.src, err)
	}
	ok, isBool := res.(bool)
	if !isBool {
		return false, fmt.Errorf("validationRule %q must evaluate to a boolean", r.src)
	}
	return ok, nil
}
