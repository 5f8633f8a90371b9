package rules

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"reflect"
	"strconv"
	"strings"

	"github.com/songzhibin97/approval-engine/types"
)

// ConditionEvaluator decides branch conditions against instance variables.
// It never fails: anything it cannot interpret evaluates to false.
type ConditionEvaluator struct {
	expressions Evaluator
	logger      *slog.Logger
}

// NewConditionEvaluator returns a ConditionEvaluator. expressions may be
// nil, in which case branch expressions never match.
func NewConditionEvaluator(expressions Evaluator, logger *slog.Logger) *ConditionEvaluator {
	if logger == nil {
		logger = slog.Default()
	}
	return &ConditionEvaluator{expressions: expressions, logger: logger}
}

// Evaluate ANDs conds. An empty list is true.
func (c *ConditionEvaluator) Evaluate(conds []types.Condition, variables map[string]interface{}) bool {
	for _, cond := range conds {
		if !evaluateOne(cond, variables) {
			return false
		}
	}
	return true
}

// MatchBranch reports whether every condition and, when set, the
// expression of b hold.
func (c *ConditionEvaluator) MatchBranch(b types.Branch, variables map[string]interface{}) bool {
	if !c.Evaluate(b.Conditions, variables) {
		return false
	}
	if b.Expression == "" {
		return true
	}
	if c.expressions == nil {
		c.logger.Warn("branch expression ignored: no expression evaluator", "branch", b.ID)
		return false
	}
	ok, err := c.expressions.Evaluate(b.Expression, variables)
	if err != nil {
		c.logger.Warn("branch expression failed", "branch", b.ID, "expression", b.Expression, "error", err)
		return false
	}
	return ok
}

// SelectBranch returns the first branch, in definition order, that matches.
func (c *ConditionEvaluator) SelectBranch(branches []types.Branch, variables map[string]interface{}) (types.Branch, bool) {
	for _, b := range branches {
		if c.MatchBranch(b, variables) {
			return b, true
		}
	}
	return types.Branch{}, false
}

func evaluateOne(cond types.Condition, variables map[string]interface{}) bool {
	actual, ok := variables[cond.Field]
	if !ok || actual == nil {
		return false
	}
	expected := cond.Value
	if expected == nil {
		return false
	}

	switch cond.Operator {
	case types.OpEq:
		return equal(actual, expected)
	case types.OpNe:
		return !equal(actual, expected)
	case types.OpGt:
		return compare(actual, expected) > 0
	case types.OpGte:
		return compare(actual, expected) >= 0
	case types.OpLt:
		return compare(actual, expected) < 0
	case types.OpLte:
		return compare(actual, expected) <= 0
	case types.OpIn:
		items, ok := collection(expected)
		return ok && containsItem(items, actual)
	case types.OpNotIn:
		items, ok := collection(expected)
		return ok && !containsItem(items, actual)
	case types.OpContains:
		return contains(actual, expected)
	case types.OpNotContains:
		return !contains(actual, expected)
	}
	return false
}

func toNumber(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int8:
		return float64(n), true
	case int16:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint8:
		return float64(n), true
	case uint16:
		return float64(n), true
	case uint32:
		return float64(n), true
	case uint64:
		return float64(n), true
	case float32:
		return float64(n), true
	case float64:
		return n, true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(n), 64)
		return f, err == nil
	}
	return 0, false
}

func toString(v interface{}) string {
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprint(v)
}

// compare orders a against b numerically when both parse as numbers and
// lexicographically otherwise.
func compare(a, b interface{}) int {
	if b == nil {
		return 0
	}
	if x, ok := toNumber(a); ok {
		if y, ok := toNumber(b); ok {
			switch {
			case x < y:
				return -1
			case x > y:
				return 1
			}
			return 0
		}
	}
	return strings.Compare(toString(a), toString(b))
}

func equal(a, b interface{}) bool {
	if b == nil {
		return false
	}
	if x, ok := toNumber(a); ok {
		if y, ok := toNumber(b); ok {
			return x == y
		}
	}
	return toString(a) == toString(b)
}

func collection(v interface{}) ([]interface{}, bool) {
	if v == nil {
		return nil, false
	}
	rv := reflect.ValueOf(v)
	if rv.Kind() != reflect.Slice && rv.Kind() != reflect.Array {
		return nil, false
	}
	items := make([]interface{}, rv.Len())
	for i := range items {
		items[i] = rv.Index(i).Interface()
	}
	return items, true
}

func containsItem(items []interface{}, v interface{}) bool {
	for _, item := range items {
		if equal(v, item) {
			return true
		}
	}
	return false
}

// contains tests membership when the variable is a collection and substring
// containment otherwise.
func contains(actual, expected interface{}) bool {
	if expected == nil {
		return false
	}
	if items, ok := collection(actual); ok {
		return containsItem(items, expected)
	}
	return strings.Contains(toString(actual), toString(expected))
}
