// Package condition evaluates field predicates against workflow-enabled
// entities. Evaluation fails closed: a field that cannot be resolved makes
// its condition false.
package condition

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/pitabwire/approvals/model"
)

// Evaluator evaluates WorkflowConditions. It is stateless apart from its
// logger and safe for concurrent use.
type Evaluator struct {
	logger *zap.Logger
}

// NewEvaluator creates an Evaluator. A nil logger is replaced by a no-op
// logger.
func NewEvaluator(logger *zap.Logger) *Evaluator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Evaluator{logger: logger}
}

// Evaluate reports whether a single condition holds for the entity.
func (e *Evaluator) Evaluate(entity model.FieldAccessor, cond model.WorkflowCondition) bool {
	if entity == nil {
		e.logger.Warn("condition evaluated without entity", zap.String("field", cond.Field))
		return false
	}
	actual, ok := entity.WorkflowField(cond.Field)
	if !ok {
		e.logger.Warn("condition field not found on entity",
			zap.String("field", cond.Field),
			zap.String("operator", string(cond.Operator)),
		)
		return false
	}
	result, err := Compare(cond.Operator, actual, cond.Value)
	if err != nil {
		e.logger.Warn("condition could not be evaluated",
			zap.String("field", cond.Field),
			zap.String("operator", string(cond.Operator)),
			zap.Error(err),
		)
		return false
	}
	return result
}

// EvaluateAll joins the conditions with AND. An empty list holds. Conditions
// declaring OR logic are evaluated as AND.
func (e *Evaluator) EvaluateAll(entity model.FieldAccessor, conds []model.WorkflowCondition) bool {
	for _, c := range conds {
		if c.Logic == model.LogicOr {
			e.logger.Debug("OR logic is not supported, evaluating as AND", zap.String("field", c.Field))
		}
		if !e.Evaluate(entity, c) {
			return false
		}
	}
	return true
}

// Compare applies op to an actual field value and an expected literal.
func Compare(op model.Operator, actual, expected any) (bool, error) {
	switch op {
	case model.OpEquals:
		return equal(actual, expected), nil
	case model.OpNotEquals:
		return !equal(actual, expected), nil
	case model.OpGreaterThan, model.OpLessThan, model.OpGreaterThanOrEqual, model.OpLessThanOrEqual:
		c, err := order(actual, expected)
		if err != nil {
			return false, err
		}
		switch op {
		case model.OpGreaterThan:
			return c > 0, nil
		case model.OpLessThan:
			return c < 0, nil
		case model.OpGreaterThanOrEqual:
			return c >= 0, nil
		default:
			return c <= 0, nil
		}
	case model.OpContains:
		if items, ok := asSlice(actual); ok {
			for _, item := range items {
				if equal(item, expected) {
					return true, nil
				}
			}
			return false, nil
		}
		if actual == nil {
			return false, nil
		}
		return strings.Contains(fmt.Sprint(actual), fmt.Sprint(expected)), nil
	case model.OpStartsWith:
		if actual == nil {
			return false, nil
		}
		return strings.HasPrefix(fmt.Sprint(actual), fmt.Sprint(expected)), nil
	case model.OpEndsWith:
		if actual == nil {
			return false, nil
		}
		return strings.HasSuffix(fmt.Sprint(actual), fmt.Sprint(expected)), nil
	}
	return false, fmt.Errorf("unsupported operator %q", op)
}

func equal(actual, expected any) bool {
	if actual == nil || expected == nil {
		return actual == nil && expected == nil
	}
	if a, ok := toFloat(actual); ok {
		if b, ok := toFloat(expected); ok {
			return a == b
		}
	}
	if a, ok := toTime(actual); ok {
		if b, ok := toTime(expected); ok {
			return a.Equal(b)
		}
	}
	return fmt.Sprint(actual) == fmt.Sprint(expected)
}

// order returns -1, 0 or 1 comparing actual with expected. Numbers compare
// numerically and times chronologically; anything else compares as text.
func order(actual, expected any) (int, error) {
	if actual == nil || expected == nil {
		return 0, fmt.Errorf("cannot order nil values")
	}
	if a, ok := toFloat(actual); ok {
		b, ok := toFloat(expected)
		if !ok {
			return 0, fmt.Errorf("expected numeric literal, got %v", expected)
		}
		return compareFloat(a, b), nil
	}
	if a, ok := toTime(actual); ok {
		b, ok := toTime(expected)
		if !ok {
			return 0, fmt.Errorf("expected time literal, got %v", expected)
		}
		return a.Compare(b), nil
	}
	return strings.Compare(fmt.Sprint(actual), fmt.Sprint(expected)), nil
}

func compareFloat(a, b float64) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	}
	return 0
}

func toFloat(v any) (float64, bool) {
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

var timeLayouts = []string{time.RFC3339Nano, time.RFC3339, "2006-01-02T15:04:05", "2006-01-02"}

func toTime(v any) (time.Time, bool) {
	switch t := v.(type) {
	case time.Time:
		return t, true
	case *time.Time:
		if t == nil {
			return time.Time{}, false
		}
		return *t, true
	case string:
		for _, layout := range timeLayouts {
			if parsed, err := time.Parse(layout, t); err == nil {
				return parsed, true
			}
		}
	}
	return time.Time{}, false
}

func asSlice(v any) ([]any, bool) {
	switch s := v.(type) {
	case []any:
		return s, true
	case []string:
		out := make([]any, len(s))
		for i, x := range s {
			out[i] = x
		}
		return out, true
	}
	return nil, false
}
