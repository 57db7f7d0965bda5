package condition

import (
	"fmt"
	"reflect"
	"regexp"
	"strings"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/tongvtdan/apillis-mfg-sub009/errors"
)

// Row is a change payload.
type Row = map[string]any

// EvaluationError describes why a condition could not be evaluated.
type EvaluationError struct {
	Field    string
	Operator string
	Message  string
	Err      error
}

func (e *EvaluationError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("evaluation error for field '%s' with operator '%s': %s: %v",
			e.Field, e.Operator, e.Message, e.Err)
	}
	return fmt.Sprintf("evaluation error for field '%s' with operator '%s': %s",
		e.Field, e.Operator, e.Message)
}

func (e *EvaluationError) Unwrap() error {
	return e.Err
}

// Evaluator evaluates conditions against old and new rows.
type Evaluator struct {
	regexes *lru.Cache[string, *regexp.Regexp]
}

// NewEvaluator creates an evaluator caching up to regexCacheSize compiled patterns.
func NewEvaluator(regexCacheSize int) *Evaluator {
	if regexCacheSize <= 0 {
		regexCacheSize = 100
	}
	regexes, err := lru.New[string, *regexp.Regexp](regexCacheSize)
	if err != nil {
		// Only fails for non-positive sizes
		panic(fmt.Sprintf("regex cache: %v", err))
	}
	return &Evaluator{regexes: regexes}
}

// Evaluate reports whether c holds for the change. A false result with a non-nil
// error means the condition could not be evaluated and must be treated as non-matching.
func (e *Evaluator) Evaluate(c Condition, oldRow, newRow Row) (bool, error) {
	subject, present := resolveSubject(c.Field, oldRow, newRow)
	operand, operandPresent := resolveOperand(c.Operand, oldRow, newRow)

	switch c.Operator {
	case OpEq:
		return present == operandPresent && equalValues(subject, operand), nil
	case OpNeq:
		return present != operandPresent || !equalValues(subject, operand), nil
	case OpLt, OpLte, OpGt, OpGte:
		if !present || !operandPresent {
			return false, nil
		}
		cmp, ok := compareOrdered(subject, operand)
		if !ok {
			return false, nil
		}
		switch c.Operator {
		case OpLt:
			return cmp < 0, nil
		case OpLte:
			return cmp <= 0, nil
		case OpGt:
			return cmp > 0, nil
		default:
			return cmp >= 0, nil
		}
	case OpIn:
		return present && memberOf(subject, operand), nil
	case OpNotIn:
		return !present || !memberOf(subject, operand), nil
	case OpContains:
		return present && contains(subject, operand), nil
	case OpStartsWith:
		s, ok1 := subject.(string)
		p, ok2 := operand.(string)
		return present && ok1 && ok2 && strings.HasPrefix(s, p), nil
	case OpEndsWith:
		s, ok1 := subject.(string)
		p, ok2 := operand.(string)
		return present && ok1 && ok2 && strings.HasSuffix(s, p), nil
	case OpMatches:
		return e.matches(c, subject, present, operand)
	case OpExists:
		want := true
		if b, ok := operand.(bool); ok && operandPresent {
			want = b
		}
		return (present && subject != nil) == want, nil
	case OpChanged:
		field := strings.TrimPrefix(strings.TrimPrefix(c.Field, "new."), "old.")
		oldV, oldOK := oldRow[field]
		newV, newOK := newRow[field]
		return oldOK != newOK || !equalValues(oldV, newV), nil
	case OpUnknown:
		return false, &EvaluationError{
			Field:    c.Field,
			Operator: c.OperatorName,
			Message:  "operator not supported",
			Err:      errors.ErrUnknownOperator,
		}
	default:
		return false, &EvaluationError{
			Field:    c.Field,
			Operator: c.Operator.String(),
			Message:  "operator not handled",
			Err:      errors.ErrUnknownOperator,
		}
	}
}

// All evaluates a conjunction. Evaluation stops at the first condition that does not hold.
func (e *Evaluator) All(conds []Condition, oldRow, newRow Row) (bool, error) {
	for _, c := range conds {
		ok, err := e.Evaluate(c, oldRow, newRow)
		if err != nil || !ok {
			return false, err
		}
	}
	return true, nil
}

func (e *Evaluator) matches(c Condition, subject any, present bool, operand any) (bool, error) {
	pattern, ok := operand.(string)
	if !ok {
		return false, &EvaluationError{Field: c.Field, Operator: c.OperatorName,
			Message: "pattern must be a string", Err: errors.ErrInvalidRule}
	}
	re, err := e.compile(pattern)
	if err != nil {
		return false, &EvaluationError{Field: c.Field, Operator: c.OperatorName,
			Message: "invalid pattern", Err: fmt.Errorf("%w: %v", errors.ErrInvalidRule, err)}
	}
	s, isString := subject.(string)
	return present && isString && re.MatchString(s), nil
}

func (e *Evaluator) compile(pattern string) (*regexp.Regexp, error) {
	if re, ok := e.regexes.Get(pattern); ok {
		return re, nil
	}
	if err := validateRegexComplexity(pattern); err != nil {
		return nil, err
	}
	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, err
	}
	e.regexes.Add(pattern, re)
	return re, nil
}

// validateRegexComplexity rejects patterns prone to pathological matching cost.
func validateRegexComplexity(pattern string) error {
	if len(pattern) > 500 {
		return fmt.Errorf("regex pattern too long (max 500 chars): %d chars", len(pattern))
	}
	for _, fragment := range []string{`(.*)*`, `(.+)+`, `(\w+)*`, `(\w*)+`, `(a+)+`} {
		if strings.Contains(pattern, fragment) {
			return fmt.Errorf("regex pattern contains nested quantifiers")
		}
	}
	if strings.Count(pattern, "(") > 20 {
		return fmt.Errorf("regex pattern has too many groups (max 20)")
	}
	return nil
}

func resolveSubject(field string, oldRow, newRow Row) (any, bool) {
	if f, ok := strings.CutPrefix(field, "old."); ok {
		v, present := oldRow[f]
		return v, present
	}
	if f, ok := strings.CutPrefix(field, "new."); ok {
		v, present := newRow[f]
		return v, present
	}
	if newRow != nil {
		v, present := newRow[field]
		return v, present
	}
	v, present := oldRow[field]
	return v, present
}

func resolveOperand(o Operand, oldRow, newRow Row) (any, bool) {
	switch o.Kind {
	case OldField:
		v, ok := oldRow[o.Field]
		return v, ok
	case NewField:
		v, ok := newRow[o.Field]
		return v, ok
	default:
		return o.Value, true
	}
}

func equalValues(a, b any) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	if af, ok := toFloat64(a); ok {
		if bf, ok := toFloat64(b); ok {
			return af == bf
		}
	}
	if reflect.TypeOf(a).Comparable() && reflect.TypeOf(b).Comparable() && a == b {
		return true
	}
	return reflect.DeepEqual(a, b)
}

func compareOrdered(a, b any) (int, bool) {
	af, aok := toFloat64(a)
	bf, bok := toFloat64(b)
	if aok && bok {
		switch {
		case af < bf:
			return -1, true
		case af > bf:
			return 1, true
		}
		return 0, true
	}
	as, aok := a.(string)
	bs, bok := b.(string)
	if aok && bok {
		return strings.Compare(as, bs), true
	}
	return 0, false
}

func memberOf(v any, set any) bool {
	items, ok := set.([]any)
	if !ok {
		rv := reflect.ValueOf(set)
		if !rv.IsValid() || (rv.Kind() != reflect.Slice && rv.Kind() != reflect.Array) {
			return false
		}
		items = make([]any, rv.Len())
		for i := range items {
			items[i] = rv.Index(i).Interface()
		}
	}
	for _, item := range items {
		if equalValues(v, item) {
			return true
		}
	}
	return false
}

func contains(subject, operand any) bool {
	if s, ok := subject.(string); ok {
		sub, ok := operand.(string)
		return ok && strings.Contains(s, sub)
	}
	return memberOf(operand, subject)
}

func toFloat64(v any) (float64, bool) {
	switch val := v.(type) {
	case float64:
		return val, true
	case float32:
		return float64(val), true
	case int:
		return float64(val), true
	case int32:
		return float64(val), true
	case int64:
		return float64(val), true
	case uint:
		return float64(val), true
	case uint32:
		return float64(val), true
	case uint64:
		return float64(val), true
	default:
		return 0, false
	}
}
