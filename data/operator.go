package data

import (
	"regexp"

	"github.com/pkg/errors"
)

// Operator is a predicate over the values of one key.
type Operator uint8

const (
	OpEquals Operator = iota + 1
	OpNotEquals
	OpGreaterThan
	OpGreaterThanOrEquals
	OpLessThan
	OpLessThanOrEquals
	OpBetween
	OpLinksTo
	OpRegex
	OpNotRegex
)

var operatorSymbols = map[string]Operator{
	"=":      OpEquals,
	"eq":     OpEquals,
	"!=":     OpNotEquals,
	"ne":     OpNotEquals,
	">":      OpGreaterThan,
	"gt":     OpGreaterThan,
	">=":     OpGreaterThanOrEquals,
	"gte":    OpGreaterThanOrEquals,
	"<":      OpLessThan,
	"lt":     OpLessThan,
	"<=":     OpLessThanOrEquals,
	"lte":    OpLessThanOrEquals,
	"><":     OpBetween,
	"bw":     OpBetween,
	"->":     OpLinksTo,
	"lnk2":   OpLinksTo,
	"regex":  OpRegex,
	"nregex": OpNotRegex,
}

// ParseOperator resolves a symbolic or mnemonic operator string.
func ParseOperator(symbol string) (Operator, error) {
	op, ok := operatorSymbols[symbol]
	if !ok {
		return 0, errors.Errorf("unknown operator %q", symbol)
	}
	return op, nil
}

func (op Operator) String() string {
	switch op {
	case OpEquals:
		return "="
	case OpNotEquals:
		return "!="
	case OpGreaterThan:
		return ">"
	case OpGreaterThanOrEquals:
		return ">="
	case OpLessThan:
		return "<"
	case OpLessThanOrEquals:
		return "<="
	case OpBetween:
		return "><"
	case OpLinksTo:
		return "->"
	case OpRegex:
		return "regex"
	case OpNotRegex:
		return "nregex"
	}
	return "?"
}

// Satisfies evaluates actual against the operator and its operand values.
// BETWEEN is low-inclusive and high-exclusive. Regex operators apply to
// text values only and match the entire string.
func (op Operator) Satisfies(actual Value, values ...Value) bool {
	switch op {
	case OpEquals:
		return len(values) > 0 && sameClass(actual, values[0]) && Compare(actual, values[0]) == 0
	case OpNotEquals:
		return len(values) > 0 && !(sameClass(actual, values[0]) && Compare(actual, values[0]) == 0)
	case OpGreaterThan:
		return len(values) > 0 && sameClass(actual, values[0]) && Compare(actual, values[0]) > 0
	case OpGreaterThanOrEquals:
		return len(values) > 0 && sameClass(actual, values[0]) && Compare(actual, values[0]) >= 0
	case OpLessThan:
		return len(values) > 0 && sameClass(actual, values[0]) && Compare(actual, values[0]) < 0
	case OpLessThanOrEquals:
		return len(values) > 0 && sameClass(actual, values[0]) && Compare(actual, values[0]) <= 0
	case OpBetween:
		return len(values) > 1 && sameClass(actual, values[0]) &&
			Compare(actual, values[0]) >= 0 && Compare(actual, values[1]) < 0
	case OpLinksTo:
		return len(values) > 0 && actual.Tag() == TypeLink && actual.Link() == linkTarget(values[0])
	case OpRegex:
		return len(values) > 0 && matchRegex(actual, values[0])
	case OpNotRegex:
		return len(values) > 0 && actual.IsText() && !matchRegex(actual, values[0])
	}
	return false
}

func sameClass(v1, v2 Value) bool {
	return v1.class() == v2.class()
}

func linkTarget(v Value) int64 {
	switch v.Tag() {
	case TypeLink:
		return v.Link()
	case TypeLong:
		return v.Long()
	case TypeInteger:
		return int64(v.Int())
	}
	return -1
}

func matchRegex(actual, pattern Value) bool {
	if !actual.IsText() || !pattern.IsText() {
		return false
	}
	re, err := regexp.Compile("^(?:" + pattern.Str() + ")$")
	if err != nil {
		return false
	}
	return re.MatchString(actual.Str())
}
