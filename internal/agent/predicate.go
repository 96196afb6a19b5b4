package agent

import (
	"fmt"
	"strconv"
	"strings"

	xerrors "AgentSwarm/internal/errors"
)

// Operator 是谓词使用的比较运算符。
type Operator string

const (
	OpGreater      Operator = ">"
	OpGreaterEqual Operator = ">="
	OpLess         Operator = "<"
	OpLessEqual    Operator = "<="
	OpEqual        Operator = "=="
	OpNotEqual     Operator = "!="
)

// Predicate 是针对单个遥测字段的比较，彼此独立求值。
type Predicate struct {
	Field     Field
	Op        Operator
	Threshold float64
}

// ParsePredicate 解析形如 "consistency_score > 0.95" 的表达式。
func ParsePredicate(expr string) (Predicate, error) {
	parts := strings.Fields(expr)
	if len(parts) != 3 {
		return Predicate{}, xerrors.New(xerrors.CodeInvalidArgument, fmt.Sprintf("谓词格式应为 <field> <op> <number>: %q", expr))
	}
	field := Field(parts[0])
	if !KnownField(field) {
		return Predicate{}, xerrors.New(xerrors.CodeInvalidArgument, fmt.Sprintf("未知的遥测字段: %s", parts[0]))
	}
	op := Operator(parts[1])
	switch op {
	case OpGreater, OpGreaterEqual, OpLess, OpLessEqual, OpEqual, OpNotEqual:
	default:
		return Predicate{}, xerrors.New(xerrors.CodeInvalidArgument, fmt.Sprintf("未知的比较运算符: %s", parts[1]))
	}
	threshold, err := strconv.ParseFloat(strings.TrimSuffix(parts[2], "%"), 64)
	if err != nil {
		return Predicate{}, xerrors.Wrap(xerrors.CodeInvalidArgument, err, fmt.Sprintf("阈值不是数字: %s", parts[2]))
	}
	if strings.HasSuffix(parts[2], "%") {
		threshold /= 100
	}
	return Predicate{Field: field, Op: op, Threshold: threshold}, nil
}

// Eval 对遥测求值。
func (p Predicate) Eval(t Telemetry) bool {
	value, ok := t.Value(p.Field)
	if !ok {
		return false
	}
	switch p.Op {
	case OpGreater:
		return value > p.Threshold
	case OpGreaterEqual:
		return value >= p.Threshold
	case OpLess:
		return value < p.Threshold
	case OpLessEqual:
		return value <= p.Threshold
	case OpEqual:
		return value == p.Threshold
	case OpNotEqual:
		return value != p.Threshold
	default:
		return false
	}
}

// String 返回谓词的规范文本形式。
func (p Predicate) String() string {
	return fmt.Sprintf("%s %s %s", p.Field, p.Op, strconv.FormatFloat(p.Threshold, 'f', -1, 64))
}
