package pipeline

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"unicode"
)

// Errors returned by Evaluate.
var (
	ErrInvalidExpression = errors.New("invalid expression")
	ErrDivisionByZero    = errors.New("division by zero")
)

// evalFuncs are the functions the evaluator accepts.
var evalFuncs = map[string]func(float64) float64{
	"sqrt": math.Sqrt,
	"sin":  math.Sin,
	"cos":  math.Cos,
	"tan":  math.Tan,
	"log":  math.Log,
	"exp":  math.Exp,
	"abs":  math.Abs,
}

var evalConsts = map[string]float64{
	"pi": math.Pi,
	"e":  math.E,
}

type tokenKind int

const (
	tokNumber tokenKind = iota
	tokOperator
	tokFunc
	tokLeftParen
	tokRightParen
)

type token struct {
	kind  tokenKind
	value float64
	op    byte
	fn    string
}

// Evaluate computes a plain arithmetic expression with + - * / ^,
// parentheses, unary minus, and a small set of functions and constants.
func Evaluate(expr string) (float64, error) {
	tokens, err := tokenize(expr)
	if err != nil {
		return 0, err
	}
	if len(tokens) == 0 {
		return 0, fmt.Errorf("%w: empty", ErrInvalidExpression)
	}
	rpn, err := toRPN(tokens)
	if err != nil {
		return 0, err
	}
	return evalRPN(rpn)
}

func tokenize(expr string) ([]token, error) {
	var tokens []token
	runes := []rune(strings.TrimSpace(expr))
	for i := 0; i < len(runes); {
		r := runes[i]
		switch {
		case unicode.IsSpace(r):
			i++
		case unicode.IsDigit(r) || r == '.':
			start := i
			for i < len(runes) && (unicode.IsDigit(runes[i]) || runes[i] == '.') {
				i++
			}
			num, err := strconv.ParseFloat(string(runes[start:i]), 64)
			if err != nil {
				return nil, fmt.Errorf("%w: number %q", ErrInvalidExpression, string(runes[start:i]))
			}
			tokens = append(tokens, token{kind: tokNumber, value: num})
		case unicode.IsLetter(r):
			start := i
			for i < len(runes) && unicode.IsLetter(runes[i]) {
				i++
			}
			name := strings.ToLower(string(runes[start:i]))
			if c, ok := evalConsts[name]; ok {
				tokens = append(tokens, token{kind: tokNumber, value: c})
			} else if _, ok := evalFuncs[name]; ok {
				tokens = append(tokens, token{kind: tokFunc, fn: name})
			} else {
				return nil, fmt.Errorf("%w: unknown identifier %q", ErrInvalidExpression, name)
			}
		case r == '(':
			tokens = append(tokens, token{kind: tokLeftParen})
			i++
		case r == ')':
			tokens = append(tokens, token{kind: tokRightParen})
			i++
		case strings.ContainsRune("+-*/^", r):
			op := byte(r)
			// Unary minus: at start, after an operator, or after '('.
			if op == '-' && (len(tokens) == 0 ||
				tokens[len(tokens)-1].kind == tokOperator ||
				tokens[len(tokens)-1].kind == tokLeftParen) {
				op = 'u'
			}
			tokens = append(tokens, token{kind: tokOperator, op: op})
			i++
		case r == '×':
			tokens = append(tokens, token{kind: tokOperator, op: '*'})
			i++
		case r == '÷':
			tokens = append(tokens, token{kind: tokOperator, op: '/'})
			i++
		default:
			return nil, fmt.Errorf("%w: character %q", ErrInvalidExpression, string(r))
		}
	}
	return tokens, nil
}

func precedence(op byte) int {
	switch op {
	case '+', '-':
		return 1
	case '*', '/':
		return 2
	case 'u':
		return 3
	case '^':
		return 4
	}
	return 0
}

func rightAssociative(op byte) bool {
	return op == '^' || op == 'u'
}

// toRPN converts infix tokens to reverse polish via shunting-yard.
func toRPN(tokens []token) ([]token, error) {
	var output, stack []token
	for _, t := range tokens {
		switch t.kind {
		case tokNumber:
			output = append(output, t)
		case tokFunc, tokLeftParen:
			stack = append(stack, t)
		case tokOperator:
			for len(stack) > 0 {
				top := stack[len(stack)-1]
				if top.kind != tokOperator {
					break
				}
				if precedence(top.op) > precedence(t.op) ||
					(precedence(top.op) == precedence(t.op) && !rightAssociative(t.op)) {
					output = append(output, top)
					stack = stack[:len(stack)-1]
					continue
				}
				break
			}
			stack = append(stack, t)
		case tokRightParen:
			matched := false
			for len(stack) > 0 {
				top := stack[len(stack)-1]
				stack = stack[:len(stack)-1]
				if top.kind == tokLeftParen {
					matched = true
					break
				}
				output = append(output, top)
			}
			if !matched {
				return nil, fmt.Errorf("%w: unbalanced parentheses", ErrInvalidExpression)
			}
			if len(stack) > 0 && stack[len(stack)-1].kind == tokFunc {
				output = append(output, stack[len(stack)-1])
				stack = stack[:len(stack)-1]
			}
		}
	}
	for len(stack) > 0 {
		top := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if top.kind == tokLeftParen {
			return nil, fmt.Errorf("%w: unbalanced parentheses", ErrInvalidExpression)
		}
		output = append(output, top)
	}
	return output, nil
}

func evalRPN(rpn []token) (float64, error) {
	var stack []float64
	pop := func() (float64, bool) {
		if len(stack) == 0 {
			return 0, false
		}
		v := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		return v, true
	}

	for _, t := range rpn {
		switch t.kind {
		case tokNumber:
			stack = append(stack, t.value)
		case tokFunc:
			arg, ok := pop()
			if !ok {
				return 0, fmt.Errorf("%w: missing argument for %s", ErrInvalidExpression, t.fn)
			}
			stack = append(stack, evalFuncs[t.fn](arg))
		case tokOperator:
			if t.op == 'u' {
				v, ok := pop()
				if !ok {
					return 0, fmt.Errorf("%w: dangling unary minus", ErrInvalidExpression)
				}
				stack = append(stack, -v)
				continue
			}
			b, okB := pop()
			a, okA := pop()
			if !okA || !okB {
				return 0, fmt.Errorf("%w: missing operand for %q", ErrInvalidExpression, string(t.op))
			}
			switch t.op {
			case '+':
				stack = append(stack, a+b)
			case '-':
				stack = append(stack, a-b)
			case '*':
				stack = append(stack, a*b)
			case '/':
				if b == 0 {
					return 0, ErrDivisionByZero
				}
				stack = append(stack, a/b)
			case '^':
				stack = append(stack, math.Pow(a, b))
			}
		}
	}
	if len(stack) != 1 {
		return 0, fmt.Errorf("%w: leftover operands", ErrInvalidExpression)
	}
	return stack[0], nil
}
