package docsync

import (
	"fmt"
	"strings"
)

// predicate evaluation against a document snapshot.
//
// Type mismatches (e.g. ordering a string field against a numeric literal)
// surface as *TypeMismatchError. The executor turns them into per-document
// skips, or filters silently when the predicate carries a type guard.

func evalPredicate(snapshot *DocumentSnapshot, expr Expr, params map[string]any) (bool, error) {
	if expr == nil {
		return true, nil
	}
	value, err := evalExpr(snapshot, expr, params)
	if err != nil {
		return false, err
	}
	b, ok := value.(bool)
	if !ok {
		return false, mismatchf(expr, "predicate is %s, not bool", typeName(value))
	}
	return b, nil
}

func evalExpr(snapshot *DocumentSnapshot, expr Expr, params map[string]any) (any, error) {
	switch v := expr.(type) {
	case *LiteralExpr:
		return v.Value, nil
	case *ParamExpr:
		value, ok := params[v.Name]
		if !ok {
			return nil, &ParseError{Pos: v.Pos(), Message: fmt.Sprintf("missing parameter :%s", v.Name)}
		}
		return normalizeScalar(value), nil
	case *PathExpr:
		value, _ := snapshot.Get(v.Path)
		return value, nil
	case *BinaryExpr:
		return evalBinary(snapshot, v, params)
	case *NotExpr:
		b, err := evalPredicate(snapshot, v.Operand, params)
		if err != nil {
			return nil, err
		}
		return !b, nil
	case *InExpr:
		return evalIn(snapshot, v, params)
	case *LikeExpr:
		return evalLike(snapshot, v, params)
	case *IsNullExpr:
		value, err := evalExpr(snapshot, v.Operand, params)
		if err != nil {
			return nil, err
		}
		isNull := value == nil
		if v.Not {
			return !isNull, nil
		}
		return isNull, nil
	case *TypeGuardExpr:
		return evalTypeGuard(snapshot, v), nil
	case *ArrayExpr:
		items := make([]any, 0, len(v.Items))
		for _, item := range v.Items {
			value, err := evalExpr(snapshot, item, params)
			if err != nil {
				return nil, err
			}
			items = append(items, value)
		}
		return items, nil
	default:
		return nil, mismatchf(expr, "expression is not valid in a predicate")
	}
}

func evalBinary(snapshot *DocumentSnapshot, expr *BinaryExpr, params map[string]any) (any, error) {
	switch expr.Op {
	case OpAnd:
		// short circuit so a leading type guard filters before the
		// guarded comparison can mismatch
		left, err := evalPredicate(snapshot, expr.Left, params)
		if err != nil {
			return nil, err
		}
		if !left {
			return false, nil
		}
		return evalPredicate(snapshot, expr.Right, params)
	case OpOr:
		left, err := evalPredicate(snapshot, expr.Left, params)
		if err != nil {
			return nil, err
		}
		if left {
			return true, nil
		}
		return evalPredicate(snapshot, expr.Right, params)
	default:
		left, err := evalExpr(snapshot, expr.Left, params)
		if err != nil {
			return nil, err
		}
		right, err := evalExpr(snapshot, expr.Right, params)
		if err != nil {
			return nil, err
		}
		return compareValues(expr, left, right)
	}
}

func evalIn(snapshot *DocumentSnapshot, expr *InExpr, params map[string]any) (any, error) {
	operand, err := evalExpr(snapshot, expr.Operand, params)
	if err != nil {
		return nil, err
	}
	itemsValue, err := evalExpr(snapshot, expr.Items, params)
	if err != nil {
		return nil, err
	}
	items, ok := itemsValue.([]any)
	if !ok {
		return nil, mismatchf(expr, "IN requires a list, got %s", typeName(itemsValue))
	}
	found := false
	for _, item := range items {
		equal, err := compareValues(&BinaryExpr{Op: OpEq, pos: expr.Pos()}, operand, normalizeScalar(item))
		if err != nil {
			return nil, err
		}
		if equal.(bool) {
			found = true
			break
		}
	}
	if expr.Not {
		return !found, nil
	}
	return found, nil
}

func evalLike(snapshot *DocumentSnapshot, expr *LikeExpr, params map[string]any) (any, error) {
	operand, err := evalExpr(snapshot, expr.Operand, params)
	if err != nil {
		return nil, err
	}
	patternValue, err := evalExpr(snapshot, expr.Pattern, params)
	if err != nil {
		return nil, err
	}
	s, ok := operand.(string)
	if !ok {
		return nil, mismatchf(expr, "LIKE requires a string, got %s", typeName(operand))
	}
	pattern, ok := patternValue.(string)
	if !ok {
		return nil, mismatchf(expr, "LIKE pattern must be a string, got %s", typeName(patternValue))
	}
	matched := likeMatch(s, pattern)
	if expr.Not {
		return !matched, nil
	}
	return matched, nil
}

// likeMatch supports '%' as a wildcard for any run of characters.
// The common case is a prefix match, 'abc%'.
func likeMatch(s string, pattern string) bool {
	segments := strings.Split(pattern, "%")
	if len(segments) == 1 {
		return s == pattern
	}
	if !strings.HasPrefix(s, segments[0]) {
		return false
	}
	s = s[len(segments[0]):]
	last := segments[len(segments)-1]
	for _, segment := range segments[1 : len(segments)-1] {
		if segment == "" {
			continue
		}
		i := strings.Index(s, segment)
		if i < 0 {
			return false
		}
		s = s[i+len(segment):]
	}
	return strings.HasSuffix(s, last)
}

func evalTypeGuard(snapshot *DocumentSnapshot, expr *TypeGuardExpr) bool {
	value, ok := snapshot.Get(expr.Path)
	if !ok {
		return false
	}
	switch expr.Guard {
	case "IS_STRING":
		_, ok := value.(string)
		return ok
	case "IS_NUMBER", "IS_COUNTER":
		// counters surface as their numeric value
		_, ok := value.(float64)
		return ok
	case "IS_BOOL":
		_, ok := value.(bool)
		return ok
	case "IS_MAP":
		_, ok := value.(map[string]any)
		return ok
	case "IS_ATTACHMENT":
		_, ok := value.(AttachmentRef)
		return ok
	default:
		return false
	}
}

// compareValues applies a comparison operator. Equality across different
// types, and any ordering involving a non-ordered type, is a mismatch.
func compareValues(expr *BinaryExpr, left any, right any) (any, error) {
	ordering := expr.Op == OpLt || expr.Op == OpLte || expr.Op == OpGt || expr.Op == OpGte

	if left == nil || right == nil {
		if ordering {
			return nil, mismatchf(expr, "cannot order %s against %s", typeName(left), typeName(right))
		}
		equal := left == nil && right == nil
		return applyEquality(expr.Op, equal), nil
	}

	switch l := left.(type) {
	case float64:
		r, ok := right.(float64)
		if !ok {
			return nil, mismatchf(expr, "cannot compare number against %s", typeName(right))
		}
		return applyOrder(expr.Op, compareFloats(l, r)), nil
	case string:
		r, ok := right.(string)
		if !ok {
			return nil, mismatchf(expr, "cannot compare string against %s", typeName(right))
		}
		return applyOrder(expr.Op, strings.Compare(l, r)), nil
	case bool:
		r, ok := right.(bool)
		if !ok || ordering {
			return nil, mismatchf(expr, "cannot compare bool against %s", typeName(right))
		}
		return applyEquality(expr.Op, l == r), nil
	case AttachmentRef:
		r, ok := right.(AttachmentRef)
		if !ok || ordering {
			return nil, mismatchf(expr, "cannot compare attachment against %s", typeName(right))
		}
		return applyEquality(expr.Op, l.Token == r.Token), nil
	default:
		return nil, mismatchf(expr, "cannot compare %s", typeName(left))
	}
}

func compareFloats(a float64, b float64) int {
	switch {
	case a < b:
		return -1
	case b < a:
		return 1
	default:
		return 0
	}
}

func applyOrder(op BinaryOp, cmp int) bool {
	switch op {
	case OpEq:
		return cmp == 0
	case OpNeq:
		return cmp != 0
	case OpLt:
		return cmp < 0
	case OpLte:
		return cmp <= 0
	case OpGt:
		return 0 < cmp
	case OpGte:
		return 0 <= cmp
	default:
		return false
	}
}

func applyEquality(op BinaryOp, equal bool) bool {
	if op == OpNeq {
		return !equal
	}
	return equal
}

// all numeric parameters normalize to float64 so arithmetic and
// comparisons behave identically on every peer
func normalizeScalar(value any) any {
	switch v := value.(type) {
	case int:
		return float64(v)
	case int32:
		return float64(v)
	case int64:
		return float64(v)
	case uint64:
		return float64(v)
	case float32:
		return float64(v)
	case []any:
		items := make([]any, len(v))
		for i, item := range v {
			items[i] = normalizeScalar(item)
		}
		return items
	default:
		return value
	}
}

func typeName(value any) string {
	switch value.(type) {
	case nil:
		return "null"
	case bool:
		return "bool"
	case float64:
		return "number"
	case string:
		return "string"
	case AttachmentRef:
		return "attachment"
	case map[string]any:
		return "map"
	case []any:
		return "list"
	default:
		return fmt.Sprintf("%T", value)
	}
}

func mismatchf(expr Expr, format string, a ...any) *TypeMismatchError {
	return &TypeMismatchError{
		Path:    exprPathHint(expr),
		Message: fmt.Sprintf(format+" (at %s)", append(a, expr.Pos())...),
	}
}

func exprPathHint(expr Expr) string {
	switch v := expr.(type) {
	case *PathExpr:
		return v.Path
	case *BinaryExpr:
		if hint := exprPathHint(v.Left); hint != "" {
			return hint
		}
		return exprPathHint(v.Right)
	case *InExpr:
		return exprPathHint(v.Operand)
	case *LikeExpr:
		return exprPathHint(v.Operand)
	case *IsNullExpr:
		return exprPathHint(v.Operand)
	case *NotExpr:
		return exprPathHint(v.Operand)
	default:
		return ""
	}
}

// deterministic cross-type ordering for ORDER BY and GROUP BY keys:
// rank by type first, then compare within the type
func orderCompare(a any, b any) int {
	rankA := orderRank(a)
	rankB := orderRank(b)
	if rankA != rankB {
		return compareFloats(float64(rankA), float64(rankB))
	}
	switch va := a.(type) {
	case bool:
		vb := b.(bool)
		switch {
		case va == vb:
			return 0
		case vb:
			return -1
		default:
			return 1
		}
	case float64:
		return compareFloats(va, b.(float64))
	case string:
		return strings.Compare(va, b.(string))
	case AttachmentRef:
		return strings.Compare(va.Token, b.(AttachmentRef).Token)
	default:
		return 0
	}
}

func orderRank(value any) int {
	switch value.(type) {
	case nil:
		return 0
	case bool:
		return 1
	case float64:
		return 2
	case string:
		return 3
	case AttachmentRef:
		return 4
	default:
		return 5
	}
}
