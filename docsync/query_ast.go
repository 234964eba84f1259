package docsync

// statements and expressions for the query surface:
//
//	SELECT [DISTINCT] fields|aggregates FROM collection
//	    [WHERE predicate] [GROUP BY path] [ORDER BY path [DESC], ...]
//	    [LIMIT n] [OFFSET n]
//	INSERT INTO collection VALUES {...}
//	    [ON ID CONFLICT DO {FAIL|NOTHING|UPDATE|UPDATE_LOCAL_DIFF}]
//	UPDATE collection SET path = value, ... [WHERE predicate]
//	EVICT FROM collection [WHERE predicate] [LIMIT n]
//
// There are no joins: statements address exactly one collection.

type Statement interface {
	stmt()
}

type ConflictPolicy int

const (
	// surface a ConflictError on an existing id (the default)
	ConflictFail ConflictPolicy = iota
	ConflictDoNothing
	// merge all fields, even unchanged ones; always produces a delta
	ConflictDoUpdate
	// diff against current local state first; unchanged fields produce
	// no delta
	ConflictDoUpdateLocalDiff
)

type AggregateKind int

const (
	AggregateNone AggregateKind = iota
	AggregateCount
	AggregateSum
	AggregateAvg
	AggregateMin
	AggregateMax
)

func (self AggregateKind) String() string {
	switch self {
	case AggregateCount:
		return "COUNT"
	case AggregateSum:
		return "SUM"
	case AggregateAvg:
		return "AVG"
	case AggregateMin:
		return "MIN"
	case AggregateMax:
		return "MAX"
	default:
		return ""
	}
}

type SelectItem struct {
	// field path, or the aggregate argument path ("" for COUNT(*))
	Path      string
	Aggregate AggregateKind
}

type OrderTerm struct {
	Path string
	Desc bool
}

type SelectStatement struct {
	Collection string
	// empty with Star set selects the whole document
	Star     bool
	Distinct bool
	Items    []SelectItem
	Where    Expr
	GroupBy  string
	OrderBy  []OrderTerm
	// -1 when absent
	Limit  int
	Offset int
}

func (self *SelectStatement) stmt() {}

func (self *SelectStatement) hasAggregates() bool {
	for _, item := range self.Items {
		if item.Aggregate != AggregateNone {
			return true
		}
	}
	return false
}

type InsertStatement struct {
	Collection string
	Doc        *ObjectExpr
	OnConflict ConflictPolicy
}

func (self *InsertStatement) stmt() {}

type SetClause struct {
	Path  string
	Value Expr
}

type UpdateStatement struct {
	Collection string
	Sets       []SetClause
	Where      Expr
}

func (self *UpdateStatement) stmt() {}

type EvictStatement struct {
	Collection string
	Where      Expr
	// -1 when absent; bounds one eviction pass
	Limit int
}

func (self *EvictStatement) stmt() {}

// expressions

type Expr interface {
	Pos() Position
}

type BinaryOp int

const (
	OpAnd BinaryOp = iota
	OpOr
	OpEq
	OpNeq
	OpLt
	OpLte
	OpGt
	OpGte
)

type BinaryExpr struct {
	Op    BinaryOp
	Left  Expr
	Right Expr
	pos   Position
}

func (self *BinaryExpr) Pos() Position { return self.pos }

type NotExpr struct {
	Operand Expr
	pos     Position
}

func (self *NotExpr) Pos() Position { return self.pos }

type PathExpr struct {
	Path string
	pos  Position
}

func (self *PathExpr) Pos() Position { return self.pos }

// string, float64, bool, or nil
type LiteralExpr struct {
	Value any
	pos   Position
}

func (self *LiteralExpr) Pos() Position { return self.pos }

type ParamExpr struct {
	Name string
	pos  Position
}

func (self *ParamExpr) Pos() Position { return self.pos }

type ObjectExpr struct {
	Keys   []string
	Values []Expr
	pos    Position
}

func (self *ObjectExpr) Pos() Position { return self.pos }

type ArrayExpr struct {
	Items []Expr
	pos   Position
}

func (self *ArrayExpr) Pos() Position { return self.pos }

type InExpr struct {
	Operand Expr
	Items   Expr
	Not     bool
	pos     Position
}

func (self *InExpr) Pos() Position { return self.pos }

// prefix match: '%' in the pattern matches any run of characters
type LikeExpr struct {
	Operand Expr
	Pattern Expr
	Not     bool
	pos     Position
}

func (self *LikeExpr) Pos() Position { return self.pos }

type IsNullExpr struct {
	Operand Expr
	Not     bool
	pos     Position
}

func (self *IsNullExpr) Pos() Position { return self.pos }

// defensive type guard, e.g. IS_NUMBER(total). Evaluates to a bool and
// never to a type mismatch, so guarded predicates filter silently.
type TypeGuardExpr struct {
	Guard string
	Path  string
	pos   Position
}

func (self *TypeGuardExpr) Pos() Position { return self.pos }

// value constructors usable in INSERT values and UPDATE SET:
// COUNTER(n), COUNTER_INCREMENT(n), COUNTER_RESTART(n), ATTACHMENT(token)
type CallExpr struct {
	Name string
	Args []Expr
	pos  Position
}

func (self *CallExpr) Pos() Position { return self.pos }

// exprReferencesField reports whether the expression mentions the given
// top-level field anywhere. Used to reject subscription predicates that
// filter on the tombstone field, and to let ad-hoc predicates that name it
// see tombstoned documents.
func exprReferencesField(expr Expr, field string) bool {
	switch v := expr.(type) {
	case nil:
		return false
	case *BinaryExpr:
		return exprReferencesField(v.Left, field) || exprReferencesField(v.Right, field)
	case *NotExpr:
		return exprReferencesField(v.Operand, field)
	case *PathExpr:
		return splitFieldPath(v.Path)[0] == field
	case *InExpr:
		return exprReferencesField(v.Operand, field) || exprReferencesField(v.Items, field)
	case *LikeExpr:
		return exprReferencesField(v.Operand, field) || exprReferencesField(v.Pattern, field)
	case *IsNullExpr:
		return exprReferencesField(v.Operand, field)
	case *TypeGuardExpr:
		return splitFieldPath(v.Path)[0] == field
	case *ArrayExpr:
		for _, item := range v.Items {
			if exprReferencesField(item, field) {
				return true
			}
		}
		return false
	case *ObjectExpr:
		for _, value := range v.Values {
			if exprReferencesField(value, field) {
				return true
			}
		}
		return false
	case *CallExpr:
		for _, arg := range v.Args {
			if exprReferencesField(arg, field) {
				return true
			}
		}
		return false
	default:
		return false
	}
}

// exprHasTypeGuard reports whether the predicate carries any defensive
// type guard. With a guard present, evaluation type mismatches filter
// silently instead of being reported as per-document skips.
func exprHasTypeGuard(expr Expr) bool {
	switch v := expr.(type) {
	case nil:
		return false
	case *BinaryExpr:
		return exprHasTypeGuard(v.Left) || exprHasTypeGuard(v.Right)
	case *NotExpr:
		return exprHasTypeGuard(v.Operand)
	case *TypeGuardExpr:
		return true
	case *InExpr:
		return exprHasTypeGuard(v.Operand)
	case *LikeExpr:
		return exprHasTypeGuard(v.Operand)
	case *IsNullExpr:
		return exprHasTypeGuard(v.Operand)
	default:
		return false
	}
}
