package docsync

import (
	"fmt"
)

// ParseStatement parses one statement. Malformed syntax fails here with a
// location and is fatal to this call only.
func ParseStatement(statement string) (Statement, error) {
	tokens, err := lex(statement)
	if err != nil {
		return nil, err
	}
	self := &parser{tokens: tokens}
	parsed, err := self.parseStatement()
	if err != nil {
		return nil, err
	}
	if self.peek().kind != tokenEof {
		return nil, self.errorf("unexpected trailing input")
	}
	return parsed, nil
}

// ParsePredicate parses a standalone predicate expression, e.g. a
// subscription filter.
func ParsePredicate(predicate string) (Expr, error) {
	tokens, err := lex(predicate)
	if err != nil {
		return nil, err
	}
	self := &parser{tokens: tokens}
	expr, err := self.parseExpr()
	if err != nil {
		return nil, err
	}
	if self.peek().kind != tokenEof {
		return nil, self.errorf("unexpected trailing input")
	}
	return expr, nil
}

type parser struct {
	tokens []token
	i      int
}

func (self *parser) peek() token {
	return self.tokens[self.i]
}

func (self *parser) take() token {
	t := self.tokens[self.i]
	if t.kind != tokenEof {
		self.i += 1
	}
	return t
}

func (self *parser) takeKeyword(keyword string) bool {
	if self.peek().isKeyword(keyword) {
		self.take()
		return true
	}
	return false
}

func (self *parser) takePunct(punct string) bool {
	if self.peek().isPunct(punct) {
		self.take()
		return true
	}
	return false
}

func (self *parser) errorf(format string, a ...any) error {
	return &ParseError{
		Pos:     self.peek().pos,
		Message: fmt.Sprintf(format, a...),
	}
}

func (self *parser) expectKeyword(keyword string) error {
	if !self.takeKeyword(keyword) {
		return self.errorf("expected %s", keyword)
	}
	return nil
}

func (self *parser) expectPunct(punct string) error {
	if !self.takePunct(punct) {
		return self.errorf("expected %q", punct)
	}
	return nil
}

func (self *parser) parseStatement() (Statement, error) {
	switch {
	case self.takeKeyword("SELECT"):
		return self.parseSelect()
	case self.takeKeyword("INSERT"):
		return self.parseInsert()
	case self.takeKeyword("UPDATE"):
		return self.parseUpdate()
	case self.takeKeyword("EVICT"):
		return self.parseEvict()
	default:
		return nil, self.errorf("expected SELECT, INSERT, UPDATE, or EVICT")
	}
}

// ident, or dot-separated path
func (self *parser) parseIdent(what string) (string, error) {
	t := self.peek()
	if t.kind != tokenIdent {
		return "", self.errorf("expected %s", what)
	}
	self.take()
	return t.raw, nil
}

func (self *parser) parsePath() (string, error) {
	path, err := self.parseIdent("field path")
	if err != nil {
		return "", err
	}
	for self.takePunct(".") {
		part, err := self.parseIdent("field path part")
		if err != nil {
			return "", err
		}
		path += "." + part
	}
	return path, nil
}

var aggregateKeywords = map[string]AggregateKind{
	"COUNT": AggregateCount,
	"SUM":   AggregateSum,
	"AVG":   AggregateAvg,
	"MIN":   AggregateMin,
	"MAX":   AggregateMax,
}

func (self *parser) parseSelect() (*SelectStatement, error) {
	selectStatement := &SelectStatement{
		Limit:  -1,
		Offset: 0,
	}
	selectStatement.Distinct = self.takeKeyword("DISTINCT")

	if self.takePunct("*") {
		selectStatement.Star = true
	} else {
		for {
			item, err := self.parseSelectItem()
			if err != nil {
				return nil, err
			}
			selectStatement.Items = append(selectStatement.Items, item)
			if !self.takePunct(",") {
				break
			}
		}
	}

	if err := self.expectKeyword("FROM"); err != nil {
		return nil, err
	}
	collection, err := self.parseIdent("collection name")
	if err != nil {
		return nil, err
	}
	selectStatement.Collection = collection

	if self.takeKeyword("WHERE") {
		where, err := self.parseExpr()
		if err != nil {
			return nil, err
		}
		selectStatement.Where = where
	}

	if self.takeKeyword("GROUP") {
		if err := self.expectKeyword("BY"); err != nil {
			return nil, err
		}
		groupBy, err := self.parsePath()
		if err != nil {
			return nil, err
		}
		selectStatement.GroupBy = groupBy
	}

	if self.takeKeyword("ORDER") {
		if err := self.expectKeyword("BY"); err != nil {
			return nil, err
		}
		for {
			path, err := self.parsePath()
			if err != nil {
				return nil, err
			}
			term := OrderTerm{Path: path}
			if self.takeKeyword("DESC") {
				term.Desc = true
			} else {
				self.takeKeyword("ASC")
			}
			selectStatement.OrderBy = append(selectStatement.OrderBy, term)
			if !self.takePunct(",") {
				break
			}
		}
	}

	if self.takeKeyword("LIMIT") {
		limit, err := self.parseCount("LIMIT")
		if err != nil {
			return nil, err
		}
		selectStatement.Limit = limit
	}
	if self.takeKeyword("OFFSET") {
		offset, err := self.parseCount("OFFSET")
		if err != nil {
			return nil, err
		}
		selectStatement.Offset = offset
	}

	return selectStatement, nil
}

func (self *parser) parseSelectItem() (SelectItem, error) {
	t := self.peek()
	if t.kind == tokenIdent {
		if aggregate, ok := aggregateKeywords[t.text]; ok && self.tokens[self.i+1].isPunct("(") {
			self.take()
			self.take()
			item := SelectItem{Aggregate: aggregate}
			if self.takePunct("*") {
				if aggregate != AggregateCount {
					return SelectItem{}, self.errorf("%s requires a field path", aggregate)
				}
			} else {
				path, err := self.parsePath()
				if err != nil {
					return SelectItem{}, err
				}
				item.Path = path
			}
			if err := self.expectPunct(")"); err != nil {
				return SelectItem{}, err
			}
			return item, nil
		}
	}
	path, err := self.parsePath()
	if err != nil {
		return SelectItem{}, err
	}
	return SelectItem{Path: path}, nil
}

func (self *parser) parseCount(what string) (int, error) {
	t := self.peek()
	if t.kind != tokenNumber || t.number < 0 || t.number != float64(int(t.number)) {
		return 0, self.errorf("%s requires a non-negative integer", what)
	}
	self.take()
	return int(t.number), nil
}

func (self *parser) parseInsert() (*InsertStatement, error) {
	if err := self.expectKeyword("INTO"); err != nil {
		return nil, err
	}
	collection, err := self.parseIdent("collection name")
	if err != nil {
		return nil, err
	}
	if err := self.expectKeyword("VALUES"); err != nil {
		return nil, err
	}
	doc, err := self.parseObject()
	if err != nil {
		return nil, err
	}
	insertStatement := &InsertStatement{
		Collection: collection,
		Doc:        doc,
		OnConflict: ConflictFail,
	}
	if self.takeKeyword("ON") {
		if err := self.expectKeyword("ID"); err != nil {
			return nil, err
		}
		if err := self.expectKeyword("CONFLICT"); err != nil {
			return nil, err
		}
		if err := self.expectKeyword("DO"); err != nil {
			return nil, err
		}
		switch {
		case self.takeKeyword("FAIL"):
			insertStatement.OnConflict = ConflictFail
		case self.takeKeyword("NOTHING"):
			insertStatement.OnConflict = ConflictDoNothing
		case self.takeKeyword("UPDATE_LOCAL_DIFF"):
			insertStatement.OnConflict = ConflictDoUpdateLocalDiff
		case self.takeKeyword("UPDATE"):
			insertStatement.OnConflict = ConflictDoUpdate
		default:
			return nil, self.errorf("expected FAIL, NOTHING, UPDATE, or UPDATE_LOCAL_DIFF")
		}
	}
	return insertStatement, nil
}

func (self *parser) parseUpdate() (*UpdateStatement, error) {
	collection, err := self.parseIdent("collection name")
	if err != nil {
		return nil, err
	}
	if err := self.expectKeyword("SET"); err != nil {
		return nil, err
	}
	updateStatement := &UpdateStatement{
		Collection: collection,
	}
	for {
		path, err := self.parsePath()
		if err != nil {
			return nil, err
		}
		if err := self.expectPunct("="); err != nil {
			return nil, err
		}
		value, err := self.parseValueExpr()
		if err != nil {
			return nil, err
		}
		updateStatement.Sets = append(updateStatement.Sets, SetClause{Path: path, Value: value})
		if !self.takePunct(",") {
			break
		}
	}
	if self.takeKeyword("WHERE") {
		where, err := self.parseExpr()
		if err != nil {
			return nil, err
		}
		updateStatement.Where = where
	}
	return updateStatement, nil
}

func (self *parser) parseEvict() (*EvictStatement, error) {
	if err := self.expectKeyword("FROM"); err != nil {
		return nil, err
	}
	collection, err := self.parseIdent("collection name")
	if err != nil {
		return nil, err
	}
	evictStatement := &EvictStatement{
		Collection: collection,
		Limit:      -1,
	}
	if self.takeKeyword("WHERE") {
		where, err := self.parseExpr()
		if err != nil {
			return nil, err
		}
		evictStatement.Where = where
	}
	if self.takeKeyword("LIMIT") {
		limit, err := self.parseCount("LIMIT")
		if err != nil {
			return nil, err
		}
		evictStatement.Limit = limit
	}
	return evictStatement, nil
}

// expressions, precedence OR < AND < NOT < comparison

func (self *parser) parseExpr() (Expr, error) {
	return self.parseOr()
}

func (self *parser) parseOr() (Expr, error) {
	left, err := self.parseAnd()
	if err != nil {
		return nil, err
	}
	for {
		pos := self.peek().pos
		if !self.takeKeyword("OR") {
			return left, nil
		}
		right, err := self.parseAnd()
		if err != nil {
			return nil, err
		}
		left = &BinaryExpr{Op: OpOr, Left: left, Right: right, pos: pos}
	}
}

func (self *parser) parseAnd() (Expr, error) {
	left, err := self.parseNot()
	if err != nil {
		return nil, err
	}
	for {
		pos := self.peek().pos
		if !self.takeKeyword("AND") {
			return left, nil
		}
		right, err := self.parseNot()
		if err != nil {
			return nil, err
		}
		left = &BinaryExpr{Op: OpAnd, Left: left, Right: right, pos: pos}
	}
}

func (self *parser) parseNot() (Expr, error) {
	pos := self.peek().pos
	if self.takeKeyword("NOT") {
		operand, err := self.parseNot()
		if err != nil {
			return nil, err
		}
		return &NotExpr{Operand: operand, pos: pos}, nil
	}
	return self.parsePredicate()
}

var comparisonOps = map[string]BinaryOp{
	"=":  OpEq,
	"!=": OpNeq,
	"<":  OpLt,
	"<=": OpLte,
	">":  OpGt,
	">=": OpGte,
}

func (self *parser) parsePredicate() (Expr, error) {
	operand, err := self.parseOperand()
	if err != nil {
		return nil, err
	}

	t := self.peek()
	if t.kind == tokenPunct {
		if op, ok := comparisonOps[t.text]; ok {
			self.take()
			right, err := self.parseOperand()
			if err != nil {
				return nil, err
			}
			return &BinaryExpr{Op: op, Left: operand, Right: right, pos: t.pos}, nil
		}
	}

	not := false
	if t.isKeyword("NOT") && (self.tokens[self.i+1].isKeyword("IN") || self.tokens[self.i+1].isKeyword("LIKE")) {
		self.take()
		not = true
		t = self.peek()
	}

	switch {
	case self.takeKeyword("IN"):
		items, err := self.parseInItems()
		if err != nil {
			return nil, err
		}
		return &InExpr{Operand: operand, Items: items, Not: not, pos: t.pos}, nil
	case self.takeKeyword("LIKE"):
		pattern, err := self.parseOperand()
		if err != nil {
			return nil, err
		}
		return &LikeExpr{Operand: operand, Pattern: pattern, Not: not, pos: t.pos}, nil
	case self.takeKeyword("IS"):
		isNot := self.takeKeyword("NOT")
		if err := self.expectKeyword("NULL"); err != nil {
			return nil, err
		}
		return &IsNullExpr{Operand: operand, Not: isNot, pos: t.pos}, nil
	}

	return operand, nil
}

func (self *parser) parseInItems() (Expr, error) {
	if self.peek().kind == tokenParam {
		t := self.take()
		return &ParamExpr{Name: t.text, pos: t.pos}, nil
	}
	pos := self.peek().pos
	if err := self.expectPunct("("); err != nil {
		return nil, err
	}
	array := &ArrayExpr{pos: pos}
	if !self.takePunct(")") {
		for {
			item, err := self.parseOperand()
			if err != nil {
				return nil, err
			}
			array.Items = append(array.Items, item)
			if !self.takePunct(",") {
				break
			}
		}
		if err := self.expectPunct(")"); err != nil {
			return nil, err
		}
	}
	return array, nil
}

var typeGuards = map[string]bool{
	"IS_STRING":     true,
	"IS_NUMBER":     true,
	"IS_BOOL":       true,
	"IS_MAP":        true,
	"IS_COUNTER":    true,
	"IS_ATTACHMENT": true,
}

func (self *parser) parseOperand() (Expr, error) {
	t := self.peek()
	switch t.kind {
	case tokenString:
		self.take()
		return &LiteralExpr{Value: t.text, pos: t.pos}, nil
	case tokenNumber:
		self.take()
		return &LiteralExpr{Value: t.number, pos: t.pos}, nil
	case tokenParam:
		self.take()
		return &ParamExpr{Name: t.text, pos: t.pos}, nil
	case tokenIdent:
		switch {
		case t.text == "TRUE":
			self.take()
			return &LiteralExpr{Value: true, pos: t.pos}, nil
		case t.text == "FALSE":
			self.take()
			return &LiteralExpr{Value: false, pos: t.pos}, nil
		case t.text == "NULL":
			self.take()
			return &LiteralExpr{Value: nil, pos: t.pos}, nil
		case typeGuards[t.text]:
			self.take()
			if err := self.expectPunct("("); err != nil {
				return nil, err
			}
			path, err := self.parsePath()
			if err != nil {
				return nil, err
			}
			if err := self.expectPunct(")"); err != nil {
				return nil, err
			}
			return &TypeGuardExpr{Guard: t.text, Path: path, pos: t.pos}, nil
		default:
			path, err := self.parsePath()
			if err != nil {
				return nil, err
			}
			return &PathExpr{Path: path, pos: t.pos}, nil
		}
	case tokenPunct:
		if t.text == "(" {
			self.take()
			inner, err := self.parseExpr()
			if err != nil {
				return nil, err
			}
			if err := self.expectPunct(")"); err != nil {
				return nil, err
			}
			return inner, nil
		}
	}
	return nil, self.errorf("expected a value or field path")
}

var valueCalls = map[string]int{
	"COUNTER":           1,
	"COUNTER_INCREMENT": 1,
	"COUNTER_RESTART":   1,
	"ATTACHMENT":        1,
}

// a value expression usable in INSERT documents and UPDATE SET clauses
func (self *parser) parseValueExpr() (Expr, error) {
	t := self.peek()
	switch t.kind {
	case tokenString:
		self.take()
		return &LiteralExpr{Value: t.text, pos: t.pos}, nil
	case tokenNumber:
		self.take()
		return &LiteralExpr{Value: t.number, pos: t.pos}, nil
	case tokenParam:
		self.take()
		return &ParamExpr{Name: t.text, pos: t.pos}, nil
	case tokenIdent:
		switch {
		case t.text == "TRUE":
			self.take()
			return &LiteralExpr{Value: true, pos: t.pos}, nil
		case t.text == "FALSE":
			self.take()
			return &LiteralExpr{Value: false, pos: t.pos}, nil
		case t.text == "NULL":
			self.take()
			return &LiteralExpr{Value: nil, pos: t.pos}, nil
		default:
			if argCount, ok := valueCalls[t.text]; ok && self.tokens[self.i+1].isPunct("(") {
				self.take()
				self.take()
				call := &CallExpr{Name: t.text, pos: t.pos}
				for i := 0; i < argCount; i += 1 {
					if 0 < i {
						if err := self.expectPunct(","); err != nil {
							return nil, err
						}
					}
					arg, err := self.parseValueExpr()
					if err != nil {
						return nil, err
					}
					call.Args = append(call.Args, arg)
				}
				if err := self.expectPunct(")"); err != nil {
					return nil, err
				}
				return call, nil
			}
			return nil, self.errorf("expected a value")
		}
	case tokenPunct:
		if t.text == "{" {
			return self.parseObject()
		}
	}
	return nil, self.errorf("expected a value")
}

func (self *parser) parseObject() (*ObjectExpr, error) {
	pos := self.peek().pos
	if err := self.expectPunct("{"); err != nil {
		return nil, err
	}
	object := &ObjectExpr{pos: pos}
	if self.takePunct("}") {
		return object, nil
	}
	for {
		key, err := self.parseObjectKey()
		if err != nil {
			return nil, err
		}
		value, err := self.parseObjectValue()
		if err != nil {
			return nil, err
		}
		object.Keys = append(object.Keys, key)
		object.Values = append(object.Values, value)
		if !self.takePunct(",") {
			break
		}
	}
	if err := self.expectPunct("}"); err != nil {
		return nil, err
	}
	return object, nil
}

func (self *parser) parseObjectKey() (string, error) {
	t := self.peek()
	switch t.kind {
	case tokenIdent:
		self.take()
		return t.raw, nil
	case tokenString:
		self.take()
		return t.text, nil
	default:
		return "", self.errorf("expected object key")
	}
}

// object values follow a ':' separator. Written with no whitespace, the
// separator and a bare word lex as one param token (`status:pending`);
// re-interpret literal words in that case.
func (self *parser) parseObjectValue() (Expr, error) {
	t := self.peek()
	if t.kind == tokenParam {
		self.take()
		switch t.text {
		case "true", "TRUE":
			return &LiteralExpr{Value: true, pos: t.pos}, nil
		case "false", "FALSE":
			return &LiteralExpr{Value: false, pos: t.pos}, nil
		case "null", "NULL":
			return &LiteralExpr{Value: nil, pos: t.pos}, nil
		default:
			return &ParamExpr{Name: t.text, pos: t.pos}, nil
		}
	}
	if err := self.expectPunct(":"); err != nil {
		return nil, err
	}
	if self.peek().kind == tokenParam {
		p := self.take()
		return &ParamExpr{Name: p.text, pos: p.pos}, nil
	}
	return self.parseValueExpr()
}
