package docsync

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync/atomic"

	"github.com/golang/glog"

	"golang.org/x/exp/maps"
)

var ErrCursorInvalidated = errors.New("result cursor used after the delivery callback returned")

// ResultItem is a lazily materialized cursor into storage. Consumers must
// extract concrete values while they hold the item; the observer pipeline
// invalidates delivered items once the delivery callback returns.
type ResultItem struct {
	invalidated atomic.Bool

	id       DocumentId
	snapshot *DocumentSnapshot
	values   map[string]any
}

func (self *ResultItem) Id() DocumentId {
	return self.id
}

// Get resolves a field path, or a projected/aggregate output name.
func (self *ResultItem) Get(path string) (any, error) {
	if self.invalidated.Load() {
		return nil, ErrCursorInvalidated
	}
	if self.values != nil {
		if value, ok := self.values[path]; ok {
			return value, nil
		}
	}
	if self.snapshot != nil {
		value, _ := self.snapshot.Get(path)
		return value, nil
	}
	return nil, nil
}

// Values extracts all output values as a concrete map the consumer owns.
func (self *ResultItem) Values() (map[string]any, error) {
	if self.invalidated.Load() {
		return nil, ErrCursorInvalidated
	}
	if self.values != nil {
		values := map[string]any{}
		maps.Copy(values, self.values)
		return values, nil
	}
	if self.snapshot != nil {
		live := self.snapshot.Live()
		live["id"] = string(self.id)
		return live, nil
	}
	return map[string]any{}, nil
}

func (self *ResultItem) invalidate() {
	self.invalidated.Store(true)
}

type QueryResult struct {
	Items         []*ResultItem
	MutationCount int
	// documents skipped on evaluation type mismatch. Empty when the
	// predicate carried a type guard: guarded mismatches filter silently.
	Skipped []*TypeMismatchError

	// set when DISTINCT targeted the globally unique id and no
	// deduplication pass was materialized
	distinctNoOp bool
}

// Executor parses and runs statements against a store. All mutations pass
// through here and decompose into per-field merges: there is no
// field-blind overwrite that bypasses per-field clocks.
type Executor struct {
	store *Store
}

func NewExecutor(store *Store) *Executor {
	return &Executor{
		store: store,
	}
}

func (self *Executor) Store() *Store {
	return self.store
}

func (self *Executor) Execute(statement string, params map[string]any) (*QueryResult, error) {
	parsed, err := ParseStatement(statement)
	if err != nil {
		return nil, err
	}
	return self.ExecuteParsed(parsed, params)
}

func (self *Executor) ExecuteParsed(parsed Statement, params map[string]any) (*QueryResult, error) {
	switch v := parsed.(type) {
	case *SelectStatement:
		return self.executeSelect(v, params)
	case *InsertStatement:
		return self.executeInsert(v, params)
	case *UpdateStatement:
		return self.executeUpdate(v, params)
	case *EvictStatement:
		return self.executeEvict(v, params)
	default:
		return nil, fmt.Errorf("unknown statement type %T", parsed)
	}
}

// collectMatches scans the collection applying the predicate before
// anything buffers. Tombstoned documents are filtered from user-visible
// results unless the predicate names the tombstone field explicitly.
// limit < 0 scans everything; limit 0.. stops early, which is what turns
// existence checks into LIMIT 1 scans instead of full counts.
func (self *Executor) collectMatches(
	collection string,
	where Expr,
	params map[string]any,
	limit int,
) ([]*DocumentSnapshot, []*TypeMismatchError) {
	guarded := exprHasTypeGuard(where)
	seesTombstones := exprReferencesField(where, TombstoneField)

	matches := []*DocumentSnapshot{}
	skipped := []*TypeMismatchError{}
	self.store.Scan(collection, func(snapshot *DocumentSnapshot) bool {
		if !seesTombstones && snapshot.Tombstoned() {
			return true
		}
		ok, err := evalPredicate(snapshot, where, params)
		if err != nil {
			var mismatch *TypeMismatchError
			if errors.As(err, &mismatch) && !guarded {
				mismatch.Collection = collection
				mismatch.Id = snapshot.Id
				skipped = append(skipped, mismatch)
			}
			return true
		}
		if ok {
			matches = append(matches, snapshot)
			if 0 <= limit && limit <= len(matches) {
				return false
			}
		}
		return true
	})
	return matches, skipped
}

// exists stops at the first match rather than counting
func (self *Executor) exists(collection string, where Expr, params map[string]any) bool {
	matches, _ := self.collectMatches(collection, where, params, 1)
	return 0 < len(matches)
}

func (self *Executor) executeSelect(selectStatement *SelectStatement, params map[string]any) (*QueryResult, error) {
	// a full scan is only avoidable without ordering or aggregation
	scanLimit := -1
	if selectStatement.Limit != -1 &&
		len(selectStatement.OrderBy) == 0 &&
		!selectStatement.hasAggregates() &&
		selectStatement.GroupBy == "" &&
		!selectStatement.Distinct {
		scanLimit = selectStatement.Limit + selectStatement.Offset
	}

	matches, skipped := self.collectMatches(selectStatement.Collection, selectStatement.Where, params, scanLimit)
	result := &QueryResult{
		Skipped: skipped,
	}

	if selectStatement.hasAggregates() || selectStatement.GroupBy != "" {
		items, aggregateSkipped, err := self.aggregate(selectStatement, matches)
		if err != nil {
			return nil, err
		}
		result.Items = items
		result.Skipped = append(result.Skipped, aggregateSkipped...)
		self.orderValueItems(selectStatement, result.Items)
		result.Items = sliceWindow(result.Items, selectStatement.Offset, selectStatement.Limit)
		return result, nil
	}

	if 0 < len(selectStatement.OrderBy) {
		orderBy := selectStatement.OrderBy
		sort.SliceStable(matches, func(i int, j int) bool {
			for _, term := range orderBy {
				a, _ := matches[i].Get(term.Path)
				b, _ := matches[j].Get(term.Path)
				cmp := orderCompare(a, b)
				if cmp != 0 {
					if term.Desc {
						return 0 < cmp
					}
					return cmp < 0
				}
			}
			return matches[i].Id < matches[j].Id
		})
	}

	items := make([]*ResultItem, 0, len(matches))
	for _, snapshot := range matches {
		items = append(items, self.projectItem(selectStatement, snapshot))
	}

	if selectStatement.Distinct {
		if self.distinctIsNoOp(selectStatement) {
			// the key is globally unique already; recognize rather
			// than materialize
			result.distinctNoOp = true
		} else {
			items = dedupeItems(items)
		}
	}

	result.Items = sliceWindow(items, selectStatement.Offset, selectStatement.Limit)
	return result, nil
}

// DISTINCT on the primary id (or a component of a composite id) is a no-op
func (self *Executor) distinctIsNoOp(selectStatement *SelectStatement) bool {
	if selectStatement.Star {
		return true
	}
	for _, item := range selectStatement.Items {
		if item.Path == "id" {
			return true
		}
	}
	return false
}

func (self *Executor) projectItem(selectStatement *SelectStatement, snapshot *DocumentSnapshot) *ResultItem {
	item := &ResultItem{
		id:       snapshot.Id,
		snapshot: snapshot,
	}
	if !selectStatement.Star {
		values := map[string]any{}
		for _, selectItem := range selectStatement.Items {
			value, _ := snapshot.Get(selectItem.Path)
			values[selectItem.Path] = value
		}
		item.values = values
	}
	return item
}

func dedupeItems(items []*ResultItem) []*ResultItem {
	seen := map[string]bool{}
	deduped := []*ResultItem{}
	for _, item := range items {
		key := distinctKey(item)
		if seen[key] {
			continue
		}
		seen[key] = true
		deduped = append(deduped, item)
	}
	return deduped
}

func distinctKey(item *ResultItem) string {
	keys := maps.Keys(item.values)
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, key := range keys {
		parts = append(parts, fmt.Sprintf("%s=%v", key, item.values[key]))
	}
	return strings.Join(parts, "|")
}

func aggregateLabel(item SelectItem) string {
	if item.Aggregate == AggregateNone {
		return item.Path
	}
	if item.Path == "" {
		return fmt.Sprintf("%s(*)", item.Aggregate)
	}
	return fmt.Sprintf("%s(%s)", item.Aggregate, item.Path)
}

type aggregateGroup struct {
	key    any
	counts map[int]int
	sums   map[int]float64
	mins   map[int]float64
	maxs   map[int]float64
}

func (self *Executor) aggregate(selectStatement *SelectStatement, matches []*DocumentSnapshot) ([]*ResultItem, []*TypeMismatchError, error) {
	guarded := exprHasTypeGuard(selectStatement.Where)
	skipped := []*TypeMismatchError{}

	groupKeys := []string{}
	groups := map[string]*aggregateGroup{}

	for _, snapshot := range matches {
		var key any
		keyText := ""
		if selectStatement.GroupBy != "" {
			key, _ = snapshot.Get(selectStatement.GroupBy)
			keyText = fmt.Sprintf("%s:%v", typeName(key), key)
		}
		group, ok := groups[keyText]
		if !ok {
			group = &aggregateGroup{
				key:    key,
				counts: map[int]int{},
				sums:   map[int]float64{},
				mins:   map[int]float64{},
				maxs:   map[int]float64{},
			}
			groups[keyText] = group
			groupKeys = append(groupKeys, keyText)
		}

		// evaluate every input first: a mismatch anywhere skips the whole
		// row, never a half-accumulated one
		numberInputs := map[int]float64{}
		countInputs := []int{}
		mismatched := false
		for i, item := range selectStatement.Items {
			if item.Aggregate == AggregateNone {
				continue
			}
			if item.Aggregate == AggregateCount && item.Path == "" {
				continue
			}
			value, ok := snapshot.Get(item.Path)
			if !ok || value == nil {
				continue
			}
			if item.Aggregate == AggregateCount {
				countInputs = append(countInputs, i)
				continue
			}
			number, isNumber := value.(float64)
			if !isNumber {
				if !guarded {
					skipped = append(skipped, &TypeMismatchError{
						Collection: selectStatement.Collection,
						Id:         snapshot.Id,
						Path:       item.Path,
						Message:    fmt.Sprintf("%s requires a number, got %s", item.Aggregate, typeName(value)),
					})
				}
				mismatched = true
				break
			}
			numberInputs[i] = number
		}
		if mismatched {
			continue
		}

		for _, i := range countInputs {
			group.counts[i] += 1
		}
		for i, number := range numberInputs {
			group.sums[i] += number
			if group.counts[i] == 0 || number < group.mins[i] {
				group.mins[i] = number
			}
			if group.counts[i] == 0 || group.maxs[i] < number {
				group.maxs[i] = number
			}
			group.counts[i] += 1
		}
		// COUNT(*) counts every row that accumulated
		for i, item := range selectStatement.Items {
			if item.Aggregate == AggregateCount && item.Path == "" {
				group.counts[i] += 1
			}
		}
	}

	items := make([]*ResultItem, 0, len(groups))
	for _, keyText := range groupKeys {
		group := groups[keyText]
		values := map[string]any{}
		if selectStatement.GroupBy != "" {
			values[selectStatement.GroupBy] = group.key
		}
		for i, item := range selectStatement.Items {
			label := aggregateLabel(item)
			switch item.Aggregate {
			case AggregateNone:
				// bare paths alongside aggregates resolve per group key
				values[label] = group.key
			case AggregateCount:
				values[label] = float64(group.counts[i])
			case AggregateSum:
				values[label] = group.sums[i]
			case AggregateAvg:
				if group.counts[i] == 0 {
					values[label] = nil
				} else {
					values[label] = group.sums[i] / float64(group.counts[i])
				}
			case AggregateMin:
				if group.counts[i] == 0 {
					values[label] = nil
				} else {
					values[label] = group.mins[i]
				}
			case AggregateMax:
				if group.counts[i] == 0 {
					values[label] = nil
				} else {
					values[label] = group.maxs[i]
				}
			}
		}
		items = append(items, &ResultItem{values: values})
	}
	return items, skipped, nil
}

func (self *Executor) orderValueItems(selectStatement *SelectStatement, items []*ResultItem) {
	orderBy := selectStatement.OrderBy
	if len(orderBy) == 0 && selectStatement.GroupBy != "" {
		orderBy = []OrderTerm{{Path: selectStatement.GroupBy}}
	}
	if len(orderBy) == 0 {
		return
	}
	sort.SliceStable(items, func(i int, j int) bool {
		for _, term := range orderBy {
			a := items[i].values[term.Path]
			b := items[j].values[term.Path]
			cmp := orderCompare(a, b)
			if cmp != 0 {
				if term.Desc {
					return 0 < cmp
				}
				return cmp < 0
			}
		}
		return false
	})
}

func sliceWindow[T any](items []T, offset int, limit int) []T {
	if len(items) <= offset {
		return []T{}
	}
	items = items[offset:]
	if 0 <= limit && limit < len(items) {
		items = items[:limit]
	}
	return items
}

// mutations

func (self *Executor) executeInsert(insertStatement *InsertStatement, params map[string]any) (*QueryResult, error) {
	id, fieldExprs, err := self.insertFields(insertStatement, params)
	if err != nil {
		return nil, err
	}

	delta := &Delta{
		Collection: insertStatement.Collection,
		Id:         id,
		Fields:     map[string]*Value{},
	}

	if insertStatement.OnConflict == ConflictDoUpdateLocalDiff && self.store.Contains(insertStatement.Collection, id) {
		// read the current document once, compare field by field, and
		// let the comparison buffer go before returning: unchanged
		// fields must produce no delta at all
		current := self.store.Get(insertStatement.Collection, id)
		for fieldName, fieldExpr := range fieldExprs {
			version := self.store.NextVersion()
			candidate, err := self.buildValue(fieldExpr, params, version)
			if err != nil {
				return nil, err
			}
			if current != nil {
				if currentField, ok := current.FieldValue(fieldName); ok && EquivalentLive(currentField, candidate) {
					continue
				}
			}
			delta.Fields[fieldName] = candidate
		}
	} else {
		// merge all fields, even unchanged ones
		for fieldName, fieldExpr := range fieldExprs {
			version := self.store.NextVersion()
			value, err := self.buildValue(fieldExpr, params, version)
			if err != nil {
				return nil, err
			}
			delta.Fields[fieldName] = value
		}
	}

	if len(delta.Fields) == 0 {
		return &QueryResult{MutationCount: 0}, nil
	}

	var mergeResult *MergeResult
	switch insertStatement.OnConflict {
	case ConflictFail, ConflictDoNothing:
		// the existence check and the merge share the document lock, so
		// two racing inserts of one id cannot both create it
		mergeResult, err = self.store.ApplyDeltaCreate(delta, Id{})
		var conflict *ConflictError
		if errors.As(err, &conflict) {
			if insertStatement.OnConflict == ConflictDoNothing {
				return &QueryResult{MutationCount: 0}, nil
			}
			return nil, conflict
		}
	default:
		mergeResult, err = self.store.ApplyDelta(delta, Id{})
	}
	if err != nil {
		return nil, err
	}
	mutationCount := 0
	if mergeResult.Changed {
		mutationCount = 1
	}
	return &QueryResult{MutationCount: mutationCount}, nil
}

func (self *Executor) insertFields(insertStatement *InsertStatement, params map[string]any) (DocumentId, map[string]Expr, error) {
	fieldExprs := map[string]Expr{}
	var id DocumentId
	idSeen := false
	for i, key := range insertStatement.Doc.Keys {
		valueExpr := insertStatement.Doc.Values[i]
		if key == "id" {
			value, err := evalIdExpr(valueExpr, params)
			if err != nil {
				return "", nil, err
			}
			switch v := value.(type) {
			case string:
				id = DocumentId(v)
			case map[string]any:
				composed, err := ComposeDocumentId(v)
				if err != nil {
					return "", nil, &ParseError{Pos: valueExpr.Pos(), Message: err.Error()}
				}
				id = composed
			default:
				return "", nil, &ParseError{Pos: valueExpr.Pos(), Message: fmt.Sprintf("id must be a string or composite key map, got %s", typeName(value))}
			}
			idSeen = true
			continue
		}
		fieldExprs[key] = valueExpr
	}
	if !idSeen {
		return "", nil, &ParseError{Pos: insertStatement.Doc.Pos(), Message: "insert document requires an id field"}
	}
	return id, fieldExprs, nil
}

// evalIdExpr evaluates the id expression of an insert document. Unlike
// predicate expressions, the id position accepts an object literal, which
// becomes a composite key map.
func evalIdExpr(expr Expr, params map[string]any) (any, error) {
	if object, ok := expr.(*ObjectExpr); ok {
		keyFields := map[string]any{}
		for i, key := range object.Keys {
			value, err := evalExpr(nil, object.Values[i], params)
			if err != nil {
				return nil, err
			}
			keyFields[key] = value
		}
		return keyFields, nil
	}
	return evalExpr(nil, expr, params)
}

// buildValue turns a value expression into merge state. Lists are not
// mergeable: model lists as maps keyed by id and resolve cross-references
// with a second query.
func (self *Executor) buildValue(expr Expr, params map[string]any, version FieldVersion) (*Value, error) {
	switch v := expr.(type) {
	case *LiteralExpr:
		return self.buildScalar(v.Value, expr, version)
	case *ParamExpr:
		value, ok := params[v.Name]
		if !ok {
			return nil, &ParseError{Pos: v.Pos(), Message: fmt.Sprintf("missing parameter :%s", v.Name)}
		}
		return self.buildScalar(normalizeScalar(value), expr, version)
	case *ObjectExpr:
		fields := map[string]*Value{}
		for i, key := range v.Keys {
			field, err := self.buildValue(v.Values[i], params, version)
			if err != nil {
				return nil, err
			}
			fields[key] = field
		}
		return MapValue(fields, version), nil
	case *CallExpr:
		return self.buildCallValue(v, params, version, nil)
	default:
		return nil, &ParseError{Pos: expr.Pos(), Message: "expected a value"}
	}
}

func (self *Executor) buildScalar(value any, expr Expr, version FieldVersion) (*Value, error) {
	switch v := value.(type) {
	case nil:
		return NullValue(version), nil
	case bool:
		return BoolValue(v, version), nil
	case float64:
		return NumberValue(v, version), nil
	case string:
		return StringValue(v, version), nil
	case AttachmentRef:
		return AttachmentValue(v.Token, version), nil
	case map[string]any:
		fields := map[string]*Value{}
		for key, fieldValue := range v {
			field, err := self.buildScalar(normalizeScalar(fieldValue), expr, version)
			if err != nil {
				return nil, err
			}
			fields[key] = field
		}
		return MapValue(fields, version), nil
	default:
		return nil, &ParseError{Pos: expr.Pos(), Message: fmt.Sprintf("%s values are not mergeable", typeName(value))}
	}
}

// buildCallValue evaluates a value constructor. current is the existing
// merge state at the target path, when known (UPDATE SET).
func (self *Executor) buildCallValue(call *CallExpr, params map[string]any, version FieldVersion, current *Value) (*Value, error) {
	number := func() (int64, error) {
		value, err := evalExpr(nil, call.Args[0], params)
		if err != nil {
			return 0, err
		}
		n, ok := value.(float64)
		if !ok {
			return 0, &ParseError{Pos: call.Pos(), Message: fmt.Sprintf("%s requires a number argument", call.Name)}
		}
		return int64(n), nil
	}
	switch call.Name {
	case "COUNTER":
		n, err := number()
		if err != nil {
			return nil, err
		}
		return CounterValue(n, version), nil
	case "COUNTER_INCREMENT":
		n, err := number()
		if err != nil {
			return nil, err
		}
		return CounterIncrement(current, n, version), nil
	case "COUNTER_RESTART":
		n, err := number()
		if err != nil {
			return nil, err
		}
		return CounterRestart(current, n, version), nil
	case "ATTACHMENT":
		value, err := evalExpr(nil, call.Args[0], params)
		if err != nil {
			return nil, err
		}
		token, ok := value.(string)
		if !ok {
			return nil, &ParseError{Pos: call.Pos(), Message: "ATTACHMENT requires a string token"}
		}
		return AttachmentValue(token, version), nil
	default:
		return nil, &ParseError{Pos: call.Pos(), Message: fmt.Sprintf("unknown value constructor %s", call.Name)}
	}
}

// executeUpdate applies field-level merges to every matching document.
// This is the canonical low-sync-cost path: only the SET paths produce
// deltas, never the whole document.
func (self *Executor) executeUpdate(updateStatement *UpdateStatement, params map[string]any) (*QueryResult, error) {
	matches, skipped := self.collectMatches(updateStatement.Collection, updateStatement.Where, params, -1)
	result := &QueryResult{
		Skipped: skipped,
	}

	for _, snapshot := range matches {
		delta := &Delta{
			Collection: updateStatement.Collection,
			Id:         snapshot.Id,
			Fields:     map[string]*Value{},
		}
		for _, setClause := range updateStatement.Sets {
			// each clause gets its own clock tick so later clauses on
			// the same path deterministically win
			version := self.store.NextVersion()
			parts := splitFieldPath(setClause.Path)

			var leaf *Value
			if call, ok := setClause.Value.(*CallExpr); ok {
				var current *Value
				if topField, ok := snapshot.FieldValue(parts[0]); ok {
					current = valueAtPath(topField, parts[1:])
				}
				built, err := self.buildCallValue(call, params, version, current)
				if err != nil {
					return nil, err
				}
				leaf = built
			} else {
				built, err := self.buildValue(setClause.Value, params, version)
				if err != nil {
					return nil, err
				}
				leaf = built
			}

			node := valueForPath(parts, leaf, version)
			delta.Fields[parts[0]] = Merge(delta.Fields[parts[0]], node)
		}

		mergeResult, err := self.store.ApplyDelta(delta, Id{})
		if err != nil {
			return nil, err
		}
		if mergeResult.Changed {
			result.MutationCount += 1
		}
	}
	return result, nil
}

// executeEvict removes matching documents from local storage only. No
// tombstone merge is emitted and nothing replicates.
func (self *Executor) executeEvict(evictStatement *EvictStatement, params map[string]any) (*QueryResult, error) {
	// eviction predicates see tombstoned documents: clearing out
	// tombstones is the common case
	guarded := exprHasTypeGuard(evictStatement.Where)
	skipped := []*TypeMismatchError{}
	ids := []DocumentId{}
	self.store.Scan(evictStatement.Collection, func(snapshot *DocumentSnapshot) bool {
		ok, err := evalPredicate(snapshot, evictStatement.Where, params)
		if err != nil {
			var mismatch *TypeMismatchError
			if errors.As(err, &mismatch) && !guarded {
				mismatch.Collection = evictStatement.Collection
				mismatch.Id = snapshot.Id
				skipped = append(skipped, mismatch)
			}
			return true
		}
		if ok {
			ids = append(ids, snapshot.Id)
			if 0 <= evictStatement.Limit && evictStatement.Limit <= len(ids) {
				return false
			}
		}
		return true
	})

	evictedCount := self.store.Evict(evictStatement.Collection, ids)
	glog.V(1).Infof("[exec]evict %s count=%d", evictStatement.Collection, evictedCount)
	return &QueryResult{
		MutationCount: evictedCount,
		Skipped:       skipped,
	}, nil
}
