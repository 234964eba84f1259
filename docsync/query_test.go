package docsync

import (
	"testing"

	"github.com/go-playground/assert/v2"
)

func newTestExecutor() *Executor {
	a, _, _ := testWriters()
	return NewExecutor(NewStoreWithDefaults(a))
}

func mustExec(t *testing.T, executor *Executor, statement string, params map[string]any) *QueryResult {
	result, err := executor.Execute(statement, params)
	assert.Equal(t, err, nil)
	return result
}

func TestParseErrors(t *testing.T) {
	executor := newTestExecutor()

	_, err := executor.Execute("SELEC * FROM orders", nil)
	parseErr, ok := err.(*ParseError)
	assert.Equal(t, ok, true)
	assert.Equal(t, parseErr.Pos.Line, 1)
	assert.Equal(t, parseErr.Pos.Column, 1)

	_, err = executor.Execute("SELECT * FROM orders WHERE", nil)
	_, ok = err.(*ParseError)
	assert.Equal(t, ok, true)

	_, err = executor.Execute("SELECT * FROM orders WHERE status = 'open", nil)
	parseErr, ok = err.(*ParseError)
	assert.Equal(t, ok, true)
	assert.Equal(t, parseErr.Message, "unterminated string")

	// a parse error never touches the store
	assert.Equal(t, executor.Store().MaxSeq(), uint64(0))
}

func TestInsertAndSelect(t *testing.T) {
	executor := newTestExecutor()

	result := mustExec(t, executor,
		"INSERT INTO orders VALUES {id: 'o1', status: 'pending', total: 10, address: {city: 'provo'}}", nil)
	assert.Equal(t, result.MutationCount, 1)

	mustExec(t, executor,
		"INSERT INTO orders VALUES {id: 'o2', status: 'shipped', total: 25}", nil)

	result = mustExec(t, executor, "SELECT * FROM orders WHERE status = 'pending'", nil)
	assert.Equal(t, len(result.Items), 1)
	assert.Equal(t, result.Items[0].Id(), DocumentId("o1"))

	city, err := result.Items[0].Get("address.city")
	assert.Equal(t, err, nil)
	assert.Equal(t, city, "provo")

	// projection
	result = mustExec(t, executor, "SELECT status, total FROM orders WHERE id = 'o2'", nil)
	assert.Equal(t, len(result.Items), 1)
	values, err := result.Items[0].Values()
	assert.Equal(t, err, nil)
	assert.Equal(t, values, map[string]any{
		"status": "shipped",
		"total":  float64(25),
	})

	// params
	result = mustExec(t, executor, "SELECT * FROM orders WHERE total > :min", map[string]any{"min": 20})
	assert.Equal(t, len(result.Items), 1)
	assert.Equal(t, result.Items[0].Id(), DocumentId("o2"))
}

func TestInsertCompositeId(t *testing.T) {
	executor := newTestExecutor()

	mustExec(t, executor,
		"INSERT INTO lines VALUES {id: {order: 'o1', line: 2}, sku: 'widget'}", nil)

	// the stored id is the canonical composition of the key fields
	id := RequireComposeDocumentId(map[string]any{"order": "o1", "line": 2})
	assert.Equal(t, executor.Store().Contains("lines", id), true)

	// key order does not matter: same composite id
	result, err := executor.Execute(
		"INSERT INTO lines VALUES {id: {line: 2, order: 'o1'}, sku: 'widget'}", nil)
	assert.Equal(t, err, nil)
	assert.Equal(t, result.MutationCount, 0)

	// key fields can come from params
	mustExec(t, executor,
		"INSERT INTO lines VALUES {id: {order: :order, line: 3}, sku: 'gadget'}",
		map[string]any{"order": "o1"})
	other := RequireComposeDocumentId(map[string]any{"order": "o1", "line": 3})
	assert.Equal(t, executor.Store().Contains("lines", other), true)

	_, conflictErr := executor.Execute(
		"INSERT INTO lines VALUES {id: {line: 2, order: 'o1'}, sku: 'other'} ON ID CONFLICT DO FAIL", nil)
	_, ok := conflictErr.(*ConflictError)
	assert.Equal(t, ok, true)
}

func TestConflictPolicies(t *testing.T) {
	executor := newTestExecutor()
	store := executor.Store()

	mustExec(t, executor, "INSERT INTO orders VALUES {id: 'o1', status: 'pending', total: 10}", nil)

	// default policy fails on the existing id
	_, err := executor.Execute("INSERT INTO orders VALUES {id: 'o1', status: 'other'}", nil)
	_, ok := err.(*ConflictError)
	assert.Equal(t, ok, true)

	// DO NOTHING leaves the document alone
	seqBefore := store.MaxSeq()
	result := mustExec(t, executor,
		"INSERT INTO orders VALUES {id: 'o1', status: 'other'} ON ID CONFLICT DO NOTHING", nil)
	assert.Equal(t, result.MutationCount, 0)
	assert.Equal(t, store.MaxSeq(), seqBefore)

	// DO UPDATE merges every field, changed or not
	result = mustExec(t, executor,
		"INSERT INTO orders VALUES {id: 'o1', status: 'pending', total: 10} ON ID CONFLICT DO UPDATE", nil)
	assert.Equal(t, result.MutationCount, 1)

	// DO UPDATE_LOCAL_DIFF with identical content produces no delta
	seqBefore = store.MaxSeq()
	result = mustExec(t, executor,
		"INSERT INTO orders VALUES {id: 'o1', status: 'pending', total: 10} ON ID CONFLICT DO UPDATE_LOCAL_DIFF", nil)
	assert.Equal(t, result.MutationCount, 0)
	assert.Equal(t, store.MaxSeq(), seqBefore)

	// changing one field among several produces a delta touching only it
	mustExec(t, executor,
		"INSERT INTO orders VALUES {id: 'o1', status: 'packed', total: 10} ON ID CONFLICT DO UPDATE_LOCAL_DIFF", nil)
	deltas := store.ProduceDeltas(seqBefore, Id{})
	assert.Equal(t, len(deltas), 1)
	assert.Equal(t, len(deltas[0].Fields), 1)
	_, ok = deltas[0].Fields["status"]
	assert.Equal(t, ok, true)
}

func TestUpdate(t *testing.T) {
	executor := newTestExecutor()

	mustExec(t, executor, "INSERT INTO orders VALUES {id: 'o1', status: 'pending', address: {city: 'provo', zip: '84601'}}", nil)
	mustExec(t, executor, "INSERT INTO orders VALUES {id: 'o2', status: 'pending'}", nil)

	result := mustExec(t, executor, "UPDATE orders SET status = 'shipped' WHERE status = 'pending'", nil)
	assert.Equal(t, result.MutationCount, 2)

	// a nested path update leaves sibling keys untouched
	seqBefore := executor.Store().MaxSeq()
	mustExec(t, executor, "UPDATE orders SET address.city = 'orem' WHERE id = 'o1'", nil)
	snapshot := executor.Store().Get("orders", "o1")
	address, _ := snapshot.Get("address")
	assert.Equal(t, address, map[string]any{"city": "orem", "zip": "84601"})

	deltas := executor.Store().ProduceDeltas(seqBefore, Id{})
	assert.Equal(t, len(deltas), 1)
	assert.Equal(t, len(deltas[0].Fields), 1)
}

func TestUpdateCounter(t *testing.T) {
	executor := newTestExecutor()

	mustExec(t, executor, "INSERT INTO orders VALUES {id: 'o1', total: COUNTER(40)}", nil)
	mustExec(t, executor, "UPDATE orders SET total = COUNTER_INCREMENT(5) WHERE id = 'o1'", nil)
	mustExec(t, executor, "UPDATE orders SET total = COUNTER_INCREMENT(-3) WHERE id = 'o1'", nil)

	result := mustExec(t, executor, "SELECT total FROM orders WHERE id = 'o1'", nil)
	total, _ := result.Items[0].Get("total")
	assert.Equal(t, total, float64(42))

	mustExec(t, executor, "UPDATE orders SET total = COUNTER_RESTART(0) WHERE id = 'o1'", nil)
	result = mustExec(t, executor, "SELECT total FROM orders WHERE id = 'o1'", nil)
	total, _ = result.Items[0].Get("total")
	assert.Equal(t, total, float64(0))
}

func TestOrderLimitOffset(t *testing.T) {
	executor := newTestExecutor()

	mustExec(t, executor, "INSERT INTO orders VALUES {id: 'o1', total: 30}", nil)
	mustExec(t, executor, "INSERT INTO orders VALUES {id: 'o2', total: 10}", nil)
	mustExec(t, executor, "INSERT INTO orders VALUES {id: 'o3', total: 20}", nil)

	result := mustExec(t, executor, "SELECT * FROM orders ORDER BY total DESC", nil)
	assert.Equal(t, result.Items[0].Id(), DocumentId("o1"))
	assert.Equal(t, result.Items[1].Id(), DocumentId("o3"))
	assert.Equal(t, result.Items[2].Id(), DocumentId("o2"))

	result = mustExec(t, executor, "SELECT * FROM orders ORDER BY total LIMIT 1 OFFSET 1", nil)
	assert.Equal(t, len(result.Items), 1)
	assert.Equal(t, result.Items[0].Id(), DocumentId("o3"))
}

func TestAggregates(t *testing.T) {
	executor := newTestExecutor()

	mustExec(t, executor, "INSERT INTO orders VALUES {id: 'o1', status: 'open', total: 10}", nil)
	mustExec(t, executor, "INSERT INTO orders VALUES {id: 'o2', status: 'open', total: 30}", nil)
	mustExec(t, executor, "INSERT INTO orders VALUES {id: 'o3', status: 'done', total: 5}", nil)

	result := mustExec(t, executor, "SELECT COUNT(*), SUM(total), MIN(total), MAX(total), AVG(total) FROM orders", nil)
	assert.Equal(t, len(result.Items), 1)
	values, _ := result.Items[0].Values()
	assert.Equal(t, values["COUNT(*)"], float64(3))
	assert.Equal(t, values["SUM(total)"], float64(45))
	assert.Equal(t, values["MIN(total)"], float64(5))
	assert.Equal(t, values["MAX(total)"], float64(30))
	assert.Equal(t, values["AVG(total)"], float64(15))

	result = mustExec(t, executor, "SELECT COUNT(*), SUM(total) FROM orders GROUP BY status", nil)
	assert.Equal(t, len(result.Items), 2)
	// groups order by key
	valuesDone, _ := result.Items[0].Values()
	assert.Equal(t, valuesDone["status"], "done")
	assert.Equal(t, valuesDone["SUM(total)"], float64(5))
	valuesOpen, _ := result.Items[1].Values()
	assert.Equal(t, valuesOpen["status"], "open")
	assert.Equal(t, valuesOpen["COUNT(*)"], float64(2))
}

func TestAggregateRowAtomicity(t *testing.T) {
	executor := newTestExecutor()

	mustExec(t, executor, "INSERT INTO orders VALUES {id: 'o1', total: 10, weight: 2}", nil)
	mustExec(t, executor, "INSERT INTO orders VALUES {id: 'o2', total: 'n/a', weight: 3}", nil)
	mustExec(t, executor, "INSERT INTO orders VALUES {id: 'o3', total: 30, weight: 'heavy'}", nil)

	// a mismatch on any aggregate input drops the whole row from every
	// aggregate, never leaving it half-counted
	result := mustExec(t, executor, "SELECT COUNT(*), SUM(total), SUM(weight) FROM orders", nil)
	assert.Equal(t, len(result.Items), 1)
	values, _ := result.Items[0].Values()
	assert.Equal(t, values["COUNT(*)"], float64(1))
	assert.Equal(t, values["SUM(total)"], float64(10))
	assert.Equal(t, values["SUM(weight)"], float64(2))
	assert.Equal(t, len(result.Skipped), 2)
}

func TestTypeMismatchSkips(t *testing.T) {
	executor := newTestExecutor()

	mustExec(t, executor, "INSERT INTO orders VALUES {id: 'o1', total: 10}", nil)
	mustExec(t, executor, "INSERT INTO orders VALUES {id: 'o2', total: 'n/a'}", nil)

	// the mismatching document is skipped and reported, not fatal
	result := mustExec(t, executor, "SELECT * FROM orders WHERE total > 5", nil)
	assert.Equal(t, len(result.Items), 1)
	assert.Equal(t, len(result.Skipped), 1)
	assert.Equal(t, result.Skipped[0].Id, DocumentId("o2"))

	// a type guard makes the filtering silent
	result = mustExec(t, executor, "SELECT * FROM orders WHERE IS_NUMBER(total) AND total > 5", nil)
	assert.Equal(t, len(result.Items), 1)
	assert.Equal(t, len(result.Skipped), 0)
}

func TestTombstoneVisibility(t *testing.T) {
	executor := newTestExecutor()

	mustExec(t, executor, "INSERT INTO orders VALUES {id: 'o1', status: 'open'}", nil)
	mustExec(t, executor, "INSERT INTO orders VALUES {id: 'o2', status: 'open'}", nil)
	mustExec(t, executor, "UPDATE orders SET _deleted = TRUE WHERE id = 'o1'", nil)

	// tombstoned documents are filtered from ordinary queries
	result := mustExec(t, executor, "SELECT * FROM orders", nil)
	assert.Equal(t, len(result.Items), 1)
	assert.Equal(t, result.Items[0].Id(), DocumentId("o2"))

	// naming the tombstone field makes them visible
	result = mustExec(t, executor, "SELECT * FROM orders WHERE _deleted = TRUE", nil)
	assert.Equal(t, len(result.Items), 1)
	assert.Equal(t, result.Items[0].Id(), DocumentId("o1"))
}

func TestEvictStatement(t *testing.T) {
	executor := newTestExecutor()

	for _, id := range []string{"o1", "o2", "o3"} {
		mustExec(t, executor, "INSERT INTO orders VALUES {id: '"+id+"', done: TRUE}", nil)
	}

	seqBefore := executor.Store().MaxSeq()
	result := mustExec(t, executor, "EVICT FROM orders WHERE done = TRUE LIMIT 2", nil)
	assert.Equal(t, result.MutationCount, 2)

	result = mustExec(t, executor, "EVICT FROM orders WHERE done = TRUE LIMIT 2", nil)
	assert.Equal(t, result.MutationCount, 1)

	// eviction never produces replicable deltas
	assert.Equal(t, executor.Store().MaxSeq(), seqBefore)
	assert.Equal(t, len(executor.Store().ProduceDeltas(0, Id{})), 0)
}

func TestDistinct(t *testing.T) {
	executor := newTestExecutor()

	mustExec(t, executor, "INSERT INTO orders VALUES {id: 'o1', status: 'open'}", nil)
	mustExec(t, executor, "INSERT INTO orders VALUES {id: 'o2', status: 'open'}", nil)
	mustExec(t, executor, "INSERT INTO orders VALUES {id: 'o3', status: 'done'}", nil)

	result := mustExec(t, executor, "SELECT DISTINCT status FROM orders", nil)
	assert.Equal(t, len(result.Items), 2)

	// distinct over the unique id skips the dedup pass entirely
	result = mustExec(t, executor, "SELECT DISTINCT id FROM orders", nil)
	assert.Equal(t, len(result.Items), 3)
	assert.Equal(t, result.distinctNoOp, true)
}

func TestInLikeNull(t *testing.T) {
	executor := newTestExecutor()

	mustExec(t, executor, "INSERT INTO users VALUES {id: 'u1', name: 'ada', email: 'ada@x.io'}", nil)
	mustExec(t, executor, "INSERT INTO users VALUES {id: 'u2', name: 'bob'}", nil)

	result := mustExec(t, executor, "SELECT * FROM users WHERE name IN ('ada', 'carol')", nil)
	assert.Equal(t, len(result.Items), 1)

	result = mustExec(t, executor, "SELECT * FROM users WHERE email LIKE 'ada%'", nil)
	assert.Equal(t, len(result.Items), 1)

	result = mustExec(t, executor, "SELECT * FROM users WHERE email IS NULL", nil)
	assert.Equal(t, len(result.Items), 1)
	assert.Equal(t, result.Items[0].Id(), DocumentId("u2"))

	result = mustExec(t, executor, "SELECT * FROM users WHERE name IN :names", map[string]any{
		"names": []any{"ada", "bob"},
	})
	assert.Equal(t, len(result.Items), 2)
}

func TestCursorInvalidation(t *testing.T) {
	executor := newTestExecutor()
	mustExec(t, executor, "INSERT INTO orders VALUES {id: 'o1', status: 'open'}", nil)

	result := mustExec(t, executor, "SELECT * FROM orders", nil)
	item := result.Items[0]
	status, err := item.Get("status")
	assert.Equal(t, err, nil)
	assert.Equal(t, status, "open")

	item.invalidate()
	_, err = item.Get("status")
	assert.Equal(t, err, ErrCursorInvalidated)
	_, err = item.Values()
	assert.Equal(t, err, ErrCursorInvalidated)
}
