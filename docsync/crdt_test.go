package docsync

import (
	"testing"

	"github.com/go-playground/assert/v2"
)

func testWriters() (Id, Id, Id) {
	a := RequireIdFromBytes([]byte("aaaaaaaaaaaaaaaa"))
	b := RequireIdFromBytes([]byte("bbbbbbbbbbbbbbbb"))
	c := RequireIdFromBytes([]byte("cccccccccccccccc"))
	return a, b, c
}

func TestRegisterMerge(t *testing.T) {
	a, b, _ := testWriters()

	older := StringValue("draft", FieldVersion{Clock: 1, Writer: a})
	newer := StringValue("final", FieldVersion{Clock: 2, Writer: b})

	assert.Equal(t, Merge(older, newer), newer)
	assert.Equal(t, Merge(newer, older), newer)

	// same clock breaks ties on writer id, both orders agree
	left := StringValue("left", FieldVersion{Clock: 5, Writer: a})
	right := StringValue("right", FieldVersion{Clock: 5, Writer: b})
	assert.Equal(t, Merge(left, right), Merge(right, left))
	assert.Equal(t, Merge(left, right), right)
}

func TestMergeLaws(t *testing.T) {
	a, b, c := testWriters()

	x := StringValue("x", FieldVersion{Clock: 3, Writer: a})
	y := NumberValue(7, FieldVersion{Clock: 3, Writer: b})
	z := MapValue(map[string]*Value{
		"city": StringValue("provo", FieldVersion{Clock: 2, Writer: c}),
	}, FieldVersion{Clock: 2, Writer: c})

	// commutative
	assert.Equal(t, ValueEqual(Merge(x, y), Merge(y, x)), true)
	assert.Equal(t, ValueEqual(Merge(y, z), Merge(z, y)), true)
	// associative
	assert.Equal(t, ValueEqual(Merge(Merge(x, y), z), Merge(x, Merge(y, z))), true)
	// idempotent
	assert.Equal(t, ValueEqual(Merge(x, x), x), true)
	assert.Equal(t, Merge(z, z), z)
}

func TestCrossKindConflict(t *testing.T) {
	a, b, _ := testWriters()

	// concurrent register write and map write on the same path: the most
	// recent version wins regardless of kind
	register := StringValue("plain", FieldVersion{Clock: 9, Writer: a})
	mapValue := MapValue(map[string]*Value{
		"nested": BoolValue(true, FieldVersion{Clock: 4, Writer: b}),
	}, FieldVersion{Clock: 4, Writer: b})

	assert.Equal(t, Merge(register, mapValue), register)
	assert.Equal(t, Merge(mapValue, register), register)

	// the map's subtree version counts: a deep recent write protects it
	deepMap := MapValue(map[string]*Value{
		"nested": BoolValue(true, FieldVersion{Clock: 12, Writer: b}),
	}, FieldVersion{Clock: 4, Writer: b})
	assert.Equal(t, Merge(register, deepMap), deepMap)
}

func TestMapMerge(t *testing.T) {
	a, b, _ := testWriters()

	left := MapValue(map[string]*Value{
		"city": StringValue("provo", FieldVersion{Clock: 1, Writer: a}),
		"zip":  StringValue("84601", FieldVersion{Clock: 1, Writer: a}),
	}, FieldVersion{Clock: 1, Writer: a})
	right := MapValue(map[string]*Value{
		"city":  StringValue("orem", FieldVersion{Clock: 2, Writer: b}),
		"state": StringValue("ut", FieldVersion{Clock: 2, Writer: b}),
	}, FieldVersion{Clock: 2, Writer: b})

	merged := Merge(left, right)
	live, ok := merged.Live()
	assert.Equal(t, ok, true)
	assert.Equal(t, live, map[string]any{
		"city":  "orem",
		"zip":   "84601",
		"state": "ut",
	})

	// merging in the same state again returns the identical value
	assert.Equal(t, Merge(merged, right), merged)
}

func TestTombstonedMapKey(t *testing.T) {
	a, b, _ := testWriters()

	value := MapValue(map[string]*Value{
		"email": StringValue("x@y.z", FieldVersion{Clock: 1, Writer: a}),
		"phone": StringValue("555", FieldVersion{Clock: 1, Writer: a}),
	}, FieldVersion{Clock: 1, Writer: a})
	removal := MapValue(map[string]*Value{
		"phone": TombstoneValue(FieldVersion{Clock: 2, Writer: b}),
	}, FieldVersion{Clock: 2, Writer: b})

	merged := Merge(value, removal)
	live, ok := merged.Live()
	assert.Equal(t, ok, true)
	assert.Equal(t, live, map[string]any{"email": "x@y.z"})

	// the tombstone is retained in merge state for replication
	phone, ok := merged.MapField("phone")
	assert.Equal(t, ok, true)
	assert.Equal(t, phone.Kind(), ValueKindTombstone)
}

func TestCounterMerge(t *testing.T) {
	a, b, _ := testWriters()

	base := CounterValue(0, FieldVersion{Clock: 1, Writer: a})

	// both writers increment concurrently from the same base
	onA := CounterIncrement(base, 5, FieldVersion{Clock: 2, Writer: a})
	onB := CounterIncrement(base, -2, FieldVersion{Clock: 2, Writer: b})

	merged := Merge(onA, onB)
	live, _ := merged.Live()
	assert.Equal(t, live, float64(3))

	// merge is idempotent against duplicate delivery
	again := Merge(merged, onB)
	liveAgain, _ := again.Live()
	assert.Equal(t, liveAgain, float64(3))

	// repeated increments by one writer take the max totals, not the sum
	onA2 := CounterIncrement(onA, 5, FieldVersion{Clock: 3, Writer: a})
	mergedTwice := Merge(Merge(onA2, onB), Merge(onA, onB))
	liveTwice, _ := mergedTwice.Live()
	assert.Equal(t, liveTwice, float64(8))
}

func TestCounterRestart(t *testing.T) {
	a, b, _ := testWriters()

	counter := CounterValue(100, FieldVersion{Clock: 1, Writer: a})
	counter = CounterIncrement(counter, 50, FieldVersion{Clock: 2, Writer: a})

	restarted := CounterRestart(counter, 0, FieldVersion{Clock: 3, Writer: b})
	live, _ := restarted.Live()
	assert.Equal(t, live, float64(0))

	// the new epoch dominates stale pre-restart increments in any order
	stale := CounterIncrement(counter, 7, FieldVersion{Clock: 3, Writer: a})
	merged := Merge(stale, restarted)
	liveMerged, _ := merged.Live()
	assert.Equal(t, liveMerged, float64(0))
	assert.Equal(t, ValueEqual(Merge(restarted, stale), merged), true)

	// increments after the restart apply within the new epoch
	after := CounterIncrement(restarted, 4, FieldVersion{Clock: 4, Writer: a})
	liveAfter, _ := Merge(after, stale).Live()
	assert.Equal(t, liveAfter, float64(4))
}

func TestEquivalentLive(t *testing.T) {
	a, b, _ := testWriters()

	// same user-visible value written by different writers at different
	// times is equivalent
	x := StringValue("same", FieldVersion{Clock: 1, Writer: a})
	y := StringValue("same", FieldVersion{Clock: 9, Writer: b})
	assert.Equal(t, EquivalentLive(x, y), true)
	assert.Equal(t, ValueEqual(x, y), false)

	m1 := MapValue(map[string]*Value{
		"k": NumberValue(1, FieldVersion{Clock: 1, Writer: a}),
	}, FieldVersion{Clock: 1, Writer: a})
	m2 := MapValue(map[string]*Value{
		"k": NumberValue(1, FieldVersion{Clock: 2, Writer: b}),
	}, FieldVersion{Clock: 2, Writer: b})
	assert.Equal(t, EquivalentLive(m1, m2), true)

	m3 := MapValue(map[string]*Value{
		"k": NumberValue(2, FieldVersion{Clock: 3, Writer: b}),
	}, FieldVersion{Clock: 3, Writer: b})
	assert.Equal(t, EquivalentLive(m1, m3), false)
}

func TestValuePaths(t *testing.T) {
	a, _, _ := testWriters()
	version := FieldVersion{Clock: 1, Writer: a}

	leaf := StringValue("slc", version)
	node := valueForPath([]string{"address", "home", "city"}, leaf, version)

	found := valueAtPath(node, []string{"home", "city"})
	assert.Equal(t, found, leaf)
	assert.Equal(t, valueAtPath(node, []string{"home", "zip"}), nil)
	assert.Equal(t, valueAtPath(leaf, []string{"nested"}), nil)
}
