package docsync

import (
	"fmt"
	"strings"

	"golang.org/x/exp/maps"
)

// per-field logical version. One entry of the causal clock: the logical
// time of the write and the writer that made it. Ties on the clock break
// deterministically by writer id so that every peer resolves the same way.
type FieldVersion struct {
	Clock  uint64
	Writer Id
}

func (self FieldVersion) After(other FieldVersion) bool {
	if self.Clock != other.Clock {
		return other.Clock < self.Clock
	}
	return other.Writer.Less(self.Writer)
}

func maxVersion(a FieldVersion, b FieldVersion) FieldVersion {
	if a.After(b) {
		return a
	}
	return b
}

type ValueKind int

const (
	ValueKindNull ValueKind = iota
	ValueKindBool
	ValueKindNumber
	ValueKindString
	ValueKindAttachment
	ValueKindTombstone
	ValueKindCounter
	ValueKindMap
)

func (self ValueKind) String() string {
	switch self {
	case ValueKindNull:
		return "null"
	case ValueKindBool:
		return "bool"
	case ValueKindNumber:
		return "number"
	case ValueKindString:
		return "string"
	case ValueKindAttachment:
		return "attachment"
	case ValueKindTombstone:
		return "tombstone"
	case ValueKindCounter:
		return "counter"
	case ValueKindMap:
		return "map"
	default:
		return fmt.Sprintf("kind(%d)", int(self))
	}
}

// an opaque token referencing out-of-band binary data.
// The token itself merges as a register.
type AttachmentRef struct {
	Token string
}

// a mergeable field value. Values are treated as immutable once built:
// Merge never mutates its inputs and shares unchanged subtrees.
//
// Conflict rule for concurrent writes of different kinds on one path
// (e.g. register vs map): the most recent (clock, writer) wins regardless
// of kind. A map node carries the max version of its subtree, so the
// comparison is total and every peer resolves identically.
type Value struct {
	kind    ValueKind
	version FieldVersion

	boolValue   bool
	numberValue float64
	stringValue string
	counter     *counterState
	mapFields   map[string]*Value
}

func NullValue(version FieldVersion) *Value {
	return &Value{kind: ValueKindNull, version: version}
}

func BoolValue(b bool, version FieldVersion) *Value {
	return &Value{kind: ValueKindBool, version: version, boolValue: b}
}

func NumberValue(n float64, version FieldVersion) *Value {
	return &Value{kind: ValueKindNumber, version: version, numberValue: n}
}

func StringValue(s string, version FieldVersion) *Value {
	return &Value{kind: ValueKindString, version: version, stringValue: s}
}

func AttachmentValue(token string, version FieldVersion) *Value {
	return &Value{kind: ValueKindAttachment, version: version, stringValue: token}
}

// marks a removed map key. Participates in merge and replication like any
// other value; only eviction removes state physically.
func TombstoneValue(version FieldVersion) *Value {
	return &Value{kind: ValueKindTombstone, version: version}
}

func MapValue(fields map[string]*Value, version FieldVersion) *Value {
	for _, field := range fields {
		version = maxVersion(version, field.version)
	}
	return &Value{kind: ValueKindMap, version: version, mapFields: fields}
}

func (self *Value) Kind() ValueKind {
	return self.kind
}

func (self *Value) Version() FieldVersion {
	return self.version
}

func (self *Value) MapField(key string) (*Value, bool) {
	if self.kind != ValueKindMap {
		return nil, false
	}
	field, ok := self.mapFields[key]
	return field, ok
}

// live converts to the user-visible representation. Tombstoned map keys
// are absent. Counters appear as their numeric value.
func (self *Value) Live() (any, bool) {
	switch self.kind {
	case ValueKindNull:
		return nil, true
	case ValueKindBool:
		return self.boolValue, true
	case ValueKindNumber:
		return self.numberValue, true
	case ValueKindString:
		return self.stringValue, true
	case ValueKindAttachment:
		return AttachmentRef{Token: self.stringValue}, true
	case ValueKindCounter:
		return float64(self.counter.value()), true
	case ValueKindTombstone:
		return nil, false
	case ValueKindMap:
		liveFields := map[string]any{}
		for key, field := range self.mapFields {
			if liveField, ok := field.Live(); ok {
				liveFields[key] = liveField
			}
		}
		return liveFields, true
	default:
		panic(fmt.Errorf("unknown value kind %d", self.kind))
	}
}

func (self *Value) Clone() *Value {
	clone := *self
	if self.counter != nil {
		clone.counter = self.counter.clone()
	}
	if self.mapFields != nil {
		clone.mapFields = make(map[string]*Value, len(self.mapFields))
		for key, field := range self.mapFields {
			clone.mapFields[key] = field.Clone()
		}
	}
	return &clone
}

// Merge resolves two states of one field path. It is pure, total, and
// deterministic, and satisfies for all a, b, c:
//
//	Merge(a, b) == Merge(b, a)
//	Merge(Merge(a, b), c) == Merge(a, Merge(b, c))
//	Merge(a, a) == a
func Merge(local *Value, remote *Value) *Value {
	if local == nil {
		return remote
	}
	if remote == nil {
		return local
	}
	if local.kind == ValueKindCounter && remote.kind == ValueKindCounter {
		return mergeCounter(local, remote)
	}
	if local.kind == ValueKindMap && remote.kind == ValueKindMap {
		return mergeMap(local, remote)
	}
	// register semantics, including cross-kind conflicts
	if remote.version.After(local.version) {
		return remote
	}
	return local
}

func mergeMap(local *Value, remote *Value) *Value {
	mergedFields := make(map[string]*Value, len(local.mapFields))
	changed := false
	for key, localField := range local.mapFields {
		if remoteField, ok := remote.mapFields[key]; ok {
			mergedField := Merge(localField, remoteField)
			mergedFields[key] = mergedField
			if mergedField != localField {
				changed = true
			}
		} else {
			mergedFields[key] = localField
		}
	}
	for key, remoteField := range remote.mapFields {
		if _, ok := local.mapFields[key]; !ok {
			mergedFields[key] = remoteField
			changed = true
		}
	}
	if !changed {
		return local
	}
	return MapValue(mergedFields, maxVersion(local.version, remote.version))
}

type counterEntry struct {
	pos int64
	neg int64
}

// PN-counter with restart epochs. Within an epoch each writer owns a
// monotone (pos, neg) pair and merge takes the per-writer max. A restart
// opens a new epoch with a base value; the highest epoch wins wholesale.
type counterState struct {
	epoch       uint64
	base        int64
	baseVersion FieldVersion
	// writer -> increment totals within this epoch
	increments map[Id]counterEntry
}

func (self *counterState) value() int64 {
	value := self.base
	for _, entry := range self.increments {
		value += entry.pos - entry.neg
	}
	return value
}

func (self *counterState) clone() *counterState {
	clone := &counterState{
		epoch:       self.epoch,
		base:        self.base,
		baseVersion: self.baseVersion,
		increments:  make(map[Id]counterEntry, len(self.increments)),
	}
	maps.Copy(clone.increments, self.increments)
	return clone
}

func CounterValue(initialValue int64, version FieldVersion) *Value {
	return &Value{
		kind:    ValueKindCounter,
		version: version,
		counter: &counterState{
			epoch:       0,
			base:        initialValue,
			baseVersion: version,
			increments:  map[Id]counterEntry{},
		},
	}
}

// CounterIncrement returns the counter state after this writer adds delta
// (negative for decrement). The input is not mutated.
func CounterIncrement(counter *Value, delta int64, version FieldVersion) *Value {
	if counter == nil || counter.kind != ValueKindCounter {
		// first write on this path, or the path held another kind:
		// start a fresh counter and let version precedence resolve
		next := CounterValue(0, version)
		next.counter.increments[version.Writer] = incrementEntry(counterEntry{}, delta)
		return next
	}
	state := counter.counter.clone()
	state.increments[version.Writer] = incrementEntry(state.increments[version.Writer], delta)
	return &Value{
		kind:    ValueKindCounter,
		version: maxVersion(counter.version, version),
		counter: state,
	}
}

// CounterRestart resets the counter to value without losing merge safety:
// the reset opens a new epoch that dominates all increments of prior epochs.
func CounterRestart(counter *Value, value int64, version FieldVersion) *Value {
	var epoch uint64
	if counter != nil && counter.kind == ValueKindCounter {
		epoch = counter.counter.epoch + 1
	}
	next := &Value{
		kind:    ValueKindCounter,
		version: version,
		counter: &counterState{
			epoch:       epoch,
			base:        value,
			baseVersion: version,
			increments:  map[Id]counterEntry{},
		},
	}
	if counter != nil {
		next.version = maxVersion(counter.version, version)
	}
	return next
}

func incrementEntry(entry counterEntry, delta int64) counterEntry {
	if delta < 0 {
		entry.neg += -delta
	} else {
		entry.pos += delta
	}
	return entry
}

func mergeCounter(local *Value, remote *Value) *Value {
	version := maxVersion(local.version, remote.version)
	a := local.counter
	b := remote.counter
	if a.epoch != b.epoch {
		// highest epoch wins wholesale
		winner := a
		if a.epoch < b.epoch {
			winner = b
		}
		if winner == a && version == local.version {
			return local
		}
		if winner == b && version == remote.version {
			return remote
		}
		return &Value{kind: ValueKindCounter, version: version, counter: winner.clone()}
	}

	merged := &counterState{
		epoch:      a.epoch,
		increments: make(map[Id]counterEntry, len(a.increments)),
	}
	if b.baseVersion.After(a.baseVersion) {
		merged.base = b.base
		merged.baseVersion = b.baseVersion
	} else {
		merged.base = a.base
		merged.baseVersion = a.baseVersion
	}
	maps.Copy(merged.increments, a.increments)
	for writer, remoteEntry := range b.increments {
		entry := merged.increments[writer]
		entry.pos = max(entry.pos, remoteEntry.pos)
		entry.neg = max(entry.neg, remoteEntry.neg)
		merged.increments[writer] = entry
	}
	return &Value{kind: ValueKindCounter, version: version, counter: merged}
}

// ValueEqual compares full merge state including versions.
func ValueEqual(a *Value, b *Value) bool {
	if a == nil || b == nil {
		return a == b
	}
	if a.kind != b.kind || a.version != b.version {
		return false
	}
	switch a.kind {
	case ValueKindBool:
		return a.boolValue == b.boolValue
	case ValueKindNumber:
		return a.numberValue == b.numberValue
	case ValueKindString, ValueKindAttachment:
		return a.stringValue == b.stringValue
	case ValueKindCounter:
		if a.counter.epoch != b.counter.epoch ||
			a.counter.base != b.counter.base ||
			a.counter.baseVersion != b.counter.baseVersion ||
			len(a.counter.increments) != len(b.counter.increments) {
			return false
		}
		for writer, entry := range a.counter.increments {
			if b.counter.increments[writer] != entry {
				return false
			}
		}
		return true
	case ValueKindMap:
		if len(a.mapFields) != len(b.mapFields) {
			return false
		}
		for key, field := range a.mapFields {
			if !ValueEqual(field, b.mapFields[key]) {
				return false
			}
		}
		return true
	default:
		return true
	}
}

// EquivalentLive compares user-visible values, ignoring versions and
// counter bookkeeping. This is the comparison UPDATE_LOCAL_DIFF uses to
// decide whether a field changed at all.
func EquivalentLive(a *Value, b *Value) bool {
	if a == nil || b == nil {
		return a == b
	}
	liveA, okA := a.Live()
	liveB, okB := b.Live()
	if okA != okB {
		return false
	}
	if !okA {
		return true
	}
	return liveEqual(liveA, liveB)
}

func liveEqual(a any, b any) bool {
	switch va := a.(type) {
	case map[string]any:
		vb, ok := b.(map[string]any)
		if !ok || len(va) != len(vb) {
			return false
		}
		for key, fieldA := range va {
			fieldB, ok := vb[key]
			if !ok || !liveEqual(fieldA, fieldB) {
				return false
			}
		}
		return true
	default:
		return a == b
	}
}

// approximate serialized size. Maintained per top-level field so that the
// document size thresholds never require a full re-serialization pass.
func valueSizeByteCount(value *Value) ByteCount {
	if value == nil {
		return 0
	}
	// version overhead per node
	size := ByteCount(24)
	switch value.kind {
	case ValueKindBool, ValueKindNull, ValueKindTombstone:
		size += 1
	case ValueKindNumber:
		size += 8
	case ValueKindString, ValueKindAttachment:
		size += ByteCount(len(value.stringValue)) + 4
	case ValueKindCounter:
		size += 8 + 8 + 24 + ByteCount(len(value.counter.increments))*(16+8+8)
	case ValueKindMap:
		for key, field := range value.mapFields {
			size += ByteCount(len(key)) + 4 + valueSizeByteCount(field)
		}
	}
	return size
}

// field paths are dot-separated, e.g. "address.city"
func splitFieldPath(path string) []string {
	return strings.Split(path, ".")
}

// valueAtPath descends the tree, returning nil when the path is absent or
// crosses a non-map node.
func valueAtPath(root *Value, parts []string) *Value {
	node := root
	for _, part := range parts {
		if node == nil || node.kind != ValueKindMap {
			return nil
		}
		node = node.mapFields[part]
	}
	return node
}

// valueForPath wraps leaf in nested single-key maps so the result merges
// at the given path without disturbing sibling fields. Every intermediate
// map carries the write's version.
func valueForPath(parts []string, leaf *Value, version FieldVersion) *Value {
	node := leaf
	for i := len(parts) - 1; 0 < i; i -= 1 {
		node = MapValue(map[string]*Value{parts[i]: node}, version)
	}
	return node
}
