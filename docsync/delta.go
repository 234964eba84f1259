package docsync

// a per-field delta for one document. Fields carry full merge state for
// the touched top-level paths only; untouched fields never travel.
// Deltas merge idempotently, so duplicate or reordered delivery is safe.
type Delta struct {
	Collection string
	Id         DocumentId

	// top-level field -> merge state
	Fields map[string]*Value

	// sender-local apply sequence. The receiver acks the highest sequence
	// it has applied, and the sender resumes from that cursor after a
	// disconnect.
	Seq uint64
}

func (self *Delta) maxClock() uint64 {
	var clock uint64
	for _, field := range self.Fields {
		clock = max(clock, maxClockOfValue(field))
	}
	return clock
}

func maxClockOfValue(value *Value) uint64 {
	if value == nil {
		return 0
	}
	clock := value.version.Clock
	if value.counter != nil {
		clock = max(clock, value.counter.baseVersion.Clock)
	}
	for _, field := range value.mapFields {
		clock = max(clock, maxClockOfValue(field))
	}
	return clock
}

// result of applying one delta
type MergeResult struct {
	Changed       bool
	Created       bool
	ChangedFields []string
	Seq           uint64
	SizeByteCount ByteCount
	SizeWarning   bool
}
