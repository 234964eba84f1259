package docsync

import (
	"sort"
	"sync"

	"golang.org/x/exp/maps"
)

// store-owned document state. All access goes through the document mutex,
// so merges on one document serialize while unrelated documents merge in
// parallel.
type document struct {
	mutex sync.Mutex

	collection string
	id         DocumentId

	// top-level field -> merged value tree, tombstoned keys included
	fields map[string]*Value
	// top-level field -> store apply sequence of the last change
	fieldSeqs map[string]uint64
	// top-level field -> peer the last change arrived from (zero id = local)
	fieldOrigins map[string]Id
	// top-level field -> cached serialized size
	fieldSizes map[string]ByteCount

	sizeByteCount ByteCount
	maxSeq        uint64
}

func newDocument(collection string, id DocumentId) *document {
	return &document{
		collection:    collection,
		id:            id,
		fields:        map[string]*Value{},
		fieldSeqs:     map[string]uint64{},
		fieldOrigins:  map[string]Id{},
		fieldSizes:    map[string]ByteCount{},
		sizeByteCount: documentBaseSizeByteCount(collection, id),
	}
}

func documentBaseSizeByteCount(collection string, id DocumentId) ByteCount {
	return ByteCount(len(collection)) + ByteCount(len(id)) + 32
}

// an immutable, fully merged view of one document. Reads never observe a
// partially applied delta: the snapshot is taken under the document lock.
type DocumentSnapshot struct {
	Collection    string
	Id            DocumentId
	Seq           uint64
	SizeByteCount ByteCount

	fields map[string]*Value
}

// snapshot must be called with the document mutex held
func (self *document) snapshot() *DocumentSnapshot {
	fields := make(map[string]*Value, len(self.fields))
	for key, field := range self.fields {
		fields[key] = field.Clone()
	}
	return &DocumentSnapshot{
		Collection:    self.collection,
		Id:            self.id,
		Seq:           self.maxSeq,
		SizeByteCount: self.sizeByteCount,
		fields:        fields,
	}
}

// Get resolves a dot-separated field path to its user-visible value.
func (self *DocumentSnapshot) Get(path string) (any, bool) {
	if path == "id" {
		return string(self.Id), true
	}
	parts := splitFieldPath(path)
	field, ok := self.fields[parts[0]]
	if !ok {
		return nil, false
	}
	node := valueAtPath(field, parts[1:])
	if node == nil {
		return nil, false
	}
	return node.Live()
}

// FieldValue exposes the raw merge state of one top-level field.
func (self *DocumentSnapshot) FieldValue(field string) (*Value, bool) {
	value, ok := self.fields[field]
	return value, ok
}

// FieldNames returns the top-level field names, tombstoned keys included,
// in sorted order.
func (self *DocumentSnapshot) FieldNames() []string {
	names := maps.Keys(self.fields)
	sort.Strings(names)
	return names
}

// Live returns the user-visible document value. Tombstoned fields and the
// reserved tombstone marker are absent.
func (self *DocumentSnapshot) Live() map[string]any {
	live := map[string]any{}
	for key, field := range self.fields {
		if key == TombstoneField {
			continue
		}
		if liveField, ok := field.Live(); ok {
			live[key] = liveField
		}
	}
	return live
}

// Tombstoned reports whether the application tombstone field is set.
// Tombstoned documents still replicate; filtering them from user-visible
// results is the observer's and query's job, never the subscription's.
func (self *DocumentSnapshot) Tombstoned() bool {
	field, ok := self.fields[TombstoneField]
	if !ok {
		return false
	}
	live, ok := field.Live()
	if !ok {
		return false
	}
	b, ok := live.(bool)
	return ok && b
}

// Husked reports whether a delete/update merge race reduced the document
// to system fields only: nothing live remains besides the tombstone marker.
func (self *DocumentSnapshot) Husked() bool {
	if len(self.fields) == 0 {
		return false
	}
	for key, field := range self.fields {
		if key == TombstoneField {
			continue
		}
		if _, ok := field.Live(); ok {
			return false
		}
	}
	return true
}
