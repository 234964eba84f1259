package docsync

import (
	"sort"
	"sync"
	"sync/atomic"

	"github.com/golang/glog"

	"golang.org/x/exp/maps"
)

type StoreSettings struct {
	WarnSizeByteCount ByteCount
	MaxSizeByteCount  ByteCount
}

func DefaultStoreSettings() *StoreSettings {
	return &StoreSettings{
		WarnSizeByteCount: DefaultWarnSizeByteCount,
		MaxSizeByteCount:  DefaultMaxSizeByteCount,
	}
}

type ChangeEvent struct {
	Collection    string
	Id            DocumentId
	Seq           uint64
	ChangedFields []string
	// peer the delta arrived from; zero id for local mutations
	Origin Id
	// set when the document left local storage without a merge
	Evicted bool
}

type ChangeListenerFunction func(event *ChangeEvent)

type SizeWarning struct {
	Collection    string
	Id            DocumentId
	SizeByteCount ByteCount
}

type SizeWarningFunction func(warning *SizeWarning)

// write-through persistence hook. Calls happen under the document lock so
// the persisted row always matches the in-memory merge state.
type storePersistence interface {
	SaveDocument(doc *persistedDocument) error
	DeleteDocument(collection string, id DocumentId) error
	SaveMeta(clock uint64, applySeq uint64) error
}

type persistedDocument struct {
	collection    string
	id            DocumentId
	fields        map[string]*Value
	fieldSeqs     map[string]uint64
	fieldOrigins  map[string]Id
	sizeByteCount ByteCount
	maxSeq        uint64
}

// Store is the single source of truth for persisted CRDT state and the
// only component that mutates it. Everything else issues intents that end
// up here as per-field merges.
//
// Merge application serializes per document; unrelated documents merge
// fully in parallel. Reads take an immutable snapshot under the document
// lock, so a read never observes a partially applied delta.
type Store struct {
	nodeId   Id
	settings *StoreSettings

	// store-wide logical clock for locally originated writes.
	// Remote merges advance it to the max clock observed.
	clock atomic.Uint64
	// store-wide monotone sequence assigned per applied delta,
	// the replication cursor unit
	applySeq atomic.Uint64

	stateLock   sync.Mutex
	collections map[string]*storeCollection

	changeCallbacks      *CallbackList[ChangeListenerFunction]
	sizeWarningCallbacks *CallbackList[SizeWarningFunction]

	persistence storePersistence
}

type storeCollection struct {
	mutex     sync.Mutex
	documents map[DocumentId]*document
}

func NewStoreWithDefaults(nodeId Id) *Store {
	return NewStore(nodeId, DefaultStoreSettings())
}

func NewStore(nodeId Id, settings *StoreSettings) *Store {
	return &Store{
		nodeId:               nodeId,
		settings:             settings,
		collections:          map[string]*storeCollection{},
		changeCallbacks:      NewCallbackList[ChangeListenerFunction](),
		sizeWarningCallbacks: NewCallbackList[SizeWarningFunction](),
	}
}

// SetPersistence attaches write-through persistence. Call before the
// store takes writes, typically right after restoring persisted state.
func (self *Store) SetPersistence(persistence storePersistence) {
	self.persistence = persistence
}

func (self *Store) NodeId() Id {
	return self.nodeId
}

func (self *Store) Settings() *StoreSettings {
	return self.settings
}

// NextVersion advances the local logical clock for one write.
func (self *Store) NextVersion() FieldVersion {
	return FieldVersion{
		Clock:  self.clock.Add(1),
		Writer: self.nodeId,
	}
}

// MaxSeq is the current replication cursor position of this store.
func (self *Store) MaxSeq() uint64 {
	return self.applySeq.Load()
}

func (self *Store) observeClock(remoteClock uint64) {
	for {
		current := self.clock.Load()
		if remoteClock <= current {
			return
		}
		if self.clock.CompareAndSwap(current, remoteClock) {
			return
		}
	}
}

func (self *Store) AddChangeListener(listener ChangeListenerFunction) func() {
	return self.changeCallbacks.Add(listener)
}

func (self *Store) AddSizeWarningListener(listener SizeWarningFunction) func() {
	return self.sizeWarningCallbacks.Add(listener)
}

func (self *Store) collection(collection string) *storeCollection {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	col, ok := self.collections[collection]
	if !ok {
		col = &storeCollection{
			documents: map[DocumentId]*document{},
		}
		self.collections[collection] = col
	}
	return col
}

// ApplyDelta merges one delta into the store. origin is the peer the delta
// arrived from, or the zero id for local mutations. The merge is all or
// nothing: a size rejection leaves the stored state for the id unchanged.
func (self *Store) ApplyDelta(delta *Delta, origin Id) (*MergeResult, error) {
	return self.applyDelta(delta, origin, false)
}

// ApplyDeltaCreate merges the delta only when no document exists for the
// id. The existence check happens under the document lock, so two racing
// creates of one id cannot both pass it.
func (self *Store) ApplyDeltaCreate(delta *Delta, origin Id) (*MergeResult, error) {
	return self.applyDelta(delta, origin, true)
}

func (self *Store) applyDelta(delta *Delta, origin Id, createOnly bool) (*MergeResult, error) {
	col := self.collection(delta.Collection)

	col.mutex.Lock()
	doc, ok := col.documents[delta.Id]
	created := false
	if !ok {
		doc = newDocument(delta.Collection, delta.Id)
		col.documents[delta.Id] = doc
		created = true
	}
	col.mutex.Unlock()

	doc.mutex.Lock()

	if createOnly && 0 < len(doc.fields) {
		doc.mutex.Unlock()
		return nil, &ConflictError{
			Collection: delta.Collection,
			Id:         delta.Id,
		}
	}

	// stage the merge so a size rejection applies nothing
	fieldNames := maps.Keys(delta.Fields)
	sort.Strings(fieldNames)
	stagedFields := map[string]*Value{}
	stagedSizes := map[string]ByteCount{}
	changedFields := []string{}
	nextSize := doc.sizeByteCount
	for _, fieldName := range fieldNames {
		current := doc.fields[fieldName]
		merged := Merge(current, delta.Fields[fieldName])
		if current != nil && ValueEqual(current, merged) {
			continue
		}
		mergedSize := valueSizeByteCount(merged)
		nextSize += mergedSize - doc.fieldSizes[fieldName]
		stagedFields[fieldName] = merged
		stagedSizes[fieldName] = mergedSize
		changedFields = append(changedFields, fieldName)
	}

	if self.settings.MaxSizeByteCount < nextSize {
		doc.mutex.Unlock()
		if created {
			self.dropIfEmpty(col, delta.Id)
		}
		return nil, &SizeLimitError{
			Collection:    delta.Collection,
			Id:            delta.Id,
			SizeByteCount: nextSize,
			MaxByteCount:  self.settings.MaxSizeByteCount,
		}
	}

	if len(changedFields) == 0 {
		seq := doc.maxSeq
		size := doc.sizeByteCount
		doc.mutex.Unlock()
		if created {
			self.dropIfEmpty(col, delta.Id)
		}
		return &MergeResult{
			Changed:       false,
			Seq:           seq,
			SizeByteCount: size,
		}, nil
	}

	// commit
	seq := self.applySeq.Add(1)
	for fieldName, merged := range stagedFields {
		doc.fields[fieldName] = merged
		doc.fieldSeqs[fieldName] = seq
		doc.fieldOrigins[fieldName] = origin
		doc.fieldSizes[fieldName] = stagedSizes[fieldName]
	}
	doc.sizeByteCount = nextSize
	doc.maxSeq = seq
	self.observeClock(delta.maxClock())

	sizeWarning := self.settings.WarnSizeByteCount < nextSize

	if self.persistence != nil {
		persisted := &persistedDocument{
			collection:    doc.collection,
			id:            doc.id,
			fields:        doc.fields,
			fieldSeqs:     doc.fieldSeqs,
			fieldOrigins:  doc.fieldOrigins,
			sizeByteCount: doc.sizeByteCount,
			maxSeq:        doc.maxSeq,
		}
		if err := self.persistence.SaveDocument(persisted); err != nil {
			glog.Errorf("[store]persist %s/%s err = %s", doc.collection, doc.id, err)
		}
		if err := self.persistence.SaveMeta(self.clock.Load(), self.applySeq.Load()); err != nil {
			glog.Errorf("[store]persist meta err = %s", err)
		}
	}
	doc.mutex.Unlock()

	sort.Strings(changedFields)
	event := &ChangeEvent{
		Collection:    delta.Collection,
		Id:            delta.Id,
		Seq:           seq,
		ChangedFields: changedFields,
		Origin:        origin,
	}
	self.notifyChange(event)
	if sizeWarning {
		warning := &SizeWarning{
			Collection:    delta.Collection,
			Id:            delta.Id,
			SizeByteCount: nextSize,
		}
		glog.Infof("[store]document %s/%s is %d bytes, above the warn threshold %d", delta.Collection, delta.Id, nextSize, self.settings.WarnSizeByteCount)
		for _, callback := range self.sizeWarningCallbacks.Get() {
			HandleError(func() {
				callback(warning)
			})
		}
	}

	glog.V(2).Infof("[store]apply %s/%s seq=%d fields=%v", delta.Collection, delta.Id, seq, changedFields)

	return &MergeResult{
		Changed:       true,
		Created:       created,
		ChangedFields: changedFields,
		Seq:           seq,
		SizeByteCount: nextSize,
		SizeWarning:   sizeWarning,
	}, nil
}

func (self *Store) dropIfEmpty(col *storeCollection, id DocumentId) {
	col.mutex.Lock()
	defer col.mutex.Unlock()

	if doc, ok := col.documents[id]; ok {
		doc.mutex.Lock()
		empty := len(doc.fields) == 0
		doc.mutex.Unlock()
		if empty {
			delete(col.documents, id)
		}
	}
}

func (self *Store) notifyChange(event *ChangeEvent) {
	for _, callback := range self.changeCallbacks.Get() {
		HandleError(func() {
			callback(event)
		})
	}
}

// Get returns an immutable snapshot of one document, or nil when absent.
func (self *Store) Get(collection string, id DocumentId) *DocumentSnapshot {
	self.stateLock.Lock()
	col, ok := self.collections[collection]
	self.stateLock.Unlock()
	if !ok {
		return nil
	}

	col.mutex.Lock()
	doc, ok := col.documents[id]
	col.mutex.Unlock()
	if !ok {
		return nil
	}

	doc.mutex.Lock()
	defer doc.mutex.Unlock()
	if len(doc.fields) == 0 {
		return nil
	}
	return doc.snapshot()
}

func (self *Store) Contains(collection string, id DocumentId) bool {
	return self.Get(collection, id) != nil
}

// Scan visits a snapshot of every document in the collection in id order.
// Return false from the visit function to stop early.
func (self *Store) Scan(collection string, visit func(snapshot *DocumentSnapshot) bool) {
	self.stateLock.Lock()
	col, ok := self.collections[collection]
	self.stateLock.Unlock()
	if !ok {
		return
	}

	col.mutex.Lock()
	ids := maps.Keys(col.documents)
	col.mutex.Unlock()
	sort.Slice(ids, func(i int, j int) bool {
		return ids[i] < ids[j]
	})

	for _, id := range ids {
		col.mutex.Lock()
		doc, ok := col.documents[id]
		col.mutex.Unlock()
		if !ok {
			continue
		}
		doc.mutex.Lock()
		if len(doc.fields) == 0 {
			doc.mutex.Unlock()
			continue
		}
		snapshot := doc.snapshot()
		doc.mutex.Unlock()
		if !visit(snapshot) {
			return
		}
	}
}

func (self *Store) CollectionNames() []string {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	names := maps.Keys(self.collections)
	sort.Strings(names)
	return names
}

// Evict removes documents from local storage only. No tombstone merge is
// produced and nothing replicates: the only outward sign is a local change
// event with Evicted set, which the replicator ignores.
func (self *Store) Evict(collection string, ids []DocumentId) int {
	self.stateLock.Lock()
	col, ok := self.collections[collection]
	self.stateLock.Unlock()
	if !ok {
		return 0
	}

	evictedCount := 0
	for _, id := range ids {
		col.mutex.Lock()
		doc, ok := col.documents[id]
		if ok {
			delete(col.documents, id)
		}
		col.mutex.Unlock()
		if !ok {
			continue
		}
		doc.mutex.Lock()
		doc.fields = map[string]*Value{}
		doc.mutex.Unlock()
		if self.persistence != nil {
			if err := self.persistence.DeleteDocument(collection, id); err != nil {
				glog.Errorf("[store]evict persist %s/%s err = %s", collection, id, err)
			}
		}
		evictedCount += 1
		self.notifyChange(&ChangeEvent{
			Collection: collection,
			Id:         id,
			Evicted:    true,
		})
	}
	if 0 < evictedCount {
		glog.V(1).Infof("[store]evicted %d from %s", evictedCount, collection)
	}
	return evictedCount
}

// ProduceDeltas collects per-field deltas applied after sinceSeq, skipping
// fields whose latest change arrived from excludeOrigin so a peer is not
// echoed its own deltas. Results are ordered by sequence so the receiver's
// ack cursor advances monotonically.
func (self *Store) ProduceDeltas(sinceSeq uint64, excludeOrigin Id) []*Delta {
	deltas := []*Delta{}
	for _, collection := range self.CollectionNames() {
		self.stateLock.Lock()
		col := self.collections[collection]
		self.stateLock.Unlock()

		col.mutex.Lock()
		docs := maps.Values(col.documents)
		col.mutex.Unlock()

		for _, doc := range docs {
			doc.mutex.Lock()
			var delta *Delta
			for fieldName, fieldSeq := range doc.fieldSeqs {
				if fieldSeq <= sinceSeq {
					continue
				}
				if doc.fieldOrigins[fieldName] == excludeOrigin && excludeOrigin != (Id{}) {
					continue
				}
				field, ok := doc.fields[fieldName]
				if !ok {
					continue
				}
				if delta == nil {
					delta = &Delta{
						Collection: doc.collection,
						Id:         doc.id,
						Fields:     map[string]*Value{},
					}
				}
				delta.Fields[fieldName] = field.Clone()
				delta.Seq = max(delta.Seq, fieldSeq)
			}
			doc.mutex.Unlock()
			if delta != nil {
				deltas = append(deltas, delta)
			}
		}
	}
	sort.Slice(deltas, func(i int, j int) bool {
		return deltas[i].Seq < deltas[j].Seq
	})
	return deltas
}

// restoreDocument rebuilds one document from persisted state at open
func (self *Store) restoreDocument(persisted *persistedDocument) {
	col := self.collection(persisted.collection)

	doc := newDocument(persisted.collection, persisted.id)
	doc.fields = persisted.fields
	doc.fieldSeqs = persisted.fieldSeqs
	doc.fieldOrigins = persisted.fieldOrigins
	doc.sizeByteCount = persisted.sizeByteCount
	for fieldName, field := range persisted.fields {
		doc.fieldSizes[fieldName] = valueSizeByteCount(field)
	}
	doc.maxSeq = persisted.maxSeq

	col.mutex.Lock()
	col.documents[persisted.id] = doc
	col.mutex.Unlock()
}

func (self *Store) restoreMeta(clock uint64, applySeq uint64) {
	self.observeClock(clock)
	for {
		current := self.applySeq.Load()
		if applySeq <= current {
			return
		}
		if self.applySeq.CompareAndSwap(current, applySeq) {
			return
		}
	}
}
