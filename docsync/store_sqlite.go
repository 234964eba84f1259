package docsync

import (
	"database/sql"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/golang/glog"

	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"

	_ "modernc.org/sqlite"
)

// sqlite persistence for the store and the replicator cursors. One
// database file per node. The document merge state is a single blob per
// row, written through under the document lock, so a reload always sees a
// consistent merge.

const sqliteBusyRetryCount = 5
const sqliteBusyRetryDelay = 100 * time.Millisecond

var sqliteMigrations = []string{
	`CREATE TABLE IF NOT EXISTS documents (
		collection TEXT NOT NULL,
		id TEXT NOT NULL,
		state BLOB NOT NULL,
		size_byte_count INTEGER NOT NULL,
		max_seq INTEGER NOT NULL,
		PRIMARY KEY (collection, id)
	)`,
	`CREATE TABLE IF NOT EXISTS meta (
		k TEXT PRIMARY KEY,
		v TEXT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS subscription_cursors (
		peer_id TEXT NOT NULL,
		collection TEXT NOT NULL,
		predicate TEXT NOT NULL,
		seq INTEGER NOT NULL,
		PRIMARY KEY (peer_id, collection, predicate)
	)`,
}

type SqliteStore struct {
	db *sql.DB
}

// OpenSqliteStore opens (creating if needed) the node database at path.
func OpenSqliteStore(path string) (*SqliteStore, error) {
	dsn := fmt.Sprintf(
		"%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)",
		path,
	)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	// the sqlite driver serializes writes; a single connection avoids
	// table lock churn under concurrent merges
	db.SetMaxOpenConns(1)

	for _, migration := range sqliteMigrations {
		if _, err := db.Exec(migration); err != nil {
			db.Close()
			return nil, fmt.Errorf("migrate: %w", err)
		}
	}
	return &SqliteStore{db: db}, nil
}

func (self *SqliteStore) Close() error {
	return self.db.Close()
}

// retry on transient contention that outlasts the busy timeout
func (self *SqliteStore) exec(query string, args ...any) error {
	var err error
	for i := 0; i < sqliteBusyRetryCount; i += 1 {
		_, err = self.db.Exec(query, args...)
		if err == nil {
			return nil
		}
		if !isSqliteBusy(err) {
			return err
		}
		glog.V(1).Infof("[sqlite]busy, retry %d", i+1)
		time.Sleep(sqliteBusyRetryDelay)
	}
	return err
}

func isSqliteBusy(err error) bool {
	message := err.Error()
	return strings.Contains(message, "database is locked") ||
		strings.Contains(message, "SQLITE_BUSY")
}

func (self *SqliteStore) SaveDocument(doc *persistedDocument) error {
	stateBytes, err := encodePersistedState(doc)
	if err != nil {
		return err
	}
	return self.exec(
		`INSERT INTO documents (collection, id, state, size_byte_count, max_seq)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (collection, id) DO UPDATE
		SET state = excluded.state,
			size_byte_count = excluded.size_byte_count,
			max_seq = excluded.max_seq`,
		doc.collection, string(doc.id), stateBytes, int64(doc.sizeByteCount), int64(doc.maxSeq),
	)
}

func (self *SqliteStore) DeleteDocument(collection string, id DocumentId) error {
	return self.exec(
		`DELETE FROM documents WHERE collection = ? AND id = ?`,
		collection, string(id),
	)
}

func (self *SqliteStore) SaveMeta(clock uint64, applySeq uint64) error {
	if err := self.exec(
		`INSERT INTO meta (k, v) VALUES ('clock', ?)
		ON CONFLICT (k) DO UPDATE SET v = excluded.v`,
		strconv.FormatUint(clock, 10),
	); err != nil {
		return err
	}
	return self.exec(
		`INSERT INTO meta (k, v) VALUES ('apply_seq', ?)
		ON CONFLICT (k) DO UPDATE SET v = excluded.v`,
		strconv.FormatUint(applySeq, 10),
	)
}

func (self *SqliteStore) SaveSubscriptionCursor(peerId Id, collection string, predicate string, seq uint64) error {
	return self.exec(
		`INSERT INTO subscription_cursors (peer_id, collection, predicate, seq) VALUES (?, ?, ?, ?)
		ON CONFLICT (peer_id, collection, predicate) DO UPDATE SET seq = excluded.seq`,
		peerId.String(), collection, predicate, int64(seq),
	)
}

// LoadInto restores all persisted documents and meta into a fresh store.
// Call before SetPersistence so the reload does not write itself back.
func (self *SqliteStore) LoadInto(store *Store) error {
	rows, err := self.db.Query(
		`SELECT collection, id, state, size_byte_count, max_seq FROM documents`,
	)
	if err != nil {
		return err
	}
	defer rows.Close()

	documentCount := 0
	for rows.Next() {
		var collection string
		var id string
		var stateBytes []byte
		var sizeByteCount int64
		var maxSeq int64
		if err := rows.Scan(&collection, &id, &stateBytes, &sizeByteCount, &maxSeq); err != nil {
			return err
		}
		doc, err := decodePersistedState(collection, DocumentId(id), stateBytes)
		if err != nil {
			glog.Errorf("[sqlite]skip corrupt document %s/%s = %s", collection, id, err)
			continue
		}
		doc.sizeByteCount = ByteCount(sizeByteCount)
		doc.maxSeq = uint64(maxSeq)
		store.restoreDocument(doc)
		documentCount += 1
	}
	if err := rows.Err(); err != nil {
		return err
	}

	clock, err := self.loadMetaUint("clock")
	if err != nil {
		return err
	}
	applySeq, err := self.loadMetaUint("apply_seq")
	if err != nil {
		return err
	}
	store.restoreMeta(clock, applySeq)

	glog.V(1).Infof("[sqlite]restored %d documents, clock=%d seq=%d", documentCount, clock, applySeq)
	return nil
}

func (self *SqliteStore) loadMetaUint(key string) (uint64, error) {
	var value string
	err := self.db.QueryRow(`SELECT v FROM meta WHERE k = ?`, key).Scan(&value)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return strconv.ParseUint(value, 10, 64)
}

// LoadSubscriptionCursors primes the replicator's resume cursors, so a
// re-created subscription on the same collection and predicate resumes
// where the last run left off instead of backfilling from zero.
func (self *SqliteStore) LoadSubscriptionCursors(replicator *Replicator) error {
	rows, err := self.db.Query(`SELECT peer_id, collection, predicate, seq FROM subscription_cursors`)
	if err != nil {
		return err
	}
	defer rows.Close()

	for rows.Next() {
		var peerIdStr string
		var collection string
		var predicate string
		var seq int64
		if err := rows.Scan(&peerIdStr, &collection, &predicate, &seq); err != nil {
			return err
		}
		peerId, err := ParseId(peerIdStr)
		if err != nil {
			glog.Errorf("[sqlite]skip bad peer id %s", peerIdStr)
			continue
		}
		replicator.SetSubscriptionCursor(peerId, collection, predicate, uint64(seq))
	}
	return rows.Err()
}

// document state blob:
//
//	{"fields": {name: value envelope},
//	 "seqs": {name: seq},
//	 "origins": {name: writer}}

func encodePersistedState(doc *persistedDocument) ([]byte, error) {
	fields := map[string]*structpb.Value{}
	seqs := map[string]*structpb.Value{}
	origins := map[string]*structpb.Value{}
	for fieldName, field := range doc.fields {
		fields[fieldName] = valueToStruct(field)
		seqs[fieldName] = structpb.NewStringValue(strconv.FormatUint(doc.fieldSeqs[fieldName], 10))
		origins[fieldName] = structpb.NewStringValue(doc.fieldOrigins[fieldName].String())
	}
	state := &structpb.Struct{
		Fields: map[string]*structpb.Value{
			"fields":  structpb.NewStructValue(&structpb.Struct{Fields: fields}),
			"seqs":    structpb.NewStructValue(&structpb.Struct{Fields: seqs}),
			"origins": structpb.NewStructValue(&structpb.Struct{Fields: origins}),
		},
	}
	return proto.Marshal(state)
}

func decodePersistedState(collection string, id DocumentId, stateBytes []byte) (*persistedDocument, error) {
	state := &structpb.Struct{}
	if err := proto.Unmarshal(stateBytes, state); err != nil {
		return nil, err
	}
	fieldsStruct := state.Fields["fields"].GetStructValue()
	seqsStruct := state.Fields["seqs"].GetStructValue()
	originsStruct := state.Fields["origins"].GetStructValue()
	if fieldsStruct == nil || seqsStruct == nil || originsStruct == nil {
		return nil, fmt.Errorf("malformed document state")
	}

	doc := &persistedDocument{
		collection:   collection,
		id:           id,
		fields:       map[string]*Value{},
		fieldSeqs:    map[string]uint64{},
		fieldOrigins: map[string]Id{},
	}
	for fieldName, fieldValue := range fieldsStruct.Fields {
		field, err := valueFromStruct(fieldValue)
		if err != nil {
			return nil, fmt.Errorf("field %s: %w", fieldName, err)
		}
		doc.fields[fieldName] = field

		seq, err := structUint(seqsStruct, fieldName)
		if err != nil {
			return nil, err
		}
		doc.fieldSeqs[fieldName] = seq

		originStr, _ := structString(originsStruct, fieldName)
		origin, err := ParseId(originStr)
		if err != nil {
			return nil, fmt.Errorf("field %s origin: %w", fieldName, err)
		}
		doc.fieldOrigins[fieldName] = origin
	}
	return doc, nil
}
