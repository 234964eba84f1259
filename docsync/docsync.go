package docsync

import (
	"bytes"
	"encoding/hex"
	"errors"
	"fmt"
	"net/url"
	"sort"
	"strings"

	"github.com/oklog/ulid/v2"
)

/*
Synchronizes documents between peers with properties:
- every field merges as a CRDT, so peers converge regardless of delta arrival order
- only changed fields travel between peers, never whole documents
- peers declare what they store and relay with subscriptions
- local consumers observe changes under credit-based backpressure
- storage is reclaimed by local-only eviction that never replicates
*/

// comparable
type Id [16]byte

func NewId() Id {
	return Id(ulid.Make())
}

func IdFromBytes(idBytes []byte) (Id, error) {
	if len(idBytes) != 16 {
		return Id{}, errors.New("Id must be 16 bytes")
	}
	return Id(idBytes), nil
}

func RequireIdFromBytes(idBytes []byte) Id {
	id, err := IdFromBytes(idBytes)
	if err != nil {
		panic(err)
	}
	return id
}

func ParseId(idStr string) (Id, error) {
	idBytes, err := hex.DecodeString(idStr)
	if err != nil {
		return Id{}, err
	}
	return IdFromBytes(idBytes)
}

func (self Id) Bytes() []byte {
	return self[0:16]
}

func (self Id) String() string {
	return hex.EncodeToString(self[0:16])
}

// total order used to break version ties deterministically across peers
func (self Id) Less(other Id) bool {
	return bytes.Compare(self[0:16], other[0:16]) < 0
}

// use this type when counting bytes
type ByteCount = int64

func kib(c ByteCount) ByteCount {
	return c * ByteCount(1024)
}

// immutable once a document is created
type DocumentId string

// builds a composite document id from scalar key fields.
// The encoding is canonical: key order does not matter.
func ComposeDocumentId(keyFields map[string]any) (DocumentId, error) {
	if len(keyFields) == 0 {
		return "", errors.New("composite id requires at least one key field")
	}
	keys := make([]string, 0, len(keyFields))
	for key := range keyFields {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, key := range keys {
		switch v := keyFields[key].(type) {
		case string:
			parts = append(parts, fmt.Sprintf("%s=s:%s", url.QueryEscape(key), url.QueryEscape(v)))
		case bool:
			parts = append(parts, fmt.Sprintf("%s=b:%t", url.QueryEscape(key), v))
		case int:
			parts = append(parts, fmt.Sprintf("%s=n:%v", url.QueryEscape(key), float64(v)))
		case int64:
			parts = append(parts, fmt.Sprintf("%s=n:%v", url.QueryEscape(key), float64(v)))
		case float64:
			parts = append(parts, fmt.Sprintf("%s=n:%v", url.QueryEscape(key), v))
		default:
			return "", fmt.Errorf("composite id field %s must be a scalar (%T)", key, v)
		}
	}
	return DocumentId(strings.Join(parts, "&")), nil
}

func RequireComposeDocumentId(keyFields map[string]any) DocumentId {
	id, err := ComposeDocumentId(keyFields)
	if err != nil {
		panic(err)
	}
	return id
}

// document size thresholds. Documents above the soft threshold are flagged
// for warning. Mutations that would push a document above the hard ceiling
// are rejected before any merge is applied.
const DefaultWarnSizeByteCount = ByteCount(250 * 1024)
const DefaultMaxSizeByteCount = ByteCount(5 * 1024 * 1024)

// reserved top-level field that marks logical deletion. The tombstone is a
// regular mergeable field and replicates like any other field. Physical
// removal is eviction only.
const TombstoneField = "_deleted"
