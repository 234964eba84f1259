package docsync

import (
	"errors"
	"fmt"
)

// position of a token in a statement, 1-based
type Position struct {
	Line   int
	Column int
	Offset int
}

func (self Position) String() string {
	return fmt.Sprintf("%d:%d", self.Line, self.Column)
}

// malformed statement syntax. Fatal to the call that submitted the
// statement, never to the store.
type ParseError struct {
	Pos     Position
	Message string
}

func (self *ParseError) Error() string {
	return fmt.Sprintf("parse error at %s: %s", self.Pos, self.Message)
}

// a predicate compared incompatible types for one document.
// Non-fatal to the query: the document is skipped and reported,
// unless a type guard already filtered it.
type TypeMismatchError struct {
	Collection string
	Id         DocumentId
	Path       string
	Message    string
}

func (self *TypeMismatchError) Error() string {
	return fmt.Sprintf("type mismatch on %s/%s at %s: %s", self.Collection, self.Id, self.Path, self.Message)
}

// an insert hit an existing id under the FAIL conflict policy
type ConflictError struct {
	Collection string
	Id         DocumentId
}

func (self *ConflictError) Error() string {
	return fmt.Sprintf("insert conflict on %s/%s", self.Collection, self.Id)
}

// a mutation would push the serialized document past the hard ceiling.
// The mutation is rejected before any merge applies, so the stored state
// for the id is unchanged.
type SizeLimitError struct {
	Collection    string
	Id            DocumentId
	SizeByteCount ByteCount
	MaxByteCount  ByteCount
}

func (self *SizeLimitError) Error() string {
	return fmt.Sprintf("document %s/%s would be %d bytes, max %d", self.Collection, self.Id, self.SizeByteCount, self.MaxByteCount)
}

// a subscription predicate that can exclude tombstoned documents breaks
// multi-hop relay: a peer that never stores a tombstone can never relay it
var ErrTombstoneFilteredPredicate = errors.New("subscription predicate must not filter on the tombstone field")

var ErrCancelled = errors.New("cancelled")
var ErrClosed = errors.New("closed")
var ErrPeerNotConnected = errors.New("peer not connected")

// transient negotiation failure with a peer. The subscription is kept and
// the exchange retries with backoff.
type NegotiationError struct {
	PeerId Id
	Cause  error
}

func (self *NegotiationError) Error() string {
	return fmt.Sprintf("negotiation with peer %s failed: %s", self.PeerId, self.Cause)
}

func (self *NegotiationError) Unwrap() error {
	return self.Cause
}
