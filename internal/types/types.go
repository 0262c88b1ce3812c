// Package types provides common type definitions for the chirp indexer.
package types

import "fmt"

// RecordFieldCount is the number of positional fields in a raw chirp tuple
const RecordFieldCount = 10

// Positional indexes of the raw chirp tuple returned by the contract
const (
	FieldID = iota
	FieldAuthor
	FieldBody
	FieldBlockNumber
	FieldParentID
	FieldReward
	FieldKind
	FieldUpvotes
	FieldDownvotes
	FieldFlags
)

// FieldNames maps positional indexes to the names used in error details
var FieldNames = [RecordFieldCount]string{
	"id", "author", "body", "blockNumber", "parentId",
	"reward", "kind", "upvotes", "downvotes", "flags",
}

// EventKind identifies a contract event
type EventKind string

const (
	// EventNewChirp is emitted when a chirp is published
	EventNewChirp EventKind = "NewChirp"
	// EventVote is emitted when a chirp's votes or flags change
	EventVote EventKind = "Vote"
	// EventTransfer is the token Transfer event; it moves balances only
	EventTransfer EventKind = "Transfer"
)

// RawRecord is the positional tuple returned by the contract's chirps(uint256) call.
// Numeric fields are *big.Int, the author is a common.Address and the body a string.
type RawRecord []interface{}

// Record is a materialized chirp
type Record struct {
	ID          uint64   `json:"id"`
	Author      string   `json:"author"`
	Body        string   `json:"body"`
	BlockNumber uint64   `json:"blockNumber"`
	Timestamp   int64    `json:"timestamp"` // milliseconds since epoch
	ParentID    uint64   `json:"parentId"`
	Reward      uint64   `json:"reward"`
	Kind        uint64   `json:"kind"`
	Upvotes     uint64   `json:"upvotes"`
	Downvotes   uint64   `json:"downvotes"`
	Flags       uint64   `json:"flags"`
	ReplyIDs    []uint64 `json:"replyIds"`
}

// IsRoot reports whether the record starts a thread
func (r *Record) IsRoot() bool {
	return r.ParentID == 0
}

// Clone returns a deep copy of the record
func (r Record) Clone() Record {
	out := r
	out.ReplyIDs = make([]uint64, len(r.ReplyIDs))
	copy(out.ReplyIDs, r.ReplyIDs)
	return out
}

// String implements fmt.Stringer
func (r Record) String() string {
	return fmt.Sprintf("chirp#%d(author=%s parent=%d replies=%d)", r.ID, r.Author, r.ParentID, len(r.ReplyIDs))
}

// ChirpView is a record with its direct replies resolved.
// Replies are computed per query and never stored on the record.
type ChirpView struct {
	Record
	Replies []Record `json:"replies"`
}

// Block carries the fields of a ledger block the indexer needs
type Block struct {
	Number uint64 `json:"number"`
	Time   uint64 `json:"time"` // seconds since epoch
}

// TimestampMillis converts the block time to milliseconds
func (b *Block) TimestampMillis() int64 {
	return int64(b.Time) * 1000
}

// Event is a decoded contract event
type Event struct {
	Kind        EventKind              `json:"kind"`
	Args        map[string]interface{} `json:"args"`
	BlockNumber uint64                 `json:"blockNumber"`
	TxHash      string                 `json:"txHash"`
	Index       uint                   `json:"logIndex"`
}

// ServiceError represents a structured error response
type ServiceError struct {
	Code    string                 `json:"code"`
	Message string                 `json:"message"`
	Details map[string]interface{} `json:"details,omitempty"`
}

// Error implements the error interface
func (e *ServiceError) Error() string {
	return e.Message
}
