// Package store holds the in-memory chirp mirror: records by ID, the reply
// index embedded in each record, the per-author index and the next-ID counter.
package store

import (
	"slices"
	"strings"
	"sync"

	apperrors "github.com/chirp-indexer/internal/errors"
	"github.com/chirp-indexer/internal/logging"
	"github.com/chirp-indexer/internal/types"
)

// FirstID is the first chirp ID assigned by the contract
const FirstID uint64 = 1

// IndexStore is the mirror. Every mutating call holds the write lock for its
// whole duration, so readers never observe a half-applied insert. Callers are
// expected to serialize writers themselves; the lock only guards readers.
type IndexStore struct {
	mu       sync.RWMutex
	records  map[uint64]*types.Record
	byAuthor map[string][]uint64
	nextID   uint64
	closed   bool
	logger   *logging.Logger
}

// Stats summarizes the store contents
type Stats struct {
	Records int    `json:"records"`
	Authors int    `json:"authors"`
	Replies int    `json:"replies"`
	NextID  uint64 `json:"nextId"`
}

// New creates an empty store whose counter starts at FirstID
func New(logger *logging.Logger) *IndexStore {
	if logger == nil {
		logger = logging.GetGlobalLogger()
	}
	return &IndexStore{
		records:  make(map[uint64]*types.Record),
		byAuthor: make(map[string][]uint64),
		nextID:   FirstID,
		logger:   logger.Named("index_store"),
	}
}

// authorKey normalizes addresses so hex case does not split an author
func authorKey(address string) string {
	return strings.ToLower(strings.TrimSpace(address))
}

// Insert stores rec, overwriting any record with the same ID. A reply whose
// parent is missing is rejected with DanglingParentError and nothing changes.
// Re-inserting an existing ID refreshes only its mutable fields: author, body,
// block number, parent, timestamp and reply list stay as first indexed, so the
// reply and author indexes never move.
func (s *IndexStore) Insert(rec *types.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return apperrors.ErrStoreClosed
	}

	var parent *types.Record
	if rec.ParentID != 0 {
		p, ok := s.records[rec.ParentID]
		if !ok || rec.ParentID == rec.ID {
			return &apperrors.DanglingParentError{ChildID: rec.ID, ParentID: rec.ParentID}
		}
		parent = p
	}

	stored := rec.Clone()
	if existing, ok := s.records[rec.ID]; ok {
		if existing.Author != rec.Author || existing.ParentID != rec.ParentID {
			s.logger.WithFields(map[string]interface{}{
				"chirp_id":   rec.ID,
				"author":     existing.Author,
				"new_author": rec.Author,
				"parent_id":  existing.ParentID,
				"new_parent": rec.ParentID,
			}).Warn("Ignoring change to immutable chirp fields")
		}
		stored.Author = existing.Author
		stored.Body = existing.Body
		stored.BlockNumber = existing.BlockNumber
		stored.ParentID = existing.ParentID
		stored.ReplyIDs = existing.ReplyIDs
		if existing.Timestamp != 0 {
			stored.Timestamp = existing.Timestamp
		}
		s.records[rec.ID] = &stored
		return nil
	}

	// replies are only ever discovered by the store itself
	stored.ReplyIDs = []uint64{}
	s.records[rec.ID] = &stored

	if parent != nil && !slices.Contains(parent.ReplyIDs, rec.ID) {
		parent.ReplyIDs = append(parent.ReplyIDs, rec.ID)
	}

	key := authorKey(rec.Author)
	if !slices.Contains(s.byAuthor[key], rec.ID) {
		s.byAuthor[key] = append(s.byAuthor[key], rec.ID)
	}

	return nil
}

// Get returns a copy of the record with the given ID
func (s *IndexStore) Get(id uint64) (types.Record, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.records[id]
	if !ok {
		return types.Record{}, false
	}
	return rec.Clone(), true
}

// GetByAuthor returns the author's records in insertion order.
// Unknown authors yield an empty slice.
func (s *IndexStore) GetByAuthor(address string) []types.Record {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ids := s.byAuthor[authorKey(address)]
	out := make([]types.Record, 0, len(ids))
	for _, id := range ids {
		if rec, ok := s.records[id]; ok {
			out = append(out, rec.Clone())
		}
	}
	return out
}

// ResolveReplies dereferences the reply IDs of a record. Reply IDs that do
// not resolve point at index corruption; they are logged and skipped.
func (s *IndexStore) ResolveReplies(id uint64) []types.Record {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.records[id]
	if !ok {
		return []types.Record{}
	}
	return s.resolveLocked(rec)
}

// View returns the record together with its resolved replies, read under a
// single lock so the pair is consistent
func (s *IndexStore) View(id uint64) (*types.ChirpView, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.records[id]
	if !ok {
		return nil, false
	}
	return &types.ChirpView{
		Record:  rec.Clone(),
		Replies: s.resolveLocked(rec),
	}, true
}

func (s *IndexStore) resolveLocked(rec *types.Record) []types.Record {
	out := make([]types.Record, 0, len(rec.ReplyIDs))
	for _, replyID := range rec.ReplyIDs {
		reply, ok := s.records[replyID]
		if !ok {
			s.logger.WithFields(map[string]interface{}{
				"chirpId": rec.ID,
				"replyId": replyID,
			}).Error("Reply index points at a missing chirp")
			continue
		}
		out = append(out, reply.Clone())
	}
	return out
}

// CurrentCount returns the next unassigned chirp ID
func (s *IndexStore) CurrentCount() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.nextID
}

// Advance moves the counter forward to next. The counter never moves back
// except through Reset.
func (s *IndexStore) Advance(next uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if next > s.nextID {
		s.nextID = next
	}
}

// Reset drops every record and author entry and rewinds the counter
func (s *IndexStore) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.records = make(map[uint64]*types.Record)
	s.byAuthor = make(map[string][]uint64)
	s.nextID = FirstID
}

// Close rejects further inserts. Reads keep working on the final state.
func (s *IndexStore) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
}

// Closed reports whether Close has been called
func (s *IndexStore) Closed() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.closed
}

// Stats returns a summary of the store contents
func (s *IndexStore) Stats() Stats {
	s.mu.RLock()
	defer s.mu.RUnlock()

	replies := 0
	for _, rec := range s.records {
		if rec.ParentID != 0 {
			replies++
		}
	}
	return Stats{
		Records: len(s.records),
		Authors: len(s.byAuthor),
		Replies: replies,
		NextID:  s.nextID,
	}
}
