package store

import (
	"fmt"
	"slices"
	"sort"
)

// Verify walks the whole mirror and reports every broken relation between
// records, the reply index, the author index and the counter. An empty
// result means the store is consistent.
func (s *IndexStore) Verify() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var problems []string

	ids := make([]uint64, 0, len(s.records))
	for id := range s.records {
		ids = append(ids, id)
	}
	slices.Sort(ids)

	for _, id := range ids {
		rec := s.records[id]
		if rec.ID != id {
			problems = append(problems, fmt.Sprintf("chirp %d is stored under id %d", rec.ID, id))
		}
		if id >= s.nextID {
			problems = append(problems, fmt.Sprintf("chirp %d is at or beyond the counter %d", id, s.nextID))
		}

		if rec.ParentID != 0 {
			parent, ok := s.records[rec.ParentID]
			switch {
			case !ok:
				problems = append(problems, fmt.Sprintf("chirp %d replies to missing chirp %d", id, rec.ParentID))
			case !slices.Contains(parent.ReplyIDs, id):
				problems = append(problems, fmt.Sprintf("chirp %d is missing from the replies of chirp %d", id, rec.ParentID))
			}
		}

		for _, replyID := range rec.ReplyIDs {
			reply, ok := s.records[replyID]
			if !ok {
				problems = append(problems, fmt.Sprintf("chirp %d lists missing reply %d", id, replyID))
				continue
			}
			if reply.ParentID != id {
				problems = append(problems, fmt.Sprintf("chirp %d lists reply %d whose parent is %d", id, replyID, reply.ParentID))
			}
		}

		if !slices.Contains(s.byAuthor[authorKey(rec.Author)], id) {
			problems = append(problems, fmt.Sprintf("chirp %d is missing from the index of author %s", id, rec.Author))
		}
	}

	authors := make([]string, 0, len(s.byAuthor))
	for key := range s.byAuthor {
		authors = append(authors, key)
	}
	sort.Strings(authors)
	for _, key := range authors {
		for _, id := range s.byAuthor[key] {
			rec, ok := s.records[id]
			if !ok {
				problems = append(problems, fmt.Sprintf("author %s lists missing chirp %d", key, id))
				continue
			}
			if authorKey(rec.Author) != key {
				problems = append(problems, fmt.Sprintf("author %s lists chirp %d written by %s", key, id, rec.Author))
			}
		}
	}

	// every ID below the counter has been indexed
	if expected := s.nextID - FirstID; uint64(len(s.records)) != expected {
		problems = append(problems, fmt.Sprintf("counter %d implies %d chirps but %d are stored", s.nextID, expected, len(s.records)))
	}

	return problems
}
