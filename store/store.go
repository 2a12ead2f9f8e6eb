// Package store holds the in-memory message timeline for one chat session.
// The timeline is ordered strictly descending by creation time (newest
// first, the "head") and deduplicated by message id.
//
// A Store is not safe for concurrent use. It is owned by a single engine
// instance which serializes every mutation; see the engine package.
package store

import (
	"sort"
	"strings"

	"github.com/google/uuid"

	"chatsync/models"
)

// pendingIDPrefix marks placeholder ids of optimistic entries that have no
// server-assigned id yet.
const pendingIDPrefix = "pending:"

// NewPendingID returns a fresh placeholder id for an optimistic entry.
func NewPendingID() string {
	return pendingIDPrefix + uuid.NewString()
}

// IsPendingID reports whether id is a local placeholder rather than a
// server-assigned message id.
func IsPendingID(id string) bool {
	return strings.HasPrefix(id, pendingIDPrefix)
}

// MutationKind identifies what a store operation changed, so the
// presentation layer can decide how to anchor the visible list.
type MutationKind int

const (
	// MutationNone means the operation was a no-op (duplicates only).
	MutationNone MutationKind = iota
	// MutationHeadInsert is one or more novel messages merged at the head.
	MutationHeadInsert
	// MutationTailAppend is older history appended at the tail.
	MutationTailAppend
	// MutationOptimisticInsert is a local pending entry placed at the head.
	MutationOptimisticInsert
	// MutationReconciled is a pending entry replaced by its canonical record.
	MutationReconciled
	// MutationMarkedFailed is a pending entry marked as failed in place.
	MutationMarkedFailed
)

// Mutation describes the outcome of one store operation.
type Mutation struct {
	Kind     MutationKind
	Inserted int

	// Corrective marks head merges that close a gap (foreground resync)
	// rather than deliver fresh activity; positioning for these is
	// immediate instead of animated.
	Corrective bool
}

// Store is the single source of truth for a chat's loaded messages.
type Store struct {
	// messages is kept strictly descending by CreatedAt.
	messages []models.Message
	ids      map[string]struct{}
}

// New returns an empty timeline.
func New() *Store {
	return &Store{ids: make(map[string]struct{})}
}

// Len returns the number of entries.
func (s *Store) Len() int {
	return len(s.messages)
}

// Snapshot returns a copy of the timeline, newest first.
func (s *Store) Snapshot() []models.Message {
	out := make([]models.Message, len(s.messages))
	copy(out, s.messages)
	return out
}

// Head returns the newest entry, if any.
func (s *Store) Head() (models.Message, bool) {
	if len(s.messages) == 0 {
		return models.Message{}, false
	}
	return s.messages[0], true
}

// Contains reports whether a message with the given id is present.
func (s *Store) Contains(id string) bool {
	_, ok := s.ids[id]
	return ok
}

// InsertAtHead merges one message near the head, keeping descending order.
// Messages whose id is already present are dropped. Returns the number of
// entries inserted (0 or 1).
func (s *Store) InsertAtHead(msg models.Message) int {
	if msg.ID == "" || s.Contains(msg.ID) {
		return 0
	}

	// Position before the first entry that is not newer than msg. Ties go
	// head-most so a fresh arrival with an equal timestamp stays visible.
	idx := sort.Search(len(s.messages), func(i int) bool {
		return !s.messages[i].CreatedAt.After(msg.CreatedAt)
	})

	s.messages = append(s.messages, models.Message{})
	copy(s.messages[idx+1:], s.messages[idx:])
	s.messages[idx] = msg
	s.ids[msg.ID] = struct{}{}
	return 1
}

// AppendAtTail appends older history, dropping any message whose id is
// already present. The batch is expected in descending order (the order the
// backend returns ranged loads in). Returns the number of entries appended.
func (s *Store) AppendAtTail(msgs []models.Message) int {
	appended := 0
	for _, msg := range msgs {
		if msg.ID == "" || s.Contains(msg.ID) {
			continue
		}
		s.messages = append(s.messages, msg)
		s.ids[msg.ID] = struct{}{}
		appended++
	}
	return appended
}

// InsertOptimistic places a pending local entry at the head. The entry must
// carry a placeholder id (NewPendingID) and DeliveryPending state; it stays
// in the timeline until Reconcile or MarkFailed transitions it.
func (s *Store) InsertOptimistic(pending models.Message) {
	if pending.ID == "" || s.Contains(pending.ID) {
		return
	}
	s.messages = append([]models.Message{pending}, s.messages...)
	s.ids[pending.ID] = struct{}{}
}

// Reconcile replaces the pending entry with its canonical server record,
// keeping its position so the visible list does not shift. If the canonical
// id already arrived through another producer the pending entry is removed
// instead. Returns false when no entry with pendingID exists.
func (s *Store) Reconcile(pendingID string, canonical models.Message) bool {
	idx := s.indexOf(pendingID)
	if idx < 0 {
		return false
	}

	if s.Contains(canonical.ID) {
		s.removeAt(idx)
		return true
	}

	delete(s.ids, pendingID)
	s.messages[idx] = canonical
	s.ids[canonical.ID] = struct{}{}
	s.repositionAt(idx)
	return true
}

// MarkFailed flags the pending entry as failed in place. The entry remains
// visible; the send coordinator persists the draft for retry.
func (s *Store) MarkFailed(pendingID string) bool {
	idx := s.indexOf(pendingID)
	if idx < 0 {
		return false
	}
	s.messages[idx].DeliveryState = models.DeliveryFailed
	return true
}

func (s *Store) indexOf(id string) int {
	if _, ok := s.ids[id]; !ok {
		return -1
	}
	for i := range s.messages {
		if s.messages[i].ID == id {
			return i
		}
	}
	return -1
}

func (s *Store) removeAt(idx int) {
	delete(s.ids, s.messages[idx].ID)
	s.messages = append(s.messages[:idx], s.messages[idx+1:]...)
}

// repositionAt restores descending order if the entry at idx no longer fits
// between its neighbors. The canonical server timestamp can differ slightly
// from the optimistic local clock it replaces.
func (s *Store) repositionAt(idx int) {
	msg := s.messages[idx]
	inOrder := (idx == 0 || !s.messages[idx-1].CreatedAt.Before(msg.CreatedAt)) &&
		(idx == len(s.messages)-1 || !s.messages[idx+1].CreatedAt.After(msg.CreatedAt))
	if inOrder {
		return
	}
	s.removeAt(idx)
	s.InsertAtHead(msg)
}
