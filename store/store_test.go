package store

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chatsync/models"
)

func msgAt(id string, createdAt time.Time) models.Message {
	return models.Message{
		ID:            id,
		ChatID:        "chat-1",
		SenderID:      "alice",
		ReceiverID:    "bob",
		Content:       "hello " + id,
		MessageType:   models.MessageTypeText,
		CreatedAt:     createdAt,
		DeliveryState: models.DeliverySent,
	}
}

func ids(msgs []models.Message) []string {
	out := make([]string, len(msgs))
	for i, m := range msgs {
		out[i] = m.ID
	}
	return out
}

func TestPendingIDs(t *testing.T) {
	id := NewPendingID()
	assert.True(t, IsPendingID(id))
	assert.False(t, IsPendingID("550e8400-e29b-41d4-a716-446655440000"))

	other := NewPendingID()
	assert.NotEqual(t, id, other)
}

func TestInsertAtHeadKeepsDescendingOrder(t *testing.T) {
	base := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	s := New()

	s.InsertAtHead(msgAt("m2", base.Add(2*time.Minute)))
	s.InsertAtHead(msgAt("m1", base.Add(1*time.Minute)))
	s.InsertAtHead(msgAt("m3", base.Add(3*time.Minute)))

	assert.Equal(t, []string{"m3", "m2", "m1"}, ids(s.Snapshot()))

	head, ok := s.Head()
	require.True(t, ok)
	assert.Equal(t, "m3", head.ID)
}

func TestInsertAtHeadDropsDuplicates(t *testing.T) {
	base := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	s := New()

	require.Equal(t, 1, s.InsertAtHead(msgAt("m1", base)))
	assert.Equal(t, 0, s.InsertAtHead(msgAt("m1", base.Add(time.Hour))))
	assert.Equal(t, 1, s.Len())
}

func TestInsertAtHeadTieGoesHeadMost(t *testing.T) {
	base := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	s := New()

	s.InsertAtHead(msgAt("first", base))
	s.InsertAtHead(msgAt("second", base))

	assert.Equal(t, []string{"second", "first"}, ids(s.Snapshot()))
}

func TestAppendAtTailSkipsKnownIDs(t *testing.T) {
	base := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	s := New()
	s.InsertAtHead(msgAt("m5", base.Add(5*time.Minute)))
	s.InsertAtHead(msgAt("m4", base.Add(4*time.Minute)))

	appended := s.AppendAtTail([]models.Message{
		msgAt("m4", base.Add(4*time.Minute)), // overlap with loaded range
		msgAt("m3", base.Add(3*time.Minute)),
		msgAt("m2", base.Add(2*time.Minute)),
	})

	assert.Equal(t, 2, appended)
	assert.Equal(t, []string{"m5", "m4", "m3", "m2"}, ids(s.Snapshot()))
}

func TestInsertOptimisticPlacesAtHead(t *testing.T) {
	base := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	s := New()
	s.InsertAtHead(msgAt("m1", base))

	pending := msgAt(NewPendingID(), base.Add(time.Minute))
	pending.DeliveryState = models.DeliveryPending
	s.InsertOptimistic(pending)

	head, ok := s.Head()
	require.True(t, ok)
	assert.Equal(t, pending.ID, head.ID)
	assert.True(t, head.Pending())
}

func TestReconcileReplacesInPlace(t *testing.T) {
	base := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	s := New()
	s.InsertAtHead(msgAt("m1", base))

	pendingID := NewPendingID()
	pending := msgAt(pendingID, base.Add(time.Minute))
	pending.DeliveryState = models.DeliveryPending
	s.InsertOptimistic(pending)

	canonical := msgAt("server-1", base.Add(time.Minute).Add(120*time.Millisecond))
	require.True(t, s.Reconcile(pendingID, canonical))

	assert.Equal(t, []string{"server-1", "m1"}, ids(s.Snapshot()))
	assert.False(t, s.Contains(pendingID))
	assert.True(t, s.Contains("server-1"))

	head, _ := s.Head()
	assert.False(t, head.Pending())
}

func TestReconcileDropsPendingWhenCanonicalAlreadyArrived(t *testing.T) {
	base := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	s := New()

	pendingID := NewPendingID()
	pending := msgAt(pendingID, base)
	pending.DeliveryState = models.DeliveryPending
	s.InsertOptimistic(pending)

	// The realtime channel can deliver the canonical record before the send
	// RPC returns.
	canonical := msgAt("server-1", base.Add(50*time.Millisecond))
	s.InsertAtHead(canonical)

	require.True(t, s.Reconcile(pendingID, canonical))
	assert.Equal(t, []string{"server-1"}, ids(s.Snapshot()))
	assert.Equal(t, 1, s.Len())
}

func TestReconcileUnknownPendingID(t *testing.T) {
	s := New()
	assert.False(t, s.Reconcile("pending:nope", msgAt("server-1", time.Now())))
}

func TestReconcileRepositionsWhenServerTimestampMoves(t *testing.T) {
	base := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	s := New()
	s.InsertAtHead(msgAt("m1", base))

	pendingID := NewPendingID()
	// Local clock skewed ahead of the server.
	pending := msgAt(pendingID, base.Add(time.Hour))
	pending.DeliveryState = models.DeliveryPending
	s.InsertOptimistic(pending)

	s.InsertAtHead(msgAt("m2", base.Add(2*time.Hour)))

	canonical := msgAt("server-1", base.Add(3*time.Hour))
	require.True(t, s.Reconcile(pendingID, canonical))

	assert.Equal(t, []string{"server-1", "m2", "m1"}, ids(s.Snapshot()))
}

func TestMarkFailedKeepsEntryVisible(t *testing.T) {
	base := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	s := New()

	pendingID := NewPendingID()
	pending := msgAt(pendingID, base)
	pending.DeliveryState = models.DeliveryPending
	s.InsertOptimistic(pending)

	require.True(t, s.MarkFailed(pendingID))
	assert.False(t, s.MarkFailed("pending:unknown"))

	snap := s.Snapshot()
	require.Len(t, snap, 1)
	assert.True(t, snap[0].Failed())
	assert.Equal(t, pendingID, snap[0].ID)
}

func TestSnapshotIsACopy(t *testing.T) {
	s := New()
	s.InsertAtHead(msgAt("m1", time.Now()))

	snap := s.Snapshot()
	snap[0].Content = "mutated"

	fresh := s.Snapshot()
	assert.Equal(t, "hello m1", fresh[0].Content)
}
