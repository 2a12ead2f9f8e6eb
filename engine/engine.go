// Package engine reconciles three concurrent message producers (ranged
// history loads, the live realtime feed, and locally-originated optimistic
// sends) into one ordered, deduplicated, gap-free timeline per chat
// session.
package engine

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"chatsync/backend"
	"chatsync/models"
	"chatsync/session"
	"chatsync/storage"
	"chatsync/store"
)

const (
	// defaultScrollThreshold is the distance from the oldest rendered
	// message below which a backfill is triggered.
	defaultScrollThreshold = 200

	// defaultMaxPageSpan caps the doubling cursor growth. Once a backfill
	// span reaches this size, subsequent requests advance linearly.
	defaultMaxPageSpan = 512
)

// Backend is the remote operation surface the engine consumes.
type Backend interface {
	// LoadMessages returns the half-open row range [from, to), newest first.
	LoadMessages(ctx context.Context, chatID string, from, to int) ([]models.Message, error)
	// LoadMessagesAfter returns messages strictly newer than the watermark
	// message, oldest first.
	LoadMessagesAfter(ctx context.Context, chatID, lastMessageID string) ([]models.Message, error)
	// SendMessage stores a message and returns the canonical record plus
	// the conversation's updated total unread count.
	SendMessage(ctx context.Context, chatID, senderID, receiverID, content string) (models.SendResult, error)
}

// RealtimeChannel is the live per-chat subscription the engine manages.
type RealtimeChannel interface {
	Subscribe(ctx context.Context, onMessage func(models.Message)) error
	Resubscribe(ctx context.Context) error
	Close() error
}

// Ack is delivered to the host after a confirmed send, so it can dispatch a
// push notification to the counterpart.
type Ack struct {
	Message          models.Message
	TotalUnreadCount int
}

// Options configures one engine instance.
type Options struct {
	Credentials session.Credentials
	Backend     Backend
	Realtime    RealtimeChannel

	// Local persists failed-send drafts and caches the timeline. Optional.
	Local *storage.Store

	ScrollThreshold float64
	MaxPageSpan     int

	// OnTimelineChanged fires after every store mutation with a fresh
	// snapshot (newest first) and the mutation for the anchor policy.
	OnTimelineChanged func(snapshot []models.Message, mutation store.Mutation)
	// OnSendAcknowledged fires after a confirmed send.
	OnSendAcknowledged func(Ack)
	// OnError receives transient failures; state is left retry-safe.
	OnError func(error)

	Logger zerolog.Logger
}

// Engine owns one chat session's timeline and every mutation applied to it.
//
// One mutex serializes store mutations, cursor updates, and flag changes.
// Network calls run in goroutines; their completions re-acquire the mutex
// and check the session generation before applying, so completions for a
// torn-down session are discarded, never applied.
type Engine struct {
	options Options
	creds   session.Credentials
	log     zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu               sync.Mutex
	gen              uint64
	started          bool
	closed           bool
	timeline         *store.Store
	cursorFrom       int
	cursorTo         int
	backfillInFlight bool
}

// New validates the options and returns an unstarted engine. The credential
// gate applies here: an invalid bundle means no engine.
func New(options Options) (*Engine, error) {
	if err := options.Credentials.Validate(); err != nil {
		return nil, err
	}
	if options.Backend == nil {
		return nil, errors.New("backend is required")
	}
	if options.ScrollThreshold <= 0 {
		options.ScrollThreshold = defaultScrollThreshold
	}
	if options.MaxPageSpan <= 0 {
		options.MaxPageSpan = defaultMaxPageSpan
	}

	return &Engine{
		options:  options,
		creds:    options.Credentials,
		timeline: store.New(),
		log: options.Logger.With().
			Str("component", "engine").
			Str("chat_id", options.Credentials.ChatID).
			Logger(),
	}, nil
}

// Start performs the initial history load and establishes the realtime
// subscription. A failed initial load is transient: the engine seeds the
// timeline from the local cache when available and stays usable.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	if e.started || e.closed {
		e.mu.Unlock()
		return errors.New("engine already started")
	}
	e.started = true
	e.cursorFrom = e.creds.ChatRangeFrom
	e.cursorTo = e.creds.ChatRangeTo
	e.mu.Unlock()

	e.ctx, e.cancel = context.WithCancel(ctx)

	msgs, err := e.options.Backend.LoadMessages(e.ctx, e.creds.ChatID, e.creds.ChatRangeFrom, e.creds.ChatRangeTo)
	if err != nil {
		var authErr *backend.AuthError
		if errors.As(err, &authErr) {
			// Rejected credentials are fatal; the host owns re-authentication.
			return err
		}
		e.emitError(err)
		msgs = e.cachedSeed()
	}

	if len(msgs) > 0 {
		e.mu.Lock()
		n := e.timeline.AppendAtTail(msgs)
		snap := e.timeline.Snapshot()
		e.mu.Unlock()

		e.cacheAsync(msgs)
		e.notifyTimeline(snap, store.Mutation{Kind: store.MutationTailAppend, Inserted: n})
		e.log.Info().Int("count", n).Msg("initial history loaded")
	}

	if e.options.Realtime != nil {
		if err := e.options.Realtime.Subscribe(e.ctx, e.InjectMessage); err != nil {
			e.emitError(err)
		}
	}

	return nil
}

// Close tears the session down: the realtime subscription is closed
// unconditionally and any in-flight completion is discarded when it lands.
func (e *Engine) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	e.gen++
	e.mu.Unlock()

	if e.cancel != nil {
		e.cancel()
	}

	e.log.Info().Msg("session torn down")
	if e.options.Realtime != nil {
		return e.options.Realtime.Close()
	}
	return nil
}

// Snapshot returns the current timeline, newest first.
func (e *Engine) Snapshot() []models.Message {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.timeline.Snapshot()
}

// Cursor returns the current pagination range.
func (e *Engine) Cursor() (from, to int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.cursorFrom, e.cursorTo
}

// InjectMessage merges one inbound message at the timeline head. Both the
// engine's own subscription and the host's imperative injection path land
// here; dedup by id makes double delivery idempotent.
func (e *Engine) InjectMessage(msg models.Message) {
	if msg.ChatID != "" && msg.ChatID != e.creds.ChatID {
		e.log.Debug().Str("message_id", msg.ID).Str("chat_id", msg.ChatID).Msg("ignoring message for other chat")
		return
	}
	msg.IsFromMe = msg.FromParticipant(e.creds.SenderID)
	if msg.DeliveryState == "" {
		msg.DeliveryState = models.DeliverySent
	}

	e.mu.Lock()
	if !e.started || e.closed {
		e.mu.Unlock()
		return
	}
	n := e.timeline.InsertAtHead(msg)
	if n == 0 {
		e.mu.Unlock()
		e.log.Debug().Str("message_id", msg.ID).Msg("duplicate delivery dropped")
		return
	}
	snap := e.timeline.Snapshot()
	e.mu.Unlock()

	e.cacheAsync([]models.Message{msg})
	e.notifyTimeline(snap, store.Mutation{Kind: store.MutationHeadInsert, Inserted: n})
}

// NotifyScroll reports the current distance between the scroll position and
// the oldest rendered message. Crossing the threshold triggers a single
// backfill; triggers during an outstanding backfill are dropped, not queued.
func (e *Engine) NotifyScroll(distanceFromOldest float64) {
	e.mu.Lock()
	if !e.started || e.closed || distanceFromOldest >= e.options.ScrollThreshold || e.backfillInFlight {
		e.mu.Unlock()
		return
	}

	e.backfillInFlight = true
	newFrom := e.cursorTo
	newTo := e.cursorTo * 2
	if newTo-newFrom > e.options.MaxPageSpan {
		newTo = newFrom + e.options.MaxPageSpan
	}
	gen := e.gen
	e.mu.Unlock()

	e.log.Debug().Int("from", newFrom).Int("to", newTo).Msg("backfill triggered")
	go e.completeBackfill(gen, newFrom, newTo)
}

func (e *Engine) completeBackfill(gen uint64, newFrom, newTo int) {
	msgs, err := e.options.Backend.LoadMessages(e.ctx, e.creds.ChatID, newFrom, newTo)

	e.mu.Lock()
	if e.gen != gen || e.closed {
		e.mu.Unlock()
		return
	}
	// Fail-open: the guard resets on every outcome so the next scroll
	// event can retry.
	e.backfillInFlight = false

	if err != nil {
		e.mu.Unlock()
		e.emitError(err)
		return
	}
	if len(msgs) == 0 {
		e.mu.Unlock()
		e.log.Debug().Int("from", newFrom).Msg("backfill reached end of history")
		return
	}

	n := e.timeline.AppendAtTail(msgs)
	e.cursorFrom, e.cursorTo = newFrom, newTo
	snap := e.timeline.Snapshot()
	e.mu.Unlock()

	e.cacheAsync(msgs)
	e.notifyTimeline(snap, store.Mutation{Kind: store.MutationTailAppend, Inserted: n})
	e.log.Info().Int("count", n).Int("from", newFrom).Int("to", newTo).Msg("older messages loaded")
}

// Send trims and sends the given text. Empty or whitespace-only input is a
// no-op. The optimistic entry occupies the head immediately and is either
// reconciled in place with the canonical record or marked failed with its
// draft preserved in the outbox; it never silently disappears.
func (e *Engine) Send(text string) {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return
	}

	pending := models.Message{
		ID:            store.NewPendingID(),
		ChatID:        e.creds.ChatID,
		SenderID:      e.creds.SenderID,
		ReceiverID:    e.creds.ReceiverID,
		Content:       trimmed,
		MessageType:   models.MessageTypeText,
		CreatedAt:     time.Now(),
		IsFromMe:      true,
		DeliveryState: models.DeliveryPending,
	}

	e.mu.Lock()
	if !e.started || e.closed {
		e.mu.Unlock()
		return
	}
	e.timeline.InsertOptimistic(pending)
	gen := e.gen
	snap := e.timeline.Snapshot()
	e.mu.Unlock()

	e.notifyTimeline(snap, store.Mutation{Kind: store.MutationOptimisticInsert, Inserted: 1})
	go e.completeSend(gen, pending)
}

func (e *Engine) completeSend(gen uint64, pending models.Message) {
	result, err := e.options.Backend.SendMessage(e.ctx, pending.ChatID, pending.SenderID, pending.ReceiverID, pending.Content)

	e.mu.Lock()
	if e.gen != gen || e.closed {
		e.mu.Unlock()
		return
	}

	if err != nil {
		e.timeline.MarkFailed(pending.ID)
		snap := e.timeline.Snapshot()
		e.mu.Unlock()

		e.saveDraft(pending)
		e.emitError(err)
		e.notifyTimeline(snap, store.Mutation{Kind: store.MutationMarkedFailed})
		return
	}

	canonical := result.Message
	canonical.IsFromMe = true
	canonical.DeliveryState = models.DeliverySent
	e.timeline.Reconcile(pending.ID, canonical)
	snap := e.timeline.Snapshot()
	e.mu.Unlock()

	e.cacheAsync([]models.Message{canonical})
	e.notifyTimeline(snap, store.Mutation{Kind: store.MutationReconciled, Inserted: 1})
	if e.options.OnSendAcknowledged != nil {
		e.options.OnSendAcknowledged(Ack{Message: canonical, TotalUnreadCount: result.TotalUnreadCount})
	}
	e.log.Debug().Str("message_id", canonical.ID).Msg("send reconciled")
}

// RetryFailed re-issues outbox drafts oldest first. It stops at the first
// failure, leaving the remaining drafts for a later retry.
func (e *Engine) RetryFailed(ctx context.Context) error {
	if e.options.Local == nil {
		return nil
	}

	drafts, err := e.options.Local.ListDrafts(e.creds.ChatID)
	if err != nil {
		return err
	}

	for _, draft := range drafts {
		result, err := e.options.Backend.SendMessage(ctx, draft.ChatID, draft.SenderID, draft.ReceiverID, draft.Content)
		if err != nil {
			if incErr := e.options.Local.IncrementAttempts(draft.DraftID); incErr != nil {
				e.log.Warn().Err(incErr).Str("draft_id", draft.DraftID).Msg("failed to record retry attempt")
			}
			return err
		}

		if err := e.options.Local.DeleteDraft(draft.DraftID); err != nil && !errors.Is(err, storage.ErrNotFound) {
			e.log.Warn().Err(err).Str("draft_id", draft.DraftID).Msg("failed to delete retried draft")
		}

		canonical := result.Message
		canonical.IsFromMe = true
		canonical.DeliveryState = models.DeliverySent

		e.mu.Lock()
		if e.closed {
			e.mu.Unlock()
			return nil
		}
		mutation := store.Mutation{Kind: store.MutationReconciled, Inserted: 1}
		if !e.timeline.Reconcile(draft.DraftID, canonical) {
			e.timeline.InsertAtHead(canonical)
			mutation.Kind = store.MutationHeadInsert
		}
		snap := e.timeline.Snapshot()
		e.mu.Unlock()

		e.cacheAsync([]models.Message{canonical})
		e.notifyTimeline(snap, mutation)
		if e.options.OnSendAcknowledged != nil {
			e.options.OnSendAcknowledged(Ack{Message: canonical, TotalUnreadCount: result.TotalUnreadCount})
		}
	}

	return nil
}

// HandleForeground closes the gap left by background suspension: the
// realtime subscription is torn down and re-established (a connection that
// survived suspension is not trusted), then messages newer than the head
// watermark are fetched and merged.
func (e *Engine) HandleForeground() {
	e.mu.Lock()
	if !e.started || e.closed {
		e.mu.Unlock()
		return
	}
	gen := e.gen
	e.mu.Unlock()

	go func() {
		if e.options.Realtime != nil {
			if err := e.options.Realtime.Resubscribe(e.ctx); err != nil {
				e.emitError(err)
			}
		}
		e.resync(gen)
	}()
}

// HandleBackground records the transition; the realtime connection's
// suspension is the platform's doing and resolved on the next foreground.
func (e *Engine) HandleBackground() {
	e.log.Debug().Msg("app backgrounded")
}

func (e *Engine) resync(gen uint64) {
	watermark := e.headWatermark()
	if watermark == "" {
		return
	}

	msgs, err := e.options.Backend.LoadMessagesAfter(e.ctx, e.creds.ChatID, watermark)
	if err != nil {
		e.emitError(err)
		return
	}
	if len(msgs) == 0 {
		return
	}

	e.mu.Lock()
	if e.gen != gen || e.closed {
		e.mu.Unlock()
		return
	}
	inserted := 0
	for _, msg := range msgs {
		inserted += e.timeline.InsertAtHead(msg)
	}
	if inserted == 0 {
		e.mu.Unlock()
		return
	}
	snap := e.timeline.Snapshot()
	e.mu.Unlock()

	e.cacheAsync(msgs)
	e.notifyTimeline(snap, store.Mutation{Kind: store.MutationHeadInsert, Inserted: inserted, Corrective: true})
	e.log.Info().Int("count", inserted).Str("watermark", watermark).Msg("foreground resync closed gap")
}

// headWatermark returns the newest server-assigned message id, skipping
// optimistic entries whose placeholder ids the backend does not know.
func (e *Engine) headWatermark() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, msg := range e.timeline.Snapshot() {
		if !store.IsPendingID(msg.ID) {
			return msg.ID
		}
	}
	return ""
}

func (e *Engine) cachedSeed() []models.Message {
	if e.options.Local == nil {
		return nil
	}
	limit := e.creds.ChatRangeTo - e.creds.ChatRangeFrom
	msgs, err := e.options.Local.CachedMessages(e.creds.ChatID, limit)
	if err != nil {
		e.log.Warn().Err(err).Msg("timeline cache unavailable")
		return nil
	}
	// The cache stores sender ids, not authorship; derive it for this session.
	for i := range msgs {
		msgs[i].IsFromMe = msgs[i].FromParticipant(e.creds.SenderID)
	}
	if len(msgs) > 0 {
		e.log.Info().Int("count", len(msgs)).Msg("seeded timeline from local cache")
	}
	return msgs
}

func (e *Engine) cacheAsync(msgs []models.Message) {
	if e.options.Local == nil {
		return
	}
	go func() {
		if err := e.options.Local.UpsertMessages(msgs); err != nil {
			e.log.Warn().Err(err).Msg("timeline cache write failed")
		}
	}()
}

func (e *Engine) saveDraft(pending models.Message) {
	if e.options.Local == nil {
		return
	}
	draft := storage.Draft{
		DraftID:    pending.ID,
		ChatID:     pending.ChatID,
		SenderID:   pending.SenderID,
		ReceiverID: pending.ReceiverID,
		Content:    pending.Content,
		CreatedAt:  pending.CreatedAt.UnixMilli(),
	}
	if err := e.options.Local.SaveDraft(draft); err != nil {
		e.log.Warn().Err(err).Str("draft_id", draft.DraftID).Msg("failed to persist draft")
	}
}

func (e *Engine) notifyTimeline(snapshot []models.Message, mutation store.Mutation) {
	if e.options.OnTimelineChanged != nil {
		e.options.OnTimelineChanged(snapshot, mutation)
	}
}

func (e *Engine) emitError(err error) {
	e.log.Warn().Err(err).Msg("transient failure")
	if e.options.OnError != nil {
		e.options.OnError(err)
	}
}
