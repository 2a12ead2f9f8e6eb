// Package realtime maintains the live message subscription for one chat.
// Events arriving on the channel are decoded and handed to the engine,
// which merges them into the timeline head.
package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"nhooyr.io/websocket"

	"chatsync/models"
)

const (
	defaultHeartbeatInterval = 25 * time.Second

	channelPath = "/realtime/v1"

	eventJoin      = "join"
	eventHeartbeat = "heartbeat"
	eventInsert    = "insert"
)

// reconnectBackoff paces reconnect attempts after an unexpected drop.
var reconnectBackoff = []time.Duration{
	0,
	5 * time.Second,
	15 * time.Second,
	60 * time.Second,
}

// envelope is the wire format of channel frames in both directions.
type envelope struct {
	Type    string          `json:"type"`
	Topic   string          `json:"topic,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Options configures a Subscriber.
type Options struct {
	BackendURL  string
	APIKey      string
	AccessToken string
	ChatID      string

	// LocalParticipantID derives IsFromMe on delivered events.
	LocalParticipantID string

	HeartbeatInterval time.Duration

	// OnError receives terminal connection errors (reconnects exhausted).
	OnError func(error)

	Logger zerolog.Logger
}

// Subscriber owns one live channel subscription keyed by chat id.
type Subscriber struct {
	options Options
	wsURL   string
	topic   string
	log     zerolog.Logger

	mu          sync.Mutex
	conn        *websocket.Conn
	cancel      context.CancelFunc
	onMessage   func(models.Message)
	intentional bool
	closed      bool
}

// NewSubscriber validates options and returns an unconnected subscriber.
func NewSubscriber(options Options) (*Subscriber, error) {
	if options.BackendURL == "" {
		return nil, errors.New("backend URL is required")
	}
	u, err := url.Parse(options.BackendURL)
	if err != nil || u.Host == "" {
		return nil, fmt.Errorf("backend URL %q is invalid", options.BackendURL)
	}
	if options.APIKey == "" {
		return nil, errors.New("API key is required")
	}
	if options.ChatID == "" {
		return nil, errors.New("chat id is required")
	}
	if options.HeartbeatInterval <= 0 {
		options.HeartbeatInterval = defaultHeartbeatInterval
	}

	wsURL := strings.Replace(options.BackendURL, "https://", "wss://", 1)
	wsURL = strings.Replace(wsURL, "http://", "ws://", 1)
	wsURL = strings.TrimRight(wsURL, "/") + channelPath +
		"?apikey=" + url.QueryEscape(options.APIKey) +
		"&token=" + url.QueryEscape(options.AccessToken)

	return &Subscriber{
		options: options,
		wsURL:   wsURL,
		topic:   "messages:" + options.ChatID,
		log: options.Logger.With().
			Str("component", "realtime").
			Str("chat_id", options.ChatID).
			Logger(),
	}, nil
}

// Subscribe dials the channel, joins the chat topic, and starts delivering
// inbound message events to onMessage. It is a no-op if already connected.
func (s *Subscriber) Subscribe(ctx context.Context, onMessage func(models.Message)) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return errors.New("subscriber is closed")
	}
	if s.conn != nil {
		s.mu.Unlock()
		return nil
	}
	if onMessage != nil {
		s.onMessage = onMessage
	}
	if s.onMessage == nil {
		s.mu.Unlock()
		return errors.New("message handler is required")
	}
	s.intentional = false
	s.mu.Unlock()

	return s.dial(ctx)
}

// Resubscribe tears down any current connection and dials again. Used after
// a foreground transition, where a connection that survived background
// suspension is not trusted.
func (s *Subscriber) Resubscribe(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return errors.New("subscriber is closed")
	}
	if s.onMessage == nil {
		s.mu.Unlock()
		return errors.New("never subscribed")
	}
	s.mu.Unlock()

	s.teardown()
	s.log.Info().Msg("re-establishing realtime subscription")

	s.mu.Lock()
	s.intentional = false
	s.mu.Unlock()
	return s.dial(ctx)
}

// Close tears the subscription down unconditionally. Safe to call whether
// or not any event was ever received; the subscriber cannot be reused.
func (s *Subscriber) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	s.teardown()
	s.log.Info().Msg("realtime subscription closed")
	return nil
}

func (s *Subscriber) teardown() {
	s.mu.Lock()
	s.intentional = true
	if s.cancel != nil {
		s.cancel()
		s.cancel = nil
	}
	conn := s.conn
	s.conn = nil
	s.mu.Unlock()

	if conn != nil {
		_ = conn.Close(websocket.StatusNormalClosure, "teardown")
	}
}

func (s *Subscriber) dial(ctx context.Context) error {
	conn, _, err := websocket.Dial(ctx, s.wsURL, nil)
	if err != nil {
		return fmt.Errorf("realtime dial: %w", err)
	}

	join := envelope{Type: eventJoin, Topic: s.topic}
	raw, err := json.Marshal(join)
	if err != nil {
		_ = conn.Close(websocket.StatusInternalError, "join encode")
		return fmt.Errorf("encode join frame: %w", err)
	}
	if err := conn.Write(ctx, websocket.MessageText, raw); err != nil {
		_ = conn.Close(websocket.StatusInternalError, "join write")
		return fmt.Errorf("join topic %q: %w", s.topic, err)
	}

	loopCtx, cancel := context.WithCancel(ctx)
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		cancel()
		_ = conn.Close(websocket.StatusNormalClosure, "closed during dial")
		return errors.New("subscriber is closed")
	}
	s.conn = conn
	s.cancel = cancel
	s.mu.Unlock()

	s.log.Info().Str("topic", s.topic).Msg("realtime subscription established")

	go s.readLoop(loopCtx, conn)
	go s.heartbeatLoop(loopCtx, conn)
	return nil
}

func (s *Subscriber) readLoop(ctx context.Context, conn *websocket.Conn) {
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			s.mu.Lock()
			intentional := s.intentional || s.closed
			if s.conn == conn {
				s.conn = nil
			}
			s.mu.Unlock()

			if intentional {
				return
			}

			s.log.Warn().Err(err).Msg("realtime connection dropped")
			s.reconnect(ctx)
			return
		}

		var env envelope
		if err := json.Unmarshal(data, &env); err != nil {
			s.log.Debug().Err(err).Msg("discarding undecodable frame")
			continue
		}
		if env.Type != eventInsert {
			continue
		}

		var msg models.Message
		if err := json.Unmarshal(env.Payload, &msg); err != nil {
			s.log.Warn().Err(err).Msg("discarding undecodable insert event")
			continue
		}
		msg.IsFromMe = msg.FromParticipant(s.options.LocalParticipantID)
		msg.DeliveryState = models.DeliverySent

		s.log.Debug().Str("message_id", msg.ID).Msg("realtime message received")

		s.mu.Lock()
		handler := s.onMessage
		s.mu.Unlock()
		if handler != nil {
			handler(msg)
		}
	}
}

func (s *Subscriber) heartbeatLoop(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(s.options.HeartbeatInterval)
	defer ticker.Stop()

	raw, _ := json.Marshal(envelope{Type: eventHeartbeat})
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := conn.Write(ctx, websocket.MessageText, raw); err != nil {
				// The read loop observes the same failure and reconnects.
				return
			}
		}
	}
}

// reconnect walks the backoff schedule until a dial succeeds or the
// schedule is exhausted, at which point the error is surfaced to the host.
func (s *Subscriber) reconnect(ctx context.Context) {
	var lastErr error
	for attempt, delay := range reconnectBackoff {
		if delay > 0 {
			select {
			case <-ctx.Done():
				return
			case <-time.After(delay):
			}
		}

		s.mu.Lock()
		stop := s.closed || s.intentional
		s.mu.Unlock()
		if stop {
			return
		}

		if err := s.dial(context.WithoutCancel(ctx)); err != nil {
			lastErr = err
			s.log.Warn().Err(err).Int("attempt", attempt+1).Msg("realtime reconnect failed")
			continue
		}
		return
	}

	if s.options.OnError != nil && lastErr != nil {
		s.options.OnError(fmt.Errorf("realtime reconnect exhausted: %w", lastErr))
	}
}
