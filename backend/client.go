// Package backend is the REST client for the hosted chat backend: ranged
// history loads, watermark loads, and the send_message RPC.
package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"chatsync/models"
)

const (
	defaultRequestTimeout = 30 * time.Second

	messagesPath = "/rest/v1/messages"
	rpcPath      = "/rest/v1/rpc/"
	authUserPath = "/auth/v1/user"
)

// Config describes one backend connection. Each engine instance owns its
// own Client; there is no shared global connection.
type Config struct {
	BaseURL      string
	APIKey       string
	AccessToken  string
	RefreshToken string

	// LocalParticipantID is used to derive each message's IsFromMe flag.
	LocalParticipantID string

	HTTPClient *http.Client
	Logger     zerolog.Logger
}

// AuthError means the backend rejected the provided tokens. It is fatal for
// the session and surfaced to the host for a re-authentication flow.
type AuthError struct {
	Status int
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("backend rejected credentials (HTTP %d)", e.Status)
}

// RequestError is a transient load/send failure. Callers leave their
// cursors and flags retry-safe instead of propagating it further.
type RequestError struct {
	Op     string
	Status int
	Err    error
}

func (e *RequestError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("backend %s: HTTP %d", e.Op, e.Status)
	}
	return fmt.Sprintf("backend %s: %v", e.Op, e.Err)
}

func (e *RequestError) Unwrap() error { return e.Err }

// Client talks to the backend's REST surface.
type Client struct {
	baseURL            string
	apiKey             string
	accessToken        string
	refreshToken       string
	localParticipantID string
	httpClient         *http.Client
	log                zerolog.Logger
}

// New validates the configuration and returns a client.
func New(cfg Config) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, errors.New("backend base URL is required")
	}
	u, err := url.Parse(cfg.BaseURL)
	if err != nil || u.Host == "" {
		return nil, fmt.Errorf("backend base URL %q is invalid", cfg.BaseURL)
	}
	if cfg.APIKey == "" {
		return nil, errors.New("backend API key is required")
	}
	if cfg.AccessToken == "" {
		return nil, errors.New("access token is required")
	}
	if cfg.LocalParticipantID == "" {
		return nil, errors.New("local participant id is required")
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: defaultRequestTimeout}
	}

	return &Client{
		baseURL:            strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:             cfg.APIKey,
		accessToken:        cfg.AccessToken,
		refreshToken:       cfg.RefreshToken,
		localParticipantID: cfg.LocalParticipantID,
		httpClient:         cfg.HTTPClient,
		log:                cfg.Logger.With().Str("component", "backend").Logger(),
	}, nil
}

// Authenticate verifies the token pair against the backend's auth endpoint.
func (c *Client) Authenticate(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+authUserPath, nil)
	if err != nil {
		return &RequestError{Op: "authenticate", Err: err}
	}
	c.setHeaders(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return &RequestError{Op: "authenticate", Err: err}
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return &AuthError{Status: resp.StatusCode}
	case resp.StatusCode != http.StatusOK:
		return &RequestError{Op: "authenticate", Status: resp.StatusCode}
	}

	c.log.Info().Msg("backend session authenticated")
	return nil
}

// LoadMessages fetches the half-open row range [from, to) of the chat's
// history, newest first.
func (c *Client) LoadMessages(ctx context.Context, chatID string, from, to int) ([]models.Message, error) {
	if to <= from {
		return nil, fmt.Errorf("invalid range [%d, %d)", from, to)
	}

	q := url.Values{}
	q.Set("select", "*")
	q.Set("chat_id", "eq."+chatID)
	q.Set("order", "created_at.desc")

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+messagesPath+"?"+q.Encode(), nil)
	if err != nil {
		return nil, &RequestError{Op: "load_messages", Err: err}
	}
	c.setHeaders(req)
	req.Header.Set("Range-Unit", "items")
	req.Header.Set("Range", fmt.Sprintf("%d-%d", from, to-1))

	var out []models.Message
	if err := c.do(req, "load_messages", &out); err != nil {
		return nil, err
	}

	c.log.Debug().
		Str("chat_id", chatID).
		Int("from", from).
		Int("to", to).
		Int("count", len(out)).
		Msg("loaded message range")
	return c.localize(out), nil
}

// LoadMessagesAfter fetches messages created strictly after the watermark
// message, oldest first.
func (c *Client) LoadMessagesAfter(ctx context.Context, chatID, lastMessageID string) ([]models.Message, error) {
	params := map[string]string{
		"p_chat_id":         chatID,
		"p_last_message_id": lastMessageID,
	}

	var out []models.Message
	if err := c.rpc(ctx, "load_messages_after", params, &out); err != nil {
		return nil, err
	}

	c.log.Debug().
		Str("chat_id", chatID).
		Str("watermark", lastMessageID).
		Int("count", len(out)).
		Msg("loaded messages after watermark")
	return c.localize(out), nil
}

// SendMessage stores a text message through the send_message RPC and
// returns the canonical record plus the updated total unread count.
func (c *Client) SendMessage(ctx context.Context, chatID, senderID, receiverID, content string) (models.SendResult, error) {
	params := map[string]string{
		"p_chat_id":      chatID,
		"p_sender_id":    senderID,
		"p_receiver_id":  receiverID,
		"p_message":      content,
		"p_message_type": string(models.MessageTypeText),
	}

	var result models.SendResult
	if err := c.rpc(ctx, "send_message", params, &result); err != nil {
		return models.SendResult{}, err
	}

	result.Message.IsFromMe = result.Message.FromParticipant(c.localParticipantID)
	result.Message.DeliveryState = models.DeliverySent

	c.log.Debug().
		Str("chat_id", chatID).
		Str("message_id", result.Message.ID).
		Int("total_unread", result.TotalUnreadCount).
		Msg("message sent")
	return result, nil
}

func (c *Client) rpc(ctx context.Context, name string, params any, out any) error {
	body, err := json.Marshal(params)
	if err != nil {
		return &RequestError{Op: name, Err: err}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+rpcPath+name, bytes.NewReader(body))
	if err != nil {
		return &RequestError{Op: name, Err: err}
	}
	c.setHeaders(req)
	req.Header.Set("Content-Type", "application/json")

	return c.do(req, name, out)
}

func (c *Client) do(req *http.Request, op string, out any) error {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return &RequestError{Op: op, Err: err}
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return &AuthError{Status: resp.StatusCode}
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		return &RequestError{Op: op, Status: resp.StatusCode}
	}

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return &RequestError{Op: op, Err: err}
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return &RequestError{Op: op, Err: fmt.Errorf("decode response: %w", err)}
	}
	return nil
}

func (c *Client) setHeaders(req *http.Request) {
	req.Header.Set("apikey", c.apiKey)
	req.Header.Set("Authorization", "Bearer "+c.accessToken)
	req.Header.Set("Accept", "application/json")
}

// localize derives the local-only fields on wire messages.
func (c *Client) localize(msgs []models.Message) []models.Message {
	for i := range msgs {
		msgs[i].IsFromMe = msgs[i].FromParticipant(c.localParticipantID)
		msgs[i].DeliveryState = models.DeliverySent
	}
	return msgs
}
