// Package session defines the validated credential bundle a chat engine
// instance is created from. Nothing in the engine runs before a bundle
// passes Validate.
package session

import (
	"fmt"
	"net/url"
)

// Credentials is the session initialization payload handed in by the host
// application when the chat screen mounts.
type Credentials struct {
	SenderID     string
	ReceiverID   string
	ChatID       string
	BackendURL   string
	BackendKey   string
	AccessToken  string
	RefreshToken string

	// ChatRangeFrom/ChatRangeTo is the half-open row range [From, To) for
	// the initial history load.
	ChatRangeFrom int
	ChatRangeTo   int
}

// ConfigurationError reports a missing or invalid credential field. It is
// fatal for the session: the engine does not start.
type ConfigurationError struct {
	Field  string
	Reason string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("session configuration: field %q %s", e.Field, e.Reason)
}

// Validate checks every required field and returns a *ConfigurationError
// naming the first offending one.
func (c Credentials) Validate() error {
	required := []struct {
		field string
		value string
	}{
		{"sender_id", c.SenderID},
		{"receiver_id", c.ReceiverID},
		{"chat_id", c.ChatID},
		{"backend_url", c.BackendURL},
		{"backend_key", c.BackendKey},
		{"access_token", c.AccessToken},
		{"refresh_token", c.RefreshToken},
	}
	for _, r := range required {
		if r.value == "" {
			return &ConfigurationError{Field: r.field, Reason: "is required"}
		}
	}

	u, err := url.Parse(c.BackendURL)
	if err != nil || u.Host == "" || (u.Scheme != "http" && u.Scheme != "https") {
		return &ConfigurationError{Field: "backend_url", Reason: "must be an http(s) URL"}
	}

	if c.ChatRangeFrom < 0 {
		return &ConfigurationError{Field: "chat_range_from", Reason: "must be >= 0"}
	}
	if c.ChatRangeTo <= c.ChatRangeFrom {
		return &ConfigurationError{Field: "chat_range_to", Reason: "must be greater than chat_range_from"}
	}

	return nil
}
