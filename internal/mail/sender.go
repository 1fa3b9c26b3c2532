// Package mail delivers template emails through an HTTP sending API.
package mail

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// Address identifies a sender or recipient.
type Address struct {
	Email string `json:"email"`
	Name  string `json:"name,omitempty"`
}

// Message is a template email.
type Message struct {
	To         Address
	TemplateID string
	Variables  map[string]string
}

// Config holds the sending API settings.
type Config struct {
	APIURL string
	Token  string
	From   Address
}

// Sender posts template messages to the sending API.
type Sender struct {
	cfg        Config
	httpClient *http.Client
}

// NewSender constructs a sender.
func NewSender(cfg Config) *Sender {
	cfg.APIURL = strings.TrimRight(cfg.APIURL, "/")
	return &Sender{
		cfg: cfg,
		httpClient: &http.Client{
			Timeout: 15 * time.Second,
		},
	}
}

// ErrNotConfigured is returned when no API URL or token is set.
var ErrNotConfigured = errors.New("mail: sender not configured")

// StatusError reports a rejected send. Client errors are permanent.
type StatusError struct {
	Status int
	Body   string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("mail: api returned status %d: %s", e.Status, e.Body)
}

// Permanent reports whether retrying cannot succeed.
func (e *StatusError) Permanent() bool {
	return e.Status >= 400 && e.Status < 500 && e.Status != http.StatusTooManyRequests
}

type sendRequest struct {
	From              Address           `json:"from"`
	To                []Address         `json:"to"`
	TemplateUUID      string            `json:"template_uuid"`
	TemplateVariables map[string]string `json:"template_variables"`
}

// Send delivers msg. Non-2xx responses are errors.
func (s *Sender) Send(ctx context.Context, msg Message) error {
	if s == nil || s.cfg.APIURL == "" || s.cfg.Token == "" {
		return ErrNotConfigured
	}
	if msg.To.Email == "" || msg.TemplateID == "" {
		return errors.New("mail: recipient and template are required")
	}
	body, err := json.Marshal(sendRequest{
		From:              s.cfg.From,
		To:                []Address{msg.To},
		TemplateUUID:      msg.TemplateID,
		TemplateVariables: msg.Variables,
	})
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.cfg.APIURL, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+s.cfg.Token)

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer func() {
		_ = resp.Body.Close()
	}()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return &StatusError{Status: resp.StatusCode, Body: strings.TrimSpace(string(snippet))}
	}
	return nil
}
