// Package chatbox is the HTTP client for the chat inbox platform's agent API.
//
// One Client is scoped to a single tenant (base URL, account id, API token);
// the worker builds a Client from the organization row whenever it needs to
// act on that tenant's conversations.
package chatbox

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// DefaultTimeout bounds every request to the platform API.
const DefaultTimeout = 30 * time.Second

// Opts holds configuration options for the platform client.
type Opts struct {
	// BaseURL is the platform root, e.g. "https://chat.example.com".
	BaseURL string
	// Token is the agent API access token.
	Token string
	// AccountID is the tenant account on the platform.
	AccountID int64
	// HTTPClient lets tests inject a client; nil means a default one.
	HTTPClient *http.Client
}

// Option configures the platform client.
type Option func(*Opts)

// WithBaseURL sets the platform root URL.
func WithBaseURL(u string) Option {
	return func(o *Opts) { o.BaseURL = strings.TrimRight(u, "/") }
}

// WithToken sets the agent API access token.
func WithToken(token string) Option {
	return func(o *Opts) { o.Token = token }
}

// WithAccountID sets the tenant account id.
func WithAccountID(id int64) Option {
	return func(o *Opts) { o.AccountID = id }
}

// WithHTTPClient overrides the underlying HTTP client (tests).
func WithHTTPClient(hc *http.Client) Option {
	return func(o *Opts) { o.HTTPClient = hc }
}

// Client talks to one tenant's account on the chat platform.
type Client struct {
	baseURL   string
	token     string
	accountID int64
	http      *http.Client
}

// NewClient creates a tenant-scoped platform client.
func NewClient(opts ...Option) *Client {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	hc := cfg.HTTPClient
	if hc == nil {
		hc = &http.Client{Timeout: DefaultTimeout}
	}
	return &Client{
		baseURL:   strings.TrimRight(cfg.BaseURL, "/"),
		token:     cfg.Token,
		accountID: cfg.AccountID,
		http:      hc,
	}
}

// Message is one message from the conversation history endpoint.
type Message struct {
	ID          int64  `json:"id"`
	Content     string `json:"content"`
	MessageType any    `json:"message_type"`
	Private     bool   `json:"private"`
	CreatedAt   int64  `json:"created_at"`
}

// IsOutgoing reports whether the message was authored by an agent or the bot.
func (m *Message) IsOutgoing() bool {
	switch v := m.MessageType.(type) {
	case float64:
		return v == 1
	case string:
		return v == "outgoing" || v == "1"
	}
	return false
}

type contactPayload struct {
	ID           int64  `json:"id"`
	Name         string `json:"name"`
	PhoneNumber  string `json:"phone_number"`
	ContactInbox struct {
		SourceID string `json:"source_id"`
	} `json:"contact_inbox"`
}

func (c *Client) do(ctx context.Context, method, path string, payload any, out any) error {
	var body io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("failed to marshal request body: %w", err)
		}
		body = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("api_access_token", c.token)
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("platform request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("platform returned %d for %s %s: %s", resp.StatusCode, method, path, string(snippet))
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode platform response: %w", err)
	}
	return nil
}

func (c *Client) accountPath(format string, args ...any) string {
	return fmt.Sprintf("/api/v1/accounts/%d", c.accountID) + fmt.Sprintf(format, args...)
}

// SendMessage posts an outgoing message to the conversation. Private messages
// appear as internal notes visible only to agents.
func (c *Client) SendMessage(ctx context.Context, conversationID int64, content string, private bool) error {
	payload := map[string]any{
		"content":      content,
		"message_type": "outgoing",
		"private":      private,
	}
	err := c.do(ctx, http.MethodPost, c.accountPath("/conversations/%d/messages", conversationID), payload, nil)
	if err != nil {
		return err
	}
	slog.Debug("Chatbox.SendMessage: message sent",
		"conversationID", conversationID, "private", private, "length", len(content))
	return nil
}

// ToggleStatus transitions the conversation to the given platform status
// ("open", "pending", "resolved").
func (c *Client) ToggleStatus(ctx context.Context, conversationID int64, status string) error {
	payload := map[string]string{"status": status}
	return c.do(ctx, http.MethodPost, c.accountPath("/conversations/%d/toggle_status", conversationID), payload, nil)
}

// AssignTeam assigns the conversation to a team of human agents.
func (c *Client) AssignTeam(ctx context.Context, conversationID, teamID int64) error {
	payload := map[string]int64{"team_id": teamID}
	return c.do(ctx, http.MethodPost, c.accountPath("/conversations/%d/assignments", conversationID), payload, nil)
}

// GetMessages returns the conversation history, oldest first.
func (c *Client) GetMessages(ctx context.Context, conversationID int64) ([]Message, error) {
	var result struct {
		Payload []Message `json:"payload"`
	}
	err := c.do(ctx, http.MethodGet, c.accountPath("/conversations/%d/messages", conversationID), nil, &result)
	if err != nil {
		return nil, err
	}
	return result.Payload, nil
}

// CreateContactNote attaches a note to the contact's profile.
func (c *Client) CreateContactNote(ctx context.Context, contactID int64, content string) error {
	payload := map[string]string{"content": content}
	return c.do(ctx, http.MethodPost, c.accountPath("/contacts/%d/notes", contactID), payload, nil)
}

// GetConversationInboxID fetches the inbox a conversation belongs to.
func (c *Client) GetConversationInboxID(ctx context.Context, conversationID int64) (int64, error) {
	var result struct {
		InboxID int64 `json:"inbox_id"`
	}
	err := c.do(ctx, http.MethodGet, c.accountPath("/conversations/%d", conversationID), nil, &result)
	if err != nil {
		return 0, err
	}
	return result.InboxID, nil
}

// UpdateInboxWebhook points the inbox's channel webhook at the given URL.
func (c *Client) UpdateInboxWebhook(ctx context.Context, inboxID int64, webhookURL string) error {
	payload := map[string]any{"channel": map[string]string{"webhook_url": webhookURL}}
	return c.do(ctx, http.MethodPatch, c.accountPath("/inboxes/%d", inboxID), payload, nil)
}

// SendOutboundMessage delivers a message to a phone number that may have no
// prior conversation: it resolves or creates the contact, resolves or creates
// a conversation on the inbox, and sends. Returns the conversation id.
func (c *Client) SendOutboundMessage(ctx context.Context, inboxID int64, name, phone, content string) (int64, error) {
	contact, err := c.findContactByPhone(ctx, phone)
	if err != nil {
		return 0, err
	}
	if contact == nil {
		contact, err = c.createContact(ctx, inboxID, name, phone)
		if err != nil {
			return 0, err
		}
	}

	conversationID, err := c.findOpenConversation(ctx, contact.ID)
	if err != nil {
		return 0, err
	}
	if conversationID == 0 {
		conversationID, err = c.createConversation(ctx, inboxID, contact)
		if err != nil {
			return 0, err
		}
	}

	if err := c.SendMessage(ctx, conversationID, content, false); err != nil {
		return 0, err
	}
	return conversationID, nil
}

func (c *Client) findContactByPhone(ctx context.Context, phone string) (*contactPayload, error) {
	var result struct {
		Payload []contactPayload `json:"payload"`
	}
	path := c.accountPath("/contacts/search") + "?q=" + url.QueryEscape(phone)
	if err := c.do(ctx, http.MethodGet, path, nil, &result); err != nil {
		return nil, err
	}
	for i := range result.Payload {
		if result.Payload[i].PhoneNumber == phone {
			return &result.Payload[i], nil
		}
	}
	return nil, nil
}

func (c *Client) createContact(ctx context.Context, inboxID int64, name, phone string) (*contactPayload, error) {
	payload := map[string]any{
		"inbox_id":     inboxID,
		"name":         name,
		"phone_number": phone,
	}
	var result struct {
		Payload struct {
			Contact contactPayload `json:"contact"`
		} `json:"payload"`
	}
	if err := c.do(ctx, http.MethodPost, c.accountPath("/contacts"), payload, &result); err != nil {
		return nil, err
	}
	return &result.Payload.Contact, nil
}

func (c *Client) findOpenConversation(ctx context.Context, contactID int64) (int64, error) {
	var result struct {
		Payload []struct {
			ID     int64  `json:"id"`
			Status string `json:"status"`
		} `json:"payload"`
	}
	err := c.do(ctx, http.MethodGet, c.accountPath("/contacts/%d/conversations", contactID), nil, &result)
	if err != nil {
		return 0, err
	}
	for _, conv := range result.Payload {
		if conv.Status == "open" || conv.Status == "pending" {
			return conv.ID, nil
		}
	}
	return 0, nil
}

func (c *Client) createConversation(ctx context.Context, inboxID int64, contact *contactPayload) (int64, error) {
	payload := map[string]any{
		"inbox_id":   inboxID,
		"contact_id": contact.ID,
	}
	if contact.ContactInbox.SourceID != "" {
		payload["source_id"] = contact.ContactInbox.SourceID
	}
	var result struct {
		ID int64 `json:"id"`
	}
	if err := c.do(ctx, http.MethodPost, c.accountPath("/conversations"), payload, &result); err != nil {
		return 0, err
	}
	return result.ID, nil
}
