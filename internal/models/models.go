// Package models defines the core data structures for the SharkPro worker.
//
// It includes the broker event payloads, tenant configuration, conversation
// and campaign rows, and the enums shared across modules.
package models

import (
	"bytes"
	"encoding/json"
	"errors"
	"strings"
	"time"
)

// AIStatus tracks whether automation is allowed to reply in a conversation.
type AIStatus string

const (
	// AIStatusActive means the bot answers inbound messages.
	AIStatusActive AIStatus = "active"
	// AIStatusPaused means a human agent has taken over.
	AIStatusPaused AIStatus = "paused"
)

// ConversationStatus records who is authoritative for the conversation.
type ConversationStatus string

const (
	ConversationStatusBot   ConversationStatus = "bot"
	ConversationStatusHuman ConversationStatus = "human"
)

// CampaignStatus is the lifecycle state of an outbound campaign.
type CampaignStatus string

const (
	CampaignStatusDraft     CampaignStatus = "draft"
	CampaignStatusActive    CampaignStatus = "active"
	CampaignStatusPaused    CampaignStatus = "paused"
	CampaignStatusCompleted CampaignStatus = "completed"
)

// CampaignLeadStatus is the per-lead delivery state within a campaign.
type CampaignLeadStatus string

const (
	CampaignLeadStatusPending CampaignLeadStatus = "pending"
	CampaignLeadStatusSent    CampaignLeadStatus = "sent"
	CampaignLeadStatusReplied CampaignLeadStatus = "replied"
	CampaignLeadStatusFailed  CampaignLeadStatus = "failed"
)

// LeadSource describes how a lead reached the funnel.
type LeadSource string

const (
	LeadSourceOrganic  LeadSource = "organic"
	LeadSourceDigital  LeadSource = "digital"
	LeadSourceCampaign LeadSource = "campaign"
)

// Broker event discriminators, matching the chat platform webhook events.
const (
	EventMessageCreated            = "message_created"
	EventConversationStatusChanged = "conversation_status_changed"
	EventConversationUpdated       = "conversation_updated"
)

// Error variables for better error handling and testability.
var (
	ErrMissingIdentifiers = errors.New("event is missing account or conversation identifiers")
	ErrLeadQuotaExceeded  = errors.New("lead quota for plan exceeded")
	ErrTenantBlocked      = errors.New("tenant is blocked")
)

// MessageType is the chat platform message direction. The platform emits it
// either as a number (0 incoming, 1 outgoing) or as a string, so decoding
// accepts both.
type MessageType string

const (
	MessageTypeIncoming MessageType = "incoming"
	MessageTypeOutgoing MessageType = "outgoing"
)

// UnmarshalJSON accepts 0/1 as well as "incoming"/"outgoing".
func (m *MessageType) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	switch string(data) {
	case "0":
		*m = MessageTypeIncoming
		return nil
	case "1":
		*m = MessageTypeOutgoing
		return nil
	case "null":
		*m = ""
		return nil
	}
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		// Unknown numeric direction (template=2 etc.) — keep raw digits.
		*m = MessageType(string(data))
		return nil
	}
	*m = MessageType(s)
	return nil
}

// Attachment is a single attachment on an inbound message.
type Attachment struct {
	FileType string `json:"file_type"`
	DataURL  string `json:"data_url"`
}

// SenderPayload identifies the contact that authored an inbound message.
type SenderPayload struct {
	ID          int64  `json:"id"`
	Name        string `json:"name"`
	PhoneNumber string `json:"phone_number"`
}

// ConversationPayload is the nested conversation object on broker events.
type ConversationPayload struct {
	ID                   int64          `json:"id"`
	DisplayID            int64          `json:"display_id"`
	AccountID            int64          `json:"account_id"`
	InboxID              int64          `json:"inbox_id"`
	Status               string         `json:"status"`
	Labels               []string       `json:"labels"`
	AdditionalAttributes map[string]any `json:"additional_attributes"`
	ContactInbox         struct {
		SourceID string `json:"source_id"`
	} `json:"contact_inbox"`
}

// InboundEvent is the JSON payload consumed from the inbound-event queue.
// Identifiers appear in several possible locations depending on the event
// type, so access goes through the Resolve helpers.
type InboundEvent struct {
	Event          string              `json:"event"`
	MessageType    MessageType         `json:"message_type"`
	Private        bool                `json:"private"`
	Content        string              `json:"content"`
	Body           string              `json:"body"`
	Text           string              `json:"text"`
	Status         string              `json:"status"`
	AccountID      int64               `json:"account_id"`
	ConversationID int64               `json:"conversation_id"`
	Account        struct {
		ID int64 `json:"id"`
	} `json:"account"`
	Inbox struct {
		ID int64 `json:"id"`
	} `json:"inbox"`
	Conversation ConversationPayload `json:"conversation"`
	Sender       SenderPayload       `json:"sender"`
	Attachments  []Attachment        `json:"attachments"`
}

// ResolveAccountID returns the tenant account id from whichever field carries it.
func (e *InboundEvent) ResolveAccountID() int64 {
	if e.AccountID != 0 {
		return e.AccountID
	}
	if e.Account.ID != 0 {
		return e.Account.ID
	}
	return e.Conversation.AccountID
}

// ResolveConversationID returns the conversation id from whichever field carries it.
func (e *InboundEvent) ResolveConversationID() int64 {
	if e.ConversationID != 0 {
		return e.ConversationID
	}
	if e.Conversation.ID != 0 {
		return e.Conversation.ID
	}
	return e.Conversation.DisplayID
}

// ResolveInboxID returns the inbox id, or 0 when the event does not carry one.
func (e *InboundEvent) ResolveInboxID() int64 {
	if e.Conversation.InboxID != 0 {
		return e.Conversation.InboxID
	}
	return e.Inbox.ID
}

// ResolveStatus returns the conversation status for status-change events.
func (e *InboundEvent) ResolveStatus() string {
	if e.Conversation.Status != "" {
		return e.Conversation.Status
	}
	return e.Status
}

// ResolveContent returns the message text from whichever field carries it.
func (e *InboundEvent) ResolveContent() string {
	if e.Content != "" {
		return e.Content
	}
	if e.Body != "" {
		return e.Body
	}
	return e.Text
}

// IsGroup reports whether the event belongs to a group conversation.
// The bot never participates in groups.
func (e *InboundEvent) IsGroup() bool {
	if t, ok := e.Conversation.AdditionalAttributes["type"].(string); ok && t == "group" {
		return true
	}
	return strings.Contains(e.Conversation.ContactInbox.SourceID, "@g.us")
}

// BusinessHours is an optional per-tenant service window. Times are "HH:MM"
// in the configured IANA timezone.
type BusinessHours struct {
	Start    string `json:"start"`
	End      string `json:"end"`
	Timezone string `json:"timezone"`
}

// AIConfig holds per-tenant completion engine settings.
type AIConfig struct {
	BusinessHours       *BusinessHours `json:"business_hours,omitempty"`
	OutsideHoursMessage string         `json:"outside_hours_message,omitempty"`
}

// HandoffConfig holds per-tenant smart-handoff settings.
type HandoffConfig struct {
	Enabled         bool     `json:"enabled"`
	Keywords        []string `json:"keywords,omitempty"`
	TeamID          int64    `json:"team_id,omitempty"`
	FarewellMessage string   `json:"farewell_message,omitempty"`
}

// Organization is one tenant of the platform.
type Organization struct {
	ID               string        `json:"id"`
	Name             string        `json:"name"`
	ChatboxURL       string        `json:"chatbox_url"`
	ChatboxToken     string        `json:"chatbox_token"`
	ChatboxAccountID int64         `json:"chatbox_account_id"`
	InboxID          int64         `json:"inbox_id,omitempty"` // legacy single-inbox field
	IsActive         bool          `json:"is_active"`
	SystemPrompt     string        `json:"system_prompt,omitempty"`
	LeadLimit        int           `json:"lead_limit,omitempty"` // 0 = unlimited
	AIConfig         AIConfig      `json:"ai_config"`
	HandoffConfig    HandoffConfig `json:"handoff_config"`
}

// ChannelInstance is one provisioned channel endpoint (e.g. a connected
// phone number) belonging to a tenant.
type ChannelInstance struct {
	ID             string `json:"id"`
	OrganizationID string `json:"organization_id"`
	Name           string `json:"name"`
	InboxID        int64  `json:"inbox_id,omitempty"`
}

// Conversation is the durable per-conversation tracking row.
type Conversation struct {
	OrganizationID string             `json:"organization_id"`
	ConversationID int64              `json:"conversation_id"`
	ContactID      int64              `json:"contact_id,omitempty"`
	AIStatus       AIStatus           `json:"ai_status"`
	Status         ConversationStatus `json:"status"`
	UpdatedAt      time.Time          `json:"updated_at"`
}

// Lead is a captured sales lead, unique per (organization, phone).
type Lead struct {
	ID             string     `json:"id"`
	OrganizationID string     `json:"organization_id"`
	Name           string     `json:"name"`
	Phone          string     `json:"phone"`
	ContactID      int64      `json:"contact_id,omitempty"`
	Source         LeadSource `json:"source"`
	Status         string     `json:"status"`
	EstimatedValue float64    `json:"estimated_value,omitempty"`
	Score          int        `json:"score,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
}

// Campaign is a bulk outbound messaging run.
type Campaign struct {
	ID              string         `json:"id"`
	OrganizationID  string         `json:"organization_id"`
	TemplateMessage string         `json:"template_message"`
	SendInterval    time.Duration  `json:"send_interval"`
	Status          CampaignStatus `json:"status"`
	SentCount       int            `json:"sent_count"`
	RepliedCount    int            `json:"replied_count"`
	CompletedAt     *time.Time     `json:"completed_at,omitempty"`
}

// CampaignLead is one recipient of a campaign.
type CampaignLead struct {
	ID             string             `json:"id"`
	CampaignID     string             `json:"campaign_id"`
	Name           string             `json:"name"`
	Phone          string             `json:"phone"`
	Status         CampaignLeadStatus `json:"status"`
	SentAt         *time.Time         `json:"sent_at,omitempty"`
	RepliedAt      *time.Time         `json:"replied_at,omitempty"`
	ConversationID int64              `json:"conversation_id,omitempty"`
	ErrorMessage   string             `json:"error_message,omitempty"`
}

// Qualification is the structured lead-scoring block the model can embed in
// a reply (delimited, stripped before the customer sees the text).
type Qualification struct {
	Score          int     `json:"score"`
	EstimatedValue float64 `json:"estimated_value"`
}

// StepResult records the outcome of one best-effort side effect inside a
// handoff, so a failed non-critical step is logged instead of aborting the
// transfer.
type StepResult struct {
	Step string
	Err  error
}

// ReplyCommand is the payload of the reply/outbound-text queue.
type ReplyCommand struct {
	Text             string `json:"text"`
	ConversationID   int64  `json:"conversation_id"`
	AccountID        int64  `json:"account_id"`
	ChatboxURL       string `json:"chatbox_url"`
	ChatboxToken     string `json:"chatbox_token"`
	Private          bool   `json:"private"`
	OpenConversation bool   `json:"open_conversation"`
}

// CampaignCommand is the payload of the campaign-control queue.
type CampaignCommand struct {
	CampaignID string `json:"campaign_id"`
	Action     string `json:"action"`
}

// Sale is an idempotent record of a closed sale, keyed by conversation.
type Sale struct {
	ID             string    `json:"id"`
	OrganizationID string    `json:"organization_id"`
	ConversationID int64     `json:"conversation_id"`
	Amount         float64   `json:"amount"`
	Source         string    `json:"source"`
	ConfirmedBy    string    `json:"confirmed_by"`
	CreatedAt      time.Time `json:"created_at"`
}
