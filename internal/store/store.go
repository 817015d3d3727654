// Package store provides the durable storage backends for the SharkPro worker.
//
// It includes an in-memory store used by tests and a PostgreSQL store for
// production. All writes the worker performs are narrow idempotent upserts
// keyed by natural identifiers, so crash-retry is safe without locking.
package store

import (
	"context"
	"time"

	"github.com/ODuo-Tech-Team/SharPro2.0/internal/models"
)

// Store is the durable-store abstraction consumed by the worker and engine.
// Lookup methods return (nil, nil) when no row matches.
type Store interface {
	// GetOrganizationByAccountID resolves a tenant by its chat platform
	// account reference.
	GetOrganizationByAccountID(ctx context.Context, accountID int64) (*models.Organization, error)

	// GetOrganizationByID resolves a tenant by primary id.
	GetOrganizationByID(ctx context.Context, orgID string) (*models.Organization, error)

	// ListActiveOrganizations returns every active tenant.
	ListActiveOrganizations(ctx context.Context) ([]models.Organization, error)

	// GetOrgInboxIDs returns every inbox id registered for the tenant's
	// channel instances, falling back to the tenant's legacy single inbox
	// field when no instance carries one. Empty means "no inbox registered".
	GetOrgInboxIDs(ctx context.Context, accountID int64) ([]int64, error)

	// UpsertConversation inserts or refreshes the conversation tracking row.
	UpsertConversation(ctx context.Context, conv models.Conversation) error

	// SetConversationAIStatus updates the authority columns of a conversation.
	SetConversationAIStatus(ctx context.Context, conversationID int64, ai models.AIStatus, status models.ConversationStatus) error

	// UpsertLead inserts a lead unless one already exists for the same
	// (organization, phone). Returns the stored row and whether it was created.
	UpsertLead(ctx context.Context, lead models.Lead) (*models.Lead, bool, error)

	// CountOrgLeads returns the number of leads captured for the tenant.
	CountOrgLeads(ctx context.Context, orgID string) (int, error)

	// UpdateLeadQualification records the model's score/value estimate on the
	// lead matching the given chat platform contact.
	UpdateLeadQualification(ctx context.Context, orgID string, contactID int64, q models.Qualification) error

	// GetCampaign returns a campaign row by id.
	GetCampaign(ctx context.Context, campaignID string) (*models.Campaign, error)

	// UpdateCampaignStatus transitions a campaign's lifecycle state.
	UpdateCampaignStatus(ctx context.Context, campaignID string, status models.CampaignStatus) error

	// NextPendingLead returns the oldest pending lead of the campaign, or nil
	// when none remain.
	NextPendingLead(ctx context.Context, campaignID string) (*models.CampaignLead, error)

	// MarkCampaignLeadSent transitions pending->sent with the send timestamp
	// and resulting conversation id.
	MarkCampaignLeadSent(ctx context.Context, leadID string, conversationID int64) error

	// MarkCampaignLeadFailed transitions pending->failed with an error summary.
	MarkCampaignLeadFailed(ctx context.Context, leadID string, errMsg string) error

	// MarkCampaignLeadReplied transitions sent->replied.
	MarkCampaignLeadReplied(ctx context.Context, leadID string) error

	// FindSentCampaignLeadByPhone matches an inbound sender phone against
	// leads in the sent state.
	FindSentCampaignLeadByPhone(ctx context.Context, phone string) (*models.CampaignLead, error)

	// IncrementCampaignSent bumps the campaign's sent counter.
	IncrementCampaignSent(ctx context.Context, campaignID string) error

	// IncrementCampaignReplied bumps the campaign's replied counter.
	IncrementCampaignReplied(ctx context.Context, campaignID string) error

	// InsertSale records a closed sale, idempotent per conversation.
	InsertSale(ctx context.Context, sale models.Sale) error

	// ListStaleConversations returns bot-owned conversations without activity
	// since the cutoff, for the stale-ticket sweep.
	ListStaleConversations(ctx context.Context, cutoff time.Time) ([]models.Conversation, error)

	// Close releases the underlying connections.
	Close() error
}

// Opts holds configuration options for store backends.
type Opts struct {
	// DSN is the PostgreSQL connection string.
	DSN string
}

// Option configures a store backend.
type Option func(*Opts)

// WithPostgresDSN sets the PostgreSQL connection string.
func WithPostgresDSN(dsn string) Option {
	return func(o *Opts) { o.DSN = dsn }
}

// conversationDefaults fills the status columns of a new conversation row.
// Every backend must apply it so fresh rows start bot-owned and visible to
// the stale sweep.
func conversationDefaults(conv models.Conversation) models.Conversation {
	if conv.AIStatus == "" {
		conv.AIStatus = models.AIStatusActive
	}
	if conv.Status == "" {
		conv.Status = models.ConversationStatusBot
	}
	return conv
}
