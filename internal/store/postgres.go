// Package store: PostgreSQL backend.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	_ "embed"

	"github.com/ODuo-Tech-Team/SharPro2.0/internal/models"
	"github.com/google/uuid"
	_ "github.com/lib/pq"
)

// Database connection pool configuration constants.
const (
	// DefaultMaxOpenConns is the default maximum number of open connections to the database.
	DefaultMaxOpenConns = 25
	// DefaultMaxIdleConns is the default maximum number of idle connections in the pool.
	DefaultMaxIdleConns = 25
	// DefaultConnMaxLifetime is the default maximum amount of time a connection may be reused.
	DefaultConnMaxLifetime = 5 * time.Minute
)

//go:embed migrations_postgres.sql
var postgresMigrations string

// PostgresStore implements Store on PostgreSQL via database/sql.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore opens the database, verifies connectivity, and applies the
// embedded migrations.
func NewPostgresStore(opts ...Option) (*PostgresStore, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.DSN == "" {
		return nil, fmt.Errorf("database DSN not set")
	}

	db, err := sql.Open("postgres", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to open postgres connection: %w", err)
	}
	db.SetMaxOpenConns(DefaultMaxOpenConns)
	db.SetMaxIdleConns(DefaultMaxIdleConns)
	db.SetConnMaxLifetime(DefaultConnMaxLifetime)

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("postgres ping failed: %w", err)
	}
	if _, err := db.Exec(postgresMigrations); err != nil {
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	slog.Debug("PostgresStore.NewPostgresStore: migrations applied")
	return &PostgresStore{db: db}, nil
}

const organizationColumns = `id, name, chatbox_url, chatbox_token, chatbox_account_id,
	COALESCE(inbox_id, 0), is_active, COALESCE(system_prompt, ''), lead_limit, ai_config, handoff_config`

func scanOrganization(row *sql.Row) (*models.Organization, error) {
	var org models.Organization
	var aiConfig, handoffConfig []byte
	err := row.Scan(
		&org.ID, &org.Name, &org.ChatboxURL, &org.ChatboxToken, &org.ChatboxAccountID,
		&org.InboxID, &org.IsActive, &org.SystemPrompt, &org.LeadLimit, &aiConfig, &handoffConfig,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan organization failed: %w", err)
	}
	// Config blobs are operator-edited; a malformed blob falls back to defaults.
	if err := json.Unmarshal(aiConfig, &org.AIConfig); err != nil {
		slog.Warn("PostgresStore: malformed ai_config, using defaults", "orgID", org.ID, "error", err)
	}
	if err := json.Unmarshal(handoffConfig, &org.HandoffConfig); err != nil {
		slog.Warn("PostgresStore: malformed handoff_config, using defaults", "orgID", org.ID, "error", err)
	}
	return &org, nil
}

// GetOrganizationByAccountID resolves a tenant by chat platform account id.
func (s *PostgresStore) GetOrganizationByAccountID(ctx context.Context, accountID int64) (*models.Organization, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+organizationColumns+` FROM organizations WHERE chatbox_account_id = $1 LIMIT 1`, accountID)
	return scanOrganization(row)
}

// GetOrganizationByID resolves a tenant by primary id.
func (s *PostgresStore) GetOrganizationByID(ctx context.Context, orgID string) (*models.Organization, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+organizationColumns+` FROM organizations WHERE id = $1 LIMIT 1`, orgID)
	return scanOrganization(row)
}

// ListActiveOrganizations returns every active tenant.
func (s *PostgresStore) ListActiveOrganizations(ctx context.Context) ([]models.Organization, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+organizationColumns+` FROM organizations WHERE is_active = TRUE`)
	if err != nil {
		return nil, fmt.Errorf("active organizations query failed: %w", err)
	}
	defer rows.Close()

	var out []models.Organization
	for rows.Next() {
		var org models.Organization
		var aiConfig, handoffConfig []byte
		if err := rows.Scan(
			&org.ID, &org.Name, &org.ChatboxURL, &org.ChatboxToken, &org.ChatboxAccountID,
			&org.InboxID, &org.IsActive, &org.SystemPrompt, &org.LeadLimit, &aiConfig, &handoffConfig,
		); err != nil {
			return nil, fmt.Errorf("scan organization failed: %w", err)
		}
		if err := json.Unmarshal(aiConfig, &org.AIConfig); err != nil {
			slog.Warn("PostgresStore: malformed ai_config, using defaults", "orgID", org.ID, "error", err)
		}
		if err := json.Unmarshal(handoffConfig, &org.HandoffConfig); err != nil {
			slog.Warn("PostgresStore: malformed handoff_config, using defaults", "orgID", org.ID, "error", err)
		}
		out = append(out, org)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("organization rows iteration failed: %w", err)
	}
	return out, nil
}

// GetOrgInboxIDs returns the registered inbox set for the tenant.
func (s *PostgresStore) GetOrgInboxIDs(ctx context.Context, accountID int64) ([]int64, error) {
	var orgID string
	var legacyInbox sql.NullInt64
	err := s.db.QueryRowContext(ctx,
		`SELECT id, inbox_id FROM organizations WHERE chatbox_account_id = $1 LIMIT 1`, accountID).
		Scan(&orgID, &legacyInbox)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("inbox lookup failed for account %d: %w", accountID, err)
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT inbox_id FROM channel_instances WHERE organization_id = $1 AND inbox_id IS NOT NULL`, orgID)
	if err != nil {
		return nil, fmt.Errorf("instance inbox query failed for org %s: %w", orgID, err)
	}
	defer rows.Close()

	var inboxIDs []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan inbox id failed: %w", err)
		}
		if id != 0 {
			inboxIDs = append(inboxIDs, id)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("inbox rows iteration failed: %w", err)
	}

	// Legacy fallback: a tenant provisioned before multi-instance support
	// carries a single inbox id on the organization row.
	if len(inboxIDs) == 0 && legacyInbox.Valid && legacyInbox.Int64 != 0 {
		inboxIDs = []int64{legacyInbox.Int64}
	}
	return inboxIDs, nil
}

// UpsertConversation inserts or refreshes the conversation tracking row.
func (s *PostgresStore) UpsertConversation(ctx context.Context, conv models.Conversation) error {
	conv = conversationDefaults(conv)
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO conversations (conversation_id, organization_id, contact_id, ai_status, status, updated_at)
		VALUES ($1, $2, NULLIF($3, 0), $4, $5, now())
		ON CONFLICT (conversation_id) DO UPDATE
		SET contact_id = COALESCE(EXCLUDED.contact_id, conversations.contact_id),
		    updated_at = now()`,
		conv.ConversationID, conv.OrganizationID, conv.ContactID, conv.AIStatus, conv.Status)
	if err != nil {
		return fmt.Errorf("upsert conversation %d failed: %w", conv.ConversationID, err)
	}
	return nil
}

// SetConversationAIStatus updates the authority columns of a conversation.
func (s *PostgresStore) SetConversationAIStatus(ctx context.Context, conversationID int64, ai models.AIStatus, status models.ConversationStatus) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE conversations SET ai_status = $2, status = $3, updated_at = now() WHERE conversation_id = $1`,
		conversationID, ai, status)
	if err != nil {
		return fmt.Errorf("update conversation %d status failed: %w", conversationID, err)
	}
	return nil
}

// UpsertLead inserts a lead unless (organization, phone) already exists.
func (s *PostgresStore) UpsertLead(ctx context.Context, lead models.Lead) (*models.Lead, bool, error) {
	if lead.ID == "" {
		lead.ID = uuid.NewString()
	}
	if lead.Status == "" {
		lead.Status = "new"
	}
	var stored models.Lead
	var contactID sql.NullInt64
	var created bool
	// ON CONFLICT DO NOTHING returns no row on conflict, so fall back to
	// reading the existing row in that case.
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO leads (id, organization_id, name, phone, contact_id, source, status)
		VALUES ($1, $2, $3, $4, NULLIF($5, 0), $6, $7)
		ON CONFLICT (organization_id, phone) DO NOTHING
		RETURNING id, organization_id, name, phone, COALESCE(contact_id, 0), source, status, created_at`,
		lead.ID, lead.OrganizationID, lead.Name, lead.Phone, lead.ContactID, lead.Source, lead.Status).
		Scan(&stored.ID, &stored.OrganizationID, &stored.Name, &stored.Phone, &contactID, &stored.Source, &stored.Status, &stored.CreatedAt)
	switch {
	case err == nil:
		created = true
	case errors.Is(err, sql.ErrNoRows):
		err = s.db.QueryRowContext(ctx, `
			SELECT id, organization_id, name, phone, COALESCE(contact_id, 0), source, status, created_at
			FROM leads WHERE organization_id = $1 AND phone = $2 LIMIT 1`,
			lead.OrganizationID, lead.Phone).
			Scan(&stored.ID, &stored.OrganizationID, &stored.Name, &stored.Phone, &contactID, &stored.Source, &stored.Status, &stored.CreatedAt)
		if err != nil {
			return nil, false, fmt.Errorf("fetch existing lead failed for phone %s: %w", lead.Phone, err)
		}
	default:
		return nil, false, fmt.Errorf("upsert lead failed for phone %s: %w", lead.Phone, err)
	}
	stored.ContactID = contactID.Int64
	return &stored, created, nil
}

// CountOrgLeads returns the number of leads captured for the tenant.
func (s *PostgresStore) CountOrgLeads(ctx context.Context, orgID string) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM leads WHERE organization_id = $1`, orgID).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count leads failed for org %s: %w", orgID, err)
	}
	return count, nil
}

// UpdateLeadQualification records the model's score/value estimate.
func (s *PostgresStore) UpdateLeadQualification(ctx context.Context, orgID string, contactID int64, q models.Qualification) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE leads SET score = $3,
		    estimated_value = CASE WHEN $4 > 0 THEN $4 ELSE estimated_value END
		WHERE organization_id = $1 AND contact_id = $2`,
		orgID, contactID, q.Score, q.EstimatedValue)
	if err != nil {
		return fmt.Errorf("update lead qualification failed for contact %d: %w", contactID, err)
	}
	return nil
}

// GetCampaign returns a campaign row by id.
func (s *PostgresStore) GetCampaign(ctx context.Context, campaignID string) (*models.Campaign, error) {
	var c models.Campaign
	var intervalSeconds int
	var completedAt sql.NullTime
	err := s.db.QueryRowContext(ctx, `
		SELECT id, organization_id, template_message, send_interval_seconds, status, sent_count, replied_count, completed_at
		FROM campaigns WHERE id = $1 LIMIT 1`, campaignID).
		Scan(&c.ID, &c.OrganizationID, &c.TemplateMessage, &intervalSeconds, &c.Status, &c.SentCount, &c.RepliedCount, &completedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get campaign %s failed: %w", campaignID, err)
	}
	c.SendInterval = time.Duration(intervalSeconds) * time.Second
	if completedAt.Valid {
		c.CompletedAt = &completedAt.Time
	}
	return &c, nil
}

// UpdateCampaignStatus transitions a campaign's lifecycle state.
func (s *PostgresStore) UpdateCampaignStatus(ctx context.Context, campaignID string, status models.CampaignStatus) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE campaigns SET status = $2,
		    completed_at = CASE WHEN $2 = 'completed' THEN now() ELSE completed_at END
		WHERE id = $1`, campaignID, status)
	if err != nil {
		return fmt.Errorf("update campaign %s status failed: %w", campaignID, err)
	}
	return nil
}

func scanCampaignLead(row *sql.Row) (*models.CampaignLead, error) {
	var l models.CampaignLead
	var sentAt, repliedAt sql.NullTime
	var conversationID sql.NullInt64
	var errMsg sql.NullString
	err := row.Scan(&l.ID, &l.CampaignID, &l.Name, &l.Phone, &l.Status, &sentAt, &repliedAt, &conversationID, &errMsg)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan campaign lead failed: %w", err)
	}
	if sentAt.Valid {
		l.SentAt = &sentAt.Time
	}
	if repliedAt.Valid {
		l.RepliedAt = &repliedAt.Time
	}
	l.ConversationID = conversationID.Int64
	l.ErrorMessage = errMsg.String
	return &l, nil
}

const campaignLeadColumns = `id, campaign_id, name, phone, status, sent_at, replied_at, conversation_id, error_message`

// NextPendingLead returns the oldest pending lead of the campaign.
func (s *PostgresStore) NextPendingLead(ctx context.Context, campaignID string) (*models.CampaignLead, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+campaignLeadColumns+` FROM campaign_leads
		WHERE campaign_id = $1 AND status = 'pending'
		ORDER BY created_at ASC LIMIT 1`, campaignID)
	return scanCampaignLead(row)
}

// MarkCampaignLeadSent transitions pending->sent.
func (s *PostgresStore) MarkCampaignLeadSent(ctx context.Context, leadID string, conversationID int64) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE campaign_leads SET status = 'sent', sent_at = now(), conversation_id = NULLIF($2, 0)
		WHERE id = $1 AND status = 'pending'`, leadID, conversationID)
	if err != nil {
		return fmt.Errorf("mark campaign lead %s sent failed: %w", leadID, err)
	}
	return nil
}

// MarkCampaignLeadFailed transitions pending->failed.
func (s *PostgresStore) MarkCampaignLeadFailed(ctx context.Context, leadID string, errMsg string) error {
	if len(errMsg) > 500 {
		errMsg = errMsg[:500]
	}
	_, err := s.db.ExecContext(ctx, `
		UPDATE campaign_leads SET status = 'failed', error_message = $2
		WHERE id = $1 AND status = 'pending'`, leadID, errMsg)
	if err != nil {
		return fmt.Errorf("mark campaign lead %s failed: %w", leadID, err)
	}
	return nil
}

// MarkCampaignLeadReplied transitions sent->replied.
func (s *PostgresStore) MarkCampaignLeadReplied(ctx context.Context, leadID string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE campaign_leads SET status = 'replied', replied_at = now()
		WHERE id = $1 AND status = 'sent'`, leadID)
	if err != nil {
		return fmt.Errorf("mark campaign lead %s replied failed: %w", leadID, err)
	}
	return nil
}

// FindSentCampaignLeadByPhone matches an inbound sender against sent leads.
func (s *PostgresStore) FindSentCampaignLeadByPhone(ctx context.Context, phone string) (*models.CampaignLead, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+campaignLeadColumns+` FROM campaign_leads
		WHERE phone = $1 AND status = 'sent'
		ORDER BY sent_at DESC LIMIT 1`, phone)
	return scanCampaignLead(row)
}

// IncrementCampaignSent bumps the sent counter.
func (s *PostgresStore) IncrementCampaignSent(ctx context.Context, campaignID string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE campaigns SET sent_count = sent_count + 1 WHERE id = $1`, campaignID)
	if err != nil {
		return fmt.Errorf("increment campaign %s sent count failed: %w", campaignID, err)
	}
	return nil
}

// IncrementCampaignReplied bumps the replied counter.
func (s *PostgresStore) IncrementCampaignReplied(ctx context.Context, campaignID string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE campaigns SET replied_count = replied_count + 1 WHERE id = $1`, campaignID)
	if err != nil {
		return fmt.Errorf("increment campaign %s replied count failed: %w", campaignID, err)
	}
	return nil
}

// InsertSale records a closed sale, idempotent per conversation.
func (s *PostgresStore) InsertSale(ctx context.Context, sale models.Sale) error {
	if sale.ID == "" {
		sale.ID = uuid.NewString()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sales (id, organization_id, conversation_id, amount, source, confirmed_by)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (conversation_id) DO NOTHING`,
		sale.ID, sale.OrganizationID, sale.ConversationID, sale.Amount, sale.Source, sale.ConfirmedBy)
	if err != nil {
		return fmt.Errorf("insert sale for conversation %d failed: %w", sale.ConversationID, err)
	}
	return nil
}

// ListStaleConversations returns bot-owned conversations idle since cutoff.
func (s *PostgresStore) ListStaleConversations(ctx context.Context, cutoff time.Time) ([]models.Conversation, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT conversation_id, organization_id, COALESCE(contact_id, 0), ai_status, status, updated_at
		FROM conversations
		WHERE status = 'bot' AND updated_at < $1`, cutoff)
	if err != nil {
		return nil, fmt.Errorf("stale conversations query failed: %w", err)
	}
	defer rows.Close()

	var out []models.Conversation
	for rows.Next() {
		var c models.Conversation
		if err := rows.Scan(&c.ConversationID, &c.OrganizationID, &c.ContactID, &c.AIStatus, &c.Status, &c.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan stale conversation failed: %w", err)
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("stale conversation rows iteration failed: %w", err)
	}
	return out, nil
}

// Close closes the database handle.
func (s *PostgresStore) Close() error {
	return s.db.Close()
}
