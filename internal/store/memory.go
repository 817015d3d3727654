package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/ODuo-Tech-Team/SharPro2.0/internal/models"
	"github.com/google/uuid"
)

// InMemoryStore is a process-local Store used in tests and single-node
// development.
type InMemoryStore struct {
	mu            sync.Mutex
	organizations map[string]*models.Organization
	instances     []models.ChannelInstance
	conversations map[int64]*models.Conversation
	leads         map[string]*models.Lead
	campaigns     map[string]*models.Campaign
	campaignLeads map[string]*memCampaignLead
	sales         map[int64]*models.Sale
}

type memCampaignLead struct {
	lead      models.CampaignLead
	createdAt time.Time
}

// NewInMemoryStore creates an empty in-memory store.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		organizations: make(map[string]*models.Organization),
		conversations: make(map[int64]*models.Conversation),
		leads:         make(map[string]*models.Lead),
		campaigns:     make(map[string]*models.Campaign),
		campaignLeads: make(map[string]*memCampaignLead),
		sales:         make(map[int64]*models.Sale),
	}
}

// AddOrganization seeds a tenant (tests).
func (s *InMemoryStore) AddOrganization(org models.Organization) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if org.ID == "" {
		org.ID = uuid.NewString()
	}
	s.organizations[org.ID] = &org
}

// AddChannelInstance seeds a channel instance (tests).
func (s *InMemoryStore) AddChannelInstance(inst models.ChannelInstance) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if inst.ID == "" {
		inst.ID = uuid.NewString()
	}
	s.instances = append(s.instances, inst)
}

// AddCampaign seeds a campaign (tests).
func (s *InMemoryStore) AddCampaign(c models.Campaign) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	s.campaigns[c.ID] = &c
}

// AddCampaignLead seeds a campaign recipient (tests). Insertion order is the
// pending order.
func (s *InMemoryStore) AddCampaignLead(l models.CampaignLead) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if l.ID == "" {
		l.ID = uuid.NewString()
	}
	s.campaignLeads[l.ID] = &memCampaignLead{lead: l, createdAt: time.Now().Add(time.Duration(len(s.campaignLeads)) * time.Microsecond)}
}

// GetConversation returns the tracked conversation row (tests).
func (s *InMemoryStore) GetConversation(conversationID int64) *models.Conversation {
	s.mu.Lock()
	defer s.mu.Unlock()
	conv, ok := s.conversations[conversationID]
	if !ok {
		return nil
	}
	cp := *conv
	return &cp
}

// GetSale returns the sale recorded for a conversation (tests).
func (s *InMemoryStore) GetSale(conversationID int64) *models.Sale {
	s.mu.Lock()
	defer s.mu.Unlock()
	sale, ok := s.sales[conversationID]
	if !ok {
		return nil
	}
	cp := *sale
	return &cp
}

func (s *InMemoryStore) GetOrganizationByAccountID(_ context.Context, accountID int64) (*models.Organization, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, org := range s.organizations {
		if org.ChatboxAccountID == accountID {
			cp := *org
			return &cp, nil
		}
	}
	return nil, nil
}

func (s *InMemoryStore) GetOrganizationByID(_ context.Context, orgID string) (*models.Organization, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	org, ok := s.organizations[orgID]
	if !ok {
		return nil, nil
	}
	cp := *org
	return &cp, nil
}

func (s *InMemoryStore) ListActiveOrganizations(_ context.Context) ([]models.Organization, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.Organization
	for _, org := range s.organizations {
		if org.IsActive {
			out = append(out, *org)
		}
	}
	return out, nil
}

func (s *InMemoryStore) GetOrgInboxIDs(_ context.Context, accountID int64) ([]int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var org *models.Organization
	for _, o := range s.organizations {
		if o.ChatboxAccountID == accountID {
			org = o
			break
		}
	}
	if org == nil {
		return nil, nil
	}
	var inboxIDs []int64
	for _, inst := range s.instances {
		if inst.OrganizationID == org.ID && inst.InboxID != 0 {
			inboxIDs = append(inboxIDs, inst.InboxID)
		}
	}
	if len(inboxIDs) == 0 && org.InboxID != 0 {
		inboxIDs = []int64{org.InboxID}
	}
	return inboxIDs, nil
}

func (s *InMemoryStore) UpsertConversation(_ context.Context, conv models.Conversation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	existing, ok := s.conversations[conv.ConversationID]
	if ok {
		if conv.ContactID != 0 {
			existing.ContactID = conv.ContactID
		}
		existing.UpdatedAt = time.Now()
		return nil
	}
	conv = conversationDefaults(conv)
	conv.UpdatedAt = time.Now()
	s.conversations[conv.ConversationID] = &conv
	return nil
}

func (s *InMemoryStore) SetConversationAIStatus(_ context.Context, conversationID int64, ai models.AIStatus, status models.ConversationStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	conv, ok := s.conversations[conversationID]
	if !ok {
		return nil
	}
	conv.AIStatus = ai
	conv.Status = status
	conv.UpdatedAt = time.Now()
	return nil
}

func (s *InMemoryStore) UpsertLead(_ context.Context, lead models.Lead) (*models.Lead, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.leads {
		if existing.OrganizationID == lead.OrganizationID && existing.Phone == lead.Phone {
			cp := *existing
			return &cp, false, nil
		}
	}
	if lead.ID == "" {
		lead.ID = uuid.NewString()
	}
	if lead.Status == "" {
		lead.Status = "new"
	}
	lead.CreatedAt = time.Now()
	s.leads[lead.ID] = &lead
	cp := lead
	return &cp, true, nil
}

func (s *InMemoryStore) CountOrgLeads(_ context.Context, orgID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	count := 0
	for _, l := range s.leads {
		if l.OrganizationID == orgID {
			count++
		}
	}
	return count, nil
}

func (s *InMemoryStore) UpdateLeadQualification(_ context.Context, orgID string, contactID int64, q models.Qualification) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, l := range s.leads {
		if l.OrganizationID == orgID && l.ContactID == contactID {
			l.Score = q.Score
			if q.EstimatedValue > 0 {
				l.EstimatedValue = q.EstimatedValue
			}
		}
	}
	return nil
}

func (s *InMemoryStore) GetCampaign(_ context.Context, campaignID string) (*models.Campaign, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.campaigns[campaignID]
	if !ok {
		return nil, nil
	}
	cp := *c
	return &cp, nil
}

func (s *InMemoryStore) UpdateCampaignStatus(_ context.Context, campaignID string, status models.CampaignStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.campaigns[campaignID]
	if !ok {
		return nil
	}
	c.Status = status
	if status == models.CampaignStatusCompleted && c.CompletedAt == nil {
		now := time.Now()
		c.CompletedAt = &now
	}
	return nil
}

func (s *InMemoryStore) NextPendingLead(_ context.Context, campaignID string) (*models.CampaignLead, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var candidates []*memCampaignLead
	for _, ml := range s.campaignLeads {
		if ml.lead.CampaignID == campaignID && ml.lead.Status == models.CampaignLeadStatusPending {
			candidates = append(candidates, ml)
		}
	}
	if len(candidates) == 0 {
		return nil, nil
	}
	sort.Slice(candidates, func(i, j int) bool { return candidates[i].createdAt.Before(candidates[j].createdAt) })
	cp := candidates[0].lead
	return &cp, nil
}

func (s *InMemoryStore) MarkCampaignLeadSent(_ context.Context, leadID string, conversationID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	ml, ok := s.campaignLeads[leadID]
	if !ok || ml.lead.Status != models.CampaignLeadStatusPending {
		return nil
	}
	now := time.Now()
	ml.lead.Status = models.CampaignLeadStatusSent
	ml.lead.SentAt = &now
	ml.lead.ConversationID = conversationID
	return nil
}

func (s *InMemoryStore) MarkCampaignLeadFailed(_ context.Context, leadID string, errMsg string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	ml, ok := s.campaignLeads[leadID]
	if !ok || ml.lead.Status != models.CampaignLeadStatusPending {
		return nil
	}
	ml.lead.Status = models.CampaignLeadStatusFailed
	ml.lead.ErrorMessage = errMsg
	return nil
}

func (s *InMemoryStore) MarkCampaignLeadReplied(_ context.Context, leadID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	ml, ok := s.campaignLeads[leadID]
	if !ok || ml.lead.Status != models.CampaignLeadStatusSent {
		return nil
	}
	now := time.Now()
	ml.lead.Status = models.CampaignLeadStatusReplied
	ml.lead.RepliedAt = &now
	return nil
}

func (s *InMemoryStore) FindSentCampaignLeadByPhone(_ context.Context, phone string) (*models.CampaignLead, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var best *memCampaignLead
	for _, ml := range s.campaignLeads {
		if ml.lead.Phone != phone || ml.lead.Status != models.CampaignLeadStatusSent {
			continue
		}
		if best == nil || (ml.lead.SentAt != nil && best.lead.SentAt != nil && ml.lead.SentAt.After(*best.lead.SentAt)) {
			best = ml
		}
	}
	if best == nil {
		return nil, nil
	}
	cp := best.lead
	return &cp, nil
}

func (s *InMemoryStore) IncrementCampaignSent(_ context.Context, campaignID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if c, ok := s.campaigns[campaignID]; ok {
		c.SentCount++
	}
	return nil
}

func (s *InMemoryStore) IncrementCampaignReplied(_ context.Context, campaignID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if c, ok := s.campaigns[campaignID]; ok {
		c.RepliedCount++
	}
	return nil
}

func (s *InMemoryStore) InsertSale(_ context.Context, sale models.Sale) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.sales[sale.ConversationID]; exists {
		return nil
	}
	if sale.ID == "" {
		sale.ID = uuid.NewString()
	}
	sale.CreatedAt = time.Now()
	s.sales[sale.ConversationID] = &sale
	return nil
}

func (s *InMemoryStore) ListStaleConversations(_ context.Context, cutoff time.Time) ([]models.Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.Conversation
	for _, conv := range s.conversations {
		if conv.Status == models.ConversationStatusBot && conv.UpdatedAt.Before(cutoff) {
			out = append(out, *conv)
		}
	}
	return out, nil
}

// Close is a no-op for the in-memory store.
func (s *InMemoryStore) Close() error { return nil }
