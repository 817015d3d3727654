package store

import (
	"context"
	"testing"
	"time"

	"github.com/ODuo-Tech-Team/SharPro2.0/internal/models"
)

func TestUpsertLeadIsIdempotentPerPhone(t *testing.T) {
	s := NewInMemoryStore()
	ctx := context.Background()

	first, created, err := s.UpsertLead(ctx, models.Lead{
		OrganizationID: "org-1",
		Name:           "Maria",
		Phone:          "+5511999990000",
		Source:         models.LeadSourceOrganic,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !created {
		t.Fatal("first upsert should create the lead")
	}

	second, created, err := s.UpsertLead(ctx, models.Lead{
		OrganizationID: "org-1",
		Name:           "Maria Again",
		Phone:          "+5511999990000",
		Source:         models.LeadSourceDigital,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if created {
		t.Error("second upsert should not create a new lead")
	}
	if second.ID != first.ID {
		t.Errorf("expected same lead id, got %s and %s", first.ID, second.ID)
	}
	if second.Name != "Maria" || second.Source != models.LeadSourceOrganic {
		t.Errorf("existing lead should be returned unchanged, got %+v", second)
	}

	count, err := s.CountOrgLeads(ctx, "org-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if count != 1 {
		t.Errorf("expected 1 lead, got %d", count)
	}
}

func TestUpsertLeadDifferentOrgsSamePhone(t *testing.T) {
	s := NewInMemoryStore()
	ctx := context.Background()

	if _, _, err := s.UpsertLead(ctx, models.Lead{OrganizationID: "org-1", Phone: "+551188887777"}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	_, created, err := s.UpsertLead(ctx, models.Lead{OrganizationID: "org-2", Phone: "+551188887777"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !created {
		t.Error("same phone under a different org should create a new lead")
	}
}

func TestGetOrgInboxIDsLegacyFallback(t *testing.T) {
	s := NewInMemoryStore()
	ctx := context.Background()

	s.AddOrganization(models.Organization{ID: "org-1", ChatboxAccountID: 7, InboxID: 42})

	inboxes, err := s.GetOrgInboxIDs(ctx, 7)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(inboxes) != 1 || inboxes[0] != 42 {
		t.Errorf("expected legacy inbox [42], got %v", inboxes)
	}

	// Once a channel instance carries an inbox, the instance set wins.
	s.AddChannelInstance(models.ChannelInstance{OrganizationID: "org-1", InboxID: 100})
	s.AddChannelInstance(models.ChannelInstance{OrganizationID: "org-1", InboxID: 101})

	inboxes, err = s.GetOrgInboxIDs(ctx, 7)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(inboxes) != 2 {
		t.Errorf("expected instance inboxes [100 101], got %v", inboxes)
	}
}

func TestCampaignLeadLifecycle(t *testing.T) {
	s := NewInMemoryStore()
	ctx := context.Background()

	s.AddCampaign(models.Campaign{ID: "camp-1", OrganizationID: "org-1", Status: models.CampaignStatusActive})
	s.AddCampaignLead(models.CampaignLead{ID: "cl-1", CampaignID: "camp-1", Phone: "+5511000000001", Status: models.CampaignLeadStatusPending})
	s.AddCampaignLead(models.CampaignLead{ID: "cl-2", CampaignID: "camp-1", Phone: "+5511000000002", Status: models.CampaignLeadStatusPending})

	next, err := s.NextPendingLead(ctx, "camp-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if next == nil || next.ID != "cl-1" {
		t.Fatalf("expected oldest pending lead cl-1, got %+v", next)
	}

	if err := s.MarkCampaignLeadSent(ctx, next.ID, 500); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := s.IncrementCampaignSent(ctx, "camp-1"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	found, err := s.FindSentCampaignLeadByPhone(ctx, "+5511000000001")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if found == nil || found.ID != "cl-1" || found.ConversationID != 500 {
		t.Fatalf("sent lead not found by phone: %+v", found)
	}

	if err := s.MarkCampaignLeadReplied(ctx, found.ID); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := s.IncrementCampaignReplied(ctx, "camp-1"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	// Replied leads no longer match the sent lookup.
	found, err = s.FindSentCampaignLeadByPhone(ctx, "+5511000000001")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if found != nil {
		t.Errorf("replied lead should not match sent lookup, got %+v", found)
	}

	c, err := s.GetCampaign(ctx, "camp-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if c.SentCount != 1 || c.RepliedCount != 1 {
		t.Errorf("expected counters 1/1, got %d/%d", c.SentCount, c.RepliedCount)
	}
}

func TestMarkCampaignLeadSentRequiresPending(t *testing.T) {
	s := NewInMemoryStore()
	ctx := context.Background()

	s.AddCampaignLead(models.CampaignLead{ID: "cl-1", CampaignID: "camp-1", Status: models.CampaignLeadStatusFailed})
	if err := s.MarkCampaignLeadSent(ctx, "cl-1", 1); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	next, _ := s.FindSentCampaignLeadByPhone(ctx, "")
	if next != nil {
		t.Error("failed lead must not transition to sent")
	}
}

func TestUpdateCampaignStatusSetsCompletedAt(t *testing.T) {
	s := NewInMemoryStore()
	ctx := context.Background()

	s.AddCampaign(models.Campaign{ID: "camp-1", Status: models.CampaignStatusActive})
	if err := s.UpdateCampaignStatus(ctx, "camp-1", models.CampaignStatusCompleted); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	c, _ := s.GetCampaign(ctx, "camp-1")
	if c.Status != models.CampaignStatusCompleted {
		t.Errorf("expected completed status, got %s", c.Status)
	}
	if c.CompletedAt == nil {
		t.Error("completed campaign should carry a completion timestamp")
	}
}

func TestInsertSaleIsIdempotentPerConversation(t *testing.T) {
	s := NewInMemoryStore()
	ctx := context.Background()

	first := models.Sale{OrganizationID: "org-1", ConversationID: 9, Amount: 120.50, ConfirmedBy: "agent"}
	if err := s.InsertSale(ctx, first); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := s.InsertSale(ctx, models.Sale{OrganizationID: "org-1", ConversationID: 9, Amount: 999}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	stored := s.GetSale(9)
	if stored == nil || stored.Amount != 120.50 {
		t.Errorf("second insert must not overwrite the sale, got %+v", stored)
	}
}

func TestConversationDefaults(t *testing.T) {
	conv := conversationDefaults(models.Conversation{ConversationID: 1})
	if conv.AIStatus != models.AIStatusActive || conv.Status != models.ConversationStatusBot {
		t.Errorf("empty statuses must default to active/bot, got %q/%q", conv.AIStatus, conv.Status)
	}

	paused := conversationDefaults(models.Conversation{
		ConversationID: 2,
		AIStatus:       models.AIStatusPaused,
		Status:         models.ConversationStatusHuman,
	})
	if paused.AIStatus != models.AIStatusPaused || paused.Status != models.ConversationStatusHuman {
		t.Errorf("explicit statuses must be kept, got %q/%q", paused.AIStatus, paused.Status)
	}
}

func TestUpsertConversationDefaultsAreSweepVisible(t *testing.T) {
	s := NewInMemoryStore()
	ctx := context.Background()

	// The worker upserts with zero-valued statuses; the row must still land in
	// the bot state the stale sweep matches on.
	if err := s.UpsertConversation(ctx, models.Conversation{ConversationID: 1, OrganizationID: "org-1"}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	conv := s.GetConversation(1)
	if conv.AIStatus != models.AIStatusActive || conv.Status != models.ConversationStatusBot {
		t.Fatalf("new conversation must default to active/bot, got %+v", conv)
	}
	stale, err := s.ListStaleConversations(ctx, time.Now().Add(time.Minute))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(stale) != 1 {
		t.Errorf("defaulted conversation must be visible to the sweep, got %+v", stale)
	}
}

func TestListStaleConversations(t *testing.T) {
	s := NewInMemoryStore()
	ctx := context.Background()

	if err := s.UpsertConversation(ctx, models.Conversation{ConversationID: 1, OrganizationID: "org-1"}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := s.UpsertConversation(ctx, models.Conversation{ConversationID: 2, OrganizationID: "org-1"}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	// Conversation 2 was handed to a human and must not be swept.
	if err := s.SetConversationAIStatus(ctx, 2, models.AIStatusPaused, models.ConversationStatusHuman); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	stale, err := s.ListStaleConversations(ctx, time.Now().Add(time.Minute))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(stale) != 1 || stale[0].ConversationID != 1 {
		t.Errorf("expected only conversation 1 to be stale, got %+v", stale)
	}
}
