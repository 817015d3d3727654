package worker

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"time"

	"github.com/ODuo-Tech-Team/SharPro2.0/internal/models"
)

// HandleCampaignCommand reacts to campaign control messages.
func (w *Worker) HandleCampaignCommand(ctx context.Context, body []byte) error {
	var cmd models.CampaignCommand
	if err := json.Unmarshal(body, &cmd); err != nil {
		slog.Warn("Worker.HandleCampaignCommand: dropping undecodable command", "error", err)
		return nil
	}
	if cmd.CampaignID == "" {
		slog.Warn("Worker.HandleCampaignCommand: missing campaign id")
		return nil
	}

	switch cmd.Action {
	case "start", "resume":
		if err := w.store.UpdateCampaignStatus(ctx, cmd.CampaignID, models.CampaignStatusActive); err != nil {
			return err
		}
		w.startCampaignLoop(cmd.CampaignID)
	case "pause":
		w.cancelCampaignLoop(cmd.CampaignID)
		if err := w.store.UpdateCampaignStatus(ctx, cmd.CampaignID, models.CampaignStatusPaused); err != nil {
			return err
		}
	case "stop":
		w.cancelCampaignLoop(cmd.CampaignID)
		if err := w.store.UpdateCampaignStatus(ctx, cmd.CampaignID, models.CampaignStatusCompleted); err != nil {
			return err
		}
	default:
		slog.Warn("Worker.HandleCampaignCommand: unknown action", "action", cmd.Action, "campaignID", cmd.CampaignID)
	}
	return nil
}

func (w *Worker) startCampaignLoop(campaignID string) {
	w.campaignMu.Lock()
	defer w.campaignMu.Unlock()
	if _, running := w.campaigns[campaignID]; running {
		slog.Info("Worker.startCampaignLoop: already running", "campaignID", campaignID)
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	w.campaigns[campaignID] = cancel
	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		defer w.cancelCampaignLoop(campaignID)
		w.RunCampaign(ctx, campaignID)
	}()
}

func (w *Worker) cancelCampaignLoop(campaignID string) {
	w.campaignMu.Lock()
	defer w.campaignMu.Unlock()
	if cancel, ok := w.campaigns[campaignID]; ok {
		cancel()
		delete(w.campaigns, campaignID)
	}
}

// RunCampaign is the rate-limited sender loop. Every iteration re-reads the
// campaign and the tenant so a pause, stop, or block takes effect within one
// send interval.
func (w *Worker) RunCampaign(ctx context.Context, campaignID string) {
	slog.Info("Worker.RunCampaign: loop started", "campaignID", campaignID)
	for {
		select {
		case <-ctx.Done():
			slog.Info("Worker.RunCampaign: loop canceled", "campaignID", campaignID)
			return
		default:
		}

		campaign, err := w.store.GetCampaign(ctx, campaignID)
		if err != nil {
			slog.Error("Worker.RunCampaign: campaign lookup failed", "campaignID", campaignID, "error", err)
			return
		}
		if campaign == nil || campaign.Status != models.CampaignStatusActive {
			slog.Info("Worker.RunCampaign: campaign no longer active, stopping",
				"campaignID", campaignID)
			return
		}

		org, err := w.store.GetOrganizationByID(ctx, campaign.OrganizationID)
		if err != nil {
			slog.Error("Worker.RunCampaign: organization lookup failed", "campaignID", campaignID, "error", err)
			return
		}
		if org == nil || !org.IsActive {
			slog.Warn("Worker.RunCampaign: tenant blocked, pausing campaign",
				"campaignID", campaignID, "orgID", campaign.OrganizationID)
			if err := w.store.UpdateCampaignStatus(ctx, campaignID, models.CampaignStatusPaused); err != nil {
				slog.Error("Worker.RunCampaign: pause failed", "campaignID", campaignID, "error", err)
			}
			return
		}

		lead, err := w.store.NextPendingLead(ctx, campaignID)
		if err != nil {
			slog.Error("Worker.RunCampaign: pending lead lookup failed", "campaignID", campaignID, "error", err)
			return
		}
		if lead == nil {
			// Drained: complete without sending anything.
			slog.Info("Worker.RunCampaign: no pending leads, completing", "campaignID", campaignID)
			if err := w.store.UpdateCampaignStatus(ctx, campaignID, models.CampaignStatusCompleted); err != nil {
				slog.Error("Worker.RunCampaign: completion failed", "campaignID", campaignID, "error", err)
			}
			return
		}

		w.sendCampaignMessage(ctx, org, campaign, lead)

		interval := campaign.SendInterval
		if interval <= 0 {
			interval = 30 * time.Second
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(interval):
		}
	}
}

func (w *Worker) sendCampaignMessage(ctx context.Context, org *models.Organization, campaign *models.Campaign, lead *models.CampaignLead) {
	content := personalizeTemplate(campaign.TemplateMessage, lead.Name)
	chat := w.newChat(org)

	inboxID := org.InboxID
	conversationID, err := chat.SendOutboundMessage(ctx, inboxID, lead.Name, lead.Phone, content)
	if err != nil {
		slog.Error("Worker.sendCampaignMessage: send failed",
			"campaignID", campaign.ID, "leadID", lead.ID, "phone", lead.Phone, "error", err)
		if err := w.store.MarkCampaignLeadFailed(ctx, lead.ID, err.Error()); err != nil {
			slog.Error("Worker.sendCampaignMessage: failure transition failed", "leadID", lead.ID, "error", err)
		}
		return
	}

	// Mark the new conversation as bot-authored so its outgoing webhook echo
	// does not read as a takeover.
	if err := w.state.SetAIResponding(ctx, conversationID); err != nil {
		slog.Error("Worker.sendCampaignMessage: marker failed", "conversationID", conversationID, "error", err)
	}
	if err := w.store.UpsertConversation(ctx, models.Conversation{
		OrganizationID: org.ID,
		ConversationID: conversationID,
	}); err != nil {
		slog.Error("Worker.sendCampaignMessage: conversation upsert failed", "conversationID", conversationID, "error", err)
	}
	if err := w.store.MarkCampaignLeadSent(ctx, lead.ID, conversationID); err != nil {
		slog.Error("Worker.sendCampaignMessage: sent transition failed", "leadID", lead.ID, "error", err)
	}
	if err := w.store.IncrementCampaignSent(ctx, campaign.ID); err != nil {
		slog.Error("Worker.sendCampaignMessage: counter failed", "campaignID", campaign.ID, "error", err)
	}
	slog.Info("Worker.sendCampaignMessage: message sent",
		"campaignID", campaign.ID, "leadID", lead.ID, "conversationID", conversationID)
}

// personalizeTemplate fills the {{nome}}/{{name}} placeholders.
func personalizeTemplate(template, name string) string {
	out := strings.ReplaceAll(template, "{{nome}}", name)
	return strings.ReplaceAll(out, "{{name}}", name)
}
