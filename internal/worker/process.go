package worker

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/ODuo-Tech-Team/SharPro2.0/internal/engine"
	"github.com/ODuo-Tech-Team/SharPro2.0/internal/models"
	"github.com/openai/openai-go"
)

// rememberContact keeps the last sender seen per conversation so the batch
// processor, which fires after the debounce window, still knows who it is
// talking to.
func (w *Worker) rememberContact(conversationID int64, sender models.SenderPayload) {
	if sender.ID == 0 && sender.PhoneNumber == "" {
		return
	}
	w.contactMu.Lock()
	defer w.contactMu.Unlock()
	w.contacts[conversationID] = sender
}

func (w *Worker) contactOf(conversationID int64) models.SenderPayload {
	w.contactMu.Lock()
	defer w.contactMu.Unlock()
	return w.contacts[conversationID]
}

// ProcessBatch drains the conversation's buffer and runs one completion over
// the whole batch. It is the debounce timer's target.
func (w *Worker) ProcessBatch(ctx context.Context, conversationID, accountID int64) {
	items, err := w.state.ReadBuffer(ctx, conversationID)
	if err != nil {
		slog.Error("Worker.ProcessBatch: buffer read failed", "conversationID", conversationID, "error", err)
		return
	}
	if len(items) == 0 {
		// Expired or already claimed; nothing to answer.
		slog.Debug("Worker.ProcessBatch: empty buffer", "conversationID", conversationID)
		return
	}

	taken, err := w.state.IsHumanTakeover(ctx, conversationID)
	if err != nil {
		slog.Error("Worker.ProcessBatch: takeover check failed", "conversationID", conversationID, "error", err)
		return
	}
	if taken {
		slog.Info("Worker.ProcessBatch: human owns conversation, dropping batch",
			"conversationID", conversationID, "fragments", len(items))
		w.discardBuffer(ctx, conversationID)
		return
	}

	org, err := w.store.GetOrganizationByAccountID(ctx, accountID)
	if err != nil {
		slog.Error("Worker.ProcessBatch: organization lookup failed", "accountID", accountID, "error", err)
		return
	}
	if org == nil || !org.IsActive {
		slog.Info("Worker.ProcessBatch: tenant missing or blocked, dropping batch",
			"accountID", accountID, "conversationID", conversationID)
		w.discardBuffer(ctx, conversationID)
		return
	}

	// Claim the batch before the slow work starts.
	w.discardBuffer(ctx, conversationID)
	batchText := strings.Join(items, "\n")
	contact := w.contactOf(conversationID)
	chat := w.newChat(org)

	if err := w.store.UpsertConversation(ctx, models.Conversation{
		OrganizationID: org.ID,
		ConversationID: conversationID,
		ContactID:      contact.ID,
	}); err != nil {
		slog.Error("Worker.ProcessBatch: conversation upsert failed", "conversationID", conversationID, "error", err)
	}
	w.autoRegisterLead(ctx, org, contact)

	if keyword := w.matchHandoffKeyword(org, batchText); keyword != "" {
		w.smartHandoff(ctx, org, chat, conversationID, contact.ID, keyword)
		return
	}

	if org.AIConfig.BusinessHours != nil && !withinBusinessHours(org.AIConfig.BusinessHours, time.Now()) {
		message := org.AIConfig.OutsideHoursMessage
		if message == "" {
			message = "No momento estamos fora do horário de atendimento. Retornaremos assim que possível!"
		}
		slog.Info("Worker.ProcessBatch: outside business hours", "conversationID", conversationID, "orgID", org.ID)
		w.sendWithMarker(ctx, chat, conversationID, message)
		return
	}

	messages, err := w.buildCompletionMessages(ctx, chat, org, conversationID, batchText)
	if err != nil {
		slog.Error("Worker.ProcessBatch: history build failed", "conversationID", conversationID, "error", err)
		return
	}

	result, err := w.engine.RunCompletion(ctx, engine.Request{
		Org:            org,
		ConversationID: conversationID,
		ContactID:      contact.ID,
		ContactName:    contact.Name,
		ContactPhone:   contact.PhoneNumber,
		Chat:           chat,
		Messages:       messages,
	})
	if err != nil {
		slog.Error("Worker.ProcessBatch: completion failed", "conversationID", conversationID, "error", err)
		return
	}

	if result.Transferred {
		if farewell := org.HandoffConfig.FarewellMessage; farewell != "" {
			w.sendWithMarker(ctx, chat, conversationID, farewell)
		}
		return
	}

	for _, note := range result.InternalNotes {
		if err := chat.SendMessage(ctx, conversationID, note, true); err != nil {
			slog.Error("Worker.ProcessBatch: internal note failed", "conversationID", conversationID, "error", err)
		}
	}
	if result.Reply != "" {
		w.sendWithMarker(ctx, chat, conversationID, result.Reply)
	}
	slog.Info("Worker.ProcessBatch: batch answered",
		"conversationID", conversationID, "fragments", len(items), "replyLength", len(result.Reply))
}

func (w *Worker) discardBuffer(ctx context.Context, conversationID int64) {
	if err := w.state.DeleteBuffer(ctx, conversationID); err != nil {
		slog.Error("Worker.discardBuffer: delete failed", "conversationID", conversationID, "error", err)
	}
}

// sendWithMarker sets the bot-authored marker before sending so the outgoing
// webhook echo is not mistaken for a human takeover.
func (w *Worker) sendWithMarker(ctx context.Context, chat ChatClient, conversationID int64, content string) {
	if err := w.state.SetAIResponding(ctx, conversationID); err != nil {
		slog.Error("Worker.sendWithMarker: marker set failed", "conversationID", conversationID, "error", err)
	}
	if err := chat.SendMessage(ctx, conversationID, content, false); err != nil {
		slog.Error("Worker.sendWithMarker: send failed", "conversationID", conversationID, "error", err)
	}
}

func (w *Worker) autoRegisterLead(ctx context.Context, org *models.Organization, contact models.SenderPayload) {
	if contact.PhoneNumber == "" {
		return
	}
	if org.LeadLimit > 0 {
		count, err := w.store.CountOrgLeads(ctx, org.ID)
		if err != nil {
			slog.Error("Worker.autoRegisterLead: count failed", "orgID", org.ID, "error", err)
			return
		}
		if count >= org.LeadLimit {
			return
		}
	}
	_, created, err := w.store.UpsertLead(ctx, models.Lead{
		OrganizationID: org.ID,
		Name:           contact.Name,
		Phone:          contact.PhoneNumber,
		ContactID:      contact.ID,
		Source:         models.LeadSourceOrganic,
	})
	if err != nil {
		slog.Error("Worker.autoRegisterLead: upsert failed", "orgID", org.ID, "error", err)
		return
	}
	if created {
		slog.Info("Worker.autoRegisterLead: lead captured", "orgID", org.ID, "phone", contact.PhoneNumber)
	}
}

func (w *Worker) matchHandoffKeyword(org *models.Organization, text string) string {
	if !org.HandoffConfig.Enabled {
		return ""
	}
	lower := strings.ToLower(text)
	for _, keyword := range org.HandoffConfig.Keywords {
		if keyword != "" && strings.Contains(lower, strings.ToLower(keyword)) {
			return keyword
		}
	}
	return ""
}

// smartHandoff transfers the conversation when a configured keyword appears,
// without spending a completion.
func (w *Worker) smartHandoff(ctx context.Context, org *models.Organization, chat ChatClient, conversationID, contactID int64, keyword string) {
	slog.Info("Worker.smartHandoff: keyword matched",
		"conversationID", conversationID, "orgID", org.ID, "keyword", keyword)

	if err := w.state.SetHumanTakeover(ctx, conversationID); err != nil {
		slog.Error("Worker.smartHandoff: takeover flag failed", "conversationID", conversationID, "error", err)
	}
	if err := w.store.SetConversationAIStatus(ctx, conversationID, models.AIStatusPaused, models.ConversationStatusHuman); err != nil {
		slog.Error("Worker.smartHandoff: status persist failed", "conversationID", conversationID, "error", err)
	}
	if err := chat.ToggleStatus(ctx, conversationID, "open"); err != nil {
		slog.Error("Worker.smartHandoff: open failed", "conversationID", conversationID, "error", err)
	}
	if org.HandoffConfig.TeamID != 0 {
		if err := chat.AssignTeam(ctx, conversationID, org.HandoffConfig.TeamID); err != nil {
			slog.Error("Worker.smartHandoff: team assignment failed", "conversationID", conversationID, "error", err)
		}
	}
	if err := chat.SendMessage(ctx, conversationID,
		"Conversa transferida automaticamente: cliente mencionou \""+keyword+"\".", true); err != nil {
		slog.Error("Worker.smartHandoff: private note failed", "conversationID", conversationID, "error", err)
	}
	if farewell := org.HandoffConfig.FarewellMessage; farewell != "" {
		w.sendWithMarker(ctx, chat, conversationID, farewell)
	}
}

// buildCompletionMessages assembles system prompt, platform history, and the
// batched customer text.
func (w *Worker) buildCompletionMessages(ctx context.Context, chat ChatClient, org *models.Organization, conversationID int64, batchText string) ([]openai.ChatCompletionMessageParamUnion, error) {
	messages := []openai.ChatCompletionMessageParamUnion{
		openai.SystemMessage(buildSystemPrompt(org)),
	}

	history, err := chat.GetMessages(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	if w.historyLimit > 0 && len(history) > w.historyLimit {
		history = history[len(history)-w.historyLimit:]
	}
	for _, m := range history {
		if m.Private || m.Content == "" {
			continue
		}
		if m.IsOutgoing() {
			messages = append(messages, openai.AssistantMessage(m.Content))
		} else {
			messages = append(messages, openai.UserMessage(m.Content))
		}
	}

	return append(messages, openai.UserMessage(batchText)), nil
}

// withinBusinessHours checks the tenant's service window, including windows
// that cross midnight.
func withinBusinessHours(bh *models.BusinessHours, now time.Time) bool {
	loc, err := time.LoadLocation(bh.Timezone)
	if err != nil {
		slog.Warn("Worker.withinBusinessHours: bad timezone, allowing", "timezone", bh.Timezone, "error", err)
		return true
	}
	start, err1 := time.Parse("15:04", bh.Start)
	end, err2 := time.Parse("15:04", bh.End)
	if err1 != nil || err2 != nil {
		slog.Warn("Worker.withinBusinessHours: bad window, allowing", "start", bh.Start, "end", bh.End)
		return true
	}

	local := now.In(loc)
	minutes := local.Hour()*60 + local.Minute()
	startMin := start.Hour()*60 + start.Minute()
	endMin := end.Hour()*60 + end.Minute()
	if startMin == endMin {
		return true
	}
	if startMin < endMin {
		return minutes >= startMin && minutes < endMin
	}
	return minutes >= startMin || minutes < endMin
}
