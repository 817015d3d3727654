package worker

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/ODuo-Tech-Team/SharPro2.0/internal/models"
)

// autoCommand re-enables the bot when an agent types it into the conversation.
const autoCommand = "/auto"

// handleOutgoingMessage is the takeover detector. An outgoing non-private
// message that the bot did not author means a human agent stepped in: the bot
// pauses for the conversation until the takeover flag expires or the
// conversation is reopened.
func (w *Worker) handleOutgoingMessage(ctx context.Context, event *models.InboundEvent) error {
	conversationID := event.ResolveConversationID()
	accountID := event.ResolveAccountID()
	if conversationID == 0 || accountID == 0 {
		return nil
	}
	if event.Private {
		// Internal notes never affect ownership.
		return nil
	}

	// The bot's own sends echo back as outgoing events; the short-lived
	// marker set before each automated send identifies them.
	responding, err := w.state.IsAIResponding(ctx, conversationID)
	if err != nil {
		return fmt.Errorf("responding marker check failed for conversation %d: %w", conversationID, err)
	}
	if responding {
		slog.Debug("Worker.handleOutgoingMessage: own message echo ignored",
			"conversationID", conversationID)
		return nil
	}

	if strings.EqualFold(strings.TrimSpace(event.ResolveContent()), autoCommand) {
		return w.resumeAutomation(ctx, conversationID, "auto command")
	}

	alreadyTaken, err := w.state.IsHumanTakeover(ctx, conversationID)
	if err != nil {
		return fmt.Errorf("takeover check failed for conversation %d: %w", conversationID, err)
	}
	if err := w.state.SetHumanTakeover(ctx, conversationID); err != nil {
		return fmt.Errorf("takeover flag set failed for conversation %d: %w", conversationID, err)
	}
	if err := w.store.SetConversationAIStatus(ctx, conversationID, models.AIStatusPaused, models.ConversationStatusHuman); err != nil {
		slog.Error("Worker.handleOutgoingMessage: status persist failed",
			"conversationID", conversationID, "error", err)
	}
	// Any buffered fragments belong to the human now.
	w.debouncer.Cancel(conversationID)
	if err := w.state.DeleteBuffer(ctx, conversationID); err != nil {
		slog.Error("Worker.handleOutgoingMessage: buffer discard failed",
			"conversationID", conversationID, "error", err)
	}

	if alreadyTaken {
		return nil
	}
	slog.Info("Worker.handleOutgoingMessage: human takeover detected",
		"conversationID", conversationID, "accountID", accountID)

	// First takeover gets a background summary note so the agent has context.
	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		w.postTakeoverSummary(conversationID, accountID)
	}()
	return nil
}

func (w *Worker) resumeAutomation(ctx context.Context, conversationID int64, reason string) error {
	if err := w.state.ClearHumanTakeover(ctx, conversationID); err != nil {
		return fmt.Errorf("takeover clear failed for conversation %d: %w", conversationID, err)
	}
	if err := w.store.SetConversationAIStatus(ctx, conversationID, models.AIStatusActive, models.ConversationStatusBot); err != nil {
		slog.Error("Worker.resumeAutomation: status persist failed",
			"conversationID", conversationID, "error", err)
	}
	slog.Info("Worker.resumeAutomation: bot re-enabled",
		"conversationID", conversationID, "reason", reason)
	return nil
}

// handleStatusChange clears the takeover when the conversation leaves the
// agent's hands (back to the queue or resolved).
func (w *Worker) handleStatusChange(ctx context.Context, event *models.InboundEvent) error {
	conversationID := event.ResolveConversationID()
	if conversationID == 0 {
		return nil
	}
	switch event.ResolveStatus() {
	case "pending", "resolved":
		return w.resumeAutomation(ctx, conversationID, "status "+event.ResolveStatus())
	}
	return nil
}

// handleConversationUpdated watches label changes for the sale label.
func (w *Worker) handleConversationUpdated(ctx context.Context, event *models.InboundEvent) error {
	conversationID := event.ResolveConversationID()
	accountID := event.ResolveAccountID()
	if conversationID == 0 || accountID == 0 {
		return nil
	}
	if !hasLabel(event.Conversation.Labels, w.saleLabel) {
		return nil
	}
	org, err := w.store.GetOrganizationByAccountID(ctx, accountID)
	if err != nil {
		return fmt.Errorf("organization lookup failed for account %d: %w", accountID, err)
	}
	if org == nil {
		return nil
	}
	// InsertSale is idempotent per conversation, so repeated label events are
	// harmless.
	if err := w.store.InsertSale(ctx, models.Sale{
		OrganizationID: org.ID,
		ConversationID: conversationID,
		Source:         "label",
		ConfirmedBy:    "agent",
	}); err != nil {
		return fmt.Errorf("sale insert failed for conversation %d: %w", conversationID, err)
	}
	slog.Info("Worker.handleConversationUpdated: sale recorded",
		"conversationID", conversationID, "orgID", org.ID)
	return nil
}

func hasLabel(labels []string, want string) bool {
	for _, l := range labels {
		if strings.EqualFold(l, want) {
			return true
		}
	}
	return false
}

// postTakeoverSummary summarizes the conversation on the cheap model and
// attaches it as a private note for the agent. Best effort.
func (w *Worker) postTakeoverSummary(conversationID, accountID int64) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	org, err := w.store.GetOrganizationByAccountID(ctx, accountID)
	if err != nil || org == nil {
		slog.Warn("Worker.postTakeoverSummary: organization unavailable",
			"accountID", accountID, "error", err)
		return
	}
	chat := w.newChat(org)
	messages, err := chat.GetMessages(ctx, conversationID)
	if err != nil {
		slog.Error("Worker.postTakeoverSummary: history fetch failed",
			"conversationID", conversationID, "error", err)
		return
	}
	if len(messages) == 0 {
		return
	}

	var b strings.Builder
	for _, m := range messages {
		if m.Private || m.Content == "" {
			continue
		}
		if m.IsOutgoing() {
			b.WriteString("Atendente: ")
		} else {
			b.WriteString("Cliente: ")
		}
		b.WriteString(m.Content)
		b.WriteString("\n")
	}
	summary, err := w.genai.GenerateSummary(ctx,
		"Resuma a conversa a seguir em até 4 frases para o atendente humano que está assumindo. Destaque o que o cliente quer e o que já foi combinado.",
		b.String())
	if err != nil {
		slog.Error("Worker.postTakeoverSummary: summary failed",
			"conversationID", conversationID, "error", err)
		return
	}
	if err := chat.SendMessage(ctx, conversationID, "Resumo do atendimento até aqui:\n"+summary, true); err != nil {
		slog.Error("Worker.postTakeoverSummary: note post failed",
			"conversationID", conversationID, "error", err)
	}
}
