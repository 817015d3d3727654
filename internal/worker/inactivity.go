package worker

import (
	"context"
	"log/slog"
	"time"

	"github.com/ODuo-Tech-Team/SharPro2.0/internal/models"
)

// runInactivitySweep resolves bot-owned conversations that have been idle
// past the threshold, on a fixed interval.
func (w *Worker) runInactivitySweep(ctx context.Context) {
	ticker := time.NewTicker(w.sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		orgs, err := w.store.ListActiveOrganizations(ctx)
		if err != nil {
			slog.Error("Worker.runInactivitySweep: organization list failed", "error", err)
			continue
		}
		for i := range orgs {
			closed, err := w.ProcessStaleTickets(ctx, &orgs[i], w.inactivityThreshold)
			if err != nil {
				slog.Error("Worker.runInactivitySweep: sweep failed", "orgID", orgs[i].ID, "error", err)
				continue
			}
			if closed > 0 {
				slog.Info("Worker.runInactivitySweep: conversations resolved",
					"orgID", orgs[i].ID, "closed", closed)
			}
		}
	}
}

// ProcessStaleTickets resolves the tenant's bot-owned conversations idle for
// longer than olderThan. It also backs the engine's process_stale_tickets
// tool.
func (w *Worker) ProcessStaleTickets(ctx context.Context, org *models.Organization, olderThan time.Duration) (int, error) {
	cutoff := time.Now().Add(-olderThan)
	stale, err := w.store.ListStaleConversations(ctx, cutoff)
	if err != nil {
		return 0, err
	}

	chat := w.newChat(org)
	closed := 0
	for _, conv := range stale {
		if conv.OrganizationID != org.ID {
			continue
		}
		if err := chat.ToggleStatus(ctx, conv.ConversationID, "resolved"); err != nil {
			slog.Error("Worker.ProcessStaleTickets: resolve failed",
				"conversationID", conv.ConversationID, "error", err)
			continue
		}
		if err := w.store.SetConversationAIStatus(ctx, conv.ConversationID, models.AIStatusActive, models.ConversationStatusBot); err != nil {
			slog.Error("Worker.ProcessStaleTickets: status persist failed",
				"conversationID", conv.ConversationID, "error", err)
		}
		closed++
	}
	return closed, nil
}
