package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/ODuo-Tech-Team/SharPro2.0/internal/models"
)

// executeTransfer hands the conversation to a human team. The takeover flag
// is set before any platform call so the bot stops replying even if a later
// step fails; every other step is best effort and only logged on failure.
func (e *Engine) executeTransfer(ctx context.Context, req Request, rawArgs json.RawMessage) {
	var args struct {
		Reason  string `json:"reason"`
		Summary string `json:"summary"`
	}
	if err := json.Unmarshal(rawArgs, &args); err != nil {
		slog.Warn("Engine.executeTransfer: bad arguments, transferring anyway",
			"conversationID", req.ConversationID, "error", err)
	}
	if args.Reason == "" {
		args.Reason = "customer requested a human"
	}

	if err := e.state.SetHumanTakeover(ctx, req.ConversationID); err != nil {
		slog.Error("Engine.executeTransfer: takeover flag set failed",
			"conversationID", req.ConversationID, "error", err)
	}
	if err := e.store.SetConversationAIStatus(ctx, req.ConversationID, models.AIStatusPaused, models.ConversationStatusHuman); err != nil {
		slog.Error("Engine.executeTransfer: status persist failed",
			"conversationID", req.ConversationID, "error", err)
	}

	var steps []models.StepResult

	steps = append(steps, models.StepResult{
		Step: "open_conversation",
		Err:  req.Chat.ToggleStatus(ctx, req.ConversationID, "open"),
	})

	if req.Org.HandoffConfig.TeamID != 0 {
		steps = append(steps, models.StepResult{
			Step: "assign_team",
			Err:  req.Chat.AssignTeam(ctx, req.ConversationID, req.Org.HandoffConfig.TeamID),
		})
	}

	if req.ContactID != 0 && args.Summary != "" {
		steps = append(steps, models.StepResult{
			Step: "contact_note",
			Err:  req.Chat.CreateContactNote(ctx, req.ContactID, args.Summary),
		})
	}

	note := fmt.Sprintf("Conversa transferida para atendimento humano.\nMotivo: %s", args.Reason)
	if args.Summary != "" {
		note += "\nResumo: " + args.Summary
	}
	steps = append(steps, models.StepResult{
		Step: "private_note",
		Err:  req.Chat.SendMessage(ctx, req.ConversationID, note, true),
	})

	for _, step := range steps {
		if step.Err != nil {
			slog.Error("Engine.executeTransfer: handoff step failed",
				"conversationID", req.ConversationID, "step", step.Step, "error", step.Err)
		}
	}
	slog.Info("Engine.executeTransfer: conversation transferred",
		"conversationID", req.ConversationID, "reason", args.Reason, "steps", len(steps))
}
