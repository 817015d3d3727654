package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/ODuo-Tech-Team/SharPro2.0/internal/chatbox"
	"github.com/ODuo-Tech-Team/SharPro2.0/internal/models"
)

// HandleReplyCommand delivers one queued outbound text. Other services on the
// platform use this queue to speak through the bot's credentials; undelivered
// commands expire to the dead-letter queue.
func (w *Worker) HandleReplyCommand(ctx context.Context, body []byte) error {
	var cmd models.ReplyCommand
	if err := json.Unmarshal(body, &cmd); err != nil {
		slog.Warn("Worker.HandleReplyCommand: dropping undecodable command", "error", err)
		return nil
	}
	if cmd.ConversationID == 0 || cmd.Text == "" {
		slog.Warn("Worker.HandleReplyCommand: missing conversation or text")
		return nil
	}

	chat := w.replyChat(&cmd)
	if chat == nil {
		slog.Warn("Worker.HandleReplyCommand: no credentials for command",
			"conversationID", cmd.ConversationID, "accountID", cmd.AccountID)
		return nil
	}

	if cmd.OpenConversation {
		if err := chat.ToggleStatus(ctx, cmd.ConversationID, "open"); err != nil {
			slog.Error("Worker.HandleReplyCommand: open failed",
				"conversationID", cmd.ConversationID, "error", err)
		}
	}
	if !cmd.Private {
		if err := w.state.SetAIResponding(ctx, cmd.ConversationID); err != nil {
			slog.Error("Worker.HandleReplyCommand: marker failed",
				"conversationID", cmd.ConversationID, "error", err)
		}
	}
	if err := chat.SendMessage(ctx, cmd.ConversationID, cmd.Text, cmd.Private); err != nil {
		return fmt.Errorf("reply send failed for conversation %d: %w", cmd.ConversationID, err)
	}
	slog.Info("Worker.HandleReplyCommand: reply delivered",
		"conversationID", cmd.ConversationID, "private", cmd.Private)
	return nil
}

// replyChat builds a platform client from the command's inline credentials,
// falling back to the tenant row when only the account id is present.
func (w *Worker) replyChat(cmd *models.ReplyCommand) ChatClient {
	if cmd.ChatboxURL != "" && cmd.ChatboxToken != "" {
		return w.newChat(&models.Organization{
			ChatboxURL:       cmd.ChatboxURL,
			ChatboxToken:     cmd.ChatboxToken,
			ChatboxAccountID: cmd.AccountID,
		})
	}
	if cmd.AccountID == 0 {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), chatbox.DefaultTimeout)
	defer cancel()
	org, err := w.store.GetOrganizationByAccountID(ctx, cmd.AccountID)
	if err != nil || org == nil {
		return nil
	}
	return w.newChat(org)
}
