package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"path"
	"strings"

	"github.com/ODuo-Tech-Team/SharPro2.0/internal/models"
)

// HandleIncomingEvent routes one inbound-event delivery. Malformed or
// irrelevant payloads are dropped (nil error acks them); only transient
// failures propagate for a requeue.
func (w *Worker) HandleIncomingEvent(ctx context.Context, body []byte) error {
	var event models.InboundEvent
	if err := json.Unmarshal(body, &event); err != nil {
		slog.Warn("Worker.HandleIncomingEvent: dropping undecodable event", "error", err, "bytes", len(body))
		return nil
	}

	switch event.Event {
	case models.EventMessageCreated:
		if event.MessageType == models.MessageTypeOutgoing {
			return w.handleOutgoingMessage(ctx, &event)
		}
		if event.MessageType == models.MessageTypeIncoming {
			return w.handleIncomingMessage(ctx, &event)
		}
		slog.Debug("Worker.HandleIncomingEvent: ignoring message direction",
			"messageType", string(event.MessageType))
		return nil
	case models.EventConversationStatusChanged:
		return w.handleStatusChange(ctx, &event)
	case models.EventConversationUpdated:
		return w.handleConversationUpdated(ctx, &event)
	default:
		slog.Debug("Worker.HandleIncomingEvent: ignoring event", "event", event.Event)
		return nil
	}
}

// handleIncomingMessage authorizes, buffers, and schedules one customer
// message fragment.
func (w *Worker) handleIncomingMessage(ctx context.Context, event *models.InboundEvent) error {
	accountID := event.ResolveAccountID()
	conversationID := event.ResolveConversationID()
	if accountID == 0 || conversationID == 0 {
		slog.Warn("Worker.handleIncomingMessage: dropping event",
			"error", models.ErrMissingIdentifiers, "accountID", accountID, "conversationID", conversationID)
		return nil
	}
	if event.Private {
		return nil
	}
	if event.IsGroup() {
		slog.Debug("Worker.handleIncomingMessage: ignoring group conversation",
			"conversationID", conversationID)
		return nil
	}

	authorized, err := w.authorizeInbox(ctx, event, accountID, conversationID)
	if err != nil {
		return err
	}
	if !authorized {
		return nil
	}

	// A reply from a campaign recipient flips their lead to replied even when
	// the bot is paused for the conversation.
	w.recordCampaignReply(ctx, event)

	content := event.ResolveContent()
	if content == "" {
		content = w.transcribeAudioAttachment(ctx, event)
	}
	if strings.TrimSpace(content) == "" {
		slog.Debug("Worker.handleIncomingMessage: no usable content", "conversationID", conversationID)
		return nil
	}

	w.rememberContact(conversationID, event.Sender)
	if _, err := w.state.PushBuffer(ctx, conversationID, content, w.bufferTTL); err != nil {
		return fmt.Errorf("buffer push failed for conversation %d: %w", conversationID, err)
	}
	w.debouncer.Schedule(conversationID, accountID)
	slog.Debug("Worker.handleIncomingMessage: fragment buffered",
		"conversationID", conversationID, "accountID", accountID, "length", len(content))
	return nil
}

// authorizeInbox enforces the tenant's registered inbox set. An empty set
// allows everything; that tenant predates inbox registration.
func (w *Worker) authorizeInbox(ctx context.Context, event *models.InboundEvent, accountID, conversationID int64) (bool, error) {
	inboxIDs, err := w.store.GetOrgInboxIDs(ctx, accountID)
	if err != nil {
		return false, fmt.Errorf("inbox lookup failed for account %d: %w", accountID, err)
	}
	if len(inboxIDs) == 0 {
		slog.Warn("Worker.authorizeInbox: no inbox registered, allowing all",
			"accountID", accountID, "conversationID", conversationID)
		return true, nil
	}

	eventInbox := event.ResolveInboxID()
	if eventInbox == 0 {
		// Fail closed: an event that cannot name its inbox is never authorized
		// against a registered set.
		slog.Info("Worker.authorizeInbox: denying event without inbox",
			"accountID", accountID, "conversationID", conversationID)
		return false, nil
	}

	for _, id := range inboxIDs {
		if id == eventInbox {
			return true, nil
		}
	}
	slog.Info("Worker.authorizeInbox: inbox not authorized for tenant",
		"accountID", accountID, "conversationID", conversationID, "inboxID", eventInbox)
	return false, nil
}

func (w *Worker) recordCampaignReply(ctx context.Context, event *models.InboundEvent) {
	phone := event.Sender.PhoneNumber
	if phone == "" {
		return
	}
	lead, err := w.store.FindSentCampaignLeadByPhone(ctx, phone)
	if err != nil {
		slog.Error("Worker.recordCampaignReply: lookup failed", "phone", phone, "error", err)
		return
	}
	if lead == nil {
		return
	}
	if err := w.store.MarkCampaignLeadReplied(ctx, lead.ID); err != nil {
		slog.Error("Worker.recordCampaignReply: transition failed", "leadID", lead.ID, "error", err)
		return
	}
	if err := w.store.IncrementCampaignReplied(ctx, lead.CampaignID); err != nil {
		slog.Error("Worker.recordCampaignReply: counter failed", "campaignID", lead.CampaignID, "error", err)
	}
	slog.Info("Worker.recordCampaignReply: campaign lead replied",
		"campaignID", lead.CampaignID, "leadID", lead.ID)
}

// transcribeAudioAttachment converts the first audio attachment to text.
// Failures degrade to a placeholder so the conversation still moves.
func (w *Worker) transcribeAudioAttachment(ctx context.Context, event *models.InboundEvent) string {
	for _, att := range event.Attachments {
		if att.FileType != "audio" || att.DataURL == "" {
			continue
		}
		text, err := w.fetchAndTranscribe(ctx, att.DataURL)
		if err != nil {
			slog.Error("Worker.transcribeAudioAttachment: transcription failed",
				"conversationID", event.ResolveConversationID(), "error", err)
			return "[áudio recebido, não foi possível transcrever]"
		}
		slog.Debug("Worker.transcribeAudioAttachment: audio transcribed",
			"conversationID", event.ResolveConversationID(), "length", len(text))
		return text
	}
	return ""
}

func (w *Worker) fetchAndTranscribe(ctx context.Context, dataURL string) (string, error) {
	req, err := newAttachmentRequest(ctx, dataURL)
	if err != nil {
		return "", err
	}
	resp, err := w.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("attachment download failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != 200 {
		return "", fmt.Errorf("attachment download returned %d", resp.StatusCode)
	}
	filename := path.Base(req.URL.Path)
	if filename == "" || filename == "/" || filename == "." {
		filename = "audio.ogg"
	}
	return w.genai.TranscribeAudio(ctx, filename, resp.Body)
}

func newAttachmentRequest(ctx context.Context, dataURL string) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, dataURL, nil)
	if err != nil {
		return nil, fmt.Errorf("bad attachment URL: %w", err)
	}
	return req, nil
}
