// Package engine runs the tool-calling completion loop that produces the
// bot's replies.
//
// The engine owns the tool definitions (human handoff, lead registration,
// stale-ticket sweep), executes tool calls against the stores and the chat
// platform, and post-processes the model output (internal notes, lead
// qualification blocks) before the worker sends it.
package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/ODuo-Tech-Team/SharPro2.0/internal/genai"
	"github.com/ODuo-Tech-Team/SharPro2.0/internal/models"
	"github.com/ODuo-Tech-Team/SharPro2.0/internal/statestore"
	"github.com/ODuo-Tech-Team/SharPro2.0/internal/store"
	"github.com/openai/openai-go"
	"github.com/openai/openai-go/packages/param"
	"github.com/openai/openai-go/shared"
)

// maxToolRounds caps the completion loop so a model that keeps requesting
// tools cannot spin forever.
const maxToolRounds = 5

// ChatClient is the subset of the platform client the engine needs for tool
// side effects.
type ChatClient interface {
	SendMessage(ctx context.Context, conversationID int64, content string, private bool) error
	ToggleStatus(ctx context.Context, conversationID int64, status string) error
	AssignTeam(ctx context.Context, conversationID, teamID int64) error
	CreateContactNote(ctx context.Context, contactID int64, content string) error
}

// StaleSweeper resolves the process_stale_tickets tool. The worker implements
// it with the inactivity sweep.
type StaleSweeper interface {
	ProcessStaleTickets(ctx context.Context, org *models.Organization, olderThan time.Duration) (int, error)
}

// Request is one completion run for a single conversation.
type Request struct {
	Org            *models.Organization
	ConversationID int64
	ContactID      int64
	ContactName    string
	ContactPhone   string
	Chat           ChatClient
	Messages       []openai.ChatCompletionMessageParamUnion
}

// Result is the outcome of a completion run.
type Result struct {
	// Reply is the customer-facing text, already stripped of internal blocks.
	Reply string
	// InternalNotes are blocks the model addressed to agents, to be posted as
	// private messages.
	InternalNotes []string
	// Qualification is the parsed lead-scoring block, when present.
	Qualification *models.Qualification
	// Transferred is true when the conversation was handed to a human; the
	// worker must not send further automated replies.
	Transferred bool
}

// Engine executes tool-calling completions.
type Engine struct {
	genai genai.ClientInterface
	store store.Store
	state statestore.Store
	sweep StaleSweeper
}

// NewEngine creates a completion engine.
func NewEngine(genaiClient genai.ClientInterface, st store.Store, state statestore.Store, sweep StaleSweeper) *Engine {
	return &Engine{genai: genaiClient, store: st, state: state, sweep: sweep}
}

func toolDefinitions() []openai.ChatCompletionToolParam {
	return []openai.ChatCompletionToolParam{
		{
			Type: "function",
			Function: shared.FunctionDefinitionParam{
				Name:        "transfer_to_human_specialist",
				Description: openai.String("Transfer the conversation to a human specialist. Use when the customer explicitly asks for a human, is frustrated, or raises an issue you cannot resolve."),
				Parameters: shared.FunctionParameters{
					"type": "object",
					"properties": map[string]interface{}{
						"reason": map[string]interface{}{
							"type":        "string",
							"description": "Short reason for the transfer",
						},
						"summary": map[string]interface{}{
							"type":        "string",
							"description": "Summary of the conversation so far for the human agent",
						},
					},
					"required": []string{"reason"},
				},
			},
		},
		{
			Type: "function",
			Function: shared.FunctionDefinitionParam{
				Name:        "register_lead",
				Description: openai.String("Register the customer as a sales lead once you know their name and phone number."),
				Parameters: shared.FunctionParameters{
					"type": "object",
					"properties": map[string]interface{}{
						"name": map[string]interface{}{
							"type":        "string",
							"description": "Customer name",
						},
						"phone": map[string]interface{}{
							"type":        "string",
							"description": "Customer phone number in international format",
						},
						"interest": map[string]interface{}{
							"type":        "string",
							"description": "What the customer is interested in",
						},
					},
					"required": []string{"name", "phone"},
				},
			},
		},
		{
			Type: "function",
			Function: shared.FunctionDefinitionParam{
				Name:        "process_stale_tickets",
				Description: openai.String("Close out conversations that have been inactive for the given number of hours. Only use when an operator asks for ticket cleanup."),
				Parameters: shared.FunctionParameters{
					"type": "object",
					"properties": map[string]interface{}{
						"hours": map[string]interface{}{
							"type":        "integer",
							"description": "Inactivity threshold in hours",
						},
					},
					"required": []string{"hours"},
				},
			},
		},
	}
}

// RunCompletion runs the tool loop until the model produces a user-facing
// reply, a transfer happens, or the round cap is reached.
func (e *Engine) RunCompletion(ctx context.Context, req Request) (*Result, error) {
	tools := toolDefinitions()
	messages := req.Messages

	for round := 1; round <= maxToolRounds; round++ {
		slog.Debug("Engine.RunCompletion: round start",
			"conversationID", req.ConversationID, "round", round, "messageCount", len(messages))

		toolResponse, err := e.genai.GenerateWithTools(ctx, messages, tools)
		if err != nil {
			return nil, fmt.Errorf("completion round %d failed: %w", round, err)
		}

		if len(toolResponse.ToolCalls) == 0 {
			if toolResponse.Content == "" {
				slog.Warn("Engine.RunCompletion: empty response without tool calls",
					"conversationID", req.ConversationID, "round", round)
				return &Result{}, nil
			}
			return e.finalize(ctx, req, toolResponse.Content), nil
		}

		messages = appendAssistantToolCalls(messages, toolResponse)

		for _, toolCall := range toolResponse.ToolCalls {
			slog.Info("Engine.RunCompletion: executing tool",
				"conversationID", req.ConversationID, "tool", toolCall.Function.Name, "toolCallID", toolCall.ID)

			if toolCall.Function.Name == "transfer_to_human_specialist" {
				// Transfer ends the run immediately; nothing the model says
				// after this point should reach the customer.
				e.executeTransfer(ctx, req, toolCall.Function.Arguments)
				return &Result{Transferred: true}, nil
			}

			result := e.executeTool(ctx, req, toolCall)
			messages = append(messages, openai.ToolMessage(result, toolCall.ID))
		}
		// Any content alongside tool calls predates the tool results; the next
		// round produces the reply that accounts for them.
	}

	// Round cap reached; ask for a plain reply with the tool results in
	// context.
	slog.Warn("Engine.RunCompletion: tool round cap reached", "conversationID", req.ConversationID)
	reply, err := e.genai.GenerateWithMessages(ctx, messages)
	if err != nil {
		return nil, fmt.Errorf("final completion failed: %w", err)
	}
	return e.finalize(ctx, req, reply), nil
}

func (e *Engine) finalize(ctx context.Context, req Request, raw string) *Result {
	reply, notes := SplitInternalNotes(raw)
	reply, qualification := ExtractQualification(reply)
	result := &Result{Reply: reply, InternalNotes: notes, Qualification: qualification}

	if qualification != nil && req.ContactID != 0 {
		if err := e.store.UpdateLeadQualification(ctx, req.Org.ID, req.ContactID, *qualification); err != nil {
			slog.Error("Engine.finalize: lead qualification update failed",
				"conversationID", req.ConversationID, "error", err)
		}
	}
	return result
}

func appendAssistantToolCalls(messages []openai.ChatCompletionMessageParamUnion, resp *genai.ToolCallResponse) []openai.ChatCompletionMessageParamUnion {
	var toolCalls []openai.ChatCompletionMessageToolCallParam
	for _, tc := range resp.ToolCalls {
		toolCalls = append(toolCalls, openai.ChatCompletionMessageToolCallParam{
			ID:   tc.ID,
			Type: "function",
			Function: openai.ChatCompletionMessageToolCallFunctionParam{
				Name:      tc.Function.Name,
				Arguments: string(tc.Function.Arguments),
			},
		})
	}
	assistant := openai.ChatCompletionAssistantMessageParam{
		Content: openai.ChatCompletionAssistantMessageParamContentUnion{
			OfString: param.NewOpt(resp.Content),
		},
		ToolCalls: toolCalls,
	}
	return append(messages, openai.ChatCompletionMessageParamUnion{OfAssistant: &assistant})
}

func (e *Engine) executeTool(ctx context.Context, req Request, toolCall genai.ToolCall) string {
	switch toolCall.Function.Name {
	case "register_lead":
		return e.executeRegisterLead(ctx, req, toolCall.Function.Arguments)
	case "process_stale_tickets":
		return e.executeStaleTickets(ctx, req, toolCall.Function.Arguments)
	default:
		slog.Warn("Engine.executeTool: unknown tool requested",
			"conversationID", req.ConversationID, "tool", toolCall.Function.Name)
		return fmt.Sprintf("Unknown tool: %s", toolCall.Function.Name)
	}
}

func (e *Engine) executeRegisterLead(ctx context.Context, req Request, rawArgs json.RawMessage) string {
	var args struct {
		Name     string `json:"name"`
		Phone    string `json:"phone"`
		Interest string `json:"interest"`
	}
	if err := json.Unmarshal(rawArgs, &args); err != nil {
		slog.Error("Engine.executeRegisterLead: bad arguments", "conversationID", req.ConversationID, "error", err)
		return "Could not register lead: invalid arguments."
	}
	if args.Phone == "" {
		args.Phone = req.ContactPhone
	}
	if args.Name == "" {
		args.Name = req.ContactName
	}
	if args.Phone == "" {
		return "Could not register lead: no phone number available."
	}

	if req.Org.LeadLimit > 0 {
		count, err := e.store.CountOrgLeads(ctx, req.Org.ID)
		if err != nil {
			slog.Error("Engine.executeRegisterLead: lead count failed", "orgID", req.Org.ID, "error", err)
			return "Could not register lead: internal error."
		}
		if count >= req.Org.LeadLimit {
			slog.Warn("Engine.executeRegisterLead: lead quota reached",
				"orgID", req.Org.ID, "limit", req.Org.LeadLimit)
			return "Lead could not be registered: the plan's lead quota is exhausted. Continue helping the customer normally."
		}
	}

	lead, created, err := e.store.UpsertLead(ctx, models.Lead{
		OrganizationID: req.Org.ID,
		Name:           args.Name,
		Phone:          args.Phone,
		ContactID:      req.ContactID,
		Source:         models.LeadSourceDigital,
		Status:         args.Interest,
	})
	if err != nil {
		slog.Error("Engine.executeRegisterLead: upsert failed", "orgID", req.Org.ID, "error", err)
		return "Could not register lead: internal error."
	}
	if !created {
		return fmt.Sprintf("Lead already registered for %s.", lead.Phone)
	}
	slog.Info("Engine.executeRegisterLead: lead registered",
		"orgID", req.Org.ID, "leadID", lead.ID, "conversationID", req.ConversationID)
	return fmt.Sprintf("Lead registered: %s (%s).", args.Name, args.Phone)
}

func (e *Engine) executeStaleTickets(ctx context.Context, req Request, rawArgs json.RawMessage) string {
	var args struct {
		Hours int `json:"hours"`
	}
	if err := json.Unmarshal(rawArgs, &args); err != nil || args.Hours <= 0 {
		return "Could not process tickets: a positive number of hours is required."
	}
	if e.sweep == nil {
		return "Ticket cleanup is not available."
	}
	closed, err := e.sweep.ProcessStaleTickets(ctx, req.Org, time.Duration(args.Hours)*time.Hour)
	if err != nil {
		slog.Error("Engine.executeStaleTickets: sweep failed", "orgID", req.Org.ID, "error", err)
		return "Ticket cleanup failed."
	}
	return fmt.Sprintf("Closed %d inactive conversations.", closed)
}
