package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/ODuo-Tech-Team/SharPro2.0/internal/genai"
	"github.com/ODuo-Tech-Team/SharPro2.0/internal/models"
	"github.com/ODuo-Tech-Team/SharPro2.0/internal/statestore"
	"github.com/ODuo-Tech-Team/SharPro2.0/internal/store"
	"github.com/openai/openai-go"
)

// mockGenAI replays a scripted sequence of tool responses.
type mockGenAI struct {
	responses  []*genai.ToolCallResponse
	toolCalls  int
	finalReply string
	finalCalls int
}

func (m *mockGenAI) GenerateWithMessages(ctx context.Context, messages []openai.ChatCompletionMessageParamUnion) (string, error) {
	m.finalCalls++
	return m.finalReply, nil
}

func (m *mockGenAI) GenerateWithTools(ctx context.Context, messages []openai.ChatCompletionMessageParamUnion, tools []openai.ChatCompletionToolParam) (*genai.ToolCallResponse, error) {
	if m.toolCalls >= len(m.responses) {
		return nil, fmt.Errorf("unexpected completion call %d", m.toolCalls+1)
	}
	resp := m.responses[m.toolCalls]
	m.toolCalls++
	return resp, nil
}

func (m *mockGenAI) GenerateSummary(ctx context.Context, systemPrompt, userPrompt string) (string, error) {
	return "summary", nil
}

func (m *mockGenAI) TranscribeAudio(ctx context.Context, filename string, audio io.Reader) (string, error) {
	return "", nil
}

// mockChat records platform calls for assertions.
type mockChat struct {
	calls         []string
	assignTeamErr error
	privateNotes  []string
}

func (m *mockChat) SendMessage(ctx context.Context, conversationID int64, content string, private bool) error {
	m.calls = append(m.calls, fmt.Sprintf("send:%d:private=%t", conversationID, private))
	if private {
		m.privateNotes = append(m.privateNotes, content)
	}
	return nil
}

func (m *mockChat) ToggleStatus(ctx context.Context, conversationID int64, status string) error {
	m.calls = append(m.calls, "toggle:"+status)
	return nil
}

func (m *mockChat) AssignTeam(ctx context.Context, conversationID, teamID int64) error {
	m.calls = append(m.calls, fmt.Sprintf("assign:%d", teamID))
	return m.assignTeamErr
}

func (m *mockChat) CreateContactNote(ctx context.Context, contactID int64, content string) error {
	m.calls = append(m.calls, fmt.Sprintf("note:%d", contactID))
	return nil
}

type mockSweeper struct {
	closed    int
	olderThan time.Duration
}

func (m *mockSweeper) ProcessStaleTickets(ctx context.Context, org *models.Organization, olderThan time.Duration) (int, error) {
	m.olderThan = olderThan
	return m.closed, nil
}

func toolCallOf(name string, args string) genai.ToolCall {
	return genai.ToolCall{
		ID:       "call-1",
		Type:     "function",
		Function: genai.FunctionCall{Name: name, Arguments: json.RawMessage(args)},
	}
}

func testRequest(org *models.Organization, chat ChatClient) Request {
	return Request{
		Org:            org,
		ConversationID: 100,
		ContactID:      55,
		ContactName:    "Maria",
		ContactPhone:   "+5511999990000",
		Chat:           chat,
		Messages:       []openai.ChatCompletionMessageParamUnion{openai.UserMessage("oi")},
	}
}

func TestRunCompletionPlainReply(t *testing.T) {
	mock := &mockGenAI{responses: []*genai.ToolCallResponse{{Content: "Olá! Como posso ajudar?"}}}
	e := NewEngine(mock, store.NewInMemoryStore(), statestore.NewInMemoryStore(), nil)

	result, err := e.RunCompletion(context.Background(), testRequest(&models.Organization{ID: "org-1"}, &mockChat{}))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Reply != "Olá! Como posso ajudar?" {
		t.Errorf("unexpected reply: %q", result.Reply)
	}
	if result.Transferred {
		t.Error("plain reply must not transfer")
	}
	if mock.toolCalls != 1 {
		t.Errorf("expected a single completion call, got %d", mock.toolCalls)
	}
}

func TestRunCompletionTransferShortCircuits(t *testing.T) {
	mock := &mockGenAI{responses: []*genai.ToolCallResponse{
		{ToolCalls: []genai.ToolCall{toolCallOf("transfer_to_human_specialist",
			`{"reason":"cliente pediu humano","summary":"quer falar sobre preço"}`)}},
	}}
	state := statestore.NewInMemoryStore()
	db := store.NewInMemoryStore()
	if err := db.UpsertConversation(context.Background(), models.Conversation{ConversationID: 100, OrganizationID: "org-1"}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	chat := &mockChat{}
	e := NewEngine(mock, db, state, nil)

	org := &models.Organization{ID: "org-1", HandoffConfig: models.HandoffConfig{TeamID: 3}}
	result, err := e.RunCompletion(context.Background(), testRequest(org, chat))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !result.Transferred {
		t.Fatal("expected transfer")
	}
	if result.Reply != "" {
		t.Errorf("transfer must not produce a customer reply, got %q", result.Reply)
	}
	if mock.toolCalls != 1 || mock.finalCalls != 0 {
		t.Errorf("transfer must stop the loop, got %d tool calls and %d final calls", mock.toolCalls, mock.finalCalls)
	}

	on, _ := state.IsHumanTakeover(context.Background(), 100)
	if !on {
		t.Error("takeover flag not set")
	}
	conv := db.GetConversation(100)
	if conv.AIStatus != models.AIStatusPaused || conv.Status != models.ConversationStatusHuman {
		t.Errorf("conversation status not persisted: %+v", conv)
	}

	joined := strings.Join(chat.calls, ",")
	for _, want := range []string{"toggle:open", "assign:3", "note:55", "send:100:private=true"} {
		if !strings.Contains(joined, want) {
			t.Errorf("missing handoff step %q in %v", want, chat.calls)
		}
	}
}

func TestRunCompletionTransferSurvivesFailedStep(t *testing.T) {
	mock := &mockGenAI{responses: []*genai.ToolCallResponse{
		{ToolCalls: []genai.ToolCall{toolCallOf("transfer_to_human_specialist", `{"reason":"x"}`)}},
	}}
	state := statestore.NewInMemoryStore()
	chat := &mockChat{assignTeamErr: fmt.Errorf("team gone")}
	e := NewEngine(mock, store.NewInMemoryStore(), state, nil)

	org := &models.Organization{ID: "org-1", HandoffConfig: models.HandoffConfig{TeamID: 3}}
	result, err := e.RunCompletion(context.Background(), testRequest(org, chat))
	if err != nil {
		t.Fatalf("transfer must not fail on a best-effort step: %v", err)
	}
	if !result.Transferred {
		t.Fatal("expected transfer despite failed step")
	}
	if on, _ := state.IsHumanTakeover(context.Background(), 100); !on {
		t.Error("takeover flag must be set even when a step fails")
	}
	// The private note still goes out after the failed assignment.
	if len(chat.privateNotes) != 1 {
		t.Errorf("expected private note, got %v", chat.calls)
	}
}

func TestRunCompletionRegisterLead(t *testing.T) {
	mock := &mockGenAI{responses: []*genai.ToolCallResponse{
		{ToolCalls: []genai.ToolCall{toolCallOf("register_lead", `{"name":"Maria","phone":"+5511999990000"}`)}},
		{Content: "Cadastro feito!"},
	}}
	db := store.NewInMemoryStore()
	e := NewEngine(mock, db, statestore.NewInMemoryStore(), nil)

	result, err := e.RunCompletion(context.Background(), testRequest(&models.Organization{ID: "org-1"}, &mockChat{}))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Reply != "Cadastro feito!" {
		t.Errorf("unexpected reply: %q", result.Reply)
	}
	count, _ := db.CountOrgLeads(context.Background(), "org-1")
	if count != 1 {
		t.Errorf("expected 1 lead registered, got %d", count)
	}
}

func TestRunCompletionLeadQuotaDenied(t *testing.T) {
	mock := &mockGenAI{responses: []*genai.ToolCallResponse{
		{ToolCalls: []genai.ToolCall{toolCallOf("register_lead", `{"name":"Novo","phone":"+5511000000009"}`)}},
		{Content: "Entendi, vamos continuar."},
	}}
	db := store.NewInMemoryStore()
	if _, _, err := db.UpsertLead(context.Background(), models.Lead{OrganizationID: "org-1", Phone: "+5511111111111"}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	e := NewEngine(mock, db, statestore.NewInMemoryStore(), nil)

	org := &models.Organization{ID: "org-1", LeadLimit: 1}
	result, err := e.RunCompletion(context.Background(), testRequest(org, &mockChat{}))
	if err != nil {
		t.Fatalf("quota denial must not be an error: %v", err)
	}
	if result.Reply == "" {
		t.Error("conversation should continue after quota denial")
	}
	count, _ := db.CountOrgLeads(context.Background(), "org-1")
	if count != 1 {
		t.Errorf("quota-denied lead must not be stored, got %d leads", count)
	}
}

func TestRunCompletionToolResultFeedsFollowUpRound(t *testing.T) {
	mock := &mockGenAI{responses: []*genai.ToolCallResponse{
		{
			Content:   "Um momento, vou registrar seu cadastro.",
			ToolCalls: []genai.ToolCall{toolCallOf("register_lead", `{"name":"Maria","phone":"+5511999990000"}`)},
		},
		{Content: "Cadastro feito, Maria!"},
	}}
	db := store.NewInMemoryStore()
	e := NewEngine(mock, db, statestore.NewInMemoryStore(), nil)

	result, err := e.RunCompletion(context.Background(), testRequest(&models.Organization{ID: "org-1"}, &mockChat{}))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if mock.toolCalls != 2 {
		t.Fatalf("tool result must feed a follow-up completion, got %d round(s)", mock.toolCalls)
	}
	if result.Reply != "Cadastro feito, Maria!" {
		t.Errorf("reply must come from the round after the tool ran, got %q", result.Reply)
	}
	count, _ := db.CountOrgLeads(context.Background(), "org-1")
	if count != 1 {
		t.Errorf("expected 1 lead registered, got %d", count)
	}
}

func TestRunCompletionStaleTicketsTool(t *testing.T) {
	mock := &mockGenAI{responses: []*genai.ToolCallResponse{
		{ToolCalls: []genai.ToolCall{toolCallOf("process_stale_tickets", `{"hours":48}`)}},
		{Content: "Feito."},
	}}
	sweeper := &mockSweeper{closed: 4}
	e := NewEngine(mock, store.NewInMemoryStore(), statestore.NewInMemoryStore(), sweeper)

	result, err := e.RunCompletion(context.Background(), testRequest(&models.Organization{ID: "org-1"}, &mockChat{}))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Reply != "Feito." {
		t.Errorf("unexpected reply: %q", result.Reply)
	}
	if sweeper.olderThan != 48*time.Hour {
		t.Errorf("expected 48h threshold, got %v", sweeper.olderThan)
	}
}

func TestRunCompletionRoundCapFallsBackToPlainCompletion(t *testing.T) {
	loop := &genai.ToolCallResponse{
		ToolCalls: []genai.ToolCall{toolCallOf("register_lead", `{"name":"A","phone":"+551100000000"}`)},
	}
	mock := &mockGenAI{
		responses:  []*genai.ToolCallResponse{loop, loop, loop, loop, loop},
		finalReply: "Resumo final para o cliente.",
	}
	e := NewEngine(mock, store.NewInMemoryStore(), statestore.NewInMemoryStore(), nil)

	result, err := e.RunCompletion(context.Background(), testRequest(&models.Organization{ID: "org-1"}, &mockChat{}))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if mock.toolCalls != 5 {
		t.Errorf("expected exactly 5 tool rounds, got %d", mock.toolCalls)
	}
	if mock.finalCalls != 1 {
		t.Errorf("expected one fallback completion, got %d", mock.finalCalls)
	}
	if result.Reply != "Resumo final para o cliente." {
		t.Errorf("unexpected reply: %q", result.Reply)
	}
}

func TestRunCompletionPersistsQualification(t *testing.T) {
	mock := &mockGenAI{responses: []*genai.ToolCallResponse{
		{Content: "Ótimo!\n[QUALIFICACAO]{\"score\":90,\"estimated_value\":2000}[/QUALIFICACAO]"},
	}}
	db := store.NewInMemoryStore()
	if _, _, err := db.UpsertLead(context.Background(), models.Lead{
		OrganizationID: "org-1", Phone: "+5511999990000", ContactID: 55,
	}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	e := NewEngine(mock, db, statestore.NewInMemoryStore(), nil)

	result, err := e.RunCompletion(context.Background(), testRequest(&models.Organization{ID: "org-1"}, &mockChat{}))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Reply != "Ótimo!" {
		t.Errorf("qualification block should be stripped, got %q", result.Reply)
	}
	if result.Qualification == nil || result.Qualification.Score != 90 {
		t.Fatalf("qualification not parsed: %+v", result.Qualification)
	}
}
