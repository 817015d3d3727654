package chatbox

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) (*Client, *httptest.Server) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	client := NewClient(
		WithBaseURL(srv.URL),
		WithToken("test-token"),
		WithAccountID(7),
		WithHTTPClient(srv.Client()),
	)
	return client, srv
}

func TestSendMessageRequestShape(t *testing.T) {
	var got map[string]any
	var gotToken, gotPath string
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		gotToken = r.Header.Get("api_access_token")
		gotPath = r.URL.Path
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("bad request body: %v", err)
		}
		w.WriteHeader(http.StatusOK)
	})

	if err := client.SendMessage(context.Background(), 42, "hello", false); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if gotToken != "test-token" {
		t.Errorf("missing api token header, got %q", gotToken)
	}
	if gotPath != "/api/v1/accounts/7/conversations/42/messages" {
		t.Errorf("wrong path: %s", gotPath)
	}
	if got["content"] != "hello" || got["message_type"] != "outgoing" || got["private"] != false {
		t.Errorf("unexpected payload: %v", got)
	}
}

func TestSendMessagePrivateNote(t *testing.T) {
	var got map[string]any
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		json.NewDecoder(r.Body).Decode(&got)
		w.WriteHeader(http.StatusOK)
	})

	if err := client.SendMessage(context.Background(), 42, "internal", true); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got["private"] != true {
		t.Errorf("private flag not set: %v", got)
	}
}

func TestSendMessageErrorStatus(t *testing.T) {
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":"unauthorized"}`, http.StatusUnauthorized)
	})

	err := client.SendMessage(context.Background(), 42, "hello", false)
	if err == nil {
		t.Fatal("expected error for 401 response")
	}
}

func TestGetMessages(t *testing.T) {
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"payload":[
			{"id":1,"content":"hi","message_type":0},
			{"id":2,"content":"hello!","message_type":1},
			{"id":3,"content":"note","message_type":"outgoing","private":true}
		]}`))
	})

	msgs, err := client.GetMessages(context.Background(), 42)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(msgs) != 3 {
		t.Fatalf("expected 3 messages, got %d", len(msgs))
	}
	if msgs[0].IsOutgoing() {
		t.Error("numeric 0 should decode as incoming")
	}
	if !msgs[1].IsOutgoing() {
		t.Error("numeric 1 should decode as outgoing")
	}
	if !msgs[2].IsOutgoing() || !msgs[2].Private {
		t.Error("string outgoing private note misdecoded")
	}
}

func TestGetConversationInboxID(t *testing.T) {
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v1/accounts/7/conversations/9" {
			t.Errorf("wrong path: %s", r.URL.Path)
		}
		w.Write([]byte(`{"id":9,"inbox_id":33}`))
	})

	inboxID, err := client.GetConversationInboxID(context.Background(), 9)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if inboxID != 33 {
		t.Errorf("expected inbox 33, got %d", inboxID)
	}
}

func TestSendOutboundMessageCreatesContactAndConversation(t *testing.T) {
	var calls []string
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		calls = append(calls, r.Method+" "+r.URL.Path)
		w.Header().Set("Content-Type", "application/json")
		switch {
		case r.URL.Path == "/api/v1/accounts/7/contacts/search":
			w.Write([]byte(`{"payload":[]}`))
		case r.Method == http.MethodPost && r.URL.Path == "/api/v1/accounts/7/contacts":
			w.Write([]byte(`{"payload":{"contact":{"id":88,"phone_number":"+5511999990000","contact_inbox":{"source_id":"5511999990000"}}}}`))
		case r.URL.Path == "/api/v1/accounts/7/contacts/88/conversations":
			w.Write([]byte(`{"payload":[]}`))
		case r.Method == http.MethodPost && r.URL.Path == "/api/v1/accounts/7/conversations":
			w.Write([]byte(`{"id":555}`))
		case r.Method == http.MethodPost && r.URL.Path == "/api/v1/accounts/7/conversations/555/messages":
			w.Write([]byte(`{"id":1}`))
		default:
			t.Errorf("unexpected request: %s %s", r.Method, r.URL.Path)
			w.WriteHeader(http.StatusNotFound)
		}
	})

	conversationID, err := client.SendOutboundMessage(context.Background(), 33, "Maria", "+5511999990000", "Oi Maria!")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if conversationID != 555 {
		t.Errorf("expected conversation 555, got %d", conversationID)
	}
	if len(calls) != 5 {
		t.Errorf("expected 5 API calls, got %d: %v", len(calls), calls)
	}
}

func TestSendOutboundMessageReusesOpenConversation(t *testing.T) {
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		switch {
		case r.URL.Path == "/api/v1/accounts/7/contacts/search":
			w.Write([]byte(`{"payload":[{"id":88,"phone_number":"+5511999990000"}]}`))
		case r.URL.Path == "/api/v1/accounts/7/contacts/88/conversations":
			w.Write([]byte(`{"payload":[{"id":321,"status":"open"}]}`))
		case r.URL.Path == "/api/v1/accounts/7/conversations/321/messages":
			w.Write([]byte(`{"id":1}`))
		default:
			t.Errorf("unexpected request: %s %s", r.Method, r.URL.Path)
			w.WriteHeader(http.StatusNotFound)
		}
	})

	conversationID, err := client.SendOutboundMessage(context.Background(), 33, "Maria", "+5511999990000", "Oi!")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if conversationID != 321 {
		t.Errorf("expected existing conversation 321, got %d", conversationID)
	}
}
