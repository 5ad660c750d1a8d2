package rest

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestHistory(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/conversations/c1/messages" {
			t.Errorf("path = %q", r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer tok" {
			t.Errorf("Authorization = %q", got)
		}
		_, _ = w.Write([]byte(`[{"id":"m1","conversationId":"c1","senderId":"u2","body":"hola","deliveryState":"delivered","createdAt":1000}]`))
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "tok")
	msgs, err := c.History(context.Background(), "c1")
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 1 || msgs[0].ID != "m1" {
		t.Fatalf("msgs = %+v", msgs)
	}
}

func TestSendNullConversation(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		var payload map[string]any
		if err := json.Unmarshal(body, &payload); err != nil {
			t.Fatal(err)
		}
		// Empty conversation id must travel as JSON null, never as a
		// client-invented id.
		if v, ok := payload["conversationId"]; !ok || v != nil {
			t.Errorf("conversationId = %v, want null", v)
		}
		if payload["clientTempId"] != "tmp-1" {
			t.Errorf("clientTempId = %v", payload["clientTempId"])
		}
		_, _ = w.Write([]byte(`{"id":"srv-1","conversationId":"c-new","clientTempId":"tmp-1","createdAt":2000}`))
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "tok")
	res, err := c.Send(context.Background(), &SendRequest{
		ClientTempID: "tmp-1",
		SenderID:     "u1",
		SenderRole:   "student",
		ReceiverID:   "u2",
		Body:         "hola",
	})
	if err != nil {
		t.Fatal(err)
	}
	if res.ConversationID != "c-new" {
		t.Errorf("ConversationID = %q, want c-new", res.ConversationID)
	}
}

func TestMarkRead(t *testing.T) {
	var gotMethod, gotURL string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotMethod = r.Method
		gotURL = r.URL.String()
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "tok")
	if err := c.MarkRead(context.Background(), "c1", "teacher"); err != nil {
		t.Fatal(err)
	}
	if gotMethod != http.MethodPut {
		t.Errorf("method = %q, want PUT", gotMethod)
	}
	if gotURL != "/conversations/c1/read?role=teacher" {
		t.Errorf("url = %q", gotURL)
	}
}

func TestChatIdentity(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/users/u2/chat-identity" {
			t.Errorf("path = %q", r.URL.Path)
		}
		_, _ = w.Write([]byte(`{"chatId":"chat-2","conversationId":"c1"}`))
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "tok")
	id, err := c.ChatIdentity(context.Background(), "u2")
	if err != nil {
		t.Fatal(err)
	}
	if id.ChatID != "chat-2" || id.ConversationID != "c1" {
		t.Errorf("identity = %+v", id)
	}
}

func TestUpload(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseMultipartForm(1 << 20); err != nil {
			t.Fatal(err)
		}
		f, hdr, err := r.FormFile("file")
		if err != nil {
			t.Fatal(err)
		}
		defer func() { _ = f.Close() }()
		if hdr.Filename != "informe.pdf" {
			t.Errorf("filename = %q", hdr.Filename)
		}
		data, _ := io.ReadAll(f)
		if string(data) != "contenido" {
			t.Errorf("file data = %q", data)
		}
		_, _ = w.Write([]byte(`{"url":"https://cdn/informe.pdf"}`))
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "tok")
	u, err := c.Upload(context.Background(), "informe.pdf", "application/pdf", strings.NewReader("contenido"))
	if err != nil {
		t.Fatal(err)
	}
	if u != "https://cdn/informe.pdf" {
		t.Errorf("url = %q", u)
	}
}

func TestAPIError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "conversation not found", http.StatusNotFound)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "tok")
	_, err := c.History(context.Background(), "missing")
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("error = %v, want *APIError", err)
	}
	if apiErr.Status != http.StatusNotFound {
		t.Errorf("Status = %d, want 404", apiErr.Status)
	}
}
