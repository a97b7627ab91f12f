package api

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/nugget/zipper/internal/agent"
)

func TestClient_Chat(t *testing.T) {
	runner := &fakeRunner{}
	srv, store, _ := newTestServer(t, runner)
	id, _ := store.Create("Resume", "test", "")

	c := NewClient(srv.URL + "/")
	res, err := c.Chat(t.Context(), ChatRequest{Prompt: "go on", ConversationID: id, Source: SourceWatcher})
	if err != nil {
		t.Fatalf("Chat: %v", err)
	}
	if res.ConversationID != id || res.Text != "echo go on" || res.Model != "test-model" {
		t.Errorf("result = %+v", res)
	}
}

func TestClient_ChatError(t *testing.T) {
	srv, _, _ := newTestServer(t, &fakeRunner{err: &agent.BackendError{Model: "m", Err: errors.New("down")}})

	_, err := NewClient(srv.URL).Chat(t.Context(), ChatRequest{Prompt: "x"})
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("err = %v, want *APIError", err)
	}
	if apiErr.StatusCode != http.StatusBadGateway || apiErr.Message != "model backend (m): down" {
		t.Errorf("api error = %+v", apiErr)
	}
}

func TestClient_Healthy(t *testing.T) {
	srv, _, _ := newTestServer(t, &fakeRunner{})
	c := NewClient(srv.URL)
	if !c.Healthy(t.Context()) {
		t.Error("running server should be healthy")
	}

	broken := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer broken.Close()
	if NewClient(broken.URL).Healthy(t.Context()) {
		t.Error("503 should not be healthy")
	}

	addr := broken.URL
	broken.Close()
	if NewClient(addr).Healthy(t.Context()) {
		t.Error("closed server should not be healthy")
	}
}
