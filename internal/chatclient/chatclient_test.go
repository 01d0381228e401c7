package chatclient

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestSendReplySuccess(t *testing.T) {
	var gotPath, gotAuth string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotAuth = r.Header.Get("Authorization")
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	c := New(server.URL, "secret-token", 0)
	if err := c.SendReply(context.Background(), "conv-1", "hola"); err != nil {
		t.Fatalf("send reply: %v", err)
	}
	if gotPath != "/conversations/conv-1/messages" {
		t.Fatalf("unexpected path: %s", gotPath)
	}
	if gotAuth != "Bearer secret-token" {
		t.Fatalf("unexpected auth header: %s", gotAuth)
	}
}

func TestNotifyTypingAndApologyHitExpectedPaths(t *testing.T) {
	var paths []string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		paths = append(paths, r.URL.Path)
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	c := New(server.URL, "", 0)
	if err := c.NotifyTyping(context.Background(), "conv-2"); err != nil {
		t.Fatalf("notify typing: %v", err)
	}
	if err := c.SendApology(context.Background(), "conv-2"); err != nil {
		t.Fatalf("send apology: %v", err)
	}
	if len(paths) != 2 || paths[0] != "/conversations/conv-2/typing" || paths[1] != "/conversations/conv-2/messages" {
		t.Fatalf("unexpected call paths: %v", paths)
	}
}

func TestNonSuccessStatusReturnsError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	c := New(server.URL, "", 0)
	if err := c.SendReply(context.Background(), "conv-3", "hola"); err == nil {
		t.Fatalf("expected error for 500 response")
	}
}
