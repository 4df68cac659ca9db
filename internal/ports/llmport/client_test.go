package llmport

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestCategorize(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"message":{"role":"assistant","content":"{\"main\":\"software\",\"sub\":\"testing\",\"name\":\"hello_diagram\",\"description\":\"a test\"}"}}`))
	}))
	defer srv.Close()

	c := New(Config{BaseURL: srv.URL, ChatModel: "llama3", EmbedModel: "nomic-embed-text"})
	got, err := c.Categorize(context.Background(), "hello", nil)
	if err != nil {
		t.Fatalf("Categorize: %v", err)
	}
	if got.Main != "software" || got.Sub != "testing" || got.Name != "hello_diagram" {
		t.Fatalf("unexpected categorization: %+v", got)
	}
}

func TestCategorize_BadStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := New(Config{BaseURL: srv.URL, ChatModel: "llama3"})
	if _, err := c.Categorize(context.Background(), "hello", nil); err == nil {
		t.Fatal("expected error on non-200 status")
	}
}

func TestExtractJSON(t *testing.T) {
	in := "Sure, here you go:\n{\"a\":1}\nHope that helps!"
	if got := extractJSON(in); got != `{"a":1}` {
		t.Fatalf("extractJSON = %q", got)
	}
}

func TestSynthesize(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"message":{"content":"# Synthesis"}}`))
	}))
	defer srv.Close()

	c := New(Config{BaseURL: srv.URL, ChatModel: "llama3"})
	got, err := c.Synthesize(context.Background(), []string{"item one", "item two"})
	if err != nil {
		t.Fatalf("Synthesize: %v", err)
	}
	if got != "# Synthesis" {
		t.Fatalf("unexpected synthesis: %q", got)
	}
}
