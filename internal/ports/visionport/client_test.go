package visionport

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
)

func TestDescribeImage(t *testing.T) {
	var gotReq chatReq
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewDecoder(r.Body).Decode(&gotReq)
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"message":{"role":"assistant","content":"a diagram of X"}}`))
	}))
	defer srv.Close()

	dir := t.TempDir()
	path := filepath.Join(dir, "diagram.png")
	if err := os.WriteFile(path, []byte("fake-png-bytes"), 0o644); err != nil {
		t.Fatalf("write fixture: %v", err)
	}

	c := New(Config{BaseURL: srv.URL, Model: "llava"})
	got, err := c.DescribeImage(context.Background(), path)
	if err != nil {
		t.Fatalf("DescribeImage: %v", err)
	}
	if got != "a diagram of X" {
		t.Fatalf("unexpected description: %q", got)
	}
	if len(gotReq.Messages) != 1 || len(gotReq.Messages[0].Images) != 1 {
		t.Fatalf("expected one message with one embedded image, got %+v", gotReq.Messages)
	}
}

func TestDescribeImage_MissingFile(t *testing.T) {
	c := New(Config{BaseURL: "http://unused", Model: "llava"})
	if _, err := c.DescribeImage(context.Background(), "/does/not/exist.png"); err == nil {
		t.Fatal("expected error reading a missing file")
	}
}

func TestDescribeImage_BadStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	dir := t.TempDir()
	path := filepath.Join(dir, "x.png")
	os.WriteFile(path, []byte("x"), 0o644)

	c := New(Config{BaseURL: srv.URL, Model: "llava"})
	if _, err := c.DescribeImage(context.Background(), path); err == nil {
		t.Fatal("expected error on non-200 status")
	}
}
