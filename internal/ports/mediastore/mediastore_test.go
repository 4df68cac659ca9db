package mediastore

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
)

func TestDownload_CachesOnSecondCall(t *testing.T) {
	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		w.Write([]byte("image-bytes"))
	}))
	defer srv.Close()

	s, err := New(Config{Dir: t.TempDir()})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	url := srv.URL + "/diagram.png"
	p1, err := s.Download(context.Background(), url)
	if err != nil {
		t.Fatalf("first download: %v", err)
	}
	p2, err := s.Download(context.Background(), url)
	if err != nil {
		t.Fatalf("second download: %v", err)
	}
	if p1 != p2 {
		t.Fatalf("expected same cache path, got %q and %q", p1, p2)
	}
	if hits != 1 {
		t.Fatalf("expected exactly one HTTP fetch, got %d", hits)
	}

	data, err := os.ReadFile(p1)
	if err != nil {
		t.Fatalf("read cached file: %v", err)
	}
	if string(data) != "image-bytes" {
		t.Fatalf("unexpected cached content: %q", data)
	}
	if filepath.Ext(p1) != ".png" {
		t.Fatalf("expected cached path to keep .png extension, got %q", p1)
	}
}

func TestDownload_BadStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	s, err := New(Config{Dir: t.TempDir()})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if _, err := s.Download(context.Background(), srv.URL+"/missing.png"); err == nil {
		t.Fatal("expected error on 404")
	}
}
