package memory

import (
	"context"
	"strings"
	"testing"
)

func TestBlobStoreRoundTrip(t *testing.T) {
	t.Parallel()

	s := NewBlobStore()
	uri, err := s.PutObject(context.Background(), "b/weibo.json", "application/json", strings.NewReader("one"))
	if err != nil {
		t.Fatalf("PutObject() error = %v", err)
	}
	if uri != "memory://b/weibo.json" {
		t.Fatalf("unexpected uri %s", uri)
	}
	if _, err := s.PutObject(context.Background(), "a/hn.json", "", strings.NewReader("two")); err != nil {
		t.Fatalf("PutObject() error = %v", err)
	}

	got, ok := s.Get("b/weibo.json")
	if !ok || string(got) != "one" {
		t.Fatalf("Get() = %q, %v", got, ok)
	}
	got[0] = 'X'
	if again, _ := s.Get("b/weibo.json"); string(again) != "one" {
		t.Fatal("expected Get() to return a copy")
	}
	if paths := s.Paths(); len(paths) != 2 || paths[0] != "a/hn.json" {
		t.Fatalf("unexpected paths %v", paths)
	}
	if _, ok := s.Get("missing"); ok {
		t.Fatal("expected missing object")
	}
}
