package session

import (
	"errors"
	"strings"
	"testing"

	"github.com/parleyhq/parley/pkg/protocol"
)

func TestStore_AddComputesContentRef(t *testing.T) {
	store := NewStore(0)
	item, err := store.Add(protocol.ContextItem{
		Key:         "notes",
		ContentType: protocol.ContentText,
		Content:     "hello world",
		AddedBy:     "p1",
	})
	if err != nil {
		t.Fatalf("add: %v", err)
	}
	if item.ContentRef == nil {
		t.Fatal("content ref not computed")
	}
	if !strings.HasPrefix(item.ContentRef.Hash, "sha256:") {
		t.Errorf("hash = %q, want sha256 prefix", item.ContentRef.Hash)
	}
	if item.ContentRef.Size != int64(len("hello world")) {
		t.Errorf("size = %d, want %d", item.ContentRef.Size, len("hello world"))
	}
	if item.ContentRef.Mime != "text/plain" {
		t.Errorf("mime = %q, want text/plain", item.ContentRef.Mime)
	}
}

func TestStore_StructuredContentHashesCanonically(t *testing.T) {
	first, err := HashContent(map[string]any{"b": 2, "a": 1})
	if err != nil {
		t.Fatalf("hash: %v", err)
	}
	second, err := HashContent(map[string]any{"a": 1, "b": 2})
	if err != nil {
		t.Fatalf("hash: %v", err)
	}
	if first.Hash != second.Hash {
		t.Errorf("hashes differ for equal structured content: %q vs %q", first.Hash, second.Hash)
	}
	if first.Mime != "application/json" {
		t.Errorf("mime = %q, want application/json", first.Mime)
	}
}

func TestStore_ContentTooLarge(t *testing.T) {
	store := NewStore(16)
	_, err := store.Add(protocol.ContextItem{
		Key:         "big",
		ContentType: protocol.ContentText,
		Content:     strings.Repeat("x", 17),
	})
	if !errors.Is(err, ErrContentTooLarge) {
		t.Fatalf("err = %v, want ErrContentTooLarge", err)
	}
	if store.Len() != 0 {
		t.Errorf("len = %d, want 0 after refused add", store.Len())
	}
}

func TestStore_UpdateRecomputesHashAndBumpsTime(t *testing.T) {
	store := NewStore(0)
	orig, err := store.Add(protocol.ContextItem{Key: "notes", ContentType: protocol.ContentText, Content: "v1"})
	if err != nil {
		t.Fatalf("add: %v", err)
	}
	updated, err := store.Update("notes", "v2 with more text", "", nil)
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if updated.ContentRef.Hash == orig.ContentRef.Hash {
		t.Error("hash unchanged after content update")
	}
	if updated.UpdatedAt.Before(orig.UpdatedAt.Time) {
		t.Error("UpdatedAt did not advance")
	}
	if updated.Content != "v2 with more text" {
		t.Errorf("content = %v", updated.Content)
	}
}

func TestStore_UpdateUnknownKey(t *testing.T) {
	store := NewStore(0)
	if _, err := store.Update("nope", "x", "", nil); !errors.Is(err, ErrKeyNotFound) {
		t.Fatalf("err = %v, want ErrKeyNotFound", err)
	}
}

func TestStore_VisibilityFiltering(t *testing.T) {
	store := NewStore(0)
	mustAdd := func(item protocol.ContextItem) {
		t.Helper()
		if _, err := store.Add(item); err != nil {
			t.Fatalf("add %s: %v", item.Key, err)
		}
	}
	mustAdd(protocol.ContextItem{Key: "public", ContentType: protocol.ContentText, Content: "all"})
	mustAdd(protocol.ContextItem{Key: "restricted", ContentType: protocol.ContentText, Content: "p1 only", VisibleTo: []string{"p1"}})
	mustAdd(protocol.ContextItem{Key: "pair", ContentType: protocol.ContentText, Content: "p1+p2", VisibleTo: []string{"p1", "p2"}})

	keys := func(items []protocol.ContextItem) []string {
		out := make([]string, len(items))
		for i, it := range items {
			out[i] = it.Key
		}
		return out
	}

	p1 := keys(store.VisibleTo("p1"))
	if len(p1) != 3 {
		t.Errorf("p1 sees %v, want all three", p1)
	}
	p2 := keys(store.VisibleTo("p2"))
	if len(p2) != 2 || p2[0] != "pair" || p2[1] != "public" {
		t.Errorf("p2 sees %v, want [pair public]", p2)
	}
	p3 := keys(store.VisibleTo("p3"))
	if len(p3) != 1 || p3[0] != "public" {
		t.Errorf("p3 sees %v, want [public]", p3)
	}
}

func TestStore_RemoveAndDuplicateAdd(t *testing.T) {
	store := NewStore(0)
	if _, err := store.Add(protocol.ContextItem{Key: "k", ContentType: protocol.ContentText, Content: "v"}); err != nil {
		t.Fatalf("add: %v", err)
	}
	if _, err := store.Add(protocol.ContextItem{Key: "k", ContentType: protocol.ContentText, Content: "v"}); !errors.Is(err, ErrKeyExists) {
		t.Fatalf("duplicate add err = %v, want ErrKeyExists", err)
	}
	if !store.Remove("k") {
		t.Error("remove existing = false")
	}
	if store.Remove("k") {
		t.Error("remove missing = true")
	}
}
