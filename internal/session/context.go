package session

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/parleyhq/parley/pkg/protocol"
)

// DefaultMaxContentBytes caps inline context content.
const DefaultMaxContentBytes = 1 << 20

// Store errors. ErrContentTooLarge maps to the CONTEXT_TOO_LARGE wire code.
var (
	ErrContentTooLarge = errors.New("context content too large")
	ErrKeyNotFound     = errors.New("context key not found")
	ErrKeyExists       = errors.New("context key already exists")
)

// Store holds a session's keyed context items.
type Store struct {
	mu       sync.RWMutex
	items    map[string]*protocol.ContextItem
	maxBytes int64
}

// NewStore returns an empty context store with the given inline cap.
func NewStore(maxBytes int64) *Store {
	if maxBytes <= 0 {
		maxBytes = DefaultMaxContentBytes
	}
	return &Store{items: make(map[string]*protocol.ContextItem), maxBytes: maxBytes}
}

// Add inserts a new item. Inline content without a ref gets a computed
// content ref (hash, size, MIME). Content above the cap is refused.
func (s *Store) Add(item protocol.ContextItem) (protocol.ContextItem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.items[item.Key]; exists {
		return protocol.ContextItem{}, fmt.Errorf("%w: %q", ErrKeyExists, item.Key)
	}
	if err := s.seal(&item); err != nil {
		return protocol.ContextItem{}, err
	}
	now := protocol.Now()
	item.AddedAt = now
	item.UpdatedAt = now
	stored := item
	s.items[item.Key] = &stored
	return item, nil
}

// Update patches an existing item: non-nil content replaces the old and the
// ref is recomputed; a non-empty content type or visibility list replaces
// the old one. UpdatedAt is bumped.
func (s *Store) Update(key string, content any, contentType protocol.ContentType, visibleTo []string) (protocol.ContextItem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	item, ok := s.items[key]
	if !ok {
		return protocol.ContextItem{}, fmt.Errorf("%w: %q", ErrKeyNotFound, key)
	}
	if contentType != "" {
		item.ContentType = contentType
	}
	if content != nil {
		item.Content = content
		item.ContentRef = nil
		if err := s.seal(item); err != nil {
			return protocol.ContextItem{}, err
		}
	}
	if visibleTo != nil {
		item.VisibleTo = append([]string(nil), visibleTo...)
	}
	item.UpdatedAt = protocol.Now()
	return *item, nil
}

// Remove deletes an item, reporting whether it was present.
func (s *Store) Remove(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.items[key]
	delete(s.items, key)
	return ok
}

// Get returns a copy of the item under key.
func (s *Store) Get(key string) (protocol.ContextItem, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	item, ok := s.items[key]
	if !ok {
		return protocol.ContextItem{}, false
	}
	return *item, true
}

// VisibleTo returns copies of all items the participant may see, sorted by
// key for stable replay.
func (s *Store) VisibleTo(participantID string) []protocol.ContextItem {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]protocol.ContextItem, 0, len(s.items))
	for _, item := range s.items {
		if item.VisibleToParticipant(participantID) {
			out = append(out, *item)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}

// Len returns the number of items.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.items)
}

// seal computes the content ref for inline content when none was supplied.
func (s *Store) seal(item *protocol.ContextItem) error {
	if item.Content == nil || item.ContentRef != nil {
		return nil
	}
	ref, err := HashContent(item.Content)
	if err != nil {
		return err
	}
	if ref.Size > s.maxBytes {
		return fmt.Errorf("%w: %d bytes (max %d)", ErrContentTooLarge, ref.Size, s.maxBytes)
	}
	item.ContentRef = ref
	return nil
}

// HashContent computes a content ref: SHA-256 over raw bytes for string
// content, over canonical JSON otherwise. Size is in bytes.
func HashContent(content any) (*protocol.ContentRef, error) {
	var (
		raw  []byte
		mime string
	)
	switch v := content.(type) {
	case string:
		raw = []byte(v)
		mime = "text/plain"
	case []byte:
		raw = v
		mime = "application/octet-stream"
	default:
		encoded, err := json.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("hash content: %w", err)
		}
		raw = encoded
		mime = "application/json"
	}
	sum := sha256.Sum256(raw)
	return &protocol.ContentRef{
		Hash: "sha256:" + hex.EncodeToString(sum[:]),
		Size: int64(len(raw)),
		Mime: mime,
	}, nil
}
