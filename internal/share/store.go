// Package share manages short unguessable keys granting read-only access to
// a conversation's message log.
package share

import (
	"crypto/rand"
	"sync"
	"time"

	apperrors "github.com/estelle/pylon/internal/common/errors"
	"github.com/estelle/pylon/internal/identity"
)

const (
	idLength = 12
	alphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789"
)

// Info describes a live share.
type Info struct {
	ShareID        string                  `json:"shareId"`
	ConversationID identity.ConversationID `json:"conversationId"`
	CreatedAt      time.Time               `json:"createdAt"`
	AccessCount    int                     `json:"accessCount"`
}

// Store holds at most one live share per conversation.
type Store struct {
	mu       sync.Mutex
	byID     map[string]*Info
	byConvID map[identity.ConversationID]string
}

// NewStore creates an empty share store.
func NewStore() *Store {
	return &Store{
		byID:     make(map[string]*Info),
		byConvID: make(map[identity.ConversationID]string),
	}
}

// newShareID draws a 12-character base62 id from crypto/rand. Bytes at or
// above the largest multiple of 62 are rejected so every character of the
// alphabet is equally likely.
func newShareID() (string, error) {
	const limit = 256 - 256%len(alphabet)
	id := make([]byte, 0, idLength)
	buf := make([]byte, idLength)
	for len(id) < idLength {
		if _, err := rand.Read(buf); err != nil {
			return "", err
		}
		for _, b := range buf {
			if int(b) >= limit {
				continue
			}
			id = append(id, alphabet[int(b)%len(alphabet)])
			if len(id) == idLength {
				break
			}
		}
	}
	return string(id), nil
}

// Create creates a share for the conversation, replacing any existing one.
func (s *Store) Create(conversationID identity.ConversationID) (*Info, error) {
	id, err := newShareID()
	if err != nil {
		return nil, apperrors.Wrap(err, "failed to generate share id")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if old, ok := s.byConvID[conversationID]; ok {
		delete(s.byID, old)
	}
	info := &Info{
		ShareID:        id,
		ConversationID: conversationID,
		CreatedAt:      time.Now(),
	}
	s.byID[id] = info
	s.byConvID[conversationID] = id
	out := *info
	return &out, nil
}

// Validate returns the share if it exists.
func (s *Store) Validate(shareID string) (*Info, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	info, ok := s.byID[shareID]
	if !ok {
		return nil, false
	}
	out := *info
	return &out, true
}

// Access returns the share and increments its access count.
func (s *Store) Access(shareID string) (*Info, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	info, ok := s.byID[shareID]
	if !ok {
		return nil, false
	}
	info.AccessCount++
	out := *info
	return &out, true
}

// Delete removes a share by id.
func (s *Store) Delete(shareID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	info, ok := s.byID[shareID]
	if !ok {
		return false
	}
	delete(s.byID, shareID)
	delete(s.byConvID, info.ConversationID)
	return true
}

// DeleteByConversation removes the conversation's live share, if any.
func (s *Store) DeleteByConversation(conversationID identity.ConversationID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.byConvID[conversationID]
	if !ok {
		return false
	}
	delete(s.byID, id)
	delete(s.byConvID, conversationID)
	return true
}
