// Package store holds the surrounding, non-core directory state named in
// spec §3 and §4.3 for interface completeness: registered usernames and
// images sent between them. None of it touches cluster state, load, or
// the control plane — it is a plain in-memory map, not part of C1-C7.
package store

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/imgcluster/node/internal/wire"
)

// StoredImage is spec §3's view of an image sent from one user to
// another, gated by a remaining-view counter.
type StoredImage struct {
	ImageID            string
	SenderUsername     string
	RecipientUsername  string
	EncryptedBytes     []byte
	MaxViews           int
	RemainingViews     int
	TimestampUnixNanos int64
}

// Store is the node's in-memory directory: registered usernames and the
// images addressed to them.
type Store struct {
	mu        sync.RWMutex
	usernames map[string]bool
	images    map[string][]*StoredImage // keyed by recipient username

	nextImageID uint64
}

// New builds an empty Store.
func New() *Store {
	return &Store{
		usernames: make(map[string]bool),
		images:    make(map[string][]*StoredImage),
	}
}

// RegisterUsername claims username, returning false if already taken.
func (s *Store) RegisterUsername(username string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.usernames[username] {
		return false
	}
	s.usernames[username] = true
	return true
}

// UsernameAvailable reports whether username is free to register.
func (s *Store) UsernameAvailable(username string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return !s.usernames[username]
}

// SendImage records an encrypted image addressed from one user to
// another, returning its newly assigned id.
func (s *Store) SendImage(from, to string, encrypted []byte, maxViews int, timestampUnixNanos int64) string {
	id := fmt.Sprintf("img-%d", atomic.AddUint64(&s.nextImageID, 1))
	img := &StoredImage{
		ImageID:            id,
		SenderUsername:     from,
		RecipientUsername:  to,
		EncryptedBytes:      encrypted,
		MaxViews:           maxViews,
		RemainingViews:     maxViews,
		TimestampUnixNanos: timestampUnixNanos,
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.images[to] = append(s.images[to], img)
	return id
}

// ListImages returns summaries of every image still viewable by username.
func (s *Store) ListImages(username string) []wire.ImageSummary {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []wire.ImageSummary
	for _, img := range s.images[username] {
		if img.RemainingViews <= 0 {
			continue
		}
		out = append(out, wire.ImageSummary{
			ImageID:        img.ImageID,
			SenderUsername: img.SenderUsername,
			RemainingViews: img.RemainingViews,
			MaxViews:       img.MaxViews,
			TimestampUnix:  img.TimestampUnixNanos / 1e9,
		})
	}
	return out
}

// ViewImage returns the encrypted bytes for imageID if username is its
// recipient and it still has remaining views, decrementing the counter.
func (s *Store) ViewImage(username, imageID string) ([]byte, int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, img := range s.images[username] {
		if img.ImageID != imageID {
			continue
		}
		if img.RemainingViews <= 0 {
			return nil, 0, fmt.Errorf("image %s has no remaining views", imageID)
		}
		img.RemainingViews--
		return img.EncryptedBytes, img.RemainingViews, nil
	}
	return nil, 0, fmt.Errorf("image %s not found for %s", imageID, username)
}
