package auth

import (
	"crypto/rand"
	"encoding/hex"
	"sync"
	"time"
)

// TicketStore issues one-time tickets for the live websocket. Browsers cannot
// set an Authorization header on a websocket upgrade, so an authenticated
// client trades its bearer token for a short-lived ticket passed in the query.
type TicketStore struct {
	mu      sync.Mutex
	tickets map[string]ticket
	ttl     time.Duration
}

type ticket struct {
	subject   string
	createdAt time.Time
}

const (
	// TicketTTL is how long a ticket is valid
	TicketTTL = 30 * time.Second
	// ticketLength is the byte length of the ticket (hex encoded to 2x)
	ticketLength = 32
)

// NewTicketStore creates a ticket store
func NewTicketStore() *TicketStore {
	return &TicketStore{
		tickets: make(map[string]ticket),
		ttl:     TicketTTL,
	}
}

// Issue creates a new one-time ticket for subject
func (s *TicketStore) Issue(subject string) (string, error) {
	buf := make([]byte, ticketLength)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	t := hex.EncodeToString(buf)

	s.mu.Lock()
	s.tickets[t] = ticket{subject: subject, createdAt: time.Now()}
	s.mu.Unlock()

	return t, nil
}

// Redeem consumes a ticket and returns its subject
func (s *TicketStore) Redeem(t string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, exists := s.tickets[t]
	if !exists {
		return "", false
	}
	delete(s.tickets, t)

	if time.Since(entry.createdAt) > s.ttl {
		return "", false
	}
	return entry.subject, true
}

// Cleanup removes all expired tickets
func (s *TicketStore) Cleanup() {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	for t, entry := range s.tickets {
		if now.Sub(entry.createdAt) > s.ttl {
			delete(s.tickets, t)
		}
	}
}
