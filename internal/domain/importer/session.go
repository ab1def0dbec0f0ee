package importer

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/bhyt/costdash/internal/domain/billing"
	"github.com/bhyt/costdash/internal/platform/workbook"
)

// SessionState tracks where an upload is in the pipeline.
type SessionState string

const (
	StateAwaitingSheet SessionState = "awaiting_sheet"
	StateAnalyzed      SessionState = "analyzed"
)

// Session holds everything derived from one upload. It belongs to that
// import alone; mu serializes actions on it.
type Session struct {
	ID        string
	FileName  string
	State     SessionState
	CreatedAt time.Time

	Candidates     []workbook.SheetCandidate
	Sheet          string
	Records        []*billing.Record
	Validation     ValidationOutcome
	Classification Classification
	Pivot          Pivot
	Warnings       []string
	Commits        []CommitReport

	data            []byte
	archivedBatches int
	mu              sync.Mutex
	// expires is the expiry in unix nanoseconds. The store slides it
	// without taking mu, so requests holding mu can still read it.
	expires atomic.Int64
}

// ExpiresAt is when the session lapses unless it is used again.
func (s *Session) ExpiresAt() time.Time {
	return time.Unix(0, s.expires.Load())
}

func (s *Session) setExpiry(t time.Time) {
	s.expires.Store(t.UnixNano())
}

// SessionStore keeps sessions in memory with a sliding TTL.
type SessionStore struct {
	sessions map[string]*Session
	ttl      time.Duration
	now      func() time.Time
	mu       sync.RWMutex
}

func NewSessionStore(ttl time.Duration) *SessionStore {
	return &SessionStore{
		sessions: make(map[string]*Session),
		ttl:      ttl,
		now:      time.Now,
	}
}

// Create registers a new session for fileName.
func (s *SessionStore) Create(fileName string) *Session {
	now := s.now()
	sess := &Session{
		ID:        uuid.NewString(),
		FileName:  fileName,
		CreatedAt: now,
	}
	sess.setExpiry(now.Add(s.ttl))
	s.mu.Lock()
	s.sessions[sess.ID] = sess
	s.mu.Unlock()
	return sess
}

// Get returns a live session and extends its expiry. An expired session is
// removed and reported as ErrSessionExpired.
func (s *SessionStore) Get(id string) (*Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	if !ok {
		return nil, ErrSessionNotFound
	}
	now := s.now()
	if now.After(sess.ExpiresAt()) {
		delete(s.sessions, id)
		return nil, ErrSessionExpired
	}
	sess.setExpiry(now.Add(s.ttl))
	return sess, nil
}

func (s *SessionStore) Delete(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.sessions[id]; !ok {
		return ErrSessionNotFound
	}
	delete(s.sessions, id)
	return nil
}

func (s *SessionStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.sessions)
}

// Sweep removes expired sessions and returns how many were removed.
func (s *SessionStore) Sweep() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	n := 0
	for id, sess := range s.sessions {
		if now.After(sess.ExpiresAt()) {
			delete(s.sessions, id)
			n++
		}
	}
	return n
}

// StartCleanup sweeps expired sessions every interval until ctx is done.
func (s *SessionStore) StartCleanup(ctx context.Context, interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.Sweep()
			}
		}
	}()
}
