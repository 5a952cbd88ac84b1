// Package session implements the session store (L6, §4.6): cookie-keyed
// session lifecycle with pluggable authentication and JSON (or Redis)
// persistence.
package session

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"regexp"
	"sync"
	"time"

	"github.com/jordanhubbard/unicom/internal/metrics"
	"github.com/jordanhubbard/unicom/pkg/protocol"
)

// CookieName is the cookie key the hub reads/writes (§4.6, §6).
const CookieName = "sessionID"

// DefaultLifetime is the session expiry horizon applied on creation (§3).
const DefaultLifetime = 5 * 7 * 24 * time.Hour // 5 weeks

var cookiePattern = regexp.MustCompile(CookieName + `=([0-9a-f]+)`)

// Session is the hub's cookie-keyed user state.
type Session struct {
	ID     string        `json:"id"`
	User   *AttachedUser `json:"user,omitempty"`
	Expire time.Time     `json:"expire"`
}

func (s *Session) expired(now time.Time) bool { return now.After(s.Expire) }

// Persister durably stores the whole session set; every mutation rewrites
// it in full (§5's "file is rewritten atomically" requirement applies to
// whichever backend is configured).
type Persister interface {
	Load() ([]*Session, error)
	Save([]*Session) error
}

// Store owns the live session set under a single mutex; mutations are
// serialised here and persisted before the call returns (§5).
type Store struct {
	mu       sync.Mutex
	sessions []*Session
	persist  Persister
	backend  Backend
	lifetime time.Duration
	metrics  *metrics.Metrics
}

// New constructs a store backed by persist and authenticating through backend.
func New(persist Persister, backend Backend) *Store {
	s := &Store{persist: persist, backend: backend, lifetime: DefaultLifetime, metrics: metrics.New()}
	if loaded, err := persist.Load(); err == nil {
		s.sessions = loaded
	}
	s.metrics.SessionsActive.Set(float64(len(s.sessions)))
	return s
}

// ParseSessionID extracts the first sessionID cookie value from a raw
// Cookie header, or "" if none is present. Kept for callers that only care
// about the first candidate; findOrCreateSession uses CandidateSessionIDs
// to try every candidate in order, matching the original daemon's
// parse_session loop.
func ParseSessionID(cookieHeader string) string {
	ids := CandidateSessionIDs(cookieHeader)
	if len(ids) == 0 {
		return ""
	}
	return ids[0]
}

// CandidateSessionIDs extracts every sessionID=... value from a raw Cookie
// header, in order. A Cookie header can legitimately carry more than one
// sessionID pair (e.g. after a domain/path cookie-jar merge); the caller is
// expected to try each candidate against the live session set until one
// resolves, rather than stopping at the first (possibly stale) match.
func CandidateSessionIDs(cookieHeader string) []string {
	matches := cookiePattern.FindAllStringSubmatch(cookieHeader, -1)
	if len(matches) == 0 {
		return nil
	}
	ids := make([]string, 0, len(matches))
	for _, m := range matches {
		ids = append(ids, m[1])
	}
	return ids
}

// Create allocates and persists a brand-new session.
func (s *Store) Create() (*Session, error) {
	id, err := randomHexID()
	if err != nil {
		return nil, err
	}
	sess := &Session{ID: id, Expire: time.Now().Add(s.lifetime)}

	s.mu.Lock()
	s.sessions = append(s.sessions, sess)
	err = s.persist.Save(s.sessions)
	s.metrics.SessionsActive.Set(float64(len(s.sessions)))
	s.mu.Unlock()

	if err != nil {
		return nil, err
	}
	return sess, nil
}

// Get looks up id, evicting every expired session it walks past along the
// way (eviction happens after the scan completes, so removal never shifts
// indices mid-scan — §4.6).
func (s *Store) Get(id string) (*Session, error) {
	now := time.Now()

	s.mu.Lock()
	defer s.mu.Unlock()

	var found *Session
	live := s.sessions[:0:0]
	for _, sess := range s.sessions {
		if sess.expired(now) {
			continue
		}
		live = append(live, sess)
		if sess.ID == id {
			found = sess
		}
	}

	evicted := len(live) != len(s.sessions)
	s.sessions = live
	if evicted {
		_ = s.persist.Save(s.sessions)
		s.metrics.SessionsActive.Set(float64(len(s.sessions)))
	}

	if found == nil {
		return nil, protocol.NewError(protocol.ErrNotFound, "session not found: %s", id)
	}
	return found, nil
}

// Authenticate attaches (or detaches, if user == "") a user to a session.
// Empty user logs out; otherwise the backend hashes/verifies the password
// and the returned level is attached.
func (s *Store) Authenticate(id, username, password string) error {
	sess, err := s.Get(id)
	if err != nil {
		return err
	}

	if username == "" {
		s.mu.Lock()
		sess.User = nil
		err := s.persist.Save(s.sessions)
		s.mu.Unlock()
		return err
	}

	level, err := s.backend.Authenticate(username, password)
	if err != nil {
		return err
	}

	s.mu.Lock()
	sess.User = &AttachedUser{Name: username, Level: level}
	err = s.persist.Save(s.sessions)
	s.mu.Unlock()
	return err
}

func randomHexID() (string, error) {
	var buf [8]byte // 64-bit hex id (§3)
	if _, err := rand.Read(buf[:]); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf[:]), nil
}

// MarshalSnapshot is exposed for tests asserting the SessionJson round-trip
// invariant (§8): encode then decode must be the identity modulo whitespace.
func MarshalSnapshot(sessions []*Session) ([]byte, error) {
	return json.Marshal(sessions)
}
