package room

import (
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/peerbeam/peerbeam/crypto"
)

const (
	// CodeLength is the number of symbols in a room code, pre-formatting.
	CodeLength = 8

	// CodeAlphabet is the 32-symbol set room codes are drawn from. It
	// excludes I, O, 0 and 1 to avoid transcription mistakes.
	CodeAlphabet = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789"

	// DefaultExpiry is how long a session remains joinable.
	DefaultExpiry = 60 * time.Minute
)

var (
	// ErrSessionNotFound indicates the code matches no live session.
	ErrSessionNotFound = errors.New("session not found")
)

// TimeProvider abstracts time operations for deterministic testing.
type TimeProvider interface {
	Now() time.Time
	Since(t time.Time) time.Duration
}

// DefaultTimeProvider uses the standard library time functions.
type DefaultTimeProvider struct{}

// Now returns the current time.
func (DefaultTimeProvider) Now() time.Time { return time.Now() }

// Since returns the duration since t.
func (DefaultTimeProvider) Since(t time.Time) time.Duration { return time.Since(t) }

// Session binds a room code to its expiry and optional PIN hash. One exists
// per hosting device while it awaits a peer.
type Session struct {
	Code      string
	CreatedAt time.Time
	ExpiresAt time.Time
	PinHash   string
}

// Registry owns all live sessions for a process. Construct one per process
// and pass it by reference so tests can run independent sessions side by
// side.
type Registry struct {
	mu           sync.Mutex
	sessions     map[string]*Session
	codeLength   int
	alphabet     string
	expiry       time.Duration
	timeProvider TimeProvider
}

// NewRegistry creates a registry with the package defaults.
func NewRegistry() *Registry {
	return &Registry{
		sessions:     make(map[string]*Session),
		codeLength:   CodeLength,
		alphabet:     CodeAlphabet,
		expiry:       DefaultExpiry,
		timeProvider: DefaultTimeProvider{},
	}
}

// SetTimeProvider sets a custom time provider for deterministic testing.
func (r *Registry) SetTimeProvider(tp TimeProvider) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.timeProvider = tp
}

// SetExpiry overrides the session lifetime for sessions issued afterwards.
func (r *Registry) SetExpiry(d time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.expiry = d
}

// Issue generates a fresh room code and registers a session for it.
func (r *Registry) Issue() (*Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	code, err := crypto.RandomCode(r.alphabet, r.codeLength)
	if err != nil {
		return nil, err
	}

	now := r.timeProvider.Now()
	session := &Session{
		Code:      code,
		CreatedAt: now,
		ExpiresAt: now.Add(r.expiry),
	}
	r.sessions[Normalize(code)] = session

	logrus.WithFields(logrus.Fields{
		"function":   "Issue",
		"room_code":  Format(code),
		"expires_at": session.ExpiresAt,
	}).Info("Room session issued")

	return copySession(session), nil
}

// IsValid reports whether the code matches a live, unexpired session.
// Expired entries are evicted as a side effect of the lookup.
func (r *Registry) IsValid(code string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.lookup(code) != nil
}

// Get returns a copy of the session for the code, or ErrSessionNotFound.
func (r *Registry) Get(code string) (*Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	session := r.lookup(code)
	if session == nil {
		return nil, ErrSessionNotFound
	}
	return copySession(session), nil
}

// SetPin attaches a hashed PIN to the session. Pass the digest, never the
// plaintext.
func (r *Registry) SetPin(code, pinHash string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	session := r.lookup(code)
	if session == nil {
		return ErrSessionNotFound
	}
	session.PinHash = pinHash

	logrus.WithFields(logrus.Fields{
		"function":  "SetPin",
		"room_code": Format(session.Code),
	}).Info("Session PIN configured")

	return nil
}

// Destroy removes the session, if present.
func (r *Registry) Destroy(code string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.sessions, Normalize(code))
}

// lookup returns the live session for a code, evicting it if expired.
// Caller must hold r.mu.
func (r *Registry) lookup(code string) *Session {
	key := Normalize(code)
	session, exists := r.sessions[key]
	if !exists {
		return nil
	}
	if !r.timeProvider.Now().Before(session.ExpiresAt) {
		delete(r.sessions, key)
		logrus.WithFields(logrus.Fields{
			"function":  "lookup",
			"room_code": Format(session.Code),
		}).Debug("Expired session evicted")
		return nil
	}
	return session
}

func copySession(s *Session) *Session {
	c := *s
	return &c
}

// Normalize strips dashes and spaces and uppercases a code for comparison.
func Normalize(code string) string {
	code = strings.ReplaceAll(code, "-", "")
	code = strings.ReplaceAll(code, " ", "")
	return strings.ToUpper(code)
}

// Format renders a code in the XXXX-XXXX display form. Codes of unexpected
// length are returned normalized but undashed.
func Format(code string) string {
	normalized := Normalize(code)
	if len(normalized) != CodeLength {
		return normalized
	}
	return normalized[:4] + "-" + normalized[4:]
}
