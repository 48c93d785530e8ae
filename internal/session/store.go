// Package session keeps the guest's auth token and current session code.
package session

import (
	"fmt"
	"strconv"
	"sync"
)

const (
	keyAuthToken   = "auth_token"
	keySessionCode = "session_code"
	keyIsActive    = "is_active"
)

// Store is the only writer of session state. Every mutation is written to
// the KV before it becomes visible, and before the call returns.
type Store struct {
	mu     sync.RWMutex
	kv     KV
	token  string
	code   string
	active bool
}

// NewStore loads any state previously persisted in kv.
func NewStore(kv KV) *Store {
	s := &Store{kv: kv}
	s.token, _ = kv.Get(keyAuthToken)
	s.code, _ = kv.Get(keySessionCode)
	if v, ok := kv.Get(keyIsActive); ok {
		s.active, _ = strconv.ParseBool(v)
	}
	return s
}

func (s *Store) AuthToken() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.token
}

func (s *Store) SetAuthToken(token string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.kv.Put(keyAuthToken, token); err != nil {
		return fmt.Errorf("persist auth token: %w", err)
	}
	s.token = token
	return nil
}

// SetCurrentSession records code and marks the session active.
func (s *Store) SetCurrentSession(code string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.persist(keySessionCode, code, keyIsActive, strconv.FormatBool(code != "")); err != nil {
		return fmt.Errorf("persist session: %w", err)
	}
	s.code = code
	s.active = code != ""
	return nil
}

func (s *Store) CurrentSessionCode() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.code
}

// IsActive is true only when the flag is set and a code is present.
func (s *Store) IsActive() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.active && s.code != ""
}

// EndSession clears the code and flag; the auth token survives.
func (s *Store) EndSession() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.persist(keySessionCode, "", keyIsActive, "false"); err != nil {
		return fmt.Errorf("clear session: %w", err)
	}
	s.code = ""
	s.active = false
	return nil
}

// ClearAll wipes everything, including the auth token.
func (s *Store) ClearAll() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.kv.Clear(); err != nil {
		return fmt.Errorf("clear session store: %w", err)
	}
	s.token = ""
	s.code = ""
	s.active = false
	return nil
}

// persist writes key/value pairs as a unit. A BatchKV does it in one write;
// otherwise keys are put in order and, if one fails, the keys already
// written are restored to their previous values.
func (s *Store) persist(kvs ...string) error {
	pairs := make(map[string]string, len(kvs)/2)
	for i := 0; i+1 < len(kvs); i += 2 {
		pairs[kvs[i]] = kvs[i+1]
	}
	if b, ok := s.kv.(BatchKV); ok {
		return b.PutAll(pairs)
	}

	var written [][2]string
	for i := 0; i+1 < len(kvs); i += 2 {
		key := kvs[i]
		// A key that did not exist before is restored as empty.
		old, _ := s.kv.Get(key)
		if err := s.kv.Put(key, kvs[i+1]); err != nil {
			for j := len(written) - 1; j >= 0; j-- {
				s.kv.Put(written[j][0], written[j][1])
			}
			return err
		}
		written = append(written, [2]string{key, old})
	}
	return nil
}

// Snapshot returns a copy of the current state.
func (s *Store) Snapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return Snapshot{
		AuthToken:   s.token,
		SessionCode: s.code,
		Active:      s.active && s.code != "",
	}
}

// Snapshot is a point-in-time copy. Its String form never includes the token.
type Snapshot struct {
	AuthToken   string
	SessionCode string
	Active      bool
}

func (s Snapshot) HasToken() bool {
	return s.AuthToken != ""
}

func (s Snapshot) String() string {
	token := "none"
	if s.AuthToken != "" {
		token = "[REDACTED]"
	}
	code := s.SessionCode
	if code == "" {
		code = "none"
	}
	return fmt.Sprintf("token=%s session=%s active=%t", token, code, s.Active)
}
