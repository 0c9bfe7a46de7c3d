package storage

import (
	"encoding/json"
	"fmt"
	"path/filepath"

	logging "github.com/ipfs/go-log/v2"
)

var log = logging.Logger("storage")

const (
	keyCall       = "shared_call"
	keyGuestToken = "guest_token"
)

// KV is the raw slot storage behind a SessionStore.
type KV interface {
	Get(key string) (string, bool, error)
	Set(key, value string) error
	Remove(key string) error
	Close() error
}

// CallSession is the persisted identity of an in-progress call.
type CallSession struct {
	CallID               string `json:"callId"`
	AgentID              string `json:"agentId"`
	AgentSocketID        string `json:"agentSocketId"`
	VideoActiveByDefault bool   `json:"videoActiveByDefault"`
}

// GuestToken remembers the channel identity the guest last registered with.
type GuestToken struct {
	GuestSocketID string `json:"guestSocketId"`
}

// SessionStore holds at most one CallSession and one GuestToken for a guest
// profile.
type SessionStore struct {
	kv KV
}

func NewSessionStore(kv KV) *SessionStore {
	return &SessionStore{kv: kv}
}

// OpenSessionStore opens the profile database under dir. When dir is empty or
// the database cannot be opened or written, it falls back to memory and
// reports persistent=false.
func OpenSessionStore(dir string) (store *SessionStore, persistent bool) {
	if dir == "" {
		return NewSessionStore(NewMemory()), false
	}
	db, err := Open(filepath.Clean(dir))
	if err != nil {
		log.Warnf("STORAGE: %v, using memory", err)
		return NewSessionStore(NewMemory()), false
	}
	if err := db.Probe(); err != nil {
		log.Warnf("STORAGE: %s not writable (%v), using memory", db.Path(), err)
		db.Close()
		return NewSessionStore(NewMemory()), false
	}
	log.Debugf("STORAGE: session slots in %s", db.Path())
	return NewSessionStore(db), true
}

func (s *SessionStore) Close() error { return s.kv.Close() }

func (s *SessionStore) GetCall() (CallSession, bool, error) {
	var cs CallSession
	ok, err := s.get(keyCall, &cs)
	return cs, ok, err
}

func (s *SessionStore) SetCall(cs CallSession) error { return s.set(keyCall, cs) }

func (s *SessionStore) RemoveCall() error { return s.kv.Remove(keyCall) }

func (s *SessionStore) GetGuestToken() (GuestToken, bool, error) {
	var t GuestToken
	ok, err := s.get(keyGuestToken, &t)
	return t, ok, err
}

func (s *SessionStore) SetGuestToken(t GuestToken) error { return s.set(keyGuestToken, t) }

func (s *SessionStore) RemoveGuestToken() error { return s.kv.Remove(keyGuestToken) }

// Clear removes both slots.
func (s *SessionStore) Clear() error {
	if err := s.RemoveGuestToken(); err != nil {
		return err
	}
	return s.RemoveCall()
}

func (s *SessionStore) get(key string, v any) (bool, error) {
	raw, ok, err := s.kv.Get(key)
	if err != nil || !ok {
		return false, err
	}
	if err := json.Unmarshal([]byte(raw), v); err != nil {
		return false, fmt.Errorf("decode %s: %w", key, err)
	}
	return true, nil
}

// set replaces the slot: any previous value is removed before the new one is
// written.
func (s *SessionStore) set(key string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s: %w", key, err)
	}
	if err := s.kv.Remove(key); err != nil {
		return err
	}
	return s.kv.Set(key, string(data))
}
