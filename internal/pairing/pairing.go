// Package pairing implements the DM pairing handshake: unknown senders
// under the "pairing" DM policy are issued an opaque code, and an
// out-of-band approval moves them onto the channel allowlist.
package pairing

import (
	"crypto/rand"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// DefaultTTL is how long a pending code stays redeemable.
const DefaultTTL = 24 * time.Hour

const codeLength = 8

// PendingCode is an unredeemed pairing request.
type PendingCode struct {
	Code      string            `json:"code"`
	CreatedAt time.Time         `json:"createdAt"`
	Meta      map[string]string `json:"meta,omitempty"`
}

// ChannelPairing is the per-channel slice of the store file.
type ChannelPairing struct {
	AllowFrom []string               `json:"allowFrom"`
	Pending   map[string]PendingCode `json:"pending,omitempty"`
}

type storeFile map[string]*ChannelPairing

// Store is the file-backed pairing state. All writes go through the
// store lock and land via temp-file rename.
type Store struct {
	path string
	ttl  time.Duration
	mu   sync.Mutex
	now  func() time.Time
}

// NewStore creates a pairing store at path. ttl <= 0 uses DefaultTTL.
func NewStore(path string, ttl time.Duration) *Store {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Store{path: path, ttl: ttl, now: time.Now}
}

// RequestCode returns the open pairing code for (channel, id), creating
// one when none exists. The code is stable until redeemed or expired:
// repeated DMs from the same sender reuse it.
func (s *Store) RequestCode(channel, id string, meta map[string]string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := s.loadLocked()
	if err != nil {
		return "", err
	}

	ch := data[channel]
	if ch == nil {
		ch = &ChannelPairing{}
		data[channel] = ch
	}
	if ch.Pending == nil {
		ch.Pending = make(map[string]PendingCode)
	}

	now := s.now()
	if pending, ok := ch.Pending[id]; ok && now.Sub(pending.CreatedAt) < s.ttl {
		return pending.Code, nil
	}

	code, err := generateCode()
	if err != nil {
		return "", err
	}
	ch.Pending[id] = PendingCode{Code: code, CreatedAt: now, Meta: meta}

	if err := s.saveLocked(data); err != nil {
		return "", err
	}
	return code, nil
}

// Approve redeems a pending code: the id moves into the channel allowlist
// (dedup'd) and the pending entry is removed.
func (s *Store) Approve(channel, code string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := s.loadLocked()
	if err != nil {
		return "", err
	}

	ch := data[channel]
	if ch == nil {
		return "", fmt.Errorf("no pending pairings for channel %s", channel)
	}

	now := s.now()
	for id, pending := range ch.Pending {
		if pending.Code != code {
			continue
		}
		if now.Sub(pending.CreatedAt) >= s.ttl {
			delete(ch.Pending, id)
			if err := s.saveLocked(data); err != nil {
				return "", err
			}
			return "", fmt.Errorf("pairing code expired")
		}

		delete(ch.Pending, id)
		if !contains(ch.AllowFrom, id) {
			ch.AllowFrom = append(ch.AllowFrom, id)
		}
		if err := s.saveLocked(data); err != nil {
			return "", err
		}
		return id, nil
	}
	return "", fmt.Errorf("unknown pairing code")
}

// Revoke removes an id from a channel's allowlist.
func (s *Store) Revoke(channel, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := s.loadLocked()
	if err != nil {
		return err
	}
	ch := data[channel]
	if ch == nil {
		return nil
	}

	out := ch.AllowFrom[:0]
	for _, v := range ch.AllowFrom {
		if v != id {
			out = append(out, v)
		}
	}
	ch.AllowFrom = out
	delete(ch.Pending, id)
	return s.saveLocked(data)
}

// AllowFrom returns the channel's runtime allowlist snapshot.
func (s *Store) AllowFrom(channel string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := s.loadLocked()
	if err != nil {
		return nil
	}
	ch := data[channel]
	if ch == nil {
		return nil
	}
	out := make([]string, len(ch.AllowFrom))
	copy(out, ch.AllowFrom)
	return out
}

// ListPending returns the unexpired pending codes for a channel, keyed by
// sender id.
func (s *Store) ListPending(channel string) map[string]PendingCode {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := s.loadLocked()
	if err != nil {
		return nil
	}
	ch := data[channel]
	if ch == nil {
		return nil
	}

	now := s.now()
	out := make(map[string]PendingCode)
	for id, pending := range ch.Pending {
		if now.Sub(pending.CreatedAt) < s.ttl {
			out[id] = pending
		}
	}
	return out
}

func (s *Store) loadLocked() (storeFile, error) {
	data := storeFile{}
	raw, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return data, nil
		}
		return nil, fmt.Errorf("read pairing store: %w", err)
	}
	if err := json.Unmarshal(raw, &data); err != nil {
		return nil, fmt.Errorf("parse pairing store: %w", err)
	}
	return data, nil
}

func (s *Store) saveLocked(data storeFile) error {
	raw, err := json.MarshalIndent(data, "", "  ")
	if err != nil {
		return err
	}
	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, ".pairing-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(raw); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}
	if err := os.Chmod(tmpName, 0600); err != nil {
		os.Remove(tmpName)
		return err
	}
	return os.Rename(tmpName, s.path)
}

const codeAlphabet = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789"

// generateCode returns an opaque uppercase code. The alphabet omits easily
// confused characters (0/O, 1/I).
func generateCode() (string, error) {
	buf := make([]byte, codeLength)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	for i, b := range buf {
		buf[i] = codeAlphabet[int(b)%len(codeAlphabet)]
	}
	return string(buf), nil
}

func contains(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}
