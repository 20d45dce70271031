// Package script owns the active version of the vendor signing algorithm.
// Versions are immutable; loading a new one validates it first and then
// publishes it atomically, so readers never observe a partial update and a
// bad update never disturbs the running version.
package script

import (
	"strings"
	"sync"

	"signd/internal/signing"
)

// historyRingSize bounds the in-memory list of prior versions kept for the
// admin surface. Durable history lives in the Postgres audit table and the
// blob archive.
const historyRingSize = 8

// Validator checks that a candidate script is usable before it becomes
// current. The service wires it to a probe sandbox build that verifies
// every entry point the dispatch rules name.
type Validator func(script signing.Script) error

// Store holds the current algorithm script and a bounded ring of prior
// versions.
type Store struct {
	hasher    signing.Hasher
	clock     signing.Clock
	validator Validator

	mu       sync.RWMutex
	current  signing.Script
	previous []signing.Script
}

// NewStore creates an empty Store. Load must succeed at least once before
// Current is meaningful.
func NewStore(hasher signing.Hasher, clock signing.Clock, validator Validator) *Store {
	return &Store{
		hasher:    hasher,
		clock:     clock,
		validator: validator,
	}
}

// Load hashes, validates and publishes a new script version. On any
// failure the previous version stays active and is returned untouched by
// subsequent Current calls.
func (s *Store) Load(source string) (signing.Script, error) {
	trimmed := strings.TrimSpace(source)
	if trimmed == "" {
		return signing.Script{}, signing.Errorf(signing.KindScriptInvalid,
			"script body is empty")
	}

	hash, err := s.hasher.Hash([]byte(source))
	if err != nil {
		return signing.Script{}, signing.E(signing.KindScriptInvalid, "hash script", err)
	}

	candidate := signing.Script{
		Source:   source,
		Hash:     hash,
		Size:     len(source),
		LoadedAt: s.clock.Now(),
	}

	if s.validator != nil {
		if err := s.validator(candidate); err != nil {
			return signing.Script{}, signing.E(signing.KindScriptInvalid,
				"script failed validation", err)
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.current.Hash != "" {
		s.previous = append([]signing.Script{s.current}, s.previous...)
		if len(s.previous) > historyRingSize {
			s.previous = s.previous[:historyRingSize]
		}
	}
	s.current = candidate
	return candidate, nil
}

// Current returns the active script. The zero value's Hash is empty when
// nothing has been loaded yet.
func (s *Store) Current() signing.Script {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.current
}

// Versions lists the current and prior versions, newest first, without
// their sources.
func (s *Store) Versions() []signing.ScriptVersion {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]signing.ScriptVersion, 0, len(s.previous)+1)
	if s.current.Hash != "" {
		out = append(out, signing.ScriptVersion{
			Hash:     s.current.Hash,
			Size:     s.current.Size,
			LoadedAt: s.current.LoadedAt,
		})
	}
	for _, v := range s.previous {
		out = append(out, signing.ScriptVersion{
			Hash:     v.Hash,
			Size:     v.Size,
			LoadedAt: v.LoadedAt,
		})
	}
	return out
}
