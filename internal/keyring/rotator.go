// Package keyring holds the per-provider API key rotation state. The key list
// is immutable after construction; only the cursor moves. Rotation is driven
// by the fallback engine: forward after every successful call (spreads load
// across keys) and after every rate-limit classification (the current key is
// exhausted).
package keyring

import (
	"errors"
	"sync"
)

var ErrNoKeys = errors.New("keyring: no API keys configured")

// Rotator holds a non-empty ordered key list and a cursor.
type Rotator struct {
	mu     sync.Mutex
	keys   []string
	cursor int
}

// NewRotator builds a rotator over the given keys. Empty or blank keys are
// dropped; an entirely empty list is an error.
func NewRotator(keys []string) (*Rotator, error) {
	clean := make([]string, 0, len(keys))
	for _, k := range keys {
		if k != "" {
			clean = append(clean, k)
		}
	}
	if len(clean) == 0 {
		return nil, ErrNoKeys
	}
	return &Rotator{keys: clean}, nil
}

// Current returns the key at the cursor.
func (r *Rotator) Current() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.keys[r.cursor]
}

// Advance moves the cursor forward, wrapping modulo the list length.
func (r *Rotator) Advance() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cursor = (r.cursor + 1) % len(r.keys)
}

// Len returns the number of keys in the rotation.
func (r *Rotator) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.keys)
}
