package providers

import (
	"strings"
	"sync"
)

// KeyPool rotates through a set of upstream API keys. Rotation is sticky: a
// key that triggers a rate-limit or auth rejection is skipped for all
// subsequent requests until the provider cycles back to it.
type KeyPool struct {
	mu    sync.Mutex
	keys  []string
	index int
}

// NewKeyPool builds a pool from the provided keys, dropping empties.
func NewKeyPool(keys []string) *KeyPool {
	pool := &KeyPool{}
	for _, key := range keys {
		if trimmed := strings.TrimSpace(key); trimmed != "" {
			pool.keys = append(pool.keys, trimmed)
		}
	}
	return pool
}

// ParseKeyPool splits a comma-separated key list, as configured in the
// environment.
func ParseKeyPool(raw string) *KeyPool {
	return NewKeyPool(strings.Split(raw, ","))
}

// Size returns the number of usable keys.
func (p *KeyPool) Size() int {
	if p == nil {
		return 0
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.keys)
}

// Current returns the key requests should presently use.
func (p *KeyPool) Current() (string, bool) {
	if p == nil {
		return "", false
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.keys) == 0 {
		return "", false
	}
	return p.keys[p.index], true
}

// Rotate advances to the next key and returns it. The second return reports
// whether the pool has more than one key to rotate through.
func (p *KeyPool) Rotate() (string, bool) {
	if p == nil {
		return "", false
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.keys) == 0 {
		return "", false
	}
	p.index = (p.index + 1) % len(p.keys)
	return p.keys[p.index], len(p.keys) > 1
}
