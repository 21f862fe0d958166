// Package credential holds the pool of upstream API keys.
package credential

import (
	"errors"
	"math/rand/v2"
	"slices"

	"oapi-gateway/internal/config"
)

// ErrEmptyPool is returned when a Pool is built without any keys.
var ErrEmptyPool = errors.New("credential pool is empty")

// Pool selects an upstream API key per request. It holds no rotation state
// and is safe for concurrent use.
type Pool struct {
	keys []string
	intn func(n int) int
}

// NewPool creates a Pool from the configured key list.
func NewPool(cfg *config.Config) (*Pool, error) {
	return newPool(cfg.Gateway.KeyPool, rand.IntN)
}

func newPool(keys []string, intn func(int) int) (*Pool, error) {
	if len(keys) == 0 {
		return nil, ErrEmptyPool
	}
	return &Pool{keys: slices.Clone(keys), intn: intn}, nil
}

// Select returns a key chosen uniformly at random, independently of earlier calls.
func (p *Pool) Select() string {
	return p.keys[p.intn(len(p.keys))]
}

// Contains reports whether key is a member of the pool.
func (p *Pool) Contains(key string) bool {
	return slices.Contains(p.keys, key)
}

// Size returns the number of keys in the pool.
func (p *Pool) Size() int {
	return len(p.keys)
}
