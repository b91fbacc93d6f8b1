package session

import (
	"context"
	"net/http"
	"sync"
)

// Store persists named, signed session payloads on the request/response
// pair. Implementations must be concurrently safe, since they are used
// within concurrent http handlers. The engine depends on this interface
// only; any cookie- or server-side-backed implementation satisfies it.
type Store interface {
	// Get returns the payload and session id stored under name, or
	// ErrNoSession when the request carries none.
	Get(r *http.Request, name string) (payload []byte, id string, err error)

	// Set writes the payload under name and returns the session id,
	// creating one for a fresh session.
	Set(w http.ResponseWriter, r *http.Request, name string, payload []byte, opt ...Option) (id string, err error)

	// Delete removes the session stored under name.
	Delete(w http.ResponseWriter, r *http.Request, name string) error
}

// KeyValueStore is the durable store for persistent token records, keyed
// by string. Implementations must provide atomic per-key read/replace
// semantics; last-writer-wins at the key level is acceptable.
type KeyValueStore interface {
	// Get returns the value for key, or ErrNotFound.
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte) error
	Remove(ctx context.Context, key string) error
}

// options is the set of available options for Store.Set.
type options struct {
	withMaxAge int
}

// Option defines a common functional options type.
type Option func(interface{})

// ApplyOpts takes a pointer to an options struct as a set of default
// options and applies the slice of opts as overrides.
func ApplyOpts(opts interface{}, opt ...Option) {
	for _, o := range opt {
		o(opts)
	}
}

func getOpts(opt ...Option) options {
	opts := options{}
	ApplyOpts(&opts, opt...)
	return opts
}

// WithMaxAge bounds a session's cookie lifetime in seconds.
func WithMaxAge(seconds int) Option {
	return func(o interface{}) {
		if o, ok := o.(*options); ok {
			o.withMaxAge = seconds
		}
	}
}

// MemoryKV is an in-memory KeyValueStore, suitable for tests and
// single-process deployments. It is concurrently safe.
type MemoryKV struct {
	mu    sync.RWMutex
	items map[string][]byte
}

// NewMemoryKV creates an empty MemoryKV.
func NewMemoryKV() *MemoryKV {
	return &MemoryKV{items: map[string][]byte{}}
}

// Get implements KeyValueStore.
func (s *MemoryKV) Get(_ context.Context, key string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	value, ok := s.items[key]
	if !ok {
		return nil, ErrNotFound
	}
	out := make([]byte, len(value))
	copy(out, value)
	return out, nil
}

// Set implements KeyValueStore.
func (s *MemoryKV) Set(_ context.Context, key string, value []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	stored := make([]byte, len(value))
	copy(stored, value)
	s.items[key] = stored
	return nil
}

// Remove implements KeyValueStore.
func (s *MemoryKV) Remove(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.items, key)
	return nil
}
