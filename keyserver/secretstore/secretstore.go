// Package secretstore defines the interface to the private-key backend
// the key server depends on. §1 names the secret store an external
// collaborator whose production implementation (Vault, KMS, ...) is out
// of scope; this package specifies the contract and ships an in-memory
// implementation for tests and local/dev use.
package secretstore

import (
	"context"
	"sync"

	"github.com/google/uuid"
	"github.com/pkg/errors"
)

// ErrNotFound is returned when a handle does not resolve to stored
// material, including after it has been deleted.
var ErrNotFound = errors.New("secret not found")

// Store persists private key material opaquely: callers never see a
// handle's storage location, only an opaque string they can present again
// to Get or Delete.
type Store interface {
	// Put stores priv and returns an opaque handle.
	Put(ctx context.Context, priv []byte) (handle string, err error)
	// Get retrieves the private material for handle.
	Get(ctx context.Context, handle string) ([]byte, error)
	// Delete removes the private material for handle. Idempotent: deleting
	// an already-deleted or unknown handle is not an error.
	Delete(ctx context.Context, handle string) error
}

// Memory is an in-process Store. Production deployments plug in a real
// secret-store backend; no pack example wires a concrete client library to
// a working KMS/transit backend, so none is fabricated here.
type Memory struct {
	mu   sync.Mutex
	data map[string][]byte
}

// NewMemory returns an empty Memory store.
func NewMemory() *Memory {
	return &Memory{data: make(map[string][]byte)}
}

func (m *Memory) Put(ctx context.Context, priv []byte) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	handle := uuid.NewString()
	cp := make([]byte, len(priv))
	copy(cp, priv)
	m.data[handle] = cp
	return handle, nil
}

func (m *Memory) Get(ctx context.Context, handle string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	priv, ok := m.data[handle]
	if !ok {
		return nil, ErrNotFound
	}
	cp := make([]byte, len(priv))
	copy(cp, priv)
	return cp, nil
}

func (m *Memory) Delete(ctx context.Context, handle string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.data, handle)
	return nil
}
