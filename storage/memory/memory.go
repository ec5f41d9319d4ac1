// Package memory implements storage's interfaces with in-process maps
// guarded by a mutex. It is the store used by every engine's unit tests
// and is suitable for local/dev single-process deployments; it is not a
// substitute for the gorm-backed store under concurrent multi-process
// load.
package memory

import (
	"context"
	"sort"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/kolide/tuf-repo-server/storage"
	"github.com/kolide/tuf-repo-server/tuf/data"
)

// ErrNotFound is returned by Get-style methods when the row does not
// exist.
var ErrNotFound = errors.New("not found")

// KeyGenRequestStore is an in-memory storage.KeyGenRequestStore.
type KeyGenRequestStore struct {
	mu   sync.Mutex
	rows map[string]*storage.KeyGenRequest
}

// NewKeyGenRequestStore returns an empty KeyGenRequestStore.
func NewKeyGenRequestStore() *KeyGenRequestStore {
	return &KeyGenRequestStore{rows: make(map[string]*storage.KeyGenRequest)}
}

func (s *KeyGenRequestStore) Create(ctx context.Context, req *storage.KeyGenRequest) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if req.ID == "" {
		req.ID = uuid.NewString()
	}
	cp := *req
	s.rows[req.ID] = &cp
	return nil
}

func (s *KeyGenRequestStore) Get(ctx context.Context, id string) (*storage.KeyGenRequest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	row, ok := s.rows[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *row
	return &cp, nil
}

func (s *KeyGenRequestStore) ListPending(ctx context.Context, limit int) ([]*storage.KeyGenRequest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var ids []string
	for id := range s.rows {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	var out []*storage.KeyGenRequest
	for _, id := range ids {
		row := s.rows[id]
		if row.Status != storage.KeyGenRequested {
			continue
		}
		cp := *row
		out = append(out, &cp)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (s *KeyGenRequestStore) ListErrored(ctx context.Context, repo storage.RepoID) ([]*storage.KeyGenRequest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var ids []string
	for id := range s.rows {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	var out []*storage.KeyGenRequest
	for _, id := range ids {
		row := s.rows[id]
		if row.RepoID != repo || row.Status != storage.KeyGenError {
			continue
		}
		cp := *row
		out = append(out, &cp)
	}
	return out, nil
}

func (s *KeyGenRequestStore) Transition(ctx context.Context, id string, status storage.KeyGenStatus, cause string, sideEffect func() error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	row, ok := s.rows[id]
	if !ok {
		return ErrNotFound
	}
	if sideEffect != nil {
		if err := sideEffect(); err != nil {
			return err
		}
	}
	row.Status = status
	row.Cause = cause
	return nil
}

// KeyStore is an in-memory storage.KeyStore.
type KeyStore struct {
	mu   sync.Mutex
	rows map[storage.RepoID]map[data.KeyID]*storage.KeyRow
}

// NewKeyStore returns an empty KeyStore.
func NewKeyStore() *KeyStore {
	return &KeyStore{rows: make(map[storage.RepoID]map[data.KeyID]*storage.KeyRow)}
}

func (s *KeyStore) Write(ctx context.Context, row *storage.KeyRow) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.rows[row.RepoID]
	if !ok {
		m = make(map[data.KeyID]*storage.KeyRow)
		s.rows[row.RepoID] = m
	}
	cp := *row
	m[row.KeyID] = &cp
	return nil
}

func (s *KeyStore) Get(ctx context.Context, repo storage.RepoID, keyID data.KeyID) (*storage.KeyRow, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	row, ok := s.rows[repo][keyID]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *row
	return &cp, nil
}

func (s *KeyStore) ListForRole(ctx context.Context, repo storage.RepoID, role data.RoleType) ([]*storage.KeyRow, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var ids []data.KeyID
	for id, row := range s.rows[repo] {
		if row.RoleType == role {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	var out []*storage.KeyRow
	for _, id := range ids {
		cp := *s.rows[repo][id]
		out = append(out, &cp)
	}
	return out, nil
}

func (s *KeyStore) TakeOffline(ctx context.Context, repo storage.RepoID, keyID data.KeyID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	row, ok := s.rows[repo][keyID]
	if !ok {
		return nil // idempotent: no-op if absent
	}
	row.PrivateRef = ""
	return nil
}

// RootRoleStore is an in-memory storage.RootRoleStore.
type RootRoleStore struct {
	mu   sync.Mutex
	rows map[storage.RepoID]map[int]*storage.RootRoleRow
}

// NewRootRoleStore returns an empty RootRoleStore.
func NewRootRoleStore() *RootRoleStore {
	return &RootRoleStore{rows: make(map[storage.RepoID]map[int]*storage.RootRoleRow)}
}

func (s *RootRoleStore) Create(ctx context.Context, row *storage.RootRoleRow) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.rows[row.RepoID]
	if !ok {
		m = make(map[int]*storage.RootRoleRow)
		s.rows[row.RepoID] = m
	}
	if _, exists := m[row.Version]; exists {
		return errors.Errorf("root role version %d already exists for repo", row.Version)
	}
	cp := *row
	m[row.Version] = &cp
	return nil
}

func (s *RootRoleStore) Get(ctx context.Context, repo storage.RepoID, version int) (*storage.RootRoleRow, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	row, ok := s.rows[repo][version]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *row
	return &cp, nil
}

func (s *RootRoleStore) GetLatest(ctx context.Context, repo storage.RepoID) (*storage.RootRoleRow, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m := s.rows[repo]
	if len(m) == 0 {
		return nil, ErrNotFound
	}
	max := 0
	for v := range m {
		if v > max {
			max = v
		}
	}
	cp := *m[max]
	return &cp, nil
}

// TargetItemStore is an in-memory storage.TargetItemStore.
type TargetItemStore struct {
	mu   sync.Mutex
	rows map[storage.RepoID]map[string]*storage.TargetItem
}

// NewTargetItemStore returns an empty TargetItemStore.
func NewTargetItemStore() *TargetItemStore {
	return &TargetItemStore{rows: make(map[storage.RepoID]map[string]*storage.TargetItem)}
}

func (s *TargetItemStore) Upsert(ctx context.Context, item *storage.TargetItem) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.rows[item.RepoID]
	if !ok {
		m = make(map[string]*storage.TargetItem)
		s.rows[item.RepoID] = m
	}
	if existing, ok := m[item.Filename]; ok {
		item.CreatedAt = existing.CreatedAt
	}
	cp := *item
	m[item.Filename] = &cp
	return nil
}

func (s *TargetItemStore) Get(ctx context.Context, repo storage.RepoID, filename string) (*storage.TargetItem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	row, ok := s.rows[repo][filename]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *row
	return &cp, nil
}

func (s *TargetItemStore) Delete(ctx context.Context, repo storage.RepoID, filename string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m := s.rows[repo]
	if _, ok := m[filename]; !ok {
		return ErrNotFound
	}
	delete(m, filename)
	return nil
}

func (s *TargetItemStore) List(ctx context.Context, repo storage.RepoID, nameContains string, offset, limit int) ([]*storage.TargetItem, int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var filenames []string
	for fn, item := range s.rows[repo] {
		if nameContains != "" && !strings.Contains(item.Custom.Name, nameContains) {
			continue
		}
		filenames = append(filenames, fn)
	}
	sort.Strings(filenames)

	total := len(filenames)
	if offset > total {
		offset = total
	}
	end := offset + limit
	if limit <= 0 || end > total {
		end = total
	}

	var out []*storage.TargetItem
	for _, fn := range filenames[offset:end] {
		cp := *s.rows[repo][fn]
		out = append(out, &cp)
	}
	return out, total, nil
}

// SignedRoleStore is an in-memory storage.SignedRoleStore.
type SignedRoleStore struct {
	mu   sync.Mutex
	rows map[storage.RepoID]map[data.RoleType]*storage.SignedRoleRow
}

// NewSignedRoleStore returns an empty SignedRoleStore.
func NewSignedRoleStore() *SignedRoleStore {
	return &SignedRoleStore{rows: make(map[storage.RepoID]map[data.RoleType]*storage.SignedRoleRow)}
}

func (s *SignedRoleStore) Get(ctx context.Context, repo storage.RepoID, role data.RoleType) (*storage.SignedRoleRow, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	row, ok := s.rows[repo][role]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *row
	return &cp, nil
}

func (s *SignedRoleStore) Put(ctx context.Context, row *storage.SignedRoleRow) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.putLocked(row)
}

func (s *SignedRoleStore) putLocked(row *storage.SignedRoleRow) error {
	m, ok := s.rows[row.RepoID]
	if !ok {
		m = make(map[data.RoleType]*storage.SignedRoleRow)
		s.rows[row.RepoID] = m
	}
	expected := 1
	if current, ok := m[row.RoleType]; ok {
		expected = current.Version + 1
	}
	if row.Version != expected {
		return storage.ErrVersionConflict
	}
	cp := *row
	m[row.RoleType] = &cp
	return nil
}

func (s *SignedRoleStore) PutAtomic(ctx context.Context, rows []*storage.SignedRoleRow) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	// Validate all version bumps before writing any, approximating the
	// all-or-nothing transactional write §4.G step 8 requires.
	for _, row := range rows {
		m := s.rows[row.RepoID]
		expected := 1
		if current, ok := m[row.RoleType]; ok {
			expected = current.Version + 1
		}
		if row.Version != expected {
			return storage.ErrVersionConflict
		}
	}
	for _, row := range rows {
		if err := s.putLocked(row); err != nil {
			return err
		}
	}
	return nil
}

// DelegationStore is an in-memory storage.DelegationStore.
type DelegationStore struct {
	mu   sync.Mutex
	rows map[storage.RepoID]map[string]*storage.DelegationRow
}

// NewDelegationStore returns an empty DelegationStore.
func NewDelegationStore() *DelegationStore {
	return &DelegationStore{rows: make(map[storage.RepoID]map[string]*storage.DelegationRow)}
}

func (s *DelegationStore) Get(ctx context.Context, repo storage.RepoID, name string) (*storage.DelegationRow, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	row, ok := s.rows[repo][name]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *row
	return &cp, nil
}

func (s *DelegationStore) Put(ctx context.Context, row *storage.DelegationRow) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.rows[row.RepoID]
	if !ok {
		m = make(map[string]*storage.DelegationRow)
		s.rows[row.RepoID] = m
	}
	cp := *row
	m[row.Name] = &cp
	return nil
}
