// Package storage defines the relational persistence the core depends on.
// The abstract schema is specified by §6; the SQL dialect is explicitly
// not (§1 non-goal). Each store interface here has an in-memory
// implementation (storage/memory) used by every engine's tests, and a
// gorm-backed reference implementation (storage/gormstore) for real
// deployments.
package storage

import (
	"context"
	"time"

	"github.com/kolide/tuf-repo-server/tuf/data"
)

// RepoID is the opaque 128-bit tenant identifier that partitions every
// other entity. It is created by an external collaborator (namespace
// mapping is out of scope) and threaded through every store call.
type RepoID string

// KeyGenStatus is the lifecycle state of a KeyGenRequest.
type KeyGenStatus string

const (
	KeyGenRequested KeyGenStatus = "REQUESTED"
	KeyGenGenerated KeyGenStatus = "GENERATED"
	KeyGenError     KeyGenStatus = "ERROR"
)

// KeyGenRequest is the unit of work for the key-gen engine (§3,§4.D).
type KeyGenRequest struct {
	ID          string
	RepoID      RepoID
	RoleType    data.RoleType
	KeyType     data.KeyType
	Size        int
	Status      KeyGenStatus
	Description string
	Cause       string
}

// KeyGenRequestStore persists KeyGenRequest rows.
type KeyGenRequestStore interface {
	Create(ctx context.Context, req *KeyGenRequest) error
	Get(ctx context.Context, id string) (*KeyGenRequest, error)
	// ListPending returns up to limit rows in KeyGenRequested state, for
	// the background poll loop.
	ListPending(ctx context.Context, limit int) ([]*KeyGenRequest, error)
	// ListErrored returns every row in KeyGenError state for repo, for the
	// "force retry of errored key-gen" admin operation (§6).
	ListErrored(ctx context.Context, repo RepoID) ([]*KeyGenRequest, error)
	// Transition moves a request to status, optionally recording cause,
	// atomically with any caller-supplied side effect (key persistence).
	Transition(ctx context.Context, id string, status KeyGenStatus, cause string, sideEffect func() error) error
}

// KeyRow is the persisted public half of a Key (§3 Key).
type KeyRow struct {
	KeyID       data.KeyID
	RepoID      RepoID
	RoleType    data.RoleType
	KeyType     data.KeyType
	Public      data.Key
	PrivateRef  string // opaque secret-store handle; empty once taken offline
}

// Online reports whether this key still has a private half available.
func (k KeyRow) Online() bool { return k.PrivateRef != "" }

// KeyStore persists the public half of keys (§4.C, §6 keys table).
type KeyStore interface {
	Write(ctx context.Context, row *KeyRow) error
	Get(ctx context.Context, repo RepoID, keyID data.KeyID) (*KeyRow, error)
	ListForRole(ctx context.Context, repo RepoID, role data.RoleType) ([]*KeyRow, error)
	// TakeOffline clears PrivateRef; idempotent.
	TakeOffline(ctx context.Context, repo RepoID, keyID data.KeyID) error
}

// RootRoleRow is one persisted, immutable root role version (§3
// SignedRootRole, §6 signed_root_roles table). CanonicalBytes is the
// canonical JSON of the signing payload (data.SignedRoot) only;
// Signatures is kept alongside rather than folded into CanonicalBytes so
// the row mirrors the wire document's own signed/signatures split.
type RootRoleRow struct {
	RepoID         RepoID
	Version        int
	ExpiresAt      time.Time
	CanonicalBytes []byte
	Signatures     []data.Signature
}

// RootRoleStore persists root role versions. Rows are never updated or
// deleted once written.
type RootRoleStore interface {
	Create(ctx context.Context, row *RootRoleRow) error
	Get(ctx context.Context, repo RepoID, version int) (*RootRoleRow, error)
	GetLatest(ctx context.Context, repo RepoID) (*RootRoleRow, error)
}

// TargetItem is a single catalog entry (§3 TargetItem).
type TargetItem struct {
	RepoID    RepoID
	Filename  string
	Length    int64
	Checksum  Checksum
	Custom    TargetCustom
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Checksum is a TUF-style hash descriptor restricted to the methods §3
// allows (SHA-256 only, for now).
type Checksum struct {
	Method data.HashingMethod
	Hex    string
}

// TargetCustom carries the non-proprietary custom fields plus a free-form
// proprietary JSON object, per §3.
type TargetCustom struct {
	Name         string             `json:"name"`
	Version      string             `json:"version"`
	HardwareIDs  []string           `json:"hardware_ids"`
	TargetFormat data.TargetFormat  `json:"target_format"`
	URI          string             `json:"uri,omitempty"`
	CLIUploaded  bool               `json:"cli_uploaded,omitempty"`
	Proprietary  map[string]interface{} `json:"proprietary,omitempty"`
}

// TargetItemStore persists the per-repo target catalog.
type TargetItemStore interface {
	Upsert(ctx context.Context, item *TargetItem) error
	Get(ctx context.Context, repo RepoID, filename string) (*TargetItem, error)
	Delete(ctx context.Context, repo RepoID, filename string) error
	// List returns items ordered by filename ascending, matching
	// nameContains (substring match on Custom.Name), paginated.
	List(ctx context.Context, repo RepoID, nameContains string, offset, limit int) (items []*TargetItem, total int, err error)
}

// SignedRoleRow is the current persisted version of a non-root role
// (§3 SignedRole, §6 signed_roles table). There is exactly one row per
// (repo, role type); updates replace it in place. Unlike RootRoleRow,
// CanonicalBytes here is the canonical JSON of the full signed document
// (signed body plus signatures) — the same bytes served on GET and
// hashed into a snapshot/timestamp meta entry.
type SignedRoleRow struct {
	RepoID         RepoID
	RoleType       data.RoleType
	Version        int
	ExpiresAt      time.Time
	ChecksumHex    string
	Length         int64
	CanonicalBytes []byte
}

// ErrVersionConflict is returned by SignedRoleStore.Put when the supplied
// version is not exactly the current version + 1.
var ErrVersionConflict = versionConflictError{}

type versionConflictError struct{}

func (versionConflictError) Error() string { return "invalid version bump" }

// SignedRoleStore persists the single current row per (repo, role type).
type SignedRoleStore interface {
	Get(ctx context.Context, repo RepoID, role data.RoleType) (*SignedRoleRow, error)
	// Put writes row, enforcing that row.Version == current.Version+1 (or
	// 1 if no current row exists). Returns ErrVersionConflict otherwise.
	Put(ctx context.Context, row *SignedRoleRow) error
	// PutAtomic writes all rows in a single transaction, each subject to
	// the same version-bump rule, all-or-nothing — used by the role
	// generation engine's cascading regeneration (§4.G step 8) and by
	// offline targets intake's snapshot+timestamp regeneration.
	PutAtomic(ctx context.Context, rows []*SignedRoleRow) error
}

// DelegationRow is the current persisted version of a named delegation
// document (§3 Delegation, §6 delegations table).
type DelegationRow struct {
	RepoID         RepoID
	Name           string
	Version        int
	CanonicalBytes []byte
}

// DelegationStore persists delegated targets documents by name.
type DelegationStore interface {
	Get(ctx context.Context, repo RepoID, name string) (*DelegationRow, error)
	Put(ctx context.Context, row *DelegationRow) error
}
