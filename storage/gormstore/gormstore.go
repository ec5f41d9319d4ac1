// Package gormstore is the reference relational implementation of every
// storage interface (§6), built on jinzhu/gorm the way Docker Notary's
// signer backs its key database (cmd/notary-signer/main_test.go, retrieved
// into other_examples, exercises gorm.Open("sqlite3", ...) against a
// gorm-tagged model the same way this package does). gorm's dialect
// abstraction is exercised but only the sqlite dialect is registered
// here — swapping in postgres/mysql is a driver import and a DSN change,
// not a code change.
package gormstore

import (
	"context"

	"github.com/google/uuid"
	"github.com/jinzhu/gorm"
	_ "github.com/jinzhu/gorm/dialects/sqlite"
	_ "github.com/mattn/go-sqlite3"
	"github.com/pkg/errors"

	"github.com/kolide/tuf-repo-server/storage"
	"github.com/kolide/tuf-repo-server/tuf/data"
)

func newID() string { return uuid.NewString() }

// ErrNotFound is returned by Get-style methods when the row does not
// exist. It mirrors storage/memory's sentinel of the same name, but the
// two are distinct values: errors.Is must be checked against the
// sentinel of the backend in use.
var ErrNotFound = errors.New("not found")

// Open dials sqlite at dsn and migrates every table this package owns.
// dsn is passed to the sqlite3 driver verbatim (a file path, or
// "file::memory:?cache=shared" for an in-process database).
func Open(dsn string) (*gorm.DB, error) {
	db, err := gorm.Open("sqlite3", dsn)
	if err != nil {
		return nil, errors.Wrap(err, "open sqlite database")
	}
	if err := Migrate(db); err != nil {
		db.Close()
		return nil, err
	}
	return db, nil
}

// Migrate creates or updates every table this package owns. Safe to call
// repeatedly; gorm's AutoMigrate only adds missing tables/columns.
func Migrate(db *gorm.DB) error {
	return db.AutoMigrate(
		&keyGenRequestRow{},
		&keyRow{},
		&rootRoleRow{},
		&targetItemRow{},
		&signedRoleRow{},
		&delegationRow{},
	).Error
}

// KeyGenRequestStore is a gorm-backed storage.KeyGenRequestStore.
type KeyGenRequestStore struct{ db *gorm.DB }

// NewKeyGenRequestStore wraps db.
func NewKeyGenRequestStore(db *gorm.DB) *KeyGenRequestStore { return &KeyGenRequestStore{db: db} }

func (s *KeyGenRequestStore) Create(ctx context.Context, req *storage.KeyGenRequest) error {
	if req.ID == "" {
		req.ID = newID()
	}
	row := toKeyGenRequestRow(req)
	return s.db.Create(row).Error
}

func (s *KeyGenRequestStore) Get(ctx context.Context, id string) (*storage.KeyGenRequest, error) {
	var row keyGenRequestRow
	if err := s.db.Where("id = ?", id).First(&row).Error; err != nil {
		return nil, translate(err)
	}
	return row.toStorage(), nil
}

func (s *KeyGenRequestStore) ListPending(ctx context.Context, limit int) ([]*storage.KeyGenRequest, error) {
	q := s.db.Where("status = ?", string(storage.KeyGenRequested)).Order("id asc")
	if limit > 0 {
		q = q.Limit(limit)
	}
	var rows []keyGenRequestRow
	if err := q.Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make([]*storage.KeyGenRequest, len(rows))
	for i := range rows {
		out[i] = rows[i].toStorage()
	}
	return out, nil
}

func (s *KeyGenRequestStore) ListErrored(ctx context.Context, repo storage.RepoID) ([]*storage.KeyGenRequest, error) {
	var rows []keyGenRequestRow
	err := s.db.Where("repo_id = ? AND status = ?", string(repo), string(storage.KeyGenError)).
		Order("id asc").Find(&rows).Error
	if err != nil {
		return nil, err
	}
	out := make([]*storage.KeyGenRequest, len(rows))
	for i := range rows {
		out[i] = rows[i].toStorage()
	}
	return out, nil
}

func (s *KeyGenRequestStore) Transition(ctx context.Context, id string, status storage.KeyGenStatus, cause string, sideEffect func() error) error {
	tx := s.db.Begin()
	if tx.Error != nil {
		return tx.Error
	}

	var row keyGenRequestRow
	if err := tx.Where("id = ?", id).First(&row).Error; err != nil {
		tx.Rollback()
		return translate(err)
	}

	if sideEffect != nil {
		if err := sideEffect(); err != nil {
			tx.Rollback()
			return err
		}
	}

	if err := tx.Model(&row).Updates(map[string]interface{}{
		"status": string(status),
		"cause":  cause,
	}).Error; err != nil {
		tx.Rollback()
		return err
	}
	return tx.Commit().Error
}

// KeyStore is a gorm-backed storage.KeyStore.
type KeyStore struct{ db *gorm.DB }

// NewKeyStore wraps db.
func NewKeyStore(db *gorm.DB) *KeyStore { return &KeyStore{db: db} }

// Write upserts row. gorm's Save() would issue an UPDATE whenever the
// primary key fields are non-blank regardless of whether the row already
// exists, which a composite string primary key always satisfies — so the
// existing-row check below decides Create vs. Updates explicitly rather
// than relying on Save's zero-key heuristic.
func (s *KeyStore) Write(ctx context.Context, row *storage.KeyRow) error {
	r, err := toKeyRow(row)
	if err != nil {
		return err
	}

	var existing keyRow
	err = s.db.Where("repo_id = ? AND key_id = ?", r.RepoID, r.KeyID).First(&existing).Error
	switch {
	case err == nil:
		return s.db.Model(&keyRow{}).
			Where("repo_id = ? AND key_id = ?", r.RepoID, r.KeyID).
			Updates(map[string]interface{}{
				"role_type":   r.RoleType,
				"key_type":    r.KeyType,
				"public_json": r.PublicJSON,
				"private_ref": r.PrivateRef,
			}).Error
	case gorm.IsRecordNotFoundError(err):
		return s.db.Create(r).Error
	default:
		return err
	}
}

func (s *KeyStore) Get(ctx context.Context, repo storage.RepoID, keyID data.KeyID) (*storage.KeyRow, error) {
	var row keyRow
	err := s.db.Where("repo_id = ? AND key_id = ?", string(repo), string(keyID)).First(&row).Error
	if err != nil {
		return nil, translate(err)
	}
	return row.toStorage()
}

func (s *KeyStore) ListForRole(ctx context.Context, repo storage.RepoID, role data.RoleType) ([]*storage.KeyRow, error) {
	var rows []keyRow
	err := s.db.Where("repo_id = ? AND role_type = ?", string(repo), string(role)).
		Order("key_id asc").Find(&rows).Error
	if err != nil {
		return nil, err
	}
	out := make([]*storage.KeyRow, len(rows))
	for i := range rows {
		kr, err := rows[i].toStorage()
		if err != nil {
			return nil, err
		}
		out[i] = kr
	}
	return out, nil
}

func (s *KeyStore) TakeOffline(ctx context.Context, repo storage.RepoID, keyID data.KeyID) error {
	return s.db.Model(&keyRow{}).
		Where("repo_id = ? AND key_id = ?", string(repo), string(keyID)).
		Update("private_ref", "").Error
}

// RootRoleStore is a gorm-backed storage.RootRoleStore.
type RootRoleStore struct{ db *gorm.DB }

// NewRootRoleStore wraps db.
func NewRootRoleStore(db *gorm.DB) *RootRoleStore { return &RootRoleStore{db: db} }

func (s *RootRoleStore) Create(ctx context.Context, row *storage.RootRoleRow) error {
	r, err := toRootRoleRow(row)
	if err != nil {
		return err
	}
	if err := s.db.Create(r).Error; err != nil {
		return errors.Wrap(err, "root role version already exists for repo")
	}
	return nil
}

func (s *RootRoleStore) Get(ctx context.Context, repo storage.RepoID, version int) (*storage.RootRoleRow, error) {
	var row rootRoleRow
	err := s.db.Where("repo_id = ? AND version = ?", string(repo), version).First(&row).Error
	if err != nil {
		return nil, translate(err)
	}
	return row.toStorage()
}

func (s *RootRoleStore) GetLatest(ctx context.Context, repo storage.RepoID) (*storage.RootRoleRow, error) {
	var row rootRoleRow
	err := s.db.Where("repo_id = ?", string(repo)).Order("version desc").First(&row).Error
	if err != nil {
		return nil, translate(err)
	}
	return row.toStorage()
}

// TargetItemStore is a gorm-backed storage.TargetItemStore.
type TargetItemStore struct{ db *gorm.DB }

// NewTargetItemStore wraps db.
func NewTargetItemStore(db *gorm.DB) *TargetItemStore { return &TargetItemStore{db: db} }

func (s *TargetItemStore) Upsert(ctx context.Context, item *storage.TargetItem) error {
	r, err := toTargetItemRow(item)
	if err != nil {
		return err
	}

	var existing targetItemRow
	err = s.db.Where("repo_id = ? AND filename = ?", r.RepoID, r.Filename).First(&existing).Error
	switch {
	case err == nil:
		item.CreatedAt = unixTime(existing.CreatedAt)
		return s.db.Model(&targetItemRow{}).
			Where("repo_id = ? AND filename = ?", r.RepoID, r.Filename).
			Updates(map[string]interface{}{
				"length":            r.Length,
				"checksum_method":   r.ChecksumMethod,
				"checksum_hex":      r.ChecksumHex,
				"name":              r.Name,
				"version":           r.Version,
				"hardware_ids_json": r.HardwareIDsJSON,
				"target_format":     r.TargetFormat,
				"uri":               r.URI,
				"cli_uploaded":      r.CLIUploaded,
				"proprietary_json":  r.ProprietaryJSON,
				"updated_at":        r.UpdatedAt,
			}).Error
	case gorm.IsRecordNotFoundError(err):
		// first write: CreatedAt/UpdatedAt already stamped by the caller
		// (reposerver/catalog).
		return s.db.Create(r).Error
	default:
		return err
	}
}

func (s *TargetItemStore) Get(ctx context.Context, repo storage.RepoID, filename string) (*storage.TargetItem, error) {
	var row targetItemRow
	err := s.db.Where("repo_id = ? AND filename = ?", string(repo), filename).First(&row).Error
	if err != nil {
		return nil, translate(err)
	}
	return row.toStorage()
}

func (s *TargetItemStore) Delete(ctx context.Context, repo storage.RepoID, filename string) error {
	res := s.db.Where("repo_id = ? AND filename = ?", string(repo), filename).Delete(&targetItemRow{})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *TargetItemStore) List(ctx context.Context, repo storage.RepoID, nameContains string, offset, limit int) ([]*storage.TargetItem, int, error) {
	q := s.db.Model(&targetItemRow{}).Where("repo_id = ?", string(repo))
	if nameContains != "" {
		q = q.Where("name LIKE ?", "%"+nameContains+"%")
	}

	var total int
	if err := q.Count(&total).Error; err != nil {
		return nil, 0, err
	}

	page := q.Order("filename asc").Offset(offset)
	if limit > 0 {
		page = page.Limit(limit)
	}
	var rows []targetItemRow
	if err := page.Find(&rows).Error; err != nil {
		return nil, 0, err
	}
	out := make([]*storage.TargetItem, len(rows))
	for i := range rows {
		ti, err := rows[i].toStorage()
		if err != nil {
			return nil, 0, err
		}
		out[i] = ti
	}
	return out, total, nil
}

// SignedRoleStore is a gorm-backed storage.SignedRoleStore.
type SignedRoleStore struct{ db *gorm.DB }

// NewSignedRoleStore wraps db.
func NewSignedRoleStore(db *gorm.DB) *SignedRoleStore { return &SignedRoleStore{db: db} }

func (s *SignedRoleStore) Get(ctx context.Context, repo storage.RepoID, role data.RoleType) (*storage.SignedRoleRow, error) {
	var row signedRoleRow
	err := s.db.Where("repo_id = ? AND role_type = ?", string(repo), string(role)).First(&row).Error
	if err != nil {
		return nil, translate(err)
	}
	return row.toStorage(), nil
}

func (s *SignedRoleStore) Put(ctx context.Context, row *storage.SignedRoleRow) error {
	tx := s.db.Begin()
	if tx.Error != nil {
		return tx.Error
	}
	if err := putSignedRoleLocked(tx, row); err != nil {
		tx.Rollback()
		return err
	}
	return tx.Commit().Error
}

func (s *SignedRoleStore) PutAtomic(ctx context.Context, rows []*storage.SignedRoleRow) error {
	tx := s.db.Begin()
	if tx.Error != nil {
		return tx.Error
	}
	for _, row := range rows {
		if err := putSignedRoleLocked(tx, row); err != nil {
			tx.Rollback()
			return err
		}
	}
	return tx.Commit().Error
}

// putSignedRoleLocked enforces the version-bump invariant and upserts row
// within tx, the shared core of both Put and PutAtomic (§4.G step 8 needs
// the all-or-nothing variant; Put is the single-row case of the same
// check).
func putSignedRoleLocked(tx *gorm.DB, row *storage.SignedRoleRow) error {
	var current signedRoleRow
	err := tx.Where("repo_id = ? AND role_type = ?", string(row.RepoID), string(row.RoleType)).First(&current).Error
	expected := 1
	switch {
	case err == nil:
		expected = current.Version + 1
	case gorm.IsRecordNotFoundError(err):
		// no current row: first version is always 1.
	default:
		return err
	}
	if row.Version != expected {
		return storage.ErrVersionConflict
	}

	r := toSignedRoleRow(row)
	if err == nil {
		// Updates(map) is used instead of Updates(struct) because gorm's
		// struct form silently skips zero-valued columns (an empty
		// ChecksumHex or zero Length would otherwise never overwrite a
		// prior value).
		return tx.Model(&signedRoleRow{}).
			Where("repo_id = ? AND role_type = ?", r.RepoID, r.RoleType).
			Updates(map[string]interface{}{
				"version":         r.Version,
				"expires_at":      r.ExpiresAt,
				"checksum_hex":    r.ChecksumHex,
				"length":          r.Length,
				"canonical_bytes": r.CanonicalBytes,
			}).Error
	}
	return tx.Create(r).Error
}

// DelegationStore is a gorm-backed storage.DelegationStore.
type DelegationStore struct{ db *gorm.DB }

// NewDelegationStore wraps db.
func NewDelegationStore(db *gorm.DB) *DelegationStore { return &DelegationStore{db: db} }

func (s *DelegationStore) Get(ctx context.Context, repo storage.RepoID, name string) (*storage.DelegationRow, error) {
	var row delegationRow
	err := s.db.Where("repo_id = ? AND name = ?", string(repo), name).First(&row).Error
	if err != nil {
		return nil, translate(err)
	}
	return row.toStorage(), nil
}

func (s *DelegationStore) Put(ctx context.Context, row *storage.DelegationRow) error {
	r := toDelegationRow(row)
	var existing delegationRow
	err := s.db.Where("repo_id = ? AND name = ?", r.RepoID, r.Name).First(&existing).Error
	switch {
	case err == nil:
		return s.db.Model(&delegationRow{}).
			Where("repo_id = ? AND name = ?", r.RepoID, r.Name).
			Updates(map[string]interface{}{
				"version":         r.Version,
				"canonical_bytes": r.CanonicalBytes,
			}).Error
	case gorm.IsRecordNotFoundError(err):
		return s.db.Create(r).Error
	default:
		return err
	}
}

func translate(err error) error {
	if gorm.IsRecordNotFoundError(err) {
		return ErrNotFound
	}
	return err
}
