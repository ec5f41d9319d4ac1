package gormstore

import (
	"database/sql/driver"
	"encoding/json"
	"time"

	"github.com/pkg/errors"

	"github.com/kolide/tuf-repo-server/storage"
	"github.com/kolide/tuf-repo-server/tuf/data"
)

// unixTime converts a stored unix-seconds column back to UTC, the
// canonical form every role document's Expires field is compared against.
func unixTime(sec int64) time.Time {
	if sec == 0 {
		return time.Time{}
	}
	return time.Unix(sec, 0).UTC()
}

// jsonBlob adapts an arbitrary Go value to gorm's column Scanner/Valuer so
// struct- and slice-valued fields (a public key, a signature list, the
// proprietary custom map) round-trip through a single TEXT column instead
// of a side table. Storage rows otherwise keep the canonical wire bytes
// they need (CanonicalBytes) separately; this is bookkeeping only.
type jsonBlob struct {
	dest interface{}
}

func (j jsonBlob) Value() (driver.Value, error) {
	b, err := json.Marshal(j.dest)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

func scanJSON(value interface{}, dest interface{}) error {
	if value == nil {
		return nil
	}
	var raw []byte
	switch v := value.(type) {
	case []byte:
		raw = v
	case string:
		raw = []byte(v)
	default:
		return errors.Errorf("unsupported column type %T for json scan", value)
	}
	if len(raw) == 0 {
		return nil
	}
	return json.Unmarshal(raw, dest)
}

// keyGenRequestRow is the key_gen_requests table, mirroring
// storage.KeyGenRequest (§4.D).
type keyGenRequestRow struct {
	ID          string `gorm:"primary_key"`
	RepoID      string `gorm:"index;not null"`
	RoleType    string `gorm:"not null"`
	KeyType     string `gorm:"not null"`
	Size        int
	Status      string `gorm:"index;not null"`
	Description string
	Cause       string
}

func (keyGenRequestRow) TableName() string { return "key_gen_requests" }

func toKeyGenRequestRow(r *storage.KeyGenRequest) *keyGenRequestRow {
	return &keyGenRequestRow{
		ID:          r.ID,
		RepoID:      string(r.RepoID),
		RoleType:    string(r.RoleType),
		KeyType:     string(r.KeyType),
		Size:        r.Size,
		Status:      string(r.Status),
		Description: r.Description,
		Cause:       r.Cause,
	}
}

func (row *keyGenRequestRow) toStorage() *storage.KeyGenRequest {
	return &storage.KeyGenRequest{
		ID:          row.ID,
		RepoID:      storage.RepoID(row.RepoID),
		RoleType:    data.RoleType(row.RoleType),
		KeyType:     data.KeyType(row.KeyType),
		Size:        row.Size,
		Status:      storage.KeyGenStatus(row.Status),
		Description: row.Description,
		Cause:       row.Cause,
	}
}

// keyRow is the keys table, mirroring storage.KeyRow (§4.C). PublicJSON
// holds the canonical data.Key struct; a key row's identity is the
// (RepoID, KeyID) pair, not an autoincrement column.
type keyRow struct {
	RepoID     string `gorm:"primary_key"`
	KeyID      string `gorm:"primary_key"`
	RoleType   string `gorm:"index;not null"`
	KeyType    string `gorm:"not null"`
	PublicJSON string `gorm:"type:text;not null"`
	PrivateRef string
}

func (keyRow) TableName() string { return "keys" }

func toKeyRow(r *storage.KeyRow) (*keyRow, error) {
	v, err := jsonBlob{dest: r.Public}.Value()
	if err != nil {
		return nil, err
	}
	return &keyRow{
		RepoID:     string(r.RepoID),
		KeyID:      string(r.KeyID),
		RoleType:   string(r.RoleType),
		KeyType:    string(r.KeyType),
		PublicJSON: v.(string),
		PrivateRef: r.PrivateRef,
	}, nil
}

func (row *keyRow) toStorage() (*storage.KeyRow, error) {
	var pub data.Key
	if err := scanJSON(row.PublicJSON, &pub); err != nil {
		return nil, err
	}
	return &storage.KeyRow{
		KeyID:      data.KeyID(row.KeyID),
		RepoID:     storage.RepoID(row.RepoID),
		RoleType:   data.RoleType(row.RoleType),
		KeyType:    data.KeyType(row.KeyType),
		Public:     pub,
		PrivateRef: row.PrivateRef,
	}, nil
}

// rootRoleRow is the signed_root_roles table, mirroring storage.RootRoleRow
// (§3 SignedRootRole). Rows are append-only: (RepoID, Version) is the
// primary key and no update path exists.
type rootRoleRow struct {
	RepoID          string `gorm:"primary_key"`
	Version         int    `gorm:"primary_key"`
	ExpiresAt       int64  `gorm:"not null"`
	CanonicalBytes  []byte `gorm:"type:blob;not null"`
	SignaturesJSON  string `gorm:"type:text"`
}

func (rootRoleRow) TableName() string { return "signed_root_roles" }

func toRootRoleRow(r *storage.RootRoleRow) (*rootRoleRow, error) {
	v, err := jsonBlob{dest: r.Signatures}.Value()
	if err != nil {
		return nil, err
	}
	return &rootRoleRow{
		RepoID:         string(r.RepoID),
		Version:        r.Version,
		ExpiresAt:      r.ExpiresAt.Unix(),
		CanonicalBytes: r.CanonicalBytes,
		SignaturesJSON: v.(string),
	}, nil
}

func (row *rootRoleRow) toStorage() (*storage.RootRoleRow, error) {
	var sigs []data.Signature
	if err := scanJSON(row.SignaturesJSON, &sigs); err != nil {
		return nil, err
	}
	return &storage.RootRoleRow{
		RepoID:         storage.RepoID(row.RepoID),
		Version:        row.Version,
		ExpiresAt:      unixTime(row.ExpiresAt),
		CanonicalBytes: row.CanonicalBytes,
		Signatures:     sigs,
	}, nil
}

// targetItemRow is the target_items table, mirroring storage.TargetItem
// (§3 TargetItem). CreatedAt/UpdatedAt are plain unix seconds taken
// from the caller's TargetItem, not gorm auto-timestamps; Upsert carries
// the stored CreatedAt forward on update.
type targetItemRow struct {
	RepoID           string `gorm:"primary_key"`
	Filename         string `gorm:"primary_key"`
	Length           int64
	ChecksumMethod   string
	ChecksumHex      string
	Name             string `gorm:"index"`
	Version          string
	HardwareIDsJSON  string `gorm:"type:text"`
	TargetFormat     string
	URI              string
	CLIUploaded      bool
	ProprietaryJSON  string `gorm:"type:text"`
	CreatedAt        int64
	UpdatedAt        int64
}

func (targetItemRow) TableName() string { return "target_items" }

func toTargetItemRow(item *storage.TargetItem) (*targetItemRow, error) {
	hw, err := jsonBlob{dest: item.Custom.HardwareIDs}.Value()
	if err != nil {
		return nil, err
	}
	prop, err := jsonBlob{dest: item.Custom.Proprietary}.Value()
	if err != nil {
		return nil, err
	}
	return &targetItemRow{
		RepoID:          string(item.RepoID),
		Filename:        item.Filename,
		Length:          item.Length,
		ChecksumMethod:  string(item.Checksum.Method),
		ChecksumHex:     item.Checksum.Hex,
		Name:            item.Custom.Name,
		Version:         item.Custom.Version,
		HardwareIDsJSON: hw.(string),
		TargetFormat:    string(item.Custom.TargetFormat),
		URI:             item.Custom.URI,
		CLIUploaded:     item.Custom.CLIUploaded,
		ProprietaryJSON: prop.(string),
		CreatedAt:       item.CreatedAt.Unix(),
		UpdatedAt:       item.UpdatedAt.Unix(),
	}, nil
}

func (row *targetItemRow) toStorage() (*storage.TargetItem, error) {
	var hw []string
	if err := scanJSON(row.HardwareIDsJSON, &hw); err != nil {
		return nil, err
	}
	var prop map[string]interface{}
	if err := scanJSON(row.ProprietaryJSON, &prop); err != nil {
		return nil, err
	}
	return &storage.TargetItem{
		RepoID:   storage.RepoID(row.RepoID),
		Filename: row.Filename,
		Length:   row.Length,
		Checksum: storage.Checksum{Method: data.HashingMethod(row.ChecksumMethod), Hex: row.ChecksumHex},
		Custom: storage.TargetCustom{
			Name:         row.Name,
			Version:      row.Version,
			HardwareIDs:  hw,
			TargetFormat: data.TargetFormat(row.TargetFormat),
			URI:          row.URI,
			CLIUploaded:  row.CLIUploaded,
			Proprietary:  prop,
		},
		CreatedAt: unixTime(row.CreatedAt),
		UpdatedAt: unixTime(row.UpdatedAt),
	}, nil
}

// signedRoleRow is the signed_roles table, mirroring storage.SignedRoleRow
// (§3 SignedRole). Exactly one row per (RepoID, RoleType); updates
// overwrite it in place.
type signedRoleRow struct {
	RepoID         string `gorm:"primary_key"`
	RoleType       string `gorm:"primary_key"`
	Version        int    `gorm:"not null"`
	ExpiresAt      int64  `gorm:"not null"`
	ChecksumHex    string `gorm:"not null"`
	Length         int64
	CanonicalBytes []byte `gorm:"type:blob;not null"`
}

func (signedRoleRow) TableName() string { return "signed_roles" }

func toSignedRoleRow(r *storage.SignedRoleRow) *signedRoleRow {
	return &signedRoleRow{
		RepoID:         string(r.RepoID),
		RoleType:       string(r.RoleType),
		Version:        r.Version,
		ExpiresAt:      r.ExpiresAt.Unix(),
		ChecksumHex:    r.ChecksumHex,
		Length:         r.Length,
		CanonicalBytes: r.CanonicalBytes,
	}
}

func (row *signedRoleRow) toStorage() *storage.SignedRoleRow {
	return &storage.SignedRoleRow{
		RepoID:         storage.RepoID(row.RepoID),
		RoleType:       data.RoleType(row.RoleType),
		Version:        row.Version,
		ExpiresAt:      unixTime(row.ExpiresAt),
		ChecksumHex:    row.ChecksumHex,
		Length:         row.Length,
		CanonicalBytes: row.CanonicalBytes,
	}
}

// delegationRow is the delegations table, mirroring storage.DelegationRow
// (§3 Delegation).
type delegationRow struct {
	RepoID         string `gorm:"primary_key"`
	Name           string `gorm:"primary_key"`
	Version        int    `gorm:"not null"`
	CanonicalBytes []byte `gorm:"type:blob;not null"`
}

func (delegationRow) TableName() string { return "delegations" }

func toDelegationRow(r *storage.DelegationRow) *delegationRow {
	return &delegationRow{
		RepoID:         string(r.RepoID),
		Name:           r.Name,
		Version:        r.Version,
		CanonicalBytes: r.CanonicalBytes,
	}
}

func (row *delegationRow) toStorage() *storage.DelegationRow {
	return &storage.DelegationRow{
		RepoID:         storage.RepoID(row.RepoID),
		Name:           row.Name,
		Version:        row.Version,
		CanonicalBytes: row.CanonicalBytes,
	}
}
