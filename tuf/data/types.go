// Package data defines the wire shapes of the four canonical TUF role
// documents (root, targets, snapshot, timestamp) plus the supporting types
// (keys, signatures, delegations, file-integrity metadata) shared by the
// key server and repo server cores.
package data

import (
	"time"
)

// KeyID is the lowercase hex SHA-256 of the canonical JSON encoding of a
// public key object. It is content-addressed and globally unique.
type KeyID string

// RoleType names one of the four canonical TUF roles or one of the
// optional extension roles a root may declare.
type RoleType string

const (
	RoleRoot      RoleType = "root"
	RoleSnapshot  RoleType = "snapshot"
	RoleTargets   RoleType = "targets"
	RoleTimestamp RoleType = "timestamp"

	RoleOfflineUpdates  RoleType = "offline_updates"
	RoleOfflineSnapshot RoleType = "offline_snapshot"
	RoleRemoteSessions  RoleType = "remote_sessions"
)

// HashingMethod names a supported digest algorithm for FileIntegrityMeta.
type HashingMethod string

const (
	HashSHA256 HashingMethod = "sha256"
)

// SigningMethod names a supported signature scheme.
type SigningMethod string

const (
	MethodEd25519 SigningMethod = "ed25519"
	MethodECDSA   SigningMethod = "ecdsa-sha2-nistp256"
	MethodRSAPSS  SigningMethod = "rsassa-pss-sha256"
)

// KeyType names a key algorithm family, independent of the signing scheme
// it produces.
type KeyType string

const (
	KeyTypeEd25519    KeyType = "ed25519"
	KeyTypeEcPrime256 KeyType = "ecdsa-sha2-nistp256"
	KeyTypeRsa        KeyType = "rsa"
)

// Key is the public half of a signing keypair, in the exact shape that is
// hashed to produce a KeyID and embedded in root documents.
type Key struct {
	KeyType KeyType       `json:"keytype"`
	Scheme  SigningMethod `json:"scheme"`
	KeyVal  KeyVal        `json:"keyval"`
}

// KeyVal carries the base64 public key material. Private is always nil on
// any Key that has been through canonicalization for hashing or signing;
// it exists only so that the same struct shape can transiently carry a
// generated private key between the crypto layer and the key store.
type KeyVal struct {
	Public  string  `json:"public"`
	Private *string `json:"private,omitempty"`
}

// Signature is one signer's signature over the canonical bytes of a
// Signed document.
type Signature struct {
	KeyID  KeyID         `json:"keyid"`
	Method SigningMethod `json:"method"`
	Value  string        `json:"sig"`
}

// RoleKeys maps a role to the key IDs authorized to sign for it and the
// threshold of valid signatures required.
type RoleKeys struct {
	KeyIDs    []KeyID `json:"keyids"`
	Threshold int     `json:"threshold"`
}

// SignedRoot is the signed portion of a root role document.
type SignedRoot struct {
	Type               string              `json:"_type"`
	ConsistentSnapshot bool                `json:"consistent_snapshot"`
	Expires            time.Time           `json:"expires"`
	Version            int                 `json:"version"`
	Keys               map[KeyID]Key       `json:"keys"`
	Roles              map[RoleType]RoleKeys `json:"roles"`
}

// Root is a fully signed root role document.
type Root struct {
	Signed     SignedRoot  `json:"signed"`
	Signatures []Signature `json:"signatures"`
}

// MetaEntry describes one role document referenced from snapshot or
// timestamp: its path, the version it pins, and the length/hashes of its
// canonical bytes.
type MetaEntry struct {
	Version int                      `json:"version"`
	Length  int64                    `json:"length"`
	Hashes  map[HashingMethod]string `json:"hashes"`
}

// SignedSnapshot is the signed portion of a snapshot role document.
type SignedSnapshot struct {
	Type    string               `json:"_type"`
	Expires time.Time            `json:"expires"`
	Version int                  `json:"version"`
	Meta    map[string]MetaEntry `json:"meta"`
}

// Snapshot is a fully signed snapshot role document.
type Snapshot struct {
	Signed     SignedSnapshot `json:"signed"`
	Signatures []Signature    `json:"signatures"`
}

// SignedTimestamp is the signed portion of a timestamp role document.
type SignedTimestamp struct {
	Type    string               `json:"_type"`
	Expires time.Time            `json:"expires"`
	Version int                  `json:"version"`
	Meta    map[string]MetaEntry `json:"meta"`
}

// Timestamp is a fully signed timestamp role document.
type Timestamp struct {
	Signed     SignedTimestamp `json:"signed"`
	Signatures []Signature     `json:"signatures"`
}

// TargetFormat classifies the binary shape of a target file.
type TargetFormat string

const (
	TargetFormatBinary TargetFormat = "BINARY"
	TargetFormatOSTree TargetFormat = "OSTREE"
)

// FileIntegrityMeta is the hash/length pair TUF uses to pin a target's
// content, keyed by path in a SignedTarget. Custom carries the
// application-specific metadata (name, version, hardware IDs, URI,
// proprietary fields) the catalog attaches to a target; it travels with
// the role document itself, as plain TUF's own "custom" field does.
type FileIntegrityMeta struct {
	Length int64                    `json:"length"`
	Hashes map[HashingMethod]string `json:"hashes"`
	Custom map[string]interface{}   `json:"custom,omitempty"`
}

// Clone returns a deep copy of the hash map so callers may mutate the
// result without aliasing the original.
func (f FileIntegrityMeta) Clone() FileIntegrityMeta {
	h := make(map[HashingMethod]string, len(f.Hashes))
	for k, v := range f.Hashes {
		h[k] = v
	}
	return FileIntegrityMeta{Length: f.Length, Hashes: h, Custom: f.Custom}
}

// Equal reports whether two FileIntegrityMeta describe the same content.
// Custom is excluded: it is descriptive metadata, not content identity.
func (f FileIntegrityMeta) Equal(o FileIntegrityMeta) bool {
	if f.Length != o.Length || len(f.Hashes) != len(o.Hashes) {
		return false
	}
	for algo, hash := range f.Hashes {
		if o.Hashes[algo] != hash {
			return false
		}
	}
	return true
}

// DelegationRole names a delegated sub-authority under targets: the key
// set and threshold that must sign for it, and the path patterns it is
// authorized to cover.
type DelegationRole struct {
	RoleKeys
	Name  string   `json:"name"`
	Paths []string `json:"paths"`
}

// Delegations is the full set of delegated targets roles declared by a
// targets document, plus the keys those delegations reference.
type Delegations struct {
	Keys  map[KeyID]Key    `json:"keys"`
	Roles []DelegationRole `json:"roles"`
}

// SignedTarget is the signed portion of a targets role document.
type SignedTarget struct {
	Type        string                       `json:"_type"`
	Expires     time.Time                    `json:"expires"`
	Version     int                          `json:"version"`
	Targets     map[string]FileIntegrityMeta `json:"targets"`
	Delegations Delegations                  `json:"delegations"`
}

// Targets is a fully signed targets role document (top-level or
// delegated; delegated documents carry the same shape under a different
// storage path).
type Targets struct {
	Signed     SignedTarget `json:"signed"`
	Signatures []Signature  `json:"signatures"`
}

// ValidTargetFormat reports whether f is one of the known target formats
// or empty (the catalog defaults an empty format to BINARY).
func ValidTargetFormat(f TargetFormat) bool {
	switch f {
	case TargetFormatBinary, TargetFormatOSTree, "":
		return true
	default:
		return false
	}
}
