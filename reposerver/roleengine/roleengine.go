// Package roleengine implements the Role Generation Engine (§4.G): the
// versioning rule shared by every non-root role, the cascading
// regeneration that rebuilds targets/snapshot/timestamp from the target
// catalog, and refresh-on-read. Grounded on the
// GenerateSnapshot/GenerateTimestamp pair in Docker Notary's
// tuf/builder.go (hash/length cross-checking between a role's meta
// entries and the canonical bytes of the role each entry references).
package roleengine

import (
	"context"
	"time"

	"github.com/WatchBeam/clock"
	"github.com/pkg/errors"

	"github.com/kolide/tuf-repo-server/apierrors"
	"github.com/kolide/tuf-repo-server/keyserver/keystore"
	"github.com/kolide/tuf-repo-server/keyserver/rootengine"
	"github.com/kolide/tuf-repo-server/reposerver/catalog"
	"github.com/kolide/tuf-repo-server/storage"
	"github.com/kolide/tuf-repo-server/tuf/canonicaljson"
	"github.com/kolide/tuf-repo-server/tuf/data"
)

// Default role TTLs, per §6 ("targets=31d, snapshot=1d, timestamp=1d").
const (
	DefaultTargetsTTL   = 31 * 24 * time.Hour
	DefaultSnapshotTTL  = 24 * time.Hour
	DefaultTimestampTTL = 24 * time.Hour
	// timestampRefreshWindow: a timestamp is refreshed on read once its
	// expiry is within this horizon, per §4.G.
	timestampRefreshWindow = 1 * time.Hour
	// timestampRefreshExtension: each refreshed timestamp pushes expiry
	// forward by this much, per §4.G's "expires_at += 1 day".
	timestampRefreshExtension = 24 * time.Hour
)

const (
	pathRoot      = "root.json"
	pathTargets   = "targets.json"
	pathSnapshot  = "snapshot.json"
)

// Engine implements the Role Generation Engine.
type Engine struct {
	roles   storage.SignedRoleStore
	keys    *keystore.Store
	roots   *rootengine.Engine
	catalog *catalog.Store
	clock   clock.Clock

	targetsTTL, snapshotTTL, timestampTTL time.Duration
}

// New returns an Engine. Any TTL <= 0 uses its Default* constant.
func New(roles storage.SignedRoleStore, keys *keystore.Store, roots *rootengine.Engine, cat *catalog.Store, clk clock.Clock, targetsTTL, snapshotTTL, timestampTTL time.Duration) *Engine {
	if targetsTTL <= 0 {
		targetsTTL = DefaultTargetsTTL
	}
	if snapshotTTL <= 0 {
		snapshotTTL = DefaultSnapshotTTL
	}
	if timestampTTL <= 0 {
		timestampTTL = DefaultTimestampTTL
	}
	return &Engine{roles: roles, keys: keys, roots: roots, catalog: cat, clock: clk, targetsTTL: targetsTTL, snapshotTTL: snapshotTTL, timestampTTL: timestampTTL}
}

// Regenerate runs the full 8-step cascade (§4.G): fetch/refresh root,
// rebuild targets from the catalog, sign it, build snapshot referencing
// root and targets, sign it, build timestamp referencing snapshot, sign
// it, and persist all three atomically.
func (e *Engine) Regenerate(ctx context.Context, repo storage.RepoID, expiresNotBefore time.Time) (*data.Targets, *data.Snapshot, *data.Timestamp, error) {
	root, err := e.roots.FindFresh(ctx, repo, expiresNotBefore)
	if err != nil {
		return nil, nil, nil, errors.Wrap(err, "fetch current root")
	}
	rootBytes, err := canonicaljson.Marshal(root)
	if err != nil {
		return nil, nil, nil, errors.Wrap(err, "marshal root for meta entry")
	}

	targetsDoc, targetsRow, err := e.buildTargets(ctx, repo, expiresNotBefore)
	if err != nil {
		return nil, nil, nil, err
	}

	snapshotDoc, snapshotRow, err := e.buildSnapshot(ctx, repo, root.Signed.Version, rootBytes, targetsRow.CanonicalBytes)
	if err != nil {
		return nil, nil, nil, err
	}

	timestampDoc, timestampRow, err := e.buildTimestamp(ctx, repo, snapshotRow.CanonicalBytes)
	if err != nil {
		return nil, nil, nil, err
	}

	if err := e.roles.PutAtomic(ctx, []*storage.SignedRoleRow{targetsRow, snapshotRow, timestampRow}); err != nil {
		return nil, nil, nil, errors.Wrap(err, "persist targets/snapshot/timestamp")
	}
	return targetsDoc, snapshotDoc, timestampDoc, nil
}

// RegenerateSnapshotTimestamp rebuilds snapshot and timestamp from the
// currently persisted targets row without touching targets itself — the
// cascade offline-signed targets intake uses (§4.H: "targets is already
// signed" by the time this runs).
func (e *Engine) RegenerateSnapshotTimestamp(ctx context.Context, repo storage.RepoID, expiresNotBefore time.Time) (*data.Snapshot, *data.Timestamp, error) {
	root, err := e.roots.FindFresh(ctx, repo, expiresNotBefore)
	if err != nil {
		return nil, nil, errors.Wrap(err, "fetch current root")
	}
	rootBytes, err := canonicaljson.Marshal(root)
	if err != nil {
		return nil, nil, errors.Wrap(err, "marshal root for meta entry")
	}

	targetsRow, err := e.roles.Get(ctx, repo, data.RoleTargets)
	if err != nil {
		return nil, nil, apierrors.Wrap(apierrors.MissingEntity, err, "targets not found")
	}

	snapshotDoc, snapshotRow, err := e.buildSnapshot(ctx, repo, root.Signed.Version, rootBytes, targetsRow.CanonicalBytes)
	if err != nil {
		return nil, nil, err
	}
	timestampDoc, timestampRow, err := e.buildTimestamp(ctx, repo, snapshotRow.CanonicalBytes)
	if err != nil {
		return nil, nil, err
	}
	if err := e.roles.PutAtomic(ctx, []*storage.SignedRoleRow{snapshotRow, timestampRow}); err != nil {
		return nil, nil, errors.Wrap(err, "persist snapshot/timestamp")
	}
	return snapshotDoc, timestampDoc, nil
}

func (e *Engine) buildTargets(ctx context.Context, repo storage.RepoID, expiresNotBefore time.Time) (*data.Targets, *storage.SignedRoleRow, error) {
	nextVersion := 1
	delegations := data.Delegations{Keys: map[data.KeyID]data.Key{}}
	if cur, err := e.roles.Get(ctx, repo, data.RoleTargets); err == nil {
		var prev data.Targets
		if err := canonicaljson.Unmarshal(cur.CanonicalBytes, &prev); err != nil {
			return nil, nil, errors.Wrap(err, "unmarshal current targets")
		}
		nextVersion = prev.Signed.Version + 1
		delegations = prev.Signed.Delegations
	}

	items, err := e.catalog.AllItems(ctx, repo)
	if err != nil {
		return nil, nil, errors.Wrap(err, "list catalog items")
	}
	targetsMap := make(map[string]data.FileIntegrityMeta, len(items))
	for _, item := range items {
		custom, err := customToMap(item.Custom)
		if err != nil {
			return nil, nil, errors.Wrap(err, "marshal target custom metadata")
		}
		targetsMap[item.Filename] = data.FileIntegrityMeta{
			Length: item.Length,
			Hashes: map[data.HashingMethod]string{item.Checksum.Method: item.Checksum.Hex},
			Custom: custom,
		}
	}

	signed := data.SignedTarget{
		Type:        "targets",
		Expires:     e.expiresAt(e.targetsTTL, expiresNotBefore),
		Version:     nextVersion,
		Targets:     targetsMap,
		Delegations: delegations,
	}
	doc, row, err := e.signRole(ctx, repo, data.RoleTargets, signed)
	if err != nil {
		return nil, nil, err
	}
	return &data.Targets{Signed: signed, Signatures: doc.sigs}, row, nil
}

func (e *Engine) buildSnapshot(ctx context.Context, repo storage.RepoID, rootVersion int, rootBytes, targetsBytes []byte) (*data.Snapshot, *storage.SignedRoleRow, error) {
	nextVersion := 1
	if cur, err := e.roles.Get(ctx, repo, data.RoleSnapshot); err == nil {
		var prev data.Snapshot
		if err := canonicaljson.Unmarshal(cur.CanonicalBytes, &prev); err != nil {
			return nil, nil, errors.Wrap(err, "unmarshal current snapshot")
		}
		nextVersion = prev.Signed.Version + 1
	}

	var targetsDoc data.Targets
	if err := canonicaljson.Unmarshal(targetsBytes, &targetsDoc); err != nil {
		return nil, nil, errors.Wrap(err, "unmarshal targets for meta entry")
	}

	signed := data.SignedSnapshot{
		Type:    "snapshot",
		Expires: e.now().Add(e.snapshotTTL),
		Version: nextVersion,
		Meta: map[string]data.MetaEntry{
			pathRoot:    metaEntry(rootVersion, rootBytes),
			pathTargets: metaEntry(targetsDoc.Signed.Version, targetsBytes),
		},
	}
	doc, row, err := e.signRole(ctx, repo, data.RoleSnapshot, signed)
	if err != nil {
		return nil, nil, err
	}
	return &data.Snapshot{Signed: signed, Signatures: doc.sigs}, row, nil
}

func (e *Engine) buildTimestamp(ctx context.Context, repo storage.RepoID, snapshotBytes []byte) (*data.Timestamp, *storage.SignedRoleRow, error) {
	nextVersion := 1
	if cur, err := e.roles.Get(ctx, repo, data.RoleTimestamp); err == nil {
		var prev data.Timestamp
		if err := canonicaljson.Unmarshal(cur.CanonicalBytes, &prev); err != nil {
			return nil, nil, errors.Wrap(err, "unmarshal current timestamp")
		}
		nextVersion = prev.Signed.Version + 1
	}

	var snapshotDoc data.Snapshot
	if err := canonicaljson.Unmarshal(snapshotBytes, &snapshotDoc); err != nil {
		return nil, nil, errors.Wrap(err, "unmarshal snapshot for meta entry")
	}

	signed := data.SignedTimestamp{
		Type:    "timestamp",
		Expires: e.now().Add(e.timestampTTL),
		Version: nextVersion,
		Meta: map[string]data.MetaEntry{
			pathSnapshot: metaEntry(snapshotDoc.Signed.Version, snapshotBytes),
		},
	}
	doc, row, err := e.signRole(ctx, repo, data.RoleTimestamp, signed)
	if err != nil {
		return nil, nil, err
	}
	return &data.Timestamp{Signed: signed, Signatures: doc.sigs}, row, nil
}

// signedDoc carries the signatures produced for a role so the shared
// signRole helper can be reused across SignedTarget/SignedSnapshot/
// SignedTimestamp payload types without generics.
type signedDoc struct {
	sigs []data.Signature
}

// signRole signs the canonical bytes of signed, wraps it with its
// signatures into the full wire document, and returns both the
// signatures and the SignedRoleRow ready to persist (its CanonicalBytes
// is the full document, matching what a meta entry hashes and what a
// GET handler serves).
func (e *Engine) signRole(ctx context.Context, repo storage.RepoID, role data.RoleType, signed interface{}) (signedDoc, *storage.SignedRoleRow, error) {
	payloadBytes, err := canonicaljson.Marshal(signed)
	if err != nil {
		return signedDoc{}, nil, errors.Wrap(err, "marshal role payload")
	}
	sigs, err := e.keys.SignAll(ctx, repo, role, payloadBytes)
	if err != nil {
		return signedDoc{}, nil, err
	}

	full := map[string]interface{}{"signed": signed, "signatures": sigs}
	fullBytes, err := canonicaljson.Marshal(full)
	if err != nil {
		return signedDoc{}, nil, errors.Wrap(err, "marshal full role document")
	}

	version, expires, err := versionAndExpires(signed)
	if err != nil {
		return signedDoc{}, nil, err
	}

	row := &storage.SignedRoleRow{
		RepoID:         repo,
		RoleType:       role,
		Version:        version,
		ExpiresAt:      expires,
		ChecksumHex:    canonicaljson.SHA256Hex(fullBytes),
		Length:         int64(len(fullBytes)),
		CanonicalBytes: fullBytes,
	}
	return signedDoc{sigs: sigs}, row, nil
}

func versionAndExpires(signed interface{}) (int, time.Time, error) {
	switch s := signed.(type) {
	case data.SignedTarget:
		return s.Version, s.Expires, nil
	case data.SignedSnapshot:
		return s.Version, s.Expires, nil
	case data.SignedTimestamp:
		return s.Version, s.Expires, nil
	default:
		return 0, time.Time{}, errors.Errorf("unsupported signed payload type %T", signed)
	}
}

// customToMap round-trips a storage.TargetCustom through canonical JSON
// into the generic map a FileIntegrityMeta.Custom carries on the wire.
func customToMap(custom storage.TargetCustom) (map[string]interface{}, error) {
	b, err := canonicaljson.Marshal(custom)
	if err != nil {
		return nil, err
	}
	var m map[string]interface{}
	if err := canonicaljson.Unmarshal(b, &m); err != nil {
		return nil, err
	}
	return m, nil
}

func metaEntry(version int, canonicalBytes []byte) data.MetaEntry {
	return data.MetaEntry{
		Version: version,
		Length:  int64(len(canonicalBytes)),
		Hashes:  map[data.HashingMethod]string{data.HashSHA256: canonicaljson.SHA256Hex(canonicalBytes)},
	}
}

// FindTimestamp returns the current timestamp, refreshing it in place
// (same snapshot reference, expiry pushed forward by 1 day) if its
// expiry is within timestampRefreshWindow of now.
func (e *Engine) FindTimestamp(ctx context.Context, repo storage.RepoID) (*data.Timestamp, error) {
	row, err := e.roles.Get(ctx, repo, data.RoleTimestamp)
	if err != nil {
		return nil, apierrors.Wrap(apierrors.MissingEntity, err, "timestamp not found")
	}
	var cur data.Timestamp
	if err := canonicaljson.Unmarshal(row.CanonicalBytes, &cur); err != nil {
		return nil, errors.Wrap(err, "unmarshal current timestamp")
	}

	if !cur.Signed.Expires.Before(e.now().Add(timestampRefreshWindow)) {
		return &cur, nil
	}

	refreshed := data.SignedTimestamp{
		Type:    cur.Signed.Type,
		Expires: cur.Signed.Expires.Add(timestampRefreshExtension),
		Version: cur.Signed.Version + 1,
		Meta:    cur.Signed.Meta,
	}
	doc, newRow, err := e.signRole(ctx, repo, data.RoleTimestamp, refreshed)
	if err != nil {
		return nil, err
	}
	if err := e.roles.Put(ctx, newRow); err != nil {
		return nil, errors.Wrap(err, "persist refreshed timestamp")
	}
	return &data.Timestamp{Signed: refreshed, Signatures: doc.sigs}, nil
}

// FindSnapshot returns the current snapshot, triggering a full cascade
// regeneration if it is expired (strictly, against now) or earlier than
// expiresNotBefore.
func (e *Engine) FindSnapshot(ctx context.Context, repo storage.RepoID, expiresNotBefore time.Time) (*data.Snapshot, error) {
	row, err := e.roles.Get(ctx, repo, data.RoleSnapshot)
	if err != nil {
		return nil, apierrors.Wrap(apierrors.MissingEntity, err, "snapshot not found")
	}
	if e.isStale(row.ExpiresAt, expiresNotBefore) {
		_, snapshot, _, err := e.Regenerate(ctx, repo, expiresNotBefore)
		return snapshot, err
	}
	var cur data.Snapshot
	if err := canonicaljson.Unmarshal(row.CanonicalBytes, &cur); err != nil {
		return nil, errors.Wrap(err, "unmarshal current snapshot")
	}
	return &cur, nil
}

// FindTargets returns the current targets, triggering a full cascade
// regeneration if it is expired (strictly, against now) or earlier than
// expiresNotBefore.
func (e *Engine) FindTargets(ctx context.Context, repo storage.RepoID, expiresNotBefore time.Time) (*data.Targets, error) {
	row, err := e.roles.Get(ctx, repo, data.RoleTargets)
	if err != nil {
		return nil, apierrors.Wrap(apierrors.MissingEntity, err, "targets not found")
	}
	if e.isStale(row.ExpiresAt, expiresNotBefore) {
		targets, _, _, err := e.Regenerate(ctx, repo, expiresNotBefore)
		return targets, err
	}
	var cur data.Targets
	if err := canonicaljson.Unmarshal(row.CanonicalBytes, &cur); err != nil {
		return nil, errors.Wrap(err, "unmarshal current targets")
	}
	return &cur, nil
}

func (e *Engine) isStale(expiresAt time.Time, expiresNotBefore time.Time) bool {
	now := e.now()
	if expiresAt.Before(now) {
		return true
	}
	return !expiresNotBefore.IsZero() && expiresAt.Before(expiresNotBefore)
}

func (e *Engine) expiresAt(ttl time.Duration, expiresNotBefore time.Time) time.Time {
	candidate := e.now().Add(ttl)
	if expiresNotBefore.After(candidate) {
		return expiresNotBefore
	}
	return candidate
}

func (e *Engine) now() time.Time {
	if e.clock == nil {
		return time.Now().UTC()
	}
	return e.clock.Now().UTC()
}
