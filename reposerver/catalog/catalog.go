// Package catalog implements the Target Catalog (§4.F): the per-repo
// table of target filenames, their integrity metadata, and their custom
// fields. Grounded on the FileIntegrityMeta/append-ordered semantics of
// the teacher's tuf/fim.go, generalized into a paginated, queryable
// catalog.
package catalog

import (
	"context"
	"strings"
	"time"

	"github.com/pkg/errors"

	"github.com/kolide/tuf-repo-server/apierrors"
	"github.com/kolide/tuf-repo-server/storage"
	"github.com/kolide/tuf-repo-server/tuf/data"
)

// DefaultLimit and LimitCap bound List pagination, per §6.
const (
	DefaultLimit = 50
	LimitCap     = 1000
)

// maxFilenameLength bounds a target's filename, matching common
// filesystem path-component limits.
const maxFilenameLength = 255

// validateFilename enforces the catalog's filename invariant: no
// leading "/", no ".." path-traversal segment, bounded length. Target
// filenames are TUF-style paths (e.g. "macos/agent.pkg") so embedded
// "/" separators are otherwise allowed.
func validateFilename(filename string) error {
	if filename == "" {
		return apierrors.New(apierrors.MissingEntity, "filename is required")
	}
	if len(filename) > maxFilenameLength {
		return apierrors.New(apierrors.InvalidRootRole, "filename exceeds maximum length")
	}
	if strings.HasPrefix(filename, "/") {
		return apierrors.New(apierrors.InvalidRootRole, "filename must not have a leading /")
	}
	for _, segment := range strings.Split(filename, "/") {
		if segment == ".." {
			return apierrors.New(apierrors.InvalidRootRole, "filename must not contain a .. path segment")
		}
	}
	return nil
}

// Store implements the Target Catalog over a storage.TargetItemStore.
type Store struct {
	items storage.TargetItemStore
}

// New returns a Store backed by items.
func New(items storage.TargetItemStore) *Store {
	return &Store{items: items}
}

// Add upserts item by (repo, filename): created_at is preserved across
// updates, updated_at is bumped. Requires a well-formed FileIntegrityMeta
// on any *new* item.
func (s *Store) Add(ctx context.Context, item *storage.TargetItem) error {
	if err := validateFilename(item.Filename); err != nil {
		return err
	}
	if !data.ValidTargetFormat(item.Custom.TargetFormat) {
		return apierrors.New(apierrors.InvalidRootRole, "invalid target_format")
	}
	if item.Custom.TargetFormat == "" {
		item.Custom.TargetFormat = data.TargetFormatBinary
	}

	_, err := s.items.Get(ctx, item.RepoID, item.Filename)
	isNew := err != nil
	if isNew && (item.Checksum.Hex == "" || item.Length <= 0) {
		return apierrors.New(apierrors.MissingEntity, "new target requires a checksum and positive length")
	}

	now := time.Now().UTC()
	item.UpdatedAt = now
	if isNew {
		item.CreatedAt = now
	}

	if err := s.items.Upsert(ctx, item); err != nil {
		return errors.Wrap(err, "upsert target item")
	}
	return nil
}

// Delete removes filename from repo's catalog. Fails with MissingEntity
// if absent.
func (s *Store) Delete(ctx context.Context, repo storage.RepoID, filename string) error {
	if err := s.items.Delete(ctx, repo, filename); err != nil {
		return apierrors.Wrap(apierrors.MissingEntity, err, "target not found")
	}
	return nil
}

// Get returns the catalog entry for filename, or MissingEntity.
func (s *Store) Get(ctx context.Context, repo storage.RepoID, filename string) (*storage.TargetItem, error) {
	item, err := s.items.Get(ctx, repo, filename)
	if err != nil {
		return nil, apierrors.Wrap(apierrors.MissingEntity, err, "target not found")
	}
	return item, nil
}

// List returns items matching nameContains, paginated with stable
// filename-ascending ordering. limit <= 0 uses DefaultLimit; limit is
// always capped at LimitCap.
func (s *Store) List(ctx context.Context, repo storage.RepoID, nameContains string, offset, limit int) ([]*storage.TargetItem, int, error) {
	if limit <= 0 {
		limit = DefaultLimit
	}
	if limit > LimitCap {
		limit = LimitCap
	}
	items, total, err := s.items.List(ctx, repo, nameContains, offset, limit)
	if err != nil {
		return nil, 0, errors.Wrap(err, "list target items")
	}
	return items, total, nil
}

// AllItems pages through the full unfiltered catalog for repo, for
// callers (the role generation engine's cascading regeneration) that
// need every item rather than a UI-facing page.
func (s *Store) AllItems(ctx context.Context, repo storage.RepoID) ([]*storage.TargetItem, error) {
	var all []*storage.TargetItem
	offset := 0
	for {
		page, total, err := s.items.List(ctx, repo, "", offset, LimitCap)
		if err != nil {
			return nil, errors.Wrap(err, "list target items")
		}
		all = append(all, page...)
		offset += len(page)
		if len(page) == 0 || offset >= total {
			break
		}
	}
	return all, nil
}

// PatchCustom shallow-merges patch into the item's proprietary custom
// fields only: existing proprietary keys not present in patch are kept,
// keys present in patch overwrite the existing value at the top level
// (no deep merge below that). Non-proprietary fields (name, version,
// hardware_ids, target_format, uri, created_at, updated_at) are never
// touched by this operation.
func (s *Store) PatchCustom(ctx context.Context, repo storage.RepoID, filename string, patch map[string]interface{}) (*storage.TargetItem, error) {
	item, err := s.Get(ctx, repo, filename)
	if err != nil {
		return nil, err
	}
	if item.Custom.Proprietary == nil {
		item.Custom.Proprietary = make(map[string]interface{}, len(patch))
	}
	for k, v := range patch {
		item.Custom.Proprietary[k] = v
	}
	if err := s.items.Upsert(ctx, item); err != nil {
		return nil, errors.Wrap(err, "persist patched target item")
	}
	return item, nil
}

// EditTargetItem updates the named non-proprietary fields directly,
// distinct from PatchCustom's proprietary-only shallow merge. A nil
// pointer leaves the corresponding field unchanged.
func (s *Store) EditTargetItem(ctx context.Context, repo storage.RepoID, filename string, uri *string, hardwareIDs []string, proprietary map[string]interface{}) (*storage.TargetItem, error) {
	if err := validateFilename(filename); err != nil {
		return nil, err
	}
	item, err := s.Get(ctx, repo, filename)
	if err != nil {
		return nil, err
	}
	if uri != nil {
		item.Custom.URI = *uri
	}
	if hardwareIDs != nil {
		item.Custom.HardwareIDs = hardwareIDs
	}
	if proprietary != nil {
		item.Custom.Proprietary = proprietary
	}
	if err := s.items.Upsert(ctx, item); err != nil {
		return nil, errors.Wrap(err, "persist edited target item")
	}
	return item, nil
}
