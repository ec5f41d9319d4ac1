package api

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"

	"github.com/kolide/tuf-repo-server/apierrors"
	"github.com/kolide/tuf-repo-server/storage"
	"github.com/kolide/tuf-repo-server/tuf/canonicaljson"
	"github.com/kolide/tuf-repo-server/tuf/data"
)

type handler struct {
	deps Deps
}

// targetItemView is the wire shape of a catalog entry: storage.TargetItem
// carries no JSON tags of its own (it is an internal storage row, not a
// wire type), so every handler that returns one converts through this.
type targetItemView struct {
	Filename     string                 `json:"filename"`
	Length       int64                  `json:"length"`
	SHA256       string                 `json:"sha256"`
	Name         string                 `json:"name,omitempty"`
	Version      string                 `json:"version,omitempty"`
	HardwareIDs  []string               `json:"hardwareIds,omitempty"`
	TargetFormat data.TargetFormat      `json:"targetFormat,omitempty"`
	URI          string                 `json:"uri,omitempty"`
	CLIUploaded  bool                   `json:"cliUploaded,omitempty"`
	Proprietary  map[string]interface{} `json:"proprietaryCustom,omitempty"`
	CreatedAt    time.Time              `json:"createdAt"`
	UpdatedAt    time.Time              `json:"updatedAt"`
}

func toTargetItemView(item *storage.TargetItem) targetItemView {
	return targetItemView{
		Filename:     item.Filename,
		Length:       item.Length,
		SHA256:       item.Checksum.Hex,
		Name:         item.Custom.Name,
		Version:      item.Custom.Version,
		HardwareIDs:  item.Custom.HardwareIDs,
		TargetFormat: item.Custom.TargetFormat,
		URI:          item.Custom.URI,
		CLIUploaded:  item.Custom.CLIUploaded,
		Proprietary:  item.Custom.Proprietary,
		CreatedAt:    item.CreatedAt,
		UpdatedAt:    item.UpdatedAt,
	}
}

// createUserRepoRequest is the body of POST /user_repo.
type createUserRepoRequest struct {
	KeyType data.KeyType `json:"keyType"`
}

// createUserRepoResponse reports the freshly built root for the new repo.
type createUserRepoResponse struct {
	RepoID storage.RepoID `json:"repoId"`
	Root   *data.Root     `json:"root"`
}

// createUserRepo bootstraps a brand-new repository: the caller's
// namespace has already been resolved to a RepoID upstream (the
// RepoResolver, a non-goal to implement here), so this handler's only
// job is to reject a namespace that already has a root, force-build one
// synchronously, and cascade an initial targets/snapshot/timestamp set
// from the (empty) catalog so the four GET .../{role}.json routes all
// serve something immediately rather than 404ing until the first
// target is added.
func (h *handler) createUserRepo(ctx context.Context, w http.ResponseWriter, r *http.Request) error {
	var body createUserRepoRequest
	if err := readJSON(r, &body); err != nil {
		return err
	}
	repo := repoIDFromContext(ctx)

	if _, err := h.deps.Roots.GetCurrent(ctx, repo); err == nil {
		return apierrors.New(apierrors.EntityAlreadyExists, "repo already has a root role")
	}

	root, err := h.deps.Roots.Build(ctx, repo, true)
	if err != nil {
		return err
	}
	if _, _, _, err := h.deps.RoleEngine.Regenerate(ctx, repo, time.Time{}); err != nil {
		return err
	}
	writeJSON(w, http.StatusCreated, createUserRepoResponse{RepoID: repo, Root: root})
	return nil
}

// getRootJSON serves the latest root, refreshing it if stale (FindFresh).
// No root may exist yet if the repo's role keys were requested
// asynchronously and have only just finished generating — Build(false)
// assembles and persists the root the first time that's true, and fails
// with KeysNotReady on every call before it.
func (h *handler) getRootJSON(ctx context.Context, w http.ResponseWriter, r *http.Request) error {
	repo := repoIDFromContext(ctx)
	root, err := h.deps.Roots.FindFresh(ctx, repo, time.Time{})
	if err != nil {
		if ae, ok := err.(*apierrors.Error); ok && ae.Kind == apierrors.MissingEntity {
			root, err = h.deps.Roots.Build(ctx, repo, false)
			if err != nil {
				return err
			}
			writeJSON(w, http.StatusOK, root)
			return nil
		}
		return err
	}
	writeJSON(w, http.StatusOK, root)
	return nil
}

func (h *handler) getHistoricalRoot(ctx context.Context, w http.ResponseWriter, r *http.Request) error {
	version, err := strconv.Atoi(mux.Vars(r)["version"])
	if err != nil {
		return apierrors.New(apierrors.MissingEntity, "version must be numeric")
	}
	root, err := h.deps.Roots.GetVersion(ctx, repoIDFromContext(ctx), version)
	if err != nil {
		return err
	}
	writeJSON(w, http.StatusOK, root)
	return nil
}

// getTargetsJSON serves the current targets role, branching between the
// catalog-managed cascade and the offline-signed carve-out depending on
// whether the targets role currently has an online key, and stamps the
// x-ats-role-checksum header the offline-push precondition reads back.
func (h *handler) getTargetsJSON(ctx context.Context, w http.ResponseWriter, r *http.Request) error {
	repo := repoIDFromContext(ctx)

	keyRows, err := h.deps.Keys.ListForRole(ctx, repo, data.RoleTargets)
	if err != nil {
		return err
	}
	online := false
	for _, row := range keyRows {
		if row.Online() {
			online = true
			break
		}
	}

	var doc *data.Targets
	if online {
		doc, err = h.deps.RoleEngine.FindTargets(ctx, repo, time.Time{})
	} else {
		doc, err = h.deps.Offline.Find(ctx, repo, h.deps.Keys)
	}
	if err != nil {
		return err
	}

	canonicalBytes, err := canonicaljson.Marshal(doc)
	if err != nil {
		return err
	}
	w.Header().Set("x-ats-role-checksum", canonicaljson.SHA256Hex(canonicalBytes))
	writeJSON(w, http.StatusOK, doc)
	return nil
}

func (h *handler) getSnapshotJSON(ctx context.Context, w http.ResponseWriter, r *http.Request) error {
	doc, err := h.deps.RoleEngine.FindSnapshot(ctx, repoIDFromContext(ctx), time.Time{})
	if err != nil {
		return err
	}
	writeJSON(w, http.StatusOK, doc)
	return nil
}

func (h *handler) getTimestampJSON(ctx context.Context, w http.ResponseWriter, r *http.Request) error {
	doc, err := h.deps.RoleEngine.FindTimestamp(ctx, repoIDFromContext(ctx))
	if err != nil {
		return err
	}
	writeJSON(w, http.StatusOK, doc)
	return nil
}

// targetMetadataRequest is the body of POST /repo/{repoId}/targets/{filename}:
// metadata-only catalog intake for a target whose bytes live elsewhere
// (already uploaded, or referenced by URI).
type targetMetadataRequest struct {
	Length       int64             `json:"length"`
	SHA256       string            `json:"sha256"`
	Name         string            `json:"name,omitempty"`
	Version      string            `json:"version,omitempty"`
	HardwareIDs  []string          `json:"hardwareIds,omitempty"`
	TargetFormat data.TargetFormat `json:"targetFormat,omitempty"`
	URI          string            `json:"uri,omitempty"`
}

func (h *handler) postTarget(ctx context.Context, w http.ResponseWriter, r *http.Request) error {
	var body targetMetadataRequest
	if err := readJSON(r, &body); err != nil {
		return err
	}
	filename := mux.Vars(r)["filename"]
	repo := repoIDFromContext(ctx)

	item := &storage.TargetItem{
		RepoID:   repo,
		Filename: filename,
		Length:   body.Length,
		Checksum: storage.Checksum{Method: data.HashSHA256, Hex: body.SHA256},
		Custom: storage.TargetCustom{
			Name:         body.Name,
			Version:      body.Version,
			HardwareIDs:  body.HardwareIDs,
			TargetFormat: body.TargetFormat,
			URI:          body.URI,
		},
	}
	if err := h.deps.Catalog.Add(ctx, item); err != nil {
		return err
	}

	targets, _, _, err := h.deps.RoleEngine.Regenerate(ctx, repo, time.Time{})
	if err != nil {
		return err
	}
	writeJSON(w, http.StatusOK, targets)
	return nil
}

// putTargetBlob uploads the target's content directly: length and
// sha256 are computed from the body rather than trusted from the
// client, matching the CLI-upload path's "server computes integrity
// metadata" semantics.
func (h *handler) putTargetBlob(ctx context.Context, w http.ResponseWriter, r *http.Request) error {
	filename := mux.Vars(r)["filename"]
	repo := repoIDFromContext(ctx)

	content, err := io.ReadAll(io.LimitReader(r.Body, maxUploadBytes+1))
	if err != nil {
		return apierrors.Wrap(apierrors.PayloadSignatureInvalid, err, "read upload body")
	}
	if int64(len(content)) > maxUploadBytes {
		return apierrors.New(apierrors.PayloadTooLarge, "target upload exceeds the maximum accepted size")
	}

	q := r.URL.Query()
	var hardwareIDs []string
	if raw := q.Get("hardwareIds"); raw != "" {
		hardwareIDs = strings.Split(raw, ",")
	}

	item := &storage.TargetItem{
		RepoID:   repo,
		Filename: filename,
		Length:   int64(len(content)),
		Checksum: storage.Checksum{Method: data.HashSHA256, Hex: canonicaljson.SHA256Hex(content)},
		Custom: storage.TargetCustom{
			Name:         q.Get("name"),
			Version:      q.Get("version"),
			HardwareIDs:  hardwareIDs,
			TargetFormat: data.TargetFormat(q.Get("targetFormat")),
			URI:          q.Get("fileUri"),
			CLIUploaded:  true,
		},
	}
	if err := h.deps.Catalog.Add(ctx, item); err != nil {
		return err
	}
	if h.deps.Blobs != nil {
		if err := h.deps.Blobs.Put(ctx, repo, filename, bytes.NewReader(content)); err != nil {
			return err
		}
	}

	targets, _, _, err := h.deps.RoleEngine.Regenerate(ctx, repo, time.Time{})
	if err != nil {
		return err
	}
	writeJSON(w, http.StatusOK, targets)
	return nil
}

// maxUploadBytes bounds a single target blob upload at 3×10⁹ bytes,
// per §7's PayloadTooLarge kind.
const maxUploadBytes = 3_000_000_000

// deleteTarget removes a target from the catalog, rejecting the
// operation with PreconditionFailed when the targets role is currently
// offline-managed: the catalog-driven cascade this handler triggers
// would silently overwrite an offline-signed document.
func (h *handler) deleteTarget(ctx context.Context, w http.ResponseWriter, r *http.Request) error {
	repo := repoIDFromContext(ctx)
	filename := mux.Vars(r)["filename"]

	keyRows, err := h.deps.Keys.ListForRole(ctx, repo, data.RoleTargets)
	if err != nil {
		return err
	}
	online := false
	for _, row := range keyRows {
		if row.Online() {
			online = true
			break
		}
	}
	if !online {
		return apierrors.New(apierrors.PreconditionFailed, "targets role is offline-managed; delete via an offline-signed push instead")
	}

	if err := h.deps.Catalog.Delete(ctx, repo, filename); err != nil {
		return err
	}
	if _, _, _, err := h.deps.RoleEngine.Regenerate(ctx, repo, time.Time{}); err != nil {
		return err
	}
	w.WriteHeader(http.StatusNoContent)
	return nil
}

func (h *handler) patchProprietaryCustom(ctx context.Context, w http.ResponseWriter, r *http.Request) error {
	var patch map[string]interface{}
	if err := readJSON(r, &patch); err != nil {
		return err
	}
	repo := repoIDFromContext(ctx)
	filename := mux.Vars(r)["filename"]

	item, err := h.deps.Catalog.PatchCustom(ctx, repo, filename, patch)
	if err != nil {
		return err
	}
	if _, _, _, err := h.deps.RoleEngine.Regenerate(ctx, repo, time.Time{}); err != nil {
		return err
	}
	writeJSON(w, http.StatusOK, toTargetItemView(item))
	return nil
}

// editTargetRequest is the body of PATCH /repo/{repoId}/targets/{filename}.
// A nil field leaves the corresponding catalog field unchanged.
type editTargetRequest struct {
	URI               *string                `json:"uri"`
	HardwareIDs       []string               `json:"hardwareIds"`
	ProprietaryCustom map[string]interface{} `json:"proprietaryCustom"`
}

func (h *handler) patchTarget(ctx context.Context, w http.ResponseWriter, r *http.Request) error {
	var body editTargetRequest
	if err := readJSON(r, &body); err != nil {
		return err
	}
	repo := repoIDFromContext(ctx)
	filename := mux.Vars(r)["filename"]

	item, err := h.deps.Catalog.EditTargetItem(ctx, repo, filename, body.URI, body.HardwareIDs, body.ProprietaryCustom)
	if err != nil {
		return err
	}
	if _, _, _, err := h.deps.RoleEngine.Regenerate(ctx, repo, time.Time{}); err != nil {
		return err
	}
	writeJSON(w, http.StatusOK, toTargetItemView(item))
	return nil
}

// pushOfflineTargets implements PUT /repo/{repoId}/targets: a fully
// client-signed targets document, verified and cascaded by
// reposerver/offline rather than built from the catalog.
func (h *handler) pushOfflineTargets(ctx context.Context, w http.ResponseWriter, r *http.Request) error {
	var payload data.Targets
	if err := readJSON(r, &payload); err != nil {
		return err
	}
	repo := repoIDFromContext(ctx)
	checksum := r.Header.Get("x-ats-role-checksum")

	if _, _, _, err := h.deps.Offline.Push(ctx, repo, &payload, checksum); err != nil {
		return err
	}
	w.WriteHeader(http.StatusNoContent)
	return nil
}

func (h *handler) pushDelegation(ctx context.Context, w http.ResponseWriter, r *http.Request) error {
	var payload data.Targets
	if err := readJSON(r, &payload); err != nil {
		return err
	}
	name := mux.Vars(r)["name"]
	repo := repoIDFromContext(ctx)

	if _, err := h.deps.Delegation.Push(ctx, repo, name, &payload); err != nil {
		return err
	}
	w.WriteHeader(http.StatusNoContent)
	return nil
}

// targetItemsResponse is the paginated wire shape of GET /target_items.
type targetItemsResponse struct {
	Total  int              `json:"total"`
	Offset int              `json:"offset"`
	Limit  int              `json:"limit"`
	Values []targetItemView `json:"values"`
}

func (h *handler) listTargetItems(ctx context.Context, w http.ResponseWriter, r *http.Request) error {
	q := r.URL.Query()
	offset, _ := strconv.Atoi(q.Get("offset"))
	limit, _ := strconv.Atoi(q.Get("limit"))

	items, total, err := h.deps.Catalog.List(ctx, repoIDFromContext(ctx), q.Get("nameContains"), offset, limit)
	if err != nil {
		return err
	}
	if limit <= 0 {
		limit = len(items)
	}
	values := make([]targetItemView, len(items))
	for i, item := range items {
		values[i] = toTargetItemView(item)
	}
	writeJSON(w, http.StatusOK, targetItemsResponse{Total: total, Offset: offset, Limit: limit, Values: values})
	return nil
}

// expireNotBeforeRequest is the body of PUT /repo/{repoId}/targets/expire/not-before.
type expireNotBeforeRequest struct {
	ExpireAt time.Time `json:"expireAt"`
}

func (h *handler) expireNotBefore(ctx context.Context, w http.ResponseWriter, r *http.Request) error {
	var body expireNotBeforeRequest
	if err := readJSON(r, &body); err != nil {
		return err
	}
	if _, _, _, err := h.deps.RoleEngine.Regenerate(ctx, repoIDFromContext(ctx), body.ExpireAt); err != nil {
		return err
	}
	w.WriteHeader(http.StatusNoContent)
	return nil
}
