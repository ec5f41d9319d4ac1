package api

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"github.com/kolide/tuf-repo-server/apierrors"
	"github.com/kolide/tuf-repo-server/tuf/canonicaljson"
	"github.com/kolide/tuf-repo-server/tuf/data"
)

type handler struct {
	deps Deps
}

var coreRoles = []data.RoleType{data.RoleRoot, data.RoleTargets, data.RoleSnapshot, data.RoleTimestamp}

// createRootRequest is the body of POST /root/{repoId}.
type createRootRequest struct {
	Threshold int          `json:"threshold"`
	KeyType   data.KeyType `json:"keyType"`
	ForceSync bool         `json:"forceSync"`
}

// createRootResponse reports the outcome of POST /root/{repoId}. Exactly
// one of RequestIDs/Root is populated: the async path has no root yet to
// report, the sync path has no standalone request bookkeeping worth
// surfacing once generation has already completed inline.
type createRootResponse struct {
	RequestIDs []string  `json:"requestIds,omitempty"`
	Root       *data.Root `json:"root,omitempty"`
}

func (h *handler) createRoot(ctx context.Context, w http.ResponseWriter, r *http.Request) error {
	var body createRootRequest
	if err := readJSON(r, &body); err != nil {
		return err
	}
	if body.Threshold < 1 {
		return apierrors.New(apierrors.InvalidRootRole, "threshold must be at least 1")
	}
	repo := repoIDFromContext(ctx)

	if body.ForceSync {
		root, err := h.deps.Roots.Build(ctx, repo, true)
		if err != nil {
			return err
		}
		writeJSON(w, http.StatusCreated, createRootResponse{Root: root})
		return nil
	}

	reqs, err := h.deps.KeyGen.RequestBatch(ctx, repo, body.KeyType, 0, coreRoles...)
	if err != nil {
		return err
	}
	ids := make([]string, len(reqs))
	for i, req := range reqs {
		ids[i] = req.ID
	}
	writeJSON(w, http.StatusCreated, createRootResponse{RequestIDs: ids})
	return nil
}

// getRoot serves the latest root, refreshing it if stale (FindFresh).
// No root may exist yet: createRoot's async path only requests the four
// role keys and never builds the root itself, so the first GET after
// key generation completes is what actually assembles and persists it
// — Build(false) fails with KeysNotReady until every role key is ready,
// then succeeds exactly once generation has finished.
func (h *handler) getRoot(ctx context.Context, w http.ResponseWriter, r *http.Request) error {
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

func (h *handler) getRootVersion(ctx context.Context, w http.ResponseWriter, r *http.Request) error {
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

func (h *handler) retryKeyGen(ctx context.Context, w http.ResponseWriter, r *http.Request) error {
	if err := h.deps.KeyGen.RetryRepo(ctx, repoIDFromContext(ctx)); err != nil {
		return err
	}
	w.WriteHeader(http.StatusOK)
	return nil
}

func (h *handler) rotateRoot(ctx context.Context, w http.ResponseWriter, r *http.Request) error {
	root, err := h.deps.Roots.Rotate(ctx, repoIDFromContext(ctx))
	if err != nil {
		return err
	}
	writeJSON(w, http.StatusOK, root)
	return nil
}

func (h *handler) putUnsignedRoot(ctx context.Context, w http.ResponseWriter, r *http.Request) error {
	var candidate data.Root
	if err := readJSON(r, &candidate); err != nil {
		return err
	}
	if err := h.deps.Roots.ValidateClientRoot(ctx, repoIDFromContext(ctx), &candidate); err != nil {
		return err
	}
	w.WriteHeader(http.StatusNoContent)
	return nil
}

func (h *handler) getUnsignedRoot(ctx context.Context, w http.ResponseWriter, r *http.Request) error {
	signed, err := h.deps.Roots.NextUnsigned(ctx, repoIDFromContext(ctx))
	if err != nil {
		return err
	}
	writeJSON(w, http.StatusOK, signed)
	return nil
}

func (h *handler) deletePrivateKey(ctx context.Context, w http.ResponseWriter, r *http.Request) error {
	keyID := data.KeyID(mux.Vars(r)["keyId"])
	if err := h.deps.Keys.DeletePrivate(ctx, repoIDFromContext(ctx), keyID); err != nil {
		return err
	}
	w.WriteHeader(http.StatusNoContent)
	return nil
}

func (h *handler) addOfflineUpdatesRole(ctx context.Context, w http.ResponseWriter, r *http.Request) error {
	return h.addRole(ctx, w, data.RoleOfflineUpdates)
}

func (h *handler) addRemoteSessionsRole(ctx context.Context, w http.ResponseWriter, r *http.Request) error {
	return h.addRole(ctx, w, data.RoleRemoteSessions)
}

func (h *handler) addRole(ctx context.Context, w http.ResponseWriter, role data.RoleType) error {
	root, err := h.deps.Roots.AddRoles(ctx, repoIDFromContext(ctx), role)
	if err != nil {
		return err
	}
	writeJSON(w, http.StatusOK, root)
	return nil
}

// signPayload implements the generic signing oracle (§4.E
// `sign(repo, role_type, json)`): the body is canonicalized before
// signing so two semantically identical but differently-formatted
// requests produce the same signature.
func (h *handler) signPayload(ctx context.Context, w http.ResponseWriter, r *http.Request) error {
	role := data.RoleType(mux.Vars(r)["roleType"])

	var payload interface{}
	if err := readJSON(r, &payload); err != nil {
		return err
	}
	canonicalBytes, err := canonicaljson.Marshal(payload)
	if err != nil {
		return apierrors.Wrap(apierrors.InvalidRootRole, err, "payload is not canonicalizable")
	}

	sigs, err := h.deps.Roots.Sign(ctx, repoIDFromContext(ctx), role, canonicalBytes)
	if err != nil {
		return err
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"signed": payload, "signatures": sigs})
	return nil
}
