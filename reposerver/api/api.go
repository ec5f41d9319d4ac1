// Package api implements the Repo Server HTTP surface (§6): a
// gorilla/mux router wrapping the target catalog, role generation
// engine, offline-signed targets intake, and delegations verifier
// behind the bit-exact paths and verbs the spec names. Grounded on the
// same ctx-value dependency-injection idiom as keyserver/api, itself
// grounded on Docker Notary's server/handlers/default.go retrieved into
// other_examples.
package api

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/go-kit/kit/log"
	"github.com/go-kit/kit/log/level"
	"github.com/gorilla/mux"

	"github.com/kolide/tuf-repo-server/apierrors"
	"github.com/kolide/tuf-repo-server/blobstore"
	"github.com/kolide/tuf-repo-server/keyserver/keystore"
	"github.com/kolide/tuf-repo-server/keyserver/rootengine"
	"github.com/kolide/tuf-repo-server/reposerver/catalog"
	"github.com/kolide/tuf-repo-server/reposerver/delegation"
	"github.com/kolide/tuf-repo-server/reposerver/offline"
	"github.com/kolide/tuf-repo-server/reposerver/roleengine"
	"github.com/kolide/tuf-repo-server/storage"
)

// RepoResolver maps an inbound request to the RepoID its path (or, for
// /user_repo, its caller identity) addresses. Request authentication and
// GUN/namespace-to-repo-ID mapping are an external collaborator (§1
// non-goal); the default resolver trusts the {repoId} path variable and
// cannot serve /user_repo (which has none) — a deployment mounts a real
// resolver in front of this router to handle that route.
type RepoResolver interface {
	ResolveRepo(r *http.Request) (storage.RepoID, error)
}

// PathRepoResolver is the default RepoResolver: it takes the mux
// {repoId} path variable verbatim as the internal RepoID.
type PathRepoResolver struct{}

func (PathRepoResolver) ResolveRepo(r *http.Request) (storage.RepoID, error) {
	id := mux.Vars(r)["repoId"]
	if id == "" {
		return "", apierrors.New(apierrors.MissingEntity, "repoId path variable is required")
	}
	return storage.RepoID(id), nil
}

// Deps are the collaborators every handler closes over. Blobs may be nil
// (blob upload/cleanup then becomes a metadata-only no-op), matching
// offline.Engine's own optional blob store.
type Deps struct {
	Catalog    *catalog.Store
	RoleEngine *roleengine.Engine
	Offline    *offline.Engine
	Delegation *delegation.Engine
	Roots      *rootengine.Engine
	Keys       *keystore.Store
	Blobs      blobstore.Store
	Resolver   RepoResolver
	Logger     log.Logger
}

// NewRouter builds the Repo Server's gorilla/mux router over deps.
func NewRouter(deps Deps) *mux.Router {
	if deps.Resolver == nil {
		deps.Resolver = PathRepoResolver{}
	}
	if deps.Logger == nil {
		deps.Logger = log.NewNopLogger()
	}

	router := mux.NewRouter()
	h := &handler{deps: deps}

	router.Handle("/user_repo", wrap(deps, h.createUserRepo)).Methods(http.MethodPost)

	router.Handle("/repo/{repoId}/root.json", wrap(deps, h.getRootJSON)).Methods(http.MethodGet)
	router.Handle("/repo/{repoId}/targets.json", wrap(deps, h.getTargetsJSON)).Methods(http.MethodGet)
	router.Handle("/repo/{repoId}/snapshot.json", wrap(deps, h.getSnapshotJSON)).Methods(http.MethodGet)
	router.Handle("/repo/{repoId}/timestamp.json", wrap(deps, h.getTimestampJSON)).Methods(http.MethodGet)
	router.Handle("/repo/{repoId}/{version:[0-9]+}.root.json", wrap(deps, h.getHistoricalRoot)).Methods(http.MethodGet)

	router.Handle("/repo/{repoId}/targets/expire/not-before", wrap(deps, h.expireNotBefore)).Methods(http.MethodPut)
	router.Handle("/repo/{repoId}/targets", wrap(deps, h.pushOfflineTargets)).Methods(http.MethodPut)
	router.Handle("/repo/{repoId}/target_items", wrap(deps, h.listTargetItems)).Methods(http.MethodGet)

	router.Handle("/repo/{repoId}/proprietary-custom/{filename}", wrap(deps, h.patchProprietaryCustom)).Methods(http.MethodPatch)
	router.Handle("/repo/{repoId}/targets/{filename}", wrap(deps, h.postTarget)).Methods(http.MethodPost)
	router.Handle("/repo/{repoId}/targets/{filename}", wrap(deps, h.putTargetBlob)).Methods(http.MethodPut)
	router.Handle("/repo/{repoId}/targets/{filename}", wrap(deps, h.deleteTarget)).Methods(http.MethodDelete)
	router.Handle("/repo/{repoId}/targets/{filename}", wrap(deps, h.patchTarget)).Methods(http.MethodPatch)

	router.Handle("/repo/{repoId}/delegations/{name}.json", wrap(deps, h.pushDelegation)).Methods(http.MethodPut)

	return router
}

type handlerFunc func(ctx context.Context, w http.ResponseWriter, r *http.Request) error

type repoIDKey struct{}

func repoIDFromContext(ctx context.Context) storage.RepoID {
	id, _ := ctx.Value(repoIDKey{}).(storage.RepoID)
	return id
}

func wrap(deps Deps, h handlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		repo, err := deps.Resolver.ResolveRepo(r)
		if err != nil {
			writeError(deps.Logger, w, err)
			return
		}
		ctx := context.WithValue(r.Context(), repoIDKey{}, repo)
		if err := h(ctx, w, r); err != nil {
			writeError(deps.Logger, w, err)
		}
	}
}

func writeError(logger log.Logger, w http.ResponseWriter, err error) {
	body, status := apierrors.ToBody(err)
	if status >= http.StatusInternalServerError {
		level.Error(logger).Log("msg", "request failed", "err", err)
	}
	writeJSON(w, status, body)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v != nil {
		_ = json.NewEncoder(w).Encode(v)
	}
}

func readJSON(r *http.Request, v interface{}) error {
	defer r.Body.Close()
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return apierrors.Wrap(apierrors.PayloadSignatureInvalid, err, "malformed JSON body")
	}
	return nil
}
