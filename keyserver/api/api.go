// Package api implements the Key Server HTTP surface (§6): a
// gorilla/mux router wrapping the root role engine, key-gen engine, and
// key store behind the bit-exact paths and verbs the spec names.
// Grounded on the ctx-value dependency-injection idiom of Docker
// Notary's server/handlers/default.go, retrieved into other_examples
// (values threaded via context.Context, one handler function per
// operation, a shared error-translation wrapper), adapted to modern
// context.Context rather than the pre-1.7 golang.org/x/net/context the
// original used.
package api

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/go-kit/kit/log"
	"github.com/go-kit/kit/log/level"
	"github.com/gorilla/mux"

	"github.com/kolide/tuf-repo-server/apierrors"
	"github.com/kolide/tuf-repo-server/keyserver/keygen"
	"github.com/kolide/tuf-repo-server/keyserver/keystore"
	"github.com/kolide/tuf-repo-server/keyserver/rootengine"
	"github.com/kolide/tuf-repo-server/storage"
)

// RepoResolver maps an inbound request to the RepoID its path addresses.
// Request authentication and GUN/namespace-to-repo-ID mapping are an
// external collaborator (§1 non-goal); the default resolver below simply
// trusts the {repoId} path variable, so the router can be mounted behind
// any auth/namespace layer that rewrites or validates that variable
// before this router sees the request.
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

// Deps are the collaborators every handler closes over.
type Deps struct {
	Roots    *rootengine.Engine
	KeyGen   *keygen.Engine
	Keys     *keystore.Store
	Resolver RepoResolver
	Logger   log.Logger
}

// NewRouter builds the Key Server's gorilla/mux router over deps.
func NewRouter(deps Deps) *mux.Router {
	if deps.Resolver == nil {
		deps.Resolver = PathRepoResolver{}
	}
	if deps.Logger == nil {
		deps.Logger = log.NewNopLogger()
	}

	router := mux.NewRouter()
	h := &handler{deps: deps}

	router.Handle("/root/{repoId}", wrap(deps, h.createRoot)).Methods(http.MethodPost)
	router.Handle("/root/{repoId}", wrap(deps, h.getRoot)).Methods(http.MethodGet)
	router.Handle("/root/{repoId}/{version:[0-9]+}", wrap(deps, h.getRootVersion)).Methods(http.MethodGet)
	router.Handle("/root/{repoId}", wrap(deps, h.retryKeyGen)).Methods(http.MethodPut)
	router.Handle("/root/{repoId}/rotate", wrap(deps, h.rotateRoot)).Methods(http.MethodPut)
	router.Handle("/root/{repoId}/unsigned", wrap(deps, h.putUnsignedRoot)).Methods(http.MethodPost)
	router.Handle("/root/{repoId}/unsigned", wrap(deps, h.getUnsignedRoot)).Methods(http.MethodGet)
	router.Handle("/root/{repoId}/private_keys/{keyId}", wrap(deps, h.deletePrivateKey)).Methods(http.MethodDelete)
	router.Handle("/root/{repoId}/roles/offline-updates", wrap(deps, h.addOfflineUpdatesRole)).Methods(http.MethodPut)
	router.Handle("/root/{repoId}/roles/remote-sessions", wrap(deps, h.addRemoteSessionsRole)).Methods(http.MethodPut)
	router.Handle("/root/{repoId}/{roleType}", wrap(deps, h.signPayload)).Methods(http.MethodPost)

	return router
}

// handlerFunc is the shape every operation implements, mirroring
// notary's func(ctx, w, r) error handlers: the context carries the
// resolved RepoID, the return value is translated to a response by wrap.
type handlerFunc func(ctx context.Context, w http.ResponseWriter, r *http.Request) error

type repoIDKey struct{}

func repoIDFromContext(ctx context.Context) storage.RepoID {
	id, _ := ctx.Value(repoIDKey{}).(storage.RepoID)
	return id
}

// wrap resolves the request's RepoID, stores it on the context, invokes
// h, and translates any returned error to the §7 error body. A nil
// error means h already wrote a response.
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
		return apierrors.Wrap(apierrors.InvalidRootRole, err, "malformed JSON body")
	}
	return nil
}
