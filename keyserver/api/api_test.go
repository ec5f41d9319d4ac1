package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gorilla/mux"
	"github.com/stretchr/testify/require"

	"github.com/kolide/tuf-repo-server/apierrors"
	"github.com/kolide/tuf-repo-server/keyserver/keygen"
	"github.com/kolide/tuf-repo-server/keyserver/keystore"
	"github.com/kolide/tuf-repo-server/keyserver/rootengine"
	"github.com/kolide/tuf-repo-server/keyserver/secretstore"
	memorystore "github.com/kolide/tuf-repo-server/storage/memory"
	"github.com/kolide/tuf-repo-server/tuf/data"
)

func newTestRouter(t *testing.T) *mux.Router {
	t.Helper()
	router, _ := newTestRouterWithKeyGen(t)
	return router
}

func newTestRouterWithKeyGen(t *testing.T) (*mux.Router, *keygen.Engine) {
	t.Helper()
	ks := keystore.New(memorystore.NewKeyStore(), secretstore.NewMemory())
	kg := keygen.New(memorystore.NewKeyGenRequestStore(), ks, nil, 0)
	roots := rootengine.New(memorystore.NewRootRoleStore(), ks, kg, nil, 0)
	return NewRouter(Deps{Roots: roots, KeyGen: kg, Keys: ks}), kg
}

func doRequest(router *mux.Router, method, path string, body interface{}) *httptest.ResponseRecorder {
	var reader *bytes.Reader
	if body != nil {
		b, _ := json.Marshal(body)
		reader = bytes.NewReader(b)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func TestGetRootReturns424WhenKeysNotReady(t *testing.T) {
	router := newTestRouter(t)
	rec := doRequest(router, http.MethodGet, "/root/repo-1", nil)
	require.Equal(t, http.StatusFailedDependency, rec.Code)

	var body apierrors.Body
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Equal(t, string(apierrors.KeysNotReady), body.Code)
}

func TestCreateRootForceSyncThenGetRoot(t *testing.T) {
	router := newTestRouter(t)

	rec := doRequest(router, http.MethodPost, "/root/repo-1", createRootRequest{
		Threshold: 1, KeyType: data.KeyTypeEd25519, ForceSync: true,
	})
	require.Equal(t, http.StatusCreated, rec.Code)

	var created createRootResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &created))
	require.NotNil(t, created.Root)
	require.Equal(t, 1, created.Root.Signed.Version)

	rec = doRequest(router, http.MethodGet, "/root/repo-1", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = doRequest(router, http.MethodGet, "/root/repo-1/1", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = doRequest(router, http.MethodGet, "/root/repo-1/2", nil)
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestCreateRootAsyncReturnsRequestIDs(t *testing.T) {
	router := newTestRouter(t)

	rec := doRequest(router, http.MethodPost, "/root/repo-1", createRootRequest{
		Threshold: 1, KeyType: data.KeyTypeEd25519, ForceSync: false,
	})
	require.Equal(t, http.StatusCreated, rec.Code)

	var created createRootResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &created))
	require.Len(t, created.RequestIDs, 4)
	require.Nil(t, created.Root)
}

func TestGetRootBuildsOnceAsyncKeyGenCompletes(t *testing.T) {
	router, kg := newTestRouterWithKeyGen(t)

	rec := doRequest(router, http.MethodPost, "/root/repo-1", createRootRequest{
		Threshold: 1, KeyType: data.KeyTypeEd25519, ForceSync: false,
	})
	require.Equal(t, http.StatusCreated, rec.Code)

	// No root exists yet: the four role keys are still REQUESTED.
	rec = doRequest(router, http.MethodGet, "/root/repo-1", nil)
	require.Equal(t, http.StatusFailedDependency, rec.Code)

	// Simulate the background poll loop draining the request queue.
	require.NoError(t, kg.Poll(context.Background()))

	rec = doRequest(router, http.MethodGet, "/root/repo-1", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var root data.Root
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &root))
	require.Equal(t, 1, root.Signed.Version)
}

func TestRotateRootBumpsVersion(t *testing.T) {
	router := newTestRouter(t)
	doRequest(router, http.MethodPost, "/root/repo-1", createRootRequest{Threshold: 1, ForceSync: true})

	rec := doRequest(router, http.MethodPut, "/root/repo-1/rotate", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var root data.Root
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &root))
	require.Equal(t, 2, root.Signed.Version)
}

func TestAddRemoteSessionsRole(t *testing.T) {
	router := newTestRouter(t)
	doRequest(router, http.MethodPost, "/root/repo-1", createRootRequest{Threshold: 1, ForceSync: true})

	rec := doRequest(router, http.MethodPut, "/root/repo-1/roles/remote-sessions", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var root data.Root
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &root))
	_, ok := root.Signed.Roles[data.RoleRemoteSessions]
	require.True(t, ok)
}

func TestGetUnsignedRootIsNotPersisted(t *testing.T) {
	router := newTestRouter(t)
	doRequest(router, http.MethodPost, "/root/repo-1", createRootRequest{Threshold: 1, ForceSync: true})

	rec := doRequest(router, http.MethodGet, "/root/repo-1/unsigned", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var signed data.SignedRoot
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &signed))
	require.Equal(t, 2, signed.Version)

	rec = doRequest(router, http.MethodGet, "/root/repo-1/2", nil)
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestSignPayloadUsesOnlineTargetsKey(t *testing.T) {
	router := newTestRouter(t)
	doRequest(router, http.MethodPost, "/root/repo-1", createRootRequest{Threshold: 1, ForceSync: true})

	rec := doRequest(router, http.MethodPost, "/root/repo-1/targets", map[string]interface{}{"hello": "world"})
	require.Equal(t, http.StatusOK, rec.Code)

	var resp map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	sigs, ok := resp["signatures"].([]interface{})
	require.True(t, ok)
	require.NotEmpty(t, sigs)
}

func TestRetryKeyGenIsNoOpWithNoErroredRequests(t *testing.T) {
	router := newTestRouter(t)
	rec := doRequest(router, http.MethodPut, "/root/repo-1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
}
