// Package keystore implements the Key Store (§4.C): the public half of
// every signing key lives in storage.KeyStore, the private half in an
// external secretstore.Store, joined by an opaque handle
// (storage.KeyRow.PrivateRef). Grounded on the Key/KeyVal shapes in
// tuf/data/types.go and the teacher's pkg/errors wrapping idiom.
package keystore

import (
	"context"

	"github.com/pkg/errors"

	"github.com/kolide/tuf-repo-server/apierrors"
	"github.com/kolide/tuf-repo-server/keyserver/secretstore"
	"github.com/kolide/tuf-repo-server/storage"
	"github.com/kolide/tuf-repo-server/tuf/data"
	"github.com/kolide/tuf-repo-server/tuf/signing"
)

// Store is the Key Store: a storage.KeyStore for public halves plus a
// secretstore.Store for private halves.
type Store struct {
	keys    storage.KeyStore
	secrets secretstore.Store
}

// New returns a Store backed by keys and secrets.
func New(keys storage.KeyStore, secrets secretstore.Store) *Store {
	return &Store{keys: keys, secrets: secrets}
}

// Write persists a freshly generated keypair: the public half in keys,
// the private half in secrets, joined by the handle secrets returns.
func (s *Store) Write(ctx context.Context, repo storage.RepoID, role data.RoleType, kp *signing.KeyPair) (*storage.KeyRow, error) {
	keyID, err := signing.KeyID(kp.Public)
	if err != nil {
		return nil, errors.Wrap(err, "compute key id")
	}

	priv, err := kp.MarshalPrivatePEM()
	if err != nil {
		return nil, errors.Wrap(err, "marshal private key")
	}
	handle, err := s.secrets.Put(ctx, priv)
	if err != nil {
		return nil, errors.Wrap(err, "store private key")
	}

	row := &storage.KeyRow{
		KeyID:      keyID,
		RepoID:     repo,
		RoleType:   role,
		KeyType:    kp.Public.KeyType,
		Public:     kp.Public,
		PrivateRef: handle,
	}
	if err := s.keys.Write(ctx, row); err != nil {
		return nil, errors.Wrap(err, "persist key row")
	}
	return row, nil
}

// ReadPublic returns the public half of keyID, regardless of whether it
// is still online.
func (s *Store) ReadPublic(ctx context.Context, repo storage.RepoID, keyID data.KeyID) (data.Key, error) {
	row, err := s.keys.Get(ctx, repo, keyID)
	if err != nil {
		return data.Key{}, translateGetErr(err, "key")
	}
	return row.Public, nil
}

// ReadKeypair returns the private material for keyID. Fails with
// RoleKeyNotFound if the key has been taken offline.
func (s *Store) ReadKeypair(ctx context.Context, repo storage.RepoID, keyID data.KeyID) ([]byte, error) {
	row, err := s.keys.Get(ctx, repo, keyID)
	if err != nil {
		return nil, translateGetErr(err, "key")
	}
	if !row.Online() {
		return nil, apierrors.New(apierrors.RoleKeyNotFound, "key is offline")
	}
	priv, err := s.secrets.Get(ctx, row.PrivateRef)
	if err != nil {
		return nil, errors.Wrap(err, "read private key")
	}
	return priv, nil
}

// DeletePrivate takes a key offline: it clears the stored PrivateRef and
// deletes the secret-store entry. Idempotent — deleting an
// already-offline key is not an error.
func (s *Store) DeletePrivate(ctx context.Context, repo storage.RepoID, keyID data.KeyID) error {
	row, err := s.keys.Get(ctx, repo, keyID)
	if err != nil {
		return translateGetErr(err, "key")
	}
	if !row.Online() {
		return nil
	}
	if err := s.secrets.Delete(ctx, row.PrivateRef); err != nil {
		return errors.Wrap(err, "delete private key")
	}
	return s.keys.TakeOffline(ctx, repo, keyID)
}

// SignAll is the signing oracle (§4.E "sign(repo, role_type, json)"):
// it produces one signature per currently-online key for role over
// canonicalBytes. Fails with RoleKeyNotFound if no key for role is
// online.
func (s *Store) SignAll(ctx context.Context, repo storage.RepoID, role data.RoleType, canonicalBytes []byte) ([]data.Signature, error) {
	rows, err := s.keys.ListForRole(ctx, repo, role)
	if err != nil {
		return nil, errors.Wrap(err, "list keys for role")
	}

	var sigs []data.Signature
	for _, row := range rows {
		if !row.Online() {
			continue
		}
		priv, err := s.secrets.Get(ctx, row.PrivateRef)
		if err != nil {
			return nil, errors.Wrap(err, "read private key")
		}
		kp, err := signing.FromPrivatePEM(row.Public, priv)
		if err != nil {
			return nil, errors.Wrap(err, "reconstruct keypair")
		}
		sig, err := signing.Sign(kp, canonicalBytes)
		if err != nil {
			return nil, errors.Wrap(err, "sign")
		}
		sigs = append(sigs, sig)
	}
	if len(sigs) == 0 {
		return nil, apierrors.New(apierrors.RoleKeyNotFound, "no online key for role "+string(role))
	}
	return sigs, nil
}

// ListForRole returns every key row (online or offline) for role.
func (s *Store) ListForRole(ctx context.Context, repo storage.RepoID, role data.RoleType) ([]*storage.KeyRow, error) {
	rows, err := s.keys.ListForRole(ctx, repo, role)
	if err != nil {
		return nil, errors.Wrap(err, "list keys for role")
	}
	return rows, nil
}

// translateGetErr maps a storage-layer not-found into the domain
// MissingEntity kind. storage.KeyStore implementations return their own
// not-found sentinel (e.g. memory.ErrNotFound); callers only need to
// know the row wasn't found, not which implementation raised it.
func translateGetErr(err error, entity string) error {
	return apierrors.Wrap(apierrors.MissingEntity, err, entity+" not found")
}
