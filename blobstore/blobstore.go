// Package blobstore defines the target blob storage collaborator (§3.11):
// the byte store, keyed by (repo, filename), backing a repo's target files. Per §1
// ("target blob storage backend" is a non-goal), no concrete backend is
// provided here — a real deployment wires an S3/GCS/filesystem
// implementation behind this interface.
package blobstore

import (
	"context"
	"io"

	"github.com/kolide/tuf-repo-server/storage"
)

// Store persists target file bytes by (repo, filename). Every method is
// idempotent: Put overwrites, Delete on an already-absent filename is a
// no-op, Head on an absent filename reports exists == false. The
// package defines no sentinel error for Get on an absent filename.
type Store interface {
	Put(ctx context.Context, repo storage.RepoID, filename string, content io.Reader) error
	Get(ctx context.Context, repo storage.RepoID, filename string) (io.ReadCloser, error)
	Head(ctx context.Context, repo storage.RepoID, filename string) (exists bool, length int64, err error)
	Delete(ctx context.Context, repo storage.RepoID, filename string) error
}
