// Package keygen implements the Key-Gen Engine (§4.D): a background poll
// loop that turns REQUESTED rows in storage.KeyGenRequestStore into
// generated keys persisted through keyserver/keystore. Grounded on
// updater.go's ticker/done-channel run loop, generalized from a single
// update check to a repeated batched poll.
package keygen

import (
	"context"
	"time"

	"github.com/WatchBeam/clock"
	"github.com/pkg/errors"

	"github.com/kolide/tuf-repo-server/apierrors"
	"github.com/kolide/tuf-repo-server/keyserver/keystore"
	"github.com/kolide/tuf-repo-server/storage"
	"github.com/kolide/tuf-repo-server/tuf/data"
	"github.com/kolide/tuf-repo-server/tuf/signing"
)

// DefaultBatchSize is used when the caller does not configure one;
// config.KeyGenBatchSize (§6) overrides this in deployment.
const DefaultBatchSize = 1024

// maxCauseBytes bounds the failure cause string persisted on a request
// that errors out, per §7's "truncated cause".
const maxCauseBytes = 1024

// Engine polls requests for REQUESTED rows and fulfills them.
type Engine struct {
	requests  storage.KeyGenRequestStore
	keys      *keystore.Store
	clock     clock.Clock
	batchSize int
}

// New returns an Engine. batchSize <= 0 uses DefaultBatchSize.
func New(requests storage.KeyGenRequestStore, keys *keystore.Store, clk clock.Clock, batchSize int) *Engine {
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}
	return &Engine{requests: requests, keys: keys, clock: clk, batchSize: batchSize}
}

// Run polls at interval until ctx is done, grounded on the teacher's
// updater() ticker/done-channel select loop.
func (e *Engine) Run(ctx context.Context, interval time.Duration) {
	for {
		select {
		case <-e.clock.After(interval):
			_ = e.Poll(ctx)
		case <-ctx.Done():
			return
		}
	}
}

// Poll fetches up to batchSize REQUESTED rows and fulfills each.
func (e *Engine) Poll(ctx context.Context) error {
	reqs, err := e.requests.ListPending(ctx, e.batchSize)
	if err != nil {
		return errors.Wrap(err, "list pending key-gen requests")
	}
	for _, req := range reqs {
		e.fulfill(ctx, req)
	}
	return nil
}

func (e *Engine) fulfill(ctx context.Context, req *storage.KeyGenRequest) {
	kp, err := signing.Generate(req.KeyType, req.Size)
	if err != nil {
		e.fail(ctx, req.ID, err)
		return
	}

	if err := e.requests.Transition(ctx, req.ID, storage.KeyGenGenerated, "", func() error {
		_, werr := e.keys.Write(ctx, req.RepoID, req.RoleType, kp)
		return werr
	}); err != nil {
		e.fail(ctx, req.ID, err)
	}
}

func (e *Engine) fail(ctx context.Context, requestID string, cause error) {
	_ = e.requests.Transition(ctx, requestID, storage.KeyGenError, truncateCause(cause.Error()), nil)
}

// Retry moves a request from ERROR back to REQUESTED so the next Poll
// picks it up. Any other current status is rejected.
func (e *Engine) Retry(ctx context.Context, requestID string) error {
	req, err := e.requests.Get(ctx, requestID)
	if err != nil {
		return apierrors.Wrap(apierrors.MissingEntity, err, "key-gen request not found")
	}
	if req.Status != storage.KeyGenError {
		return apierrors.New(apierrors.PreconditionFailed, "only requests in ERROR may be retried")
	}
	return e.requests.Transition(ctx, requestID, storage.KeyGenRequested, "", nil)
}

// RetryRepo moves every ERROR request belonging to repo back to
// REQUESTED, the repo-scoped form of the admin "force retry" operation
// (§6 `PUT /root/{repoId}`). A repo with no errored requests is a no-op,
// not a failure.
func (e *Engine) RetryRepo(ctx context.Context, repo storage.RepoID) error {
	errored, err := e.requests.ListErrored(ctx, repo)
	if err != nil {
		return errors.Wrap(err, "list errored key-gen requests")
	}
	for _, req := range errored {
		if err := e.requests.Transition(ctx, req.ID, storage.KeyGenRequested, "", nil); err != nil {
			return errors.Wrapf(err, "retry request %s", req.ID)
		}
	}
	return nil
}

// RequestBatch enqueues one REQUESTED row per role, for the asynchronous
// path of `POST /root/{repoId}` (§6): the client polls these IDs (or
// simply waits, since the background Poll loop drains them) rather than
// blocking on inline generation.
func (e *Engine) RequestBatch(ctx context.Context, repo storage.RepoID, keyType data.KeyType, size int, roles ...data.RoleType) ([]*storage.KeyGenRequest, error) {
	reqs := make([]*storage.KeyGenRequest, 0, len(roles))
	for _, role := range roles {
		req := &storage.KeyGenRequest{
			RepoID:   repo,
			RoleType: role,
			KeyType:  keyType,
			Size:     size,
			Status:   storage.KeyGenRequested,
		}
		if err := e.requests.Create(ctx, req); err != nil {
			return nil, errors.Wrapf(err, "create key-gen request for role %s", role)
		}
		reqs = append(reqs, req)
	}
	return reqs, nil
}

// ForceSync performs the force_sync=true synchronous path: it records a
// request row already in ERROR status (so the background Poll loop
// ignores it), generates the key inline on the calling goroutine,
// persists it, and returns the completed row. It is exempt from
// batchSize.
func (e *Engine) ForceSync(ctx context.Context, repo storage.RepoID, role data.RoleType, keyType data.KeyType, size int) (*storage.KeyRow, error) {
	req := &storage.KeyGenRequest{
		RepoID:      repo,
		RoleType:    role,
		KeyType:     keyType,
		Size:        size,
		Status:      storage.KeyGenError,
		Description: "force_sync",
	}
	if err := e.requests.Create(ctx, req); err != nil {
		return nil, errors.Wrap(err, "create force-sync request")
	}

	kp, err := signing.Generate(keyType, size)
	if err != nil {
		e.fail(ctx, req.ID, err)
		return nil, errors.Wrap(err, "generate key")
	}

	var row *storage.KeyRow
	txErr := e.requests.Transition(ctx, req.ID, storage.KeyGenGenerated, "", func() error {
		var werr error
		row, werr = e.keys.Write(ctx, repo, role, kp)
		return werr
	})
	if txErr != nil {
		e.fail(ctx, req.ID, txErr)
		return nil, errors.Wrap(txErr, "persist force-synced key")
	}
	return row, nil
}

func truncateCause(s string) string {
	if len(s) <= maxCauseBytes {
		return s
	}
	return s[:maxCauseBytes]
}
