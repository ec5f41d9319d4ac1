// Package delegation implements the Delegations Verifier (§4.I): pushing
// a signed targets document to a named delegated role, verified against
// the delegation's own key set and threshold rather than the top-level
// targets role. Grounded on the DelegationRole/Delegations shapes
// already in tuf/data (themselves modeled on the teacher's tuf/roles.go)
// and the depth-one delegation traversal in the teacher's
// tuf/repo.go:getDelegatedTarget, narrowed per spec Non-goals to
// single-level verification only — this package never descends into a
// delegation's own sub-delegations.
package delegation

import (
	"context"
	"fmt"

	"github.com/pkg/errors"

	"github.com/kolide/tuf-repo-server/apierrors"
	"github.com/kolide/tuf-repo-server/storage"
	"github.com/kolide/tuf-repo-server/tuf/canonicaljson"
	"github.com/kolide/tuf-repo-server/tuf/data"
	"github.com/kolide/tuf-repo-server/tuf/signing"
)

// Engine implements the Delegations Verifier.
type Engine struct {
	delegations storage.DelegationStore
	roles       storage.SignedRoleStore
}

// New returns an Engine.
func New(delegations storage.DelegationStore, roles storage.SignedRoleStore) *Engine {
	return &Engine{delegations: delegations, roles: roles}
}

// Push verifies and persists a signed targets document for the named
// delegation, per §4.I: name must be declared in the current targets
// role's delegations, signatures must meet that delegation's own
// threshold from distinct declared keys, and version must be strictly
// greater than any prior version stored for name (exactly 1 on first
// push).
func (e *Engine) Push(ctx context.Context, repo storage.RepoID, name string, payload *data.Targets) (*data.Targets, error) {
	role, declaredKeys, err := e.resolveDelegation(ctx, repo, name)
	if err != nil {
		return nil, err
	}

	if err := verifyThreshold(role, declaredKeys, payload); err != nil {
		return nil, err
	}

	current, getErr := e.delegations.Get(ctx, repo, name)
	hasCurrent := getErr == nil
	if hasCurrent {
		if payload.Signed.Version <= current.Version {
			return nil, apierrors.New(apierrors.InvalidVersionBump, fmt.Sprintf("version %d is not greater than the current version %d", payload.Signed.Version, current.Version))
		}
	} else if payload.Signed.Version != 1 {
		return nil, apierrors.New(apierrors.InvalidVersionBump, "first push of a delegation must be version 1")
	}

	fullBytes, err := canonicaljson.Marshal(payload)
	if err != nil {
		return nil, errors.Wrap(err, "marshal pushed delegation")
	}
	if err := e.delegations.Put(ctx, &storage.DelegationRow{
		RepoID:         repo,
		Name:           name,
		Version:        payload.Signed.Version,
		CanonicalBytes: fullBytes,
	}); err != nil {
		return nil, errors.Wrap(err, "persist pushed delegation")
	}
	return payload, nil
}

// Get returns the currently persisted document for the named delegation.
func (e *Engine) Get(ctx context.Context, repo storage.RepoID, name string) (*data.Targets, error) {
	row, err := e.delegations.Get(ctx, repo, name)
	if err != nil {
		return nil, apierrors.Wrap(apierrors.MissingEntity, err, "delegation not found")
	}
	var doc data.Targets
	if err := canonicaljson.Unmarshal(row.CanonicalBytes, &doc); err != nil {
		return nil, errors.Wrap(err, "unmarshal stored delegation")
	}
	return &doc, nil
}

// resolveDelegation locates name in the current targets role's
// delegations and returns its role entry plus its declared key set,
// failing with DelegationNotDefined if name is absent, any of its key
// IDs is undeclared, or it was declared with a threshold below 1 (the
// Open Question #9 decision: threshold-0 delegations are rejected
// wherever they would be acted on, not only at declaration time).
func (e *Engine) resolveDelegation(ctx context.Context, repo storage.RepoID, name string) (*data.DelegationRole, map[data.KeyID]data.Key, error) {
	targetsRow, err := e.roles.Get(ctx, repo, data.RoleTargets)
	if err != nil {
		return nil, nil, apierrors.Wrap(apierrors.DelegationNotDefined, err, "no targets role is present to declare delegations")
	}
	var targets data.Targets
	if err := canonicaljson.Unmarshal(targetsRow.CanonicalBytes, &targets); err != nil {
		return nil, nil, errors.Wrap(err, "unmarshal current targets")
	}

	var role *data.DelegationRole
	for i := range targets.Signed.Delegations.Roles {
		if targets.Signed.Delegations.Roles[i].Name == name {
			role = &targets.Signed.Delegations.Roles[i]
			break
		}
	}
	if role == nil {
		return nil, nil, apierrors.New(apierrors.DelegationNotDefined, fmt.Sprintf("delegation %q is not declared by the current targets role", name))
	}
	if role.Threshold < 1 {
		return nil, nil, apierrors.New(apierrors.DelegationNotDefined, fmt.Sprintf("delegation %q was declared with threshold < 1", name))
	}

	declared := make(map[data.KeyID]data.Key, len(role.KeyIDs))
	for _, id := range role.KeyIDs {
		key, ok := targets.Signed.Delegations.Keys[id]
		if !ok {
			return nil, nil, apierrors.New(apierrors.DelegationNotDefined, fmt.Sprintf("delegation %q references undeclared key %q", name, id))
		}
		declared[id] = key
	}
	return role, declared, nil
}

// verifyThreshold enforces §4.I's signature rule: every signature must
// come from a declared key, no key may sign twice, and the count of
// distinct valid signatures must meet the delegation's threshold.
func verifyThreshold(role *data.DelegationRole, declaredKeys map[data.KeyID]data.Key, payload *data.Targets) error {
	seen := make(map[data.KeyID]bool, len(payload.Signatures))
	for _, sig := range payload.Signatures {
		if _, ok := declaredKeys[sig.KeyID]; !ok {
			return apierrors.New(apierrors.PayloadSignatureInvalid, fmt.Sprintf("signature from undeclared key %q", sig.KeyID))
		}
		if seen[sig.KeyID] {
			return apierrors.New(apierrors.PayloadSignatureInvalid, fmt.Sprintf("duplicate signature from key %q", sig.KeyID))
		}
		seen[sig.KeyID] = true
	}

	payloadBytes, err := canonicaljson.Marshal(payload.Signed)
	if err != nil {
		return errors.Wrap(err, "marshal pushed delegation payload")
	}
	valid := signing.CountValidThreshold(declaredKeys, payloadBytes, payload.Signatures)
	if valid < role.Threshold {
		return apierrors.New(apierrors.PayloadSignatureInvalid, fmt.Sprintf("%d of %d required delegation signatures verified", valid, role.Threshold))
	}
	return nil
}
