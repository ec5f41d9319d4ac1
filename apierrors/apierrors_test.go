package apierrors

import (
	"net/http"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
)

func TestToBodyMapsKindToStatus(t *testing.T) {
	err := New(InvalidVersionBump, "targets version must be current+1")
	body, status := ToBody(err)
	require.Equal(t, http.StatusConflict, status)
	require.Equal(t, "InvalidVersionBump", body.Code)
	require.NotEmpty(t, body.ErrorID)
}

func TestToBodyCarriesCauses(t *testing.T) {
	err := New(InvalidRootRole, "root validation failed").WithCauses("version not prev+1", "missing timestamp key")
	body, _ := ToBody(err)
	require.Equal(t, []string{"version not prev+1", "missing timestamp key"}, body.Cause)
}

func TestWrapPreservesUnderlyingErrorForIs(t *testing.T) {
	sentinel := errors.New("boom")
	err := Wrap(MissingEntity, sentinel, "role not found")
	require.ErrorIs(t, err, sentinel)
}

func TestIsMatchesByKindOnly(t *testing.T) {
	a := New(RoleKeyNotFound, "key offline for targets")
	b := New(RoleKeyNotFound, "different message, same kind")
	require.ErrorIs(t, a, b)

	c := New(MissingEntity, "x")
	require.NotErrorIs(t, a, c)
}

func TestNonDomainErrorMapsToInternal(t *testing.T) {
	body, status := ToBody(errors.New("unexpected db failure"))
	require.Equal(t, http.StatusInternalServerError, status)
	require.Equal(t, "Internal", body.Code)
}
