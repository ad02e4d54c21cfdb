package errors

import (
	"errors"
	"net/http"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestAppErrorWrapping(t *testing.T) {
	inner := errors.New("ledger row missing")
	err := ErrInsufficientFunds.WithInternal(inner)

	require.ErrorIs(t, err, inner)
	require.Contains(t, err.Error(), "ledger row missing")
	require.Equal(t, http.StatusPaymentRequired, err.StatusCode)

	// the shared sentinel must not be mutated
	require.Nil(t, ErrInsufficientFunds.Internal)
}

func TestFromError(t *testing.T) {
	require.Nil(t, FromError(nil))

	appErr := FromError(ErrSessionClosed)
	require.Equal(t, "SESSION_ALREADY_CLOSED", appErr.Code)

	generic := FromError(errors.New("boom"))
	require.Equal(t, ErrInternalServer.Code, generic.Code)
	require.EqualError(t, generic.Internal, "boom")
}

func TestWrapKeepsInternal(t *testing.T) {
	inner := errors.New("db closed")
	err := Wrap(inner, "persist quality summary")
	require.ErrorIs(t, err, inner)
	require.Equal(t, http.StatusInternalServerError, err.StatusCode)
}
