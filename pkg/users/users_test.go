package users_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/sandboxplatform/controlplane/internal/apperr"
	"github.com/sandboxplatform/controlplane/internal/testutil"
	"github.com/sandboxplatform/controlplane/pkg/users"
)

func newService(t *testing.T) *users.Service {
	db := testutil.NewTestDB(t)
	return users.NewService(db, zap.NewNop())
}

func ctxTODO() context.Context {
	return context.TODO()
}

func TestSignUpAndVerifyCredentials(t *testing.T) {
	svc := newService(t)

	u, err := svc.SignUp(ctxTODO(), "alice@example.com", "correct-password")
	require.NoError(t, err)
	assert.Equal(t, "alice@example.com", u.Email)

	got, err := svc.VerifyCredentials(ctxTODO(), "alice@example.com", "correct-password")
	require.NoError(t, err)
	assert.Equal(t, u.ID, got.ID)
}

func TestSignUpRejectsDuplicateEmail(t *testing.T) {
	svc := newService(t)

	_, err := svc.SignUp(ctxTODO(), "bob@example.com", "correct-password")
	require.NoError(t, err)

	_, err = svc.SignUp(ctxTODO(), "bob@example.com", "another-password")
	require.Error(t, err)
	appErr, ok := apperr.As(err)
	require.True(t, ok)
	assert.Equal(t, apperr.KindConflict, appErr.Kind)
}

func TestSignUpRejectsShortPassword(t *testing.T) {
	svc := newService(t)
	_, err := svc.SignUp(ctxTODO(), "carol@example.com", "short")
	require.Error(t, err)
}

func TestVerifyCredentialsRejectsWrongPassword(t *testing.T) {
	svc := newService(t)
	_, err := svc.SignUp(ctxTODO(), "dave@example.com", "correct-password")
	require.NoError(t, err)

	_, err = svc.VerifyCredentials(ctxTODO(), "dave@example.com", "wrong-password")
	require.Error(t, err)
	appErr, ok := apperr.As(err)
	require.True(t, ok)
	assert.Equal(t, apperr.KindAuth, appErr.Kind)
}

func TestVerifyCredentialsRejectsUnknownEmail(t *testing.T) {
	svc := newService(t)
	_, err := svc.VerifyCredentials(ctxTODO(), "nobody@example.com", "whatever")
	require.Error(t, err)
	appErr, ok := apperr.As(err)
	require.True(t, ok)
	assert.Equal(t, apperr.KindAuth, appErr.Kind)
}
