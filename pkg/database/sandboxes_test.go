package database_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sandboxplatform/controlplane/internal/testutil"
	"github.com/sandboxplatform/controlplane/pkg/database"
	"github.com/sandboxplatform/controlplane/pkg/models"
)

func seedUserAndEnvironment(t *testing.T, db *database.DB, userID, envID string) {
	t.Helper()
	ctx := testContext()
	_, err := db.ExecContext(ctx, `INSERT INTO users (id, email, password_verifier) VALUES ($1, $2, 'x')`,
		userID, userID+"@example.com")
	require.NoError(t, err)
	_, err = db.ExecContext(ctx, `INSERT INTO environments (id, user_id, name) VALUES ($1, $2, $3)`,
		envID, userID, envID)
	require.NoError(t, err)
}

func newSandbox(userID, envID, versionID, name string) *models.Sandbox {
	return &models.Sandbox{
		ID:                   "sb-" + name,
		UserID:               userID,
		EnvironmentID:        envID,
		EnvironmentVersionID: versionID,
		Name:                 name,
		Status:               models.StatusPending,
		Phase:                models.PhaseCreating,
		CreatedAt:            time.Now(),
	}
}

func TestCreateAndGetSandbox(t *testing.T) {
	db := testutil.NewTestDB(t)
	ctx := testContext()
	seedUserAndEnvironment(t, db, "user-1", "env-1")


	sb := newSandbox("user-1", "env-1", "v-1", "box")
	require.NoError(t, db.CreateSandbox(ctx, sb))

	got, err := db.GetSandbox(ctx, sb.ID, "user-1")
	require.NoError(t, err)
	assert.Equal(t, sb.Name, got.Name)
	assert.Equal(t, models.StatusPending, got.Status)
}

func TestCreateSandboxIdempotencyKeyConflict(t *testing.T) {
	db := testutil.NewTestDB(t)
	ctx := testContext()
	seedUserAndEnvironment(t, db, "user-1", "env-1")


	first := newSandbox("user-1", "env-1", "v-1", "box")
	require.NoError(t, db.CreateSandbox(ctx, first))

	second := newSandbox("user-1", "env-1", "v-1", "box")
	second.ID = "sb-other-id"
	err := db.CreateSandbox(ctx, second)
	assert.ErrorIs(t, err, database.ErrConflict)

	winner, err := db.GetSandboxByName(ctx, "user-1", "env-1", "box")
	require.NoError(t, err)
	assert.Equal(t, first.ID, winner.ID)
}

func TestCountActiveSandboxesExcludesTerminalStates(t *testing.T) {
	db := testutil.NewTestDB(t)
	ctx := testContext()
	seedUserAndEnvironment(t, db, "user-1", "env-1")


	active := newSandbox("user-1", "env-1", "v-1", "active")
	require.NoError(t, db.CreateSandbox(ctx, active))

	stopped := newSandbox("user-1", "env-1", "v-1", "stopped")
	stopped.Status = models.StatusStopped
	require.NoError(t, db.CreateSandbox(ctx, stopped))

	count, err := db.CountActiveSandboxes(ctx, "user-1")
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestUpdateSandboxTransitionPersistsMutation(t *testing.T) {
	db := testutil.NewTestDB(t)
	ctx := testContext()
	seedUserAndEnvironment(t, db, "user-1", "env-1")


	sb := newSandbox("user-1", "env-1", "v-1", "box")
	require.NoError(t, db.CreateSandbox(ctx, sb))

	updated, err := db.UpdateSandboxTransition(ctx, sb.ID, func(s *models.Sandbox) error {
		s.Status = models.StatusRunning
		s.Phase = models.PhaseHealthy
		s.ContainerRef = "container-abc"
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, models.StatusRunning, updated.Status)

	reloaded, err := db.GetSandboxByID(ctx, sb.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusRunning, reloaded.Status)
	assert.Equal(t, "container-abc", reloaded.ContainerRef)
}

func TestListExpiringReturnsOnlyPastDeadlineAndNonTerminal(t *testing.T) {
	db := testutil.NewTestDB(t)
	ctx := testContext()
	seedUserAndEnvironment(t, db, "user-1", "env-1")


	past := time.Now().Add(-time.Hour)
	future := time.Now().Add(time.Hour)

	expired := newSandbox("user-1", "env-1", "v-1", "expired")
	expired.Status = models.StatusRunning
	expired.ExpiresAt = &past
	require.NoError(t, db.CreateSandbox(ctx, expired))

	notYet := newSandbox("user-1", "env-1", "v-1", "not-yet")
	notYet.Status = models.StatusRunning
	notYet.ExpiresAt = &future
	require.NoError(t, db.CreateSandbox(ctx, notYet))

	alreadyStopped := newSandbox("user-1", "env-1", "v-1", "already-stopped")
	alreadyStopped.Status = models.StatusStopped
	alreadyStopped.ExpiresAt = &past
	require.NoError(t, db.CreateSandbox(ctx, alreadyStopped))

	list, err := db.ListExpiring(ctx)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "expired", list[0].Name)
}

func TestDeleteSandbox(t *testing.T) {
	db := testutil.NewTestDB(t)
	ctx := testContext()
	seedUserAndEnvironment(t, db, "user-1", "env-1")


	sb := newSandbox("user-1", "env-1", "v-1", "box")
	require.NoError(t, db.CreateSandbox(ctx, sb))

	deleted, err := db.DeleteSandbox(ctx, sb.ID, "user-1")
	require.NoError(t, err)
	assert.True(t, deleted)

	_, err = db.GetSandbox(ctx, sb.ID, "user-1")
	assert.ErrorIs(t, err, database.ErrNotFound)
}

func TestListAllByStatusCrossesTenants(t *testing.T) {
	db := testutil.NewTestDB(t)
	ctx := testContext()
	seedUserAndEnvironment(t, db, "user-1", "env-1")
	seedUserAndEnvironment(t, db, "user-2", "env-2")

	a := newSandbox("user-1", "env-1", "v-1", "a")
	a.Status = models.StatusRunning
	require.NoError(t, db.CreateSandbox(ctx, a))

	b := newSandbox("user-2", "env-2", "v-1", "b")
	b.Status = models.StatusRunning
	require.NoError(t, db.CreateSandbox(ctx, b))

	c := newSandbox("user-1", "env-1", "v-1", "c")
	c.Status = models.StatusStopped
	require.NoError(t, db.CreateSandbox(ctx, c))

	running, err := db.ListAllByStatus(ctx, models.StatusRunning)
	require.NoError(t, err)
	assert.Len(t, running, 2)
}
