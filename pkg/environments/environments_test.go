package environments_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/sandboxplatform/controlplane/internal/testutil"
	"github.com/sandboxplatform/controlplane/pkg/database"
	"github.com/sandboxplatform/controlplane/pkg/environments"
	"github.com/sandboxplatform/controlplane/pkg/secrets"
)

func newTestService(t *testing.T) (*environments.Service, *database.DB) {
	t.Helper()
	db := testutil.NewTestDB(t)
	key := make([]byte, secrets.KeySize)
	vault, err := secrets.New(key)
	require.NoError(t, err)
	return environments.NewService(db, vault, 5, zap.NewNop()), db
}

func seedUser(t *testing.T, db *database.DB, userID string) {
	t.Helper()
	_, err := db.ExecContext(context.Background(),
		`INSERT INTO users (id, email, password_verifier) VALUES ($1, $2, 'x')`,
		userID, userID+"@example.com")
	require.NoError(t, err)
}

func baseSpec(name string) environments.Spec {
	return environments.Spec{
		Name:     name,
		Image:    "nginx:alpine",
		CPU:      1,
		MemoryMB: 256,
	}
}

func TestCreateInsertsFirstVersion(t *testing.T) {
	svc, db := newTestService(t)
	seedUser(t, db, "u1")

	env, version, err := svc.Create(context.Background(), "u1", baseSpec("web"))
	require.NoError(t, err)
	assert.Equal(t, 1, version.Version)
	assert.Equal(t, env.ID, version.EnvironmentID)
	assert.Equal(t, version.ID, env.CurrentVersionID)
}

func TestCreateRejectsBothImageAndDockerfile(t *testing.T) {
	svc, db := newTestService(t)
	seedUser(t, db, "u1")

	spec := baseSpec("web")
	spec.Dockerfile = "FROM scratch"
	_, _, err := svc.Create(context.Background(), "u1", spec)
	assert.Error(t, err)
}

func TestCreateRejectsDuplicateName(t *testing.T) {
	svc, db := newTestService(t)
	seedUser(t, db, "u1")

	_, _, err := svc.Create(context.Background(), "u1", baseSpec("web"))
	require.NoError(t, err)

	_, _, err = svc.Create(context.Background(), "u1", baseSpec("web"))
	assert.Error(t, err)
}

func TestCreateEnvironmentQuotaExceeded(t *testing.T) {
	svc, db := newTestService(t)
	seedUser(t, db, "u1")

	for i := 0; i < 5; i++ {
		_, _, err := svc.Create(context.Background(), "u1", baseSpec(string(rune('a'+i))))
		require.NoError(t, err)
	}

	_, _, err := svc.Create(context.Background(), "u1", baseSpec("one-too-many"))
	require.Error(t, err)
}

// TestUpdateAppendsImmutableVersion verifies §8 property 2: the prior
// version is unchanged, only current_version_id moves, and the new version
// number is exactly prev.version + 1.
func TestUpdateAppendsImmutableVersion(t *testing.T) {
	svc, db := newTestService(t)
	seedUser(t, db, "u1")

	env, v1, err := svc.Create(context.Background(), "u1", baseSpec("web"))
	require.NoError(t, err)

	newImage := "nginx:latest"
	v2, err := svc.Update(context.Background(), "u1", env.ID, environments.Patch{Image: &newImage})
	require.NoError(t, err)

	assert.Equal(t, v1.Version+1, v2.Version)
	assert.NotEqual(t, v1.ID, v2.ID)

	// The prior version row must be byte-equal to what was written.
	reloaded, err := svc.GetVersion(context.Background(), v1.ID)
	require.NoError(t, err)
	assert.Equal(t, v1.Image, reloaded.Image)
	assert.Equal(t, v1.Version, reloaded.Version)
	assert.Equal(t, v1.CreatedAt.Unix(), reloaded.CreatedAt.Unix())

	reloadedEnv, _, err := svc.Get(context.Background(), "u1", env.ID)
	require.NoError(t, err)
	assert.Equal(t, v2.ID, reloadedEnv.CurrentVersionID)
}

func TestUpdateCarriesOverUnspecifiedFields(t *testing.T) {
	svc, db := newTestService(t)
	seedUser(t, db, "u1")

	spec := baseSpec("web")
	spec.Env = map[string]string{"FOO": "bar"}
	env, _, err := svc.Create(context.Background(), "u1", spec)
	require.NoError(t, err)

	newCPU := 2.0
	v2, err := svc.Update(context.Background(), "u1", env.ID, environments.Patch{CPU: &newCPU})
	require.NoError(t, err)

	assert.Equal(t, 2.0, v2.CPU)
	assert.Equal(t, "bar", v2.Env["FOO"])
	assert.Equal(t, "nginx:alpine", v2.Image)
}

// TestGetRedactsSecrets verifies §8 property 4: secret responses never
// carry the value, only {key, redacted: true}.
func TestGetRedactsSecrets(t *testing.T) {
	svc, db := newTestService(t)
	seedUser(t, db, "u1")

	env, _, err := svc.Create(context.Background(), "u1", baseSpec("web"))
	require.NoError(t, err)

	require.NoError(t, svc.SetSecret(context.Background(), "u1", env.ID, "API_KEY", "sk_live_ABCDEF"))

	_, refs, err := svc.Get(context.Background(), "u1", env.ID)
	require.NoError(t, err)
	require.Len(t, refs, 1)
	assert.Equal(t, "API_KEY", refs[0].Key)
	assert.True(t, refs[0].Redacted)

	decrypted, err := svc.DecryptSecrets(context.Background(), env.CurrentVersionID)
	require.NoError(t, err)
	assert.Equal(t, "sk_live_ABCDEF", decrypted["API_KEY"])
}

func TestSetSecretRejectsInvalidKey(t *testing.T) {
	svc, db := newTestService(t)
	seedUser(t, db, "u1")

	env, _, err := svc.Create(context.Background(), "u1", baseSpec("web"))
	require.NoError(t, err)

	err = svc.SetSecret(context.Background(), "u1", env.ID, "lower_case", "x")
	assert.Error(t, err)
}

func TestDeleteSecretRemovesKey(t *testing.T) {
	svc, db := newTestService(t)
	seedUser(t, db, "u1")

	env, _, err := svc.Create(context.Background(), "u1", baseSpec("web"))
	require.NoError(t, err)
	require.NoError(t, svc.SetSecret(context.Background(), "u1", env.ID, "API_KEY", "x"))
	require.NoError(t, svc.DeleteSecret(context.Background(), "u1", env.ID, "API_KEY"))

	_, refs, err := svc.Get(context.Background(), "u1", env.ID)
	require.NoError(t, err)
	assert.Empty(t, refs)
}

// TestTenantIsolation verifies §8 property 3: a non-owner gets NotFound,
// never a different error, and the resource is unaffected.
func TestTenantIsolation(t *testing.T) {
	svc, db := newTestService(t)
	seedUser(t, db, "u1")
	seedUser(t, db, "u2")

	env, _, err := svc.Create(context.Background(), "u1", baseSpec("web"))
	require.NoError(t, err)

	_, _, err = svc.Get(context.Background(), "u2", env.ID)
	assert.ErrorContains(t, err, "not found")

	err = svc.Delete(context.Background(), "u2", env.ID)
	assert.Error(t, err)

	stillThere, _, err := svc.Get(context.Background(), "u1", env.ID)
	require.NoError(t, err)
	assert.Equal(t, env.ID, stillThere.ID)
}

func TestDeleteEnvironment(t *testing.T) {
	svc, db := newTestService(t)
	seedUser(t, db, "u1")

	env, _, err := svc.Create(context.Background(), "u1", baseSpec("web"))
	require.NoError(t, err)

	require.NoError(t, svc.Delete(context.Background(), "u1", env.ID))

	_, _, err = svc.Get(context.Background(), "u1", env.ID)
	assert.Error(t, err)
}

