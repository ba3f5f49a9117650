package sandboxes_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/sandboxplatform/controlplane/internal/testutil"
	"github.com/sandboxplatform/controlplane/pkg/database"
	"github.com/sandboxplatform/controlplane/pkg/environments"
	"github.com/sandboxplatform/controlplane/pkg/models"
	"github.com/sandboxplatform/controlplane/pkg/sandboxes"
	"github.com/sandboxplatform/controlplane/pkg/secrets"
)

// testEnv bundles everything a sandbox-service test needs: a migrated
// SQLite DB, a fake runtime, and one seeded user with one environment.
type testEnv struct {
	db      *database.DB
	runtime *testutil.MockRuntime
	envs    *environments.Service
	sb      *sandboxes.Service
	userID  string
	envID   string
}

func newTestEnv(t *testing.T, maxActive int) *testEnv {
	t.Helper()
	db := testutil.NewTestDB(t)

	key := make([]byte, secrets.KeySize)
	vault, err := secrets.New(key)
	require.NoError(t, err)

	envSvc := environments.NewService(db, vault, 5, zap.NewNop())
	rt := testutil.NewMockRuntime()
	sbSvc := sandboxes.NewService(db, rt, envSvc, maxActive, zap.NewNop())

	userID := "user-1"
	_, err = db.ExecContext(context.Background(),
		`INSERT INTO users (id, email, password_verifier) VALUES ($1, $2, 'x')`, userID, "u1@example.com")
	require.NoError(t, err)

	env, _, err := envSvc.Create(context.Background(), userID, environments.Spec{
		Name:     "demo",
		Image:    "nginx:alpine",
		CPU:      1,
		MemoryMB: 256,
		Ports:    []models.PortMapping{{Container: 80, Host: 48080}},
	})
	require.NoError(t, err)

	return &testEnv{db: db, runtime: rt, envs: envSvc, sb: sbSvc, userID: userID, envID: env.ID}
}

// waitRunning polls Get until the sandbox's async provisioner finishes
// (reaching running or error), since Create returns before it completes.
func waitRunning(t *testing.T, te *testEnv, id string) *models.Sandbox {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		sb, err := te.sb.Get(context.Background(), te.userID, id)
		require.NoError(t, err)
		if sb.Status == models.StatusRunning || sb.Status == models.StatusError {
			return sb
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("sandbox did not leave pending state within the test deadline")
	return nil
}

// TestCreateIdempotent verifies §8 property 1: repeated creates with the
// same (user, environment, name) return the same id and never spawn a
// second provisioner's worth of containers.
func TestCreateIdempotent(t *testing.T) {
	te := newTestEnv(t, 10)

	first, err := te.sb.Create(context.Background(), te.userID, sandboxes.CreateSpec{
		EnvironmentID: te.envID, Name: "twin",
	})
	require.NoError(t, err)

	second, err := te.sb.Create(context.Background(), te.userID, sandboxes.CreateSpec{
		EnvironmentID: te.envID, Name: "twin",
	})
	require.NoError(t, err)

	assert.Equal(t, first.ID, second.ID)

	waitRunning(t, te, first.ID)
	assert.Equal(t, 1, te.runtime.ContainerCount())
}

func TestCreateDefaultsNameWithEnvironmentPrefix(t *testing.T) {
	te := newTestEnv(t, 10)

	sb, err := te.sb.Create(context.Background(), te.userID, sandboxes.CreateSpec{EnvironmentID: te.envID})
	require.NoError(t, err)
	assert.Contains(t, sb.Name, "demo-")
}

// TestCreateQuotaExceeded verifies §8 property 6.
func TestCreateQuotaExceeded(t *testing.T) {
	te := newTestEnv(t, 2)

	_, err := te.sb.Create(context.Background(), te.userID, sandboxes.CreateSpec{EnvironmentID: te.envID, Name: "one"})
	require.NoError(t, err)
	_, err = te.sb.Create(context.Background(), te.userID, sandboxes.CreateSpec{EnvironmentID: te.envID, Name: "two"})
	require.NoError(t, err)

	_, err = te.sb.Create(context.Background(), te.userID, sandboxes.CreateSpec{EnvironmentID: te.envID, Name: "three"})
	require.Error(t, err)

	list, err := te.sb.List(context.Background(), te.userID, "", "")
	require.NoError(t, err)
	assert.Len(t, list, 2)
}

// TestLifecycleHappyPath mirrors scenario S1: create, reach running,
// stop, destroy.
func TestLifecycleHappyPath(t *testing.T) {
	te := newTestEnv(t, 10)

	sb, err := te.sb.Create(context.Background(), te.userID, sandboxes.CreateSpec{EnvironmentID: te.envID, Name: "demo1"})
	require.NoError(t, err)
	assert.Equal(t, models.StatusPending, sb.Status)
	assert.Equal(t, models.PhaseCreating, sb.Phase)

	running := waitRunning(t, te, sb.ID)
	require.Equal(t, models.StatusRunning, running.Status)
	assert.Equal(t, models.PhaseHealthy, running.Phase)
	assert.NotEmpty(t, running.ContainerRef)

	stopped, err := te.sb.Stop(context.Background(), te.userID, sb.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusStopped, stopped.Status)
	assert.Equal(t, models.PhaseStopped, stopped.Phase)

	existed, err := te.sb.Destroy(context.Background(), te.userID, sb.ID)
	require.NoError(t, err)
	assert.True(t, existed)

	_, err = te.sb.Get(context.Background(), te.userID, sb.ID)
	assert.Error(t, err)
	assert.Equal(t, 0, te.runtime.ContainerCount())
}

func TestStopIsNoopWhenAlreadyStopped(t *testing.T) {
	te := newTestEnv(t, 10)
	sb, err := te.sb.Create(context.Background(), te.userID, sandboxes.CreateSpec{EnvironmentID: te.envID, Name: "demo1"})
	require.NoError(t, err)
	waitRunning(t, te, sb.ID)

	first, err := te.sb.Stop(context.Background(), te.userID, sb.ID)
	require.NoError(t, err)
	second, err := te.sb.Stop(context.Background(), te.userID, sb.ID)
	require.NoError(t, err)
	assert.Equal(t, first.Status, second.Status)
}

func TestStartAfterStop(t *testing.T) {
	te := newTestEnv(t, 10)
	sb, err := te.sb.Create(context.Background(), te.userID, sandboxes.CreateSpec{EnvironmentID: te.envID, Name: "demo1"})
	require.NoError(t, err)
	waitRunning(t, te, sb.ID)

	_, err = te.sb.Stop(context.Background(), te.userID, sb.ID)
	require.NoError(t, err)

	started, err := te.sb.Start(context.Background(), te.userID, sb.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusRunning, started.Status)
	assert.Equal(t, models.PhaseHealthy, started.Phase)
}

// TestTenantIsolation verifies §8 property 3 against the sandbox service:
// operations from a different user always report NotFound, and the
// original sandbox is left untouched.
func TestTenantIsolation(t *testing.T) {
	te := newTestEnv(t, 10)
	_, err := te.db.ExecContext(context.Background(),
		`INSERT INTO users (id, email, password_verifier) VALUES ($1, $2, 'x')`, "user-2", "u2@example.com")
	require.NoError(t, err)

	sb, err := te.sb.Create(context.Background(), te.userID, sandboxes.CreateSpec{EnvironmentID: te.envID, Name: "mine"})
	require.NoError(t, err)
	waitRunning(t, te, sb.ID)

	_, err = te.sb.Get(context.Background(), "user-2", sb.ID)
	assert.Error(t, err)

	_, err = te.sb.Stop(context.Background(), "user-2", sb.ID)
	assert.Error(t, err)

	existed, err := te.sb.Destroy(context.Background(), "user-2", sb.ID)
	require.NoError(t, err)
	assert.False(t, existed)

	stillMine, err := te.sb.Get(context.Background(), te.userID, sb.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusRunning, stillMine.Status)
}

// TestTTLSweepExpiresPastDeadline verifies §8 property 7.
func TestTTLSweepExpiresPastDeadline(t *testing.T) {
	te := newTestEnv(t, 10)

	sb, err := te.sb.Create(context.Background(), te.userID, sandboxes.CreateSpec{
		EnvironmentID: te.envID, Name: "short-lived", TTLSeconds: 60,
	})
	require.NoError(t, err)
	waitRunning(t, te, sb.ID)

	past := time.Now().Add(-time.Hour)
	_, err = te.db.UpdateSandboxTransition(context.Background(), sb.ID, func(s *models.Sandbox) error {
		s.ExpiresAt = &past
		return nil
	})
	require.NoError(t, err)

	te.sb.SweepExpired(context.Background())

	expired, err := te.db.GetSandboxByID(context.Background(), sb.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusExpired, expired.Status)
	assert.Equal(t, models.PhaseStopped, expired.Phase)
	assert.Equal(t, 0, te.runtime.ContainerCount())
}

func TestTTLSweepIgnoresSandboxesNotYetExpired(t *testing.T) {
	te := newTestEnv(t, 10)

	sb, err := te.sb.Create(context.Background(), te.userID, sandboxes.CreateSpec{
		EnvironmentID: te.envID, Name: "long-lived", TTLSeconds: 3600,
	})
	require.NoError(t, err)
	waitRunning(t, te, sb.ID)

	te.sb.SweepExpired(context.Background())

	sbRow, err := te.db.GetSandboxByID(context.Background(), sb.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusRunning, sbRow.Status)
}

// TestReplicateAllocatesDistinctPort verifies §8 property 10 / scenario
// S6: a replica never reuses the original's host port.
func TestReplicateAllocatesDistinctPort(t *testing.T) {
	te := newTestEnv(t, 10)

	orig, err := te.sb.Create(context.Background(), te.userID, sandboxes.CreateSpec{EnvironmentID: te.envID, Name: "orig"})
	require.NoError(t, err)
	waitRunning(t, te, orig.ID)

	replica, err := te.sb.Replicate(context.Background(), te.userID, orig.ID, sandboxes.ReplicateSpec{})
	require.NoError(t, err)
	require.NotEqual(t, orig.ID, replica.ID)
	require.Len(t, replica.Ports, 1)
	assert.NotEqual(t, orig.Ports[0].Host, replica.Ports[0].Host)
	assert.Greater(t, replica.Ports[0].Host, orig.Ports[0].Host)

	waitRunning(t, te, replica.ID)

	// Destroying the replica must not affect the original.
	existed, err := te.sb.Destroy(context.Background(), te.userID, replica.ID)
	require.NoError(t, err)
	assert.True(t, existed)

	stillRunning, err := te.sb.Get(context.Background(), te.userID, orig.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusRunning, stillRunning.Status)
}

func TestGetSyncsStaleRunningStatus(t *testing.T) {
	te := newTestEnv(t, 10)

	sb, err := te.sb.Create(context.Background(), te.userID, sandboxes.CreateSpec{EnvironmentID: te.envID, Name: "demo1"})
	require.NoError(t, err)
	running := waitRunning(t, te, sb.ID)

	// The container exits behind the control plane's back.
	require.NoError(t, te.runtime.Stop(context.Background(), running.ContainerRef, 1))

	synced, err := te.sb.Get(context.Background(), te.userID, sb.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusStopped, synced.Status)
}
