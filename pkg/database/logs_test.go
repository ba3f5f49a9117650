package database_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sandboxplatform/controlplane/internal/testutil"
	"github.com/sandboxplatform/controlplane/pkg/models"
)

func TestLogsInsertAndListRecent(t *testing.T) {
	db := testutil.NewTestDB(t)
	ctx := testContext()
	seedUserAndEnvironment(t, db, "user-1", "env-1")
	sb := newSandbox("user-1", "env-1", "v-1", "box")
	require.NoError(t, db.CreateSandbox(ctx, sb))

	base := time.Now().Add(-time.Minute)
	for i := 0; i < 3; i++ {
		err := db.InsertLog(ctx, &models.SandboxLog{
			ID:        "log-" + string(rune('a'+i)),
			SandboxID: sb.ID,
			Stream:    models.StreamStdout,
			Text:      "line",
			Timestamp: base.Add(time.Duration(i) * time.Second),
		})
		require.NoError(t, err)
	}

	logs, err := db.ListRecentLogs(ctx, sb.ID, 10)
	require.NoError(t, err)
	require.Len(t, logs, 3)
	// chronological order: oldest first
	assert.True(t, logs[0].Timestamp.Before(logs[1].Timestamp))
	assert.True(t, logs[1].Timestamp.Before(logs[2].Timestamp))
}

func TestTrimLogsOverCap(t *testing.T) {
	db := testutil.NewTestDB(t)
	ctx := testContext()
	seedUserAndEnvironment(t, db, "user-1", "env-1")
	sb := newSandbox("user-1", "env-1", "v-1", "box")
	require.NoError(t, db.CreateSandbox(ctx, sb))

	base := time.Now().Add(-time.Hour)
	for i := 0; i < 5; i++ {
		require.NoError(t, db.InsertLog(ctx, &models.SandboxLog{
			ID:        "log-" + string(rune('a'+i)),
			SandboxID: sb.ID,
			Stream:    models.StreamStdout,
			Text:      "line",
			Timestamp: base.Add(time.Duration(i) * time.Second),
		}))
	}

	n, err := db.TrimLogsOverCap(ctx, sb.ID, 2)
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)

	count, err := db.CountLogs(ctx, sb.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, count)
}
