package database_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sandboxplatform/controlplane/internal/testutil"
	"github.com/sandboxplatform/controlplane/pkg/models"
)

func TestInsertAndListAudit(t *testing.T) {
	db := testutil.NewTestDB(t)
	ctx := testContext()

	for i := 0; i < 3; i++ {
		err := db.InsertAudit(ctx, &models.AuditEntry{
			ID:           "audit-" + string(rune('a'+i)),
			UserID:       "user-1",
			Action:       "sandbox.create",
			ResourceType: "sandbox",
			ResourceID:   "sb-1",
		})
		require.NoError(t, err)
	}

	entries, err := db.ListAudit(ctx, "user-1", 10, 0)
	require.NoError(t, err)
	assert.Len(t, entries, 3)
}

func TestListAuditRespectsLimitAndOffset(t *testing.T) {
	db := testutil.NewTestDB(t)
	ctx := testContext()

	for i := 0; i < 5; i++ {
		require.NoError(t, db.InsertAudit(ctx, &models.AuditEntry{
			ID:           "audit-" + string(rune('a'+i)),
			UserID:       "user-1",
			Action:       "sandbox.create",
			ResourceType: "sandbox",
			ResourceID:   "sb-1",
		}))
	}

	page, err := db.ListAudit(ctx, "user-1", 2, 2)
	require.NoError(t, err)
	assert.Len(t, page, 2)
}
